// Package bot assembles the dispatcher and its services from configuration
// and runs each inbound message on its own goroutine.
package bot

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hpungsan/grimbot/internal/backup"
	"github.com/hpungsan/grimbot/internal/chat"
	"github.com/hpungsan/grimbot/internal/command"
	"github.com/hpungsan/grimbot/internal/commands"
	"github.com/hpungsan/grimbot/internal/config"
	"github.com/hpungsan/grimbot/internal/db"
	"github.com/hpungsan/grimbot/internal/dice"
	"github.com/hpungsan/grimbot/internal/dispatch"
	"github.com/hpungsan/grimbot/internal/errors"
	"github.com/hpungsan/grimbot/internal/game"
	"github.com/hpungsan/grimbot/internal/logging"
	"github.com/hpungsan/grimbot/internal/ratelimit"
	"github.com/hpungsan/grimbot/internal/store"
)

// ErrClosed is returned by Handle after Close has begun.
var ErrClosed = stderrors.New("bot is closed")

// Bot owns every long-lived service. Create one with New and release it
// with Close.
type Bot struct {
	cfg    *config.Config
	logger *slog.Logger

	database   *sql.DB
	roller     *dice.Roller
	characters *store.Store[game.Character]
	groups     *store.Store[game.Group]
	registry   *command.Registry
	counter    *command.Counter
	limiter    *ratelimit.Limiter
	dispatcher *dispatch.Dispatcher

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup

	fatal     chan error
	fatalOnce sync.Once

	now func() time.Time
}

// Option configures a Bot.
type Option func(*options)

type options struct {
	logger *slog.Logger
	roller *dice.Roller
	clock  func() time.Time
	hooks  *dispatch.Hooks
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRoller replaces the crypto-seeded roller, e.g. with a fixed seed.
func WithRoller(r *dice.Roller) Option {
	return func(o *options) {
		o.roller = r
	}
}

// WithClock sets the clock of the rate limiter and of exports.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.clock = now
	}
}

// WithHooks replaces dispatch.DefaultHooks.
func WithHooks(h dispatch.Hooks) Option {
	return func(o *options) {
		o.hooks = &h
	}
}

// New builds a Bot from cfg. Store contents load on first use; the SQLite
// database, when configured, is initialized here.
func New(cfg *config.Config, opts ...Option) (*Bot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{logger: logging.Discard()}
	for _, opt := range opts {
		opt(&o)
	}

	b := &Bot{
		cfg:      cfg,
		logger:   o.logger,
		registry: command.NewRegistry(),
		counter:  command.NewCounter(),
		fatal:    make(chan error, 1),
		now:      time.Now,
	}
	if o.clock != nil {
		b.now = o.clock
	}

	b.roller = o.roller
	if b.roller == nil {
		r, err := dice.NewRandomRoller(cfg.MaxDice)
		if err != nil {
			return nil, fmt.Errorf("seed roller: %w", err)
		}
		b.roller = r
	}

	if err := b.openStores(); err != nil {
		return nil, err
	}

	limiterOpts := []ratelimit.Option{ratelimit.WithLogger(o.logger)}
	if o.clock != nil {
		limiterOpts = append(limiterOpts, ratelimit.WithClock(o.clock))
	}
	limiter, err := ratelimit.New(BucketConfigs(cfg), limiterOpts...)
	if err != nil {
		b.closeStores()
		return nil, err
	}
	b.limiter = limiter

	deps := commands.Deps{
		Roller:     b.roller,
		Characters: b.characters,
		Groups:     b.groups,
		Registry:   b.registry,
		Counter:    b.counter,
		BotName:    cfg.BotName,
		Version:    cfg.Version,
		Prefix:     cfg.Prefix,
	}
	if err := commands.Register(b.registry, deps, cfg.CommandBuckets, cfg.DisabledCommands); err != nil {
		b.closeStores()
		return nil, err
	}

	hooks := dispatch.DefaultHooks()
	if o.hooks != nil {
		hooks = *o.hooks
	}
	dispatchOpts := []dispatch.Option{
		dispatch.WithPrefix(cfg.Prefix),
		dispatch.WithDelimiters(cfg.Delimiters...),
		dispatch.WithLogger(o.logger),
		dispatch.WithHooks(hooks),
		dispatch.WithNotifyNotFound(cfg.NotifyNotFound),
	}
	if cfg.BotID != 0 {
		dispatchOpts = append(dispatchOpts, dispatch.WithMention(cfg.BotID))
	}
	b.dispatcher = dispatch.New(b.registry, limiter, b.counter, dispatchOpts...)

	return b, nil
}

func (b *Bot) openStores() error {
	storeOpts := []store.Option{store.WithLogger(b.logger), store.WithKeyFold(game.Fold)}

	switch b.cfg.StoreBackend {
	case config.BackendSQLite:
		database, err := db.Init(b.cfg.DataDir)
		if err != nil {
			return errors.NewStoreIO("sqlite", err)
		}
		db.ConfigurePool(database, b.cfg)
		b.database = database
		b.characters = store.New[game.Character](game.KindCharacters, store.NewSQLiteBackend(database, game.KindCharacters), storeOpts...)
		b.groups = store.New[game.Group](game.KindGroups, store.NewSQLiteBackend(database, game.KindGroups), storeOpts...)
	default:
		b.characters = store.New[game.Character](game.KindCharacters, store.NewFileBackend(b.cfg.DataDir, game.KindCharacters), storeOpts...)
		b.groups = store.New[game.Group](game.KindGroups, store.NewFileBackend(b.cfg.DataDir, game.KindGroups), storeOpts...)
	}
	return nil
}

// BucketConfigs converts configured buckets to limiter buckets, sorted by ID.
func BucketConfigs(cfg *config.Config) []ratelimit.BucketConfig {
	ids := make([]string, 0, len(cfg.Buckets))
	for id := range cfg.Buckets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]ratelimit.BucketConfig, 0, len(ids))
	for _, id := range ids {
		bc := cfg.Buckets[id]
		scope := ratelimit.Scope(bc.Scope)
		if scope == "" {
			scope = ratelimit.ScopeGlobal
		}
		out = append(out, ratelimit.BucketConfig{
			ID:         id,
			Capacity:   bc.Capacity,
			Window:     seconds(bc.WindowSeconds),
			Scope:      scope,
			QueueDepth: bc.QueueDepth,
			PostDelay:  seconds(bc.PostDelaySeconds),
		})
	}
	return out
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Handle dispatches msg on a new goroutine. It returns ErrClosed once Close
// has been called.
func (b *Bot) Handle(ctx context.Context, msg chat.Message, r chat.Responder) error {
	if !b.acquire() {
		return ErrClosed
	}
	go func() {
		defer b.inflight.Done()
		b.run(ctx, msg, r)
	}()
	return nil
}

// HandleSync dispatches msg on the calling goroutine and returns its outcome.
func (b *Bot) HandleSync(ctx context.Context, msg chat.Message, r chat.Responder) (dispatch.Outcome, error) {
	if !b.acquire() {
		return dispatch.Outcome{}, ErrClosed
	}
	defer b.inflight.Done()
	return b.run(ctx, msg, r), nil
}

func (b *Bot) acquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.inflight.Add(1)
	return true
}

func (b *Bot) run(ctx context.Context, msg chat.Message, r chat.Responder) dispatch.Outcome {
	out := b.dispatcher.Dispatch(ctx, msg, r)
	if errors.Is(out.Err, errors.ErrCorruptData) {
		b.fatalOnce.Do(func() {
			b.logger.Error("entity store is corrupt", logging.Command(out.Command), logging.Error(out.Err))
			b.fatal <- out.Err
		})
	}
	return out
}

// Fatal delivers the first unrecoverable error seen while handling
// messages. The caller should Close the bot and exit.
func (b *Bot) Fatal() <-chan error {
	return b.fatal
}

// Close stops accepting messages, waits for in-flight ones to finish, then
// closes the stores and database.
func (b *Bot) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	start := time.Now()
	b.inflight.Wait()
	b.logger.Debug("drained in-flight messages", logging.Elapsed(start))

	return b.closeStores()
}

func (b *Bot) closeStores() error {
	var firstErr error
	for _, c := range []interface{ Close() error }{b.characters, b.groups} {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.database != nil {
		if err := b.database.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Entity returns the entity stored under key in the named kind.
func (b *Bot) Entity(ctx context.Context, kind, key string) (any, bool, error) {
	key = game.Key(key)
	switch kind {
	case game.KindCharacters:
		c, ok, err := b.characters.Get(ctx, key)
		return c, ok, err
	case game.KindGroups:
		g, ok, err := b.groups.Get(ctx, key)
		return g, ok, err
	default:
		return nil, false, errors.NewNotFound("entity kind", kind)
	}
}

// EntityKeys lists the keys of the named kind in order.
func (b *Bot) EntityKeys(ctx context.Context, kind string) ([]string, error) {
	switch kind {
	case game.KindCharacters:
		return b.characters.Keys(ctx)
	case game.KindGroups:
		return b.groups.Keys(ctx)
	default:
		return nil, errors.NewNotFound("entity kind", kind)
	}
}

// Export writes every character and group to path inside the configured
// export directory. An empty path picks a timestamped name.
func (b *Bot) Export(ctx context.Context, path string) (*backup.ExportOutput, error) {
	if !b.acquire() {
		return nil, ErrClosed
	}
	defer b.inflight.Done()

	out, err := backup.Export(ctx, b.tables(), b.cfg.ExportDir, path, b.now())
	if err != nil {
		return nil, err
	}
	b.logger.Info("entities exported", slog.String("path", out.Path), slog.Int("count", out.Count))
	return out, nil
}

// Import loads an export file from the configured export directory.
func (b *Bot) Import(ctx context.Context, path string, conflict store.Conflict) (*backup.ImportOutput, error) {
	if !b.acquire() {
		return nil, ErrClosed
	}
	defer b.inflight.Done()

	out, err := backup.Import(ctx, b.tables(), b.cfg.ExportDir, path, conflict)
	if err != nil {
		return nil, err
	}
	b.logger.Info("entities imported",
		slog.Int("imported", out.Imported), slog.Int("skipped", out.Skipped), slog.Int("errors", len(out.Errors)))
	return out, nil
}

func (b *Bot) tables() []backup.Table {
	return []backup.Table{b.characters, b.groups}
}

// Config returns the configuration the bot was built from.
func (b *Bot) Config() *config.Config { return b.cfg }

// Dispatcher returns the message dispatcher.
func (b *Bot) Dispatcher() *dispatch.Dispatcher { return b.dispatcher }

// Limiter returns the rate limiter.
func (b *Bot) Limiter() *ratelimit.Limiter { return b.limiter }

// Registry returns the command registry.
func (b *Bot) Registry() *command.Registry { return b.registry }

// Counter returns the invocation counter.
func (b *Bot) Counter() *command.Counter { return b.counter }

// Roller returns the dice roller.
func (b *Bot) Roller() *dice.Roller { return b.roller }

// Characters returns the character store.
func (b *Bot) Characters() *store.Store[game.Character] { return b.characters }

// Groups returns the group store.
func (b *Bot) Groups() *store.Store[game.Group] { return b.groups }
