package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hpungsan/grimbot/internal/logging"
)

// Scope decides which part of a message keys a bucket.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeChannel Scope = "channel"
	ScopeUser    Scope = "user"
	ScopeGuild   Scope = "guild"
)

// BucketConfig describes one named bucket.
type BucketConfig struct {
	ID         string
	Capacity   int
	Window     time.Duration
	Scope      Scope
	QueueDepth int
	PostDelay  time.Duration
}

// Validate checks that the bucket can be admitted against.
func (c BucketConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: bucket id is empty", ErrInvalidConfig)
	}
	if c.Capacity <= 0 {
		return fmt.Errorf("%w: bucket %q capacity must be positive", ErrInvalidConfig, c.ID)
	}
	if c.Window <= 0 {
		return fmt.Errorf("%w: bucket %q window must be positive", ErrInvalidConfig, c.ID)
	}
	if c.QueueDepth < 0 {
		return fmt.Errorf("%w: bucket %q queue depth must not be negative", ErrInvalidConfig, c.ID)
	}
	if c.PostDelay < 0 {
		return fmt.Errorf("%w: bucket %q post delay must not be negative", ErrInvalidConfig, c.ID)
	}
	switch c.Scope {
	case ScopeGlobal, ScopeChannel, ScopeUser, ScopeGuild:
	default:
		return fmt.Errorf("%w: bucket %q has unknown scope %q", ErrInvalidConfig, c.ID, c.Scope)
	}
	return nil
}

// ScopeKey derives the state key for a message under scope. A guild scope
// falls back to the channel for direct messages.
func ScopeKey(scope Scope, channelID, authorID uint64, guildID *uint64) string {
	switch scope {
	case ScopeChannel:
		return "channel:" + strconv.FormatUint(channelID, 10)
	case ScopeUser:
		return "user:" + strconv.FormatUint(authorID, 10)
	case ScopeGuild:
		if guildID != nil {
			return "guild:" + strconv.FormatUint(*guildID, 10)
		}
		return "channel:" + strconv.FormatUint(channelID, 10)
	default:
		return "global"
	}
}

// DecisionKind is the admission verdict.
type DecisionKind int

const (
	Proceed DecisionKind = iota
	Delay
	Reject
)

func (k DecisionKind) String() string {
	switch k {
	case Proceed:
		return "proceed"
	case Delay:
		return "delay"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Decision is returned by Admit. A Delay decision must be passed to Wait.
type Decision struct {
	Kind   DecisionKind
	Bucket string
	Key    string

	// Delay is the expected wait for a queued caller.
	Delay time.Duration
	// RetryAfter is set on Reject.
	RetryAfter time.Duration
	// FirstRejection is true for the first Reject since the state last
	// had tokens.
	FirstRejection bool

	ticket *waiter
}

// waiter is one queued caller. Fields are guarded by Limiter.mu.
type waiter struct {
	st      *state
	ready   chan struct{}
	granted bool
	left    bool
	// window is the windowStart the token was granted from.
	window time.Time
}

type state struct {
	cfg         BucketConfig
	key         string
	tokens      int
	windowStart time.Time
	waiters     []*waiter
	rejecting   bool
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the logger for admission events.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Limiter admits invocations against fixed-window token buckets keyed by
// (bucket, scope key). States are created lazily and never evicted.
type Limiter struct {
	mu      sync.Mutex
	configs map[string]BucketConfig
	states  map[string]*state

	now    func() time.Time
	logger *slog.Logger
}

// New validates configs and creates a Limiter.
func New(configs []BucketConfig, opts ...Option) (*Limiter, error) {
	l := &Limiter{
		configs: make(map[string]BucketConfig, len(configs)),
		states:  make(map[string]*state),
		now:     time.Now,
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(l)
	}

	for _, c := range configs {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := l.configs[c.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate bucket %q", ErrInvalidConfig, c.ID)
		}
		l.configs[c.ID] = c
	}
	return l, nil
}

// Bucket returns the configuration for id.
func (l *Limiter) Bucket(id string) (BucketConfig, bool) {
	c, ok := l.configs[id]
	return c, ok
}

// Buckets returns all configured buckets sorted by id.
func (l *Limiter) Buckets() []BucketConfig {
	out := make([]BucketConfig, 0, len(l.configs))
	for _, c := range l.configs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Admit decides whether an invocation against bucket under key may run now,
// must wait, or is rejected. An empty bucket always proceeds.
func (l *Limiter) Admit(bucket, key string) (Decision, error) {
	if bucket == "" {
		return Decision{Kind: Proceed}, nil
	}
	cfg, ok := l.configs[bucket]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownBucket, bucket)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st := l.stateLocked(cfg, key, now)
	l.advanceLocked(st, now)

	d := Decision{Bucket: bucket, Key: key}

	if st.tokens > 0 && len(st.waiters) == 0 {
		st.tokens--
		d.Kind = Proceed
		return d, nil
	}

	untilRefill := st.windowStart.Add(cfg.Window).Sub(now)

	if len(st.waiters) < cfg.QueueDepth {
		w := &waiter{st: st, ready: make(chan struct{})}
		st.waiters = append(st.waiters, w)
		pos := len(st.waiters) - 1

		d.Kind = Delay
		d.Delay = untilRefill + time.Duration(pos/cfg.Capacity)*cfg.Window
		d.ticket = w
		return d, nil
	}

	d.Kind = Reject
	d.RetryAfter = untilRefill + time.Duration(len(st.waiters)/cfg.Capacity)*cfg.Window
	d.FirstRejection = !st.rejecting
	if !st.rejecting {
		l.logger.Debug("bucket exhausted",
			logging.Bucket(bucket, key),
			slog.Duration("retry_after", d.RetryAfter))
	}
	st.rejecting = true
	return d, nil
}

// Wait blocks a delayed caller until its token is granted. If ctx ends first
// the queued slot is released, and a token granted in the meantime passes
// to the next waiter. Proceed decisions return immediately; Reject
// decisions return ErrRejected.
func (l *Limiter) Wait(ctx context.Context, d Decision) error {
	switch d.Kind {
	case Proceed:
		return nil
	case Reject:
		return ErrRejected
	}
	w := d.ticket
	if w == nil {
		return nil
	}

	for {
		l.mu.Lock()
		now := l.now()
		l.advanceLocked(w.st, now)
		if w.granted {
			l.mu.Unlock()
			return nil
		}
		sleep := w.st.windowStart.Add(w.st.cfg.Window).Sub(now)
		l.mu.Unlock()

		timer := time.NewTimer(sleep)
		select {
		case <-w.ready:
			timer.Stop()
			return nil
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			l.leave(w)
			return ctx.Err()
		}
	}
}

// leave removes a cancelled waiter from its queue.
func (l *Limiter) leave(w *waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if w.left {
		return
	}
	w.left = true
	st := w.st

	if w.granted {
		// Tokens from an earlier window were already replaced by a refill.
		if w.window.Equal(st.windowStart) {
			st.tokens++
			st.rejecting = false
			l.grantLocked(st)
		}
		return
	}
	for i, q := range st.waiters {
		if q == w {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			break
		}
	}
}

func (l *Limiter) stateLocked(cfg BucketConfig, key string, now time.Time) *state {
	id := cfg.ID + "\x00" + key
	st, ok := l.states[id]
	if !ok {
		st = &state{
			cfg:         cfg,
			key:         key,
			tokens:      cfg.Capacity,
			windowStart: now,
		}
		l.states[id] = st
	}
	return st
}

// advanceLocked refills st if its window has elapsed. The new window starts
// on the boundary, not at now.
func (l *Limiter) advanceLocked(st *state, now time.Time) {
	elapsed := now.Sub(st.windowStart)
	if elapsed < st.cfg.Window {
		return
	}
	windows := elapsed / st.cfg.Window
	st.windowStart = st.windowStart.Add(windows * st.cfg.Window)
	st.tokens = st.cfg.Capacity
	st.rejecting = false
	l.grantLocked(st)
}

// grantLocked hands available tokens to queued waiters in arrival order.
func (l *Limiter) grantLocked(st *state) {
	for st.tokens > 0 && len(st.waiters) > 0 {
		w := st.waiters[0]
		st.waiters = st.waiters[1:]
		st.tokens--
		w.granted = true
		w.window = st.windowStart
		close(w.ready)
	}
}

// StateSnapshot is a point-in-time view of one (bucket, key) state.
type StateSnapshot struct {
	Bucket    string        `json:"bucket"`
	Key       string        `json:"key"`
	Capacity  int           `json:"capacity"`
	Tokens    int           `json:"tokens"`
	Waiters   int           `json:"waiters"`
	Rejecting bool          `json:"rejecting"`
	ResetsIn  time.Duration `json:"resets_in"`
}

// Snapshot reports every live state, refilled to now, sorted by bucket then key.
func (l *Limiter) Snapshot() []StateSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	out := make([]StateSnapshot, 0, len(l.states))
	for _, st := range l.states {
		l.advanceLocked(st, now)
		out = append(out, StateSnapshot{
			Bucket:    st.cfg.ID,
			Key:       st.key,
			Capacity:  st.cfg.Capacity,
			Tokens:    st.tokens,
			Waiters:   len(st.waiters),
			Rejecting: st.rejecting,
			ResetsIn:  st.windowStart.Add(st.cfg.Window).Sub(now),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bucket != out[j].Bucket {
			return out[i].Bucket < out[j].Bucket
		}
		return out[i].Key < out[j].Key
	})
	return out
}
