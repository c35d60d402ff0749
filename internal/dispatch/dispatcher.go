// Package dispatch routes one chat message to its command.
//
// A message moves through these steps: strip the prefix or mention and
// tokenize it, look up the command, admit it against its rate-limit bucket
// (possibly waiting in the bucket's queue), ask the before-hook, run the
// handler, then send exactly one reply, or none when the outcome is silent.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/hpungsan/grimbot/internal/chat"
	"github.com/hpungsan/grimbot/internal/command"
	"github.com/hpungsan/grimbot/internal/errors"
	"github.com/hpungsan/grimbot/internal/logging"
	"github.com/hpungsan/grimbot/internal/ratelimit"
)

// DelayReaction is added to a message queued by its bucket.
const DelayReaction = "⏱"

// OutcomeKind is the terminal state of one dispatch.
type OutcomeKind int

const (
	Executed OutcomeKind = iota
	RateLimited
	NotFound
	ParseError
	HandlerError
	Vetoed
	Ignored
)

func (k OutcomeKind) String() string {
	switch k {
	case Executed:
		return "executed"
	case RateLimited:
		return "rate_limited"
	case NotFound:
		return "not_found"
	case ParseError:
		return "parse_error"
	case HandlerError:
		return "handler_error"
	case Vetoed:
		return "vetoed"
	case Ignored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Outcome reports what happened to a message.
type Outcome struct {
	Kind    OutcomeKind
	Command string
	// Reply is the text sent back, empty when silent.
	Reply      string
	RetryAfter time.Duration
	Err        error
}

// Hooks observe dispatch. Every field is optional and independent of the
// others.
type Hooks struct {
	// Before may veto an admitted command by returning false.
	Before func(ctx context.Context, inv *command.Invocation) bool
	// After runs once the handler returns; it cannot change the outcome.
	After func(ctx context.Context, inv *command.Invocation, err error)
	// UnknownCommand runs when the name resolves to nothing.
	UnknownCommand func(ctx context.Context, msg chat.Message, name string)
	// NormalMessage runs for messages without a prefix or mention.
	NormalMessage func(ctx context.Context, msg chat.Message)
	// DelayAction runs when a command is queued by its bucket.
	DelayAction func(ctx context.Context, msg chat.Message, r chat.Responder)
	// DispatchError runs when admission fails.
	DispatchError func(ctx context.Context, msg chat.Message, err error)
}

// DefaultHooks reacts to delayed messages with DelayReaction.
func DefaultHooks() Hooks {
	return Hooks{
		DelayAction: func(ctx context.Context, _ chat.Message, r chat.Responder) {
			_ = r.React(ctx, DelayReaction)
		},
	}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPrefix sets the command prefix, e.g. "~".
func WithPrefix(prefix string) Option {
	return func(d *Dispatcher) {
		d.prefix = prefix
	}
}

// WithMention also accepts messages starting with a mention of botID.
func WithMention(botID uint64) Option {
	return func(d *Dispatcher) {
		if botID == 0 {
			d.mentions = nil
			return
		}
		id := strconv.FormatUint(botID, 10)
		d.mentions = []string{"<@" + id + ">", "<@!" + id + ">"}
	}
}

// WithDelimiters sets the argument delimiters in addition to whitespace.
func WithDelimiters(delimiters ...string) Option {
	return func(d *Dispatcher) {
		d.delimiters = delimiters
	}
}

// WithLogger sets the logger for the dispatcher.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithHooks replaces DefaultHooks.
func WithHooks(h Hooks) Option {
	return func(d *Dispatcher) {
		d.hooks = h
	}
}

// WithNotifyNotFound makes unknown commands answer "Could not find".
func WithNotifyNotFound(notify bool) Option {
	return func(d *Dispatcher) {
		d.notifyNotFound = notify
	}
}

// Dispatcher is safe for concurrent use; each message is independent.
type Dispatcher struct {
	registry *command.Registry
	limiter  *ratelimit.Limiter
	counter  *command.Counter

	prefix         string
	mentions       []string
	delimiters     []string
	hooks          Hooks
	notifyNotFound bool
	logger         *slog.Logger
}

// New creates a Dispatcher. limiter may be nil, in which case every
// command proceeds.
func New(registry *command.Registry, limiter *ratelimit.Limiter, counter *command.Counter, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		limiter:  limiter,
		counter:  counter,
		hooks:    DefaultHooks(),
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.counter == nil {
		d.counter = command.NewCounter()
	}
	return d
}

// Counter returns the invocation counter.
func (d *Dispatcher) Counter() *command.Counter {
	return d.counter
}

// Dispatch runs msg to completion and answers through r.
func (d *Dispatcher) Dispatch(ctx context.Context, msg chat.Message, r chat.Responder) Outcome {
	rest, ok := d.strip(msg.Content)
	if !ok {
		return d.ignore(ctx, msg)
	}
	tokens := command.Tokenize(rest, d.delimiters)
	if len(tokens) == 0 || tokens[0] == "" {
		return d.ignore(ctx, msg)
	}
	name, args := tokens[0], command.Args(tokens[1:])

	spec, ok := d.registry.Lookup(name)
	if !ok {
		return d.notFound(ctx, msg, r, name)
	}

	log := d.logger.With(logging.Command(spec.Name), slog.String("message_id", msg.ID))
	log.Info("got command", slog.String("user", msg.AuthorName), slog.Uint64("user_id", msg.AuthorID))

	bucket, hasBucket := d.bucket(spec.Bucket)
	if hasBucket {
		if out, stop := d.admit(ctx, log, msg, r, spec, bucket); stop {
			return out
		}
	}

	inv := &command.Invocation{
		Message:   msg,
		Name:      spec.Name,
		Alias:     name,
		Args:      args,
		Responder: r,
	}

	if d.hooks.Before != nil && !d.hooks.Before(ctx, inv) {
		log.Info("command vetoed")
		return Outcome{Kind: Vetoed, Command: spec.Name, Err: errors.NewVetoed(spec.Name)}
	}

	d.counter.Inc(spec.Name)

	start := time.Now()
	reply, err := safeHandle(ctx, spec, inv)

	if d.hooks.After != nil {
		d.hooks.After(ctx, inv, err)
	}

	out := Outcome{Kind: Executed, Command: spec.Name, Reply: reply, Err: err}
	if err != nil {
		if bErr, ok := errors.As(err); ok && bErr.Code == errors.ErrParse {
			out.Kind = ParseError
			out.Reply = bErr.Message
			log.Info("command rejected arguments", logging.Error(err))
		} else {
			out.Kind = HandlerError
			out.Reply = fmt.Sprintf("Could not complete %s.", spec.Name)
			log.Error("command returned error", logging.Error(err))
		}
	} else {
		log.Info("processed command", logging.Elapsed(start))
	}

	if hasBucket && bucket.PostDelay > 0 && out.Reply != "" {
		if err := sleep(ctx, bucket.PostDelay); err != nil {
			// Nothing was sent.
			out.Reply = ""
			return out
		}
	}
	d.reply(ctx, log, r, out.Reply)
	return out
}

// admit applies the bucket. stop reports that the outcome is final.
func (d *Dispatcher) admit(ctx context.Context, log *slog.Logger, msg chat.Message, r chat.Responder, spec command.Spec, bucket ratelimit.BucketConfig) (Outcome, bool) {
	key := ratelimit.ScopeKey(bucket.Scope, msg.ChannelID, msg.AuthorID, msg.GuildID)

	decision, err := d.limiter.Admit(bucket.ID, key)
	if err != nil {
		if d.hooks.DispatchError != nil {
			d.hooks.DispatchError(ctx, msg, err)
		}
		log.Error("admission failed", logging.Error(err))
		out := Outcome{Kind: HandlerError, Command: spec.Name, Reply: fmt.Sprintf("Could not complete %s.", spec.Name), Err: errors.NewInternal(err)}
		d.reply(ctx, log, r, out.Reply)
		return out, true
	}

	switch decision.Kind {
	case ratelimit.Reject:
		limited := errors.NewRateLimited(bucket.ID, decision.RetryAfter)
		if d.hooks.DispatchError != nil {
			d.hooks.DispatchError(ctx, msg, limited)
		}
		log.Info("command rate limited", logging.Bucket(bucket.ID, key), slog.Bool("first", decision.FirstRejection))

		out := Outcome{Kind: RateLimited, Command: spec.Name, RetryAfter: decision.RetryAfter, Err: limited}
		if decision.FirstRejection {
			out.Reply = fmt.Sprintf("Try this again in %d seconds.", wholeSeconds(decision.RetryAfter))
			d.reply(ctx, log, r, out.Reply)
		}
		return out, true

	case ratelimit.Delay:
		if d.hooks.DelayAction != nil {
			d.hooks.DelayAction(ctx, msg, r)
		}
		log.Debug("command delayed", logging.Bucket(bucket.ID, key), logging.Duration(decision.Delay))
		if err := d.limiter.Wait(ctx, decision); err != nil {
			log.Info("delayed command abandoned", logging.Error(err))
			return Outcome{Kind: RateLimited, Command: spec.Name, RetryAfter: decision.Delay, Err: err}, true
		}
	}
	return Outcome{}, false
}

func (d *Dispatcher) bucket(id string) (ratelimit.BucketConfig, bool) {
	if id == "" || d.limiter == nil {
		return ratelimit.BucketConfig{}, false
	}
	cfg, ok := d.limiter.Bucket(id)
	if !ok {
		// Unknown ids still go through Admit so the failure is reported.
		return ratelimit.BucketConfig{ID: id}, true
	}
	return cfg, true
}

func (d *Dispatcher) ignore(ctx context.Context, msg chat.Message) Outcome {
	if d.hooks.NormalMessage != nil {
		d.hooks.NormalMessage(ctx, msg)
	}
	d.logger.Debug("message is not a command", slog.String("message_id", msg.ID))
	return Outcome{Kind: Ignored}
}

func (d *Dispatcher) notFound(ctx context.Context, msg chat.Message, r chat.Responder, name string) Outcome {
	if d.hooks.UnknownCommand != nil {
		d.hooks.UnknownCommand(ctx, msg, name)
	}
	d.logger.Info("could not find command", logging.Command(name), slog.String("message_id", msg.ID))

	out := Outcome{Kind: NotFound, Command: name, Err: errors.NewNotFound("command", name)}
	if d.notifyNotFound {
		out.Reply = fmt.Sprintf("Could not find: '%s'.", name)
		d.reply(ctx, d.logger, r, out.Reply)
	}
	return out
}

// strip removes the prefix or a leading bot mention.
func (d *Dispatcher) strip(content string) (string, bool) {
	content = strings.TrimSpace(content)
	for _, m := range d.mentions {
		if strings.HasPrefix(content, m) {
			return strings.TrimSpace(content[len(m):]), true
		}
	}
	if d.prefix != "" && strings.HasPrefix(content, d.prefix) {
		return strings.TrimSpace(content[len(d.prefix):]), true
	}
	return "", false
}

func (d *Dispatcher) reply(ctx context.Context, log *slog.Logger, r chat.Responder, text string) {
	if text == "" || r == nil {
		return
	}
	if err := r.Reply(ctx, text); err != nil {
		log.Warn("reply failed", logging.Error(err))
	}
}

// safeHandle converts a handler panic into an INTERNAL error.
func safeHandle(ctx context.Context, spec command.Spec, inv *command.Invocation) (reply string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.NewInternal(fmt.Errorf("handler %s panicked: %v", spec.Name, p))
			reply = ""
		}
	}()
	return spec.Handler(ctx, inv)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// wholeSeconds rounds up so a user never retries too early.
func wholeSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}
