// Package store keeps keyed game entities in memory and persists them
// through a Backend.
//
// Every operation on a Store runs under one mutex that spans load, modify
// and save, so concurrent writers never persist a stale snapshot. The
// in-memory mapping is replaced only after a save succeeds.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hpungsan/grimbot/internal/errors"
	"github.com/hpungsan/grimbot/internal/logging"
)

// Cloner is implemented by entities holding maps or slices. Store clones
// values on the way in and out so callers never share state with the
// persisted mapping.
type Cloner[T any] interface {
	Clone() T
}

// Option configures a Store.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	retryDelay time.Duration
	fold       func(string) string
}

// WithLogger sets the logger for load and save events.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRetryDelay sets the pause before a failed save is retried.
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.retryDelay = d
		}
	}
}

// WithKeyFold makes lookups match a stored key when both fold to the same
// string. Keys are persisted exactly as first written.
func WithKeyFold(fold func(string) string) Option {
	return func(o *options) {
		o.fold = fold
	}
}

// Store is the sole owner of one entity kind.
type Store[T any] struct {
	kind    string
	backend Backend
	opts    options

	mu       sync.Mutex
	loaded   bool
	items    map[string]T
	poisoned error
}

// New creates a Store for kind. Nothing is read until first use.
func New[T any](kind string, backend Backend, opts ...Option) *Store[T] {
	o := options{
		logger:     logging.Discard(),
		retryDelay: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store[T]{kind: kind, backend: backend, opts: o}
}

// Kind returns the entity kind name.
func (s *Store[T]) Kind() string {
	return s.kind
}

// Get returns the entity stored under key.
func (s *Store[T]) Get(ctx context.Context, key string) (T, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	if err := s.ensureLoaded(ctx); err != nil {
		return zero, false, err
	}
	v, ok := s.items[s.resolveLocked(key)]
	if !ok {
		return zero, false, nil
	}
	return clone(v), true, nil
}

// Upsert stores v under key, replacing any previous entity, and persists
// the whole mapping.
func (s *Store[T]) Upsert(ctx context.Context, key string, v T) error {
	if key == "" {
		return errors.NewParse(errors.ParseMissingArgument, s.kind+" key is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(ctx); err != nil {
		return err
	}
	return s.commit(ctx, s.resolveLocked(key), clone(v))
}

// Create stores v under key only if the key is free.
func (s *Store[T]) Create(ctx context.Context, key string, v T) error {
	if key == "" {
		return errors.NewParse(errors.ParseMissingArgument, s.kind+" key is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(ctx); err != nil {
		return err
	}
	if existing := s.resolveLocked(key); s.has(existing) {
		return errors.NewAlreadyExists(s.kind, existing)
	}
	return s.commit(ctx, key, clone(v))
}

// Update applies fn to the entity under key and persists the result as one
// atomic step. fn receives a copy and whether the key existed; an error from
// fn aborts without saving.
func (s *Store[T]) Update(ctx context.Context, key string, fn func(cur T, exists bool) (T, error)) (T, error) {
	var zero T
	if key == "" {
		return zero, errors.NewParse(errors.ParseMissingArgument, s.kind+" key is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(ctx); err != nil {
		return zero, err
	}

	key = s.resolveLocked(key)
	cur, ok := s.items[key]
	if ok {
		cur = clone(cur)
	}
	next, err := fn(cur, ok)
	if err != nil {
		return zero, err
	}
	if err := s.commit(ctx, key, clone(next)); err != nil {
		return zero, err
	}
	return next, nil
}

// Keys returns every key in sorted order.
func (s *Store[T]) Keys(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// All returns a copy of the whole mapping.
func (s *Store[T]) All(ctx context.Context) (map[string]T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]T, len(s.items))
	for k, v := range s.items {
		out[k] = clone(v)
	}
	return out, nil
}

// Dump returns every entity encoded as JSON.
func (s *Store[T]) Dump(ctx context.Context) (map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(s.items))
	for k, v := range s.items {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, errors.NewInternal(fmt.Errorf("encode %s %q: %w", s.kind, k, err))
		}
		out[k] = data
	}
	return out, nil
}

// Conflict decides what Restore does with a key that is already stored.
type Conflict string

const (
	ConflictFail    Conflict = "error"   // abort before writing anything
	ConflictReplace Conflict = "replace" // overwrite the stored entity
	ConflictSkip    Conflict = "skip"    // keep the stored entity
)

// Restore decodes entries and stores them with a single save. It returns
// the keys written and the keys skipped, both sorted. An entry that does
// not decode aborts the whole restore.
func (s *Store[T]) Restore(ctx context.Context, entries map[string]json.RawMessage, conflict Conflict) (written, skipped []string, err error) {
	decoded := make(map[string]T, len(entries))
	for key, data := range entries {
		if key == "" {
			return nil, nil, errors.NewParse(errors.ParseMissingArgument, s.kind+" key is empty")
		}
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, nil, errors.NewParse(errors.ParseMalformed, fmt.Sprintf("%s %q: %v", s.kind, key, err))
		}
		decoded[key] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(ctx); err != nil {
		return nil, nil, err
	}

	changes := make(map[string]T, len(decoded))
	for key, v := range decoded {
		key = s.resolveLocked(key)
		if s.has(key) {
			switch conflict {
			case ConflictSkip:
				skipped = append(skipped, key)
				continue
			case ConflictReplace:
			default:
				return nil, nil, errors.NewAlreadyExists(s.kind, key)
			}
		}
		changes[key] = v
		written = append(written, key)
	}
	sort.Strings(written)
	sort.Strings(skipped)

	if len(changes) == 0 {
		return written, skipped, nil
	}
	if err := s.commitAll(ctx, changes); err != nil {
		return nil, nil, err
	}
	s.opts.logger.Info("store restored", logging.Store(s.kind),
		slog.Int("written", len(written)), slog.Int("skipped", len(skipped)))
	return written, skipped, nil
}

// Close releases the backend. It waits for any operation in progress.
func (s *Store[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Close()
}

// ensureLoaded reads the backend on first use. Any failure to read data
// that exists poisons the store, so a later save can never overwrite it
// with a partial mapping. Only cancellation is left retryable.
func (s *Store[T]) ensureLoaded(ctx context.Context) error {
	if s.poisoned != nil {
		return s.poisoned
	}
	if s.loaded {
		return nil
	}

	raw, err := s.backend.Load(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		if !errors.Is(err, errors.ErrCorruptData) {
			err = errors.NewCorruptData(s.kind, err)
		}
		s.poison(err)
		return err
	}

	items := make(map[string]T, len(raw))
	for key, data := range raw {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			err = errors.NewCorruptData(s.kind, fmt.Errorf("entry %q: %w", key, err))
			s.poison(err)
			return err
		}
		items[key] = v
	}

	s.items = items
	s.loaded = true
	s.opts.logger.Debug("store loaded", logging.Store(s.kind), slog.Int("entries", len(items)))
	return nil
}

// resolveLocked returns the stored key matching key: the exact key if
// present, otherwise one that folds the same. Without a match it returns
// key unchanged.
func (s *Store[T]) resolveLocked(key string) string {
	if s.has(key) || s.opts.fold == nil {
		return key
	}
	want := s.opts.fold(key)
	for k := range s.items {
		if s.opts.fold(k) == want {
			return k
		}
	}
	return key
}

func (s *Store[T]) has(key string) bool {
	_, ok := s.items[key]
	return ok
}

func (s *Store[T]) poison(err error) {
	s.poisoned = err
	s.opts.logger.Error("store poisoned", logging.Store(s.kind), logging.Error(err))
}

// commit saves items with key set to v and swaps the mapping in on success.
func (s *Store[T]) commit(ctx context.Context, key string, v T) error {
	return s.commitAll(ctx, map[string]T{key: v})
}

// commitAll saves items overlaid with changes in one backend write.
func (s *Store[T]) commitAll(ctx context.Context, changes map[string]T) error {
	next := make(map[string]T, len(s.items)+len(changes))
	for k, cur := range s.items {
		next[k] = cur
	}
	for k, v := range changes {
		next[k] = v
	}

	raw := make(map[string]json.RawMessage, len(next))
	for k, item := range next {
		data, err := json.Marshal(item)
		if err != nil {
			return errors.NewInternal(fmt.Errorf("encode %s %q: %w", s.kind, k, err))
		}
		raw[k] = data
	}

	err := s.backend.Save(ctx, raw)
	if errors.Is(err, errors.ErrStoreIO) {
		s.opts.logger.Warn("store save failed, retrying", logging.Store(s.kind), logging.Error(err))
		select {
		case <-ctx.Done():
			return err
		case <-time.After(s.opts.retryDelay):
		}
		err = s.backend.Save(ctx, raw)
	}
	if err != nil {
		return err
	}

	s.items = next
	return nil
}

func clone[T any](v T) T {
	if c, ok := any(v).(Cloner[T]); ok {
		return c.Clone()
	}
	return v
}
