package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(t *testing.T, clock *fakeClock, configs ...BucketConfig) *Limiter {
	t.Helper()
	l, err := New(configs, WithClock(clock.Now))
	require.NoError(t, err)
	return l
}

func admit(t *testing.T, l *Limiter, bucket, key string) Decision {
	t.Helper()
	d, err := l.Admit(bucket, key)
	require.NoError(t, err)
	return d
}

func TestAdmit_Capacity(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock, BucketConfig{ID: "dice", Capacity: 3, Window: 10 * time.Second, Scope: ScopeUser})

	for i := 0; i < 3; i++ {
		assert.Equal(t, Proceed, admit(t, l, "dice", "user:1").Kind, "admit %d", i)
	}

	d := admit(t, l, "dice", "user:1")
	assert.Equal(t, Reject, d.Kind)
	assert.True(t, d.FirstRejection)
	assert.Equal(t, 10*time.Second, d.RetryAfter)

	clock.Advance(4 * time.Second)
	d = admit(t, l, "dice", "user:1")
	assert.Equal(t, Reject, d.Kind)
	assert.False(t, d.FirstRejection, "second rejection in the same episode")
	assert.Equal(t, 6*time.Second, d.RetryAfter)
}

func TestAdmit_RefillAtBoundaryOnly(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock, BucketConfig{ID: "emoji", Capacity: 1, Window: 5 * time.Second, Scope: ScopeGlobal})

	require.Equal(t, Proceed, admit(t, l, "emoji", "global").Kind)

	clock.Advance(4999 * time.Millisecond)
	require.Equal(t, Reject, admit(t, l, "emoji", "global").Kind)

	clock.Advance(time.Millisecond)
	require.Equal(t, Proceed, admit(t, l, "emoji", "global").Kind)

	// A new episode notifies again.
	d := admit(t, l, "emoji", "global")
	require.Equal(t, Reject, d.Kind)
	assert.True(t, d.FirstRejection)
}

func TestAdmit_WindowAlignsToBoundary(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock, BucketConfig{ID: "b", Capacity: 1, Window: 10 * time.Second, Scope: ScopeGlobal})

	require.Equal(t, Proceed, admit(t, l, "b", "global").Kind)

	// 25s later the window that started at 20s is running.
	clock.Advance(25 * time.Second)
	require.Equal(t, Proceed, admit(t, l, "b", "global").Kind)

	d := admit(t, l, "b", "global")
	require.Equal(t, Reject, d.Kind)
	assert.Equal(t, 5*time.Second, d.RetryAfter)
}

func TestAdmit_KeysAreIsolated(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock,
		BucketConfig{ID: "dice", Capacity: 1, Window: time.Minute, Scope: ScopeUser},
		BucketConfig{ID: "entity", Capacity: 1, Window: time.Minute, Scope: ScopeUser},
	)

	assert.Equal(t, Proceed, admit(t, l, "dice", "user:1").Kind)
	assert.Equal(t, Proceed, admit(t, l, "dice", "user:2").Kind)
	assert.Equal(t, Proceed, admit(t, l, "entity", "user:1").Kind)
	assert.Equal(t, Reject, admit(t, l, "dice", "user:1").Kind)
}

func TestAdmit_EmptyAndUnknownBucket(t *testing.T) {
	l := newTestLimiter(t, newFakeClock())

	d, err := l.Admit("", "anything")
	require.NoError(t, err)
	assert.Equal(t, Proceed, d.Kind)

	_, err = l.Admit("missing", "global")
	assert.ErrorIs(t, err, ErrUnknownBucket)
}

func TestAdmit_QueueDelays(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock, BucketConfig{ID: "c", Capacity: 1, Window: 30 * time.Second, Scope: ScopeChannel, QueueDepth: 2})

	require.Equal(t, Proceed, admit(t, l, "c", "channel:9").Kind)
	clock.Advance(10 * time.Second)

	first := admit(t, l, "c", "channel:9")
	require.Equal(t, Delay, first.Kind)
	assert.Equal(t, 20*time.Second, first.Delay)

	second := admit(t, l, "c", "channel:9")
	require.Equal(t, Delay, second.Kind)
	assert.Equal(t, 50*time.Second, second.Delay)

	third := admit(t, l, "c", "channel:9")
	require.Equal(t, Reject, third.Kind)
	assert.Equal(t, 80*time.Second, third.RetryAfter)
	assert.True(t, third.FirstRejection)
}

func TestAdmit_RefillServesWaitersFirst(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock, BucketConfig{ID: "c", Capacity: 1, Window: 10 * time.Second, Scope: ScopeGlobal, QueueDepth: 1})

	require.Equal(t, Proceed, admit(t, l, "c", "global").Kind)
	queued := admit(t, l, "c", "global")
	require.Equal(t, Delay, queued.Kind)

	clock.Advance(10 * time.Second)

	// The refilled token belongs to the queued caller.
	late := admit(t, l, "c", "global")
	require.Equal(t, Delay, late.Kind)
	require.NoError(t, l.Wait(context.Background(), queued))
}

func TestWait_FIFO(t *testing.T) {
	l, err := New([]BucketConfig{{ID: "c", Capacity: 1, Window: 40 * time.Millisecond, Scope: ScopeGlobal, QueueDepth: 3}})
	require.NoError(t, err)

	first, err := l.Admit("c", "global")
	require.NoError(t, err)
	require.Equal(t, Proceed, first.Kind)

	var decisions []Decision
	for i := 0; i < 3; i++ {
		d, err := l.Admit("c", "global")
		require.NoError(t, err)
		require.Equal(t, Delay, d.Kind)
		decisions = append(decisions, d)
	}

	order := make(chan int, len(decisions))
	var wg sync.WaitGroup
	for i := len(decisions) - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := l.Wait(context.Background(), decisions[i]); err == nil {
				order <- i
			}
		}(i)
	}
	wg.Wait()
	close(order)

	var got []int
	for i := range order {
		got = append(got, i)
	}
	assert.Equal(t, []int{0, 1, 2}, got)
}

func TestWait_CancelReleasesSlot(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock, BucketConfig{ID: "c", Capacity: 1, Window: time.Hour, Scope: ScopeGlobal, QueueDepth: 1})

	require.Equal(t, Proceed, admit(t, l, "c", "global").Kind)
	queued := admit(t, l, "c", "global")
	require.Equal(t, Delay, queued.Kind)
	require.Equal(t, Reject, admit(t, l, "c", "global").Kind)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Wait(ctx, queued)
	assert.True(t, errors.Is(err, context.Canceled))

	// The slot is free again.
	assert.Equal(t, Delay, admit(t, l, "c", "global").Kind)
}

func TestWait_GrantedTokenPassesOn(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock, BucketConfig{ID: "c", Capacity: 1, Window: 10 * time.Second, Scope: ScopeGlobal, QueueDepth: 2})

	require.Equal(t, Proceed, admit(t, l, "c", "global").Kind)
	a := admit(t, l, "c", "global")
	b := admit(t, l, "c", "global")
	require.Equal(t, Delay, a.Kind)
	require.Equal(t, Delay, b.Kind)

	clock.Advance(10 * time.Second)
	l.Snapshot() // refill grants a

	l.leave(a.ticket)

	l.mu.Lock()
	granted := b.ticket.granted
	l.mu.Unlock()
	assert.True(t, granted, "token handed to the next waiter")
	require.NoError(t, l.Wait(context.Background(), b))
}

func TestWait_ReturnedTokenEndsRejectionEpisode(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock, BucketConfig{ID: "c", Capacity: 1, Window: 10 * time.Second, Scope: ScopeGlobal, QueueDepth: 1})

	require.Equal(t, Proceed, admit(t, l, "c", "global").Kind)
	a := admit(t, l, "c", "global")
	require.Equal(t, Delay, a.Kind)

	clock.Advance(10 * time.Second)
	l.Snapshot() // refill grants a

	b := admit(t, l, "c", "global")
	require.Equal(t, Delay, b.Kind)
	first := admit(t, l, "c", "global")
	require.Equal(t, Reject, first.Kind)
	require.True(t, first.FirstRejection)

	// Both waiters give up; a's token goes back to the bucket.
	l.leave(b.ticket)
	l.leave(a.ticket)

	require.Equal(t, Proceed, admit(t, l, "c", "global").Kind)
	require.Equal(t, Delay, admit(t, l, "c", "global").Kind)
	again := admit(t, l, "c", "global")
	require.Equal(t, Reject, again.Kind)
	assert.True(t, again.FirstRejection, "bucket had a token again, so this is a new episode")
}

func TestWait_NonDelay(t *testing.T) {
	l := newTestLimiter(t, newFakeClock())

	assert.NoError(t, l.Wait(context.Background(), Decision{Kind: Proceed}))
	assert.ErrorIs(t, l.Wait(context.Background(), Decision{Kind: Reject}), ErrRejected)
}

func TestAdmit_ConcurrentSameKey(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock, BucketConfig{ID: "dice", Capacity: 10, Window: time.Minute, Scope: ScopeUser, QueueDepth: 5})

	var proceeded, delayed, rejected atomic.Int64
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Admit("dice", "user:1")
			if err != nil {
				return
			}
			switch d.Kind {
			case Proceed:
				proceeded.Add(1)
			case Delay:
				delayed.Add(1)
			case Reject:
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), proceeded.Load())
	assert.Equal(t, int64(5), delayed.Load())
	assert.Equal(t, int64(85), rejected.Load())
}

func TestSnapshot(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock,
		BucketConfig{ID: "dice", Capacity: 2, Window: 10 * time.Second, Scope: ScopeUser, QueueDepth: 1},
		BucketConfig{ID: "about", Capacity: 1, Window: 5 * time.Second, Scope: ScopeGlobal},
	)

	admit(t, l, "dice", "user:2")
	admit(t, l, "dice", "user:2")
	admit(t, l, "dice", "user:2")
	admit(t, l, "about", "global")
	clock.Advance(2 * time.Second)

	snap := l.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, StateSnapshot{Bucket: "about", Key: "global", Capacity: 1, Tokens: 0, ResetsIn: 3 * time.Second}, snap[0])
	assert.Equal(t, StateSnapshot{Bucket: "dice", Key: "user:2", Capacity: 2, Tokens: 0, Waiters: 1, ResetsIn: 8 * time.Second}, snap[1])
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  []BucketConfig
	}{
		{"empty id", []BucketConfig{{Capacity: 1, Window: time.Second, Scope: ScopeGlobal}}},
		{"zero capacity", []BucketConfig{{ID: "a", Window: time.Second, Scope: ScopeGlobal}}},
		{"zero window", []BucketConfig{{ID: "a", Capacity: 1, Scope: ScopeGlobal}}},
		{"negative queue", []BucketConfig{{ID: "a", Capacity: 1, Window: time.Second, Scope: ScopeGlobal, QueueDepth: -1}}},
		{"negative post delay", []BucketConfig{{ID: "a", Capacity: 1, Window: time.Second, Scope: ScopeGlobal, PostDelay: -time.Second}}},
		{"unknown scope", []BucketConfig{{ID: "a", Capacity: 1, Window: time.Second, Scope: "planet"}}},
		{"duplicate", []BucketConfig{
			{ID: "a", Capacity: 1, Window: time.Second, Scope: ScopeGlobal},
			{ID: "a", Capacity: 2, Window: time.Second, Scope: ScopeGlobal},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestScopeKey(t *testing.T) {
	guild := uint64(77)
	tests := []struct {
		name  string
		scope Scope
		guild *uint64
		want  string
	}{
		{"global", ScopeGlobal, &guild, "global"},
		{"channel", ScopeChannel, &guild, "channel:10"},
		{"user", ScopeUser, &guild, "user:20"},
		{"guild", ScopeGuild, &guild, "guild:77"},
		{"guild falls back to channel", ScopeGuild, nil, "channel:10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ScopeKey(tt.scope, 10, 20, tt.guild); got != tt.want {
				t.Errorf("ScopeKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuckets_Sorted(t *testing.T) {
	l := newTestLimiter(t, newFakeClock(),
		BucketConfig{ID: "zeta", Capacity: 1, Window: time.Second, Scope: ScopeGlobal},
		BucketConfig{ID: "alpha", Capacity: 1, Window: time.Second, Scope: ScopeGlobal},
	)

	got := l.Buckets()
	require.Len(t, got, 2)
	assert.Equal(t, "alpha", got[0].ID)

	cfg, ok := l.Bucket("zeta")
	assert.True(t, ok)
	assert.Equal(t, 1, cfg.Capacity)
}
