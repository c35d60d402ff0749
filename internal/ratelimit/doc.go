// Package ratelimit implements fixed-window token buckets for command
// admission.
//
// Each named bucket holds Capacity tokens per Window. State is kept per
// (bucket, scope key), where the key is derived from the message by the
// bucket's Scope. Tokens are refilled only when a window boundary passes.
//
// When a state is empty, up to QueueDepth callers are queued and served in
// arrival order at the next refill; further callers are rejected. Only the
// first rejection after the state last had tokens is flagged, so callers can
// notify a user once per episode:
//
//	d, err := limiter.Admit("dice", ratelimit.ScopeKey(ratelimit.ScopeUser, ch, user, nil))
//	if err != nil {
//		return err
//	}
//	switch d.Kind {
//	case ratelimit.Delay:
//		if err := limiter.Wait(ctx, d); err != nil {
//			return err
//		}
//	case ratelimit.Reject:
//		if d.FirstRejection {
//			notify(d.RetryAfter)
//		}
//		return nil
//	}
package ratelimit
