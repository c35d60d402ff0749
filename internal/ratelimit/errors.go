package ratelimit

import "errors"

var (
	ErrInvalidConfig = errors.New("invalid bucket configuration")
	ErrUnknownBucket = errors.New("unknown bucket")
	ErrRejected      = errors.New("rate limit exceeded")
)
