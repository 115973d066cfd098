package queue

import "context"

type attemptCtxKey struct{}

// AttemptInfo tells a handler which try of how many its current invocation
// is, so handlers can distinguish a retryable failure from the final one
// (only the last attempt should mark domain state permanently failed).
type AttemptInfo struct {
	Attempt     int
	MaxAttempts int
}

// Final reports whether this invocation is the last one the retry policy
// allows.
func (a AttemptInfo) Final() bool {
	return a.Attempt >= a.MaxAttempts
}

func withAttempt(ctx context.Context, info AttemptInfo) context.Context {
	return context.WithValue(ctx, attemptCtxKey{}, info)
}

// Attempt returns the AttemptInfo the worker attached to a handler
// invocation. Outside a worker (direct calls in tests or CLI one-shots) it
// returns {1, 1}, which reads as a single final attempt.
func Attempt(ctx context.Context) AttemptInfo {
	if info, ok := ctx.Value(attemptCtxKey{}).(AttemptInfo); ok {
		return info
	}
	return AttemptInfo{Attempt: 1, MaxAttempts: 1}
}
