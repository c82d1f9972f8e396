package callcontext

import (
	"context"
	"errors"
	"time"

	"call-relay/internal/observability"
)

type Resolver struct {
	store    Store
	attempts int
	delay    time.Duration
	logger   *observability.Logger
}

// NewResolver polls store up to attempts times, delay apart.
func NewResolver(store Store, attempts int, delay time.Duration, logger *observability.Logger) *Resolver {
	if attempts <= 0 {
		attempts = 1
	}
	return &Resolver{store: store, attempts: attempts, delay: delay, logger: logger}
}

// Resolve looks the call up by session token, then by call SID. The webhook
// that writes the context may still be in flight, so lookups are retried. It
// never fails: when nothing turns up a minimal fallback context carrying the
// given identifiers is returned.
func (r *Resolver) Resolve(ctx context.Context, sessionToken, callSID string) CallContext {
	var lookup []string
	for _, k := range []string{sessionToken, callSID} {
		if k != "" {
			lookup = append(lookup, k)
		}
	}
	fallback := CallContext{
		SessionToken: sessionToken,
		CallSID:      callSID,
		Fallback:     true,
		CreatedAt:    time.Now(),
	}
	if len(lookup) == 0 || r.store == nil {
		r.logger.Warn(ctx, "no call context keys, using fallback context")
		return fallback
	}

	for attempt := 1; attempt <= r.attempts; attempt++ {
		for _, k := range lookup {
			cc, err := r.store.Lookup(ctx, k)
			if err == nil {
				r.logger.Info(ctx, "resolved call context",
					observability.Field{Key: "key", Value: k},
					observability.Field{Key: "attempt", Value: attempt},
				)
				return cc
			}
			if !errors.Is(err, ErrNotFound) {
				r.logger.Error(ctx, "call context lookup failed", err, observability.Field{Key: "key", Value: k})
			}
		}

		if attempt == r.attempts {
			break
		}
		timer := time.NewTimer(r.delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			r.logger.Warn(ctx, "call context lookup cancelled, using fallback context")
			return fallback
		}
	}

	r.logger.Warn(ctx, "call context not found, using fallback context",
		observability.Field{Key: "attempts", Value: r.attempts},
	)
	return fallback
}
