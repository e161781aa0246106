package consul

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// DefaultWatchWait is the wait budget Watch sends when none is configured.
const DefaultWatchWait = 5 * time.Minute

// ErrStopWatch may be returned by a HandlerFunc to end Watch without an
// error.
var ErrStopWatch = errors.New("consul: stop watch")

// FetchFunc performs one read with the given blocking options.
type FetchFunc[T any] func(ctx context.Context, q *QueryOptions) (T, *QueryMeta, error)

// HandlerFunc receives a value whenever the watched index moves.
type HandlerFunc[T any] func(index uint64, value T) error

type watchConfig struct {
	wait       time.Duration
	datacenter string
	limiter    *rate.Limiter
	onError    func(error) bool
}

// WatchOption configures Watch.
type WatchOption func(*watchConfig)

// WithWaitTime sets the wait budget of each blocking read.
func WithWaitTime(d time.Duration) WatchOption {
	return func(w *watchConfig) {
		if d > 0 {
			w.wait = d
		}
	}
}

// WithDatacenter pins every read of the loop to dc.
func WithDatacenter(dc string) WatchOption {
	return func(w *watchConfig) { w.datacenter = dc }
}

// WithRateLimit bounds how often the loop re-issues a read. The default is
// 10 reads per second with a burst of 3.
func WithRateLimit(limit rate.Limit, burst int) WatchOption {
	return func(w *watchConfig) {
		if burst < 1 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithErrorHandler is called with every fetch error. Returning true keeps
// the loop going from a zero index; false stops it and Watch returns the
// error. Without a handler the first error ends the loop.
func WithErrorHandler(fn func(error) bool) WatchOption {
	return func(w *watchConfig) { w.onError = fn }
}

// Watch runs a blocking-query loop over fetch until ctx is done, the handler
// returns an error, or fetch fails. handler is called with the first result
// and then every time the returned index differs from the previous one.
//
// An index that goes backwards means the server lost state; the loop resets
// to zero so the next read returns at once. An absent or zero index gives
// no baseline, so each such result is delivered and the next read does not
// block; the limiter keeps that from spinning.
//
//	err := consul.Watch(ctx,
//	    func(ctx context.Context, q *consul.QueryOptions) ([]consul.ServiceEntry, *consul.QueryMeta, error) {
//	        return c.Health().Service(ctx, "web", "", true, q)
//	    },
//	    func(index uint64, entries []consul.ServiceEntry) error {
//	        log.Printf("web now has %d healthy instances", len(entries))
//	        return nil
//	    },
//	)
func Watch[T any](ctx context.Context, fetch FetchFunc[T], handler HandlerFunc[T], opts ...WatchOption) error {
	cfg := watchConfig{
		wait:    DefaultWatchWait,
		limiter: rate.NewLimiter(rate.Limit(10), 3),
	}
	for _, o := range opts {
		o(&cfg)
	}

	var (
		lastIndex uint64
		first     = true
	)
	for {
		if err := cfg.limiter.Wait(ctx); err != nil {
			// The limiter gives up early when the next token lies past the
			// deadline.
			<-ctx.Done()
			return ctx.Err()
		}

		value, meta, err := fetch(ctx, &QueryOptions{
			Datacenter: cfg.datacenter,
			WaitIndex:  lastIndex,
			WaitTime:   cfg.wait,
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if cfg.onError != nil && cfg.onError(err) {
				lastIndex = 0
				continue
			}
			return err
		}

		var index uint64
		if meta != nil && meta.HasIndex {
			index = meta.LastIndex
		}

		changed := first || index == 0 || index != lastIndex
		switch {
		case index == 0:
			lastIndex = 0
		case index < lastIndex:
			lastIndex = 0
		default:
			lastIndex = index
		}
		first = false

		if !changed {
			continue
		}
		if err := handler(index, value); err != nil {
			if errors.Is(err, ErrStopWatch) {
				return nil
			}
			return err
		}
	}
}
