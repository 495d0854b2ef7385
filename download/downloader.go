// Package download deduplicates concurrent upstream fetches and copies
// streams while hashing them. When several callers ask for the same
// uncached resource at once, only one fetch is performed.
package download

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// FetchFunc performs the upstream fetch. The context passed to it is
// detached from any single caller so that one caller timing out does not
// cancel the fetch for the other waiters.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Downloader deduplicates concurrent fetches for the same key using
// singleflight. It uses DoChan so each caller can respect its own context
// deadline without cancelling the in-flight fetch for others.
type Downloader[T any] struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a new Downloader.
func New[T any](opts ...Option) *Downloader[T] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Downloader[T]{logger: o.logger}
}

// Do deduplicates concurrent fetches for the same key. It returns the
// result, whether it was shared with another caller, and any error.
//
// If the caller's context expires before the fetch completes, Do returns the
// context error but the fetch continues for the other waiters.
func (d *Downloader[T]) Do(ctx context.Context, key string, fn FetchFunc[T]) (T, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	var zero T
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Shared, res.Err
		}
		return res.Val.(T), res.Shared, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// Forget removes key from the group so the next call fetches again.
func (d *Downloader[T]) Forget(key string) {
	d.group.Forget(key)
}

// ForgetOnError forgets key when err is a real fetch failure rather than the
// caller's own context ending, so a failed fetch is retried by the next
// caller while a fetch still in flight keeps serving waiters.
func ForgetOnError[T any](d *Downloader[T], key string, err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	d.logger.Debug("forgetting failed fetch", "key", key, "error", err)
	d.Forget(key)
}
