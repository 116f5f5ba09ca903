package vectorstore

import (
	"context"

	"embedding-queue/internal/domain/embedding"
	"embedding-queue/internal/infra/throttle"
)

// Throttled wraps a Store with a shared rate limiter so upserts against a
// real embedding backend respect its RPS budget instead of bursting at the
// worker's full parallel-flush concurrency. Grounded on the teacher's
// throttle.Throttler, originally built to pace Telegram API calls; the
// token-bucket-plus-backoff mechanics apply unchanged to any rate-limited
// external collaborator, vector stores included.
type Throttled struct {
	inner Store
	t     *throttle.Throttler
}

// NewThrottled constructs a Store decorator limited to ratePerSecond upsert
// calls per second, capping the throttler's own internal retry loop at
// maxRetries (the queue's per-item/per-batch retry bookkeeping in
// internal/queue remains the authority on whether a failure is durable;
// this cap only bounds how long a single Do call may loop against
// transient backend hiccups before surfacing the error upward). Starts the
// throttler's refill loop bound to ctx.
func NewThrottled(ctx context.Context, inner Store, ratePerSecond, maxRetries int) *Throttled {
	t := throttle.New(ratePerSecond, throttle.WithMaxRetries(maxRetries))
	t.Start(ctx)
	return &Throttled{inner: inner, t: t}
}

// Stop releases the throttler's background refill goroutine.
func (s *Throttled) Stop() { s.t.Stop() }

func (s *Throttled) Initialize(ctx context.Context) error { return s.inner.Initialize(ctx) }
func (s *Throttled) IsOnline() bool                       { return s.inner.IsOnline() }

func (s *Throttled) BatchUpsertFiles(ctx context.Context, items []embedding.Item) (UpsertResult, error) {
	var res UpsertResult
	err := s.t.Do(ctx, func() error {
		var innerErr error
		res, innerErr = s.inner.BatchUpsertFiles(ctx, items)
		return innerErr
	})
	return res, err
}

func (s *Throttled) UpsertFile(ctx context.Context, item embedding.Item) (UpsertResult, error) {
	var res UpsertResult
	err := s.t.Do(ctx, func() error {
		var innerErr error
		res, innerErr = s.inner.UpsertFile(ctx, item)
		return innerErr
	})
	return res, err
}

func (s *Throttled) BatchUpsertFolders(ctx context.Context, items []embedding.Item) (UpsertResult, error) {
	var res UpsertResult
	err := s.t.Do(ctx, func() error {
		var innerErr error
		res, innerErr = s.inner.BatchUpsertFolders(ctx, items)
		return innerErr
	})
	return res, err
}

func (s *Throttled) UpsertFolder(ctx context.Context, item embedding.Item) (UpsertResult, error) {
	var res UpsertResult
	err := s.t.Do(ctx, func() error {
		var innerErr error
		res, innerErr = s.inner.UpsertFolder(ctx, item)
		return innerErr
	})
	return res, err
}
