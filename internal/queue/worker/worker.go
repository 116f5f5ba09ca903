// Package worker implements the parallel flush worker (§4.3): given a batch of
// items of one kind (file or folder) it attempts a bulk upsert under a
// timeout, and on a structured failure or a raised error falls back to
// per-item upserts bounded by a counting semaphore. golang.org/x/sync/semaphore
// supplies the FIFO-waiter counting semaphore the spec describes by hand —
// Weighted.Acquire already parks callers in arrival order and wakes them
// without over-admission, which is exactly §4.3's "single-pass drain loop that
// rechecks the active count" in library form.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"embedding-queue/internal/domain/embedding"
	"embedding-queue/internal/infra/logger"
	"embedding-queue/internal/queue/progress"
	"embedding-queue/internal/vectorstore"
)

// OnItemFailed is invoked for every item whose upsert failed, so the caller
// (the failed-item handler) can track retry state.
type OnItemFailed func(item embedding.Item, errMsg string)

// Options parameterizes a single Process call.
type Options struct {
	Store             vectorstore.Store
	Kind              embedding.Kind // KindFile (covers images too) or KindFolder
	Concurrency       int64
	BulkTimeout       time.Duration // BATCH_EMBEDDING_MAX
	PerItemTimeout    time.Duration // EMBEDDING_REQUEST
	StartCount        int
	Total             int // total across both kinds, for percent reporting
	Progress          *progress.Tracker
	OnItemFailed      OnItemFailed
}

// Process runs the flush worker algorithm for one kind of item and returns the
// updated processed-item counter (StartCount plus however many of items
// succeeded). Empty items is a no-op that returns StartCount unchanged.
func Process(ctx context.Context, items []embedding.Item, opts Options) (processedCount int, failedIDs []string) {
	if len(items) == 0 {
		return opts.StartCount, nil
	}

	if tryBulk(ctx, items, opts) {
		processed := opts.StartCount + len(items)
		emitProcessing(opts, processed)
		return processed, nil
	}

	return processPerItem(ctx, items, opts)
}

// tryBulk attempts the bulk upsert for opts.Kind under BulkTimeout. It returns
// true only if the bulk call both succeeded and reported Success=true; any
// raised error or structured failure returns false so the caller falls back
// to per-item processing rather than silently dropping the batch.
func tryBulk(ctx context.Context, items []embedding.Item, opts Options) bool {
	timeout := opts.BulkTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	bulkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		result vectorstore.UpsertResult
		err    error
	)
	if opts.Kind == embedding.KindFolder {
		result, err = opts.Store.BatchUpsertFolders(bulkCtx, items)
	} else {
		result, err = opts.Store.BatchUpsertFiles(bulkCtx, items)
	}

	if err != nil {
		if errors.Is(err, vectorstore.ErrUnsupported) {
			return false
		}
		logger.Debugf("worker: bulk upsert raised for kind=%s: %v", opts.Kind, err)
		return false
	}
	if !result.Success {
		logger.Debugf("worker: bulk upsert reported failure for kind=%s: %s", opts.Kind, result.Error)
		return false
	}
	return true
}

// processPerItem upserts items one at a time, bounded by a semaphore of width
// opts.Concurrency. Each task first acquires a slot, runs the upsert under
// PerItemTimeout, and releases the slot before returning.
func processPerItem(ctx context.Context, items []embedding.Item, opts Options) (processedCount int, failedIDs []string) {
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	sem := semaphore.NewWeighted(concurrency)

	var (
		mu        sync.Mutex
		processed = opts.StartCount
		failed    []string
		wg        sync.WaitGroup
	)

	for _, item := range items {
		item := item
		if err := sem.Acquire(ctx, 1); err != nil {
			// ctx was cancelled while waiting for a slot; treat as a failure for
			// this item and stop trying to admit more work.
			mu.Lock()
			failed = append(failed, item.ID)
			mu.Unlock()
			if opts.OnItemFailed != nil {
				opts.OnItemFailed(item, err.Error())
			}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			ok, errMsg := upsertOne(ctx, item, opts)

			mu.Lock()
			if ok {
				processed++
				emitProcessing(opts, processed)
			} else {
				failed = append(failed, item.ID)
			}
			mu.Unlock()

			if !ok && opts.OnItemFailed != nil {
				opts.OnItemFailed(item, errMsg)
			}
		}()
	}

	wg.Wait()

	return processed, failed
}

// upsertOne performs a single item's upsert under PerItemTimeout, reshaping
// folder items to {id, vector, name, path, model, updated_at} as the spec
// requires (files pass through with their full meta).
func upsertOne(ctx context.Context, item embedding.Item, opts Options) (ok bool, errMsg string) {
	timeout := opts.PerItemTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	itemCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shaped := item
	if opts.Kind == embedding.KindFolder {
		shaped = reshapeFolder(item)
	}

	var (
		result vectorstore.UpsertResult
		err    error
	)
	if opts.Kind == embedding.KindFolder {
		result, err = opts.Store.UpsertFolder(itemCtx, shaped)
	} else {
		result, err = opts.Store.UpsertFile(itemCtx, shaped)
	}

	if err != nil {
		return false, err.Error()
	}
	if !result.Success {
		if result.Error != "" {
			return false, result.Error
		}
		return false, fmt.Sprintf("upsert reported failure for %s", item.ID)
	}
	return true, ""
}

// reshapeFolder narrows a folder item down to {id, vector, name, path, model,
// updated_at}, dropping the rest of meta as §4.3 specifies.
func reshapeFolder(item embedding.Item) embedding.Item {
	out := embedding.Item{
		ID:        item.ID,
		Vector:    item.Vector,
		Model:     item.Model,
		UpdatedAt: item.UpdatedAt,
	}
	name := item.MetaString("name")
	path := item.MetaString("path")
	if name != "" || path != "" {
		out.Meta = map[string]any{}
		if name != "" {
			out.Meta["name"] = name
		}
		if path != "" {
			out.Meta["path"] = path
		}
	}
	return out
}

// emitProcessing publishes a "processing" progress event guarded against a
// zero total (PercentOf returns 0 rather than dividing by zero).
func emitProcessing(opts Options, processed int) {
	if opts.Progress == nil {
		return
	}
	opts.Progress.Notify(embedding.ProgressEvent{
		Phase:     embedding.PhaseProcessing,
		Total:     opts.Total,
		Completed: processed,
		Percent:   embedding.PercentOf(processed, opts.Total),
		ItemType:  opts.Kind.String(),
	})
}
