// Package queue implements the embedding queue core (§4.5): the in-memory
// queue, debounced and immediate flush scheduling, the flush mutex, the
// memory/backpressure policy, and the public lifecycle (initialize, enqueue,
// flush, force_flush, shutdown). It orchestrates the atomic persistence layer,
// the progress tracker, the failed-item handler and the parallel flush
// worker, following the shape of the teacher's notification queue
// (internal/domain/notifications/queue.go): a mutex-guarded in-memory slice,
// a single debounced persist, and a worker/scheduler split — generalized here
// to the vector-store domain and the exact flush algorithm spec §4.5 names.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"

	"embedding-queue/internal/domain/embedding"
	"embedding-queue/internal/infra/logger"
	"embedding-queue/internal/queue/faileditems"
	"embedding-queue/internal/queue/flushmutex"
	"embedding-queue/internal/queue/persistence"
	"embedding-queue/internal/queue/progress"
	"embedding-queue/internal/queue/worker"
	"embedding-queue/internal/vectorstore"
)

// StoreResolver resolves the vector-store handle on demand. It may return a
// nil store or an error to signal the store is not currently available; the
// flush algorithm treats either as "offline" rather than failing outright,
// matching §4.5 step 5's "resolve defensively" requirement.
type StoreResolver func(ctx context.Context) (vectorstore.Store, error)

// EnqueueResult is the outcome of a single Enqueue call (§4.5 contract table).
type EnqueueResult struct {
	Success  bool
	Reason   string
	Warnings []string
}

// Queue is one stage's embedding write-queue instance. Safe for concurrent
// use by multiple goroutines (producers calling Enqueue while a flush runs in
// the background).
type Queue struct {
	cfg      Config
	resolve  StoreResolver
	progress *progress.Tracker
	failed   *faileditems.Handler
	flushMu  *flushmutex.Mutex
	clock    func() time.Time

	mu           sync.Mutex
	items        []embedding.Item
	initialized  bool
	shuttingDown bool
	isFlushing   bool
	retryCount   int // consecutive offline/transient flush failures
	highWarned   bool
	criticalWarned bool

	persistArmed bool
	persistTimer *time.Timer
	outstanding  sync.WaitGroup

	flushArmed bool
	flushTimer *time.Timer

	retryTimer *time.Timer
}

// New constructs a Queue from cfg (defaults filled in) and a resolver for the
// vector-store handle. The queue is not usable until Initialize is called.
func New(cfg Config, resolve StoreResolver) *Queue {
	cfg = cfg.WithDefaults()
	return &Queue{
		cfg:      cfg,
		resolve:  resolve,
		progress: progress.New(),
		failed: faileditems.New(faileditems.Config{
			ItemMaxRetries:    cfg.ItemMaxRetries,
			MaxDeadLetterSize: cfg.MaxDeadLetterSize,
			BackoffBaseMS:     int(cfg.BackoffBase / time.Millisecond),
			BackoffMaxMS:      int(cfg.BackoffMax / time.Millisecond),
			FailedPath:        cfg.FailedPath,
			DeadLetterPath:    cfg.DeadLetterPath,
		}),
		flushMu: flushmutex.New(),
		clock:   time.Now,
	}
}

// Progress exposes the progress tracker for subscription.
func (q *Queue) Progress() *progress.Tracker { return q.progress }

// FailedItems exposes the failed-item handler for dead-letter operations.
func (q *Queue) FailedItems() *faileditems.Handler { return q.failed }

// Initialize loads the three persistence files and schedules a flush if the
// rehydrated queue is non-empty. Corrupt files are tolerated (quarantined by
// the persistence package); Initialize itself never fails on their account.
func (q *Queue) Initialize(ctx context.Context) error {
	if items, ok, err := persistence.Load[[]embedding.Item](q.cfg.PendingPath); err == nil && ok {
		q.mu.Lock()
		q.items = items
		q.mu.Unlock()
	}

	if err := q.failed.Initialize(); err != nil {
		logger.Warnf("queue: failed-items initialize: %v", err)
	}

	q.mu.Lock()
	q.initialized = true
	nonEmpty := len(q.items) > 0
	q.mu.Unlock()

	if nonEmpty {
		q.scheduleFlush()
	}
	return nil
}

// Enqueue validates and appends item to the queue, per §4.5's contract table.
func (q *Queue) Enqueue(item embedding.Item) (EnqueueResult, error) {
	q.mu.Lock()
	if q.shuttingDown {
		q.mu.Unlock()
		return EnqueueResult{Success: false, Reason: embedding.ErrShuttingDown.Error()}, embedding.ErrShuttingDown
	}
	q.mu.Unlock()

	if err := item.Validate(); err != nil {
		return EnqueueResult{Success: false, Reason: firstSentinel(err)}, err
	}

	q.mu.Lock()
	if len(q.items) >= q.cfg.MaxQueueSize {
		q.mu.Unlock()
		q.failed.TrackOverflow(item)
		return EnqueueResult{Success: false, Reason: "queue_overflow"}, embedding.ErrQueueOverflow
	}

	q.items = append(q.items, item.Clone())
	warnings := q.checkWatermarksLocked()
	q.mu.Unlock()

	q.schedulePersist()
	q.scheduleFlush()

	return EnqueueResult{Success: true, Warnings: warnings}, nil
}

// firstSentinel renders the embedding package's sentinel error as the short
// reason string the enqueue contract table expects.
func firstSentinel(err error) string {
	switch {
	case errors.Is(err, embedding.ErrInvalidVectorFormat):
		return "invalid_vector_format"
	case errors.Is(err, embedding.ErrInvalidVectorValues):
		return "invalid_vector_values"
	default:
		return "invalid_item"
	}
}

// checkWatermarksLocked evaluates the high/critical watermark with
// hysteresis re-arming at half the threshold. Caller must hold q.mu.
func (q *Queue) checkWatermarksLocked() []string {
	var warnings []string
	capacity := float64(len(q.items)) / float64(q.cfg.MaxQueueSize)

	if capacity >= q.cfg.CriticalWatermark {
		if !q.criticalWarned {
			warnings = append(warnings, "critical_watermark")
			q.criticalWarned = true
			logger.Warnf("queue: critical watermark reached (%d/%d)", len(q.items), q.cfg.MaxQueueSize)
		}
	} else if capacity < q.cfg.CriticalWatermark/2 {
		q.criticalWarned = false
	}

	if capacity >= q.cfg.HighWatermark {
		if !q.highWarned {
			warnings = append(warnings, "high_watermark")
			q.highWarned = true
			logger.Debugf("queue: high watermark reached (%d/%d)", len(q.items), q.cfg.MaxQueueSize)
		}
	} else if capacity < q.cfg.HighWatermark/2 {
		q.highWarned = false
	}

	return warnings
}

// schedulePersist arms the 500ms persist debounce timer if it is not already
// armed; subsequent calls while armed simply coalesce (§4.5 "Persist
// debounce").
func (q *Queue) schedulePersist() {
	q.mu.Lock()
	if q.persistArmed {
		q.mu.Unlock()
		return
	}
	q.persistArmed = true
	q.outstanding.Add(1)
	q.persistTimer = time.AfterFunc(persistDebounceDelay, func() {
		defer q.outstanding.Done()
		q.persistQueue()
		q.mu.Lock()
		q.persistArmed = false
		q.mu.Unlock()
	})
	q.mu.Unlock()
}

// persistQueue writes the current queue snapshot to disk. Errors are logged
// at debug level and never propagated, per §4.1's failure policy.
func (q *Queue) persistQueue() {
	q.mu.Lock()
	snapshot := cloneItems(q.items)
	q.mu.Unlock()

	if err := persistence.Persist(q.cfg.PendingPath, snapshot); err != nil {
		logger.Debugf("queue: persist pending queue: %v", err)
	}
}

func cloneItems(items []embedding.Item) []embedding.Item {
	out := make([]embedding.Item, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}

// scheduleFlush starts at most one delayed-flush timer; repeated calls while
// one is pending are no-ops (§4.5 schedule_flush).
func (q *Queue) scheduleFlush() {
	q.mu.Lock()
	if q.flushArmed || q.shuttingDown {
		q.mu.Unlock()
		return
	}
	q.flushArmed = true
	q.flushTimer = time.AfterFunc(q.cfg.FlushDelay, func() {
		q.mu.Lock()
		q.flushArmed = false
		q.mu.Unlock()
		if err := q.Flush(context.Background()); err != nil {
			logger.Debugf("queue: scheduled flush returned: %v", err)
		}
	})
	q.mu.Unlock()
}

// cancelFlushTimerLocked stops any pending delayed-flush timer. Caller must
// hold q.mu.
func (q *Queue) cancelFlushTimerLocked() {
	if q.flushTimer != nil {
		q.flushTimer.Stop()
	}
	q.flushArmed = false
}

// Flush runs the flush algorithm under the flush mutex with the configured
// MUTEX_ACQUIRE timeout. A timed-out acquisition is force-released by the
// mutex itself; Flush proceeds regardless, relying on the is_flushing
// double-check to avoid two bodies running concurrently.
func (q *Queue) Flush(ctx context.Context) error {
	release, _ := q.flushMu.Acquire(ctx, q.cfg.MutexAcquire)
	defer release()
	return q.runFlushBody(ctx)
}

// ForceFlush awaits any in-flight flush for up to ForceFlushTimeout. If the
// mutex is still held when the timeout fires, it skips running another flush
// and falls back to a persist-only path; otherwise it runs one final flush.
func (q *Queue) ForceFlush(ctx context.Context) error {
	release, ok := q.flushMu.Acquire(ctx, q.cfg.ForceFlushTimeout)
	defer release()
	if !ok {
		logger.Warnf("queue: force_flush timed out waiting for in-flight flush; persisting only")
		q.persistQueue()
		q.failed.PersistAll()
		return nil
	}
	return q.runFlushBody(ctx)
}

// runFlushBody implements steps 2-11 of §4.5's flush algorithm. The caller
// must already hold (or have force-acquired) the flush mutex.
func (q *Queue) runFlushBody(ctx context.Context) (err error) {
	q.mu.Lock()
	if q.isFlushing || len(q.items) == 0 {
		q.mu.Unlock()
		return nil
	}
	q.isFlushing = true
	q.cancelFlushTimerLocked()
	batchSize := min(len(q.items), q.cfg.BatchSize)
	batch := cloneItems(q.items[:batchSize])
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.isFlushing = false
		q.mu.Unlock()
	}()

	store, resolveErr := q.resolveStoreSafely(ctx)
	if resolveErr != nil || store == nil || !store.IsOnline() {
		q.handleOffline(ctx, batch, resolveErr)
		return nil
	}

	files, folders := segregate(batch)

	start := time.Now()
	total := len(batch)
	q.progress.Notify(embedding.ProgressEvent{Phase: embedding.PhaseStart, Total: total})

	var (
		failedIDs  []string
		deadMu     sync.Mutex
		deadLetIDs []string
	)
	onItemFailed := func(item embedding.Item, errMsg string) {
		if q.failed.TrackFailed(item, errMsg) {
			deadMu.Lock()
			deadLetIDs = append(deadLetIDs, item.ID)
			deadMu.Unlock()
		}
	}

	processed, fileFailed := worker.Process(ctx, files, worker.Options{
		Store: store, Kind: embedding.KindFile, Concurrency: q.cfg.ParallelFlushConcurrency,
		BulkTimeout: q.cfg.BatchEmbeddingMax, PerItemTimeout: q.cfg.EmbeddingRequest,
		StartCount: 0, Total: total, Progress: q.progress, OnItemFailed: onItemFailed,
	})
	failedIDs = append(failedIDs, fileFailed...)

	processed, folderFailed := worker.Process(ctx, folders, worker.Options{
		Store: store, Kind: embedding.KindFolder, Concurrency: q.cfg.ParallelFlushConcurrency,
		BulkTimeout: q.cfg.BatchEmbeddingMax, PerItemTimeout: q.cfg.EmbeddingRequest,
		StartCount: processed, Total: total, Progress: q.progress, OnItemFailed: onItemFailed,
	})
	failedIDs = append(failedIDs, folderFailed...)

	// Items promoted to the dead-letter queue by TrackFailed above are terminal
	// and must leave the live queue too, even though they are still present in
	// failedIDs for this attempt (§4.4 invariant: an item is never simultaneously
	// queued and dead-lettered).
	q.removeProcessed(batch, subtractIDs(failedIDs, deadLetIDs))
	q.persistQueue()

	due := q.failed.RetryDue()
	if len(due) > 0 {
		q.prependLocked(due)
		q.persistQueue()
	}

	q.mu.Lock()
	q.retryCount = 0
	remaining := len(q.items)
	q.mu.Unlock()

	q.progress.Notify(embedding.ProgressEvent{
		Phase: embedding.PhaseComplete, Total: total, Completed: processed,
		Failed: len(failedIDs), QueueRemaining: remaining, Duration: time.Since(start),
	})

	if remaining > 0 {
		q.scheduleFlush()
	}
	return nil
}

// resolveStoreSafely calls the resolver, converting a panic into an error so
// an unexpectedly broken resolver degrades to "offline" rather than crashing
// the flush goroutine.
func (q *Queue) resolveStoreSafely(ctx context.Context) (store vectorstore.Store, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("resolve vector store: panic: %v", r)
		}
	}()
	return q.resolve(ctx)
}

// segregate splits batch into file/image items and folder items by id prefix.
func segregate(batch []embedding.Item) (files, folders []embedding.Item) {
	for _, it := range batch {
		if it.Kind() == embedding.KindFolder {
			folders = append(folders, it)
		} else {
			files = append(files, it)
		}
	}
	return files, folders
}

// removeProcessed removes from the live queue every item in batch whose id is
// not in failedIDs, filtering by id-set rather than index range so a
// concurrent RemoveByFilePath cannot lose data (§4.5 step 8).
func (q *Queue) removeProcessed(batch []embedding.Item, failedIDs []string) {
	failedSet := make(map[string]struct{}, len(failedIDs))
	for _, id := range failedIDs {
		failedSet[id] = struct{}{}
	}
	removeSet := make(map[string]struct{}, len(batch))
	for _, it := range batch {
		if _, stillFailed := failedSet[it.ID]; !stillFailed {
			removeSet[it.ID] = struct{}{}
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = filterOutIDs(q.items, removeSet)
}

// subtractIDs returns the ids in from that are not present in remove,
// preserving from's order.
func subtractIDs(from, remove []string) []string {
	if len(remove) == 0 {
		return from
	}
	removeSet := make(map[string]struct{}, len(remove))
	for _, id := range remove {
		removeSet[id] = struct{}{}
	}
	out := make([]string, 0, len(from))
	for _, id := range from {
		if _, drop := removeSet[id]; !drop {
			out = append(out, id)
		}
	}
	return out
}

// filterOutIDs returns a new slice containing every item whose id is not in
// remove, preserving order.
func filterOutIDs(items []embedding.Item, remove map[string]struct{}) []embedding.Item {
	out := items[:0:0]
	for _, it := range items {
		if _, drop := remove[it.ID]; !drop {
			out = append(out, it)
		}
	}
	return out
}

// prependLocked inserts items at the front of the live queue (priority
// requeue for failed-item retries). Acquires q.mu itself.
func (q *Queue) prependLocked(items []embedding.Item) {
	q.mu.Lock()
	q.items = append(cloneItems(items), q.items...)
	q.mu.Unlock()
}

// handleOffline implements §4.5's offline handler: escalating retry counter,
// eventual demotion of the whole snapshot to the failed map, and exponential
// backoff scheduling otherwise. The queue itself is untouched until the
// escalation threshold is hit.
func (q *Queue) handleOffline(ctx context.Context, batch []embedding.Item, resolveErr error) {
	q.mu.Lock()
	q.retryCount++
	retryCount := q.retryCount
	q.mu.Unlock()

	q.progress.Notify(embedding.ProgressEvent{
		Phase: embedding.PhaseOffline, RetryCount: retryCount, MaxRetries: q.cfg.MaxRetryCount,
		Total: len(batch),
	})

	if resolveErr != nil {
		logger.Debugf("queue: store resolution failed, treating as offline: %v", resolveErr)
	}

	if retryCount >= q.cfg.MaxRetryCount {
		for _, it := range batch {
			_ = q.failed.TrackFailed(it, "Database offline")
		}
		removeSet := make(map[string]struct{}, len(batch))
		for _, it := range batch {
			removeSet[it.ID] = struct{}{}
		}
		q.mu.Lock()
		q.items = filterOutIDs(q.items, removeSet)
		q.retryCount = 0
		q.mu.Unlock()

		q.persistQueue()
		q.progress.Notify(embedding.ProgressEvent{Phase: embedding.PhaseFatalError, Error: "Database offline"})
		return
	}

	q.scheduleRetry(ctx, retryCount)
}

// scheduleRetry arms a one-shot retry timer after
// min(BACKOFF_BASE_MS*2^(retryCount-1), BACKOFF_MAX_MS), matching §4.5 step 10
// and the offline handler's backoff. Uses cenkalti/backoff's exponential
// curve (randomization disabled) for the same reason faileditems does: it
// reuses the library the module already depends on instead of a hand-rolled
// power computation.
func (q *Queue) scheduleRetry(ctx context.Context, retryCount int) {
	delay := q.computeBackoff(retryCount)

	q.mu.Lock()
	if q.retryTimer != nil {
		q.retryTimer.Stop()
	}
	q.retryTimer = time.AfterFunc(delay, func() {
		if err := q.Flush(ctx); err != nil {
			logger.Debugf("queue: retry flush returned: %v", err)
		}
	})
	q.mu.Unlock()
}

func (q *Queue) computeBackoff(retryCount int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.cfg.BackoffBase
	b.MaxInterval = q.cfg.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()

	delay := b.InitialInterval
	// NextBackOff's first call returns InitialInterval itself (base*2^0), so
	// reaching base*2^(retryCount-1) takes retryCount calls, not retryCount-1.
	calls := retryCount
	if calls < 1 {
		calls = 1
	}
	for i := 0; i < calls; i++ {
		next := b.NextBackOff()
		if next == backoff.Stop {
			return b.MaxInterval
		}
		delay = next
	}
	return delay
}

// GetStats computes the current QueueStats snapshot (§4.5 get_stats).
func (q *Queue) GetStats() embedding.Stats {
	q.mu.Lock()
	length := len(q.items)
	isFlushing := q.isFlushing
	retryCount := q.retryCount
	initialized := q.initialized
	high := q.highWarned
	critical := q.criticalWarned
	q.mu.Unlock()

	failedCount, deadCount := q.failed.Count()
	capacityPct := 0.0
	if q.cfg.MaxQueueSize > 0 {
		capacityPct = (float64(length) / float64(q.cfg.MaxQueueSize)) * 100
	}

	health := embedding.HealthHealthy
	if critical {
		health = embedding.HealthCritical
	} else if high {
		health = embedding.HealthWarning
	}

	return embedding.Stats{
		QueueLength:       length,
		CapacityPercent:   capacityPct,
		Health:            health,
		IsFlushing:        isFlushing,
		RetryCount:        retryCount,
		FailedCount:       failedCount,
		DeadLetterCount:   deadCount,
		HighWatermark:     high,
		CriticalWatermark: critical,
		Initialized:       initialized,
	}
}

// RemoveByFilePath removes file:/image: entries matching path from the queue
// and the failed map, returning the total removed count.
func (q *Queue) RemoveByFilePath(path string) int {
	ids := []string{"file:" + path, "image:" + path}

	q.mu.Lock()
	removeSet := map[string]struct{}{}
	for _, id := range ids {
		removeSet[id] = struct{}{}
	}
	before := len(q.items)
	q.items = filterOutIDs(q.items, removeSet)
	removed := before - len(q.items)
	q.mu.Unlock()

	for _, id := range ids {
		removed += q.failed.RemoveByFilePath(id)
	}

	if removed > 0 {
		q.schedulePersist()
	}
	return removed
}

// RemoveByFilePaths removes every path in paths, returning the total count.
func (q *Queue) RemoveByFilePaths(paths []string) int {
	total := 0
	for _, p := range paths {
		total += q.RemoveByFilePath(p)
	}
	return total
}

// UpdateByFilePath rewrites file:/image: ids (and meta.path/meta.name) from
// oldPath to newPath in both the live queue and the failed map, returning the
// number of entries updated.
func (q *Queue) UpdateByFilePath(oldPath, newPath string) int {
	updated := 0
	newName := baseName(newPath)

	q.mu.Lock()
	for i := range q.items {
		it := &q.items[i]
		if newID, ok := rewriteID(it.ID, oldPath, newPath); ok {
			it.ID = newID
			if it.Meta == nil {
				it.Meta = map[string]any{}
			}
			it.Meta["path"] = newPath
			it.Meta["name"] = newName
			updated++
		}
	}
	q.mu.Unlock()

	for _, prefix := range []string{"file:", "image:"} {
		if q.failed.UpdateByFilePath(prefix+oldPath, prefix+newPath, newPath, newName) {
			updated++
		}
	}

	if updated > 0 {
		q.schedulePersist()
	}
	return updated
}

// UpdateByFilePaths applies UpdateByFilePath to every (old,new) pair.
func (q *Queue) UpdateByFilePaths(renames map[string]string) int {
	total := 0
	for oldPath, newPath := range renames {
		total += q.UpdateByFilePath(oldPath, newPath)
	}
	return total
}

// RequeueDeadLetter moves the dead-letter entry with the given item id back
// onto the live queue for another attempt, reporting whether it was found.
func (q *Queue) RequeueDeadLetter(id string) bool {
	item, ok := q.failed.RetryItem(id)
	if !ok {
		return false
	}
	q.prependLocked([]embedding.Item{item})
	q.schedulePersist()
	q.scheduleFlush()
	return true
}

// RequeueAllDeadLetter moves every dead-letter entry back onto the live
// queue, returning the number requeued.
func (q *Queue) RequeueAllDeadLetter() int {
	items := q.failed.RetryAll()
	if len(items) == 0 {
		return 0
	}
	q.prependLocked(items)
	q.schedulePersist()
	q.scheduleFlush()
	return len(items)
}

func rewriteID(id, oldPath, newPath string) (string, bool) {
	for _, prefix := range []string{"file:", "image:"} {
		if id == prefix+oldPath {
			return prefix + newPath, true
		}
	}
	return "", false
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}

// Shutdown blocks new enqueues, cancels timers, drains outstanding persist
// operations, and performs a final persist of all three files. Never raises.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.shuttingDown = true
	q.cancelFlushTimerLocked()
	if q.retryTimer != nil {
		q.retryTimer.Stop()
	}
	q.mu.Unlock()

	// Let the final ForceFlush drive one last flush-or-persist pass; any
	// debounced persist that was already in flight is awaited afterward.
	if err := q.ForceFlush(ctx); err != nil {
		logger.Warnf("queue: shutdown force_flush: %v", err)
	}

	q.outstanding.Wait()
	q.progress.Clear()

	q.persistQueue()
	q.failed.PersistAll()
	return nil
}
