// Package faileditems implements the failed-item handler and dead-letter
// queue (§4.4): per-item retry bookkeeping with exponential backoff,
// promotion to the dead-letter queue on exceeding ITEM_MAX_RETRIES, atomic
// persistence of both stores, and manual requeue/clear/retry-all operations.
package faileditems

import (
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"embedding-queue/internal/domain/embedding"
	"embedding-queue/internal/infra/logger"
	"embedding-queue/internal/queue/persistence"
)

// Config parameterizes a Handler instance.
type Config struct {
	ItemMaxRetries    int
	MaxDeadLetterSize int
	BackoffBaseMS     int
	BackoffMaxMS      int
	FailedPath        string
	DeadLetterPath    string
	Clock             func() time.Time
}

// failedFile is the on-disk shape the writer always emits: an array of
// [id, FailedEntry] pairs, per §6.1. The loader additionally accepts a plain
// object form for interoperability with hand-edited or older files.
type failedFile [][2]any

// Handler owns the failed-items map and the dead-letter queue for one queue
// instance. Safe for concurrent use.
type Handler struct {
	cfg Config

	mu         sync.Mutex
	failed     map[string]embedding.FailedEntry
	deadLetter []embedding.DeadLetterEntry
}

// New constructs an empty Handler. Call Initialize to rehydrate from disk.
func New(cfg Config) *Handler {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.ItemMaxRetries <= 0 {
		cfg.ItemMaxRetries = 3
	}
	if cfg.MaxDeadLetterSize <= 0 {
		cfg.MaxDeadLetterSize = 1000
	}
	if cfg.BackoffBaseMS <= 0 {
		cfg.BackoffBaseMS = 1000
	}
	if cfg.BackoffMaxMS <= 0 {
		cfg.BackoffMaxMS = 60_000
	}
	return &Handler{
		cfg:    cfg,
		failed: make(map[string]embedding.FailedEntry),
	}
}

// Initialize loads the failed-items map and dead-letter queue from disk,
// tolerating corrupt files (quarantined by the persistence package).
func (h *Handler) Initialize() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if raw, ok, err := persistence.Load[any](h.cfg.FailedPath); err == nil && ok {
		switch raw.(type) {
		case []any:
			if pairs, ok, err := persistence.Reinterpret[failedFile](raw); err == nil && ok {
				h.failed = decodeFailedFile(pairs)
			}
		case map[string]any:
			if m, ok, err := persistence.Reinterpret[map[string]embedding.FailedEntry](raw); err == nil && ok {
				h.failed = m
			}
		}
	}

	if dl, ok, err := persistence.Load[[]embedding.DeadLetterEntry](h.cfg.DeadLetterPath); err == nil && ok {
		h.deadLetter = dl
	}
	return nil
}

// decodeFailedFile converts the [[id, FailedEntry], ...] wire form back into a
// map. Entries that fail to decode are skipped with a warning rather than
// aborting the whole load.
func decodeFailedFile(raw failedFile) map[string]embedding.FailedEntry {
	out := make(map[string]embedding.FailedEntry, len(raw))
	for _, pair := range raw {
		id, ok := pair[0].(string)
		if !ok {
			continue
		}
		entry, ok := reencodeEntry(pair[1])
		if !ok {
			logger.Warnf("faileditems: skipping undecodable failed entry for %q", id)
			continue
		}
		out[id] = entry
	}
	return out
}

// reencodeEntry re-marshals a loosely-typed JSON value (map[string]any, as
// produced by encoding/json for an `any` field) back into a FailedEntry.
func reencodeEntry(v any) (embedding.FailedEntry, bool) {
	converted, ok, err := persistence.Reinterpret[embedding.FailedEntry](v)
	if err != nil || !ok {
		return embedding.FailedEntry{}, false
	}
	return converted, true
}

// TrackFailed records a failed upsert for item. If the resulting retry count
// exceeds ItemMaxRetries, the entry is promoted to the dead-letter queue and
// removed from the failed map; TrackFailed reports this via promoted=true so
// the caller can also drop the item from the live queue (a dead-lettered item
// is terminal and must stop being retried). Both stores are persisted;
// persistence errors are logged at debug level per §4.1's failure policy and
// never propagated.
func (h *Handler) TrackFailed(item embedding.Item, errMsg string) (promoted bool) {
	h.mu.Lock()

	now := h.cfg.Clock()
	entry, exists := h.failed[item.ID]
	if exists {
		entry.RetryCount++
	} else {
		entry = embedding.FailedEntry{Item: item.Clone(), RetryCount: 1}
	}
	entry.LastAttempt = now
	entry.Error = errMsg

	if entry.RetryCount > h.cfg.ItemMaxRetries {
		delete(h.failed, item.ID)
		h.addDeadLetterLocked(embedding.NewDeadLetterEntry(entry, now))
		promoted = true
	} else {
		h.failed[item.ID] = entry
	}

	failedSnapshot := h.snapshotFailedLocked()
	deadSnapshot := h.snapshotDeadLetterLocked()
	h.mu.Unlock()

	h.persistFailed(failedSnapshot)
	h.persistDeadLetter(deadSnapshot)
	return promoted
}

// TrackOverflow records item as failed with the queue_overflow reason without
// going through the retry-count machinery (backpressure diversion, §4.5).
func (h *Handler) TrackOverflow(item embedding.Item) {
	h.mu.Lock()
	h.failed[item.ID] = embedding.FailedEntry{
		Item:        item.Clone(),
		RetryCount:  1,
		LastAttempt: h.cfg.Clock(),
		Error:       embedding.ErrQueueOverflow.Error(),
	}
	snapshot := h.snapshotFailedLocked()
	h.mu.Unlock()

	h.persistFailed(snapshot)
}

// addDeadLetterLocked appends entry to the dead-letter queue, pruning the
// oldest 10% when at capacity. Caller must hold h.mu.
func (h *Handler) addDeadLetterLocked(entry embedding.DeadLetterEntry) {
	if len(h.deadLetter) >= h.cfg.MaxDeadLetterSize {
		sort.SliceStable(h.deadLetter, func(i, j int) bool {
			return h.deadLetter[i].FailedAt.Before(h.deadLetter[j].FailedAt)
		})
		prune := max(1, len(h.deadLetter)/10)
		h.deadLetter = h.deadLetter[prune:]
	}
	h.deadLetter = append(h.deadLetter, entry)
}

// RetryDue sweeps the failed map for entries whose backoff window has
// elapsed and returns them for re-enqueue at the front of the queue, removing
// them from the failed map. The caller is responsible for prepending the
// returned items to the live queue and re-persisting it.
func (h *Handler) RetryDue() []embedding.Item {
	h.mu.Lock()
	var due []embedding.Item
	now := h.cfg.Clock()
	for id, entry := range h.failed {
		if h.isDueLocked(entry, now) {
			due = append(due, entry.Item.Clone())
			delete(h.failed, id)
		}
	}
	snapshot := h.snapshotFailedLocked()
	h.mu.Unlock()

	if len(due) > 0 {
		h.persistFailed(snapshot)
	}
	return due
}

// isDueLocked reports whether entry's backoff window (BACKOFF_BASE_MS *
// 2^retry_count, capped at BACKOFF_MAX_MS) has elapsed since LastAttempt.
// Caller must hold h.mu.
func (h *Handler) isDueLocked(entry embedding.FailedEntry, now time.Time) bool {
	wait := backoffDelay(h.cfg.BackoffBaseMS, h.cfg.BackoffMaxMS, entry.RetryCount)
	return now.Sub(entry.LastAttempt) >= wait
}

// backoffDelay computes BACKOFF_BASE_MS * 2^retryCount, capped at
// BACKOFF_MAX_MS, using github.com/cenkalti/backoff/v4's exponential curve
// with randomization disabled so the result matches the spec's deterministic
// formula exactly while still going through the shared backoff library rather
// than a hand-rolled power computation.
func backoffDelay(baseMS, maxMS, retryCount int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(baseMS) * time.Millisecond
	b.MaxInterval = time.Duration(maxMS) * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()

	delay := b.InitialInterval
	// NextBackOff's first call returns InitialInterval itself (base*2^0), so
	// reaching base*2^retryCount takes retryCount+1 calls, not retryCount.
	for i := 0; i <= retryCount; i++ {
		delay = b.NextBackOff()
		if delay == backoff.Stop {
			return b.MaxInterval
		}
	}
	return delay
}

// DeadLetter returns up to limit dead-letter entries (0 or negative means
// all), most recently failed first.
func (h *Handler) DeadLetter(limit int) []embedding.DeadLetterEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]embedding.DeadLetterEntry, len(h.deadLetter))
	for i, e := range h.deadLetter {
		out[i] = e.Clone()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FailedAt.After(out[j].FailedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// ClearDeadLetter empties the dead-letter queue and persists the change.
func (h *Handler) ClearDeadLetter() {
	h.mu.Lock()
	h.deadLetter = nil
	h.mu.Unlock()
	h.persistDeadLetter(nil)
}

// RetryItem moves the dead-letter entry with the given item id back to the
// live queue, returning it (and true) if found.
func (h *Handler) RetryItem(id string) (embedding.Item, bool) {
	h.mu.Lock()
	idx := -1
	for i, e := range h.deadLetter {
		if e.ItemID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		h.mu.Unlock()
		return embedding.Item{}, false
	}
	item := h.deadLetter[idx].Item.Clone()
	h.deadLetter = append(h.deadLetter[:idx], h.deadLetter[idx+1:]...)
	snapshot := h.snapshotDeadLetterLocked()
	h.mu.Unlock()

	h.persistDeadLetter(snapshot)
	return item, true
}

// RetryAll moves every dead-letter entry back to the live queue and empties
// the dead-letter queue.
func (h *Handler) RetryAll() []embedding.Item {
	h.mu.Lock()
	items := make([]embedding.Item, len(h.deadLetter))
	for i, e := range h.deadLetter {
		items[i] = e.Item.Clone()
	}
	h.deadLetter = nil
	h.mu.Unlock()

	h.persistDeadLetter(nil)
	return items
}

// RemoveByFilePath removes failed-map entries whose item id matches path
// (file:/image: prefixed) and returns the number removed.
func (h *Handler) RemoveByFilePath(id string) int {
	h.mu.Lock()
	removed := 0
	if _, ok := h.failed[id]; ok {
		delete(h.failed, id)
		removed = 1
	}
	snapshot := h.snapshotFailedLocked()
	h.mu.Unlock()

	if removed > 0 {
		h.persistFailed(snapshot)
	}
	return removed
}

// UpdateByFilePath rewrites the id (and meta path/name) of any failed-map
// entry matching oldID, persisting on change.
func (h *Handler) UpdateByFilePath(oldID, newID, newPath, newName string) bool {
	h.mu.Lock()
	entry, ok := h.failed[oldID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	delete(h.failed, oldID)
	entry.Item.ID = newID
	if entry.Item.Meta == nil {
		entry.Item.Meta = map[string]any{}
	}
	entry.Item.Meta["path"] = newPath
	entry.Item.Meta["name"] = newName
	h.failed[newID] = entry
	snapshot := h.snapshotFailedLocked()
	h.mu.Unlock()

	h.persistFailed(snapshot)
	return true
}

// Count returns the current size of the failed map and the dead-letter queue.
func (h *Handler) Count() (failedCount, deadLetterCount int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.failed), len(h.deadLetter)
}

// PersistAll writes both stores to disk unconditionally, used by
// Queue.shutdown()'s final persist.
func (h *Handler) PersistAll() {
	h.mu.Lock()
	failedSnapshot := h.snapshotFailedLocked()
	deadSnapshot := h.snapshotDeadLetterLocked()
	h.mu.Unlock()

	h.persistFailed(failedSnapshot)
	h.persistDeadLetter(deadSnapshot)
}

func (h *Handler) snapshotFailedLocked() failedFile {
	out := make(failedFile, 0, len(h.failed))
	for id, entry := range h.failed {
		out = append(out, [2]any{id, entry})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i][0].(string) < out[j][0].(string)
	})
	return out
}

func (h *Handler) snapshotDeadLetterLocked() []embedding.DeadLetterEntry {
	out := make([]embedding.DeadLetterEntry, len(h.deadLetter))
	copy(out, h.deadLetter)
	return out
}

func (h *Handler) persistFailed(snapshot failedFile) {
	if err := persistence.Persist(h.cfg.FailedPath, snapshot); err != nil {
		logger.Debugf("faileditems: persist failed map: %v", err)
	}
}

func (h *Handler) persistDeadLetter(snapshot []embedding.DeadLetterEntry) {
	if err := persistence.Persist(h.cfg.DeadLetterPath, snapshot); err != nil {
		logger.Debugf("faileditems: persist dead letter queue: %v", err)
	}
}
