package cli

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"embedding-queue/internal/domain/embedding"
	"embedding-queue/internal/manager"
	"embedding-queue/internal/queue"
	"embedding-queue/internal/vectorstore"
)

func newTestService(t *testing.T) (*Service, *manager.Manager, *vectorstore.Fake) {
	t.Helper()
	dir := t.TempDir()
	store := vectorstore.NewFake()
	store.SetOnline(false)

	mgr, err := manager.New(store, filepath.Join(dir, "registry.bbolt"))
	if err != nil {
		t.Fatalf("manager.New: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Shutdown() })

	cfg := queue.Config{
		PendingPath:    filepath.Join(dir, "pending.json"),
		FailedPath:     filepath.Join(dir, "failed.json"),
		DeadLetterPath: filepath.Join(dir, "dead_letter.json"),
		FlushDelay:     10 * time.Millisecond,
		ItemMaxRetries: 1,
		MaxRetryCount:  1,
	}.WithDefaults()
	if _, err := mgr.Register("analysis", cfg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := mgr.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	svc := NewService(mgr, func() {})
	svc.flushDebounce.Start(context.Background())
	t.Cleanup(func() { svc.flushDebounce.Stop() })
	return svc, mgr, store
}

func TestStageHashIsStableAndNonNegative(t *testing.T) {
	a := stageHash("analysis")
	b := stageHash("analysis")
	if a != b {
		t.Errorf("stageHash not stable: %d != %d", a, b)
	}
	if a < 0 {
		t.Errorf("stageHash returned negative value: %d", a)
	}
	if stageHash("analysis") == stageHash("organize") {
		t.Errorf("stageHash collided for distinct stage names (acceptable but unexpected here)")
	}
}

func TestHandleCommandUnknownStageDoesNotPanic(t *testing.T) {
	svc, _, _ := newTestService(t)
	if svc.handleCommand("status nope") {
		t.Errorf("handleCommand(status nope) requested exit")
	}
	if svc.handleCommand("flush nope") {
		t.Errorf("handleCommand(flush nope) requested exit")
	}
}

func TestHandleCommandExitReturnsTrue(t *testing.T) {
	svc, _, _ := newTestService(t)
	if !svc.handleCommand("exit") {
		t.Errorf("handleCommand(exit) = false, want true")
	}
}

func TestHandleFlushDeliversItemToStore(t *testing.T) {
	svc, mgr, store := newTestService(t)
	store.SetOnline(true)

	q, ok := mgr.Get("analysis")
	if !ok {
		t.Fatalf("stage analysis not registered")
	}
	item := embedding.Item{ID: "file:/a", Vector: []float64{1}}
	if _, err := q.Enqueue(item); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	svc.handleCommand("flush analysis")
	// flush is debounced by 300ms; wait it out.
	time.Sleep(400 * time.Millisecond)

	if _, ok := store.Files[item.ID]; !ok {
		t.Errorf("item not delivered to store after flush command")
	}
}

func TestHandleEnqueueTestAddsFixtureItem(t *testing.T) {
	svc, mgr, _ := newTestService(t)
	q, _ := mgr.Get("analysis")

	svc.handleCommand("enqueue-test analysis 4")

	if stats := q.GetStats(); stats.QueueLength != 1 {
		t.Fatalf("QueueLength after enqueue-test = %d, want 1", stats.QueueLength)
	}
}

func TestHandleEnqueueTestUnknownStageDoesNotPanic(t *testing.T) {
	svc, _, _ := newTestService(t)
	if svc.handleCommand("enqueue-test nope") {
		t.Errorf("handleCommand(enqueue-test nope) requested exit")
	}
}

func TestHandleDeadLetterRetryRequeues(t *testing.T) {
	svc, mgr, store := newTestService(t)
	store.SetOnline(true)
	q, _ := mgr.Get("analysis")

	item := embedding.Item{ID: "file:/a", Vector: []float64{1}}
	store.FailIDs[item.ID] = true
	q.Enqueue(item)
	// ItemMaxRetries=1 (newTestService's stage config): two online per-item
	// failures (retry count 1, then 2) exceed the cap and promote to dead-letter.
	for i := 0; i < 2; i++ {
		if err := q.ForceFlush(context.Background()); err != nil {
			t.Fatalf("ForceFlush #%d: %v", i, err)
		}
	}
	if _, dead := q.FailedItems().Count(); dead != 1 {
		t.Fatalf("expected 1 dead-letter entry, got %d", dead)
	}

	svc.handleCommand("dead-letter retry analysis file:/a")

	if _, dead := q.FailedItems().Count(); dead != 0 {
		t.Errorf("dead-letter count after retry = %d, want 0", dead)
	}
	if stats := q.GetStats(); stats.QueueLength != 1 {
		t.Errorf("QueueLength after dead-letter retry = %d, want 1", stats.QueueLength)
	}
}

func TestHandleDeadLetterClear(t *testing.T) {
	svc, mgr, store := newTestService(t)
	store.SetOnline(true)
	q, _ := mgr.Get("analysis")

	item := embedding.Item{ID: "file:/a", Vector: []float64{1}}
	store.FailIDs[item.ID] = true
	q.Enqueue(item)
	for i := 0; i < 2; i++ {
		q.ForceFlush(context.Background())
	}
	if _, dead := q.FailedItems().Count(); dead != 1 {
		t.Fatalf("expected 1 dead-letter entry, got %d", dead)
	}

	svc.handleCommand("dead-letter clear analysis")

	if _, dead := q.FailedItems().Count(); dead != 0 {
		t.Errorf("dead-letter count after clear = %d, want 0", dead)
	}
}
