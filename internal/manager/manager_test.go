package manager

import (
	"path/filepath"
	"testing"
	"time"

	"embedding-queue/internal/domain/embedding"
	"embedding-queue/internal/queue"
	"embedding-queue/internal/vectorstore"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	mgr, err := New(vectorstore.NewFake(), filepath.Join(dir, "registry.bbolt"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Shutdown() })
	return mgr
}

func testQueueConfig(t *testing.T, stage string) queue.Config {
	t.Helper()
	dir := t.TempDir()
	return queue.Config{
		PendingPath:    filepath.Join(dir, stage+"_pending.json"),
		FailedPath:     filepath.Join(dir, stage+"_failed.json"),
		DeadLetterPath: filepath.Join(dir, stage+"_dead_letter.json"),
		FlushDelay:     10 * time.Millisecond,
	}.WithDefaults()
}

func TestRegisterAndGet(t *testing.T) {
	mgr := newTestManager(t)

	q, err := mgr.Register("analysis", testQueueConfig(t, "analysis"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if q == nil {
		t.Fatalf("Register returned nil queue")
	}

	got, ok := mgr.Get("analysis")
	if !ok || got != q {
		t.Errorf("Get(analysis) = (%v,%v), want the registered queue", got, ok)
	}

	if _, ok := mgr.Get("missing"); ok {
		t.Errorf("Get(missing): ok = true, want false")
	}
}

func TestRegisterDuplicateNameFails(t *testing.T) {
	mgr := newTestManager(t)
	if _, err := mgr.Register("analysis", testQueueConfig(t, "analysis")); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if _, err := mgr.Register("analysis", testQueueConfig(t, "analysis2")); err == nil {
		t.Errorf("second Register with same name: want error, got nil")
	}
}

func TestNamesListsAllRegisteredStages(t *testing.T) {
	mgr := newTestManager(t)
	mgr.Register("analysis", testQueueConfig(t, "analysis"))
	mgr.Register("organize", testQueueConfig(t, "organize"))

	names := mgr.Names()
	if len(names) != 2 {
		t.Fatalf("Names() = %v, want 2 entries", names)
	}
}

func TestStartAllInitializesRegisteredQueues(t *testing.T) {
	mgr := newTestManager(t)
	_, err := mgr.Register("analysis", testQueueConfig(t, "analysis"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := mgr.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	if _, ok := mgr.Bookkeeping("analysis"); !ok {
		t.Errorf("Bookkeeping(analysis) not recorded after StartAll")
	}
}

func TestRecordStatsAndBookkeeping(t *testing.T) {
	mgr := newTestManager(t)
	stats := embedding.Stats{QueueLength: 5, Health: embedding.HealthWarning}

	mgr.RecordStats("analysis", stats)

	rec, ok := mgr.Bookkeeping("analysis")
	if !ok {
		t.Fatalf("Bookkeeping(analysis): ok = false")
	}
	if rec.LastStats.QueueLength != 5 || rec.LastStats.Health != embedding.HealthWarning {
		t.Errorf("LastStats = %+v, want QueueLength=5 Health=warning", rec.LastStats)
	}
}

func TestBookkeepingUnknownStage(t *testing.T) {
	mgr := newTestManager(t)
	if _, ok := mgr.Bookkeeping("nonexistent"); ok {
		t.Errorf("Bookkeeping(nonexistent): ok = true, want false")
	}
}
