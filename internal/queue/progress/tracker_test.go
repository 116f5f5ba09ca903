package progress

import (
	"sync"
	"testing"

	"embedding-queue/internal/domain/embedding"
)

func TestSubscribeAndNotify(t *testing.T) {
	tr := New()
	var mu sync.Mutex
	var got []embedding.Phase

	unsub := tr.Subscribe(func(e embedding.ProgressEvent) {
		mu.Lock()
		got = append(got, e.Phase)
		mu.Unlock()
	})
	defer unsub()

	tr.Notify(embedding.ProgressEvent{Phase: embedding.PhaseStart})
	tr.Notify(embedding.ProgressEvent{Phase: embedding.PhaseComplete})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != embedding.PhaseStart || got[1] != embedding.PhaseComplete {
		t.Errorf("got = %v, want [start complete]", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	tr := New()
	calls := 0
	unsub := tr.Subscribe(func(embedding.ProgressEvent) { calls++ })
	unsub()
	unsub() // idempotent

	tr.Notify(embedding.ProgressEvent{Phase: embedding.PhaseStart})
	if calls != 0 {
		t.Errorf("calls = %d after unsubscribe, want 0", calls)
	}
	if tr.Len() != 0 {
		t.Errorf("Len() = %d, want 0", tr.Len())
	}
}

func TestPanickingSubscriberDoesNotBreakOthers(t *testing.T) {
	tr := New()
	secondCalled := false

	tr.Subscribe(func(embedding.ProgressEvent) { panic("boom") })
	tr.Subscribe(func(embedding.ProgressEvent) { secondCalled = true })

	tr.Notify(embedding.ProgressEvent{Phase: embedding.PhaseStart})

	if !secondCalled {
		t.Errorf("second subscriber was not called after first panicked")
	}
}

func TestClearRemovesAllSubscribers(t *testing.T) {
	tr := New()
	tr.Subscribe(func(embedding.ProgressEvent) {})
	tr.Subscribe(func(embedding.ProgressEvent) {})
	if tr.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", tr.Len())
	}
	tr.Clear()
	if tr.Len() != 0 {
		t.Errorf("Len() = %d after Clear, want 0", tr.Len())
	}
}

func TestSubscribeNilCallback(t *testing.T) {
	tr := New()
	unsub := tr.Subscribe(nil)
	unsub() // must not panic
	if tr.Len() != 0 {
		t.Errorf("Len() = %d, want 0 for nil subscribe", tr.Len())
	}
}
