package flushmutex

import (
	"context"
	"testing"
	"time"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	m := New()
	release, ok := m.Acquire(context.Background(), time.Second)
	if !ok {
		t.Fatalf("Acquire: ok = false")
	}
	release()

	// token must be available again immediately.
	release2, ok2 := m.Acquire(context.Background(), time.Second)
	if !ok2 {
		t.Fatalf("second Acquire: ok = false")
	}
	release2()
}

func TestAcquireTimesOutAndForceReleases(t *testing.T) {
	m := New()
	release1, ok1 := m.Acquire(context.Background(), time.Second)
	if !ok1 {
		t.Fatalf("first Acquire: ok = false")
	}

	start := time.Now()
	release2, ok2 := m.Acquire(context.Background(), 50*time.Millisecond)
	elapsed := time.Since(start)

	if ok2 {
		t.Errorf("second Acquire: ok = true, want false (timed out)")
	}
	if elapsed < 50*time.Millisecond {
		t.Errorf("second Acquire returned in %v, want >= timeout", elapsed)
	}

	// Force-released token must now be available to a third acquirer.
	release3, ok3 := m.Acquire(context.Background(), 10*time.Millisecond)
	if !ok3 {
		t.Errorf("third Acquire after force-release: ok = false")
	}
	release3()

	// The original holder's eventual Release (and the force-release's own
	// no-op Release) must not double-release the token or panic.
	release1()
	release2()
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	m := New()
	release1, _ := m.Acquire(context.Background(), time.Second)
	defer release1()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := m.Acquire(ctx, time.Second)
	if ok {
		t.Errorf("Acquire with cancelled context: ok = true, want false")
	}
}
