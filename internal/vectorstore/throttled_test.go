package vectorstore

import (
	"context"
	"testing"
	"time"

	"embedding-queue/internal/domain/embedding"
)

func TestThrottledDelegatesToInner(t *testing.T) {
	inner := NewFake()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	th := NewThrottled(ctx, inner, 1000, 1)
	defer th.Stop()

	item := embedding.Item{ID: "file:/a", Vector: []float64{1}}
	res, err := th.UpsertFile(context.Background(), item)
	if err != nil {
		t.Fatalf("UpsertFile: %v", err)
	}
	if !res.Success {
		t.Errorf("res.Success = false, want true")
	}
	if _, ok := inner.Files[item.ID]; !ok {
		t.Errorf("inner store did not receive the upsert")
	}
}

func TestThrottledPropagatesOnlineState(t *testing.T) {
	inner := NewFake()
	inner.SetOnline(false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	th := NewThrottled(ctx, inner, 1000, 1)
	defer th.Stop()

	if th.IsOnline() {
		t.Errorf("IsOnline() = true, want false (delegates to inner)")
	}
}

func TestThrottledSurfacesFailureAfterRetries(t *testing.T) {
	inner := NewFake()
	inner.FailIDs["file:/bad"] = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	th := NewThrottled(ctx, inner, 1000, 1)
	defer th.Stop()

	callCtx, cancelCall := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCall()

	_, err := th.UpsertFile(callCtx, embedding.Item{ID: "file:/bad", Vector: []float64{1}})
	if err == nil {
		t.Errorf("expected error to surface after exhausting retries, got nil")
	}
}
