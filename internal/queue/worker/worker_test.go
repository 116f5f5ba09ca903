package worker

import (
	"context"
	"testing"
	"time"

	"embedding-queue/internal/domain/embedding"
	"embedding-queue/internal/queue/progress"
	"embedding-queue/internal/vectorstore"
)

func TestProcessBulkSuccess(t *testing.T) {
	store := vectorstore.NewFake()
	items := []embedding.Item{
		{ID: "file:/a", Vector: []float64{1}},
		{ID: "file:/b", Vector: []float64{2}},
	}

	processed, failed := Process(context.Background(), items, Options{
		Store: store, Kind: embedding.KindFile, Concurrency: 2,
		BulkTimeout: time.Second, PerItemTimeout: time.Second, Total: 2,
	})

	if processed != 2 {
		t.Errorf("processed = %d, want 2", processed)
	}
	if len(failed) != 0 {
		t.Errorf("failed = %v, want empty", failed)
	}
	if store.FileCalls != 1 {
		t.Errorf("FileCalls = %d, want 1 (bulk path used)", store.FileCalls)
	}
}

func TestProcessFallsBackToPerItemOnBulkFailure(t *testing.T) {
	store := vectorstore.NewFake()
	store.BulkFails = true
	items := []embedding.Item{
		{ID: "file:/a", Vector: []float64{1}},
		{ID: "file:/b", Vector: []float64{2}},
	}

	var failedCalls []string
	processed, failed := Process(context.Background(), items, Options{
		Store: store, Kind: embedding.KindFile, Concurrency: 2,
		BulkTimeout: time.Second, PerItemTimeout: time.Second, Total: 2,
		OnItemFailed: func(item embedding.Item, errMsg string) {
			failedCalls = append(failedCalls, item.ID)
		},
	})

	if processed != 2 {
		t.Errorf("processed = %d, want 2 (per-item fallback succeeded)", processed)
	}
	if len(failed) != 0 {
		t.Errorf("failed = %v, want empty", failed)
	}
	if len(failedCalls) != 0 {
		t.Errorf("OnItemFailed called %d times, want 0", len(failedCalls))
	}
	if store.FileCalls != 1 {
		t.Errorf("FileCalls = %d, want 1 (one rejected bulk call; per-item UpsertFile calls are not counted)", store.FileCalls)
	}
}

func TestProcessReportsPerItemFailures(t *testing.T) {
	store := vectorstore.NewFake()
	store.BulkFails = true
	store.FailIDs["file:/bad"] = true
	items := []embedding.Item{
		{ID: "file:/good", Vector: []float64{1}},
		{ID: "file:/bad", Vector: []float64{2}},
	}

	var failedIDs []string
	processed, failed := Process(context.Background(), items, Options{
		Store: store, Kind: embedding.KindFile, Concurrency: 2,
		BulkTimeout: time.Second, PerItemTimeout: time.Second, Total: 2,
		OnItemFailed: func(item embedding.Item, errMsg string) {
			failedIDs = append(failedIDs, item.ID)
		},
	})

	if processed != 1 {
		t.Errorf("processed = %d, want 1", processed)
	}
	if len(failed) != 1 || failed[0] != "file:/bad" {
		t.Errorf("failed = %v, want [file:/bad]", failed)
	}
	if len(failedIDs) != 1 || failedIDs[0] != "file:/bad" {
		t.Errorf("OnItemFailed ids = %v, want [file:/bad]", failedIDs)
	}
}

func TestProcessEmptyBatchIsNoop(t *testing.T) {
	store := vectorstore.NewFake()
	processed, failed := Process(context.Background(), nil, Options{
		Store: store, Kind: embedding.KindFile, StartCount: 3,
	})
	if processed != 3 {
		t.Errorf("processed = %d, want 3 (StartCount passed through)", processed)
	}
	if len(failed) != 0 {
		t.Errorf("failed = %v, want empty", failed)
	}
}

func TestProcessFolderReshapesMeta(t *testing.T) {
	store := vectorstore.NewFake()
	store.BulkFails = true // force per-item path so reshape is exercised
	items := []embedding.Item{
		{ID: "folder:/dir", Vector: []float64{1}, Meta: map[string]any{
			"name": "dir", "path": "/dir", "smart_folder": true,
		}},
	}

	processed, failed := Process(context.Background(), items, Options{
		Store: store, Kind: embedding.KindFolder, Concurrency: 1,
		BulkTimeout: time.Second, PerItemTimeout: time.Second, Total: 1,
		Progress: progress.New(),
	})
	if processed != 1 || len(failed) != 0 {
		t.Fatalf("processed=%d failed=%v, want 1, empty", processed, failed)
	}

	stored, ok := store.Folders["folder:/dir"]
	if !ok {
		t.Fatalf("folder not stored")
	}
	if _, has := stored.Meta["smart_folder"]; has {
		t.Errorf("reshaped folder item retained smart_folder meta, want dropped")
	}
	if stored.MetaString("name") != "dir" || stored.MetaString("path") != "/dir" {
		t.Errorf("reshaped folder item missing name/path: %+v", stored.Meta)
	}
}
