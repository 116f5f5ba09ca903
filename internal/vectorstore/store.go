// Package vectorstore describes the external vector-store contract (§6.3) that
// the embedding queue depends on and provides a minimal in-memory fake used by
// tests and local development, following the same approach the teacher takes
// for its notification transport: a small interface plus a hand-built double
// rather than a generated mock.
package vectorstore

import (
	"context"
	"fmt"
	"sync"

	"embedding-queue/internal/domain/embedding"
)

// UpsertResult is the structured outcome an upsert call may return instead of
// (or alongside) an error. Either a non-nil error or Success=false must be
// treated as failure by the caller.
type UpsertResult struct {
	Success bool
	Error   string
}

// Store is the external collaborator contract. Implementations may support
// only the per-item calls, only the bulk calls, or both; BatchUpsertFiles and
// BatchUpsertFolders may return ErrUnsupported to signal the caller should
// fall back to per-item processing.
type Store interface {
	// Initialize prepares the store for use. Idempotent.
	Initialize(ctx context.Context) error
	// IsOnline reports whether the store is currently reachable.
	IsOnline() bool

	BatchUpsertFiles(ctx context.Context, items []embedding.Item) (UpsertResult, error)
	UpsertFile(ctx context.Context, item embedding.Item) (UpsertResult, error)

	BatchUpsertFolders(ctx context.Context, items []embedding.Item) (UpsertResult, error)
	UpsertFolder(ctx context.Context, item embedding.Item) (UpsertResult, error)
}

// ErrUnsupported signals that a bulk operation is not implemented by this
// store and the worker should fall back to per-item upserts.
var ErrUnsupported = fmt.Errorf("vectorstore: operation not supported")

// Fake is a minimal in-memory Store double for tests. It is safe for
// concurrent use. FailIDs causes UpsertFile/UpsertFolder to fail (raise) for
// the listed ids, simulating a poison item. BulkFails causes the bulk calls to
// return a structured failure instead of raising, exercising the worker's
// fallback-to-per-item path.
type Fake struct {
	mu sync.Mutex

	online bool

	Files   map[string]embedding.Item
	Folders map[string]embedding.Item

	FailIDs   map[string]bool
	BulkFails bool

	FileCalls   int
	FolderCalls int
}

// NewFake constructs an online fake store.
func NewFake() *Fake {
	return &Fake{
		online:  true,
		Files:   make(map[string]embedding.Item),
		Folders: make(map[string]embedding.Item),
		FailIDs: make(map[string]bool),
	}
}

// Initialize is a no-op; the fake is always ready.
func (f *Fake) Initialize(context.Context) error { return nil }

// SetOnline toggles the online flag the flush algorithm consults.
func (f *Fake) SetOnline(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = online
}

// IsOnline reports the current online flag.
func (f *Fake) IsOnline() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

// BatchUpsertFiles stores every item unless BulkFails is set, in which case it
// returns a structured failure without raising (exercises the fallback path).
func (f *Fake) BatchUpsertFiles(ctx context.Context, items []embedding.Item) (UpsertResult, error) {
	f.mu.Lock()
	f.FileCalls++
	bulkFails := f.BulkFails
	f.mu.Unlock()

	if bulkFails {
		return UpsertResult{Success: false, Error: "bulk upsert rejected"}, nil
	}
	for _, it := range items {
		if _, err := f.UpsertFile(ctx, it); err != nil {
			return UpsertResult{}, err
		}
	}
	return UpsertResult{Success: true}, nil
}

// UpsertFile stores a single file/image item, raising for ids in FailIDs.
func (f *Fake) UpsertFile(_ context.Context, item embedding.Item) (UpsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailIDs[item.ID] {
		return UpsertResult{}, fmt.Errorf("vectorstore fake: forced failure for %s", item.ID)
	}
	f.Files[item.ID] = item.Clone()
	return UpsertResult{Success: true}, nil
}

// BatchUpsertFolders mirrors BatchUpsertFiles for folder items.
func (f *Fake) BatchUpsertFolders(ctx context.Context, items []embedding.Item) (UpsertResult, error) {
	f.mu.Lock()
	f.FolderCalls++
	bulkFails := f.BulkFails
	f.mu.Unlock()

	if bulkFails {
		return UpsertResult{Success: false, Error: "bulk upsert rejected"}, nil
	}
	for _, it := range items {
		if _, err := f.UpsertFolder(ctx, it); err != nil {
			return UpsertResult{}, err
		}
	}
	return UpsertResult{Success: true}, nil
}

// UpsertFolder stores a single folder item, raising for ids in FailIDs.
func (f *Fake) UpsertFolder(_ context.Context, item embedding.Item) (UpsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailIDs[item.ID] {
		return UpsertResult{}, fmt.Errorf("vectorstore fake: forced failure for %s", item.ID)
	}
	f.Folders[item.ID] = item.Clone()
	return UpsertResult{Success: true}, nil
}
