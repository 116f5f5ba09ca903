// Package manager implements the queue manager / stage-queue registry (§4.6):
// a named registry of independent Queue instances sharing only the vector
// store handle and process-wide configuration conventions. Orchestration of
// each stage's lifecycle (start order, shutdown order) is delegated to
// internal/infra/lifecycle.Manager, the same dependency-ordered start/stop
// primitive the teacher uses to sequence its own subsystems.
//
// Alongside the three mandated JSON files per queue, the manager keeps a
// bbolt-backed bookkeeping store (§11 of the expanded spec) recording the
// last-started-at time and last-observed QueueStats per stage name, so an
// operator can inspect a stage that isn't currently constructed in-process.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"embedding-queue/internal/domain/embedding"
	"embedding-queue/internal/infra/lifecycle"
	"embedding-queue/internal/infra/logger"
	"embedding-queue/internal/queue"
	"embedding-queue/internal/vectorstore"
)

var bookkeepingBucket = []byte("stage_bookkeeping")

// stageRecord is what gets stored in bbolt per stage name.
type stageRecord struct {
	LastStartedAt time.Time        `json:"last_started_at"`
	LastStats     embedding.Stats  `json:"last_stats"`
}

// Manager is the registry of named stage queues. One analysis-stage queue is
// typically registered under a well-known name alongside any number of
// additional stage queues (e.g. "organize").
type Manager struct {
	mu      sync.RWMutex
	queues  map[string]*queue.Queue
	store   vectorstore.Store
	life    *lifecycle.Manager
	db      *bbolt.DB
}

// New creates a manager sharing store across every registered stage and a
// bbolt database at bboltPath for stage bookkeeping.
func New(store vectorstore.Store, bboltPath string) (*Manager, error) {
	db, err := bbolt.Open(bboltPath, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open stage registry db %s: %w", bboltPath, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bookkeepingBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init stage registry bucket: %w", err)
	}

	return &Manager{
		queues: make(map[string]*queue.Queue),
		store:  store,
		life:   lifecycle.New(context.Background()),
		db:     db,
	}, nil
}

// Register creates and registers a stage queue named name with cfg, wiring
// its start/stop into the lifecycle manager so StartAll/Shutdown sequence it
// alongside every other registered stage. The returned Queue resolves the
// manager's shared vector store.
func (m *Manager) Register(name string, cfg queue.Config) (*queue.Queue, error) {
	m.mu.Lock()
	if _, exists := m.queues[name]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("manager: stage %q already registered", name)
	}
	q := queue.New(cfg, func(context.Context) (vectorstore.Store, error) {
		return m.store, nil
	})
	m.queues[name] = q
	m.mu.Unlock()

	err := m.life.Register(name, "", nil,
		func(ctx context.Context) (context.Context, error) {
			if err := q.Initialize(ctx); err != nil {
				return nil, err
			}
			m.recordStart(name)
			return nil, nil
		},
		func(ctx context.Context) error {
			return q.Shutdown(ctx)
		},
	)
	if err != nil {
		m.mu.Lock()
		delete(m.queues, name)
		m.mu.Unlock()
		return nil, err
	}
	return q, nil
}

// Get returns the stage queue registered under name, or false if none exists.
func (m *Manager) Get(name string) (*queue.Queue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[name]
	return q, ok
}

// Names returns every registered stage name.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	return names
}

// StartAll initializes every registered stage queue in dependency order.
func (m *Manager) StartAll() error {
	return m.life.StartAll()
}

// Shutdown stops every registered stage queue in reverse start order,
// persisting each one's durable state before returning.
func (m *Manager) Shutdown() error {
	err := m.life.Shutdown()
	if closeErr := m.db.Close(); closeErr != nil {
		logger.Warnf("manager: closing stage registry db: %v", closeErr)
	}
	return err
}

// RecordStats snapshots q's current stats into the bbolt bookkeeping store,
// so queuectl can report on it even when not constructed in-process. Intended
// to be called periodically by the CLI or a background ticker.
func (m *Manager) RecordStats(name string, stats embedding.Stats) {
	rec := stageRecord{LastStats: stats}
	m.mu.RLock()
	if existing, err := m.loadRecord(name); err == nil {
		rec.LastStartedAt = existing.LastStartedAt
	}
	m.mu.RUnlock()

	if err := m.saveRecord(name, rec); err != nil {
		logger.Debugf("manager: record stats for %q: %v", name, err)
	}
}

// recordStart stamps the last-started-at time for name.
func (m *Manager) recordStart(name string) {
	rec, _ := m.loadRecord(name)
	rec.LastStartedAt = time.Now()
	if err := m.saveRecord(name, rec); err != nil {
		logger.Debugf("manager: record start for %q: %v", name, err)
	}
}

// Bookkeeping returns the last recorded bookkeeping entry for name.
func (m *Manager) Bookkeeping(name string) (stageRecord, bool) {
	rec, err := m.loadRecord(name)
	if err != nil {
		return stageRecord{}, false
	}
	return rec, true
}

func (m *Manager) loadRecord(name string) (stageRecord, error) {
	var rec stageRecord
	err := m.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bookkeepingBucket)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("no bookkeeping for stage %q", name)
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

func (m *Manager) saveRecord(name string, rec stageRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return m.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bookkeepingBucket)
		return b.Put([]byte(name), data)
	})
}
