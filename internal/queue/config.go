package queue

import "time"

// Config collects the tunables enumerated in spec §6.4. Stage queues (§4.6)
// construct one Config each with isolated persistence paths.
type Config struct {
	BatchSize                int
	FlushDelay               time.Duration
	MaxQueueSize             int
	HighWatermark            float64 // fraction of MaxQueueSize, default 0.75
	CriticalWatermark        float64 // fraction of MaxQueueSize, default 0.90
	MaxRetryCount            int     // consecutive offline flush retries before failing the batch
	ItemMaxRetries           int
	MaxDeadLetterSize        int
	ParallelFlushConcurrency int64
	BackoffBase              time.Duration
	BackoffMax               time.Duration
	MutexAcquire             time.Duration
	BatchEmbeddingMax        time.Duration
	EmbeddingRequest         time.Duration
	ForceFlushTimeout        time.Duration

	PendingPath    string
	FailedPath     string
	DeadLetterPath string
}

// WithDefaults returns a copy of cfg with zero-valued tunables replaced by the
// defaults named in spec §6.4/§4.5.
func (c Config) WithDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.FlushDelay <= 0 {
		c.FlushDelay = 500 * time.Millisecond
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 5000
	}
	if c.HighWatermark <= 0 {
		c.HighWatermark = 0.75
	}
	if c.CriticalWatermark <= 0 {
		c.CriticalWatermark = 0.90
	}
	if c.MaxRetryCount <= 0 {
		c.MaxRetryCount = 5
	}
	if c.ItemMaxRetries <= 0 {
		c.ItemMaxRetries = 3
	}
	if c.MaxDeadLetterSize <= 0 {
		c.MaxDeadLetterSize = 1000
	}
	if c.ParallelFlushConcurrency <= 0 {
		c.ParallelFlushConcurrency = 4
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 1 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 60 * time.Second
	}
	if c.MutexAcquire <= 0 {
		c.MutexAcquire = 20 * time.Second
	}
	if c.BatchEmbeddingMax <= 0 {
		c.BatchEmbeddingMax = 5 * time.Minute
	}
	if c.EmbeddingRequest <= 0 {
		c.EmbeddingRequest = 30 * time.Second
	}
	if c.ForceFlushTimeout <= 0 {
		c.ForceFlushTimeout = 30 * time.Second
	}
	return c
}

// persistDebounceDelay is the fixed 500ms coalescing window for enqueue's
// persist calls (§4.5 "Persist debounce").
const persistDebounceDelay = 500 * time.Millisecond
