package embedding

import "time"

// Phase — фаза события прогресса flush'а.
type Phase string

const (
	PhaseStart              Phase = "start"
	PhaseProcessing         Phase = "processing"
	PhaseComplete           Phase = "complete"
	PhaseOffline            Phase = "offline"
	PhaseError              Phase = "error"
	PhaseFatalError         Phase = "fatal_error"
	PhaseFlushingEmbeddings Phase = "flushing_embeddings"
)

// ProgressEvent — событие, рассылаемое подписчикам прогресса (§4.2/§6.5).
// Заполняются только поля, относящиеся к фазе; остальные остаются нулевыми.
type ProgressEvent struct {
	Phase          Phase         `json:"phase"`
	Total          int           `json:"total,omitempty"`
	Completed      int           `json:"completed,omitempty"`
	Failed         int           `json:"failed,omitempty"`
	Percent        float64       `json:"percent,omitempty"`
	QueueRemaining int           `json:"queue_remaining,omitempty"`
	RetryCount     int           `json:"retry_count,omitempty"`
	MaxRetries     int           `json:"max_retries,omitempty"`
	ItemType       string        `json:"item_type,omitempty"`
	CurrentItem    string        `json:"current_item,omitempty"`
	Duration       time.Duration `json:"duration,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// PercentOf вычисляет процент, оберегаясь от деления на ноль (total=0 → 0).
func PercentOf(completed, total int) float64 {
	if total <= 0 {
		return 0
	}
	return (float64(completed) / float64(total)) * 100
}

// Health — агрегированное состояние очереди для QueueStats.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthWarning  Health = "warning"
	HealthCritical Health = "critical"
)

// Stats — срез состояния очереди на момент чтения (§3 QueueStats).
type Stats struct {
	QueueLength     int     `json:"queue_length"`
	CapacityPercent float64 `json:"capacity_percent"`
	Health          Health  `json:"health"`
	IsFlushing      bool    `json:"is_flushing"`
	RetryCount      int     `json:"retry_count"`
	FailedCount     int     `json:"failed_count"`
	DeadLetterCount int     `json:"dead_letter_count"`
	HighWatermark   bool    `json:"high_watermark"`
	CriticalWatermark bool  `json:"critical_watermark"`
	Initialized     bool    `json:"initialized"`
}
