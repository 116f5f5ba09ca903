// Package config собирает конфигурацию процесса очереди эмбеддингов из
// переменных окружения (.env через godotenv), нормализует и валидирует
// входные значения и накапливает предупреждения о некорректных настройках
// вместо падения на старте — тот же подход, что и в исходном
// приложении-учителе. Обязательных параметров нет: каждый отсутствующий или
// некорректный параметр получает дефолт и предупреждение, а загрузка
// прерывается только ошибкой чтения .env.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"embedding-queue/internal/queue"
)

// EnvConfig — параметры окружения, общие для всего процесса и для стадии
// "analysis" (основной очереди) по умолчанию. Именованные стадии (§4.6) могут
// переопределить часть полей через StageOverride.
type EnvConfig struct {
	LogLevel string
	LogFile  string
	DataDir  string

	BatchSize                int
	FlushDelayMS             int
	MaxQueueSize             int
	HighWatermark            float64
	CriticalWatermark        float64
	MaxRetryCount            int
	ItemMaxRetries           int
	MaxDeadLetterSize        int
	ParallelFlushConcurrency int
	BackoffBaseMS            int
	BackoffMaxMS             int
	MutexAcquireMS           int
	BatchEmbeddingMaxMS      int
	EmbeddingRequestMS       int

	StageRegistryDBFile string

	// ExtraStages names additional stage queues to register alongside the
	// built-in "analysis" stage (§4.6), e.g. "organize,reindex".
	ExtraStages []string

	// EmbeddingRateLimitRPS throttles upsert calls against the vector store
	// via internal/vectorstore.Throttled; 0 disables throttling.
	EmbeddingRateLimitRPS int

	TimeZone    string
	AppLocation *time.Location
}

// Config хранит загруженное окружение и накопленные предупреждения.
// Потокобезопасен: Warnings берёт RLock, Load выполняется один раз.
type Config struct {
	Env      EnvConfig
	warnings []string
	mu       sync.RWMutex
}

// Значения по умолчанию. Совпадают с §6.4/§4.5, где спецификация называет
// конкретную величину; иначе — разумная рабочая величина для CLI-инструмента.
const (
	defaultLogLevel  = "info"
	defaultDataDir   = "data"
	defaultLogFile   = "data/queuectl.log"

	defaultBatchSize                = 50
	defaultFlushDelayMS             = 500
	defaultMaxQueueSize             = 5000
	defaultHighWatermark            = 0.75
	defaultCriticalWatermark        = 0.90
	defaultMaxRetryCount            = 5
	defaultItemMaxRetries           = 3
	defaultMaxDeadLetterSize        = 1000
	defaultParallelFlushConcurrency = 4
	defaultBackoffBaseMS            = 1000
	defaultBackoffMaxMS             = 60_000
	defaultMutexAcquireMS           = 20_000
	defaultBatchEmbeddingMaxMS      = 5 * 60 * 1000
	defaultEmbeddingRequestMS       = 30_000

	defaultStageRegistryDBFile = "data/stage_registry.bbolt"
)

var (
	cfgInstance *Config
	cfgDone     bool
	cfgMu       sync.Mutex
)

// Load инициализирует глобальную конфигурацию процесса. Повторный вызов
// возвращает ошибку, чтобы исключить гонки конфигурации при старте.
func Load(envPath string) error {
	cfgMu.Lock()
	defer cfgMu.Unlock()
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig выполняет фактическую загрузку без установки глобального
// состояния — удобно для тестов, которые строят Config напрямую.
func loadConfig(envPath string) (*Config, error) {
	// Отсутствие .env не является ошибкой — переменные могут быть заданы
	// процессом-родителем (systemd, docker, CI).
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	var warnings []string

	env := EnvConfig{
		LogLevel:                 sanitizeLogLevel(os.Getenv("LOG_LEVEL"), &warnings),
		LogFile:                  sanitizeFile("LOG_FILE", os.Getenv("LOG_FILE"), defaultLogFile, &warnings),
		DataDir:                  sanitizeFile("DATA_DIR", os.Getenv("DATA_DIR"), defaultDataDir, &warnings),
		BatchSize:                parseIntDefault("BATCH_SIZE", defaultBatchSize, greaterThanZero, &warnings),
		FlushDelayMS:             parseIntDefault("FLUSH_DELAY_MS", defaultFlushDelayMS, greaterThanZero, &warnings),
		MaxQueueSize:             parseIntDefault("MAX_QUEUE_SIZE", defaultMaxQueueSize, greaterThanZero, &warnings),
		HighWatermark:            parseFloatDefault("HIGH_WATERMARK", defaultHighWatermark, fractional, &warnings),
		CriticalWatermark:        parseFloatDefault("CRITICAL_WATERMARK", defaultCriticalWatermark, fractional, &warnings),
		MaxRetryCount:            parseIntDefault("MAX_RETRY_COUNT", defaultMaxRetryCount, greaterThanZero, &warnings),
		ItemMaxRetries:           parseIntDefault("ITEM_MAX_RETRIES", defaultItemMaxRetries, greaterThanZero, &warnings),
		MaxDeadLetterSize:        parseIntDefault("MAX_DEAD_LETTER_SIZE", defaultMaxDeadLetterSize, greaterThanZero, &warnings),
		ParallelFlushConcurrency: parseIntDefault("PARALLEL_FLUSH_CONCURRENCY", defaultParallelFlushConcurrency, greaterThanZero, &warnings),
		BackoffBaseMS:            parseIntDefault("BACKOFF_BASE_MS", defaultBackoffBaseMS, greaterThanZero, &warnings),
		BackoffMaxMS:             parseIntDefault("BACKOFF_MAX_MS", defaultBackoffMaxMS, greaterThanZero, &warnings),
		MutexAcquireMS:           parseIntDefault("MUTEX_ACQUIRE_MS", defaultMutexAcquireMS, greaterThanZero, &warnings),
		BatchEmbeddingMaxMS:      parseIntDefault("BATCH_EMBEDDING_MAX_MS", defaultBatchEmbeddingMaxMS, greaterThanZero, &warnings),
		EmbeddingRequestMS:       parseIntDefault("EMBEDDING_REQUEST_MS", defaultEmbeddingRequestMS, greaterThanZero, &warnings),
		StageRegistryDBFile:      sanitizeFile("STAGE_REGISTRY_DB_FILE", os.Getenv("STAGE_REGISTRY_DB_FILE"), defaultStageRegistryDBFile, &warnings),
		EmbeddingRateLimitRPS:    parseIntDefault("EMBEDDING_RATE_LIMIT_RPS", 0, nil, &warnings),
		ExtraStages:              splitStages(os.Getenv("STAGE_NAMES")),
	}
	env.TimeZone, env.AppLocation = sanitizeTimeZone(os.Getenv("TZ"), &warnings)

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings возвращает накопленные предупреждения о загрузке окружения.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	out := make([]string, len(cfgInstance.warnings))
	copy(out, cfgInstance.warnings)
	return out
}

// Env возвращает снимок EnvConfig из глобального singleton.
func Env() EnvConfig {
	return cfgInstance.Env
}

// StageOverride описывает переопределения для именованной стадии (§6.4
// "Stage overrides"): свои пути персистентности и свои настройки тюнинга,
// размер батча, задержку флаша и ширину семафора.
type StageOverride struct {
	Name                     string
	PersistenceFileName      string
	FailedItemsPath          string
	DeadLetterPath           string
	BatchSize                int
	FlushDelayMS             int
	ParallelFlushConcurrency int
}

// QueueConfig builds a queue.Config for a stage from the global EnvConfig,
// applying override where its fields are non-zero.
func (env EnvConfig) QueueConfig(override StageOverride) queue.Config {
	cfg := queue.Config{
		BatchSize:                env.BatchSize,
		FlushDelay:               time.Duration(env.FlushDelayMS) * time.Millisecond,
		MaxQueueSize:             env.MaxQueueSize,
		HighWatermark:            env.HighWatermark,
		CriticalWatermark:        env.CriticalWatermark,
		MaxRetryCount:            env.MaxRetryCount,
		ItemMaxRetries:           env.ItemMaxRetries,
		MaxDeadLetterSize:        env.MaxDeadLetterSize,
		ParallelFlushConcurrency: int64(env.ParallelFlushConcurrency),
		BackoffBase:              time.Duration(env.BackoffBaseMS) * time.Millisecond,
		BackoffMax:               time.Duration(env.BackoffMaxMS) * time.Millisecond,
		MutexAcquire:             time.Duration(env.MutexAcquireMS) * time.Millisecond,
		BatchEmbeddingMax:        time.Duration(env.BatchEmbeddingMaxMS) * time.Millisecond,
		EmbeddingRequest:         time.Duration(env.EmbeddingRequestMS) * time.Millisecond,

		PendingPath:    stagePath(env.DataDir, "pending_embeddings.json", override.Name, override.PersistenceFileName),
		FailedPath:     stagePath(env.DataDir, "failed_embeddings.json", override.Name, override.FailedItemsPath),
		DeadLetterPath: stagePath(env.DataDir, "dead_letter_embeddings.json", override.Name, override.DeadLetterPath),
	}

	if override.BatchSize > 0 {
		cfg.BatchSize = override.BatchSize
	}
	if override.FlushDelayMS > 0 {
		cfg.FlushDelay = time.Duration(override.FlushDelayMS) * time.Millisecond
	}
	if override.ParallelFlushConcurrency > 0 {
		cfg.ParallelFlushConcurrency = int64(override.ParallelFlushConcurrency)
	}

	return cfg.WithDefaults()
}

// stagePath resolves a persistence file path: an explicit override wins,
// otherwise the default name is suffixed with "_<stage>" for any stage other
// than "analysis" (the singleton queue keeps the bare name), per §6.1.
func stagePath(dataDir, defaultName, stage, overridePath string) string {
	if overridePath != "" {
		return overridePath
	}
	if stage == "" || stage == "analysis" {
		return dataDir + "/" + defaultName
	}
	dot := strings.LastIndex(defaultName, ".")
	if dot < 0 {
		return dataDir + "/" + defaultName + "_" + stage
	}
	return dataDir + "/" + defaultName[:dot] + "_" + stage + defaultName[dot:]
}

func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

func parseFloatDefault(name string, defaultVal float64, validator func(float64) bool, warnings *[]string) float64 {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %v", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid float; using default %v", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %v does not satisfy constraints; using default %v", name, v, defaultVal)
		return defaultVal
	}
	return v
}

func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

func greaterThanZero(v int) bool  { return v > 0 }
func fractional(v float64) bool   { return v > 0 && v < 1 }

func sanitizeLogLevel(level string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		appendWarningf(warnings, "env LOG_LEVEL is not set; using default %q", defaultLogLevel)
		return defaultLogLevel
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultLogLevel)
		return defaultLogLevel
	}
}

const defaultTimeZone = "UTC"

// sanitizeTimeZone resolves the process-wide *time.Location used by
// internal/infra/clock, falling back to UTC when TZ is unset or unknown.
func sanitizeTimeZone(tz string, warnings *[]string) (string, *time.Location) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return defaultTimeZone, time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		appendWarningf(warnings, "env TZ value %q is not a known location; using default %q", tz, defaultTimeZone)
		return defaultTimeZone, time.UTC
	}
	return tz, loc
}

// splitStages parses a comma-separated list of extra stage names, trimming
// whitespace and dropping empty entries.
func splitStages(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}
