// Package persistence реализует атомарную запись и отказоустойчивую загрузку
// JSON-файлов очереди (§4.1): write-temp-then-rename, загрузка с карантином
// повреждённых файлов вместо падения вызывающего кода. Поверх
// internal/infra/storage это добавляет ровно семантику, которую описывает
// спецификация: временный файл называется "<path>.tmp.<unix_millis>", а
// повреждённый исходник переименовывается в "<path>.corrupt.<unix_millis>"
// вместо того, чтобы быть перезаписанным значениями по умолчанию.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"embedding-queue/internal/infra/logger"
	"embedding-queue/internal/infra/storage"
)

// Load читает path и декодирует его как JSON в значение типа T.
//
// Контракт: если файл отсутствует, возвращает нулевое значение T и ok=false
// без ошибки (noop). Если файл присутствует, но не парсится, он
// переименовывается в "<path>.corrupt.<unix_millis>" и Load возвращает
// нулевое значение с ok=false — вызывающий код не должен падать из-за этого,
// только залогировать предупреждение.
func Load[T any](path string) (value T, ok bool, err error) {
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return value, false, nil
		}
		return value, false, fmt.Errorf("read %s: %w", path, readErr)
	}

	if len(data) == 0 {
		return value, false, nil
	}

	if unmarshalErr := json.Unmarshal(data, &value); unmarshalErr != nil {
		quarantined := quarantinePath(path)
		if renameErr := os.Rename(path, quarantined); renameErr != nil && !os.IsNotExist(renameErr) {
			logger.Warnf("persistence: failed to quarantine corrupt file %s: %v", path, renameErr)
		} else {
			logger.Warnf("persistence: quarantined corrupt file %s -> %s: %v", path, quarantined, unmarshalErr)
		}
		var zero T
		return zero, false, nil
	}

	return value, true, nil
}

// Persist сериализует value как JSON с отступами и атомарно записывает его в
// path. Пустой payload (nil slice/map или nil-указатель, сериализующийся в
// "null") удаляет файл вместо записи пустого значения — отсутствие файла
// отсутствие ожидаемой ошибки NotFound игнорируется.
func Persist(path string, value any) error {
	if isEmptyPayload(value) {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
		return nil
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	return atomicWrite(path, data)
}

// isEmptyPayload сообщает, нужно ли трактовать value как "нечего сохранять".
func isEmptyPayload(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case []byte:
		return len(v) == 0
	}
	data, err := json.Marshal(value)
	if err != nil {
		return false
	}
	s := string(data)
	return s == "null" || s == "[]" || s == "{}"
}

// atomicWrite пишет data во временный файл "<path>.tmp.<unix_millis>" в той же
// директории, синхронизирует его и переименовывает поверх path. На любой
// ошибке по пути временный файл удаляется, а ошибка пробрасывается вызывающему.
func atomicWrite(path string, data []byte) error {
	clean := filepath.Clean(path)
	if err := storage.EnsureDir(clean); err != nil {
		return err
	}

	tmpPath := fmt.Sprintf("%s.tmp.%d", clean, time.Now().UnixMilli())

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create temp file %s: %w", tmpPath, err)
	}

	cleanupTmp := true
	defer func() {
		if cleanupTmp {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write temp file %s: %w", tmpPath, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("fsync temp file %s: %w", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, clean); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmpPath, clean, err)
	}
	cleanupTmp = false

	if dir, err := os.Open(filepath.Dir(clean)); err == nil {
		if syncErr := dir.Sync(); syncErr != nil {
			logger.Warnf("persistence: dir sync error for %s: %v", clean, syncErr)
		}
		_ = dir.Close()
	}

	return nil
}

// Reinterpret re-encodes a loosely-typed value (typically a map[string]any
// produced by decoding JSON into an `any` field) into the concrete type T via
// a JSON round-trip. Used when a file's wire format mixes dynamic and static
// shapes, such as the failed-items [[id, FailedEntry], ...] pairs.
func Reinterpret[T any](v any) (value T, ok bool, err error) {
	data, err := json.Marshal(v)
	if err != nil {
		return value, false, err
	}
	if err := json.Unmarshal(data, &value); err != nil {
		return value, false, err
	}
	return value, true, nil
}

// quarantinePath формирует имя карантинного файла для повреждённого source.
func quarantinePath(path string) string {
	return fmt.Sprintf("%s.corrupt.%d", path, time.Now().UnixMilli())
}
