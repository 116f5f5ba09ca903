// Package clock даёт единую точку доступа к текущему времени процесса,
// привязанную к часовому поясу из конфигурации (TZ), а не к системной
// таймзоне хоста — так все временные метки в логах, progress-событиях и
// файлах состояния остаются согласованными независимо от окружения запуска.
package clock

import (
	"time"

	"embedding-queue/internal/infra/config"
)

// Now возвращает текущее время в таймзоне приложения.
func Now() time.Time {
	return time.Now().In(config.Env().AppLocation)
}
