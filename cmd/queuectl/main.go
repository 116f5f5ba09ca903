// Package main — точка входа CLI для процесса очереди эмбеддингов.
// Здесь парсим флаги, загружаем конфигурацию, настраиваем логирование и
// организуем корректное завершение по системным сигналам (Ctrl+C/SIGTERM).
// Главная задача: инициализировать App и отдать ему управление, обеспечив
// graceful shutdown.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"embedding-queue/internal/app"
	"embedding-queue/internal/infra/concurrency"
	"embedding-queue/internal/infra/config"
	"embedding-queue/internal/infra/logger"
	"embedding-queue/internal/infra/pr"
)

// main поднимает окружение, стартует приложение и блокируется до завершения.
// Порядок:
//  1. bootstrap: stdout/stderr → pr, базовый log с префиксом времени,
//  2. flags/env: путь к .env,
//  3. config: загрузка и предупреждения,
//  4. logger: уровень и перенаправление вывода в pr,
//  5. signals: контекст с отменой по Ctrl+C/SIGTERM (stop обязателен к вызову),
//  6. app: Init(ctx, stop) и Run().
func main() {
	log.SetFlags(0)
	log.SetPrefix(time.Now().Format("2006-01-02 15:04:05 "))
	if err := pr.Init(); err != nil {
		log.Fatalf("failed to assign stdout and stderr: %v", err)
	}

	envPath := flag.String("env", ".env", "path to .env file")
	maxRuntime := flag.Int("max-runtime", 0, "seconds after which the process shuts down gracefully (0 = run indefinitely)")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.Init(config.Env().LogLevel)
	logger.SetWriters(pr.Stdout(), pr.Stderr())
	logger.SetFileOutput(config.Env().LogFile)
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	if err := concurrency.StartTimeoutTimer(ctx, *maxRuntime, stop); err != nil {
		log.Fatalf("failed to start max-runtime timer: %v", err)
	}

	a := app.NewApp()
	if err := a.Init(ctx, stop); err != nil {
		stop()
		log.Fatalf("app init failed: %v", err)
	}

	if err := a.Run(); err != nil {
		stop()
		log.Fatalf("app run failed: %v", err)
	}
	stop()
	log.Println("Graceful shutdown complete")
}
