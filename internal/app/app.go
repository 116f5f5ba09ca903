// Package app — верхний уровень сборки и инициализации процесса очереди
// эмбеддингов. Здесь связываются конфигурация, вектор-хранилище, реестр
// стадий (internal/manager) и операторская консоль. Отсюда стартует цикл
// обработки и обеспечивается корректный graceful shutdown — тот же каркас,
// что и в исходном приложении-учителе, перенесённый на новый домен.
package app

import (
	"context"
	"fmt"

	"embedding-queue/internal/adapters/cli"
	"embedding-queue/internal/infra/config"
	"embedding-queue/internal/infra/logger"
	"embedding-queue/internal/infra/storage"
	"embedding-queue/internal/manager"
	"embedding-queue/internal/vectorstore"
)

// analysisStage — имя обязательной стадии очереди, всегда регистрируемой
// первой; дополнительные стадии (§4.6) добавляются из STAGE_NAMES.
const analysisStage = "analysis"

// App агрегирует зависимости процесса и управляет их связью.
type App struct {
	mgr       *manager.Manager
	throttled *vectorstore.Throttled
	cliSvc    *cli.Service

	ctx  context.Context
	stop context.CancelFunc
}

// NewApp создаёт пустой каркас приложения. Фактическая инициализация
// выполняется в Init().
func NewApp() *App {
	return &App{}
}

// Init связывает компоненты приложения и подготавливает их к запуску:
//  1. готовит директорию данных;
//  2. конструирует вектор-хранилище (опционально — с ограничением скорости);
//  3. поднимает реестр стадий и регистрирует "analysis" плюс STAGE_NAMES;
//  4. конструирует операторскую консоль.
//
// Логгер и консольный вывод настраиваются вызывающим кодом до Init.
func (a *App) Init(ctx context.Context, stop context.CancelFunc) error {
	a.ctx = ctx
	a.stop = stop

	logger.Info("embedding queue initializing...")
	env := config.Env()

	if err := storage.EnsureDir(env.DataDir + "/placeholder"); err != nil {
		return fmt.Errorf("ensure data dir: %w", err)
	}

	var store vectorstore.Store = vectorstore.NewFake()
	if env.EmbeddingRateLimitRPS > 0 {
		a.throttled = vectorstore.NewThrottled(ctx, store, env.EmbeddingRateLimitRPS, env.MaxRetryCount)
		store = a.throttled
	}

	mgr, err := manager.New(store, env.StageRegistryDBFile)
	if err != nil {
		return fmt.Errorf("init stage manager: %w", err)
	}
	a.mgr = mgr

	if _, err := mgr.Register(analysisStage, env.QueueConfig(config.StageOverride{Name: analysisStage})); err != nil {
		return fmt.Errorf("register stage %q: %w", analysisStage, err)
	}
	for _, name := range env.ExtraStages {
		if _, err := mgr.Register(name, env.QueueConfig(config.StageOverride{Name: name})); err != nil {
			return fmt.Errorf("register stage %q: %w", name, err)
		}
	}

	a.cliSvc = cli.NewService(mgr, stop)

	return nil
}

// Run starts every registered stage queue, the operator console, and blocks
// until the process context is cancelled, then performs an orderly shutdown.
func (a *App) Run() error {
	if err := a.mgr.StartAll(); err != nil {
		return fmt.Errorf("start stages: %w", err)
	}
	a.cliSvc.Start(a.ctx)

	<-a.ctx.Done()
	logger.Info("embedding queue shutting down...")

	a.cliSvc.Stop()
	if a.throttled != nil {
		a.throttled.Stop()
	}
	if err := a.mgr.Shutdown(); err != nil {
		return fmt.Errorf("shutdown stages: %w", err)
	}
	return nil
}
