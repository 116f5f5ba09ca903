// Package flushmutex реализует мьютекс захвата флаша с ограниченным временем
// ожидания и принудительным освобождением по таймауту (§4.5, §9: "chained
// promise mutex with force-release guard"). В Go цепочку promise-ов заменяет
// буферизированный канал ёмкости 1, исполняющий роль единственного токена
// владения; Acquire состязается с таймером через select, а Release идемпотентен
// благодаря guard-флагу, так что обычное завершение flush'а не конфликтует с
// уже сработавшим принудительным освобождением.
package flushmutex

import (
	"context"
	"sync/atomic"
	"time"

	"embedding-queue/internal/infra/logger"
)

// Mutex сериализует выполнение flush() и ограничивает время ожидания владения
// токеном, чтобы зависший держатель не заблокировал очередь навсегда.
type Mutex struct {
	token chan struct{}
}

// New создаёт освобождённый мьютекс.
func New() *Mutex {
	m := &Mutex{token: make(chan struct{}, 1)}
	m.token <- struct{}{}
	return m
}

// Release возвращает токен владения ровно один раз, что бы ни случилось.
// Повторные вызовы после успешного освобождения — no-op.
type Release func()

// Acquire ждёт токен владения не дольше timeout (MUTEX_ACQUIRE). При истечении
// таймаута мьютекс принудительно освобождается (force-release): держатель,
// который впоследствии всё же вызовет свой Release, увидит guard уже
// сработавшим и ничего не сломает. Возвращает ok=false при таймауте (токен
// принудительно возвращён в канал, но этому вызывающему не выдаётся) и при
// отмене ctx раньше таймера.
func (m *Mutex) Acquire(ctx context.Context, timeout time.Duration) (release Release, ok bool) {
	var released int32

	makeRelease := func() Release {
		return func() {
			if atomic.CompareAndSwapInt32(&released, 0, 1) {
				select {
				case m.token <- struct{}{}:
				default:
					// Токен уже лежит в канале (форс-релиз случился раньше) — не блокируемся.
				}
			}
		}
	}

	select {
	case <-m.token:
		return makeRelease(), true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-m.token:
		return makeRelease(), true
	case <-timer.C:
		logger.Errorf("flushmutex: acquire timed out after %s, forcing release", timeout)
		// Принудительный релиз: кладём токен обратно, не дожидаясь исходного
		// держателя. Guard-флаг released защищает от двойной отдачи, если тот
		// держатель тоже впоследствии вызовет свой Release.
		select {
		case m.token <- struct{}{}:
		default:
		}
		return makeRelease(), false
	case <-ctx.Done():
		return func() {}, false
	}
}
