// Package progress реализует многоподписчиковую рассылку событий прогресса
// очереди эмбеддингов (§4.2). Подписка возвращает функцию отписки; сбой одного
// подписчика не должен останавливать рассылку остальным — паника в колбэке
// перехватывается и логируется, как и в доменных обработчиках очереди уведомлений
// у того же приложения.
package progress

import (
	"sync"

	"embedding-queue/internal/domain/embedding"
	"embedding-queue/internal/infra/logger"
)

// Callback получает каждое опубликованное событие прогресса.
type Callback func(event embedding.ProgressEvent)

// Unsubscribe отменяет подписку, зарегистрированную через Tracker.Subscribe.
// Безопасна для повторного вызова (no-op после первого).
type Unsubscribe func()

// Tracker хранит активных подписчиков и рассылает им события. Потокобезопасен:
// Subscribe/Notify/Clear могут вызываться из разных горутин одновременно.
type Tracker struct {
	mu          sync.Mutex
	subscribers map[int]Callback
	nextID      int
}

// New создаёт пустой трекер прогресса.
func New() *Tracker {
	return &Tracker{subscribers: make(map[int]Callback)}
}

// Subscribe регистрирует cb и возвращает функцию отписки.
func (t *Tracker) Subscribe(cb Callback) Unsubscribe {
	if cb == nil {
		return func() {}
	}

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subscribers[id] = cb
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subscribers, id)
			t.mu.Unlock()
		})
	}
}

// Notify рассылает event всем текущим подписчикам. Снимок списка подписчиков
// берётся под локом и затем вызывается вне критической секции, чтобы колбэк не
// мог заблокировать Subscribe/Clear другого вызывающего.
func (t *Tracker) Notify(event embedding.ProgressEvent) {
	t.mu.Lock()
	cbs := make([]Callback, 0, len(t.subscribers))
	for _, cb := range t.subscribers {
		cbs = append(cbs, cb)
	}
	t.mu.Unlock()

	for _, cb := range cbs {
		invoke(cb, event)
	}
}

// invoke вызывает cb, перехватывая панику, чтобы один сбойный подписчик не
// уронил рассылку остальным и не обрушил вызывающую горутину (обычно flush).
func invoke(cb Callback, event embedding.ProgressEvent) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("progress subscriber panicked: %v", r)
		}
	}()
	cb(event)
}

// Clear отписывает всех подписчиков. Вызывается при shutdown().
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.subscribers = make(map[int]Callback)
	t.mu.Unlock()
}

// Len возвращает число активных подписчиков (для тестов/диагностики).
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscribers)
}
