package embedding

import "errors"

// Ошибки перечисления §7: поверхность для errors.Is на границе enqueue/flush.
// Это не типы ошибок, а именованные "коды" — ровно то, что описывает спецификация
// ошибок (ошибка-состояние, а не структура с полями).
var (
	// ErrShuttingDown возвращается enqueue после вызова shutdown().
	ErrShuttingDown = errors.New("shutting_down")
	// ErrInvalidItem — у элемента пустой id. Отсутствующий (nil) или пустой вектор
	// сообщается как ErrInvalidVectorFormat.
	ErrInvalidItem = errors.New("invalid_item")
	// ErrInvalidVectorFormat — вектор пуст или не является последовательностью чисел.
	ErrInvalidVectorFormat = errors.New("invalid_vector_format")
	// ErrInvalidVectorValues — в векторе присутствует не конечное значение (NaN/±Inf).
	ErrInvalidVectorValues = errors.New("invalid_vector_values")
	// ErrQueueOverflow — очередь достигла MAX_QUEUE_SIZE; элемент перенаправлен в failed map.
	ErrQueueOverflow = errors.New("queue_overflow")
)
