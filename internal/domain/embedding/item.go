// Package embedding описывает доменные сущности очереди записи эмбеддингов:
// элемент очереди, запись о неудаче, запись «мёртвой буквы» и событие прогресса.
// Пакет не содержит логики очереди — только данные и их инварианты.
package embedding

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Kind — тип элемента, определяемый префиксом его идентификатора.
type Kind int

const (
	// KindUnknown — идентификатор не соответствует ни одному известному префиксу.
	KindUnknown Kind = iota
	// KindFile — элемент с префиксом "file:", маршрутизируется в file-upsert.
	KindFile
	// KindImage — элемент с префиксом "image:", маршрутизируется туда же, что и file.
	KindImage
	// KindFolder — элемент с префиксом "folder:", маршрутизируется в folder-upsert.
	KindFolder
)

const (
	prefixFile   = "file:"
	prefixImage  = "image:"
	prefixFolder = "folder:"
)

// String возвращает читаемое имя вида элемента, используемое в dead-letter записях
// (item_type ∈ {file, folder}).
func (k Kind) String() string {
	switch k {
	case KindFile, KindImage:
		return "file"
	case KindFolder:
		return "folder"
	default:
		return "unknown"
	}
}

// KindOf определяет вид элемента по префиксу идентификатора.
func KindOf(id string) Kind {
	switch {
	case strings.HasPrefix(id, prefixFile):
		return KindFile
	case strings.HasPrefix(id, prefixImage):
		return KindImage
	case strings.HasPrefix(id, prefixFolder):
		return KindFolder
	default:
		return KindUnknown
	}
}

// IsFolder сообщает, маршрутизируется ли идентификатор в folder-upsert.
func IsFolder(id string) bool {
	return strings.HasPrefix(id, prefixFolder)
}

// Item — элемент очереди эмбеддингов.
//
// Meta хранит произвольные атрибуты (name, path, file_size, analysis, type,
// smart_folder, smart_folder_path, …) и не валидируется на этом уровне —
// потребитель (file/folder upsert) читает из неё то, что ему нужно.
type Item struct {
	ID        string         `json:"id"`
	Vector    []float64      `json:"vector"`
	Model     string         `json:"model"`
	UpdatedAt time.Time      `json:"updated_at"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Kind возвращает вид элемента по его идентификатору.
func (it Item) Kind() Kind {
	return KindOf(it.ID)
}

// Clone возвращает глубокую копию элемента: отдельный срез вектора и отдельную
// карту meta, чтобы снапшот очереди и изменяемый оригинал не делили память.
func (it Item) Clone() Item {
	out := it
	if it.Vector != nil {
		out.Vector = append([]float64(nil), it.Vector...)
	}
	if it.Meta != nil {
		out.Meta = make(map[string]any, len(it.Meta))
		for k, v := range it.Meta {
			out.Meta[k] = v
		}
	}
	return out
}

// MetaString возвращает строковое значение ключа meta либо пустую строку.
func (it Item) MetaString(key string) string {
	if it.Meta == nil {
		return ""
	}
	v, ok := it.Meta[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Validate проверяет инварианты элемента перед постановкой в очередь:
// непустой id, непустой вектор, все элементы вектора — конечные числа.
// Возвращаемая ошибка соответствует одному из кодов §7: ErrInvalidItem,
// ErrInvalidVectorFormat, ErrInvalidVectorValues.
func (it Item) Validate() error {
	if strings.TrimSpace(it.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidItem)
	}
	if len(it.Vector) == 0 {
		return fmt.Errorf("%w: empty vector for %s", ErrInvalidVectorFormat, it.ID)
	}
	for i, v := range it.Vector {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value at index %d for %s", ErrInvalidVectorValues, i, it.ID)
		}
	}
	return nil
}
