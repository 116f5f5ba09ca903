package embedding

import "time"

// FailedEntry — запись о неудачной попытке upsert для конкретного элемента.
// Хранится в failed_items до тех пор, пока RetryCount не превысит
// ITEM_MAX_RETRIES, после чего запись демотируется в dead-letter очередь.
type FailedEntry struct {
	Item        Item      `json:"item"`
	RetryCount  int       `json:"retry_count"`
	LastAttempt time.Time `json:"last_attempt"`
	Error       string    `json:"error"`
}

// Clone возвращает независимую копию записи (включая элемент).
func (f FailedEntry) Clone() FailedEntry {
	out := f
	out.Item = f.Item.Clone()
	return out
}

// DeadLetterEntry — терминальная запись об элементе, чьё количество попыток
// превысило ITEM_MAX_RETRIES. Только для чтения с момента создания; удаляется
// только вручную (retry/clear) либо при превышении MAX_DEAD_LETTER_SIZE.
type DeadLetterEntry struct {
	Item       Item      `json:"item"`
	Error      string    `json:"error"`
	RetryCount int       `json:"retry_count"`
	FailedAt   time.Time `json:"failed_at"`
	ItemID     string    `json:"item_id"`
	ItemType   string    `json:"item_type"` // "file" | "folder"
}

// Clone возвращает независимую копию записи.
func (d DeadLetterEntry) Clone() DeadLetterEntry {
	out := d
	out.Item = d.Item.Clone()
	return out
}

// NewDeadLetterEntry строит запись dead-letter из записи о неудаче.
func NewDeadLetterEntry(f FailedEntry, failedAt time.Time) DeadLetterEntry {
	return DeadLetterEntry{
		Item:       f.Item.Clone(),
		Error:      f.Error,
		RetryCount: f.RetryCount,
		FailedAt:   failedAt,
		ItemID:     f.Item.ID,
		ItemType:   f.Item.Kind().String(),
	}
}
