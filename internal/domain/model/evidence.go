// Пакет model — доменные модели ProofStore.
// EvidenceItem — единица доказательной базы: фотография плюс
// неизменяемые метаданные момента съёмки. Структура используется
// как in-memory представление, как формат item.json в очереди
// агента и как запись в реестре сервера.
package model

import (
	"time"
)

// SyncStatus — статус синхронизации элемента в очереди агента.
type SyncStatus string

const (
	// SyncPending — ожидает отправки на сервер
	SyncPending SyncStatus = "pending"
	// SyncInFlight — захвачен sync-движком, отправка выполняется
	SyncInFlight SyncStatus = "syncing"
	// SyncDone — подтверждён сервером
	SyncDone SyncStatus = "synced"
	// SyncFailed — отправка не удалась (ожидает ручного retry)
	SyncFailed SyncStatus = "failed"
)

// CaptureStage — этап работ, на котором сделан снимок.
type CaptureStage string

const (
	// StageBefore — до начала работ
	StageBefore CaptureStage = "before"
	// StageDuring — в процессе работ
	StageDuring CaptureStage = "during"
	// StageAfter — после завершения работ
	StageAfter CaptureStage = "after"
)

// ValidStage проверяет допустимость значения этапа.
func ValidStage(s CaptureStage) bool {
	switch s {
	case StageBefore, StageDuring, StageAfter:
		return true
	}
	return false
}

// EvidenceItem — доказательство: одна фотография и её proof-метаданные.
//
// Поля CapturedAt, WorkerID и содержимое фотографии фиксируются один раз
// в момент съёмки и больше не меняются — ContentHash вычисляется ровно
// один раз над этой тройкой. Для собственной записи хэш никогда не
// перевычисляется; независимое перевычисление выполняет только
// VerificationService при проверке.
type EvidenceItem struct {
	// ID — уникальный идентификатор (UUID v4), присваивается при съёмке
	ID string `json:"id"`

	// TaskID — задача, к которой относится снимок
	TaskID string `json:"task_id"`

	// JobID — наряд (объект работ); доказательство транзитивно
	// принадлежит ровно одному наряду
	JobID string `json:"job_id"`

	// PhotoRef — ссылка на объект фотографии на сервере.
	// Пустая, пока элемент лежит в локальной очереди (байты хранятся
	// рядом в {id}.photo.bin); после синхронизации — storage path.
	PhotoRef string `json:"photo_ref,omitempty"`

	// PhotoSize — размер фотографии в байтах
	PhotoSize int64 `json:"photo_size"`

	// CapturedAt — время съёмки по часам устройства (RFC3339, UTC).
	// Хранится строкой: хэшируется побайтно, любая нормализация
	// формата сломала бы детерминизм.
	CapturedAt string `json:"captured_at"`

	// WorkerID — идентификатор снявшего работника
	WorkerID string `json:"worker_id"`

	// Stage — этап работ (before/during/after)
	Stage CaptureStage `json:"stage"`

	// Latitude, Longitude — координаты съёмки. nil, если устройство
	// не получило GPS-fix.
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`

	// GPSAccuracyMeters — точность фикса в метрах (опционально)
	GPSAccuracyMeters *float64 `json:"gps_accuracy_meters,omitempty"`

	// ContentHash — SHA-256 над (байты фото, CapturedAt, WorkerID).
	// Вычисляется при съёмке, неизменен.
	ContentHash string `json:"content_hash"`

	// SyncStatus — состояние машины синхронизации
	SyncStatus SyncStatus `json:"sync_status"`

	// RetryCount — количество неудачных попыток отправки
	RetryCount int `json:"retry_count"`

	// LastError — текст последней ошибки отправки (диагностика)
	LastError string `json:"last_error,omitempty"`

	// EnqueuedAt — время постановки в очередь агента (UTC)
	EnqueuedAt time.Time `json:"enqueued_at"`

	// Notes — отображаемая заметка. Мягкое поле: можно менять после
	// синхронизации, в хэш не входит.
	Notes string `json:"notes,omitempty"`
}

// HasCoordinates проверяет наличие полного GPS-фикса.
func (e *EvidenceItem) HasCoordinates() bool {
	return e.Latitude != nil && e.Longitude != nil
}

// IsPending проверяет, что элемент ожидает отправки.
func (e *EvidenceItem) IsPending() bool {
	return e.SyncStatus == SyncPending
}

// Job — наряд: объект работ, которому принадлежат задачи и доказательства.
type Job struct {
	// ID — уникальный идентификатор наряда (UUID v4)
	ID string `json:"id"`
	// Title — название наряда, входит в pack hash
	Title string `json:"title"`
	// OwnerID — работник-владелец наряда
	OwnerID string `json:"owner_id"`
	// Reference — внешний номер наряда (опционально)
	Reference string `json:"reference,omitempty"`
	// CreatedAt — время создания записи (UTC)
	CreatedAt time.Time `json:"created_at"`
}

// Task — задача внутри наряда.
type Task struct {
	// ID — уникальный идентификатор задачи (UUID v4)
	ID string `json:"id"`
	// JobID — наряд, которому принадлежит задача
	JobID string `json:"job_id"`
	// Name — название задачи
	Name string `json:"name"`
	// CreatedAt — время создания записи (UTC)
	CreatedAt time.Time `json:"created_at"`
}
