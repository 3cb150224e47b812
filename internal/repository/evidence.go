// evidence.go — репозиторий записей доказательств.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/arturkryukov/proofstore/internal/domain/model"
)

// evidenceColumns — список столбцов таблицы evidence для SELECT-запросов.
// DRY: одно место для всех SELECT'ов.
const evidenceColumns = `id, task_id, job_id, photo_ref, photo_size, captured_at,
	worker_id, stage, latitude, longitude, gps_accuracy_meters,
	content_hash, notes`

// EvidenceRepository — доступ к записям доказательств.
// Намеренно нет ListByJob: реестр не делает составных запросов через
// задачи, fan-out выполняет сервисный слой.
type EvidenceRepository interface {
	// Create сохраняет новую запись доказательства.
	Create(ctx context.Context, item *model.EvidenceItem) error
	// GetByID возвращает запись по id или ErrNotFound.
	GetByID(ctx context.Context, id string) (*model.EvidenceItem, error)
	// ListByTask возвращает все доказательства задачи.
	ListByTask(ctx context.Context, taskID string) ([]*model.EvidenceItem, error)
	// UpdateNotes обновляет мягкое поле заметки (в хэш не входит).
	UpdateNotes(ctx context.Context, id, notes string) error
}

// evidenceRepo — реализация EvidenceRepository через pgx.
type evidenceRepo struct {
	db DBTX
}

// NewEvidenceRepository создаёт репозиторий доказательств.
func NewEvidenceRepository(db DBTX) EvidenceRepository {
	return &evidenceRepo{db: db}
}

// Create сохраняет запись доказательства. Поля sync-машины агента
// (sync_status, retry_count) на сервер не попадают: запись в реестре
// по определению подтверждена.
func (r *evidenceRepo) Create(ctx context.Context, item *model.EvidenceItem) error {
	query := `INSERT INTO evidence
		(id, task_id, job_id, photo_ref, photo_size, captured_at, worker_id,
		 stage, latitude, longitude, gps_accuracy_meters, content_hash, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())`

	_, err := r.db.Exec(ctx, query,
		item.ID, item.TaskID, item.JobID, item.PhotoRef, item.PhotoSize,
		item.CapturedAt, item.WorkerID, string(item.Stage),
		item.Latitude, item.Longitude, item.GPSAccuracyMeters,
		item.ContentHash, item.Notes,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("ошибка создания записи доказательства: %w", err)
	}
	return nil
}

// GetByID возвращает запись по id или ErrNotFound.
func (r *evidenceRepo) GetByID(ctx context.Context, id string) (*model.EvidenceItem, error) {
	query := fmt.Sprintf(`SELECT %s FROM evidence WHERE id = $1`, evidenceColumns)

	item, err := scanEvidence(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения доказательства: %w", err)
	}
	return item, nil
}

// ListByTask возвращает доказательства задачи, старые первыми.
func (r *evidenceRepo) ListByTask(ctx context.Context, taskID string) ([]*model.EvidenceItem, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM evidence WHERE task_id = $1 ORDER BY captured_at`, evidenceColumns)

	rows, err := r.db.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки доказательств задачи: %w", err)
	}
	defer rows.Close()

	var items []*model.EvidenceItem
	for rows.Next() {
		item, err := scanEvidence(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения строки доказательства: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации доказательств: %w", err)
	}
	return items, nil
}

// UpdateNotes обновляет заметку. Поля целостности не трогаются.
func (r *evidenceRepo) UpdateNotes(ctx context.Context, id, notes string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE evidence SET notes = $2 WHERE id = $1`, id, notes)
	if err != nil {
		return fmt.Errorf("ошибка обновления заметки: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanEvidence читает одну строку в модель.
func scanEvidence(row pgx.Row) (*model.EvidenceItem, error) {
	var (
		item  model.EvidenceItem
		stage string
	)
	err := row.Scan(
		&item.ID, &item.TaskID, &item.JobID, &item.PhotoRef, &item.PhotoSize,
		&item.CapturedAt, &item.WorkerID, &stage,
		&item.Latitude, &item.Longitude, &item.GPSAccuracyMeters,
		&item.ContentHash, &item.Notes,
	)
	if err != nil {
		return nil, err
	}
	item.Stage = model.CaptureStage(stage)
	item.SyncStatus = model.SyncDone
	return &item, nil
}
