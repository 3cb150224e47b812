// pack.go — репозиторий аудит-пакетов.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/arturkryukov/proofstore/internal/domain/model"
)

const packColumns = `id, job_id, generated_at, evidence_count, pack_hash,
	downloaded_at, shared_with, created_at`

// PackRepository — доступ к записям аудит-пакетов.
// Пакет создаётся один раз; после создания меняются только маркеры
// жизненного цикла (downloaded_at, shared_with), на pack_hash они
// не влияют. Повторная генерация — всегда новая запись.
type PackRepository interface {
	// Create сохраняет новый пакет.
	Create(ctx context.Context, pack *model.AuditPack) error
	// GetByID возвращает пакет по id или ErrNotFound.
	GetByID(ctx context.Context, id string) (*model.AuditPack, error)
	// ListByJob возвращает пакеты наряда, новые первыми.
	ListByJob(ctx context.Context, jobID string) ([]*model.AuditPack, error)
	// MarkDownloaded фиксирует момент первого скачивания (set-once).
	MarkDownloaded(ctx context.Context, id string, at time.Time) error
	// AddSharedWith добавляет получателя в список shared_with.
	AddSharedWith(ctx context.Context, id, recipient string) error
}

// packRepo — реализация PackRepository через pgx.
type packRepo struct {
	db DBTX
}

// NewPackRepository создаёт репозиторий пакетов.
func NewPackRepository(db DBTX) PackRepository {
	return &packRepo{db: db}
}

func (r *packRepo) Create(ctx context.Context, pack *model.AuditPack) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO audit_packs
		 (id, job_id, generated_at, evidence_count, pack_hash, downloaded_at, shared_with, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		pack.ID, pack.JobID, pack.GeneratedAt, pack.EvidenceCount,
		pack.PackHash, pack.DownloadedAt, pack.SharedWith, pack.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("ошибка создания пакета: %w", err)
	}
	return nil
}

func (r *packRepo) GetByID(ctx context.Context, id string) (*model.AuditPack, error) {
	query := fmt.Sprintf(`SELECT %s FROM audit_packs WHERE id = $1`, packColumns)

	pack, err := scanPack(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения пакета: %w", err)
	}
	return pack, nil
}

func (r *packRepo) ListByJob(ctx context.Context, jobID string) ([]*model.AuditPack, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM audit_packs WHERE job_id = $1 ORDER BY created_at DESC`, packColumns)

	rows, err := r.db.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки пакетов: %w", err)
	}
	defer rows.Close()

	var packs []*model.AuditPack
	for rows.Next() {
		pack, err := scanPack(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения строки пакета: %w", err)
		}
		packs = append(packs, pack)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации пакетов: %w", err)
	}
	return packs, nil
}

// MarkDownloaded выставляет downloaded_at только если он ещё пуст.
func (r *packRepo) MarkDownloaded(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE audit_packs SET downloaded_at = $2
		 WHERE id = $1 AND downloaded_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("ошибка обновления downloaded_at: %w", err)
	}
	// 0 строк: пакета нет либо маркер уже выставлен — оба случая не ошибка
	// скачивания, но отсутствие пакета отличаем.
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *packRepo) AddSharedWith(ctx context.Context, id, recipient string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE audit_packs SET shared_with = array_append(shared_with, $2)
		 WHERE id = $1 AND NOT ($2 = ANY(coalesce(shared_with, '{}')))`, id, recipient)
	if err != nil {
		return fmt.Errorf("ошибка обновления shared_with: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// scanPack читает одну строку в модель.
func scanPack(row pgx.Row) (*model.AuditPack, error) {
	var pack model.AuditPack
	err := row.Scan(
		&pack.ID, &pack.JobID, &pack.GeneratedAt, &pack.EvidenceCount,
		&pack.PackHash, &pack.DownloadedAt, &pack.SharedWith, &pack.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &pack, nil
}
