// worker.go — репозиторий записей работников.
// Маппинг subject из JWT → запись работника. Горячий путь (каждая
// загрузка доказательства) закрывается TTL-кэшем в сервисном слое,
// не глобальным состоянием.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// WorkerRecord — запись работника в реестре.
type WorkerRecord struct {
	// ID — внутренний идентификатор записи (UUID v4)
	ID string
	// Subject — sub из JWT (внешняя идентичность)
	Subject string
	// DisplayName — отображаемое имя (опционально)
	DisplayName string
	// CreatedAt — время создания записи (UTC)
	CreatedAt time.Time
}

// WorkerRepository — доступ к записям работников.
type WorkerRepository interface {
	// GetBySubject возвращает запись по subject или ErrNotFound.
	GetBySubject(ctx context.Context, subject string) (*WorkerRecord, error)
	// Ensure возвращает запись по subject, создавая её при отсутствии.
	Ensure(ctx context.Context, subject, displayName string) (*WorkerRecord, error)
}

// workerRepo — реализация WorkerRepository через pgx.
type workerRepo struct {
	db DBTX
}

// NewWorkerRepository создаёт репозиторий работников.
func NewWorkerRepository(db DBTX) WorkerRepository {
	return &workerRepo{db: db}
}

func (r *workerRepo) GetBySubject(ctx context.Context, subject string) (*WorkerRecord, error) {
	var w WorkerRecord
	err := r.db.QueryRow(ctx,
		`SELECT id, subject, display_name, created_at FROM workers WHERE subject = $1`,
		subject,
	).Scan(&w.ID, &w.Subject, &w.DisplayName, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения работника: %w", err)
	}
	return &w, nil
}

// Ensure создаёт запись при первом появлении subject.
// Гонка двух конкурентных Ensure разрешается unique-индексом:
// проигравший перечитывает созданную запись.
func (r *workerRepo) Ensure(ctx context.Context, subject, displayName string) (*WorkerRecord, error) {
	existing, err := r.GetBySubject(ctx, subject)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	w := &WorkerRecord{
		ID:          uuid.New().String(),
		Subject:     subject,
		DisplayName: displayName,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO workers (id, subject, display_name, created_at)
		 VALUES ($1, $2, $3, $4)`,
		w.ID, w.Subject, w.DisplayName, w.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return r.GetBySubject(ctx, subject)
		}
		return nil, fmt.Errorf("ошибка создания работника: %w", err)
	}
	return w, nil
}
