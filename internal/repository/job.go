// job.go — репозиторий нарядов и задач.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/arturkryukov/proofstore/internal/domain/model"
)

// JobRepository — доступ к записям нарядов.
type JobRepository interface {
	// Create сохраняет новый наряд.
	Create(ctx context.Context, job *model.Job) error
	// GetByID возвращает наряд по id или ErrNotFound.
	GetByID(ctx context.Context, id string) (*model.Job, error)
	// ListByOwner возвращает наряды работника, новые первыми.
	ListByOwner(ctx context.Context, ownerID string) ([]*model.Job, error)
}

// TaskRepository — доступ к записям задач.
type TaskRepository interface {
	// Create сохраняет новую задачу.
	Create(ctx context.Context, task *model.Task) error
	// GetByID возвращает задачу по id или ErrNotFound.
	GetByID(ctx context.Context, id string) (*model.Task, error)
	// ListByJob возвращает задачи наряда.
	ListByJob(ctx context.Context, jobID string) ([]*model.Task, error)
}

// jobRepo — реализация JobRepository через pgx.
type jobRepo struct {
	db DBTX
}

// NewJobRepository создаёт репозиторий нарядов.
func NewJobRepository(db DBTX) JobRepository {
	return &jobRepo{db: db}
}

func (r *jobRepo) Create(ctx context.Context, job *model.Job) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO jobs (id, title, owner_id, reference, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		job.ID, job.Title, job.OwnerID, job.Reference, job.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("ошибка создания наряда: %w", err)
	}
	return nil
}

func (r *jobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	err := r.db.QueryRow(ctx,
		`SELECT id, title, owner_id, reference, created_at FROM jobs WHERE id = $1`, id,
	).Scan(&job.ID, &job.Title, &job.OwnerID, &job.Reference, &job.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения наряда: %w", err)
	}
	return &job, nil
}

func (r *jobRepo) ListByOwner(ctx context.Context, ownerID string) ([]*model.Job, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, title, owner_id, reference, created_at FROM jobs
		 WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки нарядов: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		var job model.Job
		if err := rows.Scan(&job.ID, &job.Title, &job.OwnerID, &job.Reference, &job.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка чтения строки наряда: %w", err)
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации нарядов: %w", err)
	}
	return jobs, nil
}

// taskRepo — реализация TaskRepository через pgx.
type taskRepo struct {
	db DBTX
}

// NewTaskRepository создаёт репозиторий задач.
func NewTaskRepository(db DBTX) TaskRepository {
	return &taskRepo{db: db}
}

func (r *taskRepo) Create(ctx context.Context, task *model.Task) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO tasks (id, job_id, name, created_at) VALUES ($1, $2, $3, $4)`,
		task.ID, task.JobID, task.Name, task.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("ошибка создания задачи: %w", err)
	}
	return nil
}

func (r *taskRepo) GetByID(ctx context.Context, id string) (*model.Task, error) {
	var task model.Task
	err := r.db.QueryRow(ctx,
		`SELECT id, job_id, name, created_at FROM tasks WHERE id = $1`, id,
	).Scan(&task.ID, &task.JobID, &task.Name, &task.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения задачи: %w", err)
	}
	return &task, nil
}

func (r *taskRepo) ListByJob(ctx context.Context, jobID string) ([]*model.Task, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, job_id, name, created_at FROM tasks
		 WHERE job_id = $1 ORDER BY created_at`, jobID)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки задач: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		var task model.Task
		if err := rows.Scan(&task.ID, &task.JobID, &task.Name, &task.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка чтения строки задачи: %w", err)
		}
		tasks = append(tasks, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации задач: %w", err)
	}
	return tasks, nil
}
