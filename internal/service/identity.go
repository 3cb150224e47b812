// identity.go — кэш записей работников поверх репозитория.
//
// Каждый приём доказательства резолвит sub из JWT в запись работника;
// горячий путь закрывается LRU-кэшем с TTL, чтобы не ходить в базу
// на каждый запрос.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/arturkryukov/proofstore/internal/repository"
)

// identityCacheSize — размер LRU-кэша работников.
const identityCacheSize = 1024

// IdentityService — резолв sub из JWT в запись работника.
type IdentityService struct {
	workers repository.WorkerRepository
	cache   *expirable.LRU[string, *repository.WorkerRecord]
	logger  *slog.Logger
}

// NewIdentityService создаёт сервис идентичности.
// ttl — время жизни записи в кэше (0 — без истечения).
func NewIdentityService(workers repository.WorkerRepository, ttl time.Duration, logger *slog.Logger) *IdentityService {
	return &IdentityService{
		workers: workers,
		cache:   expirable.NewLRU[string, *repository.WorkerRecord](identityCacheSize, nil, ttl),
		logger:  logger.With(slog.String("component", "identity")),
	}
}

// Resolve возвращает запись работника по subject, создавая её при
// первом появлении.
func (s *IdentityService) Resolve(ctx context.Context, subject, displayName string) (*repository.WorkerRecord, error) {
	if subject == "" {
		return nil, fmt.Errorf("пустой subject")
	}

	if record, ok := s.cache.Get(subject); ok {
		return record, nil
	}

	record, err := s.workers.Ensure(ctx, subject, displayName)
	if err != nil {
		return nil, fmt.Errorf("ошибка резолва работника: %w", err)
	}

	s.cache.Add(subject, record)
	s.logger.Debug("Работник закэширован",
		slog.String("subject", subject),
		slog.String("worker_id", record.ID),
	)
	return record, nil
}

// Invalidate сбрасывает запись из кэша.
func (s *IdentityService) Invalidate(subject string) {
	s.cache.Remove(subject)
}
