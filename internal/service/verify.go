// verify.go — сервис независимой проверки аудит-пакетов.
//
// Проверка не доверяет сохранённым хэшам записей: байты снимков
// перечитываются из хранилища, хэши перевычисляются с нуля и только
// затем сравниваются с зафиксированными. Хэш пакета перевычисляется
// из перевычисленных хэшей записей.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/proofstore/internal/domain/model"
	"github.com/arturkryukov/proofstore/internal/hashchain"
	"github.com/arturkryukov/proofstore/internal/repository"
)

// earthRadiusMeters — радиус Земли для хаверсинуса.
const earthRadiusMeters = 6371000.0

// verificationsTotal — исходы проверок пакетов.
var verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ps_verifications_total",
	Help: "Исходы проверок аудит-пакетов",
}, []string{"result"})

// ErrPackNotFound — пакет не существует.
// Отличается от проваленной проверки: несуществующий пакет — это 404,
// существующий с битым хэшем — результат с verified=false.
var ErrPackNotFound = errors.New("аудит-пакет не найден")

// ObjectStore — чтение байтов снимков из хранилища реестра.
type ObjectStore interface {
	ReadPhoto(storagePath string) ([]byte, error)
}

// VerificationService — проверка целостности аудит-пакетов.
type VerificationService struct {
	packs    repository.PackRepository
	jobs     repository.JobRepository
	tasks    repository.TaskRepository
	evidence repository.EvidenceRepository
	store    ObjectStore
	logger   *slog.Logger
}

// NewVerificationService создаёт сервис проверки.
func NewVerificationService(
	packs repository.PackRepository,
	jobs repository.JobRepository,
	tasks repository.TaskRepository,
	evidence repository.EvidenceRepository,
	store ObjectStore,
	logger *slog.Logger,
) *VerificationService {
	return &VerificationService{
		packs:    packs,
		jobs:     jobs,
		tasks:    tasks,
		evidence: evidence,
		store:    store,
		logger:   logger.With(slog.String("component", "verification")),
	}
}

// Verify выполняет полную проверку пакета.
// Возвращает ErrPackNotFound, если пакета нет. Любой другой исход —
// результат проверки, включая проваленную.
func (s *VerificationService) Verify(ctx context.Context, packID string) (*model.VerificationResult, error) {
	pack, err := s.packs.GetByID(ctx, packID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrPackNotFound
		}
		return nil, fmt.Errorf("ошибка получения пакета: %w", err)
	}

	job, err := s.jobs.GetByID(ctx, pack.JobID)
	if err != nil {
		// Висячая ссылка на наряд — для клиента это тот же not found,
		// а не внутренняя ошибка
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrPackNotFound
		}
		return nil, fmt.Errorf("ошибка получения наряда: %w", err)
	}

	items, err := collectJobEvidence(ctx, s.tasks, s.evidence, pack.JobID)
	if err != nil {
		return nil, err
	}

	result := &model.VerificationResult{
		PackID:         pack.ID,
		JobID:          pack.JobID,
		HashPresent:    pack.HasHash(),
		EvidenceCount:  len(items),
		StageBreakdown: make(map[model.CaptureStage]int),
		GeneratedAt:    pack.GeneratedAt,
		VerifiedAt:     time.Now().UTC().Format(time.RFC3339),
	}

	// Перевычисление хэшей записей из байтов снимков
	itemsValid := true
	recomputed := make([]string, 0, len(items))
	for _, item := range items {
		result.StageBreakdown[item.Stage]++

		photo, err := s.store.ReadPhoto(item.PhotoRef)
		if err != nil {
			// Снимок не читается — целостность не подтверждена
			s.logger.Warn("Снимок недоступен при проверке",
				slog.String("pack_id", packID),
				slog.String("evidence_id", item.ID),
				slog.String("error", err.Error()),
			)
			itemsValid = false
			continue
		}

		hash := hashchain.ItemHash(photo, item.CapturedAt, item.WorkerID)
		recomputed = append(recomputed, hash)
		if hash != item.ContentHash {
			s.logger.Warn("Хэш записи не совпал",
				slog.String("pack_id", packID),
				slog.String("evidence_id", item.ID),
				slog.String("stored", hashchain.Truncate(item.ContentHash)),
				slog.String("computed", hashchain.Truncate(hash)),
			)
			itemsValid = false
		}
	}

	// Хэш пакета: для legacy-пакетов без хэша сравнивать не с чем,
	// проверка хэша проходит вакуумно (hash_present=false в ответе).
	// Сравнение — по полному хэшу, наружу уходит усечённый.
	if pack.HasHash() {
		computed := hashchain.PackHash(recomputed, job.ID, job.Title, pack.GeneratedAt)
		result.HashValid = itemsValid && computed == pack.PackHash
		result.ComputedHash = hashchain.Truncate(computed)
	} else {
		result.HashValid = true
	}

	// GPS: подтверждено, только если координаты есть у КАЖДОЙ записи.
	// Квантор всеобщности: пустой набор проходит вакуумно.
	result.GPSVerified = true
	var points []geoPoint
	for _, item := range items {
		if !item.HasCoordinates() {
			result.GPSVerified = false
			continue
		}
		points = append(points, geoPoint{lat: *item.Latitude, lon: *item.Longitude})
	}
	if len(points) > 0 {
		result.Geo = summarizeGeo(points)
	}

	result.Verified = result.HashValid && result.GPSVerified

	outcome := "verified"
	if !result.Verified {
		outcome = "failed"
	}
	verificationsTotal.WithLabelValues(outcome).Inc()

	s.logger.Info("Проверка пакета завершена",
		slog.String("pack_id", packID),
		slog.Bool("verified", result.Verified),
		slog.Bool("hash_present", result.HashPresent),
		slog.Bool("gps_verified", result.GPSVerified),
		slog.Int("evidence_count", result.EvidenceCount),
	)

	return result, nil
}

// geoPoint — координатная точка записи.
type geoPoint struct {
	lat, lon float64
}

// summarizeGeo строит сводку: центроид и радиус разброса.
// Радиус — расстояние до самой дальней точки, целые метры с
// округлением вверх. Одна точка — радиус 0.
func summarizeGeo(points []geoPoint) *model.GeoSummary {
	var sumLat, sumLon float64
	for _, p := range points {
		sumLat += p.lat
		sumLon += p.lon
	}
	centroid := geoPoint{
		lat: sumLat / float64(len(points)),
		lon: sumLon / float64(len(points)),
	}

	var maxDist float64
	for _, p := range points {
		if d := haversineMeters(centroid, p); d > maxDist {
			maxDist = d
		}
	}

	return &model.GeoSummary{
		CentroidLat:  centroid.lat,
		CentroidLon:  centroid.lon,
		RadiusMeters: int(math.Ceil(maxDist)),
		PointCount:   len(points),
	}
}

// haversineMeters — расстояние между точками по хаверсинусу.
func haversineMeters(a, b geoPoint) float64 {
	lat1 := a.lat * math.Pi / 180
	lat2 := b.lat * math.Pi / 180
	dLat := (b.lat - a.lat) * math.Pi / 180
	dLon := (b.lon - a.lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}
