// pack.go — модель аудит-пакета: именованный хэшированный снимок
// доказательной базы наряда на момент генерации.
package model

import (
	"time"
)

// AuditPack — снимок «все доказательства наряда J на момент T».
//
// PackHash пересчитывается верификатором по текущему набору
// доказательств наряда; расхождение означает, что после генерации
// набор менялся (добавление, удаление, подмена) либо была подменена
// сама запись пакета. Поля DownloadedAt и SharedWith — маркеры
// жизненного цикла, на PackHash не влияют.
type AuditPack struct {
	// ID — уникальный идентификатор пакета (UUID v4)
	ID string `json:"id"`

	// JobID — наряд, по которому собран пакет
	JobID string `json:"job_id"`

	// GeneratedAt — момент генерации (RFC3339, UTC). Хранится строкой:
	// входит в pack hash побайтно.
	GeneratedAt string `json:"generated_at"`

	// EvidenceCount — мощность набора доказательств на момент генерации
	EvidenceCount int `json:"evidence_count"`

	// PackHash — SHA-256 над отсортированными content hash плюс
	// идентичность наряда и момент генерации. Пустая строка у
	// legacy-пакетов, созданных до внедрения хэширования.
	PackHash string `json:"pack_hash,omitempty"`

	// DownloadedAt — момент первого скачивания пакета (nil — не скачивался)
	DownloadedAt *time.Time `json:"downloaded_at,omitempty"`

	// SharedWith — получатели, которым пакет был передан
	SharedWith []string `json:"shared_with,omitempty"`

	// CreatedAt — время создания записи (UTC)
	CreatedAt time.Time `json:"created_at"`
}

// HasHash проверяет, что пакет создан с хэшем (не legacy).
func (p *AuditPack) HasHash() bool {
	return p.PackHash != ""
}

// GeoSummary — сводка геопространственной согласованности набора:
// арифметический центроид координат и максимальный радиус разброса.
type GeoSummary struct {
	// CentroidLat, CentroidLon — арифметический центроид координат
	CentroidLat float64 `json:"centroid_lat"`
	CentroidLon float64 `json:"centroid_lon"`
	// RadiusMeters — максимальное расстояние по большому кругу от
	// точки до центроида, в целых метрах с округлением вверх
	RadiusMeters int `json:"radius_meters"`
	// PointCount — количество точек с координатами
	PointCount int `json:"point_count"`
}

// VerificationResult — вердикт проверки пакета.
//
// «Не удалось проверить» (пакет/наряд не найден) и «проверка выявила
// расхождение» — разные исходы: первый поднимается как NotFound,
// второй возвращается данными с Verified=false.
type VerificationResult struct {
	// PackID — проверенный пакет
	PackID string `json:"pack_id"`
	// JobID — наряд пакета
	JobID string `json:"job_id"`
	// Verified — итоговый вердикт: HashValid && GPSVerified
	Verified bool `json:"verified"`
	// HashValid — пересчитанный pack hash совпал с сохранённым.
	// Для legacy-пакетов без хэша — true (вакуумно валидно).
	HashValid bool `json:"hash_valid"`
	// HashPresent — у пакета есть сохранённый хэш. false выделяет
	// legacy-случай, не ломая контракт Verified.
	HashPresent bool `json:"hash_present"`
	// GPSVerified — у каждого доказательства набора есть координаты
	GPSVerified bool `json:"gps_verified"`
	// ComputedHash — пересчитанный хэш, усечённый для отображения
	ComputedHash string `json:"computed_hash"`
	// EvidenceCount — размер текущего набора доказательств
	EvidenceCount int `json:"evidence_count"`
	// Geo — геосводка; nil, если ни у одного элемента нет координат
	Geo *GeoSummary `json:"geo,omitempty"`
	// StageBreakdown — количество доказательств по этапам съёмки
	StageBreakdown map[CaptureStage]int `json:"stage_breakdown"`
	// GeneratedAt — момент генерации пакета (из записи пакета)
	GeneratedAt string `json:"generated_at"`
	// VerifiedAt — момент выполнения проверки (RFC3339, UTC)
	VerifiedAt string `json:"verified_at"`
}
