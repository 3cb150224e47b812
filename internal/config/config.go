// Пакет config — загрузка и валидация конфигурации ProofStore
// из переменных окружения.
//
// Два набора переменных: PS_* — центральный реестр (proofstore-server),
// PA_* — полевой агент (proofstore-agent).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// ServerConfig содержит все параметры конфигурации реестра.
type ServerConfig struct {
	// Порт HTTP-сервера
	Port int
	// Уникальный идентификатор экземпляра (например, "proofstore-msk-01")
	ServiceID string
	// Путь к директории хранения снимков
	DataDir string

	// Параметры PostgreSQL
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// URL JWKS endpoint провайдера токенов
	JWKSUrl string
	// Путь к CA-сертификату для проверки TLS JWKS endpoint (опционально)
	JWKSCACert string
	// Пропускать проверку TLS-сертификатов JWKS (dev-среда)
	TLSSkipVerify bool
	// Таймаут HTTP-клиента JWKS
	JWKSClientTimeout time.Duration
	// Интервал обновления JWKS-ключей
	JWKSRefreshInterval time.Duration
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration

	// Путь к TLS сертификату (опционально, пусто — plain HTTP)
	TLSCert string
	// Путь к TLS приватному ключу
	TLSKey string

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// Лимит генераций пакетов: запросов на окно с одного токена
	PackRateLimit int
	// Окно лимита генераций пакетов
	PackRateWindow time.Duration

	// TTL кэша записей работников
	IdentityCacheTTL time.Duration

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics (PS_DEPHEALTH_GROUP)
	DephealthGroup string
	// Имя зависимости (целевого сервиса) в метриках topologymetrics (PS_DEPHEALTH_DEP_NAME)
	DephealthDepName string

	// Таймаут graceful shutdown HTTP-сервера.
	// Должен быть меньше K8s terminationGracePeriodSeconds.
	ShutdownTimeout time.Duration
}

// DatabaseDSN возвращает строку подключения pgx.
func (c *ServerConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// LoadServer загружает конфигурацию реестра из переменных окружения,
// валидирует обязательные поля и возвращает ServerConfig или ошибку.
func LoadServer() (*ServerConfig, error) {
	cfg := &ServerConfig{}
	var err error

	// PS_PORT — порт HTTP-сервера (по умолчанию 8080)
	cfg.Port, err = getEnvInt("PS_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("PS_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("PS_PORT: значение %d вне допустимого диапазона", cfg.Port)
	}

	// PS_SERVICE_ID — обязательный
	cfg.ServiceID, err = getEnvRequired("PS_SERVICE_ID")
	if err != nil {
		return nil, err
	}

	// PS_DATA_DIR — обязательный
	cfg.DataDir, err = getEnvRequired("PS_DATA_DIR")
	if err != nil {
		return nil, err
	}

	// Подключение к PostgreSQL
	cfg.DBHost, err = getEnvRequired("PS_DB_HOST")
	if err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("PS_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("PS_DB_PORT: %w", err)
	}
	cfg.DBUser, err = getEnvRequired("PS_DB_USER")
	if err != nil {
		return nil, err
	}
	cfg.DBPassword, err = getEnvRequired("PS_DB_PASSWORD")
	if err != nil {
		return nil, err
	}
	cfg.DBName, err = getEnvRequired("PS_DB_NAME")
	if err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("PS_DB_SSLMODE", "disable")

	// PS_JWKS_URL — обязательный
	cfg.JWKSUrl, err = getEnvRequired("PS_JWKS_URL")
	if err != nil {
		return nil, err
	}

	// PS_JWKS_CA_CERT — путь к CA-сертификату для JWKS endpoint (опционально)
	cfg.JWKSCACert = getEnvDefault("PS_JWKS_CA_CERT", "")

	// PS_TLS_SKIP_VERIFY — пропуск проверки TLS (по умолчанию false)
	cfg.TLSSkipVerify, err = getEnvBool("PS_TLS_SKIP_VERIFY", false)
	if err != nil {
		return nil, fmt.Errorf("PS_TLS_SKIP_VERIFY: %w", err)
	}

	// PS_JWKS_CLIENT_TIMEOUT — таймаут HTTP-клиента JWKS (по умолчанию 10s)
	cfg.JWKSClientTimeout, err = getEnvDuration("PS_JWKS_CLIENT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PS_JWKS_CLIENT_TIMEOUT: %w", err)
	}

	// PS_JWKS_REFRESH_INTERVAL — интервал обновления ключей (по умолчанию 1h)
	cfg.JWKSRefreshInterval, err = getEnvDuration("PS_JWKS_REFRESH_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("PS_JWKS_REFRESH_INTERVAL: %w", err)
	}

	// PS_JWT_LEEWAY — допустимое отклонение времени JWT (по умолчанию 30s)
	cfg.JWTLeeway, err = getEnvDuration("PS_JWT_LEEWAY", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PS_JWT_LEEWAY: %w", err)
	}

	// PS_TLS_CERT / PS_TLS_KEY — опциональны, но задаются парой
	cfg.TLSCert = getEnvDefault("PS_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("PS_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("PS_TLS_CERT и PS_TLS_KEY задаются парой")
	}

	// PS_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("PS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("PS_LOG_LEVEL: %w", err)
	}

	// PS_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("PS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("PS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// PS_PACK_RATE_LIMIT — генераций пакетов на окно (по умолчанию 10)
	cfg.PackRateLimit, err = getEnvInt("PS_PACK_RATE_LIMIT", 10)
	if err != nil {
		return nil, fmt.Errorf("PS_PACK_RATE_LIMIT: %w", err)
	}
	if cfg.PackRateLimit <= 0 {
		return nil, fmt.Errorf("PS_PACK_RATE_LIMIT: значение должно быть положительным")
	}

	// PS_PACK_RATE_WINDOW — окно лимита (по умолчанию 1m)
	cfg.PackRateWindow, err = getEnvDuration("PS_PACK_RATE_WINDOW", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("PS_PACK_RATE_WINDOW: %w", err)
	}

	// PS_IDENTITY_CACHE_TTL — TTL кэша работников (по умолчанию 5m)
	cfg.IdentityCacheTTL, err = getEnvDuration("PS_IDENTITY_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("PS_IDENTITY_CACHE_TTL: %w", err)
	}

	// PS_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("PS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// PS_DEPHEALTH_GROUP — имя группы в метриках topologymetrics (по умолчанию "proofstore")
	cfg.DephealthGroup = getEnvDefault("PS_DEPHEALTH_GROUP", "proofstore")

	// PS_DEPHEALTH_DEP_NAME — имя зависимости в метриках topologymetrics (по умолчанию "auth-jwks")
	cfg.DephealthDepName = getEnvDefault("PS_DEPHEALTH_DEP_NAME", "auth-jwks")

	// PS_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("PS_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PS_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// AgentConfig содержит все параметры конфигурации полевого агента.
type AgentConfig struct {
	// Порт loopback HTTP API агента
	Port int
	// Путь к директории очереди захвата
	QueueDir string
	// Потолок количества элементов очереди (0 — без ограничения)
	MaxItems int
	// Потолок суммарного объёма снимков в байтах (0 — без ограничения)
	MaxBytes int64

	// Базовый URL центрального реестра
	ServerURL string
	// Bearer-токен агента
	Token string
	// Таймаут одного запроса к реестру
	UploadTimeout time.Duration

	// Размер пула воркеров синхронизации
	SyncWorkers int
	// Бюджет времени одного запуска синхронизации
	SyncBudget time.Duration
	// Интервал фоновой синхронизации (0 — только по запросу)
	SyncInterval time.Duration

	// Интервал проверки доступности реестра topologymetrics
	DephealthCheckInterval time.Duration

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// LoadAgent загружает конфигурацию агента из переменных окружения.
func LoadAgent() (*AgentConfig, error) {
	cfg := &AgentConfig{}
	var err error

	// PA_PORT — порт loopback API (по умолчанию 8090)
	cfg.Port, err = getEnvInt("PA_PORT", 8090)
	if err != nil {
		return nil, fmt.Errorf("PA_PORT: %w", err)
	}

	// PA_QUEUE_DIR — обязательный
	cfg.QueueDir, err = getEnvRequired("PA_QUEUE_DIR")
	if err != nil {
		return nil, err
	}

	// PA_MAX_ITEMS — потолок элементов очереди (по умолчанию 500)
	cfg.MaxItems, err = getEnvInt("PA_MAX_ITEMS", 500)
	if err != nil {
		return nil, fmt.Errorf("PA_MAX_ITEMS: %w", err)
	}
	if cfg.MaxItems < 0 {
		return nil, fmt.Errorf("PA_MAX_ITEMS: значение не может быть отрицательным")
	}

	// PA_MAX_BYTES — потолок объёма очереди (по умолчанию 2 GiB)
	cfg.MaxBytes, err = getEnvInt64("PA_MAX_BYTES", 2<<30)
	if err != nil {
		return nil, fmt.Errorf("PA_MAX_BYTES: %w", err)
	}
	if cfg.MaxBytes < 0 {
		return nil, fmt.Errorf("PA_MAX_BYTES: значение не может быть отрицательным")
	}

	// PA_SERVER_URL — обязательный
	cfg.ServerURL, err = getEnvRequired("PA_SERVER_URL")
	if err != nil {
		return nil, err
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")

	// PA_TOKEN — обязательный
	cfg.Token, err = getEnvRequired("PA_TOKEN")
	if err != nil {
		return nil, err
	}

	// PA_UPLOAD_TIMEOUT — таймаут запроса к реестру (по умолчанию 30s)
	cfg.UploadTimeout, err = getEnvDuration("PA_UPLOAD_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PA_UPLOAD_TIMEOUT: %w", err)
	}

	// PA_SYNC_WORKERS — пул воркеров синхронизации (по умолчанию 3)
	cfg.SyncWorkers, err = getEnvInt("PA_SYNC_WORKERS", 3)
	if err != nil {
		return nil, fmt.Errorf("PA_SYNC_WORKERS: %w", err)
	}
	if cfg.SyncWorkers <= 0 {
		return nil, fmt.Errorf("PA_SYNC_WORKERS: значение должно быть положительным")
	}

	// PA_SYNC_BUDGET — бюджет одного запуска (по умолчанию 5m)
	cfg.SyncBudget, err = getEnvDuration("PA_SYNC_BUDGET", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("PA_SYNC_BUDGET: %w", err)
	}

	// PA_SYNC_INTERVAL — интервал фоновой синхронизации (по умолчанию 10m, 0 — отключена)
	cfg.SyncInterval, err = getEnvDuration("PA_SYNC_INTERVAL", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("PA_SYNC_INTERVAL: %w", err)
	}

	// PA_DEPHEALTH_CHECK_INTERVAL — интервал проверки реестра (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("PA_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PA_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// PA_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("PA_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("PA_LOG_LEVEL: %w", err)
	}

	// PA_LOG_FORMAT — формат логов (по умолчанию text: агент пишет в консоль)
	cfg.LogFormat = getEnvDefault("PA_LOG_FORMAT", "text")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("PA_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// PA_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("PA_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PA_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// SetupLogger настраивает глобальный slog-логгер.
func SetupLogger(level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 6h)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
