// Пакет remote — HTTP-клиент агента к центральному реестру.
// Загрузка доказательств multipart-запросом с Bearer-токеном и
// классификация ошибок на повторяемые и фатальные.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/arturkryukov/proofstore/internal/domain/model"
)

// UploadError — ошибка загрузки, классифицированная по HTTP-статусу.
type UploadError struct {
	// StatusCode — HTTP-статус ответа (0 — сетевая ошибка)
	StatusCode int
	// Code — машинный код из тела ошибки реестра
	Code string
	// Message — описание ошибки
	Message string
	// RetryAfter — подсказка сервера при 429, если была
	RetryAfter time.Duration
}

func (e *UploadError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("сетевая ошибка: %s", e.Message)
	}
	return fmt.Sprintf("реестр вернул %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// Retryable — можно ли повторить попытку.
// Сетевые ошибки, 5xx и 429 — временные; остальные 4xx — фатальные.
func (e *UploadError) Retryable() bool {
	if e.StatusCode == 0 || e.StatusCode >= 500 {
		return true
	}
	return e.StatusCode == http.StatusTooManyRequests
}

// RateLimited — отказ из-за лимита запросов (другое расписание backoff).
func (e *UploadError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// UploadResult — ответ реестра на успешную загрузку.
type UploadResult struct {
	// ID — идентификатор доказательства
	ID string `json:"id"`
	// PhotoRef — путь снимка в хранилище реестра
	PhotoRef string `json:"photo_ref"`
	// ContentHash — хэш, под которым запись зафиксирована
	ContentHash string `json:"content_hash"`
	// Replay — true, если запись уже существовала (повторная доставка)
	Replay bool `json:"replay"`
}

// Client — клиент реестра ProofStore.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient создаёт клиент реестра.
// token — статический Bearer-токен агента (выдаётся при регистрации).
func NewClient(baseURL, token string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With(slog.String("component", "remote-client")),
	}
}

// UploadEvidence отправляет доказательство в реестр.
// Метаданные идут полем metadata (JSON), снимок — полем photo.
// Повторная доставка того же (id, content_hash) — не ошибка: реестр
// отвечает 200 с replay=true.
func (c *Client) UploadEvidence(ctx context.Context, item *model.EvidenceItem, photo []byte) (*UploadResult, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	meta := uploadMetadata{
		ID:                item.ID,
		TaskID:            item.TaskID,
		JobID:             item.JobID,
		CapturedAt:        item.CapturedAt,
		WorkerID:          item.WorkerID,
		Stage:             string(item.Stage),
		Latitude:          item.Latitude,
		Longitude:         item.Longitude,
		GPSAccuracyMeters: item.GPSAccuracyMeters,
		ContentHash:       item.ContentHash,
		Notes:             item.Notes,
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("не удалось сериализовать метаданные: %w", err)
	}
	if err := writer.WriteField("metadata", string(metaJSON)); err != nil {
		return nil, fmt.Errorf("не удалось записать поле metadata: %w", err)
	}

	part, err := writer.CreateFormFile("photo", item.ID+".jpg")
	if err != nil {
		return nil, fmt.Errorf("не удалось создать поле photo: %w", err)
	}
	if _, err := part.Write(photo); err != nil {
		return nil, fmt.Errorf("не удалось записать снимок: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("не удалось завершить multipart: %w", err)
	}

	url := c.baseURL + "/api/v1/evidence"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать запрос: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Отмену контекста не маскируем под сетевую ошибку
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &UploadError{StatusCode: 0, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		var result UploadResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("не удалось разобрать ответ реестра: %w", err)
		}
		return &result, nil
	}

	return nil, c.parseError(resp)
}

// Ping проверяет доступность реестра (health endpoint, без авторизации).
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("не удалось создать запрос: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &UploadError{StatusCode: 0, Message: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &UploadError{StatusCode: resp.StatusCode, Message: "health check failed"}
	}
	return nil
}

// parseError разбирает тело ошибки формата {"error":{"code","message"}}.
func (c *Client) parseError(resp *http.Response) *UploadError {
	uploadErr := &UploadError{
		StatusCode: resp.StatusCode,
		Message:    resp.Status,
	}

	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err == nil && json.Unmarshal(data, &envelope) == nil && envelope.Error.Code != "" {
		uploadErr.Code = envelope.Error.Code
		uploadErr.Message = envelope.Error.Message
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				uploadErr.RetryAfter = time.Duration(seconds) * time.Second
			}
		}
	}

	return uploadErr
}

// IsRetryable — повторяемая ли ошибка загрузки.
// Не-UploadError (отмена контекста и пр.) повторяемыми не считаются.
func IsRetryable(err error) bool {
	var uploadErr *UploadError
	if errors.As(err, &uploadErr) {
		return uploadErr.Retryable()
	}
	return false
}

// IsRateLimited — отказ из-за лимита запросов.
func IsRateLimited(err error) bool {
	var uploadErr *UploadError
	if errors.As(err, &uploadErr) {
		return uploadErr.RateLimited()
	}
	return false
}

// uploadMetadata — JSON-поле metadata multipart-запроса.
type uploadMetadata struct {
	ID                string   `json:"id"`
	TaskID            string   `json:"task_id"`
	JobID             string   `json:"job_id"`
	CapturedAt        string   `json:"captured_at"`
	WorkerID          string   `json:"worker_id"`
	Stage             string   `json:"stage"`
	Latitude          *float64 `json:"latitude,omitempty"`
	Longitude         *float64 `json:"longitude,omitempty"`
	GPSAccuracyMeters *float64 `json:"gps_accuracy_meters,omitempty"`
	ContentHash       string   `json:"content_hash"`
	Notes             string   `json:"notes,omitempty"`
}
