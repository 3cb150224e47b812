package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/arturkryukov/proofstore/internal/domain/model"
	"github.com/arturkryukov/proofstore/internal/hashchain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testItem(photo []byte) *model.EvidenceItem {
	capturedAt := time.Now().UTC().Format(time.RFC3339)
	return &model.EvidenceItem{
		ID:          uuid.New().String(),
		TaskID:      uuid.New().String(),
		JobID:       uuid.New().String(),
		CapturedAt:  capturedAt,
		WorkerID:    "worker-1",
		Stage:       model.StageBefore,
		ContentHash: hashchain.ItemHash(photo, capturedAt, "worker-1"),
	}
}

// TestUploadEvidence_Success проверяет, что клиент собирает корректный
// multipart-запрос и разбирает успешный ответ.
func TestUploadEvidence_Success(t *testing.T) {
	photo := []byte("fake jpeg bytes")
	item := testItem(photo)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/evidence" {
			t.Errorf("неожиданный запрос: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("не multipart: %v", err)
		}

		var meta uploadMetadata
		if err := json.Unmarshal([]byte(r.FormValue("metadata")), &meta); err != nil {
			t.Fatalf("metadata не JSON: %v", err)
		}
		if meta.ID != item.ID || meta.ContentHash != item.ContentHash {
			t.Errorf("метаданные не совпали: %+v", meta)
		}

		file, _, err := r.FormFile("photo")
		if err != nil {
			t.Fatalf("поле photo отсутствует: %v", err)
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if string(data) != string(photo) {
			t.Errorf("байты снимка не совпали")
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(UploadResult{
			ID:          meta.ID,
			PhotoRef:    "2026/08/" + meta.ID + ".jpg",
			ContentHash: meta.ContentHash,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-token", 5*time.Second, testLogger())
	result, err := client.UploadEvidence(context.Background(), item, photo)
	if err != nil {
		t.Fatalf("UploadEvidence вернул ошибку: %v", err)
	}
	if result.ID != item.ID {
		t.Errorf("ID ответа = %q, ожидался %q", result.ID, item.ID)
	}
	if result.PhotoRef == "" {
		t.Error("PhotoRef пуст")
	}
}

// TestUploadEvidence_Replay: повторная доставка отвечает 200 с replay=true.
func TestUploadEvidence_Replay(t *testing.T) {
	photo := []byte("photo")
	item := testItem(photo)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(UploadResult{ID: item.ID, Replay: true})
	}))
	defer server.Close()

	client := NewClient(server.URL, "t", 5*time.Second, testLogger())
	result, err := client.UploadEvidence(context.Background(), item, photo)
	if err != nil {
		t.Fatalf("повторная доставка не должна быть ошибкой: %v", err)
	}
	if !result.Replay {
		t.Error("ожидался replay=true")
	}
}

// TestErrorClassification проверяет разбиение ошибок на повторяемые,
// фатальные и rate-limit.
func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name        string
		status      int
		code        string
		retryable   bool
		rateLimited bool
	}{
		{"server_error", http.StatusInternalServerError, "INTERNAL_ERROR", true, false},
		{"bad_gateway", http.StatusBadGateway, "", true, false},
		{"rate_limited", http.StatusTooManyRequests, "RATE_LIMITED", true, true},
		{"validation", http.StatusBadRequest, "VALIDATION_ERROR", false, false},
		{"conflict", http.StatusConflict, "VALIDATION_ERROR", false, false},
		{"unauthorized", http.StatusUnauthorized, "UNAUTHORIZED", false, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				io.WriteString(w, `{"error":{"code":"`+tc.code+`","message":"test"}}`)
			}))
			defer server.Close()

			photo := []byte("p")
			client := NewClient(server.URL, "t", 5*time.Second, testLogger())
			_, err := client.UploadEvidence(context.Background(), testItem(photo), photo)
			if err == nil {
				t.Fatal("ожидалась ошибка")
			}

			var uploadErr *UploadError
			if !errors.As(err, &uploadErr) {
				t.Fatalf("ожидался *UploadError, получено %T", err)
			}
			if uploadErr.StatusCode != tc.status {
				t.Errorf("StatusCode = %d, ожидался %d", uploadErr.StatusCode, tc.status)
			}
			if tc.code != "" && uploadErr.Code != tc.code {
				t.Errorf("Code = %q, ожидался %q", uploadErr.Code, tc.code)
			}
			if IsRetryable(err) != tc.retryable {
				t.Errorf("IsRetryable = %v, ожидалось %v", IsRetryable(err), tc.retryable)
			}
			if IsRateLimited(err) != tc.rateLimited {
				t.Errorf("IsRateLimited = %v, ожидалось %v", IsRateLimited(err), tc.rateLimited)
			}
		})
	}
}

// TestNetworkErrorRetryable: недоступный сервер — повторяемая ошибка.
func TestNetworkErrorRetryable(t *testing.T) {
	// Закрытый порт
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	photo := []byte("p")
	client := NewClient(url, "t", 2*time.Second, testLogger())
	_, err := client.UploadEvidence(context.Background(), testItem(photo), photo)
	if err == nil {
		t.Fatal("ожидалась сетевая ошибка")
	}
	if !IsRetryable(err) {
		t.Errorf("сетевая ошибка должна быть повторяемой: %v", err)
	}
	if IsRateLimited(err) {
		t.Error("сетевая ошибка не rate-limit")
	}
}

// TestContextCancellation: отмена контекста не классифицируется
// как повторяемая сетевая ошибка.
func TestContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	photo := []byte("p")
	client := NewClient(server.URL, "t", 30*time.Second, testLogger())
	_, err := client.UploadEvidence(ctx, testItem(photo), photo)
	if err == nil {
		t.Fatal("ожидалась ошибка отмены")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("ожидался context.Canceled, получено: %v", err)
	}
	if IsRetryable(err) {
		t.Error("отмена контекста не должна быть повторяемой")
	}
}

// TestRetryAfterHeader: подсказка Retry-After разбирается при 429.
func TestRetryAfterHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	photo := []byte("p")
	client := NewClient(server.URL, "t", 5*time.Second, testLogger())
	_, err := client.UploadEvidence(context.Background(), testItem(photo), photo)

	var uploadErr *UploadError
	if !errors.As(err, &uploadErr) {
		t.Fatalf("ожидался *UploadError, получено %v", err)
	}
	if uploadErr.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v, ожидалось 7s", uploadErr.RetryAfter)
	}
}
