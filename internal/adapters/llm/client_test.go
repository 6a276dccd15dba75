package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"inkstudio/internal/adapters/llm"
	"inkstudio/internal/domain"
)

const okStream = "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\ndata: [DONE]\n\n"

func TestClient_StreamChat_RetriesThenSuccess(t *testing.T) {
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&hits, 1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = io.WriteString(w, okStream)
		}
	}))
	defer ts.Close()

	cl, err := llm.New(ts.URL, "test-key", "studio-model", 100)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	body, err := cl.StreamChat(ctx, domain.CompletionRequest{Messages: []domain.PromptMessage{{Role: "user", Content: "hello"}}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	defer body.Close()
	b, _ := io.ReadAll(body)
	if string(b) != okStream {
		t.Fatalf("unexpected stream: %q", b)
	}
	if atomic.LoadInt32(&hits) != 3 {
		t.Fatalf("expected 3 calls due to retries, got %d", hits)
	}
}

func TestClient_StreamChat_RetriesRespectRateLimit(t *testing.T) {
	var (
		mu       sync.Mutex
		arrivals []time.Time
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		arrivals = append(arrivals, time.Now())
		n := len(arrivals)
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, okStream)
	}))
	defer ts.Close()

	// one request per second; the retry backoff alone is well under that
	cl, err := llm.New(ts.URL, "test-key", "studio-model", 1)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	body, err := cl.StreamChat(ctx, domain.CompletionRequest{Messages: []domain.PromptMessage{{Role: "user", Content: "hello"}}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	body.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(arrivals) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(arrivals))
	}
	if gap := arrivals[1].Sub(arrivals[0]); gap < 900*time.Millisecond {
		t.Fatalf("retry bypassed the rate limiter: attempts %v apart", gap)
	}
}

func TestClient_StreamChat_RequestShape(t *testing.T) {
	var got struct {
		Model    string                 `json:"model"`
		Messages []domain.PromptMessage `json:"messages"`
		Stream   bool                   `json:"stream"`
	}
	var auth, accept string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		auth = r.Header.Get("Authorization")
		accept = r.Header.Get("Accept")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, okStream)
	}))
	defer ts.Close()

	cl, err := llm.New(ts.URL+"/v1/", "k-123", "studio-model", 100)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	body, err := cl.StreamChat(context.Background(), domain.CompletionRequest{
		Messages: []domain.PromptMessage{{Role: "system", Content: "be kind"}, {Role: "user", Content: "price?"}},
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	body.Close()

	if auth != "Bearer k-123" || accept != "text/event-stream" {
		t.Fatalf("unexpected headers: auth=%q accept=%q", auth, accept)
	}
	if got.Model != "studio-model" || !got.Stream || len(got.Messages) != 2 || got.Messages[1].Content != "price?" {
		t.Fatalf("unexpected request body: %+v", got)
	}
}

func TestClient_StreamChat_Unauthorized(t *testing.T) {
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	cl, _ := llm.New(ts.URL, "bad", "m", 100)
	_, err := cl.StreamChat(context.Background(), domain.CompletionRequest{})
	if !errors.Is(err, llm.ErrUnauthorized) || !errors.Is(err, domain.ErrUpstream) {
		t.Fatalf("expected unauthorized upstream error, got %v", err)
	}
	if hits != 1 {
		t.Fatalf("expected no retries on 401, got %d calls", hits)
	}
}

func TestClient_StreamChat_BadRequestCarriesBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"model not found"}}`)
	}))
	defer ts.Close()

	cl, _ := llm.New(ts.URL, "k", "m", 100)
	_, err := cl.StreamChat(context.Background(), domain.CompletionRequest{})
	if !errors.Is(err, llm.ErrRejected) || !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("expected rejected error with body, got %v", err)
	}
}

func TestClient_StreamChat_ContextCancelledDuringBackoff(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	cl, _ := llm.New(ts.URL, "k", "m", 100)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := cl.StreamChat(ctx, domain.CompletionRequest{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestNew_RequiresKey(t *testing.T) {
	if _, err := llm.New("http://x", "", "m", 1); err == nil {
		t.Fatalf("expected error for empty key")
	}
}
