package services

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestAIClient(url string, timeout time.Duration) *AIClient {
	return NewAIClient(url, "test-key", "test-model", timeout, slog.Default())
}

func TestNarrate_ParsesCompletion(t *testing.T) {
	var gotAuth string
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  You stand at the harbor.  "}}]}`))
	}))
	defer srv.Close()

	c := newTestAIClient(srv.URL, 5*time.Second)
	text, err := c.Narrate(context.Background(), "https://img.test/cat.jpg", "describe it")
	if err != nil {
		t.Fatalf("Narrate: %v", err)
	}
	if text != "You stand at the harbor." {
		t.Errorf("text: got %q", text)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("authorization: got %q", gotAuth)
	}
	if gotReq.Model != "test-model" || len(gotReq.Messages) != 2 {
		t.Errorf("request: model=%q messages=%d", gotReq.Model, len(gotReq.Messages))
	}
}

func TestNarrate_TimeoutSurfacesAsSentinel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := newTestAIClient(srv.URL, 50*time.Millisecond)
	_, err := c.Narrate(context.Background(), "https://img.test/cat.jpg", "")
	if !errors.Is(err, ErrAITimeout) {
		t.Fatalf("expected ErrAITimeout, got: %v", err)
	}
}

func TestNarrate_UpstreamErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestAIClient(srv.URL, 5*time.Second)
	if _, err := c.Narrate(context.Background(), "https://img.test/cat.jpg", ""); err == nil {
		t.Fatal("expected an error for a non-200 response")
	}
}

func TestNarrate_EmptyCompletionRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"   "}}]}`))
	}))
	defer srv.Close()

	c := newTestAIClient(srv.URL, 5*time.Second)
	if _, err := c.Narrate(context.Background(), "https://img.test/cat.jpg", ""); err == nil {
		t.Fatal("expected an error for an empty narration")
	}
}
