package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/ppiankov/cityledger/internal/llm"
	"github.com/ppiankov/cityledger/internal/model"
)

func testFetcher() *Fetcher {
	cfg := model.DefaultConfig()
	return NewFetcher(cfg.Source, cfg.HTTP, llm.NoDelayPolicy(3))
}

func TestFetcher_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contract.md")
	if err := os.WriteFile(path, []byte("# Targets\n\nNet zero by 2030."), 0644); err != nil {
		t.Fatal(err)
	}

	text, err := testFetcher().Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if text != "# Targets\n\nNet zero by 2030." {
		t.Errorf("unexpected text: %q", text)
	}
}

func TestFetcher_EmptySource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.md")
	if err := os.WriteFile(path, []byte("  \n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := testFetcher().Load(context.Background(), path); !errors.Is(err, ErrEmptySource) {
		t.Errorf("expected ErrEmptySource, got %v", err)
	}
}

func TestFetcher_LoadURLRetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/markdown")
		_, _ = fmt.Fprint(w, "# Contract")
	}))
	defer server.Close()

	text, err := testFetcher().Load(context.Background(), server.URL+"/contract.md")
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if text != "# Contract" {
		t.Errorf("unexpected text: %q", text)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestFetcher_LoadURLNotFound(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	if _, err := testFetcher().Load(context.Background(), server.URL); err == nil {
		t.Fatal("expected error for 404")
	}
	if attempts.Load() != 1 {
		t.Errorf("client errors are not retried, got %d attempts", attempts.Load())
	}
}
