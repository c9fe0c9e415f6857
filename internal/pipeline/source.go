package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ppiankov/cityledger/internal/llm"
	"github.com/ppiankov/cityledger/internal/model"
	"github.com/ppiankov/cityledger/internal/util"
)

// ErrEmptySource is returned when the source document has no text
var ErrEmptySource = errors.New("source text is empty")

// Fetcher loads the OCR markdown of a document from a file or an HTTP(S) URL
type Fetcher struct {
	httpClient *http.Client
	userAgent  string
	maxBytes   int64
	retry      llm.RetryPolicy
}

// NewFetcher creates a new Fetcher with the given configuration
func NewFetcher(cfg model.SourceConfig, proxy model.HTTPConfig, retry llm.RetryPolicy) *Fetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Fetcher{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: util.NewProxyFunc(proxy.HTTPProxy, proxy.HTTPSProxy, proxy.NoProxy),
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("stopped after 3 redirects")
				}
				return nil
			},
		},
		userAgent: cfg.UserAgent,
		maxBytes:  cfg.MaxBytes,
		retry:     retry,
	}
}

// Load returns the text at location, which is a file path or an http(s) URL
func (f *Fetcher) Load(ctx context.Context, location string) (string, error) {
	var text string
	var err error
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		text, err = f.fetch(ctx, location)
	} else {
		text, err = f.readFile(location)
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: %s", ErrEmptySource, location)
	}
	return text, nil
}

func (f *Fetcher) readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read source: %w", err)
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return "", fmt.Errorf("read source: %s exceeds %d bytes", path, f.maxBytes)
	}
	return string(data), nil
}

// fetch retries server errors and rate limiting with the configured backoff
func (f *Fetcher) fetch(ctx context.Context, rawURL string) (string, error) {
	var text string
	err := f.retry.Do(ctx, func() error {
		var err error
		text, err = f.get(ctx, rawURL)
		return err
	})
	return text, err
}

func (f *Fetcher) get(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "text/markdown,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &llm.APIError{Provider: "source", StatusCode: resp.StatusCode, Message: resp.Status}
	}

	var body io.Reader = resp.Body
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(data), nil
}
