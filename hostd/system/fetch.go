package system

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// FetchError carries a classification code for a failed download.
type FetchError struct {
	URL  string
	Code string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Code, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Fetch error codes.
const (
	FetchCodeTransport = "transport"
	FetchCodeStatus    = "http_status"
	FetchCodeWrite     = "write"
)

// Fetcher downloads URLs to local files.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string) (int64, error)
}

// HTTPFetcher downloads with net/http.
type HTTPFetcher struct {
	client *http.Client
	logger *zap.Logger
}

func NewHTTPFetcher(logger *zap.Logger, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{Timeout: timeout},
		logger: logger.Named("fetch"),
	}
}

// Fetch writes the body of url to dest atomically (temp file then rename) and
// returns the number of bytes written.
func (f *HTTPFetcher) Fetch(ctx context.Context, url, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, &FetchError{URL: url, Code: FetchCodeTransport, Err: err}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, &FetchError{URL: url, Code: FetchCodeTransport, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &FetchError{URL: url, Code: FetchCodeStatus, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, &FetchError{URL: url, Code: FetchCodeWrite, Err: err}
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".fetch-*")
	if err != nil {
		return 0, &FetchError{URL: url, Code: FetchCodeWrite, Err: err}
	}
	n, copyErr := io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(tmp.Name())
		code := FetchCodeWrite
		if copyErr != nil && !isWriteErr(copyErr) {
			code = FetchCodeTransport
		}
		return 0, &FetchError{URL: url, Code: code, Err: err}
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return 0, &FetchError{URL: url, Code: FetchCodeWrite, Err: err}
	}

	f.logger.Info("downloaded", zap.String("url", url), zap.String("dest", dest), zap.Int64("bytes", n))
	return n, nil
}

func isWriteErr(err error) bool {
	var pe *os.PathError
	return errors.As(err, &pe)
}

// Get issues a GET and returns the raw body. Used for registry and update feeds.
func (f *HTTPFetcher) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Code: FetchCodeTransport, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{URL: url, Code: FetchCodeStatus, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return io.ReadAll(io.LimitReader(resp.Body, 32<<20))
}
