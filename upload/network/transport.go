package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Transporter uploads single authorized parts to the storage endpoint with a
// raw byte-range PUT. One Transporter is shared by all workers of a transfer.
type Transporter struct {
	httpClient *http.Client
	logger     log.Logger
}

// NewTransporter ...
func NewTransporter(httpClient *http.Client, logger log.Logger) *Transporter {
	if httpClient == nil {
		httpClient = DefaultTransportClient()
	}
	return &Transporter{
		httpClient: httpClient,
		logger:     logger,
	}
}

// DefaultTransportClient creates an HTTP client tuned for part uploads.
func DefaultTransportClient() *http.Client {
	return &http.Client{
		// No timeout - per-part deadlines are handled via context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// Transport streams body to the grant's URL and returns the integrity tag
// the storage backend answered with. onProgress, when non-nil, receives
// monotonically increasing sent-byte counts. If ctx is cancelled mid-flight
// the request is aborted and the returned error wraps the context error,
// distinguishable from a network or server failure.
func (t *Transporter) Transport(ctx context.Context, grant Grant, body []byte, onProgress func(loaded int64)) (string, error) {
	method := grant.Method
	if method == "" {
		method = http.MethodPut
	}

	reader := &progressReader{
		reader:     bytes.NewReader(body),
		onProgress: onProgress,
	}

	req, err := http.NewRequestWithContext(ctx, method, grant.URL, reader)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	for k, v := range grant.Headers {
		req.Header.Set(k, v)
	}
	req.ContentLength = int64(len(body))

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("part %d upload cancelled: %w", grant.PartNumber, ctx.Err())
		}
		return "", fmt.Errorf("do request: %w", err)
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			t.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorBody := make([]byte, 1024)
		n, _ := io.ReadAtLeast(resp.Body, errorBody, 1)
		return "", fmt.Errorf("part %d upload failed with status %d: %s", grant.PartNumber, resp.StatusCode, string(errorBody[:n]))
	}

	tag := resp.Header.Get("ETag")
	if tag == "" {
		return "", fmt.Errorf("part %d: %w", grant.PartNumber, ErrMissingIntegrityTag)
	}

	return tag, nil
}

// progressReader counts bytes as the HTTP transport drains the request body.
type progressReader struct {
	reader     *bytes.Reader
	onProgress func(loaded int64)
	loaded     int64
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.loaded += int64(n)
		if r.onProgress != nil {
			r.onProgress(r.loaded)
		}
	}
	return n, err
}
