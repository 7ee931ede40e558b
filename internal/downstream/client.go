// Package downstream is the client for the vulnerability-management system's
// import-scan endpoint. The endpoint accepts a report file plus scan type and
// engagement; this client normalizes everything to a multipart upload, so the
// downstream never needs to dereference store URLs itself.
package downstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"scanrelay/internal/domain"
)

// ImportRequest carries one report into the downstream system.
type ImportRequest struct {
	ScanType   domain.ScanType
	Engagement string
	Filename   string
	Body       io.Reader
}

// Client talks to one downstream import API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a client. A zero timeout falls back to 60s; imports of large
// reports are slow but not unbounded.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ImportScan performs a single import call. One call per attempt; retry policy
// belongs to the caller.
func (c *Client) ImportScan(ctx context.Context, req ImportRequest) error {
	body, contentType, err := encodeMultipart(req)
	if err != nil {
		return fmt.Errorf("encode import request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/import-scan", body)
	if err != nil {
		return fmt.Errorf("build import request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Token "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("import %s for %s: %w", req.ScanType, req.Engagement, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("import %s for %s: status %d: %s",
			req.ScanType, req.Engagement, resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}
	return nil
}

func encodeMultipart(req ImportRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("scan_type", string(req.ScanType)); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("engagement", req.Engagement); err != nil {
		return nil, "", err
	}

	part, err := w.CreateFormFile("file", req.Filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, req.Body); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
