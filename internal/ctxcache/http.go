package ctxcache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Compile-time assertion that HTTPBackend satisfies Backend.
var _ Backend = (*HTTPBackend)(nil)

const defaultAPIBase = "https://generativelanguage.googleapis.com/v1beta"

// HTTPBackend drives the upstream cachedContents REST surface.
type HTTPBackend struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// BackendOption is a functional option for configuring an HTTPBackend.
type BackendOption func(*HTTPBackend)

// WithBaseURL overrides the REST base URL. Used in tests.
func WithBaseURL(url string) BackendOption {
	return func(b *HTTPBackend) { b.baseURL = url }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) BackendOption {
	return func(b *HTTPBackend) { b.client = c }
}

// NewHTTPBackend builds a backend with the given API key.
func NewHTTPBackend(apiKey string, opts ...BackendOption) *HTTPBackend {
	b := &HTTPBackend{
		apiKey:  apiKey,
		baseURL: defaultAPIBase,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

type createRequest struct {
	Model    string        `json:"model"`
	Contents []contentPart `json:"contents"`
	TTL      string        `json:"ttl"`
}

type contentPart struct {
	Role  string `json:"role"`
	Parts []struct {
		Text string `json:"text"`
	} `json:"parts"`
}

type createResponse struct {
	Name string `json:"name"`
}

// Create uploads content and returns the handle the server assigned.
func (b *HTTPBackend) Create(ctx context.Context, modelID, content string, ttl time.Duration) (string, error) {
	req := createRequest{
		Model: "models/" + modelID,
		TTL:   fmt.Sprintf("%ds", int(ttl.Seconds())),
	}
	var cp contentPart
	cp.Role = "user"
	cp.Parts = []struct {
		Text string `json:"text"`
	}{{Text: content}}
	req.Contents = []contentPart{cp}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("ctxcache: marshal create: %w", err)
	}

	url := fmt.Sprintf("%s/cachedContents?key=%s", b.baseURL, b.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("ctxcache: create: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("ctxcache: create: status %d: %s", resp.StatusCode, msg)
	}

	var cr createResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("ctxcache: decode create response: %w", err)
	}
	return cr.Name, nil
}

// Refresh extends the TTL of an existing handle.
func (b *HTTPBackend) Refresh(ctx context.Context, handle string, ttl time.Duration) error {
	body, err := json.Marshal(map[string]string{
		"ttl": fmt.Sprintf("%ds", int(ttl.Seconds())),
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/%s?key=%s", b.baseURL, handle, b.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ctxcache: refresh: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ctxcache: refresh: status %d: %s", resp.StatusCode, msg)
	}
	return nil
}
