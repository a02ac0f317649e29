package template

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// maxTemplateSize bounds how much of a store response is read.
const maxTemplateSize = 4 * 1024 * 1024

// HTTPStore fetches templates over HTTP from a content-addressed
// endpoint, GET <base>/<contentID>.
type HTTPStore struct {
	base   string
	client *http.Client
	conv   *converter
	logger *slog.Logger
}

// HTTPStoreOption configures an HTTPStore.
type HTTPStoreOption func(*HTTPStore)

// WithHTTPStoreClient overrides the HTTP client.
func WithHTTPStoreClient(c *http.Client) HTTPStoreOption {
	return func(s *HTTPStore) { s.client = c }
}

// WithHTTPStoreLogger sets the logger.
func WithHTTPStoreLogger(l *slog.Logger) HTTPStoreOption {
	return func(s *HTTPStore) { s.logger = l }
}

// NewHTTPStore creates an HTTP-backed template store.
func NewHTTPStore(base string, opts ...HTTPStoreOption) *HTTPStore {
	s := &HTTPStore{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
		conv:   newConverter(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fetch retrieves and verifies a template body.
func (s *HTTPStore) Fetch(ctx context.Context, contentID string) (*Template, error) {
	if !validContentID(contentID) {
		return nil, ErrNotFound
	}

	url := s.base + "/" + contentID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build template request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch template %s: %w", contentID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch template %s: status %d", contentID, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTemplateSize+1))
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", contentID, err)
	}
	if len(body) > maxTemplateSize {
		return nil, fmt.Errorf("template %s exceeds %d bytes", contentID, maxTemplateSize)
	}
	if err := verify(contentID, body); err != nil {
		return nil, err
	}

	tmpl := &Template{ContentID: contentID, Body: string(body)}
	if looksLikeHTML(body) {
		title, markdown, err := s.conv.convert(body)
		if err != nil {
			return nil, err
		}
		tmpl.Title = title
		tmpl.Body = markdown
		s.logger.Debug("converted html template",
			"content_id", contentID,
			"title", title)
	}
	return tmpl, nil
}
