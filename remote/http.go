package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	cascache "github.com/wolfeidau/cas-cache"
	"github.com/wolfeidau/cas-cache/telemetry"
)

const (
	// DefaultTimeout bounds a whole remote fetch, including the body.
	DefaultTimeout = 10 * time.Minute

	// RequestIDHeader carries the id used to correlate logs across caches.
	RequestIDHeader = "X-Request-ID"

	maxErrorBody = 512
)

// HTTPProvider fetches content from the /cas endpoint of another cache server.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
	token   string
	logger  *slog.Logger
}

// Option configures an HTTPProvider.
type Option func(*HTTPProvider)

// WithHTTPClient sets a custom HTTP client. The client's transport is used as is.
func WithHTTPClient(client *http.Client) Option {
	return func(p *HTTPProvider) {
		p.client = client
	}
}

// WithToken sets a bearer token sent with every request.
func WithToken(token string) Option {
	return func(p *HTTPProvider) {
		p.token = token
	}
}

// WithTimeout sets the timeout of the default client.
func WithTimeout(d time.Duration) Option {
	return func(p *HTTPProvider) {
		p.client.Timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *HTTPProvider) {
		p.logger = logger
	}
}

// NewHTTPProvider creates a provider for the cache server at baseURL.
func NewHTTPProvider(baseURL string, opts ...Option) (*HTTPProvider, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing remote url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote url must be http or https, got %q", baseURL)
	}

	p := &HTTPProvider{
		baseURL: strings.TrimSuffix(u.String(), "/"),
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "http"),
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// URL returns the location of d on the remote.
func (p *HTTPProvider) URL(d cascache.Digest) string {
	return fmt.Sprintf("%s/%s/%s/%d", p.baseURL, cascache.StoragePrefix, d.Hash, d.SizeBytes)
}

// Fetch streams the content of d from offset. The caller must close the returned reader.
func (p *HTTPProvider) Fetch(ctx context.Context, d cascache.Digest, offset int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(telemetry.WithExpectedSize(ctx, d.SizeBytes), http.MethodGet, p.URL(d), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %w", cascache.ErrRemoteUnavailable, err)
	}

	requestID := uuid.NewString()
	req.Header.Set(RequestIDHeader, requestID)
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: performing request: %w", cascache.ErrRemoteUnavailable, err)
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		return resp.Body, nil
	case http.StatusOK:
		if offset > 0 {
			// range ignored by the server
			if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
				_ = resp.Body.Close()
				return nil, fmt.Errorf("%w: skipping to offset %d: %w", cascache.ErrRemoteUnavailable, offset, err)
			}
		}
		return resp.Body, nil
	case http.StatusNotFound, http.StatusGone:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: %w: %s", cascache.ErrRemoteUnavailable, cascache.ErrRemoteNotFound, d)
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
	p.logger.Debug("remote fetch failed",
		"digest", d.String(),
		"status", resp.StatusCode,
		"request_id", requestID,
	)
	return nil, fmt.Errorf("%w: remote returned %d: %s", cascache.ErrRemoteUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
}
