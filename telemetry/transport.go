package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

type expectedSizeKey struct{}

// WithExpectedSize records the declared size of the content a request
// fetches so the transport can classify it and spot short bodies.
func WithExpectedSize(ctx context.Context, sizeBytes int64) context.Context {
	return context.WithValue(ctx, expectedSizeKey{}, sizeBytes)
}

func expectedSize(ctx context.Context) (int64, bool) {
	n, ok := ctx.Value(expectedSizeKey{}).(int64)
	return n, ok
}

// SizeClass buckets a content size for use as a low cardinality attribute.
func SizeClass(sizeBytes int64, known bool) string {
	switch {
	case !known:
		return "unknown"
	case sizeBytes < 64<<10:
		return "small"
	case sizeBytes < 16<<20:
		return "medium"
	default:
		return "large"
	}
}

// InstrumentedTransport records remote fetch metrics for a named provider.
type InstrumentedTransport struct {
	base     http.RoundTripper
	provider string
}

// NewInstrumentedTransport wraps base, or http.DefaultTransport when nil.
func NewInstrumentedTransport(base http.RoundTripper, provider string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, provider: provider}
}

// RoundTrip implements http.RoundTripper. Content requests are recorded when
// their body is closed, everything else as soon as the response arrives.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	declared, known := expectedSize(ctx)
	class := SizeClass(declared, known)
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		outcome := "error"
		if ctx.Err() != nil {
			outcome = "canceled"
		}
		RecordRemoteFetch(ctx, t.provider, class, time.Since(start), 0, outcome)
		return nil, err
	}

	outcome := "success"
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		outcome = "not_found"
	case resp.StatusCode >= 500:
		outcome = "5xx"
	case resp.StatusCode >= 400:
		outcome = "4xx"
	}

	body := &fetchBody{
		ReadCloser: resp.Body,
		ctx:        ctx,
		provider:   t.provider,
		class:      class,
		start:      start,
		outcome:    outcome,
		want:       -1,
	}
	// a ranged request only returns the tail, so its length is not checked
	if known && outcome == "success" && req.Header.Get("Range") == "" {
		body.want = declared
	}
	resp.Body = body
	return resp, nil
}

// fetchBody counts the bytes of a response and records the fetch on close.
type fetchBody struct {
	io.ReadCloser
	ctx      context.Context
	provider string
	class    string
	start    time.Time
	outcome  string
	want     int64
	got      int64
	eof      bool
	recorded bool
}

func (b *fetchBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.got += int64(n)
	if errors.Is(err, io.EOF) {
		b.eof = true
	}
	return n, err
}

func (b *fetchBody) Close() error {
	if !b.recorded {
		b.recorded = true
		outcome := b.outcome
		if b.want >= 0 && b.eof && b.got != b.want {
			outcome = "size_mismatch"
		}
		RecordRemoteFetch(b.ctx, b.provider, b.class, time.Since(b.start), b.got, outcome)
	}
	return b.ReadCloser.Close()
}
