package remote

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	cascache "github.com/wolfeidau/cas-cache"
)

func TestNewHTTPProvider_Validation(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{name: "http", url: "http://cache.internal:8080"},
		{name: "https with trailing slash", url: "https://cache.internal/"},
		{name: "missing scheme", url: "cache.internal", wantErr: true},
		{name: "unsupported scheme", url: "ftp://cache.internal", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHTTPProvider(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestHTTPProvider_URL(t *testing.T) {
	p, err := NewHTTPProvider("https://cache.internal/")
	require.NoError(t, err)

	d := cascache.SHA256.Compute([]byte("hello"))
	require.Equal(t, "https://cache.internal/cas/"+d.Hash+"/5", p.URL(d))
}

func TestHTTPProvider_Fetch(t *testing.T) {
	data := []byte("remote content")
	d := cascache.SHA256.Compute(data)

	var gotAuth, gotRequestID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotRequestID = r.Header.Get(RequestIDHeader)
		require.Equal(t, "/cas/"+d.Hash+"/"+strconv.FormatInt(d.SizeBytes, 10), r.URL.Path)
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	p, err := NewHTTPProvider(srv.URL, WithToken("secret"))
	require.NoError(t, err)

	rc, err := p.Fetch(context.Background(), d, 0)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.Equal(t, "Bearer secret", gotAuth)
	require.NotEmpty(t, gotRequestID)
}

func TestHTTPProvider_FetchOffset(t *testing.T) {
	data := []byte("0123456789")
	d := cascache.SHA256.Compute(data)

	tests := []struct {
		name         string
		honourRanges bool
	}{
		{name: "partial content", honourRanges: true},
		{name: "range ignored", honourRanges: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.honourRanges {
					require.Equal(t, "bytes=4-", r.Header.Get("Range"))
					w.WriteHeader(http.StatusPartialContent)
					_, _ = w.Write(data[4:])
					return
				}
				_, _ = w.Write(data)
			}))
			defer srv.Close()

			p, err := NewHTTPProvider(srv.URL)
			require.NoError(t, err)

			rc, err := p.Fetch(context.Background(), d, 4)
			require.NoError(t, err)
			defer func() { _ = rc.Close() }()

			got, err := io.ReadAll(rc)
			require.NoError(t, err)
			require.Equal(t, "456789", string(got))
		})
	}
}

func TestHTTPProvider_Errors(t *testing.T) {
	d := cascache.SHA256.Compute([]byte("missing"))

	tests := []struct {
		name         string
		status       int
		wantNotFound bool
	}{
		{name: "not found", status: http.StatusNotFound, wantNotFound: true},
		{name: "gone", status: http.StatusGone, wantNotFound: true},
		{name: "server error", status: http.StatusInternalServerError},
		{name: "unauthorized", status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			p, err := NewHTTPProvider(srv.URL)
			require.NoError(t, err)

			_, err = p.Fetch(context.Background(), d, 0)
			require.ErrorIs(t, err, cascache.ErrRemoteUnavailable)
			if tt.wantNotFound {
				require.ErrorIs(t, err, cascache.ErrRemoteNotFound)
			} else {
				require.NotErrorIs(t, err, cascache.ErrRemoteNotFound)
				require.True(t, strings.Contains(err.Error(), strconv.Itoa(tt.status)))
			}
		})
	}
}

func TestHTTPProvider_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p, err := NewHTTPProvider(url)
	require.NoError(t, err)

	_, err = p.Fetch(context.Background(), cascache.SHA256.Compute([]byte("x")), 0)
	require.ErrorIs(t, err, cascache.ErrRemoteUnavailable)
	require.NotErrorIs(t, err, cascache.ErrRemoteNotFound)
}
