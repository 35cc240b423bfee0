package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	cascache "github.com/wolfeidau/cas-cache"
	"github.com/wolfeidau/cas-cache/reapi"
	"github.com/wolfeidau/cas-cache/telemetry"
)

const protobufContentType = "application/x-protobuf"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Stats())
}

func (s *Server) handleRunGC(w http.ResponseWriter, r *http.Request) {
	result, err := s.gc.RunNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGCStatus(w http.ResponseWriter, r *http.Request) {
	status := s.gc.Status()
	if status == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "never run"})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleGetBlob serves GET and HEAD for a blob, fetching it from the remote
// provider on a local miss.
func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "blob")

	d, err := s.pathDigest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	result := telemetry.CacheHit
	if !s.cache.Contains(d) {
		result = telemetry.CacheFetch
	}

	blob, err := s.cache.Resolve(r.Context(), d)
	if err != nil {
		if errors.Is(err, cascache.ErrNotFoundLocally) || errors.Is(err, cascache.ErrRemoteNotFound) {
			telemetry.SetCacheResult(r, telemetry.CacheMiss)
		}
		writeError(w, err)
		return
	}
	defer func() { _ = blob.Close() }()
	telemetry.SetCacheResult(r, result)

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("ETag", `"`+d.Hash+`"`)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")

	if rs, ok := blob.ReadCloser.(io.ReadSeeker); ok {
		http.ServeContent(w, r, "", time.Time{}, rs)
		return
	}

	w.Header().Set("Content-Length", strconv.FormatInt(d.SizeBytes, 10))
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, blob); err != nil {
		s.logger.Warn("blob response interrupted", "digest", d.String(), "error", err)
	}
}

func (s *Server) handlePutBlob(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "blob")

	d, err := s.pathDigest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if r.ContentLength >= 0 && r.ContentLength != d.SizeBytes {
		writeError(w, &cascache.DigestMismatchError{
			Expected: d,
			Actual:   cascache.Digest{SizeBytes: r.ContentLength},
		})
		return
	}

	info, err := s.cache.Put(r.Context(), d, r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "action_result")

	result, ok := s.actions.Get(r.Context(), cascache.Digest{Hash: r.PathValue("hash")})
	if !ok {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "action result not found"})
		return
	}
	telemetry.SetCacheResult(r, telemetry.CacheHit)

	body := result.Marshal()
	w.Header().Set("Content-Type", protobufContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	_, _ = w.Write(body)
}

func (s *Server) handlePutAction(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "action_result")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxActionResultBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
			return
		}
		writeError(w, err)
		return
	}

	result, err := reapi.UnmarshalActionResult(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if err := s.actions.Put(r.Context(), cascache.Digest{Hash: r.PathValue("hash")}, result); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pathDigest parses and validates the {hash}/{size} path segments.
func (s *Server) pathDigest(r *http.Request) (cascache.Digest, error) {
	d, err := cascache.ParseDigest(r.PathValue("hash") + "/" + r.PathValue("size"))
	if err != nil {
		return d, err
	}
	return d, d.Validate(s.cache.HashFunction())
}

// statusFor maps cache errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, cascache.ErrInvalidDigest),
		errors.Is(err, cascache.ErrDigestMismatch),
		errors.Is(err, cascache.ErrMalformedTree):
		return http.StatusBadRequest
	case errors.Is(err, cascache.ErrCacheFull):
		return http.StatusInsufficientStorage
	case errors.Is(err, cascache.ErrNotFoundLocally),
		errors.Is(err, cascache.ErrRemoteNotFound):
		return http.StatusNotFound
	case errors.Is(err, cascache.ErrRemoteUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
