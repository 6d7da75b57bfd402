package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lendvault/lendvault/internal/domain"
)

type stubPositionCounter struct {
	domain.PositionStore
	n   int64
	err error
}

func (s *stubPositionCounter) Count(context.Context) (int64, error) {
	return s.n, s.err
}

func TestHealthCheckIncludesPositionCount(t *testing.T) {
	h := NewHealthHandler("full", time.Now().UTC(), &stubPositionCounter{n: 7},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "full", body["mode"])
	assert.EqualValues(t, 7, body["positions"])
}

func TestHealthCheckDegradedWhenCountFails(t *testing.T) {
	h := NewHealthHandler("server", time.Now().UTC(), &stubPositionCounter{err: errors.New("db down")},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
	assert.NotContains(t, body, "positions")
}
