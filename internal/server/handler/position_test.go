package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lendvault/lendvault/internal/domain"
	"github.com/lendvault/lendvault/internal/service"
)

type stubLedger struct {
	openErr  error
	position domain.Position
}

func (s *stubLedger) Open(context.Context, service.OpenRequest) (domain.Position, error) {
	return s.position, s.openErr
}

func (s *stubLedger) Confirm(context.Context, string) (domain.Position, error) {
	return s.position, s.openErr
}

func (s *stubLedger) Draw(context.Context, string, float64) (domain.Position, error) {
	return s.position, s.openErr
}

func (s *stubLedger) Repay(context.Context, string, float64) (domain.Position, error) {
	return s.position, s.openErr
}

func (s *stubLedger) Query(context.Context, string, domain.PositionStatus, domain.ListOpts) ([]domain.Position, error) {
	return nil, s.openErr
}

func (s *stubLedger) Get(context.Context, string) (domain.PositionRisk, error) {
	return domain.PositionRisk{Position: s.position}, s.openErr
}

func newPositionHandler(ledger LedgerAPI) *PositionHandler {
	return NewPositionHandler(ledger, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func postJSON(t *testing.T, h http.HandlerFunc, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestOpenPositionCreated(t *testing.T) {
	h := newPositionHandler(&stubLedger{position: domain.Position{
		ID:     "pos-1",
		Status: domain.PositionStatusPending,
	}})

	rec := postJSON(t, h.OpenPosition, "/api/positions",
		`{"borrower":"alice","collateral_asset":"BTC","collateral_amount":1,"borrow_asset":"USDC","borrow_amount":1000}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	var got domain.Position
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "pos-1", got.ID)
	assert.Equal(t, domain.PositionStatusPending, got.Status)
}

func TestOpenPositionRejectsUnknownFields(t *testing.T) {
	h := newPositionHandler(&stubLedger{})

	rec := postJSON(t, h.OpenPosition, "/api/positions", `{"bogus":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", &domain.ValidationError{Field: "amount", Reason: "must be positive"}, http.StatusBadRequest},
		{"policy violation", &domain.PolicyViolationError{Asset: "BTC", ComputedLTV: 90, MaxLTV: 80}, http.StatusUnprocessableEntity},
		{"overpayment", &domain.InsufficientDebtError{Requested: 10, Outstanding: 5}, http.StatusUnprocessableEntity},
		{"invalid transition", &domain.InvalidTransitionError{From: domain.PositionStatusClosed, To: domain.PositionStatusActive}, http.StatusConflict},
		{"not found", domain.ErrNotFound, http.StatusNotFound},
		{"conflict", domain.ErrConflict, http.StatusConflict},
		{"lock held", domain.ErrLockHeld, http.StatusConflict},
		{"dependency down", domain.ErrDependencyUnavailable, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newPositionHandler(&stubLedger{openErr: tc.err})

			rec := postJSON(t, h.RepayPosition, "/api/positions/pos-1/repay", `{"amount":10}`)
			assert.Equal(t, tc.status, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}
}
