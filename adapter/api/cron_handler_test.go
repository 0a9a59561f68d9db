package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	billingApp "github.com/felixgeelhaar/lingomarket/internal/billing/application"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScanner struct {
	summary billingApp.ScanSummary
	err     error
	calls   int
}

func (s *fakeScanner) Run(context.Context) (billingApp.ScanSummary, error) {
	s.calls++
	return s.summary, s.err
}

func cronRequest(t *testing.T, h *CronHandler, method, auth string) *httptest.ResponseRecorder {
	t.Helper()
	router := NewRouter(Handlers{Cron: h}, nil)
	req := httptest.NewRequest(method, "/api/cron/trial-expiration", nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCronHandler_Unauthorized(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		auth   string
	}{
		{"missing header", "s3cret", ""},
		{"wrong secret", "s3cret", "Bearer nope"},
		{"wrong scheme", "s3cret", "Basic s3cret"},
		{"secret not configured", "", "Bearer "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scanner := &fakeScanner{}
			rec := cronRequest(t, NewCronHandler(scanner, tt.secret, nil), http.MethodGet, tt.auth)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())
			assert.Zero(t, scanner.calls)
		})
	}
}

func TestCronHandler_RunsScan(t *testing.T) {
	scanner := &fakeScanner{summary: billingApp.ScanSummary{
		TrialsActivated:       2,
		TrialsPaymentRequired: 1,
		Renewals:              3,
	}}
	h := NewCronHandler(scanner, "s3cret", nil)
	fixed := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return fixed }

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		rec := cronRequest(t, h, method, "Bearer s3cret")
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Success   bool                   `json:"success"`
			Summary   billingApp.ScanSummary `json:"summary"`
			Timestamp time.Time              `json:"timestamp"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.True(t, body.Success)
		assert.Equal(t, 2, body.Summary.TrialsActivated)
		assert.Equal(t, 1, body.Summary.TrialsPaymentRequired)
		assert.Equal(t, 3, body.Summary.Renewals)
		assert.True(t, fixed.Equal(body.Timestamp))
	}
	assert.Equal(t, 2, scanner.calls)
}

func TestCronHandler_ScanError(t *testing.T) {
	scanner := &fakeScanner{err: errors.New("acquire scan lock: connection refused")}
	rec := cronRequest(t, NewCronHandler(scanner, "s3cret", nil), http.MethodPost, "Bearer s3cret")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "acquire scan lock: connection refused", body["error"])
}
