package apiresp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteErrorCodeUsesDomainCode(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/quizzes/1/start-attempt", nil)
	w := httptest.NewRecorder()

	WriteErrorCode(w, req, http.StatusBadRequest, "attempt_limit_reached", "attempt limit reached")

	var env Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if w.Code != http.StatusBadRequest || env.OK {
		t.Fatalf("unexpected status/ok: %d %v", w.Code, env.OK)
	}
	if env.Error == nil || env.Error.Code != "attempt_limit_reached" {
		t.Fatalf("unexpected error payload: %+v", env.Error)
	}
}

func TestWriteErrorFallsBackToStatusCode(t *testing.T) {
	tests := []struct {
		status int
		code   string
	}{
		{http.StatusNotFound, "not_found"},
		{http.StatusConflict, "conflict"},
		{http.StatusTooManyRequests, "rate_limited"},
		{http.StatusRequestEntityTooLarge, "payload_too_large"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		w := httptest.NewRecorder()
		WriteError(w, req, tt.status, "")

		var env Envelope
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.Error == nil || env.Error.Code != tt.code {
			t.Fatalf("status %d: expected code %s, got %+v", tt.status, tt.code, env.Error)
		}
		if env.Error.Message != http.StatusText(tt.status) {
			t.Fatalf("status %d: expected default message, got %q", tt.status, env.Error.Message)
		}
	}
}
