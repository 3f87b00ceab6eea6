package aigen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"campusgenius/internal/auth"
	"campusgenius/internal/store"
)

type processFunc func(ctx context.Context, user *auth.User, req Request) (*Result, error)

func (f processFunc) Process(ctx context.Context, user *auth.User, req Request) (*Result, error) {
	return f(ctx, user, req)
}

func multipartRequest(t *testing.T, fields map[string]string, fileName string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if fileName != "" {
		fw, err := mw.CreateFormFile("file", fileName)
		if err != nil {
			t.Fatalf("create file: %v", err)
		}
		_, _ = fw.Write(data)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ai/process", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req.WithContext(auth.ContextWithUser(req.Context(), lecturer))
}

func responseCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env.Error.Code
}

func TestProcessHandlerPassesForm(t *testing.T) {
	var got Request
	h := NewHandler(processFunc(func(ctx context.Context, user *auth.User, req Request) (*Result, error) {
		got = req
		return &Result{Type: "quiz", Quiz: &store.Quiz{ID: 3}}, nil
	}), nil, 1<<20)

	w := httptest.NewRecorder()
	h.Process(w, multipartRequest(t, map[string]string{"action": "generate-quiz", "course_id": "12"}, "notes.txt", []byte("plain text notes")))

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if got.Action != ActionGenerateQuiz || got.CourseID != 12 || got.Document.Name != "notes.txt" || string(got.Document.Data) != "plain text notes" {
		t.Fatalf("unexpected request: %+v", got)
	}
	if got.Document.ContentType == "" {
		t.Fatalf("expected a detected content type")
	}
}

func TestProcessHandlerValidation(t *testing.T) {
	h := NewHandler(processFunc(func(ctx context.Context, user *auth.User, req Request) (*Result, error) {
		t.Fatalf("service must not be called")
		return nil, nil
	}), nil, 16)

	tests := []struct {
		name   string
		req    *http.Request
		status int
	}{
		{"missing file", multipartRequest(t, map[string]string{"action": "summarize"}, "", nil), http.StatusBadRequest},
		{"missing action", multipartRequest(t, nil, "a.txt", []byte("x")), http.StatusBadRequest},
		{"bad course", multipartRequest(t, map[string]string{"action": "summarize", "course_id": "x"}, "a.txt", []byte("x")), http.StatusBadRequest},
		{"too large", multipartRequest(t, map[string]string{"action": "summarize"}, "a.txt", bytes.Repeat([]byte("x"), 64)), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.Process(w, tt.req)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
		})
	}
}

func TestProcessHandlerErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"action", ErrUnsupportedAction, http.StatusBadRequest, "unsupported_action"},
		{"course", ErrCourseNotFound, http.StatusNotFound, "course_not_found"},
		{"forbidden", auth.ErrForbidden, http.StatusForbidden, "forbidden"},
		{"exhausted", &GenerationExhaustedError{Tried: []string{"a"}, Last: errors.New("x")}, http.StatusInternalServerError, "generation_exhausted"},
		{"malformed", &MalformedGenerationError{Model: "a", Reason: "bad"}, http.StatusInternalServerError, "malformed_generation"},
		{"not configured", ErrNotConfigured, http.StatusServiceUnavailable, "service_unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(processFunc(func(ctx context.Context, user *auth.User, req Request) (*Result, error) {
				return nil, tt.err
			}), nil, 1<<20)
			w := httptest.NewRecorder()
			h.Process(w, multipartRequest(t, map[string]string{"action": "summarize"}, "a.txt", []byte("x")))

			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, w.Code)
			}
			if code := responseCode(t, w); code != tt.code {
				t.Fatalf("expected code %s, got %s", tt.code, code)
			}
		})
	}
}
