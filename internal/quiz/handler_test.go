package quiz

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"campusgenius/internal/auth"
	"campusgenius/internal/store"

	"github.com/go-chi/chi/v5"
)

type mockQuizService struct {
	createFn    func(ctx context.Context, user *auth.User, in store.NewQuiz) (*Detail, error)
	listFn      func(ctx context.Context, user *auth.User, courseID int64) ([]store.Quiz, error)
	getFn       func(ctx context.Context, user *auth.User, id int64) (*Detail, error)
	updateFn    func(ctx context.Context, user *auth.User, id int64, in store.NewQuiz) (*Detail, error)
	publishFn   func(ctx context.Context, user *auth.User, id int64) error
	unpublishFn func(ctx context.Context, user *auth.User, id int64) error
	deleteFn    func(ctx context.Context, user *auth.User, id int64) error
}

func (m *mockQuizService) Create(ctx context.Context, user *auth.User, in store.NewQuiz) (*Detail, error) {
	if m.createFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.createFn(ctx, user, in)
}

func (m *mockQuizService) List(ctx context.Context, user *auth.User, courseID int64) ([]store.Quiz, error) {
	if m.listFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.listFn(ctx, user, courseID)
}

func (m *mockQuizService) Get(ctx context.Context, user *auth.User, id int64) (*Detail, error) {
	if m.getFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.getFn(ctx, user, id)
}

func (m *mockQuizService) Update(ctx context.Context, user *auth.User, id int64, in store.NewQuiz) (*Detail, error) {
	if m.updateFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.updateFn(ctx, user, id, in)
}

func (m *mockQuizService) Publish(ctx context.Context, user *auth.User, id int64) error {
	if m.publishFn == nil {
		return errors.New("not implemented")
	}
	return m.publishFn(ctx, user, id)
}

func (m *mockQuizService) Unpublish(ctx context.Context, user *auth.User, id int64) error {
	if m.unpublishFn == nil {
		return errors.New("not implemented")
	}
	return m.unpublishFn(ctx, user, id)
}

func (m *mockQuizService) Delete(ctx context.Context, user *auth.User, id int64) error {
	if m.deleteFn == nil {
		return errors.New("not implemented")
	}
	return m.deleteFn(ctx, user, id)
}

func withChiParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body.Error.Code
}

func TestCreateDecodesQuizBody(t *testing.T) {
	var got store.NewQuiz
	h := NewHandler(&mockQuizService{
		createFn: func(ctx context.Context, user *auth.User, in store.NewQuiz) (*Detail, error) {
			got = in
			return &Detail{Quiz: store.Quiz{ID: 5, Title: in.Title}}, nil
		},
	}, nil)

	body := `{"course_id":3,"title":"Graphs","time_limit":15,"max_attempts":1,"questions":[{"question_text":"BFS uses?","question_type":"mcq","marks":1,"order":1,"choices":[{"choice_text":"queue","is_correct":true},{"choice_text":"stack"}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/quizzes", bytes.NewReader([]byte(body)))
	req = req.WithContext(auth.ContextWithUser(req.Context(), author))
	w := httptest.NewRecorder()

	h.Create(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	if got.CourseID != 3 || len(got.Questions) != 1 || len(got.Questions[0].Choices) != 2 || !got.Questions[0].Choices[0].IsCorrect {
		t.Fatalf("unexpected decoded quiz: %+v", got)
	}
}

func TestWriteServiceErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", &store.ValidationError{Field: "title", Reason: "failed required"}, http.StatusBadRequest, "invalid_quiz"},
		{"no questions", ErrNoQuestions, http.StatusBadRequest, "no_questions"},
		{"course", ErrCourseNotFound, http.StatusNotFound, "course_not_found"},
		{"locked", ErrQuizLocked, http.StatusConflict, "quiz_locked"},
		{"owner", auth.ErrNotQuizOwner, http.StatusForbidden, "not_quiz_owner"},
		{"forbidden", auth.ErrForbidden, http.StatusForbidden, "forbidden"},
		{"missing", store.ErrNotFound, http.StatusNotFound, "not_found"},
		{"internal", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(&mockQuizService{
				publishFn: func(ctx context.Context, user *auth.User, id int64) error { return tt.err },
			}, nil)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/quizzes/7/publish", nil)
			req = withChiParam(req, "id", "7")
			req = req.WithContext(auth.ContextWithUser(req.Context(), author))
			w := httptest.NewRecorder()

			h.Publish(w, req)

			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, w.Code)
			}
			if code := errorCode(t, w); code != tt.code {
				t.Fatalf("expected code %s, got %s", tt.code, code)
			}
		})
	}
}

func TestGetRejectsInvalidID(t *testing.T) {
	h := NewHandler(&mockQuizService{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/quizzes/abc", nil)
	req = withChiParam(req, "id", "abc")
	req = req.WithContext(auth.ContextWithUser(req.Context(), learner))
	w := httptest.NewRecorder()

	h.Get(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestListRequiresUser(t *testing.T) {
	h := NewHandler(&mockQuizService{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/quizzes", nil)
	w := httptest.NewRecorder()

	h.List(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}
