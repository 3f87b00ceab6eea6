package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"campusgenius/internal/aigen"
	"campusgenius/internal/app/observability"
	"campusgenius/internal/auth"
	"campusgenius/internal/exam"
	"campusgenius/internal/quiz"
	"campusgenius/internal/report"
	"campusgenius/internal/store"
	"campusgenius/internal/store/storetest"
)

type testServer struct {
	t       *testing.T
	handler http.Handler
	authn   *auth.Authenticator
	course  store.Course
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := storetest.NewMemory()
	course := mem.AddCourse(store.Course{FacultyID: 10, Code: "CS101"})
	authn := auth.NewAuthenticator("router-test-secret")
	cfg := Config{AIRateLimitPerMin: 5}
	collector := observability.NewCollector(nil, nil)

	h := Handlers{
		Quiz:   quiz.NewHandler(quiz.NewService(mem, nil), nil),
		Exam:   exam.NewHandler(exam.NewService(mem, nil, 60).WithMetrics(collector), nil),
		Report: report.NewHandler(report.NewService(mem), nil),
		AI:     aigen.NewHandler(aigen.NewService(nil, nil, mem, nil, nil, aigen.Config{}), nil, 1<<20),
	}
	return &testServer{
		t:       t,
		handler: NewRouter(cfg, authn, collector, h),
		authn:   authn,
		course:  course,
	}
}

func (s *testServer) token(user auth.User) string {
	s.t.Helper()
	tok, err := s.authn.SignToken(user, time.Hour)
	if err != nil {
		s.t.Fatalf("sign token: %v", err)
	}
	return tok
}

type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func (s *testServer) do(method, path, token string, body any) (int, envelope) {
	s.t.Helper()
	var rdr bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&rdr).Encode(body); err != nil {
			s.t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &rdr)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			s.t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return w.Code, env
}

func (s *testServer) metrics() string {
	s.t.Helper()
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		s.t.Fatalf("metrics: expected 200, got %d", w.Code)
	}
	return w.Body.String()
}

func decodeData(t *testing.T, env envelope, out any) {
	t.Helper()
	if err := json.Unmarshal(env.Data, out); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func TestRouterHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	if code, _ := s.do(http.MethodGet, "/healthz", "", nil); code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", code)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "campusgenius_http_requests_total") {
		t.Fatalf("unexpected metrics response %d: %s", w.Code, w.Body.String())
	}
}

func TestRouterRequiresBearerToken(t *testing.T) {
	s := newTestServer(t)
	code, env := s.do(http.MethodGet, "/api/v1/quizzes", "", nil)
	if code != http.StatusUnauthorized || env.Error == nil || env.Error.Code != "unauthorized" {
		t.Fatalf("expected 401 unauthorized, got %d %+v", code, env.Error)
	}
	code, _ = s.do(http.MethodGet, "/api/v1/quizzes", "not-a-token", nil)
	if code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", code)
	}
}

func TestRouterQuizLifecycle(t *testing.T) {
	s := newTestServer(t)
	faculty := s.token(auth.User{ID: 10, Role: auth.RoleFaculty})
	student := s.token(auth.User{ID: 20, Role: auth.RoleStudent})

	code, env := s.do(http.MethodPost, "/api/v1/quizzes", faculty, map[string]any{
		"course_id":    s.course.ID,
		"title":        "Week 1",
		"time_limit":   30,
		"max_attempts": 2,
		"questions": []map[string]any{
			{"question_text": "2+2?", "question_type": "mcq", "marks": 1, "order": 1, "choices": []map[string]any{
				{"choice_text": "4", "is_correct": true}, {"choice_text": "5"},
			}},
			{"question_text": "3+3?", "question_type": "mcq", "marks": 1, "order": 2, "choices": []map[string]any{
				{"choice_text": "6", "is_correct": true}, {"choice_text": "7"},
			}},
		},
	})
	if code != http.StatusCreated {
		t.Fatalf("create quiz: expected 201, got %d %+v", code, env.Error)
	}
	var created struct {
		ID         int64 `json:"id"`
		TotalMarks int   `json:"total_marks"`
	}
	decodeData(t, env, &created)
	if created.TotalMarks != 2 {
		t.Fatalf("expected total marks 2, got %d", created.TotalMarks)
	}
	quizPath := fmt.Sprintf("/api/v1/quizzes/%d", created.ID)

	if code, env = s.do(http.MethodPost, quizPath+"/start-attempt", student, nil); code != http.StatusBadRequest || env.Error.Code != "quiz_not_published" {
		t.Fatalf("unpublished quiz: expected 400 quiz_not_published, got %d %+v", code, env.Error)
	}
	if code, env = s.do(http.MethodPost, quizPath+"/publish", student, nil); code != http.StatusForbidden {
		t.Fatalf("student publish: expected 403, got %d", code)
	}
	if code, env = s.do(http.MethodPost, quizPath+"/publish", faculty, nil); code != http.StatusOK {
		t.Fatalf("publish: expected 200, got %d %+v", code, env.Error)
	}

	code, env = s.do(http.MethodPost, quizPath+"/start-attempt", student, nil)
	if code != http.StatusCreated {
		t.Fatalf("start: expected 201, got %d %+v", code, env.Error)
	}
	var attempt struct {
		ID            int64 `json:"id"`
		AttemptNumber int   `json:"attempt_number"`
	}
	decodeData(t, env, &attempt)
	if attempt.AttemptNumber != 1 {
		t.Fatalf("expected attempt number 1, got %d", attempt.AttemptNumber)
	}
	attemptPath := fmt.Sprintf("/api/v1/attempts/%d", attempt.ID)

	if code, env = s.do(http.MethodPost, quizPath+"/start-attempt", student, nil); code != http.StatusBadRequest || env.Error.Code != "attempt_in_progress" {
		t.Fatalf("second start: expected 400 attempt_in_progress, got %d %+v", code, env.Error)
	}

	code, env = s.do(http.MethodGet, attemptPath+"/questions", student, nil)
	if code != http.StatusOK {
		t.Fatalf("questions: expected 200, got %d", code)
	}
	var questions []store.Question
	decodeData(t, env, &questions)
	if len(questions) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(questions))
	}
	for _, q := range questions {
		for _, c := range q.Choices {
			if c.IsCorrect {
				t.Fatalf("correct flags must be hidden from students")
			}
		}
	}

	answers := map[string]string{"2+2?": "4", "3+3?": "7"}
	for _, q := range questions {
		path := fmt.Sprintf("%s/answers/%d", attemptPath, q.ID)
		if code, env = s.do(http.MethodPut, path, student, map[string]any{"selected_option": answers[q.Text]}); code != http.StatusOK {
			t.Fatalf("answer %d: expected 200, got %d %+v", q.ID, code, env.Error)
		}
	}

	code, env = s.do(http.MethodPost, attemptPath+"/complete", student, nil)
	if code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d %+v", code, env.Error)
	}
	var completed struct {
		Result struct {
			Score    float64 `json:"score"`
			IsPassed bool    `json:"is_passed"`
		} `json:"result"`
	}
	decodeData(t, env, &completed)
	if completed.Result.Score != 50 || completed.Result.IsPassed {
		t.Fatalf("expected 50%% and not passed, got %+v", completed.Result)
	}

	if code, _ = s.do(http.MethodGet, quizPath+"/results", student, nil); code != http.StatusForbidden {
		t.Fatalf("student results: expected 403, got %d", code)
	}
	code, env = s.do(http.MethodGet, quizPath+"/results", faculty, nil)
	if code != http.StatusOK {
		t.Fatalf("results: expected 200, got %d %+v", code, env.Error)
	}
	var results report.QuizResults
	decodeData(t, env, &results)
	if results.TotalAttempts != 1 || results.PassedCount != 0 || results.AverageScore != 50 {
		t.Fatalf("unexpected results: %+v", results)
	}

	code, env = s.do(http.MethodPost, quizPath+"/start-attempt", student, nil)
	if code != http.StatusCreated {
		t.Fatalf("retake: expected 201, got %d %+v", code, env.Error)
	}
	decodeData(t, env, &attempt)
	if attempt.AttemptNumber != 2 {
		t.Fatalf("expected attempt number 2, got %d", attempt.AttemptNumber)
	}
	if code, env = s.do(http.MethodPost, fmt.Sprintf("/api/v1/attempts/%d/complete", attempt.ID), student, nil); code != http.StatusOK {
		t.Fatalf("complete retake: expected 200, got %d %+v", code, env.Error)
	}
	if code, env = s.do(http.MethodPost, quizPath+"/start-attempt", student, nil); code != http.StatusBadRequest || env.Error.Code != "attempt_limit_reached" {
		t.Fatalf("third start: expected 400 attempt_limit_reached, got %d %+v", code, env.Error)
	}

	if code, env = s.do(http.MethodPut, quizPath, faculty, map[string]any{"course_id": s.course.ID, "title": "x", "time_limit": 5, "max_attempts": 1}); code != http.StatusConflict || env.Error.Code != "quiz_locked" {
		t.Fatalf("update published quiz: expected 409 quiz_locked, got %d %+v", code, env.Error)
	}

	body := s.metrics()
	for _, want := range []string{
		"campusgenius_attempts_started_total 2",
		`campusgenius_attempts_completed_total{result="failed"} 2`,
		`campusgenius_attempts_completed_total{result="passed"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics:\n%s", want, body)
		}
	}
}

func TestRouterAIProcessGuards(t *testing.T) {
	s := newTestServer(t)

	post := func(token string) int {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		_ = mw.WriteField("action", "summarize")
		fw, _ := mw.CreateFormFile("file", "notes.txt")
		_, _ = fw.Write([]byte("notes"))
		_ = mw.Close()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/ai/process", &body)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		s.handler.ServeHTTP(w, req)
		return w.Code
	}

	if code := post(s.token(auth.User{ID: 20, Role: auth.RoleStudent})); code != http.StatusForbidden {
		t.Fatalf("student: expected 403, got %d", code)
	}
	faculty := s.token(auth.User{ID: 10, Role: auth.RoleFaculty})
	for i := 0; i < 5; i++ {
		if code := post(faculty); code != http.StatusServiceUnavailable {
			t.Fatalf("request %d: expected 503 without a backend, got %d", i, code)
		}
	}
	if code := post(faculty); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after the per-minute budget, got %d", code)
	}
}
