package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNormalizedPath(t *testing.T) {
	got := normalizedPath("/api/v1/attempts/123/answers/9")
	want := "/api/v1/attempts/{id}/answers/{id}"
	if got != want {
		t.Fatalf("normalizedPath mismatch got=%s want=%s", got, want)
	}
}

func TestPathID(t *testing.T) {
	tests := []struct {
		path       string
		collection string
		want       int64
	}{
		{"/api/v1/attempts/456/complete", "attempts", 456},
		{"/api/v1/quizzes/12/start-attempt", "quizzes", 12},
		{"/api/v1/quizzes/12/start-attempt", "attempts", 0},
		{"/api/v1/attempts", "attempts", 0},
		{"/api/v1/quizzes/abc", "quizzes", 0},
	}
	for _, tt := range tests {
		if got := pathID(tt.path, tt.collection); got != tt.want {
			t.Fatalf("pathID(%q, %q) = %d, want %d", tt.path, tt.collection, got, tt.want)
		}
	}
}

func TestMetricsCountsNormalizedRoutes(t *testing.T) {
	c := NewCollector(nil, nil)
	h := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	for _, p := range []string{"/api/v1/quizzes/1/start-attempt", "/api/v1/quizzes/2/start-attempt"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, p, nil))
	}

	w := httptest.NewRecorder()
	c.MetricsHandler(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()
	want := `campusgenius_http_requests_total{method="POST",path="/api/v1/quizzes/{id}/start-attempt",status="201"} 2`
	if !strings.Contains(body, want) {
		t.Fatalf("expected %q in metrics:\n%s", want, body)
	}
}

func TestMetricsExposeAssessmentCounters(t *testing.T) {
	c := NewCollector(nil, nil)
	c.AttemptStarted()
	c.AttemptStarted()
	c.AttemptCompleted(true)
	c.ModelFailed("gemini-2.5-flash")
	c.ModelFailed("gemini-2.5-flash")
	c.ModelAnswered("gemini-2.0-flash")
	c.CascadeExhausted()

	w := httptest.NewRecorder()
	c.MetricsHandler(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()
	for _, want := range []string{
		"campusgenius_attempts_started_total 2",
		`campusgenius_attempts_completed_total{result="passed"} 1`,
		`campusgenius_attempts_completed_total{result="failed"} 0`,
		`campusgenius_ai_model_calls_total{model="gemini-2.5-flash",outcome="error"} 2`,
		`campusgenius_ai_model_calls_total{model="gemini-2.0-flash",outcome="ok"} 1`,
		"campusgenius_ai_cascade_exhausted_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics:\n%s", want, body)
		}
	}
}
