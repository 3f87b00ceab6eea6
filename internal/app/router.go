package app

import (
	"net/http"
	"time"

	"campusgenius/internal/aigen"
	"campusgenius/internal/app/observability"
	"campusgenius/internal/auth"
	"campusgenius/internal/exam"
	"campusgenius/internal/quiz"
	"campusgenius/internal/report"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Handlers groups the HTTP surfaces mounted under /api/v1.
type Handlers struct {
	Quiz   *quiz.Handler
	Exam   *exam.Handler
	Report *report.Handler
	AI     *aigen.Handler
}

func NewRouter(cfg Config, authn *auth.Authenticator, collector *observability.Collector, h Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if collector != nil {
		r.Use(collector.Middleware)
		r.Get("/metrics", collector.MetricsHandler)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	aiLimiter := NewRateLimiter(cfg.AIRateLimitPerMin, time.Minute)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(authn.RequireAuth)

		api.Post("/quizzes", h.Quiz.Create)
		api.Get("/quizzes", h.Quiz.List)
		api.Get("/quizzes/{id}", h.Quiz.Get)
		api.Put("/quizzes/{id}", h.Quiz.Update)
		api.Delete("/quizzes/{id}", h.Quiz.Delete)
		api.Post("/quizzes/{id}/publish", h.Quiz.Publish)
		api.Post("/quizzes/{id}/unpublish", h.Quiz.Unpublish)
		api.Get("/quizzes/{id}/results", h.Report.Results)
		api.Get("/quizzes/{id}/results.xlsx", h.Report.ResultsExcel)
		api.Post("/quizzes/{id}/start-attempt", h.Exam.Start)
		api.Post("/quizzes/{id}/submit-attempt", h.Exam.SubmitAttempt)

		api.Get("/attempts", h.Exam.ListAttempts)
		api.Get("/attempts/{id}", h.Exam.GetAttempt)
		api.Get("/attempts/{id}/questions", h.Exam.Questions)
		api.Put("/attempts/{id}/answers/{questionID}", h.Exam.SaveAnswer)
		api.Post("/attempts/{id}/complete", h.Exam.Complete)
		api.Post("/attempts/{id}/grade", h.Exam.Grade)

		api.Group(func(ai chi.Router) {
			ai.Use(auth.RequireCapability(auth.CapUseAI))
			ai.Use(RateLimitMiddleware(aiLimiter))
			ai.Post("/ai/process", h.AI.Process)
		})
	})

	return r
}
