package report

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"campusgenius/internal/app/apiresp"
	"campusgenius/internal/auth"
	"campusgenius/internal/logger"
	"campusgenius/internal/store"

	"github.com/go-chi/chi/v5"
)

type reportService interface {
	QuizResults(ctx context.Context, user *auth.User, quizID int64) (*QuizResults, error)
	ExportResultsExcel(ctx context.Context, user *auth.User, quizID int64) ([]byte, error)
}

type Handler struct {
	svc reportService
	log *logger.Logger
}

func NewHandler(svc reportService, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{svc: svc, log: log.With("handler", "report")}
}

func (h *Handler) Results(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	quizID, ok := quizIDParam(w, r)
	if !ok {
		return
	}

	res, err := h.svc.QuizResults(r.Context(), user, quizID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, res)
}

func (h *Handler) ResultsExcel(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	quizID, ok := quizIDParam(w, r)
	if !ok {
		return
	}

	data, err := h.svc.ExportResultsExcel(r.Context(), user, quizID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="quiz-%d-results.xlsx"`, quizID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, auth.ErrNotQuizOwner):
		apiresp.WriteErrorCode(w, r, http.StatusForbidden, "not_quiz_owner", err.Error())
	case errors.Is(err, auth.ErrForbidden):
		apiresp.WriteError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, store.ErrNotFound):
		apiresp.WriteError(w, r, http.StatusNotFound, "quiz not found")
	default:
		h.log.Error("report request failed", "path", r.URL.Path, "error", err)
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func quizIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid quiz id")
		return 0, false
	}
	return id, true
}
