package quiz

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"campusgenius/internal/app/apiresp"
	"campusgenius/internal/auth"
	"campusgenius/internal/logger"
	"campusgenius/internal/store"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	svc quizService
	log *logger.Logger
}

type quizService interface {
	Create(ctx context.Context, user *auth.User, in store.NewQuiz) (*Detail, error)
	List(ctx context.Context, user *auth.User, courseID int64) ([]store.Quiz, error)
	Get(ctx context.Context, user *auth.User, id int64) (*Detail, error)
	Update(ctx context.Context, user *auth.User, id int64, in store.NewQuiz) (*Detail, error)
	Publish(ctx context.Context, user *auth.User, id int64) error
	Unpublish(ctx context.Context, user *auth.User, id int64) error
	Delete(ctx context.Context, user *auth.User, id int64) error
}

func NewHandler(svc quizService, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{svc: svc, log: log.With("handler", "quiz")}
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	var in store.NewQuiz
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	detail, err := h.svc.Create(r.Context(), user, in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusCreated, detail)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	var courseID int64
	if raw := r.URL.Query().Get("course_id"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v <= 0 {
			apiresp.WriteError(w, r, http.StatusBadRequest, "invalid course_id")
			return
		}
		courseID = v
	}

	items, err := h.svc.List(r.Context(), user, courseID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, items)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	detail, err := h.svc.Get(r.Context(), user, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, detail)
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var in store.NewQuiz
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	detail, err := h.svc.Update(r.Context(), user, id, in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, detail)
}

func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	h.togglePublished(w, r, true)
}

func (h *Handler) Unpublish(w http.ResponseWriter, r *http.Request) {
	h.togglePublished(w, r, false)
}

func (h *Handler) togglePublished(w http.ResponseWriter, r *http.Request, published bool) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var err error
	if published {
		err = h.svc.Publish(r.Context(), user, id)
	} else {
		err = h.svc.Unpublish(r.Context(), user, id)
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, map[string]interface{}{"id": id, "is_published": published})
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := h.svc.Delete(r.Context(), user, id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, map[string]int64{"id": id})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *store.ValidationError
	switch {
	case errors.As(err, &verr):
		apiresp.WriteErrorCode(w, r, http.StatusBadRequest, "invalid_quiz", verr.Error())
	case errors.Is(err, ErrNoQuestions):
		apiresp.WriteErrorCode(w, r, http.StatusBadRequest, "no_questions", err.Error())
	case errors.Is(err, ErrCourseNotFound):
		apiresp.WriteErrorCode(w, r, http.StatusNotFound, "course_not_found", err.Error())
	case errors.Is(err, ErrQuizLocked):
		apiresp.WriteErrorCode(w, r, http.StatusConflict, "quiz_locked", err.Error())
	case errors.Is(err, auth.ErrUnauthenticated):
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, auth.ErrNotQuizOwner):
		apiresp.WriteErrorCode(w, r, http.StatusForbidden, "not_quiz_owner", err.Error())
	case errors.Is(err, auth.ErrForbidden):
		apiresp.WriteError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, store.ErrNotFound):
		apiresp.WriteError(w, r, http.StatusNotFound, "quiz not found")
	case errors.Is(err, store.ErrConflict):
		apiresp.WriteError(w, r, http.StatusConflict, "conflict")
	default:
		h.log.Error("quiz request failed", "path", r.URL.Path, "error", err)
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid quiz id")
		return 0, false
	}
	return id, true
}
