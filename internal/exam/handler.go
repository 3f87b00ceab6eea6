package exam

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
	"github.com/go-playground/validator/v10"
)

type Handler struct {
	svc      examService
	log      *logger.Logger
	validate *validator.Validate
}

type examService interface {
	StartAttempt(ctx context.Context, user *auth.User, quizID int64) (*store.Attempt, error)
	SubmitAnswer(ctx context.Context, user *auth.User, attemptID int64, in AnswerInput) (*store.Answer, error)
	CompleteAttempt(ctx context.Context, user *auth.User, attemptID int64) (*AttemptResult, error)
	SubmitAttempt(ctx context.Context, user *auth.User, quizID int64, answers []AnswerInput) (*AttemptResult, error)
	RecordGrades(ctx context.Context, user *auth.User, attemptID int64, grades []GradeInput) (*AttemptResult, error)
	GetAttempt(ctx context.Context, user *auth.User, attemptID int64) (*AttemptView, error)
	AttemptQuestions(ctx context.Context, user *auth.User, attemptID int64) ([]store.Question, error)
	ListAttempts(ctx context.Context, user *auth.User, quizID int64) ([]store.Attempt, error)
}

type submitAttemptRequest struct {
	Answers []AnswerInput `json:"answers" validate:"dive"`
}

type gradeRequest struct {
	Answers []gradeItem `json:"answers" validate:"required,min=1,dive"`
}

type gradeItem struct {
	AnswerID int64  `json:"answer_id" validate:"gt=0"`
	Marks    *int   `json:"marks" validate:"required"`
	Feedback string `json:"feedback" validate:"max=5000"`
}

func NewHandler(svc examService, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{svc: svc, log: log.With("handler", "exam"), validate: validator.New()}
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	quizID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	attempt, err := h.svc.StartAttempt(r.Context(), user, quizID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusCreated, attempt)
}

func (h *Handler) SubmitAttempt(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	quizID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req submitAttemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.svc.SubmitAttempt(r.Context(), user, quizID, req.Answers)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, res)
}

func (h *Handler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	var quizID int64
	if raw := r.URL.Query().Get("quiz_id"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v <= 0 {
			apiresp.WriteError(w, r, http.StatusBadRequest, "invalid quiz_id")
			return
		}
		quizID = v
	}

	attempts, err := h.svc.ListAttempts(r.Context(), user, quizID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, attempts)
}

func (h *Handler) GetAttempt(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	attemptID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	view, err := h.svc.GetAttempt(r.Context(), user, attemptID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, view)
}

func (h *Handler) Questions(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	attemptID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	questions, err := h.svc.AttemptQuestions(r.Context(), user, attemptID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, questions)
}

func (h *Handler) SaveAnswer(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	attemptID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	questionID, ok := pathID(w, r, "questionID")
	if !ok {
		return
	}

	var in AnswerInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	in.QuestionID = questionID

	answer, err := h.svc.SubmitAnswer(r.Context(), user, attemptID, in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, answer)
}

func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	attemptID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	res, err := h.svc.CompleteAttempt(r.Context(), user, attemptID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, res)
}

func (h *Handler) Grade(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	attemptID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req gradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "answers must list answer_id and marks")
		return
	}

	grades := make([]GradeInput, 0, len(req.Answers))
	for _, item := range req.Answers {
		grades = append(grades, GradeInput{AnswerID: item.AnswerID, Marks: *item.Marks, Feedback: item.Feedback})
	}

	res, err := h.svc.RecordGrades(r.Context(), user, attemptID, grades)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, res)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var policy *PolicyError
	switch {
	case errors.As(err, &policy):
		apiresp.WriteErrorCode(w, r, http.StatusBadRequest, policy.Code, policy.Message)
	case errors.Is(err, auth.ErrUnauthenticated):
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, auth.ErrNotQuizOwner):
		apiresp.WriteErrorCode(w, r, http.StatusForbidden, "not_quiz_owner", err.Error())
	case errors.Is(err, auth.ErrForbidden):
		apiresp.WriteError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, store.ErrNotFound):
		apiresp.WriteError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrConflict):
		apiresp.WriteError(w, r, http.StatusConflict, "conflict")
	default:
		h.log.Error("exam request failed", "path", r.URL.Path, "error", err)
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func pathID(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, key), 10, 64)
	if err != nil || id <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid "+key)
		return 0, false
	}
	return id, true
}
