package aigen

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"campusgenius/internal/app/apiresp"
	"campusgenius/internal/auth"
	"campusgenius/internal/gemini"
	"campusgenius/internal/logger"
	"campusgenius/internal/resource"
)

type processor interface {
	Process(ctx context.Context, user *auth.User, req Request) (*Result, error)
}

type Handler struct {
	svc       processor
	log       *logger.Logger
	maxUpload int64
}

func NewHandler(svc processor, log *logger.Logger, maxUpload int64) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	if maxUpload <= 0 {
		maxUpload = 20 << 20
	}
	return &Handler{svc: svc, log: log.With("handler", "aigen"), maxUpload: maxUpload}
}

// Process accepts multipart form fields action, file and an optional
// course_id.
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+(1<<20))
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apiresp.WriteError(w, r, http.StatusRequestEntityTooLarge, "file is too large")
			return
		}
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	action := strings.TrimSpace(r.FormValue("action"))
	file, header, err := r.FormFile("file")
	if action == "" || err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "file and action are required")
		return
	}
	defer file.Close()
	if header.Size > h.maxUpload {
		apiresp.WriteError(w, r, http.StatusRequestEntityTooLarge, "file is too large")
		return
	}

	var courseID int64
	if raw := strings.TrimSpace(r.FormValue("course_id")); raw != "" {
		courseID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || courseID <= 0 {
			apiresp.WriteError(w, r, http.StatusBadRequest, "invalid course_id")
			return
		}
	}

	data, err := io.ReadAll(file)
	if err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "could not read file")
		return
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}

	res, err := h.svc.Process(r.Context(), user, Request{
		Action:   action,
		CourseID: courseID,
		Document: resource.Document{Name: header.Filename, ContentType: contentType, Data: data},
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Quiz != nil {
		status = http.StatusCreated
	}
	apiresp.WriteOK(w, r, status, res)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var exhausted *GenerationExhaustedError
	var malformed *MalformedGenerationError
	var upstream *gemini.APIError
	switch {
	case errors.Is(err, ErrUnsupportedAction):
		apiresp.WriteErrorCode(w, r, http.StatusBadRequest, "unsupported_action", "action must be summarize or generate-quiz")
	case errors.Is(err, ErrEmptyDocument):
		apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotConfigured):
		apiresp.WriteError(w, r, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ErrCourseNotFound):
		apiresp.WriteErrorCode(w, r, http.StatusNotFound, "course_not_found", err.Error())
	case errors.Is(err, auth.ErrUnauthenticated):
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, auth.ErrForbidden):
		apiresp.WriteError(w, r, http.StatusForbidden, "forbidden")
	case errors.As(err, &exhausted):
		h.log.Error("generation exhausted", "tried", exhausted.Tried, "error", exhausted.Last)
		apiresp.WriteErrorCode(w, r, http.StatusInternalServerError, "generation_exhausted", err.Error())
	case errors.As(err, &malformed):
		apiresp.WriteErrorCode(w, r, http.StatusInternalServerError, "malformed_generation", err.Error())
	case errors.As(err, &upstream):
		h.log.Error("generative backend error", "status", upstream.Status, "error", err)
		apiresp.WriteError(w, r, http.StatusBadGateway, "generative backend unavailable")
	default:
		h.log.Error("ai request failed", "path", r.URL.Path, "error", err)
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
	}
}
