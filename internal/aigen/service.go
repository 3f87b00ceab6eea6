// Package aigen turns an uploaded document into a summary or a persisted
// quiz by asking a cascade of generative models.
package aigen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"campusgenius/internal/auth"
	"campusgenius/internal/gemini"
	"campusgenius/internal/logger"
	"campusgenius/internal/resource"
	"campusgenius/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	ActionSummarize    = "summarize"
	ActionGenerateQuiz = "generate-quiz"

	questionCount        = 5
	releaseTimeout       = 15 * time.Second
	defaultUploadTimeout = 2 * time.Minute

	summarizePrompt = "Summarize the following content in a clear, concise manner."
)

var quizPrompt = fmt.Sprintf("Generate %d multiple choice questions based on the uploaded file. "+
	"Return ONLY a valid JSON array with this structure: "+
	`[{ "question_text": "...", "question_type": "mcq", "marks": 1, "choices": [{ "choice_text": "...", "is_correct": true/false }] }]. `+
	"Each question must have at least two choices and at least one correct choice.", questionCount)

// FileBackend holds a document for the duration of one request.
type FileBackend interface {
	UploadFile(ctx context.Context, displayName, mimeType string, data []byte) (*gemini.FileRef, error)
	DeleteFile(ctx context.Context, name string) error
}

type ResourceSaver interface {
	Save(ctx context.Context, courseID, createdBy int64, doc resource.Document) (*store.Resource, error)
}

type Request struct {
	Action   string
	CourseID int64
	Document resource.Document
}

type Result struct {
	Type       string              `json:"type"`
	Content    string              `json:"content"`
	Model      string              `json:"model"`
	Questions  []GeneratedQuestion `json:"questions,omitempty"`
	Quiz       *store.Quiz         `json:"quiz,omitempty"`
	ResourceID *int64              `json:"resource_id,omitempty"`
	Message    string              `json:"message,omitempty"`
}

type Config struct {
	QuizTimeLimit int
	// UploadTimeout bounds the upload and the wait for the file to turn ACTIVE.
	UploadTimeout time.Duration
}

type Service struct {
	cascade   *Cascade
	files     FileBackend
	store     store.Store
	resources ResourceSaver
	log       *logger.Logger
	tracer    trace.Tracer
	cfg       Config
}

func NewService(cascade *Cascade, files FileBackend, s store.Store, resources ResourceSaver, log *logger.Logger, cfg Config) *Service {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.QuizTimeLimit <= 0 {
		cfg.QuizTimeLimit = 30
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = defaultUploadTimeout
	}
	return &Service{
		cascade:   cascade,
		files:     files,
		store:     s,
		resources: resources,
		log:       log.With("service", "aigen"),
		tracer:    otel.Tracer("campusgenius/aigen"),
		cfg:       cfg,
	}
}

func (s *Service) Process(ctx context.Context, user *auth.User, req Request) (out *Result, err error) {
	ctx, span := s.tracer.Start(ctx, "aigen.Process", trace.WithAttributes(
		attribute.String("ai.action", req.Action),
		attribute.Int64("course.id", req.CourseID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := user.Require(auth.CapUseAI); err != nil {
		return nil, err
	}
	if req.Action != ActionSummarize && req.Action != ActionGenerateQuiz {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAction, req.Action)
	}
	if len(req.Document.Data) == 0 {
		return nil, ErrEmptyDocument
	}
	if s.cascade == nil || s.files == nil {
		return nil, ErrNotConfigured
	}

	var course *store.Course
	if req.CourseID > 0 {
		course, err = s.ownedCourse(ctx, user, req.CourseID)
		if err != nil {
			return nil, err
		}
	}

	var resourceID *int64
	if course != nil && s.resources != nil {
		res, err := s.resources.Save(ctx, course.ID, user.ID, req.Document)
		if err != nil {
			s.log.Warn("resource persistence failed", "course_id", course.ID, "file", req.Document.Name, "error", err)
		} else {
			resourceID = &res.ID
		}
	}

	uploadCtx, cancel := context.WithTimeout(ctx, s.cfg.UploadTimeout)
	handle, err := s.files.UploadFile(uploadCtx, req.Document.Name, req.Document.ContentType, req.Document.Data)
	cancel()
	// A failed upload may still have created the backend file.
	defer s.release(handle)
	if err != nil {
		return nil, fmt.Errorf("upload document: %w", err)
	}

	if req.Action == ActionSummarize {
		text, model, err := s.cascade.Run(ctx, summarizePrompt, handle)
		if err != nil {
			return nil, err
		}
		return &Result{Type: "summary", Content: text, Model: model, ResourceID: resourceID}, nil
	}

	text, model, err := s.cascade.Run(ctx, quizPrompt, handle)
	if err != nil {
		return nil, err
	}
	questions, err := ParseQuestions(model, text)
	if err != nil {
		s.log.Warn("generated quiz rejected", "model", model, "error", err)
		return nil, err
	}

	if course == nil {
		return &Result{
			Type:      "quiz",
			Content:   text,
			Model:     model,
			Questions: questions,
			Message:   "Quiz generated (preview only - select a course to save)",
		}, nil
	}

	quiz, err := s.persistQuiz(ctx, user, course.ID, req.Document.Name, model, questions)
	if err != nil {
		return nil, err
	}
	s.log.Info("ai quiz created", "quiz_id", quiz.ID, "course_id", course.ID, "model", model, "questions", len(questions), "total_marks", quiz.TotalMarks)
	return &Result{
		Type:       "quiz",
		Content:    text,
		Model:      model,
		Questions:  questions,
		Quiz:       quiz,
		ResourceID: resourceID,
		Message:    "Quiz generated successfully",
	}, nil
}

func (s *Service) ownedCourse(ctx context.Context, user *auth.User, id int64) (*store.Course, error) {
	c, err := s.store.GetCourse(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrCourseNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.FacultyID != user.ID && !user.Can(auth.CapViewAll) {
		return nil, ErrCourseNotFound
	}
	return c, nil
}

// NewQuizFromQuestions builds the creation contract for a generated quiz.
func NewQuizFromQuestions(courseID, createdBy int64, fileName string, timeLimit int, questions []GeneratedQuestion) store.NewQuiz {
	in := store.NewQuiz{
		CourseID:           courseID,
		Title:              "AI Generated Quiz - " + strings.TrimSpace(fileName),
		Description:        "Automatically generated from uploaded content",
		TimeLimit:          timeLimit,
		IsPublished:        false,
		MaxAttempts:        1,
		ShuffleQuestions:   true,
		ShowCorrectAnswers: true,
		CreatedBy:          createdBy,
		Questions:          make([]store.NewQuestion, 0, len(questions)),
	}
	for i, q := range questions {
		nq := store.NewQuestion{
			Text:  q.Text,
			Type:  store.QuestionMCQ,
			Marks: *q.Marks,
			Order: i + 1,
		}
		for _, c := range q.Choices {
			nq.Choices = append(nq.Choices, store.NewChoice{Text: c.Text, IsCorrect: c.IsCorrect})
		}
		in.Questions = append(in.Questions, nq)
	}
	return in
}

func (s *Service) persistQuiz(ctx context.Context, user *auth.User, courseID int64, fileName, model string, questions []GeneratedQuestion) (*store.Quiz, error) {
	in := NewQuizFromQuestions(courseID, user.ID, fileName, s.cfg.QuizTimeLimit, questions)
	if err := in.Validate(); err != nil {
		return nil, &MalformedGenerationError{Model: model, Reason: "quiz failed validation", Err: err}
	}

	var quiz *store.Quiz
	err := s.store.WithinTx(ctx, func(r store.Repo) error {
		created, err := r.CreateQuiz(ctx, in)
		if err != nil {
			return err
		}
		quiz = created
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist generated quiz: %w", err)
	}
	return quiz, nil
}

// release deletes the uploaded handle. It runs with its own context so a
// cancelled request still cleans up.
func (s *Service) release(handle *gemini.FileRef) {
	if handle == nil || handle.Name == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := s.files.DeleteFile(ctx, handle.Name); err != nil {
		s.log.Warn("release uploaded document failed", "file", handle.Name, "error", err)
	}
}
