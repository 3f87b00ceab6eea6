// Package store persists quizzes, questions, attempts and answers.
//
// Repo is the full set of row operations. Store adds WithinTx, which runs a
// function against a Repo bound to one transaction; everything the function
// does commits or rolls back together.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

type QuestionType string

const (
	QuestionMCQ  QuestionType = "mcq"
	QuestionText QuestionType = "text"
	QuestionCode QuestionType = "code"
	QuestionFile QuestionType = "file"
)

// IsSubjective reports whether answers of this type need a human grade.
func (t QuestionType) IsSubjective() bool {
	return t == QuestionText || t == QuestionCode || t == QuestionFile
}

type Quiz struct {
	ID                 int64     `json:"id"`
	CourseID           int64     `json:"course_id"`
	Title              string    `json:"title"`
	Description        string    `json:"description"`
	TimeLimit          int       `json:"time_limit"`
	TotalMarks         int       `json:"total_marks"`
	IsPublished        bool      `json:"is_published"`
	AllowRetake        bool      `json:"allow_retake"`
	MaxAttempts        int       `json:"max_attempts"`
	ShuffleQuestions   bool      `json:"shuffle_questions"`
	ShowCorrectAnswers bool      `json:"show_correct_answers"`
	CreatedBy          int64     `json:"created_by"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

type Question struct {
	ID           int64           `json:"id"`
	QuizID       int64           `json:"quiz_id"`
	Text         string          `json:"question_text"`
	Type         QuestionType    `json:"question_type"`
	Marks        int             `json:"marks"`
	Order        int             `json:"order"`
	CodeLanguage string          `json:"code_language,omitempty"`
	CodeTemplate string          `json:"code_template,omitempty"`
	TestCases    json.RawMessage `json:"test_cases,omitempty"`
	Choices      []Choice        `json:"choices,omitempty"`
}

type Choice struct {
	ID          int64  `json:"id"`
	QuestionID  int64  `json:"question_id"`
	Text        string `json:"choice_text"`
	IsCorrect   bool   `json:"is_correct"`
	Explanation string `json:"explanation,omitempty"`
}

type Attempt struct {
	ID            int64      `json:"id"`
	QuizID        int64      `json:"quiz_id"`
	StudentID     int64      `json:"student_id"`
	AttemptNumber int        `json:"attempt_number"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Score         *float64   `json:"score,omitempty"`
	IsPassed      bool       `json:"is_passed"`
}

func (a *Attempt) Completed() bool {
	return a.CompletedAt != nil
}

type Answer struct {
	ID               int64      `json:"id"`
	AttemptID        int64      `json:"attempt_id"`
	QuestionID       int64      `json:"question_id"`
	SelectedChoiceID *int64     `json:"selected_choice_id,omitempty"`
	TextAnswer       *string    `json:"text_answer,omitempty"`
	CodeAnswer       *string    `json:"code_answer,omitempty"`
	FileAnswer       *string    `json:"file_answer,omitempty"`
	IsCorrect        bool       `json:"is_correct"`
	MarksObtained    int        `json:"marks_obtained"`
	Feedback         string     `json:"feedback,omitempty"`
	GradedBy         *int64     `json:"graded_by,omitempty"`
	GradedAt         *time.Time `json:"graded_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// AnswerGrade overwrites the grading columns of one answer.
type AnswerGrade struct {
	AnswerID  int64
	IsCorrect bool
	Marks     int
	Feedback  string
	GradedBy  *int64
	GradedAt  *time.Time
}

type Course struct {
	ID        int64  `json:"id"`
	FacultyID int64  `json:"faculty_id"`
	Code      string `json:"code"`
	Title     string `json:"title"`
}

type Resource struct {
	ID           int64     `json:"id"`
	CourseID     int64     `json:"course_id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	ResourceType string    `json:"resource_type"`
	StorageKey   string    `json:"storage_key"`
	ContentType  string    `json:"content_type"`
	SizeBytes    int64     `json:"size_bytes"`
	IsPublic     bool      `json:"is_public"`
	CreatedBy    int64     `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
}

type QuizFilter struct {
	CreatedBy     int64
	CourseID      int64
	PublishedOnly bool
}

// AttemptFilter selects attempts; zero fields match anything.
type AttemptFilter struct {
	QuizID      int64
	StudentID   int64
	QuizOwnerID int64
}

// NewQuiz is the single creation contract shared by manual authoring and AI
// generation. TotalMarks is always derived from the questions.
type NewQuiz struct {
	CourseID           int64         `json:"course_id" validate:"gt=0"`
	Title              string        `json:"title" validate:"required,max=200"`
	Description        string        `json:"description"`
	TimeLimit          int           `json:"time_limit" validate:"gt=0"`
	IsPublished        bool          `json:"is_published"`
	AllowRetake        bool          `json:"allow_retake"`
	MaxAttempts        int           `json:"max_attempts" validate:"gte=1"`
	ShuffleQuestions   bool          `json:"shuffle_questions"`
	ShowCorrectAnswers bool          `json:"show_correct_answers"`
	CreatedBy          int64         `json:"created_by" validate:"gt=0"`
	Questions          []NewQuestion `json:"questions" validate:"dive"`
}

type NewQuestion struct {
	Text         string          `json:"question_text" validate:"required"`
	Type         QuestionType    `json:"question_type" validate:"oneof=mcq text code file"`
	Marks        int             `json:"marks" validate:"gt=0"`
	Order        int             `json:"order" validate:"gte=0"`
	CodeLanguage string          `json:"code_language"`
	CodeTemplate string          `json:"code_template"`
	TestCases    json.RawMessage `json:"test_cases"`
	Choices      []NewChoice     `json:"choices" validate:"dive"`
}

type NewChoice struct {
	Text        string `json:"choice_text" validate:"required"`
	IsCorrect   bool   `json:"is_correct"`
	Explanation string `json:"explanation"`
}

func (n NewQuiz) TotalMarks() int {
	total := 0
	for _, q := range n.Questions {
		total += q.Marks
	}
	return total
}

// ValidationError describes the first invariant a NewQuiz breaks.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid quiz: %s %s", e.Field, e.Reason)
}

var validate = validator.New()

// Validate checks field constraints, strictly increasing question order and
// that every mcq question has at least one correct choice.
func (n NewQuiz) Validate() error {
	if err := validate.Struct(n); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ValidationError{Field: jsonPath(fe.Namespace()), Reason: "failed " + fe.Tag()}
		}
		return &ValidationError{Field: "quiz", Reason: err.Error()}
	}

	prev := -1
	for i, q := range n.Questions {
		if q.Order <= prev {
			return &ValidationError{Field: fmt.Sprintf("questions[%d].order", i), Reason: "must be strictly increasing"}
		}
		prev = q.Order

		if q.Type != QuestionMCQ {
			continue
		}
		hasCorrect := false
		for _, c := range q.Choices {
			if c.IsCorrect {
				hasCorrect = true
				break
			}
		}
		if !hasCorrect {
			return &ValidationError{Field: fmt.Sprintf("questions[%d].choices", i), Reason: "needs a correct choice"}
		}
	}
	return nil
}

func jsonPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		ns = ns[i+1:]
	}
	return strings.ToLower(ns)
}

type Repo interface {
	CreateQuiz(ctx context.Context, in NewQuiz) (*Quiz, error)
	GetQuiz(ctx context.Context, id int64) (*Quiz, error)
	LockQuiz(ctx context.Context, id int64) (*Quiz, error)
	// ShareQuiz reads the quiz and holds it against concurrent writers
	// until the surrounding transaction ends.
	ShareQuiz(ctx context.Context, id int64) (*Quiz, error)
	ListQuizzes(ctx context.Context, f QuizFilter) ([]Quiz, error)
	ReplaceQuiz(ctx context.Context, id int64, in NewQuiz) (*Quiz, error)
	SetQuizPublished(ctx context.Context, id int64, published bool) error
	DeleteQuiz(ctx context.Context, id int64) error
	ListQuestions(ctx context.Context, quizID int64) ([]Question, error)

	LockAttemptSlot(ctx context.Context, quizID, studentID int64) error
	CountAttempts(ctx context.Context, f AttemptFilter) (int, error)
	ActiveAttempt(ctx context.Context, quizID, studentID int64) (*Attempt, error)
	InsertAttempt(ctx context.Context, a Attempt) (*Attempt, error)
	GetAttempt(ctx context.Context, id int64) (*Attempt, error)
	LockAttempt(ctx context.Context, id int64) (*Attempt, error)
	ListAttempts(ctx context.Context, f AttemptFilter) ([]Attempt, error)
	CompleteAttempt(ctx context.Context, id int64, completedAt time.Time, score float64, passed bool) error
	UpdateAttemptScore(ctx context.Context, id int64, score float64, passed bool) error

	UpsertAnswer(ctx context.Context, a Answer) (*Answer, error)
	ListAnswers(ctx context.Context, attemptID int64) ([]Answer, error)
	SetAnswerGrade(ctx context.Context, g AnswerGrade) error

	GetCourse(ctx context.Context, id int64) (*Course, error)
	InsertResource(ctx context.Context, r Resource) (*Resource, error)
}

type Store interface {
	Repo
	WithinTx(ctx context.Context, fn func(Repo) error) error
}
