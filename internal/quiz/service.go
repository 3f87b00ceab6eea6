// Package quiz is the authoring side of assessments: faculty create, edit,
// publish and delete quizzes through the same store.NewQuiz contract that AI
// generation uses.
package quiz

import (
	"context"
	"errors"
	"fmt"

	"campusgenius/internal/auth"
	"campusgenius/internal/logger"
	"campusgenius/internal/store"
)

var (
	ErrCourseNotFound = errors.New("course not found")
	ErrQuizLocked     = errors.New("quiz is published or already has attempts")
	ErrNoQuestions    = errors.New("quiz has no questions")
)

type Service struct {
	store store.Store
	log   *logger.Logger
}

// Detail is a quiz with its ordered questions.
type Detail struct {
	store.Quiz
	Questions []store.Question `json:"questions"`
}

func NewService(s store.Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{store: s, log: log.With("service", "quiz")}
}

func (s *Service) Create(ctx context.Context, user *auth.User, in store.NewQuiz) (*Detail, error) {
	if err := user.Require(auth.CapAuthorQuiz); err != nil {
		return nil, err
	}
	in.CreatedBy = user.ID
	if err := s.checkCourse(ctx, s.store, user, in.CourseID); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	created, err := s.store.CreateQuiz(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("create quiz: %w", err)
	}
	questions, err := s.store.ListQuestions(ctx, created.ID)
	if err != nil {
		return nil, err
	}
	s.log.Info("quiz created", "quiz_id", created.ID, "course_id", created.CourseID, "by", user.ID, "questions", len(questions))
	return &Detail{Quiz: *created, Questions: questions}, nil
}

// List returns the quizzes a caller may see. Faculty see what they authored,
// admins see everything and students see published quizzes only.
func (s *Service) List(ctx context.Context, user *auth.User, courseID int64) ([]store.Quiz, error) {
	if user == nil {
		return nil, auth.ErrUnauthenticated
	}
	f := store.QuizFilter{CourseID: courseID}
	switch {
	case user.Can(auth.CapViewAll):
	case user.Can(auth.CapAuthorQuiz):
		f.CreatedBy = user.ID
	default:
		f.PublishedOnly = true
	}
	return s.store.ListQuizzes(ctx, f)
}

// Get returns the quiz with its questions. Correct choices are only visible to
// the author and admins; everyone else sees a published quiz without them.
func (s *Service) Get(ctx context.Context, user *auth.User, id int64) (*Detail, error) {
	if user == nil {
		return nil, auth.ErrUnauthenticated
	}
	q, err := s.store.GetQuiz(ctx, id)
	if err != nil {
		return nil, err
	}
	full := q.CreatedBy == user.ID || user.Can(auth.CapViewAll)
	if !full && !q.IsPublished {
		return nil, store.ErrNotFound
	}

	questions, err := s.store.ListQuestions(ctx, id)
	if err != nil {
		return nil, err
	}
	if !full {
		for i := range questions {
			for j := range questions[i].Choices {
				questions[i].Choices[j].IsCorrect = false
				questions[i].Choices[j].Explanation = ""
			}
		}
	}
	return &Detail{Quiz: *q, Questions: questions}, nil
}

// Update replaces the quiz and its questions. Only unpublished quizzes
// without attempts can change, so grades never refer to edited questions.
func (s *Service) Update(ctx context.Context, user *auth.User, id int64, in store.NewQuiz) (*Detail, error) {
	if err := user.Require(auth.CapAuthorQuiz); err != nil {
		return nil, err
	}
	in.CreatedBy = user.ID
	if err := in.Validate(); err != nil {
		return nil, err
	}

	var out *Detail
	err := s.store.WithinTx(ctx, func(r store.Repo) error {
		q, err := s.lockOwned(ctx, r, user, id)
		if err != nil {
			return err
		}
		if q.IsPublished {
			return ErrQuizLocked
		}
		n, err := r.CountAttempts(ctx, store.AttemptFilter{QuizID: id})
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrQuizLocked
		}

		in.CreatedBy = q.CreatedBy
		if in.CourseID != q.CourseID {
			if err := s.checkCourse(ctx, r, user, in.CourseID); err != nil {
				return err
			}
		}
		updated, err := r.ReplaceQuiz(ctx, id, in)
		if err != nil {
			return fmt.Errorf("replace quiz: %w", err)
		}
		questions, err := r.ListQuestions(ctx, id)
		if err != nil {
			return err
		}
		out = &Detail{Quiz: *updated, Questions: questions}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("quiz updated", "quiz_id", id, "by", user.ID)
	return out, nil
}

func (s *Service) Publish(ctx context.Context, user *auth.User, id int64) error {
	return s.setPublished(ctx, user, id, true)
}

func (s *Service) Unpublish(ctx context.Context, user *auth.User, id int64) error {
	return s.setPublished(ctx, user, id, false)
}

func (s *Service) setPublished(ctx context.Context, user *auth.User, id int64, published bool) error {
	if err := user.Require(auth.CapAuthorQuiz); err != nil {
		return err
	}
	err := s.store.WithinTx(ctx, func(r store.Repo) error {
		if _, err := s.lockOwned(ctx, r, user, id); err != nil {
			return err
		}
		if published {
			questions, err := r.ListQuestions(ctx, id)
			if err != nil {
				return err
			}
			if len(questions) == 0 {
				return ErrNoQuestions
			}
		}
		return r.SetQuizPublished(ctx, id, published)
	})
	if err != nil {
		return err
	}
	s.log.Info("quiz publication changed", "quiz_id", id, "published", published, "by", user.ID)
	return nil
}

// Delete removes the quiz along with its questions, attempts and answers.
func (s *Service) Delete(ctx context.Context, user *auth.User, id int64) error {
	if err := user.Require(auth.CapAuthorQuiz); err != nil {
		return err
	}
	err := s.store.WithinTx(ctx, func(r store.Repo) error {
		if _, err := s.lockOwned(ctx, r, user, id); err != nil {
			return err
		}
		return r.DeleteQuiz(ctx, id)
	})
	if err != nil {
		return err
	}
	s.log.Warn("quiz deleted", "quiz_id", id, "by", user.ID)
	return nil
}

func (s *Service) lockOwned(ctx context.Context, r store.Repo, user *auth.User, id int64) (*store.Quiz, error) {
	q, err := r.LockQuiz(ctx, id)
	if err != nil {
		return nil, err
	}
	if q.CreatedBy != user.ID && !user.Can(auth.CapViewAll) {
		return nil, auth.ErrNotQuizOwner
	}
	return q, nil
}

func (s *Service) checkCourse(ctx context.Context, r store.Repo, user *auth.User, courseID int64) error {
	if courseID <= 0 {
		return &store.ValidationError{Field: "course_id", Reason: "failed gt"}
	}
	c, err := r.GetCourse(ctx, courseID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrCourseNotFound
	}
	if err != nil {
		return err
	}
	if c.FacultyID != user.ID && !user.Can(auth.CapViewAll) {
		return ErrCourseNotFound
	}
	return nil
}
