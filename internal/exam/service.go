package exam

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"campusgenius/internal/auth"
	"campusgenius/internal/grading"
	"campusgenius/internal/logger"
	"campusgenius/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Service drives an attempt from start to completion and applies manual grades.
type Service struct {
	store         store.Store
	log           *logger.Logger
	passThreshold float64
	now           func() time.Time
	tracer        trace.Tracer
	metrics       Metrics
}

// Metrics receives attempt lifecycle counts once their transaction commits.
type Metrics interface {
	AttemptStarted()
	AttemptCompleted(passed bool)
}

type nopMetrics struct{}

func (nopMetrics) AttemptStarted()       {}
func (nopMetrics) AttemptCompleted(bool) {}

// AnswerInput carries exactly one populated field. An mcq answer may name the
// choice by id or by its text.
type AnswerInput struct {
	QuestionID       int64   `json:"question_id"`
	SelectedChoiceID *int64  `json:"selected_choice_id,omitempty"`
	SelectedOption   *string `json:"selected_option,omitempty"`
	TextAnswer       *string `json:"text_answer,omitempty"`
	CodeAnswer       *string `json:"code_answer,omitempty"`
	FileAnswer       *string `json:"file_answer,omitempty"`
}

type GradeInput struct {
	AnswerID int64  `json:"answer_id"`
	Marks    int    `json:"marks"`
	Feedback string `json:"feedback"`
}

type AttemptResult struct {
	Attempt store.Attempt  `json:"attempt"`
	Result  grading.Result `json:"result"`
}

type AttemptView struct {
	Attempt          store.Attempt   `json:"attempt"`
	QuizTitle        string          `json:"quiz_title"`
	TimeLimit        int             `json:"time_limit"`
	RemainingSeconds int64           `json:"remaining_seconds"`
	Answers          []store.Answer  `json:"answers"`
	Result           *grading.Result `json:"result,omitempty"`
}

func NewService(s store.Store, log *logger.Logger, passThreshold float64) *Service {
	if log == nil {
		log = logger.Nop()
	}
	if passThreshold <= 0 {
		passThreshold = grading.DefaultPassThreshold
	}
	return &Service{
		store:         s,
		log:           log.With("service", "exam"),
		passThreshold: passThreshold,
		now:           time.Now,
		tracer:        otel.Tracer("campusgenius/exam"),
		metrics:       nopMetrics{},
	}
}

func (s *Service) WithMetrics(m Metrics) *Service {
	if m != nil {
		s.metrics = m
	}
	return s
}

// StartAttempt checks publication, then the attempt limit, then for an
// in-flight attempt, and creates attempt number count+1. The checks and the
// insert share one transaction serialized per (quiz, student); the quiz row is
// share-locked so it cannot be unpublished, replaced or deleted mid-start.
func (s *Service) StartAttempt(ctx context.Context, user *auth.User, quizID int64) (out *store.Attempt, err error) {
	ctx, span := s.tracer.Start(ctx, "exam.StartAttempt", trace.WithAttributes(attribute.Int64("quiz.id", quizID)))
	defer func() { endSpan(span, err) }()

	if err := user.Require(auth.CapTakeQuiz); err != nil {
		return nil, err
	}

	err = s.store.WithinTx(ctx, func(r store.Repo) error {
		if err := r.LockAttemptSlot(ctx, quizID, user.ID); err != nil {
			return err
		}
		quiz, err := r.ShareQuiz(ctx, quizID)
		if err != nil {
			return err
		}
		if !quiz.IsPublished {
			return ErrNotPublished
		}

		count, err := r.CountAttempts(ctx, store.AttemptFilter{QuizID: quizID, StudentID: user.ID})
		if err != nil {
			return err
		}
		if count >= quiz.MaxAttempts && !quiz.AllowRetake {
			return ErrAttemptLimit
		}

		if _, err := r.ActiveAttempt(ctx, quizID, user.ID); err == nil {
			return ErrActiveAttempt
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		created, err := r.InsertAttempt(ctx, store.Attempt{
			QuizID:        quizID,
			StudentID:     user.ID,
			AttemptNumber: count + 1,
			StartedAt:     s.now(),
		})
		if errors.Is(err, store.ErrConflict) {
			return ErrActiveAttempt
		}
		if err != nil {
			return err
		}
		out = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.AttemptStarted()
	s.log.Info("attempt started", "attempt_id", out.ID, "quiz_id", quizID, "student", user.ID, "attempt_number", out.AttemptNumber)
	return out, nil
}

// SubmitAnswer records or overwrites the answer to one question.
func (s *Service) SubmitAnswer(ctx context.Context, user *auth.User, attemptID int64, in AnswerInput) (*store.Answer, error) {
	if err := user.Require(auth.CapTakeQuiz); err != nil {
		return nil, err
	}

	var out *store.Answer
	err := s.store.WithinTx(ctx, func(r store.Repo) error {
		attempt, err := r.LockAttempt(ctx, attemptID)
		if err != nil {
			return err
		}
		if attempt.StudentID != user.ID {
			return auth.ErrForbidden
		}
		if attempt.Completed() {
			return ErrAlreadyCompleted
		}
		questions, err := r.ListQuestions(ctx, attempt.QuizID)
		if err != nil {
			return err
		}
		out, err = saveAnswer(ctx, r, attempt.ID, questions, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteAttempt grades an in-progress attempt and marks it completed.
func (s *Service) CompleteAttempt(ctx context.Context, user *auth.User, attemptID int64) (out *AttemptResult, err error) {
	ctx, span := s.tracer.Start(ctx, "exam.CompleteAttempt", trace.WithAttributes(attribute.Int64("attempt.id", attemptID)))
	defer func() { endSpan(span, err) }()

	if err := user.Require(auth.CapTakeQuiz); err != nil {
		return nil, err
	}

	err = s.store.WithinTx(ctx, func(r store.Repo) error {
		attempt, err := r.LockAttempt(ctx, attemptID)
		if err != nil {
			return err
		}
		if attempt.StudentID != user.ID {
			return auth.ErrForbidden
		}
		out, err = s.finalize(ctx, r, attempt)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.AttemptCompleted(out.Result.IsPassed)
	s.log.Info("attempt completed", "attempt_id", attemptID, "score", out.Result.Score, "passed", out.Result.IsPassed)
	return out, nil
}

// SubmitAttempt saves a batch of answers against the caller's active attempt
// and completes it. Any rejected answer aborts the whole submission.
func (s *Service) SubmitAttempt(ctx context.Context, user *auth.User, quizID int64, answers []AnswerInput) (out *AttemptResult, err error) {
	ctx, span := s.tracer.Start(ctx, "exam.SubmitAttempt", trace.WithAttributes(attribute.Int64("quiz.id", quizID)))
	defer func() { endSpan(span, err) }()

	if err := user.Require(auth.CapTakeQuiz); err != nil {
		return nil, err
	}

	err = s.store.WithinTx(ctx, func(r store.Repo) error {
		active, err := r.ActiveAttempt(ctx, quizID, user.ID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoActiveAttempt
		}
		if err != nil {
			return err
		}
		attempt, err := r.LockAttempt(ctx, active.ID)
		if err != nil {
			return err
		}
		if attempt.Completed() {
			return ErrAlreadyCompleted
		}
		questions, err := r.ListQuestions(ctx, quizID)
		if err != nil {
			return err
		}
		for _, in := range answers {
			if _, err := saveAnswer(ctx, r, attempt.ID, questions, in); err != nil {
				return err
			}
		}
		out, err = s.finalize(ctx, r, attempt)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.AttemptCompleted(out.Result.IsPassed)
	s.log.Info("attempt submitted", "attempt_id", out.Attempt.ID, "answers", len(answers), "score", out.Result.Score)
	return out, nil
}

// finalize must run under the attempt row lock.
func (s *Service) finalize(ctx context.Context, r store.Repo, attempt *store.Attempt) (*AttemptResult, error) {
	if attempt.Completed() {
		return nil, ErrAlreadyCompleted
	}
	questions, err := r.ListQuestions(ctx, attempt.QuizID)
	if err != nil {
		return nil, err
	}
	answers, err := r.ListAnswers(ctx, attempt.ID)
	if err != nil {
		return nil, err
	}

	res := grading.Grade(questions, answers, s.passThreshold)
	for _, item := range res.Items {
		if !item.AutoGraded || item.AnswerID == 0 {
			continue
		}
		if err := r.SetAnswerGrade(ctx, store.AnswerGrade{
			AnswerID:  item.AnswerID,
			IsCorrect: item.IsCorrect,
			Marks:     item.Marks,
		}); err != nil {
			return nil, err
		}
	}

	completedAt := s.now()
	if err := r.CompleteAttempt(ctx, attempt.ID, completedAt, res.Score, res.IsPassed); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAlreadyCompleted
		}
		return nil, err
	}

	done := *attempt
	done.CompletedAt = &completedAt
	score := res.Score
	done.Score = &score
	done.IsPassed = res.IsPassed
	return &AttemptResult{Attempt: done, Result: res}, nil
}

// RecordGrades applies manual marks to subjective answers of a completed
// attempt, then re-derives the attempt score from the full answer set while
// still holding the attempt lock.
func (s *Service) RecordGrades(ctx context.Context, user *auth.User, attemptID int64, grades []GradeInput) (out *AttemptResult, err error) {
	ctx, span := s.tracer.Start(ctx, "exam.RecordGrades", trace.WithAttributes(attribute.Int64("attempt.id", attemptID), attribute.Int("grades", len(grades))))
	defer func() { endSpan(span, err) }()

	if err := user.Require(auth.CapGradeAttempt); err != nil {
		return nil, err
	}

	err = s.store.WithinTx(ctx, func(r store.Repo) error {
		attempt, err := r.LockAttempt(ctx, attemptID)
		if err != nil {
			return err
		}
		quiz, err := r.GetQuiz(ctx, attempt.QuizID)
		if err != nil {
			return err
		}
		if quiz.CreatedBy != user.ID {
			return auth.ErrNotQuizOwner
		}
		if !attempt.Completed() {
			return ErrAttemptNotCompleted
		}

		questions, err := r.ListQuestions(ctx, attempt.QuizID)
		if err != nil {
			return err
		}
		answers, err := r.ListAnswers(ctx, attempt.ID)
		if err != nil {
			return err
		}
		questionByID := make(map[int64]store.Question, len(questions))
		for _, q := range questions {
			questionByID[q.ID] = q
		}
		answerByID := make(map[int64]store.Answer, len(answers))
		for _, a := range answers {
			answerByID[a.ID] = a
		}

		gradedAt := s.now()
		graderID := user.ID
		for _, g := range grades {
			ans, ok := answerByID[g.AnswerID]
			if !ok {
				return ErrAnswerNotInAttempt
			}
			q, ok := questionByID[ans.QuestionID]
			if !ok {
				return ErrInvalidQuestion
			}
			if !q.Type.IsSubjective() {
				return ErrAutoGradedAnswer
			}
			if g.Marks < 0 || g.Marks > q.Marks {
				return ErrInvalidMarks
			}
			if err := r.SetAnswerGrade(ctx, store.AnswerGrade{
				AnswerID:  ans.ID,
				IsCorrect: g.Marks >= q.Marks,
				Marks:     g.Marks,
				Feedback:  strings.TrimSpace(g.Feedback),
				GradedBy:  &graderID,
				GradedAt:  &gradedAt,
			}); err != nil {
				return err
			}
			s.log.Info("manual grade recorded",
				"attempt_id", attempt.ID,
				"answer_id", ans.ID,
				"question_id", q.ID,
				"grader", graderID,
				"previous_marks", ans.MarksObtained,
				"marks", g.Marks,
			)
		}

		fresh, err := r.ListAnswers(ctx, attempt.ID)
		if err != nil {
			return err
		}
		res := grading.Grade(questions, fresh, s.passThreshold)
		if err := r.UpdateAttemptScore(ctx, attempt.ID, res.Score, res.IsPassed); err != nil {
			return err
		}

		updated := *attempt
		score := res.Score
		updated.Score = &score
		updated.IsPassed = res.IsPassed
		out = &AttemptResult{Attempt: updated, Result: res}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetAttempt returns an attempt to its student, the quiz author or an admin.
func (s *Service) GetAttempt(ctx context.Context, user *auth.User, attemptID int64) (*AttemptView, error) {
	attempt, quiz, err := s.loadVisibleAttempt(ctx, user, attemptID)
	if err != nil {
		return nil, err
	}
	answers, err := s.store.ListAnswers(ctx, attempt.ID)
	if err != nil {
		return nil, err
	}

	view := &AttemptView{
		Attempt:   *attempt,
		QuizTitle: quiz.Title,
		TimeLimit: quiz.TimeLimit,
		Answers:   answers,
	}
	if !attempt.Completed() {
		deadline := attempt.StartedAt.Add(time.Duration(quiz.TimeLimit) * time.Minute)
		if remaining := deadline.Sub(s.now()); remaining > 0 {
			view.RemainingSeconds = int64(remaining.Seconds())
		}
		return view, nil
	}

	if revealAnswers(user, quiz, attempt) {
		questions, err := s.store.ListQuestions(ctx, attempt.QuizID)
		if err != nil {
			return nil, err
		}
		res := grading.Grade(questions, answers, s.passThreshold)
		view.Result = &res
	} else {
		for i := range view.Answers {
			view.Answers[i].IsCorrect = false
			view.Answers[i].MarksObtained = 0
		}
	}
	return view, nil
}

// AttemptQuestions lists the quiz questions for an attempt. Shuffled quizzes
// use a permutation seeded by the attempt id, so reloads keep the order.
func (s *Service) AttemptQuestions(ctx context.Context, user *auth.User, attemptID int64) ([]store.Question, error) {
	attempt, quiz, err := s.loadVisibleAttempt(ctx, user, attemptID)
	if err != nil {
		return nil, err
	}
	questions, err := s.store.ListQuestions(ctx, quiz.ID)
	if err != nil {
		return nil, err
	}
	if quiz.ShuffleQuestions && attempt.StudentID == user.ID {
		rng := rand.New(rand.NewPCG(uint64(attempt.ID), uint64(attempt.QuizID)))
		rng.Shuffle(len(questions), func(i, j int) { questions[i], questions[j] = questions[j], questions[i] })
	}
	if !revealAnswers(user, quiz, attempt) {
		for i := range questions {
			questions[i].Choices = redactChoices(questions[i].Choices)
		}
	}
	return questions, nil
}

// ListAttempts scopes by role: students see their own attempts, faculty see
// attempts on quizzes they authored and admins see everything.
func (s *Service) ListAttempts(ctx context.Context, user *auth.User, quizID int64) ([]store.Attempt, error) {
	if user == nil {
		return nil, auth.ErrUnauthenticated
	}
	f := store.AttemptFilter{QuizID: quizID}
	switch {
	case user.Can(auth.CapViewAll):
	case user.Can(auth.CapViewResults):
		f.QuizOwnerID = user.ID
	case user.Can(auth.CapTakeQuiz):
		f.StudentID = user.ID
	default:
		return nil, auth.ErrForbidden
	}
	return s.store.ListAttempts(ctx, f)
}

func (s *Service) loadVisibleAttempt(ctx context.Context, user *auth.User, attemptID int64) (*store.Attempt, *store.Quiz, error) {
	if user == nil {
		return nil, nil, auth.ErrUnauthenticated
	}
	attempt, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, nil, err
	}
	quiz, err := s.store.GetQuiz(ctx, attempt.QuizID)
	if err != nil {
		return nil, nil, err
	}
	if attempt.StudentID != user.ID && quiz.CreatedBy != user.ID && !user.Can(auth.CapViewAll) {
		return nil, nil, auth.ErrForbidden
	}
	return attempt, quiz, nil
}

// saveAnswer validates in against the quiz questions and upserts it.
func saveAnswer(ctx context.Context, r store.Repo, attemptID int64, questions []store.Question, in AnswerInput) (*store.Answer, error) {
	var question *store.Question
	for i := range questions {
		if questions[i].ID == in.QuestionID {
			question = &questions[i]
			break
		}
	}
	if question == nil {
		return nil, ErrInvalidQuestion
	}

	answer, err := normalizeAnswer(*question, in)
	if err != nil {
		return nil, err
	}
	answer.AttemptID = attemptID
	saved, err := r.UpsertAnswer(ctx, answer)
	if err != nil {
		return nil, fmt.Errorf("save answer: %w", err)
	}
	return saved, nil
}

func normalizeAnswer(q store.Question, in AnswerInput) (store.Answer, error) {
	populated := 0
	for _, set := range []bool{
		in.SelectedChoiceID != nil,
		nonBlank(in.SelectedOption),
		nonBlank(in.TextAnswer),
		nonBlank(in.CodeAnswer),
		nonBlank(in.FileAnswer),
	} {
		if set {
			populated++
		}
	}
	if populated != 1 {
		return store.Answer{}, ErrAnswerMismatch
	}

	out := store.Answer{QuestionID: q.ID}
	switch q.Type {
	case store.QuestionMCQ:
		choiceID, err := resolveChoice(q, in)
		if err != nil {
			return store.Answer{}, err
		}
		out.SelectedChoiceID = &choiceID
	case store.QuestionText:
		if !nonBlank(in.TextAnswer) {
			return store.Answer{}, ErrAnswerMismatch
		}
		out.TextAnswer = in.TextAnswer
	case store.QuestionCode:
		if !nonBlank(in.CodeAnswer) {
			return store.Answer{}, ErrAnswerMismatch
		}
		out.CodeAnswer = in.CodeAnswer
	case store.QuestionFile:
		if !nonBlank(in.FileAnswer) {
			return store.Answer{}, ErrAnswerMismatch
		}
		out.FileAnswer = in.FileAnswer
	default:
		return store.Answer{}, ErrAnswerMismatch
	}
	return out, nil
}

func resolveChoice(q store.Question, in AnswerInput) (int64, error) {
	switch {
	case in.SelectedChoiceID != nil:
		for _, c := range q.Choices {
			if c.ID == *in.SelectedChoiceID {
				return c.ID, nil
			}
		}
		return 0, ErrInvalidChoice
	case nonBlank(in.SelectedOption):
		want := strings.TrimSpace(*in.SelectedOption)
		for _, c := range q.Choices {
			if strings.EqualFold(strings.TrimSpace(c.Text), want) {
				return c.ID, nil
			}
		}
		return 0, ErrInvalidChoice
	default:
		return 0, ErrAnswerMismatch
	}
}

func revealAnswers(user *auth.User, quiz *store.Quiz, attempt *store.Attempt) bool {
	if quiz.CreatedBy == user.ID || user.Can(auth.CapViewAll) {
		return true
	}
	return attempt.Completed() && quiz.ShowCorrectAnswers
}

func redactChoices(in []store.Choice) []store.Choice {
	out := make([]store.Choice, len(in))
	for i, c := range in {
		c.IsCorrect = false
		c.Explanation = ""
		out[i] = c
	}
	return out
}

func nonBlank(s *string) bool {
	return s != nil && strings.TrimSpace(*s) != ""
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
