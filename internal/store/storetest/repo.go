package storetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"campusgenius/internal/store"
)

type repo struct {
	st *state
	m  *Memory
}

func (r *repo) fail(op string) error {
	if r.m.Fail == nil {
		return nil
	}
	return r.m.Fail(op)
}

func (r *repo) now() time.Time {
	if r.m.Now == nil {
		return time.Now()
	}
	return r.m.Now()
}

func (r *repo) CreateQuiz(ctx context.Context, in store.NewQuiz) (*store.Quiz, error) {
	if err := r.fail("CreateQuiz"); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	now := r.now()
	q := store.Quiz{
		ID:                 r.st.id(),
		CourseID:           in.CourseID,
		Title:              in.Title,
		Description:        in.Description,
		TimeLimit:          in.TimeLimit,
		TotalMarks:         in.TotalMarks(),
		IsPublished:        in.IsPublished,
		AllowRetake:        in.AllowRetake,
		MaxAttempts:        in.MaxAttempts,
		ShuffleQuestions:   in.ShuffleQuestions,
		ShowCorrectAnswers: in.ShowCorrectAnswers,
		CreatedBy:          in.CreatedBy,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	r.st.quizzes[q.ID] = q
	if err := r.insertQuestions(q.ID, in.Questions); err != nil {
		return nil, err
	}
	return &q, nil
}

func (r *repo) insertQuestions(quizID int64, in []store.NewQuestion) error {
	out := make([]store.Question, 0, len(in))
	for _, nq := range in {
		if err := r.fail("InsertQuestion"); err != nil {
			return err
		}
		q := store.Question{
			ID:           r.st.id(),
			QuizID:       quizID,
			Text:         nq.Text,
			Type:         nq.Type,
			Marks:        nq.Marks,
			Order:        nq.Order,
			CodeLanguage: nq.CodeLanguage,
			CodeTemplate: nq.CodeTemplate,
			TestCases:    nq.TestCases,
		}
		for _, nc := range nq.Choices {
			q.Choices = append(q.Choices, store.Choice{
				ID:          r.st.id(),
				QuestionID:  q.ID,
				Text:        nc.Text,
				IsCorrect:   nc.IsCorrect,
				Explanation: nc.Explanation,
			})
		}
		out = append(out, q)
	}
	r.st.questions[quizID] = out
	return nil
}

func (r *repo) GetQuiz(ctx context.Context, id int64) (*store.Quiz, error) {
	if err := r.fail("GetQuiz"); err != nil {
		return nil, err
	}
	q, ok := r.st.quizzes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &q, nil
}

func (r *repo) LockQuiz(ctx context.Context, id int64) (*store.Quiz, error) {
	return r.GetQuiz(ctx, id)
}

// ShareQuiz needs no row lock here since transactions are serialized.
func (r *repo) ShareQuiz(ctx context.Context, id int64) (*store.Quiz, error) {
	if err := r.fail("ShareQuiz"); err != nil {
		return nil, err
	}
	q, ok := r.st.quizzes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &q, nil
}

func (r *repo) ListQuizzes(ctx context.Context, f store.QuizFilter) ([]store.Quiz, error) {
	if err := r.fail("ListQuizzes"); err != nil {
		return nil, err
	}
	out := make([]store.Quiz, 0)
	for _, q := range r.st.quizzes {
		if f.CreatedBy > 0 && q.CreatedBy != f.CreatedBy {
			continue
		}
		if f.CourseID > 0 && q.CourseID != f.CourseID {
			continue
		}
		if f.PublishedOnly && !q.IsPublished {
			continue
		}
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (r *repo) ReplaceQuiz(ctx context.Context, id int64, in store.NewQuiz) (*store.Quiz, error) {
	if err := r.fail("ReplaceQuiz"); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	q, ok := r.st.quizzes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	q.CourseID = in.CourseID
	q.Title = in.Title
	q.Description = in.Description
	q.TimeLimit = in.TimeLimit
	q.TotalMarks = in.TotalMarks()
	q.AllowRetake = in.AllowRetake
	q.MaxAttempts = in.MaxAttempts
	q.ShuffleQuestions = in.ShuffleQuestions
	q.ShowCorrectAnswers = in.ShowCorrectAnswers
	q.UpdatedAt = r.now()
	r.st.quizzes[id] = q
	if err := r.insertQuestions(id, in.Questions); err != nil {
		return nil, err
	}
	return &q, nil
}

func (r *repo) SetQuizPublished(ctx context.Context, id int64, published bool) error {
	if err := r.fail("SetQuizPublished"); err != nil {
		return err
	}
	q, ok := r.st.quizzes[id]
	if !ok {
		return store.ErrNotFound
	}
	q.IsPublished = published
	q.UpdatedAt = r.now()
	r.st.quizzes[id] = q
	return nil
}

func (r *repo) DeleteQuiz(ctx context.Context, id int64) error {
	if err := r.fail("DeleteQuiz"); err != nil {
		return err
	}
	if _, ok := r.st.quizzes[id]; !ok {
		return store.ErrNotFound
	}
	delete(r.st.quizzes, id)
	delete(r.st.questions, id)
	for aid, a := range r.st.attempts {
		if a.QuizID != id {
			continue
		}
		delete(r.st.attempts, aid)
		for ansID, ans := range r.st.answers {
			if ans.AttemptID == aid {
				delete(r.st.answers, ansID)
			}
		}
	}
	return nil
}

func (r *repo) ListQuestions(ctx context.Context, quizID int64) ([]store.Question, error) {
	if err := r.fail("ListQuestions"); err != nil {
		return nil, err
	}
	qs := r.st.questions[quizID]
	out := make([]store.Question, len(qs))
	for i, q := range qs {
		q.Choices = append([]store.Choice(nil), q.Choices...)
		out[i] = q
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

// LockAttemptSlot is a no-op: WithinTx already serializes every transaction.
func (r *repo) LockAttemptSlot(ctx context.Context, quizID, studentID int64) error {
	return r.fail("LockAttemptSlot")
}

func (r *repo) matchAttempt(a store.Attempt, f store.AttemptFilter) bool {
	if f.QuizID > 0 && a.QuizID != f.QuizID {
		return false
	}
	if f.StudentID > 0 && a.StudentID != f.StudentID {
		return false
	}
	if f.QuizOwnerID > 0 && r.st.quizzes[a.QuizID].CreatedBy != f.QuizOwnerID {
		return false
	}
	return true
}

func (r *repo) CountAttempts(ctx context.Context, f store.AttemptFilter) (int, error) {
	if err := r.fail("CountAttempts"); err != nil {
		return 0, err
	}
	n := 0
	for _, a := range r.st.attempts {
		if r.matchAttempt(a, f) {
			n++
		}
	}
	return n, nil
}

func (r *repo) ActiveAttempt(ctx context.Context, quizID, studentID int64) (*store.Attempt, error) {
	if err := r.fail("ActiveAttempt"); err != nil {
		return nil, err
	}
	for _, a := range r.st.attempts {
		if a.QuizID == quizID && a.StudentID == studentID && a.CompletedAt == nil {
			return &a, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *repo) InsertAttempt(ctx context.Context, in store.Attempt) (*store.Attempt, error) {
	if err := r.fail("InsertAttempt"); err != nil {
		return nil, err
	}
	if _, ok := r.st.quizzes[in.QuizID]; !ok {
		return nil, store.ErrNotFound
	}
	for _, a := range r.st.attempts {
		if a.QuizID != in.QuizID || a.StudentID != in.StudentID {
			continue
		}
		if a.AttemptNumber == in.AttemptNumber {
			return nil, fmt.Errorf("insert attempt: attempt number taken: %w", store.ErrConflict)
		}
		if a.CompletedAt == nil {
			return nil, fmt.Errorf("insert attempt: active attempt exists: %w", store.ErrConflict)
		}
	}
	in.ID = r.st.id()
	in.CompletedAt = nil
	in.Score = nil
	in.IsPassed = false
	r.st.attempts[in.ID] = in
	return &in, nil
}

func (r *repo) GetAttempt(ctx context.Context, id int64) (*store.Attempt, error) {
	if err := r.fail("GetAttempt"); err != nil {
		return nil, err
	}
	a, ok := r.st.attempts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

func (r *repo) LockAttempt(ctx context.Context, id int64) (*store.Attempt, error) {
	return r.GetAttempt(ctx, id)
}

func (r *repo) ListAttempts(ctx context.Context, f store.AttemptFilter) ([]store.Attempt, error) {
	if err := r.fail("ListAttempts"); err != nil {
		return nil, err
	}
	out := make([]store.Attempt, 0)
	for _, a := range r.st.attempts {
		if r.matchAttempt(a, f) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *repo) CompleteAttempt(ctx context.Context, id int64, completedAt time.Time, score float64, passed bool) error {
	if err := r.fail("CompleteAttempt"); err != nil {
		return err
	}
	a, ok := r.st.attempts[id]
	if !ok || a.CompletedAt != nil {
		return store.ErrNotFound
	}
	a.CompletedAt = &completedAt
	a.Score = &score
	a.IsPassed = passed
	r.st.attempts[id] = a
	return nil
}

func (r *repo) UpdateAttemptScore(ctx context.Context, id int64, score float64, passed bool) error {
	if err := r.fail("UpdateAttemptScore"); err != nil {
		return err
	}
	a, ok := r.st.attempts[id]
	if !ok {
		return store.ErrNotFound
	}
	a.Score = &score
	a.IsPassed = passed
	r.st.attempts[id] = a
	return nil
}

func (r *repo) UpsertAnswer(ctx context.Context, in store.Answer) (*store.Answer, error) {
	if err := r.fail("UpsertAnswer"); err != nil {
		return nil, err
	}
	if _, ok := r.st.attempts[in.AttemptID]; !ok {
		return nil, store.ErrNotFound
	}
	for id, a := range r.st.answers {
		if a.AttemptID == in.AttemptID && a.QuestionID == in.QuestionID {
			in.ID = id
			break
		}
	}
	if in.ID == 0 {
		in.ID = r.st.id()
	}
	in.IsCorrect = false
	in.MarksObtained = 0
	in.Feedback = ""
	in.GradedBy = nil
	in.GradedAt = nil
	in.UpdatedAt = r.now()
	r.st.answers[in.ID] = in
	return &in, nil
}

func (r *repo) ListAnswers(ctx context.Context, attemptID int64) ([]store.Answer, error) {
	if err := r.fail("ListAnswers"); err != nil {
		return nil, err
	}
	out := make([]store.Answer, 0)
	for _, a := range r.st.answers {
		if a.AttemptID == attemptID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionID < out[j].QuestionID })
	return out, nil
}

func (r *repo) SetAnswerGrade(ctx context.Context, g store.AnswerGrade) error {
	if err := r.fail("SetAnswerGrade"); err != nil {
		return err
	}
	a, ok := r.st.answers[g.AnswerID]
	if !ok {
		return store.ErrNotFound
	}
	a.IsCorrect = g.IsCorrect
	a.MarksObtained = g.Marks
	a.Feedback = g.Feedback
	a.GradedBy = g.GradedBy
	a.GradedAt = g.GradedAt
	a.UpdatedAt = r.now()
	r.st.answers[g.AnswerID] = a
	return nil
}

func (r *repo) GetCourse(ctx context.Context, id int64) (*store.Course, error) {
	if err := r.fail("GetCourse"); err != nil {
		return nil, err
	}
	c, ok := r.st.courses[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (r *repo) InsertResource(ctx context.Context, in store.Resource) (*store.Resource, error) {
	if err := r.fail("InsertResource"); err != nil {
		return nil, err
	}
	if _, ok := r.st.courses[in.CourseID]; !ok {
		return nil, errors.New("insert resource: course does not exist")
	}
	in.ID = r.st.id()
	in.CreatedAt = r.now()
	r.st.resources[in.ID] = in
	return &in, nil
}

var _ store.Store = (*Memory)(nil)
