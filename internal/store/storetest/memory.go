// Package storetest provides an in-memory store.Store for service tests.
//
// Transactions are serialized behind one mutex and applied copy-on-commit,
// so a function passed to WithinTx sees a private snapshot that is discarded
// when it returns an error.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"campusgenius/internal/store"
)

type state struct {
	nextID    int64
	quizzes   map[int64]store.Quiz
	questions map[int64][]store.Question
	attempts  map[int64]store.Attempt
	answers   map[int64]store.Answer
	courses   map[int64]store.Course
	resources map[int64]store.Resource
}

func newState() *state {
	return &state{
		quizzes:   map[int64]store.Quiz{},
		questions: map[int64][]store.Question{},
		attempts:  map[int64]store.Attempt{},
		answers:   map[int64]store.Answer{},
		courses:   map[int64]store.Course{},
		resources: map[int64]store.Resource{},
	}
}

func (s *state) clone() *state {
	out := newState()
	out.nextID = s.nextID
	for k, v := range s.quizzes {
		out.quizzes[k] = v
	}
	for k, v := range s.questions {
		out.questions[k] = append([]store.Question(nil), v...)
	}
	for k, v := range s.attempts {
		out.attempts[k] = v
	}
	for k, v := range s.answers {
		out.answers[k] = v
	}
	for k, v := range s.courses {
		out.courses[k] = v
	}
	for k, v := range s.resources {
		out.resources[k] = v
	}
	return out
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

// Memory implements store.Store. Fail, when set, is consulted before every
// operation and lets tests inject errors by operation name.
type Memory struct {
	mu   sync.Mutex
	st   *state
	Fail func(op string) error
	Now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{st: newState(), Now: time.Now}
}

// AddCourse seeds a course row.
func (m *Memory) AddCourse(c store.Course) store.Course {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == 0 {
		c.ID = m.st.id()
	}
	m.st.courses[c.ID] = c
	return c
}

// Counts reports row totals, for asserting that nothing was persisted.
func (m *Memory) Counts() (quizzes, questions, attempts, answers int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, qs := range m.st.questions {
		questions += len(qs)
	}
	return len(m.st.quizzes), questions, len(m.st.attempts), len(m.st.answers)
}

func (m *Memory) Resources() []store.Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Resource, 0, len(m.st.resources))
	for _, r := range m.st.resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) WithinTx(ctx context.Context, fn func(store.Repo) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.st.clone()
	if err := fn(&repo{st: snapshot, m: m}); err != nil {
		return err
	}
	m.st = snapshot
	return nil
}

// autocommit runs a single operation as its own transaction.
func (m *Memory) autocommit(fn func(r *repo) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.st.clone()
	if err := fn(&repo{st: snapshot, m: m}); err != nil {
		return err
	}
	m.st = snapshot
	return nil
}

func (m *Memory) CreateQuiz(ctx context.Context, in store.NewQuiz) (out *store.Quiz, err error) {
	err = m.autocommit(func(r *repo) error { out, err = r.CreateQuiz(ctx, in); return err })
	return out, err
}

func (m *Memory) GetQuiz(ctx context.Context, id int64) (out *store.Quiz, err error) {
	err = m.autocommit(func(r *repo) error { out, err = r.GetQuiz(ctx, id); return err })
	return out, err
}

func (m *Memory) LockQuiz(ctx context.Context, id int64) (out *store.Quiz, err error) {
	err = m.autocommit(func(r *repo) error { out, err = r.LockQuiz(ctx, id); return err })
	return out, err
}

func (m *Memory) ShareQuiz(ctx context.Context, id int64) (out *store.Quiz, err error) {
	err = m.autocommit(func(r *repo) error { out, err = r.ShareQuiz(ctx, id); return err })
	return out, err
}

func (m *Memory) ListQuizzes(ctx context.Context, f store.QuizFilter) (out []store.Quiz, err error) {
	err = m.autocommit(func(r *repo) error { out, err = r.ListQuizzes(ctx, f); return err })
	return out, err
}

func (m *Memory) ReplaceQuiz(ctx context.Context, id int64, in store.NewQuiz) (out *store.Quiz, err error) {
	err = m.autocommit(func(r *repo) error { out, err = r.ReplaceQuiz(ctx, id, in); return err })
	return out, err
}

func (m *Memory) SetQuizPublished(ctx context.Context, id int64, published bool) error {
	return m.autocommit(func(r *repo) error { return r.SetQuizPublished(ctx, id, published) })
}

func (m *Memory) DeleteQuiz(ctx context.Context, id int64) error {
	return m.autocommit(func(r *repo) error { return r.DeleteQuiz(ctx, id) })
}

func (m *Memory) ListQuestions(ctx context.Context, quizID int64) (out []store.Question, err error) {
	err = m.autocommit(func(r *repo) error { out, err = r.ListQuestions(ctx, quizID); return err })
	return out, err
}

func (m *Memory) LockAttemptSlot(ctx context.Context, quizID, studentID int64) error {
	return m.autocommit(func(r *repo) error { return r.LockAttemptSlot(ctx, quizID, studentID) })
}

func (m *Memory) CountAttempts(ctx context.Context, f store.AttemptFilter) (out int, err error) {
	err = m.autocommit(func(r *repo) error { out, err = r.CountAttempts(ctx, f); return err })
	return out, err
}

func (m *Memory) ActiveAttempt(ctx context.Context, quizID, studentID int64) (out *store.Attempt, err error) {
	err = m.autocommit(func(r *repo) error { out, err = r.ActiveAttempt(ctx, quizID, studentID); return err })
	return out, err
}

func (m *Memory) InsertAttempt(ctx context.Context, a store.Attempt) (out *store.Attempt, err error) {
	err = m.autocommit(func(r *repo) error { out, err = r.InsertAttempt(ctx, a); return err })
	return out, err
}

func (m *Memory) GetAttempt(ctx context.Context, id int64) (out *store.Attempt, err error) {
	err = m.autocommit(func(r *repo) error { out, err = r.GetAttempt(ctx, id); return err })
	return out, err
}

func (m *Memory) LockAttempt(ctx context.Context, id int64) (out *store.Attempt, err error) {
	err = m.autocommit(func(r *repo) error { out, err = r.LockAttempt(ctx, id); return err })
	return out, err
}

func (m *Memory) ListAttempts(ctx context.Context, f store.AttemptFilter) (out []store.Attempt, err error) {
	err = m.autocommit(func(r *repo) error { out, err = r.ListAttempts(ctx, f); return err })
	return out, err
}

func (m *Memory) CompleteAttempt(ctx context.Context, id int64, completedAt time.Time, score float64, passed bool) error {
	return m.autocommit(func(r *repo) error { return r.CompleteAttempt(ctx, id, completedAt, score, passed) })
}

func (m *Memory) UpdateAttemptScore(ctx context.Context, id int64, score float64, passed bool) error {
	return m.autocommit(func(r *repo) error { return r.UpdateAttemptScore(ctx, id, score, passed) })
}

func (m *Memory) UpsertAnswer(ctx context.Context, a store.Answer) (out *store.Answer, err error) {
	err = m.autocommit(func(r *repo) error { out, err = r.UpsertAnswer(ctx, a); return err })
	return out, err
}

func (m *Memory) ListAnswers(ctx context.Context, attemptID int64) (out []store.Answer, err error) {
	err = m.autocommit(func(r *repo) error { out, err = r.ListAnswers(ctx, attemptID); return err })
	return out, err
}

func (m *Memory) SetAnswerGrade(ctx context.Context, g store.AnswerGrade) error {
	return m.autocommit(func(r *repo) error { return r.SetAnswerGrade(ctx, g) })
}

func (m *Memory) GetCourse(ctx context.Context, id int64) (out *store.Course, err error) {
	err = m.autocommit(func(r *repo) error { out, err = r.GetCourse(ctx, id); return err })
	return out, err
}

func (m *Memory) InsertResource(ctx context.Context, res store.Resource) (out *store.Resource, err error) {
	err = m.autocommit(func(r *repo) error { out, err = r.InsertResource(ctx, res); return err })
	return out, err
}
