package quiz

import (
	"context"
	"errors"
	"testing"
	"time"

	"campusgenius/internal/auth"
	"campusgenius/internal/store"
	"campusgenius/internal/store/storetest"
)

var (
	author   = &auth.User{ID: 1, Role: auth.RoleFaculty}
	stranger = &auth.User{ID: 4, Role: auth.RoleFaculty}
	learner  = &auth.User{ID: 2, Role: auth.RoleStudent}
	admin    = &auth.User{ID: 9, Role: auth.RoleAdmin}
)

func newQuizInput(courseID int64) store.NewQuiz {
	return store.NewQuiz{
		CourseID:           courseID,
		Title:              "Sorting",
		TimeLimit:          20,
		MaxAttempts:        2,
		ShowCorrectAnswers: true,
		Questions: []store.NewQuestion{
			{Text: "Stable sort?", Type: store.QuestionMCQ, Marks: 2, Order: 1, Choices: []store.NewChoice{{Text: "merge", IsCorrect: true}, {Text: "heap"}}},
			{Text: "Explain quicksort", Type: store.QuestionText, Marks: 8, Order: 2},
		},
	}
}

func setup(t *testing.T) (*storetest.Memory, *Service, store.Course) {
	t.Helper()
	mem := storetest.NewMemory()
	course := mem.AddCourse(store.Course{FacultyID: author.ID, Code: "CS201", Title: "Algorithms"})
	return mem, NewService(mem, nil), course
}

func TestCreateDerivesTotalsAndOwner(t *testing.T) {
	_, svc, course := setup(t)
	in := newQuizInput(course.ID)
	in.CreatedBy = 777

	detail, err := svc.Create(context.Background(), author, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if detail.CreatedBy != author.ID {
		t.Fatalf("expected created_by %d, got %d", author.ID, detail.CreatedBy)
	}
	if detail.TotalMarks != 10 || len(detail.Questions) != 2 {
		t.Fatalf("unexpected quiz: total=%d questions=%d", detail.TotalMarks, len(detail.Questions))
	}
	if detail.IsPublished {
		t.Fatalf("new quiz should stay unpublished unless requested")
	}
}

func TestCreateRejections(t *testing.T) {
	tests := []struct {
		name string
		user *auth.User
		in   func(courseID int64) store.NewQuiz
		want error
	}{
		{"student", learner, newQuizInput, auth.ErrForbidden},
		{"unknown course", author, func(int64) store.NewQuiz { return newQuizInput(999) }, ErrCourseNotFound},
		{"foreign course", stranger, newQuizInput, ErrCourseNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem, svc, course := setup(t)
			if _, err := svc.Create(context.Background(), tt.user, tt.in(course.ID)); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if n, _, _, _ := mem.Counts(); n != 0 {
				t.Fatalf("expected no quiz rows, got %d", n)
			}
		})
	}

	t.Run("mcq without correct choice", func(t *testing.T) {
		_, svc, course := setup(t)
		in := newQuizInput(course.ID)
		in.Questions[0].Choices[0].IsCorrect = false
		var verr *store.ValidationError
		if _, err := svc.Create(context.Background(), author, in); !errors.As(err, &verr) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})
}

func TestAdminMayAuthorInAnyCourse(t *testing.T) {
	_, svc, course := setup(t)
	if _, err := svc.Create(context.Background(), admin, newQuizInput(course.ID)); err != nil {
		t.Fatalf("admin create: %v", err)
	}
}

func TestGetHidesAnswerKeyFromStudents(t *testing.T) {
	ctx := context.Background()
	_, svc, course := setup(t)
	created, err := svc.Create(ctx, author, newQuizInput(course.ID))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.Get(ctx, learner, created.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unpublished quiz should be hidden from students, got %v", err)
	}
	if err := svc.Publish(ctx, author, created.ID); err != nil {
		t.Fatalf("publish: %v", err)
	}

	view, err := svc.Get(ctx, learner, created.ID)
	if err != nil {
		t.Fatalf("student get: %v", err)
	}
	for _, c := range view.Questions[0].Choices {
		if c.IsCorrect {
			t.Fatalf("student must not see correct choices")
		}
	}

	full, err := svc.Get(ctx, author, created.ID)
	if err != nil {
		t.Fatalf("author get: %v", err)
	}
	if !full.Questions[0].Choices[0].IsCorrect {
		t.Fatalf("author should see the answer key")
	}
}

func TestListScopesByRole(t *testing.T) {
	ctx := context.Background()
	mem, svc, course := setup(t)
	other := mem.AddCourse(store.Course{FacultyID: stranger.ID, Code: "CS301"})

	mine, err := svc.Create(ctx, author, newQuizInput(course.ID))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	theirs, err := svc.Create(ctx, stranger, newQuizInput(other.ID))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Publish(ctx, stranger, theirs.ID); err != nil {
		t.Fatalf("publish: %v", err)
	}

	tests := []struct {
		name string
		user *auth.User
		want []int64
	}{
		{"author", author, []int64{mine.ID}},
		{"student", learner, []int64{theirs.ID}},
		{"admin", admin, []int64{theirs.ID, mine.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.List(ctx, tt.user, 0)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d quizzes, got %d", len(tt.want), len(got))
			}
			for i, q := range got {
				if q.ID != tt.want[i] {
					t.Fatalf("position %d: expected quiz %d, got %d", i, tt.want[i], q.ID)
				}
			}
		})
	}
}

func TestUpdateReplacesQuestionsUntilLocked(t *testing.T) {
	ctx := context.Background()
	mem, svc, course := setup(t)
	created, err := svc.Create(ctx, author, newQuizInput(course.ID))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	in := newQuizInput(course.ID)
	in.Title = "Sorting v2"
	in.Questions = in.Questions[:1]
	updated, err := svc.Update(ctx, author, created.ID, in)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "Sorting v2" || updated.TotalMarks != 2 || len(updated.Questions) != 1 {
		t.Fatalf("unexpected update result: %+v", updated.Quiz)
	}

	if _, err := svc.Update(ctx, stranger, created.ID, in); !errors.Is(err, auth.ErrNotQuizOwner) {
		t.Fatalf("expected ErrNotQuizOwner, got %v", err)
	}

	if _, err := mem.InsertAttempt(ctx, store.Attempt{QuizID: created.ID, StudentID: learner.ID, AttemptNumber: 1, StartedAt: time.Now()}); err != nil {
		t.Fatalf("seed attempt: %v", err)
	}
	if _, err := svc.Update(ctx, author, created.ID, in); !errors.Is(err, ErrQuizLocked) {
		t.Fatalf("expected ErrQuizLocked once attempts exist, got %v", err)
	}
}

func TestPublishRequiresQuestions(t *testing.T) {
	ctx := context.Background()
	_, svc, course := setup(t)
	in := newQuizInput(course.ID)
	in.Questions = nil
	created, err := svc.Create(ctx, author, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Publish(ctx, author, created.ID); !errors.Is(err, ErrNoQuestions) {
		t.Fatalf("expected ErrNoQuestions, got %v", err)
	}
	if err := svc.Unpublish(ctx, author, created.ID); err != nil {
		t.Fatalf("unpublish: %v", err)
	}
}

func TestDeleteOwnerOnly(t *testing.T) {
	ctx := context.Background()
	mem, svc, course := setup(t)
	created, err := svc.Create(ctx, author, newQuizInput(course.ID))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Delete(ctx, stranger, created.ID); !errors.Is(err, auth.ErrNotQuizOwner) {
		t.Fatalf("expected ErrNotQuizOwner, got %v", err)
	}
	if err := svc.Delete(ctx, author, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if quizzes, questions, _, _ := mem.Counts(); quizzes != 0 || questions != 0 {
		t.Fatalf("expected empty store, got quizzes=%d questions=%d", quizzes, questions)
	}
	if err := svc.Delete(ctx, author, created.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
