package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"campusgenius/internal/db"
)

type queryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Postgres is the database/sql implementation of Store.
type Postgres struct {
	*pgRepo
	db *sql.DB
}

type pgRepo struct {
	q    queryable
	inTx bool
}

func NewPostgres(conn *sql.DB) *Postgres {
	return &Postgres{pgRepo: &pgRepo{q: conn}, db: conn}
}

func (p *Postgres) WithinTx(ctx context.Context, fn func(Repo) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&pgRepo{q: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// CreateQuiz writes the quiz tree in its own transaction when called outside WithinTx.
func (p *Postgres) CreateQuiz(ctx context.Context, in NewQuiz) (*Quiz, error) {
	var out *Quiz
	err := p.WithinTx(ctx, func(r Repo) error {
		q, err := r.CreateQuiz(ctx, in)
		out = q
		return err
	})
	return out, err
}

func (p *Postgres) ReplaceQuiz(ctx context.Context, id int64, in NewQuiz) (*Quiz, error) {
	var out *Quiz
	err := p.WithinTx(ctx, func(r Repo) error {
		q, err := r.ReplaceQuiz(ctx, id, in)
		out = q
		return err
	})
	return out, err
}

const quizColumns = `id, course_id, title, description, time_limit, total_marks, is_published,
	allow_retake, max_attempts, shuffle_questions, show_correct_answers, created_by, created_at, updated_at`

func scanQuiz(sc interface{ Scan(...any) error }) (*Quiz, error) {
	var q Quiz
	if err := sc.Scan(&q.ID, &q.CourseID, &q.Title, &q.Description, &q.TimeLimit, &q.TotalMarks, &q.IsPublished,
		&q.AllowRetake, &q.MaxAttempts, &q.ShuffleQuestions, &q.ShowCorrectAnswers, &q.CreatedBy, &q.CreatedAt, &q.UpdatedAt); err != nil {
		return nil, err
	}
	return &q, nil
}

func (r *pgRepo) CreateQuiz(ctx context.Context, in NewQuiz) (*Quiz, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	row := r.q.QueryRowContext(ctx, `
		INSERT INTO quizzes (
			course_id, title, description, time_limit, total_marks, is_published,
			allow_retake, max_attempts, shuffle_questions, show_correct_answers, created_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING `+quizColumns,
		in.CourseID, in.Title, in.Description, in.TimeLimit, in.TotalMarks(), in.IsPublished,
		in.AllowRetake, in.MaxAttempts, in.ShuffleQuestions, in.ShowCorrectAnswers, in.CreatedBy)
	quiz, err := scanQuiz(row)
	if err != nil {
		return nil, mapWriteErr("insert quiz", err)
	}
	if err := r.insertQuestions(ctx, quiz.ID, in.Questions); err != nil {
		return nil, err
	}
	return quiz, nil
}

func (r *pgRepo) insertQuestions(ctx context.Context, quizID int64, questions []NewQuestion) error {
	for _, nq := range questions {
		var testCases any
		if len(nq.TestCases) > 0 {
			testCases = []byte(nq.TestCases)
		}
		var questionID int64
		if err := r.q.QueryRowContext(ctx, `
			INSERT INTO quiz_questions (quiz_id, question_text, question_type, marks, seq_no, code_language, code_template, test_cases)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8::jsonb)
			RETURNING id
		`, quizID, nq.Text, string(nq.Type), nq.Marks, nq.Order, nq.CodeLanguage, nq.CodeTemplate, testCases).Scan(&questionID); err != nil {
			return mapWriteErr("insert question", err)
		}
		for i, nc := range nq.Choices {
			if _, err := r.q.ExecContext(ctx, `
				INSERT INTO quiz_choices (question_id, choice_text, is_correct, explanation, seq_no)
				VALUES ($1,$2,$3,$4,$5)
			`, questionID, nc.Text, nc.IsCorrect, nc.Explanation, i+1); err != nil {
				return mapWriteErr("insert choice", err)
			}
		}
	}
	return nil
}

func (r *pgRepo) GetQuiz(ctx context.Context, id int64) (*Quiz, error) {
	q, err := scanQuiz(r.q.QueryRowContext(ctx, `SELECT `+quizColumns+` FROM quizzes WHERE id = $1`, id))
	if err != nil {
		return nil, mapReadErr("load quiz", err)
	}
	return q, nil
}

func (r *pgRepo) LockQuiz(ctx context.Context, id int64) (*Quiz, error) {
	q, err := scanQuiz(r.q.QueryRowContext(ctx, `SELECT `+quizColumns+` FROM quizzes WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapReadErr("lock quiz", err)
	}
	return q, nil
}

func (r *pgRepo) ShareQuiz(ctx context.Context, id int64) (*Quiz, error) {
	q, err := scanQuiz(r.q.QueryRowContext(ctx, `SELECT `+quizColumns+` FROM quizzes WHERE id = $1 FOR SHARE`, id))
	if err != nil {
		return nil, mapReadErr("share quiz", err)
	}
	return q, nil
}

func (r *pgRepo) ListQuizzes(ctx context.Context, f QuizFilter) ([]Quiz, error) {
	where, args := []string{"TRUE"}, []any{}
	if f.CreatedBy > 0 {
		args = append(args, f.CreatedBy)
		where = append(where, "created_by = $"+strconv.Itoa(len(args)))
	}
	if f.CourseID > 0 {
		args = append(args, f.CourseID)
		where = append(where, "course_id = $"+strconv.Itoa(len(args)))
	}
	if f.PublishedOnly {
		where = append(where, "is_published = TRUE")
	}

	rows, err := r.q.QueryContext(ctx, `SELECT `+quizColumns+` FROM quizzes WHERE `+strings.Join(where, " AND ")+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query quizzes: %w", err)
	}
	defer rows.Close()

	out := make([]Quiz, 0)
	for rows.Next() {
		q, err := scanQuiz(rows)
		if err != nil {
			return nil, fmt.Errorf("scan quiz: %w", err)
		}
		out = append(out, *q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quizzes: %w", err)
	}
	return out, nil
}

func (r *pgRepo) ReplaceQuiz(ctx context.Context, id int64, in NewQuiz) (*Quiz, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	row := r.q.QueryRowContext(ctx, `
		UPDATE quizzes
		SET course_id = $2,
			title = $3,
			description = $4,
			time_limit = $5,
			total_marks = $6,
			allow_retake = $7,
			max_attempts = $8,
			shuffle_questions = $9,
			show_correct_answers = $10,
			updated_at = now()
		WHERE id = $1
		RETURNING `+quizColumns,
		id, in.CourseID, in.Title, in.Description, in.TimeLimit, in.TotalMarks(),
		in.AllowRetake, in.MaxAttempts, in.ShuffleQuestions, in.ShowCorrectAnswers)
	quiz, err := scanQuiz(row)
	if err != nil {
		return nil, mapWriteErr("update quiz", err)
	}
	if _, err := r.q.ExecContext(ctx, `DELETE FROM quiz_questions WHERE quiz_id = $1`, id); err != nil {
		return nil, fmt.Errorf("clear questions: %w", err)
	}
	if err := r.insertQuestions(ctx, id, in.Questions); err != nil {
		return nil, err
	}
	return quiz, nil
}

func (r *pgRepo) SetQuizPublished(ctx context.Context, id int64, published bool) error {
	res, err := r.q.ExecContext(ctx, `UPDATE quizzes SET is_published = $2, updated_at = now() WHERE id = $1`, id, published)
	if err != nil {
		return fmt.Errorf("update quiz publish state: %w", err)
	}
	return requireAffected(res)
}

func (r *pgRepo) DeleteQuiz(ctx context.Context, id int64) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM quizzes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete quiz: %w", err)
	}
	return requireAffected(res)
}

func (r *pgRepo) ListQuestions(ctx context.Context, quizID int64) ([]Question, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, quiz_id, question_text, question_type, marks, seq_no, code_language, code_template, test_cases
		FROM quiz_questions
		WHERE quiz_id = $1
		ORDER BY seq_no
	`, quizID)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}
	defer rows.Close()

	out := make([]Question, 0)
	index := map[int64]int{}
	for rows.Next() {
		var q Question
		var qType string
		var testCases []byte
		if err := rows.Scan(&q.ID, &q.QuizID, &q.Text, &qType, &q.Marks, &q.Order, &q.CodeLanguage, &q.CodeTemplate, &testCases); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		q.Type = QuestionType(qType)
		if len(testCases) > 0 {
			q.TestCases = testCases
		}
		index[q.ID] = len(out)
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}
	if len(out) == 0 {
		return out, nil
	}

	crows, err := r.q.QueryContext(ctx, `
		SELECT c.id, c.question_id, c.choice_text, c.is_correct, c.explanation
		FROM quiz_choices c
		JOIN quiz_questions q ON q.id = c.question_id
		WHERE q.quiz_id = $1
		ORDER BY c.question_id, c.seq_no, c.id
	`, quizID)
	if err != nil {
		return nil, fmt.Errorf("query choices: %w", err)
	}
	defer crows.Close()
	for crows.Next() {
		var c Choice
		if err := crows.Scan(&c.ID, &c.QuestionID, &c.Text, &c.IsCorrect, &c.Explanation); err != nil {
			return nil, fmt.Errorf("scan choice: %w", err)
		}
		if i, ok := index[c.QuestionID]; ok {
			out[i].Choices = append(out[i].Choices, c)
		}
	}
	if err := crows.Err(); err != nil {
		return nil, fmt.Errorf("iterate choices: %w", err)
	}
	return out, nil
}

// LockAttemptSlot takes a transaction-scoped advisory lock for one
// (quiz, student) pair. Outside WithinTx it would release immediately.
func (r *pgRepo) LockAttemptSlot(ctx context.Context, quizID, studentID int64) error {
	if !r.inTx {
		return errors.New("lock attempt slot: requires a transaction")
	}
	key := fmt.Sprintf("attempt-slot:%d:%d", quizID, studentID)
	if _, err := r.q.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return fmt.Errorf("lock attempt slot: %w", err)
	}
	return nil
}

const attemptColumns = `a.id, a.quiz_id, a.student_id, a.attempt_number, a.started_at, a.completed_at, a.score, a.is_passed`

func scanAttempt(sc interface{ Scan(...any) error }) (*Attempt, error) {
	var a Attempt
	var completedAt sql.NullTime
	var score sql.NullFloat64
	if err := sc.Scan(&a.ID, &a.QuizID, &a.StudentID, &a.AttemptNumber, &a.StartedAt, &completedAt, &score, &a.IsPassed); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		a.CompletedAt = &t
	}
	if score.Valid {
		s := score.Float64
		a.Score = &s
	}
	return &a, nil
}

func attemptWhere(f AttemptFilter) (string, []any) {
	where, args := []string{"TRUE"}, []any{}
	if f.QuizID > 0 {
		args = append(args, f.QuizID)
		where = append(where, "a.quiz_id = $"+strconv.Itoa(len(args)))
	}
	if f.StudentID > 0 {
		args = append(args, f.StudentID)
		where = append(where, "a.student_id = $"+strconv.Itoa(len(args)))
	}
	if f.QuizOwnerID > 0 {
		args = append(args, f.QuizOwnerID)
		where = append(where, "z.created_by = $"+strconv.Itoa(len(args)))
	}
	return strings.Join(where, " AND "), args
}

func (r *pgRepo) CountAttempts(ctx context.Context, f AttemptFilter) (int, error) {
	where, args := attemptWhere(f)
	var n int
	if err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM quiz_attempts a
		JOIN quizzes z ON z.id = a.quiz_id
		WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count attempts: %w", err)
	}
	return n, nil
}

func (r *pgRepo) ActiveAttempt(ctx context.Context, quizID, studentID int64) (*Attempt, error) {
	a, err := scanAttempt(r.q.QueryRowContext(ctx, `
		SELECT `+attemptColumns+`
		FROM quiz_attempts a
		WHERE a.quiz_id = $1 AND a.student_id = $2 AND a.completed_at IS NULL
	`, quizID, studentID))
	if err != nil {
		return nil, mapReadErr("load active attempt", err)
	}
	return a, nil
}

func (r *pgRepo) InsertAttempt(ctx context.Context, in Attempt) (*Attempt, error) {
	a, err := scanAttempt(r.q.QueryRowContext(ctx, `
		INSERT INTO quiz_attempts AS a (quiz_id, student_id, attempt_number, started_at)
		VALUES ($1, $2, $3, $4)
		RETURNING `+attemptColumns,
		in.QuizID, in.StudentID, in.AttemptNumber, in.StartedAt))
	if err != nil {
		return nil, mapWriteErr("insert attempt", err)
	}
	return a, nil
}

func (r *pgRepo) GetAttempt(ctx context.Context, id int64) (*Attempt, error) {
	a, err := scanAttempt(r.q.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM quiz_attempts a WHERE a.id = $1`, id))
	if err != nil {
		return nil, mapReadErr("load attempt", err)
	}
	return a, nil
}

func (r *pgRepo) LockAttempt(ctx context.Context, id int64) (*Attempt, error) {
	a, err := scanAttempt(r.q.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM quiz_attempts a WHERE a.id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapReadErr("lock attempt", err)
	}
	return a, nil
}

func (r *pgRepo) ListAttempts(ctx context.Context, f AttemptFilter) ([]Attempt, error) {
	where, args := attemptWhere(f)
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+attemptColumns+`
		FROM quiz_attempts a
		JOIN quizzes z ON z.id = a.quiz_id
		WHERE `+where+`
		ORDER BY a.started_at, a.id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	out := make([]Attempt, 0)
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

func (r *pgRepo) CompleteAttempt(ctx context.Context, id int64, completedAt time.Time, score float64, passed bool) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE quiz_attempts
		SET completed_at = $2,
			score = $3,
			is_passed = $4
		WHERE id = $1 AND completed_at IS NULL
	`, id, completedAt, score, passed)
	if err != nil {
		return fmt.Errorf("complete attempt: %w", err)
	}
	return requireAffected(res)
}

func (r *pgRepo) UpdateAttemptScore(ctx context.Context, id int64, score float64, passed bool) error {
	res, err := r.q.ExecContext(ctx, `UPDATE quiz_attempts SET score = $2, is_passed = $3 WHERE id = $1`, id, score, passed)
	if err != nil {
		return fmt.Errorf("update attempt score: %w", err)
	}
	return requireAffected(res)
}

const answerColumns = `id, attempt_id, question_id, selected_choice_id, text_answer, code_answer, file_answer,
	is_correct, marks_obtained, feedback, graded_by, graded_at, updated_at`

func scanAnswer(sc interface{ Scan(...any) error }) (*Answer, error) {
	var a Answer
	var selected, gradedBy sql.NullInt64
	var text, code, file sql.NullString
	var gradedAt sql.NullTime
	if err := sc.Scan(&a.ID, &a.AttemptID, &a.QuestionID, &selected, &text, &code, &file,
		&a.IsCorrect, &a.MarksObtained, &a.Feedback, &gradedBy, &gradedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if selected.Valid {
		v := selected.Int64
		a.SelectedChoiceID = &v
	}
	a.TextAnswer = nullStringPtr(text)
	a.CodeAnswer = nullStringPtr(code)
	a.FileAnswer = nullStringPtr(file)
	if gradedBy.Valid {
		v := gradedBy.Int64
		a.GradedBy = &v
	}
	if gradedAt.Valid {
		t := gradedAt.Time
		a.GradedAt = &t
	}
	return &a, nil
}

// UpsertAnswer keeps one row per (attempt, question). A resubmission replaces
// the payload and resets grading columns.
func (r *pgRepo) UpsertAnswer(ctx context.Context, in Answer) (*Answer, error) {
	a, err := scanAnswer(r.q.QueryRowContext(ctx, `
		INSERT INTO quiz_answers (attempt_id, question_id, selected_choice_id, text_answer, code_answer, file_answer, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (attempt_id, question_id)
		DO UPDATE SET
			selected_choice_id = EXCLUDED.selected_choice_id,
			text_answer = EXCLUDED.text_answer,
			code_answer = EXCLUDED.code_answer,
			file_answer = EXCLUDED.file_answer,
			is_correct = FALSE,
			marks_obtained = 0,
			feedback = '',
			graded_by = NULL,
			graded_at = NULL,
			updated_at = now()
		RETURNING `+answerColumns,
		in.AttemptID, in.QuestionID, in.SelectedChoiceID, in.TextAnswer, in.CodeAnswer, in.FileAnswer))
	if err != nil {
		return nil, mapWriteErr("upsert answer", err)
	}
	return a, nil
}

func (r *pgRepo) ListAnswers(ctx context.Context, attemptID int64) ([]Answer, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+answerColumns+` FROM quiz_answers WHERE attempt_id = $1 ORDER BY question_id`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("query answers: %w", err)
	}
	defer rows.Close()

	out := make([]Answer, 0)
	for rows.Next() {
		a, err := scanAnswer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate answers: %w", err)
	}
	return out, nil
}

func (r *pgRepo) SetAnswerGrade(ctx context.Context, g AnswerGrade) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE quiz_answers
		SET is_correct = $2,
			marks_obtained = $3,
			feedback = $4,
			graded_by = $5,
			graded_at = $6,
			updated_at = now()
		WHERE id = $1
	`, g.AnswerID, g.IsCorrect, g.Marks, g.Feedback, g.GradedBy, g.GradedAt)
	if err != nil {
		return fmt.Errorf("update answer grade: %w", err)
	}
	return requireAffected(res)
}

func (r *pgRepo) GetCourse(ctx context.Context, id int64) (*Course, error) {
	var c Course
	if err := r.q.QueryRowContext(ctx, `SELECT id, faculty_id, code, title FROM courses WHERE id = $1`, id).
		Scan(&c.ID, &c.FacultyID, &c.Code, &c.Title); err != nil {
		return nil, mapReadErr("load course", err)
	}
	return &c, nil
}

func (r *pgRepo) InsertResource(ctx context.Context, in Resource) (*Resource, error) {
	out := in
	if err := r.q.QueryRowContext(ctx, `
		INSERT INTO resources (course_id, title, description, resource_type, storage_key, content_type, size_bytes, is_public, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id, created_at
	`, in.CourseID, in.Title, in.Description, in.ResourceType, in.StorageKey, in.ContentType, in.SizeBytes, in.IsPublic, in.CreatedBy).
		Scan(&out.ID, &out.CreatedAt); err != nil {
		return nil, mapWriteErr("insert resource", err)
	}
	return &out, nil
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func mapReadErr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func mapWriteErr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%s: %s: %w", op, db.ConstraintName(err), ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}
