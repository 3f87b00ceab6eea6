// Package report summarizes quiz outcomes for the quiz author.
package report

import (
	"bytes"
	"context"
	"fmt"
	"math"

	"campusgenius/internal/auth"
	"campusgenius/internal/store"

	"github.com/xuri/excelize/v2"
)

type Service struct {
	store store.Repo
}

// QuizResults covers completed attempts only; in-progress attempts have no
// score yet.
type QuizResults struct {
	QuizID        int64           `json:"quiz_id"`
	Title         string          `json:"title"`
	TotalMarks    int             `json:"total_marks"`
	TotalAttempts int             `json:"total_attempts"`
	PassedCount   int             `json:"passed_count"`
	AverageScore  float64         `json:"average_score"`
	HighestScore  float64         `json:"highest_score"`
	LowestScore   float64         `json:"lowest_score"`
	PassRate      float64         `json:"pass_rate"`
	Attempts      []store.Attempt `json:"attempts"`
}

func NewService(s store.Repo) *Service {
	return &Service{store: s}
}

func (s *Service) QuizResults(ctx context.Context, user *auth.User, quizID int64) (*QuizResults, error) {
	if err := user.Require(auth.CapViewResults); err != nil {
		return nil, err
	}
	quiz, err := s.store.GetQuiz(ctx, quizID)
	if err != nil {
		return nil, err
	}
	if quiz.CreatedBy != user.ID && !user.Can(auth.CapViewAll) {
		return nil, auth.ErrNotQuizOwner
	}

	all, err := s.store.ListAttempts(ctx, store.AttemptFilter{QuizID: quizID})
	if err != nil {
		return nil, err
	}
	completed := make([]store.Attempt, 0, len(all))
	for _, a := range all {
		if a.Completed() {
			completed = append(completed, a)
		}
	}
	return summarize(quiz, completed), nil
}

func summarize(quiz *store.Quiz, attempts []store.Attempt) *QuizResults {
	out := &QuizResults{
		QuizID:        quiz.ID,
		Title:         quiz.Title,
		TotalMarks:    quiz.TotalMarks,
		TotalAttempts: len(attempts),
		Attempts:      attempts,
	}
	if len(attempts) == 0 {
		return out
	}

	sum := 0.0
	out.LowestScore = math.MaxFloat64
	for _, a := range attempts {
		score := 0.0
		if a.Score != nil {
			score = *a.Score
		}
		sum += score
		out.HighestScore = math.Max(out.HighestScore, score)
		out.LowestScore = math.Min(out.LowestScore, score)
		if a.IsPassed {
			out.PassedCount++
		}
	}
	out.AverageScore = sum / float64(len(attempts))
	out.PassRate = float64(out.PassedCount) * 100 / float64(len(attempts))
	return out
}

// ExportResultsExcel renders QuizResults as a workbook with one row per
// completed attempt followed by the summary figures.
func (s *Service) ExportResultsExcel(ctx context.Context, user *auth.User, quizID int64) ([]byte, error) {
	res, err := s.QuizResults(ctx, user, quizID)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	sheet := f.GetSheetName(0)
	headers := []string{"attempt_id", "student_id", "attempt_number", "started_at", "completed_at", "score", "is_passed"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}
	for i, a := range res.Attempts {
		row := i + 2
		score := 0.0
		if a.Score != nil {
			score = *a.Score
		}
		completedAt := ""
		if a.CompletedAt != nil {
			completedAt = a.CompletedAt.Format("2006-01-02 15:04:05")
		}
		values := []any{
			a.ID,
			a.StudentID,
			a.AttemptNumber,
			a.StartedAt.Format("2006-01-02 15:04:05"),
			completedAt,
			score,
			a.IsPassed,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
	}
	_ = f.SetColWidth(sheet, "A", "G", 18)

	summary := "Summary"
	if _, err := f.NewSheet(summary); err != nil {
		return nil, fmt.Errorf("create summary sheet: %w", err)
	}
	rows := [][]any{
		{"quiz_id", res.QuizID},
		{"title", res.Title},
		{"total_marks", res.TotalMarks},
		{"total_attempts", res.TotalAttempts},
		{"passed_count", res.PassedCount},
		{"average_score", res.AverageScore},
		{"highest_score", res.HighestScore},
		{"lowest_score", res.LowestScore},
		{"pass_rate", res.PassRate},
	}
	for i, r := range rows {
		_ = f.SetCellValue(summary, fmt.Sprintf("A%d", i+1), r[0])
		_ = f.SetCellValue(summary, fmt.Sprintf("B%d", i+1), r[1])
	}
	_ = f.SetColWidth(summary, "A", "B", 22)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write excel: %w", err)
	}
	return buf.Bytes(), nil
}
