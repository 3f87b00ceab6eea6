// Package grading scores a quiz attempt from its questions and the current
// answer set. The same function serves first completion and every later
// re-derivation after manual grading, so both always agree.
package grading

import "campusgenius/internal/store"

// DefaultPassThreshold is the minimum percentage for is_passed.
const DefaultPassThreshold = 60.0

const (
	ReasonCorrect        = "correct"
	ReasonWrong          = "wrong"
	ReasonUnanswered     = "unanswered"
	ReasonInvalidChoice  = "invalid_choice"
	ReasonMalformedKey   = "malformed_answer_key"
	ReasonManual         = "manual"
	ReasonAwaitingReview = "awaiting_review"
)

type ItemResult struct {
	QuestionID int64  `json:"question_id"`
	AnswerID   int64  `json:"answer_id,omitempty"`
	AutoGraded bool   `json:"auto_graded"`
	Answered   bool   `json:"answered"`
	IsCorrect  bool   `json:"is_correct"`
	Marks      int    `json:"marks"`
	MaxMarks   int    `json:"max_marks"`
	Reason     string `json:"reason"`
}

type Result struct {
	TotalMarks  int          `json:"total_marks"`
	EarnedMarks int          `json:"earned_marks"`
	Score       float64      `json:"score"`
	IsPassed    bool         `json:"is_passed"`
	Items       []ItemResult `json:"items"`
}

// CorrectChoice returns the first choice flagged correct. Multi-correct
// questions are graded against that single choice.
func CorrectChoice(q store.Question) (store.Choice, bool) {
	for _, c := range q.Choices {
		if c.IsCorrect {
			return c, true
		}
	}
	return store.Choice{}, false
}

// ScoreMCQ grades one multiple-choice answer; a nil answer is unanswered.
func ScoreMCQ(q store.Question, a *store.Answer) ItemResult {
	res := ItemResult{QuestionID: q.ID, AutoGraded: true, MaxMarks: q.Marks}
	if a != nil {
		res.AnswerID = a.ID
	}
	correct, ok := CorrectChoice(q)
	if !ok {
		res.Reason = ReasonMalformedKey
		res.Answered = a != nil && a.SelectedChoiceID != nil
		return res
	}
	if a == nil || a.SelectedChoiceID == nil {
		res.Reason = ReasonUnanswered
		return res
	}
	res.Answered = true

	selected := *a.SelectedChoiceID
	if !hasChoice(q, selected) {
		res.Reason = ReasonInvalidChoice
		return res
	}
	if selected == correct.ID {
		res.IsCorrect = true
		res.Marks = q.Marks
		res.Reason = ReasonCorrect
		return res
	}
	res.Reason = ReasonWrong
	return res
}

// scoreSubjective keeps whatever a grader recorded.
func scoreSubjective(q store.Question, a *store.Answer) ItemResult {
	res := ItemResult{QuestionID: q.ID, MaxMarks: q.Marks}
	if a == nil {
		res.Reason = ReasonUnanswered
		return res
	}
	res.AnswerID = a.ID
	res.Answered = true
	res.IsCorrect = a.IsCorrect
	res.Marks = a.MarksObtained
	if a.GradedAt != nil {
		res.Reason = ReasonManual
	} else {
		res.Reason = ReasonAwaitingReview
	}
	return res
}

// Grade derives the attempt result from scratch. total is the sum of marks
// over every question of the quiz, answered or not.
func Grade(questions []store.Question, answers []store.Answer, threshold float64) Result {
	byQuestion := make(map[int64]*store.Answer, len(answers))
	for i := range answers {
		byQuestion[answers[i].QuestionID] = &answers[i]
	}

	out := Result{Items: make([]ItemResult, 0, len(questions))}
	for _, q := range questions {
		a := byQuestion[q.ID]
		var item ItemResult
		if q.Type == store.QuestionMCQ {
			item = ScoreMCQ(q, a)
		} else {
			item = scoreSubjective(q, a)
		}
		out.TotalMarks += q.Marks
		out.EarnedMarks += item.Marks
		out.Items = append(out.Items, item)
	}

	out.Score = Percentage(out.EarnedMarks, out.TotalMarks)
	out.IsPassed = out.Score >= threshold
	return out
}

// Percentage is 100*earned/total, or 0 for an empty quiz.
func Percentage(earned, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(earned) * 100 / float64(total)
}

func hasChoice(q store.Question, id int64) bool {
	for _, c := range q.Choices {
		if c.ID == id {
			return true
		}
	}
	return false
}
