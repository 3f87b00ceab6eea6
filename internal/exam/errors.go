package exam

// PolicyError is a lifecycle or grading rule violation. Code is stable and
// returned to clients alongside a 400.
type PolicyError struct {
	Code    string
	Message string
}

func (e *PolicyError) Error() string {
	return e.Message
}

var (
	ErrNotPublished        = &PolicyError{Code: "quiz_not_published", Message: "quiz is not published"}
	ErrAttemptLimit        = &PolicyError{Code: "attempt_limit_reached", Message: "maximum attempts reached"}
	ErrActiveAttempt       = &PolicyError{Code: "attempt_in_progress", Message: "an attempt is already in progress"}
	ErrAlreadyCompleted    = &PolicyError{Code: "attempt_completed", Message: "attempt is already completed"}
	ErrNoActiveAttempt     = &PolicyError{Code: "no_active_attempt", Message: "no active attempt found"}
	ErrInvalidQuestion     = &PolicyError{Code: "invalid_question", Message: "question does not belong to this quiz"}
	ErrInvalidChoice       = &PolicyError{Code: "invalid_choice", Message: "selected option does not belong to this question"}
	ErrAnswerMismatch      = &PolicyError{Code: "answer_type_mismatch", Message: "answer does not match the question type"}
	ErrAttemptNotCompleted = &PolicyError{Code: "attempt_not_completed", Message: "attempt must be completed before grading"}
	ErrAnswerNotInAttempt  = &PolicyError{Code: "answer_not_in_attempt", Message: "answer does not belong to this attempt"}
	ErrAutoGradedAnswer    = &PolicyError{Code: "auto_graded_answer", Message: "multiple-choice answers are graded automatically"}
	ErrInvalidMarks        = &PolicyError{Code: "invalid_marks", Message: "marks must be between 0 and the question's marks"}
)
