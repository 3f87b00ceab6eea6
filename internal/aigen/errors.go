package aigen

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupportedAction = errors.New("unsupported action")
	ErrCourseNotFound    = errors.New("course not found")
	ErrEmptyDocument     = errors.New("document is empty")
	ErrNotConfigured     = errors.New("generative backend is not configured")
)

// GenerationExhaustedError means every candidate model failed. Last is the
// error from the final candidate tried.
type GenerationExhaustedError struct {
	Tried []string
	Last  error
}

func (e *GenerationExhaustedError) Error() string {
	return fmt.Sprintf("all models failed (tried %s): %v", strings.Join(e.Tried, ", "), e.Last)
}

func (e *GenerationExhaustedError) Unwrap() error {
	return e.Last
}

// MalformedGenerationError means a model answered but the text could not be
// turned into a valid quiz.
type MalformedGenerationError struct {
	Model  string
	Reason string
	Err    error
}

func (e *MalformedGenerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed output from %s: %s: %v", e.Model, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed output from %s: %s", e.Model, e.Reason)
}

func (e *MalformedGenerationError) Unwrap() error {
	return e.Err
}
