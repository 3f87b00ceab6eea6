package aigen

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

const defaultMarks = 1

type GeneratedQuestion struct {
	Text    string            `json:"question_text" validate:"required"`
	Marks   *int              `json:"marks,omitempty"`
	Choices []GeneratedChoice `json:"choices" validate:"min=2,dive"`
}

type GeneratedChoice struct {
	Text      string `json:"choice_text" validate:"required"`
	IsCorrect bool   `json:"is_correct"`
}

var validate = validator.New()

// ParseQuestions extracts the question array from model output. Code fences
// and prose around the JSON are ignored, as is a {"questions": [...]}
// wrapper. Missing or zero marks become 1.
func ParseQuestions(model, text string) ([]GeneratedQuestion, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return nil, &MalformedGenerationError{Model: model, Reason: "no JSON array in output", Err: err}
	}

	var questions []GeneratedQuestion
	if strings.HasPrefix(raw, "{") {
		var wrapper struct {
			Questions []GeneratedQuestion `json:"questions"`
		}
		err = json.Unmarshal([]byte(raw), &wrapper)
		questions = wrapper.Questions
	} else {
		err = json.Unmarshal([]byte(raw), &questions)
	}
	if err != nil {
		return nil, &MalformedGenerationError{Model: model, Reason: "invalid JSON", Err: err}
	}
	if len(questions) == 0 {
		return nil, &MalformedGenerationError{Model: model, Reason: "no questions"}
	}

	for i := range questions {
		q := &questions[i]
		q.Text = strings.TrimSpace(q.Text)
		for j := range q.Choices {
			q.Choices[j].Text = strings.TrimSpace(q.Choices[j].Text)
		}
		if err := validate.Struct(q); err != nil {
			return nil, &MalformedGenerationError{Model: model, Reason: fmt.Sprintf("question %d", i+1), Err: err}
		}
		if q.Marks != nil && *q.Marks < 0 {
			return nil, &MalformedGenerationError{Model: model, Reason: fmt.Sprintf("question %d has negative marks", i+1)}
		}
		if q.Marks == nil || *q.Marks == 0 {
			m := defaultMarks
			q.Marks = &m
		}
		if !hasCorrect(q.Choices) {
			return nil, &MalformedGenerationError{Model: model, Reason: fmt.Sprintf("question %d has no correct choice", i+1)}
		}
	}
	return questions, nil
}

func hasCorrect(choices []GeneratedChoice) bool {
	for _, c := range choices {
		if c.IsCorrect {
			return true
		}
	}
	return false
}

// extractJSON returns the first JSON value in text shaped like a question
// array or a {"questions": [...]} wrapper. Brackets in surrounding prose are
// skipped because they do not decode to either shape.
func extractJSON(text string) (string, error) {
	s := strings.TrimSpace(text)
	if i := strings.Index(s, "```"); i >= 0 {
		body := s[i+3:]
		if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.ContainsAny(body[:nl], "[{") {
			body = body[nl+1:]
		}
		if end := strings.Index(body, "```"); end >= 0 {
			body = body[:end]
		}
		s = strings.TrimSpace(body)
	}

	for i := 0; i < len(s); i++ {
		if s[i] != '[' && s[i] != '{' {
			continue
		}
		var raw json.RawMessage
		if err := json.NewDecoder(strings.NewReader(s[i:])).Decode(&raw); err != nil {
			continue
		}
		if questionShaped(raw) {
			return string(raw), nil
		}
	}
	return "", errors.New("no question array found")
}

func questionShaped(raw json.RawMessage) bool {
	if raw[0] == '{' {
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(raw, &wrapper); err != nil {
			return false
		}
		q, ok := wrapper["questions"]
		return ok && len(q) > 0 && q[0] == '['
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return false
	}
	for _, it := range items {
		if len(it) == 0 || it[0] != '{' {
			return false
		}
	}
	return true
}
