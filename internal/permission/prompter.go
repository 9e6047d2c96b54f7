package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Prompter is the UI surface the arbiter calls when a decision needs the
// user. Implementations block until the user responds or ctx is done, and
// return ctx.Err() on cancellation or expiry.
type Prompter interface {
	// PromptToolPermission asks the user to approve or reject one tool use.
	PromptToolPermission(ctx context.Context, req ToolPromptRequest) (ToolPromptResponse, error)

	// PromptQuestions presents the agent's questions and collects one
	// answer per question, in question order.
	PromptQuestions(ctx context.Context, req QuestionPromptRequest) (QuestionPromptResponse, error)
}

// ToolPromptRequest describes one tool use awaiting user confirmation.
type ToolPromptRequest struct {
	ToolName  string
	ToolUseID string
	Input     map[string]any
	Timestamp time.Time
}

// ToolPromptResponse is the user's verdict on a tool prompt.
type ToolPromptResponse struct {
	Approved bool

	// Reason optionally explains a rejection; it is forwarded to the model.
	Reason string

	// Remember asks the runtime to allow this tool without prompting for
	// the rest of the turn.
	Remember bool
}

// QuestionPromptRequest carries the questions of one AskUserQuestion call.
type QuestionPromptRequest struct {
	ToolUseID string
	Questions []Question
}

// QuestionPromptResponse holds the collected answers, or records that the
// user backed out instead of answering.
type QuestionPromptResponse struct {
	Answers   []string
	Cancelled bool
	Reason    string
}

// Question is one entry of an AskUserQuestion tool input.
type Question struct {
	Question    string           `json:"question"`
	Header      string           `json:"header,omitempty"`
	Options     []QuestionOption `json:"options,omitempty"`
	MultiSelect bool             `json:"multiSelect,omitempty"`
}

// QuestionOption is a selectable answer. The runtime serializes options
// either as bare strings or as {label, description} objects.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

func (o *QuestionOption) UnmarshalJSON(data []byte) error {
	var label string
	if err := json.Unmarshal(data, &label); err == nil {
		*o = QuestionOption{Label: label}
		return nil
	}
	type plain QuestionOption
	var obj plain
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*o = QuestionOption(obj)
	return nil
}

// ParseQuestions extracts and validates the questions array from an
// AskUserQuestion tool input.
func ParseQuestions(input map[string]any) ([]Question, error) {
	rawValue, ok := input["questions"]
	if !ok {
		return nil, errors.New("input has no questions field")
	}
	raw, err := json.Marshal(rawValue)
	if err != nil {
		return nil, fmt.Errorf("encode questions: %w", err)
	}
	var questions []Question
	if err := json.Unmarshal(raw, &questions); err != nil {
		return nil, errors.New("questions is not an array")
	}
	if len(questions) == 0 {
		return nil, errors.New("questions array is empty")
	}
	return questions, nil
}
