package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FormID identifies the trivia form on submit events.
const FormID = "trivia"

// Control roles. Controls are located by role instead of by position.
const (
	RoleQuestion    = "question"
	RoleChoices     = "choices"
	RoleSubmit      = "submit"
	RoleSubmissions = "submissions"
	RoleAnswer      = "answer"
	RoleResult      = "result"
)

// Form is the chat platform's form description, sent JSON-encoded as formMetaData.
type Form struct {
	ID       string    `json:"id"`
	Controls []Control `json:"controls"`
}

// Control is a single LABEL, RADIO or BUTTON element of a form.
type Control struct {
	Type    string          `json:"type"`
	Name    string          `json:"name,omitempty"`
	Text    string          `json:"text,omitempty"`
	Options []ControlOption `json:"options,omitempty"`
}

// ControlOption is a radio choice or a button action.
type ControlOption struct {
	Text         string `json:"text"`
	Value        string `json:"value,omitempty"`
	Action       string `json:"action,omitempty"`
	Notification string `json:"notification,omitempty"`
}

// Message is outbound message content with an optional form.
type Message struct {
	Content string
	Form    *Form
}

// Item is a chat message as returned by the platform.
type Item struct {
	ItemID         string
	ConversationID string
	FormMetaData   string
}

// QuestionForm is the typed view of an open question's form.
type QuestionForm struct {
	Question    string
	Choices     []string
	Submissions int
}

// Form renders the wire representation.
func (f QuestionForm) Form() Form {
	options := make([]ControlOption, 0, len(f.Choices))
	for _, c := range f.Choices {
		options = append(options, ControlOption{Text: c, Value: c})
	}
	return Form{
		ID: FormID,
		Controls: []Control{
			{Type: "LABEL", Name: RoleQuestion, Text: "<b>" + f.Question + "</b>"},
			{Type: "RADIO", Name: RoleChoices, Options: options},
			{Type: "BUTTON", Name: RoleSubmit, Options: []ControlOption{{
				Text:         "Submit",
				Action:       "submit",
				Notification: "Answer submitted",
			}}},
			{Type: "LABEL", Name: RoleSubmissions, Text: SubmissionsLabel(f.Submissions)},
		},
	}
}

// SubmissionsLabel formats the counter label text.
func SubmissionsLabel(n int) string {
	if n == 0 {
		return "0 submissions"
	}
	return fmt.Sprintf("%d submission(s)", n)
}

// Control returns the control with the given role.
func (f *Form) Control(role string) (*Control, bool) {
	for i := range f.Controls {
		if f.Controls[i].Name == role {
			return &f.Controls[i], true
		}
	}
	return nil, false
}

// IncrementSubmissions bumps the counter label in place and returns the new count.
func (f *Form) IncrementSubmissions() (int, error) {
	c, ok := f.Control(RoleSubmissions)
	if !ok {
		return 0, fmt.Errorf("form %q has no %s control", f.ID, RoleSubmissions)
	}
	fields := strings.Fields(c.Text)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty submissions label")
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, fmt.Errorf("parse submissions label %q: %w", c.Text, err)
	}
	n++
	c.Text = SubmissionsLabel(n)
	return n, nil
}

// ResultForm replaces the question form once the round is closed.
func ResultForm(question, correctAnswer, result string) Form {
	return Form{
		ID: FormID,
		Controls: []Control{
			{Type: "LABEL", Name: RoleQuestion, Text: "<b>" + question + "</b>"},
			{Type: "LABEL", Name: RoleAnswer, Text: "The correct answer is: <b>" + correctAnswer + "</b>"},
			{Type: "LABEL", Name: RoleResult, Text: result},
		},
	}
}

// ParseForm decodes a formMetaData string.
func ParseForm(raw string) (Form, error) {
	var f Form
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return Form{}, fmt.Errorf("decode form: %w", err)
	}
	return f, nil
}
