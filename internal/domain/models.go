package domain

import "time"

// QuestionStatus is the lifecycle state of a question round.
type QuestionStatus string

const (
	StatusActive  QuestionStatus = "active"
	StatusExpired QuestionStatus = "expired"
)

// Credential is the bot's authentication material for one deployment namespace.
type Credential struct {
	Domain    string    `json:"domain" yaml:"domain"`
	UserID    string    `json:"userId" yaml:"userId"`
	Token     string    `json:"token" yaml:"-"`
	CreatedAt time.Time `json:"created" yaml:"created"`
}

// Question is one posted trivia round. ID is the chat item id of the posted message.
type Question struct {
	ID               string         `json:"itemId" yaml:"itemId"`
	ConversationID   string         `json:"convId" yaml:"convId"`
	Category         string         `json:"category" yaml:"category"`
	Difficulty       string         `json:"difficulty" yaml:"difficulty"`
	Text             string         `json:"question" yaml:"question"`
	CorrectAnswer    string         `json:"correctAnswer" yaml:"correctAnswer"`
	IncorrectAnswers []string       `json:"incorrectAnswers" yaml:"incorrectAnswers"`
	Status           QuestionStatus `json:"status" yaml:"status"`
	CreatedAt        time.Time      `json:"created" yaml:"created"`
}

// Active reports whether submissions are still accepted.
func (q Question) Active() bool {
	return q.Status == StatusActive
}

// Submission is a single user's answer to a single question.
type Submission struct {
	QuestionID  string    `json:"itemId" yaml:"itemId"`
	SubmitterID string    `json:"submitterId" yaml:"submitterId"`
	Value       string    `json:"value" yaml:"value"`
	Correct     bool      `json:"correct" yaml:"correct"`
	SubmittedAt time.Time `json:"created" yaml:"created"`
}

// TriviaQuestion is a question as delivered by the question provider.
type TriviaQuestion struct {
	Category         string
	Difficulty       string
	Text             string
	CorrectAnswer    string
	IncorrectAnswers []string
}

// Filters narrows the provider's random pick.
type Filters struct {
	Difficulty string
	Category   string
}

// User is a chat platform user as returned by a user lookup.
type User struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// RoundResult summarizes a closed round.
type RoundResult struct {
	QuestionID      string
	SubmissionCount int
	// Winners holds submitter ids with a correct answer, earliest submission first.
	Winners     []string
	WinnerNames []string
	Message     string
}

// UserStats is the per-user accuracy line of a statistics report.
type UserStats struct {
	UserID      string
	DisplayName string
	Correct     int
	Incorrect   int
	Percentage  int
}

// Stats is a transient statistics report, recomputed on every request.
type Stats struct {
	QuestionCount   int
	SubmissionCount int
	Users           []UserStats
}

// RoundEventType names the kinds of live round events.
type RoundEventType string

const (
	EventQuestionPosted RoundEventType = "posted"
	EventAnswerCounted  RoundEventType = "submission"
	EventRoundClosed    RoundEventType = "closed"
)

// RoundEvent is published to live feed subscribers while a round runs.
type RoundEvent struct {
	Type           RoundEventType `json:"type"`
	QuestionID     string         `json:"questionId"`
	ConversationID string         `json:"convId"`
	Question       string         `json:"question,omitempty"`
	Submissions    int            `json:"submissions,omitempty"`
	Winners        []string       `json:"winners,omitempty"`
	At             time.Time      `json:"at"`
}

// ItemEvent is the payload of a CONVERSATION.ADD_ITEM webhook.
type ItemEvent struct {
	ItemID         string    `json:"itemId"`
	ConversationID string    `json:"convId"`
	CreatorID      string    `json:"creatorId"`
	ParentID       string    `json:"parentId,omitempty"`
	Text           *ItemText `json:"text,omitempty"`
}

// ItemText is the text body of a chat item. ParentID is the legacy location of the thread parent.
type ItemText struct {
	Content  string `json:"content"`
	ParentID string `json:"parentId,omitempty"`
}

// ThreadParent picks the item a reply should be threaded under.
func (e ItemEvent) ThreadParent() string {
	if e.ParentID != "" {
		return e.ParentID
	}
	if e.Text != nil && e.Text.ParentID != "" {
		return e.Text.ParentID
	}
	return e.ItemID
}

// FormSubmission is the payload of a USER.SUBMIT_FORM_DATA webhook.
type FormSubmission struct {
	FormID      string      `json:"formId"`
	ItemID      string      `json:"itemId"`
	SubmitterID string      `json:"submitterId"`
	Data        []FormValue `json:"data"`
}

// FormValue is one submitted form field.
type FormValue struct {
	Name  string `json:"name,omitempty"`
	Value string `json:"value"`
}

// Intent is a classified utterance.
type Intent struct {
	QueryText       string
	FulfillmentText string
	// Name is the matched intent display name, empty when nothing matched.
	Name       string
	Parameters map[string]any
}
