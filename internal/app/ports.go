package app

import (
	"context"
	"time"

	"circuit-trivia-bot/internal/domain"
)

// Record kinds understood by Store.Purge and the dump tooling.
const (
	KindCredential = "token"
	KindQuestion   = "question"
	KindSubmission = "submission"
)

// CredentialStore keeps the single bot credential of a namespace.
type CredentialStore interface {
	SaveCredential(ctx context.Context, cred domain.Credential) error
	GetCredential(ctx context.Context) (domain.Credential, error)
}

// QuestionStore persists question rounds.
type QuestionStore interface {
	AddQuestion(ctx context.Context, q domain.Question) error
	GetQuestion(ctx context.Context, questionID string) (domain.Question, error)
	// ExpireQuestion flips ACTIVE to EXPIRED and reports whether this call made the transition.
	ExpireQuestion(ctx context.Context, questionID string) (bool, error)
	ListQuestions(ctx context.Context) ([]domain.Question, error)
	CountQuestions(ctx context.Context) (int, error)
}

// SubmissionStore persists answers.
type SubmissionStore interface {
	HasSubmission(ctx context.Context, questionID, submitterID string) (bool, error)
	// AddSubmission inserts only if no submission exists for the pair and the question is
	// still active. It returns domain.ErrDuplicateSubmission or domain.ErrQuestionExpired otherwise.
	AddSubmission(ctx context.Context, s domain.Submission) error
	// ListSubmissions returns a question's submissions, earliest first.
	ListSubmissions(ctx context.Context, questionID string) ([]domain.Submission, error)
	AllSubmissions(ctx context.Context) ([]domain.Submission, error)
}

// Store is the full persistence surface for one namespace.
type Store interface {
	CredentialStore
	QuestionStore
	SubmissionStore
	// Purge deletes every record of a kind and returns how many were removed.
	Purge(ctx context.Context, kind string) (int, error)
}

// ChatClient is the subset of the chat platform REST API the bot uses.
type ChatClient interface {
	PostMessage(ctx context.Context, cred domain.Credential, convID, parentID string, msg domain.Message) (domain.Item, error)
	UpdateMessage(ctx context.Context, cred domain.Credential, convID, itemID string, msg domain.Message) error
	GetMessage(ctx context.Context, cred domain.Credential, itemID string) (domain.Item, error)
	ListUsers(ctx context.Context, cred domain.Credential, userIDs []string) ([]domain.User, error)
}

// QuestionProvider supplies random multiple-choice questions.
// categoryID 0 means any category, an empty difficulty means any difficulty.
type QuestionProvider interface {
	RandomQuestion(ctx context.Context, difficulty string, categoryID int) (domain.TriviaQuestion, error)
}

// Classifier maps an utterance to an intent.
type Classifier interface {
	DetectIntent(ctx context.Context, text, sessionKey string) (domain.Intent, error)
}

// Scheduler arranges for a round to be closed at a point in time.
type Scheduler interface {
	Schedule(ctx context.Context, questionID string, at time.Time) error
}

// CloseFunc is invoked by a scheduler runner once a round is due.
type CloseFunc func(ctx context.Context, questionID string)

// EventPublisher fans round events out to live feed subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, ev domain.RoundEvent) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, domain.RoundEvent) error { return nil }
