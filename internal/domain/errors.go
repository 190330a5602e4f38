package domain

import "errors"

var (
	// ErrQuestionNotFound is returned when no question record exists for an item id.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrQuestionExpired is returned when a submission arrives after the answer window closed.
	ErrQuestionExpired = errors.New("question has expired")
	// ErrDuplicateSubmission is returned when the submitter already answered the question.
	ErrDuplicateSubmission = errors.New("already submitted")
	// ErrCredentialNotFound indicates the bot has not been registered in this namespace.
	ErrCredentialNotFound = errors.New("no credential stored for namespace")
	// ErrNoQuestion is returned when the provider has no question for the requested filters.
	ErrNoQuestion = errors.New("no trivia question available")
	// ErrFormMismatch indicates a form payload that is not the trivia form.
	ErrFormMismatch = errors.New("incorrect form")
)

// ErrRoundClosed is returned when a close is requested for a round another invocation already closed.
var ErrRoundClosed = errors.New("round already closed")
