// Package services defines the business logic for knowledge sources and
// message feedback. This file centralizes common service-level error values
// so that they can be consistently returned by service methods and checked
// by callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler layer.
package services

import "errors"

// Validation errors. Each reports the first violated rule; validation runs
// before any external call or write, so a validation failure never leaves
// partial state behind.
var (
	// ErrNoQuestions is returned when a knowledge source is created or
	// updated with an empty questions list.
	ErrNoQuestions = errors.New("at least one question is required")

	// ErrBlankQuestion is returned when any question in the list is empty
	// or whitespace-only.
	ErrBlankQuestion = errors.New("questions must not be blank")

	// ErrBlankAnswer is returned when the answer is empty or reduces to
	// nothing after normalization.
	ErrBlankAnswer = errors.New("answer must not be blank")

	// ErrNoFields is returned when an update supplies neither questions nor
	// an answer.
	ErrNoFields = errors.New("update requires questions or answer")

	// ErrQuestionTooLong is returned when a question exceeds the configured
	// length limit.
	ErrQuestionTooLong = errors.New("question too long")

	// ErrAnswerTooLong is returned when the answer exceeds the configured
	// length limit.
	ErrAnswerTooLong = errors.New("answer too long")
)

// Not-found errors. Ownership failures and missing records are deliberately
// merged into the same outcome so callers cannot probe for the existence of
// other tenants' resources.
var (
	// ErrAgentNotFound indicates that the agent does not exist or is not
	// owned by the requesting tenant.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrSourceNotFound indicates that the knowledge source does not exist
	// or belongs to another tenant's agent.
	ErrSourceNotFound = errors.New("knowledge source not found")

	// ErrMessageNotFound indicates that the requested message does not exist.
	ErrMessageNotFound = errors.New("message not found")
)

// Feedback and upstream errors.
var (
	// ErrInvalidFeedback is returned when a feedback value is outside the
	// allowed set ("up" or "down").
	ErrInvalidFeedback = errors.New(`feedback value must be "up" or "down"`)

	// ErrFeedbackNotAllowed is returned when feedback targets a message not
	// authored by the assistant.
	ErrFeedbackNotAllowed = errors.New("feedback is only allowed on assistant messages")

	// ErrEmbeddingFailed wraps embedding provider failures. The enclosing
	// write is aborted as a whole; nothing is persisted.
	ErrEmbeddingFailed = errors.New("embedding provider failed")
)
