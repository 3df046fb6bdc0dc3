// Package services – FeedbackService
//
// This file implements the FeedbackService, which governs how end users
// leave binary reactions ("up"/"down") on assistant messages. It enforces
// the business rules (message existence, assistant-only restriction,
// session-keyed deduplication) and persists feedback atomically. Service
// errors (ErrInvalidFeedback, ErrMessageNotFound, ErrFeedbackNotAllowed)
// are returned for predictable cases so handlers can map them to HTTP
// results consistently.
package services

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/tbourn/go-agent-backend/internal/domain"
	"github.com/tbourn/go-agent-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// FeedbackService implements the use-cases around message feedback.
// It validates a submission against the referenced message and performs a
// session-keyed upsert using the provided GORM handle. The service is
// context-aware and opens its own transaction per call.
type FeedbackService struct {
	// DB is the database handle used for all feedback operations.
	DB *gorm.DB
}

// Submit records a feedback value for messageID.
//
// Semantics and validation:
//   - value must be exactly "up" or "down"; otherwise ErrInvalidFeedback.
//   - messageID must exist; otherwise ErrMessageNotFound.
//   - Feedback is allowed only on assistant messages; anything else is
//     rejected with ErrFeedbackNotAllowed.
//   - With a session id: at most one row exists per (message, session). A
//     repeated submission overwrites the stored value and updated_at in
//     place instead of inserting a duplicate.
//   - Without a session id there is no dedup key, so every submission
//     inserts a new row.
//
// Concurrency & atomicity:
//   - The lookup and write run inside one transaction. If two sessions'
//     submissions race past the lookup anyway, the unique index on
//     (message_id, session_id) rejects the loser, which is then retried as
//     an in-place update; the pair never yields two rows.
//
// Returns updated=true when an existing row was overwritten, false when a
// new row was created.
func (s *FeedbackService) Submit(ctx context.Context, messageID, value string, sessionID *string) (updated bool, err error) {
	tr := otel.Tracer("services/FeedbackService")
	ctx, span := tr.Start(ctx, "Submit",
		trace.WithAttributes(
			attribute.String("message.id", messageID),
			attribute.String("feedback.value", value),
		),
	)
	defer span.End()

	if value != domain.FeedbackUp && value != domain.FeedbackDown {
		return false, ErrInvalidFeedback
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1) Load message and verify it exists.
		msg, err := repo.GetMessage(ctx, tx, messageID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrMessageNotFound
			}
			return err
		}

		// 2) Only assistant replies can be rated.
		if msg.Role != domain.RoleAssistant {
			return ErrFeedbackNotAllowed
		}

		// 3) Session-less feedback always inserts; no dedup key available.
		if sessionID == nil || *sessionID == "" {
			_, err := repo.CreateFeedback(ctx, tx, messageID, value, nil)
			return err
		}

		// 4) Session-keyed upsert: overwrite if the pair already has a row.
		existing, err := repo.FindFeedbackBySession(ctx, tx, messageID, *sessionID)
		switch {
		case err == nil:
			updated = true
			return repo.UpdateFeedbackValue(ctx, tx, existing.ID, value)
		case errors.Is(err, gorm.ErrRecordNotFound):
			_, err := repo.CreateFeedback(ctx, tx, messageID, value, sessionID)
			if errors.Is(err, repo.ErrDuplicateFeedback) {
				// Lost a race with another submission from the same
				// session; fold into an update of the surviving row.
				won, ferr := repo.FindFeedbackBySession(ctx, tx, messageID, *sessionID)
				if ferr != nil {
					return ferr
				}
				updated = true
				return repo.UpdateFeedbackValue(ctx, tx, won.ID, value)
			}
			return err
		default:
			return err
		}
	})
	if err != nil {
		return false, err
	}
	return updated, nil
}

// Tally returns the aggregated reaction counts for messageID. Every stored
// row counts: session-deduplicated rows once each, anonymous rows once per
// submission. Unknown messages yield ErrMessageNotFound.
func (s *FeedbackService) Tally(ctx context.Context, messageID string) (repo.FeedbackTally, error) {
	tr := otel.Tracer("services/FeedbackService")
	ctx, span := tr.Start(ctx, "Tally",
		trace.WithAttributes(attribute.String("message.id", messageID)),
	)
	defer span.End()

	if _, err := repo.GetMessage(ctx, s.DB, messageID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return repo.FeedbackTally{}, ErrMessageNotFound
		}
		return repo.FeedbackTally{}, err
	}
	return repo.TallyFeedback(ctx, s.DB, messageID)
}
