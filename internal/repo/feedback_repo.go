// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// MessageFeedback model.
//
// The repository follows a "thin" approach: it performs persistence and
// simple query composition, leaving the upsert decision (update vs insert)
// to the feedback service. The unique index on (message_id, session_id)
// remains the last line of defense against duplicate session feedback when
// two submissions race past the service's lookup.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-agent-backend/internal/domain"
)

// ErrDuplicateFeedback indicates a unique-constraint violation on
// (message_id, session_id); another submission from the same session won
// the race. Services treat this as "update the existing row instead".
var ErrDuplicateFeedback = errors.New("duplicate feedback")

// FeedbackTally holds the aggregated reaction counts for one message.
type FeedbackTally struct {
	Up    int64 `json:"up"`
	Down  int64 `json:"down"`
	Total int64 `json:"total"`
}

// FindFeedbackBySession returns the feedback row for (messageID, sessionID),
// or ErrNotFound when the session has not rated the message yet.
func FindFeedbackBySession(ctx context.Context, db *gorm.DB, messageID, sessionID string) (*domain.MessageFeedback, error) {
	var fb domain.MessageFeedback
	err := db.WithContext(ctx).
		Where("message_id = ? AND session_id = ?", messageID, sessionID).
		First(&fb).Error
	if err != nil {
		return nil, err
	}
	return &fb, nil
}

// CreateFeedback inserts a feedback row. sessionID may be nil for anonymous
// submissions without a session cookie; such rows are never deduplicated.
// A unique violation on (message_id, session_id) is mapped to
// ErrDuplicateFeedback.
func CreateFeedback(ctx context.Context, db *gorm.DB, messageID, value string, sessionID *string) (*domain.MessageFeedback, error) {
	now := time.Now().UTC()
	fb := &domain.MessageFeedback{
		ID:        uuid.NewString(),
		MessageID: messageID,
		Feedback:  value,
		SessionID: sessionID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.WithContext(ctx).Create(fb).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateFeedback
		}
		return nil, err
	}
	return fb, nil
}

// UpdateFeedbackValue overwrites the stored value and updated_at of an
// existing feedback row in place. Returns ErrNotFound when the row is gone.
func UpdateFeedbackValue(ctx context.Context, db *gorm.DB, id, value string) error {
	res := db.WithContext(ctx).
		Model(&domain.MessageFeedback{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"feedback":   value,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// TallyFeedback counts every feedback row for messageID grouped by value.
// There is no deduplication at read time: each row counts once, including
// multiple anonymous submissions.
func TallyFeedback(ctx context.Context, db *gorm.DB, messageID string) (FeedbackTally, error) {
	var rows []struct {
		Feedback string
		N        int64
	}
	err := db.WithContext(ctx).
		Model(&domain.MessageFeedback{}).
		Select("feedback, COUNT(*) as n").
		Where("message_id = ?", messageID).
		Group("feedback").
		Scan(&rows).Error
	if err != nil {
		return FeedbackTally{}, err
	}

	var t FeedbackTally
	for _, r := range rows {
		switch r.Feedback {
		case domain.FeedbackUp:
			t.Up = r.N
		case domain.FeedbackDown:
			t.Down = r.N
		}
		t.Total += r.N
	}
	return t, nil
}

// isUniqueViolation detects unique-constraint violations across drivers
// that may not map to gorm.ErrDuplicatedKey.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// glebarez/sqlite: "UNIQUE constraint failed" / "constraint failed: UNIQUE"
	// Postgres: "duplicate key value violates unique constraint"
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "constraint failed: unique") ||
		strings.Contains(msg, "duplicate key")
}
