// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the QaSource
// aggregate and its child QaSourceChunk rows.
//
// Chunk writes are deliberately coarse: the chunk set for a source is only
// ever replaced as a whole (delete all, insert all). Callers that need the
// replacement to be atomic with a parent update must pass a transaction
// handle; these functions never open transactions themselves.
//
// Error semantics:
//   - When a source is not found, functions return gorm.ErrRecordNotFound
//     (exported as ErrNotFound in agent_repo.go).
//   - On other DB errors, the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/go-agent-backend/internal/domain"
)

// ChunkInput carries the derived fields for one chunk row. The repository
// assigns identity and timestamps; question, content, embedding, and index
// come from the ingestion pipeline.
type ChunkInput struct {
	Question  string
	Content   string
	Index     int
	Embedding []float32
}

// CreateQaSource inserts the QaSource row for agentID. Chunk rows are
// inserted separately via InsertChunks so that both writes can share the
// caller's transaction.
func CreateQaSource(ctx context.Context, db *gorm.DB, agentID string, questions []string, answer string) (*domain.QaSource, error) {
	now := time.Now().UTC()
	s := &domain.QaSource{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Questions: datatypes.NewJSONSlice(questions),
		Answer:    answer,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.WithContext(ctx).Create(s).Error; err != nil {
		return nil, err
	}
	return s, nil
}

// GetQaSource fetches a single source by ID, without tenant scoping.
// Ownership is checked at the service layer through the source's agent.
// Returns ErrNotFound if the record does not exist.
func GetQaSource(ctx context.Context, db *gorm.DB, id string) (*domain.QaSource, error) {
	var s domain.QaSource
	if err := db.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// ListQaSourcesPage returns a paginated slice of sources for agentID,
// ordered by update time descending (most recently touched first). The
// projection is chunk-free and omits the answer body; use GetQaSource for
// the full record.
//
// The caller is responsible for computing offset and limit (e.g., (page-1)*pageSize).
func ListQaSourcesPage(ctx context.Context, db *gorm.DB, agentID string, offset, limit int) ([]domain.QaSource, error) {
	var out []domain.QaSource
	err := db.WithContext(ctx).
		Select("id", "agent_id", "questions", "created_at", "updated_at").
		Where("agent_id = ?", agentID).
		Order("updated_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountQaSources returns the total number of sources owned by agentID.
func CountQaSources(ctx context.Context, db *gorm.DB, agentID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.QaSource{}).
		Where("agent_id = ?", agentID).
		Count(&total).Error
	return total, err
}

// UpdateQaSourceFields writes the post-merge questions and answer onto the
// source row and bumps updated_at. If no rows are affected (source missing),
// it returns ErrNotFound.
func UpdateQaSourceFields(ctx context.Context, db *gorm.DB, id string, questions []string, answer string) error {
	res := db.WithContext(ctx).
		Model(&domain.QaSource{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"questions":  datatypes.NewJSONSlice(questions),
			"answer":     answer,
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

// DeleteQaSource removes the source row and hard-deletes its chunk rows so
// none are left orphaned. The source itself is soft-deleted (audit trail);
// chunks are derived data and carry no soft-delete marker. Pass a
// transaction handle to make both deletes atomic.
func DeleteQaSource(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).Where("id = ?", id).Delete(&domain.QaSource{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return db.WithContext(ctx).
		Where("qa_source_id = ?", id).
		Delete(&domain.QaSourceChunk{}).Error
}

// InsertChunks inserts one chunk row per input, assigning UUIDs and UTC
// timestamps. Inputs must already be ordered; Index is persisted verbatim.
func InsertChunks(ctx context.Context, db *gorm.DB, sourceID string, chunks []ChunkInput) error {
	if len(chunks) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]domain.QaSourceChunk, len(chunks))
	for i, c := range chunks {
		rows[i] = domain.QaSourceChunk{
			ID:         uuid.NewString(),
			QaSourceID: sourceID,
			Question:   c.Question,
			Content:    c.Content,
			ChunkIndex: c.Index,
			Embedding:  datatypes.NewJSONSlice(c.Embedding),
			CreatedAt:  now,
		}
	}
	return db.WithContext(ctx).Create(&rows).Error
}

// DeleteChunks hard-deletes every chunk belonging to sourceID.
func DeleteChunks(ctx context.Context, db *gorm.DB, sourceID string) error {
	return db.WithContext(ctx).
		Where("qa_source_id = ?", sourceID).
		Delete(&domain.QaSourceChunk{}).Error
}

// ReplaceChunks swaps the full chunk set for sourceID: delete all existing
// rows, then insert the new set. There is no diffing; content must always
// be reproducible from the current questions and answer, and wholesale
// replacement keeps that invariant trivially true. Callers wrap this in a
// transaction together with the parent row update.
func ReplaceChunks(ctx context.Context, db *gorm.DB, sourceID string, chunks []ChunkInput) error {
	if err := DeleteChunks(ctx, db, sourceID); err != nil {
		return err
	}
	return InsertChunks(ctx, db, sourceID, chunks)
}

// ListChunks returns every chunk for sourceID ordered by chunk index.
func ListChunks(ctx context.Context, db *gorm.DB, sourceID string) ([]domain.QaSourceChunk, error) {
	var out []domain.QaSourceChunk
	err := db.WithContext(ctx).
		Where("qa_source_id = ?", sourceID).
		Order("chunk_index asc").
		Find(&out).Error
	return out, err
}

// CountChunks returns the number of chunk rows for sourceID.
func CountChunks(ctx context.Context, db *gorm.DB, sourceID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.QaSourceChunk{}).
		Where("qa_source_id = ?", sourceID).
		Count(&total).Error
	return total, err
}
