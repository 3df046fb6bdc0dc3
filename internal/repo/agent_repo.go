// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Agent
// model, including the ownership predicate that gates every agent-scoped
// read and write.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When an agent is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-agent-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateAgent inserts a new Agent row owned by userID with the given name.
// The agent ID is a randomly generated UUID (string), and CreatedAt is set
// to UTC.
func CreateAgent(ctx context.Context, db *gorm.DB, userID, name string) (*domain.Agent, error) {
	a := &domain.Agent{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(a).Error; err != nil {
		return nil, err
	}
	return a, nil
}

// GetAgent fetches a single agent by its ID and owner (userID). If the
// record does not exist or is owned by someone else, it returns ErrNotFound.
func GetAgent(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Agent, error) {
	var a domain.Agent
	err := db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// AgentBelongsToUser reports whether an agent row exists with the given id
// AND the given owner. It is the ownership predicate composed with every
// agent-scoped repository call; a missing agent and a foreign agent both
// report false.
func AgentBelongsToUser(ctx context.Context, db *gorm.DB, agentID, userID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Agent{}).
		Where("id = ? AND user_id = ?", agentID, userID).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListAgents returns all agents belonging to userID, ordered by creation
// time descending. It returns an empty slice if the user has no agents.
func ListAgents(ctx context.Context, db *gorm.DB, userID string) ([]domain.Agent, error) {
	var out []domain.Agent
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Find(&out).Error
	return out, err
}
