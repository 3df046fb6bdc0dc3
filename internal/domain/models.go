// Package domain defines the persistence models for agents, knowledge
// sources, chat sessions, messages, and feedback. These types are mapped
// with GORM and form the core data layer of the agent backend.
package domain

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Feedback values accepted for MessageFeedback.Feedback.
const (
	FeedbackUp   = "up"
	FeedbackDown = "down"
)

// Message author roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Agent represents one conversational assistant configuration owned by a
// user (the tenant). Agents are the scoping boundary for knowledge sources:
// every QaSource belongs to exactly one agent, and an agent to exactly one
// user, so resource access always resolves agent → user.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - UserID: identifier of the owning tenant; indexed for ownership checks.
//   - Name: human-readable agent name.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
//   - DeletedAt: soft deletion marker.
type Agent struct {
	ID        string         `json:"id"         gorm:"type:char(36);primaryKey"`
	UserID    string         `json:"user_id"    gorm:"type:varchar(64);not null;index:idx_user_agents"`
	Name      string         `json:"name"       gorm:"type:varchar(255);not null;default:'New agent'"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-"          gorm:"index"`
}

// TableName returns the database table name for Agent.
func (Agent) TableName() string { return "agents" }

// QaSource is a question/answer knowledge pair registered for an agent.
// The ordered Questions list holds one or more phrasings of the same
// question; the shared Answer may contain markup and is normalized before
// embedding. A QaSource always has at least one question.
//
// The derived QaSourceChunk rows are regenerated wholesale whenever the
// source changes, so Questions order is significant: index i of Questions
// corresponds to the chunk with ChunkIndex i.
type QaSource struct {
	ID        string                      `json:"id"         gorm:"type:char(36);primaryKey"`
	AgentID   string                      `json:"agent_id"   gorm:"type:char(36);not null;index:idx_agent_sources,priority:1"`
	Questions datatypes.JSONSlice[string] `json:"questions"  gorm:"not null"`
	Answer    string                      `json:"answer"     gorm:"type:text;not null"`
	CreatedAt time.Time                   `json:"created_at"`
	UpdatedAt time.Time                   `json:"updated_at" gorm:"index:idx_agent_sources,priority:2"`
	DeletedAt gorm.DeletedAt              `json:"-"          gorm:"index"`

	// Agent is the owning assistant. Sources are cascade-deleted if their
	// agent is removed.
	Agent Agent `json:"-" gorm:"foreignKey:AgentID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for QaSource.
func (QaSource) TableName() string { return "qa_sources" }

// QaSourceChunk is one retrievable unit derived from a QaSource: a single
// question phrasing paired with the normalized shared answer, plus the
// embedding vector computed over Content. Chunks are never edited in place;
// the full chunk set is deleted and recreated together with its siblings
// whenever the parent changes, so the set is always in 1:1, order-preserving
// correspondence with the parent's Questions.
//
// Content is the exact text sent to the embedding provider
// ("Q: {question}\nA: {normalized answer}") and is reproducible
// byte-for-byte from the stored question and parent answer.
type QaSourceChunk struct {
	ID         string                       `json:"id"           gorm:"type:char(36);primaryKey"`
	QaSourceID string                       `json:"qa_source_id" gorm:"type:char(36);not null;index:idx_source_chunks,priority:1"`
	Question   string                       `json:"question"     gorm:"type:text;not null"`
	Content    string                       `json:"content"      gorm:"type:text;not null"`
	ChunkIndex int                          `json:"chunk_index"  gorm:"not null;index:idx_source_chunks,priority:2"`
	Embedding  datatypes.JSONSlice[float32] `json:"-"            gorm:"not null"`
	CreatedAt  time.Time                    `json:"created_at"`

	// QaSource is the parent knowledge pair. Chunks are cascade-deleted if
	// the source is removed, never left orphaned.
	QaSource QaSource `json:"-" gorm:"foreignKey:QaSourceID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for QaSourceChunk.
func (QaSourceChunk) TableName() string { return "qa_source_chunks" }

// ChatSession represents one end-user conversation with an agent. Sessions
// are anonymous (cookie-correlated), not tenant identities; they exist so
// messages and feedback can be grouped per visitor.
type ChatSession struct {
	ID        string         `json:"id"        gorm:"type:char(36);primaryKey"`
	AgentID   string         `json:"agent_id"  gorm:"type:char(36);not null;index"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-"         gorm:"index"`

	Agent Agent `json:"-" gorm:"foreignKey:AgentID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for ChatSession.
func (ChatSession) TableName() string { return "chat_sessions" }

// Message represents a single utterance within a chat session, authored
// either by the "user" or the "assistant". Only assistant messages can
// receive feedback.
type Message struct {
	ID        string         `json:"id"         gorm:"type:char(36);primaryKey"`
	SessionID string         `json:"session_id" gorm:"type:char(36);not null;index:idx_session_msgs,priority:1"`
	Role      string         `json:"role"       gorm:"type:varchar(16);not null;check:role IN ('user','assistant')"`
	Content   string         `json:"content"    gorm:"type:text;not null"`
	CreatedAt time.Time      `json:"created_at" gorm:"index:idx_session_msgs,priority:2"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-"          gorm:"index"`

	// Session is the parent conversation. Messages are cascade-deleted if
	// their session is removed.
	Session ChatSession `json:"-" gorm:"foreignKey:SessionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// MessageFeedback records a binary end-user reaction ("up" or "down") on an
// assistant message.
//
// Deduplication: when SessionID is set, at most one row may exist per
// (message_id, session_id) pair; a repeated submission from the same session
// overwrites the stored value instead of inserting a duplicate. The unique
// index enforces this under concurrent submissions. SQL treats NULLs as
// distinct in unique indexes, so rows without a session id always insert;
// session-less feedback is never deduplicated.
type MessageFeedback struct {
	ID        string    `json:"id"          gorm:"type:char(36);primaryKey"`
	MessageID string    `json:"message_id"  gorm:"type:char(36);not null;index;uniqueIndex:ux_feedback_message_session"`
	Feedback  string    `json:"feedback"    gorm:"type:varchar(8);not null;check:feedback IN ('up','down')"`
	SessionID *string   `json:"session_id,omitempty" gorm:"type:char(36);uniqueIndex:ux_feedback_message_session"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Message is the rated assistant message. Feedback is cascade-deleted
	// if the underlying message is removed.
	Message Message `json:"-" gorm:"foreignKey:MessageID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for MessageFeedback.
func (MessageFeedback) TableName() string { return "message_feedback" }
