// Package services – KnowledgeService
//
// This file implements KnowledgeService, the application-level component
// that owns the lifecycle of Q&A knowledge sources and their derived,
// embedded chunks. It validates input, gates every operation on tenant
// ownership of the target agent, runs the normalize → build → embed
// pipeline, and persists the source row together with its chunk set
// atomically.
//
// Chunk consistency is the central invariant: after any successful write,
// the chunk set of a source is in 1:1, order-preserving correspondence with
// its questions, and each chunk's content is reproducible byte-for-byte
// from the stored question and answer. To keep that true, chunks are never
// patched; every write recomputes and replaces the full set.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// include agent/source identifiers and batch sizes where applicable.
package services

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/tbourn/go-agent-backend/internal/domain"
	"github.com/tbourn/go-agent-backend/internal/embedding"
	"github.com/tbourn/go-agent-backend/internal/knowledge"
	"github.com/tbourn/go-agent-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// KnowledgeService coordinates knowledge-source persistence and the
// embedding pipeline.
//
// Concurrency: two concurrent Updates on the same source are not serialized
// here; the row-level locking of the parent update inside each transaction
// is the only protection, and the last committed write wins. If stronger
// guarantees are needed later, add an optimistic version counter on
// QaSource rather than locking.
type KnowledgeService struct {
	DB       *gorm.DB
	Embedder embedding.Provider

	// Optional guards (0 disables the corresponding limit)
	MaxQuestionRunes int
	MaxAnswerRunes   int

	// Display title derivation for listings
	TitleLocale language.Tag
	TitleMaxLen int
}

// SourceSummary is the chunk-free listing projection of a QaSource: enough
// to render an overview without loading answers or embeddings.
type SourceSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Questions []string  `json:"questions"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Create registers a new Q&A pair for agentID on behalf of userID.
//
// Semantics and validation:
//   - questions must contain at least one entry and none may be blank;
//     otherwise ErrNoQuestions / ErrBlankQuestion.
//   - answer must not be blank (after normalization); otherwise ErrBlankAnswer.
//   - agentID must exist and belong to userID; otherwise ErrAgentNotFound
//     (a foreign agent is indistinguishable from a missing one).
//
// Pipeline: the answer is normalized, one embedding input is built per
// question ("Q: {q}\nA: {normalized answer}"), and the whole batch goes to
// the provider in a single call, preserving input order. A provider failure aborts the
// operation with ErrEmbeddingFailed before anything is written.
//
// Atomicity: the source row and its N chunk rows are inserted in one
// transaction; a reader sees all of them or none.
//
// Returns the created source and its chunk count.
func (s *KnowledgeService) Create(ctx context.Context, userID, agentID string, questions []string, answer string) (*domain.QaSource, int, error) {
	tr := otel.Tracer("services/KnowledgeService")
	ctx, span := tr.Start(ctx, "Create",
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.Int("questions.count", len(questions)),
		),
	)
	defer span.End()

	questions, err := s.validQuestions(questions)
	if err != nil {
		return nil, 0, err
	}
	normalized, err := s.validAnswer(answer)
	if err != nil {
		return nil, 0, err
	}

	// Ownership gate before any external call or write.
	if err := s.authorizeAgent(ctx, agentID, userID); err != nil {
		return nil, 0, err
	}

	chunks, err := s.buildChunks(ctx, questions, normalized)
	if err != nil {
		return nil, 0, err
	}

	var created *domain.QaSource
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		src, err := repo.CreateQaSource(ctx, tx, agentID, questions, answer)
		if err != nil {
			return err
		}
		if err := repo.InsertChunks(ctx, tx, src.ID, chunks); err != nil {
			return err
		}
		created = src
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return created, len(chunks), nil
}

// Update applies a partial edit to a source owned (via its agent) by
// userID. At least one of questions/answer must be provided (ErrNoFields);
// fields not sent are preserved from the stored record.
//
// Even when only one field changes, the full chunk set is recomputed from
// the post-merge question/answer pair; there is no partial re-embedding.
// The delete-then-insert of chunks and the parent row update run in a
// single transaction: a reader never observes a source with zero or
// mismatched chunks after a successful Update, and a failed Update leaves
// the stored rows exactly as they were.
func (s *KnowledgeService) Update(ctx context.Context, userID, sourceID string, questions []string, answer *string) (*domain.QaSource, error) {
	tr := otel.Tracer("services/KnowledgeService")
	ctx, span := tr.Start(ctx, "Update",
		trace.WithAttributes(attribute.String("source.id", sourceID)),
	)
	defer span.End()

	if questions == nil && answer == nil {
		return nil, ErrNoFields
	}

	src, err := s.resolveSource(ctx, sourceID, userID)
	if err != nil {
		return nil, err
	}

	// Merge provided fields over the stored record.
	nextQuestions := []string(src.Questions)
	if questions != nil {
		if nextQuestions, err = s.validQuestions(questions); err != nil {
			return nil, err
		}
	}
	nextAnswer := src.Answer
	if answer != nil {
		nextAnswer = *answer
	}
	normalized, err := s.validAnswer(nextAnswer)
	if err != nil {
		return nil, err
	}

	// Embed before opening the transaction; a provider failure must leave
	// the original rows untouched.
	chunks, err := s.buildChunks(ctx, nextQuestions, normalized)
	if err != nil {
		return nil, err
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.ReplaceChunks(ctx, tx, src.ID, chunks); err != nil {
			return err
		}
		return repo.UpdateQaSourceFields(ctx, tx, src.ID, nextQuestions, nextAnswer)
	})
	if err != nil {
		return nil, err
	}

	return repo.GetQaSource(ctx, s.DB, src.ID)
}

// Get returns a source owned (via its agent) by userID, or
// ErrSourceNotFound for missing records and foreign records alike.
func (s *KnowledgeService) Get(ctx context.Context, userID, sourceID string) (*domain.QaSource, error) {
	tr := otel.Tracer("services/KnowledgeService")
	ctx, span := tr.Start(ctx, "Get",
		trace.WithAttributes(attribute.String("source.id", sourceID)),
	)
	defer span.End()

	return s.resolveSource(ctx, sourceID, userID)
}

// ListPage returns a page of chunk-free source summaries for agentID,
// ordered by update time descending (most recently touched first), plus the
// total count for pagination metadata.
func (s *KnowledgeService) ListPage(ctx context.Context, userID, agentID string, page, pageSize int) ([]SourceSummary, int64, error) {
	tr := otel.Tracer("services/KnowledgeService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	if err := s.authorizeAgent(ctx, agentID, userID); err != nil {
		return nil, 0, err
	}

	total, err := repo.CountQaSources(ctx, s.DB, agentID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []SourceSummary{}, 0, nil
	}

	items, err := repo.ListQaSourcesPage(ctx, s.DB, agentID, offset, pageSize)
	if err != nil {
		return nil, 0, err
	}

	out := make([]SourceSummary, len(items))
	for i, it := range items {
		out[i] = SourceSummary{
			ID:        it.ID,
			Title:     s.displayTitle([]string(it.Questions)),
			Questions: []string(it.Questions),
			CreatedAt: it.CreatedAt,
			UpdatedAt: it.UpdatedAt,
		}
	}
	return out, total, nil
}

// Delete removes a source owned (via its agent) by userID together with
// its chunks. Both deletes run in one transaction so no orphaned chunks
// survive a partial failure.
func (s *KnowledgeService) Delete(ctx context.Context, userID, sourceID string) error {
	tr := otel.Tracer("services/KnowledgeService")
	ctx, span := tr.Start(ctx, "Delete",
		trace.WithAttributes(attribute.String("source.id", sourceID)),
	)
	defer span.End()

	src, err := s.resolveSource(ctx, sourceID, userID)
	if err != nil {
		return err
	}

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return repo.DeleteQaSource(ctx, tx, src.ID)
	})
}

//
// Internal helpers
//

// authorizeAgent checks agent existence and tenant ownership in one
// predicate. Misses and foreign agents both surface as ErrAgentNotFound.
func (s *KnowledgeService) authorizeAgent(ctx context.Context, agentID, userID string) error {
	ok, err := repo.AgentBelongsToUser(ctx, s.DB, agentID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAgentNotFound
	}
	return nil
}

// resolveSource loads a source and verifies, through its agent, that it
// belongs to userID. Any miss along the chain yields ErrSourceNotFound so a
// caller cannot distinguish "does not exist" from "not yours".
func (s *KnowledgeService) resolveSource(ctx context.Context, sourceID, userID string) (*domain.QaSource, error) {
	src, err := repo.GetQaSource(ctx, s.DB, sourceID)
	if err != nil {
		return nil, ErrSourceNotFound
	}
	ok, err := repo.AgentBelongsToUser(ctx, s.DB, src.AgentID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSourceNotFound
	}
	return src, nil
}

// validQuestions trims every entry and enforces presence and length rules.
// Returns the trimmed list so stored questions have no incidental padding.
func (s *KnowledgeService) validQuestions(questions []string) ([]string, error) {
	if len(questions) == 0 {
		return nil, ErrNoQuestions
	}
	out := make([]string, len(questions))
	for i, q := range questions {
		q = strings.TrimSpace(q)
		if q == "" {
			return nil, ErrBlankQuestion
		}
		if s.MaxQuestionRunes > 0 && utf8.RuneCountInString(q) > s.MaxQuestionRunes {
			return nil, ErrQuestionTooLong
		}
		out[i] = q
	}
	return out, nil
}

// validAnswer normalizes the answer and enforces presence and length rules,
// returning the normalized form used for chunk contents.
func (s *KnowledgeService) validAnswer(answer string) (string, error) {
	if s.MaxAnswerRunes > 0 && utf8.RuneCountInString(answer) > s.MaxAnswerRunes {
		return "", ErrAnswerTooLong
	}
	normalized := knowledge.Normalize(answer)
	if normalized == "" {
		return "", ErrBlankAnswer
	}
	return normalized, nil
}

// buildChunks derives the embedding inputs and fetches their vectors in one
// batched provider call. Output order is guaranteed to match questions.
func (s *KnowledgeService) buildChunks(ctx context.Context, questions []string, normalizedAnswer string) ([]repo.ChunkInput, error) {
	texts := knowledge.ChunkTexts(questions, normalizedAnswer)

	vectors, err := s.Embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingFailed, len(vectors), len(texts))
	}

	chunks := make([]repo.ChunkInput, len(questions))
	for i := range questions {
		chunks[i] = repo.ChunkInput{
			Question:  questions[i],
			Content:   texts[i],
			Index:     i,
			Embedding: vectors[i],
		}
	}
	return chunks, nil
}

// displayTitle derives a concise listing title from the first question.
func (s *KnowledgeService) displayTitle(questions []string) string {
	if len(questions) == 0 {
		return ""
	}
	title := cases.Title(s.titleLocaleOrDefault()).String(questions[0])
	max := s.TitleMaxLen
	if max <= 0 {
		max = 60
	}
	if utf8.RuneCountInString(title) > max {
		return string([]rune(title)[:max])
	}
	return title
}

// titleLocaleOrDefault returns the configured locale for casing or English
// if unset.
func (s *KnowledgeService) titleLocaleOrDefault() language.Tag {
	if s.TitleLocale == language.Und {
		return language.English
	}
	return s.TitleLocale
}
