// Knowledge source HTTP handlers.
//
// This file exposes REST endpoints for Q&A knowledge sources:
//   - POST   /agents/{id}/sources        (register a Q&A pair and embed it)
//   - GET    /agents/{id}/sources        (list, paginated, ETag support)
//   - GET    /sources/{id}               (fetch one source)
//   - PUT    /sources/{id}               (partial update, full re-embed)
//   - DELETE /sources/{id}               (remove source and chunks)
//
// Handlers are transport-thin: they resolve the tenant identity, validate
// input shape, delegate to the KnowledgeService, and translate service
// errors into HTTP results. Ownership misses surface as 404, never 403,
// so clients cannot probe for other tenants' resources.
//
// Idempotency:
// If the client supplies an Idempotency-Key header on create and a previous
// successful result exists for (user, agent, key), the handler returns that
// recorded source and sets `Idempotency-Replayed: true`, skipping the
// embedding round trip entirely.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-agent-backend/internal/domain"
	"github.com/tbourn/go-agent-backend/internal/http/middleware"
	"github.com/tbourn/go-agent-backend/internal/repo"
	"github.com/tbourn/go-agent-backend/internal/services"
	"github.com/tbourn/go-agent-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// KnowledgeService defines knowledge-source lifecycle operations consumed
// by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type KnowledgeService interface {
	// Create registers a Q&A pair for an agent and returns it with its chunk count.
	Create(ctx context.Context, userID, agentID string, questions []string, answer string) (*domain.QaSource, int, error)
	// Update applies a partial edit and regenerates the full chunk set.
	Update(ctx context.Context, userID, sourceID string, questions []string, answer *string) (*domain.QaSource, error)
	// Get returns one source owned by the user's agent.
	Get(ctx context.Context, userID, sourceID string) (*domain.QaSource, error)
	// ListPage returns a page of chunk-free summaries plus the total count.
	ListPage(ctx context.Context, userID, agentID string, page, pageSize int) ([]services.SourceSummary, int64, error)
	// Delete removes a source together with its chunks.
	Delete(ctx context.Context, userID, sourceID string) error
}

// FeedbackService defines operations to capture end-user feedback on
// assistant messages.
type FeedbackService interface {
	// Submit records an "up"/"down" value; reports whether an existing row was overwritten.
	Submit(ctx context.Context, messageID, value string, sessionID *string) (updated bool, err error)
	// Tally returns aggregated counts for a message.
	Tally(ctx context.Context, messageID string) (repo.FeedbackTally, error)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for knowledge sources and feedback.
// It depends on abstract service interfaces to keep transport concerns
// separate from business logic.
type Handlers struct {
	knowSvc KnowledgeService
	fbSvc   FeedbackService
}

// New constructs and returns a Handlers instance bound to the given services.
func New(knowSvc KnowledgeService, fbSvc FeedbackService) *Handlers {
	return &Handlers{knowSvc: knowSvc, fbSvc: fbSvc}
}

// userID extracts the authenticated tenant id from the Gin context (set by
// upstream auth middleware), falling back to the "X-User-ID" header. It
// returns "" when no identity is resolvable; handlers treat that as an
// unauthorized precondition failure.
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := c.GetHeader("X-User-ID"); h != "" {
			return h
		}
	}
	return ""
}

// requireUser resolves the tenant id or fails the request with 401.
func requireUser(c *gin.Context) (string, bool) {
	uid := userID(c)
	if uid == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return "", false
	}
	return uid, true
}

//
// DTOs
//

// CreateSourceRequest is the JSON payload for registering a Q&A pair.
type CreateSourceRequest struct {
	// Questions holds one or more phrasings; order is preserved as chunk order.
	Questions []string `json:"questions" binding:"required,min=1" example:"What are your hours?"`
	// Answer is the shared answer text; markup is normalized before embedding.
	Answer string `json:"answer" binding:"required,min=1" example:"<b>9-5</b> M-F"`
}

// UpdateSourceRequest is the JSON payload for a partial source update.
// Omitted fields are preserved; at least one must be present.
type UpdateSourceRequest struct {
	Questions []string `json:"questions,omitempty"`
	Answer    *string  `json:"answer,omitempty"`
}

// SourceResponse wraps a source and the size of its regenerated chunk set.
type SourceResponse struct {
	Source     *domain.QaSource `json:"source"`
	ChunkCount int              `json:"chunk_count"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListSourcesResponse wraps a page of source summaries and pagination
// information.
type ListSourcesResponse struct {
	Sources    []services.SourceSummary `json:"sources"`
	Pagination Pagination               `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// failKnowledge maps service-layer knowledge errors onto HTTP results.
func failKnowledge(c *gin.Context, err error) {
	switch err {
	case services.ErrNoQuestions, services.ErrBlankQuestion, services.ErrBlankAnswer,
		services.ErrNoFields, services.ErrQuestionTooLong, services.ErrAnswerTooLong:
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case services.ErrAgentNotFound:
		fail(c, http.StatusNotFound, ErrCodeNotFound, "agent not found")
	case services.ErrSourceNotFound:
		fail(c, http.StatusNotFound, ErrCodeNotFound, "knowledge source not found")
	default:
		if isEmbeddingErr(err) {
			fail(c, http.StatusBadGateway, ErrCodeEmbeddingFailed, "embedding provider failed")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

//
// Handlers
//

// CreateSource godoc
// @ID          createSource
// @Summary     Register a Q&A knowledge pair
// @Description Normalizes the answer, embeds one chunk per question in a single batch, and stores the source atomically. Supports idempotency via the Idempotency-Key header (same key → same result).
// @Tags        Knowledge
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  true  "Tenant user ID"            example(user123)
// @Param       id               path    string  true  "Agent ID (UUID)"           format(uuid)
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries (UUID recommended)"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       body             body    handlers.CreateSourceRequest  true  "Q&A payload"
//
// @Success     201  {object} handlers.SourceResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     401  {object} handlers.ErrorResponse "Missing identity"
// @Failure     404  {object} handlers.ErrorResponse "Agent not found"
// @Failure     502  {object} handlers.ErrorResponse "Embedding provider failed"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /agents/{id}/sources [post]
func (h *Handlers) CreateSource(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := c.Param("id")
	if _, err := uuid.Parse(agentID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "agent id must be a UUID")
		return
	}

	uid, authorized := requireUser(c)
	if !authorized {
		return
	}

	var req CreateSourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "questions and answer are required")
		return
	}

	// Idempotency (replay path) – read validated key if present.
	idemKey, _ := middleware.GetIdempotencyKey(c)
	if idemKey != "" {
		if db := h.serviceDB(); db != nil {
			if rec, err := repo.GetIdempotency(ctx, db, uid, agentID, idemKey, time.Now().UTC()); err == nil && rec != nil {
				if prev, err2 := repo.GetQaSource(ctx, db, rec.QaSourceID); err2 == nil {
					n, _ := repo.CountChunks(ctx, db, prev.ID)
					c.Header("Idempotency-Replayed", "true")
					ok(c, http.StatusCreated, SourceResponse{Source: prev, ChunkCount: int(n)})
					return
				}
			}
		}
	}

	src, chunkCount, err := h.knowSvc.Create(ctx, uid, agentID, req.Questions, req.Answer)
	if err != nil {
		failKnowledge(c, err)
		return
	}

	// Idempotency (store path) – best effort.
	if idemKey != "" {
		if db := h.serviceDB(); db != nil {
			_, _ = repo.CreateIdempotency(ctx, db, uid, agentID, idemKey, src.ID, http.StatusCreated, 24*time.Hour)
		}
	}

	ok(c, http.StatusCreated, SourceResponse{Source: src, ChunkCount: chunkCount})
}

// ListSources godoc
// @ID          listSources
// @Summary     List knowledge sources (paginated)
// @Description Returns a page of the agent's sources, most recently updated first. Chunk rows are omitted. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Knowledge
// @Produce     json
//
// @Param       X-User-ID      header  string  true  "Tenant user ID"              example(user123)
// @Param       id             path    string  true  "Agent ID (UUID)"             format(uuid)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"abc123\")
// @Param       page           query   int     false "Page number"                 minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"              minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListSourcesResponse
// @Header      200  {string} ETag "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     401  {object} handlers.ErrorResponse "Missing identity"
// @Failure     404  {object} handlers.ErrorResponse "Agent not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /agents/{id}/sources [get]
func (h *Handlers) ListSources(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := c.Param("id")

	uid, authorized := requireUser(c)
	if !authorized {
		return
	}
	page, pageSize := clampPagination(c)

	// ETag pre-check (best effort). Every successful write bumps the parent
	// updated_at, so (count, max updated_at) fingerprints the listing. The
	// check runs only for the agent's owner; a foreign or missing agent must
	// fall through to the service and its uniform not-found outcome, with no
	// ETag header and no 304.
	if db := h.serviceDB(); db != nil {
		owned, ownErr := repo.AgentBelongsToUser(ctx, db, agentID, uid)
		if ownErr == nil && owned {
			if count, maxTS, err := repo.SourcesStats(ctx, db, agentID); err == nil {
				var ts int64
				if maxTS != nil {
					ts = maxTS.Unix()
				}
				etag := fmt.Sprintf(`W/"sources:%s:%d:%d"`, agentID, count, ts)
				c.Header("ETag", etag)
				if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
					c.Status(http.StatusNotModified)
					return
				}
			}
		}
	}

	items, total, err := h.knowSvc.ListPage(ctx, uid, agentID, page, pageSize)
	if err != nil {
		if err == services.ErrAgentNotFound {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "agent not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	resp := ListSourcesResponse{
		Sources: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	}
	ok(c, http.StatusOK, resp)
}

// GetSource godoc
// @ID          getSource
// @Summary     Fetch one knowledge source
// @Description Returns the full source record including questions and answer.
// @Tags        Knowledge
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Tenant user ID"    example(user123)
// @Param       id         path    string  true  "Source ID (UUID)"  format(uuid)
//
// @Success     200  {object} domain.QaSource
// @Failure     401  {object} handlers.ErrorResponse "Missing identity"
// @Failure     404  {object} handlers.ErrorResponse "Source not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /sources/{id} [get]
func (h *Handlers) GetSource(c *gin.Context) {
	uid, authorized := requireUser(c)
	if !authorized {
		return
	}

	src, err := h.knowSvc.Get(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		failKnowledge(c, err)
		return
	}
	ok(c, http.StatusOK, src)
}

// UpdateSource godoc
// @ID          updateSource
// @Summary     Update a knowledge source
// @Description Applies a partial edit (questions and/or answer). The full chunk set is re-embedded and replaced atomically, even when only one field changed.
// @Tags        Knowledge
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Tenant user ID"    example(user123)
// @Param       id         path    string  true  "Source ID (UUID)"  format(uuid)
// @Param       body       body    handlers.UpdateSourceRequest  true  "Fields to update"
//
// @Success     200  {object} handlers.SourceResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     401  {object} handlers.ErrorResponse "Missing identity"
// @Failure     404  {object} handlers.ErrorResponse "Source not found"
// @Failure     502  {object} handlers.ErrorResponse "Embedding provider failed"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /sources/{id} [put]
func (h *Handlers) UpdateSource(c *gin.Context) {
	uid, authorized := requireUser(c)
	if !authorized {
		return
	}

	var req UpdateSourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	src, err := h.knowSvc.Update(c.Request.Context(), uid, c.Param("id"), req.Questions, req.Answer)
	if err != nil {
		failKnowledge(c, err)
		return
	}
	ok(c, http.StatusOK, SourceResponse{Source: src, ChunkCount: len(src.Questions)})
}

// DeleteSource godoc
// @ID          deleteSource
// @Summary     Delete a knowledge source
// @Description Removes the source and all of its chunks.
// @Tags        Knowledge
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Tenant user ID"    example(user123)
// @Param       id         path    string  true  "Source ID (UUID)"  format(uuid)
//
// @Success     204  {string} string "No Content"
// @Failure     401  {object} handlers.ErrorResponse "Missing identity"
// @Failure     404  {object} handlers.ErrorResponse "Source not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /sources/{id} [delete]
func (h *Handlers) DeleteSource(c *gin.Context) {
	uid, authorized := requireUser(c)
	if !authorized {
		return
	}

	if err := h.knowSvc.Delete(c.Request.Context(), uid, c.Param("id")); err != nil {
		failKnowledge(c, err)
		return
	}
	noContent(c)
}

//
// Internals
//

// serviceDB exposes the underlying DB handle for ETag and idempotency
// lookups when the wired service is the concrete implementation. Tests that
// inject fakes simply skip those fast paths.
func (h *Handlers) serviceDB() *gorm.DB {
	if svc, okSvc := h.knowSvc.(*services.KnowledgeService); okSvc {
		return svc.DB
	}
	return nil
}

// isEmbeddingErr reports whether err originates from the embedding provider.
func isEmbeddingErr(err error) bool {
	return errors.Is(err, services.ErrEmbeddingFailed)
}
