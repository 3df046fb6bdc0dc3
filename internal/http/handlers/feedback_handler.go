// Feedback HTTP handlers.
//
// Endpoints:
//   - POST /messages/{id}/feedback  (submit or overwrite a thumbs rating)
//   - GET  /messages/{id}/feedback  (aggregated tally)
//
// A session that rates the same message twice overwrites its earlier value
// (200 with updated=true); a fresh rating returns 201. Submissions without
// a session id always insert a new row.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-agent-backend/internal/services"
)

// SubmitFeedbackRequest is the JSON payload for rating an assistant message.
type SubmitFeedbackRequest struct {
	// Value must be "up" or "down".
	Value string `json:"value" binding:"required" example:"up"`
	// SessionID scopes the rating; the same session overwrites its prior vote.
	SessionID *string `json:"session_id,omitempty" example:"c3a1f8e2-4b6d-4e2a-9f10-5a7b8c9d0e1f"`
}

// FeedbackResponse reports the stored value and whether an existing rating
// was overwritten.
type FeedbackResponse struct {
	MessageID string `json:"message_id"`
	Value     string `json:"value"`
	Updated   bool   `json:"updated"`
}

// FeedbackTallyResponse carries aggregated counts for one message.
type FeedbackTallyResponse struct {
	MessageID string `json:"message_id"`
	Up        int64  `json:"up"`
	Down      int64  `json:"down"`
	Total     int64  `json:"total"`
}

// SubmitFeedback godoc
// @ID          submitFeedback
// @Summary     Rate an assistant message
// @Description Records a thumbs up/down for an assistant message. A repeat submission from the same session overwrites the earlier value instead of adding a row.
// @Tags        Feedback
// @Accept      json
// @Produce     json
//
// @Param       id    path  string  true  "Message ID (UUID)"  format(uuid)
// @Param       body  body  handlers.SubmitFeedbackRequest  true  "Feedback payload"
//
// @Success     201  {object} handlers.FeedbackResponse "New rating recorded"
// @Success     200  {object} handlers.FeedbackResponse "Existing rating overwritten"
// @Failure     400  {object} handlers.ErrorResponse "Invalid value or body"
// @Failure     404  {object} handlers.ErrorResponse "Message not found"
// @Failure     422  {object} handlers.ErrorResponse "Message is not an assistant message"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /messages/{id}/feedback [post]
func (h *Handlers) SubmitFeedback(c *gin.Context) {
	messageID := c.Param("id")

	var req SubmitFeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "value is required")
		return
	}

	updated, err := h.fbSvc.Submit(c.Request.Context(), messageID, req.Value, req.SessionID)
	if err != nil {
		switch err {
		case services.ErrInvalidFeedback:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "value must be \"up\" or \"down\"")
		case services.ErrMessageNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "message not found")
		case services.ErrFeedbackNotAllowed:
			fail(c, http.StatusUnprocessableEntity, ErrCodeBadRequest, "only assistant messages accept feedback")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}

	status := http.StatusCreated
	if updated {
		status = http.StatusOK
	}
	ok(c, status, FeedbackResponse{MessageID: messageID, Value: req.Value, Updated: updated})
}

// GetFeedbackTally godoc
// @ID          getFeedbackTally
// @Summary     Aggregated feedback for a message
// @Description Returns up/down/total counts across all sessions. Counts are not deduplicated across anonymous (session-less) submissions.
// @Tags        Feedback
// @Produce     json
//
// @Param       id  path  string  true  "Message ID (UUID)"  format(uuid)
//
// @Success     200  {object} handlers.FeedbackTallyResponse
// @Failure     404  {object} handlers.ErrorResponse "Message not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /messages/{id}/feedback [get]
func (h *Handlers) GetFeedbackTally(c *gin.Context) {
	messageID := c.Param("id")

	tally, err := h.fbSvc.Tally(c.Request.Context(), messageID)
	if err != nil {
		if err == services.ErrMessageNotFound {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "message not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, FeedbackTallyResponse{
		MessageID: messageID,
		Up:        tally.Up,
		Down:      tally.Down,
		Total:     tally.Total,
	})
}
