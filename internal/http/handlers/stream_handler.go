// Streaming endpoint.
//
// POST /conversations/stream answers a question as server-sent events. Once
// the event stream is open, every failure is reported as an "error" event;
// only request validation fails with a JSON envelope.
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-chat-stream/internal/apperr"
	"github.com/tbourn/go-chat-stream/internal/http/middleware"
	"github.com/tbourn/go-chat-stream/internal/services"
)

// EventOpen is the first event of every stream.
const EventOpen = "open"

// StreamRequest is the JSON payload for a streamed answer.
type StreamRequest struct {
	// Question is the user's prompt; it may embed attachment text before a
	// "User request:" marker.
	Question string `json:"question" binding:"required" example:"What's the weather in Athens?"`
	// ConversationID continues an existing conversation; empty starts one.
	ConversationID string `json:"conversationId" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
	// Subject optionally names a new conversation.
	Subject string `json:"subject" example:"Trip planning"`
}

// StreamAnswer godoc
// @ID          streamAnswer
// @Summary     Stream an answer
// @Description Answers the question as server-sent events: open, optional conversation_created or already_completed, chunk events and a final chunk carrying finish_reason and usage, or an error event.
// @Tags        Conversations
// @Accept      json
// @Produce     text/event-stream
//
// @Param       X-User-ID        header  string  false "User ID (demo header)"                example(user123)
// @Param       Idempotency-Key  header  string  false "Request key for safe retries"          example(7d9f6c1e)
// @Param       body             body    handlers.StreamRequest  true  "Question payload"
//
// @Success     200  {string} string "Event stream"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     429  {object} handlers.ErrorResponse "Too many requests"
// @Router      /conversations/stream [post]
func (h *Handlers) StreamAnswer(c *gin.Context) {
	var req StreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "question required")
		return
	}
	req.ConversationID = strings.TrimSpace(req.ConversationID)
	if req.ConversationID != "" {
		if _, err := uuid.Parse(req.ConversationID); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversationId must be a UUID")
			return
		}
	}
	if err := h.svc.ValidateQuestion(req.Question); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	lg := middleware.LoggerFrom(c)
	ctx := c.Request.Context()
	sink := newSSEChannel(ctx, c.Writer, h.sseTimeout)
	if err := sink.Send(EventOpen, []byte("connected")); err != nil {
		lg.Debug().Err(err).Msg("stream: client gone before open")
		_ = sink.Close()
		return
	}

	key, _ := middleware.GetIdempotencyKey(c)
	err := h.svc.Stream(ctx, services.StreamRequest{
		UserID:         userID(c),
		RequestKey:     key,
		ConversationID: req.ConversationID,
		Question:       req.Question,
		Subject:        req.Subject,
	}, sink)
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrChannelClosed):
		lg.Debug().Err(err).Msg("stream: client disconnected")
	default:
		lg.Warn().Err(err).Msg("stream: ended with error")
	}
}
