// Conversation read endpoints.
//
// This file exposes the listing, paging and deletion endpoints of the
// conversation surface. Both GET endpoints emit a weak ETag and honor
// If-None-Match with 304 Not Modified.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-chat-stream/internal/domain"
	"github.com/tbourn/go-chat-stream/internal/utils"
)

//
// DTOs
//

// ListConversationsResponse wraps the user's conversations, most recently
// active first.
type ListConversationsResponse struct {
	Conversations []domain.Conversation `json:"conversations"`
}

// MessageView is one turn as returned by the paging endpoint.
type MessageView struct {
	Role      string    `json:"role"      example:"user"`
	Content   string    `json:"content"   example:"What's the weather in Athens?"`
	CreatedAt time.Time `json:"createdAt" example:"2025-01-01T10:00:00Z"`
}

// ListMessagesResponse is one chronological page of a conversation.
//
// NextBefore is the cursor for the next (older) page; it is set only when
// HasMore is true.
type ListMessagesResponse struct {
	ConversationID string        `json:"conversationId"`
	Messages       []MessageView `json:"messages"`
	HasMore        bool          `json:"hasMore"`
	NextBefore     *time.Time    `json:"nextBefore,omitempty"`
}

// notModified sets the ETag header and reports whether the client copy is
// current.
func notModified(c *gin.Context, etag string) bool {
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return true
	}
	return false
}

//
// Handlers
//

// ListConversations godoc
// @ID          listConversations
// @Summary     List conversations
// @Description Returns the user's conversations, most recently active first. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Conversations
// @Produce     json
//
// @Param       X-User-ID      header  string  false "User ID (demo header)"       example(user123)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"abc123\")
//
// @Success     200  {object} handlers.ListConversationsResponse
// @Header      200  {string} ETag  "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Failure     503  {object} handlers.ErrorResponse "Storage unavailable"
// @Router      /conversations [get]
func (h *Handlers) ListConversations(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)

	// ETag pre-check (best effort).
	if etag, err := h.svc.ConversationsETag(ctx, uid); err == nil && notModified(c, etag) {
		return
	}

	items, err := h.svc.ListConversations(ctx, uid)
	if err != nil {
		failErr(c, err, ErrCodeListFailed)
		return
	}
	if items == nil {
		items = []domain.Conversation{}
	}
	ok(c, http.StatusOK, ListConversationsResponse{Conversations: items})
}

// ListMessages godoc
// @ID          listMessages
// @Summary     Page through a conversation
// @Description Returns up to limit turns in chronological order. With before set, returns the turns immediately older than the cursor. Supports weak ETag via If-None-Match.
// @Tags        Conversations
// @Produce     json
//
// @Param       X-User-ID      header  string  false "User ID (demo header)"       example(user123)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"abc123\")
// @Param       id             path    string  true  "Conversation ID (UUID)"      format(uuid)
// @Param       limit          query   int     false "Page size"                   minimum(1) maximum(100) default(20)
// @Param       before         query   string  false "RFC3339 cursor"              format(date-time)
//
// @Success     200  {object} handlers.ListMessagesResponse
// @Header      200  {string} ETag  "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     403  {object} handlers.ErrorResponse "Conversation belongs to another user"
// @Failure     404  {object} handlers.ErrorResponse "Conversation not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /conversations/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	convID := c.Param("id")
	if _, err := uuid.Parse(convID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation id must be a UUID")
		return
	}
	before, err := utils.ParseCursor(c.Query("before"))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	limit := utils.ClampLimit(c.Query("limit"), h.defaultLimit, h.maxLimit)

	ctx := c.Request.Context()
	uid := userID(c)

	etag, err := h.svc.MessagesETag(ctx, uid, convID)
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	if notModified(c, etag) {
		return
	}

	page, err := h.svc.Messages(ctx, uid, convID, before, limit)
	if err != nil {
		failErr(c, err, ErrCodeListFailed)
		return
	}

	resp := ListMessagesResponse{ConversationID: convID, Messages: make([]MessageView, 0, len(page))}
	for _, m := range page {
		resp.Messages = append(resp.Messages, MessageView{Role: m.Role, Content: m.Text, CreatedAt: m.Timestamp})
	}
	if len(page) == limit {
		oldest := page[0].Timestamp
		resp.HasMore = true
		resp.NextBefore = &oldest
	}
	ok(c, http.StatusOK, resp)
}

// DeleteConversation godoc
// @ID          deleteConversation
// @Summary     Delete a conversation
// @Description Removes the conversation, its turns and its cached context.
// @Tags        Conversations
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       id         path    string  true  "Conversation ID (UUID)" format(uuid)
//
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     403  {object} handlers.ErrorResponse "Conversation belongs to another user"
// @Failure     404  {object} handlers.ErrorResponse "Conversation not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /conversations/{id} [delete]
func (h *Handlers) DeleteConversation(c *gin.Context) {
	convID := c.Param("id")
	if _, err := uuid.Parse(convID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation id must be a UUID")
		return
	}
	if err := h.svc.Delete(c.Request.Context(), userID(c), convID); err != nil {
		failErr(c, err, ErrCodeDeleteFailed)
		return
	}
	noContent(c)
}
