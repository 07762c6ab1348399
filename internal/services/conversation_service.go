// Package services – ConversationService
//
// This file implements ConversationService, which orchestrates one streamed
// answer end to end: idempotency routing, conversation bookkeeping, the
// context window from the memory cache, the model call and the streaming
// pipeline, and the terminal bookkeeping that records the outcome. It also
// serves the read side of conversations (listing, paging, deletion).
//
// Request-scoped values (user id, request key, conversation id, model name)
// are passed explicitly; nothing is read from ambient state once the
// pipeline hands work to its writer pool.
//
// Observability: public methods are OpenTelemetry-instrumented.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-stream/internal/apperr"
	"github.com/tbourn/go-chat-stream/internal/domain"
	"github.com/tbourn/go-chat-stream/internal/idempotency"
	"github.com/tbourn/go-chat-stream/internal/llm"
	"github.com/tbourn/go-chat-stream/internal/memory"
	"github.com/tbourn/go-chat-stream/internal/repo"
	"github.com/tbourn/go-chat-stream/internal/streaming"
)

// Stream event names emitted by the service itself.
const (
	EventAlreadyCompleted    = "already_completed"
	EventConversationCreated = "conversation_created"
)

// StreamRequest is one streamed question.
type StreamRequest struct {
	UserID         string
	RequestKey     string
	ConversationID string
	Question       string
	Subject        string
}

// ConversationService coordinates streamed answers and conversation reads.
type ConversationService struct {
	DB       *gorm.DB
	Coord    *idempotency.Coordinator
	Memory   *memory.Cache
	Model    llm.Client
	Pipeline *streaming.Pipeline

	// ModelName is sent with every model request and stamped on sessions.
	ModelName    string
	SystemPrompt string

	// ContextLimit caps the prior turns sent to the model.
	ContextLimit int
	// MaxPromptRunes rejects longer questions when positive.
	MaxPromptRunes int

	DefaultLimit int
	MaxLimit     int

	SubjectMaxLen int
	SubjectLocale language.Tag

	Now func() time.Time
}

// NewConversationService wires a service with default limits.
func NewConversationService(db *gorm.DB, coord *idempotency.Coordinator, mem *memory.Cache, model llm.Client, pipe *streaming.Pipeline, modelName string) *ConversationService {
	return &ConversationService{
		DB:            db,
		Coord:         coord,
		Memory:        mem,
		Model:         model,
		Pipeline:      pipe,
		ModelName:     modelName,
		ContextLimit:  20,
		DefaultLimit:  20,
		MaxLimit:      100,
		SubjectMaxLen: defaultSubjectMaxLen,
		SubjectLocale: language.Und,
		Now:           time.Now,
	}
}

func tracer() trace.Tracer { return otel.Tracer("services/ConversationService") }

// ValidateQuestion checks the question before a stream is opened.
func (s *ConversationService) ValidateQuestion(question string) error {
	question = strings.TrimSpace(question)
	if question == "" {
		return ErrEmptyPrompt
	}
	if s.MaxPromptRunes > 0 && utf8.RuneCountInString(question) > s.MaxPromptRunes {
		return ErrTooLong
	}
	return nil
}

// Stream answers req on sink and blocks until the sink is closed. Every
// failure is reported on the sink as an error event before it closes; the
// returned error is for logging. A client that went away yields
// apperr.ErrChannelClosed.
func (s *ConversationService) Stream(ctx context.Context, req StreamRequest, sink streaming.Channel) error {
	ctx, span := tracer().Start(ctx, "Stream", trace.WithAttributes(
		attribute.String("user.id", req.UserID),
		attribute.Bool("idempotency.keyed", req.RequestKey != ""),
	))
	defer span.End()

	if err := s.ValidateQuestion(req.Question); err != nil {
		return reject(sink, err)
	}
	question := strings.TrimSpace(req.Question)
	stored := userTurnText(question)

	res, err := s.Coord.Resolve(ctx, req.UserID, req.RequestKey, req.ConversationID)
	if err != nil {
		span.RecordError(err)
		return reject(sink, err)
	}
	convID := res.ConversationID
	span.SetAttributes(attribute.String("conversation.id", convID))
	logger := log.With().Str("user_id", req.UserID).Str("conversation_id", convID).
		Str("request_key", req.RequestKey).Logger()

	if res.AlreadyCompleted {
		if err := sendJSON(sink, EventAlreadyCompleted, map[string]string{"conversationId": convID}); err != nil {
			logger.Debug().Err(err).Msg("stream: replay signal not delivered")
		}
		return sink.Close()
	}

	// From here on a retry owns the IN_PROGRESS record; a fresh request
	// owns it once claimed.
	owned := res.SkipSaveInitialTurn
	bookkeeping := context.WithoutCancel(ctx)
	abort := func(err error) error {
		if owned {
			if ferr := s.Coord.MarkFailed(bookkeeping, req.UserID, req.RequestKey, res.Attempt); ferr != nil {
				logger.Error().Err(ferr).Msg("stream: mark failed")
			}
		}
		span.RecordError(err)
		return reject(sink, err)
	}

	var (
		conv    *domain.Conversation
		created bool
		history []memory.CachedMessage
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		conv, created, err = s.ensureConversation(gctx, req.UserID, convID, req.Subject, question)
		return err
	})
	g.Go(func() error {
		var err error
		history, err = s.Memory.Get(gctx, convID)
		return err
	})
	if err := g.Wait(); err != nil {
		return abort(err)
	}
	if created {
		if err := sendJSON(sink, EventConversationCreated, map[string]string{
			"conversationId": conv.ID,
			"subject":        conv.Subject,
		}); err != nil {
			logger.Debug().Err(err).Msg("stream: created signal not delivered")
		}
	}

	if res.SkipSaveInitialTurn {
		history = dropTrailingQuestion(history, stored)
		if err := repo.TouchConversation(ctx, s.DB, convID); err != nil {
			logger.Warn().Err(err).Msg("stream: touch conversation")
		}
	} else {
		msgID, err := repo.AppendMessage(ctx, s.DB, convID, domain.RoleUser, stored, s.Now())
		if err != nil {
			return abort(err)
		}
		ok, err := s.Coord.Claim(ctx, req.UserID, req.RequestKey, res.Attempt, convID, msgID)
		if err != nil || !ok {
			if derr := repo.DeleteMessage(bookkeeping, s.DB, msgID); derr != nil {
				logger.Warn().Err(derr).Msg("stream: undo user turn")
			}
			if err == nil {
				err = apperr.Conflict("request already in flight")
			}
			return abort(err)
		}
		owned = true
		if err := repo.TouchConversation(ctx, s.DB, convID); err != nil {
			logger.Warn().Err(err).Msg("stream: touch conversation")
		}
	}

	fragments, err := s.Model.Stream(ctx, llm.Request{
		Model:   s.ModelName,
		System:  s.SystemPrompt,
		History: s.turns(history),
		Prompt:  question,
	})
	if err != nil {
		if !apperr.HasCode(err, apperr.CodeUpstreamModel) {
			err = apperr.UpstreamModel(err)
		}
		return abort(err)
	}
	fragments = llm.WithErrorHook(fragments, s.Coord.FailureHook(bookkeeping, req.UserID, req.RequestKey, res.Attempt))

	session := streaming.NewSession(s.ModelName, s.Now())
	err = s.Pipeline.RunStream(ctx, fragments, sink, session, func(cctx context.Context, sess *streaming.Session) error {
		return s.finish(context.WithoutCancel(cctx), req, res.Attempt, convID, stored, sess.Text())
	})

	switch {
	case err == nil:
		logger.Info().Int("chunks", session.ChunkCount).Int("total_tokens", session.TotalTokens).
			Dur("duration", session.Duration()).Msg("stream completed")
		return nil
	case errors.Is(err, apperr.ErrChannelClosed):
		if text := session.Text(); text != "" {
			if ferr := s.finish(bookkeeping, req, res.Attempt, convID, stored, text); ferr != nil {
				logger.Error().Err(ferr).Msg("stream: persist partial answer")
				s.markFailed(bookkeeping, req, res.Attempt, logger)
			}
		} else {
			s.markFailed(bookkeeping, req, res.Attempt, logger)
		}
		return err
	case apperr.HasCode(err, apperr.CodeUpstreamModel):
		// Already marked by the failure hook on the fragment stream.
		span.RecordError(err)
		return err
	default:
		s.markFailed(bookkeeping, req, res.Attempt, logger)
		span.RecordError(err)
		return err
	}
}

// finish persists the assistant turn, updates the context cache and seals
// the request. Only the seal affects the outcome; cache errors are logged.
func (s *ConversationService) finish(ctx context.Context, req StreamRequest, attempt, convID, question, answer string) error {
	if answer == "" {
		return s.Coord.MarkCompleted(ctx, req.UserID, req.RequestKey, attempt)
	}
	if _, err := repo.AppendMessage(ctx, s.DB, convID, domain.RoleAssistant, answer, s.Now()); err != nil {
		return err
	}
	if err := s.Memory.Add(ctx, convID, []memory.CachedMessage{
		{Role: domain.RoleUser, Text: question},
		{Role: domain.RoleAssistant, Text: answer},
	}); err != nil {
		log.Warn().Err(err).Str("conversation_id", convID).Msg("stream: context cache not updated")
	}
	return s.Coord.MarkCompleted(ctx, req.UserID, req.RequestKey, attempt)
}

func (s *ConversationService) markFailed(ctx context.Context, req StreamRequest, attempt string, logger zerolog.Logger) {
	if err := s.Coord.MarkFailed(ctx, req.UserID, req.RequestKey, attempt); err != nil {
		logger.Error().Err(err).Msg("stream: mark failed")
	}
}

// ensureConversation returns the conversation, creating it when missing.
func (s *ConversationService) ensureConversation(ctx context.Context, userID, convID, subject, question string) (*domain.Conversation, bool, error) {
	conv, err := repo.GetConversation(ctx, s.DB, convID)
	switch {
	case err == nil:
		if conv.UserID != userID {
			return nil, false, ErrForbidden
		}
		return conv, false, nil
	case !errors.Is(err, repo.ErrNotFound):
		return nil, false, err
	}
	conv, err = repo.CreateConversation(ctx, s.DB, convID, userID, subjectFor(subject, question, s.SubjectLocale, s.SubjectMaxLen))
	if repo.IsUniqueViolation(err) {
		// Lost a creation race; the winner's row is authoritative.
		conv, err = repo.GetConversation(ctx, s.DB, convID)
		if err == nil && conv.UserID != userID {
			return nil, false, ErrForbidden
		}
		return conv, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return conv, true, nil
}

// turns converts newest-first cached history into the chronological
// context window sent to the model.
func (s *ConversationService) turns(history []memory.CachedMessage) []llm.Turn {
	n := len(history)
	if s.ContextLimit > 0 && n > s.ContextLimit {
		n = s.ContextLimit
	}
	out := make([]llm.Turn, 0, n)
	for i := n - 1; i >= 0; i-- {
		out = append(out, llm.Turn{Role: history[i].Role, Text: history[i].Text})
	}
	return out
}

// dropTrailingQuestion removes the retried question from the newest end of
// the history; it was stored by the failed attempt and is sent as the
// prompt again.
func dropTrailingQuestion(history []memory.CachedMessage, question string) []memory.CachedMessage {
	if len(history) > 0 && history[0].Role == domain.RoleUser && history[0].Text == question {
		return history[1:]
	}
	return history
}

// ListConversations returns the user's conversations, most recently active
// first.
func (s *ConversationService) ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	ctx, span := tracer().Start(ctx, "ListConversations", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()
	return repo.ListConversations(ctx, s.DB, userID)
}

// ConversationsETag is a weak validator over the user's conversation list.
func (s *ConversationService) ConversationsETag(ctx context.Context, userID string) (string, error) {
	count, newest, err := repo.ConversationsStats(ctx, s.DB, userID)
	if err != nil {
		return "", err
	}
	return weakETag("conversations", userID, count, newest), nil
}

// Messages returns up to limit turns in chronological order. With before
// set, the page holds the turns immediately older than before.
func (s *ConversationService) Messages(ctx context.Context, userID, convID string, before *time.Time, limit int) ([]memory.CachedMessage, error) {
	ctx, span := tracer().Start(ctx, "Messages", trace.WithAttributes(
		attribute.String("conversation.id", convID),
		attribute.Int("page.limit", limit),
	))
	defer span.End()

	if err := s.authorize(ctx, userID, convID); err != nil {
		return nil, err
	}
	limit = s.normalizeLimit(limit)

	var page []memory.CachedMessage
	if before != nil {
		merged, err := s.Memory.GetWithPaging(ctx, convID, *before, limit)
		if err != nil {
			return nil, err
		}
		for _, m := range merged {
			if m.Timestamp.Before(*before) {
				page = append(page, m)
				if len(page) == limit {
					break
				}
			}
		}
	} else {
		rows, err := repo.RecentMessages(ctx, s.DB, convID, limit)
		if err != nil {
			return nil, err
		}
		if err := s.Memory.WarmCache(ctx, convID, rows); err != nil {
			log.Warn().Err(err).Str("conversation_id", convID).Msg("messages: warm cache")
		}
		page = memory.FromMessages(rows)
	}

	out := make([]memory.CachedMessage, len(page))
	for i, m := range page {
		out[len(page)-1-i] = m
	}
	return out, nil
}

// MessagesETag is a weak validator over a conversation's messages.
func (s *ConversationService) MessagesETag(ctx context.Context, userID, convID string) (string, error) {
	if err := s.authorize(ctx, userID, convID); err != nil {
		return "", err
	}
	count, newest, err := repo.MessagesStats(ctx, s.DB, convID)
	if err != nil {
		return "", err
	}
	return weakETag("messages", convID, count, newest), nil
}

// Delete removes a conversation's turns, its cached context and its index
// row.
func (s *ConversationService) Delete(ctx context.Context, userID, convID string) error {
	ctx, span := tracer().Start(ctx, "Delete", trace.WithAttributes(attribute.String("conversation.id", convID)))
	defer span.End()

	if err := s.authorize(ctx, userID, convID); err != nil {
		return err
	}
	if err := s.Memory.Clear(ctx, convID); err != nil {
		return err
	}
	if err := repo.DeleteConversation(ctx, s.DB, convID, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (s *ConversationService) authorize(ctx context.Context, userID, convID string) error {
	conv, err := repo.GetConversation(ctx, s.DB, convID)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if conv.UserID != userID {
		return ErrForbidden
	}
	return nil
}

func (s *ConversationService) normalizeLimit(limit int) int {
	if limit <= 0 {
		limit = s.DefaultLimit
	}
	if s.MaxLimit > 0 && limit > s.MaxLimit {
		limit = s.MaxLimit
	}
	return limit
}

func weakETag(kind, id string, count int64, newest *time.Time) string {
	var ts int64
	if newest != nil {
		ts = newest.UTC().UnixNano()
	}
	return fmt.Sprintf(`W/"%s:%s:%d:%d"`, kind, id, count, ts)
}

func sendJSON(sink streaming.Channel, event string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return sink.Send(event, b)
}

// reject reports err on the sink and closes it.
func reject(sink streaming.Channel, err error) error {
	err = classify(err)
	if serr := sink.Send(streaming.EventError, streaming.EncodeError(err)); serr != nil {
		log.Debug().Err(serr).Msg("stream: error event not delivered")
	}
	_ = sink.CloseWithError(err)
	return err
}
