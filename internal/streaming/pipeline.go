// Package streaming bridges a pull-based model fragment stream to a
// push-based client channel.
//
// Each run has two sides. The caller's goroutine pulls fragments, strips
// reasoning blocks, updates the session and encodes events. A single writer
// task per run, executed on a shared ants pool, drains a bounded queue into
// the channel. A slow client therefore stalls the model only once the
// queue is full, and events keep upstream order.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-stream/internal/apperr"
	"github.com/tbourn/go-chat-stream/internal/llm"
	"github.com/tbourn/go-chat-stream/internal/observability"
)

// DefaultBuffer is the queue depth between the pull and write sides.
const DefaultBuffer = 64

// CompletionFunc runs after the completion event is queued and before the
// channel is closed. It sees the sealed session.
type CompletionFunc func(ctx context.Context, s *Session) error

// Pipeline runs streams. It is safe for concurrent use.
type Pipeline struct {
	pool     *ants.Pool
	buffer   int
	blockTag string
	now      func() time.Time
	newID    func() string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithBuffer sets the per-stream queue depth.
func WithBuffer(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.buffer = n
		}
	}
}

// WithBlockTag forces the reasoning block tag instead of deriving it from
// the session's model.
func WithBlockTag(tag string) Option {
	return func(p *Pipeline) { p.blockTag = tag }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithIDGenerator overrides chunk id generation.
func WithIDGenerator(fn func() string) Option {
	return func(p *Pipeline) {
		if fn != nil {
			p.newID = fn
		}
	}
}

// New returns a Pipeline whose writers run on pool.
func New(pool *ants.Pool, opts ...Option) *Pipeline {
	p := &Pipeline{
		pool:   pool,
		buffer: DefaultBuffer,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type outbound struct {
	event string
	data  []byte
}

type run struct {
	p         *Pipeline
	fragments llm.Stream
	sink      Channel
	session   *Session
	strip     *blockStripper

	connected  atomic.Bool
	stop       chan struct{}
	events     chan outbound
	writerDone chan struct{}
}

// RunStream pulls fragments until the sequence ends, fails, or the client
// goes away, and blocks until the channel is closed.
//
// It returns nil after a completed stream (or onComplete's error), the
// upstream error after a failed one, and apperr.ErrChannelClosed when the
// client disconnected or timed out. onComplete is invoked only for
// completed streams. Cancellation of ctx is treated as a disconnect.
func (p *Pipeline) RunStream(ctx context.Context, fragments llm.Stream, sink Channel, session *Session, onComplete CompletionFunc) error {
	tag := p.blockTag
	if tag == "" {
		tag = BlockTagForModel(session.Model)
	}
	r := &run{
		p:          p,
		fragments:  fragments,
		sink:       sink,
		session:    session,
		strip:      newBlockStripper(tag),
		stop:       make(chan struct{}),
		events:     make(chan outbound, p.buffer),
		writerDone: make(chan struct{}),
	}
	r.connected.Store(true)

	if err := p.pool.Submit(r.write); err != nil {
		_ = fragments.Close()
		e := apperr.Overloaded(err)
		_ = sink.Send(EventError, EncodeError(e))
		_ = sink.CloseWithError(e)
		observability.StreamOutcomes.WithLabelValues("rejected").Inc()
		return e
	}
	observability.StreamsActive.Inc()
	defer observability.StreamsActive.Dec()

	sink.OnDisconnect(func() { r.disconnect("disconnect") })
	sink.OnTimeout(func() { r.disconnect("timeout") })
	sink.OnError(func(err error) { r.disconnect("channel_error") })
	stopAfter := context.AfterFunc(ctx, func() { r.disconnect("context") })
	defer stopAfter()

	for {
		f, err := fragments.Recv()
		if !r.connected.Load() {
			return r.abandon()
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return r.fail(err)
		}
		r.handle(f)
	}
	return r.complete(ctx, onComplete)
}

// disconnect cancels upstream exactly once, however many signals race.
func (r *run) disconnect(reason string) {
	if !r.connected.CompareAndSwap(true, false) {
		return
	}
	close(r.stop)
	_ = r.fragments.Close()
	log.Info().Str("reason", reason).Msg("stream: client gone, upstream cancelled")
}

func (r *run) write() {
	defer close(r.writerDone)
	for ev := range r.events {
		if !r.connected.Load() {
			continue
		}
		if err := r.sink.Send(ev.event, ev.data); err != nil {
			r.disconnect("write_failed")
			continue
		}
		observability.StreamEvents.WithLabelValues(ev.event).Inc()
	}
}

func (r *run) enqueue(ev outbound) bool {
	if !r.connected.Load() {
		return false
	}
	select {
	case r.events <- ev:
		return true
	case <-r.stop:
		return false
	}
}

// drain closes the queue and waits for the writer to flush it.
func (r *run) drain() {
	close(r.events)
	<-r.writerDone
}

func (r *run) handle(f llm.Fragment) {
	r.session.observe(f)
	text := r.strip.feed(f.Text)
	r.session.appendText(text)
	if text == "" && len(f.ToolCalls) == 0 {
		return
	}
	delta := ChunkDelta{Content: text, ToolCalls: toolCallsJSON(f.ToolCalls)}
	r.enqueue(outbound{EventChunk, encodeChunk(r.p.newID(), r.session, delta, nil, nil)})
}

func (r *run) complete(ctx context.Context, onComplete CompletionFunc) error {
	if tail := r.strip.flush(); tail != "" {
		r.session.appendText(tail)
		r.enqueue(outbound{EventChunk, encodeChunk(r.p.newID(), r.session, ChunkDelta{Content: tail}, nil, nil)})
	}
	r.session.complete(r.p.now())
	finish := r.session.FinishReason
	r.enqueue(outbound{EventChunk, encodeChunk(r.p.newID(), r.session, ChunkDelta{}, &finish, usageJSON(r.session))})

	var err error
	if onComplete != nil {
		err = r.callback(ctx, onComplete)
	}
	r.drain()
	_ = r.fragments.Close()
	if cerr := r.sink.Close(); cerr != nil {
		log.Debug().Err(cerr).Msg("stream: close channel")
	}
	observability.StreamOutcomes.WithLabelValues("completed").Inc()
	return err
}

func (r *run) callback(ctx context.Context, fn CompletionFunc) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("stream: completion callback panicked: %v", v)
		}
	}()
	return fn(ctx, r.session)
}

func (r *run) fail(err error) error {
	if !apperr.HasCode(err, apperr.CodeUpstreamModel) {
		err = apperr.UpstreamModel(err)
	}
	log.Error().Err(err).Str("model", r.session.Model).Int("chunks", r.session.ChunkCount).
		Msg("stream: upstream failed")
	r.enqueue(outbound{EventError, EncodeError(err)})
	r.drain()
	_ = r.fragments.Close()
	if cerr := r.sink.CloseWithError(err); cerr != nil {
		log.Debug().Err(cerr).Msg("stream: close channel with error")
	}
	observability.StreamOutcomes.WithLabelValues("upstream_error").Inc()
	return err
}

// abandon runs on the pull path once the client is gone. A dangling partial
// tag prefix is kept as plain text, the same as on completion, so a partial
// answer reads the same whichever way the stream ended.
func (r *run) abandon() error {
	if tail := r.strip.flush(); tail != "" {
		r.session.appendText(tail)
	}
	r.session.interrupt(r.p.now())
	log.Info().Str("model", r.session.Model).Int("chunks", r.session.ChunkCount).
		Msg("stream: abandoned after disconnect")
	r.drain()
	_ = r.sink.Close()
	observability.StreamOutcomes.WithLabelValues("disconnected").Inc()
	return apperr.ErrChannelClosed
}
