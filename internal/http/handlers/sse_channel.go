package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
)

var errChannelClosed = errors.New("sse: channel closed")

type lifecycle int

const (
	alive lifecycle = iota
	disconnected
	timedOut
	failed
)

// sseChannel adapts a gin response to streaming.Channel. Writes are
// serialized; a watcher turns request cancellation and the stream timeout
// into lifecycle callbacks.
type sseChannel struct {
	w gin.ResponseWriter

	mu     sync.Mutex
	closed bool
	done   chan struct{}

	cbMu         sync.Mutex
	state        lifecycle
	stateErr     error
	onDisconnect []func()
	onTimeout    []func()
	onError      []func(error)
}

func newSSEChannel(ctx context.Context, w gin.ResponseWriter, timeout time.Duration) *sseChannel {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ch := &sseChannel{w: w, done: make(chan struct{})}
	go ch.watch(ctx, timeout)
	return ch
}

func (ch *sseChannel) watch(ctx context.Context, timeout time.Duration) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-ctx.Done():
		ch.transition(disconnected, nil)
	case <-expired:
		ch.transition(timedOut, nil)
	case <-ch.done:
	}
}

func (ch *sseChannel) Send(event string, data []byte) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return errChannelClosed
	}
	if err := sse.Encode(ch.w, sse.Event{Event: event, Data: string(data)}); err != nil {
		go ch.transition(failed, err)
		return err
	}
	ch.w.Flush()
	return nil
}

func (ch *sseChannel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil
	}
	ch.closed = true
	close(ch.done)
	return nil
}

// CloseWithError ends the stream. The error was already reported to the
// client as an event, so there is nothing more to write.
func (ch *sseChannel) CloseWithError(error) error { return ch.Close() }

func (ch *sseChannel) OnDisconnect(fn func()) { ch.register(disconnected, fn, nil) }
func (ch *sseChannel) OnTimeout(fn func())    { ch.register(timedOut, fn, nil) }
func (ch *sseChannel) OnError(fn func(error)) { ch.register(failed, nil, fn) }

func (ch *sseChannel) register(kind lifecycle, fn func(), efn func(error)) {
	ch.cbMu.Lock()
	if ch.state == kind {
		err := ch.stateErr
		ch.cbMu.Unlock()
		if fn != nil {
			fn()
		} else {
			efn(err)
		}
		return
	}
	switch kind {
	case disconnected:
		ch.onDisconnect = append(ch.onDisconnect, fn)
	case timedOut:
		ch.onTimeout = append(ch.onTimeout, fn)
	case failed:
		ch.onError = append(ch.onError, efn)
	}
	ch.cbMu.Unlock()
}

// transition records the first lifecycle event and fires its callbacks.
func (ch *sseChannel) transition(to lifecycle, err error) {
	ch.cbMu.Lock()
	if ch.state != alive {
		ch.cbMu.Unlock()
		return
	}
	ch.state, ch.stateErr = to, err
	var fns []func()
	var efns []func(error)
	switch to {
	case disconnected:
		fns = ch.onDisconnect
	case timedOut:
		fns = ch.onTimeout
	case failed:
		efns = ch.onError
	}
	ch.cbMu.Unlock()

	for _, fn := range fns {
		fn()
	}
	for _, fn := range efns {
		fn(err)
	}
}
