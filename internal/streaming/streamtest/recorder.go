// Package streamtest provides an in-memory streaming.Channel for tests.
package streamtest

import (
	"errors"
	"sync"
	"time"
)

// Event is one recorded Send.
type Event struct {
	Name string
	Data []byte
}

// Recorder records events and lets tests trigger lifecycle callbacks.
type Recorder struct {
	// SendGate, when set, blocks every Send until it is closed.
	SendGate chan struct{}
	// SendErr, when set, is returned by every Send.
	SendErr error

	mu         sync.Mutex
	events     []Event
	closes     int
	closeErr   error
	gone       bool
	afterGone  int
	disconnect []func()
	timeout    []func()
	onErr      []func(error)
	notify     chan struct{}
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1024)}
}

func (r *Recorder) Send(event string, data []byte) error {
	if r.SendGate != nil {
		<-r.SendGate
	}
	if r.SendErr != nil {
		return r.SendErr
	}
	r.mu.Lock()
	r.events = append(r.events, Event{Name: event, Data: append([]byte(nil), data...)})
	if r.gone {
		r.afterGone++
	}
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes++
	return nil
}

func (r *Recorder) CloseWithError(err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes++
	r.closeErr = err
	return nil
}

func (r *Recorder) OnDisconnect(fn func()) { r.register(&r.disconnect, fn) }
func (r *Recorder) OnTimeout(fn func())    { r.register(&r.timeout, fn) }

func (r *Recorder) OnError(fn func(error)) {
	r.mu.Lock()
	r.onErr = append(r.onErr, fn)
	r.mu.Unlock()
}

func (r *Recorder) register(list *[]func(), fn func()) {
	r.mu.Lock()
	if r.gone {
		r.mu.Unlock()
		fn()
		return
	}
	*list = append(*list, fn)
	r.mu.Unlock()
}

// Disconnect fires the disconnect callbacks as a vanished client would.
func (r *Recorder) Disconnect() { r.fire(func() []func() { return r.disconnect }) }

// Timeout fires the timeout callbacks.
func (r *Recorder) Timeout() { r.fire(func() []func() { return r.timeout }) }

// Fail fires the error callbacks with err.
func (r *Recorder) Fail(err error) {
	r.mu.Lock()
	r.gone = true
	fns := append([]func(error){}, r.onErr...)
	r.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (r *Recorder) fire(pick func() []func()) {
	r.mu.Lock()
	r.gone = true
	fns := append([]func(){}, pick()...)
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Events returns a copy of everything sent.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Names lists the sent event names in order.
func (r *Recorder) Names() []string {
	evs := r.Events()
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Name
	}
	return out
}

// Closes counts Close and CloseWithError calls.
func (r *Recorder) Closes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}

// CloseErr is the error passed to CloseWithError, if any.
func (r *Recorder) CloseErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeErr
}

// SentAfterGone counts events that were written after a lifecycle callback fired.
func (r *Recorder) SentAfterGone() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.afterGone
}

// WaitEvents waits until at least n events were sent.
func (r *Recorder) WaitEvents(n int, timeout time.Duration) error {
	deadline := time.After(timeout)
	for {
		r.mu.Lock()
		got := len(r.events)
		r.mu.Unlock()
		if got >= n {
			return nil
		}
		select {
		case <-r.notify:
		case <-deadline:
			return errors.New("streamtest: timed out waiting for events")
		}
	}
}
