// Package reactor runs a read event loop over a mux.Selector and dispatches
// readable descriptors to per-descriptor handlers.
//
// The selector contract only allows one goroutine to mutate the watched
// set, so Register and Unregister enqueue commands that the loop goroutine
// applies at the top of each iteration; a Wakeup nudges a blocked Wait so
// the queue is drained promptly. That makes both safe to call from any
// goroutine, unlike the raw selector.
package reactor

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/fzft/go-readmux/log"
	"github.com/fzft/go-readmux/mux"
)

// ErrNoHandlers is returned by Run when no descriptors are registered:
// with an empty watched set the loop could only ever spin on wakeups.
var ErrNoHandlers = errors.New("reactor: no registered handlers")

// ReadHandler consumes a descriptor that became readable. Returning an
// error unregisters the descriptor and keeps the loop running.
type ReadHandler interface {
	OnReadable(fd int) error
}

// ReadHandlerFunc adapts a function to the ReadHandler interface.
type ReadHandlerFunc func(fd int) error

func (f ReadHandlerFunc) OnReadable(fd int) error { return f(fd) }

type command struct {
	fd      int
	handler ReadHandler // nil means unregister
}

type Reactor struct {
	sel mux.Selector

	// handlers is touched by the loop goroutine only.
	handlers map[int]ReadHandler

	mu      sync.Mutex
	cmds    []command
	stopped bool

	done chan struct{}
}

// New builds a Reactor over the platform default selector backend.
func New() (*Reactor, error) {
	sel, err := mux.New()
	if err != nil {
		return nil, err
	}
	return NewWithSelector(sel), nil
}

// NewWithSelector builds a Reactor over an explicit backend. The reactor
// takes ownership of the selector and closes it when Run returns.
func NewWithSelector(sel mux.Selector) *Reactor {
	return &Reactor{
		sel:      sel,
		handlers: make(map[int]ReadHandler),
		done:     make(chan struct{}),
	}
}

// Register watches fd and dispatches its readiness to h. Safe from any
// goroutine, before or during Run. Register at least one descriptor before
// calling Run.
func (r *Reactor) Register(fd int, h ReadHandler) {
	r.mu.Lock()
	r.cmds = append(r.cmds, command{fd: fd, handler: h})
	r.mu.Unlock()
	r.sel.Wakeup()
}

// Unregister stops watching fd. Safe from any goroutine. The descriptor is
// never closed by the reactor.
func (r *Reactor) Unregister(fd int) {
	r.mu.Lock()
	r.cmds = append(r.cmds, command{fd: fd})
	r.mu.Unlock()
	r.sel.Wakeup()
}

// Stop makes Run return after the current iteration. Safe from any
// goroutine; wait on Done for the loop to actually finish.
func (r *Reactor) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.sel.Wakeup()
}

// Done is closed once Run has returned and the selector is released.
func (r *Reactor) Done() <-chan struct{} {
	return r.done
}

// Run drives the event loop on the calling goroutine until Stop is called.
// It owns all selector state mutations; command-queue draining happens here
// and only here.
func (r *Reactor) Run() error {
	defer close(r.done)
	defer func() {
		if err := r.sel.Close(); err != nil {
			log.Logger.Debug("failed to close selector", zap.Error(err))
		}
	}()

	for {
		if stopped := r.applyCommands(); stopped {
			return nil
		}
		if len(r.handlers) == 0 {
			return ErrNoHandlers
		}

		fd, outcome := r.sel.Wait(mux.NoTimeout)
		switch outcome {
		case mux.Ready:
			h, ok := r.handlers[fd]
			if !ok {
				continue
			}
			if err := h.OnReadable(fd); err != nil {
				log.Logger.Error("handler failed, dropping descriptor", zap.Int("fd", fd), zap.Error(err))
				r.remove(fd)
			}
		case mux.Interrupted:
			// Re-check commands and the stop flag at the loop top.
		case mux.TimedOut:
			// Cannot happen with NoTimeout, but harmless.
		}
	}
}

func (r *Reactor) applyCommands() bool {
	r.mu.Lock()
	cmds := r.cmds
	r.cmds = nil
	stopped := r.stopped
	r.mu.Unlock()

	for _, cmd := range cmds {
		if cmd.handler == nil {
			r.remove(cmd.fd)
			continue
		}
		if err := r.sel.Register(cmd.fd); err != nil {
			log.Logger.Error("failed to register fd", zap.Int("fd", cmd.fd), zap.Error(err))
			continue
		}
		r.handlers[cmd.fd] = cmd.handler
	}
	return stopped
}

func (r *Reactor) remove(fd int) {
	if _, ok := r.handlers[fd]; !ok {
		return
	}
	if err := r.sel.Unregister(fd); err != nil {
		log.Logger.Error("failed to unregister fd", zap.Int("fd", fd), zap.Error(err))
	}
	delete(r.handlers, fd)
}
