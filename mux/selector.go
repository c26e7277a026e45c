// Package mux provides level triggered read-readiness notification for a
// dynamic set of file descriptors, with a cross-thread wakeup side channel.
//
// A Selector is driven by exactly one event-loop goroutine: Register,
// Unregister and Wait belong to that goroutine alone. Wakeup is the single
// operation that may be called from anywhere, at any time, including while
// another goroutine is blocked inside Wait.
package mux

import (
	"errors"
	"time"
)

// NoTimeout makes Wait block until a descriptor becomes ready or Wakeup is
// called. Any negative duration behaves the same.
const NoTimeout = time.Duration(-1)

// Outcome reports why a Wait call returned.
type Outcome uint8

const (
	// TimedOut: nothing became ready within the requested window.
	TimedOut Outcome = iota
	// Interrupted: a cross-goroutine Wakeup arrived and no descriptor
	// happened to be ready. Wakeups coalesce; treat this as "re-check
	// state", not as a counter.
	Interrupted
	// Ready: the returned descriptor is readable.
	Ready
)

func (o Outcome) String() string {
	switch o {
	case Ready:
		return "ready"
	case Interrupted:
		return "interrupted"
	default:
		return "timed out"
	}
}

// Selector multiplexes read readiness over registered file descriptors.
type Selector interface {
	// Register begins watching fd for readability. Registering an fd that
	// is already watched is a no-op. Registering an fd the OS rejects
	// returns a non-nil error.
	Register(fd int) error

	// Unregister stops watching fd. The fd is guaranteed never to be
	// returned by a later Wait, even if it was already discovered ready
	// and queued. The fd itself stays open; its lifetime belongs to the
	// caller.
	Unregister(fd int) error

	// Wait blocks until a watched descriptor is readable, the timeout
	// elapses, or Wakeup is called. Exactly one of the three outcomes is
	// produced; fd is only meaningful when the outcome is Ready. When one
	// poll discovers several ready descriptors the extras are queued and
	// handed out by the following Wait calls, in discovery order, before
	// the OS is polled again.
	//
	// A negative timeout blocks indefinitely; zero polls without
	// blocking. Wait panics if the watched set is empty, since it could
	// then only ever return via Wakeup. Only one Wait may be in flight
	// per Selector.
	Wait(timeout time.Duration) (fd int, outcome Outcome)

	// Wakeup forces a blocked (or the next) Wait to return Interrupted,
	// unless a watched descriptor is ready at the same time, in which
	// case Ready wins. Safe to call from any goroutine. Multiple wakeups
	// observed by a single Wait coalesce into one Interrupted.
	Wakeup()

	// Close releases the wakeup primitive and any kernel-side state.
	// Registered descriptors are not closed.
	Close() error
}

// ErrSelectorClosed is returned by Register and Unregister after Close.
var ErrSelectorClosed = errors.New("mux: selector closed")

// NewWith creates the platform default Selector and registers the given
// descriptors.
func NewWith(fds ...int) (Selector, error) {
	s, err := New()
	if err != nil {
		return nil, err
	}
	for _, fd := range fds {
		if err := s.Register(fd); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}
