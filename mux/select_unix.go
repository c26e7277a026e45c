//go:build unix

package mux

import (
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fzft/go-readmux/log"
)

// fdSetSize is FD_SETSIZE on every unix this package targets; select(2)
// cannot represent descriptors at or above it.
const fdSetSize = 1024

// SelectSelector is the portable backend, built on select(2). Each Wait
// rebuilds the fd_set locally from the watched slice, so there is no shared
// mask to go stale; the cost is O(watched) per call.
//
// The wakeup primitive is a self-pipe created at construction, always part
// of the polled set and never visible to the caller.
//
// select(2) cannot watch descriptors at or above FD_SETSIZE; Register
// rejects those. Use the epoll backend where available.
type SelectSelector struct {
	// Caller-registered descriptors, kept ascending: the highest one
	// sizes the select nfds argument, and ready descriptors are queued
	// in ascending order.
	fds []int

	pipeRead  int
	pipeWrite int

	pending *pendingQueue
	closed  bool
}

// NewSelectSelector creates the backend and its self-pipe. Both pipe ends
// are nonblocking so Wakeup never stalls the calling goroutine and draining
// never stalls the event loop.
func NewSelectSelector() (*SelectSelector, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		log.Logger.Error("failed to create wakeup pipe", zap.Error(err))
		return nil, os.NewSyscallError("pipe", err)
	}
	for _, fd := range p {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, os.NewSyscallError("fcntl", err)
		}
		unix.CloseOnExec(fd)
	}

	return &SelectSelector{
		pipeRead:  p[0],
		pipeWrite: p[1],
		pending:   newPendingQueue(),
	}, nil
}

func (s *SelectSelector) Register(fd int) error {
	if s.closed {
		return ErrSelectorClosed
	}
	if s.isWatched(fd) {
		return nil
	}
	// select has no registration syscall to reject a bad fd for us, so
	// validate here rather than watch a descriptor that can never fire.
	if fd < 0 || !isFDValid(fd) {
		log.Logger.Error("refusing to register invalid fd", zap.Int("fd", fd))
		return fmt.Errorf("mux: register fd %d: %w", fd, unix.EBADF)
	}
	if fd >= fdSetSize {
		return fmt.Errorf("mux: fd %d exceeds FD_SETSIZE (%d)", fd, fdSetSize)
	}
	s.fds = append(s.fds, fd)
	sort.Ints(s.fds)
	return nil
}

func (s *SelectSelector) Unregister(fd int) error {
	if s.closed {
		return ErrSelectorClosed
	}
	for i, watched := range s.fds {
		if watched == fd {
			s.fds = append(s.fds[:i], s.fds[i+1:]...)
			break
		}
	}
	return nil
}

func (s *SelectSelector) Wait(timeout time.Duration) (int, Outcome) {
	if len(s.fds) == 0 {
		panic("mux: Wait called with no registered descriptors")
	}

	if fd, ok := s.pending.pop(s.isWatched); ok {
		return fd, Ready
	}

	// The mask is rebuilt from scratch every call; select mutates it in
	// place and the watched set may have changed since the last poll.
	var readSet unix.FdSet
	readSet.Zero()
	readSet.Set(s.pipeRead)
	maxFD := s.pipeRead
	for _, fd := range s.fds {
		readSet.Set(fd)
		if fd > maxFD {
			maxFD = fd
		}
	}

	var tv *unix.Timeval
	if timeout >= 0 {
		t := unix.NsecToTimeval(timeout.Nanoseconds())
		tv = &t
	}

	n, err := unix.Select(maxFD+1, &readSet, nil, nil, tv)
	if err != nil || n == 0 {
		return -1, TimedOut
	}

	woken := false
	if readSet.IsSet(s.pipeRead) {
		s.drainPipe()
		woken = true
	}

	for _, fd := range s.fds {
		if readSet.IsSet(fd) {
			s.pending.push(fd)
		}
	}

	if fd, ok := s.pending.pop(s.isWatched); ok {
		return fd, Ready
	}
	if woken {
		return -1, Interrupted
	}
	return -1, TimedOut
}

// Wakeup writes one byte into the self-pipe. EAGAIN means the pipe already
// holds unobserved wakeup bytes, which is the coalescing the contract asks
// for, so it is not an error.
func (s *SelectSelector) Wakeup() {
	if _, err := unix.Write(s.pipeWrite, []byte{'x'}); err != nil && err != unix.EAGAIN {
		log.Logger.Error("failed to write to wakeup pipe", zap.Error(err))
	}
}

func (s *SelectSelector) drainPipe() {
	var buf [256]byte
	for {
		n, err := unix.Read(s.pipeRead, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (s *SelectSelector) isWatched(fd int) bool {
	for _, watched := range s.fds {
		if watched == fd {
			return true
		}
	}
	return false
}

func (s *SelectSelector) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs error
	errs = multierr.Append(errs, closeFD(s.pipeRead))
	errs = multierr.Append(errs, closeFD(s.pipeWrite))
	return errs
}
