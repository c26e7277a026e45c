//go:build linux

package mux

import (
	"os"
	"time"
	"unsafe"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fzft/go-readmux/log"
)

const (
	readEvents = unix.EPOLLPRI | unix.EPOLLIN

	// maxEpollEvents bounds one epoll_wait batch. Extra ready descriptors
	// are simply reported by the next poll; epoll is level triggered here.
	maxEpollEvents = 64
)

// EpollSelector is the scalable backend: the watched set lives in a kernel
// interest list, so Register and Unregister are O(1) epoll_ctl calls and a
// Wait costs O(ready), not O(watched).
//
// The wakeup primitive is an eventfd added to the interest list at
// construction time and owned exclusively by the selector.
type EpollSelector struct {
	epollFd int
	eventFd int

	// watched mirrors the kernel interest list so Register stays
	// idempotent and a cancelled fd can be filtered out of the pending
	// queue. The eventfd is not part of it.
	watched map[int]struct{}
	pending *pendingQueue
	closed  bool
}

// NewEpollSelector creates an epoll instance plus its eventfd wakeup
// primitive. Failure to create either is fatal to construction.
func NewEpollSelector() (*EpollSelector, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		log.Logger.Error("failed to create epoll", zap.Error(err))
		return nil, os.NewSyscallError("epoll_create1", err)
	}

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		log.Logger.Error("failed to create eventfd", zap.Error(err))
		unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}

	if err := epollAddRead(epfd, efd); err != nil {
		log.Logger.Error("failed to add eventfd to epoll", zap.Error(err))
		unix.Close(efd)
		unix.Close(epfd)
		return nil, err
	}

	return &EpollSelector{
		epollFd: epfd,
		eventFd: efd,
		watched: make(map[int]struct{}),
		pending: newPendingQueue(),
	}, nil
}

func epollAddRead(epfd, fd int) error {
	return os.NewSyscallError("epoll_ctl add",
		unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: readEvents}))
}

func (s *EpollSelector) Register(fd int) error {
	if s.closed {
		return ErrSelectorClosed
	}
	if _, ok := s.watched[fd]; ok {
		return nil
	}
	if err := epollAddRead(s.epollFd, fd); err != nil {
		log.Logger.Error("failed to register fd", zap.Int("fd", fd), zap.Error(err))
		return err
	}
	s.watched[fd] = struct{}{}
	return nil
}

func (s *EpollSelector) Unregister(fd int) error {
	if s.closed {
		return ErrSelectorClosed
	}
	if _, ok := s.watched[fd]; !ok {
		return nil
	}
	if err := unix.EpollCtl(s.epollFd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		log.Logger.Error("failed to unregister fd", zap.Int("fd", fd), zap.Error(err))
		return os.NewSyscallError("epoll_ctl del", err)
	}
	// Dropping the fd from the watched set is what keeps any queued
	// occurrence of it from ever reaching the caller.
	delete(s.watched, fd)
	return nil
}

func (s *EpollSelector) Wait(timeout time.Duration) (int, Outcome) {
	if len(s.watched) == 0 {
		panic("mux: Wait called with no registered descriptors")
	}

	if fd, ok := s.pending.pop(s.isWatched); ok {
		return fd, Ready
	}

	msec := -1
	if timeout >= 0 {
		msec = int(timeout / time.Millisecond)
		if timeout > 0 && msec == 0 {
			// Sub-millisecond timeouts must still block.
			msec = 1
		}
	}

	var events [maxEpollEvents]unix.EpollEvent
	for {
		n, err := unix.EpollWait(s.epollFd, events[:], msec)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 {
			return -1, TimedOut
		}

		woken := false
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == s.eventFd {
				woken = s.drainEventFd()
				continue
			}
			s.pending.push(fd)
		}

		if fd, ok := s.pending.pop(s.isWatched); ok {
			return fd, Ready
		}
		if woken {
			return -1, Interrupted
		}
		return -1, TimedOut
	}
}

// Wakeup bumps the eventfd counter. A single 8-byte write, so it is safe
// from any goroutine; repeated bumps before the next Wait coalesce into one
// Interrupted because the counter is drained in full.
func (s *EpollSelector) Wakeup() {
	var one uint64 = 1
	if _, err := unix.Write(s.eventFd, (*(*[8]byte)(unsafe.Pointer(&one)))[:]); err != nil && err != unix.EAGAIN {
		log.Logger.Error("failed to write to event fd", zap.Error(err))
	}
}

func (s *EpollSelector) drainEventFd() bool {
	var counter uint64
	n, err := unix.Read(s.eventFd, (*(*[8]byte)(unsafe.Pointer(&counter)))[:])
	return err == nil && n > 0
}

func (s *EpollSelector) isWatched(fd int) bool {
	_, ok := s.watched[fd]
	return ok
}

// Close order: eventfd out of the interest list, then eventfd, then the
// epoll fd. Caller-registered descriptors are left open.
func (s *EpollSelector) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if err := unix.EpollCtl(s.epollFd, unix.EPOLL_CTL_DEL, s.eventFd, nil); err != nil {
		log.Logger.Debug("failed to delete eventfd from epoll", zap.Error(err))
	}

	var errs error
	errs = multierr.Append(errs, closeFD(s.eventFd))
	errs = multierr.Append(errs, closeFD(s.epollFd))
	return errs
}
