//go:build unix

package reactor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/fzft/go-readmux/mux"
)

func makePipe(t *testing.T) (r, w int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe(p[:]), "pipe creation should succeed")
	require.NoError(t, unix.SetNonblock(p[0], true))
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return p[0], p[1]
}

// drainHandler reads everything available from fd and forwards it to ch.
func drainHandler(ch chan<- []byte) ReadHandlerFunc {
	return func(fd int) error {
		var buf [64]byte
		for {
			n, err := unix.Read(fd, buf[:])
			if n <= 0 || err != nil {
				return nil
			}
			out := make([]byte, n)
			copy(out, buf[:n])
			ch <- out
		}
	}
}

func newTestReactor(t *testing.T) *Reactor {
	t.Helper()
	r, err := New()
	require.NoError(t, err)
	return r
}

func TestReactorDispatchesReads(t *testing.T) {
	rd, wr := makePipe(t)
	r := newTestReactor(t)

	got := make(chan []byte, 8)
	r.Register(rd, drainHandler(got))
	go r.Run()
	defer func() {
		r.Stop()
		<-r.Done()
	}()

	_, err := unix.Write(wr, []byte("ping"))
	require.NoError(t, err)

	select {
	case data := <-got:
		assert.Equal(t, "ping", string(data), "the handler should receive what was written")
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never dispatched")
	}
}

func TestReactorRunWithoutHandlers(t *testing.T) {
	r := newTestReactor(t)
	assert.ErrorIs(t, r.Run(), ErrNoHandlers, "running with nothing registered should refuse")
}

func TestReactorStopUnblocksRun(t *testing.T) {
	rd, _ := makePipe(t)
	r := newTestReactor(t)
	r.Register(rd, ReadHandlerFunc(func(int) error { return nil }))

	runDone := make(chan error, 1)
	go func() { runDone <- r.Run() }()

	time.Sleep(50 * time.Millisecond)
	r.Stop()

	select {
	case err := <-runDone:
		assert.NoError(t, err, "a stopped run should return cleanly")
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not unblock Run")
	}
	<-r.Done()
}

func TestReactorRegisterDuringRun(t *testing.T) {
	ra, _ := makePipe(t)
	rb, wb := makePipe(t)
	r := newTestReactor(t)

	got := make(chan []byte, 8)
	r.Register(ra, drainHandler(got))
	go r.Run()
	defer func() {
		r.Stop()
		<-r.Done()
	}()

	time.Sleep(50 * time.Millisecond)
	r.Register(rb, drainHandler(got))

	_, err := unix.Write(wb, []byte("late"))
	require.NoError(t, err)

	select {
	case data := <-got:
		assert.Equal(t, "late", string(data), "a descriptor registered mid-run should be dispatched")
	case <-time.After(2 * time.Second):
		t.Fatal("late registration was never dispatched")
	}
}

func TestReactorHandlerErrorDropsDescriptor(t *testing.T) {
	rd, wr := makePipe(t)
	r := newTestReactor(t)

	var calls int32
	r.Register(rd, ReadHandlerFunc(func(fd int) error {
		atomic.AddInt32(&calls, 1)
		var buf [64]byte
		unix.Read(fd, buf[:])
		return unix.EIO
	}))
	go r.Run()
	defer func() {
		r.Stop()
		<-r.Done()
	}()

	_, err := unix.Write(wr, []byte("x"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 1
	}, 2*time.Second, 10*time.Millisecond, "the failing handler should run once")

	_, err = unix.Write(wr, []byte("y"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "a dropped descriptor should see no further dispatches")
}

func TestReactorOverBothBackends(t *testing.T) {
	backends := map[string]func() (mux.Selector, error){
		"default": mux.New,
		"select":  func() (mux.Selector, error) { return mux.NewSelectSelector() },
	}
	for name, newSelector := range backends {
		name, newSelector := name, newSelector
		t.Run(name, func(t *testing.T) {
			sel, err := newSelector()
			require.NoError(t, err)
			r := NewWithSelector(sel)

			rd, wr := makePipe(t)
			got := make(chan []byte, 8)
			r.Register(rd, drainHandler(got))
			go r.Run()
			defer func() {
				r.Stop()
				<-r.Done()
			}()

			_, err = unix.Write(wr, []byte("hello"))
			require.NoError(t, err)

			select {
			case data := <-got:
				assert.Equal(t, "hello", string(data))
			case <-time.After(2 * time.Second):
				t.Fatal("handler was never dispatched")
			}
		})
	}
}
