//go:build linux

package mux

// New returns the platform default Selector: the epoll backend.
func New() (Selector, error) {
	return NewEpollSelector()
}
