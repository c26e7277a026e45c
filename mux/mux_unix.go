//go:build unix && !linux

package mux

// New returns the platform default Selector: the portable select backend.
func New() (Selector, error) {
	return NewSelectSelector()
}
