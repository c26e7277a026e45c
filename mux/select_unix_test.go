//go:build unix

package mux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	testBackends["select"] = func() (Selector, error) {
		return NewSelectSelector()
	}
}

func TestSelectRegisterNegativeDescriptorFails(t *testing.T) {
	s, err := NewSelectSelector()
	require.NoError(t, err)
	defer s.Close()

	assert.Error(t, s.Register(-1), "a negative fd can never become readable")
}
