package mera

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpace(t *testing.T) {
	t.Parallel()
	s := NewSectorSpace([]Sector{{Charge: 0, Dim: 2}, {Charge: 1, Dim: 1}})
	assert.Equal(t, 3, s.Dim)
	assert.Equal(t, []int{0, 0, 1}, s.Charges())
	assert.Equal(t, "3(0:2,1:1)", s.String())

	trivial := NewSpace(2)
	assert.Equal(t, []int{0, 0}, trivial.Charges())
	assert.Equal(t, "2", trivial.String())
}

func TestSpaceEqual(t *testing.T) {
	t.Parallel()
	a := NewSectorSpace([]Sector{{Charge: 0, Dim: 1}, {Charge: 1, Dim: 1}})
	b := NewSectorSpace([]Sector{{Charge: 0, Dim: 1}, {Charge: 1, Dim: 1}})
	assert.True(t, a.Equal(b))

	// Same dimension, different sector structure.
	c := NewSpace(2)
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(NewSpace(3)))
}
