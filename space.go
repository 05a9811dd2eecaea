package mera

import (
	"fmt"
	"strings"
)

// Sector is a symmetry sector of a vector space, identified by an integer
// charge and carrying its own multiplicity. Sectors occupy contiguous index
// ranges in the order they are listed.
type Sector struct {
	Charge int
	Dim    int
}

// Space describes the vector space attached to a tensor leg.
// A Space with no explicit sectors behaves as a single charge-zero sector.
type Space struct {
	Dim     int
	Sectors []Sector
}

// NewSpace returns a space of the given dimension with the trivial sector
// structure.
func NewSpace(dim int) Space {
	return Space{Dim: dim}
}

// NewSectorSpace returns a space assembled from symmetry sectors.
func NewSectorSpace(sectors []Sector) Space {
	s := Space{Sectors: sectors}
	for _, sec := range sectors {
		s.Dim += sec.Dim
	}
	return s
}

// Equal reports whether two spaces have the same dimension and the same
// sector decomposition.
func (s Space) Equal(t Space) bool {
	if s.Dim != t.Dim {
		return false
	}
	if len(s.Sectors) != len(t.Sectors) {
		return false
	}
	for i, sec := range s.Sectors {
		if sec != t.Sectors[i] {
			return false
		}
	}
	return true
}

// Charges returns the charge carried by every basis index of the space.
func (s Space) Charges() []int {
	qs := make([]int, 0, s.Dim)
	if len(s.Sectors) == 0 {
		for range s.Dim {
			qs = append(qs, 0)
		}
		return qs
	}
	for _, sec := range s.Sectors {
		for range sec.Dim {
			qs = append(qs, sec.Charge)
		}
	}
	return qs
}

func (s Space) String() string {
	if len(s.Sectors) == 0 {
		return fmt.Sprintf("%d", s.Dim)
	}
	parts := make([]string, 0, len(s.Sectors))
	for _, sec := range s.Sectors {
		parts = append(parts, fmt.Sprintf("%d:%d", sec.Charge, sec.Dim))
	}
	return fmt.Sprintf("%d(%s)", s.Dim, strings.Join(parts, ","))
}
