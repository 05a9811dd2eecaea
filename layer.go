// Package mera optimizes a multiscale entanglement renormalization ansatz
// (MERA) for ground states of translation-invariant quantum lattice models.
//
// A Network is an ordered stack of renormalization layers, the last of which
// repeats indefinitely as the scale-invariant layer. Concrete coarse-graining
// schemes (see the treelayer and ternarylayer packages) implement the Layer
// contract; the engine in this package is scheme agnostic. Density matrices
// and ascended operators are cached lazily and invalidated on every mutation.
//
// References:
//   - Algorithms for entanglement renormalization, G. Evenbly and G. Vidal
//   - Entanglement renormalization, G. Vidal
package mera

import (
	"fmt"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"
)

// Side selects one of the algebraically distinct contraction orderings of an
// ascend or descend map. The orderings exist because the coarse-graining map
// is not unique; Average symmetrizes the estimator over all of them.
type Side int

const (
	SideLeft Side = iota
	SideMid
	SideRight
	SideAverage
)

func (s Side) String() string {
	switch s {
	case SideLeft:
		return "left"
	case SideMid:
		return "mid"
	case SideRight:
		return "right"
	case SideAverage:
		return "average"
	default:
		return fmt.Sprintf("side(%d)", int(s))
	}
}

// A Layer is one renormalization step: a fixed-arity tuple of tensors mapping
// a fine lattice to a coarser one. Operators are 2w-leg tensors with the w
// row legs first, where w is the causal cone width of the scheme.
//
// By convention the last tensor of a layer is its isometry and all preceding
// tensors are unitary disentanglers.
type Layer interface {
	// Tensors returns the variable tensors of the layer, disentanglers
	// first, isometry last. The returned slice must not be mutated.
	Tensors() []*tensor.Dense

	// WithTensors returns a structurally identical layer with the given
	// tensors substituted, in the order of Tensors.
	WithTensors(ts ...*tensor.Dense) (Layer, error)

	// Ascend coarse-grains an operator supported on CausalConeWidth sites
	// one level up.
	Ascend(op *tensor.Dense, side Side) (*tensor.Dense, error)

	// Descend refines a density matrix supported on CausalConeWidth sites
	// one level down. Descend is the adjoint of Ascend under the
	// Hilbert-Schmidt pairing tr(rho op).
	Descend(rho *tensor.Dense, side Side) (*tensor.Dense, error)

	// Environment returns, per variable tensor, the derivative of
	// tr(rho Ascend(op, Average)) with respect to the conjugate of that
	// tensor. Each environment has the leg structure of its tensor.
	Environment(op, rho *tensor.Dense) ([]*tensor.Dense, error)

	// CausalConeWidth is the number of sites whose reduced state this
	// scheme tracks.
	CausalConeWidth() int

	// ScaleFactor is the number of sites coarse-grained per application.
	ScaleFactor() int

	InputSpace() Space
	OutputSpace() Space

	// ExpandInput zero-pads the bottom legs to the larger space. The
	// represented state is unchanged; isometry of individual tensors is
	// transiently broken until the next optimization pass.
	ExpandInput(s Space) Layer

	// ExpandOutput zero-pads the top leg to the larger space.
	ExpandOutput(s Space) Layer

	// CheckIntralayer verifies leg compatibility within the layer.
	CheckIntralayer() error

	// CheckInterlayer verifies that this layer's output space feeds the
	// next layer's input space.
	CheckInterlayer(next Layer) error
}

// LayerFactory builds a structurally valid random layer of a concrete scheme.
// When randomizeFirst is false, the first tensor is the canonical
// identity-like embedding instead of a random unitary.
type LayerFactory func(in, out Space, randomizeFirst bool) (Layer, error)

// CheckInterlayerSpaces verifies that out equals nextIn. Scheme packages use
// it to implement CheckInterlayer.
func CheckInterlayerSpaces(out, nextIn Space) error {
	if !out.Equal(nextIn) {
		return errors.Wrap(ErrInvariant, fmt.Sprintf("output space %v, next input space %v", out, nextIn))
	}
	return nil
}
