// Package treelayer implements the binary tree renormalization scheme: one
// isometry w[t, f1, f2] per layer mapping two fine sites to one coarse
// site, with no disentangler. The causal cone of a two site operator stays
// two sites wide, so operators and density matrices are 4-leg tensors with
// the two coarse-side legs first.
package treelayer

import (
	"fmt"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"

	"github.com/fumin/mera"
	"github.com/fumin/mera/internal/tensorops"
)

// Layer is one binary tree layer.
type Layer struct {
	w   *tensor.Dense
	in  mera.Space
	out mera.Space
}

// New returns a layer with a random isometry respecting the charge sectors
// of the spaces. With randomizeFirst false the isometry is the canonical
// identity-like embedding instead.
func New(in, out mera.Space, randomizeFirst bool) (mera.Layer, error) {
	if out.Dim > in.Dim*in.Dim {
		return nil, errors.Wrap(mera.ErrConfiguration, fmt.Sprintf("output %v exceeds fused input %v", out, in))
	}
	rows := out.Charges()
	cols := fusedCharges(in.Charges(), 2)
	var m *tensor.Dense
	var err error
	if randomizeFirst {
		m, err = tensorops.RandSectorIsometry(rows, cols)
	} else {
		m, err = tensorops.EmbedSectorIsometry(rows, cols)
	}
	if err != nil {
		return nil, errors.Wrap(mera.ErrConfiguration, err.Error())
	}
	return &Layer{w: m.Reshape(out.Dim, in.Dim, in.Dim), in: in, out: out}, nil
}

// fusedCharges returns the total charge of every basis index of width
// fused sites, first site most significant.
func fusedCharges(site []int, width int) []int {
	chi := len(site)
	d := 1
	for range width {
		d *= chi
	}
	qs := make([]int, d)
	for i := range d {
		rem := i
		for range width {
			qs[i] += site[rem%chi]
			rem /= chi
		}
	}
	return qs
}

func (l *Layer) Tensors() []*tensor.Dense { return []*tensor.Dense{l.w} }

func (l *Layer) WithTensors(ts ...*tensor.Dense) (mera.Layer, error) {
	if len(ts) != 1 {
		return nil, errors.Wrap(mera.ErrConfiguration, fmt.Sprintf("%d tensors", len(ts)))
	}
	return &Layer{w: ts[0], in: l.in, out: l.out}, nil
}

func (l *Layer) CausalConeWidth() int { return 2 }

func (l *Layer) ScaleFactor() int { return 2 }

func (l *Layer) InputSpace() mera.Space { return l.in }

func (l *Layer) OutputSpace() mera.Space { return l.out }

// ExpandInput zero-pads the two fine legs.
func (l *Layer) ExpandInput(s mera.Space) mera.Layer {
	w := tensorops.ZeroPad(l.w, l.out.Dim, s.Dim, s.Dim)
	return &Layer{w: w, in: s, out: l.out}
}

// ExpandOutput zero-pads the coarse leg.
func (l *Layer) ExpandOutput(s mera.Space) mera.Layer {
	w := tensorops.ZeroPad(l.w, s.Dim, l.in.Dim, l.in.Dim)
	return &Layer{w: w, in: l.in, out: s}
}

func (l *Layer) CheckIntralayer() error {
	want := []int{l.out.Dim, l.in.Dim, l.in.Dim}
	got := l.w.Shape()
	if len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		return errors.Wrap(mera.ErrInvariant, fmt.Sprintf("isometry shape %v, spaces want %v", got, want))
	}
	return nil
}

func (l *Layer) CheckInterlayer(next mera.Layer) error {
	return mera.CheckInterlayerSpaces(l.out, next.InputSpace())
}

// mirror4 reverses the site order of a 4-leg operator or density matrix.
func mirror4(t *tensor.Dense) *tensor.Dense {
	return tensorops.Clone(t.Transpose(1, 0, 3, 2))
}

// mirrorW swaps the two fine legs of an isometry.
func mirrorW(w *tensor.Dense) *tensor.Dense {
	return tensorops.Clone(w.Transpose(0, 2, 1))
}

func z() *tensor.Dense { return tensor.Zeros(1) }

// ascendOne coarse-grains an operator supported on both fine legs of one
// isometry, o1 = w @ op @ w.H() on the fused input.
func ascendOne(w, op *tensor.Dense) *tensor.Dense {
	// s1 is of shape {t, c1, c2}.
	s1 := tensor.Product(z(), w, op, [][2]int{{1, 0}, {2, 1}})
	return tensor.Product(z(), s1, w.Conj(), [][2]int{{1, 1}, {2, 2}})
}

// Ascend coarse-grains a two site operator. The three orderings place the
// operator under the left isometry, straddling two isometries, or under the
// right one.
func (l *Layer) Ascend(op *tensor.Dense, side mera.Side) (*tensor.Dense, error) {
	if err := checkOpShape(op, l.in.Dim); err != nil {
		return nil, err
	}
	w := l.w
	switch side {
	case mera.SideLeft:
		return tensorops.KronOp(ascendOne(w, op), tensorops.Identity(l.out.Dim)), nil
	case mera.SideRight:
		return tensorops.KronOp(tensorops.Identity(l.out.Dim), ascendOne(w, op)), nil
	case mera.SideMid:
		// The operator acts on the right leg of the left isometry and
		// the left leg of the right isometry.
		// s1 is of shape {t, e, r2, c1, c2}.
		s1 := tensor.Product(z(), w, op, [][2]int{{2, 0}})
		// s2 is of shape {t, r2, c2, t'}.
		s2 := tensor.Product(z(), s1, w.Conj(), [][2]int{{1, 1}, {3, 2}})
		// s3 is of shape {t, c2, t', u, f}.
		s3 := tensor.Product(z(), s2, w, [][2]int{{1, 1}})
		// s4 is of shape {t, t', u, u'}.
		s4 := tensor.Product(z(), s3, w.Conj(), [][2]int{{1, 1}, {4, 2}})
		return tensorops.Clone(s4.Transpose(0, 2, 1, 3)), nil
	case mera.SideAverage:
		left, err := l.Ascend(op, mera.SideLeft)
		if err != nil {
			return nil, err
		}
		mid, err := l.Ascend(op, mera.SideMid)
		if err != nil {
			return nil, err
		}
		right, err := l.Ascend(op, mera.SideRight)
		if err != nil {
			return nil, err
		}
		sum := tensorops.AddTo(tensorops.AddTo(left, mid), right)
		return tensorops.Scale(sum, complex(1.0/3, 0)), nil
	default:
		return nil, errors.Wrap(mera.ErrConfiguration, fmt.Sprintf("side %v", side))
	}
}

// Descend refines a two site density matrix one level down; it is the
// adjoint of Ascend side by side.
func (l *Layer) Descend(rho *tensor.Dense, side mera.Side) (*tensor.Dense, error) {
	if err := checkOpShape(rho, l.out.Dim); err != nil {
		return nil, err
	}
	w := l.w
	switch side {
	case mera.SideLeft:
		return descendEdge(w, tensorops.PartialTraceLast(rho)), nil
	case mera.SideRight:
		return descendEdge(w, tensorops.PartialTraceFirst(rho)), nil
	case mera.SideMid:
		// q1 is of shape {t, u, c2, e, a}.
		q1 := tensor.Product(z(), rho, w, [][2]int{{2, 0}})
		// q2 is of shape {u, c2, a, a'}.
		q2 := tensor.Product(z(), q1, w.Conj(), [][2]int{{0, 0}, {3, 1}})
		// q3 is of shape {u, a, a', b, f}.
		q3 := tensor.Product(z(), q2, w, [][2]int{{1, 0}})
		// q4 is of shape {a, a', b, b'}.
		q4 := tensor.Product(z(), q3, w.Conj(), [][2]int{{0, 0}, {4, 2}})
		return tensorops.Clone(q4.Transpose(1, 3, 0, 2)), nil
	case mera.SideAverage:
		left, err := l.Descend(rho, mera.SideLeft)
		if err != nil {
			return nil, err
		}
		mid, err := l.Descend(rho, mera.SideMid)
		if err != nil {
			return nil, err
		}
		right, err := l.Descend(rho, mera.SideRight)
		if err != nil {
			return nil, err
		}
		sum := tensorops.AddTo(tensorops.AddTo(left, mid), right)
		return tensorops.Scale(sum, complex(1.0/3, 0)), nil
	default:
		return nil, errors.Wrap(mera.ErrConfiguration, fmt.Sprintf("side %v", side))
	}
}

// descendEdge refines a density matrix through a single isometry, with the
// one site reduction r1 of the coarse density matrix on that isometry's
// coarse leg.
func descendEdge(w, r1 *tensor.Dense) *tensor.Dense {
	// b1 is of shape {t, a, b}.
	b1 := tensor.Product(z(), r1, w, [][2]int{{1, 0}})
	// The result is of shape {a', b', a, b}.
	return tensor.Product(z(), w.Conj(), b1, [][2]int{{0, 0}})
}

// Environment returns the derivative of tr(rho Ascend(op, Average)) with
// respect to the conjugate isometry. Each of the three orderings
// contributes two terms, one per isometry copy in the diagram; the right
// half of the terms is obtained by mirroring.
func (l *Layer) Environment(op, rho *tensor.Dense) ([]*tensor.Dense, error) {
	if err := checkOpShape(op, l.in.Dim); err != nil {
		return nil, err
	}
	if err := checkOpShape(rho, l.out.Dim); err != nil {
		return nil, err
	}
	env := envHalf(l.w, op, rho)
	mirrored := envHalf(mirrorW(l.w), mirror4(op), mirror4(rho))
	tensorops.AddTo(env, tensorops.Clone(mirrored.Transpose(0, 2, 1)))
	tensorops.Scale(env, complex(1.0/3, 0))
	return []*tensor.Dense{env}, nil
}

// envHalf accumulates the environment terms in which the differentiated
// isometry is the left one: the left ordering's operator-carrying and
// identity-carrying copies, and the mid ordering's left copy.
func envHalf(w, op, rho *tensor.Dense) *tensor.Dense {
	r1 := tensorops.PartialTraceLast(rho)

	// Left ordering, operator-carrying copy.
	// b1 is of shape {t, a, b}.
	b1 := tensor.Product(z(), r1, w, [][2]int{{1, 0}})
	el1 := tensor.Product(z(), b1, op, [][2]int{{1, 0}, {2, 1}})

	// Left ordering, identity-carrying copy: the single site coarse
	// operator m1 closes on the other isometry.
	// m0 is of shape {t, c1, c2}.
	m0 := tensor.Product(z(), w, op, [][2]int{{1, 0}, {2, 1}})
	// m1 is of shape {t, t'}.
	m1 := tensor.Product(z(), m0, w.Conj(), [][2]int{{1, 1}, {2, 2}})
	// zt is of shape {u, c2}.
	zt := tensor.Product(z(), rho, m1, [][2]int{{0, 1}, {2, 0}})
	el2 := tensor.Product(z(), zt, w, [][2]int{{1, 0}})

	// Mid ordering, left copy.
	// p1 is of shape {t, u, c2, e, a}.
	p1 := tensor.Product(z(), rho, w, [][2]int{{2, 0}})
	// p2 is of shape {t, u, e, a, b, f}.
	p2 := tensor.Product(z(), p1, w, [][2]int{{2, 0}})
	// p3 is of shape {t, u, e, f, a', b'}.
	p3 := tensor.Product(z(), p2, op, [][2]int{{3, 0}, {4, 1}})
	em1 := tensor.Product(z(), p3, w.Conj(), [][2]int{{1, 0}, {3, 2}, {5, 1}})

	return tensorops.AddTo(tensorops.AddTo(el1, el2), em1)
}

func checkOpShape(op *tensor.Dense, d int) error {
	s := op.Shape()
	if len(s) != 4 || s[0] != d || s[1] != d || s[2] != d || s[3] != d {
		return errors.Wrap(mera.ErrInvariant, fmt.Sprintf("shape %v, want 4 legs of %d", s, d))
	}
	return nil
}
