// Package ternarylayer implements the ternary renormalization scheme of
// Evenbly and Vidal: one disentangler u[x, y, p, q] acting across the
// boundary of two blocks, and one isometry w[t, f1, f2, f3] mapping three
// fine sites to one coarse site. Operators and density matrices on the two
// site causal cone are 4-leg tensors with the coarse-side legs first.
//
// Site layout for one coarse pair (t1, t2): the isometries cover fine
// sites (1,2,3) and (4,5,6), and the disentangler straddles sites (3,4).
// A two site operator enters at sites (2,3) for the left ordering, (3,4)
// for the mid ordering and (4,5) for the right one.
package ternarylayer

import (
	"fmt"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"

	"github.com/fumin/mera"
	"github.com/fumin/mera/internal/tensorops"
)

// Layer is one ternary layer.
type Layer struct {
	u   *tensor.Dense
	w   *tensor.Dense
	in  mera.Space
	out mera.Space
}

// New returns a layer with a random charge-respecting isometry. With
// randomizeFirst false the disentangler is the identity, otherwise a
// random unitary.
func New(in, out mera.Space, randomizeFirst bool) (mera.Layer, error) {
	if out.Dim > in.Dim*in.Dim*in.Dim {
		return nil, errors.Wrap(mera.ErrConfiguration, fmt.Sprintf("output %v exceeds fused input %v", out, in))
	}
	site := in.Charges()
	pair := fusedCharges(site, 2)
	var u *tensor.Dense
	var err error
	if randomizeFirst {
		u, err = tensorops.RandSectorIsometry(pair, pair)
	} else {
		u, err = tensorops.EmbedSectorIsometry(pair, pair)
	}
	if err != nil {
		return nil, errors.Wrap(mera.ErrConfiguration, err.Error())
	}
	w, err := tensorops.RandSectorIsometry(out.Charges(), fusedCharges(site, 3))
	if err != nil {
		return nil, errors.Wrap(mera.ErrConfiguration, err.Error())
	}
	d := in.Dim
	return &Layer{
		u:   u.Reshape(d, d, d, d),
		w:   w.Reshape(out.Dim, d, d, d),
		in:  in,
		out: out,
	}, nil
}

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

func (l *Layer) Tensors() []*tensor.Dense { return []*tensor.Dense{l.u, l.w} }

func (l *Layer) WithTensors(ts ...*tensor.Dense) (mera.Layer, error) {
	if len(ts) != 2 {
		return nil, errors.Wrap(mera.ErrConfiguration, fmt.Sprintf("%d tensors", len(ts)))
	}
	return &Layer{u: ts[0], w: ts[1], in: l.in, out: l.out}, nil
}

func (l *Layer) CausalConeWidth() int { return 2 }

func (l *Layer) ScaleFactor() int { return 3 }

func (l *Layer) InputSpace() mera.Space { return l.in }

func (l *Layer) OutputSpace() mera.Space { return l.out }

// ExpandInput zero-pads every fine leg of both tensors.
func (l *Layer) ExpandInput(s mera.Space) mera.Layer {
	d := s.Dim
	u := tensorops.ZeroPad(l.u, d, d, d, d)
	w := tensorops.ZeroPad(l.w, l.out.Dim, d, d, d)
	return &Layer{u: u, w: w, in: s, out: l.out}
}

// ExpandOutput zero-pads the coarse leg of the isometry.
func (l *Layer) ExpandOutput(s mera.Space) mera.Layer {
	d := l.in.Dim
	w := tensorops.ZeroPad(l.w, s.Dim, d, d, d)
	return &Layer{u: l.u, w: w, in: l.in, out: s}
}

func (l *Layer) CheckIntralayer() error {
	d := l.in.Dim
	us := l.u.Shape()
	if len(us) != 4 || us[0] != d || us[1] != d || us[2] != d || us[3] != d {
		return errors.Wrap(mera.ErrInvariant, fmt.Sprintf("disentangler shape %v, space %v", us, l.in))
	}
	ws := l.w.Shape()
	if len(ws) != 4 || ws[0] != l.out.Dim || ws[1] != d || ws[2] != d || ws[3] != d {
		return errors.Wrap(mera.ErrInvariant, fmt.Sprintf("isometry shape %v, spaces %v %v", ws, l.in, l.out))
	}
	return nil
}

func (l *Layer) CheckInterlayer(next mera.Layer) error {
	return mera.CheckInterlayerSpaces(l.out, next.InputSpace())
}

// mirror4 reverses the site order of a 4-leg operator or density matrix;
// for the disentangler it swaps both upper and lower leg pairs.
func mirror4(t *tensor.Dense) *tensor.Dense {
	return tensorops.Clone(t.Transpose(1, 0, 3, 2))
}

// mirrorIso reverses the fine leg order of an isometry.
func mirrorIso(w *tensor.Dense) *tensor.Dense {
	return tensorops.Clone(w.Transpose(0, 3, 2, 1))
}

func z() *tensor.Dense { return tensor.Zeros(1) }

// disentangled conjugates op by the disentangler when the operator sits
// fully under it, c2 = u @ op @ u.H() on sites (3,4).
func disentangled(u, op *tensor.Dense) *tensor.Dense {
	// c1 is of shape {x, y, p', q'}.
	c1 := tensor.Product(z(), u, op, [][2]int{{2, 0}, {3, 1}})
	return tensor.Product(z(), c1, u.Conj(), [][2]int{{2, 2}, {3, 3}})
}

// halfDisentangled handles the left ordering: op acts on sites (2,3), only
// its second leg passing through the disentangler.
// The result has legs {x, y, m, m', x', y'} where m, m' are the open site-2
// row and column legs.
func halfDisentangled(u, op *tensor.Dense) *tensor.Dense {
	// l1 is of shape {x, y, q, m, m', p'}.
	l1 := tensor.Product(z(), u, op, [][2]int{{2, 1}})
	return tensor.Product(z(), l1, u.Conj(), [][2]int{{2, 3}, {5, 2}})
}

// closeIsometries sandwiches a two site operator on legs (x, y) between
// the isometry pairs of both coarse sites. mid has legs {x, y, x', y'}
// with x, x' entering the left isometries at fine position lpos (2-based
// leg index) and y, y' entering the right isometries at leg 1.
func closeIsometries(w, mid *tensor.Dense, left3 [][2]int) *tensor.Dense {
	// c3 contracts the left unconjugated isometry over its third leg.
	c3 := tensor.Product(z(), w, mid, [][2]int{{3, 0}})
	// c4 is of shape {t1, y, y', c1}.
	c4 := tensor.Product(z(), c3, w.Conj(), left3)
	// c5 is of shape {t1, y', c1, t2, g2, g3}.
	c5 := tensor.Product(z(), c4, w, [][2]int{{1, 1}})
	// c6 is of shape {t1, c1, t2, c2}.
	c6 := tensor.Product(z(), c5, w.Conj(), [][2]int{{1, 1}, {4, 2}, {5, 3}})
	return tensorops.Clone(c6.Transpose(0, 2, 1, 3))
}

func (l *Layer) ascendSide(op *tensor.Dense, side mera.Side) (*tensor.Dense, error) {
	u, w := l.u, l.w
	switch side {
	case mera.SideMid:
		// c2 is of shape {x, y, x', y'}; both w copies bind legs 1, 2.
		c2 := disentangled(u, op)
		return closeIsometries(w, c2, [][2]int{{1, 1}, {2, 2}, {4, 3}}), nil
	case mera.SideLeft:
		// l2 is of shape {x, y, m, m', x', y'}; the open site-2 legs m,
		// m' bind to leg 2 of the w copies.
		l2 := halfDisentangled(u, op)
		// l3 is of shape {t1, f1, y, m', x', y'}.
		l3 := tensor.Product(z(), w, l2, [][2]int{{3, 0}, {2, 2}})
		// l4 is of shape {t1, y, y', c1}.
		l4 := tensor.Product(z(), l3, w.Conj(), [][2]int{{1, 1}, {3, 2}, {4, 3}})
		// l5 is of shape {t1, y', c1, t2, g2, g3}.
		l5 := tensor.Product(z(), l4, w, [][2]int{{1, 1}})
		l6 := tensor.Product(z(), l5, w.Conj(), [][2]int{{1, 1}, {4, 2}, {5, 3}})
		return tensorops.Clone(l6.Transpose(0, 2, 1, 3)), nil
	case mera.SideRight:
		m := &Layer{u: mirror4(l.u), w: mirrorIso(l.w), in: l.in, out: l.out}
		res, err := m.ascendSide(mirror4(op), mera.SideLeft)
		if err != nil {
			return nil, err
		}
		return mirror4(res), nil
	default:
		return nil, errors.Wrap(mera.ErrConfiguration, fmt.Sprintf("side %v", side))
	}
}

// Ascend coarse-grains a two site operator one level up.
func (l *Layer) Ascend(op *tensor.Dense, side mera.Side) (*tensor.Dense, error) {
	if err := checkOpShape(op, l.in.Dim); err != nil {
		return nil, err
	}
	if side != mera.SideAverage {
		return l.ascendSide(op, side)
	}
	return l.average(op, l.ascendSide)
}

func (l *Layer) descendSide(rho *tensor.Dense, side mera.Side) (*tensor.Dense, error) {
	u, w := l.u, l.w
	switch side {
	case mera.SideMid:
		// d1 is of shape {t1, t2, c2, f1, f2, x}.
		d1 := tensor.Product(z(), rho, w, [][2]int{{2, 0}})
		// d2 is of shape {t2, c2, x, x'}.
		d2 := tensor.Product(z(), d1, w.Conj(), [][2]int{{0, 0}, {3, 1}, {4, 2}})
		// d3 is of shape {t2, x, x', y, g2, g3}.
		d3 := tensor.Product(z(), d2, w, [][2]int{{1, 0}})
		// d4 is of shape {x, x', y, y'}.
		d4 := tensor.Product(z(), d3, w.Conj(), [][2]int{{0, 0}, {4, 2}, {5, 3}})
		// d5 is of shape {x', y', p, q}.
		d5 := tensor.Product(z(), d4, u, [][2]int{{0, 0}, {2, 1}})
		// d6 is of shape {p, q, p', q'}.
		d6 := tensor.Product(z(), d5, u.Conj(), [][2]int{{0, 0}, {1, 1}})
		return tensorops.Clone(d6.Transpose(2, 3, 0, 1)), nil
	case mera.SideLeft:
		// e1 is of shape {t1, t2, c2, f1, m, x}.
		e1 := tensor.Product(z(), rho, w, [][2]int{{2, 0}})
		// e2 is of shape {t2, c2, m, x, m', x'}.
		e2 := tensor.Product(z(), e1, w.Conj(), [][2]int{{0, 0}, {3, 1}})
		// e3 is of shape {t2, m, x, m', x', y, g2, g3}.
		e3 := tensor.Product(z(), e2, w, [][2]int{{1, 0}})
		// e4 is of shape {m, x, m', x', y, y'}.
		e4 := tensor.Product(z(), e3, w.Conj(), [][2]int{{0, 0}, {6, 2}, {7, 3}})
		// e5 is of shape {m, m', x', y', p, q}.
		e5 := tensor.Product(z(), e4, u, [][2]int{{1, 0}, {4, 1}})
		// e6 is of shape {m, m', p, p'}.
		e6 := tensor.Product(z(), e5, u.Conj(), [][2]int{{2, 0}, {3, 1}, {5, 3}})
		return tensorops.Clone(e6.Transpose(1, 3, 0, 2)), nil
	case mera.SideRight:
		m := &Layer{u: mirror4(l.u), w: mirrorIso(l.w), in: l.in, out: l.out}
		res, err := m.descendSide(mirror4(rho), mera.SideLeft)
		if err != nil {
			return nil, err
		}
		return mirror4(res), nil
	default:
		return nil, errors.Wrap(mera.ErrConfiguration, fmt.Sprintf("side %v", side))
	}
}

// Descend refines a two site density matrix one level down, the adjoint of
// Ascend side by side.
func (l *Layer) Descend(rho *tensor.Dense, side mera.Side) (*tensor.Dense, error) {
	if err := checkOpShape(rho, l.out.Dim); err != nil {
		return nil, err
	}
	if side != mera.SideAverage {
		return l.descendSide(rho, side)
	}
	return l.average(rho, l.descendSide)
}

func (l *Layer) average(t *tensor.Dense, f func(*tensor.Dense, mera.Side) (*tensor.Dense, error)) (*tensor.Dense, error) {
	var sum *tensor.Dense
	for _, side := range []mera.Side{mera.SideLeft, mera.SideMid, mera.SideRight} {
		res, err := f(t, side)
		if err != nil {
			return nil, err
		}
		if sum == nil {
			sum = res
		} else {
			tensorops.AddTo(sum, res)
		}
	}
	return tensorops.Scale(sum, complex(1.0/3, 0)), nil
}

// Environment returns the derivatives of tr(rho Ascend(op, Average)) with
// respect to the conjugate disentangler and isometry. The disentangler
// appears once conjugated per ordering, the isometry twice, and the right
// ordering terms are mirrors of the left ones.
func (l *Layer) Environment(op, rho *tensor.Dense) ([]*tensor.Dense, error) {
	if err := checkOpShape(op, l.in.Dim); err != nil {
		return nil, err
	}
	if err := checkOpShape(rho, l.out.Dim); err != nil {
		return nil, err
	}
	u, w := l.u, l.w
	envU, envW := l.envForward(u, w, op, rho)
	um, wm := mirror4(u), mirrorIso(w)
	envUM, envWM := l.envForward(um, wm, mirror4(op), mirror4(rho))
	tensorops.AddTo(envU, mirror4(envUM))
	tensorops.AddTo(envW, mirrorIso(envWM))
	tensorops.Scale(envU, complex(1.0/3, 0))
	tensorops.Scale(envW, complex(1.0/3, 0))
	return []*tensor.Dense{envU, envW}, nil
}

// envForward accumulates the environment terms that are not mirrors: for
// the disentangler the mid ordering plus the left one (halved on the mid
// term, which is its own mirror), and for the isometry the left-isometry
// copies of the mid and left orderings plus the right-isometry copy of the
// left ordering.
func (l *Layer) envForward(u, w, op, rho *tensor.Dense) (*tensor.Dense, *tensor.Dense) {
	c2 := disentangled(u, op)
	l2 := halfDisentangled(u, op)

	// Shared partial contractions of rho with the isometry pairs.
	// r1 is of shape {t1, t2, c2, f1, f2, x}.
	r1 := tensor.Product(z(), rho, w, [][2]int{{2, 0}})
	// r2 is of shape {t1, t2, f1, f2, x, y, g2, g3}.
	r2 := tensor.Product(z(), r1, w, [][2]int{{2, 0}})
	// r3 closes the right isometry pair: {t1, f1, f2, x, y, y'}.
	r3 := tensor.Product(z(), r2, w.Conj(), [][2]int{{1, 0}, {6, 2}, {7, 3}})

	// Disentangler environment, mid ordering: close the left isometry
	// pair too, then open the operator.
	// d2 is of shape {t2, c2, x, x'}.
	d2 := tensor.Product(z(), r1, w.Conj(), [][2]int{{0, 0}, {3, 1}, {4, 2}})
	// d3 is of shape {t2, x, x', y, g2, g3}.
	d3 := tensor.Product(z(), d2, w, [][2]int{{1, 0}})
	// d4 is of shape {x, x', y, y'}.
	d4 := tensor.Product(z(), d3, w.Conj(), [][2]int{{0, 0}, {4, 2}, {5, 3}})
	// d5 is of shape {x', y', p, q}.
	d5 := tensor.Product(z(), d4, u, [][2]int{{0, 0}, {2, 1}})
	euMid := tensor.Product(z(), d5, op, [][2]int{{2, 0}, {3, 1}})

	// Disentangler environment, left ordering.
	// e1 is of shape {t1, t2, c2, f1, m, x}: same contraction as r1 with
	// the isometry's second leg left open for the site-2 operator leg.
	// e4 is of shape {m, x, m', x', y, y'}.
	e2 := tensor.Product(z(), r1, w.Conj(), [][2]int{{0, 0}, {3, 1}})
	e3 := tensor.Product(z(), e2, w, [][2]int{{1, 0}})
	e4 := tensor.Product(z(), e3, w.Conj(), [][2]int{{0, 0}, {6, 2}, {7, 3}})
	// g5 is of shape {m, m', x', y', p, q}.
	g5 := tensor.Product(z(), e4, u, [][2]int{{1, 0}, {4, 1}})
	// g6 is of shape {x', y', q, p'}.
	g6 := tensor.Product(z(), g5, op, [][2]int{{0, 0}, {4, 1}, {1, 2}})
	euLeft := tensorops.Clone(g6.Transpose(0, 1, 3, 2))

	// The mid ordering is symmetric, so the forward and mirrored halves
	// each carry half of it.
	envU := tensorops.AddTo(tensorops.Scale(euMid, 0.5), euLeft)

	// Isometry environment, mid ordering, left copy.
	// h6 is of shape {t1, f1, f2, x'}.
	h6 := tensor.Product(z(), r3, c2, [][2]int{{3, 0}, {4, 1}, {5, 3}})

	// Isometry environment, left ordering, left copy.
	// In the left ordering r3's third leg is the open site-2 row leg m:
	// {t1, f1, m, x, y, y'}.
	i6 := tensor.Product(z(), r3, l2, [][2]int{{2, 2}, {3, 0}, {4, 1}, {5, 5}})

	// Isometry environment, left ordering, right copy.
	// j4 is of shape {t2, c2, m, x, m', x'}.
	j4 := tensor.Product(z(), r1, w.Conj(), [][2]int{{0, 0}, {3, 1}})
	// j5 is of shape {t2, c2, y, y'}.
	j5 := tensor.Product(z(), j4, l2, [][2]int{{2, 2}, {3, 0}, {4, 3}, {5, 4}})
	// j6 is of shape {t2, y', g2, g3}.
	j6 := tensor.Product(z(), j5, w, [][2]int{{1, 0}, {2, 1}})

	envW := tensorops.AddTo(tensorops.AddTo(h6, i6), j6)
	return envU, envW
}

func checkOpShape(op *tensor.Dense, d int) error {
	s := op.Shape()
	if len(s) != 4 || s[0] != d || s[1] != d || s[2] != d || s[3] != d {
		return errors.Wrap(mera.ErrInvariant, fmt.Sprintf("shape %v, want 4 legs of %d", s, d))
	}
	return nil
}
