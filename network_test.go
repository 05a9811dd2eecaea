package mera

import (
	"errors"
	"testing"

	"github.com/fumin/tensor"

	"github.com/fumin/mera/internal/tensorops"
)

// countingLayer wraps a layer and counts the coarse-graining calls that go
// through it, to observe which cache entries get recomputed.
type countingLayer struct {
	Layer
	ascends  *int
	descends *int
}

func (l countingLayer) Ascend(op *tensor.Dense, side Side) (*tensor.Dense, error) {
	*l.ascends++
	return l.Layer.Ascend(op, side)
}

func (l countingLayer) Descend(rho *tensor.Dense, side Side) (*tensor.Dense, error) {
	*l.descends++
	return l.Layer.Descend(rho, side)
}

// treeLayer is a minimal in-package binary tree scheme used by the engine
// tests, built directly from a random isometry.
type treeLayer struct {
	w   *tensor.Dense
	in  Space
	out Space
}

func newTreeLayer(in, out int) *treeLayer {
	w := tensorops.RandIsometry(out, in*in).Reshape(out, in, in)
	return &treeLayer{w: w, in: NewSpace(in), out: NewSpace(out)}
}

func (l *treeLayer) Tensors() []*tensor.Dense { return []*tensor.Dense{l.w} }

func (l *treeLayer) WithTensors(ts ...*tensor.Dense) (Layer, error) {
	return &treeLayer{w: ts[0], in: l.in, out: l.out}, nil
}

func (l *treeLayer) CausalConeWidth() int { return 2 }
func (l *treeLayer) ScaleFactor() int     { return 2 }
func (l *treeLayer) InputSpace() Space    { return l.in }
func (l *treeLayer) OutputSpace() Space   { return l.out }

func (l *treeLayer) ExpandInput(s Space) Layer {
	return &treeLayer{w: tensorops.ZeroPad(l.w, l.out.Dim, s.Dim, s.Dim), in: s, out: l.out}
}

func (l *treeLayer) ExpandOutput(s Space) Layer {
	return &treeLayer{w: tensorops.ZeroPad(l.w, s.Dim, l.in.Dim, l.in.Dim), in: l.in, out: s}
}

func (l *treeLayer) CheckIntralayer() error {
	s := l.w.Shape()
	if len(s) != 3 || s[0] != l.out.Dim || s[1] != l.in.Dim || s[2] != l.in.Dim {
		return ErrInvariant
	}
	return nil
}

func (l *treeLayer) CheckInterlayer(next Layer) error {
	return CheckInterlayerSpaces(l.out, next.InputSpace())
}

func (l *treeLayer) mirror() *treeLayer {
	return &treeLayer{w: tensorops.Clone(l.w.Transpose(0, 2, 1)), in: l.in, out: l.out}
}

func (l *treeLayer) one(op *tensor.Dense) *tensor.Dense {
	s1 := tensor.Product(tensor.Zeros(1), l.w, op, [][2]int{{1, 0}, {2, 1}})
	return tensor.Product(tensor.Zeros(1), s1, l.w.Conj(), [][2]int{{1, 1}, {2, 2}})
}

func (l *treeLayer) Ascend(op *tensor.Dense, side Side) (*tensor.Dense, error) {
	switch side {
	case SideLeft:
		return tensorops.KronOp(l.one(op), tensorops.Identity(l.out.Dim)), nil
	case SideRight:
		return tensorops.KronOp(tensorops.Identity(l.out.Dim), l.one(op)), nil
	case SideMid:
		w := l.w
		s1 := tensor.Product(tensor.Zeros(1), w, op, [][2]int{{2, 0}})
		s2 := tensor.Product(tensor.Zeros(1), s1, w.Conj(), [][2]int{{1, 1}, {3, 2}})
		s3 := tensor.Product(tensor.Zeros(1), s2, w, [][2]int{{1, 1}})
		s4 := tensor.Product(tensor.Zeros(1), s3, w.Conj(), [][2]int{{1, 1}, {4, 2}})
		return tensorops.Clone(s4.Transpose(0, 2, 1, 3)), nil
	default:
		left, err := l.Ascend(op, SideLeft)
		if err != nil {
			return nil, err
		}
		mid, err := l.Ascend(op, SideMid)
		if err != nil {
			return nil, err
		}
		right, err := l.Ascend(op, SideRight)
		if err != nil {
			return nil, err
		}
		sum := tensorops.AddTo(tensorops.AddTo(left, mid), right)
		return tensorops.Scale(sum, complex(1.0/3, 0)), nil
	}
}

func (l *treeLayer) Descend(rho *tensor.Dense, side Side) (*tensor.Dense, error) {
	w := l.w
	switch side {
	case SideLeft:
		r1 := tensorops.PartialTraceLast(rho)
		b1 := tensor.Product(tensor.Zeros(1), r1, w, [][2]int{{1, 0}})
		return tensor.Product(tensor.Zeros(1), w.Conj(), b1, [][2]int{{0, 0}}), nil
	case SideRight:
		m := l.mirror()
		res, err := m.Descend(tensorops.Clone(rho.Transpose(1, 0, 3, 2)), SideLeft)
		if err != nil {
			return nil, err
		}
		return tensorops.Clone(res.Transpose(1, 0, 3, 2)), nil
	case SideMid:
		q1 := tensor.Product(tensor.Zeros(1), rho, w, [][2]int{{2, 0}})
		q2 := tensor.Product(tensor.Zeros(1), q1, w.Conj(), [][2]int{{0, 0}, {3, 1}})
		q3 := tensor.Product(tensor.Zeros(1), q2, w, [][2]int{{1, 0}})
		q4 := tensor.Product(tensor.Zeros(1), q3, w.Conj(), [][2]int{{0, 0}, {4, 2}})
		return tensorops.Clone(q4.Transpose(1, 3, 0, 2)), nil
	default:
		left, err := l.Descend(rho, SideLeft)
		if err != nil {
			return nil, err
		}
		mid, err := l.Descend(rho, SideMid)
		if err != nil {
			return nil, err
		}
		right, err := l.Descend(rho, SideRight)
		if err != nil {
			return nil, err
		}
		sum := tensorops.AddTo(tensorops.AddTo(left, mid), right)
		return tensorops.Scale(sum, complex(1.0/3, 0)), nil
	}
}

func (l *treeLayer) envHalf(w, op, rho *tensor.Dense) *tensor.Dense {
	r1 := tensorops.PartialTraceLast(rho)
	b1 := tensor.Product(tensor.Zeros(1), r1, w, [][2]int{{1, 0}})
	el1 := tensor.Product(tensor.Zeros(1), b1, op, [][2]int{{1, 0}, {2, 1}})

	m0 := tensor.Product(tensor.Zeros(1), w, op, [][2]int{{1, 0}, {2, 1}})
	m1 := tensor.Product(tensor.Zeros(1), m0, w.Conj(), [][2]int{{1, 1}, {2, 2}})
	zt := tensor.Product(tensor.Zeros(1), rho, m1, [][2]int{{0, 1}, {2, 0}})
	el2 := tensor.Product(tensor.Zeros(1), zt, w, [][2]int{{1, 0}})

	p1 := tensor.Product(tensor.Zeros(1), rho, w, [][2]int{{2, 0}})
	p2 := tensor.Product(tensor.Zeros(1), p1, w, [][2]int{{2, 0}})
	p3 := tensor.Product(tensor.Zeros(1), p2, op, [][2]int{{3, 0}, {4, 1}})
	em1 := tensor.Product(tensor.Zeros(1), p3, w.Conj(), [][2]int{{1, 0}, {3, 2}, {5, 1}})

	return tensorops.AddTo(tensorops.AddTo(el1, el2), em1)
}

func (l *treeLayer) Environment(op, rho *tensor.Dense) ([]*tensor.Dense, error) {
	env := l.envHalf(l.w, op, rho)
	m := l.mirror()
	mirrored := m.envHalf(m.w, tensorops.Clone(op.Transpose(1, 0, 3, 2)), tensorops.Clone(rho.Transpose(1, 0, 3, 2)))
	tensorops.AddTo(env, tensorops.Clone(mirrored.Transpose(0, 2, 1)))
	tensorops.Scale(env, complex(1.0/3, 0))
	return []*tensor.Dense{env}, nil
}

func newTestNetwork(t *testing.T, dims ...int) *Network {
	t.Helper()
	layers := make([]Layer, 0, len(dims)-1)
	for i := 1; i < len(dims); i++ {
		layers = append(layers, newTreeLayer(dims[i-1], dims[i]))
	}
	n, err := New(layers...)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	return n
}

func TestExpectIdentity(t *testing.T) {
	t.Parallel()
	n := newTestNetwork(t, 2, 3, 3)
	id := tensorops.IdentityOperator(2, 2)
	for depth := 1; depth <= 4; depth++ {
		e, err := n.Expect(id, depth)
		if err != nil {
			t.Fatalf("depth %d: %+v", depth, err)
		}
		if d := e - 1; d > 1e-3 || d < -1e-3 {
			t.Fatalf("depth %d: %f", depth, e)
		}
	}
}

func TestCacheInvalidation(t *testing.T) {
	t.Parallel()
	var a1, d1, a2, d2 int
	l1 := countingLayer{Layer: newTreeLayer(2, 3), ascends: &a1, descends: &d1}
	l2 := countingLayer{Layer: newTreeLayer(3, 3), ascends: &a2, descends: &d2}
	n, err := New(l1, l2)
	if err != nil {
		t.Fatalf("%+v", err)
	}

	op := tensorops.Rand(2, 2, 2, 2)
	if _, err := n.Expect(op, 1); err != nil {
		t.Fatalf("%+v", err)
	}
	base1, base2 := d1, d2

	// A second evaluation is served entirely from the caches.
	if _, err := n.Expect(op, 1); err != nil {
		t.Fatalf("%+v", err)
	}
	if d1 != base1 || d2 != base2 {
		t.Fatalf("%d %d %d %d", d1, base1, d2, base2)
	}

	// Replacing the bottom layer invalidates only the density matrix below
	// it; the fixed point and the slot above survive.
	if err := n.SetLayer(1, l1, false); err != nil {
		t.Fatalf("%+v", err)
	}
	if _, err := n.Expect(op, 1); err != nil {
		t.Fatalf("%+v", err)
	}
	if d1 != base1+1 {
		t.Fatalf("%d %d", d1, base1)
	}
	if d2 != base2 {
		t.Fatalf("%d %d", d2, base2)
	}
}

func TestSetLayerChecked(t *testing.T) {
	t.Parallel()
	n := newTestNetwork(t, 2, 3, 3)

	// A layer with a mismatched input space fails the interlayer check.
	bad := newTreeLayer(4, 3)
	if err := n.SetLayer(2, bad, true); !errors.Is(err, ErrInvariant) {
		t.Fatalf("%+v", err)
	}
	// The mutation is kept, not rolled back.
	if got := n.GetLayer(2); got != Layer(bad) {
		t.Fatalf("%v", got)
	}
	if err := n.Check(); !errors.Is(err, ErrInvariant) {
		t.Fatalf("%+v", err)
	}
}

func TestGetLayerSaturates(t *testing.T) {
	t.Parallel()
	n := newTestNetwork(t, 2, 3, 3)
	terminal := n.GetLayer(2)
	for depth := 2; depth <= 5; depth++ {
		if got := n.GetLayer(depth); got != terminal {
			t.Fatalf("depth %d", depth)
		}
	}
}

func TestReleaseTransitionLayer(t *testing.T) {
	t.Parallel()
	n := newTestNetwork(t, 2, 3, 3)
	op := tensorops.Rand(2, 2, 2, 2)
	op, _ = tensorops.Hermitize(op)
	before, err := n.Expect(op, 1)
	if err != nil {
		t.Fatalf("%+v", err)
	}

	if err := n.ReleaseTransitionLayer(); err != nil {
		t.Fatalf("%+v", err)
	}
	if got := n.NumTransitionLayers(); got != 3 {
		t.Fatalf("%d", got)
	}
	if err := n.Check(); err != nil {
		t.Fatalf("%+v", err)
	}
	// The released copy is structurally independent of the terminal layer.
	if n.GetLayer(3).Tensors()[0] == n.GetLayer(2).Tensors()[0] {
		t.Fatalf("shared tensor")
	}

	// The represented state is unchanged.
	after, err := n.Expect(op, 1)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if d := after - before; d > 1e-3 || d < -1e-3 {
		t.Fatalf("%f %f", before, after)
	}
}

func TestExpandBond(t *testing.T) {
	t.Parallel()
	n := newTestNetwork(t, 2, 3, 3)
	op := tensorops.Rand(2, 2, 2, 2)
	op, _ = tensorops.Hermitize(op)
	before, err := n.Expect(op, 1)
	if err != nil {
		t.Fatalf("%+v", err)
	}

	// Shrinking is rejected.
	if err := n.ExpandBond(1, NewSpace(2)); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("%+v", err)
	}

	// Growing the terminal bond, then the bond below it, restores all
	// invariants and preserves the represented state.
	if err := n.ExpandBond(2, NewSpace(4)); err != nil {
		t.Fatalf("%+v", err)
	}
	if err := n.ExpandBond(1, NewSpace(4)); err != nil {
		t.Fatalf("%+v", err)
	}
	if err := n.Check(); err != nil {
		t.Fatalf("%+v", err)
	}
	after, err := n.Expect(op, 1)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if d := after - before; d > 1e-3 || d < -1e-3 {
		t.Fatalf("%f %f", before, after)
	}
}

func TestCloneIndependence(t *testing.T) {
	t.Parallel()
	n := newTestNetwork(t, 2, 3, 3)
	op := tensorops.Rand(2, 2, 2, 2)
	if _, err := n.Expect(op, 1); err != nil {
		t.Fatalf("%+v", err)
	}

	c := n.Clone()
	// Mutating the clone leaves the original's caches warm.
	if err := c.SetLayer(1, newTreeLayer(2, 3), false); err != nil {
		t.Fatalf("%+v", err)
	}
	if n.rhos[0] == nil {
		t.Fatalf("original cache lost")
	}
	if c.rhos[0] != nil {
		t.Fatalf("clone cache kept")
	}
}

func TestGetDensityMatrixProperties(t *testing.T) {
	t.Parallel()
	n := newTestNetwork(t, 2, 3, 3)
	for depth := 1; depth <= 3; depth++ {
		rho, err := n.GetDensityMatrix(depth)
		if err != nil {
			t.Fatalf("depth %d: %+v", depth, err)
		}
		if d := tensorops.Abs(tensorops.Trace(rho) - 1); d > 1e-3 {
			t.Fatalf("depth %d: trace %v", depth, tensorops.Trace(rho))
		}
		_, resid := tensorops.Hermitize(tensorops.Clone(rho))
		if resid > 1e-3 {
			t.Fatalf("depth %d: residual %f", depth, resid)
		}
	}
}
