package treelayer

import (
	"fmt"
	"testing"

	"github.com/fumin/tensor"

	"github.com/fumin/mera"
	"github.com/fumin/mera/internal/tensorops"
)

var sides = []mera.Side{mera.SideLeft, mera.SideMid, mera.SideRight, mera.SideAverage}

func TestAscendIdentity(t *testing.T) {
	t.Parallel()
	lay := newLayer(t, 2, 3)
	id := tensorops.IdentityOperator(2, 2)
	want := tensorops.IdentityOperator(3, 2)
	for _, side := range sides {
		out, err := lay.Ascend(id, side)
		if err != nil {
			t.Fatalf("%v %+v", side, err)
		}
		checkClose(t, out, want, 1e-4)
	}
}

// Descend is the adjoint of Ascend: tr(Descend(rho) op) == tr(rho Ascend(op))
// for every ordering.
func TestAdjoint(t *testing.T) {
	t.Parallel()
	lay := newLayer(t, 2, 3)
	op := tensorops.Rand(2, 2, 2, 2)
	rho := tensorops.Rand(3, 3, 3, 3)
	for _, side := range sides {
		up, err := lay.Ascend(op, side)
		if err != nil {
			t.Fatalf("%v %+v", side, err)
		}
		down, err := lay.Descend(rho, side)
		if err != nil {
			t.Fatalf("%v %+v", side, err)
		}
		a := trProd(rho, up)
		b := trProd(down, op)
		if d := tensorops.Abs(a - b); d > 1e-3 {
			t.Fatalf("%v %v %v", side, a, b)
		}
	}
}

func TestDescendTrace(t *testing.T) {
	t.Parallel()
	lay := newLayer(t, 2, 3)
	rho := tensorops.Rand(3, 3, 3, 3)
	tr := tensorops.Trace(rho)
	for _, side := range sides {
		down, err := lay.Descend(rho, side)
		if err != nil {
			t.Fatalf("%v %+v", side, err)
		}
		if d := tensorops.Abs(tensorops.Trace(down) - tr); d > 1e-3 {
			t.Fatalf("%v %v %v", side, tensorops.Trace(down), tr)
		}
	}
}

// The environment is the derivative of tr(rho Ascend(op, Average)) with
// respect to the conjugate isometry. The diagram is quadratic in the
// conjugate isometry, so contracting the environment against the isometry
// recovers twice the expectation value.
func TestEnvironment(t *testing.T) {
	t.Parallel()
	lay := newLayer(t, 2, 3)
	op := tensorops.Rand(2, 2, 2, 2)
	rho := tensorops.Rand(3, 3, 3, 3)

	envs, err := lay.Environment(op, rho)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if len(envs) != 1 {
		t.Fatalf("%d", len(envs))
	}
	up, err := lay.Ascend(op, mera.SideAverage)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	e := trProd(rho, up)
	got := tensorops.Inner(lay.Tensors()[0], envs[0])
	if d := tensorops.Abs(got - 2*e); d > 1e-3*(1+tensorops.Abs(e)) {
		t.Fatalf("%v %v", got, 2*e)
	}
}

func TestSectorIsometry(t *testing.T) {
	t.Parallel()
	in := mera.NewSectorSpace([]mera.Sector{{Charge: 0, Dim: 1}, {Charge: 1, Dim: 1}})
	out := mera.NewSectorSpace([]mera.Sector{{Charge: 0, Dim: 1}, {Charge: 1, Dim: 2}})
	lay, err := New(in, out, true)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	w := tensorops.Clone(lay.Tensors()[0]).Reshape(out.Dim, in.Dim*in.Dim)
	rowQ := out.Charges()
	colQ := fusedCharges(in.Charges(), 2)
	for i, rq := range rowQ {
		for j, cq := range colQ {
			if rq != cq && w.At(i, j) != 0 {
				t.Fatalf("%d %d %v", i, j, w.At(i, j))
			}
		}
	}
}

func TestExpand(t *testing.T) {
	t.Parallel()
	lay := newLayer(t, 2, 3)

	grown := lay.ExpandOutput(mera.NewSpace(4))
	if err := grown.CheckIntralayer(); err != nil {
		t.Fatalf("%+v", err)
	}
	if d := grown.OutputSpace().Dim; d != 4 {
		t.Fatalf("%d", d)
	}

	grown = lay.ExpandInput(mera.NewSpace(3))
	if err := grown.CheckIntralayer(); err != nil {
		t.Fatalf("%+v", err)
	}
	if d := grown.InputSpace().Dim; d != 3 {
		t.Fatalf("%d", d)
	}

	// Padding does not change what the layer computes on the old subspace.
	op := tensorops.Rand(2, 2, 2, 2)
	small, err := lay.Ascend(op, mera.SideMid)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	big, err := lay.ExpandOutput(mera.NewSpace(4)).Ascend(op, mera.SideMid)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	for i := range 3 {
		for j := range 3 {
			for k := range 3 {
				for l := range 3 {
					if d := tensorops.Abs(small.At(i, j, k, l) - big.At(i, j, k, l)); d > 1e-5 {
						t.Fatalf("%d %d %d %d", i, j, k, l)
					}
				}
			}
		}
	}
}

func TestNewRejectsOversizedOutput(t *testing.T) {
	t.Parallel()
	if _, err := New(mera.NewSpace(2), mera.NewSpace(5), true); err == nil {
		t.Fatalf("expected error")
	}
}

func newLayer(t *testing.T, in, out int) mera.Layer {
	t.Helper()
	lay, err := New(mera.NewSpace(in), mera.NewSpace(out), true)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	return lay
}

// trProd returns tr(a b) for 4-leg operators.
func trProd(a, b *tensor.Dense) complex64 {
	s := a.Shape()
	d := s[0] * s[1]
	am := tensorops.Clone(a).Reshape(d, d)
	bm := tensorops.Clone(b).Reshape(d, d)
	ab := tensor.Product(tensor.Zeros(1), am, bm, [][2]int{{1, 0}})
	return tensorops.MatTrace(ab)
}

func checkClose(t *testing.T, got, want *tensor.Dense, tol float64) {
	t.Helper()
	gs, ws := got.Shape(), want.Shape()
	if fmt.Sprintf("%v", gs) != fmt.Sprintf("%v", ws) {
		t.Fatalf("%v %v", gs, ws)
	}
	for ijk, v := range want.All() {
		if d := tensorops.Abs(got.At(ijk...) - v); d > tol {
			t.Fatalf("%v %v %v", ijk, got.At(ijk...), v)
		}
	}
}
