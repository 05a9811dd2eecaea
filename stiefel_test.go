package mera

import (
	"errors"
	"testing"

	"github.com/fumin/tensor"

	"github.com/fumin/mera/internal/tensorops"
)

// checkTangent verifies that v matricized is tangent to the orthonormal-row
// constraint at x: x @ v.H() + v @ x.H() == 0.
func checkTangent(t *testing.T, x, v *tensor.Dense, rows int, tol float64) {
	t.Helper()
	xm, vm := matricize(x, rows), matricize(v, rows)
	s := tensor.Product(tensor.Zeros(1), xm, vm.Conj(), [][2]int{{1, 1}})
	sh := tensorops.Clone(s.H())
	sum := tensorops.AddTo(s, sh)
	if d := tensorops.Norm(sum); d > tol {
		t.Fatalf("not tangent, norm %f", d)
	}
}

func checkIsometric(t *testing.T, x *tensor.Dense, rows int, tol float64) {
	t.Helper()
	xm := matricize(x, rows)
	p := xm.Shape()[0]
	xx := tensor.Product(tensor.Zeros(1), xm, xm.Conj(), [][2]int{{1, 1}})
	for i := range p {
		for j := range p {
			want := complex64(0)
			if i == j {
				want = 1
			}
			if d := tensorops.Abs(xx.At(i, j) - want); d > tol {
				t.Fatalf("%d %d %v", i, j, xx.At(i, j))
			}
		}
	}
}

func TestStiefelProject(t *testing.T) {
	t.Parallel()
	x := tensorops.RandIsometry(2, 8).Reshape(2, 2, 2, 2)
	g := tensorops.Rand(2, 2, 2, 2)
	for _, metric := range []Metric{MetricEuclidean, MetricCanonical} {
		xi := stiefelProject(x, g, 1, metric)
		checkTangent(t, x, xi, 1, 1e-4)
		// Projecting twice is projecting once.
		xi2 := stiefelProject(x, xi, 1, metric)
		diff := tensorops.Add(xi2, tensorops.Scale(tensorops.Clone(xi), -1))
		if d := tensorops.Norm(diff); d > 1e-4 {
			t.Fatalf("%v %f", metric, d)
		}
	}
}

func TestStiefelInner(t *testing.T) {
	t.Parallel()
	x := tensorops.RandIsometry(2, 8).Reshape(2, 2, 2, 2)
	v := stiefelProject(x, tensorops.Rand(2, 2, 2, 2), 1, MetricEuclidean)
	for _, metric := range []Metric{MetricEuclidean, MetricCanonical} {
		if n2 := stiefelInner(x, v, v, 1, metric); n2 <= 0 {
			t.Fatalf("%v %f", metric, n2)
		}
	}
}

func TestRetractions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		step func(x, d *tensor.Dense, rows int, tt float64) (*tensor.Dense, *tensor.Dense, error)
	}{
		{name: "cayley", step: cayleyStep},
		{name: "geodesic", step: geodesicStep},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			x := tensorops.RandIsometry(2, 8).Reshape(2, 2, 2, 2)
			d := stiefelProject(x, tensorops.Rand(2, 2, 2, 2), 1, MetricEuclidean)

			nx, nd, err := test.step(x, d, 1, 0.3)
			if err != nil {
				t.Fatalf("%+v", err)
			}
			checkIsometric(t, nx, 1, 1e-4)
			checkTangent(t, nx, nd, 1, 1e-3)

			// Step zero stays put.
			x0, d0, err := test.step(x, d, 1, 0)
			if err != nil {
				t.Fatalf("%+v", err)
			}
			dx := tensorops.Add(x0, tensorops.Scale(tensorops.Clone(x), -1))
			dd := tensorops.Add(d0, tensorops.Scale(tensorops.Clone(d), -1))
			if tensorops.Norm(dx) > 1e-4 || tensorops.Norm(dd) > 1e-3 {
				t.Fatalf("%f %f", tensorops.Norm(dx), tensorops.Norm(dd))
			}
		})
	}
}

func TestCayleyTransport(t *testing.T) {
	t.Parallel()
	x := tensorops.RandIsometry(2, 8).Reshape(2, 2, 2, 2)
	d := stiefelProject(x, tensorops.Rand(2, 2, 2, 2), 1, MetricEuclidean)
	v := stiefelProject(x, tensorops.Rand(2, 2, 2, 2), 1, MetricEuclidean)

	const tt = 0.4
	omega := cayleyOmega(x, d, 1)
	nx, err := cayleyApply(omega, tt, x, 1)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	tv, err := cayleyApply(omega, tt, v, 1)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	checkTangent(t, nx, tv, 1, 1e-3)
	// The transform is unitary on the fine side, so norms are preserved.
	if d := tensorops.Norm(tv) - tensorops.Norm(v); d > 1e-4 || d < -1e-4 {
		t.Fatalf("%f %f", tensorops.Norm(tv), tensorops.Norm(v))
	}
}

func TestNetworkGeometryDescent(t *testing.T) {
	t.Parallel()
	n := newTestNetwork(t, 2, 2, 2)
	const h = 1.5
	op := ShiftAndScale(TransverseFieldIsing(h), complex(-(2 + h), 0), 1)
	opts := NewOptions()

	g := networkGeometry(op, opts)
	cost0, grad, err := g.CostGrad(n)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	gn2 := g.Inner(n, grad, grad)
	if gn2 <= 0 {
		t.Fatalf("%f", gn2)
	}

	// A small step against the gradient decreases the cost.
	n1, _, err := g.Retract(n, g.Scale(-1, grad), 0.01)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	cost1, _, err := g.CostGrad(n1)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if cost1 >= cost0 {
		t.Fatalf("%f %f", cost1, cost0)
	}
}

func TestManifoldOptimize(t *testing.T) {
	t.Parallel()
	const h = 1.5
	op := ShiftAndScale(TransverseFieldIsing(h), complex(-(2 + h), 0), 1)

	for _, method := range []Method{MethodGradientDescent, MethodConjugateGradient, MethodLBFGS} {
		t.Run(string(method), func(t *testing.T) {
			t.Parallel()
			n := newTestNetwork(t, 2, 2, 2)
			e0, err := n.Expect(op, 1)
			if err != nil {
				t.Fatalf("%+v", err)
			}

			opts := NewOptions()
			opts.Method = method
			opts.MinIter = 0
			opts.MaxIter = 5
			best, res, err := ManifoldOptimize(n, op, opts)
			if err != nil && !errors.Is(err, ErrNotConverged) {
				t.Fatalf("%+v", err)
			}
			if res.Expectation > e0+1e-4 {
				t.Fatalf("%f %f", res.Expectation, e0)
			}
			for _, w := range netTensors(best) {
				checkIsometric(t, w, 1, 1e-3)
			}
		})
	}
}

func TestManifoldOptimizeRejectsSweepMethod(t *testing.T) {
	t.Parallel()
	n := newTestNetwork(t, 2, 2, 2)
	opts := NewOptions()
	opts.Method = MethodEvenblyVidal
	if _, _, err := ManifoldOptimize(n, tensorops.IdentityOperator(2, 2), opts); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("%+v", err)
	}
}
