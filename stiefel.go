package mera

import (
	"fmt"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"

	"github.com/fumin/mera/internal/linalg"
	"github.com/fumin/mera/internal/tensorops"
)

// Layer tensors matricized with their coarse legs fused into the row index
// are points on a Stiefel manifold of orthonormal-row matrices, x @ x.H()
// == identity. A Tangent pairs one tangent tensor with every variable
// tensor of a network, in depth-major order. Tangents live only inside a
// single optimization step and are never persisted.
type Tangent []*tensor.Dense

// tensorRows lists, per variable tensor of the network, the number of
// coarse legs, in the same depth-major order as Tangent.
func tensorRows(n *Network) []int {
	var rows []int
	for d := 1; d <= n.NumTransitionLayers(); d++ {
		ts := n.GetLayer(d).Tensors()
		for i, t := range ts {
			rows = append(rows, rowLegs(len(ts), i, len(t.Shape())))
		}
	}
	return rows
}

// netTensors flattens the variable tensors of the network in depth-major
// order.
func netTensors(n *Network) []*tensor.Dense {
	var ts []*tensor.Dense
	for d := 1; d <= n.NumTransitionLayers(); d++ {
		ts = append(ts, n.GetLayer(d).Tensors()...)
	}
	return ts
}

// stiefelProject projects an ambient gradient g onto the tangent space at
// x. Under the Euclidean metric the Hermitian part of g @ x.H() is
// subtracted along x; the canonical metric instead subtracts x @ g.H() @ x,
// which is also the canonical Riemannian gradient representative.
func stiefelProject(x, g *tensor.Dense, rows int, metric Metric) *tensor.Dense {
	xm, gm := matricize(x, rows), matricize(g, rows)
	var corr *tensor.Dense
	switch metric {
	case MetricCanonical:
		// xg is x @ g.H(), of shape {p, p}.
		xg := tensor.Product(tensor.Zeros(1), xm, gm.Conj(), [][2]int{{1, 1}})
		corr = tensor.Product(tensor.Zeros(1), xg, xm, [][2]int{{1, 0}})
	default:
		// gx is g @ x.H(), of shape {p, p}.
		gx := tensor.Product(tensor.Zeros(1), gm, xm.Conj(), [][2]int{{1, 1}})
		herm, _ := tensorops.Hermitize(gx)
		corr = tensor.Product(tensor.Zeros(1), herm, xm, [][2]int{{1, 0}})
	}
	out := tensorops.AddTo(gm, tensorops.Scale(corr, -1))
	return out.Reshape(g.Shape()...)
}

// stiefelInner is the Riemannian metric at x for two tangents.
func stiefelInner(x, v, w *tensor.Dense, rows int, metric Metric) float64 {
	e := float64(real(tensorops.Inner(v, w)))
	if metric != MetricCanonical {
		return e
	}
	xm := matricize(x, rows)
	vm, wm := matricize(v, rows), matricize(w, rows)
	// vx is v @ x.H(), the normal-ish component halved by the canonical
	// metric.
	vx := tensor.Product(tensor.Zeros(1), vm, xm.Conj(), [][2]int{{1, 1}})
	wx := tensor.Product(tensor.Zeros(1), wm, xm.Conj(), [][2]int{{1, 1}})
	return e - 0.5*float64(real(tensorops.Inner(vx, wx)))
}

// cayleyOmega returns the skew-Hermitian generator d.H() @ x - x.H() @ d of
// the Cayley transform moving x along d, an n by n matrix on the fine side.
func cayleyOmega(x, d *tensor.Dense, rows int) *tensor.Dense {
	xm, dm := matricize(x, rows), matricize(d, rows)
	dhx := tensor.Product(tensor.Zeros(1), dm.Conj(), xm, [][2]int{{0, 0}})
	xhd := tensor.Product(tensor.Zeros(1), xm.Conj(), dm, [][2]int{{0, 0}})
	return tensorops.AddTo(dhx, tensorops.Scale(xhd, -1))
}

// cayleyApply maps v through the Cayley transform
// ((I - t/2 omega)^-1 (I + t/2 omega) v.H()).H(), which is unitary on the
// fine side since omega is skew-Hermitian.
func cayleyApply(omega *tensor.Dense, t float64, v *tensor.Dense, rows int) (*tensor.Dense, error) {
	nn := omega.Shape()[0]
	half := complex(float32(t/2), 0)
	plus := tensorops.AddTo(tensorops.Scale(tensorops.Clone(omega), half), tensorops.Identity(nn))
	minus := tensorops.AddTo(tensorops.Scale(tensorops.Clone(omega), -half), tensorops.Identity(nn))

	vm := matricize(v, rows)
	rhs := tensor.Product(tensor.Zeros(1), plus, tensorops.Clone(vm.H()), [][2]int{{1, 0}})
	z, err := linalg.Solve(minus, rhs)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return tensorops.Clone(z.H()).Reshape(v.Shape()...), nil
}

// cayleyStep retracts x along d by step t and transports d with the same
// transform.
func cayleyStep(x, d *tensor.Dense, rows int, t float64) (*tensor.Dense, *tensor.Dense, error) {
	omega := cayleyOmega(x, d, rows)
	nx, err := cayleyApply(omega, t, x, rows)
	if err != nil {
		return nil, nil, err
	}
	nd, err := cayleyApply(omega, t, d, rows)
	if err != nil {
		return nil, nil, err
	}
	return nx, nd, nil
}

// geodesicStep moves x along the exact Stiefel geodesic through d by step
// t, returning the new point and the geodesic-transported direction. The
// flow is computed in the thin form of Edelman, Arias and Smith: with
// y = x.H(), a = y.H() @ eta and qr = (I - y y.H()) eta, both the endpoint
// and the transported tangent are read off one 2p by 2p matrix exponential.
func geodesicStep(x, d *tensor.Dense, rows int, t float64) (*tensor.Dense, *tensor.Dense, error) {
	xm, dm := matricize(x, rows), matricize(d, rows)
	y := tensorops.Clone(xm.H())   // n by p
	eta := tensorops.Clone(dm.H()) // n by p
	p := y.Shape()[1]

	// a = y.H() @ eta, skew-Hermitian for a tangent direction.
	a := tensor.Product(tensor.Zeros(1), y.Conj(), eta, [][2]int{{0, 0}})
	ya := tensor.Product(tensor.Zeros(1), y, a, [][2]int{{1, 0}})
	k := tensorops.AddTo(tensorops.Clone(eta), tensorops.Scale(ya, -1))

	q := tensor.Zeros(1)
	bufs := [2]*tensor.Dense{tensor.Zeros(1), tensor.Zeros(1)}
	r := tensor.QR(q, k, bufs)

	// b = [[a, -r.H()], [r, 0]] scaled by t.
	b := tensor.Zeros(2*p, 2*p)
	b.Set([]int{0, 0}, a)
	b.Set([]int{0, p}, tensorops.Scale(tensorops.Clone(r.H()), -1))
	b.Set([]int{p, 0}, r)
	m := linalg.Expm(tensorops.Scale(b, complex(float32(t), 0)))

	// ar = [a; r], the initial velocity in the [y q] frame.
	ar := tensor.Zeros(2*p, p)
	ar.Set([]int{0, 0}, a)
	ar.Set([]int{p, 0}, r)

	m1 := tensorops.Clone(m.Slice([][2]int{{0, p}, {0, p}}))
	m2 := tensorops.Clone(m.Slice([][2]int{{p, 2 * p}, {0, p}}))
	frame := func(top, bottom *tensor.Dense) *tensor.Dense {
		yt := tensor.Product(tensor.Zeros(1), y, top, [][2]int{{1, 0}})
		qb := tensor.Product(tensor.Zeros(1), q, bottom, [][2]int{{1, 0}})
		return tensorops.AddTo(yt, qb)
	}
	ynew := frame(m1, m2)

	mar := tensor.Product(tensor.Zeros(1), m, ar, [][2]int{{1, 0}})
	v1 := tensorops.Clone(mar.Slice([][2]int{{0, p}, {0, p}}))
	v2 := tensorops.Clone(mar.Slice([][2]int{{p, 2 * p}, {0, p}}))
	etanew := frame(v1, v2)

	nx := tensorops.Clone(ynew.H()).Reshape(x.Shape()...)
	nd := tensorops.Clone(etanew.H()).Reshape(d.Shape()...)
	return nx, nd, nil
}

// networkGeometry instantiates the generic minimizer's capability record
// for a whole network driven by the operator op.
func networkGeometry(op *tensor.Dense, opts Options) Geometry[*Network, Tangent] {
	metric := opts.Metric

	costGrad := func(n *Network) (float64, Tangent, error) {
		cost, err := n.Expect(op, 1)
		if err != nil {
			return 0, nil, errors.Wrap(err, "")
		}
		var grad Tangent
		for d := 1; d <= n.NumTransitionLayers(); d++ {
			hop, err := n.effectiveOperator(op, d, opts)
			if err != nil {
				return 0, nil, errors.Wrap(err, fmt.Sprintf("depth %d", d))
			}
			rho, err := n.GetDensityMatrix(d + 1)
			if err != nil {
				return 0, nil, errors.Wrap(err, fmt.Sprintf("depth %d", d))
			}
			lay := n.GetLayer(d)
			envs, err := lay.Environment(hop, rho)
			if err != nil {
				return 0, nil, errors.Wrap(err, fmt.Sprintf("depth %d", d))
			}
			ts := lay.Tensors()
			for i, env := range envs {
				rows := rowLegs(len(ts), i, len(env.Shape()))
				grad = append(grad, stiefelProject(ts[i], env, rows, metric))
			}
		}
		return cost, grad, nil
	}

	scale := func(c float64, v Tangent) Tangent {
		out := make(Tangent, 0, len(v))
		for _, t := range v {
			out = append(out, tensorops.Scale(tensorops.Clone(t), complex(float32(c), 0)))
		}
		return out
	}

	add := func(v, w Tangent) Tangent {
		out := make(Tangent, 0, len(v))
		for i, t := range v {
			out = append(out, tensorops.Add(t, w[i]))
		}
		return out
	}

	inner := func(n *Network, v, w Tangent) float64 {
		ts, rows := netTensors(n), tensorRows(n)
		var s float64
		for i := range v {
			s += stiefelInner(ts[i], v[i], w[i], rows[i], metric)
		}
		return s
	}

	retract := func(n *Network, d Tangent, t float64) (*Network, Tangent, error) {
		ts, rows := netTensors(n), tensorRows(n)
		nts := make([]*tensor.Dense, len(ts))
		ntan := make(Tangent, len(ts))
		for i := range ts {
			var err error
			switch opts.Retraction {
			case RetractionGeodesic:
				nts[i], ntan[i], err = geodesicStep(ts[i], d[i], rows[i], t)
			default:
				nts[i], ntan[i], err = cayleyStep(ts[i], d[i], rows[i], t)
			}
			if err != nil {
				return nil, nil, errors.Wrap(err, fmt.Sprintf("tensor %d", i))
			}
		}
		nn, err := withTensorsNetwork(n, nts)
		if err != nil {
			return nil, nil, err
		}
		return nn, ntan, nil
	}

	transport := func(n *Network, d Tangent, t float64, v Tangent) (Tangent, error) {
		if opts.Transport == TransportIdentity {
			return v, nil
		}
		ts, rows := netTensors(n), tensorRows(n)
		out := make(Tangent, len(v))
		for i := range v {
			omega := cayleyOmega(ts[i], d[i], rows[i])
			var err error
			if out[i], err = cayleyApply(omega, t, v[i], rows[i]); err != nil {
				return nil, errors.Wrap(err, fmt.Sprintf("tensor %d", i))
			}
		}
		return out, nil
	}

	return Geometry[*Network, Tangent]{
		CostGrad:  costGrad,
		Scale:     scale,
		Add:       add,
		Inner:     inner,
		Retract:   retract,
		Transport: transport,
	}
}

// withTensorsNetwork builds a new network with every variable tensor
// replaced, in depth-major order. Caches of the clone are invalidated by
// the unchecked layer writes.
func withTensorsNetwork(n *Network, ts []*tensor.Dense) (*Network, error) {
	nn := n.Clone()
	i := 0
	for d := 1; d <= nn.NumTransitionLayers(); d++ {
		lay := nn.GetLayer(d)
		k := len(lay.Tensors())
		nl, err := lay.WithTensors(ts[i : i+k]...)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("depth %d", d))
		}
		if err := nn.SetLayer(d, nl, false); err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("depth %d", d))
		}
		i += k
	}
	return nn, nil
}

// ManifoldOptimize minimizes the expectation value of op over the whole
// network treated as one point on a product of Stiefel manifolds.
func ManifoldOptimize(n *Network, op *tensor.Dense, opts Options) (*Network, *Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, nil, err
	}
	method := opts.Method
	switch method {
	case MethodGradientDescent, MethodConjugateGradient, MethodLBFGS:
	default:
		return nil, nil, errors.Wrap(ErrConfiguration, fmt.Sprintf("method %q is not a manifold method", method))
	}
	return Minimize(networkGeometry(op, opts), n, method, opts)
}
