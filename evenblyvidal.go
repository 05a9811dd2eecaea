package mera

import (
	"fmt"
	"math"
	"slices"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"

	"github.com/fumin/mera/internal/linalg"
	"github.com/fumin/mera/internal/tensorops"
)

// Result reports the outcome of an optimization run.
type Result struct {
	// Expectation is the best expectation value reached.
	Expectation float64
	// GradientNorm is the aggregate gradient norm at the last iteration.
	GradientNorm float64
	// DensityMatrixDelta is the maximum change across cached density
	// matrices between the last two iterations. It is a stricter
	// convergence report than the gradient norm and never terminates
	// the loop.
	DensityMatrixDelta float64
	Iterations         int
	Converged          bool
}

// rowLegs returns the number of legs on the coarse side of the i-th tensor
// of a layer with numTensors tensors. Disentanglers are square with half
// their legs on each side; the isometry, by convention the last tensor, has
// a single coarse leg.
func rowLegs(numTensors, i, legs int) int {
	if i == numTensors-1 {
		return 1
	}
	return legs / 2
}

// matricize reshapes a copy of t into the rows by cols matrix with the
// first rows legs fused into the row index.
func matricize(t *tensor.Dense, rows int) *tensor.Dense {
	s := t.Shape()
	p, q := 1, 1
	for _, d := range s[:rows] {
		p *= d
	}
	for _, d := range s[rows:] {
		q *= d
	}
	return tensorops.Clone(t).Reshape(p, q)
}

// polarUpdate returns the isometric tensor closest to -env, the exact
// minimizer of the expectation value over one tensor with the others held
// fixed. env carries the leg structure of the tensor it replaces.
func polarUpdate(env *tensor.Dense, rows int) *tensor.Dense {
	m := matricize(env, rows)
	tensorops.Scale(m, -1)
	return linalg.Polar(m).Reshape(env.Shape()...)
}

// stiefelGradNorm is the norm of env projected onto the tangent space of
// the orthonormality constraint at t. Used as a convergence diagnostic.
func stiefelGradNorm(t, env *tensor.Dense, rows int) float64 {
	x := matricize(t, rows)
	g := matricize(env, rows)
	// a = g @ x.H(), the component of the gradient along the manifold's
	// normal directions.
	a := tensor.Product(tensor.Zeros(1), g, x.Conj(), [][2]int{{1, 1}})
	gn, an := tensorops.Norm(g), tensorops.Norm(a)
	return math.Sqrt(math.Max(0, gn*gn-an*an))
}

// ScaleInvariantOperator returns the truncated sum of repeatedly ascended
// copies of op above the transition region, approximating the infinite tail
// of scale-invariant contributions. The series is truncated once a partial
// sum changes by less than HavgEps relative norm, bounded by HavgDepth
// terms. HavgMode selects geometric 1/s^j weights normalized over the full
// series, or a uniform average over the kept terms.
func (n *Network) ScaleInvariantOperator(op *tensor.Dense, opts Options) (*tensor.Dense, error) {
	nt := n.NumTransitionLayers()
	s := float64(n.GetLayer(nt).ScaleFactor())

	var sum *tensor.Dense
	var wsum float64
	for j := 0; j <= opts.HavgDepth; j++ {
		term, err := n.GetAscendedOperator(op, nt+j)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("term %d", j))
		}
		w := 1.0
		if opts.HavgMode == HavgWeighted {
			w = math.Pow(s, -float64(j))
		}
		wterm := tensorops.Scale(tensorops.Clone(term), complex(float32(w), 0))
		if sum == nil {
			sum = wterm
		} else {
			tensorops.AddTo(sum, wterm)
		}
		wsum += w
		if tensorops.Norm(wterm) < opts.HavgEps*tensorops.Norm(sum) {
			break
		}
	}

	switch opts.HavgMode {
	case HavgWeighted:
		// Normalize against the infinite geometric series.
		tensorops.Scale(sum, complex(float32(1-1/s), 0))
	default:
		tensorops.Scale(sum, complex(float32(1/wsum), 0))
	}
	return sum, nil
}

// updateLayerEV sweeps the tensors of one layer, replacing each by the
// polar factor of its negated environment. It returns the updated layer and
// the squared gradient norm accumulated over the last sweep.
func updateLayerEV(lay Layer, op, rho *tensor.Dense, opts Options) (Layer, float64, error) {
	nt := len(lay.Tensors())
	var gradSq float64
	for li := range opts.LayerIters {
		lastSweep := li == opts.LayerIters-1
		for ti := range nt {
			iters := opts.DisentanglerIters
			if ti == nt-1 {
				iters = opts.IsometryIters
			}
			for k := range iters {
				envs, err := lay.Environment(op, rho)
				if err != nil {
					return nil, 0, errors.Wrap(err, fmt.Sprintf("tensor %d", ti))
				}
				env := envs[ti]
				rows := rowLegs(nt, ti, len(env.Shape()))
				if lastSweep && k == iters-1 {
					g := stiefelGradNorm(lay.Tensors()[ti], env, rows)
					gradSq += g * g
				}
				ts := slices.Clone(lay.Tensors())
				ts[ti] = polarUpdate(env, rows)
				if lay, err = lay.WithTensors(ts...); err != nil {
					return nil, 0, errors.Wrap(err, fmt.Sprintf("tensor %d", ti))
				}
			}
		}
	}
	// Extra sweeps over the isometry alone.
	for range opts.IsometriesOnlyIters {
		envs, err := lay.Environment(op, rho)
		if err != nil {
			return nil, 0, errors.Wrap(err, "")
		}
		ti := nt - 1
		env := envs[ti]
		ts := slices.Clone(lay.Tensors())
		ts[ti] = polarUpdate(env, rowLegs(nt, ti, len(env.Shape())))
		if lay, err = lay.WithTensors(ts...); err != nil {
			return nil, 0, errors.Wrap(err, "")
		}
	}
	return lay, gradSq, nil
}

// effectiveOperator returns the operator driving the update of the layer at
// depth: the cached ascended operator for transition layers, the truncated
// scale-invariant sum for the terminal layer.
func (n *Network) effectiveOperator(op *tensor.Dense, depth int, opts Options) (*tensor.Dense, error) {
	if depth < n.NumTransitionLayers() {
		return n.GetAscendedOperator(op, depth)
	}
	return n.ScaleInvariantOperator(op, opts)
}

// snapshotRhos clones every cached density matrix, computing the missing
// ones.
func (n *Network) snapshotRhos() ([]*tensor.Dense, error) {
	out := make([]*tensor.Dense, 0, len(n.rhos))
	for d := 1; d <= len(n.rhos); d++ {
		rho, err := n.GetDensityMatrix(d)
		if err != nil {
			return nil, err
		}
		out = append(out, tensorops.Clone(rho))
	}
	return out, nil
}

// maxRhoDelta is the maximum norm change between two density matrix
// snapshots. Slots whose shapes differ, e.g. after a bond expansion, are
// skipped.
func maxRhoDelta(old, cur []*tensor.Dense) float64 {
	var d float64
	for i := range min(len(old), len(cur)) {
		if !slices.Equal(old[i].Shape(), cur[i].Shape()) {
			continue
		}
		diff := tensorops.Add(cur[i], tensorops.Scale(tensorops.Clone(old[i]), -1))
		d = math.Max(d, tensorops.Norm(diff))
	}
	return d
}

// LocalOptimize minimizes the expectation value of op by alternating
// per-tensor polar updates, sweeping depths bottom to top once per outer
// iteration and finishing each sweep with the terminal layer updated
// against the scale-invariant operator sum. The best network seen is
// returned even when the loop stops at MaxIter without reaching
// GradientDelta, in which case the error wraps ErrNotConverged.
func LocalOptimize(n *Network, op *tensor.Dense, opts Options) (*Network, *Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, nil, err
	}
	lg := opts.logger()
	nt := n.NumTransitionLayers()

	best := n.Clone()
	res := &Result{Expectation: math.Inf(1)}
	prev, err := n.snapshotRhos()
	if err != nil {
		return nil, nil, errors.Wrap(err, "")
	}
	for iter := 1; iter <= opts.MaxIter; iter++ {
		var gradSq float64
		for d := 1; d <= nt; d++ {
			hop, err := n.effectiveOperator(op, d, opts)
			if err != nil {
				return nil, nil, errors.Wrap(err, fmt.Sprintf("depth %d", d))
			}
			rho, err := n.GetDensityMatrix(d + 1)
			if err != nil {
				return nil, nil, errors.Wrap(err, fmt.Sprintf("depth %d", d))
			}
			lay, g2, err := updateLayerEV(n.GetLayer(d), hop, rho, opts)
			if err != nil {
				return nil, nil, errors.Wrap(err, fmt.Sprintf("depth %d", d))
			}
			gradSq += g2
			if err := n.SetLayer(d, lay, false); err != nil {
				return nil, nil, errors.Wrap(err, fmt.Sprintf("depth %d", d))
			}
		}

		e, err := n.Expect(op, 1)
		if err != nil {
			return nil, nil, errors.Wrap(err, "")
		}
		cur, err := n.snapshotRhos()
		if err != nil {
			return nil, nil, errors.Wrap(err, "")
		}
		res.Iterations = iter
		res.GradientNorm = math.Sqrt(gradSq)
		res.DensityMatrixDelta = maxRhoDelta(prev, cur)
		prev = cur
		if e < res.Expectation {
			res.Expectation = e
			best = n.Clone()
		}
		lg.Info("sweep", "iter", iter, "energy", e, "gradnorm", res.GradientNorm, "rhodelta", res.DensityMatrixDelta)

		if iter >= opts.MinIter && res.GradientNorm < opts.GradientDelta {
			res.Converged = true
			return best, res, nil
		}
	}
	lg.Warn("not converged", "iterations", res.Iterations, "gradnorm", res.GradientNorm)
	return best, res, errors.Wrap(ErrNotConverged, fmt.Sprintf("gradient norm %g after %d iterations", res.GradientNorm, res.Iterations))
}
