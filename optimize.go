package mera

import (
	"errors"
	"fmt"
	"math"

	"github.com/fumin/tensor"
	pkgerrors "github.com/pkg/errors"
)

// Optimize minimizes the expectation value of op over the network with the
// configured method. The hybrid method splits the MaxIter budget between an
// alternating-sweep phase and a manifold phase, HybridLocalFrac of it going
// to the sweep, which runs first when HybridLocalFirst is set. Within a
// phase, running out of budget is not a failure.
func Optimize(n *Network, op *tensor.Dense, opts Options) (*Network, *Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, nil, err
	}
	switch opts.Method {
	case MethodEvenblyVidal:
		return LocalOptimize(n, op, opts)
	case MethodGradientDescent, MethodConjugateGradient, MethodLBFGS:
		return ManifoldOptimize(n, op, opts)
	}

	nLocal := int(math.Round(opts.HybridLocalFrac * float64(opts.MaxIter)))
	localOpts := opts
	localOpts.Method = MethodEvenblyVidal
	localOpts.MaxIter = nLocal
	localOpts.MinIter = min(opts.MinIter, nLocal)
	maniOpts := opts
	maniOpts.Method = opts.HybridMethod
	maniOpts.MaxIter = opts.MaxIter - nLocal
	maniOpts.MinIter = min(opts.MinIter, maniOpts.MaxIter)

	first, second := localOpts, maniOpts
	if !opts.HybridLocalFirst {
		first, second = maniOpts, localOpts
	}

	best := n
	var res *Result
	for i, phase := range []Options{first, second} {
		if phase.MaxIter < 1 {
			continue
		}
		var phaseRes *Result
		var err error
		best, phaseRes, err = optimizePhase(best, op, phase)
		// Exhausting a phase's share of the budget is expected.
		if err != nil && !errors.Is(err, ErrNotConverged) {
			return nil, nil, pkgerrors.Wrap(err, fmt.Sprintf("phase %d", i+1))
		}
		if res == nil {
			res = phaseRes
			continue
		}
		res.Expectation = math.Min(res.Expectation, phaseRes.Expectation)
		res.Iterations += phaseRes.Iterations
		res.Converged = phaseRes.Converged
		res.GradientNorm = phaseRes.GradientNorm
		res.DensityMatrixDelta = phaseRes.DensityMatrixDelta
	}
	if !res.Converged {
		return best, res, pkgerrors.Wrap(ErrNotConverged, fmt.Sprintf("gradient norm %g", res.GradientNorm))
	}
	return best, res, nil
}

func optimizePhase(n *Network, op *tensor.Dense, opts Options) (*Network, *Result, error) {
	if opts.Method == MethodEvenblyVidal {
		return LocalOptimize(n, op, opts)
	}
	return ManifoldOptimize(n, op, opts)
}
