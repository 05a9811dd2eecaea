package mera

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// Geometry is the capability record the generic minimizer needs from a
// point type: cost with gradient, tangent arithmetic, a metric, a
// retraction and a vector transport. It is instantiated once for the whole
// network as a point on a product of Stiefel manifolds, but carries no
// knowledge of tensors.
type Geometry[P, T any] struct {
	// CostGrad returns the cost and its Riemannian gradient at x.
	CostGrad func(x P) (float64, T, error)
	// Scale returns c*v.
	Scale func(c float64, v T) T
	// Add returns v + w, both tangent at the same point.
	Add func(v, w T) T
	// Inner is the Riemannian metric at x.
	Inner func(x P, v, w T) float64
	// Retract moves x along direction d by step t, returning the new
	// point and d transported to it.
	Retract func(x P, d T, t float64) (P, T, error)
	// Transport moves an auxiliary tangent v from x to the point reached
	// by moving along d with step t.
	Transport func(x P, d T, t float64, v T) (T, error)
}

// lsPoint is one line search evaluation.
type lsPoint[P, T any] struct {
	t     float64
	x     P
	cost  float64
	grad  T
	dir   T // search direction transported to x
	slope float64
}

func (g Geometry[P, T]) eval(x P, d T, t float64) (lsPoint[P, T], error) {
	xt, dt, err := g.Retract(x, d, t)
	if err != nil {
		return lsPoint[P, T]{}, err
	}
	c, gr, err := g.CostGrad(xt)
	if err != nil {
		return lsPoint[P, T]{}, err
	}
	return lsPoint[P, T]{t: t, x: xt, cost: c, grad: gr, dir: dt, slope: g.Inner(xt, gr, dt)}, nil
}

// Wolfe constants.
const (
	wolfeC1      = 1e-4
	wolfeC2      = 0.9
	lsMaxEvals   = 25
	lsMaxBracket = 10
)

// lineSearch finds a step along d satisfying the strong Wolfe conditions,
// by bracketing and bisection. cost0 and slope0 describe the start point;
// slope0 must be negative. t0 is the initial trial step. When the Wolfe
// conditions cannot be met within the evaluation budget or the bracket
// shrinks below eps, the best strictly decreasing evaluation is accepted.
func (g Geometry[P, T]) lineSearch(x P, d T, cost0, slope0, t0, eps float64) (lsPoint[P, T], error) {
	if slope0 >= 0 {
		return lsPoint[P, T]{}, errors.Wrap(ErrInvariant, fmt.Sprintf("ascent direction, slope %g", slope0))
	}
	var best lsPoint[P, T]
	haveBest := false
	note := func(p lsPoint[P, T]) {
		if p.cost < cost0 && (!haveBest || p.cost < best.cost) {
			best, haveBest = p, true
		}
	}
	wolfe := func(p lsPoint[P, T]) bool {
		return p.cost <= cost0+wolfeC1*p.t*slope0 && math.Abs(p.slope) <= wolfeC2*math.Abs(slope0)
	}
	finish := func(err error) (lsPoint[P, T], error) {
		if haveBest {
			return best, nil
		}
		return lsPoint[P, T]{}, err
	}

	// Bracketing: grow the step until the sufficient decrease condition
	// fails or the slope turns nonnegative.
	evals := 0
	lo := lsPoint[P, T]{t: 0, cost: cost0, slope: slope0}
	var hi lsPoint[P, T]
	t := t0
	bracketed := false
	for range lsMaxBracket {
		p, err := g.eval(x, d, t)
		if err != nil {
			return lsPoint[P, T]{}, err
		}
		evals++
		note(p)
		if wolfe(p) {
			return p, nil
		}
		if p.cost > cost0+wolfeC1*p.t*slope0 || p.cost >= lo.cost {
			hi, bracketed = p, true
			break
		}
		if p.slope >= 0 {
			hi, bracketed = lo, true
			lo = p
			break
		}
		lo = p
		t *= 2
	}
	if !bracketed {
		return finish(errors.Wrap(ErrNotConverged, "line search bracket"))
	}

	// Zoom by bisection.
	for evals < lsMaxEvals && math.Abs(hi.t-lo.t) > eps {
		t := (lo.t + hi.t) / 2
		p, err := g.eval(x, d, t)
		if err != nil {
			return lsPoint[P, T]{}, err
		}
		evals++
		note(p)
		if wolfe(p) {
			return p, nil
		}
		if p.cost > cost0+wolfeC1*p.t*slope0 || p.cost >= lo.cost {
			hi = p
			continue
		}
		if p.slope*(hi.t-lo.t) >= 0 {
			hi = lo
		}
		lo = p
	}
	return finish(errors.Wrap(ErrNotConverged, "line search zoom"))
}

// lbfgsPair is one curvature pair of the limited memory, tangent at the
// current point.
type lbfgsPair[T any] struct {
	s, y T
	rho  float64
}

// Minimize runs gradient descent, nonlinear conjugate gradient or L-BFGS
// over any geometry, sharing one strong Wolfe line search. The best point
// seen is returned even on non-convergence, with an error wrapping
// ErrNotConverged.
func Minimize[P, T any](g Geometry[P, T], x0 P, method Method, opts Options) (P, *Result, error) {
	lg := opts.logger()

	cost, grad, err := g.CostGrad(x0)
	if err != nil {
		return x0, nil, errors.Wrap(err, "")
	}
	x := x0
	res := &Result{Expectation: cost}
	best := x0
	step := 1.0

	var dir T               // current search direction at x
	var prevDir T           // previous direction transported to x
	var prevGrad T          // previous gradient transported to x
	var prevGradNorm2 float64
	havePrev := false
	var memory []lbfgsPair[T]

	for iter := 1; iter <= opts.MaxIter; iter++ {
		gradNorm2 := g.Inner(x, grad, grad)
		res.GradientNorm = math.Sqrt(gradNorm2)
		res.Iterations = iter - 1
		if iter > opts.MinIter && res.GradientNorm < opts.GradientDelta {
			res.Converged = true
			return best, res, nil
		}

		switch method {
		case MethodGradientDescent:
			dir = g.Scale(-1, grad)
		case MethodConjugateGradient:
			if !havePrev {
				dir = g.Scale(-1, grad)
				break
			}
			beta := cgBeta(g, x, grad, prevGrad, prevDir, gradNorm2, prevGradNorm2, opts.CGFlavor)
			dir = g.Add(g.Scale(-1, grad), g.Scale(beta, prevDir))
			if g.Inner(x, grad, dir) >= 0 {
				// Restart on a non-descent direction.
				dir = g.Scale(-1, grad)
			}
		case MethodLBFGS:
			dir = g.Scale(-1, lbfgsApply(g, x, grad, memory))
			if g.Inner(x, grad, dir) >= 0 {
				memory = nil
				dir = g.Scale(-1, grad)
			}
		default:
			return x, nil, errors.Wrap(ErrConfiguration, fmt.Sprintf("method %q", method))
		}

		slope := g.Inner(x, grad, dir)
		t0 := step
		if method == MethodLBFGS && len(memory) > 0 {
			t0 = 1
		}
		p, err := g.lineSearch(x, dir, cost, slope, t0, opts.LSEpsilon)
		if err != nil {
			lg.Warn("line search failed", "iter", iter, "gradnorm", res.GradientNorm)
			return best, res, errors.Wrap(ErrNotConverged, fmt.Sprintf("iteration %d", iter))
		}

		// Transport bookkeeping vectors to the new point.
		prevGrad, err = g.Transport(x, dir, p.t, grad)
		if err != nil {
			return best, res, errors.Wrap(err, "")
		}
		prevDir = p.dir
		prevGradNorm2 = gradNorm2
		havePrev = true
		if method == MethodLBFGS {
			if memory, err = lbfgsUpdate(g, x, dir, p, grad, memory, opts.LBFGSM); err != nil {
				return best, res, errors.Wrap(err, "")
			}
		}

		x, cost, grad, step = p.x, p.cost, p.grad, p.t
		res.Iterations = iter
		if cost < res.Expectation {
			res.Expectation = cost
			best = x
		}
		lg.Info("minimize", "iter", iter, "cost", cost, "gradnorm", res.GradientNorm, "step", p.t)
	}
	lg.Warn("not converged", "iterations", res.Iterations, "gradnorm", res.GradientNorm)
	return best, res, errors.Wrap(ErrNotConverged, fmt.Sprintf("gradient norm %g after %d iterations", res.GradientNorm, res.Iterations))
}

// cgBeta computes the conjugate gradient beta. grad and prevGrad are both
// tangent at x, prevGrad and prevDir having been transported there.
func cgBeta[P, T any](g Geometry[P, T], x P, grad, prevGrad, prevDir T, gradNorm2, prevGradNorm2 float64, flavor CGFlavor) float64 {
	y := g.Add(grad, g.Scale(-1, prevGrad))
	switch flavor {
	case CGFletcherReeves:
		return gradNorm2 / prevGradNorm2
	case CGPolakRibiere:
		return math.Max(0, g.Inner(x, grad, y)/prevGradNorm2)
	case CGHestenesStiefel:
		denom := g.Inner(x, prevDir, y)
		if denom == 0 {
			return 0
		}
		return g.Inner(x, grad, y) / denom
	case CGDaiYuan:
		denom := g.Inner(x, prevDir, y)
		if denom == 0 {
			return 0
		}
		return gradNorm2 / denom
	default: // CGHagerZhang
		denom := g.Inner(x, prevDir, y)
		if denom == 0 {
			return 0
		}
		yy := g.Inner(x, y, y)
		w := g.Add(y, g.Scale(-2*yy/denom, prevDir))
		beta := g.Inner(x, w, grad) / denom
		// Standard lower bound keeping the direction gradient related.
		dn := math.Sqrt(g.Inner(x, prevDir, prevDir))
		gn := math.Sqrt(prevGradNorm2)
		eta := -1 / (dn * math.Min(0.01, gn))
		return math.Max(beta, eta)
	}
}

// lbfgsApply runs the two-loop recursion, returning an approximation of the
// inverse Hessian applied to grad. All memory pairs are tangent at x.
func lbfgsApply[P, T any](g Geometry[P, T], x P, grad T, memory []lbfgsPair[T]) T {
	q := g.Scale(1, grad)
	alphas := make([]float64, len(memory))
	for i := len(memory) - 1; i >= 0; i-- {
		m := memory[i]
		alphas[i] = m.rho * g.Inner(x, m.s, q)
		q = g.Add(q, g.Scale(-alphas[i], m.y))
	}
	if len(memory) > 0 {
		m := memory[len(memory)-1]
		gamma := g.Inner(x, m.s, m.y) / g.Inner(x, m.y, m.y)
		q = g.Scale(gamma, q)
	}
	for i := range memory {
		m := memory[i]
		beta := m.rho * g.Inner(x, m.y, q)
		q = g.Add(q, g.Scale(alphas[i]-beta, m.s))
	}
	return q
}

// lbfgsUpdate transports the memory through the accepted step and appends
// the new curvature pair. Pairs with nonpositive curvature are dropped.
func lbfgsUpdate[P, T any](g Geometry[P, T], x P, dir T, p lsPoint[P, T], grad T, memory []lbfgsPair[T], m int) ([]lbfgsPair[T], error) {
	out := make([]lbfgsPair[T], 0, m)
	for _, pair := range memory {
		s, err := g.Transport(x, dir, p.t, pair.s)
		if err != nil {
			return nil, err
		}
		y, err := g.Transport(x, dir, p.t, pair.y)
		if err != nil {
			return nil, err
		}
		out = append(out, lbfgsPair[T]{s: s, y: y, rho: pair.rho})
	}
	gradT, err := g.Transport(x, dir, p.t, grad)
	if err != nil {
		return nil, err
	}
	s := g.Scale(p.t, p.dir)
	y := g.Add(p.grad, g.Scale(-1, gradT))
	if sy := g.Inner(p.x, s, y); sy > 0 {
		out = append(out, lbfgsPair[T]{s: s, y: y, rho: 1 / sy})
	}
	if len(out) > m {
		out = out[len(out)-m:]
	}
	return out, nil
}
