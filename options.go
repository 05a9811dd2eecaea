package mera

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
)

// Method selects the optimization algorithm.
type Method string

const (
	// MethodEvenblyVidal is the alternating per-tensor polar update sweep.
	MethodEvenblyVidal Method = "evenblyvidal"
	// MethodGradientDescent is Riemannian gradient descent.
	MethodGradientDescent Method = "gradientdescent"
	// MethodConjugateGradient is Riemannian nonlinear conjugate gradient.
	MethodConjugateGradient Method = "conjugategradient"
	// MethodLBFGS is Riemannian limited-memory BFGS.
	MethodLBFGS Method = "lbfgs"
	// MethodHybrid splits the iteration budget between the alternating
	// sweep and a manifold method.
	MethodHybrid Method = "hybrid"
)

// Metric selects the Riemannian metric on the Stiefel manifold.
type Metric string

const (
	MetricEuclidean Metric = "euclidean"
	MetricCanonical Metric = "canonical"
)

// Retraction selects how a point moves along a tangent direction.
type Retraction string

const (
	RetractionGeodesic Retraction = "geodesic"
	RetractionCayley   Retraction = "cayley"
)

// Transport selects how auxiliary tangent vectors move between points.
type Transport string

const (
	TransportIdentity Transport = "identity"
	TransportCayley   Transport = "cayley"
)

// CGFlavor selects the conjugate gradient beta update rule.
type CGFlavor string

const (
	CGFletcherReeves  CGFlavor = "fletcherreeves"
	CGPolakRibiere    CGFlavor = "polakribiere"
	CGHestenesStiefel CGFlavor = "hestenesstiefel"
	CGDaiYuan         CGFlavor = "daiyuan"
	CGHagerZhang      CGFlavor = "hagerzhang"
)

// HavgMode selects how the truncated sum over scale-invariant operator
// contributions is weighted. The two modes reflect an unresolved
// inconsistency between the energy and gradient code paths of earlier
// implementations; both are kept selectable.
type HavgMode string

const (
	// HavgWeighted sums ascended copies with geometric weights 1/s^j and
	// normalizes the series to unit total weight.
	HavgWeighted HavgMode = "weighted"
	// HavgUnweighted averages the ascended copies uniformly.
	HavgUnweighted HavgMode = "unweighted"
)

// Options configures optimization. The zero value is not usable; start from
// NewOptions.
type Options struct {
	Method Method `toml:"method"`

	// Alternating sweep parameters.
	LayerIters          int      `toml:"layer_iters"`
	DisentanglerIters   int      `toml:"disentangler_iters"`
	IsometryIters       int      `toml:"isometry_iters"`
	IsometriesOnlyIters int      `toml:"isometries_only_iters"`
	HavgDepth           int      `toml:"havg_depth"`
	HavgEps             float64  `toml:"havg_eps"`
	HavgMode            HavgMode `toml:"havg_mode"`

	// Termination. MinIter outer iterations always run; after that the
	// loop stops when the gradient norm falls below GradientDelta, or
	// unconditionally at MaxIter. DensityMatrixDelta only labels the
	// reported density matrix change as converged; it never terminates.
	MinIter            int     `toml:"miniter"`
	MaxIter            int     `toml:"maxiter"`
	GradientDelta      float64 `toml:"gradient_delta"`
	DensityMatrixDelta float64 `toml:"densitymatrix_delta"`

	// Manifold parameters.
	Metric     Metric     `toml:"metric"`
	Retraction Retraction `toml:"retraction"`
	Transport  Transport  `toml:"transport"`
	CGFlavor   CGFlavor   `toml:"cg_flavor"`
	LBFGSM     int        `toml:"lbfgs_m"`
	LSEpsilon  float64    `toml:"ls_epsilon"`

	// Hybrid schedule: fraction of MaxIter given to the alternating sweep,
	// run first when HybridLocalFirst is set.
	HybridLocalFrac  float64 `toml:"hybrid_local_frac"`
	HybridLocalFirst bool    `toml:"hybrid_local_first"`
	// HybridMethod is the manifold method of the other phase.
	HybridMethod Method `toml:"hybrid_method"`

	// Verbosity: 0 warnings only, 1 per-iteration info, 2 debug.
	Verbosity int `toml:"verbosity"`

	Logger *log.Logger `toml:"-"`
}

// NewOptions returns the default options.
func NewOptions() Options {
	return Options{
		Method:              MethodEvenblyVidal,
		LayerIters:          1,
		DisentanglerIters:   1,
		IsometryIters:       1,
		IsometriesOnlyIters: 0,
		HavgDepth:           10,
		HavgEps:             1e-6,
		HavgMode:            HavgWeighted,
		MinIter:             10,
		MaxIter:             1000,
		GradientDelta:       1e-6,
		DensityMatrixDelta:  1e-9,
		Metric:              MetricEuclidean,
		Retraction:          RetractionCayley,
		Transport:           TransportCayley,
		CGFlavor:            CGHestenesStiefel,
		LBFGSM:              8,
		LSEpsilon:           1e-6,
		HybridLocalFrac:     0.5,
		HybridLocalFirst:    true,
		HybridMethod:        MethodLBFGS,
		Verbosity:           0,
	}
}

// Validate checks every enumerated and numeric field up front, so that an
// unknown value fails at construction instead of deep inside a sweep.
func (o Options) Validate() error {
	switch o.Method {
	case MethodEvenblyVidal, MethodGradientDescent, MethodConjugateGradient, MethodLBFGS, MethodHybrid:
	default:
		return errors.Wrap(ErrConfiguration, fmt.Sprintf("method %q", o.Method))
	}
	switch o.HybridMethod {
	case MethodGradientDescent, MethodConjugateGradient, MethodLBFGS:
	default:
		return errors.Wrap(ErrConfiguration, fmt.Sprintf("hybrid method %q", o.HybridMethod))
	}
	switch o.Metric {
	case MetricEuclidean, MetricCanonical:
	default:
		return errors.Wrap(ErrConfiguration, fmt.Sprintf("metric %q", o.Metric))
	}
	switch o.Retraction {
	case RetractionGeodesic, RetractionCayley:
	default:
		return errors.Wrap(ErrConfiguration, fmt.Sprintf("retraction %q", o.Retraction))
	}
	switch o.Transport {
	case TransportIdentity, TransportCayley:
	default:
		return errors.Wrap(ErrConfiguration, fmt.Sprintf("transport %q", o.Transport))
	}
	switch o.CGFlavor {
	case CGFletcherReeves, CGPolakRibiere, CGHestenesStiefel, CGDaiYuan, CGHagerZhang:
	default:
		return errors.Wrap(ErrConfiguration, fmt.Sprintf("cg flavor %q", o.CGFlavor))
	}
	switch o.HavgMode {
	case HavgWeighted, HavgUnweighted:
	default:
		return errors.Wrap(ErrConfiguration, fmt.Sprintf("havg mode %q", o.HavgMode))
	}
	if o.MaxIter < 1 || o.MinIter < 0 || o.MinIter > o.MaxIter {
		return errors.Wrap(ErrConfiguration, fmt.Sprintf("miniter %d maxiter %d", o.MinIter, o.MaxIter))
	}
	if o.LayerIters < 1 || o.DisentanglerIters < 0 || o.IsometryIters < 1 || o.IsometriesOnlyIters < 0 {
		return errors.Wrap(ErrConfiguration, fmt.Sprintf("sweep iters %d %d %d %d", o.LayerIters, o.DisentanglerIters, o.IsometryIters, o.IsometriesOnlyIters))
	}
	if o.HavgDepth < 1 || o.HavgEps < 0 {
		return errors.Wrap(ErrConfiguration, fmt.Sprintf("havg depth %d eps %g", o.HavgDepth, o.HavgEps))
	}
	if o.LBFGSM < 1 {
		return errors.Wrap(ErrConfiguration, fmt.Sprintf("lbfgs m %d", o.LBFGSM))
	}
	if o.LSEpsilon <= 0 {
		return errors.Wrap(ErrConfiguration, fmt.Sprintf("ls epsilon %g", o.LSEpsilon))
	}
	if o.HybridLocalFrac < 0 || o.HybridLocalFrac > 1 {
		return errors.Wrap(ErrConfiguration, fmt.Sprintf("hybrid local frac %g", o.HybridLocalFrac))
	}
	return nil
}

// logger returns a logger at the level implied by Verbosity. The level is
// set on a sub-logger, leaving the configured logger and the process-wide
// default untouched.
func (o Options) logger() *log.Logger {
	lg := o.Logger
	if lg == nil {
		lg = log.Default()
	}
	lg = lg.With()
	switch {
	case o.Verbosity >= 2:
		lg.SetLevel(log.DebugLevel)
	case o.Verbosity == 1:
		lg.SetLevel(log.InfoLevel)
	default:
		lg.SetLevel(log.WarnLevel)
	}
	return lg
}
