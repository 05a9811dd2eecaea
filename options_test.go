package mera

import (
	"io"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsTOML(t *testing.T) {
	t.Parallel()
	const doc = `
method = "hybrid"
maxiter = 50
gradient_delta = 1e-7
metric = "canonical"
retraction = "geodesic"
cg_flavor = "polakribiere"
hybrid_local_frac = 0.25
hybrid_method = "conjugategradient"
`
	opts := NewOptions()
	_, err := toml.Decode(doc, &opts)
	require.NoError(t, err)
	require.NoError(t, opts.Validate())

	assert.Equal(t, MethodHybrid, opts.Method)
	assert.Equal(t, 50, opts.MaxIter)
	assert.Equal(t, 1e-7, opts.GradientDelta)
	assert.Equal(t, MetricCanonical, opts.Metric)
	assert.Equal(t, RetractionGeodesic, opts.Retraction)
	assert.Equal(t, CGPolakRibiere, opts.CGFlavor)
	assert.Equal(t, 0.25, opts.HybridLocalFrac)
	assert.Equal(t, MethodConjugateGradient, opts.HybridMethod)
	// Fields absent from the document keep their defaults.
	assert.Equal(t, 8, opts.LBFGSM)
}

func TestOptionsLogger(t *testing.T) {
	// Verbosity adjusts the level on a sub-logger; the configured logger
	// and the process-wide default keep their own levels. Not parallel
	// since it reads the default logger's level.
	defaultLevel := log.Default().GetLevel()

	opts := NewOptions()
	opts.Verbosity = 2
	assert.Equal(t, log.DebugLevel, opts.logger().GetLevel())
	assert.Equal(t, defaultLevel, log.Default().GetLevel())

	custom := log.New(io.Discard)
	custom.SetLevel(log.ErrorLevel)
	opts.Logger = custom
	opts.Verbosity = 0
	assert.Equal(t, log.WarnLevel, opts.logger().GetLevel())
	assert.Equal(t, log.ErrorLevel, custom.GetLevel())
}

func TestOptionsValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, NewOptions().Validate())

	tests := []struct {
		name   string
		modify func(*Options)
	}{
		{name: "method", modify: func(o *Options) { o.Method = "newton" }},
		{name: "hybrid method", modify: func(o *Options) { o.HybridMethod = MethodEvenblyVidal }},
		{name: "metric", modify: func(o *Options) { o.Metric = "hyperbolic" }},
		{name: "retraction", modify: func(o *Options) { o.Retraction = "qr" }},
		{name: "transport", modify: func(o *Options) { o.Transport = "parallel" }},
		{name: "cg flavor", modify: func(o *Options) { o.CGFlavor = "liustorey" }},
		{name: "havg mode", modify: func(o *Options) { o.HavgMode = "geometric" }},
		{name: "miniter", modify: func(o *Options) { o.MinIter = 20; o.MaxIter = 10 }},
		{name: "maxiter", modify: func(o *Options) { o.MaxIter = 0; o.MinIter = 0 }},
		{name: "havg depth", modify: func(o *Options) { o.HavgDepth = 0 }},
		{name: "lbfgs m", modify: func(o *Options) { o.LBFGSM = 0 }},
		{name: "ls epsilon", modify: func(o *Options) { o.LSEpsilon = 0 }},
		{name: "hybrid frac", modify: func(o *Options) { o.HybridLocalFrac = 1.5 }},
		{name: "isometry iters", modify: func(o *Options) { o.IsometryIters = 0 }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			opts := NewOptions()
			test.modify(&opts)
			assert.ErrorIs(t, opts.Validate(), ErrConfiguration)
		})
	}
}
