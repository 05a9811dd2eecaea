// Command run optimizes a MERA for the transverse field Ising model over a
// sweep of fields and bond dimensions, and prints a CSV summary of ground
// state energies, entanglement entropies and scaling dimensions.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/fumin/mera"
	"github.com/fumin/mera/ternarylayer"
	"github.com/fumin/mera/treelayer"
)

const (
	fnameNetwork    = "network.db"
	fnameDone       = "done.txt"
	fnameStatistics = "statistics.txt"
)

var (
	runDir   = flag.String("d", filepath.Join("runs", "mera"), "run directory")
	optsPath = flag.String("c", "", "optional TOML optimization options")
	scheme   = flag.String("scheme", "ternary", "coarse-graining scheme, tree or ternary")
	layers   = flag.Int("layers", 3, "number of transition layers")
)

type Config struct {
	Scheme  string  `json:"scheme"`
	Layers  int     `json:"layers"`
	BondDim int     `json:"bond_dim"`
	H       float64 `json:"h"`
}

func newConfigs(scheme string, layers int) []Config {
	configs := make([]Config, 0)
	for _, h := range []float64{0.5, 0.9, 1, 1.1, 2} {
		for _, chi := range []int{2, 4} {
			configs = append(configs, Config{Scheme: scheme, Layers: layers, BondDim: chi, H: h})
		}
	}
	return configs
}

func (c Config) dir(root string) string {
	return filepath.Join(root, c.Scheme, fmt.Sprintf("chi%d", c.BondDim), fmt.Sprintf("%f", c.H))
}

func (c Config) factory() (mera.LayerFactory, error) {
	switch c.Scheme {
	case "tree":
		return treelayer.New, nil
	case "ternary":
		return ternarylayer.New, nil
	default:
		return nil, errors.Wrap(mera.ErrConfiguration, fmt.Sprintf("scheme %q", c.Scheme))
	}
}

// bonds grows the bond dimension geometrically from the physical dimension 2
// up to the configured cap. The last two bonds are equal, as the terminal
// layer feeds itself.
func (c Config) bonds() []mera.Space {
	fanout := 2
	if c.Scheme == "ternary" {
		fanout = 3
	}
	dims := make([]int, c.Layers+1)
	dims[0] = 2
	for d := 1; d <= c.Layers; d++ {
		grown := 1
		for range fanout {
			grown *= dims[d-1]
		}
		dims[d] = min(c.BondDim, grown)
	}
	dims[c.Layers] = dims[c.Layers-1]

	spaces := make([]mera.Space, 0, len(dims))
	for _, d := range dims {
		spaces = append(spaces, mera.NewSpace(d))
	}
	return spaces
}

type Statistics struct {
	Config
	Energy       float64               `json:"energy"`
	Entropy      float64               `json:"entropy"`
	GradientNorm float64               `json:"gradient_norm"`
	Iterations   int                   `json:"iterations"`
	Converged    bool                  `json:"converged"`
	ScalingDims  []mera.SectorSpectrum `json:"scaling_dims"`
}

func solve(dir string, cfg Config, opts mera.Options) error {
	donePath := filepath.Join(dir, fnameDone)
	if _, err := os.Stat(donePath); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return errors.Wrap(err, "")
	}

	factory, err := cfg.factory()
	if err != nil {
		return errors.Wrap(err, "")
	}
	net, err := mera.Random(factory, cfg.bonds(), true)
	if err != nil {
		return errors.Wrap(err, "")
	}

	// Shift the spectrum negative; the alternating sweep needs it, and the
	// optimum is unchanged.
	shift := 2 + cfg.H
	ham := mera.ShiftAndScale(mera.TransverseFieldIsing(cfg.H), complex(float32(-shift), 0), 1)

	net, res, err := mera.Optimize(net, ham, opts)
	if err != nil && !errors.Is(err, mera.ErrNotConverged) {
		return errors.Wrap(err, "")
	}
	if !res.Converged {
		log.Warn("not converged", "config", cfg, "gradient", res.GradientNorm)
	}

	stats := Statistics{Config: cfg}
	stats.Energy = res.Expectation + shift
	stats.GradientNorm = res.GradientNorm
	stats.Iterations = res.Iterations
	stats.Converged = res.Converged
	stats.Entropy, err = net.Entropy(cfg.Layers + 1)
	if err != nil {
		return errors.Wrap(err, "")
	}
	stats.ScalingDims, err = net.ScalingDimensions()
	if err != nil {
		return errors.Wrap(err, "")
	}

	if err := mera.Save(filepath.Join(dir, fnameNetwork), net); err != nil {
		return errors.Wrap(err, "")
	}
	b, err := json.Marshal(stats)
	if err != nil {
		return errors.Wrap(err, "")
	}
	if err := os.WriteFile(filepath.Join(dir, fnameStatistics), b, 0644); err != nil {
		return errors.Wrap(err, "")
	}

	if err := os.WriteFile(donePath, nil, 0644); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

func gather(root string, configs []Config) ([]Statistics, error) {
	stats := make([]Statistics, 0, len(configs))
	for _, cfg := range configs {
		b, err := os.ReadFile(filepath.Join(cfg.dir(root), fnameStatistics))
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("%#v", cfg))
		}
		var s Statistics
		if err := json.Unmarshal(b, &s); err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("%#v", cfg))
		}
		stats = append(stats, s)
	}
	return stats, nil
}

// smallestDims returns the k smallest scaling dimensions over all charge
// sectors. At criticality these approximate the CFT spectrum 0, 1/8, 1, ...
func smallestDims(specs []mera.SectorSpectrum, k int) []float64 {
	all := make([]float64, 0)
	for _, spec := range specs {
		all = append(all, spec.Dims...)
	}
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j] < all[j-1]; j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	if len(all) > k {
		all = all[:k]
	}
	for len(all) < k {
		all = append(all, math.NaN())
	}
	return all
}

func main() {
	flag.Parse()
	log.SetReportCaller(true)

	if err := mainWithErr(); err != nil {
		log.Fatalf("%+v", err)
	}
}

func mainWithErr() error {
	opts := mera.NewOptions()
	if *optsPath != "" {
		if _, err := toml.DecodeFile(*optsPath, &opts); err != nil {
			return errors.Wrap(err, *optsPath)
		}
	}
	if err := opts.Validate(); err != nil {
		return errors.Wrap(err, "")
	}

	if err := os.MkdirAll(*runDir, os.ModePerm); err != nil {
		return errors.Wrap(err, "")
	}

	configs := newConfigs(*scheme, *layers)
	for _, cfg := range configs {
		if err := solve(cfg.dir(*runDir), cfg, opts); err != nil {
			return errors.Wrap(err, fmt.Sprintf("%#v", cfg))
		}
		log.Info("solved", "scheme", cfg.Scheme, "chi", cfg.BondDim, "h", cfg.H)
	}

	stats, err := gather(*runDir, configs)
	if err != nil {
		return errors.Wrap(err, "")
	}
	fmt.Printf("scheme,layers,chi,h,e0,entropy,converged,iters,dim0,dim1,dim2\n")
	for _, s := range stats {
		dims := smallestDims(s.ScalingDims, 3)
		dimStrs := make([]string, 0, len(dims))
		for _, d := range dims {
			dimStrs = append(dimStrs, fmt.Sprintf("%f", d))
		}
		fmt.Printf("%s,%d,%d,%f,%f,%f,%t,%d,%s\n", s.Scheme, s.Layers, s.BondDim, s.H, s.Energy, s.Entropy, s.Converged, s.Iterations, strings.Join(dimStrs, ","))
	}
	return nil
}
