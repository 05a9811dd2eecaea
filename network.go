package mera

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/fumin/tensor"
	"github.com/pkg/errors"

	"github.com/fumin/mera/internal/tensorops"
)

// Network is an ordered stack of renormalization layers indexed by depth
// 1..N, with the layer at depth N additionally reused, unboundedly, as the
// scale-invariant layer for any depth above N. The network owns its density
// matrix and ascended operator caches; all mutation goes through SetLayer,
// which invalidates the dependent cache entries.
//
// A Network is owned and mutated by exactly one optimization driver at a
// time. There is no locking.
type Network struct {
	layers []Layer

	// rhos[d-1] is the reduced density matrix just below layer d. The last
	// slot, rhos[N], holds the scale-invariant fixed point.
	rhos []*tensor.Dense
	// ops maps an operator to its ascent sequence: entry k-1 is the
	// operator ascended through k-1 layers, entry 0 the raw operator.
	// Sequences are dense prefixes, extended and truncated only at the end.
	ops map[*tensor.Dense][]*tensor.Dense

	// Logger receives numerical warnings. Defaults to log.Default().
	Logger *log.Logger
}

// New builds a network from layers ordered bottom to top and validates all
// intralayer and interlayer invariants, including the terminal layer checked
// against itself.
func New(layers ...Layer) (*Network, error) {
	if len(layers) == 0 {
		return nil, errors.Wrap(ErrInvariant, "no layers")
	}
	n := &Network{
		layers: layers,
		rhos:   make([]*tensor.Dense, len(layers)+1),
		ops:    make(map[*tensor.Dense][]*tensor.Dense),
		Logger: log.Default(),
	}
	for d := 1; d <= len(layers); d++ {
		if err := n.checkAt(d); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// Random builds a network with random layers from a sequence of bond spaces.
// bonds[0] is the physical space and bonds[d] the space above layer d. The
// last two bonds must be equal, since the terminal layer feeds itself.
// When randomizeFirst is false, disentanglers start as identities.
func Random(factory LayerFactory, bonds []Space, randomizeFirst bool) (*Network, error) {
	if len(bonds) < 2 {
		return nil, errors.Wrap(ErrInvariant, fmt.Sprintf("%d bonds", len(bonds)))
	}
	numLayers := len(bonds) - 1
	if !bonds[numLayers-1].Equal(bonds[numLayers]) {
		return nil, errors.Wrap(ErrInvariant, fmt.Sprintf("terminal bonds %v %v differ", bonds[numLayers-1], bonds[numLayers]))
	}
	layers := make([]Layer, 0, numLayers)
	for d := 1; d <= numLayers; d++ {
		lay, err := factory(bonds[d-1], bonds[d], randomizeFirst)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("depth %d", d))
		}
		layers = append(layers, lay)
	}
	return New(layers...)
}

// NumTransitionLayers returns N, the number of explicitly stored layers.
func (n *Network) NumTransitionLayers() int {
	return len(n.layers)
}

// GetLayer returns the layer at the given depth, saturating to the terminal
// scale-invariant layer for depths above N.
func (n *Network) GetLayer(depth int) Layer {
	if depth < 1 {
		panic(fmt.Sprintf("depth %d", depth))
	}
	return n.layers[min(depth, len(n.layers))-1]
}

// SetLayer replaces the layer at depth (saturating to the terminal layer)
// and invalidates the dependent cache entries. With check enabled, the
// intralayer invariant of the new layer and the interlayer invariants at
// depth-1 and depth+1 are re-validated; on violation the mutation is kept,
// not rolled back, and an error naming the offending depth is returned.
func (n *Network) SetLayer(depth int, lay Layer, check bool) error {
	if depth < 1 {
		return errors.Wrap(ErrConfiguration, fmt.Sprintf("depth %d", depth))
	}
	depth = min(depth, len(n.layers))
	n.layers[depth-1] = lay
	n.invalidate(depth)
	if !check {
		return nil
	}
	return n.checkAt(depth)
}

// checkAt validates the layer at depth against itself and its neighbors.
// Saturating indexing makes the terminal layer check against itself.
func (n *Network) checkAt(depth int) error {
	lay := n.GetLayer(depth)
	if err := lay.CheckIntralayer(); err != nil {
		return errors.Wrap(err, fmt.Sprintf("depth %d", depth))
	}
	if depth > 1 {
		if err := n.GetLayer(depth - 1).CheckInterlayer(lay); err != nil {
			return errors.Wrap(err, fmt.Sprintf("depths %d %d", depth-1, depth))
		}
	}
	if err := lay.CheckInterlayer(n.GetLayer(depth + 1)); err != nil {
		return errors.Wrap(err, fmt.Sprintf("depths %d %d", depth, depth+1))
	}
	return nil
}

// invalidate clears every cache entry that depends on the layer at depth:
// density matrices at slots 1..depth (each was produced by descending
// through layer depth or one above it), the fixed point if the terminal
// layer changed, and every ascent sequence entry beyond index depth.
func (n *Network) invalidate(depth int) {
	for d := 1; d <= depth && d <= len(n.rhos); d++ {
		n.rhos[d-1] = nil
	}
	if depth >= len(n.layers) {
		n.rhos[len(n.rhos)-1] = nil
	}
	for op, seq := range n.ops {
		if len(seq) > depth {
			n.ops[op] = seq[:depth]
		}
	}
}

// ReleaseTransitionLayer appends a structural copy of the terminal layer as
// a new finite layer, so that depth N+1 starts pre-seeded identically to
// what any depth above N previously returned.
func (n *Network) ReleaseTransitionLayer() error {
	terminal := n.GetLayer(len(n.layers))
	ts := terminal.Tensors()
	copies := make([]*tensor.Dense, 0, len(ts))
	for _, t := range ts {
		copies = append(copies, tensorops.Clone(t))
	}
	lay, err := terminal.WithTensors(copies...)
	if err != nil {
		return errors.Wrap(err, "")
	}
	n.layers = append(n.layers, lay)

	// Duplicate the cache tail: the old fixed point slot serves both the
	// new transition slot N+1 and the new fixed point slot N+2.
	tail := n.rhos[len(n.rhos)-1]
	n.rhos = append(n.rhos, tail)
	return nil
}

// ExpandBond grows the space connecting depth and depth+1 by zero-padding
// both adjacent layers. When depth == N the terminal layer is padded on both
// its bottom and its self-referential top leg, since it is evaluated at two
// logical positions; this transiently breaks the interlayer invariant at
// depth N-1, to be reconciled by further expansions before the next
// validated call. Mutations go through the unchecked SetLayer path.
func (n *Network) ExpandBond(depth int, s Space) error {
	if depth < 1 || depth > len(n.layers) {
		return errors.Wrap(ErrConfiguration, fmt.Sprintf("depth %d", depth))
	}
	if s.Dim < n.GetLayer(depth).OutputSpace().Dim {
		return errors.Wrap(ErrConfiguration, fmt.Sprintf("space %v shrinks depth %d", s, depth))
	}
	if depth == len(n.layers) {
		lay := n.GetLayer(depth).ExpandOutput(s).ExpandInput(s)
		return n.SetLayer(depth, lay, false)
	}
	if err := n.SetLayer(depth, n.GetLayer(depth).ExpandOutput(s), false); err != nil {
		return err
	}
	return n.SetLayer(depth+1, n.GetLayer(depth+1).ExpandInput(s), false)
}

// Check validates every invariant of the network.
func (n *Network) Check() error {
	for d := 1; d <= len(n.layers); d++ {
		if err := n.checkAt(d); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns an independent copy of the network sharing the immutable
// tensors but none of the mutable bookkeeping.
func (n *Network) Clone() *Network {
	c := &Network{
		layers: append([]Layer(nil), n.layers...),
		rhos:   append([]*tensor.Dense(nil), n.rhos...),
		ops:    make(map[*tensor.Dense][]*tensor.Dense, len(n.ops)),
		Logger: n.Logger,
	}
	for op, seq := range n.ops {
		// Exact-capacity copies keep later appends from sharing backing
		// arrays between clones.
		s := make([]*tensor.Dense, len(seq))
		copy(s, seq)
		c.ops[op] = s
	}
	return c
}

// GetDensityMatrix returns the reduced density matrix just below the layer
// at depth, computing it lazily by descending the density matrix above it.
// Depths above N+1 saturate to the scale-invariant fixed point.
func (n *Network) GetDensityMatrix(depth int) (*tensor.Dense, error) {
	if depth < 1 {
		return nil, errors.Wrap(ErrConfiguration, fmt.Sprintf("depth %d", depth))
	}
	slot := min(depth, len(n.rhos))
	if rho := n.rhos[slot-1]; rho != nil {
		return rho, nil
	}
	if slot == len(n.rhos) {
		rho, err := n.fixedPointDensity()
		if err != nil {
			return nil, errors.Wrap(err, "fixed point")
		}
		n.rhos[slot-1] = rho
		return rho, nil
	}
	above, err := n.GetDensityMatrix(slot + 1)
	if err != nil {
		return nil, err
	}
	rho, err := n.GetLayer(slot).Descend(above, SideAverage)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("depth %d", slot))
	}
	n.rhos[slot-1] = rho
	return rho, nil
}

// GetAscendedOperator returns op ascended through depth-1 layers, filling
// the ascent sequence lazily. Entry 1 is the raw operator. The sequence for
// any operator is always a dense prefix; a gap is a programming error.
func (n *Network) GetAscendedOperator(op *tensor.Dense, depth int) (*tensor.Dense, error) {
	if depth < 1 {
		return nil, errors.Wrap(ErrConfiguration, fmt.Sprintf("depth %d", depth))
	}
	seq, ok := n.ops[op]
	if !ok {
		seq = []*tensor.Dense{op}
	}
	for i, t := range seq[:min(depth, len(seq))] {
		if t == nil {
			return nil, errors.Wrap(ErrCacheConsistency, fmt.Sprintf("entry %d", i+1))
		}
	}
	for len(seq) < depth {
		k := len(seq)
		next, err := n.GetLayer(k).Ascend(seq[k-1], SideAverage)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("depth %d", k))
		}
		seq = append(seq, next)
	}
	n.ops[op] = seq
	return seq[depth-1], nil
}

// Expect returns the expectation value of op evaluated at the given depth,
// tr(rho_depth ascend^(depth-1)(op)). A significantly non-real value is
// logged as a numerical warning; the real part is returned.
func (n *Network) Expect(op *tensor.Dense, depth int) (float64, error) {
	rho, err := n.GetDensityMatrix(depth)
	if err != nil {
		return 0, err
	}
	o, err := n.GetAscendedOperator(op, depth)
	if err != nil {
		return 0, err
	}
	v := traceProduct(rho, o)
	re, im := real(v), imag(v)
	if abs64(float64(im)) > 1e-4*max(1, abs64(float64(re))) {
		n.Logger.Warn("non-real expectation value", "value", v, "depth", depth)
	}
	return float64(re), nil
}

// traceProduct returns tr(a b) for two 2w leg operators.
func traceProduct(a, b *tensor.Dense) complex64 {
	as := a.Shape()
	w := len(as) / 2
	d := 1
	for _, v := range as[:w] {
		d *= v
	}
	am := a.Reshape(d, d)
	bm := b.Reshape(d, d)
	// ab is of shape {aRow, bCol}.
	ab := tensor.Product(tensor.Zeros(1), am, bm, [][2]int{{1, 0}})
	a.Reshape(as...)
	b.Reshape(as...)
	return tensorops.MatTrace(ab)
}

func abs64(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
