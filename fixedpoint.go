package mera

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"

	"github.com/fumin/mera/internal/linalg"
	"github.com/fumin/mera/internal/tensorops"
)

// hermEigvals returns the eigenvalues of a Hermitian 2w leg operator in
// ascending order.
func hermEigvals(op *tensor.Dense) []float64 {
	shape := op.Shape()
	w := len(shape) / 2
	d := 1
	for _, v := range shape[:w] {
		d *= v
	}
	vals := linalg.EigvalsHermitian(op.Reshape(d, d))
	op.Reshape(shape...)
	return vals
}

// superOp materializes the matrix of a linear map on causal cone operators,
// such as the terminal layer's average descend or ascend map. The map acts on
// 2w leg tensors of the given shape; its matrix is D^2 by D^2 where D is the
// product of the row leg dimensions, with column m*D+n the image of the
// matrix unit E_mn.
func superOp(f func(*tensor.Dense) (*tensor.Dense, error), shape []int) (*tensor.Dense, error) {
	w := len(shape) / 2
	d := 1
	for _, v := range shape[:w] {
		d *= v
	}
	m := tensor.Zeros(d*d, d*d)
	for row := range d {
		for col := range d {
			basis := tensor.Zeros(d, d)
			basis.SetAt([]int{row, col}, 1)
			img, err := f(basis.Reshape(shape...))
			if err != nil {
				return nil, errors.Wrap(err, fmt.Sprintf("basis %d %d", row, col))
			}
			imgM := img.Reshape(d, d)
			for r := range d {
				for c := range d {
					m.SetAt([]int{r*d + c, row*d + col}, imgM.At(r, c))
				}
			}
		}
	}
	return m, nil
}

func arnoldiBufs() [7]*tensor.Dense {
	var bufs [7]*tensor.Dense
	for i := range bufs {
		bufs[i] = tensor.Zeros(1)
	}
	return bufs
}

// fixedPointDensity solves for the dominant eigenvector of the terminal
// layer's average descend superoperator, which is the density matrix left
// invariant by the scale-invariant part of the network. The eigenvector is
// normalized to unit trace and projected onto its Hermitian part;
// significant anti-Hermitian or negative residuals are logged.
func (n *Network) fixedPointDensity() (*tensor.Dense, error) {
	terminal := n.GetLayer(len(n.layers))
	w := terminal.CausalConeWidth()
	chi := terminal.OutputSpace().Dim
	shape := make([]int, 0, 2*w)
	for range 2 * w {
		shape = append(shape, chi)
	}

	m, err := superOp(func(rho *tensor.Dense) (*tensor.Dense, error) {
		return terminal.Descend(rho, SideAverage)
	}, shape)
	if err != nil {
		return nil, err
	}

	eigvals, eigvecs := tensor.Zeros(1), tensor.Zeros(1)
	if err := tensor.Arnoldi(eigvals, eigvecs, m, 1, arnoldiBufs()); err != nil {
		return nil, errors.Wrap(err, "")
	}

	d := 1
	for _, v := range shape[:w] {
		d *= v
	}
	rho := tensorops.Clone(eigvecs.Reshape(d, d))
	tr := tensorops.MatTrace(rho)
	if tensorops.Abs(tr) < 1e-8 {
		return nil, errors.Wrap(ErrInvariant, fmt.Sprintf("traceless fixed point, trace %v", tr))
	}
	tensorops.Scale(rho, 1/tr)

	herm, resid := tensorops.Hermitize(rho)
	if resid > 1e-4*tensorops.Norm(herm) {
		n.Logger.Warn("non-Hermitian fixed point", "residual", resid)
	}
	if low := slices.Min(hermEigvals(herm)); low < -1e-4 {
		n.Logger.Warn("negative fixed point eigenvalue", "eigenvalue", low)
	}
	return herm.Reshape(shape...), nil
}

// SectorSpectrum is the scaling dimension spectrum within one symmetry
// sector of the scale-invariant ascend superoperator.
type SectorSpectrum struct {
	Charge int
	Dims   []float64
}

// ScalingDimensions computes the scaling dimensions of the conformal field
// theory the scale-invariant layer approximates. The eigenvalues lambda of
// the average ascend superoperator give dimensions -log(|lambda|)/log(s)
// where s is the layer's scale factor. The superoperator is block diagonal
// in the charge difference between row and column indices; each block is
// solved separately and reported in ascending order of dimension.
func (n *Network) ScalingDimensions() ([]SectorSpectrum, error) {
	terminal := n.GetLayer(len(n.layers))
	w := terminal.CausalConeWidth()
	space := terminal.OutputSpace()
	chi := space.Dim
	shape := make([]int, 0, 2*w)
	for range 2 * w {
		shape = append(shape, chi)
	}

	m, err := superOp(func(op *tensor.Dense) (*tensor.Dense, error) {
		return terminal.Ascend(op, SideAverage)
	}, shape)
	if err != nil {
		return nil, err
	}

	// Composite charge of each basis state of the w site causal cone.
	site := space.Charges()
	d := 1
	for range w {
		d *= chi
	}
	q := make([]int, d)
	for i := range d {
		rem := i
		for range w {
			q[i] += site[rem%chi]
			rem /= chi
		}
	}

	// Group the d*d operator indices by charge difference.
	blocks := map[int][]int{}
	for row := range d {
		for col := range d {
			dq := q[row] - q[col]
			blocks[dq] = append(blocks[dq], row*d+col)
		}
	}
	charges := make([]int, 0, len(blocks))
	for dq := range blocks {
		charges = append(charges, dq)
	}
	sort.Ints(charges)

	logS := math.Log(float64(terminal.ScaleFactor()))
	specs := make([]SectorSpectrum, 0, len(charges))
	for _, dq := range charges {
		idx := blocks[dq]
		k := len(idx) / 2
		if k == 0 {
			continue
		}
		sub := tensor.Zeros(len(idx), len(idx))
		for i, ri := range idx {
			for j, cj := range idx {
				sub.SetAt([]int{i, j}, m.At(ri, cj))
			}
		}
		eigvals, eigvecs := tensor.Zeros(1), tensor.Zeros(1)
		if err := tensor.Arnoldi(eigvals, eigvecs, sub, k, arnoldiBufs()); err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("charge %d", dq))
		}
		flat := eigvals.Reshape(-1)
		dims := make([]float64, 0, k)
		for i := range flat.Shape()[0] {
			lam := tensorops.Abs(flat.At(i))
			if lam < 1e-12 {
				continue
			}
			dims = append(dims, -math.Log(lam)/logS)
		}
		sort.Float64s(dims)
		specs = append(specs, SectorSpectrum{Charge: dq, Dims: dims})
	}
	return specs, nil
}

// Entropy returns the von Neumann entropy of the density matrix at the
// given depth. Eigenvalues are clipped to be nonnegative before taking
// logarithms; a significantly negative eigenvalue is logged.
func (n *Network) Entropy(depth int) (float64, error) {
	rho, err := n.GetDensityMatrix(depth)
	if err != nil {
		return 0, err
	}
	vals := hermEigvals(rho)
	if low := slices.Min(vals); low < -1e-4 {
		n.Logger.Warn("negative density matrix eigenvalue", "eigenvalue", low, "depth", depth)
	}
	var s float64
	for _, p := range vals {
		if p <= 0 {
			continue
		}
		s -= p * math.Log(p)
	}
	return s, nil
}
