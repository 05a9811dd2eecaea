package mera

import (
	"github.com/fumin/tensor"

	"github.com/fumin/mera/internal/tensorops"
)

// PauliX returns the Pauli X matrix.
func PauliX() *tensor.Dense {
	return tensor.T2([][]complex64{
		{0, 1},
		{1, 0},
	})
}

// PauliY returns the Pauli Y matrix.
func PauliY() *tensor.Dense {
	return tensor.T2([][]complex64{
		{0, -1i},
		{1i, 0},
	})
}

// PauliZ returns the Pauli Z matrix.
func PauliZ() *tensor.Dense {
	return tensor.T2([][]complex64{
		{1, 0},
		{0, -1},
	})
}

// TransverseFieldIsing returns the two-site term of the transverse field
// Ising Hamiltonian,
//
//	-Z (x) Z - h/2 (X (x) I + I (x) X),
//
// as a 4-leg operator op[r1,r2,c1,c2]. Splitting the field between the two
// sites keeps the sum over bonds equal to the full Hamiltonian on the
// infinite chain. The model is critical at h = 1.
func TransverseFieldIsing(h float64) *tensor.Dense {
	id := tensorops.Identity(2)
	zz := tensorops.KronOp(PauliZ(), PauliZ())
	xi := tensorops.KronOp(PauliX(), id)
	ix := tensorops.KronOp(id, PauliX())

	op := tensorops.Scale(zz, -1)
	field := complex(float32(-h/2), 0)
	tensorops.AddTo(op, tensorops.Scale(xi, field))
	tensorops.AddTo(op, tensorops.Scale(ix, field))
	return op
}

// XX returns the two-site term of the XX model,
//
//	-(X (x) X + Y (x) Y),
//
// which conserves particle number: with the physical space split into
// charge sectors 0 and 1, all network tensors can be charge diagonal.
func XX() *tensor.Dense {
	xx := tensorops.KronOp(PauliX(), PauliX())
	yy := tensorops.KronOp(PauliY(), PauliY())
	op := tensorops.Scale(xx, -1)
	tensorops.AddTo(op, tensorops.Scale(yy, -1))
	return op
}

// ShiftAndScale returns op shifted and scaled as a + b*op, with the identity
// taken on op's support. Optimizers use it to make operators negative
// definite without changing the optimum.
func ShiftAndScale(op *tensor.Dense, a, b complex64) *tensor.Dense {
	s := op.Shape()
	w := len(s) / 2
	d := 1
	for _, v := range s[:w] {
		d *= v
	}
	id := tensorops.Identity(d).Reshape(s...)
	out := tensorops.Scale(tensorops.Clone(op), b)
	return tensorops.AddTo(out, tensorops.Scale(id, a))
}
