// Package tensorops holds small helpers over github.com/fumin/tensor shared
// by the renormalization engine and the concrete layer schemes.
package tensorops

import (
	"fmt"
	"math"
	"math/cmplx"
	"math/rand/v2"

	"github.com/fumin/tensor"
)

// Clone returns a deep copy of src.
func Clone(src *tensor.Dense) *tensor.Dense {
	return ResetCopy(tensor.Zeros(1), src)
}

// ResetCopy resets dst to the shape of src and copies src into it.
func ResetCopy(dst, src *tensor.Dense) *tensor.Dense {
	shape := src.Shape()
	zeroDigit := make([]int, len(shape))
	dst.Reset(shape...).Set(zeroDigit, src)
	return dst
}

// Identity returns the d by d identity matrix.
func Identity(d int) *tensor.Dense {
	t := tensor.Zeros(d, d)
	for i := range d {
		t.SetAt([]int{i, i}, 1)
	}
	return t
}

// IdentityOperator returns the identity operator on width sites of dimension
// d, as a 2*width leg tensor with row legs first.
func IdentityOperator(d, width int) *tensor.Dense {
	dims := make([]int, 0, 2*width)
	for range 2 * width {
		dims = append(dims, d)
	}
	n := 1
	for range width {
		n *= d
	}
	t := tensor.Zeros(n, n)
	for i := range n {
		t.SetAt([]int{i, i}, 1)
	}
	return t.Reshape(dims...)
}

// Rand returns a tensor with entries uniform in the complex unit square.
func Rand(shape ...int) *tensor.Dense {
	t := tensor.Zeros(shape...)
	for ijk := range t.All() {
		v := complex(rand.Float32()*2-1, rand.Float32()*2-1)
		t.SetAt(ijk, v)
	}
	return t
}

// RandIsometry returns a rows by cols matrix m with orthonormal rows,
// m @ m.H() == identity. rows must not exceed cols.
func RandIsometry(rows, cols int) *tensor.Dense {
	if rows > cols {
		panic(fmt.Sprintf("%d %d", rows, cols))
	}
	a := Rand(cols, rows)
	q := tensor.Zeros(1)
	bufs := [2]*tensor.Dense{tensor.Zeros(1), tensor.Zeros(1)}
	tensor.QR(q, a, bufs)
	// q has orthonormal columns, so q.H() has orthonormal rows.
	return Clone(q.H())
}

// RandSectorIsometry returns a rows by cols matrix with orthonormal rows
// that is nonzero only where rowCharges[i] == colCharges[j], built from an
// independent random isometry per charge block. Every row charge must be
// carried by at least as many columns as rows.
func RandSectorIsometry(rowCharges, colCharges []int) (*tensor.Dense, error) {
	return sectorIsometry(rowCharges, colCharges, RandIsometry)
}

// EmbedSectorIsometry is the canonical identity-like embedding respecting
// charges: within each charge block, row k maps to the block's k-th column.
func EmbedSectorIsometry(rowCharges, colCharges []int) (*tensor.Dense, error) {
	embed := func(rows, cols int) *tensor.Dense {
		t := tensor.Zeros(rows, cols)
		for i := range rows {
			t.SetAt([]int{i, i}, 1)
		}
		return t
	}
	return sectorIsometry(rowCharges, colCharges, embed)
}

func sectorIsometry(rowCharges, colCharges []int, block func(rows, cols int) *tensor.Dense) (*tensor.Dense, error) {
	rowsBy := map[int][]int{}
	for i, q := range rowCharges {
		rowsBy[q] = append(rowsBy[q], i)
	}
	colsBy := map[int][]int{}
	for j, q := range colCharges {
		colsBy[q] = append(colsBy[q], j)
	}
	out := tensor.Zeros(len(rowCharges), len(colCharges))
	for q, rows := range rowsBy {
		cols := colsBy[q]
		if len(cols) < len(rows) {
			return nil, fmt.Errorf("charge %d has %d rows but %d columns", q, len(rows), len(cols))
		}
		b := block(len(rows), len(cols))
		for bi, i := range rows {
			for bj, j := range cols {
				out.SetAt([]int{i, j}, b.At(bi, bj))
			}
		}
	}
	return out, nil
}

// Scale multiplies every entry of t by c, in place, and returns t.
func Scale(t *tensor.Dense, c complex64) *tensor.Dense {
	for ijk, v := range t.All() {
		t.SetAt(ijk, c*v)
	}
	return t
}

// Add returns a + b as a new tensor.
func Add(a, b *tensor.Dense) *tensor.Dense {
	s := Clone(a)
	return AddTo(s, b)
}

// AddTo adds b into a in place and returns a.
func AddTo(a, b *tensor.Dense) *tensor.Dense {
	for ijk, v := range b.All() {
		a.SetAt(ijk, a.At(ijk...)+v)
	}
	return a
}

// Inner returns the Frobenius inner product <a, b> = sum(conj(a)*b).
func Inner(a, b *tensor.Dense) complex64 {
	var s complex128
	for ijk, v := range a.All() {
		s += complex128(conj(v) * b.At(ijk...))
	}
	return complex64(s)
}

// Norm returns the Frobenius norm of t.
func Norm(t *tensor.Dense) float64 {
	var s float64
	for _, v := range t.All() {
		s += float64(real(v)*real(v) + imag(v)*imag(v))
	}
	return math.Sqrt(s)
}

// Trace returns the trace of a 2w leg operator with row legs first.
func Trace(op *tensor.Dense) complex64 {
	shape := op.Shape()
	w := len(shape) / 2
	n := 1
	for _, d := range shape[:w] {
		n *= d
	}
	m := op.Reshape(n, n)
	var s complex128
	for i := range n {
		s += complex128(m.At(i, i))
	}
	op.Reshape(shape...)
	return complex64(s)
}

// MatTrace returns the trace of a square matrix.
func MatTrace(m *tensor.Dense) complex64 {
	n := m.Shape()[0]
	var s complex128
	for i := range n {
		s += complex128(m.At(i, i))
	}
	return complex64(s)
}

// PartialTraceLast traces out the last site of a 2-site operator
// op[r1,r2,c1,c2], returning the matrix op1[r1,c1].
func PartialTraceLast(op *tensor.Dense) *tensor.Dense {
	s := op.Shape()
	out := tensor.Zeros(s[0], s[2])
	for i := range s[0] {
		for j := range s[2] {
			var v complex128
			for k := range s[1] {
				v += complex128(op.At(i, k, j, k))
			}
			out.SetAt([]int{i, j}, complex64(v))
		}
	}
	return out
}

// PartialTraceFirst traces out the first site of a 2-site operator
// op[r1,r2,c1,c2], returning the matrix op1[r2,c2].
func PartialTraceFirst(op *tensor.Dense) *tensor.Dense {
	s := op.Shape()
	out := tensor.Zeros(s[1], s[3])
	for i := range s[1] {
		for j := range s[3] {
			var v complex128
			for k := range s[0] {
				v += complex128(op.At(k, i, k, j))
			}
			out.SetAt([]int{i, j}, complex64(v))
		}
	}
	return out
}

// KronOp builds the 2-site operator a (x) b from one-site matrices,
// as the 4-leg tensor op[r1,r2,c1,c2] = a[r1,c1]*b[r2,c2].
func KronOp(a, b *tensor.Dense) *tensor.Dense {
	as, bs := a.Shape(), b.Shape()
	out := tensor.Zeros(as[0], bs[0], as[1], bs[1])
	for r1 := range as[0] {
		for c1 := range as[1] {
			av := a.At(r1, c1)
			if av == 0 {
				continue
			}
			for r2 := range bs[0] {
				for c2 := range bs[1] {
					out.SetAt([]int{r1, r2, c1, c2}, av*b.At(r2, c2))
				}
			}
		}
	}
	return out
}

// ZeroPad embeds t into a tensor of the given larger shape, padding with
// zeros. Every dimension of shape must be at least that of t.
func ZeroPad(t *tensor.Dense, shape ...int) *tensor.Dense {
	ts := t.Shape()
	if len(ts) != len(shape) {
		panic(fmt.Sprintf("%#v %#v", ts, shape))
	}
	for i, d := range ts {
		if shape[i] < d {
			panic(fmt.Sprintf("%#v %#v", ts, shape))
		}
	}
	out := tensor.Zeros(shape...)
	out.Set(make([]int, len(shape)), t)
	return out
}

// Hermitize replaces a 2w leg operator by its Hermitian part and returns the
// norm of the discarded anti-Hermitian part.
func Hermitize(op *tensor.Dense) (*tensor.Dense, float64) {
	shape := op.Shape()
	w := len(shape) / 2
	n := 1
	for _, d := range shape[:w] {
		n *= d
	}
	m := op.Reshape(n, n)
	herm := tensor.Zeros(n, n)
	var resid float64
	for i := range n {
		for j := range n {
			h := (m.At(i, j) + conj(m.At(j, i))) / 2
			a := (m.At(i, j) - conj(m.At(j, i))) / 2
			herm.SetAt([]int{i, j}, h)
			resid += float64(real(a)*real(a) + imag(a)*imag(a))
		}
	}
	op.Reshape(shape...)
	return herm.Reshape(shape...), math.Sqrt(resid)
}

func conj(v complex64) complex64 {
	return complex(real(v), -imag(v))
}

// Abs returns the magnitude of a complex64.
func Abs(v complex64) float64 {
	return cmplx.Abs(complex128(v))
}
