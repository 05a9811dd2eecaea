// Package linalg provides the dense linear algebra the renormalization
// engine needs beyond raw tensor contraction: Hermitian eigendecomposition,
// matrix functions, linear solves and polar decomposition of complex
// matrices. Complex n by n matrices are bridged to gonum through their real
// 2n by 2n embedding [[re, -im], [im, re]], which is a ring homomorphism, so
// sums, products, inverses and analytic functions commute with the embedding.
package linalg

import (
	"fmt"
	"math"

	"github.com/fumin/tensor"
	"gonum.org/v1/gonum/mat"
)

// Machine precision of float32.
const epsilon = 0x1p-23

// embed returns the real 2n by 2m embedding of a complex matrix.
func embed(a *tensor.Dense) *mat.Dense {
	s := a.Shape()
	if len(s) != 2 {
		panic(fmt.Sprintf("%#v", s))
	}
	n, m := s[0], s[1]
	e := mat.NewDense(2*n, 2*m, nil)
	for i := range n {
		for j := range m {
			v := a.At(i, j)
			re, im := float64(real(v)), float64(imag(v))
			e.Set(i, j, re)
			e.Set(i, m+j, -im)
			e.Set(n+i, j, im)
			e.Set(n+i, m+j, re)
		}
	}
	return e
}

// unembed recovers the complex n by m matrix from its real embedding.
func unembed(e mat.Matrix, n, m int) *tensor.Dense {
	a := tensor.Zeros(n, m)
	for i := range n {
		for j := range m {
			a.SetAt([]int{i, j}, complex(float32(e.At(i, j)), float32(e.At(n+i, j))))
		}
	}
	return a
}

// EigvalsHermitian returns the eigenvalues of a Hermitian matrix in
// ascending order. The anti-Hermitian part of h is ignored.
func EigvalsHermitian(h *tensor.Dense) []float64 {
	n := h.Shape()[0]
	sym := symEmbedding(h)
	var es mat.EigenSym
	if ok := es.Factorize(sym, false); !ok {
		panic("EigenSym.Factorize failed")
	}
	all := es.Values(nil)
	// Eigenvalues of the embedding are those of h, each doubled; sorted
	// ascending they sit in adjacent pairs.
	vals := make([]float64, 0, n)
	for i := 0; i < 2*n; i += 2 {
		vals = append(vals, all[i])
	}
	return vals
}

// FuncHermitian applies the scalar function f to a Hermitian matrix through
// its eigendecomposition.
func FuncHermitian(h *tensor.Dense, f func(float64) float64) *tensor.Dense {
	n := h.Shape()[0]
	sym := symEmbedding(h)
	var es mat.EigenSym
	if ok := es.Factorize(sym, true); !ok {
		panic("EigenSym.Factorize failed")
	}
	vals := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	for i := range vals {
		vals[i] = f(vals[i])
	}
	fl := mat.NewDiagDense(2*n, vals)
	var vf, out mat.Dense
	vf.Mul(&vecs, fl)
	out.Mul(&vf, vecs.T())
	return unembed(&out, n, n)
}

// symEmbedding returns the real symmetric embedding of the Hermitian part
// of h.
func symEmbedding(h *tensor.Dense) *mat.SymDense {
	s := h.Shape()
	if len(s) != 2 || s[0] != s[1] {
		panic(fmt.Sprintf("%#v", s))
	}
	n := s[0]
	sym := mat.NewSymDense(2*n, nil)
	for i := range n {
		for j := i; j < n; j++ {
			v := h.At(i, j)
			w := h.At(j, i)
			re := (float64(real(v)) + float64(real(w))) / 2
			im := (float64(imag(v)) - float64(imag(w))) / 2
			sym.SetSym(i, j, re)
			sym.SetSym(n+i, n+j, re)
			// Upper triangle of the off-diagonal block is -im(h).
			sym.SetSym(i, n+j, -im)
			if i != j {
				sym.SetSym(j, n+i, im)
			}
		}
	}
	return sym
}

// Solve returns x with a @ x = b for a square complex a.
func Solve(a, b *tensor.Dense) (*tensor.Dense, error) {
	bs := b.Shape()
	var x mat.Dense
	if err := x.Solve(embed(a), embed(b)); err != nil {
		return nil, err
	}
	return unembed(&x, bs[0], bs[1]), nil
}

// Expm returns the matrix exponential of a square complex matrix.
func Expm(a *tensor.Dense) *tensor.Dense {
	n := a.Shape()[0]
	var e mat.Dense
	e.Exp(embed(a))
	return unembed(&e, n, n)
}

// Polar returns the isometric factor u @ vH of the singular value
// decomposition of a p by n matrix with p <= n, computed as
// (m mH)^(-1/2) m. Singular values below epsilon relative to the largest
// are treated as zero directions and dropped from the inverse square root.
func Polar(m *tensor.Dense) *tensor.Dense {
	s := m.Shape()
	if len(s) != 2 || s[0] > s[1] {
		panic(fmt.Sprintf("%#v", s))
	}
	h := tensor.Zeros(1)
	tensor.Product(h, m, m.Conj(), [][2]int{{1, 1}})

	vals := EigvalsHermitian(h)
	var top float64
	for _, v := range vals {
		top = math.Max(top, v)
	}
	clip := math.Max(top*epsilon, epsilon)
	isqrt := FuncHermitian(h, func(l float64) float64 {
		if l < clip {
			return 0
		}
		return 1 / math.Sqrt(l)
	})

	out := tensor.Zeros(1)
	tensor.Product(out, isqrt, m, [][2]int{{1, 0}})
	return out
}
