// Package numeric holds the dense linear algebra, robust weighting and
// density kernels used by the background corrector and summarizers.
package numeric

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrNotPositiveDefinite is returned when a Cholesky factorization fails.
	ErrNotPositiveDefinite = errors.New("numeric: matrix is not positive definite")
	// ErrNoConvergence is returned when an SVD does not converge.
	ErrNoConvergence = errors.New("numeric: decomposition did not converge")
)

// CholeskyInverse inverts a symmetric positive definite matrix. It signals
// ErrNotPositiveDefinite instead of returning an unreliable inverse.
func CholeskyInverse(a *mat.SymDense) (*mat.SymDense, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(a); !ok {
		return nil, ErrNotPositiveDefinite
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		// mat.Condition: numerically singular.
		return nil, fmt.Errorf("%w: %v", ErrNotPositiveDefinite, err)
	}
	return &inv, nil
}

// PseudoInverse returns the Moore-Penrose inverse of a computed from its thin
// SVD. Singular values below max(r,c)·σmax·eps are treated as zero.
func PseudoInverse(a mat.Matrix) (*mat.Dense, error) {
	r, c := a.Dims()
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, ErrNoConvergence
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	s := svd.Values(nil)

	tol := 0.0
	if len(s) > 0 {
		tol = float64(max(r, c)) * s[0] * eps
	}
	// v·diag(1/s) in place, then multiply by uᵀ.
	vr, _ := v.Dims()
	for j, sv := range s {
		scale := 0.0
		if sv > tol {
			scale = 1 / sv
		}
		for i := 0; i < vr; i++ {
			v.Set(i, j, v.At(i, j)*scale)
		}
	}
	var inv mat.Dense
	inv.Mul(&v, u.T())
	return &inv, nil
}

// InverseSymmetric inverts a with Cholesky and falls back to the pseudo-inverse
// when a is not positive definite. fallback reports which path was used.
func InverseSymmetric(a *mat.SymDense) (inv *mat.Dense, fallback bool, err error) {
	if ci, err := CholeskyInverse(a); err == nil {
		return mat.DenseCopyOf(ci), false, nil
	}
	pi, err := PseudoInverse(a)
	if err != nil {
		return nil, true, err
	}
	return pi, true, nil
}

var eps = math.Nextafter(1, 2) - 1
