// Package lti contains the linear time-invariant toolbox used for offline
// gain design: zero-order-hold discretization, the continuous algebraic
// Riccati equation, pole placement and closed-loop eigenvalue checks.
//
// Everything here runs once, at construction of a control law, never on the
// simulation tick.
package lti

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrNoConvergence  = errors.New("lti: iteration did not converge")
	ErrSingular       = errors.New("lti: singular matrix")
	ErrUncontrollable = errors.New("lti: pair (A, B) is not controllable")
	ErrNotStabilizing = errors.New("lti: closed loop is not asymptotically stable")
	ErrBadPoles       = errors.New("lti: poles must be closed under conjugation")
)

// Discretize returns Ad = e^(A dt) and Bd = int_0^dt e^(A s) ds B using the
// exponential of the augmented matrix [[A, B], [0, 0]].
func Discretize(a, b mat.Matrix, dt float64) (*mat.Dense, *mat.Dense) {
	n, _ := a.Dims()
	_, m := b.Dims()

	aug := mat.NewDense(n+m, n+m, nil)
	aug.Slice(0, n, 0, n).(*mat.Dense).Scale(dt, a)
	aug.Slice(0, n, n, n+m).(*mat.Dense).Scale(dt, b)

	var e mat.Dense
	e.Exp(aug)

	ad := mat.DenseCopyOf(e.Slice(0, n, 0, n))
	bd := mat.DenseCopyOf(e.Slice(0, n, n, n+m))
	return ad, bd
}

// SignOptions tunes the matrix sign iteration.
type SignOptions struct {
	MaxIter int
	Tol     float64
}

var DefaultSignOptions = SignOptions{MaxIter: 100, Tol: 1e-13}

// SolveCARE returns the stabilizing symmetric solution X of
//
//	A^T X + X A - X S X + Q = 0
//
// using the determinant-scaled Newton iteration for the sign of the
// Hamiltonian [[A, -S], [-Q, -A^T]]. S and Q must be symmetric; S may be
// indefinite, which is what the H-infinity equations need.
func SolveCARE(a, s, q mat.Matrix) (*mat.Dense, error) {
	return SolveCAREWith(a, s, q, DefaultSignOptions)
}

func SolveCAREWith(a, s, q mat.Matrix, opt SignOptions) (*mat.Dense, error) {
	n, c := a.Dims()
	if n != c {
		return nil, fmt.Errorf("lti: A must be square, got %dx%d", n, c)
	}

	h := mat.NewDense(2*n, 2*n, nil)
	h.Slice(0, n, 0, n).(*mat.Dense).Copy(a)
	h.Slice(0, n, n, 2*n).(*mat.Dense).Scale(-1, s)
	h.Slice(n, 2*n, 0, n).(*mat.Dense).Scale(-1, q)
	h.Slice(n, 2*n, n, 2*n).(*mat.Dense).Scale(-1, a.T())

	w, err := matrixSign(h, opt)
	if err != nil {
		return nil, err
	}

	// The stable invariant subspace [I; X] is the null space of W + I.
	lhs := mat.NewDense(2*n, n, nil)
	lhs.Slice(0, n, 0, n).(*mat.Dense).Copy(w.Slice(0, n, n, 2*n))
	lower := lhs.Slice(n, 2*n, 0, n).(*mat.Dense)
	lower.Copy(w.Slice(n, 2*n, n, 2*n))
	addIdentity(lower)

	rhs := mat.NewDense(2*n, n, nil)
	upper := rhs.Slice(0, n, 0, n).(*mat.Dense)
	upper.Copy(w.Slice(0, n, 0, n))
	addIdentity(upper)
	rhs.Slice(n, 2*n, 0, n).(*mat.Dense).Copy(w.Slice(n, 2*n, 0, n))
	rhs.Scale(-1, rhs)

	var x mat.Dense
	if err := x.Solve(lhs, rhs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingular, err)
	}
	sym := Symmetrize(&x)
	if !allFinite(sym) {
		return nil, fmt.Errorf("%w: non-finite Riccati solution", ErrNoConvergence)
	}

	res := CAREResidual(a, s, q, sym)
	nx := mat.Norm(sym, 1)
	scale := math.Max(1, mat.Norm(q, 1)+2*nx*mat.Norm(a, 1)+nx*nx*mat.Norm(s, 1))
	if res > 1e-8*scale {
		return nil, fmt.Errorf("%w: residual %.3g", ErrNoConvergence, res)
	}
	return sym, nil
}

// CAREResidual is the 1-norm of A^T X + X A - X S X + Q.
func CAREResidual(a, s, q, x mat.Matrix) float64 {
	var r, tmp, xs mat.Dense
	r.Mul(a.T(), x)
	tmp.Mul(x, a)
	r.Add(&r, &tmp)
	xs.Mul(x, s)
	tmp.Mul(&xs, x)
	r.Sub(&r, &tmp)
	r.Add(&r, q)
	return mat.Norm(&r, 1)
}

func matrixSign(h *mat.Dense, opt SignOptions) (*mat.Dense, error) {
	n, _ := h.Dims()
	z := mat.DenseCopyOf(h)
	var zinv, next mat.Dense

	for iter := 0; iter < opt.MaxIter; iter++ {
		var lu mat.LU
		lu.Factorize(z)
		logDet, sign := lu.LogDet()
		if sign == 0 || math.IsInf(logDet, 0) || math.IsNaN(logDet) {
			return nil, fmt.Errorf("%w: Hamiltonian has eigenvalues on the imaginary axis", ErrSingular)
		}
		if err := zinv.Inverse(z); err != nil {
			var cond mat.Condition
			if !errors.As(err, &cond) {
				return nil, fmt.Errorf("%w: %v", ErrSingular, err)
			}
		}

		c := math.Exp(logDet / float64(n))
		next.Scale(0.5/c, z)
		zinv.Scale(0.5*c, &zinv)
		next.Add(&next, &zinv)

		var diff mat.Dense
		diff.Sub(&next, z)
		delta := mat.Norm(&diff, 1)
		z.Copy(&next)
		if !allFinite(z) {
			return nil, fmt.Errorf("%w: sign iteration produced non-finite values", ErrNoConvergence)
		}
		if delta <= opt.Tol*mat.Norm(z, 1) {
			return z, nil
		}
	}
	return nil, fmt.Errorf("%w: sign iteration exceeded %d steps", ErrNoConvergence, opt.MaxIter)
}

// LQR returns K = R^-1 B^T P and P, the stabilizing CARE solution for the
// cost integral of x^T Q x + u^T R u.
func LQR(a, b, q, r mat.Matrix) (k, p *mat.Dense, err error) {
	if !IsPositiveSemidefinite(q) {
		return nil, nil, errors.New("lti: Q must be symmetric positive semi-definite")
	}
	if !IsPositiveDefinite(r) {
		return nil, nil, errors.New("lti: R must be symmetric positive definite")
	}

	var rinv mat.Dense
	if err := rinv.Inverse(r); err != nil {
		return nil, nil, fmt.Errorf("%w: R: %v", ErrSingular, err)
	}
	var s, brinv mat.Dense
	brinv.Mul(b, &rinv)
	s.Mul(&brinv, b.T())

	p, err = SolveCARE(a, &s, q)
	if err != nil {
		return nil, nil, err
	}

	k = new(mat.Dense)
	k.Mul(&rinv, b.T())
	k.Mul(k, p)
	return k, p, nil
}

// Controllability returns [B, AB, ..., A^(n-1) B].
func Controllability(a, b mat.Matrix) *mat.Dense {
	n, _ := a.Dims()
	_, m := b.Dims()
	co := mat.NewDense(n, n*m, nil)
	col := mat.DenseCopyOf(b)
	for i := 0; i < n; i++ {
		co.Slice(0, n, i*m, (i+1)*m).(*mat.Dense).Copy(col)
		var next mat.Dense
		next.Mul(a, col)
		col = &next
	}
	return co
}

// Ackermann places the eigenvalues of A - B K at poles for a single-input pair.
// Complex poles must appear together with their conjugates.
func Ackermann(a, b mat.Matrix, poles []complex128) (*mat.Dense, error) {
	n, _ := a.Dims()
	_, m := b.Dims()
	if m != 1 {
		return nil, fmt.Errorf("lti: Ackermann needs a single input, got %d", m)
	}
	if len(poles) != n {
		return nil, fmt.Errorf("lti: need %d poles, got %d", n, len(poles))
	}

	coeffs, err := realPoly(poles)
	if err != nil {
		return nil, err
	}

	// phi(A) = A^n + c[n-1] A^(n-1) + ... + c[0] I, by Horner.
	phi := mat.NewDense(n, n, nil)
	addIdentity(phi)
	for i := n - 1; i >= 0; i-- {
		var next mat.Dense
		next.Mul(phi, a)
		for j := 0; j < n; j++ {
			next.Set(j, j, next.At(j, j)+coeffs[i])
		}
		phi = &next
	}

	co := Controllability(a, b)
	var lu mat.LU
	lu.Factorize(co)
	if lu.Det() == 0 || lu.Cond() > 1e14 {
		return nil, ErrUncontrollable
	}

	en := mat.NewVecDense(n, nil)
	en.SetVec(n-1, 1)
	var y mat.VecDense
	if err := lu.SolveVecTo(&y, true, en); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUncontrollable, err)
	}

	k := mat.NewDense(1, n, nil)
	k.Mul(y.T(), phi)
	return k, nil
}

// realPoly expands prod(s - p_i) and returns the monic coefficients
// c[0..n-1] (lowest degree first), requiring a real polynomial.
func realPoly(poles []complex128) ([]float64, error) {
	c := []complex128{1}
	for _, p := range poles {
		next := make([]complex128, len(c)+1)
		for i, v := range c {
			next[i+1] += v
			next[i] -= p * v
		}
		c = next
	}
	out := make([]float64, len(poles))
	for i := range out {
		if math.Abs(imag(c[i])) > 1e-9*math.Max(1, cmplx.Abs(c[i])) {
			return nil, ErrBadPoles
		}
		out[i] = real(c[i])
	}
	return out, nil
}

// Eigenvalues of a general square matrix.
func Eigenvalues(a mat.Matrix) ([]complex128, error) {
	var eig mat.Eigen
	if ok := eig.Factorize(a, mat.EigenNone); !ok {
		return nil, fmt.Errorf("%w: eigen decomposition failed", ErrNoConvergence)
	}
	return eig.Values(nil), nil
}

// SpectralAbscissa is the largest real part among the eigenvalues of a.
func SpectralAbscissa(a mat.Matrix) (float64, error) {
	vals, err := Eigenvalues(a)
	if err != nil {
		return 0, err
	}
	max := math.Inf(-1)
	for _, v := range vals {
		max = math.Max(max, real(v))
	}
	return max, nil
}

// SpectralRadius is the largest eigenvalue magnitude of a.
func SpectralRadius(a mat.Matrix) (float64, error) {
	vals, err := Eigenvalues(a)
	if err != nil {
		return 0, err
	}
	max := 0.0
	for _, v := range vals {
		max = math.Max(max, cmplx.Abs(v))
	}
	return max, nil
}

// ClosedLoop returns A - B K.
func ClosedLoop(a, b, k mat.Matrix) *mat.Dense {
	var bk, cl mat.Dense
	bk.Mul(b, k)
	cl.Sub(a, &bk)
	return &cl
}

// CheckHurwitz fails with ErrNotStabilizing unless every eigenvalue of a has
// a strictly negative real part.
func CheckHurwitz(a mat.Matrix) error {
	abscissa, err := SpectralAbscissa(a)
	if err != nil {
		return err
	}
	if abscissa >= 0 {
		return fmt.Errorf("%w: max real part %.4g", ErrNotStabilizing, abscissa)
	}
	return nil
}

func Symmetrize(x mat.Matrix) *mat.Dense {
	var s mat.Dense
	s.Add(x, x.T())
	s.Scale(0.5, &s)
	return &s
}

// IsPositiveSemidefinite reports whether a is symmetric with no eigenvalue
// below a small tolerance relative to its largest one.
func IsPositiveSemidefinite(a mat.Matrix) bool {
	min, max, ok := symEigenRange(a)
	return ok && min >= -1e-9*math.Max(1, max)
}

func IsPositiveDefinite(a mat.Matrix) bool {
	min, _, ok := symEigenRange(a)
	return ok && min > 0
}

func symEigenRange(a mat.Matrix) (min, maxAbs float64, ok bool) {
	n, c := a.Dims()
	if n != c {
		return 0, 0, false
	}
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			if math.Abs(a.At(i, j)-a.At(j, i)) > 1e-9*math.Max(1, math.Abs(a.At(i, j))) {
				return 0, 0, false
			}
			sym.SetSym(i, j, a.At(i, j))
		}
	}
	var eig mat.EigenSym
	if !eig.Factorize(sym, false) {
		return 0, 0, false
	}
	min = math.Inf(1)
	for _, v := range eig.Values(nil) {
		min = math.Min(min, v)
		maxAbs = math.Max(maxAbs, math.Abs(v))
	}
	return min, maxAbs, true
}

func addIdentity(m *mat.Dense) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		m.Set(i, i, m.At(i, i)+1)
	}
}

func allFinite(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// Diag builds a square diagonal dense matrix.
func Diag(vals ...float64) *mat.Dense {
	n := len(vals)
	d := mat.NewDense(n, n, nil)
	for i, v := range vals {
		d.Set(i, i, v)
	}
	return d
}

// MulVec returns m*v for a plain slice.
func MulVec(m mat.Matrix, v []float64) []float64 {
	r, _ := m.Dims()
	var out mat.VecDense
	out.MulVec(m, mat.NewVecDense(len(v), v))
	res := make([]float64, r)
	for i := range res {
		res[i] = out.AtVec(i)
	}
	return res
}
