package fit

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"gohdx/domain/core"
)

const (
	defaultDamping = 1e-3
	maxDamping     = 1e12
	minDamping     = 1e-12
	// Consecutive non-finite trial costs before the fit is declared diverged.
	nonFiniteLimit = 25
)

// Objective is a nonlinear least-squares problem: residuals r(theta) over
// NObs observations in Dim parameters, with an analytic model jacobian
// jac[i][k] = d f_i / d theta_k (residuals are observed minus fitted).
type Objective struct {
	Dim       int
	NObs      int
	Residuals func(theta, out []float64)
	Jacobian  func(theta []float64, jac *mat.Dense)
}

// Options bound the solver: an iteration budget, a single convergence
// tolerance (applied to the relative cost improvement and the gradient
// sup-norm), and optional box constraints per parameter.
type Options struct {
	MaxIterations int
	Tolerance     float64
	Damping       float64
	Lower         []float64
	Upper         []float64
}

// Solution is a converged fit: the parameter vector, the residual sum of
// squares, and the undamped normal matrix at the solution for covariance
// computation.
type Solution struct {
	Theta      []float64
	RSS        float64
	Iterations int
	Normal     *mat.SymDense
}

// Solve runs a damped-normal-equations Levenberg-Marquardt iteration. Steps
// are accepted only when they strictly reduce the cost, so the final RSS
// never exceeds the starting RSS. Failure modes map onto the domain
// sentinels: core.ErrSingularJacobian, core.ErrMaxIterations,
// core.ErrSolverDiverged, core.ErrInsufficientData.
func Solve(obj Objective, start []float64, opts Options) (Solution, error) {
	p, n := obj.Dim, obj.NObs
	if len(start) != p {
		return Solution{}, fmt.Errorf("start vector has %d entries for %d parameters", len(start), p)
	}
	if n < p {
		return Solution{}, core.NewInsufficientDataError(n, p)
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 200
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = 1e-8
	}
	if opts.Damping <= 0 {
		opts.Damping = defaultDamping
	}

	theta := make([]float64, p)
	copy(theta, start)
	clampToBounds(theta, opts.Lower, opts.Upper)

	r := make([]float64, n)
	rTrial := make([]float64, n)
	obj.Residuals(theta, r)
	cost := sumSquares(r)
	if !isFinite(cost) {
		return Solution{}, fmt.Errorf("%w: non-finite cost at start", core.ErrSolverDiverged)
	}

	jac := mat.NewDense(n, p, nil)
	normal := mat.NewSymDense(p, nil)
	grad := mat.NewVecDense(p, nil)
	damped := mat.NewSymDense(p, nil)
	delta := mat.NewVecDense(p, nil)
	trial := make([]float64, p)

	lambda := opts.Damping
	nonFinite := 0
	staleNormal := true

	for iter := 1; iter <= opts.MaxIterations; iter++ {
		if staleNormal {
			obj.Jacobian(theta, jac)
			if err := normalEquations(jac, r, normal, grad); err != nil {
				return Solution{}, err
			}
			staleNormal = false
		}

		if supNorm(grad) < opts.Tolerance {
			return Solution{Theta: theta, RSS: cost, Iterations: iter, Normal: cloneSym(normal)}, nil
		}

		for a := 0; a < p; a++ {
			if normal.At(a, a) == 0 {
				return Solution{}, fmt.Errorf("%w: parameter %d has no leverage on the residuals", core.ErrSingularJacobian, a)
			}
		}

		damped.CopySym(normal)
		for a := 0; a < p; a++ {
			damped.SetSym(a, a, normal.At(a, a)*(1+lambda))
		}

		var chol mat.Cholesky
		if !chol.Factorize(damped) {
			lambda = escalate(lambda)
			continue
		}
		if err := chol.SolveVecTo(delta, grad); err != nil {
			lambda = escalate(lambda)
			continue
		}

		for a := 0; a < p; a++ {
			trial[a] = theta[a] + delta.AtVec(a)
		}
		clampToBounds(trial, opts.Lower, opts.Upper)

		obj.Residuals(trial, rTrial)
		trialCost := sumSquares(rTrial)
		if !isFinite(trialCost) {
			nonFinite++
			if nonFinite >= nonFiniteLimit {
				return Solution{}, fmt.Errorf("%w: %d consecutive non-finite trial costs", core.ErrSolverDiverged, nonFinite)
			}
			lambda = escalate(lambda)
			continue
		}
		nonFinite = 0

		if trialCost < cost {
			improvement := (cost - trialCost) / math.Max(cost, 1e-300)
			copy(theta, trial)
			copy(r, rTrial)
			cost = trialCost
			lambda = math.Max(lambda*0.1, minDamping)
			staleNormal = true
			if improvement < opts.Tolerance {
				// Refresh the normal matrix at the accepted point so the
				// caller's covariance reflects the solution.
				obj.Jacobian(theta, jac)
				if err := normalEquations(jac, r, normal, grad); err != nil {
					return Solution{}, err
				}
				return Solution{Theta: theta, RSS: cost, Iterations: iter, Normal: cloneSym(normal)}, nil
			}
		} else {
			lambda = escalate(lambda)
		}
	}

	return Solution{}, fmt.Errorf("%w: no convergence in %d iterations", core.ErrMaxIterations, opts.MaxIterations)
}

// normalEquations fills normal = J'J and grad = J'r
func normalEquations(jac *mat.Dense, r []float64, normal *mat.SymDense, grad *mat.VecDense) error {
	n, p := jac.Dims()
	for a := 0; a < p; a++ {
		for b := a; b < p; b++ {
			sum := 0.0
			for i := 0; i < n; i++ {
				sum += jac.At(i, a) * jac.At(i, b)
			}
			if !isFinite(sum) {
				return fmt.Errorf("%w: non-finite normal matrix", core.ErrSolverDiverged)
			}
			normal.SetSym(a, b, sum)
		}
		g := 0.0
		for i := 0; i < n; i++ {
			g += jac.At(i, a) * r[i]
		}
		if !isFinite(g) {
			return fmt.Errorf("%w: non-finite gradient", core.ErrSolverDiverged)
		}
		grad.SetVec(a, g)
	}
	return nil
}

// Covariance computes sigma2 * inv(normal). A normal matrix that cannot be
// factorized means the parameters are not jointly identifiable.
func Covariance(normal *mat.SymDense, sigma2 float64) ([][]float64, error) {
	var chol mat.Cholesky
	if !chol.Factorize(normal) {
		return nil, fmt.Errorf("%w: normal matrix not positive definite at solution", core.ErrSingularJacobian)
	}
	p := normal.SymmetricDim()
	inv := mat.NewSymDense(p, nil)
	if err := chol.InverseTo(inv); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrSingularJacobian, err)
	}
	out := make([][]float64, p)
	for i := 0; i < p; i++ {
		out[i] = make([]float64, p)
		for j := 0; j < p; j++ {
			out[i][j] = sigma2 * inv.At(i, j)
		}
	}
	return out, nil
}

func escalate(lambda float64) float64 {
	next := lambda * 10
	if next > maxDamping {
		return maxDamping
	}
	return next
}

func clampToBounds(theta, lower, upper []float64) {
	for i := range theta {
		if lower != nil && theta[i] < lower[i] {
			theta[i] = lower[i]
		}
		if upper != nil && theta[i] > upper[i] {
			theta[i] = upper[i]
		}
	}
}

func sumSquares(r []float64) float64 {
	sum := 0.0
	for _, v := range r {
		sum += v * v
	}
	return sum
}

func supNorm(v *mat.VecDense) float64 {
	maxAbs := 0.0
	for i := 0; i < v.Len(); i++ {
		if a := math.Abs(v.AtVec(i)); a > maxAbs {
			maxAbs = a
		}
	}
	return maxAbs
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func cloneSym(s *mat.SymDense) *mat.SymDense {
	p := s.SymmetricDim()
	out := mat.NewSymDense(p, nil)
	out.CopySym(s)
	return out
}
