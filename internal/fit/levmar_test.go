package fit

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"gohdx/domain/core"
)

// lineObjective builds the least-squares problem for y = c0 + c1*x
func lineObjective(xs, ys []float64) Objective {
	return Objective{
		Dim:  2,
		NObs: len(xs),
		Residuals: func(theta, out []float64) {
			for i := range xs {
				out[i] = ys[i] - (theta[0] + theta[1]*xs[i])
			}
		},
		Jacobian: func(theta []float64, jac *mat.Dense) {
			for i := range xs {
				jac.Set(i, 0, 1)
				jac.Set(i, 1, xs[i])
			}
		},
	}
}

// expObjective builds the problem for y = a*(1 - exp(-b*t))
func expObjective(ts, ys []float64) Objective {
	return Objective{
		Dim:  2,
		NObs: len(ts),
		Residuals: func(theta, out []float64) {
			for i := range ts {
				out[i] = ys[i] - theta[0]*(1-math.Exp(-theta[1]*ts[i]))
			}
		},
		Jacobian: func(theta []float64, jac *mat.Dense) {
			for i := range ts {
				e := math.Exp(-theta[1] * ts[i])
				jac.Set(i, 0, 1-e)
				jac.Set(i, 1, theta[0]*ts[i]*e)
			}
		},
	}
}

func exactLine(xs []float64, c0, c1 float64) []float64 {
	ys := make([]float64, len(xs))
	for i, x := range xs {
		ys[i] = c0 + c1*x
	}
	return ys
}

func TestSolve_RecoversLine(t *testing.T) {
	xs := []float64{0, 1, 2, 3, 4}
	ys := exactLine(xs, 2, 3)

	sol, err := Solve(lineObjective(xs, ys), []float64{0, 0}, Options{})
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if math.Abs(sol.Theta[0]-2) > 1e-4 || math.Abs(sol.Theta[1]-3) > 1e-4 {
		t.Fatalf("expected (2, 3), got (%.6f, %.6f)", sol.Theta[0], sol.Theta[1])
	}
	if sol.RSS > 1e-6 {
		t.Fatalf("expected near-zero RSS on exact data, got %g", sol.RSS)
	}
	if sol.Normal == nil {
		t.Fatal("expected a normal matrix at the solution")
	}
}

func TestSolve_NonlinearExponential(t *testing.T) {
	ts := []float64{0, 5, 10, 20, 40, 80, 160}
	ys := make([]float64, len(ts))
	for i, x := range ts {
		ys[i] = 4 * (1 - math.Exp(-0.05*x))
	}

	sol, err := Solve(expObjective(ts, ys), []float64{3, 0.1}, Options{})
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if math.Abs(sol.Theta[0]-4) > 1e-3 {
		t.Errorf("amplitude: got %.5f want 4", sol.Theta[0])
	}
	if math.Abs(sol.Theta[1]-0.05) > 1e-4 {
		t.Errorf("rate: got %.5f want 0.05", sol.Theta[1])
	}
	if sol.Iterations <= 0 {
		t.Errorf("expected positive iteration count, got %d", sol.Iterations)
	}
}

func TestSolve_NeverIncreasesCost(t *testing.T) {
	ts := []float64{0, 5, 10, 20, 40, 80, 160}
	// Data off the model family, so the optimum carries residual cost.
	ys := []float64{0.3, 1.1, 1.6, 2.9, 3.2, 4.4, 3.9}

	obj := expObjective(ts, ys)
	start := []float64{1, 0.5}

	r := make([]float64, obj.NObs)
	obj.Residuals(start, r)
	startCost := 0.0
	for _, v := range r {
		startCost += v * v
	}

	sol, err := Solve(obj, start, Options{})
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if sol.RSS > startCost {
		t.Fatalf("final RSS %.6g exceeds starting cost %.6g", sol.RSS, startCost)
	}
}

func TestSolve_ClampsToBounds(t *testing.T) {
	xs := []float64{0, 1, 2, 3, 4}
	ys := exactLine(xs, 2, 3)

	sol, err := Solve(lineObjective(xs, ys), []float64{-5, -5}, Options{
		Lower: []float64{0, 0},
		Upper: []float64{10, 10},
	})
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if sol.Theta[0] < 0 || sol.Theta[1] < 0 || sol.Theta[0] > 10 || sol.Theta[1] > 10 {
		t.Fatalf("solution (%.4f, %.4f) escaped the box", sol.Theta[0], sol.Theta[1])
	}
	if math.Abs(sol.Theta[0]-2) > 1e-4 || math.Abs(sol.Theta[1]-3) > 1e-4 {
		t.Fatalf("expected (2, 3), got (%.6f, %.6f)", sol.Theta[0], sol.Theta[1])
	}
}

func TestSolve_InsufficientObservations(t *testing.T) {
	obj := lineObjective([]float64{1}, []float64{2})
	_, err := Solve(obj, []float64{0, 0}, Options{})
	if !errors.Is(err, core.ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestSolve_SingularJacobian(t *testing.T) {
	xs := []float64{0, 1, 2, 3}
	obj := Objective{
		Dim:  2,
		NObs: len(xs),
		Residuals: func(theta, out []float64) {
			for i, x := range xs {
				out[i] = (2 + x) - theta[0]
			}
		},
		Jacobian: func(theta []float64, jac *mat.Dense) {
			for i := range xs {
				jac.Set(i, 0, 1)
				jac.Set(i, 1, 0)
			}
		},
	}
	_, err := Solve(obj, []float64{0, 0}, Options{})
	if !errors.Is(err, core.ErrSingularJacobian) {
		t.Fatalf("expected ErrSingularJacobian, got %v", err)
	}
}

func TestSolve_MaxIterationsBudget(t *testing.T) {
	ts := []float64{0, 5, 10, 20, 40, 80, 160}
	ys := make([]float64, len(ts))
	for i, x := range ts {
		ys[i] = 4 * (1 - math.Exp(-0.05*x))
	}
	_, err := Solve(expObjective(ts, ys), []float64{3, 0.1}, Options{MaxIterations: 1})
	if !errors.Is(err, core.ErrMaxIterations) {
		t.Fatalf("expected ErrMaxIterations, got %v", err)
	}
}

func TestSolve_DivergesOnNonFiniteCost(t *testing.T) {
	obj := Objective{
		Dim:  1,
		NObs: 2,
		Residuals: func(theta, out []float64) {
			for i := range out {
				out[i] = math.NaN()
			}
		},
		Jacobian: func(theta []float64, jac *mat.Dense) {},
	}
	_, err := Solve(obj, []float64{0}, Options{})
	if !errors.Is(err, core.ErrSolverDiverged) {
		t.Fatalf("expected ErrSolverDiverged, got %v", err)
	}
}

func TestCovariance_ScalesInverseNormal(t *testing.T) {
	normal := mat.NewSymDense(2, []float64{4, 0, 0, 2})
	cov, err := Covariance(normal, 2.0)
	if err != nil {
		t.Fatalf("covariance: %v", err)
	}
	if math.Abs(cov[0][0]-0.5) > 1e-12 {
		t.Errorf("cov[0][0]: got %g want 0.5", cov[0][0])
	}
	if math.Abs(cov[1][1]-1.0) > 1e-12 {
		t.Errorf("cov[1][1]: got %g want 1.0", cov[1][1])
	}
	if math.Abs(cov[0][1]) > 1e-12 || math.Abs(cov[1][0]) > 1e-12 {
		t.Errorf("expected zero off-diagonals, got %g / %g", cov[0][1], cov[1][0])
	}
}

func TestCovariance_SingularNormal(t *testing.T) {
	normal := mat.NewSymDense(2, []float64{1, 1, 1, 1})
	_, err := Covariance(normal, 1.0)
	if !errors.Is(err, core.ErrSingularJacobian) {
		t.Fatalf("expected ErrSingularJacobian, got %v", err)
	}
}
