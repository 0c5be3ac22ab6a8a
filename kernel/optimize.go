package kernel

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	defaultFrontierPoints = 20
	riskParityMaxIter     = 1000
	riskParityTolerance   = 1e-10
	boundsMaxIter         = 100
	symmetryTolerance     = 1e-9
)

var (
	errNotPositiveDefinite = errors.New("covariance matrix is not positive definite")
	errDegenerate          = errors.New("expected returns are degenerate for a target-return portfolio")
)

// problem is a validated mean/covariance pair with its Cholesky factor.
type problem struct {
	n    int
	mu   *mat.VecDense
	cov  *mat.SymDense
	chol mat.Cholesky
}

func newProblem(expected []float64, covariance [][]float64) (*problem, error) {
	n := len(expected)
	if n == 0 {
		return nil, errors.New("expected_returns is empty")
	}
	if len(covariance) != n {
		return nil, fmt.Errorf("covariance has %d rows, want %d", len(covariance), n)
	}
	for _, v := range expected {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.New("expected_returns contains a non-finite value")
		}
	}

	data := make([]float64, n*n)
	for i, row := range covariance {
		if len(row) != n {
			return nil, fmt.Errorf("covariance row %d has %d columns, want %d", i, len(row), n)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("covariance[%d][%d] is not finite", i, j)
			}
			data[i*n+j] = v
		}
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			a, b := data[i*n+j], data[j*n+i]
			if math.Abs(a-b) > symmetryTolerance*math.Max(1, math.Max(math.Abs(a), math.Abs(b))) {
				return nil, fmt.Errorf("covariance is not symmetric at (%d,%d)", i, j)
			}
			avg := (a + b) / 2
			data[i*n+j], data[j*n+i] = avg, avg
		}
	}

	p := &problem{
		n:   n,
		mu:  mat.NewVecDense(n, append([]float64(nil), expected...)),
		cov: mat.NewSymDense(n, data),
	}
	if ok := p.chol.Factorize(p.cov); !ok {
		return nil, errNotPositiveDefinite
	}
	return p, nil
}

// solve returns Σ⁻¹b.
func (p *problem) solve(b *mat.VecDense) (*mat.VecDense, error) {
	var x mat.VecDense
	if err := p.chol.SolveVecTo(&x, b); err != nil {
		return nil, fmt.Errorf("solve covariance system: %w", err)
	}
	return &x, nil
}

func (p *problem) ones() *mat.VecDense {
	v := mat.NewVecDense(p.n, nil)
	for i := 0; i < p.n; i++ {
		v.SetVec(i, 1)
	}
	return v
}

// stats returns expected return, volatility and Sharpe ratio of w.
func (p *problem) stats(w []float64, riskFree float64) (ret, vol, sharpe float64) {
	wv := mat.NewVecDense(p.n, w)
	ret = mat.Dot(wv, p.mu)
	vol = math.Sqrt(math.Max(mat.Inner(wv, p.cov, wv), 0))
	if vol > 0 {
		sharpe = (ret - riskFree) / vol
	}
	return ret, vol, sharpe
}

func normalized(x *mat.VecDense) ([]float64, error) {
	w := make([]float64, x.Len())
	for i := range w {
		w[i] = x.AtVec(i)
	}
	sum := floats.Sum(w)
	if math.Abs(sum) < 1e-12 {
		return nil, errors.New("weights sum to zero")
	}
	floats.Scale(1/sum, w)
	return w, nil
}

func (p *problem) minVariance() ([]float64, error) {
	x, err := p.solve(p.ones())
	if err != nil {
		return nil, err
	}
	return normalized(x)
}

func (p *problem) maxSharpe(riskFree float64) ([]float64, error) {
	excess := mat.NewVecDense(p.n, nil)
	for i := 0; i < p.n; i++ {
		excess.SetVec(i, p.mu.AtVec(i)-riskFree)
	}
	x, err := p.solve(excess)
	if err != nil {
		return nil, err
	}
	if floats.Sum(x.RawVector().Data) <= 0 {
		return nil, errors.New("no portfolio has a positive excess return")
	}
	return normalized(x)
}

// targetReturn is the fully-invested minimum-variance portfolio with return t.
func (p *problem) targetReturn(t float64) ([]float64, error) {
	ones := p.ones()
	a, err := p.solve(ones)
	if err != nil {
		return nil, err
	}
	b, err := p.solve(p.mu)
	if err != nil {
		return nil, err
	}

	A := mat.Dot(ones, a)
	B := mat.Dot(ones, b)
	C := mat.Dot(p.mu, b)
	D := A*C - B*B
	if math.Abs(D) < 1e-14 {
		return nil, errDegenerate
	}

	lambda := (C - B*t) / D
	gamma := (A*t - B) / D
	w := make([]float64, p.n)
	for i := range w {
		w[i] = lambda*a.AtVec(i) + gamma*b.AtVec(i)
	}
	return w, nil
}

func (p *problem) riskParity() ([]float64, error) {
	w := make([]float64, p.n)
	for i := range w {
		w[i] = 1 / float64(p.n)
	}
	target := 1 / float64(p.n)
	marginal := mat.NewVecDense(p.n, nil)

	for iter := 0; iter < riskParityMaxIter; iter++ {
		wv := mat.NewVecDense(p.n, w)
		marginal.MulVec(p.cov, wv)
		variance := mat.Dot(wv, marginal)
		if variance <= 0 {
			return nil, errNotPositiveDefinite
		}

		maxDiff := 0.0
		next := make([]float64, p.n)
		for i := range w {
			rc := w[i] * marginal.AtVec(i) / variance
			if rc <= 0 {
				return nil, errors.New("risk parity requires positive risk contributions")
			}
			maxDiff = math.Max(maxDiff, math.Abs(rc-target))
			next[i] = w[i] * math.Sqrt(target/rc)
		}
		floats.Scale(1/floats.Sum(next), next)
		w = next
		if maxDiff < riskParityTolerance {
			return w, nil
		}
	}
	return nil, fmt.Errorf("risk parity did not converge after %d iterations", riskParityMaxIter)
}

// applyBounds clips w into [lo, hi] and redistributes the excess among the
// unclipped weights until the portfolio stays fully invested.
func applyBounds(w []float64, lo, hi float64) ([]float64, error) {
	n := float64(len(w))
	if lo > hi {
		return nil, fmt.Errorf("min_weight %.4f exceeds max_weight %.4f", lo, hi)
	}
	if lo*n > 1+1e-12 || hi*n < 1-1e-12 {
		return nil, fmt.Errorf("weight bounds [%.4f, %.4f] cannot sum to 1 over %d assets", lo, hi, len(w))
	}

	out := append([]float64(nil), w...)
	for iter := 0; iter < boundsMaxIter; iter++ {
		free := 0
		for i, v := range out {
			out[i] = math.Min(math.Max(v, lo), hi)
			if out[i] > lo && out[i] < hi {
				free++
			}
		}
		excess := 1 - floats.Sum(out)
		if math.Abs(excess) < 1e-12 {
			return out, nil
		}
		if free == 0 {
			break
		}
		share := excess / float64(free)
		for i, v := range out {
			if v > lo && v < hi {
				out[i] += share
			}
		}
	}
	if math.Abs(1-floats.Sum(out)) > 1e-9 {
		return nil, errors.New("weight bounds did not converge")
	}
	return out, nil
}

// Optimize runs the requested method.
func Optimize(ctx context.Context, req OptimizeRequest) (OptimizeResult, error) {
	startedAt := time.Now()

	p, err := newProblem(req.ExpectedReturns, req.Covariance)
	if err != nil {
		return OptimizeResult{}, err
	}

	var (
		params Parameters
		cons   Constraints
	)
	if req.Parameters != nil {
		params = *req.Parameters
	}
	if req.Constraints != nil {
		cons = *req.Constraints
	}

	var result OptimizeResult
	if req.Method == EfficientFrontier {
		points, err := p.frontier(ctx, params, cons)
		if err != nil {
			return OptimizeResult{}, err
		}
		result.FrontierPoints = points
	} else {
		w, err := p.weightsFor(req.Method, params, cons)
		if err != nil {
			return OptimizeResult{}, err
		}
		if w, err = p.constrain(w, cons); err != nil {
			return OptimizeResult{}, err
		}
		result.Weights = w
		result.ExpectedReturn, result.Volatility, result.SharpeRatio = p.stats(w, params.RiskFreeRate)
	}

	result.ComputationTimeMs = float64(time.Since(startedAt)) / float64(time.Millisecond)
	return result, nil
}

func (p *problem) weightsFor(method Method, params Parameters, cons Constraints) ([]float64, error) {
	switch method {
	case MinVariance:
		return p.minVariance()
	case MaxSharpe:
		return p.maxSharpe(params.RiskFreeRate)
	case RiskParity:
		return p.riskParity()
	case MeanVariance:
		t := floats.Sum(p.mu.RawVector().Data) / float64(p.n)
		switch {
		case params.TargetReturn != nil:
			t = *params.TargetReturn
		case cons.TargetReturn != nil:
			t = *cons.TargetReturn
		}
		return p.targetReturn(t)
	default:
		return nil, fmt.Errorf("unsupported method %q", method)
	}
}

func (p *problem) constrain(w []float64, cons Constraints) ([]float64, error) {
	if cons.MinWeight != nil || cons.MaxWeight != nil {
		lo, hi := math.Inf(-1), math.Inf(1)
		if cons.MinWeight != nil {
			lo = *cons.MinWeight
		}
		if cons.MaxWeight != nil {
			hi = *cons.MaxWeight
		}
		var err error
		if w, err = applyBounds(w, lo, hi); err != nil {
			return nil, err
		}
	}
	if cons.MaxVolatility != nil {
		if _, vol, _ := p.stats(w, 0); vol > *cons.MaxVolatility+1e-12 {
			return nil, fmt.Errorf("portfolio volatility %.6f exceeds max_volatility %.6f", vol, *cons.MaxVolatility)
		}
	}
	return w, nil
}

func (p *problem) frontier(ctx context.Context, params Parameters, cons Constraints) ([]FrontierPoint, error) {
	num := params.NumPoints
	if num < 2 {
		num = defaultFrontierPoints
	}

	gmv, err := p.minVariance()
	if err != nil {
		return nil, err
	}
	low, _, _ := p.stats(gmv, params.RiskFreeRate)
	high := floats.Max(p.mu.RawVector().Data)
	if high <= low {
		high = low
	}

	points := make([]FrontierPoint, 0, num)
	for i := 0; i < num; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t := low + (high-low)*float64(i)/float64(num-1)
		w, err := p.targetReturn(t)
		if err != nil {
			return nil, err
		}
		if w, err = p.constrain(w, Constraints{MinWeight: cons.MinWeight, MaxWeight: cons.MaxWeight}); err != nil {
			continue
		}
		ret, vol, sharpe := p.stats(w, params.RiskFreeRate)
		if cons.MaxVolatility != nil && vol > *cons.MaxVolatility {
			continue
		}
		points = append(points, FrontierPoint{ExpectedReturn: ret, Volatility: vol, SharpeRatio: sharpe, Weights: w})
	}
	if len(points) == 0 {
		return nil, errors.New("no frontier portfolio satisfies the constraints")
	}
	return points, nil
}
