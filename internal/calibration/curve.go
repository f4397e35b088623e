package calibration

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/optimize"

	"crownid/pkg/errors"
)

// Curve maps one uncalibrated probability column onto a calibrated one.
// Sigmoid curves use A and B; isotonic curves interpolate over X/Y.
type Curve struct {
	Method Method
	A, B   float64
	X, Y   []float64
}

func fitCurve(m Method, f []float64, y []bool, w []float64) (Curve, error) {
	switch m {
	case Isotonic:
		x, v := fitIsotonic(f, y, w)
		return Curve{Method: Isotonic, X: x, Y: v}, nil
	default:
		a, b, err := fitSigmoid(f, y, w)
		if err != nil {
			return Curve{}, err
		}
		return Curve{Method: Sigmoid, A: a, B: b}, nil
	}
}

// Apply returns the calibrated probability for an uncalibrated score.
func (c Curve) Apply(f float64) float64 {
	if c.Method == Isotonic {
		return interpolate(c.X, c.Y, f)
	}
	return 1 / (1 + math.Exp(c.A*f+c.B))
}

// fitSigmoid is Platt scaling: P = 1/(1+exp(A*f+B)) fit by weighted log loss
// against Platt's smoothed targets.
func fitSigmoid(f []float64, y []bool, w []float64) (float64, float64, error) {
	var prior0, prior1 float64
	for _, pos := range y {
		if pos {
			prior1++
		} else {
			prior0++
		}
	}
	hi := (prior1 + 1) / (prior1 + 2)
	lo := 1 / (prior0 + 2)
	t := make([]float64, len(y))
	for i, pos := range y {
		if pos {
			t[i] = hi
		} else {
			t[i] = lo
		}
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			loss := 0.0
			for i := range f {
				z := x[0]*f[i] + x[1]
				loss += w[i] * (t[i]*softplus(z) + (1-t[i])*softplus(-z))
			}
			return loss
		},
		Grad: func(grad, x []float64) {
			grad[0], grad[1] = 0, 0
			for i := range f {
				z := x[0]*f[i] + x[1]
				d := w[i] * (sigmoid(z) - (1 - t[i]))
				grad[0] += d * f[i]
				grad[1] += d
			}
		},
	}
	init := []float64{0, math.Log((prior0 + 1) / (prior1 + 1))}
	res, err := optimize.Minimize(problem, init, nil, &optimize.BFGS{})
	if res == nil {
		return 0, 0, errors.Wrap(err, "sigmoid calibration")
	}
	// line search failures near the optimum still leave a usable point
	a, b := res.X[0], res.X[1]
	if math.IsNaN(a) || math.IsNaN(b) || math.IsInf(a, 0) || math.IsInf(b, 0) {
		return 0, 0, errors.Newf("sigmoid calibration diverged: A=%v B=%v", a, b)
	}
	return a, b, nil
}

func softplus(z float64) float64 {
	if z > 0 {
		return z + math.Log1p(math.Exp(-z))
	}
	return math.Log1p(math.Exp(z))
}

func sigmoid(z float64) float64 { return 1 / (1 + math.Exp(-z)) }

// fitIsotonic runs pool-adjacent-violators over the unique scores and
// returns the non-decreasing fitted values at each of them.
func fitIsotonic(f []float64, y []bool, w []float64) ([]float64, []float64) {
	order := make([]int, len(f))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return f[order[a]] < f[order[b]] })

	type block struct {
		x      float64
		sum, w float64
	}
	var blocks []block
	for _, i := range order {
		if w[i] <= 0 {
			continue
		}
		v := 0.0
		if y[i] {
			v = 1
		}
		if n := len(blocks); n > 0 && blocks[n-1].x == f[i] {
			blocks[n-1].sum += w[i] * v
			blocks[n-1].w += w[i]
			continue
		}
		blocks = append(blocks, block{x: f[i], sum: w[i] * v, w: w[i]})
	}
	xs := make([]float64, len(blocks))
	for i, b := range blocks {
		xs[i] = b.x
	}

	// pooled stack: each entry covers a run of unique scores
	type pool struct {
		sum, w     float64
		start, end int
	}
	var stack []pool
	for i, b := range blocks {
		stack = append(stack, pool{sum: b.sum, w: b.w, start: i, end: i})
		for len(stack) > 1 {
			n := len(stack)
			prev, cur := stack[n-2], stack[n-1]
			if prev.sum/prev.w <= cur.sum/cur.w {
				break
			}
			stack = stack[:n-2]
			stack = append(stack, pool{sum: prev.sum + cur.sum, w: prev.w + cur.w, start: prev.start, end: cur.end})
		}
	}
	ys := make([]float64, len(blocks))
	for _, p := range stack {
		v := p.sum / p.w
		for i := p.start; i <= p.end; i++ {
			ys[i] = v
		}
	}
	return xs, ys
}

// interpolate is linear between knots and clipped outside them.
func interpolate(xs, ys []float64, x float64) float64 {
	n := len(xs)
	if n == 0 {
		return x
	}
	if x <= xs[0] {
		return ys[0]
	}
	if x >= xs[n-1] {
		return ys[n-1]
	}
	j := sort.SearchFloat64s(xs, x)
	if xs[j] == x {
		return ys[j]
	}
	x0, x1 := xs[j-1], xs[j]
	return ys[j-1] + (ys[j]-ys[j-1])*(x-x0)/(x1-x0)
}
