package model

import (
	"credit-predictions/internal/domain"
)

const (
	DemoName        = "Demo"
	LinearTrendName = "LinearTrend"
)

// Demo fits y[t+1] = a + b*y[t] by least squares over the history and rolls
// the recursion forward once per input row.
type Demo struct{}

func (Demo) Predict(rows []domain.NormalizedRow) ([]float64, error) {
	n := len(rows)
	if n == 0 {
		return []float64{}, nil
	}

	last := rows[n-1].Price
	if n == 1 {
		return repeat(last, n), nil
	}

	prev := make([]float64, n-1)
	next := make([]float64, n-1)
	for i := 0; i < n-1; i++ {
		prev[i] = rows[i].Price
		next[i] = rows[i+1].Price
	}

	mx, my := mean(prev), mean(next)
	var num, denom float64
	for i := range prev {
		num += (prev[i] - mx) * (next[i] - my)
		denom += (prev[i] - mx) * (prev[i] - mx)
	}
	if denom == 0 {
		return repeat(last, n), nil
	}

	b := num / denom
	a := my - b*mx

	preds := make([]float64, n)
	cur := last
	for i := range preds {
		cur = a + b*cur
		preds[i] = cur
	}
	return preds, nil
}

// LinearTrend fits price = a + b*t over the row index and extrapolates one
// step per input row past the last observation.
type LinearTrend struct{}

func (LinearTrend) Predict(rows []domain.NormalizedRow) ([]float64, error) {
	n := len(rows)
	if n == 0 {
		return []float64{}, nil
	}

	var sx, sy float64
	for i, r := range rows {
		sx += float64(i)
		sy += r.Price
	}
	mx, my := sx/float64(n), sy/float64(n)

	var num, denom float64
	for i, r := range rows {
		dx := float64(i) - mx
		num += dx * (r.Price - my)
		denom += dx * dx
	}

	var b float64
	if denom != 0 {
		b = num / denom
	}
	a := my - b*mx

	preds := make([]float64, n)
	for i := range preds {
		preds[i] = a + b*float64(n+i)
	}
	return preds, nil
}

func mean(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
