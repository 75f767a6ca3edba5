// Package model resolves model names to predictors and normalizes every
// predictor failure into a single model error.
package model

import (
	"sort"

	"credit-predictions/internal/domain"
)

// Predictor returns one forecast per input row. Rows arrive sorted by time.
type Predictor interface {
	Predict(rows []domain.NormalizedRow) ([]float64, error)
}

// PredictorFunc adapts a function to the Predictor interface.
type PredictorFunc func(rows []domain.NormalizedRow) ([]float64, error)

func (f PredictorFunc) Predict(rows []domain.NormalizedRow) ([]float64, error) {
	return f(rows)
}

// Constructor builds a fresh predictor for one call.
type Constructor func() Predictor

// Registry is an immutable name to constructor mapping.
type Registry struct {
	constructors map[string]Constructor
	names        []string
}

// NewRegistry copies the given mapping; later changes to it are not seen.
func NewRegistry(constructors map[string]Constructor) *Registry {
	r := &Registry{constructors: make(map[string]Constructor, len(constructors))}
	for name, c := range constructors {
		r.constructors[name] = c
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r
}

// DefaultRegistry holds the built-in predictors.
func DefaultRegistry() *Registry {
	return NewRegistry(map[string]Constructor{
		DemoName:        func() Predictor { return Demo{} },
		LinearTrendName: func() Predictor { return LinearTrend{} },
	})
}

func (r *Registry) lookup(name string) (Constructor, bool) {
	c, ok := r.constructors[name]
	return c, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}
