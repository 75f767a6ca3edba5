package model

import (
	"fmt"
	"log/slog"
	"math"

	"credit-predictions/internal/domain"
	"credit-predictions/internal/errors"
)

type Gateway struct {
	registry   *Registry
	costPerRow int64
	logger     *slog.Logger
}

// NewGateway builds a gateway over registry. costPerRow is the single rate
// charged for every valid row, whatever the model.
func NewGateway(registry *Registry, costPerRow int64, logger *slog.Logger) *Gateway {
	return &Gateway{
		registry:   registry,
		costPerRow: costPerRow,
		logger:     logger,
	}
}

// Has reports whether name is registered.
func (g *Gateway) Has(name string) bool {
	_, ok := g.registry.lookup(name)
	return ok
}

// Predict runs the named model. Unregistered names yield ErrUnknownModel;
// predictor errors and panics are reported as a model error carrying the
// original message. NaN and infinite predictions are a model error too.
func (g *Gateway) Predict(name string, rows []domain.NormalizedRow) (preds []float64, err error) {
	construct, ok := g.registry.lookup(name)
	if !ok {
		return nil, errors.ErrUnknownModel.WithDetails(fmt.Sprintf("unknown model: %s", name))
	}

	defer func() {
		if p := recover(); p != nil {
			g.logger.Error("Predictor panicked", "model", name, "panic", p)
			preds, err = nil, errors.NewModelError(fmt.Sprint(p))
		}
	}()

	preds, err = construct().Predict(rows)
	if err != nil {
		g.logger.Warn("Predictor failed", "model", name, "error", err)
		return nil, errors.NewModelError(err.Error())
	}
	for i, p := range preds {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			g.logger.Warn("Predictor returned a non-finite value", "model", name, "index", i)
			return nil, errors.NewModelError(fmt.Sprintf("non-finite prediction at index %d", i))
		}
	}
	return preds, nil
}

// ListModels returns registered names, restricted to allowed when it is non-nil.
func (g *Gateway) ListModels(allowed []string) []string {
	names := g.registry.Names()
	if allowed == nil {
		return names
	}

	permitted := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		permitted[a] = struct{}{}
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := permitted[n]; ok {
			out = append(out, n)
		}
	}
	return out
}

// PricePerRow reports the rate charged per valid row for name.
func (g *Gateway) PricePerRow(name string) (int64, error) {
	if !g.Has(name) {
		return 0, errors.ErrUnknownModel.WithDetails(fmt.Sprintf("unknown model: %s", name))
	}
	return g.costPerRow, nil
}

// Cost returns the charge for validRows rows.
func (g *Gateway) Cost(validRows int) int64 {
	return int64(validRows) * g.costPerRow
}
