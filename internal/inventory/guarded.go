package inventory

import (
	"context"

	"go.uber.org/zap"

	"github.com/drfirst/go-visitflow/internal/domain/visit"
	"github.com/drfirst/go-visitflow/pkg/circuitbreaker"
)

// Guarded routes catalog calls through a circuit breaker. Unknown medicines
// and shortfalls are answers from a healthy service and never trip it.
type Guarded struct {
	next    Catalog
	breaker *circuitbreaker.CircuitBreaker
}

// NewGuarded wraps next with a breaker named "inventory"
func NewGuarded(next Catalog, logger *zap.Logger) (*Guarded, error) {
	cfg := circuitbreaker.DefaultConfig("inventory")
	cfg.IsSuccessful = IsBusinessError
	cb, err := circuitbreaker.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Guarded{next: next, breaker: cb}, nil
}

// UnitPrice implements Catalog
func (g *Guarded) UnitPrice(ctx context.Context, ref string) (visit.Amount, error) {
	res, err := g.breaker.Execute(ctx, func() (interface{}, error) {
		return g.next.UnitPrice(ctx, ref)
	})
	if err != nil {
		return 0, err
	}
	return res.(visit.Amount), nil
}

// Decrement implements Catalog
func (g *Guarded) Decrement(ctx context.Context, ref string, qty int) error {
	_, err := g.breaker.Execute(ctx, func() (interface{}, error) {
		return nil, g.next.Decrement(ctx, ref, qty)
	})
	return err
}

// Health reports the breaker state
func (g *Guarded) Health() circuitbreaker.HealthStatus {
	return g.breaker.Health()
}
