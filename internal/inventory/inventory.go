// Package inventory is the medicine catalog collaborator used at dispensing:
// unit prices are read when lines are confirmed and stock is decremented
// afterwards.
package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/drfirst/go-visitflow/internal/domain/visit"
)

var (
	// ErrUnknownMedicine is returned when no catalog item matches a reference
	ErrUnknownMedicine = errors.New("unknown medicine")
	// ErrStockShortfall is returned when less stock was available than requested
	ErrStockShortfall = errors.New("stock shortfall")
)

// Catalog prices medicines and tracks their stock
type Catalog interface {
	UnitPrice(ctx context.Context, ref string) (visit.Amount, error)
	// Decrement removes qty units. On a shortfall the available stock is
	// consumed and a *ShortfallError is returned.
	Decrement(ctx context.Context, ref string, qty int) error
}

// ShortfallError reports a decrement that exceeded available stock
type ShortfallError struct {
	Ref       string
	Requested int
	Available int
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("stock shortfall for %s: requested %d, available %d", e.Ref, e.Requested, e.Available)
}

func (e *ShortfallError) Unwrap() error { return ErrStockShortfall }

// IsBusinessError reports errors that describe the request, not the
// health of the catalog service.
func IsBusinessError(err error) bool {
	return errors.Is(err, ErrUnknownMedicine) || errors.Is(err, ErrStockShortfall)
}
