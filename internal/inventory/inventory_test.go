package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/drfirst/go-visitflow/internal/domain/visit"
	"github.com/drfirst/go-visitflow/pkg/circuitbreaker"
)

func sampleCatalog() *MemoryCatalog {
	return NewMemoryCatalog(
		Item{Code: "PCM500", Name: "Paracetamol 500mg", CurrentStock: 100, MinStock: 20, UnitPrice: 50},
		Item{Code: "PCM", Name: "Paracetamol", CurrentStock: 10, MinStock: 5, UnitPrice: 30},
		Item{Code: "AMX250", Name: "Amoxicillin 250mg", CurrentStock: 3, MinStock: 5, UnitPrice: 120},
	)
}

func TestMemoryCatalogMatching(t *testing.T) {
	c := sampleCatalog()
	ctx := context.Background()

	tests := []struct {
		ref  string
		want visit.Amount
	}{
		{"pcm500", 50},
		{"paracetamol", 30},
		{"Paracetamol 500mg tds x3 days", 50},
		{"Paracetamol syrup", 30},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := c.UnitPrice(ctx, tt.ref)
			if err != nil {
				t.Fatalf("UnitPrice: %v", err)
			}
			if got != tt.want {
				t.Fatalf("UnitPrice = %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := c.UnitPrice(ctx, "Ibuprofen"); !errors.Is(err, ErrUnknownMedicine) {
		t.Fatalf("err = %v, want ErrUnknownMedicine", err)
	}
}

func TestMemoryCatalogDecrement(t *testing.T) {
	c := sampleCatalog()
	ctx := context.Background()

	if err := c.Decrement(ctx, "AMX250", 2); err != nil {
		t.Fatalf("Decrement: %v", err)
	}

	err := c.Decrement(ctx, "AMX250", 5)
	var short *ShortfallError
	if !errors.As(err, &short) || !errors.Is(err, ErrStockShortfall) {
		t.Fatalf("err = %v, want shortfall", err)
	}
	if short.Requested != 5 || short.Available != 1 {
		t.Fatalf("shortfall = %+v", short)
	}
	it, _ := c.Lookup("AMX250")
	if it.CurrentStock != 0 {
		t.Fatalf("stock after shortfall = %d, want 0", it.CurrentStock)
	}
}

func TestItemStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)

	tests := []struct {
		name string
		item Item
		want StockStatus
	}{
		{"in stock", Item{CurrentStock: 50, MinStock: 10}, StockIn},
		{"low", Item{CurrentStock: 10, MinStock: 10}, StockLow},
		{"out", Item{CurrentStock: 0, MinStock: 10}, StockOut},
		{"expired", Item{CurrentStock: 50, MinStock: 10, ExpiryDate: &past}, StockExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.item.Status(now); got != tt.want {
				t.Fatalf("Status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestHTTPCatalog(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /medicines/{ref}/price", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("ref") != "Paracetamol 500mg" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"unit_price": "0.50"})
	})
	mux.HandleFunc("POST /medicines/{ref}/decrement", func(w http.ResponseWriter, r *http.Request) {
		var req decrementRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Quantity > 10 {
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]int{"requested": req.Quantity, "available": 10})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /medicines/broken/decrement", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database down", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewHTTPCatalog(srv.URL + "/")
	ctx := context.Background()

	price, err := c.UnitPrice(ctx, "Paracetamol 500mg")
	if err != nil || price != 50 {
		t.Fatalf("UnitPrice = %v, %v", price, err)
	}
	if _, err := c.UnitPrice(ctx, "Unknown"); !errors.Is(err, ErrUnknownMedicine) {
		t.Fatalf("err = %v, want ErrUnknownMedicine", err)
	}
	if err := c.Decrement(ctx, "Paracetamol 500mg", 2); err != nil {
		t.Fatalf("Decrement: %v", err)
	}
	var short *ShortfallError
	if err := c.Decrement(ctx, "Paracetamol 500mg", 12); !errors.As(err, &short) || short.Available != 10 {
		t.Fatalf("err = %v, want shortfall with 10 available", err)
	}
	if err := c.Decrement(ctx, "broken", 1); err == nil || IsBusinessError(err) {
		t.Fatalf("err = %v, want service error", err)
	}
}

// failingCatalog fails every call with err
type failingCatalog struct{ err error }

func (f failingCatalog) UnitPrice(context.Context, string) (visit.Amount, error) { return 0, f.err }
func (f failingCatalog) Decrement(context.Context, string, int) error { return f.err }

func TestGuardedIgnoresBusinessErrors(t *testing.T) {
	g, err := NewGuarded(failingCatalog{err: ErrUnknownMedicine}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		if _, err := g.UnitPrice(context.Background(), "x"); !errors.Is(err, ErrUnknownMedicine) {
			t.Fatalf("err = %v", err)
		}
	}
	if !g.Health().Healthy {
		t.Fatal("business errors tripped the breaker")
	}
}

func TestGuardedOpensOnServiceErrors(t *testing.T) {
	g, err := NewGuarded(failingCatalog{err: errors.New("connection refused")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = g.Decrement(ctx, "x", 1)
	}
	if err := g.Decrement(ctx, "x", 1); !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
}

func TestGuardedPassesThroughPrice(t *testing.T) {
	g, err := NewGuarded(sampleCatalog(), nil)
	if err != nil {
		t.Fatal(err)
	}
	price, err := g.UnitPrice(context.Background(), "PCM")
	if err != nil || price != 30 {
		t.Fatalf("UnitPrice = %v, %v", price, err)
	}
}

func TestHTTPCatalogRateLimit(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewHTTPCatalog(srv.URL, WithRateLimit(0.01, 1), WithHTTPClient(srv.Client()))
	if err := c.Decrement(context.Background(), "PCM", 1); err != nil {
		t.Fatalf("first call: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Decrement(ctx, "PCM", 1); err == nil {
		t.Fatal("second call should wait past the deadline")
	}
	if calls != 1 {
		t.Errorf("server saw %d calls, want 1", calls)
	}
}
