package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/drfirst/go-visitflow/internal/domain/visit"
)

// HTTPCatalog calls the inventory service's REST API:
//
//	GET  {base}/medicines/{ref}/price      -> {"unit_price": "12.50"}
//	POST {base}/medicines/{ref}/decrement  {"quantity": n}
//
// 404 maps to ErrUnknownMedicine and 409 with {"available": n} to a
// *ShortfallError.
type HTTPCatalog struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// HTTPOption configures an HTTPCatalog
type HTTPOption func(*HTTPCatalog)

// WithRateLimit caps outgoing requests at rps with the given burst.
// Callers wait for a token or until their context ends.
func WithRateLimit(rps float64, burst int) HTTPOption {
	return func(c *HTTPCatalog) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithHTTPClient replaces the default client
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPCatalog) { c.httpClient = hc }
}

// NewHTTPCatalog creates a client for the service at baseURL
func NewHTTPCatalog(baseURL string, opts ...HTTPOption) *HTTPCatalog {
	c := &HTTPCatalog{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPCatalog) do(req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}
	return c.httpClient.Do(req)
}

type priceResponse struct {
	UnitPrice string `json:"unit_price"`
}

type decrementRequest struct {
	Quantity int `json:"quantity"`
}

type shortfallResponse struct {
	Requested int `json:"requested"`
	Available int `json:"available"`
}

// UnitPrice implements Catalog
func (c *HTTPCatalog) UnitPrice(ctx context.Context, ref string) (visit.Amount, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.medicineURL(ref, "price"), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return 0, fmt.Errorf("inventory price %s: %w", ref, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return 0, fmt.Errorf("%w: %s", ErrUnknownMedicine, ref)
	default:
		return 0, unexpectedStatus("price", ref, resp)
	}

	var body priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("inventory price %s: decode: %w", ref, err)
	}
	price, err := visit.ParseAmount(body.UnitPrice)
	if err != nil {
		return 0, fmt.Errorf("inventory price %s: %w", ref, err)
	}
	return price, nil
}

// Decrement implements Catalog
func (c *HTTPCatalog) Decrement(ctx context.Context, ref string, qty int) error {
	payload, err := json.Marshal(decrementRequest{Quantity: qty})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.medicineURL(ref, "decrement"), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("inventory decrement %s: %w", ref, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrUnknownMedicine, ref)
	case http.StatusConflict:
		var body shortfallResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("inventory decrement %s: decode: %w", ref, err)
		}
		return &ShortfallError{Ref: ref, Requested: qty, Available: body.Available}
	default:
		return unexpectedStatus("decrement", ref, resp)
	}
}

func (c *HTTPCatalog) medicineURL(ref, action string) string {
	return c.baseURL + "/medicines/" + url.PathEscape(ref) + "/" + action
}

func unexpectedStatus(op, ref string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("inventory %s %s: status %d: %s", op, ref, resp.StatusCode, strings.TrimSpace(string(body)))
}
