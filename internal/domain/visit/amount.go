package visit

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Amount is a monetary value in minor units (cents)
type Amount int64

// String renders the amount with two decimal places
func (a Amount) String() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// maxUnits keeps units*100 + 99 within int64
const maxUnits = (math.MaxInt64 - 99) / 100

// Times multiplies a non-negative unit amount by a quantity. It fails with a
// ValidationError instead of wrapping.
func (a Amount) Times(qty int) (Amount, error) {
	if a < 0 || qty < 0 {
		return 0, &ValidationError{Fields: map[string]string{"amount": "must not be negative"}}
	}
	if qty != 0 && int64(a) > math.MaxInt64/int64(qty) {
		return 0, overflow()
	}
	return a * Amount(qty), nil
}

// Plus adds two non-negative amounts, failing instead of wrapping
func (a Amount) Plus(b Amount) (Amount, error) {
	if a < 0 || b < 0 {
		return 0, &ValidationError{Fields: map[string]string{"amount": "must not be negative"}}
	}
	if int64(a) > math.MaxInt64-int64(b) {
		return 0, overflow()
	}
	return a + b, nil
}

func overflow() error {
	return &ValidationError{Fields: map[string]string{"amount": "exceeds the largest billable amount"}}
}

// ParseAmount parses a non-negative decimal such as "30", "30.5" or "30.50"
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}

	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if !digits(whole) || (hasFrac && !digits(frac)) {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || units > maxUnits {
		return 0, fmt.Errorf("invalid amount %q", s)
	}

	var cents int64
	if hasFrac {
		if len(frac) == 0 || len(frac) > 2 {
			return 0, fmt.Errorf("invalid amount %q", s)
		}
		if len(frac) == 1 {
			frac += "0"
		}
		cents, _ = strconv.ParseInt(frac, 10, 64)
	}
	return Amount(units*100 + cents), nil
}

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
