package visit

import (
	"errors"
	"math"
	"testing"
)

func TestLineApply(t *testing.T) {
	l := newLine("l-1", "v-1", 0, "Amoxicillin")
	qty := 14
	dosage := "500mg"
	if err := l.Apply(LineEdit{Quantity: &qty, Dosage: &dosage}); err != nil {
		t.Fatal(err)
	}
	if l.Quantity != 14 || l.Dosage != "500mg" || l.MedicineReference != "Amoxicillin" {
		t.Errorf("line = %+v", l)
	}

	zero := 0
	err := l.Apply(LineEdit{Quantity: &zero})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if l.Quantity != 14 {
		t.Errorf("quantity changed to %d", l.Quantity)
	}
}

func TestLineQuantityBounds(t *testing.T) {
	tests := []struct {
		qty int
		ok  bool
	}{
		{1, true},
		{MaxQuantity, true},
		{0, false},
		{-3, false},
		{MaxQuantity + 1, false},
		{1 << 62, false},
	}
	for _, tt := range tests {
		l := newLine("l-1", "v-1", 0, "Salbutamol inhaler")
		qty := tt.qty
		err := l.Apply(LineEdit{Quantity: &qty})
		if (err == nil) != tt.ok {
			t.Errorf("quantity %d: err = %v", tt.qty, err)
			continue
		}
		if !tt.ok {
			if !errors.Is(err, ErrValidation) {
				t.Errorf("quantity %d: err = %v, want ErrValidation", tt.qty, err)
			}
			if l.Quantity != 1 {
				t.Errorf("quantity %d: line changed to %d", tt.qty, l.Quantity)
			}
		}
	}
}

func TestAmountArithmeticDoesNotWrap(t *testing.T) {
	if got, err := Amount(1500).Times(3); err != nil || got != 4500 {
		t.Errorf("Times = %s, %v", got, err)
	}
	if got, err := Amount(1500).Times(0); err != nil || got != 0 {
		t.Errorf("Times(0) = %s, %v", got, err)
	}
	if _, err := Amount(1500).Times(1 << 62); !errors.Is(err, ErrValidation) {
		t.Errorf("Times overflow err = %v", err)
	}
	if _, err := Amount(math.MaxInt64).Plus(1); !errors.Is(err, ErrValidation) {
		t.Errorf("Plus overflow err = %v", err)
	}
	if got, err := Amount(3000).Plus(4500); err != nil || got != 7500 {
		t.Errorf("Plus = %s, %v", got, err)
	}

	// a unit price that slipped past confirmation still cannot wrap the bill
	l := newLine("l-1", "v-1", 0, "Salbutamol inhaler")
	l.Quantity = 1 << 62
	if err := l.Confirm("u-1", 1500, t0); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Subtotal(); !errors.Is(err, ErrValidation) {
		t.Errorf("Subtotal err = %v", err)
	}
}

func TestConfirmedLineIsLocked(t *testing.T) {
	l := newLine("l-1", "v-1", 0, "Amoxicillin")
	l.Quantity = 3
	if err := l.Confirm("u-1", 250, t0); err != nil {
		t.Fatal(err)
	}
	if sub, err := l.Subtotal(); err != nil || sub != 750 {
		t.Errorf("subtotal = %s, %v", sub, err)
	}

	dosage := "1g"
	if err := l.Apply(LineEdit{Dosage: &dosage}); !errors.Is(err, ErrLineLocked) {
		t.Errorf("apply: %v", err)
	}
	if err := l.Confirm("u-2", 1, t0); !errors.Is(err, ErrLineLocked) {
		t.Errorf("confirm: %v", err)
	}
	if l.ConfirmingUserID != "u-1" || *l.UnitPrice != 250 {
		t.Errorf("line = %+v", l)
	}
}

func TestAllConfirmed(t *testing.T) {
	a := newLine("a", "v", 0, "A")
	b := newLine("b", "v", 1, "B")
	if !AllConfirmed(nil) {
		t.Error("no lines counts as confirmed")
	}
	_ = a.Confirm("u", 0, t0)
	if AllConfirmed([]*Line{a, b}) {
		t.Error("b is unconfirmed")
	}
	_ = b.Confirm("u", 0, t0)
	if !AllConfirmed([]*Line{a, b}) {
		t.Error("all confirmed")
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want Amount
		ok   bool
	}{
		{"30", 3000, true},
		{"30.5", 3050, true},
		{"30.05", 3005, true},
		{".75", 75, true},
		{"", 0, false},
		{"1.234", 0, false},
		{"-5", 0, false},
		{"3.-5", 0, false},
		{"abc", 0, false},
		{"12.", 0, false},
		{"92233720368547757", 9223372036854775700, true},
		{"92233720368547757.07", 9223372036854775707, true},
		{"92233720368547758", 0, false},
		{"100000000000000000", 0, false},
		{"99999999999999999999", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseAmount(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("ParseAmount(%q) err = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseAmount(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
	if s := Amount(4505).String(); s != "45.05" {
		t.Errorf("String = %s", s)
	}
	if s := Amount(-50).String(); s != "-0.50" {
		t.Errorf("String = %s", s)
	}
}
