package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/drfirst/go-visitflow/internal/domain/visit"
	"github.com/drfirst/go-visitflow/internal/inventory"
	"github.com/drfirst/go-visitflow/internal/queue"
	"github.com/drfirst/go-visitflow/internal/store"
	"github.com/drfirst/go-visitflow/internal/store/memory"
)

const fee = visit.Amount(3000)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	engine  *Engine
	store   *memory.Store
	catalog *inventory.MemoryCatalog
	clock   *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)}
	st := memory.NewStore()
	catalog := inventory.NewMemoryCatalog(
		inventory.Item{Code: "PCM500", Name: "Paracetamol 500mg", CurrentStock: 100, MinStock: 10, UnitPrice: 50},
		inventory.Item{Code: "AMX250", Name: "Amoxicillin 250mg", CurrentStock: 40, MinStock: 5, UnitPrice: 120},
		inventory.Item{Code: "SAL", Name: "Salbutamol inhaler", CurrentStock: 1, MinStock: 2, UnitPrice: 1500},
	)
	e := New(st, queue.NewMemoryAllocator(), catalog,
		Config{ConsultationFee: fee, Location: time.UTC},
		WithClock(clock.Now))
	return &fixture{engine: e, store: st, catalog: catalog, clock: clock}
}

func (f *fixture) register(t *testing.T, patient string) *visit.Visit {
	t.Helper()
	v, err := f.engine.CreateVisit(context.Background(), visit.Registration{
		PatientID:      patient,
		PractitionerID: "dr-lim",
		Complaint:      "fever and cough",
	})
	if err != nil {
		t.Fatalf("CreateVisit(%s): %v", patient, err)
	}
	return v
}

func (f *fixture) consult(t *testing.T, patient string) *visit.Visit {
	t.Helper()
	v := f.register(t, patient)
	v, err := f.engine.StartConsultation(context.Background(), v.ID, "dr-lim")
	if err != nil {
		t.Fatalf("StartConsultation: %v", err)
	}
	return v
}

func (f *fixture) complete(t *testing.T, patient string, c visit.Conclusion) (*visit.Visit, []*visit.Line) {
	t.Helper()
	v := f.consult(t, patient)
	f.clock.Advance(15 * time.Minute)
	v, lines, err := f.engine.EndConsultation(context.Background(), v.ID, c)
	if err != nil {
		t.Fatalf("EndConsultation: %v", err)
	}
	return v, lines
}

func TestQueueNumbersIncreaseAndAreNeverReused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var numbers []int
	for i := 1; i <= 3; i++ {
		numbers = append(numbers, f.register(t, fmt.Sprintf("p-%d", i)).QueueNumber)
	}
	if numbers[0] != 1 || numbers[1] != 2 || numbers[2] != 3 {
		t.Fatalf("numbers = %v, want [1 2 3]", numbers)
	}

	visits, _ := f.engine.ListVisits(ctx, store.Filter{})
	if _, err := f.engine.CancelVisit(ctx, visits[2].ID); err != nil {
		t.Fatalf("CancelVisit: %v", err)
	}
	if n := f.register(t, "p-4").QueueNumber; n != 4 {
		t.Fatalf("after cancel got %d, want 4", n)
	}

	f.clock.Advance(24 * time.Hour)
	next := f.register(t, "p-5")
	if next.QueueNumber != 1 || next.QueueDay != "2026-03-03" {
		t.Fatalf("next day visit = %d on %s, want 1 on 2026-03-03", next.QueueNumber, next.QueueDay)
	}
}

func TestCreateVisitRejectsSecondActiveVisit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.register(t, "p-1")
	_, err := f.engine.CreateVisit(ctx, visit.Registration{PatientID: "p-1", PractitionerID: "dr-tan", Complaint: "rash"})
	if !errors.Is(err, visit.ErrDuplicateActiveVisit) {
		t.Fatalf("err = %v, want ErrDuplicateActiveVisit", err)
	}

	if _, err := f.engine.CancelVisit(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.CreateVisit(ctx, visit.Registration{PatientID: "p-1", PractitionerID: "dr-tan", Complaint: "rash"}); err != nil {
		t.Fatalf("register after cancel: %v", err)
	}
}

func TestCreateVisitValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.CreateVisit(context.Background(), visit.Registration{PatientID: "p-1", PractitionerID: "dr-lim", Complaint: "  "})
	if !errors.Is(err, visit.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	visits, _ := f.engine.ListVisits(context.Background(), store.Filter{})
	if len(visits) != 0 {
		t.Fatalf("validation failure stored %d visits", len(visits))
	}
}

func TestConcurrentStartsForOnePractitioner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 8
	ids := make([]string, n)
	for i := range ids {
		ids[i] = f.register(t, fmt.Sprintf("p-%d", i)).ID
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.StartConsultation(ctx, ids[i], "dr-lim")
		}(i)
	}
	wg.Wait()

	var ok, busy int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, visit.ErrPractitionerBusy):
			busy++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || busy != n-1 {
		t.Fatalf("ok = %d busy = %d, want 1 and %d", ok, busy, n-1)
	}
}

func TestConcurrentCreateForOnePatient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.CreateVisit(ctx, visit.Registration{
				PatientID:      "p-1",
				PractitionerID: "dr-lim",
				Complaint:      "fever",
			})
		}(i)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, visit.ErrDuplicateActiveVisit):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != n-1 {
		t.Fatalf("ok = %d dup = %d, want 1 and %d", ok, dup, n-1)
	}

	visits, _ := f.engine.ListVisits(ctx, store.Filter{PatientID: "p-1"})
	if len(visits) != 1 {
		t.Fatalf("stored %d visits for p-1, want 1", len(visits))
	}
}

func TestStartConsultationReassignsPractitioner(t *testing.T) {
	f := newFixture(t)
	v := f.register(t, "p-1")
	v, err := f.engine.StartConsultation(context.Background(), v.ID, "dr-tan")
	if err != nil {
		t.Fatal(err)
	}
	if v.PractitionerID != "dr-tan" || v.Status != visit.StatusInConsultation {
		t.Fatalf("visit = %s/%s", v.PractitionerID, v.Status)
	}
}

func TestCancelDuringConsultationIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.consult(t, "p-1")

	if _, err := f.engine.CancelVisit(ctx, v.ID); !errors.Is(err, visit.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	got, _ := f.engine.GetVisit(ctx, v.ID)
	if got.Status != visit.StatusInConsultation {
		t.Fatalf("status = %s, want in-consultation", got.Status)
	}
}

func TestAbortKeepsQueueNumberAndFreesPractitioner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.consult(t, "p-1")
	other := f.register(t, "p-2")

	diag := "viral fever"
	if _, err := f.engine.UpdateConsultationDraft(ctx, v.ID, visit.Draft{Diagnosis: &diag}); err != nil {
		t.Fatal(err)
	}
	aborted, err := f.engine.AbortConsultation(ctx, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if aborted.Status != visit.StatusWaiting || aborted.QueueNumber != v.QueueNumber {
		t.Fatalf("aborted = %s #%d", aborted.Status, aborted.QueueNumber)
	}
	if aborted.TimeOut != nil {
		t.Fatal("abort set time out")
	}
	if _, err := f.engine.StartConsultation(ctx, other.ID, "dr-lim"); err != nil {
		t.Fatalf("practitioner still busy after abort: %v", err)
	}
}

func TestEndConsultationValidation(t *testing.T) {
	tests := []struct {
		name string
		c    visit.Conclusion
	}{
		{"blank diagnosis", visit.Conclusion{Diagnosis: " ", PaymentType: "cash"}},
		{"unknown payment", visit.Conclusion{Diagnosis: "flu", PaymentType: "card"}},
		{"panel without name", visit.Conclusion{Diagnosis: "flu", PaymentType: "panel"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			v := f.consult(t, "p-1")

			_, _, err := f.engine.EndConsultation(ctx, v.ID, tt.c)
			if !errors.Is(err, visit.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
			got, _ := f.engine.GetVisit(ctx, v.ID)
			if got.Status != visit.StatusInConsultation || got.TimeOut != nil {
				t.Fatalf("visit changed: %s", got.Status)
			}
		})
	}
}

func TestTerminalVisitsAreImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	completed, _ := f.complete(t, "p-1", visit.Conclusion{Diagnosis: "flu", PaymentType: "cash"})
	cancelled := f.register(t, "p-2")
	if _, err := f.engine.CancelVisit(ctx, cancelled.ID); err != nil {
		t.Fatal(err)
	}

	diag := "changed"
	ops := map[string]func(id string) error{
		"start":  func(id string) error { _, err := f.engine.StartConsultation(ctx, id, "dr-tan"); return err },
		"abort":  func(id string) error { _, err := f.engine.AbortConsultation(ctx, id); return err },
		"cancel": func(id string) error { _, err := f.engine.CancelVisit(ctx, id); return err },
		"draft": func(id string) error {
			_, err := f.engine.UpdateConsultationDraft(ctx, id, visit.Draft{Diagnosis: &diag})
			return err
		},
		"end": func(id string) error {
			_, _, err := f.engine.EndConsultation(ctx, id, visit.Conclusion{Diagnosis: "x", PaymentType: "cash"})
			return err
		},
	}

	for _, id := range []string{completed.ID, cancelled.ID} {
		before, _ := f.engine.GetVisit(ctx, id)
		for name, op := range ops {
			if err := op(id); !errors.Is(err, visit.ErrInvalidTransition) {
				t.Errorf("%s on %s visit: err = %v, want ErrInvalidTransition", name, before.Status, err)
			}
		}
		after, _ := f.engine.GetVisit(ctx, id)
		if after.Status != before.Status || after.Diagnosis != before.Diagnosis || after.Version != before.Version {
			t.Errorf("%s visit changed: %+v -> %+v", before.Status, before, after)
		}
	}
}

func TestCashVisitWithMedications(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, lines := f.complete(t, "p-1", visit.Conclusion{
		Diagnosis:   "bacterial pharyngitis",
		Medications: []string{"Paracetamol 500mg", "Amoxicillin 250mg", "paracetamol 500MG", " "},
		PaymentType: "cash",
	})
	if v.Status != visit.StatusCompleted || v.TimeOut == nil || v.BillingStatus != visit.BillingPending {
		t.Fatalf("visit = %s timeOut=%v billing=%s", v.Status, v.TimeOut, v.BillingStatus)
	}
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}

	if _, err := f.engine.ComputeAndFinalize(ctx, v.ID); !errors.Is(err, visit.ErrNotReady) {
		t.Fatalf("bill before confirm: err = %v, want ErrNotReady", err)
	}

	qty := 3
	if _, err := f.engine.EditLine(ctx, lines[1].ID, visit.LineEdit{Quantity: &qty}); err != nil {
		t.Fatalf("EditLine: %v", err)
	}

	res, err := f.engine.ConfirmAll(ctx, v.ID, "pharm-1")
	if err != nil {
		t.Fatalf("ConfirmAll: %v", err)
	}
	if !res.ReadyForBilling || len(res.Warnings) != 0 {
		t.Fatalf("confirm result = %+v", res)
	}
	for _, l := range res.Lines {
		if !l.Confirmed || l.ConfirmingUserID != "pharm-1" || l.ConfirmedAt == nil || l.UnitPrice == nil {
			t.Fatalf("line not confirmed: %+v", l)
		}
	}

	amount, err := f.engine.ComputeAndFinalize(ctx, v.ID)
	if err != nil {
		t.Fatalf("ComputeAndFinalize: %v", err)
	}
	if want := fee + 50 + 3*120; amount != want {
		t.Fatalf("amount = %v, want %v", amount, want)
	}

	billed, _ := f.engine.GetVisit(ctx, v.ID)
	if billed.BillingStatus != visit.BillingPaid {
		t.Fatalf("billing status = %s, want paid", billed.BillingStatus)
	}

	// prices changing later does not affect the recorded bill
	f.catalog.Upsert(inventory.Item{Code: "AMX250", Name: "Amoxicillin 250mg", CurrentStock: 40, UnitPrice: 999})
	again, err := f.engine.ComputeAndFinalize(ctx, v.ID)
	if err != nil || again != amount {
		t.Fatalf("repeat = %v, %v; want %v", again, err, amount)
	}

	item, _ := f.catalog.Lookup("PCM500")
	if item.CurrentStock != 99 {
		t.Fatalf("paracetamol stock = %d, want 99", item.CurrentStock)
	}
}

func TestPanelVisitWithoutMedications(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, lines := f.complete(t, "p-1", visit.Conclusion{
		Diagnosis:   "follow-up, stable",
		PaymentType: "panel",
		PanelName:   "AIA",
	})
	if len(lines) != 0 {
		t.Fatalf("lines = %d, want 0", len(lines))
	}
	if v.BillingStatus != visit.BillingToBeClaimed || v.PanelName != "AIA" {
		t.Fatalf("visit billing = %s panel = %q", v.BillingStatus, v.PanelName)
	}

	if _, err := f.engine.ConfirmAll(ctx, v.ID, "pharm-1"); !errors.Is(err, visit.ErrEmptySet) {
		t.Fatalf("ConfirmAll err = %v, want ErrEmptySet", err)
	}

	if _, err := f.engine.SettleClaim(ctx, v.ID); !errors.Is(err, visit.ErrInvalidTransition) {
		t.Fatalf("settle before billing: err = %v, want ErrInvalidTransition", err)
	}

	amount, err := f.engine.ComputeAndFinalize(ctx, v.ID)
	if err != nil {
		t.Fatalf("ComputeAndFinalize: %v", err)
	}
	if amount != fee {
		t.Fatalf("amount = %v, want consultation fee %v", amount, fee)
	}
	billed, _ := f.engine.GetVisit(ctx, v.ID)
	if billed.BillingStatus != visit.BillingToBeClaimed {
		t.Fatalf("billing status = %s, want to-be-claimed", billed.BillingStatus)
	}

	settled, err := f.engine.SettleClaim(ctx, v.ID)
	if err != nil {
		t.Fatalf("SettleClaim: %v", err)
	}
	if settled.BillingStatus != visit.BillingPaid || settled.ClaimSettledAt == nil {
		t.Fatalf("settled = %s", settled.BillingStatus)
	}
	if _, err := f.engine.SettleClaim(ctx, v.ID); !errors.Is(err, visit.ErrInvalidTransition) {
		t.Fatalf("second settle: err = %v, want ErrInvalidTransition", err)
	}
}

func TestConfirmAllReportsShortfallWithoutRollback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, lines := f.complete(t, "p-1", visit.Conclusion{
		Diagnosis:   "asthma exacerbation",
		Medications: []string{"Salbutamol inhaler"},
		PaymentType: "cash",
	})
	qty := 2
	if _, err := f.engine.EditLine(ctx, lines[0].ID, visit.LineEdit{Quantity: &qty}); err != nil {
		t.Fatal(err)
	}

	res, err := f.engine.ConfirmAll(ctx, v.ID, "pharm-1")
	if err != nil {
		t.Fatalf("ConfirmAll: %v", err)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("warnings = %+v, want 1", res.Warnings)
	}
	w := res.Warnings[0]
	if w.Requested != 2 || w.Available != 1 || w.LineID != lines[0].ID {
		t.Fatalf("warning = %+v", w)
	}
	if !res.ReadyForBilling {
		t.Fatal("shortfall blocked billing")
	}

	events, err := f.engine.Events(ctx, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	last := events[len(events)-1]
	if last.EventType != visit.EventStockShortfallReported {
		t.Fatalf("last event = %s, want StockShortfallReported", last.EventType)
	}
	var data visit.StockShortfallData
	if err := last.Decode(&data); err != nil || data.Available != 1 {
		t.Fatalf("shortfall data = %+v, %v", data, err)
	}

	if _, err := f.engine.ComputeAndFinalize(ctx, v.ID); err != nil {
		t.Fatalf("bill after shortfall: %v", err)
	}
}

func TestConfirmAllPriceFailureChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, _ := f.complete(t, "p-1", visit.Conclusion{
		Diagnosis:   "headache",
		Medications: []string{"Paracetamol 500mg", "Mystery tonic"},
		PaymentType: "cash",
	})

	if _, err := f.engine.ConfirmAll(ctx, v.ID, "pharm-1"); !errors.Is(err, inventory.ErrUnknownMedicine) {
		t.Fatalf("err = %v, want ErrUnknownMedicine", err)
	}
	lines, err := f.engine.ListPending(ctx, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, l := range lines {
		if l.Confirmed {
			t.Fatalf("line %s confirmed after failed confirmation", l.MedicineReference)
		}
	}
	item, _ := f.catalog.Lookup("PCM500")
	if item.CurrentStock != 100 {
		t.Fatalf("stock decremented to %d", item.CurrentStock)
	}
}

func TestConfirmAllIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, _ := f.complete(t, "p-1", visit.Conclusion{Diagnosis: "fever", Medications: []string{"Paracetamol 500mg"}, PaymentType: "cash"})

	if _, err := f.engine.ConfirmAll(ctx, v.ID, "pharm-1"); err != nil {
		t.Fatal(err)
	}
	res, err := f.engine.ConfirmAll(ctx, v.ID, "pharm-2")
	if err != nil {
		t.Fatalf("second ConfirmAll: %v", err)
	}
	if !res.ReadyForBilling || res.Lines[0].ConfirmingUserID != "pharm-1" {
		t.Fatalf("second confirm changed lines: %+v", res.Lines[0])
	}
	item, _ := f.catalog.Lookup("PCM500")
	if item.CurrentStock != 99 {
		t.Fatalf("stock = %d, want a single decrement", item.CurrentStock)
	}
}

func TestLineEditingRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, lines := f.complete(t, "p-1", visit.Conclusion{
		Diagnosis:   "otitis",
		Medications: []string{"Amoxicillin 250mg", "Paracetamol 500mg"},
		PaymentType: "cash",
	})

	zero := 0
	if _, err := f.engine.EditLine(ctx, lines[0].ID, visit.LineEdit{Quantity: &zero}); !errors.Is(err, visit.ErrValidation) {
		t.Fatalf("zero quantity: err = %v, want ErrValidation", err)
	}

	dosage := "250mg tds"
	edited, err := f.engine.EditLine(ctx, lines[0].ID, visit.LineEdit{Dosage: &dosage})
	if err != nil || edited.Dosage != dosage {
		t.Fatalf("EditLine = %+v, %v", edited, err)
	}

	if err := f.engine.RemoveLine(ctx, lines[1].ID); err != nil {
		t.Fatalf("RemoveLine: %v", err)
	}
	pending, _ := f.engine.ListPending(ctx, v.ID)
	if len(pending) != 1 || pending[0].ID != lines[0].ID {
		t.Fatalf("pending = %+v", pending)
	}

	if _, err := f.engine.ConfirmAll(ctx, v.ID, "pharm-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.EditLine(ctx, lines[0].ID, visit.LineEdit{Dosage: &dosage}); !errors.Is(err, visit.ErrLineLocked) {
		t.Fatalf("edit confirmed: err = %v, want ErrLineLocked", err)
	}
	if err := f.engine.RemoveLine(ctx, lines[0].ID); !errors.Is(err, visit.ErrLineLocked) {
		t.Fatalf("remove confirmed: err = %v, want ErrLineLocked", err)
	}
	if _, err := f.engine.EditLine(ctx, "missing", visit.LineEdit{Dosage: &dosage}); !errors.Is(err, visit.ErrNotFound) {
		t.Fatalf("edit missing: err = %v, want ErrNotFound", err)
	}
}

func TestQueueStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "p-1")
	second := f.register(t, "p-2")
	third := f.register(t, "p-3")
	if _, err := f.engine.StartConsultation(ctx, second.ID, "dr-lim"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.CancelVisit(ctx, third.ID); err != nil {
		t.Fatal(err)
	}

	stats, err := f.engine.QueueStats(ctx, "", "")
	if err != nil {
		t.Fatal(err)
	}
	want := QueueStats{Day: "2026-03-02", Waiting: 1, InConsultation: 1, Cancelled: 1, Total: 3, NextQueueNumber: 1}
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}

	if _, err := f.engine.QueueStats(ctx, "03/02/2026", ""); !errors.Is(err, visit.ErrValidation) {
		t.Fatalf("bad day: err = %v, want ErrValidation", err)
	}
}

func TestEventsFollowLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, _ := f.complete(t, "p-1", visit.Conclusion{Diagnosis: "flu", PaymentType: "cash"})
	if _, err := f.engine.ComputeAndFinalize(ctx, v.ID); err != nil {
		t.Fatal(err)
	}

	events, err := f.engine.Events(ctx, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := []visit.EventType{
		visit.EventVisitRegistered,
		visit.EventConsultationStarted,
		visit.EventConsultationEnded,
		visit.EventBillFinalized,
	}
	if len(events) != len(want) {
		t.Fatalf("events = %d, want %d", len(events), len(want))
	}
	for i, e := range events {
		if e.EventType != want[i] || e.Version != i+1 {
			t.Errorf("event %d = %s v%d, want %s v%d", i, e.EventType, e.Version, want[i], i+1)
		}
	}

	if _, err := f.engine.Events(ctx, "missing"); !errors.Is(err, visit.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestOversizedQuantityIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, lines := f.complete(t, "p-1", visit.Conclusion{
		Diagnosis:   "asthma",
		Medications: []string{"Salbutamol inhaler"},
		PaymentType: "cash",
	})
	huge := 1 << 62
	if _, err := f.engine.EditLine(ctx, lines[0].ID, visit.LineEdit{Quantity: &huge}); !errors.Is(err, visit.ErrValidation) {
		t.Fatalf("EditLine err = %v, want ErrValidation", err)
	}
	pending, _ := f.engine.ListPending(ctx, lines[0].VisitID)
	if pending[0].Quantity != 1 {
		t.Fatalf("quantity = %d, want 1", pending[0].Quantity)
	}
}

func TestBillOverflowIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.catalog.Upsert(inventory.Item{Code: "GOLD", Name: "Gold tincture", CurrentStock: 100, UnitPrice: visit.Amount(math.MaxInt64 / 2)})

	v, lines := f.complete(t, "p-1", visit.Conclusion{
		Diagnosis:   "malaise",
		Medications: []string{"Gold tincture"},
		PaymentType: "cash",
	})
	qty := 3
	if _, err := f.engine.EditLine(ctx, lines[0].ID, visit.LineEdit{Quantity: &qty}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.ConfirmAll(ctx, v.ID, "pharm-1"); err != nil {
		t.Fatal(err)
	}

	if _, err := f.engine.ComputeAndFinalize(ctx, v.ID); !errors.Is(err, visit.ErrValidation) {
		t.Fatalf("ComputeAndFinalize err = %v, want ErrValidation", err)
	}
	got, _ := f.engine.GetVisit(ctx, v.ID)
	if got.BilledAt != nil || got.BillAmount != nil || got.BillingStatus != visit.BillingPending {
		t.Fatalf("visit billed after overflow: %+v", got)
	}
}

func TestConfirmAllRequiresConfirmingUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, _ := f.complete(t, "p-1", visit.Conclusion{
		Diagnosis:   "headache",
		Medications: []string{"Paracetamol 500mg"},
		PaymentType: "cash",
	})
	for _, user := range []string{"", "   ", "\t"} {
		if _, err := f.engine.ConfirmAll(ctx, v.ID, user); !errors.Is(err, visit.ErrValidation) {
			t.Fatalf("ConfirmAll(%q) err = %v, want ErrValidation", user, err)
		}
	}

	res, err := f.engine.ConfirmAll(ctx, v.ID, "  pharm-1 ")
	if err != nil {
		t.Fatal(err)
	}
	if res.Lines[0].ConfirmingUserID != "pharm-1" {
		t.Fatalf("confirming user = %q, want trimmed", res.Lines[0].ConfirmingUserID)
	}
}
