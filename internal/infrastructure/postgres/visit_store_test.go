package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/drfirst/go-visitflow/internal/domain/visit"
)

func TestTranslateUniqueViolations(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "second active visit",
			err:  &pgconn.PgError{Code: "23505", ConstraintName: "visits_one_active_per_patient", Detail: "Key (patient_id)=(p-1) already exists."},
			want: visit.ErrDuplicateActiveVisit,
		},
		{
			name: "second consultation",
			err:  &pgconn.PgError{Code: "23505", ConstraintName: "visits_one_consultation_per_practitioner"},
			want: visit.ErrPractitionerBusy,
		},
		{
			name: "wrapped by the driver call",
			err:  fmt.Errorf("insert visit: %w", &pgconn.PgError{Code: "23505", ConstraintName: "visits_one_active_per_patient"}),
			want: visit.ErrDuplicateActiveVisit,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := translate(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("translate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTranslatePassesOtherErrorsThrough(t *testing.T) {
	other := &pgconn.PgError{Code: "23505", ConstraintName: "visits_pkey"}
	if got := translate(other); got != other {
		t.Errorf("unknown constraint translated to %v", got)
	}

	fk := &pgconn.PgError{Code: "23503", ConstraintName: "visits_one_active_per_patient"}
	if got := translate(fk); got != fk {
		t.Errorf("non-unique violation translated to %v", got)
	}

	plain := errors.New("connection reset")
	if got := translate(plain); got != plain {
		t.Errorf("plain error translated to %v", got)
	}
	if translate(nil) != nil {
		t.Error("nil translated")
	}
}
