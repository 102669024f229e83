package queue

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresAllocator keeps counters in the queue_counters table
type PostgresAllocator struct {
	db Querier
}

// NewPostgresAllocator creates a Postgres-backed allocator
func NewPostgresAllocator(db Querier) *PostgresAllocator {
	return &PostgresAllocator{db: db}
}

// NextNumber upserts the day's counter row and returns the new value
func (a *PostgresAllocator) NextNumber(ctx context.Context, day string) (int, error) {
	if err := ValidDay(day); err != nil {
		return 0, err
	}

	query := `
		INSERT INTO queue_counters (queue_day, last_number)
		VALUES ($1::date, 1)
		ON CONFLICT (queue_day)
		DO UPDATE SET last_number = queue_counters.last_number + 1
		RETURNING last_number
	`

	var n int
	if err := a.db.QueryRow(ctx, query, day).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to allocate queue number: %w", err)
	}
	return n, nil
}
