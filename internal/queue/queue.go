// Package queue issues per-day queue numbers for reception.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Allocator hands out queue numbers. For a given day every number is
// greater than all numbers issued before it, starting at 1, and no number
// is ever issued twice, even to concurrent callers.
type Allocator interface {
	NextNumber(ctx context.Context, day string) (int, error)
}

// DayLayout is the format of an operating day key
const DayLayout = "2006-01-02"

// Day returns the operating day of t in the clinic's time zone
func Day(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DayLayout)
}

// ValidDay reports whether day is a well-formed operating day key
func ValidDay(day string) error {
	if _, err := time.Parse(DayLayout, day); err != nil {
		return fmt.Errorf("invalid queue day %q: %w", day, err)
	}
	return nil
}

// MemoryAllocator keeps counters in process memory
type MemoryAllocator struct {
	mu   sync.Mutex
	last map[string]int
}

// NewMemoryAllocator creates an in-process allocator
func NewMemoryAllocator() *MemoryAllocator {
	return &MemoryAllocator{last: make(map[string]int)}
}

// NextNumber returns the next number for day
func (a *MemoryAllocator) NextNumber(ctx context.Context, day string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := ValidDay(day); err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.last[day]++
	return a.last[day], nil
}
