// Package clock provides the injectable time source and ID generation used
// across the orchestration core. No component reads the wall clock
// directly; everything takes a Clock so tests can control time.
package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock is the time source abstraction.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock in UTC.
type System struct{}

// Now returns the current UTC time.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Fake is a controllable clock for tests.
type Fake struct {
	mu sync.Mutex
	t  time.Time
}

// NewFake creates a fake clock frozen at t.
func NewFake(t time.Time) *Fake {
	return &Fake{t: t.UTC()}
}

// Now returns the fake's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

// Set moves the fake clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = t.UTC()
}

// newSortableID returns a UUIDv7, which embeds a millisecond timestamp so
// IDs sort by creation time. Falls back to v4 only if the entropy source
// fails.
func newSortableID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// NewPaymentID generates a payment identifier. The saga id for a payment
// is the payment id itself.
func NewPaymentID() string {
	return newSortableID()
}

// NewCorrelationID generates a correlation identifier.
func NewCorrelationID() string {
	return newSortableID()
}

// NewEventID generates a transaction event identifier.
func NewEventID() string {
	return newSortableID()
}

// NewReservationID generates a limit reservation identifier.
func NewReservationID() string {
	return newSortableID()
}

// NewMessageID generates a queued message identifier.
func NewMessageID() string {
	return newSortableID()
}

// NewRuleID generates a routing rule identifier.
func NewRuleID() string {
	return newSortableID()
}

// NewClearingRef generates a clearing submission reference.
func NewClearingRef() string {
	return newSortableID()
}
