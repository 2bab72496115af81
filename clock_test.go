package eitticket

import (
	"sync"
	"testing"
	"time"
)

// manualClock is a Clock that only moves when told to.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 3, 10, 9, 30, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// eventually polls cond until it holds or a deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestTicket(clock Clock, id string, policy ExpirationPolicy) *Ticket {
	now := clock.Now()
	return &Ticket{
		ID:         id,
		Kind:       KindFromID(id),
		CreatedAt:  now,
		LastUsedAt: now,
		Policy:     policy,
		Authentication: &Authentication{
			Principal:       Principal{ID: "casuser"},
			AuthenticatedAt: now,
		},
	}
}

func TestSystemClockDefault(t *testing.T) {
	if _, ok := clockOrSystem(nil).(SystemClock); !ok {
		t.Fatal("expected nil clock to fall back to SystemClock")
	}
	c := newManualClock()
	if clockOrSystem(c) != Clock(c) {
		t.Fatal("expected explicit clock to be kept")
	}
}
