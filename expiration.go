package eitticket

import (
	"fmt"
	"time"
)

// Policy names. They double as the codec's variant tags.
const (
	PolicyNeverExpires       = "never-expires"
	PolicyTimeToLive         = "time-to-live"
	PolicySlidingIdleTimeout = "sliding-idle-timeout"
	PolicyCountLimited       = "count-limited"
)

// ExpirationPolicy decides whether a ticket is still valid. Implementations
// are pure: they read the ticket's timestamps and use count and never
// change them.
type ExpirationPolicy interface {
	Name() string
	IsExpired(t *Ticket, now time.Time) bool
	// Deadline returns the instant the ticket expires by time alone, if
	// there is one. Storage adapters use it to set a native TTL.
	Deadline(t *Ticket) (time.Time, bool)
}

// NeverExpires keeps a ticket valid until it is deleted.
type NeverExpires struct{}

func (NeverExpires) Name() string                       { return PolicyNeverExpires }
func (NeverExpires) IsExpired(*Ticket, time.Time) bool  { return false }
func (NeverExpires) Deadline(*Ticket) (time.Time, bool) { return time.Time{}, false }
func (NeverExpires) String() string                     { return PolicyNeverExpires }

// TimeToLive expires a ticket a fixed duration after creation.
type TimeToLive struct {
	TTL time.Duration
}

func (p TimeToLive) Name() string { return PolicyTimeToLive }

func (p TimeToLive) IsExpired(t *Ticket, now time.Time) bool {
	return !now.Before(t.CreatedAt.Add(p.TTL))
}

func (p TimeToLive) Deadline(t *Ticket) (time.Time, bool) {
	return t.CreatedAt.Add(p.TTL), true
}

func (p TimeToLive) String() string { return fmt.Sprintf("%s(%s)", PolicyTimeToLive, p.TTL) }

// SlidingIdleTimeout expires a ticket that has not been used for Idle, or
// that is older than HardCeiling when HardCeiling is positive.
type SlidingIdleTimeout struct {
	Idle        time.Duration
	HardCeiling time.Duration
}

func (p SlidingIdleTimeout) Name() string { return PolicySlidingIdleTimeout }

func (p SlidingIdleTimeout) IsExpired(t *Ticket, now time.Time) bool {
	deadline, _ := p.Deadline(t)
	return !now.Before(deadline)
}

func (p SlidingIdleTimeout) Deadline(t *Ticket) (time.Time, bool) {
	deadline := t.LastUsedAt.Add(p.Idle)
	if p.HardCeiling > 0 {
		if hard := t.CreatedAt.Add(p.HardCeiling); hard.Before(deadline) {
			deadline = hard
		}
	}
	return deadline, true
}

func (p SlidingIdleTimeout) String() string {
	return fmt.Sprintf("%s(%s/%s)", PolicySlidingIdleTimeout, p.Idle, p.HardCeiling)
}

// CountLimited expires a ticket once it has been used MaxUses times, or
// TTL after creation when TTL is positive. Service tickets use MaxUses 1.
type CountLimited struct {
	MaxUses int
	TTL     time.Duration
}

func (p CountLimited) Name() string { return PolicyCountLimited }

func (p CountLimited) IsExpired(t *Ticket, now time.Time) bool {
	if t.UseCount >= p.MaxUses {
		return true
	}
	if p.TTL > 0 && !now.Before(t.CreatedAt.Add(p.TTL)) {
		return true
	}
	return false
}

func (p CountLimited) Deadline(t *Ticket) (time.Time, bool) {
	if p.TTL <= 0 {
		return time.Time{}, false
	}
	return t.CreatedAt.Add(p.TTL), true
}

func (p CountLimited) String() string {
	return fmt.Sprintf("%s(%d/%s)", PolicyCountLimited, p.MaxUses, p.TTL)
}

// Default policy values per ticket kind.
const (
	DefaultTGTIdleTimeout    = 2 * time.Hour
	DefaultTGTHardTimeout    = 8 * time.Hour
	DefaultServiceTicketTTL  = 10 * time.Second
	DefaultProxyGrantingIdle = 2 * time.Hour
)

// DefaultPolicies returns the policy attached to each kind when none is
// configured.
func DefaultPolicies() map[TicketKind]ExpirationPolicy {
	return map[TicketKind]ExpirationPolicy{
		KindTicketGranting:      SlidingIdleTimeout{Idle: DefaultTGTIdleTimeout, HardCeiling: DefaultTGTHardTimeout},
		KindService:             CountLimited{MaxUses: 1, TTL: DefaultServiceTicketTTL},
		KindProxy:               CountLimited{MaxUses: 1, TTL: DefaultServiceTicketTTL},
		KindProxyGrantingTicket: SlidingIdleTimeout{Idle: DefaultProxyGrantingIdle},
	}
}

// remainingTTL returns how long a storage backend should keep t, or 0 for
// no limit. A ticket already past its deadline gets a minimal positive TTL
// so the backend still drops it promptly.
func remainingTTL(t *Ticket, now time.Time) time.Duration {
	deadline, ok := t.Policy.Deadline(t)
	if !ok {
		return 0
	}
	if ttl := deadline.Sub(now); ttl > 0 {
		return ttl
	}
	return time.Millisecond
}
