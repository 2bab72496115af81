package eitticket

import (
	"fmt"
	"strings"
	"time"
)

// TicketKind identifies what a ticket grants.
type TicketKind string

const (
	KindTicketGranting      TicketKind = "TGT"
	KindService             TicketKind = "ST"
	KindProxy               TicketKind = "PT"
	KindProxyGrantingTicket TicketKind = "PGT"
)

// Prefix returns the id prefix used for tickets of this kind.
func (k TicketKind) Prefix() string { return string(k) }

// Valid reports whether k is a known kind.
func (k TicketKind) Valid() bool {
	switch k {
	case KindTicketGranting, KindService, KindProxy, KindProxyGrantingTicket:
		return true
	}
	return false
}

// Principal is the authenticated subject.
type Principal struct {
	ID         string           `json:"id"`
	Attributes map[string][]any `json:"attributes,omitempty"`
}

// Authentication carries the outcome of a login. The registry stores it
// but never looks inside.
type Authentication struct {
	Principal       Principal        `json:"principal"`
	AuthenticatedAt time.Time        `json:"authenticated_at"`
	Attributes      map[string][]any `json:"attributes,omitempty"`
}

// Ticket is a stored security token. Stored tickets are treated as
// values: mutate a copy (see Touch) and write it back with UpdateTicket.
type Ticket struct {
	ID               string
	Kind             TicketKind
	CreatedAt        time.Time
	LastUsedAt       time.Time
	UseCount         int
	Policy           ExpirationPolicy
	Authentication   *Authentication
	Service          string
	GrantingTicketID string
}

// Validate checks the structural invariants every stored ticket holds.
func (t *Ticket) Validate() error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidTicket)
	}
	if t.Policy == nil {
		return fmt.Errorf("%w: %s has no expiration policy", ErrInvalidTicket, t.ID)
	}
	if t.CreatedAt.IsZero() {
		return fmt.Errorf("%w: %s has no creation time", ErrInvalidTicket, t.ID)
	}
	if t.LastUsedAt.Before(t.CreatedAt) {
		return fmt.Errorf("%w: %s last used before creation", ErrInvalidTicket, t.ID)
	}
	return nil
}

// IsExpired evaluates the ticket's policy at now.
func (t *Ticket) IsExpired(now time.Time) bool {
	if t == nil || t.Policy == nil {
		return true
	}
	return t.Policy.IsExpired(t, now)
}

// Touch returns a copy marked as used at now. LastUsedAt never moves
// backwards.
func (t *Ticket) Touch(now time.Time) *Ticket {
	cp := t.Clone()
	if now.After(cp.LastUsedAt) {
		cp.LastUsedAt = now
	}
	cp.UseCount++
	return cp
}

// Clone returns a shallow copy. Authentication is shared; it is never
// mutated after the ticket is minted.
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// PrincipalID returns the principal id, or "" if the ticket carries none.
func (t *Ticket) PrincipalID() string {
	if t == nil || t.Authentication == nil {
		return ""
	}
	return t.Authentication.Principal.ID
}

// KindFromID infers the kind from an id prefix.
func KindFromID(id string) TicketKind {
	prefix, _, ok := strings.Cut(id, idSeparator)
	if !ok {
		return ""
	}
	k := TicketKind(prefix)
	if !k.Valid() {
		return ""
	}
	return k
}

// TicketFactory mints tickets with generated ids and per-kind policies.
type TicketFactory struct {
	generator *TicketIDGenerator
	policies  map[TicketKind]ExpirationPolicy
	clock     Clock
}

// NewTicketFactory creates a factory. Kinds without a policy fall back to
// DefaultPolicies.
func NewTicketFactory(generator *TicketIDGenerator, policies map[TicketKind]ExpirationPolicy, clock Clock) *TicketFactory {
	if generator == nil {
		generator = NewTicketIDGenerator(DefaultTokenLength, "")
	}
	merged := DefaultPolicies()
	for k, p := range policies {
		if p != nil {
			merged[k] = p
		}
	}
	return &TicketFactory{
		generator: generator,
		policies:  merged,
		clock:     clockOrSystem(clock),
	}
}

// Generator returns the id generator.
func (f *TicketFactory) Generator() *TicketIDGenerator { return f.generator }

// Policy returns the policy attached to new tickets of kind k.
func (f *TicketFactory) Policy(k TicketKind) ExpirationPolicy { return f.policies[k] }

// NewTicketGrantingTicket mints a session ticket for auth.
func (f *TicketFactory) NewTicketGrantingTicket(auth *Authentication) *Ticket {
	return f.mint(KindTicketGranting, auth, "", "")
}

// NewServiceTicket mints a ticket for service, derived from parent. Proxy
// granting tickets on the parent chain yield proxy tickets.
func (f *TicketFactory) NewServiceTicket(parent *Ticket, service string) *Ticket {
	kind := KindService
	if parent.Kind == KindProxyGrantingTicket {
		kind = KindProxy
	}
	return f.mint(kind, parent.Authentication, service, parent.ID)
}

// NewProxyGrantingTicket mints a proxy granting ticket for callback
// service. It hangs off the granting ticket of the validated service
// ticket, so deleting the session removes it too.
func (f *TicketFactory) NewProxyGrantingTicket(validated *Ticket, service string) *Ticket {
	parentID := validated.GrantingTicketID
	if parentID == "" {
		parentID = validated.ID
	}
	return f.mint(KindProxyGrantingTicket, validated.Authentication, service, parentID)
}

func (f *TicketFactory) mint(kind TicketKind, auth *Authentication, service, parentID string) *Ticket {
	now := f.clock.Now()
	return &Ticket{
		ID:               f.generator.NewTicketID(kind.Prefix()),
		Kind:             kind,
		CreatedAt:        now,
		LastUsedAt:       now,
		Policy:           f.policies[kind],
		Authentication:   auth,
		Service:          service,
		GrantingTicketID: parentID,
	}
}

// Clock returns the clock stamped on minted tickets.
func (f *TicketFactory) Clock() Clock { return f.clock }
