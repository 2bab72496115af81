package eitticket

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// TicketRegistry is the ticket store seen by protocol handlers.
type TicketRegistry interface {
	// AddTicket stores t. It fails with *DuplicateTicketError when an
	// unexpired ticket already holds the id.
	AddTicket(ctx context.Context, t *Ticket) error
	// GetTicket returns nil, nil when the id is absent or expired.
	GetTicket(ctx context.Context, id string) (*Ticket, error)
	// GetTickets returns a snapshot of all unexpired tickets.
	GetTickets(ctx context.Context) ([]*Ticket, error)
	// DeleteTicket removes id; absent ids are not an error.
	DeleteTicket(ctx context.Context, id string) error
	// UpdateTicket replaces the stored value of t.ID with t.
	UpdateTicket(ctx context.Context, t *Ticket) error
}

// EvictionHandler is told about every ticket the registry removes because
// its policy reported it expired.
type EvictionHandler func(ctx context.Context, t *Ticket)

// RegistryOptions holds the collaborators of a DefaultTicketRegistry.
type RegistryOptions struct {
	Clock   Clock
	Logger  *slog.Logger
	Monitor *Monitor
}

// DefaultTicketRegistry evaluates expiration policies on top of an Adapter.
// All locking happens inside the adapter.
type DefaultTicketRegistry struct {
	adapter  Adapter
	clock    Clock
	logger   *slog.Logger
	monitor  *Monitor
	onEvict  EvictionHandler
	cascades bool
}

// NewDefaultTicketRegistry creates a registry over adapter.
func NewDefaultTicketRegistry(adapter Adapter, options RegistryOptions) *DefaultTicketRegistry {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	monitor := options.Monitor
	if monitor == nil {
		monitor = NewMonitor()
	}
	return &DefaultTicketRegistry{
		adapter:  adapter,
		clock:    clockOrSystem(options.Clock),
		logger:   logger,
		monitor:  monitor,
		cascades: true,
	}
}

// Adapter exposes the underlying adapter.
func (r *DefaultTicketRegistry) Adapter() Adapter { return r.adapter }

// Monitor returns the registry monitor.
func (r *DefaultTicketRegistry) Monitor() *Monitor { return r.monitor }

// Clock returns the registry clock.
func (r *DefaultTicketRegistry) Clock() Clock { return r.clock }

// SetEvictionHandler installs h. It must be called before the registry is
// shared between goroutines.
func (r *DefaultTicketRegistry) SetEvictionHandler(h EvictionHandler) {
	r.onEvict = h
}

// AddTicket stores a new ticket.
func (r *DefaultTicketRegistry) AddTicket(ctx context.Context, t *Ticket) error {
	if r.adapter == nil {
		return ErrAdapterNil
	}
	if err := t.Validate(); err != nil {
		return err
	}
	now := r.clock.Now()
	err := r.adapter.Add(ctx, t, func(existing *Ticket) bool {
		return existing.IsExpired(now)
	})
	if err != nil {
		return err
	}
	r.logger.Debug("added ticket", "ticket", t.ID, "kind", t.Kind, "policy", t.Policy.Name())
	return nil
}

// GetTicket returns a valid ticket or nil. An expired ticket found here is
// removed before returning.
func (r *DefaultTicketRegistry) GetTicket(ctx context.Context, id string) (*Ticket, error) {
	if r.adapter == nil {
		return nil, ErrAdapterNil
	}
	start := time.Now()
	t, err := r.adapter.Get(ctx, id)
	elapsed := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("get ticket %s: %w", id, err)
	}
	if t == nil {
		r.monitor.RecordMiss(elapsed)
		return nil, nil
	}
	if t.IsExpired(r.clock.Now()) {
		r.monitor.RecordMiss(elapsed)
		r.evict(ctx, t)
		return nil, nil
	}
	r.monitor.RecordHit(elapsed)
	return t, nil
}

// GetTickets returns every unexpired ticket. Expired tickets are skipped but
// left for Sweep.
func (r *DefaultTicketRegistry) GetTickets(ctx context.Context) ([]*Ticket, error) {
	if r.adapter == nil {
		return nil, ErrAdapterNil
	}
	all, err := r.adapter.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	now := r.clock.Now()
	out := all[:0]
	for _, t := range all {
		if !t.IsExpired(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

// DeleteTicket removes a ticket. Deleting a granting ticket also removes the
// tickets granted from it.
func (r *DefaultTicketRegistry) DeleteTicket(ctx context.Context, id string) error {
	_, err := r.deleteTickets(ctx, id)
	return err
}

// deleteTickets removes id and its descendants and returns every id removed.
func (r *DefaultTicketRegistry) deleteTickets(ctx context.Context, id string) ([]string, error) {
	ids, err := r.cascade(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.removeTickets(ctx, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// cascade returns id followed by every ticket a delete of id removes.
func (r *DefaultTicketRegistry) cascade(ctx context.Context, id string) ([]string, error) {
	if r.adapter == nil {
		return nil, ErrAdapterNil
	}
	ids := []string{id}
	if r.cascades && grantsTickets(KindFromID(id)) {
		children, err := r.descendants(ctx, id)
		if err != nil {
			return nil, err
		}
		ids = append(ids, children...)
	}
	return ids, nil
}

// removeTickets deletes ids, the first being the one the caller asked for.
func (r *DefaultTicketRegistry) removeTickets(ctx context.Context, ids []string) error {
	if _, err := r.adapter.Delete(ctx, ids...); err != nil {
		return fmt.Errorf("delete ticket %s: %w", ids[0], err)
	}
	r.logger.Debug("deleted ticket", "ticket", ids[0], "descendants", len(ids)-1)
	return nil
}

func grantsTickets(k TicketKind) bool {
	return k == KindTicketGranting || k == KindProxyGrantingTicket
}

// descendants walks the GrantingTicketID links below id.
func (r *DefaultTicketRegistry) descendants(ctx context.Context, id string) ([]string, error) {
	all, err := r.adapter.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list descendants of %s: %w", id, err)
	}
	children := make(map[string][]string)
	for _, t := range all {
		if t.GrantingTicketID != "" {
			children[t.GrantingTicketID] = append(children[t.GrantingTicketID], t.ID)
		}
	}
	var out []string
	queue := []string{id}
	seen := map[string]bool{id: true}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		for _, child := range children[parent] {
			if seen[child] {
				continue
			}
			seen[child] = true
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out, nil
}

// UpdateTicket overwrites the stored ticket.
func (r *DefaultTicketRegistry) UpdateTicket(ctx context.Context, t *Ticket) error {
	if r.adapter == nil {
		return ErrAdapterNil
	}
	if err := t.Validate(); err != nil {
		return err
	}
	return r.adapter.Put(ctx, t)
}

// MarkUsed records one use of the ticket and writes it back. It returns the
// updated ticket, or nil when the id is absent or already expired. The
// returned ticket may itself be expired after this use.
func (r *DefaultTicketRegistry) MarkUsed(ctx context.Context, id string) (*Ticket, error) {
	t, err := r.GetTicket(ctx, id)
	if err != nil || t == nil {
		return nil, err
	}
	used := t.Touch(r.clock.Now())
	if err := r.UpdateTicket(ctx, used); err != nil {
		return nil, err
	}
	return used, nil
}

// Sweep removes every expired ticket and returns how many were removed.
func (r *DefaultTicketRegistry) Sweep(ctx context.Context) (int, error) {
	if r.adapter == nil {
		return 0, ErrAdapterNil
	}
	all, err := r.adapter.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	now := r.clock.Now()
	removed := 0
	for _, t := range all {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !t.IsExpired(now) {
			continue
		}
		r.evict(ctx, t)
		removed++
	}
	if removed > 0 {
		r.logger.Info("swept expired tickets", "count", removed)
	}
	return removed, nil
}

// PutReplica stores a ticket received from a peer, overwriting any local
// value and skipping the duplicate check.
func (r *DefaultTicketRegistry) PutReplica(ctx context.Context, t *Ticket) error {
	if r.adapter == nil {
		return ErrAdapterNil
	}
	if err := t.Validate(); err != nil {
		return err
	}
	return r.adapter.Put(ctx, t)
}

// RemoveReplica removes a ticket on a peer's instruction. Descendants are
// not walked: the peer sends a command for each removed id.
func (r *DefaultTicketRegistry) RemoveReplica(ctx context.Context, id string) error {
	if r.adapter == nil {
		return ErrAdapterNil
	}
	_, err := r.adapter.Delete(ctx, id)
	return err
}

func (r *DefaultTicketRegistry) evict(ctx context.Context, t *Ticket) {
	n, err := r.adapter.Delete(ctx, t.ID)
	if err != nil {
		r.logger.Warn("failed to remove expired ticket", "ticket", t.ID, "error", err)
		return
	}
	if n == 0 {
		return
	}
	r.monitor.RecordEviction(n)
	if r.onEvict != nil {
		r.onEvict(ctx, t)
	}
}
