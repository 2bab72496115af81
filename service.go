package eitticket

import (
	"context"
	"fmt"
)

// GrantServiceTicket mints a service ticket for service from the granting
// ticket grantingID and stores it. The granting ticket is marked used so
// sliding policies see the activity.
func GrantServiceTicket(ctx context.Context, registry TicketRegistry, factory *TicketFactory, grantingID, service string) (*Ticket, error) {
	if service == "" {
		return nil, fmt.Errorf("%w: service is required", ErrInvalidTicket)
	}
	parent, err := registry.GetTicket(ctx, grantingID)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, fmt.Errorf("%w: %s", ErrTicketNotFound, grantingID)
	}
	if !grantsTickets(parent.Kind) {
		return nil, fmt.Errorf("%w: %s cannot grant service tickets", ErrInvalidTicket, grantingID)
	}

	if err := registry.UpdateTicket(ctx, parent.Touch(factory.Clock().Now())); err != nil {
		return nil, fmt.Errorf("touch %s: %w", grantingID, err)
	}
	st := factory.NewServiceTicket(parent, service)
	if err := registry.AddTicket(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// ValidateServiceTicket consumes one use of the service or proxy ticket id
// presented by service and returns the ticket as it was after that use.
// A ticket presented by the wrong service is destroyed. A ticket whose
// policy is exhausted by this use is deleted.
func ValidateServiceTicket(ctx context.Context, registry TicketRegistry, clock Clock, id, service string) (*Ticket, error) {
	t, err := registry.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrTicketNotFound, id)
	}
	if t.Kind != KindService && t.Kind != KindProxy {
		return nil, fmt.Errorf("%w: %s is not a service ticket", ErrInvalidTicket, id)
	}
	if t.Service != service {
		if err := registry.DeleteTicket(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: ticket %s was issued for %q", ErrServiceMismatch, id, t.Service)
	}

	now := clockOrSystem(clock).Now()
	used := t.Touch(now)
	if used.IsExpired(now) {
		err = registry.DeleteTicket(ctx, id)
	} else {
		err = registry.UpdateTicket(ctx, used)
	}
	if err != nil {
		return nil, err
	}
	return used, nil
}
