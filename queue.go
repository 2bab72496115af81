package eitticket

import (
	"container/list"
	"context"
	"sync"
)

// DefaultApplyQueueSize bounds the commands waiting to be applied locally.
const DefaultApplyQueueSize = 1024

// applyQueue buffers received commands between the bus reader and the
// apply workers. Push never blocks: when the queue is full it discards the
// oldest pending command for the same ticket, or the oldest command
// overall when none is pending for that ticket.
type applyQueue struct {
	mu     sync.Mutex
	items  *list.List
	byID   map[string][]*list.Element
	limit  int
	ready  chan struct{}
	closed bool
}

func newApplyQueue(limit int) *applyQueue {
	if limit <= 0 {
		limit = DefaultApplyQueueSize
	}
	return &applyQueue{
		items: list.New(),
		byID:  make(map[string][]*list.Element),
		limit: limit,
		ready: make(chan struct{}, 1),
	}
}

// push appends cmd and returns the command it displaced, if any.
func (q *applyQueue) push(cmd Command) (*Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, false
	}

	var dropped *Command
	if q.items.Len() >= q.limit {
		victim := q.items.Front()
		if pending := q.byID[cmd.TicketID]; len(pending) > 0 {
			victim = pending[0]
		}
		c := q.remove(victim)
		dropped = &c
	}

	el := q.items.PushBack(cmd)
	q.byID[cmd.TicketID] = append(q.byID[cmd.TicketID], el)
	q.signal()
	return dropped, true
}

// pop blocks until a command is available, the queue is closed and empty,
// or ctx is done.
func (q *applyQueue) pop(ctx context.Context) (Command, bool) {
	for {
		q.mu.Lock()
		if front := q.items.Front(); front != nil {
			cmd := q.remove(front)
			if q.items.Len() > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return cmd, true
		}
		if q.closed {
			// Pass the wakeup on to the next idle worker.
			q.signal()
			q.mu.Unlock()
			return Command{}, false
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return Command{}, false
		}
	}
}

func (q *applyQueue) remove(el *list.Element) Command {
	cmd := q.items.Remove(el).(Command)
	pending := q.byID[cmd.TicketID]
	for i, e := range pending {
		if e == el {
			pending = append(pending[:i], pending[i+1:]...)
			break
		}
	}
	if len(pending) == 0 {
		delete(q.byID, cmd.TicketID)
	} else {
		q.byID[cmd.TicketID] = pending
	}
	return cmd
}

// signal wakes one waiting pop. Called with mu held.
func (q *applyQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *applyQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func (q *applyQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.signal()
	q.mu.Unlock()
}
