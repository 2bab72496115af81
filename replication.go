package eitticket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Operation is the kind of change a Command carries.
type Operation string

const (
	OperationAdd    Operation = "ADD"
	OperationDelete Operation = "DELETE"
)

// Command is one replicated registry change. Payload holds a codec frame
// of the ticket for ADD and is empty for DELETE.
type Command struct {
	TicketID   string    `cbor:"ticketId" json:"ticketId"`
	Operation  Operation `cbor:"operation" json:"operation"`
	Payload    []byte    `cbor:"payload,omitempty" json:"payload,omitempty"`
	OriginNode string    `cbor:"originNode" json:"originNode"`
}

// EncodeCommand serializes cmd for the bus.
func (c *Codec) EncodeCommand(cmd Command) ([]byte, error) {
	data, err := c.encMode.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("codec: encode command: %w", err)
	}
	return data, nil
}

// DecodeCommand parses a bus message.
func (c *Codec) DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := c.decMode.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("codec: decode command: %w", err)
	}
	if cmd.TicketID == "" {
		return Command{}, fmt.Errorf("%w: command without ticket id", ErrMalformedFrame)
	}
	return cmd, nil
}

// ReplicatorConfig configures a Replicator. Zero values take defaults.
type ReplicatorConfig struct {
	// NodeID identifies this node on the bus. Empty means a random UUID.
	NodeID         string        `yaml:"node_id"`
	Topic          string        `yaml:"topic"`
	GraceWindow    time.Duration `yaml:"grace_window"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	PublishRetries int           `yaml:"publish_retries"`
	OutboxSize     int           `yaml:"outbox_size"`
	ApplyQueueSize int           `yaml:"apply_queue_size"`
	ApplyWorkers   int           `yaml:"apply_workers"`
}

const (
	defaultPublishTimeout = 2 * time.Second
	defaultPublishRetries = 3
	defaultOutboxSize     = 1024
	publishBackoff        = 50 * time.Millisecond
	idLockStripes         = 64
)

func (c ReplicatorConfig) withDefaults() ReplicatorConfig {
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = DefaultGraceWindow
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaultPublishTimeout
	}
	if c.PublishRetries <= 0 {
		c.PublishRetries = defaultPublishRetries
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = defaultOutboxSize
	}
	if c.ApplyQueueSize <= 0 {
		c.ApplyQueueSize = DefaultApplyQueueSize
	}
	if c.ApplyWorkers <= 0 {
		c.ApplyWorkers = 1
	}
	return c
}

// Replicator is a TicketRegistry that mirrors local changes to peers over a
// Bus and applies the changes peers send. Local operations never wait for
// the bus: commands are published from a background goroutine and failures
// are only logged and counted.
type Replicator struct {
	registry   *DefaultTicketRegistry
	bus        Bus
	codec      *Codec
	config     ReplicatorConfig
	tombstones *TombstoneSet
	queue      *applyQueue
	outbox     chan Command
	logger     *slog.Logger

	// idLocks order tombstone checks against writes of the same id.
	idLocks [idLockStripes]sync.Mutex

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	stop    chan struct{}
	closed  atomic.Bool
	wg      sync.WaitGroup
}

var _ TicketRegistry = (*Replicator)(nil)

// NewReplicator wraps registry. It installs itself as the registry's
// eviction handler so expired tickets are deleted on peers too.
func NewReplicator(registry *DefaultTicketRegistry, bus Bus, codec *Codec, config ReplicatorConfig, logger *slog.Logger) (*Replicator, error) {
	if registry == nil {
		return nil, ErrAdapterNil
	}
	if bus == nil {
		return nil, errors.New("replicator needs a bus")
	}
	if codec == nil {
		return nil, errors.New("replicator needs a codec")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	config = config.withDefaults()

	r := &Replicator{
		registry:   registry,
		bus:        bus,
		codec:      codec,
		config:     config,
		tombstones: NewTombstoneSet(config.GraceWindow),
		queue:      newApplyQueue(config.ApplyQueueSize),
		outbox:     make(chan Command, config.OutboxSize),
		logger:     logger.With("node", config.NodeID),
		stop:       make(chan struct{}),
	}
	registry.SetEvictionHandler(r.onEvicted)
	return r, nil
}

// NodeID returns the id stamped on commands from this node.
func (r *Replicator) NodeID() string { return r.config.NodeID }

// Registry returns the wrapped local registry.
func (r *Replicator) Registry() *DefaultTicketRegistry { return r.registry }

// Tombstones returns the tombstone set.
func (r *Replicator) Tombstones() *TombstoneSet { return r.tombstones }

func (r *Replicator) lockID(id string) *sync.Mutex {
	mu := &r.idLocks[xxhash.Sum64String(id)%idLockStripes]
	mu.Lock()
	return mu
}

// Start subscribes to the bus and starts the publisher and apply workers.
func (r *Replicator) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return ErrReplicatorClosed
	}
	if r.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	messages, err := r.bus.Subscribe(runCtx, r.config.Topic)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe %s: %w", r.config.Topic, err)
	}
	r.cancel = cancel
	r.started = true

	r.wg.Add(2 + r.config.ApplyWorkers)
	go r.publishLoop()
	go r.receiveLoop(messages)
	for i := 0; i < r.config.ApplyWorkers; i++ {
		go r.applyLoop(runCtx)
	}
	r.logger.Info("replicator started", "topic", r.config.Topic, "workers", r.config.ApplyWorkers)
	return nil
}

// Close stops the background goroutines. Commands still in the outbox are
// published before Close returns.
func (r *Replicator) Close() error {
	r.mu.Lock()
	if r.closed.Swap(true) {
		r.mu.Unlock()
		return nil
	}
	started := r.started
	r.mu.Unlock()

	if started {
		close(r.stop)
		r.cancel()
	}
	r.queue.close()
	r.wg.Wait()
	r.logger.Info("replicator stopped")
	return nil
}

// AddTicket adds locally and replicates an ADD.
func (r *Replicator) AddTicket(ctx context.Context, t *Ticket) error {
	if r.closed.Load() {
		return ErrReplicatorClosed
	}
	if err := t.Validate(); err != nil {
		return err
	}
	payload, err := r.codec.EncodeTicket(t)
	if err != nil {
		return err
	}
	if err := r.registry.AddTicket(ctx, t); err != nil {
		return err
	}
	r.enqueue(Command{TicketID: t.ID, Operation: OperationAdd, Payload: payload})
	return nil
}

// GetTicket reads the local registry.
func (r *Replicator) GetTicket(ctx context.Context, id string) (*Ticket, error) {
	return r.registry.GetTicket(ctx, id)
}

// GetTickets reads the local registry.
func (r *Replicator) GetTickets(ctx context.Context) ([]*Ticket, error) {
	return r.registry.GetTickets(ctx)
}

// DeleteTicket deletes locally, tombstones every removed id and replicates
// a DELETE for each.
func (r *Replicator) DeleteTicket(ctx context.Context, id string) error {
	if r.closed.Load() {
		return ErrReplicatorClosed
	}
	ids, err := r.registry.cascade(ctx, id)
	if err != nil {
		return err
	}
	// Once an id is tombstoned under its lock, no replicated add can write
	// it back after the delete below.
	now := r.registry.Clock().Now()
	for _, removed := range ids {
		mu := r.lockID(removed)
		r.tombstones.Add(removed, now)
		mu.Unlock()
	}
	if err := r.registry.removeTickets(ctx, ids); err != nil {
		return err
	}
	for _, removed := range ids {
		r.enqueue(Command{TicketID: removed, Operation: OperationDelete})
	}
	return nil
}

// UpdateTicket overwrites locally and replicates the new value as an ADD,
// which peers apply as an overwrite. A ticket deleted in the meantime is
// not written back.
func (r *Replicator) UpdateTicket(ctx context.Context, t *Ticket) error {
	if r.closed.Load() {
		return ErrReplicatorClosed
	}
	if err := t.Validate(); err != nil {
		return err
	}
	payload, err := r.codec.EncodeTicket(t)
	if err != nil {
		return err
	}
	mu := r.lockID(t.ID)
	if r.tombstones.Contains(t.ID, r.registry.Clock().Now()) {
		mu.Unlock()
		return fmt.Errorf("%w: %s was deleted", ErrTicketNotFound, t.ID)
	}
	err = r.registry.UpdateTicket(ctx, t)
	mu.Unlock()
	if err != nil {
		return err
	}
	r.enqueue(Command{TicketID: t.ID, Operation: OperationAdd, Payload: payload})
	return nil
}

// MarkUsed records one use of a ticket and replicates the new value.
func (r *Replicator) MarkUsed(ctx context.Context, id string) (*Ticket, error) {
	t, err := r.GetTicket(ctx, id)
	if err != nil || t == nil {
		return nil, err
	}
	used := t.Touch(r.registry.Clock().Now())
	if err := r.UpdateTicket(ctx, used); err != nil {
		return nil, err
	}
	return used, nil
}

// Sweep removes expired tickets; each removal is replicated as a DELETE.
func (r *Replicator) Sweep(ctx context.Context) (int, error) {
	return r.registry.Sweep(ctx)
}

// Apply applies a command received from a peer. ADDs for tombstoned ids are
// ignored.
func (r *Replicator) Apply(ctx context.Context, cmd Command) error {
	monitor := r.registry.Monitor()
	if cmd.OriginNode == r.config.NodeID {
		monitor.RecordIgnored()
		return nil
	}
	now := r.registry.Clock().Now()

	switch cmd.Operation {
	case OperationAdd:
		t, err := r.codec.DecodeTicket(cmd.Payload)
		if err != nil {
			return fmt.Errorf("apply add %s: %w", cmd.TicketID, err)
		}
		if t.ID != cmd.TicketID {
			return fmt.Errorf("%w: command for %s carries ticket %s", ErrMalformedFrame, cmd.TicketID, t.ID)
		}
		mu := r.lockID(cmd.TicketID)
		if r.tombstones.Contains(cmd.TicketID, now) {
			mu.Unlock()
			monitor.RecordIgnored()
			r.logger.Debug("ignoring add for deleted ticket", "ticket", cmd.TicketID, "origin", cmd.OriginNode)
			return nil
		}
		err = r.registry.PutReplica(ctx, t)
		mu.Unlock()
		if err != nil {
			return fmt.Errorf("apply add %s: %w", cmd.TicketID, err)
		}
	case OperationDelete:
		mu := r.lockID(cmd.TicketID)
		r.tombstones.Add(cmd.TicketID, now)
		err := r.registry.RemoveReplica(ctx, cmd.TicketID)
		mu.Unlock()
		if err != nil {
			return fmt.Errorf("apply delete %s: %w", cmd.TicketID, err)
		}
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrMalformedFrame, cmd.Operation)
	}
	monitor.RecordApplied()
	return nil
}

func (r *Replicator) onEvicted(_ context.Context, t *Ticket) {
	r.tombstones.Add(t.ID, r.registry.Clock().Now())
	r.enqueue(Command{TicketID: t.ID, Operation: OperationDelete})
}

// enqueue hands cmd to the publisher without blocking.
func (r *Replicator) enqueue(cmd Command) {
	cmd.OriginNode = r.config.NodeID
	select {
	case r.outbox <- cmd:
	default:
		r.registry.Monitor().RecordDropped(1)
		r.logger.Warn("replication outbox full, dropping command",
			"ticket", cmd.TicketID, "operation", cmd.Operation)
	}
}

func (r *Replicator) publishLoop() {
	defer r.wg.Done()
	for {
		select {
		case cmd := <-r.outbox:
			r.publish(cmd)
		case <-r.stop:
			for {
				select {
				case cmd := <-r.outbox:
					r.publish(cmd)
				default:
					return
				}
			}
		}
	}
}

func (r *Replicator) publish(cmd Command) {
	data, err := r.codec.EncodeCommand(cmd)
	if err != nil {
		r.registry.Monitor().RecordPublish(err)
		r.logger.Error("failed to encode replication command", "ticket", cmd.TicketID, "error", err)
		return
	}

	for attempt := 1; attempt <= r.config.PublishRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), r.config.PublishTimeout)
		err = r.bus.Publish(ctx, r.config.Topic, data)
		cancel()
		if err == nil {
			break
		}
		if attempt < r.config.PublishRetries {
			time.Sleep(time.Duration(attempt) * publishBackoff)
		}
	}
	r.registry.Monitor().RecordPublish(err)
	if err != nil {
		r.logger.Warn("failed to publish replication command",
			"ticket", cmd.TicketID, "operation", cmd.Operation,
			"attempts", r.config.PublishRetries, "error", err)
	}
}

func (r *Replicator) receiveLoop(messages <-chan []byte) {
	defer r.wg.Done()
	for data := range messages {
		cmd, err := r.codec.DecodeCommand(data)
		if err != nil {
			r.logger.Warn("discarding malformed replication message", "error", err)
			continue
		}
		if cmd.OriginNode == r.config.NodeID {
			continue
		}
		dropped, ok := r.queue.push(cmd)
		if !ok {
			return
		}
		if dropped != nil {
			r.registry.Monitor().RecordDropped(1)
			r.logger.Warn("apply queue full, dropped pending command",
				"ticket", dropped.TicketID, "operation", dropped.Operation)
		}
	}
}

func (r *Replicator) applyLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		cmd, ok := r.queue.pop(ctx)
		if !ok {
			return
		}
		if err := r.Apply(ctx, cmd); err != nil {
			r.logger.Warn("failed to apply replication command",
				"ticket", cmd.TicketID, "operation", cmd.Operation, "error", err)
		}
	}
}
