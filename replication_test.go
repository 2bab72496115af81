package eitticket

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func newTestReplicator(t *testing.T, clock Clock, bus Bus, node string) *Replicator {
	t.Helper()
	codec := newTestCodec(t, CodecConfig{})
	r, err := NewReplicator(newTestRegistry(clock), bus, codec, ReplicatorConfig{
		NodeID:         node,
		PublishTimeout: time.Second,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func addCommand(t *testing.T, codec *Codec, ticket *Ticket, origin string) Command {
	t.Helper()
	payload, err := codec.EncodeTicket(ticket)
	if err != nil {
		t.Fatal(err)
	}
	return Command{TicketID: ticket.ID, Operation: OperationAdd, Payload: payload, OriginNode: origin}
}

func permutations(cmds []Command) [][]Command {
	if len(cmds) <= 1 {
		return [][]Command{append([]Command(nil), cmds...)}
	}
	var out [][]Command
	for i := range cmds {
		rest := make([]Command, 0, len(cmds)-1)
		rest = append(rest, cmds[:i]...)
		rest = append(rest, cmds[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]Command{cmds[i]}, p...))
		}
	}
	return out
}

func TestReplicationDeleteWinsInAnyOrder(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	codec := newTestCodec(t, CodecConfig{})

	v1 := newTestTicket(clock, "TGT-00001-race", NeverExpires{})
	v2 := v1.Touch(clock.Now().Add(time.Second))
	cmds := []Command{
		addCommand(t, codec, v1, "node-a"),
		addCommand(t, codec, v2, "node-a"),
		{TicketID: v1.ID, Operation: OperationDelete, OriginNode: "node-a"},
	}

	for i, order := range permutations(cmds) {
		peer := newTestReplicator(t, clock, NewMemoryBus(), "node-b")
		for _, cmd := range order {
			if err := peer.Apply(ctx, cmd); err != nil {
				t.Fatal(err)
			}
		}
		if got, _ := peer.GetTicket(ctx, v1.ID); got != nil {
			t.Fatalf("order %d: ticket resurrected after delete", i)
		}
		if !peer.Tombstones().Contains(v1.ID, clock.Now()) {
			t.Fatalf("order %d: no tombstone recorded", i)
		}
	}
}

func TestReplicationLastAddWins(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	codec := newTestCodec(t, CodecConfig{})

	v1 := newTestTicket(clock, "TGT-00001-adds", NeverExpires{})
	v2 := v1.Touch(clock.Now().Add(time.Second))
	a1, a2 := addCommand(t, codec, v1, "node-a"), addCommand(t, codec, v2, "node-a")

	for _, tc := range []struct {
		order []Command
		want  int
	}{
		{[]Command{a1, a2}, 1},
		{[]Command{a2, a1}, 0},
		{[]Command{a1, a1, a2, a2}, 1},
	} {
		peer := newTestReplicator(t, clock, NewMemoryBus(), "node-b")
		for _, cmd := range tc.order {
			if err := peer.Apply(ctx, cmd); err != nil {
				t.Fatal(err)
			}
		}
		got, _ := peer.GetTicket(ctx, v1.ID)
		if got == nil || got.UseCount != tc.want {
			t.Fatalf("expected last applied payload with use count %d, got %+v", tc.want, got)
		}
	}
}

// gatedAdapter holds the first Put after gate is set until release is
// closed.
type gatedAdapter struct {
	*MemoryTicketAdapter
	gate     atomic.Bool
	entered  chan struct{}
	release  chan struct{}
	onDelete func(ids []string)
}

func newGatedAdapter() *gatedAdapter {
	return &gatedAdapter{
		MemoryTicketAdapter: NewMemoryTicketAdapter(4),
		entered:             make(chan struct{}),
		release:             make(chan struct{}),
	}
}

func (g *gatedAdapter) Put(ctx context.Context, t *Ticket) error {
	if g.gate.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return g.MemoryTicketAdapter.Put(ctx, t)
}

func (g *gatedAdapter) Delete(ctx context.Context, ids ...string) (int64, error) {
	if g.onDelete != nil {
		g.onDelete(ids)
	}
	return g.MemoryTicketAdapter.Delete(ctx, ids...)
}

func newGatedReplicator(t *testing.T, clock Clock, adapter *gatedAdapter) *Replicator {
	t.Helper()
	registry := NewDefaultTicketRegistry(adapter, RegistryOptions{Clock: clock})
	r, err := NewReplicator(registry, NewMemoryBus(), newTestCodec(t, CodecConfig{}), ReplicatorConfig{NodeID: "node-b"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func waitEntered(t *testing.T, adapter *gatedAdapter) {
	t.Helper()
	select {
	case <-adapter.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("add never reached the adapter")
	}
}

func TestReplicationDeleteDuringInFlightAdd(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	codec := newTestCodec(t, CodecConfig{})
	adapter := newGatedAdapter()
	peer := newGatedReplicator(t, clock, adapter)

	ticket := newTestTicket(clock, "TGT-00001-inflight", NeverExpires{})
	add := addCommand(t, codec, ticket, "node-a")
	adapter.gate.Store(true)
	addDone := make(chan error, 1)
	go func() { addDone <- peer.Apply(ctx, add) }()
	waitEntered(t, adapter)

	deleteDone := make(chan error, 1)
	go func() {
		deleteDone <- peer.Apply(ctx, Command{TicketID: ticket.ID, Operation: OperationDelete, OriginNode: "node-c"})
	}()
	select {
	case <-deleteDone:
		t.Fatal("delete finished while an add of the same id was still writing")
	case <-time.After(50 * time.Millisecond):
	}

	close(adapter.release)
	for _, done := range []chan error{addDone, deleteDone} {
		if err := <-done; err != nil {
			t.Fatal(err)
		}
	}
	if got, _ := adapter.MemoryTicketAdapter.Get(ctx, ticket.ID); got != nil {
		t.Fatal("deleted ticket written back by a concurrent add")
	}
}

func TestReplicationLocalDeleteDuringInFlightAdd(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	codec := newTestCodec(t, CodecConfig{})
	adapter := newGatedAdapter()
	peer := newGatedReplicator(t, clock, adapter)

	ticket := newTestTicket(clock, "TGT-00001-local", NeverExpires{})
	var tombstonedFirst atomic.Bool
	adapter.onDelete = func(ids []string) {
		tombstonedFirst.Store(peer.Tombstones().Contains(ids[0], clock.Now()))
	}

	add := addCommand(t, codec, ticket, "node-a")
	adapter.gate.Store(true)
	addDone := make(chan error, 1)
	go func() { addDone <- peer.Apply(ctx, add) }()
	waitEntered(t, adapter)

	deleteDone := make(chan error, 1)
	go func() { deleteDone <- peer.DeleteTicket(ctx, ticket.ID) }()
	time.Sleep(20 * time.Millisecond)
	close(adapter.release)
	for _, done := range []chan error{addDone, deleteDone} {
		if err := <-done; err != nil {
			t.Fatal(err)
		}
	}

	if got, _ := adapter.MemoryTicketAdapter.Get(ctx, ticket.ID); got != nil {
		t.Fatal("locally deleted ticket written back by a concurrent add")
	}
	if !tombstonedFirst.Load() {
		t.Fatal("ticket deleted before its tombstone was recorded")
	}
}

func TestReplicatorUpdateAfterPeerDelete(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	codec := newTestCodec(t, CodecConfig{})
	peer := newTestReplicator(t, clock, NewMemoryBus(), "node-b")

	ticket := newTestTicket(clock, "TGT-00001-stale", NeverExpires{})
	if err := peer.Apply(ctx, addCommand(t, codec, ticket, "node-a")); err != nil {
		t.Fatal(err)
	}
	held, err := peer.GetTicket(ctx, ticket.ID)
	if err != nil || held == nil {
		t.Fatalf("expected the replicated ticket, got %v %v", held, err)
	}
	if err := peer.Apply(ctx, Command{TicketID: ticket.ID, Operation: OperationDelete, OriginNode: "node-a"}); err != nil {
		t.Fatal(err)
	}

	if err := peer.UpdateTicket(ctx, held.Touch(clock.Now())); !errors.Is(err, ErrTicketNotFound) {
		t.Fatalf("expected ErrTicketNotFound, got %v", err)
	}
	if got, _ := peer.GetTicket(ctx, ticket.ID); got != nil {
		t.Fatal("update wrote a deleted ticket back")
	}
}

func TestReplicationTombstoneExpires(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	codec := newTestCodec(t, CodecConfig{})
	peer := newTestReplicator(t, clock, NewMemoryBus(), "node-b")

	ticket := newTestTicket(clock, "TGT-00001-grace", NeverExpires{})
	if err := peer.Apply(ctx, Command{TicketID: ticket.ID, Operation: OperationDelete, OriginNode: "node-a"}); err != nil {
		t.Fatal(err)
	}
	if err := peer.Apply(ctx, addCommand(t, codec, ticket, "node-a")); err != nil {
		t.Fatal(err)
	}
	if got, _ := peer.GetTicket(ctx, ticket.ID); got != nil {
		t.Fatal("add inside grace window was applied")
	}

	clock.Advance(DefaultGraceWindow)
	if err := peer.Apply(ctx, addCommand(t, codec, ticket, "node-a")); err != nil {
		t.Fatal(err)
	}
	if got, _ := peer.GetTicket(ctx, ticket.ID); got == nil {
		t.Fatal("add after grace window was ignored")
	}
}

func TestReplicationApplyRejectsBadCommands(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	codec := newTestCodec(t, CodecConfig{})
	peer := newTestReplicator(t, clock, NewMemoryBus(), "node-b")

	ticket := newTestTicket(clock, "TGT-00001-bad", NeverExpires{})
	mismatched := addCommand(t, codec, ticket, "node-a")
	mismatched.TicketID = "TGT-00002-other"
	if err := peer.Apply(ctx, mismatched); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
	if err := peer.Apply(ctx, Command{TicketID: ticket.ID, Operation: "PATCH", OriginNode: "node-a"}); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}

	own := addCommand(t, codec, ticket, "node-b")
	if err := peer.Apply(ctx, own); err != nil {
		t.Fatal(err)
	}
	if got, _ := peer.GetTicket(ctx, ticket.ID); got != nil {
		t.Fatal("own-origin command was applied")
	}
}

func TestReplicatorConvergesOverBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := newManualClock()
	bus := NewMemoryBus()
	defer bus.Close()

	a := newTestReplicator(t, clock, bus, "node-a")
	b := newTestReplicator(t, clock, bus, "node-b")
	for _, r := range []*Replicator{a, b} {
		if err := r.Start(ctx); err != nil {
			t.Fatal(err)
		}
	}

	ticket := newTestTicket(clock, "TGT-00001-bus", NeverExpires{})
	if err := a.AddTicket(ctx, ticket); err != nil {
		t.Fatal(err)
	}
	eventually(t, "add on peer", func() bool {
		got, _ := b.GetTicket(ctx, ticket.ID)
		return got != nil
	})

	clock.Advance(time.Second)
	if _, err := a.MarkUsed(ctx, ticket.ID); err != nil {
		t.Fatal(err)
	}
	eventually(t, "update on peer", func() bool {
		got, _ := b.GetTicket(ctx, ticket.ID)
		return got != nil && got.UseCount == 1
	})

	if err := b.DeleteTicket(ctx, ticket.ID); err != nil {
		t.Fatal(err)
	}
	eventually(t, "delete on origin", func() bool {
		got, _ := a.GetTicket(ctx, ticket.ID)
		return got == nil
	})
	if !a.Tombstones().Contains(ticket.ID, clock.Now()) {
		t.Fatal("origin did not tombstone the deleted id")
	}

	eventually(t, "replication metrics", func() bool {
		metrics := a.Registry().Monitor().GetMetrics()
		return metrics.Published >= 2 && metrics.Applied >= 1
	})
}

func TestReplicatorPropagatesExpiry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := newManualClock()
	bus := NewMemoryBus()
	defer bus.Close()

	a := newTestReplicator(t, clock, bus, "node-a")
	b := newTestReplicator(t, clock, bus, "node-b")
	for _, r := range []*Replicator{a, b} {
		if err := r.Start(ctx); err != nil {
			t.Fatal(err)
		}
	}

	ticket := newTestTicket(clock, "ST-00001-expiring", TimeToLive{TTL: time.Minute})
	if err := a.AddTicket(ctx, ticket); err != nil {
		t.Fatal(err)
	}
	eventually(t, "add on peer", func() bool {
		got, _ := b.Registry().Adapter().Get(ctx, ticket.ID)
		return got != nil
	})

	clock.Advance(time.Minute)
	removed, err := a.Sweep(ctx)
	if err != nil || removed != 1 {
		t.Fatalf("expected one swept ticket, got %d %v", removed, err)
	}
	eventually(t, "expiry delete on peer", func() bool {
		got, _ := b.Registry().Adapter().Get(ctx, ticket.ID)
		return got == nil
	})
}

func TestReplicatorCascadeReplicates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := newManualClock()
	bus := NewMemoryBus()
	defer bus.Close()

	a := newTestReplicator(t, clock, bus, "node-a")
	b := newTestReplicator(t, clock, bus, "node-b")
	for _, r := range []*Replicator{a, b} {
		if err := r.Start(ctx); err != nil {
			t.Fatal(err)
		}
	}

	factory := NewTicketFactory(nil, nil, clock)
	tgt := factory.NewTicketGrantingTicket(&Authentication{Principal: Principal{ID: "casuser"}})
	if err := a.AddTicket(ctx, tgt); err != nil {
		t.Fatal(err)
	}
	st, err := GrantServiceTicket(ctx, a, factory, tgt.ID, "https://app.example.com")
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, "service ticket on peer", func() bool {
		got, _ := b.GetTicket(ctx, st.ID)
		return got != nil
	})

	if err := a.DeleteTicket(ctx, tgt.ID); err != nil {
		t.Fatal(err)
	}
	eventually(t, "cascade on peer", func() bool {
		g1, _ := b.GetTicket(ctx, tgt.ID)
		g2, _ := b.GetTicket(ctx, st.ID)
		return g1 == nil && g2 == nil
	})
}

func TestReplicatorEncodeFailureLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	r := newTestReplicator(t, clock, NewMemoryBus(), "node-a")

	ticket := newTestTicket(clock, "TGT-00001-unencodable", NeverExpires{})
	ticket.Authentication.Attributes = map[string][]any{"ch": {make(chan int)}}
	if err := r.AddTicket(ctx, ticket); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
	if got, _ := r.GetTicket(ctx, ticket.ID); got != nil {
		t.Fatal("ticket stored despite encode failure")
	}
}

func TestReplicatorClosed(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	r := newTestReplicator(t, clock, NewMemoryBus(), "node-a")
	if err := r.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	ticket := newTestTicket(clock, "TGT-00001-closed", NeverExpires{})
	if err := r.AddTicket(ctx, ticket); !errors.Is(err, ErrReplicatorClosed) {
		t.Fatalf("expected ErrReplicatorClosed, got %v", err)
	}
	if err := r.Start(ctx); !errors.Is(err, ErrReplicatorClosed) {
		t.Fatalf("expected ErrReplicatorClosed on restart, got %v", err)
	}
}

type failingBus struct {
	*MemoryBus
}

func (failingBus) Publish(context.Context, string, []byte) error {
	return errors.New("broker unavailable")
}

func TestReplicatorPublishFailureIsLocal(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	codec := newTestCodec(t, CodecConfig{})
	registry := newTestRegistry(clock)
	r, err := NewReplicator(registry, failingBus{NewMemoryBus()}, codec, ReplicatorConfig{
		NodeID:         "node-a",
		PublishRetries: 2,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start(ctx); err != nil {
		t.Fatal(err)
	}

	ticket := newTestTicket(clock, "TGT-00001-offline", NeverExpires{})
	if err := r.AddTicket(ctx, ticket); err != nil {
		t.Fatalf("publish failure leaked to the caller: %v", err)
	}
	if got, _ := r.GetTicket(ctx, ticket.ID); got == nil {
		t.Fatal("local add rolled back")
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if failures := registry.Monitor().GetMetrics().PublishFailures; failures != 1 {
		t.Fatalf("expected 1 publish failure, got %d", failures)
	}
}

func TestApplyQueueDropsOldestForSameTicket(t *testing.T) {
	q := newApplyQueue(2)
	a := Command{TicketID: "X", Operation: OperationAdd, OriginNode: "1"}
	b := Command{TicketID: "Y", Operation: OperationAdd, OriginNode: "2"}
	c := Command{TicketID: "X", Operation: OperationDelete, OriginNode: "3"}
	d := Command{TicketID: "Z", Operation: OperationAdd, OriginNode: "4"}

	for _, cmd := range []Command{a, b} {
		if dropped, ok := q.push(cmd); !ok || dropped != nil {
			t.Fatalf("unexpected drop %v", dropped)
		}
	}
	dropped, _ := q.push(c)
	if dropped == nil || dropped.OriginNode != "1" {
		t.Fatalf("expected the pending command for X to be dropped, got %v", dropped)
	}
	dropped, _ = q.push(d)
	if dropped == nil || dropped.OriginNode != "2" {
		t.Fatalf("expected the oldest command to be dropped, got %v", dropped)
	}

	ctx := context.Background()
	for _, want := range []string{"3", "4"} {
		cmd, ok := q.pop(ctx)
		if !ok || cmd.OriginNode != want {
			t.Fatalf("expected command %s, got %v %v", want, cmd, ok)
		}
	}
	if q.len() != 0 {
		t.Fatalf("expected empty queue, got %d", q.len())
	}

	q.close()
	if _, ok := q.pop(ctx); ok {
		t.Fatal("pop on closed queue returned a command")
	}
	if _, ok := q.push(a); ok {
		t.Fatal("push on closed queue succeeded")
	}
}

func TestApplyQueuePopWaits(t *testing.T) {
	q := newApplyQueue(4)
	got := make(chan Command, 1)
	go func() {
		cmd, ok := q.pop(context.Background())
		if ok {
			got <- cmd
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.push(Command{TicketID: "X", Operation: OperationAdd})
	select {
	case cmd := <-got:
		if cmd.TicketID != "X" {
			t.Fatalf("unexpected command %v", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pop did not wake up")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := q.pop(ctx); ok {
		t.Fatal("pop with cancelled context returned a command")
	}
}

func TestTombstoneSet(t *testing.T) {
	clock := newManualClock()
	set := NewTombstoneSet(time.Minute)
	set.Add("a", clock.Now())
	set.Add("b", clock.Now().Add(30*time.Second))

	if !set.Contains("a", clock.Now().Add(59*time.Second)) {
		t.Fatal("expected live tombstone")
	}
	if set.Contains("a", clock.Now().Add(time.Minute)) {
		t.Fatal("expected tombstone to lapse after the grace window")
	}
	if set.Len() != 1 {
		t.Fatalf("expected lazy prune to leave 1 entry, got %d", set.Len())
	}
	if removed := set.Cleanup(clock.Now().Add(2 * time.Minute)); removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if set.Contains("missing", clock.Now()) {
		t.Fatal("unknown id reported as deleted")
	}
	if NewTombstoneSet(0).GraceWindow() != DefaultGraceWindow {
		t.Fatal("expected default grace window")
	}
}

func TestMemoryBusFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewMemoryBus()

	first, err := bus.Subscribe(ctx, "topic")
	if err != nil {
		t.Fatal(err)
	}
	second, err := bus.Subscribe(ctx, "topic")
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Publish(ctx, "topic", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := bus.Publish(ctx, "other", []byte("ignored")); err != nil {
		t.Fatal(err)
	}
	for _, ch := range []<-chan []byte{first, second} {
		if msg := <-ch; string(msg) != "hello" {
			t.Fatalf("unexpected message %q", msg)
		}
	}

	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
	for _, ch := range []<-chan []byte{first, second} {
		if _, ok := <-ch; ok {
			t.Fatal("subscription still open after close")
		}
	}
	if err := bus.Publish(ctx, "topic", nil); err == nil {
		t.Fatal("publish on closed bus succeeded")
	}
}
