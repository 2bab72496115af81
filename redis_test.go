package eitticket

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis tests run only when EITTICKET_REDIS_ADDR points at a server.
func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("EITTICKET_REDIS_ADDR")
	if addr == "" {
		t.Skip("EITTICKET_REDIS_ADDR not set")
	}
	client, err := NewRedisClient(&RedisConfig{Addr: addr})
	if err != nil {
		t.Fatal(err)
	}
	return client
}

func newTestRedisAdapter(t *testing.T, cipher PayloadCipher) *RedisTicketAdapter {
	t.Helper()
	client := newTestRedisClient(t)
	adapter, err := NewRedisTicketAdapter(client, RedisTicketAdapterOptions{
		Codec:  newTestCodec(t, CodecConfig{CompressionThreshold: 256}),
		Cipher: cipher,
		Prefix: "eit:ticket:test:" + uuid.NewString() + ":",
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		if all, err := adapter.List(ctx); err == nil {
			for _, ticket := range all {
				_, _ = adapter.Delete(ctx, ticket.ID)
			}
		}
		_ = adapter.Close()
	})
	return adapter
}

func exerciseRedisAdapter(t *testing.T, adapter *RedisTicketAdapter) {
	ctx := context.Background()
	registry := NewDefaultTicketRegistry(adapter, RegistryOptions{})
	clock := SystemClock{}

	ticket := newTestTicket(clock, "TGT-00001-redis", SlidingIdleTimeout{Idle: time.Hour, HardCeiling: 8 * time.Hour})
	if err := registry.AddTicket(ctx, ticket); err != nil {
		t.Fatal(err)
	}
	var dup *DuplicateTicketError
	if err := registry.AddTicket(ctx, ticket); !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateTicketError, got %v", err)
	}

	got, err := registry.GetTicket(ctx, ticket.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.PrincipalID() != "casuser" || !got.CreatedAt.Equal(ticket.CreatedAt) {
		t.Fatalf("unexpected ticket %+v", got)
	}

	child := newTestTicket(clock, "ST-00001-redis", CountLimited{MaxUses: 1, TTL: time.Minute})
	child.GrantingTicketID = ticket.ID
	if err := registry.AddTicket(ctx, child); err != nil {
		t.Fatal(err)
	}
	all, err := registry.GetTickets(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 tickets, got %d", len(all))
	}

	if err := registry.DeleteTicket(ctx, ticket.ID); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{ticket.ID, child.ID} {
		if got, _ := registry.GetTicket(ctx, id); got != nil {
			t.Fatalf("%s survived the cascade", id)
		}
	}
	if err := adapter.Ping(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestRedisTicketAdapter(t *testing.T) {
	exerciseRedisAdapter(t, newTestRedisAdapter(t, nil))
}

func TestRedisTicketAdapterSealed(t *testing.T) {
	identity, err := GenerateAgeIdentity()
	if err != nil {
		t.Fatal(err)
	}
	cipher, err := NewAgeCipher(identity)
	if err != nil {
		t.Fatal(err)
	}
	adapter := newTestRedisAdapter(t, cipher)
	exerciseRedisAdapter(t, adapter)

	ctx := context.Background()
	ticket := newTestTicket(SystemClock{}, "TGT-00002-sealed", NeverExpires{})
	if err := adapter.Put(ctx, ticket); err != nil {
		t.Fatal(err)
	}
	if n, _ := adapter.client.Exists(ctx, adapter.prefix+ticket.ID).Result(); n != 0 {
		t.Fatal("sealed adapter stored the raw ticket id as key")
	}
	if n, _ := adapter.client.Exists(ctx, adapter.prefix+DigestTicketID(ticket.ID)).Result(); n != 1 {
		t.Fatal("sealed adapter did not store under the digest key")
	}
}

func TestRedisBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus, err := NewRedisBus(newTestRedisClient(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	topic := "eit:ticket:test:" + uuid.NewString()
	messages, err := bus.Subscribe(ctx, topic)
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Publish(ctx, topic, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-messages:
		if string(msg) != "hello" {
			t.Fatalf("unexpected message %q", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestRedisKeyTTLOutlivesDeadline(t *testing.T) {
	clock := newManualClock()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	codec := newTestCodec(t, CodecConfig{})

	ticket := newTestTicket(clock, "ST-00001-ttl", TimeToLive{TTL: time.Minute})
	never := newTestTicket(clock, "TGT-00001-ttl", NeverExpires{})
	for _, tc := range []struct {
		grace time.Duration
		want  time.Duration
	}{
		{0, time.Minute + DefaultRedisExpiryGrace},
		{30 * time.Second, time.Minute + 30*time.Second},
		{-1, time.Minute},
	} {
		adapter, err := NewRedisTicketAdapter(client, RedisTicketAdapterOptions{Codec: codec, Clock: clock, ExpiryGrace: tc.grace})
		if err != nil {
			t.Fatal(err)
		}
		if got := adapter.keyTTL(ticket); got != tc.want {
			t.Fatalf("grace %v: expected key TTL %v, got %v", tc.grace, tc.want, got)
		}
		if got := adapter.keyTTL(never); got != 0 {
			t.Fatalf("grace %v: expected no TTL for a ticket without deadline, got %v", tc.grace, got)
		}
	}
}
