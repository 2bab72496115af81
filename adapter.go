package eitticket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
)

// Adapter defines a ticket storage backend. Adapters store what they are
// given; expiry decisions belong to the registry.
type Adapter interface {
	// Add stores t unless a ticket with the same id exists and
	// replaceable(existing) is false, in which case it returns a
	// *DuplicateTicketError. The check and the write are atomic.
	Add(ctx context.Context, t *Ticket, replaceable func(existing *Ticket) bool) error
	// Put stores t, overwriting any ticket with the same id.
	Put(ctx context.Context, t *Ticket) error
	// Get returns nil, nil when the id is absent.
	Get(ctx context.Context, id string) (*Ticket, error)
	Delete(ctx context.Context, ids ...string) (int64, error)
	List(ctx context.Context) ([]*Ticket, error)
	Stats(ctx context.Context) (map[string]interface{}, error)
	Ping(ctx context.Context) error
	Close() error
}

// DefaultShardCount is the number of shards of a MemoryTicketAdapter.
const DefaultShardCount = 32

type ticketShard struct {
	mu      sync.RWMutex
	tickets map[string]*Ticket
}

// MemoryTicketAdapter implements Adapter with a sharded in-memory map. Each
// shard has its own RWMutex, so readers never wait on readers and writers
// only contend within a shard.
type MemoryTicketAdapter struct {
	shards []*ticketShard
}

// NewMemoryTicketAdapter creates a memory adapter with the given number of
// shards; non-positive means DefaultShardCount.
func NewMemoryTicketAdapter(shards int) *MemoryTicketAdapter {
	if shards <= 0 {
		shards = DefaultShardCount
	}
	m := &MemoryTicketAdapter{shards: make([]*ticketShard, shards)}
	for i := range m.shards {
		m.shards[i] = &ticketShard{tickets: make(map[string]*Ticket)}
	}
	return m
}

func (m *MemoryTicketAdapter) shard(id string) *ticketShard {
	return m.shards[xxhash.Sum64String(id)%uint64(len(m.shards))]
}

// Add stores a ticket if its id is free or replaceable.
func (m *MemoryTicketAdapter) Add(ctx context.Context, t *Ticket, replaceable func(*Ticket) bool) error {
	_ = ctx
	s := m.shard(t.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tickets[t.ID]; ok && (replaceable == nil || !replaceable(existing)) {
		return &DuplicateTicketError{ID: t.ID}
	}
	s.tickets[t.ID] = t.Clone()
	return nil
}

// Put stores a ticket unconditionally.
func (m *MemoryTicketAdapter) Put(ctx context.Context, t *Ticket) error {
	_ = ctx
	s := m.shard(t.ID)
	s.mu.Lock()
	s.tickets[t.ID] = t.Clone()
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the stored ticket.
func (m *MemoryTicketAdapter) Get(ctx context.Context, id string) (*Ticket, error) {
	_ = ctx
	s := m.shard(id)
	s.mu.RLock()
	t, ok := s.tickets[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return t.Clone(), nil
}

// Delete removes tickets and reports how many existed.
func (m *MemoryTicketAdapter) Delete(ctx context.Context, ids ...string) (int64, error) {
	_ = ctx
	var count int64
	for _, id := range ids {
		s := m.shard(id)
		s.mu.Lock()
		if _, ok := s.tickets[id]; ok {
			delete(s.tickets, id)
			count++
		}
		s.mu.Unlock()
	}
	return count, nil
}

// List returns a copy of every stored ticket, one shard at a time.
func (m *MemoryTicketAdapter) List(ctx context.Context) ([]*Ticket, error) {
	_ = ctx
	var out []*Ticket
	for _, s := range m.shards {
		s.mu.RLock()
		for _, t := range s.tickets {
			out = append(out, t.Clone())
		}
		s.mu.RUnlock()
	}
	return out, nil
}

// Stats returns memory stats.
func (m *MemoryTicketAdapter) Stats(ctx context.Context) (map[string]interface{}, error) {
	_ = ctx
	total := 0
	for _, s := range m.shards {
		s.mu.RLock()
		total += len(s.tickets)
		s.mu.RUnlock()
	}
	return map[string]interface{}{
		"total_items": total,
		"shards":      len(m.shards),
	}, nil
}

// Ping checks memory adapter health.
func (m *MemoryTicketAdapter) Ping(ctx context.Context) error {
	_ = ctx
	return nil
}

// Close closes memory adapter.
func (m *MemoryTicketAdapter) Close() error {
	return nil
}

// RedisConfig configures a Redis connection.
type RedisConfig struct {
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	MaxRetries int    `yaml:"max_retries"`
	PoolSize   int    `yaml:"pool_size"`
	Prefix     string `yaml:"prefix"`
}

// NewRedisClient opens and pings a client for config.
func NewRedisClient(config *RedisConfig) (*redis.Client, error) {
	if config == nil {
		return nil, errors.New("redis config is nil")
	}

	addr := config.Addr
	if addr == "" {
		addr = "localhost:6379"
	}

	poolSize := config.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:       addr,
		Password:   config.Password,
		DB:         config.DB,
		MaxRetries: config.MaxRetries,
		PoolSize:   poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// DefaultRedisExpiryGrace is how long a Redis key outlives its ticket's
// deadline, so a registry sweep removes and replicates the expiry before
// Redis drops the key on its own.
const DefaultRedisExpiryGrace = 2 * DefaultSweepInterval

const (
	defaultRedisPrefix = "eit:ticket:"
	redisScanBatch     = 200
	redisWatchRetries  = 5
)

// RedisTicketAdapter implements Adapter with Redis. Values are codec
// frames, sealed when a cipher is set; keys are then digests of the ids.
// Each key carries a native TTL derived from the ticket's policy plus a
// grace period. A key Redis drops on its own bypasses the registry, so no
// eviction is counted or replicated for it.
type RedisTicketAdapter struct {
	client *redis.Client
	codec  *Codec
	cipher PayloadCipher
	clock  Clock
	logger *slog.Logger
	prefix string
	grace  time.Duration
}

// RedisTicketAdapterOptions holds the collaborators of a Redis adapter.
type RedisTicketAdapterOptions struct {
	Codec  *Codec
	Cipher PayloadCipher
	Clock  Clock
	Logger *slog.Logger
	Prefix string
	// ExpiryGrace is added to the key TTL. Zero means
	// DefaultRedisExpiryGrace; negative means none.
	ExpiryGrace time.Duration
}

// NewRedisTicketAdapter creates a Redis adapter over an open client.
func NewRedisTicketAdapter(client *redis.Client, options RedisTicketAdapterOptions) (*RedisTicketAdapter, error) {
	if client == nil {
		return nil, errors.New("redis client is nil")
	}
	if options.Codec == nil {
		return nil, errors.New("redis ticket adapter needs a codec")
	}
	prefix := options.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	grace := options.ExpiryGrace
	switch {
	case grace == 0:
		grace = DefaultRedisExpiryGrace
	case grace < 0:
		grace = 0
	}
	return &RedisTicketAdapter{
		client: client,
		codec:  options.Codec,
		cipher: options.Cipher,
		clock:  clockOrSystem(options.Clock),
		logger: logger,
		prefix: prefix,
		grace:  grace,
	}, nil
}

func (r *RedisTicketAdapter) key(id string) string {
	if r.cipher != nil {
		return r.prefix + DigestTicketID(id)
	}
	return r.prefix + id
}

// keyTTL returns the Redis TTL for t: the time left before its deadline
// plus the expiry grace, or 0 when the policy has no deadline.
func (r *RedisTicketAdapter) keyTTL(t *Ticket) time.Duration {
	ttl := remainingTTL(t, r.clock.Now())
	if ttl == 0 {
		return 0
	}
	return ttl + r.grace
}

func (r *RedisTicketAdapter) encode(t *Ticket) ([]byte, error) {
	payload, err := r.codec.EncodeTicket(t)
	if err != nil {
		return nil, err
	}
	if r.cipher == nil {
		return payload, nil
	}
	return r.cipher.Seal(payload)
}

func (r *RedisTicketAdapter) decode(data []byte) (*Ticket, error) {
	if r.cipher != nil {
		plain, err := r.cipher.Open(data)
		if err != nil {
			return nil, err
		}
		data = plain
	}
	return r.codec.DecodeTicket(data)
}

// Add stores a ticket inside a WATCH transaction so the duplicate check and
// the write see the same value.
func (r *RedisTicketAdapter) Add(ctx context.Context, t *Ticket, replaceable func(*Ticket) bool) error {
	payload, err := r.encode(t)
	if err != nil {
		return err
	}
	key := r.key(t.ID)
	ttl := r.keyTTL(t)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == redis.Nil:
		case err != nil:
			return err
		default:
			existing, derr := r.decode(data)
			if derr != nil {
				r.logger.Warn("replacing undecodable ticket", "key", key, "error", derr)
			} else if replaceable == nil || !replaceable(existing) {
				return &DuplicateTicketError{ID: t.ID}
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < redisWatchRetries; attempt++ {
		err = r.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("redis add %s: %w", t.ID, err)
}

// Put stores a ticket unconditionally.
func (r *RedisTicketAdapter) Put(ctx context.Context, t *Ticket) error {
	payload, err := r.encode(t)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(t.ID), payload, r.keyTTL(t)).Err()
}

// Get retrieves and decodes a ticket.
func (r *RedisTicketAdapter) Get(ctx context.Context, id string) (*Ticket, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.decode(data)
}

// Delete deletes tickets.
func (r *RedisTicketAdapter) Delete(ctx context.Context, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, r.key(id))
	}
	return r.client.Del(ctx, keys...).Result()
}

// List scans the prefix and decodes every ticket. Entries that fail to
// decode are logged and skipped.
func (r *RedisTicketAdapter) List(ctx context.Context) ([]*Ticket, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.prefix+"*", redisScanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	out := make([]*Ticket, 0, len(keys))
	for start := 0; start < len(keys); start += redisScanBatch {
		end := min(start+redisScanBatch, len(keys))
		values, err := r.client.MGet(ctx, keys[start:end]...).Result()
		if err != nil {
			return nil, err
		}
		for i, v := range values {
			s, ok := v.(string)
			if !ok {
				continue
			}
			t, err := r.decode([]byte(s))
			if err != nil {
				r.logger.Warn("skipping undecodable ticket", "key", keys[start+i], "error", err)
				continue
			}
			out = append(out, t)
		}
	}
	return out, nil
}

// Stats returns redis stats.
func (r *RedisTicketAdapter) Stats(ctx context.Context) (map[string]interface{}, error) {
	info, err := r.client.Info(ctx, "memory").Result()
	if err != nil {
		return nil, err
	}
	count, err := r.client.DBSize(ctx).Result()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"db_size":    count,
		"redis_info": info,
		"sealed":     r.cipher != nil,
	}, nil
}

// Ping checks redis health.
func (r *RedisTicketAdapter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes redis connection.
func (r *RedisTicketAdapter) Close() error {
	return r.client.Close()
}
