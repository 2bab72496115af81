package eitticket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	RegistryTypeMemory = "memory"
	RegistryTypeRedis  = "redis"

	BusTypeMemory = "memory"
	BusTypeRedis  = "redis"

	TrustStoreTypeMemory = "memory"
	TrustStoreTypeGorm   = "gorm"
)

// RegistryConfig selects the ticket storage backend.
type RegistryConfig struct {
	Type   string      `yaml:"type"`
	Shards int         `yaml:"shards"`
	Redis  RedisConfig `yaml:"redis"`
	// AgeIdentity, when set, seals payloads stored in Redis.
	AgeIdentity string `yaml:"age_identity"`
	// ExpiryGrace extends Redis key TTLs past ticket deadlines.
	ExpiryGrace time.Duration `yaml:"expiry_grace"`
}

// IDGeneratorConfig configures ticket ids.
type IDGeneratorConfig struct {
	TokenLength int    `yaml:"token_length"`
	Suffix      string `yaml:"suffix"`
}

// ReplicationConfig enables replication over a bus.
type ReplicationConfig struct {
	Enabled          bool        `yaml:"enabled"`
	Bus              string      `yaml:"bus"`
	Redis            RedisConfig `yaml:"redis"`
	ReplicatorConfig `yaml:",inline"`
}

// TrustConfig selects the trust store backend.
type TrustConfig struct {
	Type      string        `yaml:"type"`
	DSN       string        `yaml:"dsn"`
	Retention time.Duration `yaml:"retention"`
}

// Config configures a Manager. Zero values select in-memory backends
// without replication.
type Config struct {
	Registry      RegistryConfig                  `yaml:"registry"`
	Codec         CodecConfig                     `yaml:"codec"`
	IDGenerator   IDGeneratorConfig               `yaml:"id_generator"`
	Policies      map[TicketKind]ExpirationPolicy `yaml:"-"`
	Replication   ReplicationConfig               `yaml:"replication"`
	Trust         TrustConfig                     `yaml:"trust"`
	SweepInterval time.Duration                   `yaml:"sweep_interval"`

	// Bus overrides Replication.Bus, so several in-process managers can
	// share one MemoryBus. The manager does not close it.
	Bus    Bus          `yaml:"-"`
	Logger *slog.Logger `yaml:"-"`
	Clock  Clock        `yaml:"-"`
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &config, nil
}

// Manager wires the registry, replication, trust store and background
// sweeps of one node.
type Manager struct {
	config     Config
	logger     *slog.Logger
	clock      Clock
	codec      *Codec
	factory    *TicketFactory
	adapter    Adapter
	registry   *DefaultTicketRegistry
	replicator *Replicator
	bus        Bus
	ownsBus    bool
	trust      TrustStore
	sweeper    *Sweeper
	monitor    *Monitor
}

// NewManager builds a manager from config.
func NewManager(config *Config) (*Manager, error) {
	if config == nil {
		config = &Config{}
	}
	m := &Manager{
		config:  *config,
		logger:  config.Logger,
		clock:   clockOrSystem(config.Clock),
		monitor: NewMonitor(),
	}
	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}

	var err error
	if m.codec, err = NewCodec(config.Codec); err != nil {
		return nil, err
	}
	generator := NewTicketIDGenerator(config.IDGenerator.TokenLength, config.IDGenerator.Suffix)
	m.factory = NewTicketFactory(generator, config.Policies, m.clock)

	if err := m.openRegistry(); err != nil {
		m.closeAll()
		return nil, err
	}
	if err := m.openReplication(); err != nil {
		m.closeAll()
		return nil, err
	}
	if err := m.openTrustStore(); err != nil {
		m.closeAll()
		return nil, err
	}

	m.sweeper = NewSweeper(config.SweepInterval, m.logger)
	m.sweeper.AddJob("tickets", m.sweepTickets)
	if m.replicator != nil {
		tombstones := m.replicator.Tombstones()
		m.sweeper.AddJob("tombstones", func(context.Context) (int, error) {
			return tombstones.Cleanup(m.clock.Now()), nil
		})
	}
	m.sweeper.AddJob("trust", TrustRetentionJob(m.trust, config.Trust.Retention, m.clock))
	return m, nil
}

func (m *Manager) openRegistry() error {
	cfg := m.config.Registry
	switch cfg.Type {
	case "", RegistryTypeMemory:
		m.adapter = NewMemoryTicketAdapter(cfg.Shards)
	case RegistryTypeRedis:
		var cipher PayloadCipher
		if cfg.AgeIdentity != "" {
			c, err := NewAgeCipher(cfg.AgeIdentity)
			if err != nil {
				return err
			}
			cipher = c
		}
		client, err := NewRedisClient(&cfg.Redis)
		if err != nil {
			return err
		}
		adapter, err := NewRedisTicketAdapter(client, RedisTicketAdapterOptions{
			Codec:       m.codec,
			Cipher:      cipher,
			Clock:       m.clock,
			Logger:      m.logger,
			Prefix:      cfg.Redis.Prefix,
			ExpiryGrace: cfg.ExpiryGrace,
		})
		if err != nil {
			_ = client.Close()
			return err
		}
		m.adapter = adapter
	default:
		return fmt.Errorf("%w: registry %q", ErrInvalidType, cfg.Type)
	}

	m.registry = NewDefaultTicketRegistry(m.adapter, RegistryOptions{
		Clock:   m.clock,
		Logger:  m.logger,
		Monitor: m.monitor,
	})
	return nil
}

func (m *Manager) openReplication() error {
	cfg := m.config.Replication
	if !cfg.Enabled {
		return nil
	}
	m.bus = m.config.Bus
	if m.bus == nil {
		switch cfg.Bus {
		case "", BusTypeMemory:
			m.bus = NewMemoryBus()
		case BusTypeRedis:
			client, err := NewRedisClient(&cfg.Redis)
			if err != nil {
				return err
			}
			bus, err := NewRedisBus(client, m.logger)
			if err != nil {
				_ = client.Close()
				return err
			}
			m.bus = bus
		default:
			return fmt.Errorf("%w: bus %q", ErrInvalidType, cfg.Bus)
		}
		m.ownsBus = true
	}

	replicator, err := NewReplicator(m.registry, m.bus, m.codec, cfg.ReplicatorConfig, m.logger)
	if err != nil {
		return err
	}
	m.replicator = replicator
	return nil
}

func (m *Manager) openTrustStore() error {
	cfg := m.config.Trust
	options := TrustStoreOptions{Retention: cfg.Retention, Clock: m.clock}
	switch cfg.Type {
	case "", TrustStoreTypeMemory:
		m.trust = NewMemoryTrustStore(options)
	case TrustStoreTypeGorm:
		store, err := OpenSQLiteTrustStore(cfg.DSN, options)
		if err != nil {
			return err
		}
		m.trust = store
	default:
		return fmt.Errorf("%w: trust store %q", ErrInvalidType, cfg.Type)
	}
	return nil
}

// Start starts replication and the sweeper.
func (m *Manager) Start(ctx context.Context) error {
	if m == nil {
		return ErrManagerNil
	}
	if m.replicator != nil {
		if err := m.replicator.Start(ctx); err != nil {
			return err
		}
	}
	m.sweeper.Start()
	m.logger.Info("ticket manager started",
		"registry", m.adapterType(), "replication", m.replicator != nil)
	return nil
}

// Close stops background work and closes every backend.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	if m.sweeper != nil {
		m.sweeper.Stop()
	}
	return m.closeAll()
}

func (m *Manager) closeAll() error {
	var errs []error
	if m.replicator != nil {
		errs = append(errs, m.replicator.Close())
	}
	if m.ownsBus && m.bus != nil {
		errs = append(errs, m.bus.Close())
	}
	if m.adapter != nil {
		errs = append(errs, m.adapter.Close())
	}
	if m.trust != nil {
		errs = append(errs, m.trust.Close())
	}
	if m.codec != nil {
		errs = append(errs, m.codec.Close())
	}
	return errors.Join(errs...)
}

func (m *Manager) adapterType() string {
	if m.config.Registry.Type == "" {
		return RegistryTypeMemory
	}
	return m.config.Registry.Type
}

// Registry returns the registry callers should use: the replicator when
// replication is enabled, the local registry otherwise.
func (m *Manager) Registry() TicketRegistry {
	if m.replicator != nil {
		return m.replicator
	}
	return m.registry
}

// LocalRegistry returns the unreplicated registry.
func (m *Manager) LocalRegistry() *DefaultTicketRegistry { return m.registry }

// Replicator returns nil when replication is disabled.
func (m *Manager) Replicator() *Replicator { return m.replicator }

// Factory returns the ticket factory.
func (m *Manager) Factory() *TicketFactory { return m.factory }

// Codec returns the codec.
func (m *Manager) Codec() *Codec { return m.codec }

// TrustStore returns the trust store.
func (m *Manager) TrustStore() TrustStore { return m.trust }

// Sweeper returns the sweeper.
func (m *Manager) Sweeper() *Sweeper { return m.sweeper }

// Monitor returns the registry monitor.
func (m *Manager) Monitor() *Monitor { return m.monitor }

// CreateTicketGrantingTicket mints and stores a session ticket.
func (m *Manager) CreateTicketGrantingTicket(ctx context.Context, auth *Authentication) (*Ticket, error) {
	if m == nil {
		return nil, ErrManagerNil
	}
	t := m.factory.NewTicketGrantingTicket(auth)
	if err := m.Registry().AddTicket(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// GrantServiceTicket mints a service ticket from a granting ticket.
func (m *Manager) GrantServiceTicket(ctx context.Context, grantingID, service string) (*Ticket, error) {
	if m == nil {
		return nil, ErrManagerNil
	}
	return GrantServiceTicket(ctx, m.Registry(), m.factory, grantingID, service)
}

// ValidateServiceTicket consumes a service ticket presented by service.
func (m *Manager) ValidateServiceTicket(ctx context.Context, id, service string) (*Ticket, error) {
	if m == nil {
		return nil, ErrManagerNil
	}
	return ValidateServiceTicket(ctx, m.Registry(), m.clock, id, service)
}

// Stats returns adapter stats.
func (m *Manager) Stats(ctx context.Context) (map[string]interface{}, error) {
	if m.adapter == nil {
		return nil, ErrAdapterNil
	}
	return m.adapter.Stats(ctx)
}

// Ping checks adapter health.
func (m *Manager) Ping(ctx context.Context) error {
	if m.adapter == nil {
		return ErrAdapterNil
	}
	return m.adapter.Ping(ctx)
}

func (m *Manager) sweepTickets(ctx context.Context) (int, error) {
	if m.replicator != nil {
		return m.replicator.Sweep(ctx)
	}
	return m.registry.Sweep(ctx)
}
