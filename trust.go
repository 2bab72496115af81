package eitticket

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTrustRetention is how long a trusted device skips the second
// factor.
const DefaultTrustRetention = 30 * 24 * time.Hour

// TrustRecord says a principal passed a second factor on a device. Records
// are never updated; a changed relationship is a new record.
type TrustRecord struct {
	RecordKey         string    `json:"recordKey" cbor:"recordKey"`
	Principal         string    `json:"principal" cbor:"principal"`
	Geography         string    `json:"geography" cbor:"geography"`
	DeviceFingerprint string    `json:"deviceFingerprint" cbor:"deviceFingerprint"`
	RecordDate        time.Time `json:"recordDate" cbor:"recordDate"`
}

// NewTrustRecord creates a record with a random key dated now.
func NewTrustRecord(principal, geography, fingerprint string, now time.Time) *TrustRecord {
	return &TrustRecord{
		RecordKey:         uuid.NewString(),
		Principal:         principal,
		Geography:         geography,
		DeviceFingerprint: fingerprint,
		RecordDate:        now,
	}
}

// TrustStore keeps trust records. Lookups of unknown principals or keys are
// not errors.
type TrustStore interface {
	// Set inserts a record. A record without a key gets a random one; a
	// record without a date is dated now.
	Set(ctx context.Context, record *TrustRecord) error
	// GetByPrincipal returns the principal's records within retention,
	// oldest first.
	GetByPrincipal(ctx context.Context, principal string) ([]*TrustRecord, error)
	// GetOlderThan returns records of every principal dated at or after
	// date, oldest first.
	GetOlderThan(ctx context.Context, date time.Time) ([]*TrustRecord, error)
	// Expire removes a record by key.
	Expire(ctx context.Context, recordKey string) error
	// ExpireBefore removes records dated before date and reports how many.
	ExpireBefore(ctx context.Context, date time.Time) (int, error)
	Close() error
}

// TrustStoreOptions configures a trust store.
type TrustStoreOptions struct {
	// Retention bounds GetByPrincipal. Zero means DefaultTrustRetention;
	// negative disables the filter.
	Retention time.Duration
	Clock     Clock
}

func (o TrustStoreOptions) retention() time.Duration {
	if o.Retention == 0 {
		return DefaultTrustRetention
	}
	return o.Retention
}

func prepareTrustRecord(record *TrustRecord, now time.Time) (*TrustRecord, error) {
	if record == nil || record.Principal == "" {
		return nil, fmt.Errorf("%w: trust record needs a principal", ErrInvalidTicket)
	}
	cp := *record
	if cp.RecordKey == "" {
		cp.RecordKey = uuid.NewString()
	}
	if cp.RecordDate.IsZero() {
		cp.RecordDate = now
	}
	return &cp, nil
}

// TrustRetentionJob returns a sweep job removing records past retention.
func TrustRetentionJob(store TrustStore, retention time.Duration, clock Clock) SweepJob {
	clock = clockOrSystem(clock)
	if retention == 0 {
		retention = DefaultTrustRetention
	}
	return func(ctx context.Context) (int, error) {
		if retention < 0 {
			return 0, nil
		}
		return store.ExpireBefore(ctx, clock.Now().Add(-retention))
	}
}

// MemoryTrustStore is an in-memory TrustStore.
type MemoryTrustStore struct {
	mu        sync.RWMutex
	records   map[string]*TrustRecord
	retention time.Duration
	clock     Clock
}

// NewMemoryTrustStore creates an empty store.
func NewMemoryTrustStore(options TrustStoreOptions) *MemoryTrustStore {
	return &MemoryTrustStore{
		records:   make(map[string]*TrustRecord),
		retention: options.retention(),
		clock:     clockOrSystem(options.Clock),
	}
}

func (m *MemoryTrustStore) Set(ctx context.Context, record *TrustRecord) error {
	_ = ctx
	r, err := prepareTrustRecord(record, m.clock.Now())
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[r.RecordKey]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRecord, r.RecordKey)
	}
	m.records[r.RecordKey] = r
	return nil
}

func (m *MemoryTrustStore) GetByPrincipal(ctx context.Context, principal string) ([]*TrustRecord, error) {
	_ = ctx
	var cutoff time.Time
	if m.retention > 0 {
		cutoff = m.clock.Now().Add(-m.retention)
	}
	return m.collect(func(r *TrustRecord) bool {
		return r.Principal == principal && (cutoff.IsZero() || !r.RecordDate.Before(cutoff))
	}), nil
}

func (m *MemoryTrustStore) GetOlderThan(ctx context.Context, date time.Time) ([]*TrustRecord, error) {
	_ = ctx
	return m.collect(func(r *TrustRecord) bool {
		return !r.RecordDate.Before(date)
	}), nil
}

func (m *MemoryTrustStore) Expire(ctx context.Context, recordKey string) error {
	_ = ctx
	m.mu.Lock()
	delete(m.records, recordKey)
	m.mu.Unlock()
	return nil
}

func (m *MemoryTrustStore) ExpireBefore(ctx context.Context, date time.Time) (int, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, r := range m.records {
		if r.RecordDate.Before(date) {
			delete(m.records, key)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryTrustStore) Close() error { return nil }

func (m *MemoryTrustStore) collect(match func(*TrustRecord) bool) []*TrustRecord {
	m.mu.RLock()
	out := make([]*TrustRecord, 0)
	for _, r := range m.records {
		if match(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].RecordDate.Before(out[j].RecordDate)
	})
	return out
}
