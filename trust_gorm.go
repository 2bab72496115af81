package eitticket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// trustRecordRow is the table layout of a trust record. The record date is
// kept as nanoseconds since the epoch, so date queries compare integers,
// plus the zone it was recorded in.
type trustRecordRow struct {
	RecordKey         string `gorm:"primaryKey;size:64"`
	Principal         string `gorm:"index;size:255"`
	Geography         string `gorm:"size:255"`
	DeviceFingerprint string `gorm:"size:255"`
	RecordEpoch       int64  `gorm:"index"`
	RecordZone        string `gorm:"size:64"`
	RecordOffset      int
}

func (trustRecordRow) TableName() string { return "trust_records" }

func rowFromRecord(r *TrustRecord) *trustRecordRow {
	_, offset := r.RecordDate.Zone()
	return &trustRecordRow{
		RecordKey:         r.RecordKey,
		Principal:         r.Principal,
		Geography:         r.Geography,
		DeviceFingerprint: r.DeviceFingerprint,
		RecordEpoch:       r.RecordDate.UnixNano(),
		RecordZone:        r.RecordDate.Location().String(),
		RecordOffset:      offset,
	}
}

func (row *trustRecordRow) record() *TrustRecord {
	instant := time.Unix(0, row.RecordEpoch)
	return &TrustRecord{
		RecordKey:         row.RecordKey,
		Principal:         row.Principal,
		Geography:         row.Geography,
		DeviceFingerprint: row.DeviceFingerprint,
		RecordDate:        instant.In(resolveZone(row.RecordZone, row.RecordOffset, instant)),
	}
}

// GormTrustStore keeps trust records in a SQL database through gorm.
type GormTrustStore struct {
	db        *gorm.DB
	retention time.Duration
	clock     Clock
	owned     bool
}

// NewGormTrustStore migrates the trust_records table on db.
func NewGormTrustStore(db *gorm.DB, options TrustStoreOptions) (*GormTrustStore, error) {
	if db == nil {
		return nil, errors.New("gorm db is nil")
	}
	if err := db.AutoMigrate(&trustRecordRow{}); err != nil {
		return nil, fmt.Errorf("migrate trust_records: %w", err)
	}
	return &GormTrustStore{
		db:        db,
		retention: options.retention(),
		clock:     clockOrSystem(options.Clock),
	}, nil
}

// OpenSQLiteTrustStore opens dsn with the sqlite driver. The store closes
// the database on Close.
func OpenSQLiteTrustStore(dsn string, options TrustStoreOptions) (*GormTrustStore, error) {
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	store, err := NewGormTrustStore(db, options)
	if err != nil {
		if sqlDB, derr := db.DB(); derr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	store.owned = true
	return store, nil
}

func (g *GormTrustStore) Set(ctx context.Context, record *TrustRecord) error {
	r, err := prepareTrustRecord(record, g.clock.Now())
	if err != nil {
		return err
	}
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&trustRecordRow{}).Where("record_key = ?", r.RecordKey).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateRecord, r.RecordKey)
		}
		return tx.Create(rowFromRecord(r)).Error
	})
}

func (g *GormTrustStore) GetByPrincipal(ctx context.Context, principal string) ([]*TrustRecord, error) {
	q := g.db.WithContext(ctx).Where("principal = ?", principal)
	if g.retention > 0 {
		q = q.Where("record_epoch >= ?", g.clock.Now().Add(-g.retention).UnixNano())
	}
	return g.find(q)
}

func (g *GormTrustStore) GetOlderThan(ctx context.Context, date time.Time) ([]*TrustRecord, error) {
	return g.find(g.db.WithContext(ctx).Where("record_epoch >= ?", date.UnixNano()))
}

func (g *GormTrustStore) Expire(ctx context.Context, recordKey string) error {
	return g.db.WithContext(ctx).Where("record_key = ?", recordKey).Delete(&trustRecordRow{}).Error
}

func (g *GormTrustStore) ExpireBefore(ctx context.Context, date time.Time) (int, error) {
	res := g.db.WithContext(ctx).Where("record_epoch < ?", date.UnixNano()).Delete(&trustRecordRow{})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// Close closes the database when the store opened it.
func (g *GormTrustStore) Close() error {
	if !g.owned {
		return nil
	}
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (g *GormTrustStore) find(q *gorm.DB) ([]*TrustRecord, error) {
	var rows []trustRecordRow
	if err := q.Order("record_epoch").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*TrustRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].record())
	}
	return out, nil
}
