package propcache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/vfs-cache/telemetry"
	"go.etcd.io/bbolt"
)

// Bolt is a Cache persisted with bbolt, so properties survive restarts.
type Bolt struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltOption configures a Bolt cache.
type BoltOption func(*Bolt)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) BoltOption {
	return func(b *Bolt) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltOption {
	return func(b *Bolt) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: risks losing recent entries on crash. Use only for testing.
func WithNoSync(noSync bool) BoltOption {
	return func(b *Bolt) {
		b.noSync = noSync
	}
}

// NewBolt creates a Bolt cache. Call Open before use.
func NewBolt(opts ...BoltOption) *Bolt {
	b := &Bolt{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at path, creating it if needed.
func (b *Bolt) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening property cache: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketProps, bucketByExpiry, bucketExpiryByKey} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return err
	}
	b.db = db
	b.logger.Debug("opened property cache", "path", path, "noSync", b.noSync)
	return nil
}

// Close closes the database.
func (b *Bolt) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing property cache")
	err := b.db.Close()
	b.db = nil
	return err
}

// Get returns the entry for key. Entries past their expiry are reported as
// missing and left for the reaper.
func (b *Bolt) Get(ctx context.Context, key string) (*Properties, error) {
	var (
		props   Properties
		expired bool
	)
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketProps).Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}
		if ts := tx.Bucket(bucketExpiryByKey).Get([]byte(key)); ts != nil && !b.now().Before(decodeTimestamp(ts)) {
			expired = true
			return ErrNotFound
		}
		return json.Unmarshal(val, &props)
	})
	switch {
	case expired:
		telemetry.RecordPropCacheLookup(ctx, "expired")
	case err == ErrNotFound:
		telemetry.RecordPropCacheLookup(ctx, "miss")
	case err == nil:
		telemetry.RecordPropCacheLookup(ctx, "hit")
	}
	if err != nil {
		return nil, err
	}
	return &props, nil
}

// Put stores props for ttl.
func (b *Bolt) Put(_ context.Context, key string, props *Properties, ttl time.Duration) error {
	data, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("marshaling properties: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketProps).Put([]byte(key), data); err != nil {
			return fmt.Errorf("putting properties: %w", err)
		}
		var expiresAt *time.Time
		if ttl > 0 {
			t := b.now().Add(ttl)
			expiresAt = &t
		}
		return updateExpiryIndex(tx, key, expiresAt)
	})
}

// updateExpiryIndex replaces the forward and reverse expiry entries of key.
// A nil expiresAt only removes them.
func updateExpiryIndex(tx *bbolt.Tx, key string, expiresAt *time.Time) error {
	forward := tx.Bucket(bucketByExpiry)
	reverse := tx.Bucket(bucketExpiryByKey)

	if ts := reverse.Get([]byte(key)); ts != nil {
		if err := forward.Delete(makeExpiryKey(decodeTimestamp(ts), key)); err != nil {
			return fmt.Errorf("deleting old expiry index: %w", err)
		}
		if err := reverse.Delete([]byte(key)); err != nil {
			return fmt.Errorf("deleting reverse index: %w", err)
		}
	}
	if expiresAt == nil {
		return nil
	}
	if err := forward.Put(makeExpiryKey(*expiresAt, key), []byte(key)); err != nil {
		return fmt.Errorf("putting expiry index: %w", err)
	}
	if err := reverse.Put([]byte(key), encodeTimestamp(*expiresAt)); err != nil {
		return fmt.Errorf("putting expiry reverse index: %w", err)
	}
	return nil
}

func deleteLocked(tx *bbolt.Tx, key string) error {
	if err := updateExpiryIndex(tx, key, nil); err != nil {
		return err
	}
	return tx.Bucket(bucketProps).Delete([]byte(key))
}

// Delete removes key.
func (b *Bolt) Delete(_ context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return deleteLocked(tx, key)
	})
}

// DeletePrefix removes every key starting with prefix.
func (b *Bolt) DeletePrefix(_ context.Context, prefix string) (int, error) {
	var deleted int
	err := b.db.Update(func(tx *bbolt.Tx) error {
		var keys []string
		cursor := tx.Bucket(bucketProps).Cursor()
		for k, _ := cursor.Seek([]byte(prefix)); k != nil && bytes.HasPrefix(k, []byte(prefix)); k, _ = cursor.Next() {
			keys = append(keys, string(k))
		}
		for _, k := range keys {
			if err := deleteLocked(tx, k); err != nil {
				return err
			}
		}
		deleted = len(keys)
		return nil
	})
	return deleted, err
}

// Expired returns up to limit keys that expired before the given time,
// oldest first.
func (b *Bolt) Expired(_ context.Context, before time.Time, limit int) ([]string, error) {
	var keys []string
	end := encodeTimestamp(before)
	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketByExpiry).Cursor()
		for k, v := cursor.First(); k != nil && len(keys) < limit; k, v = cursor.Next() {
			if bytes.Compare(k[:8], end) >= 0 {
				break
			}
			keys = append(keys, string(v))
		}
		return nil
	})
	return keys, err
}

var _ Cache = (*Bolt)(nil)
