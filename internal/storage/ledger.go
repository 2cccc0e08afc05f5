// Package storage implements the audit ledger: a BoltDB-backed history of
// block, release, and blacklist-promotion events, supplementing §6.2's
// mandatory blacklist file with an inspectable record of engine activity.
// This is explicitly non-authoritative state — only the blacklist file
// (internal/blacklist) persists across restarts per the spec; the ledger
// exists for operators to answer "why was this address blocked".
//
// Adapted from the teacher's bolt.go: same bucket/schema-version/ACID-
// transaction shape, with the baselines bucket dropped (no analogue in
// this domain) and the ledger entry schema replaced with block/release
// events instead of isolation-state transitions.
package storage

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/go-sshguard/sshguardd/internal/observability"
)

const (
	// DefaultDBPath is the default location of the audit ledger database.
	DefaultDBPath = "/var/lib/sshguardd/ledger.db"

	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays bounds how long ledger entries are kept.
	DefaultRetentionDays = 30

	bucketLedger = "ledger"
	bucketMeta   = "meta"
)

// EventKind distinguishes ledger entry types.
type EventKind string

const (
	EventBlock             EventKind = "block"
	EventRelease           EventKind = "release"
	EventBlacklistPromoted EventKind = "blacklist_promoted"
)

// LedgerEntry is one audit record.
type LedgerEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      EventKind `json:"kind"`
	Addr      string    `json:"addr"`
	Service   string    `json:"service"`
	Hits      uint32    `json:"hits"`
	Danger    int       `json:"cumulated_danger"`
}

// DB wraps a BoltDB instance with typed accessors for the audit ledger.
type DB struct {
	db            *bolt.DB
	retentionDays int
	entryCount    atomic.Int64
	metrics       *observability.Metrics // optional; nil disables metric updates
}

// SetMetrics attaches the Prometheus metrics set and immediately publishes
// the current entry count.
func (d *DB) SetMetrics(m *observability.Metrics) {
	d.metrics = m
	if m != nil {
		m.LedgerEntries.Set(float64(d.entryCount.Load()))
	}
}

// Open opens (or creates) the ledger database at path.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}
	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketLedger, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("ledger initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	var existing int
	if err := d.db.View(func(tx *bolt.Tx) error {
		existing = tx.Bucket([]byte(bucketLedger)).Stats().KeyN
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("count existing ledger entries: %w", err)
	}
	d.entryCount.Store(int64(existing))

	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf("schema version mismatch: ledger has %q, daemon requires %q", string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// ledgerKey is a sortable RFC3339Nano-plus-address key; lexicographic
// sort equals chronological sort for entries written in order.
func ledgerKey(t time.Time, addr string) []byte {
	return []byte(fmt.Sprintf("%s_%s", t.UTC().Format(time.RFC3339Nano), addr))
}

// Append writes a new audit ledger entry.
func (d *DB) Append(entry LedgerEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("storage.Append marshal: %w", err)
	}
	key := ledgerKey(entry.Timestamp, entry.Addr)

	start := time.Now()
	err = d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		return b.Put(key, data)
	})
	if err != nil {
		return err
	}

	n := d.entryCount.Add(1)
	if d.metrics != nil {
		d.metrics.LedgerWriteLatency.Observe(time.Since(start).Seconds())
		d.metrics.LedgerEntries.Set(float64(n))
	}
	return nil
}

// PruneOld deletes ledger entries older than retentionDays. Returns the
// number of entries deleted.
func (d *DB) PruneOld() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffKey := ledgerKey(cutoff, "")

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return deleted, err
	}
	n := d.entryCount.Add(-int64(deleted))
	if d.metrics != nil {
		d.metrics.LedgerEntries.Set(float64(n))
	}
	return deleted, nil
}

// ReadAll returns every ledger entry in chronological order.
func (d *DB) ReadAll() ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		return b.ForEach(func(_, v []byte) error {
			var e LedgerEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}
