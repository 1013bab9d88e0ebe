// Package audit persists solorun baselines and an append-only ledger of
// swap, solorun-profile and structural-error events to a local BoltDB
// file, so an operator can reconstruct what the controller did across a
// restart even though the controller itself keeps no other state.
package audit

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// DefaultDBPath is the default BoltDB file location.
	DefaultDBPath = "/var/lib/isoctl/isoctl.db"

	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default ledger retention period.
	DefaultRetentionDays = 30

	bucketSoloBaselines = "solo_baselines"
	bucketLedger         = "ledger"
	bucketMeta           = "meta"
)

// EventKind discriminates the three ledger event payloads.
type EventKind string

const (
	KindSwap             EventKind = "swap"
	KindSoloProfile      EventKind = "solo_profile"
	KindStructuralError  EventKind = "structural_error"
)

// SwapEvent records one executed bg exchange between two groups.
type SwapEvent struct {
	GroupAFG string  `json:"group_a_fg"`
	GroupABG string  `json:"group_a_bg"`
	GroupBFG string  `json:"group_b_fg"`
	GroupBBG string  `json:"group_b_bg"`
	Benefit  float64 `json:"benefit"`
}

// SoloProfileEvent records one completed solorun window and the baseline
// it produced.
type SoloProfileEvent struct {
	Identifier   string  `json:"identifier"`
	Instructions uint64  `json:"instructions"`
	L3HitRatio   float64 `json:"l3_hit_ratio"`
	LocalMemRate float64 `json:"local_mem_rate"`
	ThreadCount  int     `json:"thread_count"`
}

// StructuralErrorEvent records a group-structural or host-structural
// error the controller acted on (retiring a group, or aborting the run).
type StructuralErrorEvent struct {
	GroupFG string `json:"group_fg"`
	Tier    string `json:"tier"` // "group" or "host"
	Message string `json:"message"`
}

// BaselineRecord is the persisted form of a workload's solorun-avg,
// keyed by its identifier, so a restarted controller can pre-seed a
// baseline before policy.SeedLibrary or a fresh live solorun takes over.
type BaselineRecord struct {
	Identifier   string    `json:"identifier"`
	Instructions uint64    `json:"instructions"`
	L3Miss       uint64    `json:"l3miss"`
	LocalMemByte uint64    `json:"local_mem"`
	IntervalMS   uint64    `json:"interval_ms"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// LedgerEntry is one stored ledger record: a timestamped, kind-tagged
// JSON payload. Callers type-switch on Kind to unmarshal Payload into the
// matching event struct.
type LedgerEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	Kind      EventKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// DB wraps a BoltDB instance with typed accessors for isoctl's audit data.
type DB struct {
	db            *bolt.DB
	retentionDays int
	seq           atomic.Uint64 // tie-breaker for same-timestamp ledger keys
}

// Open opens (or creates) the BoltDB database at path, initializes the
// required buckets, and verifies the schema version.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketSoloBaselines, bucketLedger, bucketMeta} {
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
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf("schema version mismatch: database has %q, isoctl requires %q", string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// ─── Baseline operations ───────────────────────────────────────────────

// PutBaseline writes or updates the cached solorun baseline for a
// workload identifier.
func (d *DB) PutBaseline(rec BaselineRecord) error {
	rec.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("PutBaseline marshal: %w", err)
	}

	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSoloBaselines))
		return b.Put([]byte(rec.Identifier), data)
	})
}

// GetBaseline retrieves the cached baseline for a workload identifier.
// Returns (nil, nil) if none exists.
func (d *DB) GetBaseline(identifier string) (*BaselineRecord, error) {
	var rec BaselineRecord
	found := false

	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSoloBaselines))
		data := b.Get([]byte(identifier))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("GetBaseline(%q): %w", identifier, err)
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

// ─── Ledger operations ──────────────────────────────────────────────────

// ledgerKey constructs a sortable BoltDB key: a fixed-width UTC timestamp
// with all nine fractional digits kept, plus a zero-padded sequence number,
// so two entries sharing a timestamp still sort deterministically by
// insertion order, since a ledger entry has no single owning PID to
// tie-break on.
func ledgerKey(t time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s_%020d", t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), seq))
}

func (d *DB) append(kind EventKind, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("append %s marshal: %w", kind, err)
	}
	entry := LedgerEntry{Timestamp: time.Now().UTC(), Kind: kind, Payload: data}
	entryData, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("append %s marshal entry: %w", kind, err)
	}

	key := ledgerKey(entry.Timestamp, d.seq.Add(1))
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		return b.Put(key, entryData)
	})
}

// AppendSwap records a completed swap between two groups.
func (d *DB) AppendSwap(e SwapEvent) error { return d.append(KindSwap, e) }

// AppendSoloProfile records a completed solorun window.
func (d *DB) AppendSoloProfile(e SoloProfileEvent) error { return d.append(KindSoloProfile, e) }

// AppendStructuralError records a group-structural or host-structural
// error the controller acted on.
func (d *DB) AppendStructuralError(e StructuralErrorEvent) error {
	return d.append(KindStructuralError, e)
}

// PruneOldLedgerEntries deletes ledger entries older than retentionDays.
// Returns the number of entries deleted.
func (d *DB) PruneOldLedgerEntries() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffKey := ledgerKey(cutoff, 0)

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
				return fmt.Errorf("PruneOldLedgerEntries delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ReadLedger returns all ledger entries in chronological order. For
// operator/CLI inspection; not called on the controller's hot path.
func (d *DB) ReadLedger() ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		return b.ForEach(func(_, v []byte) error {
			var entry LedgerEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}
