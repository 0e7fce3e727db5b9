package localstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"go.etcd.io/bbolt"
)

const (
	// QueueBucket is the engine-owned operation_queue collection (C3).
	QueueBucket = "operation_queue"
	// HistoryBucket is the engine-owned conflict_history collection (C5).
	HistoryBucket = "conflict_history"
	// SystemBucket holds namespaced durable keys such as the device identity (C1).
	SystemBucket = "system"

	indexPrefix = "idx"
)

// Store is the engine's embedded local replica, one bbolt bucket per
// configured table plus operation_queue, conflict_history and system.
// The bucket-per-collection layout and JSON-marshal-per-key convention
// mirror the warren project's BoltStore, generalized from nine hardcoded
// entity buckets to a config-driven, open-ended table set with maintained
// secondary indexes in place of linear cursor scans.
type Store struct {
	db     *bbolt.DB
	tables []string
}

// Open opens (creating if absent) the bbolt database at path and ensures a
// bucket exists for every table in tables plus the engine-owned buckets.
func Open(path string, tables []string) (*Store, error) {
	db, err := bbolt.Open(filepath.Clean(path), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("localstore: open %s: %w", path, err)
	}

	all := append(append([]string{}, tables...), QueueBucket, HistoryBucket, SystemBucket)
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range all {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucketIfNotExists(indexBucketName(name)); err != nil {
				return fmt.Errorf("create index bucket for %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, tables: tables}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func indexBucketName(table string) []byte {
	return []byte(indexPrefix + ":" + table)
}

// Tx is a multi-collection atomic transaction, satisfying the spec's
// requirement that all writes issued by C3 and C6 run inside a transaction
// spanning the target record's collection and operation_queue.
type Tx struct {
	tx *bbolt.Tx
}

// Txn runs fn inside a read-write transaction. All Collection handles
// obtained from tx participate in the same atomic commit; a returned error
// aborts the whole transaction (ErrTxAborted, a retryable error per §4.2).
func (s *Store) Txn(fn func(tx *Tx) error) error {
	err := s.db.Update(func(btx *bbolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTxAborted, err)
	}
	return nil
}

// View runs fn inside a read-only transaction.
func (s *Store) View(fn func(tx *Tx) error) error {
	return s.db.View(func(btx *bbolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
}

// Collection opens a typed handle on the named bucket within tx, indexing
// only the three system fields.
func (t *Tx) Collection(name string) (*Collection, error) {
	return t.CollectionIndexed(name, nil)
}

// CollectionIndexed opens a typed handle on the named bucket, additionally
// maintaining secondary-index entries for extraFields (a table's
// configured IndexedFields) alongside the three system fields every
// collection always indexes.
func (t *Tx) CollectionIndexed(name string, extraFields []string) (*Collection, error) {
	b := t.tx.Bucket([]byte(name))
	if b == nil {
		return nil, fmt.Errorf("localstore: unknown collection %q", name)
	}
	idx := t.tx.Bucket(indexBucketName(name))
	return &Collection{bucket: b, index: idx, extraFields: extraFields}, nil
}

// systemIndexedFields are always indexed regardless of table configuration.
var systemIndexedFields = []string{"ownership_key", "updated_at", "device_id"}

// Collection is a typed view over one bucket plus its secondary-index
// bucket, valid only for the lifetime of the enclosing Tx.
type Collection struct {
	bucket      *bbolt.Bucket
	index       *bbolt.Bucket
	extraFields []string
}

func (c *Collection) indexedFields() []string {
	if len(c.extraFields) == 0 {
		return systemIndexedFields
	}
	return append(append([]string{}, systemIndexedFields...), c.extraFields...)
}

// Get decodes the record stored under id, or returns (nil, nil) on miss.
func (c *Collection) Get(id string) (*Record, error) {
	data := c.bucket.Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("localstore: decode %s: %w", id, err)
	}
	return &rec, nil
}

// Put writes rec, maintaining secondary-index entries for the collection's
// indexed fields (the three system fields plus any extra fields the
// collection was opened with).
func (c *Collection) Put(rec *Record) error {
	if old, err := c.Get(rec.ID); err == nil && old != nil {
		c.removeIndexEntries(old)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("localstore: encode %s: %w", rec.ID, err)
	}
	if err := c.bucket.Put([]byte(rec.ID), data); err != nil {
		return err
	}
	return c.addIndexEntries(rec)
}

// Update applies a partial mutation to the stored record and persists it.
// Returns ErrNotFound if id does not exist.
func (c *Collection) Update(id string, fn func(rec *Record)) (*Record, error) {
	rec, err := c.Get(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("localstore: update %s: %w", id, ErrNotFound)
	}
	fn(rec)
	if err := c.Put(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes id from the collection and its index entries.
func (c *Collection) Delete(id string) error {
	old, err := c.Get(id)
	if err != nil {
		return err
	}
	if old != nil {
		c.removeIndexEntries(old)
	}
	return c.bucket.Delete([]byte(id))
}

// BulkPut writes every record in recs as a single batch within the
// enclosing transaction.
func (c *Collection) BulkPut(recs []*Record) error {
	for _, rec := range recs {
		if err := c.Put(rec); err != nil {
			return err
		}
	}
	return nil
}

// ScanEqual returns every record whose field equals value, via the
// maintained secondary index.
func (c *Collection) ScanEqual(field string, value string) ([]*Record, error) {
	if c.index == nil {
		return nil, nil
	}
	prefix := []byte(field + "=" + value + "\x00")
	cur := c.index.Cursor()
	var out []*Record
	for k, _ := cur.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = cur.Next() {
		id := k[len(prefix):]
		rec, err := c.Get(string(id))
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ScanRange returns every record whose field lies in [lo, hi] using the
// bucket's natural byte ordering on the index key.
func (c *Collection) ScanRange(field, lo, hi string) ([]*Record, error) {
	if c.index == nil {
		return nil, nil
	}
	cur := c.index.Cursor()
	loKey := []byte(field + "=" + lo)
	hiKey := []byte(field + "=" + hi + "\x00\xff")
	var out []*Record
	for k, _ := cur.Seek(loKey); k != nil && string(k) <= string(hiKey); k, _ = cur.Next() {
		parts := splitIndexKey(k, field)
		if parts == "" {
			continue
		}
		rec, err := c.Get(parts)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

// All returns every record in the collection, in bucket key order. Used for
// scan-only collections such as conflict_history and full-table reads.
func (c *Collection) All() ([]*Record, error) {
	var out []*Record
	err := c.bucket.ForEach(func(_, v []byte) error {
		var rec Record
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		out = append(out, &rec)
		return nil
	})
	return out, err
}

// RawGet/RawPut/RawDelete/RawForEach give engine-owned non-Record
// collections (operation_queue keyed by SeqKey, system keyed by a
// namespaced string key) direct byte-key access within the same
// transaction, without going through the Record JSON shape.

// RawGet returns the raw bytes stored under key, or nil if absent.
func (c *Collection) RawGet(key []byte) []byte {
	return c.bucket.Get(key)
}

// RawPut stores value under key.
func (c *Collection) RawPut(key, value []byte) error {
	return c.bucket.Put(key, value)
}

// RawDelete removes key.
func (c *Collection) RawDelete(key []byte) error {
	return c.bucket.Delete(key)
}

// RawForEach iterates the bucket in key order.
func (c *Collection) RawForEach(fn func(k, v []byte) error) error {
	return c.bucket.ForEach(fn)
}

// RawCursor exposes the bucket's cursor for range scans keyed by SeqKey.
func (c *Collection) RawCursor() *bbolt.Cursor {
	return c.bucket.Cursor()
}

func (c *Collection) addIndexEntries(rec *Record) error {
	if c.index == nil {
		return nil
	}
	for _, field := range c.indexedFields() {
		v, ok := rec.Get(field)
		if !ok {
			continue
		}
		key := append([]byte(field+"="+fmt.Sprint(v)+"\x00"), []byte(rec.ID)...)
		if err := c.index.Put(key, nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collection) removeIndexEntries(rec *Record) {
	for _, field := range c.indexedFields() {
		v, ok := rec.Get(field)
		if !ok {
			continue
		}
		key := append([]byte(field+"="+fmt.Sprint(v)+"\x00"), []byte(rec.ID)...)
		_ = c.index.Delete(key)
	}
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func splitIndexKey(k []byte, field string) string {
	prefix := field + "="
	s := string(k)
	if len(s) <= len(prefix) {
		return ""
	}
	rest := s[len(prefix):]
	for i, ch := range rest {
		if ch == 0 {
			return rest[i+1:]
		}
	}
	return ""
}

// SeqKey encodes a uint64 sequence number as a big-endian byte key so
// bbolt's lexicographic cursor order matches numeric order. Used by the
// operation queue to key operation_queue on SeqNo.
func SeqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
