package opqueue

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/syncmesh/syncmesh/internal/localstore"
)

// DefaultRetryCeiling is the number of attempts an operation gets before
// reap_exhausted removes it (§4.3).
const DefaultRetryCeiling = 5

// Queue is the durable, ordered operation log backing C3. It is keyed by
// SeqNo (big-endian, matching the store's time-ordered bucket convention) so
// enqueue order survives independent of enqueued_at clock resolution.
type Queue struct {
	store        *localstore.Store
	retryCeiling int
	nextSeq      uint64
}

// Open wires a Queue to the shared local store and primes the sequence
// counter from the highest SeqNo already on disk, so restarts keep
// appending rather than overwriting.
func Open(store *localstore.Store, retryCeiling int) (*Queue, error) {
	if retryCeiling <= 0 {
		retryCeiling = DefaultRetryCeiling
	}
	q := &Queue{store: store, retryCeiling: retryCeiling}
	err := store.View(func(tx *localstore.Tx) error {
		c, err := tx.Collection(localstore.QueueBucket)
		if err != nil {
			return err
		}
		return c.RawForEach(func(k, v []byte) error {
			var op Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return fmt.Errorf("opqueue: decode seq key %x: %w", k, err)
			}
			if op.SeqNo >= q.nextSeq {
				q.nextSeq = op.SeqNo + 1
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// Enqueue stamps enqueued_at and retries=0, appends op, and returns the
// persisted operation. Runs inside tx so callers can fold it into the same
// transaction as the entity write (§4.2's "all writes ... run inside a
// transaction spanning the target record's collection and operation_queue").
func (q *Queue) Enqueue(tx *localstore.Tx, op Operation, now time.Time) (Operation, error) {
	c, err := tx.Collection(localstore.QueueBucket)
	if err != nil {
		return Operation{}, err
	}
	op.SeqNo = q.nextSeq
	q.nextSeq++
	op.EnqueuedAt = now
	op.Retries = 0
	op.LastAttemptAt = time.Time{}

	data, err := json.Marshal(op)
	if err != nil {
		return Operation{}, fmt.Errorf("opqueue: encode op: %w", err)
	}
	if err := c.RawPut(localstore.SeqKey(op.SeqNo), data); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// All returns every queued operation in enqueued (SeqNo) order.
func (q *Queue) All() ([]Operation, error) {
	var ops []Operation
	err := q.store.View(func(tx *localstore.Tx) error {
		c, err := tx.Collection(localstore.QueueBucket)
		if err != nil {
			return err
		}
		return c.RawForEach(func(_, v []byte) error {
			var op Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			ops = append(ops, op)
			return nil
		})
	})
	return ops, err
}

// PendingReady returns operations whose backoff window has elapsed, oldest
// first. Backoff: first attempt immediate; thereafter 2^(retries-1) seconds
// measured from last_attempt_at (or enqueued_at if absent). Operations at
// the retry ceiling are excluded — they are reap_exhausted's job, not
// push's.
func (q *Queue) PendingReady(now time.Time) ([]Operation, error) {
	all, err := q.All()
	if err != nil {
		return nil, err
	}
	ready := make([]Operation, 0, len(all))
	for _, op := range all {
		if op.Retries >= q.retryCeiling {
			continue
		}
		if readyAt(op).After(now) {
			continue
		}
		ready = append(ready, op)
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].SeqNo < ready[j].SeqNo })
	return ready, nil
}

// readyAt computes the earliest time op becomes eligible for PendingReady.
func readyAt(op Operation) time.Time {
	if op.Retries == 0 {
		return op.EnqueuedAt
	}
	base := op.LastAttemptAt
	if base.IsZero() {
		base = op.EnqueuedAt
	}
	wait := time.Duration(1<<uint(op.Retries-1)) * time.Second
	return base.Add(wait)
}

// PendingEntityIDs returns the set of "table\x00entity_id" keys with at
// least one queued operation, used for echo/conflict detection by C6/C7.
func (q *Queue) PendingEntityIDs() (map[string]bool, error) {
	all, err := q.All()
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(all))
	for _, op := range all {
		ids[entityKey(op.Table, op.EntityID)] = true
	}
	return ids, nil
}

// PendingForEntity returns the queued operations for one (table, entityID),
// in enqueued order.
func (q *Queue) PendingForEntity(table, entityID string) ([]Operation, error) {
	all, err := q.All()
	if err != nil {
		return nil, err
	}
	var out []Operation
	for _, op := range all {
		if op.Table == table && op.EntityID == entityID {
			out = append(out, op)
		}
	}
	return out, nil
}

// Replace overwrites the operation stored at op.SeqNo, used by the
// coalescer to persist a folded operation without disturbing its push
// order (SeqNo/EnqueuedAt are carried over unchanged by the caller).
func (q *Queue) Replace(tx *localstore.Tx, op Operation) error {
	c, err := tx.Collection(localstore.QueueBucket)
	if err != nil {
		return err
	}
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("opqueue: encode op: %w", err)
	}
	return c.RawPut(localstore.SeqKey(op.SeqNo), data)
}

// Ack removes op after a successful push.
func (q *Queue) Ack(tx *localstore.Tx, seqNo uint64) error {
	c, err := tx.Collection(localstore.QueueBucket)
	if err != nil {
		return err
	}
	return c.RawDelete(localstore.SeqKey(seqNo))
}

// Bump increments retries and sets last_attempt_at=now. It never touches
// enqueued_at — push order must survive retries (§4.3, invariant 4).
func (q *Queue) Bump(tx *localstore.Tx, seqNo uint64, now time.Time) error {
	c, err := tx.Collection(localstore.QueueBucket)
	if err != nil {
		return err
	}
	raw := c.RawGet(localstore.SeqKey(seqNo))
	if raw == nil {
		return fmt.Errorf("opqueue: bump: seq %d not found", seqNo)
	}
	var op Operation
	if err := json.Unmarshal(raw, &op); err != nil {
		return err
	}
	op.Retries++
	op.LastAttemptAt = now
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	return c.RawPut(localstore.SeqKey(seqNo), data)
}

// ReapExhausted removes every operation at or past the retry ceiling and
// reports how many were removed and which tables they targeted, so the
// surrounding UI can notify the user once per table.
func (q *Queue) ReapExhausted(now time.Time) (int, []string, error) {
	var count int
	tables := map[string]bool{}
	err := q.store.Txn(func(tx *localstore.Tx) error {
		c, err := tx.Collection(localstore.QueueBucket)
		if err != nil {
			return err
		}
		var toDelete [][]byte
		err = c.RawForEach(func(k, v []byte) error {
			var op Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			if op.Retries >= q.retryCeiling {
				toDelete = append(toDelete, append([]byte{}, k...))
				tables[op.Table] = true
				count++
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := c.RawDelete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	out := make([]string, 0, len(tables))
	for t := range tables {
		out = append(out, t)
	}
	sort.Strings(out)
	return count, out, nil
}

// PendingCount returns the number of queued operations, for C8.
func (q *Queue) PendingCount() (int, error) {
	all, err := q.All()
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

func entityKey(table, entityID string) string {
	return table + "\x00" + entityID
}
