// Package engine is the top-level embedded API (§6.1): the facade wiring
// C1-C8 together behind the method surface an application actually calls.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/syncmesh/syncmesh/internal/diagnostics"
	"github.com/syncmesh/syncmesh/internal/identity"
	"github.com/syncmesh/syncmesh/internal/localstore"
	"github.com/syncmesh/syncmesh/internal/opqueue"
	"github.com/syncmesh/syncmesh/internal/realtime"
	"github.com/syncmesh/syncmesh/internal/remotestore"
	"github.com/syncmesh/syncmesh/internal/resolve"
	"github.com/syncmesh/syncmesh/internal/syncconfig"
	"github.com/syncmesh/syncmesh/internal/syncengine"
	"github.com/syncmesh/syncmesh/internal/syncerr"
)

// Deps are the engine's out-of-scope collaborators (§1): the transport
// client to the remote store and the auth gate are assembled by the
// caller, not owned here.
type Deps struct {
	RemoteStore  remotestore.Store
	Auth         syncengine.AuthGate
	OwnershipKey string
	StorePath    string
	Logger       *slog.Logger
}

// Engine is the sole facade an application holds; Init is its only
// constructor (§6.1).
type Engine struct {
	cfg          syncconfig.Config
	ownershipKey string
	store        *localstore.Store
	device       *identity.Device
	queue        *opqueue.Queue
	resolver     *resolve.Resolver
	coordinator  *syncengine.Coordinator
	status       *diagnostics.Surface
	remote       remotestore.Store
	ingestor     *realtime.Ingestor
	logger       *slog.Logger
}

// Init opens the local store, establishes device identity, and wires C1-C8
// together. No background activity starts until StartSync is called.
func Init(ctx context.Context, cfg syncconfig.Config, deps Deps) (*Engine, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.RemoteStore == nil {
		return nil, fmt.Errorf("engine: init: remote store is required")
	}
	if deps.Auth == nil {
		return nil, fmt.Errorf("engine: init: auth gate is required")
	}

	tableNames := make([]string, 0, len(cfg.Tables))
	for _, t := range cfg.Tables {
		tableNames = append(tableNames, t.Name)
	}

	storePath := deps.StorePath
	if storePath == "" {
		storePath = filepath.Join(".", "syncmesh.db")
	}
	store, err := localstore.Open(storePath, tableNames)
	if err != nil {
		return nil, fmt.Errorf("engine: open local store: %w", err)
	}

	device, err := identity.Open(store, logger)
	if err != nil {
		return nil, fmt.Errorf("engine: open device identity: %w", err)
	}

	queue, err := opqueue.Open(store, cfg.Timing.RetryCeiling)
	if err != nil {
		return nil, fmt.Errorf("engine: open queue: %w", err)
	}

	resolver := resolve.New(store, cfg.Tables, logger)
	status := diagnostics.New(cfg.Timing.StatusHistoryWindow)

	coordinator := syncengine.NewCoordinator(store, queue, resolver, deps.RemoteStore, status, deps.Auth,
		device.ID(), deps.OwnershipKey, cfg.Tables, cfg.Timing, logger)

	e := &Engine{
		cfg: cfg, ownershipKey: deps.OwnershipKey, store: store, device: device, queue: queue,
		resolver: resolver, coordinator: coordinator, status: status, remote: deps.RemoteStore, logger: logger,
	}

	if cfg.NATSURL != "" {
		ing, err := realtime.Connect(cfg.NATSURL, coordinator, deps.OwnershipKey, cfg.Timing.CatchUpPullWindow, logger)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("engine: connect realtime: %w", err)
		}
		if err := ing.Subscribe(ctx); err != nil {
			ing.Close()
			store.Close()
			return nil, fmt.Errorf("engine: subscribe realtime: %w", err)
		}
		e.ingestor = ing
	}

	return e, nil
}

// Close releases every resource Init acquired: the realtime subscription
// and the local store. It does not stop an in-flight sync; call StopSync
// first if one is running.
func (e *Engine) Close() error {
	if e.ingestor != nil {
		_ = e.ingestor.Close()
	}
	return e.store.Close()
}

// DeviceID returns this installation's stable device identifier (C1).
func (e *Engine) DeviceID() string { return e.device.ID() }

// Create inserts a new record locally and enqueues a matching create intent.
func (e *Engine) Create(ctx context.Context, table string, fields map[string]any) (*localstore.Record, error) {
	if _, ok := e.cfg.TableByName(table); !ok {
		return nil, syncerr.Validation(fmt.Errorf("engine: create: unknown table %q", table))
	}
	now := time.Now()
	rec := &localstore.Record{
		ID: uuid.NewString(), OwnershipKey: e.ownershipKey, CreatedAt: now, UpdatedAt: now,
		Version: 1, DeviceID: e.device.ID(), Fields: cloneFields(fields),
	}
	op := opqueue.Operation{Table: table, EntityID: rec.ID, Kind: opqueue.KindCreate, Value: cloneFields(fields)}

	err := e.store.Txn(func(tx *localstore.Tx) error {
		col, err := e.collection(tx, table)
		if err != nil {
			return err
		}
		if err := col.Put(rec); err != nil {
			return err
		}
		_, err = e.queue.Enqueue(tx, op, now)
		return err
	})
	if err != nil {
		return nil, syncerr.LocalStoreFailure(err)
	}
	e.coordinator.TriggerPush()
	return rec, nil
}

// Update applies a partial field mutation locally and enqueues a matching
// set intent.
func (e *Engine) Update(ctx context.Context, table, id string, fields map[string]any) (*localstore.Record, error) {
	if _, ok := e.cfg.TableByName(table); !ok {
		return nil, syncerr.Validation(fmt.Errorf("engine: update: unknown table %q", table))
	}
	now := time.Now()
	var rec *localstore.Record
	op := opqueue.Operation{Table: table, EntityID: id, Kind: opqueue.KindSet, Value: cloneFields(fields)}

	err := e.store.Txn(func(tx *localstore.Tx) error {
		col, err := e.collection(tx, table)
		if err != nil {
			return err
		}
		updated, err := col.Update(id, func(r *localstore.Record) {
			if r.Fields == nil {
				r.Fields = map[string]any{}
			}
			for k, v := range fields {
				r.Fields[k] = v
			}
			r.UpdatedAt = now
			r.DeviceID = e.device.ID()
		})
		if err != nil {
			return err
		}
		rec = updated
		_, err = e.queue.Enqueue(tx, op, now)
		return err
	})
	if err != nil {
		return nil, syncerr.LocalStoreFailure(err)
	}
	e.coordinator.TriggerPush()
	return rec, nil
}

// Delete soft-deletes the record locally and enqueues a matching delete
// intent.
func (e *Engine) Delete(ctx context.Context, table, id string) error {
	if _, ok := e.cfg.TableByName(table); !ok {
		return syncerr.Validation(fmt.Errorf("engine: delete: unknown table %q", table))
	}
	now := time.Now()
	op := opqueue.Operation{Table: table, EntityID: id, Kind: opqueue.KindDelete}

	err := e.store.Txn(func(tx *localstore.Tx) error {
		col, err := e.collection(tx, table)
		if err != nil {
			return err
		}
		_, err = col.Update(id, func(r *localstore.Record) {
			r.Deleted = true
			r.UpdatedAt = now
			r.DeviceID = e.device.ID()
		})
		if err != nil {
			return err
		}
		_, err = e.queue.Enqueue(tx, op, now)
		return err
	})
	if err != nil {
		return syncerr.LocalStoreFailure(err)
	}
	e.coordinator.TriggerPush()
	return nil
}

// Increment applies a numeric delta to field locally (plus any extra
// whole-object fields) and enqueues a matching increment intent.
func (e *Engine) Increment(ctx context.Context, table, id, field string, delta float64, extra map[string]any) (*localstore.Record, error) {
	if _, ok := e.cfg.TableByName(table); !ok {
		return nil, syncerr.Validation(fmt.Errorf("engine: increment: unknown table %q", table))
	}
	now := time.Now()
	var rec *localstore.Record
	op := opqueue.Operation{Table: table, EntityID: id, Kind: opqueue.KindIncrement, Field: field, Value: delta}

	err := e.store.Txn(func(tx *localstore.Tx) error {
		col, err := e.collection(tx, table)
		if err != nil {
			return err
		}
		updated, err := col.Update(id, func(r *localstore.Record) {
			if r.Fields == nil {
				r.Fields = map[string]any{}
			}
			r.Fields[field] = toFloat(r.Fields[field]) + delta
			for k, v := range extra {
				r.Fields[k] = v
			}
			r.UpdatedAt = now
			r.DeviceID = e.device.ID()
		})
		if err != nil {
			return err
		}
		rec = updated
		_, err = e.queue.Enqueue(tx, op, now)
		return err
	})
	if err != nil {
		return nil, syncerr.LocalStoreFailure(err)
	}
	e.coordinator.TriggerPush()
	return rec, nil
}

// BatchOp is one operation within a BatchWrite call.
type BatchOp struct {
	Table  string
	ID     string
	Kind   opqueue.Kind
	Field  string
	Value  any
	Fields map[string]any
}

// BatchWrite applies every op as a single atomic local transaction and
// enqueues one matching intent per op, then schedules one push.
func (e *Engine) BatchWrite(ctx context.Context, ops []BatchOp) error {
	now := time.Now()
	err := e.store.Txn(func(tx *localstore.Tx) error {
		for _, bop := range ops {
			if _, ok := e.cfg.TableByName(bop.Table); !ok {
				return syncerr.Validation(fmt.Errorf("engine: batch_write: unknown table %q", bop.Table))
			}
			col, err := e.collection(tx, bop.Table)
			if err != nil {
				return err
			}
			if err := applyBatchOp(col, e.queue, tx, e.device.ID(), e.ownershipKey, bop, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return syncerr.LocalStoreFailure(err)
	}
	e.coordinator.TriggerPush()
	return nil
}

func applyBatchOp(col *localstore.Collection, queue *opqueue.Queue, tx *localstore.Tx, deviceID, ownershipKey string, bop BatchOp, now time.Time) error {
	switch bop.Kind {
	case opqueue.KindCreate:
		rec := &localstore.Record{
			ID: bop.ID, OwnershipKey: ownershipKey, CreatedAt: now, UpdatedAt: now,
			Version: 1, DeviceID: deviceID, Fields: cloneFields(bop.Fields),
		}
		if err := col.Put(rec); err != nil {
			return err
		}
		_, err := queue.Enqueue(tx, opqueue.Operation{Table: bop.Table, EntityID: bop.ID, Kind: opqueue.KindCreate, Value: cloneFields(bop.Fields)}, now)
		return err

	case opqueue.KindSet:
		_, err := col.Update(bop.ID, func(r *localstore.Record) {
			if r.Fields == nil {
				r.Fields = map[string]any{}
			}
			for k, v := range bop.Fields {
				r.Fields[k] = v
			}
			r.UpdatedAt = now
			r.DeviceID = deviceID
		})
		if err != nil {
			return err
		}
		_, err = queue.Enqueue(tx, opqueue.Operation{Table: bop.Table, EntityID: bop.ID, Kind: opqueue.KindSet, Value: cloneFields(bop.Fields)}, now)
		return err

	case opqueue.KindIncrement:
		_, err := col.Update(bop.ID, func(r *localstore.Record) {
			if r.Fields == nil {
				r.Fields = map[string]any{}
			}
			r.Fields[bop.Field] = toFloat(r.Fields[bop.Field]) + toFloat(bop.Value)
			r.UpdatedAt = now
			r.DeviceID = deviceID
		})
		if err != nil {
			return err
		}
		_, err = queue.Enqueue(tx, opqueue.Operation{Table: bop.Table, EntityID: bop.ID, Kind: opqueue.KindIncrement, Field: bop.Field, Value: bop.Value}, now)
		return err

	case opqueue.KindDelete:
		_, err := col.Update(bop.ID, func(r *localstore.Record) {
			r.Deleted = true
			r.UpdatedAt = now
			r.DeviceID = deviceID
		})
		if err != nil {
			return err
		}
		_, err = queue.Enqueue(tx, opqueue.Operation{Table: bop.Table, EntityID: bop.ID, Kind: opqueue.KindDelete}, now)
		return err
	}
	return fmt.Errorf("engine: batch_write: unknown op kind %q", bop.Kind)
}

// Get reads table/id from the local replica. With remoteFallback, a local
// miss falls through to the remote store and caches what it finds.
func (e *Engine) Get(ctx context.Context, table, id string, remoteFallback bool) (*localstore.Record, error) {
	rec, err := e.loadLocal(table, id)
	if err != nil {
		return nil, syncerr.LocalStoreFailure(err)
	}
	if rec != nil || !remoteFallback {
		return rec, nil
	}
	remote, err := e.remote.GetByID(ctx, table, id)
	if err != nil {
		return nil, syncerr.Transient(err)
	}
	if remote != nil {
		_ = e.persistLocal(table, remote)
	}
	return remote, nil
}

// GetAll reads every non-deleted record in table from the local replica,
// optionally ordered by a field, falling back to a full remote fetch when
// the local collection is empty and remoteFallback is set.
func (e *Engine) GetAll(ctx context.Context, table, orderBy string, remoteFallback bool) ([]*localstore.Record, error) {
	var out []*localstore.Record
	localEmpty := true
	err := e.store.View(func(tx *localstore.Tx) error {
		col, err := e.collection(tx, table)
		if err != nil {
			return err
		}
		recs, err := col.All()
		localEmpty = len(recs) == 0
		for _, r := range recs {
			if !r.Deleted {
				out = append(out, r)
			}
		}
		return err
	})
	if err != nil {
		return nil, syncerr.LocalStoreFailure(err)
	}
	if localEmpty && remoteFallback {
		remote, err := e.remote.GetUpdatedSince(ctx, table, time.Time{}, e.ownershipKey)
		if err != nil {
			return nil, syncerr.Transient(err)
		}
		for _, r := range remote {
			_ = e.persistLocal(table, r)
			if !r.Deleted {
				out = append(out, r)
			}
		}
	}
	if orderBy != "" {
		sortRecords(out, orderBy)
	}
	return out, nil
}

// Query returns every local record whose indexed field equals value.
func (e *Engine) Query(ctx context.Context, table, index, value string) ([]*localstore.Record, error) {
	var out []*localstore.Record
	err := e.store.View(func(tx *localstore.Tx) error {
		col, err := e.collection(tx, table)
		if err != nil {
			return err
		}
		recs, err := col.ScanEqual(index, value)
		out = recs
		return err
	})
	if err != nil {
		return nil, syncerr.LocalStoreFailure(err)
	}
	return out, nil
}

// QueryRange returns every local record whose indexed field lies in [lo, hi].
func (e *Engine) QueryRange(ctx context.Context, table, index, lo, hi string) ([]*localstore.Record, error) {
	var out []*localstore.Record
	err := e.store.View(func(tx *localstore.Tx) error {
		col, err := e.collection(tx, table)
		if err != nil {
			return err
		}
		recs, err := col.ScanRange(index, lo, hi)
		out = recs
		return err
	})
	if err != nil {
		return nil, syncerr.LocalStoreFailure(err)
	}
	return out, nil
}

// GetOrCreate returns the first non-deleted record matching index=value, or
// creates one from defaults (plus index=value) if none exists.
func (e *Engine) GetOrCreate(ctx context.Context, table, index, value string, defaults map[string]any) (*localstore.Record, error) {
	existing, err := e.Query(ctx, table, index, value)
	if err != nil {
		return nil, err
	}
	for _, rec := range existing {
		if !rec.Deleted {
			return rec, nil
		}
	}
	fields := cloneFields(defaults)
	fields[index] = value
	return e.Create(ctx, table, fields)
}

// ForcePush schedules a push cycle through the coordinator's usual push
// debounce timer (PushDebounce). The coordinator must already be running.
func (e *Engine) ForcePush() { e.coordinator.TriggerPush() }

// ForcePull runs an out-of-band catch-up pull covering window, independent
// of the regular pull ticker. The coordinator must already be running;
// otherwise the pull is never run and ForcePull waits until ctx is done.
func (e *Engine) ForcePull(ctx context.Context, window time.Duration) error {
	return e.coordinator.CatchUpPull(ctx, window)
}

// ResetIdentity discards this installation's device id and generates a new
// one, returning it. Only safe to call while sync is stopped.
func (e *Engine) ResetIdentity() (string, error) { return e.device.Reset() }

// StartSync starts the sync coordinator (§6.1).
func (e *Engine) StartSync(ctx context.Context) error { return e.coordinator.Start(ctx) }

// StopSync stops the sync coordinator, draining any in-flight push first.
func (e *Engine) StopSync(ctx context.Context) error { return e.coordinator.Stop(ctx) }

// SubscribeStatus registers cb on the diagnostics surface (§6.1, §4.8).
func (e *Engine) SubscribeStatus(cb func(diagnostics.Status)) { e.status.Subscribe(cb) }

// Status returns the current diagnostics snapshot.
func (e *Engine) Status() diagnostics.Status { return e.status.Snapshot() }

// collection opens table's bucket within tx, maintaining secondary-index
// entries for its configured IndexedFields in addition to the system
// fields every collection indexes.
func (e *Engine) collection(tx *localstore.Tx, table string) (*localstore.Collection, error) {
	var extra []string
	if tc, ok := e.cfg.TableByName(table); ok {
		extra = tc.IndexedFields
	}
	return tx.CollectionIndexed(table, extra)
}

func (e *Engine) loadLocal(table, id string) (*localstore.Record, error) {
	var rec *localstore.Record
	err := e.store.View(func(tx *localstore.Tx) error {
		col, err := e.collection(tx, table)
		if err != nil {
			return err
		}
		rec, err = col.Get(id)
		return err
	})
	return rec, err
}

func (e *Engine) persistLocal(table string, rec *localstore.Record) error {
	return e.store.Txn(func(tx *localstore.Tx) error {
		col, err := e.collection(tx, table)
		if err != nil {
			return err
		}
		return col.Put(rec)
	})
}

func cloneFields(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func sortRecords(recs []*localstore.Record, field string) {
	sort.Slice(recs, func(i, j int) bool {
		vi, _ := recs[i].Get(field)
		vj, _ := recs[j].Get(field)
		return fmt.Sprint(vi) < fmt.Sprint(vj)
	})
}
