// Package syncengine orchestrates push/pull cycles, debouncing, echo
// suppression, and backpressure (C6, §4.6). The coordinator owns the one
// logical execution context the rest of the engine funnels through: every
// external trigger (an enqueue, a timer, a realtime event) is delivered as a
// closure on a command channel and run by a single goroutine, so there is
// never more than one of these activities touching engine state at once,
// mirroring this codebase's single-owner-goroutine pattern for its other
// background coordinators.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/syncmesh/syncmesh/internal/coalesce"
	"github.com/syncmesh/syncmesh/internal/diagnostics"
	"github.com/syncmesh/syncmesh/internal/localstore"
	"github.com/syncmesh/syncmesh/internal/opqueue"
	"github.com/syncmesh/syncmesh/internal/remotestore"
	"github.com/syncmesh/syncmesh/internal/resolve"
	"github.com/syncmesh/syncmesh/internal/syncconfig"
	"github.com/syncmesh/syncmesh/internal/syncerr"
)

var tracer = otel.Tracer("syncmesh/syncengine")

type syncMetrics struct {
	pushCount      metric.Int64Counter
	pullCount      metric.Int64Counter
	retryCount     metric.Int64Counter
	echoSuppressed metric.Int64Counter
	conflictCount  metric.Int64Counter
}

func newSyncMetrics() syncMetrics {
	m := otel.Meter("syncmesh/syncengine")
	push, _ := m.Int64Counter("syncmesh.syncengine.push_count", metric.WithDescription("completed push cycles"))
	pull, _ := m.Int64Counter("syncmesh.syncengine.pull_count", metric.WithDescription("completed pull cycles"))
	retry, _ := m.Int64Counter("syncmesh.syncengine.retry_count", metric.WithDescription("remote calls retried"))
	echo, _ := m.Int64Counter("syncmesh.syncengine.echo_suppressed_count", metric.WithDescription("ingress records discarded as echoes"))
	conflict, _ := m.Int64Counter("syncmesh.syncengine.conflict_count", metric.WithDescription("entities merged with a conflict"))
	return syncMetrics{pushCount: push, pullCount: pull, retryCount: retry, echoSuppressed: echo, conflictCount: conflict}
}

// AuthGate is the narrow interface the coordinator polls before starting or
// running a cycle. The real credential/session machinery is out of scope
// (§1); this is its entire footprint here.
type AuthGate interface {
	IsAuthenticated() bool
}

const pushGroupKey = "push"

// Coordinator is the single-process cooperative orchestrator described in
// §4.6. All mutating access to its fields happens on the goroutine running
// loop; everything else reaches it through enqueueCommand.
type Coordinator struct {
	store        *localstore.Store
	queue        *opqueue.Queue
	resolver     *resolve.Resolver
	remote       remotestore.Store
	status       *diagnostics.Surface
	auth         AuthGate
	deviceID     string
	ownershipKey string
	tableList    []syncconfig.TableConfig
	timing       syncconfig.Timing
	logger       *slog.Logger
	metrics      syncMetrics

	cmdCh   chan func(context.Context)
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool

	pushTimer     *time.Timer
	pullTicker    *time.Ticker
	sf            singleflight.Group
	pushRunning   bool
	pushRequested bool
}

// NewCoordinator wires C6 to its collaborators. ownershipKey scopes every
// remote pull to one principal's rows (§3.1).
func NewCoordinator(store *localstore.Store, queue *opqueue.Queue, resolver *resolve.Resolver, remote remotestore.Store, status *diagnostics.Surface, auth AuthGate, deviceID, ownershipKey string, tables []syncconfig.TableConfig, timing syncconfig.Timing, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store: store, queue: queue, resolver: resolver, remote: remote, status: status, auth: auth,
		deviceID: deviceID, ownershipKey: ownershipKey, tableList: tables, timing: timing, logger: logger,
		metrics: newSyncMetrics(),
	}
}

// Store, Queue, and DeviceID expose the collaborators internal/engine needs
// for its own local writes; the coordinator remains the single owner of
// when those writes get pushed.
func (c *Coordinator) Store() *localstore.Store { return c.store }
func (c *Coordinator) Queue() *opqueue.Queue    { return c.queue }
func (c *Coordinator) DeviceID() string         { return c.deviceID }
func (c *Coordinator) Running() bool            { return c.running }

// PendingEntityIDs satisfies realtime.Router.
func (c *Coordinator) PendingEntityIDs() (map[string]bool, error) {
	return c.queue.PendingEntityIDs()
}

// Start launches the coordinator's command loop and pull ticker and
// schedules the first pull. Idempotent; valid only when authenticated (§6.1).
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.auth.IsAuthenticated() {
		return syncerr.AuthRequired(fmt.Errorf("syncengine: start: not authenticated"))
	}
	if c.running {
		return nil
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.cmdCh = make(chan func(context.Context), 256)
	c.wg.Add(1)
	go c.loop()

	c.status.SetState(diagnostics.StateRunning)
	c.status.SetConnected(true)

	c.pullTicker = time.NewTicker(c.timing.PullInterval)
	go c.tickPulls()

	c.enqueueCommand(func(ctx context.Context) {
		if err := c.runPull(ctx); err != nil {
			c.logger.Error("initial pull failed", "err", err)
		}
	})
	c.logger.Info("sync started", "device_id", c.deviceID)
	return nil
}

// Stop cancels pending timers and drains any in-flight push
// to completion without starting another (§4.6).
func (c *Coordinator) Stop(ctx context.Context) error {
	if !c.running {
		return nil
	}
	c.running = false
	if c.pullTicker != nil {
		c.pullTicker.Stop()
	}
	if c.pushTimer != nil {
		c.pushTimer.Stop()
	}

	done := make(chan struct{})
	c.enqueueCommand(func(context.Context) { close(done) })
	select {
	case <-done:
	case <-ctx.Done():
	}

	close(c.stopCh)
	c.wg.Wait()
	c.status.SetState(diagnostics.StateStopped)
	c.status.SetConnected(false)
	c.logger.Info("sync stopped")
	return nil
}

func (c *Coordinator) tickPulls() {
	for range c.pullTicker.C {
		select {
		case <-c.stopCh:
			return
		default:
		}
		c.enqueueCommand(func(ctx context.Context) {
			if err := c.runPull(ctx); err != nil {
				c.logger.Error("scheduled pull failed", "err", err)
			}
		})
	}
}

func (c *Coordinator) loop() {
	defer c.wg.Done()
	for {
		select {
		case fn := <-c.cmdCh:
			fn(context.Background())
		case <-c.stopCh:
			return
		}
	}
}

// enqueueCommand hands fn to the coordinator goroutine. Called from timers,
// the realtime ingestor's NATS callback goroutine, and application-facing
// methods — never from loop itself.
func (c *Coordinator) enqueueCommand(fn func(context.Context)) {
	if !c.running {
		return
	}
	c.cmdCh <- fn
}

// TriggerPush debounces a push cycle after a local mutation enqueues an
// intent (§4.6, default 500ms).
func (c *Coordinator) TriggerPush() {
	if !c.running {
		return
	}
	if c.pushTimer != nil {
		c.pushTimer.Stop()
	}
	c.pushTimer = time.AfterFunc(c.timing.PushDebounce, func() {
		c.enqueueCommand(c.runPushSerialized)
	})
}

// runPushSerialized is the singleflight-guarded entry point: at most one
// doPush runs at a time, and a trigger arriving mid-flight is folded into a
// requeued follow-up run rather than a concurrent one (§4.6).
func (c *Coordinator) runPushSerialized(ctx context.Context) {
	if c.pushRunning {
		c.pushRequested = true
		return
	}
	c.pushRunning = true
	_, _, _ = c.sf.Do(pushGroupKey, func() (interface{}, error) {
		return nil, c.doPush(ctx)
	})
	c.pushRunning = false
	if c.pushRequested {
		c.pushRequested = false
		c.runPushSerialized(ctx)
	}
}

// doPush runs one push cycle: coalesce, then dispatch every ready op in
// enqueued order.
func (c *Coordinator) doPush(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "push_cycle")
	defer span.End()

	if !c.auth.IsAuthenticated() {
		return nil
	}
	if err := c.coalesceQueue(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("syncengine: coalesce: %w", err)
	}

	ready, err := c.queue.PendingReady(time.Now())
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("syncengine: pending_ready: %w", err)
	}

	for _, op := range ready {
		if err := c.pushOne(ctx, op); err != nil {
			c.handlePushFailure(ctx, op, err)
			if c.status.Snapshot().State == diagnostics.StateHalted {
				break
			}
			continue
		}
		c.ack(op)
	}

	c.updatePendingStatus()
	c.status.RecordPush(time.Now())
	c.metrics.pushCount.Add(ctx, 1)
	return nil
}

func (c *Coordinator) coalesceQueue() error {
	ops, err := c.queue.All()
	if err != nil {
		return err
	}
	plan := coalesce.Reduce(ops)
	return c.store.Txn(func(tx *localstore.Tx) error {
		return coalesce.Apply(tx, c.queue, plan)
	})
}

func (c *Coordinator) pushOne(ctx context.Context, op opqueue.Operation) error {
	switch op.Kind {
	case opqueue.KindDelete:
		local, err := c.loadLocal(op.Table, op.EntityID)
		if err != nil {
			return err
		}
		version := int64(1)
		if local != nil {
			version = local.Version
		}
		return c.withRemoteRetry(ctx, "push.delete", func(ctx context.Context) error {
			return c.remote.SoftDelete(ctx, op.Table, op.EntityID, c.deviceID, version, time.Now())
		})
	case opqueue.KindCreate:
		local, err := c.loadLocal(op.Table, op.EntityID)
		if err != nil {
			return err
		}
		if local == nil {
			return syncerr.Validation(fmt.Errorf("push create: local record %s/%s missing", op.Table, op.EntityID))
		}
		return c.withRemoteRetry(ctx, "push.create", func(ctx context.Context) error {
			return c.remote.Insert(ctx, op.Table, local)
		})
	default: // set, increment
		local, err := c.loadLocal(op.Table, op.EntityID)
		if err != nil {
			return err
		}
		if local == nil {
			return syncerr.Validation(fmt.Errorf("push update: local record %s/%s missing", op.Table, op.EntityID))
		}
		return c.withRemoteRetry(ctx, "push.update", func(ctx context.Context) error {
			return c.remote.Update(ctx, op.Table, local)
		})
	}
}

// handlePushFailure dispatches on the error's classification (§7).
func (c *Coordinator) handlePushFailure(ctx context.Context, op opqueue.Operation, err error) {
	class := syncerr.Classify(err)
	c.status.RecordError(string(class), err.Error())

	switch class {
	case syncerr.ClassReject:
		c.reconcileRejected(ctx, op)
		c.bump(op)
	case syncerr.ClassReap:
		c.logger.Error("operation reaped: validation failure", "table", op.Table, "entity_id", op.EntityID, "err", err)
		c.ack(op)
		c.status.RecordReaped([]string{op.Table})
	case syncerr.ClassHalt:
		c.logger.Error("sync halted: authentication required", "err", err)
		c.status.SetState(diagnostics.StateHalted)
	case syncerr.ClassScrub:
		c.scrub(op, err)
	case syncerr.ClassRetry, syncerr.ClassFatal:
		fallthrough
	default:
		c.logger.Warn("push attempt failed, will retry", "table", op.Table, "entity_id", op.EntityID, "retries", op.Retries, "err", err)
		c.bump(op)
	}
}

// reconcileRejected implements §7's "conflict rejected by server" path:
// pull the entity's current remote state, merge via C5, persist, and leave
// the rejected op in the queue (bumped) to be re-pushed against the merged
// state next cycle.
func (c *Coordinator) reconcileRejected(ctx context.Context, op opqueue.Operation) {
	var remote *localstore.Record
	err := c.withRemoteRetry(ctx, "reconcile.get", func(ctx context.Context) error {
		r, err := c.remote.GetByID(ctx, op.Table, op.EntityID)
		remote = r
		return err
	})
	if err != nil || remote == nil {
		return
	}
	local, err := c.loadLocal(op.Table, op.EntityID)
	if err != nil {
		return
	}
	pending, err := c.queue.PendingForEntity(op.Table, op.EntityID)
	if err != nil {
		return
	}
	outcome, err := c.resolver.Merge(ctx, op.Table, op.EntityID, local, remote, pending)
	if err != nil {
		c.logger.Error("reconcile merge failed", "table", op.Table, "entity_id", op.EntityID, "err", err)
		return
	}
	if err := c.persistDirect(op.Table, outcome.Merged); err != nil {
		c.logger.Error("reconcile persist failed", "table", op.Table, "entity_id", op.EntityID, "err", err)
		return
	}
	if outcome.HadConflict {
		c.metrics.conflictCount.Add(ctx, 1)
		c.status.RecordConflict(outcome)
	}
}

// scrub implements §7's "corrupted local state" path: best-effort removal
// of the affected key so the rest of the engine can proceed.
func (c *Coordinator) scrub(op opqueue.Operation, err error) {
	c.logger.Error("corrupted local state, scrubbing", "table", op.Table, "entity_id", op.EntityID, "err", err)
	scrubErr := c.store.Txn(func(tx *localstore.Tx) error {
		col, cErr := c.collection(tx, op.Table)
		if cErr != nil {
			return cErr
		}
		return col.Delete(op.EntityID)
	})
	if scrubErr != nil {
		c.logger.Error("scrub failed", "table", op.Table, "entity_id", op.EntityID, "err", scrubErr)
	}
	c.ack(op)
}

func (c *Coordinator) ack(op opqueue.Operation) {
	if err := c.store.Txn(func(tx *localstore.Tx) error { return c.queue.Ack(tx, op.SeqNo) }); err != nil {
		c.logger.Error("ack failed", "seq_no", op.SeqNo, "err", err)
	}
}

func (c *Coordinator) bump(op opqueue.Operation) {
	if err := c.store.Txn(func(tx *localstore.Tx) error { return c.queue.Bump(tx, op.SeqNo, time.Now()) }); err != nil {
		c.logger.Error("bump failed", "seq_no", op.SeqNo, "err", err)
	}
}

func (c *Coordinator) updatePendingStatus() {
	count, err := c.queue.PendingCount()
	if err != nil {
		return
	}
	ids, err := c.queue.PendingEntityIDs()
	if err != nil {
		return
	}
	c.status.SetPending(count, len(ids))
}

// runPull fetches rows updated since each table's high-watermark (§4.6).
func (c *Coordinator) runPull(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "pull_cycle")
	defer span.End()

	if !c.auth.IsAuthenticated() {
		return nil
	}
	for _, tc := range c.tableList {
		since := c.highWatermark(tc.Name)
		if err := c.pullTable(ctx, tc, since); err != nil {
			c.logger.Error("pull failed", "table", tc.Name, "err", err)
			c.status.RecordError(string(syncerr.Classify(err)), err.Error())
		}
	}
	c.status.RecordPull(time.Now())
	c.metrics.pullCount.Add(ctx, 1)
	return nil
}

// CatchUpPull satisfies realtime.Router: a bounded pull over the last
// window, run before the ingestor re-subscribes after a reconnect (§4.7).
func (c *Coordinator) CatchUpPull(ctx context.Context, window time.Duration) error {
	errCh := make(chan error, 1)
	c.enqueueCommand(func(ctx context.Context) {
		since := time.Now().Add(-window)
		for _, tc := range c.tableList {
			if err := c.pullTable(ctx, tc, since); err != nil {
				c.logger.Error("catch-up pull failed", "table", tc.Name, "err", err)
			}
		}
		c.status.RecordPull(time.Now())
		errCh <- nil
	})
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) pullTable(ctx context.Context, tc syncconfig.TableConfig, since time.Time) error {
	var rows []*localstore.Record
	err := c.withRemoteRetry(ctx, "pull."+tc.Name, func(ctx context.Context) error {
		r, err := c.remote.GetUpdatedSince(ctx, tc.Name, since, c.ownershipKey)
		rows = r
		return err
	})
	if err != nil {
		return err
	}

	hwm := since
	for _, row := range rows {
		if err := c.ingestRemote(ctx, tc.Name, row); err != nil {
			c.logger.Error("ingest failed", "table", tc.Name, "entity_id", row.ID, "err", err)
			continue
		}
		if row.UpdatedAt.After(hwm) {
			hwm = row.UpdatedAt
		}
	}
	if hwm.After(since) {
		c.setHighWatermark(tc.Name, hwm)
	}
	return nil
}

// ApplyRemoteChange satisfies realtime.Router: one {table, op, row} event
// from the realtime stream, routed through the coordinator's single
// goroutine like every other engine mutation.
func (c *Coordinator) ApplyRemoteChange(ctx context.Context, change remotestore.Change) error {
	if change.Row == nil {
		return fmt.Errorf("syncengine: apply remote change: nil row for table %s", change.Table)
	}
	if change.Op == remotestore.ChangeDelete {
		change.Row.Deleted = true
	}
	errCh := make(chan error, 1)
	c.enqueueCommand(func(ctx context.Context) {
		errCh <- c.ingestRemote(ctx, change.Table, change.Row)
	})
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ingestRemote implements the shared pull/realtime ingress decision tree
// (§4.6, §4.7): echo suppression, then route-to-resolver-or-apply-direct.
func (c *Coordinator) ingestRemote(ctx context.Context, table string, remote *localstore.Record) error {
	local, err := c.loadLocal(table, remote.ID)
	if err != nil {
		return err
	}

	if remote.DeviceID != "" && remote.DeviceID == c.deviceID {
		if local == nil || remote.Version <= local.Version {
			c.metrics.echoSuppressed.Add(ctx, 1)
			return nil
		}
	}

	pending, err := c.queue.PendingForEntity(table, remote.ID)
	if err != nil {
		return err
	}

	if len(pending) == 0 && strictlyNewer(remote, local) {
		return c.persistDirect(table, remote)
	}

	outcome, err := c.resolver.Merge(ctx, table, remote.ID, local, remote, pending)
	if err != nil {
		return err
	}
	if outcome.HadConflict {
		c.metrics.conflictCount.Add(ctx, 1)
		c.status.RecordConflict(outcome)
	}
	return c.persistDirect(table, outcome.Merged)
}

// strictlyNewer reports whether remote is strictly newer than local by
// (updated_at, _version), or local is absent (§4.7 step 3).
func strictlyNewer(remote, local *localstore.Record) bool {
	if local == nil {
		return true
	}
	if remote.UpdatedAt.After(local.UpdatedAt) {
		return true
	}
	if remote.UpdatedAt.Equal(local.UpdatedAt) && remote.Version > local.Version {
		return true
	}
	return false
}

// collection opens table's bucket, maintaining secondary-index entries for
// its configured IndexedFields alongside the system fields.
func (c *Coordinator) collection(tx *localstore.Tx, table string) (*localstore.Collection, error) {
	var extra []string
	for _, tc := range c.tableList {
		if tc.Name == table {
			extra = tc.IndexedFields
			break
		}
	}
	return tx.CollectionIndexed(table, extra)
}

func (c *Coordinator) loadLocal(table, id string) (*localstore.Record, error) {
	var rec *localstore.Record
	err := c.store.View(func(tx *localstore.Tx) error {
		col, err := c.collection(tx, table)
		if err != nil {
			return err
		}
		rec, err = col.Get(id)
		return err
	})
	return rec, err
}

func (c *Coordinator) persistDirect(table string, rec *localstore.Record) error {
	return c.store.Txn(func(tx *localstore.Tx) error {
		col, err := c.collection(tx, table)
		if err != nil {
			return err
		}
		return col.Put(rec)
	})
}

const hwmKeyPrefix = "hwm:"

func (c *Coordinator) highWatermark(table string) time.Time {
	var t time.Time
	_ = c.store.View(func(tx *localstore.Tx) error {
		sys, err := tx.Collection(localstore.SystemBucket)
		if err != nil {
			return err
		}
		raw := sys.RawGet([]byte(hwmKeyPrefix + table))
		if raw != nil {
			_ = t.UnmarshalText(raw)
		}
		return nil
	})
	return t
}

func (c *Coordinator) setHighWatermark(table string, t time.Time) {
	data, err := t.MarshalText()
	if err != nil {
		return
	}
	_ = c.store.Txn(func(tx *localstore.Tx) error {
		sys, err := tx.Collection(localstore.SystemBucket)
		if err != nil {
			return err
		}
		return sys.RawPut([]byte(hwmKeyPrefix+table), data)
	})
}

// isRetryableError mirrors remotestore/sqlstore's classifier, narrowed to
// the signals a coordinator orchestrating an opaque remotestore.Store can
// see: an already-classified transient error, or a transport-failure
// substring surfaced by whatever adapter is behind the interface.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syncerr.ErrTransient) {
		return true
	}
	s := strings.ToLower(err.Error())
	for _, substr := range []string{
		"connection reset", "connection refused", "broken pipe",
		"i/o timeout", "timeout", "unavailable", "rate limit",
	} {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// withRemoteRetry wraps a single remote call with a span and this stack's
// exponential-backoff-with-ceiling retry shape (§4.6), a safety net around
// whatever remotestore.Store adapter is configured regardless of whether
// that adapter already retries internally.
func (c *Coordinator) withRemoteRetry(ctx context.Context, spanName string, op func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.timing.RemoteCallTimeout

	err := backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timing.RemoteCallTimeout)
		defer cancel()
		err := op(callCtx)
		if err == nil {
			return nil
		}
		if !isRetryableError(err) {
			return backoff.Permanent(err)
		}
		c.metrics.retryCount.Add(ctx, 1, metric.WithAttributes(attribute.String("op", spanName)))
		return err
	}, backoff.WithContext(bo, ctx))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if isRetryableError(err) {
			return syncerr.Transient(err)
		}
		return err
	}
	return nil
}
