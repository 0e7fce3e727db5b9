// Package resolve implements the field-by-field conflict merge (C5, §4.5).
// It is structurally grounded on this stack's vendored three-way JSONL merge
// engine: that engine dispatches per field through small mergeX(base, left,
// right) functions sharing one prefer-the-side-that-changed shape. C5 keeps
// that per-field decomposition but narrows it to a two-way (local/remote, no
// common ancestor) algorithm, with pending-op coverage standing in for the
// base-value comparison the three-way merge used.
package resolve

import (
	"context"
	"log/slog"
	"reflect"
	"time"

	"github.com/syncmesh/syncmesh/internal/localstore"
	"github.com/syncmesh/syncmesh/internal/opqueue"
	"github.com/syncmesh/syncmesh/internal/syncconfig"
)

// Winner identifies which side's value survived a field resolution.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
	WinnerMerged Winner = "merged"
)

// Strategy names the rule that produced a field resolution.
type Strategy string

const (
	// StrategyLocalPending: a queued op targets this field, so the user's
	// unsynced intent wins outright.
	StrategyLocalPending Strategy = "local_pending"
	// StrategyNumericMerge is a reserved hook (§9 open question): today it
	// always resolves via last_write, since the queue carries no pre-image
	// to compute an additive merge against.
	StrategyNumericMerge Strategy = "numeric_merge"
	// StrategyLastWrite: plain last-write-wins by updated_at, device_id tiebreak.
	StrategyLastWrite Strategy = "last_write"
	// StrategyDeleteWins: the remote tombstone is terminal.
	StrategyDeleteWins Strategy = "delete_wins"
)

// Resolution is one field-level audit entry, persisted to conflict_history.
type Resolution struct {
	EntityID      string    `json:"entity_id"`
	Table         string    `json:"table"`
	Field         string    `json:"field"`
	LocalValue    any       `json:"local_value"`
	RemoteValue   any       `json:"remote_value"`
	ResolvedValue any       `json:"resolved_value"`
	Winner        Winner    `json:"winner"`
	Strategy      Strategy  `json:"strategy"`
	Timestamp     time.Time `json:"timestamp"`
}

// Outcome is C5's output: the merged record, every field resolution that
// occurred, and whether a conflict was actually present.
type Outcome struct {
	Merged      *localstore.Record
	Resolutions []Resolution
	HadConflict bool
}

// Resolver merges local and remote entity versions field-by-field.
type Resolver struct {
	store  *localstore.Store
	tables map[string]syncconfig.TableConfig
	logger *slog.Logger
}

// New builds a Resolver over the given table configurations, persisting
// resolution history to store.
func New(store *localstore.Store, tables []syncconfig.TableConfig, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]syncconfig.TableConfig, len(tables))
	for _, t := range tables {
		byName[t.Name] = t
	}
	return &Resolver{store: store, tables: byName, logger: logger}
}

// pendingCoverage computes the set of fields with at least one queued
// operation (§4.5 step 1): field-scoped ops record their field directly;
// whole-object sets record every top-level key of their value.
func pendingCoverage(pending []opqueue.Operation) map[string]bool {
	covered := map[string]bool{}
	for _, op := range pending {
		if op.Field != "" {
			covered[op.Field] = true
			continue
		}
		if m, ok := op.Value.(map[string]any); ok {
			for k := range m {
				covered[k] = true
			}
		}
	}
	return covered
}

// Merge implements the full §4.5 algorithm.
func (r *Resolver) Merge(ctx context.Context, table, entityID string, local, remote *localstore.Record, pending []opqueue.Operation) (Outcome, error) {
	if local == nil {
		return Outcome{Merged: remote, HadConflict: false}, nil
	}

	tc := r.tables[table]
	covered := pendingCoverage(pending)
	localPendingDelete := hasPendingDelete(pending)

	merged := local.Clone()

	// Step 2: delete resolution, run once before the field loop.
	if localPendingDelete && !remote.Deleted {
		merged.Deleted = true
		merged.Version = maxVersion(local.Version, remote.Version) + 1
		merged.UpdatedAt = maxTime(local.UpdatedAt, remote.UpdatedAt)
		res := Resolution{
			EntityID: entityID, Table: table, Field: "deleted",
			LocalValue: true, RemoteValue: remote.Deleted, ResolvedValue: true,
			Winner: WinnerLocal, Strategy: StrategyLocalPending, Timestamp: time.Now(),
		}
		r.record(ctx, res)
		return Outcome{Merged: merged, Resolutions: []Resolution{res}, HadConflict: true}, nil
	}
	if remote.Deleted && !localPendingDelete {
		res := Resolution{
			EntityID: entityID, Table: table, Field: "deleted",
			LocalValue: local.Deleted, RemoteValue: true, ResolvedValue: true,
			Winner: WinnerRemote, Strategy: StrategyDeleteWins, Timestamp: time.Now(),
		}
		r.record(ctx, res)
		return Outcome{Merged: remote, Resolutions: []Resolution{res}, HadConflict: true}, nil
	}

	// Step 3: per-field loop.
	var resolutions []Resolution
	for _, field := range unionKeys(local, remote) {
		// deleted is settled in step 2 and updated_at in step 5; device_id
		// only feeds the last-write tiebreak. None is resolved per field.
		if field == "deleted" || field == "updated_at" || field == "device_id" || tc.Excluded(field) {
			continue
		}
		localVal, _ := local.Get(field)
		remoteVal, _ := remote.Get(field)
		if reflect.DeepEqual(localVal, remoteVal) {
			continue // Tier-2 auto-merge: deep-equal values never resolve.
		}

		var winner Winner
		var strategy Strategy
		var resolved any

		switch {
		case covered[field]:
			winner, strategy, resolved = WinnerLocal, StrategyLocalPending, localVal
		case tc.NumericMergeEligible(field) && isNumber(localVal) && isNumber(remoteVal):
			// Reserved hook (§9): no pre-image to merge against, so this
			// still resolves via last_write today.
			strategy = StrategyNumericMerge
			winner, resolved = lastWriteWinner(local, remote, localVal, remoteVal)
		default:
			strategy = StrategyLastWrite
			winner, resolved = lastWriteWinner(local, remote, localVal, remoteVal)
		}

		setField(merged, field, resolved)
		res := Resolution{
			EntityID: entityID, Table: table, Field: field,
			LocalValue: localVal, RemoteValue: remoteVal, ResolvedValue: resolved,
			Winner: winner, Strategy: strategy, Timestamp: time.Now(),
		}
		resolutions = append(resolutions, res)
		r.record(ctx, res)
	}

	hadConflict := len(resolutions) > 0
	if hadConflict {
		merged.Version = maxVersion(local.Version, remote.Version) + 1
	}
	merged.UpdatedAt = maxTime(local.UpdatedAt, remote.UpdatedAt)

	return Outcome{Merged: merged, Resolutions: resolutions, HadConflict: hadConflict}, nil
}

// lastWriteWinner compares updated_at; strictly later wins. On an exact
// tie, the lexicographically lower device_id wins; an empty remote
// device_id, or equal ids, defaults to local (§4.5 step 3c).
func lastWriteWinner(local, remote *localstore.Record, localVal, remoteVal any) (Winner, any) {
	if remote.UpdatedAt.After(local.UpdatedAt) {
		return WinnerRemote, remoteVal
	}
	if local.UpdatedAt.After(remote.UpdatedAt) {
		return WinnerLocal, localVal
	}
	// Exact tie.
	if remote.DeviceID == "" || remote.DeviceID == local.DeviceID {
		return WinnerLocal, localVal
	}
	if remote.DeviceID < local.DeviceID {
		return WinnerRemote, remoteVal
	}
	return WinnerLocal, localVal
}

func hasPendingDelete(pending []opqueue.Operation) bool {
	for _, op := range pending {
		if op.Kind == opqueue.KindDelete {
			return true
		}
	}
	return false
}

func unionKeys(a, b *localstore.Record) []string {
	seen := map[string]bool{}
	var out []string
	for _, k := range a.Keys() {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for _, k := range b.Keys() {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int64:
		return true
	}
	return false
}

func maxVersion(a, b int64) int64 {
	// §9 open question: a missing/legacy _version is treated as 1 upstream
	// (remotestore/sqlstore), so both sides are already normalized by the
	// time they reach Merge.
	if a > b {
		return a
	}
	return b
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func setField(rec *localstore.Record, field string, value any) {
	switch field {
	case "id", "ownership_key", "created_at", "updated_at", "_version", "device_id":
		return // system fields outside the application projection are handled by the caller.
	default:
		if rec.Fields == nil {
			rec.Fields = map[string]any{}
		}
		rec.Fields[field] = value
	}
}

// record emits a resolution to conflict_history, best-effort: a write
// failure here never blocks the merge (§4.5 step 6).
func (r *Resolver) record(ctx context.Context, res Resolution) {
	if r.store == nil {
		return
	}
	_ = ctx
	err := r.store.Txn(func(tx *localstore.Tx) error {
		c, err := tx.Collection(localstore.HistoryBucket)
		if err != nil {
			return err
		}
		rec := &localstore.Record{
			ID:        res.EntityID + "\x00" + res.Table + "\x00" + res.Field + "\x00" + res.Timestamp.Format(time.RFC3339Nano),
			UpdatedAt: res.Timestamp,
			Fields: map[string]any{
				"table":          res.Table,
				"entity_id":      res.EntityID,
				"field":          res.Field,
				"local_value":    res.LocalValue,
				"remote_value":   res.RemoteValue,
				"resolved_value": res.ResolvedValue,
				"winner":         string(res.Winner),
				"strategy":       string(res.Strategy),
			},
		}
		return c.Put(rec)
	})
	if err != nil {
		r.logger.Warn("conflict history write failed", "entity_id", res.EntityID, "field", res.Field, "err", err)
	}
}
