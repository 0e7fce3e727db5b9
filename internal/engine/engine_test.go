package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/syncmesh/syncmesh/internal/localstore"
	"github.com/syncmesh/syncmesh/internal/remotestore"
	"github.com/syncmesh/syncmesh/internal/syncconfig"
)

// fakeRemote is a minimal no-op remotestore.Store for engine tests that
// never exercise the push/pull cycle directly (that's syncengine's job);
// engine tests only need Init to accept a non-nil collaborator.
type fakeRemote struct{}

func (fakeRemote) GetByID(ctx context.Context, table, id string) (*localstore.Record, error) {
	return nil, nil
}
func (fakeRemote) GetByIndex(ctx context.Context, table, field, value string) ([]*localstore.Record, error) {
	return nil, nil
}
func (fakeRemote) GetUpdatedSince(ctx context.Context, table string, since time.Time, ownershipKey string) ([]*localstore.Record, error) {
	return nil, nil
}
func (fakeRemote) Insert(ctx context.Context, table string, rec *localstore.Record) error { return nil }
func (fakeRemote) Update(ctx context.Context, table string, rec *localstore.Record) error { return nil }
func (fakeRemote) SoftDelete(ctx context.Context, table, id, deviceID string, version int64, updatedAt time.Time) error {
	return nil
}

var _ remotestore.Store = fakeRemote{}

type fakeAuth struct{}

func (fakeAuth) IsAuthenticated() bool { return true }

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := syncconfig.Config{
		Tables: []syncconfig.TableConfig{{Name: "goals", IndexedFields: []string{"status"}}},
		Timing: syncconfig.Timing{
			PushDebounce: 10 * time.Millisecond, PullInterval: time.Hour,
			RemoteCallTimeout: time.Second, RetryCeiling: 5, CatchUpPullWindow: time.Minute,
		},
	}
	deps := Deps{
		RemoteStore:  fakeRemote{},
		Auth:         fakeAuth{},
		OwnershipKey: "acct-1",
		StorePath:    filepath.Join(t.TempDir(), "test.db"),
	}
	e, err := Init(context.Background(), cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestCreateWritesLocalAndEnqueuesOp(t *testing.T) {
	e := newTestEngine(t)
	rec, err := e.Create(context.Background(), "goals", map[string]any{"title": "ship it"})
	require.NoError(t, err)
	require.Equal(t, "ship it", rec.Fields["title"])
	require.Equal(t, int64(1), rec.Version)
	require.Equal(t, e.DeviceID(), rec.DeviceID)

	got, err := e.Get(context.Background(), "goals", rec.ID, false)
	require.NoError(t, err)
	require.Equal(t, "ship it", got.Fields["title"])

	count, err := e.queue.PendingCount()
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestCreateRejectsUnknownTable(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Create(context.Background(), "nope", map[string]any{"a": 1})
	require.Error(t, err)
}

func TestUpdateMergesFieldsAndEnqueuesSet(t *testing.T) {
	e := newTestEngine(t)
	rec, err := e.Create(context.Background(), "goals", map[string]any{"title": "draft", "status": "open"})
	require.NoError(t, err)

	updated, err := e.Update(context.Background(), "goals", rec.ID, map[string]any{"title": "final"})
	require.NoError(t, err)
	require.Equal(t, "final", updated.Fields["title"])
	require.Equal(t, "open", updated.Fields["status"])

	count, err := e.queue.PendingCount()
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestDeleteMarksDeletedAndEnqueues(t *testing.T) {
	e := newTestEngine(t)
	rec, err := e.Create(context.Background(), "goals", map[string]any{"title": "x"})
	require.NoError(t, err)

	require.NoError(t, e.Delete(context.Background(), "goals", rec.ID))

	got, err := e.Get(context.Background(), "goals", rec.ID, false)
	require.NoError(t, err)
	require.True(t, got.Deleted)
}

func TestIncrementAccumulatesDelta(t *testing.T) {
	e := newTestEngine(t)
	rec, err := e.Create(context.Background(), "goals", map[string]any{"count": 1.0})
	require.NoError(t, err)

	updated, err := e.Increment(context.Background(), "goals", rec.ID, "count", 5, nil)
	require.NoError(t, err)
	require.Equal(t, 6.0, updated.Fields["count"])

	updated, err = e.Increment(context.Background(), "goals", rec.ID, "count", -2, nil)
	require.NoError(t, err)
	require.Equal(t, 4.0, updated.Fields["count"])
}

func TestBatchWriteAppliesAllOpsAtomically(t *testing.T) {
	e := newTestEngine(t)
	ops := []BatchOp{
		{Table: "goals", ID: "b1", Kind: "create", Fields: map[string]any{"title": "a"}},
		{Table: "goals", ID: "b2", Kind: "create", Fields: map[string]any{"title": "b"}},
	}
	require.NoError(t, e.BatchWrite(context.Background(), ops))

	a, err := e.Get(context.Background(), "goals", "b1", false)
	require.NoError(t, err)
	require.Equal(t, "a", a.Fields["title"])

	count, err := e.queue.PendingCount()
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestQueryByIndexedField(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Create(context.Background(), "goals", map[string]any{"status": "open"})
	require.NoError(t, err)
	_, err = e.Create(context.Background(), "goals", map[string]any{"status": "closed"})
	require.NoError(t, err)

	got, err := e.Query(context.Background(), "goals", "device_id", e.DeviceID())
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestQueryByTableConfiguredIndexedField(t *testing.T) {
	e := newTestEngine(t)
	open, err := e.Create(context.Background(), "goals", map[string]any{"status": "open"})
	require.NoError(t, err)
	_, err = e.Create(context.Background(), "goals", map[string]any{"status": "closed"})
	require.NoError(t, err)

	got, err := e.Query(context.Background(), "goals", "status", "open")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, open.ID, got[0].ID)

	updated, err := e.Update(context.Background(), "goals", open.ID, map[string]any{"status": "closed"})
	require.NoError(t, err)
	require.Equal(t, "closed", updated.Fields["status"])

	stillOpen, err := e.Query(context.Background(), "goals", "status", "open")
	require.NoError(t, err)
	require.Len(t, stillOpen, 0)

	nowClosed, err := e.Query(context.Background(), "goals", "status", "closed")
	require.NoError(t, err)
	require.Len(t, nowClosed, 2)
}

func TestGetOrCreateReturnsExistingWithoutDuplicating(t *testing.T) {
	e := newTestEngine(t)
	first, err := e.GetOrCreate(context.Background(), "goals", "device_id", e.DeviceID(), map[string]any{"title": "seed"})
	require.NoError(t, err)

	second, err := e.GetOrCreate(context.Background(), "goals", "device_id", e.DeviceID(), map[string]any{"title": "seed-again"})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestGetAllReturnsLocalRecords(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Create(context.Background(), "goals", map[string]any{"title": "one"})
	require.NoError(t, err)
	_, err = e.Create(context.Background(), "goals", map[string]any{"title": "two"})
	require.NoError(t, err)

	all, err := e.GetAll(context.Background(), "goals", "", false)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestStartStopSyncRoundTrips(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.StartSync(context.Background()))
	require.NoError(t, e.StopSync(context.Background()))
}
