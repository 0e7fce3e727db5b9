package resolve

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/syncmesh/syncmesh/internal/localstore"
	"github.com/syncmesh/syncmesh/internal/opqueue"
	"github.com/syncmesh/syncmesh/internal/syncconfig"
)

func newResolver() *Resolver {
	return New(nil, []syncconfig.TableConfig{{Name: "goals"}}, nil)
}

// S4 - tie-break by device id: lower remote id wins.
func TestMergeTieBreakByDeviceID(t *testing.T) {
	ts := time.Now()
	local := &localstore.Record{ID: "X", UpdatedAt: ts, DeviceID: "bbb", Fields: map[string]any{"title": "L"}}
	remote := &localstore.Record{ID: "X", UpdatedAt: ts, DeviceID: "aaa", Fields: map[string]any{"title": "R"}}

	out, err := newResolver().Merge(context.Background(), "goals", "X", local, remote, nil)
	require.NoError(t, err)
	require.Equal(t, "R", out.Merged.Fields["title"])
	require.True(t, out.HadConflict)
	require.Len(t, out.Resolutions, 1)
	require.Equal(t, WinnerRemote, out.Resolutions[0].Winner)
	require.Equal(t, int64(1), out.Merged.Version)
}

// S5 - pending local set preserves user intent over a newer remote write.
func TestMergeLocalPendingPreservesIntent(t *testing.T) {
	t2 := time.Now().Add(-time.Minute)
	t3 := time.Now()
	local := &localstore.Record{ID: "X", UpdatedAt: t2, Fields: map[string]any{"title": "user-typed"}}
	remote := &localstore.Record{ID: "X", UpdatedAt: t3, Fields: map[string]any{"title": "server-value"}}
	pending := []opqueue.Operation{{Table: "goals", EntityID: "X", Kind: opqueue.KindSet, Field: "title", Value: "user-typed"}}

	out, err := newResolver().Merge(context.Background(), "goals", "X", local, remote, pending)
	require.NoError(t, err)
	require.Equal(t, "user-typed", out.Merged.Fields["title"])
	require.Equal(t, StrategyLocalPending, out.Resolutions[0].Strategy)
}

// S6 - remote delete wins over local edits; no per-field resolution emitted.
func TestMergeRemoteDeleteWinsOverLocalEdits(t *testing.T) {
	local := &localstore.Record{ID: "X", Deleted: false, Fields: map[string]any{"title": "edited"}}
	remote := &localstore.Record{ID: "X", Deleted: true, UpdatedAt: time.Now(), Fields: map[string]any{"title": "edited"}}
	pending := []opqueue.Operation{{Table: "goals", EntityID: "X", Kind: opqueue.KindSet, Field: "title", Value: "edited"}}

	out, err := newResolver().Merge(context.Background(), "goals", "X", local, remote, pending)
	require.NoError(t, err)
	require.True(t, out.Merged.Deleted)
	require.Len(t, out.Resolutions, 1)
	require.Equal(t, "deleted", out.Resolutions[0].Field)
	require.Equal(t, StrategyDeleteWins, out.Resolutions[0].Strategy)
}

func TestMergeLocalAbsentReturnsRemoteUnchanged(t *testing.T) {
	remote := &localstore.Record{ID: "X", Fields: map[string]any{"title": "R"}}
	out, err := newResolver().Merge(context.Background(), "goals", "X", nil, remote, nil)
	require.NoError(t, err)
	require.Same(t, remote, out.Merged)
	require.False(t, out.HadConflict)
	require.Empty(t, out.Resolutions)
}

func TestMergeDeepEqualFieldsProduceNoResolution(t *testing.T) {
	ts := time.Now()
	local := &localstore.Record{ID: "X", UpdatedAt: ts, Fields: map[string]any{"title": "same"}}
	remote := &localstore.Record{ID: "X", UpdatedAt: ts, Fields: map[string]any{"title": "same"}}
	out, err := newResolver().Merge(context.Background(), "goals", "X", local, remote, nil)
	require.NoError(t, err)
	require.Empty(t, out.Resolutions)
	require.False(t, out.HadConflict)
	require.Equal(t, local.Version, out.Merged.Version)
}

func TestMergeLocalPendingDeleteBeatsRemoteNotDeleted(t *testing.T) {
	local := &localstore.Record{ID: "X", Deleted: false}
	remote := &localstore.Record{ID: "X", Deleted: false, UpdatedAt: time.Now()}
	pending := []opqueue.Operation{{Table: "goals", EntityID: "X", Kind: opqueue.KindDelete}}

	out, err := newResolver().Merge(context.Background(), "goals", "X", local, remote, pending)
	require.NoError(t, err)
	require.True(t, out.Merged.Deleted)
	require.Equal(t, WinnerLocal, out.Resolutions[0].Winner)
	require.Equal(t, StrategyLocalPending, out.Resolutions[0].Strategy)
}
