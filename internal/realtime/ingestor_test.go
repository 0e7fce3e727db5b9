package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/syncmesh/syncmesh/internal/localstore"
	"github.com/syncmesh/syncmesh/internal/remotestore"
)

func TestDecodeChangeRoundTrips(t *testing.T) {
	rec := localstore.Record{ID: "e1", OwnershipKey: "acct-1", DeviceID: "dev-a", Version: 3, UpdatedAt: time.Unix(100, 0).UTC()}
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	rawMsg := json.RawMessage(raw)

	evt := wireEvent{Table: "tasks", Op: remotestore.ChangeUpdate, Row: &rawMsg}
	change, err := decodeChange(evt)
	require.NoError(t, err)
	require.Equal(t, "tasks", change.Table)
	require.Equal(t, remotestore.ChangeUpdate, change.Op)
	require.Equal(t, "dev-a", change.Row.DeviceID)
	require.Equal(t, int64(3), change.Row.Version)
}

func TestDecodeChangeMissingRowErrors(t *testing.T) {
	_, err := decodeChange(wireEvent{Table: "tasks", Op: remotestore.ChangeInsert})
	require.Error(t, err)
}
