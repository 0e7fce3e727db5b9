package diagnostics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/syncmesh/syncmesh/internal/resolve"
)

func fakeOutcome() resolve.Outcome {
	return resolve.Outcome{HadConflict: true}
}

func TestSubscribeReceivesCurrentAndSubsequentUpdates(t *testing.T) {
	s := New(2)
	var seen []Status
	s.Subscribe(func(st Status) { seen = append(seen, st) })
	require.Len(t, seen, 1)
	require.Equal(t, StateStopped, seen[0].State)

	s.SetState(StateRunning)
	require.Len(t, seen, 2)
	require.Equal(t, StateRunning, seen[1].State)
}

func TestConflictWindowEvictsOldest(t *testing.T) {
	s := New(2)
	for i := 0; i < 3; i++ {
		s.RecordConflict(fakeOutcome())
	}
	snap := s.Snapshot()
	require.Len(t, snap.RecentConflicts, 2)
}

func TestNoMutationReachesConsumersDirectly(t *testing.T) {
	s := New(0)
	snap := s.Snapshot()
	snap.PendingCount = 99 // mutating the returned copy must not affect Surface state
	require.Equal(t, 0, s.Snapshot().PendingCount)
}

func TestRecordPushAndPull(t *testing.T) {
	s := New(0)
	now := time.Now()
	s.RecordPush(now)
	s.RecordPull(now)
	snap := s.Snapshot()
	require.Equal(t, now, snap.LastSuccessfulPush)
	require.Equal(t, now, snap.LastPull)
}
