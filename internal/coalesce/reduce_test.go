package coalesce

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/syncmesh/syncmesh/internal/opqueue"
)

func op(seq uint64, kind opqueue.Kind, field string, value any) opqueue.Operation {
	return opqueue.Operation{
		SeqNo:      seq,
		Table:      "goals",
		EntityID:   "A",
		Kind:       kind,
		Field:      field,
		Value:      value,
		EnqueuedAt: time.Unix(int64(seq), 0),
	}
}

func resultingOps(plan Plan) []opqueue.Operation {
	return plan.Keep
}

// S1 - offline create+delete cancels.
func TestReduceCreateThenDeleteCancels(t *testing.T) {
	ops := []opqueue.Operation{
		op(1, opqueue.KindCreate, "", map[string]any{"title": "x"}),
		op(2, opqueue.KindDelete, "", nil),
	}
	plan := Reduce(ops)
	require.Empty(t, resultingOps(plan))
	require.ElementsMatch(t, []uint64{1, 2}, plan.Discard)
}

// S2 - increment coalescing with a zero-sum result prunes entirely.
func TestReduceZeroSumIncrementsPruned(t *testing.T) {
	ops := []opqueue.Operation{
		op(1, opqueue.KindIncrement, "score", 3.0),
		op(2, opqueue.KindIncrement, "score", 5.0),
		op(3, opqueue.KindIncrement, "score", -8.0),
	}
	plan := Reduce(ops)
	require.Empty(t, resultingOps(plan))
	require.ElementsMatch(t, []uint64{1, 2, 3}, plan.Discard)
}

// S3 - set after increment with an intervening create folds to one create.
func TestReduceSetAfterIncrementWithCreate(t *testing.T) {
	ops := []opqueue.Operation{
		op(1, opqueue.KindCreate, "", map[string]any{"score": 0.0}),
		op(2, opqueue.KindIncrement, "score", 5.0),
		op(3, opqueue.KindSet, "score", 100.0),
		op(4, opqueue.KindIncrement, "score", 1.0),
	}
	plan := Reduce(ops)
	require.Len(t, resultingOps(plan), 1)
	kept := resultingOps(plan)[0]
	require.Equal(t, opqueue.KindCreate, kept.Kind)
	require.Equal(t, 101.0, kept.Value.(map[string]any)["score"])
}

func TestReduceDeleteDiscardsPrecedingSetsAndIncrements(t *testing.T) {
	ops := []opqueue.Operation{
		op(1, opqueue.KindSet, "title", "a"),
		op(2, opqueue.KindIncrement, "score", 2.0),
		op(3, opqueue.KindDelete, "", nil),
	}
	plan := Reduce(ops)
	require.Len(t, resultingOps(plan), 1)
	require.Equal(t, opqueue.KindDelete, resultingOps(plan)[0].Kind)
	require.ElementsMatch(t, []uint64{1, 2}, plan.Discard)
}

func TestReduceMultipleSetsMergeIntoOldestWholeObject(t *testing.T) {
	ops := []opqueue.Operation{
		op(1, opqueue.KindSet, "title", "a"),
		op(2, opqueue.KindSet, "notes", "b"),
	}
	plan := Reduce(ops)
	require.Len(t, resultingOps(plan), 1)
	kept := resultingOps(plan)[0]
	require.Equal(t, uint64(1), kept.SeqNo)
	require.Empty(t, kept.Field)
	m := kept.Value.(map[string]any)
	require.Equal(t, "a", m["title"])
	require.Equal(t, "b", m["notes"])
}

func TestReduceIsIdempotent(t *testing.T) {
	ops := []opqueue.Operation{
		op(1, opqueue.KindSet, "title", "a"),
		op(2, opqueue.KindIncrement, "score", 3.0),
	}
	first := Reduce(ops)
	second := Reduce(first.Keep)
	require.Empty(t, second.Discard)
	require.ElementsMatch(t, first.Keep, second.Keep)
}

func TestReduceFieldLevelDropsStaleIncrementsBeforeLastSet(t *testing.T) {
	ops := []opqueue.Operation{
		op(1, opqueue.KindIncrement, "score", 5.0),
		op(2, opqueue.KindSet, "score", 10.0),
		op(3, opqueue.KindIncrement, "score", 2.0),
	}
	plan := Reduce(ops)
	require.Len(t, resultingOps(plan), 1)
	kept := resultingOps(plan)[0]
	require.Equal(t, opqueue.KindSet, kept.Kind)
	require.Equal(t, 12.0, kept.Value)
	require.Contains(t, plan.Discard, uint64(1))
}
