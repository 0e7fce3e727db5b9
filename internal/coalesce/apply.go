package coalesce

import (
	"github.com/syncmesh/syncmesh/internal/localstore"
	"github.com/syncmesh/syncmesh/internal/opqueue"
)

// Apply persists plan inside tx (step 7): every kept operation is written
// back under its original SeqNo, and every discarded SeqNo is removed. The
// caller (C6, immediately before a push) runs this inside one transaction,
// so the whole plan is persisted or none of it is.
func Apply(tx *localstore.Tx, queue *opqueue.Queue, plan Plan) error {
	for _, op := range plan.Keep {
		if err := queue.Replace(tx, op); err != nil {
			return err
		}
	}
	for _, seq := range plan.Discard {
		if err := queue.Ack(tx, seq); err != nil {
			return err
		}
	}
	return nil
}
