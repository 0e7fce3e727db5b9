package localstore

import "errors"

// ErrNotFound is returned by Update when the target record does not exist.
var ErrNotFound = errors.New("localstore: not found")

// ErrTxAborted wraps any error returned from a Txn closure; per §4.2 a
// transaction abort surfaces as a retryable error.
var ErrTxAborted = errors.New("localstore: transaction aborted")
