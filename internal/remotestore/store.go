// Package remotestore defines the narrow remote-store contract the engine
// consumes (§6.2). C6 and C7 depend only on this interface, keeping the
// actual transport client to the remote store out of scope per §1 — the
// one concrete adapter lives in remotestore/sqlstore.
package remotestore

import (
	"context"
	"time"

	"github.com/syncmesh/syncmesh/internal/localstore"
)

// ChangeOp identifies the kind of change a realtime event describes.
type ChangeOp string

const (
	ChangeInsert ChangeOp = "insert"
	ChangeUpdate ChangeOp = "update"
	ChangeDelete ChangeOp = "delete"
)

// Change is one {table, op, row} realtime event (§4.7).
type Change struct {
	Table string
	Op    ChangeOp
	Row   *localstore.Record
}

// Store is the contract every synced table's remote target must satisfy:
// select by primary key, select by indexed field, select with
// updated-since filter, insert, update by primary key, and soft-delete.
type Store interface {
	// GetByID selects a single row by primary key. Returns (nil, nil) on miss.
	GetByID(ctx context.Context, table, id string) (*localstore.Record, error)
	// GetByIndex selects every row where field equals value.
	GetByIndex(ctx context.Context, table, field, value string) ([]*localstore.Record, error)
	// GetUpdatedSince selects every row updated strictly after the high-watermark.
	GetUpdatedSince(ctx context.Context, table string, since time.Time, ownershipKey string) ([]*localstore.Record, error)
	// Insert inserts rec, including its system fields (device_id, _version).
	Insert(ctx context.Context, table string, rec *localstore.Record) error
	// Update updates rec by primary key, including its system fields.
	Update(ctx context.Context, table string, rec *localstore.Record) error
	// SoftDelete sets deleted=true for id.
	SoftDelete(ctx context.Context, table, id string, deviceID string, version int64, updatedAt time.Time) error
}
