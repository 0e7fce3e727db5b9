// Package identity generates and persists the stable per-installation
// device identifier used as conflict tiebreak and echo tag (C1).
package identity

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/syncmesh/syncmesh/internal/localstore"
)

// Placeholder is returned when the engine runs without local storage.
// Callers must treat it as "identity unknown" and never use it for
// write-side decisions (echo suppression, tiebreak).
const Placeholder = "unknown-device"

const systemKey = "device_id"

// Device owns the installation's device identifier.
type Device struct {
	store  *localstore.Store
	id     string
	logger *slog.Logger
}

// Open loads the persisted device id from store, generating and persisting
// a new UUID v4 on first run. store may be nil, in which case ID always
// returns Placeholder.
func Open(store *localstore.Store, logger *slog.Logger) (*Device, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Device{store: store, logger: logger}
	if store == nil {
		d.id = Placeholder
		return d, nil
	}

	var id string
	err := store.Txn(func(tx *localstore.Tx) error {
		sys, err := tx.Collection(localstore.SystemBucket)
		if err != nil {
			return err
		}
		if existing := sys.RawGet([]byte(systemKey)); existing != nil {
			id = string(existing)
			return nil
		}
		id = uuid.NewString()
		return sys.RawPut([]byte(systemKey), []byte(id))
	})
	if err != nil {
		return nil, err
	}
	if d.id == "" {
		d.logger.Info("device identity established", "device_id", id)
	}
	d.id = id
	return d, nil
}

// ID returns the cached device identifier.
func (d *Device) ID() string {
	return d.id
}

// Reset discards the persisted device id and generates a new one. Used by
// the operator CLI's reset-identity command when a device's id has been
// cloned (e.g. restoring a local store from another installation's backup).
func (d *Device) Reset() (string, error) {
	if d.store == nil {
		return Placeholder, nil
	}
	newID := uuid.NewString()
	err := d.store.Txn(func(tx *localstore.Tx) error {
		sys, err := tx.Collection(localstore.SystemBucket)
		if err != nil {
			return err
		}
		return sys.RawPut([]byte(systemKey), []byte(newID))
	})
	if err != nil {
		return "", err
	}
	d.logger.Info("device identity reset", "old_device_id", d.id, "new_device_id", newID)
	d.id = newID
	return newID, nil
}
