// Package localstore provides typed, transactional access to the engine's
// embedded local replica: one collection per synced table plus the two
// engine-owned collections, operation_queue and conflict_history.
package localstore

import "time"

// Record is any row the engine replicates. System fields are indexed and
// stored natively; the application-defined projection lives in Fields.
type Record struct {
	ID           string         `json:"id"`
	OwnershipKey string         `json:"ownership_key"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Deleted      bool           `json:"deleted"`
	Version      int64          `json:"_version"`
	DeviceID     string         `json:"device_id"`
	Fields       map[string]any `json:"fields"`
}

// Clone returns a deep-enough copy of r safe to mutate independently.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Fields != nil {
		out.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = v
		}
	}
	return &out
}

// Get returns a field from the application-defined projection, including
// the special "deleted" pseudo-field used by the conflict resolver's
// union-of-keys loop.
func (r *Record) Get(field string) (any, bool) {
	switch field {
	case "id":
		return r.ID, true
	case "ownership_key":
		return r.OwnershipKey, true
	case "created_at":
		return r.CreatedAt, true
	case "updated_at":
		return r.UpdatedAt, true
	case "deleted":
		return r.Deleted, true
	case "_version":
		return r.Version, true
	case "device_id":
		return r.DeviceID, true
	}
	v, ok := r.Fields[field]
	return v, ok
}

// Keys returns the full set of field names present on the record, system
// fields included, for the conflict resolver's union(keys(local),
// keys(remote)) loop.
func (r *Record) Keys() []string {
	keys := make([]string, 0, len(r.Fields)+7)
	keys = append(keys, "id", "ownership_key", "created_at", "updated_at", "deleted", "_version", "device_id")
	for k := range r.Fields {
		keys = append(keys, k)
	}
	return keys
}
