package localstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, []string{"goals"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	rec := &Record{ID: "A", OwnershipKey: "u1", UpdatedAt: time.Now(), Fields: map[string]any{"title": "x"}}

	err := s.Txn(func(tx *Tx) error {
		c, err := tx.Collection("goals")
		require.NoError(t, err)
		return c.Put(rec)
	})
	require.NoError(t, err)

	var got *Record
	err = s.View(func(tx *Tx) error {
		c, err := tx.Collection("goals")
		require.NoError(t, err)
		var gerr error
		got, gerr = c.Get("A")
		return gerr
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "x", got.Fields["title"])
}

func TestScanEqualUsesSecondaryIndex(t *testing.T) {
	s := openTestStore(t)
	err := s.Txn(func(tx *Tx) error {
		c, err := tx.Collection("goals")
		require.NoError(t, err)
		require.NoError(t, c.Put(&Record{ID: "A", OwnershipKey: "u1"}))
		require.NoError(t, c.Put(&Record{ID: "B", OwnershipKey: "u2"}))
		return nil
	})
	require.NoError(t, err)

	var found []*Record
	err = s.View(func(tx *Tx) error {
		c, err := tx.Collection("goals")
		require.NoError(t, err)
		var serr error
		found, serr = c.ScanEqual("ownership_key", "u1")
		return serr
	})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "A", found[0].ID)
}

func TestMultiCollectionTransactionIsAtomic(t *testing.T) {
	s := openTestStore(t)
	err := s.Txn(func(tx *Tx) error {
		goals, err := tx.Collection("goals")
		require.NoError(t, err)
		queue, err := tx.Collection(QueueBucket)
		require.NoError(t, err)
		if err := goals.Put(&Record{ID: "A"}); err != nil {
			return err
		}
		return queue.RawPut(SeqKey(1), []byte("op"))
	})
	require.NoError(t, err)

	err = s.View(func(tx *Tx) error {
		goals, err := tx.Collection("goals")
		require.NoError(t, err)
		rec, err := goals.Get("A")
		require.NoError(t, err)
		require.NotNil(t, rec)
		queue, err := tx.Collection(QueueBucket)
		require.NoError(t, err)
		require.Equal(t, []byte("op"), queue.RawGet(SeqKey(1)))
		return nil
	})
	require.NoError(t, err)
}

func TestCollectionIndexedMaintainsExtraFields(t *testing.T) {
	s := openTestStore(t)
	err := s.Txn(func(tx *Tx) error {
		c, err := tx.CollectionIndexed("goals", []string{"status"})
		require.NoError(t, err)
		require.NoError(t, c.Put(&Record{ID: "A", Fields: map[string]any{"status": "open"}}))
		require.NoError(t, c.Put(&Record{ID: "B", Fields: map[string]any{"status": "closed"}}))
		return nil
	})
	require.NoError(t, err)

	var found []*Record
	err = s.View(func(tx *Tx) error {
		c, err := tx.CollectionIndexed("goals", []string{"status"})
		require.NoError(t, err)
		var serr error
		found, serr = c.ScanEqual("status", "open")
		return serr
	})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "A", found[0].ID)

	err = s.Txn(func(tx *Tx) error {
		c, err := tx.CollectionIndexed("goals", []string{"status"})
		require.NoError(t, err)
		_, err = c.Update("A", func(r *Record) { r.Fields["status"] = "closed" })
		return err
	})
	require.NoError(t, err)

	err = s.View(func(tx *Tx) error {
		c, err := tx.CollectionIndexed("goals", []string{"status"})
		require.NoError(t, err)
		var serr error
		found, serr = c.ScanEqual("status", "open")
		return serr
	})
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestDeleteRemovesIndexEntries(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Txn(func(tx *Tx) error {
		c, err := tx.Collection("goals")
		require.NoError(t, err)
		return c.Put(&Record{ID: "A", OwnershipKey: "u1"})
	}))
	require.NoError(t, s.Txn(func(tx *Tx) error {
		c, err := tx.Collection("goals")
		require.NoError(t, err)
		return c.Delete("A")
	}))

	var found []*Record
	err := s.View(func(tx *Tx) error {
		c, err := tx.Collection("goals")
		require.NoError(t, err)
		var serr error
		found, serr = c.ScanEqual("ownership_key", "u1")
		return serr
	})
	require.NoError(t, err)
	require.Empty(t, found)
}
