package sqlstore

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/syncmesh/syncmesh/internal/localstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIsRetryableError(t *testing.T) {
	require.True(t, isRetryableError(errString("driver: bad connection")))
	require.True(t, isRetryableError(errString("dial tcp: connection refused")))
	require.True(t, isRetryableError(errString("Error 2006: MySQL server has gone away")))
	require.False(t, isRetryableError(errString("Error 1062: Duplicate entry")))
	require.False(t, isRetryableError(nil))
}

type errString string

func (e errString) Error() string { return string(e) }

func TestArgsForOrdersColumnsAndFields(t *testing.T) {
	now := time.Now()
	rec := &localstore.Record{
		ID: "A", OwnershipKey: "acct-1", CreatedAt: now, UpdatedAt: now,
		Deleted: false, Version: 3, DeviceID: "dev-1",
		Fields: map[string]any{"title": "ship it"},
	}
	args := argsFor(rec, []string{"id", "ownership_key", "_version", "device_id", "title"})
	require.Equal(t, []any{"A", "acct-1", int64(3), "dev-1", "ship it"}, args)
}

func TestScanRowIntoSplitsSystemAndApplicationFields(t *testing.T) {
	cols := []string{"id", "ownership_key", "created_at", "updated_at", "deleted", "_version", "device_id", "title", "status"}
	now := time.Now()
	values := []any{"A", "acct-1", now, now, true, int64(4), "dev-2", "ship it", "open"}

	var rec localstore.Record
	require.NoError(t, scanRowInto(&rec, cols, values))

	require.Equal(t, "A", rec.ID)
	require.Equal(t, "acct-1", rec.OwnershipKey)
	require.True(t, rec.Deleted)
	require.Equal(t, int64(4), rec.Version)
	require.Equal(t, "dev-2", rec.DeviceID)
	require.Equal(t, "ship it", rec.Fields["title"])
	require.Equal(t, "open", rec.Fields["status"])
}

func TestScanRowIntoDefaultsMissingVersionToOne(t *testing.T) {
	cols := []string{"id", "_version"}
	values := []any{"A", nil}

	var rec localstore.Record
	require.NoError(t, scanRowInto(&rec, cols, values))
	require.Equal(t, int64(1), rec.Version)
}

func TestDerefScanned(t *testing.T) {
	var v any = "hello"
	require.Equal(t, "hello", derefScanned(&v))
	require.Equal(t, 5, derefScanned(5))
}

func TestToStrToBoolToIntToTime(t *testing.T) {
	require.Equal(t, "", toStr(nil))
	require.Equal(t, "abc", toStr([]byte("abc")))
	require.Equal(t, "7", toStr(7))

	require.True(t, toBool(true))
	require.True(t, toBool(int64(1)))
	require.False(t, toBool(int64(0)))
	require.False(t, toBool("not a bool"))

	require.Equal(t, int64(9), toInt64(int64(9)))
	require.Equal(t, int64(9), toInt64(9))
	require.Equal(t, int64(9), toInt64(9.0))

	now := time.Now()
	require.Equal(t, now, toTime(now))
	require.True(t, toTime("not a time").IsZero())
}

func TestOpenAcceptsBothDSNSchemesAndDefaultsMaxElapsed(t *testing.T) {
	s, err := Open("dolt://file:test?mode=memory", nil, nil, nil, time.Second)
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, time.Second, s.maxElapsed)

	s2, err := Open("user:pass@tcp(127.0.0.1:3306)/db", nil, nil, nil, 0)
	require.NoError(t, err)
	defer s2.Close()
	require.Equal(t, 30*time.Second, s2.maxElapsed)
}

type fakePublisher struct {
	subjects []string
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.subjects = append(f.subjects, subject)
	return nil
}

func TestPublishSkippedWhenNoPublisherConfigured(t *testing.T) {
	s := &Store{logger: discardLogger()}
	require.NotPanics(t, func() {
		s.publish("goals", remoteChangeInsert, &localstore.Record{ID: "A", OwnershipKey: "acct-1"})
	})
}

func TestPublishSendsOwnershipScopedSubject(t *testing.T) {
	pub := &fakePublisher{}
	s := &Store{publisher: pub, logger: discardLogger()}
	s.publish("goals", remoteChangeInsert, &localstore.Record{ID: "A", OwnershipKey: "acct-1"})
	require.Equal(t, []string{"changes.acct-1.goals"}, pub.subjects)
}
