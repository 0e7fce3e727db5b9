// Package sqlstore is the concrete remotestore.Store adapter over
// database/sql, matching this codebase's own choice of a Dolt-over-MySQL-
// wire-protocol remote target: github.com/go-sql-driver/mysql for server
// mode, github.com/dolthub/driver for an embedded Dolt target, selected by
// the DSN scheme ("dolt://" vs a bare MySQL DSN). Each call builds its SQL
// text from the table configuration's column projection.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/dolthub/driver"
	_ "github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/syncmesh/syncmesh/internal/localstore"
	"github.com/syncmesh/syncmesh/internal/syncconfig"
	"github.com/syncmesh/syncmesh/internal/syncerr"
)

var sqlTracer = otel.Tracer("syncmesh/remotestore/sqlstore")

type sqlMetrics struct {
	retryCount metric.Int64Counter
}

func newSQLMetrics() sqlMetrics {
	m := otel.Meter("syncmesh/remotestore/sqlstore")
	retryCount, _ := m.Int64Counter("syncmesh.remotestore.retry_count",
		metric.WithDescription("remote-store operations retried due to transient errors"),
		metric.WithUnit("{retry}"))
	return sqlMetrics{retryCount: retryCount}
}

// Publisher is the outbox hook: every successful mutation publishes a
// change notification alongside its own retry-wrapped call, rather than via
// a separate CDC poller. The concrete implementation lives in
// internal/realtime, over NATS JetStream.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Store implements remotestore.Store over database/sql.
type Store struct {
	db        *sql.DB
	tables    map[string]syncconfig.TableConfig
	publisher Publisher
	logger    *slog.Logger
	metrics   sqlMetrics
	maxElapsed time.Duration
}

// Open opens dsn (dolt://<path> selects the embedded Dolt driver; anything
// else is treated as a go-sql-driver/mysql DSN) and records the table
// configurations; a maxElapsed of zero or less becomes 30s.
func Open(dsn string, tables []syncconfig.TableConfig, publisher Publisher, logger *slog.Logger, maxElapsed time.Duration) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	driverName, connStr := "mysql", dsn
	if strings.HasPrefix(dsn, "dolt://") {
		driverName, connStr = "dolt", strings.TrimPrefix(dsn, "dolt://")
	}
	db, err := sql.Open(driverName, connStr)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driverName, err)
	}

	byName := make(map[string]syncconfig.TableConfig, len(tables))
	for _, t := range tables {
		byName[t.Name] = t
	}
	if maxElapsed <= 0 {
		maxElapsed = 30 * time.Second
	}
	return &Store{db: db, tables: byName, publisher: publisher, logger: logger, metrics: newSQLMetrics(), maxElapsed: maxElapsed}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) newBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = s.maxElapsed
	return bo
}

// isRetryableError mirrors this codebase's own transient-error classifier
// for server-mode SQL connections (stale pool connections, brief network
// blips, mid-query disconnects).
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	for _, substr := range []string{
		"driver: bad connection", "invalid connection", "broken pipe",
		"connection reset", "connection refused", "lost connection",
		"gone away", "i/o timeout", "unknown database",
	} {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

func (s *Store) withRetry(ctx context.Context, spanName string, op func(context.Context) error) error {
	ctx, span := sqlTracer.Start(ctx, spanName)
	defer span.End()

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !isRetryableError(err) {
			return backoff.Permanent(syncerr.Validation(err))
		}
		s.metrics.retryCount.Add(ctx, 1, metric.WithAttributes(attribute.String("op", spanName)))
		return err
	}, backoff.WithContext(s.newBackoff(), ctx))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if isRetryableError(err) {
			return syncerr.Transient(err)
		}
		return err
	}
	return nil
}

func (s *Store) projection(table string) []string {
	if tc, ok := s.tables[table]; ok && len(tc.Columns) > 0 {
		return tc.Columns
	}
	return nil
}

// scanRowInto decodes one scanned row's values into rec. The application
// projection columns are decoded into Fields; system columns map to their
// typed struct fields. A NULL/absent _version is treated as 1 (§9 open
// question).
func scanRowInto(rec *localstore.Record, cols []string, values []any) error {
	rec.Fields = map[string]any{}
	for i, col := range cols {
		v := derefScanned(values[i])
		switch col {
		case "id":
			rec.ID = toStr(v)
		case "ownership_key":
			rec.OwnershipKey = toStr(v)
		case "created_at":
			rec.CreatedAt = toTime(v)
		case "updated_at":
			rec.UpdatedAt = toTime(v)
		case "deleted":
			rec.Deleted = toBool(v)
		case "_version":
			if v == nil {
				rec.Version = 1
			} else {
				rec.Version = toInt64(v)
			}
		case "device_id":
			rec.DeviceID = toStr(v)
		default:
			rec.Fields[col] = v
		}
	}
	return nil
}

// GetByID selects a single row by primary key.
func (s *Store) GetByID(ctx context.Context, table, id string) (*localstore.Record, error) {
	cols := append([]string{"id", "ownership_key", "created_at", "updated_at", "deleted", "_version", "device_id"}, s.projection(table)...)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", strings.Join(cols, ", "), table)

	var rec *localstore.Record
	err := s.withRetry(ctx, "GetByID", func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx, query, id)
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := row.Scan(ptrs...); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return err
		}
		rec = &localstore.Record{}
		return scanRowInto(rec, cols, values)
	})
	return rec, err
}

// GetByIndex selects every row where field equals value.
func (s *Store) GetByIndex(ctx context.Context, table, field, value string) ([]*localstore.Record, error) {
	cols := append([]string{"id", "ownership_key", "created_at", "updated_at", "deleted", "_version", "device_id"}, s.projection(table)...)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", strings.Join(cols, ", "), table, field)

	var out []*localstore.Record
	err := s.withRetry(ctx, "GetByIndex", func(ctx context.Context) error {
		out = nil
		rows, err := s.db.QueryContext(ctx, query, value)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			values := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return err
			}
			rec := &localstore.Record{}
			if err := scanRowInto(rec, cols, values); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	return out, err
}

// GetUpdatedSince selects every row for ownershipKey updated strictly after since.
func (s *Store) GetUpdatedSince(ctx context.Context, table string, since time.Time, ownershipKey string) ([]*localstore.Record, error) {
	cols := append([]string{"id", "ownership_key", "created_at", "updated_at", "deleted", "_version", "device_id"}, s.projection(table)...)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE ownership_key = ? AND updated_at > ?", strings.Join(cols, ", "), table)

	var out []*localstore.Record
	err := s.withRetry(ctx, "GetUpdatedSince", func(ctx context.Context) error {
		out = nil
		rows, err := s.db.QueryContext(ctx, query, ownershipKey, since)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			values := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return err
			}
			rec := &localstore.Record{}
			if err := scanRowInto(rec, cols, values); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	return out, err
}

// Insert inserts rec and publishes a CDC change notification alongside the
// same retry-wrapped call (outbox-style).
func (s *Store) Insert(ctx context.Context, table string, rec *localstore.Record) error {
	cols := append([]string{"id", "ownership_key", "created_at", "updated_at", "deleted", "_version", "device_id"}, s.projection(table)...)
	placeholders := strings.TrimRight(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), placeholders)

	return s.withRetry(ctx, "Insert", func(ctx context.Context) error {
		args := argsFor(rec, cols)
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return err
		}
		s.publish(table, remoteChangeInsert, rec)
		return nil
	})
}

// Update updates rec by primary key and publishes a CDC change notification.
func (s *Store) Update(ctx context.Context, table string, rec *localstore.Record) error {
	cols := append([]string{"ownership_key", "created_at", "updated_at", "deleted", "_version", "device_id"}, s.projection(table)...)
	var setClauses []string
	for _, c := range cols {
		setClauses = append(setClauses, c+" = ?")
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, strings.Join(setClauses, ", "))

	return s.withRetry(ctx, "Update", func(ctx context.Context) error {
		args := argsFor(rec, cols)
		args = append(args, rec.ID)
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return err
		}
		s.publish(table, remoteChangeUpdate, rec)
		return nil
	})
}

// SoftDelete sets deleted=true for id and publishes a CDC change notification.
func (s *Store) SoftDelete(ctx context.Context, table, id, deviceID string, version int64, updatedAt time.Time) error {
	query := fmt.Sprintf("UPDATE %s SET deleted = 1, updated_at = ?, _version = ?, device_id = ? WHERE id = ?", table)
	return s.withRetry(ctx, "SoftDelete", func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, query, updatedAt, version, deviceID, id); err != nil {
			return err
		}
		s.publish(table, remoteChangeDelete, &localstore.Record{ID: id, Deleted: true, DeviceID: deviceID, Version: version, UpdatedAt: updatedAt})
		return nil
	})
}

type remoteChangeOp string

const (
	remoteChangeInsert remoteChangeOp = "insert"
	remoteChangeUpdate remoteChangeOp = "update"
	remoteChangeDelete remoteChangeOp = "delete"
)

// publish is best-effort: a CDC publish failure never fails the mutation
// that already committed.
func (s *Store) publish(table string, op remoteChangeOp, rec *localstore.Record) {
	if s.publisher == nil {
		return
	}
	payload := struct {
		Table string             `json:"table"`
		Op    remoteChangeOp     `json:"op"`
		Row   *localstore.Record `json:"row"`
	}{Table: table, Op: op, Row: rec}
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("sqlstore: marshal change event failed", "table", table, "err", err)
		return
	}
	subject := fmt.Sprintf("changes.%s.%s", rec.OwnershipKey, table)
	if err := s.publisher.Publish(subject, data); err != nil {
		s.logger.Warn("sqlstore: publish change event failed", "subject", subject, "err", err)
	}
}

func argsFor(rec *localstore.Record, cols []string) []any {
	args := make([]any, 0, len(cols))
	for _, c := range cols {
		switch c {
		case "id":
			args = append(args, rec.ID)
		case "ownership_key":
			args = append(args, rec.OwnershipKey)
		case "created_at":
			args = append(args, rec.CreatedAt)
		case "updated_at":
			args = append(args, rec.UpdatedAt)
		case "deleted":
			args = append(args, rec.Deleted)
		case "_version":
			args = append(args, rec.Version)
		case "device_id":
			args = append(args, rec.DeviceID)
		default:
			args = append(args, rec.Fields[c])
		}
	}
	return args
}

func derefScanned(v any) any {
	if p, ok := v.(*any); ok {
		return *p
	}
	return v
}

func toStr(v any) string {
	if v == nil {
		return ""
	}
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprint(v)
}

func toBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case int64:
		return b != 0
	}
	return false
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func toTime(v any) time.Time {
	if t, ok := v.(time.Time); ok {
		return t
	}
	return time.Time{}
}
