// Package realtime consumes remote change notifications and routes them to
// C5 or applies them directly (C7, §4.7). The ingestor's reconnect-forever
// client setup is lifted from this codebase's external-NATS client helper
// used for standalone-NATS mode, and its decode-classify-route dispatch
// loop mirrors this codebase's event-bus priority dispatch, narrowed from a
// registered-handler-list fan-out to the three-branch routing rule below.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/syncmesh/syncmesh/internal/localstore"
	"github.com/syncmesh/syncmesh/internal/remotestore"
)

// Router is the subset of the sync coordinator C7 depends on: echo
// suppression needs the device id, pending-entity routing needs the queue,
// and both need a place to hand merge decisions and apply results to.
type Router interface {
	DeviceID() string
	PendingEntityIDs() (map[string]bool, error)
	ApplyRemoteChange(ctx context.Context, change remotestore.Change) error
	CatchUpPull(ctx context.Context, window time.Duration) error
}

// Ingestor is a durable NATS JetStream push subscription over one per-
// ownership-key subject, changes.<ownership_key>.>.
type Ingestor struct {
	conn           *nats.Conn
	js             nats.JetStreamContext
	sub            *nats.Subscription
	ownershipKey   string
	router         Router
	catchUpWindow  time.Duration
	logger         *slog.Logger
}

// Connect dials natsURL with a reconnect-forever policy (nats.MaxReconnects(-1),
// nats.ReconnectWait(2*time.Second)), matching the standalone-NATS client
// setup used elsewhere in this codebase.
func Connect(natsURL string, router Router, ownershipKey string, catchUpWindow time.Duration, logger *slog.Logger) (*Ingestor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ing := &Ingestor{router: router, ownershipKey: ownershipKey, catchUpWindow: catchUpWindow, logger: logger}

	conn, err := nats.Connect(natsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("realtime: disconnected from NATS", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("realtime: reconnected to NATS, running catch-up pull before re-subscribing")
			ing.catchUpAndResubscribe()
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("realtime: connect %s: %w", natsURL, err)
	}
	ing.conn = conn

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("realtime: jetstream context: %w", err)
	}
	ing.js = js
	return ing, nil
}

// Publish implements sqlstore.Publisher so the same connection used for
// ingestion can also serve as the outbox publisher in single-process
// deployments.
func (ing *Ingestor) Publish(subject string, data []byte) error {
	_, err := ing.js.Publish(subject, data)
	return err
}

// Subscribe starts the durable subscription for this device's ownership
// key and begins dispatching events.
func (ing *Ingestor) Subscribe(ctx context.Context) error {
	subject := fmt.Sprintf("changes.%s.>", ing.ownershipKey)
	sub, err := ing.js.Subscribe(subject, func(msg *nats.Msg) {
		ing.handle(ctx, msg)
	}, nats.Durable("syncmesh-"+ing.ownershipKey), nats.ManualAck())
	if err != nil {
		return fmt.Errorf("realtime: subscribe %s: %w", subject, err)
	}
	ing.sub = sub
	return nil
}

// Close unsubscribes and closes the connection.
func (ing *Ingestor) Close() error {
	if ing.sub != nil {
		_ = ing.sub.Unsubscribe()
	}
	ing.conn.Close()
	return nil
}

func (ing *Ingestor) catchUpAndResubscribe() {
	ctx, cancel := context.WithTimeout(context.Background(), ing.catchUpWindow+5*time.Second)
	defer cancel()
	if err := ing.router.CatchUpPull(ctx, ing.catchUpWindow); err != nil {
		ing.logger.Error("realtime: catch-up pull failed", "err", err)
	}
	if ing.sub != nil {
		if err := ing.Subscribe(ctx); err != nil {
			ing.logger.Error("realtime: re-subscribe failed", "err", err)
		}
	}
}

// wireEvent is the {table, op, row} shape published by sqlstore.
type wireEvent struct {
	Table string                `json:"table"`
	Op    remotestore.ChangeOp  `json:"op"`
	Row   *json.RawMessage      `json:"row"`
}

func (ing *Ingestor) handle(ctx context.Context, msg *nats.Msg) {
	defer func() { _ = msg.Ack() }()

	var evt wireEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		ing.logger.Error("realtime: decode event failed", "err", err)
		return
	}
	change, err := decodeChange(evt)
	if err != nil {
		ing.logger.Error("realtime: decode row failed", "table", evt.Table, "err", err)
		return
	}

	// 1. Echo suppression.
	if change.Row.DeviceID == ing.router.DeviceID() {
		return
	}

	// 2/3. Route to C5 if pending ops exist for this entity, or apply
	// directly otherwise (ApplyRemoteChange makes that "strictly older"
	// comparison internally against the local copy).
	if err := ing.router.ApplyRemoteChange(ctx, change); err != nil {
		ing.logger.Error("realtime: apply remote change failed", "table", change.Table, "id", change.Row.ID, "err", err)
	}
}

func decodeChange(evt wireEvent) (remotestore.Change, error) {
	change := remotestore.Change{Table: evt.Table, Op: evt.Op}
	if evt.Row == nil {
		return change, fmt.Errorf("realtime: event for table %s missing row", evt.Table)
	}
	var rec localstore.Record
	if err := json.Unmarshal(*evt.Row, &rec); err != nil {
		return change, err
	}
	change.Row = &rec
	return change, nil
}
