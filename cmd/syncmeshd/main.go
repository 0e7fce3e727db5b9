// Command syncmeshd is the long-running embedded sync daemon: it opens the
// local replica, connects to the remote store and NATS, and runs the sync
// coordinator until it receives SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/syncmesh/syncmesh/internal/diagnostics"
	"github.com/syncmesh/syncmesh/internal/engine"
	"github.com/syncmesh/syncmesh/internal/remotestore/sqlstore"
	"github.com/syncmesh/syncmesh/internal/syncconfig"
	"github.com/syncmesh/syncmesh/internal/telemetry"
)

// natsPublisher is a minimal publish-only JetStream connection used as the
// sqlstore outbox hook, independent of the engine's own consumer-side
// connection opened inside engine.Init.
type natsPublisher struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

func newNATSPublisher(url string) (*natsPublisher, error) {
	conn, err := nats.Connect(url, nats.MaxReconnects(-1), nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	return &natsPublisher{conn: conn, js: js}, nil
}

func (p *natsPublisher) Publish(subject string, data []byte) error {
	_, err := p.js.Publish(subject, data)
	return err
}

func (p *natsPublisher) Close() { p.conn.Close() }

// envAuthGate gates sync on the presence of an auth token, refreshed from
// the environment so a token revoked out-of-band halts sync on the next
// check without a daemon restart.
type envAuthGate struct {
	envVar string
}

func (g envAuthGate) IsAuthenticated() bool {
	return os.Getenv(g.envVar) != ""
}

func main() {
	var (
		tablesPath   = flag.String("tables", "tables.toml", "path to the table projection file")
		identityPath = flag.String("identity", "identity.yaml", "path to the connection identity file")
		storePath    = flag.String("store", "syncmesh.db", "path to the local replica database")
		ownershipKey = flag.String("ownership-key", "", "ownership key this daemon syncs (required)")
		authEnvVar   = flag.String("auth-env-var", "SYNCMESH_AUTH_TOKEN", "environment variable gating sync start")
		otlpEndpoint = flag.String("otlp-metrics-endpoint", "", "OTLP/HTTP endpoint for metrics (stdout exporter used when empty)")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if *ownershipKey == "" {
		logger.Error("missing required flag", "flag", "ownership-key")
		os.Exit(1)
	}

	shutdownTelemetry, err := telemetry.Setup(context.Background(), "syncmeshd", *otlpEndpoint)
	if err != nil {
		logger.Error("telemetry setup failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	cfg, err := syncconfig.Load(*tablesPath, *identityPath)
	if err != nil {
		logger.Error("load config failed", "err", err)
		os.Exit(1)
	}

	var publisher sqlstore.Publisher
	if cfg.NATSURL != "" {
		p, err := newNATSPublisher(cfg.NATSURL)
		if err != nil {
			logger.Error("connect publisher failed", "err", err)
			os.Exit(1)
		}
		defer p.Close()
		publisher = p
	}

	remote, err := sqlstore.Open(cfg.RemoteDSN, cfg.Tables, publisher, logger, cfg.Timing.RemoteCallTimeout*3)
	if err != nil {
		logger.Error("open remote store failed", "err", err)
		os.Exit(1)
	}
	defer remote.Close()

	eng, err := engine.Init(context.Background(), cfg, engine.Deps{
		RemoteStore:  remote,
		Auth:         envAuthGate{envVar: *authEnvVar},
		OwnershipKey: *ownershipKey,
		StorePath:    *storePath,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("engine init failed", "err", err)
		os.Exit(1)
	}
	defer eng.Close()

	eng.SubscribeStatus(func(st diagnostics.Status) {
		logger.Info("sync status", "state", st.State, "pending", st.PendingCount, "connected", st.Connected)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.StartSync(ctx); err != nil {
		logger.Error("start sync failed", "err", err)
		os.Exit(1)
	}
	logger.Info("syncmeshd started", "ownership_key", *ownershipKey, "device_id", eng.DeviceID())

	<-ctx.Done()
	logger.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.StopSync(stopCtx); err != nil {
		logger.Error("stop sync failed", "err", err)
	}
}
