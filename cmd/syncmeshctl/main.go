// Command syncmeshctl is the operator CLI for a running device's local
// replica: inspect sync status, force an out-of-cycle push or pull, and
// reset device identity.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/syncmesh/syncmesh/internal/engine"
	"github.com/syncmesh/syncmesh/internal/remotestore/sqlstore"
	"github.com/syncmesh/syncmesh/internal/syncconfig"
)

var (
	tablesPath   string
	identityPath string
	storePath    string
	ownershipKey string
)

// alwaysAuthed is used for operator-CLI one-shot commands: the CLI never
// starts a long-running sync loop that needs auth-gated halting, so there
// is nothing to gate.
type alwaysAuthed struct{}

func (alwaysAuthed) IsAuthenticated() bool { return true }

func openEngine(ctx context.Context) (*engine.Engine, error) {
	cfg, err := syncconfig.Load(tablesPath, identityPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	remote, err := sqlstore.Open(cfg.RemoteDSN, cfg.Tables, nil, slog.Default(), cfg.Timing.RemoteCallTimeout*3)
	if err != nil {
		return nil, fmt.Errorf("open remote store: %w", err)
	}
	eng, err := engine.Init(ctx, cfg, engine.Deps{
		RemoteStore:  remote,
		Auth:         alwaysAuthed{},
		OwnershipKey: ownershipKey,
		StorePath:    storePath,
	})
	if err != nil {
		remote.Close()
		return nil, fmt.Errorf("init engine: %w", err)
	}
	return eng, nil
}

var rootCmd = &cobra.Command{
	Use:   "syncmeshctl",
	Short: "Operator CLI for a syncmesh device's local replica",
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current sync status as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.Close()

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(eng.Status())
	},
}

var forcePushCmd = &cobra.Command{
	Use:   "force-push",
	Short: "Start sync briefly and run one push cycle over the queued operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := syncconfig.Load(tablesPath, identityPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		if err := eng.StartSync(ctx); err != nil {
			return fmt.Errorf("start sync: %w", err)
		}
		eng.ForcePush()
		// Outlast the push debounce so the push is queued before StopSync.
		time.Sleep(cfg.Timing.PushDebounce + 500*time.Millisecond)
		return eng.StopSync(ctx)
	},
}

var forcePullWindow time.Duration

var forcePullCmd = &cobra.Command{
	Use:   "force-pull",
	Short: "Run an out-of-band catch-up pull covering the given window",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		if err := eng.StartSync(ctx); err != nil {
			return fmt.Errorf("start sync: %w", err)
		}
		if err := eng.ForcePull(ctx, forcePullWindow); err != nil {
			_ = eng.StopSync(ctx)
			return err
		}
		return eng.StopSync(ctx)
	},
}

var resetIdentityCmd = &cobra.Command{
	Use:   "reset-identity",
	Short: "Discard this installation's device id and generate a new one",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.Close()

		newID, err := eng.ResetIdentity()
		if err != nil {
			return err
		}
		fmt.Println(newID)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&tablesPath, "tables", "tables.toml", "path to the table projection file")
	rootCmd.PersistentFlags().StringVar(&identityPath, "identity", "identity.yaml", "path to the connection identity file")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "syncmesh.db", "path to the local replica database")
	rootCmd.PersistentFlags().StringVar(&ownershipKey, "ownership-key", "", "ownership key to operate on (required)")
	_ = rootCmd.MarkPersistentFlagRequired("ownership-key")

	forcePullCmd.Flags().DurationVar(&forcePullWindow, "window", time.Hour, "catch-up window to pull")

	rootCmd.AddCommand(statusCmd, forcePushCmd, forcePullCmd, resetIdentityCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
