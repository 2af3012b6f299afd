// Command childguardd is the parental-control enforcement daemon: it
// ingests attributed activity, evaluates it against a compiled policy,
// and drives window-manager, session-lock and notification enforcement
// over a local Unix-socket Decision/Admin API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/childguard/daemon/internal/config"
	"github.com/childguard/daemon/internal/daemon"
	"github.com/childguard/daemon/internal/errs"
	"github.com/childguard/daemon/internal/store"
	"github.com/childguard/daemon/pkg/logger"
)

// Build information, set by the release process.
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "childguardd",
		Short: "Enforcement daemon for the childguard parental-control framework",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (YAML)")

	root.AddCommand(runCmd(), migrateCmd(), integrityCheckCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the daemon and block until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}

			passphrase := os.Getenv("CHILDGUARD_STORE_PASSPHRASE")

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			d, err := daemon.New(ctx, cfg, passphrase, log)
			if err != nil {
				return err
			}
			log.Info("childguardd starting", "version", version, "git_commit", gitCommit)
			return d.Run(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending store migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			// store.Open runs every pending embedded migration before
			// returning, so opening and immediately closing is the full
			// migration operation.
			st, err := openStore(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()
			log.Info("migrations applied")
			return nil
		},
	}
}

func integrityCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "integrity-check",
		Short: "Verify the store opens, decrypts and responds to a ping",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Ping(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("childguardd %s (build %s, commit %s)\n", version, buildTime, gitCommit)
			return nil
		},
	}
}

func bootstrap() (*config.Config, logger.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log := logger.New("childguardd", cfg.Logging.Level, cfg.Logging.Format, os.Stdout)
	return cfg, log, nil
}

func openStore(ctx context.Context, cfg *config.Config, log logger.Logger) (*store.Store, error) {
	return store.Open(ctx, cfg.Store, os.Getenv("CHILDGUARD_STORE_PASSPHRASE"), log)
}

// exitCodeFor maps a returned error to the process exit code: 2
// config-invalid, 3 store-unavailable/corrupt/schema-mismatch, 4
// incompatible-protocol, 5 enforce-failed, 1 for anything else.
func exitCodeFor(err error) int {
	switch errs.CodeOf(err) {
	case errs.CodeConfigInvalid:
		return 2
	case errs.CodeStoreUnavailable, errs.CodeStoreCorrupt, errs.CodeSchemaMismatch:
		return 3
	case errs.CodeIncompatibleProtocol:
		return 4
	case errs.CodeEnforceFailed:
		return 5
	default:
		return 1
	}
}
