package daemon

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/childguard/daemon/internal/config"
	"github.com/childguard/daemon/pkg/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Store.Path = dir + "/test.db"
	cfg.Store.GraphPath = dir + "/graph"
	cfg.Store.ArchivePath = dir + "/archive"
	cfg.Store.KDFMemoryKiB = 8 * 1024
	cfg.Store.KDFIterations = 1
	cfg.Store.KDFParallelism = 1
	cfg.IPC.SocketPath = dir + "/childguard.sock"
	cfg.Admin.ListenAddr = "127.0.0.1:0"
	cfg.Admin.JWTSecret = "test-secret"
	cfg.Metrics.Enabled = false
	return cfg
}

func TestDaemon_RunAndStop(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	d, err := daemonNew(ctx, cfg, t)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go func() { errCh <- d.Run(runCtx) }()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", cfg.IPC.SocketPath)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond, "ipc socket never became available")

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("daemon did not shut down after context cancellation")
	}
}

func TestDaemon_StopTriggersShutdown(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	d, err := daemonNew(ctx, cfg, t)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", cfg.IPC.SocketPath)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	d.Stop()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("daemon did not shut down after Stop")
	}
}

func daemonNew(ctx context.Context, cfg *config.Config, t *testing.T) (*Daemon, error) {
	t.Helper()
	return New(ctx, cfg, "test-passphrase", logger.Nop())
}
