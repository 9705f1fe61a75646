// Command dev_server runs a throwaway vectank server for local development:
// debug logging, the management API on port+1, a small default tank, and
// snapshots under a temporary directory unless --prefix is given.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vectank.org/vectank-server/cmd/server"
	"github.com/vectank.org/vectank-server/internal/config"
	"github.com/vectank.org/vectank-server/internal/logger"
)

func main() {
	var port, dim int
	var prefix string

	cmd := &cobra.Command{
		Use:          "dev_server",
		Short:        "Run a local development server",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(port, dim, prefix)
		},
	}
	cmd.Flags().IntVar(&port, "port", 4444, "listen port")
	cmd.Flags().IntVar(&dim, "dim", 8, "default tank dimension")
	cmd.Flags().StringVar(&prefix, "prefix", "", "snapshot prefix (default: temporary directory)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dev_server:", err)
		os.Exit(1)
	}
}

func run(port, dim int, prefix string) error {
	if prefix == "" {
		dir, err := os.MkdirTemp("", "vectank_dev")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		prefix = filepath.Join(dir, "snap")
	}

	cfg := config.Default()
	cfg.Debug = true
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = port
	cfg.Server.MaxConnections = 10
	cfg.Storage.Prefix = prefix
	cfg.DefaultTank.Dimension = dim
	cfg.Management.Host = "127.0.0.1"
	cfg.Management.Port = port + 1

	log, err := logger.NewConsole(true)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	log.Info("dev server",
		zap.Int("port", port),
		zap.Int("management_port", cfg.Management.Port),
		zap.String("secret", cfg.Server.Secret),
		zap.String("prefix", prefix))
	go srv.HandleSignals(ctx)
	return srv.Serve(ctx)
}
