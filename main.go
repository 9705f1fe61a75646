/*
vectank - In-memory vector similarity store with snapshot persistence.
Copyright (C) 2025 Podcopic Labs

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vectank.org/vectank-server/cmd/server"
	"github.com/vectank.org/vectank-server/internal/auth"
	"github.com/vectank.org/vectank-server/internal/client"
	"github.com/vectank.org/vectank-server/internal/config"
	"github.com/vectank.org/vectank-server/internal/logger"
)

// Version and BuildTime will be injected at build time via ldflags
var (
	Version   = "unknown"
	BuildTime = "unknown"
)

const (
	green = "\033[32m"
	blue  = "\033[34m"
	red   = "\033[31m"
	cyan  = "\033[36m"
	reset = "\033[0m"
)

const defaultConfigPath = "vectank.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%sError:%s %v\n", red, reset, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vectank",
		Short:         "In-memory vector similarity store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newStopCmd(),
		newConnectCmd(),
		newManagerCmd(),
		newHashSecretCmd(),
		newVersionCmd(),
	)
	return root
}

type serveOptions struct {
	configPath     string
	host           string
	port           int
	secret         string
	prefix         string
	maxConnections int
	managementPort int
	autosave       time.Duration
	debug          bool
	pidFile        string
}

func newServeCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server in the foreground",
		Long: `Run the vectank server in the foreground.

Settings come from the YAML config file; flags override it. SIGINT and
SIGTERM stop the server after a final snapshot, SIGUSR1 takes a snapshot
immediately.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "config file")
	f.StringVar(&opts.host, "host", "", "listen host")
	f.IntVarP(&opts.port, "port", "p", config.DefaultPort, "listen port")
	f.StringVar(&opts.secret, "secret", "", "shared connection secret")
	f.StringVar(&opts.prefix, "prefix", config.DefaultPrefix, "snapshot path prefix")
	f.IntVar(&opts.maxConnections, "max-connections", config.DefaultMaxConnections, "maximum concurrent connections")
	f.IntVar(&opts.managementPort, "management-port", 0, "management HTTP port (0 disables)")
	f.DurationVar(&opts.autosave, "autosave", 0, "autosave interval (0 disables)")
	f.BoolVar(&opts.debug, "debug", false, "debug logging")
	f.StringVar(&opts.pidFile, "pid-file", "", "write the process id to this file")
	return cmd
}

func runServe(cmd *cobra.Command, opts serveOptions) error {
	cfg, err := config.LoadOrDefault(opts.configPath, cmd.Flags().Changed("config"))
	if err != nil {
		return err
	}
	applyServeFlags(cmd, cfg, opts)

	log, err := logger.New(cfg.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}
	if opts.pidFile != "" {
		if err := os.WriteFile(opts.pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer os.Remove(opts.pidFile)
	}

	printStartupBanner(cmd.OutOrStdout(), srv)
	go srv.HandleSignals(ctx)
	if err := srv.Serve(ctx); err != nil {
		log.Error("server stopped with error", zap.Error(err))
		return err
	}
	return nil
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config, opts serveOptions) {
	f := cmd.Flags()
	if f.Changed("host") {
		cfg.Server.Host = opts.host
	}
	if f.Changed("port") {
		cfg.Server.Port = opts.port
	}
	if f.Changed("secret") {
		cfg.Server.Secret = opts.secret
		cfg.Server.SecretHash = ""
	}
	if f.Changed("prefix") {
		cfg.Storage.Prefix = opts.prefix
	}
	if f.Changed("max-connections") {
		cfg.Server.MaxConnections = opts.maxConnections
	}
	if f.Changed("management-port") {
		cfg.Management.Port = opts.managementPort
	}
	if f.Changed("autosave") {
		cfg.Storage.AutosaveInterval = opts.autosave
	}
	if f.Changed("debug") {
		cfg.Debug = opts.debug
	}
}

func printStartupBanner(w io.Writer, srv *server.Server) {
	fmt.Fprintln(w, green+`
                 _              _
 __   _____  ___| |_ __ _ _ __ | | __
 \ \ / / _ \/ __| __/ _' | '_ \| |/ /
  \ V /  __/ (__| || (_| | | | |   <
   \_/ \___|\___|\__\__,_|_| |_|_|\_\
`+cyan+`In-memory vector similarity store`+reset)
	fmt.Fprintf(w, "%sVersion:%s %s\n", blue, reset, Version)
	fmt.Fprintf(w, "%sListen :%s %s\n", blue, reset, srv.Addr())
}

func newStopCmd() *cobra.Command {
	var pidFile string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a server started with --pid-file; it saves before exiting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(pidFile)
			if err != nil {
				return fmt.Errorf("read pid file: %w", err)
			}
			pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
			if err != nil {
				return fmt.Errorf("invalid pid file %s: %w", pidFile, err)
			}
			proc, err := os.FindProcess(pid)
			if err != nil {
				return err
			}
			if err := proc.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("signal process %d: %w", pid, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%svectank stopping (PID: %d).%s\n", green, pid, reset)
			return nil
		},
	}
	cmd.Flags().StringVar(&pidFile, "pid-file", "vectank.pid", "pid file written by serve")
	return cmd
}

func newConnectCmd() *cobra.Command {
	var secret string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "connect [addr]",
		Short: "Open an interactive shell on a running server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := fmt.Sprintf("localhost:%d", config.DefaultPort)
			if len(args) == 1 {
				addr = args[0]
			}
			if secret == "" {
				secret = os.Getenv("VECTANK_SECRET")
			}
			if secret == "" {
				secret = config.DefaultSecret
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			c, err := client.Dial(ctx, addr, secret)
			cancel()
			if err != nil {
				return err
			}
			defer c.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "%sConnected to %s.%s Type help for commands.\n", green, addr, reset)
			return client.NewREPL(c, cmd.InOrStdin(), cmd.OutOrStdout(), true).Run(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&secret, "secret", "s", "", "shared secret (default $VECTANK_SECRET)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "connect timeout")
	return cmd
}

func newManagerCmd() *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "manager <health|stats|system|tanks|save|limit [n]>",
		Short: "Query or adjust a running server through its management API",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			base := strings.TrimRight(baseURL, "/")
			var method, path string
			var body any
			switch args[0] {
			case "health", "stats", "system", "tanks":
				method, path = http.MethodGet, "/"+args[0]
			case "save":
				method, path = http.MethodPost, "/save"
			case "limit":
				method, path = http.MethodGet, "/limit"
				if len(args) == 2 {
					n, err := strconv.Atoi(args[1])
					if err != nil || n <= 0 {
						return fmt.Errorf("invalid limit %q: must be a positive integer", args[1])
					}
					method, body = http.MethodPut, map[string]int{"limit": n}
				}
			default:
				return fmt.Errorf("unknown manager command %q", args[0])
			}
			return managerRequest(cmd.Context(), cmd.OutOrStdout(), method, base+path, body)
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:50001", "management API base URL")
	return cmd
}

func managerRequest(ctx context.Context, out io.Writer, method, url string, body any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("management API unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		data = pretty.Bytes()
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return errors.New(strings.TrimSpace(string(data)))
	}
	fmt.Fprintln(out, strings.TrimSpace(string(data)))
	return nil
}

func newHashSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret <secret>",
		Short: "Print a bcrypt hash for server.secret_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashSecret(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "vectank version %s\n", Version)
			fmt.Fprintf(w, "Build time: %s\n", BuildTime)
			fmt.Fprintf(w, "Copyright (C) 2025 Podcopic Labs\n")
			fmt.Fprintf(w, "License: GNU Affero General Public License v3.0\n")
		},
	}
}
