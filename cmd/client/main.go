package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vectank.org/vectank-server/internal/client"
	"github.com/vectank.org/vectank-server/internal/config"
)

func main() {
	var addr, secret string
	var commands []string

	cmd := &cobra.Command{
		Use:          "vectank-client",
		Short:        "Interactive vectank shell",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("VECTANK_SECRET")
			}
			if secret == "" {
				secret = config.DefaultSecret
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			c, err := client.Dial(ctx, addr, secret)
			cancel()
			if err != nil {
				return err
			}
			defer c.Close()

			repl := client.NewREPL(c, cmd.InOrStdin(), cmd.OutOrStdout(), len(commands) == 0)
			if len(commands) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Connected to %s. Type help for commands, quit to exit.\n", addr)
				return repl.Run(cmd.Context())
			}
			for _, line := range commands {
				quit, err := repl.Exec(cmd.Context(), line)
				if err != nil {
					return fmt.Errorf("%s: %w", line, err)
				}
				if quit {
					break
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", fmt.Sprintf("localhost:%d", config.DefaultPort), "server address")
	cmd.Flags().StringVarP(&secret, "secret", "s", "", "shared secret (default $VECTANK_SECRET)")
	cmd.Flags().StringArrayVarP(&commands, "exec", "e", nil, "run a command instead of the shell (repeatable)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
