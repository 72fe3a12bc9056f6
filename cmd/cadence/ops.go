package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"cadence/internal/admin"
	"cadence/internal/app"
	"cadence/internal/config"
)

type adminFlags struct {
	addr  string
	token string
}

func (f *adminFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", "", "admin address (default from config)")
	cmd.Flags().StringVar(&f.token, "token", "", "admin bearer token (default from config)")
}

// client resolves the admin address and token from flags, then the config.
func (f *adminFlags) client(g *globalFlags) (*admin.Client, error) {
	addr, token := f.addr, f.token
	if addr == "" || token == "" {
		cfg, err := config.NewManager(g.config).Load()
		if err != nil {
			return nil, err
		}
		if addr == "" {
			addr = cfg.Admin.Addr
		}
		if token == "" {
			token = cfg.Admin.Token
		}
	}
	if addr == "" {
		addr = admin.DefaultAddr
	}
	return admin.NewClient(addr, token), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func triggerCmd(g *globalFlags) *cobra.Command {
	f := &adminFlags{}
	command := &cobra.Command{
		Use:   "trigger <type> <id>",
		Short: "Run one task now through the running instance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.client(g)
			if err != nil {
				return err
			}
			out, err := c.Trigger(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	f.register(command)
	return command
}

func resetCmd(g *globalFlags) *cobra.Command {
	f := &adminFlags{}
	command := &cobra.Command{
		Use:   "reset <type> <id>",
		Short: "Return a task to active with a clean failure history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.client(g)
			if err != nil {
				return err
			}
			out, err := c.Reset(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	f.register(command)
	return command
}

func statusCmd(g *globalFlags) *cobra.Command {
	f := &adminFlags{}
	command := &cobra.Command{
		Use:   "status",
		Short: "Print the scheduler snapshot of the running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.client(g)
			if err != nil {
				return err
			}
			out, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	f.register(command)
	return command
}

func statsCmd(g *globalFlags) *cobra.Command {
	command := &cobra.Command{
		Use:   "stats",
		Short: "Inspect or repair persisted statistics",
	}
	command.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print cumulative statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := app.OpenStore(g.config)
			if err != nil {
				return err
			}
			defer st.Close()
			cs, err := st.Cumulative(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cs)
		},
	})
	command.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Recompute cumulative statistics from the event and execution logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, log, err := app.OpenStore(g.config)
			if err != nil {
				return err
			}
			defer st.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			start := time.Now()
			cs, err := st.RebuildCumulativeStats(ctx)
			if err != nil {
				return fmt.Errorf("rebuild: %w", err)
			}
			log.Info("cumulative stats rebuilt")
			fmt.Fprintf(os.Stderr, "rebuilt in %s\n", time.Since(start).Round(time.Millisecond))
			return printJSON(cs)
		},
	})
	return command
}
