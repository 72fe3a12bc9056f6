package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cadence/internal/app"
	"cadence/pkg/systemd"
)

func runCmd(g *globalFlags) *cobra.Command {
	var stopTimeout time.Duration
	command := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(g.config)
			if err != nil {
				return err
			}
			log := a.Logger()
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), "start failed")
				return err
			}
			systemd.Ready(log)
			systemd.Status(log, "scheduler "+string(a.Scheduler().State()))
			go systemd.Watchdog(ctx, log, a.Store().Ping)

			reason := "signal"
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = "fatal error"
			}
			systemd.Stopping(log)

			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			stopErr := a.Stop(stopCtx, reason)
			return errors.Join(a.Err(), stopErr)
		},
	}
	command.Flags().DurationVar(&stopTimeout, "stop-timeout", time.Minute, "upper bound for graceful shutdown")
	return command
}
