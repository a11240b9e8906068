package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"serialbot/internal/app"
	"serialbot/internal/plugin/builtin/serial"
)

func newRunCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the Telegram bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := app.NewApp(cfgPath, version)
			if err != nil {
				return err
			}
			if err := a.Plugins().Register(serial.New(serial.WithVersion(version))); err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer stopCancel()
				_ = a.Stop(stopCtx)
				return fmt.Errorf("start: %w", err)
			}

			select {
			case <-ctx.Done():
			case <-a.Done():
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer stopCancel()
			_ = a.Stop(stopCtx)
			return a.Err()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to the config file (yaml or json)")
	return cmd
}
