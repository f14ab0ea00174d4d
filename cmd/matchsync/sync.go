package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newSyncCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run a single sync",
		Long: `Fetch the match list and create calendar events for upcoming matches that
do not have one yet.

A match list that cannot be fetched is treated as empty: the calendar is left
unchanged and the command succeeds. The command fails if the calendar cannot be
found or if any event could not be created.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			reconciler, err := buildReconciler(ctx, cfg, opts, nil, isTerminal())
			if err != nil {
				return err
			}

			result, err := reconciler.Run(ctx)
			if err != nil {
				log.Printf("Sync failed: %v", err)
				return err
			}

			log.Printf("Sync completed successfully (%d matches, %d created).", result.Fetched, result.Created)
			return nil
		},
	}
}
