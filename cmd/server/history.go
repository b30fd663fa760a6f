package main

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/session-timer/backend/internal/durable"
)

func newHistoryCmd(flags *rootFlags) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print a user's completed sessions as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			db, err := durable.Open(cfg.Durable.Path, cfg.Durable.Timeout)
			if err != nil {
				return err
			}
			defer db.Close()

			recs, err := db.ListByUser(context.Background(), userID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(recs)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	return cmd
}
