package cmd

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/repository"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Bring the database schema up to date",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, store *repository.Store) error {
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			log.Info("database schema is up to date")
			return nil
		})
	},
}
