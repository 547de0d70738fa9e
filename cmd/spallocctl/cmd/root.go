package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/SpiNNakerManchester/spalloc-server/internal/common"
	"github.com/SpiNNakerManchester/spalloc-server/internal/common/database"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/configuration"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/repository"
)

// rootCmd is the root command; sub-commands register themselves in init.
var rootCmd = &cobra.Command{
	Use:          "spallocctl",
	Short:        "spallocctl administers a spalloc board allocation server.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "",
		"Fully qualified path to application configuration file")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withStore loads the server configuration, connects to the database and
// hands a live store to the action. The pool is closed when action returns.
func withStore(cmd *cobra.Command, action func(ctx context.Context, store *repository.Store) error) error {
	var config configuration.SpallocConfig
	override, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	common.LoadConfig(&config, "./config/spalloc", override)

	pool, err := database.OpenPgxPool(config.Postgres)
	if err != nil {
		return err
	}
	defer pool.Close()
	return action(cmd.Context(), repository.NewStore(pool, config.Postgres))
}
