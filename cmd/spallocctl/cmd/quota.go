package cmd

import (
	"context"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/repository"
)

func init() {
	rootCmd.AddCommand(setQuotaCmd)
}

var setQuotaCmd = &cobra.Command{
	Use:   "set-quota owner machine board-seconds",
	Short: "Set an owner's board-second balance on a machine",
	Long: `Sets the remaining board-second quota of an owner on one machine.
Owners without a quota entry are unlimited; setting a balance makes further
job admissions subject to it.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, machineName := args[0], args[1]
		balance, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return err
		}
		return withStore(cmd, func(ctx context.Context, store *repository.Store) error {
			machine, err := store.GetMachine(ctx, machineName)
			if err != nil {
				return err
			}
			if err := store.SetQuota(ctx, owner, machine.ID, balance); err != nil {
				return err
			}
			log.Infof("quota for %s on %s set to %d board-seconds", owner, machineName, balance)
			return nil
		})
	},
}
