package cmd

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/bootstrap"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/repository"
)

func init() {
	rootCmd.AddCommand(addMachineCmd)
	rootCmd.AddCommand(listMachinesCmd)
}

var addMachineCmd = &cobra.Command{
	Use:   "add-machine description.json",
	Short: "Load a machine description file into the fleet",
	Long: `Reads a machine description file naming the triad grid, the physical
position and network address of every board, and any boards dead on arrival,
then stores the machine so the allocation engine can place jobs on it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		machine, err := bootstrap.LoadFile(args[0])
		if err != nil {
			return err
		}
		return withStore(cmd, func(ctx context.Context, store *repository.Store) error {
			if err := store.InsertMachine(ctx, machine); err != nil {
				return err
			}
			log.Infof("machine %s loaded with %d boards", machine.Name, len(machine.Boards))
			return nil
		})
	},
}

var listMachinesCmd = &cobra.Command{
	Use:   "list-machines",
	Short: "Show the machines of the fleet and their board availability",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, store *repository.Store) error {
			machines, err := store.ListMachines(ctx)
			if err != nil {
				return err
			}
			counts, err := store.BoardCounts(ctx)
			if err != nil {
				return err
			}
			countsByName := map[string]repository.MachineBoardCounts{}
			for _, c := range counts {
				countsByName[c.MachineName] = c
			}
			for _, m := range machines {
				c := countsByName[m.Name]
				state := "in service"
				if !m.InService {
					state = "out of service"
				}
				fmt.Fprintf(cmd.OutOrStdout(),
					"%s\t%dx%d\t%d boards (%d allocated, %d dead)\t%s\t%s\n",
					m.Name, m.Width, m.Height, c.Total, c.Allocated, c.Dead,
					state, strings.Join(m.Tags, ","))
			}
			return nil
		})
	},
}
