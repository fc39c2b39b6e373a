package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tosproject/tosminer/internal/mining"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List detected compute devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := zap.NewNop()
		if verbose {
			var err error
			logger, err = zap.NewDevelopment()
			if err != nil {
				return err
			}
		}

		devices := mining.EnumerateDevices(logger)
		for _, d := range devices {
			mem := "-"
			if d.TotalMemory > 0 {
				mem = humanize.IBytes(d.TotalMemory)
			}
			units := "-"
			if d.ComputeUnits > 0 {
				units = fmt.Sprintf("%d", d.ComputeUnits)
			}
			fmt.Printf("[%d] %-4s %-50s mem=%-10s units=%s\n",
				d.Index, d.Kind, d.Name, mem, units)
		}
		if len(devices) == 0 {
			fmt.Println("no devices detected")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}
