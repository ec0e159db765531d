package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinyrange/xtpc/internal/machine"
	"github.com/tinyrange/xtpc/internal/probe"
)

func newIdentifyCommand(opts *globalOptions) *cobra.Command {
	var (
		slave    bool
		asJSON   bool
		timeout  time.Duration
		readOnly bool
	)
	cmd := &cobra.Command{
		Use:   "identify [image]",
		Short: "Issue IDENTIFY DRIVE through the XTIDE port window and decode the result.",
		Long: "identify attaches the image (or the drives named in --config) to a machine " +
			"and reads the IDENTIFY DRIVE block the way the BIOS does.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.machineConfig()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Master = machine.DiskConfig{Path: args[0], ReadOnly: readOnly}
				cfg.Slave = machine.DiskConfig{}
			}
			m, err := machine.New(*cfg)
			if err != nil {
				return err
			}
			defer m.Close()

			drive := 0
			if slave {
				drive = 1
			}
			id, err := probe.Identify(m, drive, timeout)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(id)
			}
			fmt.Fprintf(out, "model:     %s\n", id.Model)
			fmt.Fprintf(out, "serial:    %s\n", id.Serial)
			fmt.Fprintf(out, "firmware:  %s\n", id.Firmware)
			fmt.Fprintf(out, "geometry:  %d/%d/%d\n", id.Geometry.Cylinders, id.Geometry.Heads, id.Geometry.SectorsPerTrack)
			fmt.Fprintf(out, "sectors:   %d\n", id.TotalSectors)
			fmt.Fprintf(out, "lba:       %t\n", id.LBA)
			fmt.Fprintf(out, "multiple:  %d\n", id.MultipleMax)
			return nil
		},
	}
	cmd.Flags().BoolVar(&slave, "slave", false, "identify the slave drive")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the decoded block as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "time to wait for the drive")
	cmd.Flags().BoolVar(&readOnly, "read-only", true, "open the image read-only")
	return cmd
}
