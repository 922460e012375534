package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/kolkov/confine"
)

var configFormat string

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long:  `Print the configuration confine runs with after merging defaults, the config file, CONFINE_* variables and flags.`,
	RunE:  runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.Flags().StringVar(&configFormat, "format", "table", "output format: table or toml")
}

func runConfig(_ *cobra.Command, _ []string) error {
	cfg := confine.CurrentConfig()

	switch configFormat {
	case "toml":
		if err := toml.NewEncoder(os.Stdout).Encode(cfg); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		return nil
	case "table":
	default:
		return fmt.Errorf("unknown format %q (want table or toml)", configFormat)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Key", "Value")
	table.Append([]string{"log_level", cfg.LogLevel})
	table.Append([]string{"abnormal_exit", string(cfg.AbnormalExit)})
	table.Append([]string{"sweep_interval", cfg.SweepInterval.String()})
	table.Append([]string{"report", strconv.FormatBool(cfg.Report)})
	table.Append([]string{"capture_stacks", strconv.FormatBool(cfg.CaptureStacks)})
	table.Append([]string{"registry_backend", confine.GetInfo().Backend})
	table.Render()
	return nil
}
