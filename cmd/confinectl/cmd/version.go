package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kolkov/confine"
)

var requireVersion string

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		info := confine.GetInfo()
		fmt.Fprintf(cmd.OutOrStdout(), "confinectl version %s (%s registry, %s)\n", info.Version, info.Backend, info.GoVersion)

		if requireVersion != "" && !confine.Compatible(requireVersion) {
			return fmt.Errorf("confine %s does not satisfy %s", info.Version, requireVersion)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().StringVar(&requireVersion, "require", "", "fail unless the library is compatible with this version")
}
