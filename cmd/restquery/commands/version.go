package commands

import (
	"fmt"
	"runtime"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fivetwenty-io/restquery/internal/constants"
)

// VersionInfo describes the running binary.
type VersionInfo struct {
	Version   string `json:"version"    yaml:"version"`
	Commit    string `json:"commit"     yaml:"commit"`
	Built     string `json:"built"      yaml:"built"`
	GoVersion string `json:"go_version" yaml:"go_version"`
	UserAgent string `json:"user_agent" yaml:"user_agent"`
}

// NewVersionCommand creates the version command.
func NewVersionCommand(version, commit, date string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Display version information",
		Long:  "Display detailed version information about the restquery CLI",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := VersionInfo{
				Version:   version,
				Commit:    commit,
				Built:     date,
				GoVersion: runtime.Version(),
				UserAgent: constants.CLIUserAgent,
			}

			out := cmd.OutOrStdout()

			output := viper.GetString("output")
			switch output {
			case constants.FormatJSON, constants.FormatYAML:
				return renderValue(out, info, output)
			default:
				table := tablewriter.NewWriter(out)
				table.Header("Property", "Value")
				_ = table.Append("Version", info.Version)
				_ = table.Append("Commit", info.Commit)
				_ = table.Append("Built", info.Built)
				_ = table.Append("Go", info.GoVersion)
				_ = table.Append("User Agent", info.UserAgent)

				if err := table.Render(); err != nil {
					return fmt.Errorf("failed to render table: %w", err)
				}
			}

			return nil
		},
	}
}
