package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/babelcloud/avmerge/internal/util"
	"github.com/babelcloud/avmerge/internal/version"
)

// RootOptions are flags shared by every command.
type RootOptions struct {
	ConfigFile string
	Verbose    bool
}

var rootOpts = &RootOptions{}

var rootCmd = &cobra.Command{
	Use:   "avmerge",
	Short: "Record live audio/video inputs into one file",
	Long: `avmerge captures one or two live inputs, composes their video side by side
(or crops/passes through a single input), merges and pans their audio, and
writes the result to a fragmented MP4 or WebM file.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		util.InitLogger(cmd.ErrOrStderr(), rootOpts.Verbose)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flag("version").Changed {
			fmt.Fprintf(cmd.OutOrStdout(), "avmerge version %s\n", version.Current())
			return nil
		}
		return cmd.Help()
	},
}

// Execute runs the command line.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().Bool("version", false, "Print version information and exit")

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&rootOpts.ConfigFile, "config", "c", "", "Config file (default: config.yaml in ., $XDG_CONFIG_HOME/avmerge or /etc/avmerge)")
	flags.BoolVarP(&rootOpts.Verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(NewRecordCommand())
	rootCmd.AddCommand(NewDevicesCommand())
	rootCmd.AddCommand(NewVersionCommand())
}
