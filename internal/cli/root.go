package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/chatgate/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"       _           _              _\n" +
		"   ___| |__   __ _| |_ __ _  __ _| |_ ___\n" +
		"  / __| '_ \\ / _` | __/ _` |/ _` | __/ _ \\\n" +
		" | (__| | | | (_| | || (_| | (_| | ||  __/\n" +
		"  \\___|_| |_|\\__,_|\\__\\__, |\\__,_|\\__\\___|\n" +
		"                      |___/\n"
)

var rootCmd = &cobra.Command{
	Use:          "chatgate",
	Short:        "chatgate - group chat bot gateway",
	Long:         color.CyanString(logo) + "\nPer-chat feature toggles, concurrent handler dispatch and an audit log for chat bots.",
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "chatgate %s\n", version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(featuresCmd)
	rootCmd.AddCommand(auditCmd)
}
