package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/AgentTether/AgentTether/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"     _                    _  _____    _   _\n" +
		"    / \\   __ _  ___ _ __ | ||_   _|__| |_| |__   ___ _ __\n" +
		"   / _ \\ / _` |/ _ \\ '_ \\| __|| |/ _ \\ __| '_ \\ / _ \\ '__|\n" +
		"  / ___ \\ (_| |  __/ | | | |_ | |  __/ |_| | | |  __/ |\n" +
		" /_/   \\_\\__, |\\___|_| |_|\\__||_|\\___|\\__|_| |_|\\___|_|\n" +
		"         |___/\n"
)

var rootCmd = &cobra.Command{
	Use:   "agenttether",
	Short: "AgentTether - chat-supervised approval gateway",
	Long:  color.CyanString(logo) + "\nSupervise an autonomous agent from Telegram, Slack or WhatsApp.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func printHeader(title string) {
	fmt.Println(color.CyanString(logo))
	if title != "" {
		fmt.Println(title)
		fmt.Println("─────────────────────")
	}
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(threadsCmd)
	rootCmd.AddCommand(approvalsCmd)
	rootCmd.AddCommand(pairCmd)
}
