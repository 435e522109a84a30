package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AgentTether/AgentTether/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ AgentTether Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway configuration status",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("📊 AgentTether Status")
		fmt.Printf("Version: %s\n", version)

		configPath, _ := config.ConfigPath()
		if _, err := os.Stat(configPath); err == nil {
			fmt.Println("Config:  ✓ Found (" + configPath + ")")
		} else {
			fmt.Println("Config:  ✗ Not found (defaults apply; run 'agenttether gateway' to create state)")
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Config:  ✗ Load error: %v\n", err)
			return
		}

		channelLine := func(name string, enabled bool) {
			if enabled {
				fmt.Printf("%s: ✓ Enabled\n", name)
			} else {
				fmt.Printf("%s: ✗ Disabled\n", name)
			}
		}
		channelLine("Telegram", cfg.Channels.Telegram.Enabled)
		channelLine("Slack   ", cfg.Channels.Slack.Enabled)
		channelLine("WhatsApp", cfg.Channels.WhatsApp.Enabled)

		if cfg.Channels.WhatsApp.Enabled {
			if _, err := os.Stat(cfg.WhatsAppStorePath()); err == nil {
				fmt.Println("WhatsApp Link: ✓ Session found (no QR needed)")
			} else {
				fmt.Println("WhatsApp Link: ✗ No session (QR written on first gateway start)")
			}
		}

		if cfg.Events.Kafka.Enabled {
			fmt.Printf("Kafka:   ✓ %s topic=%s\n", cfg.Events.Kafka.Brokers, cfg.Events.Kafka.Topic)
		} else {
			fmt.Println("Kafka:   ✗ Disabled")
		}
		if cfg.Audit.Enabled {
			fmt.Printf("Audit:   ✓ %s\n", cfg.AuditDBPath())
		} else {
			fmt.Println("Audit:   ✗ Disabled")
		}
	},
}
