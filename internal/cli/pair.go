package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/AgentTether/AgentTether/internal/config"
	"github.com/AgentTether/AgentTether/internal/pairing"
)

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Manage supervisor pairing",
}

var pairCodeCmd = &cobra.Command{
	Use:   "code",
	Short: "Show the active pairing code",
	Run: func(cmd *cobra.Command, args []string) {
		store := openPairing()
		fmt.Printf("Pairing code: %s\n", color.GreenString(store.Code()))
	},
}

var pairListCmd = &cobra.Command{
	Use:   "list",
	Short: "List paired user ids",
	Run: func(cmd *cobra.Command, args []string) {
		store := openPairing()
		users := store.PairedUsers()
		if len(users) == 0 {
			fmt.Println("No paired users.")
			return
		}
		for _, id := range users {
			fmt.Println(id)
		}
	},
}

var pairRevokeCmd = &cobra.Command{
	Use:   "revoke <user-id>",
	Short: "Revoke a paired user",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		userID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fmt.Printf("Invalid user id %q\n", args[0])
			os.Exit(1)
		}
		store := openPairing()
		if err := store.Unpair(userID); err != nil {
			fmt.Printf("Revoke failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Revoked %d\n", userID)
	},
}

func openPairing() *pairing.Store {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		os.Exit(1)
	}
	store, err := pairing.LoadOrCreate(cfg.PairingFile(), cfg.Pairing.Code)
	if err != nil {
		fmt.Printf("Pairing error: %v\n", err)
		os.Exit(1)
	}
	return store
}

func init() {
	pairCmd.AddCommand(pairCodeCmd)
	pairCmd.AddCommand(pairListCmd)
	pairCmd.AddCommand(pairRevokeCmd)
}
