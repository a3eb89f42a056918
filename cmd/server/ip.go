package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raakeshmj/gatewarden/internal/server"
)

var ipFlags struct {
	reason string
	ttl    string
}

var ipCmd = &cobra.Command{
	Use:   "ip",
	Short: "Manage IP bans",
}

var ipBlockCmd = &cobra.Command{
	Use:   "block <ip>",
	Short: "Ban an IP; without --ttl the ban is permanent",
	Args:  cobra.ExactArgs(1),
	RunE:  runIPBlock,
}

var ipUnblockCmd = &cobra.Command{
	Use:   "unblock <ip>",
	Short: "Lift a ban",
	Args:  cobra.ExactArgs(1),
	RunE:  runIPUnblock,
}

var ipListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active bans",
	RunE:  runIPList,
}

func init() {
	rootCmd.AddCommand(ipCmd)
	ipCmd.AddCommand(ipBlockCmd, ipUnblockCmd, ipListCmd)

	ipBlockCmd.Flags().StringVar(&ipFlags.reason, "reason", "manual", "reason recorded with the ban")
	ipBlockCmd.Flags().StringVar(&ipFlags.ttl, "ttl", "", "ban lifetime, e.g. 30m, 12h, 7d (empty is permanent)")
}

func runIPBlock(cmd *cobra.Command, args []string) error {
	ttl, err := server.ParseBanTTL(ipFlags.ttl)
	if err != nil {
		return err
	}
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	ban, err := a.server.Gateway().Tracker.Block(cmd.Context(), args[0], ipFlags.reason, ttl, "cli")
	if err != nil {
		return err
	}
	if ban.Permanent() {
		fmt.Printf("%s blocked permanently.\n", ban.IP)
	} else {
		fmt.Printf("%s blocked until %s.\n", ban.IP, ban.ExpiresAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func runIPUnblock(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.server.Gateway().Tracker.Unblock(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("%s unblocked.\n", args[0])
	return nil
}

func runIPList(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	bans, err := a.server.Gateway().Tracker.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(bans) == 0 {
		fmt.Println("No active bans.")
		return nil
	}
	fmt.Printf("%-39s  %-8s  %-19s  %s\n", "IP", "BY", "EXPIRES", "REASON")
	for _, b := range bans {
		expires := "never"
		if !b.Permanent() {
			expires = b.ExpiresAt.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%-39s  %-8s  %-19s  %s\n", b.IP, b.BlockedBy, expires, b.Reason)
	}
	return nil
}
