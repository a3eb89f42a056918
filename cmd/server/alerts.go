package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var alertsLimit int

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Show recent security alerts, delivered or suppressed",
	RunE:  runAlerts,
}

func init() {
	rootCmd.AddCommand(alertsCmd)
	alertsCmd.Flags().IntVar(&alertsLimit, "limit", 50, "number of alerts to show")
}

func runAlerts(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	alerts, err := a.server.Gateway().Alerts.ListAlerts(cmd.Context(), alertsLimit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Println("No alerts found.")
		return nil
	}
	fmt.Printf("%-19s  %-8s  %-24s  %-15s  %-10s  %s\n", "TIME", "SEVERITY", "TYPE", "IP", "OUTCOME", "TITLE")
	for _, al := range alerts {
		outcome := "delivered"
		if !al.Delivered {
			outcome = al.Suppressed
		}
		fmt.Printf("%-19s  %-8s  %-24s  %-15s  %-10s  %s\n",
			al.Timestamp.Format("2006-01-02 15:04:05"), al.Severity, al.EventType, al.IP, outcome, al.Title)
	}
	return nil
}
