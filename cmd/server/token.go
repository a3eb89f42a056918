package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raakeshmj/gatewarden/internal/service"
)

var tokenFlags struct {
	name        string
	description string
	ttl         string
	scopes      []string
	hourly      int64
	daily       int64
	reason      string
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue, revoke, refresh and inspect access tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a new token; it is printed once and never stored",
	RunE:  runTokenIssue,
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Revoke a token",
	Args:  cobra.ExactArgs(1),
	RunE:  runTokenRevoke,
}

var tokenRefreshCmd = &cobra.Command{
	Use:   "refresh <id>",
	Short: "Move a token's expiry to now plus --ttl",
	Args:  cobra.ExactArgs(1),
	RunE:  runTokenRefresh,
}

var tokenStatsCmd = &cobra.Command{
	Use:   "stats [id]",
	Short: "Show usage for one token, or list all tokens",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTokenStats,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenIssueCmd, tokenRevokeCmd, tokenRefreshCmd, tokenStatsCmd)

	tokenIssueCmd.Flags().StringVar(&tokenFlags.name, "name", "", "token name (required)")
	tokenIssueCmd.Flags().StringVar(&tokenFlags.description, "description", "", "free-form description")
	tokenIssueCmd.Flags().StringVar(&tokenFlags.ttl, "ttl", "30d", "lifetime, e.g. 12h, 30d, 1y")
	tokenIssueCmd.Flags().StringSliceVar(&tokenFlags.scopes, "scope", nil, "granted scope (repeatable); defaults to read,write")
	tokenIssueCmd.Flags().Int64Var(&tokenFlags.hourly, "hourly-limit", 0, "hourly ceiling (0 uses limits.hourly)")
	tokenIssueCmd.Flags().Int64Var(&tokenFlags.daily, "daily-limit", 0, "daily ceiling (0 uses limits.daily)")
	_ = tokenIssueCmd.MarkFlagRequired("name")

	tokenRevokeCmd.Flags().StringVar(&tokenFlags.reason, "reason", "", "why the token is revoked")
	tokenRefreshCmd.Flags().StringVar(&tokenFlags.ttl, "ttl", "30d", "new lifetime from now")
}

func runTokenIssue(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	issued, err := a.server.Gateway().Governor.IssueToken(cmd.Context(), service.IssueRequest{
		Name:        tokenFlags.name,
		Description: tokenFlags.description,
		TTL:         tokenFlags.ttl,
		Scopes:      tokenFlags.scopes,
		HourlyLimit: tokenFlags.hourly,
		DailyLimit:  tokenFlags.daily,
	})
	if err != nil {
		return err
	}
	fmt.Println("=============================================================")
	fmt.Println("TOKEN ISSUED (save this, it will not be shown again):")
	fmt.Println(issued.Token)
	fmt.Println("=============================================================")
	fmt.Printf("id:      %s\nexpires: %s\n", issued.ID, issued.ExpiresAt.Format("2006-01-02 15:04:05"))
	return nil
}

func runTokenRevoke(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.server.Gateway().Governor.RevokeToken(cmd.Context(), args[0], tokenFlags.reason); err != nil {
		return err
	}
	fmt.Printf("Token %s revoked.\n", args[0])
	return nil
}

func runTokenRefresh(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	expiresAt, err := a.server.Gateway().Governor.RefreshToken(cmd.Context(), args[0], tokenFlags.ttl)
	if err != nil {
		return err
	}
	fmt.Printf("Token %s now expires %s.\n", args[0], expiresAt.Format("2006-01-02 15:04:05"))
	return nil
}

func runTokenStats(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	gov := a.server.Gateway().Governor
	if len(args) == 1 {
		stats, err := gov.TokenStats(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	tokens, err := gov.ListTokens(cmd.Context())
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		fmt.Println("No tokens found.")
		return nil
	}
	fmt.Printf("%-36s  %-16s  %-8s  %-12s  %-19s  %s\n", "ID", "NAME", "STATUS", "SCOPES", "EXPIRES", "USAGE")
	for _, t := range tokens {
		fmt.Printf("%-36s  %-16s  %-8s  %-12s  %-19s  %d\n",
			t.ID, t.Name, t.Status, strings.Join(t.Scopes, ","), t.ExpiresAt.Format("2006-01-02 15:04:05"), t.UsageCount)
	}
	return nil
}
