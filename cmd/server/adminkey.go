package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raakeshmj/gatewarden/internal/auth"
)

var hashAdminKeyCmd = &cobra.Command{
	Use:   "hash-admin-key <key>",
	Short: "Print the bcrypt hash to configure as auth.admin_key_hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashAdminKey(args[0])
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashAdminKeyCmd)
}
