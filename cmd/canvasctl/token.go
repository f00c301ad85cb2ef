package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tokligence/tokligence-canvas/internal/auth"
	"github.com/tokligence/tokligence-canvas/internal/config"
)

var (
	tokenUser int64
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for a user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenUser <= 0 {
			return errors.New("--user is required")
		}
		cfg, err := config.LoadCanvasConfig(rootDir)
		if err != nil {
			return err
		}
		mgr, err := auth.NewManager(cfg.AuthSecret)
		if err != nil {
			return err
		}
		token, err := mgr.IssueToken(tokenUser, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().Int64Var(&tokenUser, "user", 0, "user id")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
