package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tokligence/tokligence-canvas/internal/backend"
	"github.com/tokligence/tokligence-canvas/internal/config"
	"github.com/tokligence/tokligence-canvas/internal/logging"
)

var (
	ledgerUser   int64
	creditTokens int64
	creditRef    string
	balanceLimit int
)

var creditCmd = &cobra.Command{
	Use:   "credit",
	Short: "Credit purchased tokens to a user",
	Long: `Applies a purchase directly to the configured ledger. The purchase id is
the idempotency key: repeating it leaves the balance unchanged.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if ledgerUser <= 0 || creditTokens <= 0 || creditRef == "" {
			return errors.New("--user, --tokens and --purchase are required")
		}
		return withStores(func(ctx context.Context, stores *backend.Stores) error {
			balance, err := stores.Ledger.Credit(ctx, ledgerUser, creditTokens, "purchase:"+creditRef)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), goodColor.Sprintf("user %d balance %d", ledgerUser, balance))
			return nil
		})
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Print a user's ledger summary and recent entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if ledgerUser <= 0 {
			return errors.New("--user is required")
		}
		return withStores(func(ctx context.Context, stores *backend.Stores) error {
			summary, err := stores.Ledger.Summary(ctx, ledgerUser)
			if err != nil {
				return err
			}
			entries, err := stores.Ledger.ListRecent(ctx, ledgerUser, balanceLimit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"summary": summary, "entries": entries})
		})
	},
}

func withStores(fn func(context.Context, *backend.Stores) error) error {
	cfg, err := config.LoadCanvasConfig(rootDir)
	if err != nil {
		return err
	}
	logger := logging.New(os.Stderr, fmt.Sprintf("[canvasctl][%s] ", cfg.Environment), cfg.LogLevel)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	stores, err := backend.Open(ctx, cfg, logger.Logger)
	if err != nil {
		return err
	}
	defer stores.Close()
	return fn(ctx, stores)
}

func init() {
	for _, c := range []*cobra.Command{creditCmd, balanceCmd} {
		c.Flags().Int64Var(&ledgerUser, "user", 0, "user id")
	}
	creditCmd.Flags().Int64Var(&creditTokens, "tokens", 0, "tokens to credit")
	creditCmd.Flags().StringVar(&creditRef, "purchase", "", "purchase id")
	balanceCmd.Flags().IntVar(&balanceLimit, "limit", 20, "recent entries to show")
	rootCmd.AddCommand(creditCmd, balanceCmd)
}
