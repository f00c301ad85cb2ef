package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tokligence/tokligence-canvas/internal/bootstrap"
	"github.com/tokligence/tokligence-canvas/internal/config"
)

var initOpts bootstrap.InitOptions

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate config/setting.ini and config/<env>/canvas.ini",
	Long: `Writes a working sqlite + loopback configuration. Auth and fulfilment
secrets are generated unless given. Existing files are kept unless --force.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		initOpts.Root = rootDir
		if err := bootstrap.Init(initOpts); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), goodColor.Sprintf("canvas config initialised for %s", initOpts.Environment))
		return nil
	},
}

func init() {
	f := initCmd.Flags()
	f.StringVar(&initOpts.Environment, "env", "dev", "environment name")
	f.StringVar(&initOpts.HTTPAddress, "http-address", ":8080", "canvasd HTTP bind address")
	f.StringVar(&initOpts.LedgerPath, "ledger-path", "", "ledger sqlite path (default ~/.tokligence/canvas/ledger.db)")
	f.StringVar(&initOpts.Provider, "provider", config.ProviderLoopback, "image provider: loopback or http")
	f.StringVar(&initOpts.ProviderBaseURL, "provider-url", "", "base URL of the http provider")
	f.StringVar(&initOpts.FulfilmentSecret, "fulfilment-secret", "", "shared secret for POST /internal/credits")
	f.BoolVar(&initOpts.Force, "force", false, "overwrite existing files")
	rootCmd.AddCommand(initCmd)
}
