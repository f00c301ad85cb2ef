package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tokligence/tokligence-canvas/internal/version"
)

var rootDir string

var (
	goodColor = color.New(color.FgGreen)
	badColor  = color.New(color.FgRed)
)

var rootCmd = &cobra.Command{
	Use:           "canvasctl",
	Short:         "Administer a Tokligence Canvas installation",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.FullInfo())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", ".", "directory containing config/")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "canvasctl: %s\n", badColor.Sprint(err.Error()))
		os.Exit(1)
	}
}
