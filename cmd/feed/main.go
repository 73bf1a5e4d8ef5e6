package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"kite-marketfeed/internal/trace"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "feed",
	Short: "Zerodha Kite market data feed",
	Long: `feed streams live market data from the Kite ticker.

Symbols are exchange-qualified trading symbols such as NSE:INFY. Bare symbols
and configured aliases like NIFTY_I are accepted too.

Credentials are read from KITE_API_KEY and KITE_ACCESS_TOKEN (a .env file in
the working directory is loaded first).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initializeSystem()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = trace.Shutdown(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")
	rootCmd.AddCommand(streamCmd, resolveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
