package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "orproxy",
	Short: "Key-pooling reverse proxy for the OpenRouter API",
	Long: `orproxy sits in front of the OpenRouter chat-completions API and
multiplexes many clients over a shared pool of upstream API keys.

When a key is rate limited, the request is retried against the next
available key rather than failed outright. Keys that return 429 are put
into cooldown for a configurable window.

Quick start:
  orproxy validate  # Check a config file before deploying
  orproxy serve     # Start the proxy server`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "orproxy.yaml", "config file path")
}
