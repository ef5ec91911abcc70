package main

import (
	"fmt"
	"os"

	"github.com/artpar/orproxy/bootstrap"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy server",
	Long: `Start the orproxy server.

The server loads its configuration from the file given by --config,
acquires upstream API keys from the configured pool, and begins
forwarding chat-completion and model-list requests. The config file is
watched for changes: free_only and rate_limit_cooldown reload without a
restart; public_endpoints, key_selection_strategy/opts and the key pool
itself take effect only after a restart.

Examples:
  orproxy serve
  orproxy serve --config /etc/orproxy/config.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		fmt.Println("No configuration found.")
		fmt.Printf("Create %s, or point at one with --config.\n", cfgFile)
		fmt.Println("Run 'orproxy validate --config <path>' to check it first.")
		return nil
	}

	app, err := bootstrap.New(cfgFile)
	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}

	return app.Run()
}
