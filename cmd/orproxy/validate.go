package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/artpar/orproxy/config"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the orproxy configuration file.

Checks:
  - YAML syntax is valid
  - server.access_key is set
  - openrouter.keys is non-empty
  - openrouter.key_selection_strategy is recognized
  - upstream is reachable (optional)

Examples:
  orproxy validate
  orproxy validate --config /etc/orproxy/config.yaml --check-upstream`,
	RunE: runValidate,
}

var validateCheckUpstream bool

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().BoolVar(&validateCheckUpstream, "check-upstream", false, "check if the upstream base URL is reachable")
}

func runValidate(cmd *cobra.Command, args []string) error {
	fmt.Printf("Validating %s...\n\n", cfgFile)

	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		fmt.Printf("  %s Config file exists\n", crossMark)
		return fmt.Errorf("config file not found: %s", cfgFile)
	}
	fmt.Printf("  %s Config file exists\n", checkMark)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Printf("  %s Config syntax and schema valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	fmt.Printf("  %s Config syntax and schema valid\n", checkMark)

	fmt.Printf("  %s Upstream base URL: %s\n", checkMark, cfg.OpenRouter.BaseURL)
	fmt.Printf("  %s Key pool size: %d\n", checkMark, len(cfg.OpenRouter.Keys))
	fmt.Printf("  %s Key selection strategy: %s\n", checkMark, cfg.OpenRouter.KeySelectionStrategy)
	fmt.Printf("  %s Free-only mode: %v\n", checkMark, cfg.OpenRouter.FreeOnly)

	if validateCheckUpstream {
		if err := checkUpstreamReachable(cfg.OpenRouter.BaseURL); err != nil {
			fmt.Printf("  %s Upstream reachable\n", crossMark)
			fmt.Printf("      Error: %v\n", err)
		} else {
			fmt.Printf("  %s Upstream reachable\n", checkMark)
		}
	}

	fmt.Println()
	fmt.Println("Configuration is valid.")
	return nil
}

func checkUpstreamReachable(url string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "HEAD", url, nil)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
)
