package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type languageInfo struct {
	ID               string `json:"id"`
	DisplayName      string `json:"display_name"`
	RuntimeVersion   string `json:"runtime_version"`
	DefaultTimeoutMs int    `json:"default_timeout_ms"`
	DefaultMemoryMb  int    `json:"default_memory_mb"`
	Debuggable       bool   `json:"debuggable"`
}

// NewLanguagesCommand lists the languages the engine supports.
func NewLanguagesCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "languages",
		Aliases: []string{"langs", "ls"},
		Short:   "List supported languages",
		RunE: func(cmd *cobra.Command, args []string) error {
			baseURL, _ := cmd.Flags().GetString("url")

			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Get(baseURL + "/api/v1/languages")
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("engine returned status %d", resp.StatusCode)
			}

			var languages []languageInfo
			if err := json.NewDecoder(resp.Body).Decode(&languages); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}

			bold := color.New(color.Bold)
			for _, lang := range languages {
				bold.Printf("%-12s", lang.ID)
				fmt.Printf(" %s %s (timeout %dms, memory %dMB)",
					lang.DisplayName, lang.RuntimeVersion, lang.DefaultTimeoutMs, lang.DefaultMemoryMb)
				if lang.Debuggable {
					color.New(color.FgCyan).Print("  [debuggable]")
				}
				fmt.Println()
			}
			return nil
		},
	}
}
