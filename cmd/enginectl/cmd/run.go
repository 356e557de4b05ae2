package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type executeRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	Stdin    string `json:"stdin,omitempty"`
	Mode     string `json:"mode,omitempty"`
}

type executeResponse struct {
	Success         bool   `json:"success"`
	Status          string `json:"status"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        int    `json:"exit_code"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	ErrorKind       string `json:"error_kind"`
	ErrorSuggestion string `json:"error_suggestion"`
	Message         string `json:"message"`
}

// NewRunCommand executes a local source file against the engine.
func NewRunCommand() *cobra.Command {
	var stdin string

	cmd := &cobra.Command{
		Use:     "run <language> <file>",
		Aliases: []string{"exec"},
		Short:   "Execute a code file",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			baseURL, _ := cmd.Flags().GetString("url")

			code, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[1], err)
			}

			body, _ := json.Marshal(executeRequest{
				Code:     string(code),
				Language: args[0],
				Stdin:    stdin,
				Mode:     "run",
			})

			client := &http.Client{Timeout: 90 * time.Second}
			resp, err := client.Post(baseURL+"/api/v1/execute", "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("failed to read response: %w", err)
			}

			var result executeResponse
			if err := json.Unmarshal(data, &result); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("engine error (%d): %s", resp.StatusCode, result.Message)
			}

			fmt.Print(result.Stdout)
			if result.Stderr != "" {
				color.New(color.FgRed).Fprint(os.Stderr, result.Stderr)
			}

			if result.Success {
				color.New(color.FgGreen).Fprintf(os.Stderr, "ok (%dms)\n", result.ExecutionTimeMs)
				return nil
			}

			color.New(color.FgRed).Fprintf(os.Stderr, "failed: %s (exit %d, %dms)\n",
				result.ErrorKind, result.ExitCode, result.ExecutionTimeMs)
			if result.ErrorSuggestion != "" {
				color.New(color.FgYellow).Fprintf(os.Stderr, "hint: %s\n", result.ErrorSuggestion)
			}
			os.Exit(1)
			return nil
		},
	}

	cmd.Flags().StringVarP(&stdin, "stdin", "i", "", "stdin passed to the program")
	return cmd
}
