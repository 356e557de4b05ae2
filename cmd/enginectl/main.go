package main

import (
	"fmt"
	"os"

	"github.com/codelab/engine/cmd/enginectl/cmd"
	"github.com/spf13/cobra"
)

var version = "1.0.0"

func main() {
	rootCmd := &cobra.Command{
		Use:     "enginectl",
		Short:   "Operator CLI for the code execution engine",
		Version: version,
	}

	rootCmd.PersistentFlags().StringP("url", "u", "http://localhost:2358", "Engine API URL")

	rootCmd.AddCommand(
		cmd.NewRunCommand(),
		cmd.NewLanguagesCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
