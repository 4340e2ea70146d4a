package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "notifyctl",
		Short: "Publish notification events to the notification pipeline",
		Long: `notifyctl publishes notification events the way upstream business actions do.
Broker settings are read from the same environment as the worker.`,
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newPublishCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
