package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "zapdesk",
	Short: "Customer messaging bot with department routing and AI replies",
	Long:  "Zapdesk keeps a messaging session alive, greets new contacts with a department menu, and answers bound conversations with the department's AI assistant.",
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
