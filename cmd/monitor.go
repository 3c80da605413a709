package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"zapdesk/pkg/config"
	"zapdesk/pkg/ui/monitor"
)

var monitorURL string

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch a running gateway from the terminal",
	Long:  "Connects to a gateway's push stream to show connection state, pairing QR codes and inbound messages, and sends operator messages through the management API.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		url := resolveMonitorURL(monitorURL)
		client, err := monitor.NewClient(url)
		if err != nil {
			fmt.Printf("invalid gateway url: %v\n", err)
			return
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := monitor.Run(runCtx, client); err != nil {
			fmt.Printf("monitor failed: %v\n", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().StringVar(&monitorURL, "url", "", "gateway base URL (defaults to the configured gateway address)")
}

// resolveMonitorURL prefers the flag, then the configured gateway port on
// localhost.
func resolveMonitorURL(flag string) string {
	if value := strings.TrimSpace(flag); value != "" {
		return value
	}

	port := 3000
	if cfg, err := config.LoadConfig(); err == nil && cfg.Gateway.Port > 0 {
		port = cfg.Gateway.Port
	}
	return "http://127.0.0.1:" + strconv.Itoa(port)
}
