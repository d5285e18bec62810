package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatwire/chatwire/internal/config"
)

func newStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running adapter's bus status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to adapter config file")
	return cmd
}

func runStatus(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s:%d/healthz", cfg.SocketIO.Host, cfg.SocketIO.Port)
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("adapter not reachable at %s: %w", url, err)
	}
	defer resp.Body.Close()

	var health struct {
		AdapterType string `json:"adapter_type"`
		Connections int    `json:"connections"`
		Queued      int    `json:"queued"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Adapter:      %s\n", health.AdapterType)
	fmt.Fprintf(out, "Bus:          %s:%d\n", cfg.SocketIO.Host, cfg.SocketIO.Port)
	fmt.Fprintf(out, "Clients:      %d\n", health.Connections)
	fmt.Fprintf(out, "Queued:       %d\n", health.Queued)
	return nil
}

func newCheckCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the adapter configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config OK (adapter: %s, bus: %s:%d)\n",
				cfg.Adapter.Type, cfg.SocketIO.Host, cfg.SocketIO.Port)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to adapter config file")
	return cmd
}
