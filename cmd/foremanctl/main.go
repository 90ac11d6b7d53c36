// Package main provides foremanctl, the operator CLI for a running
// foremand daemon: inspect and act on approvals, agents, and
// scheduler jobs over the control-plane HTTP surface (§6).
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/foreman-ai/foreman/internal/config"
	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	commit     = "none"
	date       = "unknown"
	daemonAddr string
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "foremanctl",
		Short:        "foremanctl - operator CLI for the Foreman core daemon",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&daemonAddr, "addr", envOr("FOREMAN_CONTROL_ADDR", "http://127.0.0.1:8080"), "foremand control-plane address")

	rootCmd.AddCommand(
		buildApprovalsCmd(),
		buildAgentsCmd(),
		buildSchedulerCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect the daemon config surface"}
	cmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the foreman.yaml JSON Schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return err
			}
			fmt.Println(string(schema))
			return nil
		},
	})
	return cmd
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func buildApprovalsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "approvals", Short: "Inspect and resolve pending approvals"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List all approvals",
			RunE: func(cmd *cobra.Command, args []string) error {
				return printGet("/approvals")
			},
		},
		&cobra.Command{
			Use:   "approve <id>",
			Short: "Approve a pending approval",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return printPost(fmt.Sprintf("/approvals/%s/approve", args[0]))
			},
		},
		&cobra.Command{
			Use:   "deny <id>",
			Short: "Deny a pending approval",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return printPost(fmt.Sprintf("/approvals/%s/deny", args[0]))
			},
		},
	)
	return cmd
}

func buildAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "agents", Short: "Inspect and control agent runs"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List all agents",
			RunE: func(cmd *cobra.Command, args []string) error {
				return printGet("/agents")
			},
		},
		&cobra.Command{
			Use:   "pause <id>",
			Short: "Pause a running agent",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return printPost(fmt.Sprintf("/agents/%s/pause", args[0]))
			},
		},
		&cobra.Command{
			Use:   "abort <id>",
			Short: "Abort an agent",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return printPost(fmt.Sprintf("/agents/%s/abort", args[0]))
			},
		},
		&cobra.Command{
			Use:   "run <id>",
			Short: "Run (or resume) an agent's CTR procedure",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return printPost(fmt.Sprintf("/agents/%s/run", args[0]))
			},
		},
	)
	return cmd
}

func buildSchedulerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "scheduler", Short: "Inspect and trigger scheduled jobs"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "jobs",
			Short: "List scheduled jobs",
			RunE: func(cmd *cobra.Command, args []string) error {
				return printGet("/scheduler/jobs")
			},
		},
		&cobra.Command{
			Use:   "run-now <id>",
			Short: "Run a scheduled job immediately",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return printPost(fmt.Sprintf("/scheduler/jobs/%s/run", args[0]))
			},
		},
	)
	return cmd
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func printGet(path string) error {
	resp, err := httpClient.Get(daemonAddr + path)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printPost(path string) error {
	resp, err := httpClient.Post(daemonAddr+path, "application/json", nil)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("daemon returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var pretty any
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	encoded, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}
