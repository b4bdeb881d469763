package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "orchestratorctl",
	Short:   "orchestratorctl drives operational commands against a running orchestratord",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("admin-addr", "127.0.0.1:9091", "orchestratord admin API address")
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(attemptCmd)
	rootCmd.AddCommand(replayWebhookCmd)
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Trigger an out-of-band reconcile tick for one service",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		service, _ := cmd.Flags().GetString("service")
		if tenant == "" || service == "" {
			return fmt.Errorf("--tenant and --service are required")
		}
		q := url.Values{"tenant": {tenant}, "service": {service}}
		return call(cmd, http.MethodPost, "/admin/reconcile", q)
	},
}

var attemptCmd = &cobra.Command{
	Use:   "attempt",
	Short: "Inspect a deployment attempt by id, or the active attempt for a service",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		tenant, _ := cmd.Flags().GetString("tenant")
		service, _ := cmd.Flags().GetString("service")
		if id == "" && (tenant == "" || service == "") {
			return fmt.Errorf("--id, or --tenant and --service, are required")
		}
		q := url.Values{}
		if id != "" {
			q.Set("id", id)
		} else {
			q.Set("tenant", tenant)
			q.Set("service", service)
		}
		return call(cmd, http.MethodGet, "/admin/attempts", q)
	},
}

var replayWebhookCmd = &cobra.Command{
	Use:   "replay-webhook",
	Short: "Requeue a dead-lettered webhook delivery for immediate retry",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		if id == "" {
			return fmt.Errorf("--id is required")
		}
		q := url.Values{"id": {id}}
		return call(cmd, http.MethodPost, "/admin/webhooks/replay", q)
	},
}

func init() {
	reconcileCmd.Flags().String("tenant", "", "Tenant id")
	reconcileCmd.Flags().String("service", "", "Service name")

	attemptCmd.Flags().String("id", "", "Attempt id")
	attemptCmd.Flags().String("tenant", "", "Tenant id")
	attemptCmd.Flags().String("service", "", "Service name")

	replayWebhookCmd.Flags().String("id", "", "Webhook delivery id")
}

func call(cmd *cobra.Command, method, path string, query url.Values) error {
	adminAddr, _ := cmd.Flags().GetString("admin-addr")
	u := fmt.Sprintf("http://%s%s?%s", adminAddr, path, query.Encode())

	client := &http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call orchestratord: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Println(string(body))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("orchestratord returned %s", resp.Status)
	}
	return nil
}
