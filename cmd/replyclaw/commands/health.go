package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// newHealthCmd creates `replyclaw health`, which queries a running daemon.
// Used by Docker HEALTHCHECK and monitoring.
func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the health of a running daemon",
		Long: `Query /health on the daemon's control API and print the result.
Exits non-zero when the daemon is unreachable. Used by Docker HEALTHCHECK
and monitoring.`,
		Args: cobra.NoArgs,
		RunE: runHealth,
	}
	cmd.Flags().String("address", "", "control API address (default: gateway.address from config)")
	return cmd
}

func runHealth(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("address")
	if addr == "" {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		addr = cfg.Gateway.Address
	}
	if host, port, err := net.SplitHostPort(addr); err == nil && (host == "" || host == "0.0.0.0" || host == "::") {
		addr = net.JoinHostPort("127.0.0.1", port)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/health")
	if err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("reading health response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon unhealthy: HTTP %d", resp.StatusCode)
	}

	var health struct {
		Status   string            `json:"status"`
		Accounts map[string]string `json:"accounts"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}
	fmt.Println(string(body))
	for account, state := range health.Accounts {
		if state != "connected" {
			return fmt.Errorf("account %s is %s", account, state)
		}
	}
	return nil
}
