package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/grantradar/grantradar/internal/orchestrator"
	"github.com/grantradar/grantradar/internal/printer"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline health, queue depths, and SLO compliance",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(statusAddr)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "http://localhost:8080",
		"base URL of a running grantradar orchestrator")
	rootCmd.AddCommand(statusCmd)
}

func showStatus(addr string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(addr + "/status")
	if err != nil {
		return printer.Error("cannot reach orchestrator",
			fmt.Sprintf("GET %s/status failed: %v", addr, err),
			[]string{
				"start the pipeline with 'grantradar run'",
				"pass the right address with --addr",
			})
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return printer.Error("orchestrator returned an error",
			fmt.Sprintf("GET %s/status returned %s", addr, resp.Status), nil)
	}

	var status orchestrator.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return printer.Error("malformed status response", err.Error(), nil)
	}

	if status.Healthy {
		printer.Success("pipeline healthy\n")
	} else {
		printer.Failure("pipeline unhealthy\n")
	}

	printer.Println()
	printer.Step("components\n")
	for _, c := range status.Components {
		if c.Healthy {
			printer.Success("%-24s ok\n", c.Name)
			continue
		}
		detail := c.LastError
		if c.UnhealthySince != nil {
			detail = fmt.Sprintf("%s (unhealthy for %s)",
				detail, time.Since(*c.UnhealthySince).Round(time.Second))
		}
		printer.Failure("%-24s %s\n", c.Name, detail)
	}

	printer.Println()
	printer.Step("queues\n")
	for _, q := range status.Metrics.Queues {
		line := fmt.Sprintf("%-12s len=%-6d pending=%-6d workers=%d\n",
			q.Stage, q.Length, q.Pending, status.Workers[q.Stage])
		if q.Pending > 0 {
			printer.Warning(line)
		} else {
			printer.Printf("  %s", line)
		}
	}

	printer.Println()
	printer.Step("SLOs\n")
	for _, s := range status.Metrics.SLOs {
		line := fmt.Sprintf("%-28s observed=%-10.3f target=%.3f\n", s.Name, s.Observed, s.Target)
		if s.Met {
			printer.Success(line)
		} else {
			printer.Failure(line)
		}
	}

	active := 0
	for _, p := range status.Pipelines {
		if !p.CurrentStage.Terminal() {
			active++
		}
	}
	printer.Println()
	printer.Printf("pipelines: %d tracked, %d in flight (collected %s)\n",
		len(status.Pipelines), active,
		status.Metrics.CollectedAt.Format(time.RFC3339))
	return nil
}
