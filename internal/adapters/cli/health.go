package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of a running bot",
	Long:  "Check the health status of a running bot and its components.",
	RunE:  runHealth,
}

var livenessCmd = &cobra.Command{
	Use:   "liveness",
	Short: "Check if the bot is alive",
	RunE:  runLiveness,
}

var readinessCmd = &cobra.Command{
	Use:   "readiness",
	Short: "Check if the bot is ready to handle messages",
	RunE:  runReadiness,
}

var healthOutputJSON bool

func init() {
	healthCmd.AddCommand(livenessCmd)
	healthCmd.AddCommand(readinessCmd)
	healthCmd.PersistentFlags().StringVar(&controlAddr, "addr", "", "control plane address (defaults to health.addr)")
	healthCmd.Flags().BoolVar(&healthOutputJSON, "json", false, "Output in JSON format")
}

func runHealth(cmd *cobra.Command, args []string) error {
	client, err := controlClient(cmd)
	if err != nil {
		return err
	}

	report, err := client.Health(context.Background())
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if healthOutputJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(out, "Status:  %s\n", colorStatus(report.Status))
	fmt.Fprintf(out, "Version: %s\n", report.Version)
	fmt.Fprintf(out, "Uptime:  %s\n", report.Uptime)

	if len(report.Components) > 0 {
		fmt.Fprintln(out, "\nComponents:")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTATUS\tMESSAGE\tLATENCY")
		for _, c := range report.Components {
			fmt.Fprintf(w, "%s\t%s\t%s\t%.1fms\n", c.Name, colorStatus(c.Status), c.Message, c.LatencyMS)
		}
		w.Flush()
	}

	sys := report.System
	fmt.Fprintln(out, "\nSystem:")
	fmt.Fprintf(out, "  Go Version:  %s\n", sys.GoVersion)
	fmt.Fprintf(out, "  Goroutines:  %d\n", sys.NumGoroutine)
	fmt.Fprintf(out, "  CPUs:        %d\n", sys.NumCPU)
	fmt.Fprintf(out, "  Heap Alloc:  %.2f MB\n", float64(sys.HeapAlloc)/1024/1024)
	if sys.HostMemTotal > 0 {
		fmt.Fprintf(out, "  Host Memory: %.1f%% of %.0f MB\n", sys.HostMemUsed, float64(sys.HostMemTotal)/1024/1024)
	}

	if report.Status == "unhealthy" {
		os.Exit(1)
	}
	return nil
}

func runLiveness(cmd *cobra.Command, args []string) error {
	client, err := controlClient(cmd)
	if err != nil {
		return err
	}
	alive, err := client.Liveness(context.Background())
	if err != nil || !alive {
		fmt.Fprintln(cmd.OutOrStdout(), colorStatus("unhealthy")+" NOT ALIVE")
		os.Exit(1)
	}
	fmt.Fprintln(cmd.OutOrStdout(), colorStatus("healthy")+" ALIVE")
	return nil
}

func runReadiness(cmd *cobra.Command, args []string) error {
	client, err := controlClient(cmd)
	if err != nil {
		return err
	}
	ready, err := client.Readiness(context.Background())
	if err != nil || !ready {
		fmt.Fprintln(cmd.OutOrStdout(), colorStatus("unhealthy")+" NOT READY")
		os.Exit(1)
	}
	fmt.Fprintln(cmd.OutOrStdout(), colorStatus("healthy")+" READY")
	return nil
}

var (
	healthyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")).Bold(true)
	degradedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B")).Bold(true)
	unhealthyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true)
)

// colorStatus renders a health status in its traffic light color.
func colorStatus(status string) string {
	switch status {
	case "healthy":
		return healthyStyle.Render("● " + status)
	case "degraded":
		return degradedStyle.Render("◐ " + status)
	case "unhealthy":
		return unhealthyStyle.Render("○ " + status)
	}
	return status
}
