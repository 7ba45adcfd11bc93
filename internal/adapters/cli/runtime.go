package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/MidknightMantra/MidKnight/internal/core/domain"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show request and rate limit statistics of a running bot",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

var rateLimitCmd = &cobra.Command{
	Use:     "ratelimit",
	Aliases: []string{"rl"},
	Short:   "Inspect and reset rate limit buckets of a running bot",
}

var rateLimitInfoCmd = &cobra.Command{
	Use:   "info <number>",
	Short: "Show the remaining requests of a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runRateLimitInfo,
}

var rateLimitResetCmd = &cobra.Command{
	Use:   "reset <number|all>",
	Short: "Reset the bucket of a user, or every bucket",
	Args:  cobra.ExactArgs(1),
	RunE:  runRateLimitReset,
}

func init() {
	statsCmd.Flags().StringVar(&controlAddr, "addr", "", "control plane address (defaults to health.addr)")
	rateLimitCmd.PersistentFlags().StringVar(&controlAddr, "addr", "", "control plane address (defaults to health.addr)")
	rateLimitCmd.AddCommand(rateLimitInfoCmd)
	rateLimitCmd.AddCommand(rateLimitResetCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	client, err := controlClient(cmd)
	if err != nil {
		return err
	}
	stats, err := client.Stats(context.Background())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	r := stats.Requests
	fmt.Fprintf(out, "Uptime:        %s\n", stats.Uptime)
	fmt.Fprintf(out, "Plugins:       %d\n", stats.Plugins)
	fmt.Fprintf(out, "\nRequests:      %d\n", r.Total)
	fmt.Fprintf(out, "  Successful:  %d\n", r.Successful)
	fmt.Fprintf(out, "  Failed:      %d\n", r.Failed)
	fmt.Fprintf(out, "  Success:     %.1f%%\n", r.SuccessRate)
	fmt.Fprintf(out, "  Avg time:    %s\n", r.AvgResponseTime.Round(time.Millisecond))
	fmt.Fprintf(out, "  Users:       %d\n", r.UniqueUsers)
	if len(r.TopCommands) > 0 {
		fmt.Fprintln(out, "\nTop commands:")
		for i, c := range r.TopCommands {
			fmt.Fprintf(out, "  %d. %s (%d)\n", i+1, c.Command, c.Count)
		}
	}
	l := stats.Limiter
	fmt.Fprintf(out, "\nRate limit:    %d per %s\n", l.MaxRequests, l.Window)
	fmt.Fprintf(out, "  Buckets:     %d\n", l.ActiveBuckets)
	fmt.Fprintf(out, "  Owners:      %s\n", map[bool]string{true: "exempt", false: "limited"}[l.ExemptOwners])
	return nil
}

func runRateLimitInfo(cmd *cobra.Command, args []string) error {
	jid := domain.PhoneToJID(args[0])
	if jid == "" {
		return fmt.Errorf("invalid number %q", args[0])
	}
	client, err := controlClient(cmd)
	if err != nil {
		return err
	}
	info, err := client.RateLimitInfo(context.Background(), jid)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n  Remaining: %d/%d\n  Resets in: %s\n",
		domain.PhoneFromJID(jid), info.Remaining, info.Limit, info.ResetIn.Round(time.Second))
	return nil
}

func runRateLimitReset(cmd *cobra.Command, args []string) error {
	client, err := controlClient(cmd)
	if err != nil {
		return err
	}

	if strings.EqualFold(args[0], "all") {
		if err := client.ResetRateLimit(context.Background(), ""); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✓ All rate limits reset")
		return nil
	}

	jid := domain.PhoneToJID(args[0])
	if jid == "" {
		return fmt.Errorf("invalid number %q", args[0])
	}
	if err := client.ResetRateLimit(context.Background(), jid); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Rate limit reset for %s\n", domain.PhoneFromJID(jid))
	return nil
}
