package builtin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MidknightMantra/MidKnight/internal/core/domain"
	"github.com/MidknightMantra/MidKnight/internal/core/ports"
)

const adminUnavailable = "❌ System loading..."

// Ping reports the round trip from message timestamp to handling.
type Ping struct {
	now func() time.Time
}

// NewPing creates the ping plugin.
func NewPing() *Ping {
	return &Ping{now: time.Now}
}

func (p *Ping) Descriptor() domain.PluginDescriptor {
	return domain.PluginDescriptor{
		Name:        "ping",
		Patterns:    []string{"ping"},
		Aliases:     []string{"p"},
		Category:    "core",
		Description: "Check that the bot is alive",
		React:       "🏓",
	}
}

func (p *Ping) Run(ctx context.Context, hc *ports.HandlerContext) error {
	if hc.Event == nil || hc.Event.Timestamp.IsZero() {
		return hc.Reply(ctx, "🏓 *Pong!*")
	}
	latency := p.now().Sub(hc.Event.Timestamp)
	if latency < 0 {
		latency = 0
	}
	return hc.Reply(ctx, fmt.Sprintf("🏓 *Pong!*\n\n⚡ *Latency:* %dms", latency.Milliseconds()))
}

type category struct {
	icon  string
	title string
}

var categories = map[string]category{
	"core":       {"⚡", "CORE"},
	"ai":         {"🧠", "ARTIFICIAL INTEL"},
	"downloader": {"📥", "DOWNLOADS"},
	"media":      {"🎨", "MEDIA TOOLS"},
	"search":     {"🔍", "SEARCH"},
	"tools":      {"🛠️", "UTILITIES"},
	"group":      {"👥", "GROUP ADMIN"},
	"admin":      {"🔐", "BOT ADMIN"},
	"system":     {"🔐", "BOT ADMIN"},
	"fun":        {"🎮", "ENTERTAINMENT"},
	"settings":   {"⚙️", "SETTINGS"},
	"others":     {"📦", "MISC"},
}

// Menu lists the enabled commands grouped by category.
type Menu struct{}

func (m *Menu) Descriptor() domain.PluginDescriptor {
	return domain.PluginDescriptor{
		Name:        "menu",
		Patterns:    []string{"menu"},
		Aliases:     []string{"help"},
		Category:    "core",
		Description: "Display the command list",
		React:       "📋",
	}
}

func (m *Menu) Run(ctx context.Context, hc *ports.HandlerContext) error {
	if hc.Admin == nil {
		return hc.Reply(ctx, adminUnavailable)
	}
	return hc.Reply(ctx, RenderMenu(hc.Settings, hc.Admin.Plugins(), hc.Admin.Uptime()))
}

// RenderMenu formats the command list. Categories are sorted by title and
// commands alphabetically within each.
func RenderMenu(settings domain.BotSettings, plugins []domain.PluginDescriptor, uptime time.Duration) string {
	groups := make(map[category][]string)
	total := 0
	for _, d := range plugins {
		if !d.HasCommand() || !d.Enabled() {
			continue
		}
		cat, ok := categories[strings.ToLower(d.Category)]
		if !ok {
			cat = categories["others"]
		}
		groups[cat] = append(groups[cat], d.Canonical())
		total++
	}

	keys := make([]category, 0, len(groups))
	for c := range groups {
		keys = append(keys, c)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].title < keys[j].title })

	var b strings.Builder
	fmt.Fprintf(&b, "🌙 *%s*\n\n", strings.ToUpper(settings.Name))
	fmt.Fprintf(&b, "┌─[ 📊 *DASHBOARD* ]\n")
	fmt.Fprintf(&b, "│ Prefix: %s\n", settings.Prefix)
	fmt.Fprintf(&b, "│ Commands: %d\n", total)
	fmt.Fprintf(&b, "│ Uptime: %s\n", FormatUptime(uptime))
	fmt.Fprintf(&b, "└────────────")
	for _, c := range keys {
		cmds := groups[c]
		sort.Strings(cmds)
		fmt.Fprintf(&b, "\n\n%s *%s*", c.icon, c.title)
		for _, cmd := range cmds {
			fmt.Fprintf(&b, "\n• %s%s", settings.Prefix, cmd)
		}
	}
	return b.String()
}

// FormatUptime renders a duration as "2d 3h 4m", "3h 4m" or "4m".
func FormatUptime(d time.Duration) string {
	s := int64(d.Seconds())
	days := s / 86400
	hours := (s % 86400) / 3600
	minutes := (s % 3600) / 60
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

// Reload reloads one plugin by name, or every plugin.
type Reload struct{}

func (r *Reload) Descriptor() domain.PluginDescriptor {
	return domain.PluginDescriptor{
		Name:        "reload",
		Patterns:    []string{"reload"},
		Aliases:     []string{"hotreload"},
		Category:    "system",
		Description: "Reload plugins without restarting",
		React:       "🔄",
		Permissions: domain.Permissions{OwnerOnly: true},
	}
}

func (r *Reload) Run(ctx context.Context, hc *ports.HandlerContext) error {
	if hc.Admin == nil {
		return hc.Reply(ctx, adminUnavailable)
	}

	if hc.Command != nil && len(hc.Command.Args) > 0 {
		name := strings.ToLower(hc.Command.Args[0])
		if _, err := hc.Admin.ReloadPlugin(ctx, name); err != nil {
			return hc.Reply(ctx, fmt.Sprintf("❌ *Reload Failed*\n\n📦 *Plugin:* %s\n⚠️ *Error:* %v", name, err))
		}
		return hc.Reply(ctx, fmt.Sprintf("✅ *Plugin Reloaded Successfully*\n\n📦 *Plugin:* %s", name))
	}

	report, err := hc.Admin.ReloadAll(ctx)
	if err != nil {
		return hc.Reply(ctx, fmt.Sprintf("❌ *Reload Failed*\n\n%v", err))
	}
	return hc.Reply(ctx, fmt.Sprintf("🔄 *All Plugins Reloaded*\n\n✅ *Success:* %d\n❌ *Failed:* %d\n📦 *Total:* %d",
		report.Loaded, report.Failed, report.Loaded+report.Failed))
}

// Stats reports request metrics and limiter state.
type Stats struct{}

func (s *Stats) Descriptor() domain.PluginDescriptor {
	return domain.PluginDescriptor{
		Name:        "stats",
		Patterns:    []string{"stats"},
		Category:    "system",
		Description: "Show request and rate limit statistics",
		React:       "📊",
		Permissions: domain.Permissions{OwnerOnly: true},
	}
}

func (s *Stats) Run(ctx context.Context, hc *ports.HandlerContext) error {
	if hc.Admin == nil {
		return hc.Reply(ctx, adminUnavailable)
	}
	m := hc.Admin.RequestMetrics()
	ls := hc.Admin.LimiterStats()

	var b strings.Builder
	fmt.Fprintf(&b, "📊 *Bot Statistics*\n\n")
	fmt.Fprintf(&b, "⏱️ *Uptime:* %s\n", FormatUptime(hc.Admin.Uptime()))
	fmt.Fprintf(&b, "📦 *Plugins:* %d\n\n", len(hc.Admin.Plugins()))
	fmt.Fprintf(&b, "*Requests*\n")
	fmt.Fprintf(&b, "• Total: %d\n", m.Total)
	fmt.Fprintf(&b, "• Successful: %d\n", m.Successful)
	fmt.Fprintf(&b, "• Failed: %d\n", m.Failed)
	fmt.Fprintf(&b, "• Success rate: %.1f%%\n", m.SuccessRate)
	fmt.Fprintf(&b, "• Avg response: %dms\n", m.AvgResponseTime.Milliseconds())
	fmt.Fprintf(&b, "• Unique users: %d\n", m.UniqueUsers)
	if len(m.TopCommands) > 0 {
		fmt.Fprintf(&b, "\n*Top commands*\n")
		for i, c := range m.TopCommands {
			fmt.Fprintf(&b, "%d. %s (%d)\n", i+1, c.Command, c.Count)
		}
	}
	fmt.Fprintf(&b, "\n*Rate limit*\n")
	fmt.Fprintf(&b, "• %d requests per %s\n", ls.MaxRequests, ls.Window)
	fmt.Fprintf(&b, "• Active buckets: %d", ls.ActiveBuckets)
	return hc.Reply(ctx, b.String())
}

// RateLimit inspects or resets rate limit buckets:
//
//	ratelimit                  limiter summary
//	ratelimit info <number>    one principal
//	ratelimit reset <number>   reset one principal
//	ratelimit reset all        reset everyone
type RateLimit struct{}

func (r *RateLimit) Descriptor() domain.PluginDescriptor {
	return domain.PluginDescriptor{
		Name:        "ratelimit",
		Patterns:    []string{"ratelimit"},
		Aliases:     []string{"rl"},
		Category:    "system",
		Description: "Inspect or reset rate limits",
		React:       "⏱️",
		Permissions: domain.Permissions{OwnerOnly: true},
	}
}

func (r *RateLimit) Run(ctx context.Context, hc *ports.HandlerContext) error {
	if hc.Admin == nil {
		return hc.Reply(ctx, adminUnavailable)
	}
	var args []string
	if hc.Command != nil {
		args = hc.Command.Args
	}

	if len(args) == 0 {
		ls := hc.Admin.LimiterStats()
		return hc.Reply(ctx, fmt.Sprintf("⏱️ *Rate Limit*\n\n• Limit: %d per %s\n• Active buckets: %d\n• Owners exempt: %t",
			ls.MaxRequests, ls.Window, ls.ActiveBuckets, ls.ExemptOwners))
	}

	sub := strings.ToLower(args[0])
	switch {
	case sub == "reset" && len(args) > 1 && strings.EqualFold(args[1], "all"):
		hc.Admin.ResetAllRateLimits()
		return hc.Reply(ctx, "✅ All rate limits reset")
	case sub == "reset" && len(args) > 1:
		jid := domain.PhoneToJID(args[1])
		if jid == "" {
			return hc.Reply(ctx, "❌ Invalid number")
		}
		hc.Admin.ResetRateLimit(jid)
		return hc.Reply(ctx, fmt.Sprintf("✅ Rate limit reset for %s", domain.PhoneFromJID(jid)))
	case sub == "info" && len(args) > 1:
		jid := domain.PhoneToJID(args[1])
		if jid == "" {
			return hc.Reply(ctx, "❌ Invalid number")
		}
		info := hc.Admin.RateLimitInfo(jid)
		return hc.Reply(ctx, fmt.Sprintf("⏱️ *%s*\n\n• Remaining: %d/%d\n• Full in: %ds",
			domain.PhoneFromJID(jid), info.Remaining, info.Limit, int64(info.ResetIn.Seconds())))
	}
	return hc.Reply(ctx, fmt.Sprintf("Usage: %[1]sratelimit [info <number> | reset <number|all>]", hc.Settings.Prefix))
}

var (
	_ ports.Runner = (*Ping)(nil)
	_ ports.Runner = (*Menu)(nil)
	_ ports.Runner = (*Reload)(nil)
	_ ports.Runner = (*Stats)(nil)
	_ ports.Runner = (*RateLimit)(nil)
)
