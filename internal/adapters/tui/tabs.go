package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// renderTabs renders the tab bar.
func (m Model) renderTabs() string {
	var tabs []string

	for _, tab := range m.tabs {
		style := inactiveTabStyle
		if tab == m.activeTab {
			style = activeTabStyle
		}
		tabs = append(tabs, style.Render(tab.String()))
	}

	tabs = append(tabs, "  "+renderRuntimeState(m.console.opts.Admin != nil)+"  "+subtitleStyle.Render(m.console.chat))
	tabRow := lipgloss.JoinHorizontal(lipgloss.Top, tabs...)
	return tabBarStyle.Width(m.width).Render(tabRow)
}

// renderStatsTab renders request metrics and limiter state.
func (m Model) renderStatsTab() string {
	header := titleStyle.Render("📊 Runtime Statistics")

	admin := m.console.opts.Admin
	if admin == nil {
		return boxStyle.Width(m.width - 4).Render(lipgloss.JoinVertical(lipgloss.Left,
			header, subtitleStyle.Render("Runtime not attached")))
	}

	metrics := admin.RequestMetrics()
	limiter := admin.LimiterStats()

	row := func(label string, value interface{}) string {
		return metricLabelStyle.Render(fmt.Sprintf("%-16s", label)) + metricValueStyle.Render(fmt.Sprint(value))
	}

	rows := []string{
		row("Uptime", admin.Uptime().Round(time.Second)),
		row("Plugins", len(admin.Plugins())),
		"",
		row("Requests", metrics.Total),
		row("Successful", metrics.Successful),
		row("Failed", metrics.Failed),
		row("Success rate", fmt.Sprintf("%.1f%%", metrics.SuccessRate)),
		row("Avg response", metrics.AvgResponseTime),
		row("Unique users", metrics.UniqueUsers),
		"",
		row("Rate limit", fmt.Sprintf("%d per %s", limiter.MaxRequests, limiter.Window)),
		row("Active buckets", limiter.ActiveBuckets),
	}

	if len(metrics.TopCommands) > 0 {
		var top []string
		for _, c := range metrics.TopCommands {
			top = append(top, fmt.Sprintf("%s (%d)", c.Command, c.Count))
		}
		rows = append(rows, "", row("Top commands", strings.Join(top, ", ")))
	}

	content := lipgloss.JoinVertical(lipgloss.Left, append([]string{header}, rows...)...)
	return boxStyle.Width(m.width - 4).Render(content)
}
