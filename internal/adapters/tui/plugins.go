package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/MidknightMantra/MidKnight/internal/core/domain"
	"github.com/MidknightMantra/MidKnight/internal/core/ports"
)

// PluginItem represents a loaded plugin in the list.
type PluginItem struct {
	Descriptor domain.PluginDescriptor
}

func (p PluginItem) Title() string {
	icon := "✅"
	if !p.Descriptor.Enabled() {
		icon = "⏸️"
	}
	trigger := "(passive)"
	if p.Descriptor.HasCommand() {
		trigger = p.Descriptor.Canonical()
	}
	return fmt.Sprintf("%s %s  %s", icon, p.Descriptor.Name, trigger)
}

func (p PluginItem) Description() string {
	var flags []string
	if p.Descriptor.Permissions.OwnerOnly {
		flags = append(flags, "owner")
	}
	if p.Descriptor.Permissions.GroupOnly {
		flags = append(flags, "group")
	}
	desc := p.Descriptor.Description
	if len(desc) > 40 {
		desc = desc[:40]
	}
	parts := []string{string(p.Descriptor.Kind), p.Descriptor.Category}
	if len(flags) > 0 {
		parts = append(parts, strings.Join(flags, ","))
	}
	if len(p.Descriptor.Aliases) > 0 {
		parts = append(parts, "aka "+strings.Join(p.Descriptor.Aliases, ", "))
	}
	return strings.Join(append(parts, desc), " | ")
}

func (p PluginItem) FilterValue() string {
	return p.Descriptor.Name + " " + strings.Join(p.Descriptor.Patterns, " ") + " " + strings.Join(p.Descriptor.Aliases, " ")
}

// PluginListModel lists the registered plugins.
type PluginListModel struct {
	admin ports.RuntimeAdmin
	list  list.Model
}

// NewPluginListModel creates the plugin tab. A nil admin shows an empty
// list.
func NewPluginListModel(admin ports.RuntimeAdmin) *PluginListModel {
	l := list.New(nil, list.NewDefaultDelegate(), 80, 20)
	l.Title = "Plugins"
	l.SetShowHelp(false)
	m := &PluginListModel{admin: admin, list: l}
	m.Refresh()
	return m
}

// Refresh reloads the plugin snapshot from the runtime.
func (m *PluginListModel) Refresh() {
	if m.admin == nil {
		m.list.SetItems(nil)
		return
	}
	plugins := m.admin.Plugins()
	items := make([]list.Item, len(plugins))
	for i, d := range plugins {
		items[i] = PluginItem{Descriptor: d}
	}
	m.list.SetItems(items)
	m.list.Title = fmt.Sprintf("Plugins (%d)", len(items))
}

// SetSize resizes the list.
func (m *PluginListModel) SetSize(width, height int) {
	m.list.SetSize(width, max(height, 1))
}

// Update handles list navigation and filtering.
func (m *PluginListModel) Update(msg tea.Msg) (*PluginListModel, tea.Cmd) {
	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

// View renders the list.
func (m *PluginListModel) View() string {
	if m.admin == nil {
		return subtitleStyle.Render("Runtime not attached")
	}
	return m.list.View()
}
