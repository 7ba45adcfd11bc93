// Package tui implements the Bubble Tea terminal console.
package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Tab represents a tab in the TUI.
type Tab int

const (
	TabChat Tab = iota
	TabPlugins
	TabStats
)

func (t Tab) String() string {
	return []string{"Chat", "Plugins", "Stats"}[t]
}

type lineKind int

const (
	lineUser lineKind = iota
	lineBot
	lineReaction
	lineSystem
)

type chatLine struct {
	from lineKind
	text string
}

func (l chatLine) render() string {
	switch l.from {
	case lineUser:
		return userMessageStyle.Render("> " + l.text)
	case lineBot:
		return botMessageStyle.Render(l.text)
	case lineReaction:
		return reactionStyle.Render("  " + l.text)
	}
	return subtitleStyle.Render(l.text)
}

// lineMsg carries one line from the bot to the model.
type lineMsg chatLine

// submitErrMsg reports a typed line that never reached the bot.
type submitErrMsg struct{ err error }

// Model represents the main TUI state.
type Model struct {
	console     *Console
	activeTab   Tab
	tabs        []Tab
	width       int
	height      int
	help        help.Model
	keys        keyMap
	input       textinput.Model
	viewport    viewport.Model
	lines       []chatLine
	plugins     *PluginListModel
	initialized bool
}

// keyMap defines the key bindings.
type keyMap struct {
	Tab      key.Binding
	ShiftTab key.Binding
	Quit     key.Binding
	Help     key.Binding
	Send     key.Binding
	Up       key.Binding
	Down     key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Send, k.Tab, k.Quit, k.Help}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Tab, k.ShiftTab},
		{k.Up, k.Down},
		{k.Send, k.Quit, k.Help},
	}
}

var defaultKeyMap = keyMap{
	Tab: key.NewBinding(
		key.WithKeys("tab"),
		key.WithHelp("tab", "next tab"),
	),
	ShiftTab: key.NewBinding(
		key.WithKeys("shift+tab"),
		key.WithHelp("shift+tab", "prev tab"),
	),
	Quit: key.NewBinding(
		key.WithKeys("ctrl+c", "esc"),
		key.WithHelp("esc", "quit"),
	),
	Help: key.NewBinding(
		key.WithKeys("f1"),
		key.WithHelp("f1", "help"),
	),
	Send: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "send"),
	),
	Up: key.NewBinding(
		key.WithKeys("pgup"),
		key.WithHelp("pgup", "scroll up"),
	),
	Down: key.NewBinding(
		key.WithKeys("pgdown"),
		key.WithHelp("pgdown", "scroll down"),
	),
}

// NewModel creates the console model.
func NewModel(c *Console) Model {
	input := textinput.New()
	input.Placeholder = "Type a message, e.g. " + c.opts.Settings.Prefix + "menu"
	input.Prompt = "› "
	input.CharLimit = 4096
	input.Focus()

	return Model{
		console:   c,
		activeTab: TabChat,
		tabs:      []Tab{TabChat, TabPlugins, TabStats},
		help:      help.New(),
		keys:      defaultKeyMap,
		input:     input,
		viewport:  viewport.New(80, 20),
		plugins:   NewPluginListModel(c.opts.Admin),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.waitForLine())
}

// waitForLine blocks on the console outbox and delivers the next line.
func (m Model) waitForLine() tea.Cmd {
	outbox := m.console.outbox
	return func() tea.Msg {
		return lineMsg(<-outbox)
	}
}

func (m Model) submit(text string) tea.Cmd {
	c := m.console
	return func() tea.Msg {
		if err := c.Submit(c.ctx, text); err != nil {
			return submitErrMsg{err: err}
		}
		return nil
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.input.Width = msg.Width - 4
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-6, 1)
		m.plugins.SetSize(msg.Width, msg.Height-4)
		m.initialized = true
		m.refreshChat()

	case lineMsg:
		m.appendLine(chatLine(msg))
		cmds = append(cmds, m.waitForLine())

	case submitErrMsg:
		m.appendLine(chatLine{from: lineSystem, text: "not delivered: " + msg.err.Error()})

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Tab):
			m.activeTab = Tab((int(m.activeTab) + 1) % len(m.tabs))
			m.onTabChange()
			return m, nil
		case key.Matches(msg, m.keys.ShiftTab):
			m.activeTab = Tab((int(m.activeTab) - 1 + len(m.tabs)) % len(m.tabs))
			m.onTabChange()
			return m, nil
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
			return m, nil
		case m.activeTab == TabChat && key.Matches(msg, m.keys.Send):
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			m.input.Reset()
			m.appendLine(chatLine{from: lineUser, text: text})
			return m, m.submit(text)
		}
	}

	var cmd tea.Cmd
	switch m.activeTab {
	case TabChat:
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)
	case TabPlugins:
		m.plugins, cmd = m.plugins.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) onTabChange() {
	if m.activeTab == TabPlugins {
		m.plugins.Refresh()
	}
}

func (m *Model) appendLine(l chatLine) {
	m.lines = append(m.lines, l)
	m.refreshChat()
}

func (m *Model) refreshChat() {
	rendered := make([]string, len(m.lines))
	for i, l := range m.lines {
		rendered[i] = l.render()
	}
	m.viewport.SetContent(strings.Join(rendered, "\n"))
	m.viewport.GotoBottom()
}

// View implements tea.Model.
func (m Model) View() string {
	if !m.initialized {
		return "Loading..."
	}

	tabBar := m.renderTabs()

	var content string
	switch m.activeTab {
	case TabChat:
		content = lipgloss.JoinVertical(lipgloss.Left, m.viewport.View(), m.input.View())
	case TabPlugins:
		content = m.plugins.View()
	case TabStats:
		content = m.renderStatsTab()
	}

	helpView := m.help.View(m.keys)

	return lipgloss.JoinVertical(lipgloss.Left, tabBar, content, helpView)
}
