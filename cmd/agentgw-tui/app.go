// ABOUTME: Bubbletea model for the agentgw operator dashboard
// ABOUTME: Renders channel status and a scrolling event feed from a live wireclient connection

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kilnlabs/agentgw/internal/wireclient"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type channelRow struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
}

type model struct {
	addr   string
	apiKey string

	client   *wireclient.Client
	spinner  spinner.Model
	viewport viewport.Model

	connected bool
	err       error
	channels  []channelRow
	events    []string

	width, height int
}

func newModel(addr, apiKey string) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return model{addr: addr, apiKey: apiKey, spinner: s, viewport: viewport.New(80, 20)}
}

type connectedMsg struct {
	client *wireclient.Client
	err    error
}

type channelsMsg struct {
	channels []channelRow
	err      error
}

type eventMsg struct {
	env wireclient.Envelope
	ok  bool
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.connect)
}

func (m model) connect() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := wireclient.Dial(ctx, m.addr, m.apiKey)
	return connectedMsg{client: c, err: err}
}

func (m model) loadChannels() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := m.client.Request(ctx, "channels.list", nil)
	if err != nil {
		return channelsMsg{err: err}
	}
	if resp.Error != nil {
		return channelsMsg{err: fmt.Errorf("%s: %s", resp.Error.Kind, resp.Error.Message)}
	}
	var out struct {
		Channels []channelRow `json:"channels"`
	}
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return channelsMsg{err: err}
	}
	return channelsMsg{channels: out.Channels}
}

// waitEvent blocks on the client's event channel; Update re-issues this
// command after every delivery to keep the feed live.
func (m model) waitEvent() tea.Msg {
	env, ok := <-m.client.Events()
	return eventMsg{env: env, ok: ok}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.viewport.Width = msg.Width
		m.viewport.Height = msg.Height - 8
		m.refreshViewport()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.client != nil {
				m.client.Close()
			}
			return m, tea.Quit
		case "r":
			if m.connected {
				return m, m.loadChannels
			}
		}

	case connectedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.client = msg.client
		m.connected = true
		return m, tea.Batch(m.loadChannels, m.waitEvent)

	case channelsMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.channels = msg.channels
		return m, nil

	case eventMsg:
		if !msg.ok {
			m.err = fmt.Errorf("event stream closed")
			return m, nil
		}
		m.events = append(m.events, formatEvent(msg.env))
		if len(m.events) > 500 {
			m.events = m.events[len(m.events)-500:]
		}
		m.refreshViewport()
		return m, m.waitEvent

	case spinner.TickMsg:
		if !m.connected {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *model) refreshViewport() {
	m.viewport.SetContent(strings.Join(m.events, "\n"))
	m.viewport.GotoBottom()
}

func formatEvent(env wireclient.Envelope) string {
	return fmt.Sprintf("%s  %s", env.Ts.Format("15:04:05"), strings.TrimPrefix(env.Type, "evt:"))
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("agent gateway") + "\n\n")

	if !m.connected {
		if m.err != nil {
			b.WriteString(errStyle.Render(fmt.Sprintf("connection failed: %v\n", m.err)))
		} else {
			b.WriteString(m.spinner.View() + " connecting...\n")
		}
		b.WriteString("\n" + helpStyle.Render("[q] quit"))
		return b.String()
	}

	b.WriteString(okStyle.Render("● connected") + dimStyle.Render(" "+m.addr) + "\n\n")

	b.WriteString("Channels\n")
	if len(m.channels) == 0 {
		b.WriteString(dimStyle.Render("  (none)\n"))
	}
	for _, c := range m.channels {
		b.WriteString(fmt.Sprintf("  %-16s %-10s %s\n", c.ID, c.Kind, c.Status))
	}

	b.WriteString("\nEvents\n")
	b.WriteString(m.viewport.View())

	if m.err != nil {
		b.WriteString("\n" + errStyle.Render(m.err.Error()))
	}
	b.WriteString("\n" + helpStyle.Render("[r] refresh channels  [q] quit"))
	return b.String()
}
