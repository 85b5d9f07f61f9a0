package main

import (
	"context"
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/emotionlistener/emotion-listener/internal/domain"
	"github.com/emotionlistener/emotion-listener/internal/session"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	userStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	botStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("170")).Bold(true)
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

const helpText = "enter: send • ctrl+n: new chat • esc: quit"

// sessionClosedMsg is delivered when the controller's event stream ends.
type sessionClosedMsg struct{}

type model struct {
	ctx        context.Context
	newSession func() *session.Controller

	ctrl    *session.Controller
	events  <-chan session.Event
	cancel  func()
	history []domain.Message
	phase   domain.Phase
	loading bool
	status  string

	input    textinput.Model
	spinner  spinner.Model
	viewport viewport.Model
	md       *glamour.TermRenderer
	width    int
	ready    bool
}

func newModel(ctx context.Context, newSession func() *session.Controller) model {
	ti := textinput.New()
	ti.Placeholder = "Tell me how you're feeling..."
	ti.CharLimit = 2000
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("63"))

	m := model{
		ctx:        ctx,
		newSession: newSession,
		input:      ti,
		spinner:    sp,
		viewport:   viewport.New(80, 20),
		width:      80,
	}
	m.md = newMarkdown(m.width)
	m.attach(newSession())
	return m
}

func newMarkdown(width int) *glamour.TermRenderer {
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(max(width-4, 20)),
	)
	if err != nil {
		return nil
	}
	return r
}

// attach switches the model to ctrl and subscribes to its events.
func (m *model) attach(ctrl *session.Controller) {
	if m.cancel != nil {
		m.cancel()
	}
	m.ctrl = ctrl
	m.events, m.cancel = ctrl.Subscribe(64)
	snap := ctrl.Snapshot()
	m.history = snap.Messages
	m.phase = snap.Phase
	m.loading = snap.Loading
	m.status = ""
}

func waitForEvent(ch <-chan session.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return sessionClosedMsg{}
		}
		return ev
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, waitForEvent(m.events))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyEsc, tea.KeyCtrlC:
			m.cancel()
			return m, tea.Quit
		case tea.KeyCtrlN:
			m.attach(m.newSession())
			m.refresh()
			return m, waitForEvent(m.events)
		case tea.KeyEnter:
			m.submit()
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-5, 3)
		m.input.Width = max(msg.Width-4, 10)
		m.md = newMarkdown(msg.Width)
		m.ready = true
		m.refresh()

	case session.Event:
		m.apply(msg)
		return m, waitForEvent(m.events)

	case sessionClosedMsg:
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *model) submit() {
	text := m.input.Value()
	_, err := m.ctrl.SubmitAsync(m.ctx, text)
	switch {
	case err == nil:
		m.input.SetValue("")
		m.status = ""
	case errors.Is(err, session.ErrEmptyInput):
		m.status = ""
	case errors.Is(err, session.ErrBusy):
		m.status = "Still waiting for the previous answer..."
	case errors.Is(err, session.ErrSessionClosed):
		m.status = "This conversation has ended. Press ctrl+n to start a new one."
	default:
		m.status = err.Error()
	}
}

func (m *model) apply(ev session.Event) {
	if ev.SessionID != m.ctrl.ID() {
		return
	}
	if ev.Message != nil {
		m.history = append(m.history, *ev.Message)
	}
	m.phase = ev.Phase
	m.loading = ev.Loading
	if ev.Phase.Terminal() && !ev.Loading && ev.Type == session.EventPhase {
		m.status = "Conversation finished. Press ctrl+n to start a new one."
	}
	m.refresh()
}

func (m *model) refresh() {
	m.viewport.SetContent(m.renderTranscript())
	m.viewport.GotoBottom()
}

func (m model) renderTranscript() string {
	var b strings.Builder
	for _, msg := range m.history {
		if msg.IsBot() {
			b.WriteString(botStyle.Render("Listener"))
			b.WriteString("\n")
			b.WriteString(m.renderMarkdown(msg.Text))
		} else {
			b.WriteString(userStyle.Render("You"))
			b.WriteString("\n")
			b.WriteString(msg.Text)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m model) renderMarkdown(text string) string {
	if m.md == nil {
		return text + "\n"
	}
	out, err := m.md.Render(text)
	if err != nil {
		return text + "\n"
	}
	return out
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Emotion Listener"))
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")

	switch {
	case m.loading:
		b.WriteString(m.spinner.View() + " " + statusStyle.Render("Analyzing your answers..."))
	case m.status != "":
		b.WriteString(errorStyle.Render(m.status))
	default:
		b.WriteString(statusStyle.Render(helpText))
	}
	b.WriteString("\n")
	b.WriteString(m.input.View())
	return b.String()
}
