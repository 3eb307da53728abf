package panel

import (
	"context"
	"io"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/tabrelay/agent/internal/messaging"
)

// Backend is what the panel needs from the agent.
type Backend interface {
	Status(ctx context.Context) (messaging.Reply, error)
	Toggle(ctx context.Context) (messaging.Reply, error)
}

type statusMsg struct {
	reply messaging.Reply
	err   error
}

type toggledMsg struct {
	reply messaging.Reply
	err   error
}

// Model is the interactive panel.
type Model struct {
	ctx     context.Context
	backend Backend
	view    View
}

func NewModel(ctx context.Context, b Backend) Model {
	return Model{ctx: ctx, backend: b, view: Initial()}
}

// Current returns the panel state.
func (m Model) Current() View {
	return m.view
}

func (m Model) Init() tea.Cmd {
	return func() tea.Msg {
		reply, err := m.backend.Status(m.ctx)
		return statusMsg{reply, err}
	}
}

func (m Model) toggle() tea.Msg {
	reply, err := m.backend.Toggle(m.ctx)
	return toggledMsg{reply, err}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "enter", " ":
			if m.view.Disabled {
				return m, nil
			}
			m.view = m.view.Pending()
			return m, m.toggle
		}
	case statusMsg:
		m.view = m.view.Loaded(msg.reply, msg.err)
	case toggledMsg:
		m.view = m.view.Toggled(msg.reply, msg.err)
	}
	return m, nil
}

func (m Model) View() string {
	return Render(m.view) + "\n" + statusStyle.Render("enter/space: toggle • q: quit") + "\n"
}

// Run shows the panel until the user quits.
func Run(ctx context.Context, b Backend, in io.Reader, out io.Writer) error {
	p := tea.NewProgram(NewModel(ctx, b),
		tea.WithContext(ctx),
		tea.WithInput(in),
		tea.WithOutput(out),
	)
	_, err := p.Run()
	return err
}
