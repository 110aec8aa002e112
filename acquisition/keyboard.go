package acquisition

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#88C0D0"))
	labelStyle = lipgloss.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("#2E3440")).Background(lipgloss.Color("#A3BE8C"))
	helpStyle  = lipgloss.NewStyle().Faint(true)
)

type tickMsg time.Time

// KeyboardModel is the operator's label input: label keys overwrite the
// label cell, the stop key (or ctrl+c) ends the session.
type KeyboardModel struct {
	cell    *LabelCell
	keys    *Keymap
	stop    context.CancelFunc
	start   time.Time
	now     func() time.Time
	presses int
	done    bool
}

func NewKeyboardModel(cell *LabelCell, keys *Keymap, stop context.CancelFunc) KeyboardModel {
	return KeyboardModel{cell: cell, keys: keys, stop: stop, start: time.Now(), now: time.Now}
}

func (m KeyboardModel) Init() tea.Cmd { return tick() }

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m KeyboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		key := msg.String()
		if key == "ctrl+c" || m.keys.IsStop(key) {
			m.done = true
			if m.stop != nil {
				m.stop()
			}
			return m, tea.Quit
		}
		if l, ok := m.keys.Lookup(key); ok {
			m.cell.Set(l)
			m.presses++
		}
		return m, nil
	case tickMsg:
		if m.done {
			return m, nil
		}
		return m, tick()
	}
	return m, nil
}

func (m KeyboardModel) View() string {
	if m.done {
		return "stopping…\n"
	}
	var b strings.Builder
	fmt.Fprintln(&b, titleStyle.Render("EEG labelling session"))
	fmt.Fprintf(&b, "time %6.1f s   label %s\n\n", m.now().Sub(m.start).Seconds(), labelStyle.Render(m.cell.Get().String()))
	fmt.Fprintln(&b, helpStyle.Render(strings.Join(m.keys.Help(), "  ")+"  · stop: "+m.keys.stop))
	return b.String()
}

// RunKeyboard drives the model on the terminal until the stop key is pressed
// or ctx is cancelled.
func RunKeyboard(ctx context.Context, m KeyboardModel, opts ...tea.ProgramOption) error {
	p := tea.NewProgram(m, opts...)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			p.Quit()
		case <-done:
		}
	}()
	_, err := p.Run()
	return err
}
