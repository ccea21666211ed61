package tui

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"sew/cli"
	"sew/model"
	"sew/sew"
)

// --- Styles ---
var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("78"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("197"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	addedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("78"))
	removedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("197"))
	hunkStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	pathStyle    = lipgloss.NewStyle()
	faintStyle   = lipgloss.NewStyle().Faint(true)
)

// --- Messages ---
type plannedMsg struct {
	parsed   model.ParseResult
	previews []model.FilePreview
}

type progressMsg struct {
	done   int
	total  int
	latest model.OperationResult
}

type appliedMsg struct {
	summary model.Summary
}

type emptyMsg struct{ message string }

type errorMsg struct{ err error }

func (e errorMsg) Error() string { return e.err.Error() }

// --- Model ---
type state int

const (
	stateLoading state = iota
	statePreview
	stateApplying
	stateSummary
	stateError
)

type Model struct {
	app     *sew.App
	cfg     *cli.Config
	program *tea.Program

	spinner  spinner.Model
	viewport viewport.Model
	ready    bool

	state    state
	parsed   model.ParseResult
	previews []model.FilePreview
	done     int
	total    int
	latest   model.OperationResult
	summary  model.Summary
	message  string
	err      error
}

func New(app *sew.App, cfg *cli.Config) *Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return &Model{
		app:     app,
		cfg:     cfg,
		spinner: s,
		state:   stateLoading,
	}
}

// SetProgram wires the running program in so apply progress can be pushed
// from the executor's callback.
func (m *Model) SetProgram(p *tea.Program) {
	m.program = p
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.load)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		height := msg.Height - 6
		if height < 4 {
			height = 4
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width, height)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = height
		}
		if m.state == statePreview {
			m.viewport.SetContent(m.renderPreviews())
		}
		return m, nil

	case tea.KeyMsg:
		return m.updateKeys(msg)

	case plannedMsg:
		m.parsed = msg.parsed
		m.previews = msg.previews
		if m.cfg.Preview {
			m.state = statePreview
			if m.ready {
				m.viewport.SetContent(m.renderPreviews())
			}
			return m, nil
		}
		if m.cfg.Yes {
			m.state = stateApplying
			return m, m.apply
		}
		m.state = statePreview
		if m.ready {
			m.viewport.SetContent(m.renderPreviews())
		}
		return m, nil

	case progressMsg:
		m.done = msg.done
		m.total = msg.total
		m.latest = msg.latest
		return m, nil

	case appliedMsg:
		m.state = stateSummary
		m.summary = msg.summary
		return m, tea.Quit

	case emptyMsg:
		m.state = stateSummary
		m.message = msg.message
		return m, tea.Quit

	case errorMsg:
		m.state = stateError
		m.err = msg.err
		return m, tea.Quit

	default:
		var cmd tea.Cmd
		if m.state == stateLoading || m.state == stateApplying {
			m.spinner, cmd = m.spinner.Update(msg)
		}
		return m, cmd
	}
}

func (m *Model) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "q", "esc", "n":
		if m.state == statePreview {
			m.state = stateSummary
			m.message = "Aborted. No files were changed."
			return m, tea.Quit
		}
		if m.state != stateApplying {
			return m, tea.Quit
		}
	case "y", "enter":
		if m.state == statePreview && !m.cfg.Preview {
			m.state = stateApplying
			return m, tea.Batch(m.spinner.Tick, m.apply)
		}
		if m.state == statePreview && m.cfg.Preview {
			return m, tea.Quit
		}
	}
	if m.state == statePreview {
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) View() string {
	switch m.state {
	case stateLoading:
		return fmt.Sprintf("%s Parsing patch description...", m.spinner.View())
	case statePreview:
		return m.viewPreview()
	case stateApplying:
		return fmt.Sprintf("%s Applying [%d/%d] %s",
			m.spinner.View(), m.done, m.total, m.latest.TargetPath)
	case stateError:
		return errorStyle.Render("Error: ", m.err.Error()) + "\n"
	case stateSummary:
		return m.renderSummary()
	default:
		return ""
	}
}

func (m *Model) viewPreview() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("--- Preview ---"))
	b.WriteString("\n")
	if m.ready {
		b.WriteString(m.viewport.View())
	} else {
		b.WriteString(m.renderPreviews())
	}
	b.WriteString("\n")
	if m.cfg.Preview {
		b.WriteString(faintStyle.Render("q to quit"))
	} else {
		b.WriteString(faintStyle.Render("y apply · n abort · ↑/↓ scroll"))
	}
	return b.String()
}

func (m *Model) renderPreviews() string {
	var b strings.Builder
	for _, e := range m.parsed.Errors {
		b.WriteString(warnStyle.Render(fmt.Sprintf("skipped entry %d (line %d): %s", e.Index, e.Line, e.Message)))
		b.WriteString("\n")
	}
	for _, p := range m.previews {
		if p.Err != "" {
			b.WriteString(errorStyle.Render(fmt.Sprintf("%s %s: %s", p.Action, p.TargetPath, p.Err)))
			b.WriteString("\n")
			continue
		}
		b.WriteString(headerStyle.Render(fmt.Sprintf("%s %s", p.Action, p.TargetPath)))
		if p.Added > 0 || p.Removed > 0 {
			b.WriteString(" ")
			b.WriteString(addedStyle.Render(fmt.Sprintf("+%d", p.Added)))
			b.WriteString(" ")
			b.WriteString(removedStyle.Render(fmt.Sprintf("-%d", p.Removed)))
		}
		b.WriteString("\n")
		if p.Diff == "" {
			b.WriteString(faintStyle.Render("  (no content change)"))
			b.WriteString("\n")
			continue
		}
		for _, line := range strings.Split(strings.TrimSuffix(p.Diff, "\n"), "\n") {
			switch {
			case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
				b.WriteString(faintStyle.Render(line))
			case strings.HasPrefix(line, "@@"):
				b.WriteString(hunkStyle.Render(line))
			case strings.HasPrefix(line, "+"):
				b.WriteString(addedStyle.Render(line))
			case strings.HasPrefix(line, "-"):
				b.WriteString(removedStyle.Render(line))
			default:
				b.WriteString(line)
			}
			b.WriteString("\n")
		}
	}
	if b.Len() == 0 {
		b.WriteString(faintStyle.Render("Nothing to apply."))
	}
	return b.String()
}

func (m *Model) renderSummary() string {
	var b strings.Builder

	if m.message != "" {
		b.WriteString(headerStyle.Render(m.message))
		b.WriteString("\n")
		return b.String()
	}

	hasContent := false
	section := func(style lipgloss.Style, title string, items []string) {
		if len(items) == 0 {
			return
		}
		hasContent = true
		b.WriteString(style.Render(title))
		b.WriteString("\n")
		for _, item := range items {
			b.WriteString(fmt.Sprintf("  %s\n", pathStyle.Render(item)))
		}
	}
	section(successStyle, "Created:", m.summary.Created)
	section(successStyle, "Modified:", m.summary.Modified)
	section(successStyle, "Removed:", m.summary.Removed)
	section(errorStyle, "Failed:", m.summary.Failed)

	for _, e := range m.summary.Errors {
		hasContent = true
		b.WriteString(warnStyle.Render(fmt.Sprintf("skipped entry %d: %s", e.Index, e.Message)))
		b.WriteString("\n")
	}

	if !hasContent {
		b.WriteString(faintStyle.Render("Nothing to do."))
		b.WriteString("\n")
	}
	return b.String()
}

// --- Commands ---

func (m *Model) load() tea.Msg {
	content, err := m.app.Load()
	if err != nil {
		return errorMsg{err}
	}
	if strings.TrimSpace(content) == "" {
		return emptyMsg{message: "Source is empty. Nothing to process."}
	}
	parsed := m.app.Parse(content)
	if len(parsed.Directives) == 0 && len(parsed.Errors) == 0 {
		return emptyMsg{message: "No directives found in the source."}
	}
	return plannedMsg{parsed: parsed, previews: m.app.Plan(parsed.Directives)}
}

func (m *Model) apply() tea.Msg {
	if m.program != nil {
		m.app.SetProgressCallback(func(done, total int, latest model.OperationResult) {
			m.program.Send(progressMsg{done: done, total: total, latest: latest})
		})
	}
	batch, err := m.app.Apply(context.Background(), m.parsed.Directives)
	if err != nil {
		if e, ok := err.(*sew.DetailedError); ok {
			fmt.Fprintf(os.Stderr, "\n--- Stack Trace ---\n%s\n", e.Stack)
		}
		return errorMsg{err}
	}
	return appliedMsg{summary: m.app.Summarize(m.parsed, batch)}
}
