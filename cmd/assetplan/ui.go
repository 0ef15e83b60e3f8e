package main

import (
	"assetplan/internal/core/app"
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

var (
	titleStyle = lipgloss.NewStyle().
			MarginLeft(2).
			Foreground(lipgloss.Color("#3B82F6")).
			Bold(true).
			Render

	docStyle = lipgloss.NewStyle().Margin(1, 2)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F87171")).
			Bold(true)

	changedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FBBF24")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#10B981")).
			Bold(true)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#64748B")).
			Italic(true)
)

type model struct {
	table      table.Model
	lastUpdate time.Time
	builds     int
	modules    int
	duration   time.Duration
	changed    int
	removed    []string
	err        error
}

type buildMsg struct {
	event app.BuildEvent
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		h, v := docStyle.GetFrameSize()
		m.table.SetWidth(msg.Width - h)
		m.table.SetHeight(msg.Height - v - 5)
	case buildMsg:
		m.lastUpdate = time.Now()
		if msg.event.Err != nil {
			m.err = msg.event.Err
			return m, nil
		}
		res := msg.event.Result
		m.err = nil
		m.builds++
		m.modules = res.Graph.Len()
		m.duration = res.Duration
		m.changed = len(res.Changes.Added) + len(res.Changes.Changed)
		m.removed = res.Changes.Removed
		m.table.SetRows(bundleRows(res))
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func bundleRows(res *app.BuildResult) []table.Row {
	status := make(map[string]string)
	for _, name := range res.Changes.Added {
		status[name] = "added"
	}
	for _, name := range res.Changes.Changed {
		status[name] = "changed"
	}
	rows := make([]table.Row, 0, len(res.Plan.Bundles))
	for i, b := range res.Plan.Bundles {
		file, size := "", ""
		if i < len(res.Manifest.Artifacts) {
			file = res.Manifest.Artifacts[i].File
			size = humanize.Bytes(uint64(res.Manifest.Artifacts[i].Size))
		}
		rows = append(rows, table.Row{
			b.Name,
			string(b.Kind),
			fmt.Sprintf("%d", len(b.Modules)),
			file,
			size,
			status[b.Name],
		})
	}
	return rows
}

func (m model) View() string {
	status := statusStyle.Render(fmt.Sprintf("Last update: %v | %d builds | %d modules | %v",
		m.lastUpdate.Format("15:04:05"), m.builds, m.modules, m.duration.Round(time.Millisecond)))

	var summary string
	switch {
	case m.err != nil:
		summary = errorStyle.Render("Build failed: " + m.err.Error())
	case m.changed > 0 || len(m.removed) > 0:
		summary = changedStyle.Render(fmt.Sprintf("%d bundles changed, %d removed", m.changed, len(m.removed)))
	default:
		summary = successStyle.Render("Up to date")
	}

	header := fmt.Sprintf("%s\n%s | %s\n", titleStyle("Bundle Planner"), status, summary)
	return docStyle.Render(header + "\n" + m.table.View())
}

func initialModel() model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Bundle", Width: 24},
			{Title: "Kind", Width: 10},
			{Title: "Modules", Width: 8},
			{Title: "File", Width: 40},
			{Title: "Size", Width: 10},
			{Title: "Change", Width: 8},
		}),
		table.WithFocused(true),
	)
	return model{
		table:      t,
		lastUpdate: time.Now(),
	}
}

// runUI shows the bundle table until the user quits or ctx is done.
func runUI(ctx context.Context, a *app.App) error {
	p := tea.NewProgram(initialModel(), tea.WithAltScreen())

	unsubscribe := a.Subscribe(func(ev app.BuildEvent) {
		p.Send(buildMsg{event: ev})
	})
	defer unsubscribe()

	go func() {
		if last := a.Last(); last != nil {
			p.Send(buildMsg{event: app.BuildEvent{Result: last}})
		} else if err := a.LastError(); err != nil {
			p.Send(buildMsg{event: app.BuildEvent{Err: err}})
		}
		<-ctx.Done()
		p.Quit()
	}()

	_, err := p.Run()
	return err
}
