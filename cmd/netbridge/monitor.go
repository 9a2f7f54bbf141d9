package main

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/wasm-netbridge/runtime"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	doneStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	tailStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#AAAAAA"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

const refreshInterval = 250 * time.Millisecond

// logTail keeps the last lines written to it.
type logTail struct {
	lines   []string
	partial []byte
	limit   int
	mu      sync.Mutex
}

func newLogTail(limit int) *logTail {
	return &logTail{limit: limit}
}

func (t *logTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	data := append(t.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		t.lines = append(t.lines, string(data[:i]))
		data = data[i+1:]
	}
	t.partial = append([]byte(nil), data...)
	if over := len(t.lines) - t.limit; over > 0 {
		t.lines = append([]string(nil), t.lines[over:]...)
	}
	return len(p), nil
}

// Last returns up to n of the most recent complete lines.
func (t *logTail) Last(n int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > len(t.lines) {
		n = len(t.lines)
	}
	return append([]string(nil), t.lines[len(t.lines)-n:]...)
}

type tickMsg time.Time

type statsMsg struct {
	stats runtime.Stats
	err   error
}

type doneMsg struct {
	err error
}

type monitorModel struct {
	started time.Time
	err     error
	rt      *runtime.Runtime
	tail    *logTail
	cancel  context.CancelFunc
	file    string
	entry   string
	spinner spinner.Model
	table   table.Model
	stats   runtime.Stats
	height  int
	done    bool
}

func newMonitorModel(rt *runtime.Runtime, file, entry string, tail *logTail, cancel context.CancelFunc) *monitorModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	tbl := table.New(
		table.WithColumns([]table.Column{
			{Title: "Object", Width: 22},
			{Title: "Count", Width: 10},
		}),
		table.WithHeight(14),
	)
	styles := table.DefaultStyles()
	styles.Selected = lipgloss.NewStyle()
	tbl.SetStyles(styles)

	m := &monitorModel{
		started: time.Now(),
		rt:      rt,
		tail:    tail,
		cancel:  cancel,
		file:    file,
		entry:   entry,
		spinner: sp,
		table:   tbl,
		height:  24,
	}
	m.table.SetRows(m.rows())
	return m
}

func (m *monitorModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetchStats, tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *monitorModel) fetchStats() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), refreshInterval)
	defer cancel()
	s, err := m.rt.Stats(ctx)
	return statsMsg{stats: s, err: err}
}

func (m *monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			if m.done {
				return m, tea.Quit
			}
			m.cancel()
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.height = msg.Height
		return m, nil

	case tickMsg:
		if m.done {
			return m, nil
		}
		return m, tea.Batch(m.fetchStats, tick())

	case statsMsg:
		// A slow loop only delays the view.
		if msg.err == nil {
			m.stats = msg.stats
			m.table.SetRows(m.rows())
		}
		return m, nil

	case doneMsg:
		m.done = true
		m.err = msg.err
		return m, m.fetchStats

	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *monitorModel) rows() []table.Row {
	s := m.stats
	count := func(n int) string { return strconv.Itoa(n) }
	return []table.Row{
		{"HTTP requests", count(s.Bridge.Requests)},
		{"  fetches in flight", count(s.Bridge.Fetches)},
		{"WebSockets", count(s.Bridge.Sockets)},
		{"Peer connections", count(s.Bridge.Peers)},
		{"  negotiating", count(s.Bridge.Negotiating)},
		{"Data channels", count(s.Bridge.Channels)},
		{"Pending operations", count(s.Loop.Pending)},
		{"Live holds", count(s.Loop.Holds)},
		{"Loop tasks run", strconv.FormatUint(s.Loop.Processed, 10)},
		{"Callbacks", strconv.FormatUint(s.Callbacks, 10)},
		{"Callback faults", strconv.FormatUint(s.Faults, 10)},
	}
}

func (m *monitorModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("netbridge"))
	fmt.Fprintf(&b, " %s  entry %s\n\n", m.file, m.entry)

	elapsed := time.Since(m.started).Round(100 * time.Millisecond)
	switch {
	case !m.done:
		fmt.Fprintf(&b, "%s running %s\n\n", m.spinner.View(), elapsed)
	case m.err != nil:
		b.WriteString(errorStyle.Render("failed: "+m.err.Error()) + "\n\n")
	default:
		b.WriteString(doneStyle.Render("finished in "+elapsed.String()) + "\n\n")
	}

	b.WriteString(m.table.View())
	b.WriteString("\n\n")

	if n := m.height - 22; n > 0 {
		for _, line := range m.tail.Last(n) {
			b.WriteString(tailStyle.Render(line) + "\n")
		}
		b.WriteString("\n")
	}

	if m.done {
		b.WriteString(helpStyle.Render("q: exit"))
	} else {
		b.WriteString(helpStyle.Render("q: stop the guest"))
	}
	return b.String()
}

// runMonitor runs entry while showing live stats. The view stays up after
// the guest finishes until the user leaves.
func runMonitor(ctx context.Context, rt *runtime.Runtime, entry, file string, tail *logTail) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newMonitorModel(rt, file, entry, tail, cancel), tea.WithAltScreen(), tea.WithContext(ctx))

	errCh := make(chan error, 1)
	go func() {
		err := rt.Run(runCtx, entry)
		errCh <- err
		p.Send(doneMsg{err: err})
	}()

	if _, err := p.Run(); err != nil {
		cancel()
		<-errCh
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	cancel()
	return <-errCh
}
