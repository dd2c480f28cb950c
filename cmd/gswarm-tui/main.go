package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/filepicker"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/spf13/afero"

	"github.com/danferreira/gswarm/internal/config"
	"github.com/danferreira/gswarm/internal/download"
	"github.com/danferreira/gswarm/internal/node"
)

var (
	tableStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder())
	infoBoxStyle = lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(0, 1).Width(77)
	pausedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)

	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render
)

type mode int

const (
	modeMain mode = iota
	modePickFile
)

type model struct {
	table      table.Model
	help       help.Model
	keyMap     keyMap
	filepicker filepicker.Model
	uiMode     mode
	quitting   bool

	err   string
	node  *node.Node
	state download.Snapshot
	peers int
	down  int64
	up    int64
}

type keyMap struct {
	share  key.Binding
	pause  key.Binding
	resume key.Binding
	quit   key.Binding
}

type snapshotMsg struct {
	state download.Snapshot
	peers int
	down  int64
	up    int64
}

type sharedMsg struct {
	name string
}

type errMsg struct {
	err error
}

type tickMsg time.Time

func (m model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if wm, ok := msg.(tea.WindowSizeMsg); ok {
		m.help.Width = wm.Width
		m.filepicker, _ = m.filepicker.Update(msg)
	}

	switch m.uiMode {
	case modePickFile:
		return m.updatePicker(msg)
	default:
		return m.updateMain(msg)
	}
}

func (m model) updateMain(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keyMap.quit):
			m.quitting = true
			return m, tea.Quit

		case key.Matches(msg, m.keyMap.pause):
			m.node.Manager().Pause()
			return m, m.refresh()

		case key.Matches(msg, m.keyMap.resume):
			m.node.Manager().Resume()
			return m, m.refresh()

		case key.Matches(msg, m.keyMap.share):
			m.uiMode = modePickFile
			return m, m.filepicker.Init()
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd
	case snapshotMsg:
		m.state = msg.state
		m.peers = msg.peers
		m.down, m.up = msg.down, msg.up
		m.updateRows()
		return m, nil
	case sharedMsg:
		m.err = ""
		return m, m.refresh()
	case errMsg:
		m.err = msg.err.Error()
		return m, nil
	case tickMsg:
		return m, tea.Batch(m.refresh(), tickCmd())
	}

	return m, nil
}

func (m model) updatePicker(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		if key.Matches(msg, m.keyMap.quit) {
			m.uiMode = modeMain
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.filepicker, cmd = m.filepicker.Update(msg)

	if didSelect, path := m.filepicker.DidSelectFile(msg); didSelect {
		m.uiMode = modeMain

		return m, tea.Batch(cmd, m.shareFile(path))
	}

	return m, cmd
}

func (m model) shareFile(path string) tea.Cmd {
	return func() tea.Msg {
		rec, err := m.node.Share(path, 0)
		if err != nil {
			return errMsg{err}
		}
		return sharedMsg{name: rec.Name}
	}
}

func (m model) refresh() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		s, err := m.node.Manager().Snapshot(ctx)
		if err != nil {
			return errMsg{err}
		}
		down, up := m.node.Traffic()
		return snapshotMsg{state: s, peers: len(m.node.Peers()), down: down, up: up}
	}
}

func (m model) View() string {
	if m.quitting {
		return ""
	}

	if m.uiMode == modePickFile {
		return "Share file:" + " " + m.filepicker.CurrentDirectory + "\n\n" + m.filepicker.View() + "\n"
	}

	helpView := m.help.ShortHelpView([]key.Binding{
		m.keyMap.share,
		m.keyMap.pause,
		m.keyMap.resume,
		m.keyMap.quit,
	})

	const bytesInMB = 1024 * 1024

	status := fmt.Sprintf("%d peers connected  ↓ %.2fMB  ↑ %.2fMB", m.peers, float64(m.down)/bytesInMB, float64(m.up)/bytesInMB)
	if m.state.Paused {
		status += "  " + pausedStyle.Render("PAUSED")
	}
	if m.err != "" {
		status += "  " + m.err
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		tableStyle.Render(m.table.View()),
		m.updateInfoBox(),
		helpStyle(status),
		helpView,
	)
}

func (m *model) updateRows() {
	rows := make([]table.Row, 0, len(m.state.Tasks))
	for i, ts := range m.state.Tasks {
		pct := 0.0
		if ts.Size > 0 {
			pct = float64(ts.Received) / float64(ts.Size) * 100
		}
		state := ts.State
		if ts.Current {
			state = "▶ " + state
		}
		rows = append(rows, table.Row{
			fmt.Sprint(i + 1),
			ts.Name,
			fmt.Sprintf("%5.1f%%", pct),
			state,
			fmt.Sprint(ts.Peers),
		})
	}
	m.table.SetRows(rows)
}

func (m *model) updateInfoBox() string {
	if len(m.state.Tasks) == 0 {
		return infoBoxStyle.Render("Nothing to download")
	}

	i := m.table.Cursor()
	if i < 0 || i >= len(m.state.Tasks) {
		return infoBoxStyle.Render("Select a download")
	}
	ts := m.state.Tasks[i]

	position := "-"
	for n, id := range m.state.Queue {
		if id == ts.ID {
			position = fmt.Sprint(n + 1)
		}
	}

	const bytesInMB = 1024 * 1024

	info := strings.Builder{}
	info.WriteString(fmt.Sprintf("ID: %s\n", ts.ID))
	info.WriteString(fmt.Sprintf("Size: %.2fMB  Priority: %d\n", float64(ts.Size)/bytesInMB, ts.Priority))
	info.WriteString(fmt.Sprintf("Ready: %t  Queue position: %s", ts.Ready, position))

	return infoBoxStyle.Render(info.String())
}

func configureTable() table.Model {
	columns := []table.Column{
		{Title: "#", Width: 2},
		{Title: "Object", Width: 30},
		{Title: "Progress", Width: 10},
		{Title: "State", Width: 15},
		{Title: "Peers", Width: 10},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(7),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return t
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func main() {
	configFile := flag.String("config", "", "Path to the config file (default ./gswarm.yaml)")
	logFile := flag.String("log", "", "Write logs to this file")
	flag.Parse()

	_ = godotenv.Load()

	var logOut io.Writer = io.Discard
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Println("Error opening log file:", err)
			os.Exit(1)
		}
		defer f.Close()
		logOut = f
	}

	c, err := config.Load(afero.NewOsFs(), *configFile)
	if err != nil {
		fmt.Println("Error loading config:", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if c.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level})))

	n, err := node.New(c)
	if err != nil {
		fmt.Println("Error starting node:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	m := model{filepicker: filepicker.New(), table: configureTable(), node: n,
		keyMap: keyMap{
			share: key.NewBinding(
				key.WithKeys("o"),
				key.WithHelp("o", "share file"),
			),
			pause: key.NewBinding(
				key.WithKeys("p"),
				key.WithHelp("p", "pause"),
			),
			resume: key.NewBinding(
				key.WithKeys("r"),
				key.WithHelp("r", "resume"),
			),
			quit: key.NewBinding(
				key.WithKeys("q", "ctrl+c"),
				key.WithHelp("q", "quit"),
			),
		},
		help: help.New(),
	}

	_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()

	cancel()
	if runErr := <-done; runErr != nil {
		fmt.Println("Error running node:", runErr)
	}
	n.Close()

	if err != nil {
		fmt.Println("Error running program:", err)
		os.Exit(1)
	}
}
