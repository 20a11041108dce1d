package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/adw/internal/models"
	"github.com/mpataki/adw/internal/state"
	"github.com/mpataki/adw/internal/workspace"
)

type View int

const (
	ViewRunList View = iota
	ViewRunDetail
	ViewOutput
)

// Executions is the part of the ledger the browser reads.
type Executions interface {
	GetExecutionsForRun(ctx context.Context, runID string) ([]*models.Execution, error)
}

// Source is where the browser reads runs from.
type Source struct {
	WorkDir string
	// Ledger adds per-attempt detail; nil when the ledger is off.
	Ledger Executions
	// Kill stops a run's running assistant; nil disables [x].
	Kill func(ctx context.Context, runID string) error
}

// phaseRow is one phase directory of the selected run.
type phaseRow struct {
	phase    models.Phase
	summary  map[string]any
	attempts []*models.Execution
}

type App struct {
	src Source

	view          View
	runs          []*models.Run
	selectedIdx   int
	selectedRun   *models.Run
	phases        []phaseRow
	selectedPhase int
	output        viewport.Model
	outputTitle   string
	status        string

	width  int
	height int
	err    error
}

func NewApp(src Source) *App {
	return &App{
		src:    src,
		view:   ViewRunList,
		output: viewport.New(80, 20),
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadRuns, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.output.Width = msg.Width
		a.output.Height = max(msg.Height-4, 3)
		return a, nil

	case runsLoadedMsg:
		a.runs = msg.runs
		a.err = msg.err
		if a.selectedIdx >= len(a.runs) {
			a.selectedIdx = max(len(a.runs)-1, 0)
		}
		return a, nil

	case tickMsg:
		// Phases run in other processes; refresh whatever is on screen.
		switch a.view {
		case ViewRunList:
			return a, tea.Batch(a.loadRuns, a.tickCmd())
		case ViewRunDetail:
			if a.selectedRun != nil {
				return a, tea.Batch(a.loadRunDetail(a.selectedRun.ID), a.tickCmd())
			}
		}
		return a, a.tickCmd()

	case runDetailMsg:
		a.err = msg.err
		if msg.err == nil {
			a.selectedRun = msg.run
			a.phases = msg.phases
			if a.selectedPhase >= len(a.phases) {
				a.selectedPhase = 0
			}
			a.view = ViewRunDetail
		}
		return a, nil

	case runKilledMsg:
		a.err = msg.err
		if msg.err == nil {
			a.status = "killed run " + msg.runID
		}
		return a, a.loadRuns

	case outputLoadedMsg:
		if msg.err != nil {
			a.err = msg.err
			return a, nil
		}
		a.outputTitle = msg.title
		a.output.SetContent(msg.content)
		a.output.GotoTop()
		a.view = ViewOutput
		return a, nil
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewRunList:
		return a.handleRunListKey(msg)
	case ViewOutput:
		return a.handleOutputKey(msg)
	case ViewRunDetail:
		return a.handleRunDetailKey(msg)
	}
	return a, nil
}

func (a *App) handleRunListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.runs)-1 {
			a.selectedIdx++
		}

	case "enter":
		if len(a.runs) > 0 && a.selectedIdx < len(a.runs) {
			a.selectedPhase = 0
			return a, a.loadRunDetail(a.runs[a.selectedIdx].ID)
		}

	case "r":
		return a, a.loadRuns

	case "x":
		if a.src.Kill != nil && len(a.runs) > 0 && a.selectedIdx < len(a.runs) {
			return a, a.killRun(a.runs[a.selectedIdx].ID)
		}
	}

	return a, nil
}

func (a *App) handleRunDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunList
		a.selectedRun = nil
		a.phases = nil
		a.selectedPhase = 0

	case "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedPhase > 0 {
			a.selectedPhase--
		}

	case "down", "j":
		if a.selectedPhase < len(a.phases)-1 {
			a.selectedPhase++
		}

	case "enter", "o":
		if a.selectedRun != nil && a.selectedPhase < len(a.phases) {
			return a, a.loadOutput(a.selectedRun, a.phases[a.selectedPhase])
		}
	}

	return a, nil
}

func (a *App) handleOutputKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunDetail
		a.output.SetContent("")
		return a, nil

	case "ctrl+c":
		return a, tea.Quit
	}

	var cmd tea.Cmd
	a.output, cmd = a.output.Update(msg)
	return a, cmd
}

func (a *App) View() string {
	switch a.view {
	case ViewRunList:
		return a.viewRunList()
	case ViewRunDetail:
		return a.viewRunDetail()
	case ViewOutput:
		return a.viewOutput()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusWarn     = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewRunList() string {
	s := titleStyle.Render("adw runs") + "  " + dimStyle.Render(a.src.WorkDir) + "\n\n"

	if a.err != nil {
		s += statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	}
	if a.status != "" {
		s += dimStyle.Render(a.status) + "\n"
	}

	if len(a.runs) == 0 {
		s += "No runs yet. Start one with: adw plan \"<prompt>\"\n"
	} else {
		s += "Recent Runs\n"
		s += "───────────\n"

		for i, run := range a.runs {
			line := a.formatRunLine(run)
			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	help := "[enter] view  [r] refresh  [q] quit"
	if a.src.Kill != nil {
		help = "[enter] view  [x] kill  [r] refresh  [q] quit"
	}
	s += "\n" + helpStyle.Render(help)

	return s
}

func (a *App) formatRunLine(run *models.Run) string {
	taskType := "-"
	if run.TaskType != nil {
		taskType = string(*run.TaskType)
	}
	last := run.LastPhase()
	if last == "" {
		last = "created"
	}
	return fmt.Sprintf("%s  %-8s %s  %-6s  %s", run.ID, taskType, a.formatLastPhase(last), formatAge(run.UpdatedAt), truncate(run.Prompt, 40))
}

func (a *App) formatLastPhase(last string) string {
	label := fmt.Sprintf("%-18s", last)
	switch {
	case strings.HasSuffix(last, ":cancelled"):
		return statusWarn.Render(label)
	case last == string(models.PhaseReview) || last == string(models.PhaseDocument):
		return statusComplete.Render(label)
	default:
		return statusRunning.Render(label)
	}
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		return fmt.Sprintf("%dd", days)
	}
}

func (a *App) viewRunDetail() string {
	if a.selectedRun == nil {
		return "No run selected"
	}

	run := a.selectedRun
	s := titleStyle.Render("Run "+run.ID) + "  " + dimStyle.Render(strings.Join(run.PhaseHistory, " → ")) + "\n\n"

	s += run.Prompt + "\n\n"

	s += labelStyle.Render("Working dir: ") + dimStyle.Render(run.WorkingDir) + "\n"
	if run.PlanFile != nil {
		s += labelStyle.Render("Plan:        ") + dimStyle.Render(*run.PlanFile) + "\n"
	}
	if run.DocumentPath != nil {
		s += labelStyle.Render("Document:    ") + dimStyle.Render(*run.DocumentPath) + "\n"
	}
	if tr := run.TestResults; tr != nil {
		s += labelStyle.Render("Tests:       ") + fmt.Sprintf("%d passed, %d failed (%d invocations)", tr.Passed, tr.Failed, tr.Attempts) + "\n"
	}
	if rf := run.ReviewFindings; rf != nil {
		s += labelStyle.Render("Review:      ") + fmt.Sprintf("%d blocker, %d warning, %d info", rf.Blockers, rf.Warnings, rf.Infos) + "\n"
	}

	s += "\nPhases\n"
	s += "──────\n"

	if len(a.phases) == 0 {
		s += "(no phases yet)\n"
	} else {
		for i, row := range a.phases {
			line := a.formatPhaseRow(row)
			if i == a.selectedPhase {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[↑/↓] select  [enter] output  [esc] back")

	return s
}

func (a *App) formatPhaseRow(row phaseRow) string {
	status := "○"
	if row.summary != nil {
		switch {
		case row.summary["success"] == true && row.summary["verified"] == false:
			status = statusWarn.Render("⚠")
		case row.summary["success"] == true:
			status = statusComplete.Render("✓")
		default:
			status = statusFailed.Render("✗")
		}
	}
	for _, e := range row.attempts {
		if e.Status == models.ExecStatusRunning {
			status = statusRunning.Render("●")
		}
	}

	line := fmt.Sprintf("%-9s %-12s %s", row.phase, row.phase.AgentName(), status)
	if n := len(row.attempts); n > 0 {
		last := row.attempts[n-1]
		line += dimStyle.Render(fmt.Sprintf("  %d attempt(s)", n))
		if last.CompletedAt != nil {
			line += "  " + dimStyle.Render(formatDuration(last.CompletedAt.Sub(last.StartedAt)))
		} else if last.Status == models.ExecStatusRunning {
			line += "  " + statusRunning.Render(formatDuration(time.Since(last.StartedAt))+"...")
		}
	}
	if ms, ok := row.summary["duration_ms"].(float64); ok && len(row.attempts) == 0 {
		line += "  " + dimStyle.Render(formatDuration(time.Duration(ms)*time.Millisecond))
	}
	return line
}

func (a *App) viewOutput() string {
	s := titleStyle.Render(a.outputTitle) + "\n\n"
	s += a.output.View() + "\n"
	s += helpStyle.Render(fmt.Sprintf("[↑/↓/pgup/pgdn] scroll  %3.f%%  [esc] back", a.output.ScrollPercent()*100))
	return s
}

// Messages

type runsLoadedMsg struct {
	runs []*models.Run
	err  error
}

type runDetailMsg struct {
	run    *models.Run
	phases []phaseRow
	err    error
}

type runKilledMsg struct {
	runID string
	err   error
}

type outputLoadedMsg struct {
	title   string
	content string
	err     error
}

// Commands

func (a *App) loadRuns() tea.Msg {
	runs, err := state.List(a.src.WorkDir)
	return runsLoadedMsg{runs: runs, err: err}
}

func (a *App) loadRunDetail(id string) tea.Cmd {
	return func() tea.Msg {
		s, err := state.Open(a.src.WorkDir, id)
		if err != nil {
			return runDetailMsg{err: err}
		}
		run := s.Run()
		ws := s.Workspace()

		var execs []*models.Execution
		if a.src.Ledger != nil {
			execs, err = a.src.Ledger.GetExecutionsForRun(context.Background(), id)
			if err != nil {
				return runDetailMsg{err: err}
			}
		}
		return runDetailMsg{run: run, phases: collectPhases(ws, execs)}
	}
}

// collectPhases lists the phases that left a directory or a ledger entry,
// in pipeline order.
func collectPhases(ws *workspace.Workspace, execs []*models.Execution) []phaseRow {
	byPhase := map[models.Phase][]*models.Execution{}
	for _, e := range execs {
		p := models.Phase(e.Phase)
		byPhase[p] = append(byPhase[p], e)
	}
	var rows []phaseRow
	for _, p := range models.AllPhases {
		summary, _ := ws.ReadSummary(p)
		attempts := byPhase[p]
		if summary == nil && len(attempts) == 0 {
			continue
		}
		sort.SliceStable(attempts, func(i, j int) bool { return attempts[i].ID < attempts[j].ID })
		rows = append(rows, phaseRow{phase: p, summary: summary, attempts: attempts})
	}
	return rows
}

func (a *App) killRun(id string) tea.Cmd {
	return func() tea.Msg {
		if err := a.src.Kill(context.Background(), id); err != nil {
			return runKilledMsg{err: err}
		}
		return runKilledMsg{runID: id}
	}
}

func (a *App) loadOutput(run *models.Run, row phaseRow) tea.Cmd {
	return func() tea.Msg {
		ws := workspace.New(run.WorkingDir, run.ID)
		var b strings.Builder
		if row.summary != nil {
			data, _ := json.MarshalIndent(row.summary, "", "  ")
			b.WriteString(labelStyle.Render("summary.json") + "\n")
			b.Write(data)
			b.WriteString("\n\n")
		}
		text, err := finalOutput(ws.TranscriptPath(row.phase))
		if err != nil {
			text = fmt.Sprintf("(no transcript: %v)", err)
		}
		b.WriteString(labelStyle.Render("final assistant output") + "\n")
		b.WriteString(text)
		return outputLoadedMsg{
			title:   fmt.Sprintf("%s · %s", run.ID, row.phase),
			content: b.String(),
		}
	}
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-3]) + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
