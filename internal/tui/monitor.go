package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kelsos/pvectl/internal/async"
	"github.com/kelsos/pvectl/internal/models"
)

type TaskStage string

const (
	StagePending  TaskStage = "pending"
	StageRunning  TaskStage = "running"
	StageOK       TaskStage = "ok"
	StageFailed   TaskStage = "failed"
	StageTimedOut TaskStage = "timeout"
)

type TaskState struct {
	Handle  models.TaskHandle
	Stage   TaskStage
	Attempt int
	Elapsed time.Duration
	Timeout time.Duration
	Status  models.TaskStatus
	Error   error
}

// Progress is the share of the timeout already spent.
func (s TaskState) Progress() float64 {
	if s.Timeout <= 0 {
		return 0
	}
	p := float64(s.Elapsed) / float64(s.Timeout)
	if p > 1 {
		return 1
	}
	return p
}

type Model struct {
	handles      []models.TaskHandle
	states       map[models.TaskHandle]*TaskState
	logs         []string
	spinner      spinner.Model
	progress     progress.Model
	width        int
	height       int
	quit         bool
	finished     bool
	logFile      string
	errorCount   int
	successCount int
}

type TasksLoaded struct {
	Handles []models.TaskHandle
}

type PollUpdate struct {
	Event async.PollEvent
}

type TaskFinished struct {
	Result async.TaskResult
}

type LogMessage struct {
	Message string
}

// AllDone marks the end of the wait; the view stays up until the user quits.
type AllDone struct{}

func NewModel(logFile string) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	pr := progress.New(progress.WithDefaultGradient())

	return Model{
		states:   make(map[models.TaskHandle]*TaskState),
		spinner:  sp,
		progress: pr,
		width:    80,
		height:   24,
		logFile:  logFile,
	}
}

func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.handleKeyMsg(msg) {
			m.quit = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m = m.handleWindowSizeMsg(msg)

	case TasksLoaded:
		m = m.handleTasksLoaded(msg)

	case PollUpdate:
		m = m.handlePollUpdate(msg)

	case TaskFinished:
		m = m.handleTaskFinished(msg)

	case LogMessage:
		m = m.handleLogMessage(msg)

	case AllDone:
		m.finished = true

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		if progressModel, ok := progressModel.(progress.Model); ok {
			m.progress = progressModel
		}
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m Model) handleKeyMsg(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "q", "ctrl+c":
		return true
	}
	return false
}

func (m Model) handleWindowSizeMsg(msg tea.WindowSizeMsg) Model {
	m.width = msg.Width
	m.height = msg.Height
	m.progress.Width = max(msg.Width-60, 10)
	return m
}

func (m Model) handleTasksLoaded(msg TasksLoaded) Model {
	for _, h := range msg.Handles {
		if _, exists := m.states[h]; exists {
			continue
		}
		m.handles = append(m.handles, h)
		m.states[h] = &TaskState{Handle: h, Stage: StagePending}
	}
	return m
}

func (m Model) handlePollUpdate(msg PollUpdate) Model {
	ev := msg.Event
	state, exists := m.states[ev.Handle]
	if !exists || isFinal(state.Stage) {
		return m
	}
	state.Stage = StageRunning
	state.Attempt = ev.Attempt
	state.Elapsed = ev.Elapsed
	state.Timeout = ev.Timeout
	state.Status = ev.Status
	state.Error = ev.Err
	return m
}

func (m Model) handleTaskFinished(msg TaskFinished) Model {
	r := msg.Result
	state, exists := m.states[r.Handle]
	if !exists || isFinal(state.Stage) {
		return m
	}

	state.Elapsed = r.Elapsed
	state.Status = r.Status
	state.Error = r.Err

	switch {
	case r.Status.Running():
		state.Stage = StageTimedOut
		m.errorCount++
	case r.Err != nil || !r.Status.Succeeded():
		state.Stage = StageFailed
		m.errorCount++
	default:
		state.Stage = StageOK
		m.successCount++
	}
	return m
}

func (m Model) handleLogMessage(msg LogMessage) Model {
	m.logs = append(m.logs, fmt.Sprintf("[%s] %s",
		time.Now().Format("15:04:05"), msg.Message))
	if len(m.logs) > 10 {
		m.logs = m.logs[len(m.logs)-10:]
	}
	return m
}

// Active counts tasks that have not reached a final stage.
func (m Model) Active() int {
	n := 0
	for _, s := range m.states {
		if !isFinal(s.Stage) {
			n++
		}
	}
	return n
}

// State returns the current state of h.
func (m Model) State(h models.TaskHandle) (TaskState, bool) {
	s, ok := m.states[h]
	if !ok {
		return TaskState{}, false
	}
	return *s, true
}

func (m Model) View() string {
	if m.quit {
		return "Shutting down...\n"
	}

	var s strings.Builder

	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("39")).
		MarginBottom(1)

	s.WriteString(headerStyle.Render("Proxmox VE Task Monitor"))
	s.WriteString("\n\n")

	summaryStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("244"))

	summary := fmt.Sprintf("Tasks: %d | OK: %d | Failed: %d | Waiting: %d",
		len(m.handles), m.successCount, m.errorCount, m.Active())
	s.WriteString(summaryStyle.Render(summary))
	s.WriteString("\n\n")

	taskSectionStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1).
		Width(m.width - 2)

	var tasks strings.Builder
	tasks.WriteString("Tasks\n")
	tasks.WriteString(strings.Repeat("─", 60) + "\n")

	for _, h := range m.handles {
		state := m.states[h]
		tasks.WriteString(m.renderTask(state) + "\n")
	}

	s.WriteString(taskSectionStyle.Render(tasks.String()))
	s.WriteString("\n\n")

	logSectionStyle := lipgloss.NewStyle().
		Border(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1).
		Width(m.width - 2).
		Height(8)

	var logSection strings.Builder
	logSection.WriteString("Recent Logs\n")
	for _, log := range m.logs {
		logSection.WriteString(log + "\n")
	}

	s.WriteString(logSectionStyle.Render(logSection.String()))
	s.WriteString("\n\n")

	footerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	footer := "Press 'q' to quit"
	if m.finished {
		footer = "All tasks finished. Press 'q' to quit"
	}
	if m.logFile != "" {
		footer += " | Logs: " + m.logFile
	}
	s.WriteString(footerStyle.Render(footer))

	return s.String()
}

func (m Model) renderTask(state *TaskState) string {
	label := state.Handle.UPID
	if upid, err := models.ParseUPID(state.Handle.UPID); err == nil {
		label = fmt.Sprintf("%s %s", upid.Type, upid.ID)
	}

	indicator := getStageIcon(state.Stage)
	if !isFinal(state.Stage) {
		indicator = m.spinner.View()
	}

	line := fmt.Sprintf("%s %-10s %-20s %-8s",
		indicator,
		truncate(state.Handle.Node, 10),
		truncate(label, 20),
		state.Stage)

	if state.Stage == StageRunning {
		line += " " + m.progress.ViewAs(state.Progress())
		line += fmt.Sprintf(" %s/%s", state.Elapsed.Round(time.Second/10), state.Timeout)
	}

	switch {
	case state.Error != nil:
		errorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
		line += " " + errorStyle.Render(fmt.Sprintf("Error: %v", state.Error))
	case state.Status.ExitStatus != "":
		messageStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
		line += " " + messageStyle.Render(state.Status.ExitStatus)
	}

	stageStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(getStageColor(state.Stage)))
	return stageStyle.Render(line)
}

func isFinal(stage TaskStage) bool {
	return stage == StageOK || stage == StageFailed || stage == StageTimedOut
}

func getStageIcon(stage TaskStage) string {
	switch stage {
	case StagePending:
		return "⏸"
	case StageRunning:
		return "⏳"
	case StageOK:
		return "✅"
	case StageFailed:
		return "❌"
	case StageTimedOut:
		return "⌛"
	default:
		return "❓"
	}
}

func getStageColor(stage TaskStage) string {
	switch stage {
	case StagePending:
		return "244"
	case StageOK:
		return "82"
	case StageFailed, StageTimedOut:
		return "196"
	default:
		return "39"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
