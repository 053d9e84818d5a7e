package tui

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kelsos/pvectl/internal/async"
	"github.com/kelsos/pvectl/internal/logger"
	"github.com/kelsos/pvectl/internal/models"
	"github.com/kelsos/pvectl/internal/services"
)

// logTail is how many task log lines are shown once a task ends.
const logTail = 3

type TaskMonitor struct {
	session *services.Session
	program *tea.Program
	logFile string
}

func NewTaskMonitor(session *services.Session, logFile string) *TaskMonitor {
	return &TaskMonitor{
		session: session,
		logFile: logFile,
	}
}

func (tm *TaskMonitor) Start(opts ...tea.ProgramOption) error {
	if len(opts) == 0 {
		opts = []tea.ProgramOption{tea.WithAltScreen()}
	}
	tm.program = tea.NewProgram(NewModel(tm.logFile), opts...)
	return nil
}

func (tm *TaskMonitor) Stop() {
	if tm.program != nil {
		tm.program.Quit()
	}
}

func (tm *TaskMonitor) send(msg tea.Msg) {
	if tm.program != nil {
		tm.program.Send(msg)
	}
}

func (tm *TaskMonitor) AddLog(message string) {
	tm.send(LogMessage{Message: message})
}

// WaitWithMonitoring waits for every handle concurrently, feeding poll events
// and results to the view. Results are returned in input order.
func (tm *TaskMonitor) WaitWithMonitoring(ctx context.Context, handles []models.TaskHandle) []async.TaskResult {
	tm.send(TasksLoaded{Handles: handles})
	tm.AddLog(fmt.Sprintf("Waiting for %d tasks", len(handles)))

	manager := tm.session.TaskManager()
	manager.OnUpdate(func(ev async.PollEvent) {
		tm.send(PollUpdate{Event: ev})
	})

	channels := make([]<-chan async.TaskResult, len(handles))
	for i, h := range handles {
		channels[i] = manager.RegisterTask(ctx, h)
	}

	results := make([]async.TaskResult, len(handles))
	done := make(chan int, len(handles))
	for i, ch := range channels {
		go func(i int, ch <-chan async.TaskResult) {
			results[i] = <-ch
			done <- i
		}(i, ch)
	}

	for range handles {
		i := <-done
		r := results[i]
		tm.send(TaskFinished{Result: r})
		tm.reportResult(ctx, r)
	}

	tm.send(AllDone{})
	return results
}

func (tm *TaskMonitor) reportResult(ctx context.Context, r async.TaskResult) {
	switch {
	case r.Err != nil:
		logger.Error("Task %s failed: %v", r.Handle, r.Err)
		tm.AddLog(fmt.Sprintf("❌ %s: %v", r.Handle.UPID, r.Err))
		return
	case r.Status.Running():
		logger.Warn("Task %s still running after %v", r.Handle, r.Elapsed)
		tm.AddLog(fmt.Sprintf("⌛ %s still running", r.Handle.UPID))
		return
	}

	logger.Info("Task %s finished: %s", r.Handle, r.Status.ExitStatus)
	tm.AddLog(fmt.Sprintf("%s %s: %s", getStageIcon(stageOf(r)), r.Handle.UPID, r.Status.ExitStatus))

	lines, err := tm.session.Tasks.Log(ctx, r.Handle, 0, 0)
	if err != nil {
		logger.Warn("Failed to read log of %s: %v", r.Handle, err)
		return
	}
	if len(lines) > logTail {
		lines = lines[len(lines)-logTail:]
	}
	for _, l := range lines {
		tm.AddLog("  " + l.T)
	}
}

func stageOf(r async.TaskResult) TaskStage {
	if r.Status.Succeeded() {
		return StageOK
	}
	return StageFailed
}

// Run waits for the handles in the background and blocks on the TUI until the
// user quits.
func (tm *TaskMonitor) Run(ctx context.Context, handles []models.TaskHandle) ([]async.TaskResult, error) {
	if tm.program == nil {
		if err := tm.Start(); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultsChan := make(chan []async.TaskResult, 1)
	go func() {
		resultsChan <- tm.WaitWithMonitoring(ctx, handles)
	}()

	if _, err := tm.program.Run(); err != nil {
		return nil, fmt.Errorf("failed to run TUI: %w", err)
	}

	// quitting early abandons the outstanding waits
	cancel()
	return <-resultsChan, nil
}
