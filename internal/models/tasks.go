package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TaskState is the status string PVE reports for a task.
type TaskState string

const (
	TaskStateRunning TaskState = "running"
	TaskStateStopped TaskState = "stopped"
)

// ExitStatusOK is the exit status of a task that finished without error.
const ExitStatusOK = "OK"

// TaskHandle identifies a server-side task. The UPID is passed back verbatim.
type TaskHandle struct {
	Node string
	UPID string
}

// NewTaskHandle builds a handle, rejecting empty node or task identifiers.
func NewTaskHandle(node, upid string) (TaskHandle, error) {
	if strings.TrimSpace(node) == "" {
		return TaskHandle{}, errors.New("task handle: node must not be empty")
	}
	if strings.TrimSpace(upid) == "" {
		return TaskHandle{}, errors.New("task handle: task id must not be empty")
	}
	return TaskHandle{Node: node, UPID: upid}, nil
}

func (h TaskHandle) String() string {
	return h.Node + "/" + h.UPID
}

// TaskStatus is the data member of GET /nodes/{node}/tasks/{upid}/status.
// Older servers and mocks answer with a bare status string, newer ones with an object.
type TaskStatus struct {
	Status     TaskState `json:"status"`
	ExitStatus string    `json:"exitstatus,omitempty"`
	Type       string    `json:"type,omitempty"`
	ID         string    `json:"id,omitempty"`
	User       string    `json:"user,omitempty"`
	Node       string    `json:"node,omitempty"`
	PID        int       `json:"pid,omitempty"`
	StartTime  int64     `json:"starttime,omitempty"`
	UPID       string    `json:"upid,omitempty"`
}

func (s *TaskStatus) UnmarshalJSON(b []byte) error {
	var state string
	if err := json.Unmarshal(b, &state); err == nil {
		*s = TaskStatus{Status: TaskState(state)}
		return nil
	}

	type plain TaskStatus
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return fmt.Errorf("task status: %w", err)
	}
	*s = TaskStatus(p)
	return nil
}

// Running reports whether the task is still in progress.
func (s TaskStatus) Running() bool {
	return s.Status == TaskStateRunning
}

// Succeeded reports whether the task ended with exit status OK.
func (s TaskStatus) Succeeded() bool {
	return !s.Running() && s.ExitStatus == ExitStatusOK
}

type TaskLogLine struct {
	N int    `json:"n"`
	T string `json:"t"`
}

type TaskListEntry struct {
	UPID      string `json:"upid"`
	Node      string `json:"node"`
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	User      string `json:"user"`
	Status    string `json:"status,omitempty"`
	StartTime int64  `json:"starttime"`
	EndTime   int64  `json:"endtime,omitempty"`
}

// UPID is the decoded form of a PVE unique task id:
// UPID:node:pid:pstart:starttime:type:id:user:
type UPID struct {
	Node      string
	PID       int64
	PStart    int64
	StartTime time.Time
	Type      string
	ID        string
	User      string
}

// ParseUPID decodes a task id for display purposes.
func ParseUPID(s string) (UPID, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 8 || parts[0] != "UPID" {
		return UPID{}, fmt.Errorf("invalid UPID %q", s)
	}

	pid, err := strconv.ParseInt(parts[2], 16, 64)
	if err != nil {
		return UPID{}, fmt.Errorf("invalid UPID pid %q: %w", parts[2], err)
	}
	pstart, err := strconv.ParseInt(parts[3], 16, 64)
	if err != nil {
		return UPID{}, fmt.Errorf("invalid UPID pstart %q: %w", parts[3], err)
	}
	start, err := strconv.ParseInt(parts[4], 16, 64)
	if err != nil {
		return UPID{}, fmt.Errorf("invalid UPID starttime %q: %w", parts[4], err)
	}

	return UPID{
		Node:      parts[1],
		PID:       pid,
		PStart:    pstart,
		StartTime: time.Unix(start, 0),
		Type:      parts[5],
		ID:        parts[6],
		User:      parts[7],
	}, nil
}
