package domain

import (
	"encoding/json"
	"time"
)

// TaskType identifies one stage of the pipeline.
type TaskType string

const (
	TaskGenerate TaskType = "generate"
	TaskPoll     TaskType = "poll"
	TaskDownload TaskType = "download"
	TaskVerify   TaskType = "verify"
)

// TaskRunStatus is the per-stage completion state inside TaskState.
type TaskRunStatus string

const (
	TaskBlocked   TaskRunStatus = "blocked"
	TaskPending   TaskRunStatus = "pending"
	TaskCompleted TaskRunStatus = "completed"
	TaskFailed    TaskRunStatus = "failed"
)

// TaskCheckpoint is the durable record of one pipeline stage for one job.
type TaskCheckpoint struct {
	Status       TaskRunStatus `json:"status"`
	RetryCount   int           `json:"retry_count,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	RemoteTaskID string        `json:"remote_task_id,omitempty"`
	AccountID    string        `json:"account_id,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

// TaskState is the per-job pipeline checkpoint persisted alongside the job.
// Queues are ephemeral; this is what crash recovery rebuilds them from.
type TaskState struct {
	Tasks       map[TaskType]*TaskCheckpoint `json:"tasks"`
	CurrentTask TaskType                     `json:"current_task"`
}

// NewTaskState returns the initial checkpoint: generate pending, the rest
// blocked until their predecessor completes.
func NewTaskState() *TaskState {
	return &TaskState{
		Tasks: map[TaskType]*TaskCheckpoint{
			TaskGenerate: {Status: TaskPending},
			TaskPoll:     {Status: TaskBlocked},
			TaskDownload: {Status: TaskBlocked},
			TaskVerify:   {Status: TaskBlocked},
		},
		CurrentTask: TaskGenerate,
	}
}

// Normalize repairs a state loaded from storage: missing stages are added as
// blocked and an empty current task falls back to generate. Older rows may
// predate the verify stage.
func (s *TaskState) Normalize() {
	if s.Tasks == nil {
		s.Tasks = make(map[TaskType]*TaskCheckpoint)
	}
	for _, t := range []TaskType{TaskGenerate, TaskPoll, TaskDownload, TaskVerify} {
		if s.Tasks[t] == nil {
			s.Tasks[t] = &TaskCheckpoint{Status: TaskBlocked}
		}
	}
	if s.CurrentTask == "" {
		s.CurrentTask = TaskGenerate
	}
}

// Checkpoint returns the record for a stage, normalizing first.
func (s *TaskState) Checkpoint(t TaskType) *TaskCheckpoint {
	s.Normalize()
	return s.Tasks[t]
}

// CompleteSubmit marks generate done and unlocks poll. Called after the
// upstream accepted the generation request.
func (s *TaskState) CompleteSubmit(accountID, remoteTaskID string) {
	s.Normalize()
	now := time.Now().UTC()
	s.Tasks[TaskGenerate] = &TaskCheckpoint{
		Status:       TaskCompleted,
		AccountID:    accountID,
		RemoteTaskID: remoteTaskID,
		CompletedAt:  &now,
	}
	s.Tasks[TaskPoll].Status = TaskPending
	s.CurrentTask = TaskPoll
}

// CompletePoll marks poll done and unlocks download.
func (s *TaskState) CompletePoll() {
	s.Normalize()
	now := time.Now().UTC()
	s.Tasks[TaskPoll].Status = TaskCompleted
	s.Tasks[TaskPoll].CompletedAt = &now
	s.Tasks[TaskDownload].Status = TaskPending
	s.CurrentTask = TaskDownload
}

// CompleteDownload marks download done and closes out the pipeline.
func (s *TaskState) CompleteDownload() {
	s.Normalize()
	now := time.Now().UTC()
	s.Tasks[TaskDownload].Status = TaskCompleted
	s.Tasks[TaskDownload].CompletedAt = &now
	s.CurrentTask = TaskVerify
}

// RecordFailure bumps the stage retry counter and stores the latest error.
func (s *TaskState) RecordFailure(t TaskType, errMsg string) int {
	cp := s.Checkpoint(t)
	cp.RetryCount++
	cp.LastError = errMsg
	cp.Status = TaskPending
	return cp.RetryCount
}

// MarkFailed marks a stage terminally failed.
func (s *TaskState) MarkFailed(t TaskType, errMsg string) {
	cp := s.Checkpoint(t)
	cp.Status = TaskFailed
	cp.LastError = errMsg
}

// RemoteTaskID returns the upstream task id captured at submit time, if any.
func (s *TaskState) RemoteTaskID() string {
	return s.Checkpoint(TaskGenerate).RemoteTaskID
}

// ParseTaskState decodes a persisted task state, falling back to a fresh one
// on empty or corrupt input so a bad row never wedges recovery.
func ParseTaskState(raw string) *TaskState {
	if raw == "" {
		return NewTaskState()
	}
	var s TaskState
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return NewTaskState()
	}
	s.Normalize()
	return &s
}

// Encode serializes the state for storage.
func (s *TaskState) Encode() string {
	b, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(b)
}
