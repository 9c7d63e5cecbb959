package task

import (
	"time"

	"restorapi/results"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further change is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return 0
	}
}

type Task struct {
	ID          string           `json:"id"`
	Status      Status           `json:"status"`
	Progress    int              `json:"progress"`
	Message     string           `json:"message,omitempty"`
	ResultPath  string           `json:"resultPath,omitempty"`
	DownloadURL string           `json:"downloadUrl,omitempty"`
	Error       string           `json:"error,omitempty"`
	FileType    results.FileType `json:"fileType"`
	ModelKey    string           `json:"modelKey"`
	TaskType    string           `json:"taskType"`
	CreatedAt   time.Time        `json:"createdAt"`
	StartedAt   *time.Time       `json:"startedAt,omitempty"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
}
