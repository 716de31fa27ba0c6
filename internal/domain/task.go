package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the status of a client-side download task
type TaskStatus string

const (
	TaskStatusPending     TaskStatus = "pending"
	TaskStatusDownloading TaskStatus = "downloading"
	TaskStatusCompleted   TaskStatus = "completed"
	TaskStatusFailed      TaskStatus = "failed"
)

// IsTerminal returns true if the task has settled
func (ts TaskStatus) IsTerminal() bool {
	return ts == TaskStatusCompleted || ts == TaskStatusFailed
}

// BatchItem is one media address to download in a batch
type BatchItem struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	SourceURL   string `json:"sourceUrl"`
}

// DownloadTask tracks one item of an interactive batch download
type DownloadTask struct {
	ID            string     `json:"id"`
	DisplayName   string     `json:"displayName"`
	SourceURL     string     `json:"sourceUrl"`
	Status        TaskStatus `json:"status"`
	Progress      int        `json:"progress"`
	Error         string     `json:"error,omitempty"`
	ErrorCategory string     `json:"errorCategory,omitempty"`
	SavedPath     string     `json:"savedPath,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`

	untitled bool
}

// NewDownloadTask creates a pending task for item
func NewDownloadTask(item BatchItem) *DownloadTask {
	id := item.ID
	if id == "" {
		id = uuid.New().String()
	}
	name := item.DisplayName
	if name == "" {
		name = item.SourceURL
	}
	return &DownloadTask{
		ID:          id,
		DisplayName: name,
		SourceURL:   item.SourceURL,
		Status:      TaskStatusPending,
		UpdatedAt:   time.Now(),
		untitled:    item.DisplayName == "",
	}
}

// Untitled reports whether the item carried no display name
func (t *DownloadTask) Untitled() bool {
	return t.untitled
}

// MarkQueued puts a settled task back in line to be downloaded again
func (t *DownloadTask) MarkQueued() {
	t.Status = TaskStatusPending
	t.Progress = 0
	t.Error = ""
	t.ErrorCategory = ""
	t.SavedPath = ""
	t.UpdatedAt = time.Now()
}

// MarkDownloading starts (or restarts) the task from zero progress
func (t *DownloadTask) MarkDownloading() {
	t.Status = TaskStatusDownloading
	t.Progress = 0
	t.Error = ""
	t.ErrorCategory = ""
	t.SavedPath = ""
	t.UpdatedAt = time.Now()
}

// SetProgress records percent if the task is downloading and percent moves forward.
// It returns false when the update was ignored.
func (t *DownloadTask) SetProgress(percent int) bool {
	if t.Status != TaskStatusDownloading {
		return false
	}
	if percent > 100 {
		percent = 100
	}
	if percent <= t.Progress {
		return false
	}
	t.Progress = percent
	t.UpdatedAt = time.Now()
	return true
}

// MarkCompleted finishes the task at 100%
func (t *DownloadTask) MarkCompleted(savedPath string) {
	t.Status = TaskStatusCompleted
	t.Progress = 100
	t.SavedPath = savedPath
	t.UpdatedAt = time.Now()
}

// MarkFailed finishes the task at 0% with a reason
func (t *DownloadTask) MarkFailed(err error) {
	t.Status = TaskStatusFailed
	t.Progress = 0
	if err != nil {
		t.Error = err.Error()
		var de *DownloadError
		if errors.As(err, &de) {
			t.ErrorCategory = de.Category()
		}
	}
	t.UpdatedAt = time.Now()
}

// Snapshot is an immutable view of every task in a batch session
type Snapshot struct {
	SessionID string         `json:"sessionId"`
	Sequence  int64          `json:"sequence"`
	Tasks     []DownloadTask `json:"tasks"`
	Done      bool           `json:"done"`
}

// Counts returns how many tasks are in each status
func (s Snapshot) Counts() map[TaskStatus]int {
	counts := make(map[TaskStatus]int, 4)
	for _, task := range s.Tasks {
		counts[task.Status]++
	}
	return counts
}

// Task returns the task with id from the snapshot
func (s Snapshot) Task(id string) (DownloadTask, bool) {
	for _, task := range s.Tasks {
		if task.ID == id {
			return task, true
		}
	}
	return DownloadTask{}, false
}
