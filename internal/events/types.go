// Package events provides the typed notification bus that fans
// conversion progress and system notices out to subscribers.
package events

import (
	"time"
)

// EventType names a notification kind. The string values are part of
// the wire contract with websocket clients.
type EventType string

const (
	EventProgressUpdate          EventType = "ProgressUpdate"
	EventStatusUpdate            EventType = "StatusUpdate"
	EventTaskCreated             EventType = "TaskCreated"
	EventTaskCompleted           EventType = "TaskCompleted"
	EventSystemNotification      EventType = "SystemNotification"
	EventDiskSpaceUpdate         EventType = "DiskSpaceUpdate"
	EventSpaceWarning            EventType = "SpaceWarning"
	EventBatchSpaceWarning       EventType = "BatchSpaceWarning"
	EventCleanupCompleted        EventType = "CleanupCompleted"
	EventDownloadTracked         EventType = "DownloadTracked"
	EventDownloadedFileCleanedUp EventType = "DownloadedFileCleanedUp"
)

// GroupBroadcast is the group every subscriber implicitly belongs to.
const GroupBroadcast = "broadcast"

// Event is the envelope delivered to subscribers.
type Event struct {
	Type      EventType   `json:"type"`
	Group     string      `json:"-"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// ProgressUpdateData is published on a job's group as the encoder advances.
type ProgressUpdateData struct {
	TaskID           string  `json:"taskId"`
	Progress         int     `json:"progress"`
	Message          string  `json:"message,omitempty"`
	Speed            float64 `json:"speed,omitempty"`
	RemainingSeconds float64 `json:"remainingSeconds,omitempty"`
}

// StatusUpdateData is published on a job's group on every status change.
type StatusUpdateData struct {
	TaskID       string `json:"taskId"`
	Status       int    `json:"status"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// TaskLifecycleData is the payload for TaskCreated and TaskCompleted.
type TaskLifecycleData struct {
	TaskID   string `json:"taskId"`
	TaskName string `json:"taskName"`
	Outcome  string `json:"outcome,omitempty"`
}

// SystemNotificationData carries free-form operator notices.
type SystemNotificationData struct {
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
}

// DiskSpaceUpdateData is broadcast by the space monitor.
type DiskSpaceUpdateData struct {
	TotalSpace      int64   `json:"totalSpace"`
	UsedSpace       int64   `json:"usedSpace"`
	AvailableSpace  int64   `json:"availableSpace"`
	UsagePercentage float64 `json:"usagePercentage"`
}

// SpaceWarningData is broadcast when usage crosses a warning threshold.
type SpaceWarningData struct {
	Message          string  `json:"message"`
	Severity         string  `json:"severity"`
	UsagePercentage  float64 `json:"usagePercentage"`
	AvailableSpaceGB float64 `json:"availableSpaceGB"`
}

// BatchSpaceWarningData is published to a batch's group when its
// estimated requirement is at risk.
type BatchSpaceWarningData struct {
	Message          string  `json:"message"`
	BatchID          string  `json:"batchId"`
	UsagePercentage  float64 `json:"usagePercentage"`
	AvailableSpaceGB float64 `json:"availableSpaceGB"`
	RequiredSpaceGB  float64 `json:"requiredSpaceGB"`
}

// CleanupDetails breaks a cleanup run down by category.
type CleanupDetails struct {
	OriginalFiles  int `json:"originalFiles"`
	ConvertedFiles int `json:"convertedFiles"`
	TempFiles      int `json:"tempFiles"`
	OrphanFiles    int `json:"orphanFiles"`
	LogFiles       int `json:"logFiles"`
}

// CleanupCompletedData is broadcast after every cleanup tier run.
type CleanupCompletedData struct {
	CleanupType       string         `json:"cleanupType"`
	TotalCleanedSize  int64          `json:"totalCleanedSize"`
	TotalCleanedFiles int            `json:"totalCleanedFiles"`
	Details           CleanupDetails `json:"details"`
}

// DownloadTrackedData is published when an output download is recorded.
type DownloadTrackedData struct {
	TaskID               string    `json:"taskId"`
	FileName             string    `json:"fileName"`
	FileSize             int64     `json:"fileSize"`
	DownloadTime         time.Time `json:"downloadTime"`
	ScheduledCleanupTime time.Time `json:"scheduledCleanupTime"`
	RetentionHours       float64   `json:"retentionHours"`
}

// DownloadedFileCleanedUpData is published when a retained output file
// is finally removed from disk.
type DownloadedFileCleanedUpData struct {
	TaskID         string    `json:"taskId"`
	FileName       string    `json:"fileName"`
	FileSize       int64     `json:"fileSize"`
	CleanupTime    time.Time `json:"cleanupTime"`
	RetentionHours float64   `json:"retentionHours"`
}
