package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of a conversion job.
// The integer values are part of the wire contract.
type JobStatus int

const (
	StatusPending JobStatus = iota
	StatusConverting
	StatusCompleted
	StatusFailed
	StatusCancelled
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s JobStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConverting:
		return "converting"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// OptionMap is a bag of per-job override options stored as JSON text.
type OptionMap map[string]string

// Value implements driver.Valuer.
func (m OptionMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (m *OptionMap) Scan(value interface{}) error {
	if value == nil {
		*m = OptionMap{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported option map source type %T", value)
	}
	if len(data) == 0 {
		*m = OptionMap{}
		return nil
	}
	return json.Unmarshal(data, m)
}

// StringList is a slice of strings stored as JSON text.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = StringList{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported string list source type %T", value)
	}
	if len(data) == 0 {
		*l = StringList{}
		return nil
	}
	return json.Unmarshal(data, l)
}

// Job is a unit of video transcoding work.
type Job struct {
	ID          string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name        string    `gorm:"type:varchar(255)" json:"name"`
	InputPath   string    `gorm:"type:varchar(512);index" json:"inputPath"`
	OutputPath  string    `gorm:"type:varchar(512);index" json:"outputPath"`
	InputBytes  int64     `json:"inputBytes"`
	OutputBytes int64     `json:"outputBytes"`
	PresetName  string    `gorm:"type:varchar(128)" json:"presetName"`
	Overrides   OptionMap `gorm:"type:text" json:"overrides"`
	Status      JobStatus `gorm:"index;not null" json:"status"`
	Progress    int       `json:"progress"`
	DurationSec float64   `json:"durationSec"`
	CurrentSec  float64   `json:"currentSec"`
	Speed       float64   `json:"speed"`
	EtaSec      float64   `json:"etaSec"`
	Error       string    `gorm:"type:text" json:"error,omitempty"`
	BatchID     string    `gorm:"type:varchar(64);index" json:"batchId,omitempty"`

	CreatedAt   time.Time  `gorm:"index" json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `gorm:"index" json:"completedAt,omitempty"`
}

// TableName returns the table name for GORM.
func (Job) TableName() string { return "jobs" }

// DownloadRecord tracks one download of a job's output and the
// retention deadline for the file on disk.
type DownloadRecord struct {
	ID                string     `gorm:"primaryKey;type:varchar(64)"`
	JobID             string     `gorm:"index;type:varchar(64);not null"`
	FileName          string     `gorm:"type:varchar(255)"`
	FileBytes         int64
	DownloadedAt      time.Time  `gorm:"not null"`
	ScheduledDeleteAt time.Time  `gorm:"not null;index"`
	DeletedAt         *time.Time `gorm:"index"`
	ClientAddr        string     `gorm:"type:varchar(64)"`
	UserAgent         string     `gorm:"type:varchar(255)"`
}

// TableName returns the table name for GORM.
func (DownloadRecord) TableName() string { return "download_records" }

// SpaceQuota is the quota singleton row.
type SpaceQuota struct {
	ID            uint `gorm:"primaryKey"`
	MaxTotalBytes int64
	ReservedBytes int64
	Enabled       bool
	UpdatedAt     time.Time
}

// TableName returns the table name for GORM.
func (SpaceQuota) TableName() string { return "space_quota" }

// SpaceUsage is the usage-accounting singleton row.
type SpaceUsage struct {
	ID             uint `gorm:"primaryKey"`
	UploadsBytes   int64
	OutputsBytes   int64
	TempBytes      int64
	LastMeasuredAt time.Time
}

// TableName returns the table name for GORM.
func (SpaceUsage) TableName() string { return "space_usage" }

// TotalUsed returns the sum of all buckets.
func (u SpaceUsage) TotalUsed() int64 {
	return u.UploadsBytes + u.OutputsBytes + u.TempBytes
}

// BatchStatus represents the lifecycle state of a job batch.
type BatchStatus string

const (
	BatchActive    BatchStatus = "active"
	BatchPaused    BatchStatus = "paused"
	BatchCompleted BatchStatus = "completed"
	BatchCancelled BatchStatus = "cancelled"
)

// Batch groups jobs submitted together so space requirements and
// completion can be tracked as a unit.
type Batch struct {
	ID             string      `gorm:"primaryKey;type:varchar(64)"`
	JobIDs         StringList  `gorm:"type:text"`
	Status         BatchStatus `gorm:"type:varchar(32);index"`
	TotalJobs      int
	CompletedJobs  int
	EstimatedBytes int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName returns the table name for GORM.
func (Batch) TableName() string { return "batches" }
