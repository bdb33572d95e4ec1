package models

import (
	"time"
)

// FileType is the broad kind of an uploaded certificate.
type FileType string

const (
	PDF   FileType = "pdf"
	Image FileType = "image"
)

// SourceFile describes an uploaded certificate after validation.
type SourceFile struct {
	Filename string   `json:"filename"`
	Size     int64    `json:"size"`
	MimeType string   `json:"mimeType"`
	FileType FileType `json:"fileType"`
	Hash     string   `json:"hash"`
	Width    int      `json:"width,omitempty"`
	Height   int      `json:"height,omitempty"`
}

// ExtractionTask tracks one asynchronous extraction.
type ExtractionTask struct {
	ID         string            `json:"id"`
	Status     ProcessingStatus  `json:"status"`
	Type       string            `json:"type"`
	Priority   int               `json:"priority"`
	Progress   float64           `json:"progress"`
	Recognizer string            `json:"recognizer,omitempty"`
	Error      string            `json:"error,omitempty"`
	FailedAt   string            `json:"failedStage,omitempty"`
	Metadata   map[string]string `json:"metadata"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt,omitempty"`
}

type ProcessingStatus string

const (
	StatusPending   ProcessingStatus = "pending"
	StatusRunning   ProcessingStatus = "running"
	StatusCompleted ProcessingStatus = "completed"
	StatusFailed    ProcessingStatus = "failed"
	StatusCancelled ProcessingStatus = "cancelled"
)

// ParseStatus maps stored and queue state names onto ProcessingStatus.
func ParseStatus(s string) ProcessingStatus {
	switch s {
	case "running", "active":
		return StatusRunning
	case "completed":
		return StatusCompleted
	case "failed", "retry", "archived":
		return StatusFailed
	case "cancelled":
		return StatusCancelled
	default:
		return StatusPending
	}
}

// Terminal reports whether no further transitions happen.
func (s ProcessingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}
