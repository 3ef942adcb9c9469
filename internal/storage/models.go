package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Upload statuses.
const (
	UploadUploaded = "uploaded"
	UploadFailed   = "failed"
)

// Interaction statuses.
const (
	InteractionCompleted = "completed"
	InteractionFailed    = "failed"
)

type Upload struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Username  string    `json:"username"`
	LocalPath string    `json:"local_path"`
	BlobName  string    `json:"blob_name"`
	BlobURL   string    `json:"blob_url"`
	SizeBytes int64     `json:"size_bytes"`
	Pages     int       `json:"pages"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
}

type Interaction struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Username  string    `json:"username"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Model     string    `json:"model"`
	Sources   string    `json:"sources"` // JSON array stored as text
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
