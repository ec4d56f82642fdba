package models

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	OpenTaskStatus       TaskStatus = "open"
	ProcessingTaskStatus TaskStatus = "processing"
	CompletedTaskStatus  TaskStatus = "completed"
	FailedTaskStatus     TaskStatus = "failed"
	CancelledTaskStatus  TaskStatus = "cancelled"
)

// Task represents a unit of scaffolding work tracked through its lifecycle.
// Spec and Secrets are opaque JSON payloads; the store never interprets them.
type Task struct {
	ID              string          `json:"id" db:"id"`                                         // UUID assigned at creation
	Spec            json.RawMessage `json:"spec" db:"spec"`                                     // Job definition, opaque
	Status          TaskStatus      `json:"status" db:"status"`                                 // "open", "processing", "completed", "failed"
	CreatedBy       string          `json:"created_by,omitempty" db:"created_by"`               // Optional requester identity
	Secrets         json.RawMessage `json:"secrets,omitempty" db:"secrets"`                     // Present only while status is "open"
	LastHeartbeatAt *time.Time      `json:"last_heartbeat_at,omitempty" db:"last_heartbeat_at"` // Updated only while "processing"
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`                         // Immutable creation timestamp
}
