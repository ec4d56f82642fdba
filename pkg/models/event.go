package models

import (
	"encoding/json"
	"time"
)

type TaskEventType string

const (
	LogEventType        TaskEventType = "log"        // Informational, many per task
	CompletionEventType TaskEventType = "completion" // Exactly one, terminal
)

// TaskEvent is one entry of a task's append-only event log. The store-assigned
// ID is monotonically increasing and serves as the polling cursor.
type TaskEvent struct {
	ID        int64           `json:"id" db:"id"`
	TaskID    string          `json:"task_id" db:"task_id"`
	Type      TaskEventType   `json:"type" db:"event_type"`
	Body      json.RawMessage `json:"body" db:"body"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
