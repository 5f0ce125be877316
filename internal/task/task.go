package task

import (
	"encoding/json"
	"time"
)

// Task is one execution of one flow file with an owner and a lifecycle.
type Task struct {
	ID            string          `db:"id" json:"id"`
	ClientID      string          `db:"client_id" json:"client_id"`
	FlowID        string          `db:"flow_id" json:"flow_id"`
	Filename      string          `db:"filename" json:"filename"`
	Status        Status          `db:"status" json:"status"`
	StatusVersion int64           `db:"status_version" json:"-"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	StartedAt     *time.Time      `db:"started_at" json:"started_at,omitempty"`
	EndedAt       *time.Time      `db:"ended_at" json:"ended_at,omitempty"`
	InputTimeout  int             `db:"input_timeout" json:"input_timeout"`
	MaxDuration   int             `db:"max_duration" json:"max_duration"`
	InputReqID    *string         `db:"input_request_id" json:"input_request_id,omitempty"`
	Results       json.RawMessage `db:"results" json:"results,omitempty"`
	Reason        string          `db:"reason" json:"reason,omitempty"`
	Deleted       bool            `db:"deleted" json:"-"`
}

// Patch carries the optional fields written together with a status
// transition. Nil fields are left untouched.
type Patch struct {
	StartedAt  *time.Time
	EndedAt    *time.Time
	InputReqID *string        // pointer-to-nil-string clears the column
	ClearInput bool           // clear input_request_id
	Results    json.RawMessage
	Reason     string
}
