package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentflow/runner/internal/errs"
)

// Type discriminates the envelope variants carried on the stream bus.
type Type string

const (
	TypePrint         Type = "print"
	TypeInputRequest  Type = "input_request"
	TypeInputResponse Type = "input_response"
	TypeTermination   Type = "termination"
	TypeStatus        Type = "status"
)

func (t Type) Valid() bool {
	switch t {
	case TypePrint, TypeInputRequest, TypeInputResponse, TypeTermination, TypeStatus:
		return true
	}
	return false
}

// Envelope is the JSON unit of communication on all per-task streams and
// channels. Timestamps are epoch milliseconds, monotonic within a stream.
type Envelope struct {
	Type      Type            `json:"type"`
	TaskID    string          `json:"task_id"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Password  *bool           `json:"password,omitempty"`
}

// New builds an envelope with the current wall-clock millisecond timestamp.
func New(typ Type, taskID string, data interface{}) (Envelope, error) {
	raw, err := marshalData(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:      typ,
		TaskID:    taskID,
		Timestamp: time.Now().UnixMilli(),
		Data:      raw,
	}, nil
}

// MustNew is New for payloads that cannot fail to marshal (strings, maps).
func MustNew(typ Type, taskID string, data interface{}) Envelope {
	env, err := New(typ, taskID, data)
	if err != nil {
		panic(err)
	}
	return env
}

func marshalData(data interface{}) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope data: %w", err)
	}
	return raw, nil
}

// DataString returns the data field decoded as a JSON string, or the raw
// text when the payload is not a quoted string.
func (e Envelope) DataString() string {
	if len(e.Data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Data, &s); err == nil {
		return s
	}
	return string(e.Data)
}

// Marshal renders the envelope as its wire JSON.
func (e Envelope) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// DedupeKey identifies an envelope for at-least-once consumers.
// Publishes may be retried; consumers drop repeats of the same key.
func (e Envelope) DedupeKey() string {
	return fmt.Sprintf("%s/%d/%s/%s", e.TaskID, e.Timestamp, e.Type, e.RequestID)
}

// Parse decodes and validates a wire envelope. Unknown variants and
// missing required fields are rejected at the boundary.
func Parse(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, errs.Wrap(errs.KindValidationFailed, "malformed envelope", err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Validate enforces the envelope invariants shared by all variants.
func (e Envelope) Validate() error {
	if !e.Type.Valid() {
		return errs.Newf(errs.KindValidationFailed, "unknown envelope type %q", e.Type)
	}
	if e.TaskID == "" {
		return errs.New(errs.KindValidationFailed, "envelope missing task_id")
	}
	if e.Type == TypeInputResponse && e.RequestID == "" {
		return errs.New(errs.KindValidationFailed, "input_response missing request_id")
	}
	return nil
}
