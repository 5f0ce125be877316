package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSetsMillisecondTimestamp(t *testing.T) {
	env, err := New(TypePrint, "t-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, TypePrint, env.Type)
	assert.Equal(t, "t-1", env.TaskID)
	// Epoch milliseconds, not seconds or nanoseconds.
	assert.Greater(t, env.Timestamp, int64(1_600_000_000_000))
	assert.Less(t, env.Timestamp, int64(4_000_000_000_000))
}

func TestParseRoundTrip(t *testing.T) {
	env := MustNew(TypePrint, "t-1", "line one")
	parsed, err := Parse(env.Marshal())
	require.NoError(t, err)
	assert.Equal(t, env.TaskID, parsed.TaskID)
	assert.Equal(t, "line one", parsed.DataString())
}

func TestParseRejectsUnknownType(t *testing.T) {
	_, err := Parse([]byte(`{"type":"bogus","task_id":"t-1","timestamp":1}`))
	assert.Error(t, err)
}

func TestParseRejectsMissingTaskID(t *testing.T) {
	_, err := Parse([]byte(`{"type":"print","timestamp":1}`))
	assert.Error(t, err)
}

func TestParseRejectsResponseWithoutRequestID(t *testing.T) {
	_, err := Parse([]byte(`{"type":"input_response","task_id":"t-1","timestamp":1,"data":"x"}`))
	assert.Error(t, err)
}

func TestParseAcceptsResponseWithRequestID(t *testing.T) {
	raw := `{"type":"input_response","task_id":"t-1","timestamp":1,"data":"x","request_id":"r-9"}`
	env, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "r-9", env.RequestID)
}

func TestDedupeKeyDistinguishesRequests(t *testing.T) {
	a := Envelope{Type: TypeInputRequest, TaskID: "t-1", Timestamp: 5, RequestID: "r-1"}
	b := Envelope{Type: TypeInputRequest, TaskID: "t-1", Timestamp: 5, RequestID: "r-2"}
	c := a
	assert.NotEqual(t, a.DedupeKey(), b.DedupeKey())
	assert.Equal(t, a.DedupeKey(), c.DedupeKey())
}

func TestDataStringNonString(t *testing.T) {
	env := MustNew(TypeStatus, "t-1", map[string]string{"status": "RUNNING"})
	var m map[string]string
	require.NoError(t, json.Unmarshal([]byte(env.DataString()), &m))
	assert.Equal(t, "RUNNING", m["status"])
}

func TestPasswordFieldOmittedWhenNil(t *testing.T) {
	env := MustNew(TypePrint, "t-1", "x")
	assert.NotContains(t, string(env.Marshal()), "password")

	yes := true
	env.Password = &yes
	assert.Contains(t, string(env.Marshal()), `"password":true`)
}
