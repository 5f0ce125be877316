package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testPolicy = `package runner.authz

default decision = {"allow": true}

decision = {"allow": false, "reason": "client is blocked"} {
	input.client_id == "blocked-client"
}

decision = {"allow": false, "reason": "too many active tasks"} {
	input.active_tasks >= 10
}
`

func newEngine(t *testing.T) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "authz.rego")
	require.NoError(t, os.WriteFile(path, []byte(testPolicy), 0o644))
	e, err := NewEngine(path, true, zap.NewNop())
	require.NoError(t, err)
	return e
}

func TestDisabledEngineAllows(t *testing.T) {
	e, err := NewEngine("", false, zap.NewNop())
	require.NoError(t, err)
	d := e.MayRun(context.Background(), Input{ClientID: "anyone"})
	assert.True(t, d.Allow)
}

func TestPolicyAllowsByDefault(t *testing.T) {
	e := newEngine(t)
	d := e.MayRun(context.Background(), Input{ClientID: "c-1", Active: 1})
	assert.True(t, d.Allow)
}

func TestPolicyDeniesBlockedClient(t *testing.T) {
	e := newEngine(t)
	d := e.MayRun(context.Background(), Input{ClientID: "blocked-client"})
	assert.False(t, d.Allow)
	assert.Equal(t, "client is blocked", d.Reason)
}

func TestPolicyDeniesOnActiveCount(t *testing.T) {
	e := newEngine(t)
	d := e.MayRun(context.Background(), Input{ClientID: "c-1", Active: 10})
	assert.False(t, d.Allow)
	assert.Equal(t, "too many active tasks", d.Reason)
}

func TestCompileErrorSurfaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.rego")
	require.NoError(t, os.WriteFile(path, []byte("not rego at all {{{"), 0o644))
	_, err := NewEngine(path, true, zap.NewNop())
	assert.Error(t, err)
}

func TestParseDecisionBareBool(t *testing.T) {
	assert.True(t, parseDecision(true).Allow)
	assert.False(t, parseDecision(false).Allow)
	assert.True(t, parseDecision("garbage").Allow)
}
