// Package policy is the optional permission oracle consulted at task
// admission. Policies are OPA rego documents; absence of an engine (or
// of a decision) means allow.
package policy

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

const decisionQuery = "data.runner.authz.decision"

// Input is the evaluation context for a submission.
type Input struct {
	ClientID  string    `json:"client_id"`
	FlowID    string    `json:"flow_id"`
	Active    int       `json:"active_tasks"`
	Timestamp time.Time `json:"timestamp"`
}

// Decision is the oracle's answer.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// Engine evaluates may-run decisions against a compiled rego policy.
type Engine struct {
	path    string
	logger  *zap.Logger
	enabled bool

	mu       sync.RWMutex
	prepared *rego.PreparedEvalQuery
}

// NewEngine loads and compiles the policy at path. A disabled engine
// allows everything.
func NewEngine(path string, enabled bool, logger *zap.Logger) (*Engine, error) {
	e := &Engine{path: path, logger: logger, enabled: enabled && path != ""}
	if !e.enabled {
		logger.Info("Permission policy disabled; all submissions allowed")
		return e, nil
	}
	if err := e.Load(); err != nil {
		return nil, err
	}
	return e, nil
}

// Load (re)compiles the policy file. Safe to call concurrently with
// MayRun; evaluation uses the snapshot taken at call time.
func (e *Engine) Load() error {
	raw, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("read policy %s: %w", e.path, err)
	}
	prepared, err := rego.New(
		rego.Query(decisionQuery),
		rego.Module(e.path, string(raw)),
	).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("compile policy %s: %w", e.path, err)
	}
	e.mu.Lock()
	e.prepared = &prepared
	e.mu.Unlock()
	e.logger.Info("Permission policy loaded", zap.String("path", e.path))
	return nil
}

// MayRun evaluates whether a client may start another task. Evaluation
// errors fail open with a warning: the quota check still applies.
func (e *Engine) MayRun(ctx context.Context, input Input) Decision {
	if !e.enabled {
		return Decision{Allow: true}
	}
	e.mu.RLock()
	prepared := e.prepared
	e.mu.RUnlock()
	if prepared == nil {
		return Decision{Allow: true}
	}
	if input.Timestamp.IsZero() {
		input.Timestamp = time.Now()
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		e.logger.Warn("Policy evaluation failed; allowing",
			zap.String("client_id", input.ClientID),
			zap.Error(err),
		)
		return Decision{Allow: true}
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Allow: true}
	}
	return parseDecision(results[0].Expressions[0].Value)
}

func parseDecision(v interface{}) Decision {
	m, ok := v.(map[string]interface{})
	if !ok {
		// A bare boolean decision is accepted too.
		if b, ok := v.(bool); ok {
			return Decision{Allow: b}
		}
		return Decision{Allow: true}
	}
	d := Decision{Allow: true}
	if allow, ok := m["allow"].(bool); ok {
		d.Allow = allow
	}
	if reason, ok := m["reason"].(string); ok {
		d.Reason = reason
	}
	return d
}
