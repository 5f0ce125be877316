package health

import (
	"context"
	"time"
)

// Pinger is satisfied by the bus and the database client.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingChecker probes any Pinger dependency.
type PingChecker struct {
	name     string
	target   Pinger
	critical bool
}

// NewPingChecker wraps a dependency with a named check.
func NewPingChecker(name string, target Pinger, critical bool) *PingChecker {
	return &PingChecker{name: name, target: target, critical: critical}
}

func (c *PingChecker) Name() string   { return c.name }
func (c *PingChecker) Critical() bool { return c.critical }

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	res := CheckResult{
		Component: c.name,
		Status:    StatusHealthy,
		Timestamp: start,
		Critical:  c.critical,
	}
	if err := c.target.PingContext(ctx); err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
	}
	res.Duration = time.Since(start)
	return res
}
