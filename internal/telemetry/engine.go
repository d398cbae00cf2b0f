package telemetry

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const engineScopeName = "github.com/baolood/project-anchor/engine"

// EngineMetrics carries the engine-level counters: terminal outcomes per
// command type and status, policy blocks, risk blocks, and worker panics.
// Instruments resolve against the global meter provider, so with telemetry
// disabled every Add is a no-op. A nil receiver is safe and records nothing.
type EngineMetrics struct {
	completed    metric.Int64Counter
	policyBlocks metric.Int64Counter
	riskBlocks   metric.Int64Counter
	panics       metric.Int64Counter
}

// NewEngineMetrics registers the engine instruments.
func NewEngineMetrics() *EngineMetrics {
	m := Meter(engineScopeName)
	completed, _ := m.Int64Counter("anchor.commands.completed",
		metric.WithDescription("Commands driven to a terminal status"),
	)
	policyBlocks, _ := m.Int64Counter("anchor.policy.blocks",
		metric.WithDescription("Commands failed by a policy decision"),
	)
	riskBlocks, _ := m.Int64Counter("anchor.risk.blocks",
		metric.WithDescription("Commands failed by the risk layer"),
	)
	panics, _ := m.Int64Counter("anchor.worker.panics",
		metric.WithDescription("Worker loop panics caught by the guard"),
	)
	return &EngineMetrics{
		completed:    completed,
		policyBlocks: policyBlocks,
		riskBlocks:   riskBlocks,
		panics:       panics,
	}
}

// CommandCompleted counts one terminal outcome (DONE or FAILED).
func (em *EngineMetrics) CommandCompleted(ctx context.Context, cmdType, status string) {
	if em == nil {
		return
	}
	em.completed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("anchor.command.type", cmdType),
		attribute.String("anchor.command.status", status),
	))
}

// PolicyBlocked counts one policy-chain block by decision code.
func (em *EngineMetrics) PolicyBlocked(ctx context.Context, cmdType, code string) {
	if em == nil {
		return
	}
	em.policyBlocks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("anchor.command.type", cmdType),
		attribute.String("anchor.policy.code", code),
	))
}

// RiskBlocked counts one lockout or hard-limit block. Any detail after the
// first colon is dropped so the rule attribute stays low-cardinality.
func (em *EngineMetrics) RiskBlocked(ctx context.Context, cmdType, rule string) {
	if em == nil {
		return
	}
	if i := strings.IndexByte(rule, ':'); i >= 0 {
		rule = rule[:i]
	}
	em.riskBlocks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("anchor.command.type", cmdType),
		attribute.String("anchor.risk.rule", rule),
	))
}

// WorkerPanicked counts one caught worker-loop panic.
func (em *EngineMetrics) WorkerPanicked(ctx context.Context, workerID string) {
	if em == nil {
		return
	}
	em.panics.Add(ctx, 1, metric.WithAttributes(
		attribute.String("anchor.worker.id", workerID),
	))
}
