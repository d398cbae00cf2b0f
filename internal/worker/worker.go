// Package worker runs the drain loop: claim and execute commands one at a
// time, heartbeat into the event trail, honor the kill-switch, and trip the
// panic guard when the loop itself keeps failing.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/baolood/project-anchor/internal/config"
	"github.com/baolood/project-anchor/internal/ops"
	"github.com/baolood/project-anchor/internal/runner"
	"github.com/baolood/project-anchor/internal/store"
	"github.com/baolood/project-anchor/internal/telemetry"
)

// Worker owns one drain loop. Multiple processes may run concurrently; claim
// locking keeps them disjoint.
type Worker struct {
	cfg      *config.Config
	st       store.Store
	runner   *runner.Runner
	kill     *ops.KillSwitch
	notifier *ops.Notifier
	logger   *slog.Logger
	metrics  *telemetry.EngineMetrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)

	lastHeartbeat    time.Time
	lastPendingCheck time.Time
	// flaggedPending tracks ids already given a KILL_SWITCH_ON event during
	// the current ON session; cleared when the switch goes off.
	flaggedPending map[string]bool
	panicTimes     []time.Time
}

func New(cfg *config.Config, st store.Store, r *runner.Runner, kill *ops.KillSwitch, notifier *ops.Notifier, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:            cfg,
		st:             st,
		runner:         r,
		kill:           kill,
		notifier:       notifier,
		logger:         logger.With("component", "worker", "worker_id", cfg.WorkerID),
		metrics:        telemetry.NewEngineMetrics(),
		now:            time.Now,
		sleep:          sleepCtx,
		flaggedPending: map[string]bool{},
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Run drains until the context is cancelled. The loop itself never exits on
// error: repeated failures feed the panic guard instead.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "poll_interval", w.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return ctx.Err()
		default:
		}
		w.iterate(ctx)
	}
}

// iterate is one loop turn, with panic containment feeding the guard.
func (w *Worker) iterate(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			w.recordPanic(ctx, fmt.Sprint(rec))
		}
	}()

	if w.cfg.InjectPanic {
		panic("WORKER_INJECT_PANIC")
	}

	w.heartbeat(ctx)

	if enabled, source := w.kill.State(ctx); enabled {
		w.killSwitchGate(ctx, source)
		w.sleep(ctx, time.Second)
		return
	}
	// Switch is off: next ON session flags pending ids afresh.
	if len(w.flaggedPending) > 0 {
		w.flaggedPending = map[string]bool{}
	}

	summary := w.runner.RunOne(ctx)
	if summary == nil {
		w.sleep(ctx, w.cfg.PollInterval)
		return
	}
	w.logger.Info("command finished", "id", summary.ID, "type", summary.Type, "status", summary.FinalStatus)
}

// heartbeat appends a WORKER_HEARTBEAT event under the synthetic id and
// mirrors it into ops_state, at most once per interval.
func (w *Worker) heartbeat(ctx context.Context) {
	now := w.now()
	if !w.lastHeartbeat.IsZero() && now.Sub(w.lastHeartbeat) < w.cfg.HeartbeatInterval {
		return
	}
	w.lastHeartbeat = now
	at := now.UTC().Format(time.RFC3339)
	w.st.AppendEvent(ctx, store.SyntheticHeartbeat, store.EventWorkerHeartbeat, 0, map[string]any{
		"worker_id": w.cfg.WorkerID, "at": at,
	})
	if err := w.st.UpsertOpsState(ctx, "worker_heartbeat", map[string]any{
		"worker_id": w.cfg.WorkerID, "at": at,
	}); err != nil {
		w.logger.Warn("heartbeat ops_state failed", "error", err)
	}
}

// killSwitchGate runs while the switch is ON: no claims, but every pending
// check interval the oldest PENDING command gets a single KILL_SWITCH_ON
// event so operators can see what is being held back.
func (w *Worker) killSwitchGate(ctx context.Context, source string) {
	now := w.now()
	if !w.lastPendingCheck.IsZero() && now.Sub(w.lastPendingCheck) < w.cfg.PendingCheckInterval {
		return
	}
	w.lastPendingCheck = now

	id, err := w.st.OldestPendingID(ctx)
	if err != nil {
		if err != store.ErrNotFound {
			w.logger.Warn("pending lookup failed", "error", err)
		}
		return
	}
	if w.flaggedPending[id] {
		return
	}
	w.flaggedPending[id] = true
	w.st.AppendEvent(ctx, id, store.EventKillSwitchOn, 0, map[string]any{
		"source": source, "worker_id": w.cfg.WorkerID,
	})
	w.logger.Info("kill switch holding queue", "source", source, "oldest_pending", id)
}

// recordPanic feeds the sliding-window guard. Crossing the threshold emits
// WORKER_PANIC, flips the cluster kill-switch ON, notifies, clears the window
// and backs off for the cooldown.
func (w *Worker) recordPanic(ctx context.Context, msg string) {
	w.logger.Error("worker iteration panicked", "message", msg)
	w.metrics.WorkerPanicked(ctx, w.cfg.WorkerID)
	now := w.now()
	cutoff := now.Add(-w.cfg.PanicWindow)
	kept := w.panicTimes[:0]
	for _, t := range w.panicTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.panicTimes = append(kept, now)

	if len(w.panicTimes) < w.cfg.PanicThreshold {
		w.sleep(ctx, time.Second)
		return
	}

	count := len(w.panicTimes)
	w.panicTimes = w.panicTimes[:0]
	at := now.UTC().Format(time.RFC3339)

	w.st.AppendEvent(ctx, store.SyntheticOpsWorker, store.EventWorkerPanic, 0, map[string]any{
		"worker_id": w.cfg.WorkerID, "count": count, "message": msg, "at": at,
	})
	if err := w.st.UpsertOpsState(ctx, "worker_panic", map[string]any{
		"worker_id": w.cfg.WorkerID, "last_panic_at": at, "count": count, "message": msg,
	}); err != nil {
		w.logger.Warn("panic ops_state failed", "error", err)
	}
	w.kill.Apply(ctx, w.st, true, w.cfg.WorkerID, "panic_guard")
	w.notifier.Send(fmt.Sprintf("[WORKER_PANIC] worker=%s count=%d message=%s", w.cfg.WorkerID, count, msg), "WORKER_PANIC")

	w.logger.Error("panic guard tripped, kill switch ON", "count", count, "cooldown", w.cfg.PanicCooldown)
	w.sleep(ctx, w.cfg.PanicCooldown)
}
