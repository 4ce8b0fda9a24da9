package deletion

import (
	"container/heap"
	"context"
	"time"

	"groupkeeper/internal/retry"
	logx "groupkeeper/pkg/logx"
)

// SweepReport summarizes one pass over the failed registry.
type SweepReport struct {
	Skipped   bool // guard interval not yet elapsed
	Purged    int
	Retried   int
	Succeeded int
	Remaining int
}

// Sweep purges stale failed entries and retries the rest. Calls closer together
// than the sweep guard are no-ops. An entry is retried only after resting for
// the idle interval, only until it has seen MaxRetries attempts in total, and
// only while its group still has auto-delete on.
func (e *Engine) Sweep(ctx context.Context) SweepReport {
	now := e.now()
	var rep SweepReport

	e.failedMu.Lock()
	if !e.lastSweep.IsZero() && now.Sub(e.lastSweep) < e.cfg.SweepGuard {
		rep.Skipped = true
		rep.Remaining = len(e.failed)
		e.failedMu.Unlock()
		return rep
	}
	e.lastSweep = now
	var candidates []FailedDeletion
	for k, f := range e.failed {
		if now.Sub(f.FirstFailed) > e.cfg.FailedMaxAge {
			delete(e.failed, k)
			rep.Purged++
			continue
		}
		if f.RetryCount >= e.cfg.MaxRetries || now.Sub(f.LastAttempt) < e.cfg.IdleBefore {
			continue
		}
		candidates = append(candidates, *f)
	}
	e.failedMu.Unlock()

	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		gs, err := e.settings.Group(ctx, c.ChatID)
		if err != nil || !gs.AutoDelete {
			continue
		}
		rep.Retried++
		err = e.platform.DeleteMessage(ctx, c.ChatID, c.MessageID)
		k := key{chatID: c.ChatID, messageID: c.MessageID}
		if e.policy.Decide(err).Action == retry.Done {
			rep.Succeeded++
			e.forget(k)
			e.metrics.DeletionsExecuted.WithLabelValues("swept").Inc()
			continue
		}
		e.failedMu.Lock()
		if f, ok := e.failed[k]; ok {
			f.RetryCount++
			f.LastAttempt = e.now()
			f.Err = err.Error()
		}
		e.failedMu.Unlock()
	}

	rep.Remaining = e.FailedLen()
	e.metrics.DeletionsFailed.Set(float64(rep.Remaining))
	if rep.Purged+rep.Retried > 0 {
		e.log.Info("failed deletion sweep",
			logx.Int("purged", rep.Purged),
			logx.Int("retried", rep.Retried),
			logx.Int("succeeded", rep.Succeeded),
			logx.Int("remaining", rep.Remaining),
		)
	}
	return rep
}

// Drain executes every task whose fire time has passed, in queue order, until
// the queue holds no past-due task or budget runs out. Tasks that are not yet
// due go back unchanged. It returns the number of tasks executed.
func (e *Engine) Drain(ctx context.Context, budget time.Duration) int {
	start := e.now()
	deadline := start.Add(budget)
	var held []*task
	n := 0
	for ctx.Err() == nil {
		now := e.now()
		if budget > 0 && !now.Before(deadline) {
			e.log.Warn("deletion drain budget exhausted", logx.Int("executed", n), logx.Int("pending", e.QueueLen()))
			break
		}
		e.mu.Lock()
		if len(e.queue) == 0 || e.queue[0].fireAt.Truncate(time.Second).After(now) {
			e.mu.Unlock()
			break
		}
		t := heap.Pop(&e.queue).(*task)
		if !t.dueBy(now) {
			held = append(held, t)
			e.mu.Unlock()
			continue
		}
		delete(e.tasks, t.key)
		e.mu.Unlock()

		e.execute(ctx, t)
		n++
	}

	if len(held) > 0 {
		e.mu.Lock()
		for _, t := range held {
			heap.Push(&e.queue, t)
		}
		e.mu.Unlock()
		e.signal()
	}
	e.metrics.DeletionQueueDepth.Set(float64(e.QueueLen()))
	if n > 0 {
		e.log.Info("deletion backlog drained", logx.Int("executed", n), logx.Duration("took", e.now().Sub(start)))
	}
	return n
}
