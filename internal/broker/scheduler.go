package broker

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/scriptbroker/scriptbroker/internal/protocol"
	"github.com/scriptbroker/scriptbroker/internal/shared/id"
)

// Submit accepts one task and suspends the caller until a terminal outcome
// or context cancellation. It fails immediately with a NoRunnerAvailable
// fault when no runner of the language is registered; otherwise the task
// enters the per-language FIFO queue and is dispatched as soon as a
// concurrency slot and an idle runner are both available. The deadline
// covers queue wait.
func (b *Broker) Submit(ctx context.Context, language protocol.Language, code string, input json.RawMessage, timeout time.Duration) (Outcome, error) {
	if timeout <= 0 {
		timeout = b.cfg.DefaultTimeout
	}
	if b.cfg.MaxTimeout > 0 && timeout > b.cfg.MaxTimeout {
		timeout = b.cfg.MaxTimeout
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Outcome{}, ErrClosed
	}
	ls, ok := b.langs[language]
	if !ok {
		b.mu.Unlock()
		return Outcome{}, ErrUnknownLanguage
	}
	if len(ls.runners) == 0 {
		// No slot is ever acquired on this path.
		b.mu.Unlock()
		return Outcome{}, protocol.NewFault(protocol.FaultNoRunnerAvailable, "no %s runner is registered", language)
	}

	t := &task{
		id:        id.NewTaskID(),
		language:  language,
		code:      code,
		input:     input,
		timeout:   timeout,
		submitted: time.Now(),
		ch:        make(chan Outcome, 1),
	}
	b.pending[t.id] = t
	t.timer = time.AfterFunc(timeout, func() { b.onTimeout(t.id) })
	b.metrics.TasksSubmitted.WithLabelValues(string(language)).Inc()

	ls.queue = append(ls.queue, t)
	if len(ls.queue) > 1 || ls.slots >= ls.max {
		b.metrics.TasksQueued.WithLabelValues(string(language)).Inc()
	}
	b.dispatchLocked(ls)
	b.mu.Unlock()

	select {
	case out := <-t.ch:
		return out, nil
	case <-ctx.Done():
		b.abandon(t.id)
		return Outcome{}, ctx.Err()
	}
}

// HandleResult records a runner-reported outcome: it resolves the pending
// handle, releases the concurrency slot, marks the runner idle, and
// immediately dispatches the next queued task. A result for a task that
// already timed out is discarded, as is a result for a task the reporting
// connection was never assigned.
func (b *Broker) HandleResult(connID id.ConnID, msg protocol.ResultMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rc, ok := b.conns[connID]
	if !ok {
		return
	}
	rc.lastSeen = time.Now()
	taskID := id.TaskID(msg.TaskID)
	if rc.current == taskID {
		rc.busy = false
		rc.current = ""
	}
	ls := b.langs[rc.language]

	t, ok := b.pending[taskID]
	if !ok || t.done {
		// Deadline elapsed before this arrived; the handle was already
		// resolved with TaskTimeout and the slot released.
		b.log.Debug("discarding late result", zap.String("task_id", msg.TaskID))
		b.dispatchLocked(ls)
		return
	}
	if t.assigned != connID {
		// Queued, or assigned elsewhere: no slot was acquired for this
		// connection, so crediting it would corrupt the slot counter.
		b.log.Warn("discarding result for a task not assigned to this runner",
			zap.String("task_id", msg.TaskID),
			zap.String("conn_id", connID.String()))
		b.dispatchLocked(ls)
		return
	}

	ls.slots--
	b.metrics.SlotsInUse.WithLabelValues(string(rc.language)).Set(float64(ls.slots))

	out := Outcome{
		TaskID:  t.id,
		Status:  msg.Status,
		Payload: msg.Payload,
		Fault:   msg.Fault,
	}
	if msg.Fault != nil {
		out.Status = protocol.StatusFor(msg.Fault.Code)
	} else if out.Status == "" {
		out.Status = protocol.StatusSuccess
	}
	b.resolveLocked(t, out)

	b.dispatchLocked(ls)
}

// onTimeout fires when a task's deadline elapses before a result arrives.
// The handle resolves with TaskTimeout and the slot is released, but the
// assigned runner keeps its busy mark: it may still be mid-execution, and
// the broker does not attempt to kill it. It simply stops waiting and
// routes no further work to it until it reports in.
func (b *Broker) onTimeout(taskID id.TaskID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.pending[taskID]
	if !ok || t.done {
		return
	}
	b.failLocked(t, protocol.NewFault(protocol.FaultTaskTimeout, "task exceeded its %s deadline", t.timeout))
	b.dispatchLocked(b.langs[t.language])
}

// abandon drops a task whose submitter stopped waiting.
func (b *Broker) abandon(taskID id.TaskID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.pending[taskID]
	if !ok || t.done {
		return
	}
	b.failLocked(t, protocol.NewFault(protocol.FaultTaskTimeout, "submitter cancelled while waiting"))
	b.dispatchLocked(b.langs[t.language])
}

// failLocked resolves a task with a fault, undoing whatever scheduler
// state it holds: a queued task leaves the queue, an executing task
// releases its slot. Callers hold b.mu.
func (b *Broker) failLocked(t *task, fault *protocol.Fault) {
	ls := b.langs[t.language]

	if t.assigned == "" {
		for i, queued := range ls.queue {
			if queued == t {
				ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
				break
			}
		}
		b.metrics.QueueDepth.WithLabelValues(string(t.language)).Set(float64(len(ls.queue)))
	} else {
		ls.slots--
		b.metrics.SlotsInUse.WithLabelValues(string(t.language)).Set(float64(ls.slots))
	}

	b.resolveLocked(t, Outcome{
		TaskID: t.id,
		Status: protocol.StatusFor(fault.Code),
		Fault:  fault,
	})
}

// resolveLocked delivers the single terminal outcome for a task and
// removes it from broker bookkeeping. Callers hold b.mu.
func (b *Broker) resolveLocked(t *task, out Outcome) {
	t.done = true
	t.timer.Stop()
	delete(b.pending, t.id)

	b.metrics.TasksCompleted.WithLabelValues(string(t.language), string(out.Status)).Inc()
	b.metrics.TaskDuration.WithLabelValues(string(t.language)).Observe(time.Since(t.submitted).Seconds())

	t.ch <- out
	close(t.ch)
}

// dispatchLocked drains the queue while a slot and an idle runner are both
// available. Queue order is first-submitted-first-dispatched; runner choice
// among idle ones is arbitrary. Callers hold b.mu.
func (b *Broker) dispatchLocked(ls *langState) {
	for len(ls.queue) > 0 && ls.slots < ls.max {
		var rc *runnerConn
		for _, candidate := range ls.runners {
			if !candidate.busy {
				rc = candidate
				break
			}
		}
		if rc == nil {
			break
		}

		t := ls.queue[0]
		ls.queue = ls.queue[1:]

		remaining := time.Until(t.submitted.Add(t.timeout))
		secs := int(remaining.Round(time.Second) / time.Second)
		if secs < 1 {
			// A zero would read as "no deadline" on the runner side; a
			// nearly-expired task still gets a real, minimal one.
			secs = 1
		}
		msg := protocol.TaskMessage{
			Type:           protocol.MessageTask,
			TaskID:         t.id.String(),
			Code:           t.code,
			Input:          t.input,
			TimeoutSeconds: secs,
		}
		if err := rc.sender.SendTask(msg); err != nil {
			// The connection is wedged; drop the runner and retry the
			// task on another one.
			b.log.Warn("task send failed, dropping runner",
				zap.String("conn_id", rc.connID.String()),
				zap.Error(err))
			ls.queue = append([]*task{t}, ls.queue...)
			delete(ls.runners, rc.connID)
			delete(b.conns, rc.connID)
			b.metrics.RunnersConnected.WithLabelValues(string(ls.language)).Dec()
			rc.sender.Close()
			continue
		}

		t.assigned = rc.connID
		rc.busy = true
		rc.current = t.id
		ls.slots++
		b.metrics.SlotsInUse.WithLabelValues(string(ls.language)).Set(float64(ls.slots))

		b.log.Debug("task dispatched",
			zap.String("task_id", t.id.String()),
			zap.String("conn_id", rc.connID.String()))
	}
	b.metrics.QueueDepth.WithLabelValues(string(ls.language)).Set(float64(len(ls.queue)))
}
