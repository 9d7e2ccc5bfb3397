// ABOUTME: Processing loop consuming the inbound mailbox strictly in priority order.
// ABOUTME: Journals work before executing it; a sentinel message stops the loop.

package agent

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/2389/fleetlink/internal/mailbox"
	"github.com/2389/fleetlink/internal/wire"
)

// StatusPayload reports the outcome of one executed request.
type StatusPayload struct {
	OK    bool   `cbor:"1,keyasint"`
	Error string `cbor:"2,keyasint,omitempty"`
}

// processorIdleSleep is how long the loop waits when the inbox is empty.
const processorIdleSleep = time.Second

// Processor executes inbound work units one at a time. It shares no state
// with the polling loop beyond the two mailboxes.
type Processor struct {
	inbox     *mailbox.Mailbox
	outbox    *mailbox.Mailbox
	registry  *Registry
	txlog     *TxLog
	heartbeat func()
	logger    *slog.Logger

	busy atomic.Bool
}

// NewProcessor wires a processing loop over the mailboxes.
func NewProcessor(inbox, outbox *mailbox.Mailbox, registry *Registry, txlog *TxLog, heartbeat func()) *Processor {
	if heartbeat == nil {
		heartbeat = func() {}
	}
	return &Processor{
		inbox:     inbox,
		outbox:    outbox,
		registry:  registry,
		txlog:     txlog,
		heartbeat: heartbeat,
		logger:    slog.Default().With("component", "processor"),
	}
}

// Busy reports whether a work unit is currently executing.
func (p *Processor) Busy() bool {
	return p.busy.Load()
}

// ReplayJournal reports every interrupted work unit from the previous
// process as failed and clears the journal. Called once at startup,
// before Run.
func (p *Processor) ReplayJournal(ctx context.Context) error {
	pending, err := p.txlog.Pending(ctx)
	if err != nil {
		return err
	}
	for _, e := range pending {
		p.logger.Warn("replaying interrupted work unit", "task_id", e.TaskID, "session_id", e.SessionID)
		p.sendStatus(ctx, &wire.Message{
			SessionID: e.SessionID,
			RequestID: e.RequestID,
			TaskID:    e.TaskID,
		}, 0, errInterrupted)
		if err := p.txlog.Clear(ctx, e.TaskID); err != nil {
			return err
		}
	}
	return nil
}

// Run consumes the inbound mailbox until the context is cancelled or a
// sentinel message arrives. Messages come out highest priority first.
func (p *Processor) Run(ctx context.Context) error {
	for {
		msgs := p.inbox.Drain(1)
		if len(msgs) == 0 {
			p.heartbeat()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(processorIdleSleep):
			}
			continue
		}

		msg := msgs[0]
		if msg.Kind == wire.KindSentinel {
			p.logger.Info("processing loop stopping on sentinel")
			return nil
		}
		p.process(ctx, msg)
	}
}

// Stop pushes the sentinel onto the inbound mailbox. The loop finishes
// its in-flight action first; there is no forced preemption.
func (p *Processor) Stop(ctx context.Context) error {
	return p.inbox.Put(ctx, &wire.Message{
		Kind:     wire.KindSentinel,
		Priority: wire.PriorityHigh,
	}, false)
}

// process executes one message and emits its responses and status.
func (p *Processor) process(ctx context.Context, msg *wire.Message) {
	if msg.AuthState != wire.AuthAuthenticated {
		p.logger.Warn("dropping unauthenticated work unit",
			"session_id", msg.SessionID, "task_id", msg.TaskID)
		return
	}

	p.busy.Store(true)
	defer p.busy.Store(false)

	req, err := ParseActionRequest(msg)
	if err != nil {
		p.sendStatus(ctx, msg, 0, err)
		return
	}
	action, ok := p.registry.Lookup(req.Name)
	if !ok {
		p.sendStatus(ctx, msg, 0, errUnknownAction(req.Name))
		return
	}

	entry := TxEntry{
		TaskID:    msg.TaskID,
		SessionID: msg.SessionID,
		RequestID: msg.RequestID,
		StartedAt: time.Now(),
	}
	if err := p.txlog.Begin(ctx, entry); err != nil {
		p.logger.Error("journal write failed", "error", err)
		p.sendStatus(ctx, msg, 0, err)
		return
	}

	payloads, execErr := action.Execute(ctx, req.Args)

	responses := 0
	for i, payload := range payloads {
		resp := &wire.Message{
			SessionID:  msg.SessionID,
			RequestID:  msg.RequestID,
			ResponseID: uint64(i + 1),
			TaskID:     msg.TaskID,
			Priority:   msg.Priority,
			TTL:        wire.DefaultTTL,
			Payload:    payload,
			Kind:       wire.KindData,
		}
		if err := p.outbox.Put(ctx, resp, true); err != nil {
			p.logger.Error("queueing response failed", "error", err, "task_id", msg.TaskID)
			execErr = err
			break
		}
		responses++
	}

	p.sendStatus(ctx, msg, uint64(responses), execErr)

	// A failed unit has already reported its status; either way there is
	// nothing left to replay.
	if err := p.txlog.Clear(ctx, msg.TaskID); err != nil {
		p.logger.Error("journal clear failed", "error", err, "task_id", msg.TaskID)
	}
}

// sendStatus emits the single status message completing a request.
func (p *Processor) sendStatus(ctx context.Context, msg *wire.Message, responses uint64, execErr error) {
	status := StatusPayload{OK: execErr == nil}
	if execErr != nil {
		status.Error = execErr.Error()
	}
	payload, err := wire.Marshal(&status)
	if err != nil {
		p.logger.Error("serializing status failed", "error", err)
		return
	}
	out := &wire.Message{
		SessionID:  msg.SessionID,
		RequestID:  msg.RequestID,
		ResponseID: responses + 1,
		TaskID:     msg.TaskID,
		Priority:   wire.PriorityHigh,
		TTL:        wire.DefaultTTL,
		Payload:    payload,
		Kind:       wire.KindStatus,
	}
	// Status is control-plane traffic; the high priority makes Put
	// unconditional so completion can never deadlock on a full mailbox.
	if err := p.outbox.Put(ctx, out, false); err != nil {
		p.logger.Error("queueing status failed", "error", err)
	}
}
