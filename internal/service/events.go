package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/dispatchd/dispatchd/internal/domain/event"
	"github.com/dispatchd/dispatchd/internal/port/broadcast"
	"github.com/dispatchd/dispatchd/internal/port/eventlog"
	"github.com/dispatchd/dispatchd/internal/port/messagequeue"
)

// PublishingLog decorates an event log with best-effort fan-out: every
// successfully appended event is also published to the message queue and
// broadcast to connected clients. The database log stays authoritative; a
// fan-out failure never fails the append.
type PublishingLog struct {
	inner eventlog.Log
	queue messagequeue.Queue     // optional
	bcast broadcast.Broadcaster  // optional
	log   *slog.Logger
}

// NewPublishingLog wraps inner with queue and broadcaster fan-out. Either
// may be nil.
func NewPublishingLog(inner eventlog.Log, queue messagequeue.Queue, bcast broadcast.Broadcaster, log *slog.Logger) *PublishingLog {
	return &PublishingLog{inner: inner, queue: queue, bcast: bcast, log: log}
}

// Append stores the event, then fans it out.
func (p *PublishingLog) Append(ctx context.Context, runID string, t event.Type, payload json.RawMessage) (int64, error) {
	id, err := p.inner.Append(ctx, runID, t, payload)
	if err != nil {
		return 0, err
	}

	ev := event.RunEvent{ID: id, RunID: runID, Type: t, Payload: payload}

	if p.queue != nil && p.queue.IsConnected() {
		data, merr := json.Marshal(ev)
		if merr == nil {
			p.publish(ctx, runID, messagequeue.SubjectRunEvents+"."+runID, data)
			if t == event.TypeStage || t == event.TypeDone {
				p.publish(ctx, runID, messagequeue.SubjectRunStatus+"."+runID, data)
			}
		}
	}

	if p.bcast != nil {
		p.bcast.BroadcastEvent(ctx, "run."+string(t), ev)
	}

	return id, nil
}

func (p *PublishingLog) publish(ctx context.Context, runID, subject string, data []byte) {
	if err := p.queue.Publish(ctx, subject, data); err != nil {
		p.log.Debug("event fan-out failed", "run_id", runID, "subject", subject, "error", err)
	}
}

// ListAfter delegates to the wrapped log.
func (p *PublishingLog) ListAfter(ctx context.Context, runID string, afterID int64, limit int) ([]event.RunEvent, error) {
	return p.inner.ListAfter(ctx, runID, afterID, limit)
}
