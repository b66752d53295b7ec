// Package mq defines the MessageQueue sink every worker publishes
// task-lifecycle notices to. The queue's consumers (the HTTP API, IM bot
// front-ends, translation/delay middlewares) are out of scope for this
// module (spec.md §1) — only the interface and a logging reference
// implementation live here.
package mq

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/cuemby/taskmesh/pkg/types"
)

// Notice is one task-lifecycle event a worker publishes to the queue.
type Notice struct {
	Kind   NoticeKind
	Task   types.Task
	Worker string // NodeID.String() or worker uuid, whichever topology emitted it
}

// NoticeKind distinguishes the lifecycle transitions a worker reports.
type NoticeKind string

const (
	NoticeTaskBound   NoticeKind = "task_bound"
	NoticeTaskUnbound NoticeKind = "task_unbound"
)

// MessageQueue is the out-of-scope sink a worker publishes to; a real
// implementation forwards to whatever broker the deployment uses.
type MessageQueue interface {
	Publish(ctx context.Context, notice Notice) error
}

// LoggingQueue is a MessageQueue that logs every notice instead of
// forwarding it anywhere, the reference implementation used by tests and
// standalone demos that don't wire a real broker.
type LoggingQueue struct {
	log zerolog.Logger
}

// NewLoggingQueue returns a MessageQueue that only logs.
func NewLoggingQueue(log zerolog.Logger) *LoggingQueue {
	return &LoggingQueue{log: log}
}

// Publish logs the notice at info level and never fails.
func (q *LoggingQueue) Publish(_ context.Context, notice Notice) error {
	q.log.Info().
		Str("kind", string(notice.Kind)).
		Str("task_id", notice.Task.Key()).
		Str("task_kind", notice.Task.Kind).
		Str("worker", notice.Worker).
		Msg("task notice")
	return nil
}
