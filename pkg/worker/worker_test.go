package worker

import (
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/taskmesh/pkg/events"
	"github.com/cuemby/taskmesh/pkg/mq"
	"github.com/cuemby/taskmesh/pkg/types"
)

func newTestWorker() *Worker {
	return New("wss://127.0.0.1:9000/worker#0", zerolog.Nop(), events.NewBroker(), mq.NewLoggingQueue(zerolog.Nop()))
}

func TestAddTaskThenListThenRemove(t *testing.T) {
	w := newTestWorker()
	task := taskWithKind("youtube")

	require.NoError(t, w.AddTask(task))
	assert.True(t, w.Has(task.Key()))
	assert.Len(t, w.Tasks(), 1)

	require.NoError(t, w.RemoveTask(task.Key()))
	assert.False(t, w.Has(task.Key()))
	assert.Empty(t, w.Tasks())
}

func TestAddTaskIsIdempotent(t *testing.T) {
	w := newTestWorker()
	task := taskWithKind("bilibili")

	require.NoError(t, w.AddTask(task))
	require.NoError(t, w.AddTask(task))
	assert.Len(t, w.Tasks(), 1, "re-adding a held task must not duplicate it")
}

func TestRemoveTaskNotHeldIsNoop(t *testing.T) {
	w := newTestWorker()
	require.NoError(t, w.RemoveTask(uuid.New().String()))
}

func TestAddTaskPublishesEvent(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	w := New("wss://127.0.0.1:9000/worker#0", zerolog.Nop(), broker, mq.NewLoggingQueue(zerolog.Nop()))
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	task := taskWithKind("twitter")
	require.NoError(t, w.AddTask(task))

	ev := <-sub
	assert.Equal(t, events.EventTaskBound, ev.Type)
	assert.Equal(t, task.Key(), ev.Metadata["task_id"])
}

func taskWithKind(kind string) types.Task {
	return types.Task{ID: uuid.New(), Kind: kind}
}
