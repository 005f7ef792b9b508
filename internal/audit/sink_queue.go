package audit

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/hibiken/asynq"
)

// TaskTypeDeliver is the asynq task type for queued audit delivery.
const TaskTypeDeliver = "audit:deliver"

// QueueSink enqueues events for asynchronous delivery by the worker.
// The queue, not the policy engine, owns buffering and retry.
type QueueSink struct {
	client *asynq.Client
}

// NewQueueSink returns a sink that enqueues delivery tasks.
func NewQueueSink(client *asynq.Client) *QueueSink {
	return &QueueSink{client: client}
}

// NewDeliverTask wraps an event in an asynq task.
func NewDeliverTask(event Event) (*asynq.Task, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeDeliver, data, asynq.MaxRetry(5)), nil
}

// Append enqueues the event.
func (s *QueueSink) Append(ctx context.Context, event Event) error {
	if s == nil || s.client == nil {
		return errors.New("audit queue sink not initialised")
	}
	task, err := NewDeliverTask(event)
	if err != nil {
		return err
	}
	_, err = s.client.EnqueueContext(ctx, task)
	return err
}
