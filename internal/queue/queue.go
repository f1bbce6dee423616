// Package queue implements the durable FIFO task queue. Envelopes are JSON
// objects with a "type" discriminator and handler-specific fields. A frame is
// removed from the list the moment it is popped, before processing completes;
// a crash mid-processing therefore loses the task (at-most-once, by contract).
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
)

// Logical queues. Recognition tasks run on their own list so slow OCR calls
// never starve the default workload.
const (
	Default     = "tasks:default"
	Recognition = "tasks:recognition"
)

// Envelope is the decoded head of a task frame. Fields beyond the
// discriminator stay raw until the handler decodes its own payload.
type Envelope struct {
	TaskID string `json:"task_id"`
	Type   string `json:"type"`

	raw []byte
}

// Raw returns the full frame the envelope was decoded from.
func (e Envelope) Raw() []byte {
	return e.raw
}

// Decode unmarshals the full frame into the handler's payload struct.
func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.raw, v)
}

// Queue produces and consumes task envelopes on a Broker.
type Queue struct {
	broker Broker
	genID  *snowflake.Node
	log    *zap.Logger
}

func New(broker Broker, genID *snowflake.Node, log *zap.Logger) *Queue {
	return &Queue{
		broker: broker,
		genID:  genID,
		log:    log.Named("queue"),
	}
}

// Push serializes the payload, stamps the discriminator and a task id, and
// appends the frame to the named queue.
func (q *Queue) Push(ctx context.Context, queue, taskType string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal task payload: %w", err)
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", fmt.Errorf("task payload must be an object: %w", err)
	}

	taskID := q.genID.Generate().String()
	fields["type"], _ = json.Marshal(taskType)
	fields["task_id"], _ = json.Marshal(taskID)

	frame, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}

	if err := q.broker.Push(ctx, queue, frame); err != nil {
		q.log.Error("push failed",
			zap.String("queue", queue),
			zap.String("task_type", taskType),
			zap.Error(err),
		)
		return "", err
	}

	q.log.Debug("task enqueued",
		zap.String("queue", queue),
		zap.String("task_type", taskType),
		zap.String("task_id", taskID),
	)
	return taskID, nil
}

// Pop blocks up to timeout for the next envelope. Corrupt frames are dropped
// with a warning and reported as a timeout so the caller just polls again.
func (q *Queue) Pop(ctx context.Context, queue string, timeout time.Duration) (*Envelope, error) {
	frame, err := q.broker.Pop(ctx, queue, timeout)
	if err != nil {
		return nil, err
	}
	if frame == nil {
		return nil, nil
	}

	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil || env.Type == "" {
		q.log.Warn("dropping corrupt task frame",
			zap.String("queue", queue),
			zap.Int("size", len(frame)),
			zap.Error(err),
		)
		return nil, nil
	}
	env.raw = frame
	return &env, nil
}
