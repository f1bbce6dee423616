package queue

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return New(NewMemoryBroker(), node, zap.NewNop())
}

func TestPushPopRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	type addItem struct {
		CheckUUID string  `json:"check_uuid"`
		UserID    int64   `json:"user_id"`
		Sum       float64 `json:"sum"`
	}

	taskID, err := q.Push(ctx, Default, "add_item_task", addItem{CheckUUID: "c1", UserID: 1, Sum: 10})
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	env, err := q.Pop(ctx, Default, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, "add_item_task", env.Type)
	assert.Equal(t, taskID, env.TaskID)

	var decoded addItem
	require.NoError(t, env.Decode(&decoded))
	assert.Equal(t, "c1", decoded.CheckUUID)
	assert.Equal(t, int64(1), decoded.UserID)
}

func TestPopTimeoutReturnsNil(t *testing.T) {
	q := newTestQueue(t)

	env, err := q.Pop(context.Background(), Default, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, env)
}

func TestFIFOOrder(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Push(ctx, Default, "rename_check_task", map[string]any{"name": "a"})
	require.NoError(t, err)
	second, err := q.Push(ctx, Default, "rename_check_task", map[string]any{"name": "b"})
	require.NoError(t, err)

	env, err := q.Pop(ctx, Default, time.Second)
	require.NoError(t, err)
	assert.Equal(t, first, env.TaskID)

	env, err = q.Pop(ctx, Default, time.Second)
	require.NoError(t, err)
	assert.Equal(t, second, env.TaskID)
}

func TestCorruptFrameIsDropped(t *testing.T) {
	broker := NewMemoryBroker()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	q := New(broker, node, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, broker.Push(ctx, Default, []byte("{not json")))
	_, err = q.Push(ctx, Default, "ok_task", map[string]any{"ok": true})
	require.NoError(t, err)

	// The corrupt frame surfaces as a timeout, the valid one still arrives.
	env, err := q.Pop(ctx, Default, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, env)

	env, err = q.Pop(ctx, Default, time.Second)
	require.NoError(t, err)
	require.NotNil(t, env)
}
