package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/langgraph-checkpoint/checkpoint"
)

func putCheckpoint(t *testing.T, saver *Saver, threadID, ns string, parent checkpoint.Address, md checkpoint.Metadata) checkpoint.Address {
	t.Helper()
	ckpt := checkpoint.EmptyCheckpoint()
	ckpt.ChannelValues = map[string]any{"messages": "hello"}
	addr := checkpoint.Address{ThreadID: threadID, CheckpointNS: ns, CheckpointID: parent.CheckpointID}
	saved, err := saver.Put(context.Background(), addr, ckpt, md, nil)
	require.NoError(t, err)
	return saved
}

func TestSaver_PutAndGetTuple(t *testing.T) {
	saver := NewSaver()
	ctx := context.Background()

	ckpt := checkpoint.EmptyCheckpoint()
	ckpt.ChannelValues = map[string]any{"messages": "hello", "count": 1}
	md := checkpoint.Metadata{"source": "input", "step": 0}

	saved, err := saver.Put(ctx, checkpoint.Address{ThreadID: "thread-1"}, ckpt, md, nil)
	require.NoError(t, err)
	assert.Equal(t, ckpt.ID, saved.CheckpointID)

	tuple, err := saver.GetTuple(ctx, saved)
	require.NoError(t, err)
	require.NotNil(t, tuple)
	// Values come back in their serialized shapes, like the other backends.
	assert.Equal(t, map[string]any{"messages": "hello", "count": float64(1)}, tuple.Checkpoint.ChannelValues)
	assert.Equal(t, checkpoint.Metadata{"source": "input", "step": float64(0)}, tuple.Metadata)
	assert.Nil(t, tuple.ParentAddress)

	latest, err := saver.GetTuple(ctx, checkpoint.Address{ThreadID: "thread-1"})
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, saved.CheckpointID, latest.Address.CheckpointID)
}

func TestSaver_GetTuple_NotFound(t *testing.T) {
	saver := NewSaver()

	tuple, err := saver.GetTuple(context.Background(), checkpoint.Address{ThreadID: "no-such-thread"})
	assert.NoError(t, err)
	assert.Nil(t, tuple)
}

func TestSaver_ParentLinkage(t *testing.T) {
	saver := NewSaver()
	ctx := context.Background()

	first := putCheckpoint(t, saver, "thread-1", "", checkpoint.Address{}, nil)
	second := putCheckpoint(t, saver, "thread-1", "", first, nil)

	tuple, err := saver.GetTuple(ctx, second)
	require.NoError(t, err)
	require.NotNil(t, tuple.ParentAddress)
	assert.Equal(t, first, *tuple.ParentAddress)
}

func TestSaver_Put_Overwrite(t *testing.T) {
	saver := NewSaver()
	ctx := context.Background()

	ckpt := checkpoint.EmptyCheckpoint()
	ckpt.ChannelValues = map[string]any{"messages": "first"}
	saved, err := saver.Put(ctx, checkpoint.Address{ThreadID: "thread-1"}, ckpt, nil, nil)
	require.NoError(t, err)

	ckpt.ChannelValues = map[string]any{"messages": "second"}
	again, err := saver.Put(ctx, checkpoint.Address{ThreadID: "thread-1"}, ckpt, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, saved, again)

	tuple, err := saver.GetTuple(ctx, saved)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"messages": "second"}, tuple.Checkpoint.ChannelValues)

	it, err := saver.List(ctx, &checkpoint.ListScope{ThreadID: "thread-1"}, checkpoint.ListOptions{})
	require.NoError(t, err)
	tuples, err := checkpoint.Collect(it)
	require.NoError(t, err)
	assert.Len(t, tuples, 1)
}

func TestSaver_EmptyChannelValues(t *testing.T) {
	saver := NewSaver()
	ctx := context.Background()

	saved, err := saver.Put(ctx, checkpoint.Address{ThreadID: "thread-1"}, checkpoint.EmptyCheckpoint(), nil, nil)
	require.NoError(t, err)

	tuple, err := saver.GetTuple(ctx, saved)
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.NotNil(t, tuple.Checkpoint.ChannelValues)
	assert.Empty(t, tuple.Checkpoint.ChannelValues)
}

func TestSaver_PendingWritesOrder(t *testing.T) {
	saver := NewSaver()
	ctx := context.Background()

	saved := putCheckpoint(t, saver, "thread-1", "", checkpoint.Address{}, nil)

	require.NoError(t, saver.PutWrites(ctx, saved, "w1", []checkpoint.ChannelWrite{{Channel: "world", Value: "w1v"}}))
	require.NoError(t, saver.PutWrites(ctx, saved, "w3", []checkpoint.ChannelWrite{{Channel: checkpoint.TasksChannel, Value: "w3v"}}))
	require.NoError(t, saver.PutWrites(ctx, saved, "w2", []checkpoint.ChannelWrite{{Channel: "world", Value: "w2v"}}))

	tuple, err := saver.GetTuple(ctx, saved)
	require.NoError(t, err)

	assert.Equal(t, []checkpoint.PendingWrite{
		{TaskID: "w3", Channel: checkpoint.TasksChannel, Value: "w3v"},
		{TaskID: "w1", Channel: "world", Value: "w1v"},
		{TaskID: "w2", Channel: "world", Value: "w2v"},
	}, tuple.PendingWrites)
	assert.Equal(t, []any{"w3v"}, tuple.Checkpoint.PendingSends)
}

func TestSaver_PutWrites_Replay(t *testing.T) {
	saver := NewSaver()
	ctx := context.Background()

	saved := putCheckpoint(t, saver, "thread-1", "", checkpoint.Address{}, nil)

	require.NoError(t, saver.PutWrites(ctx, saved, "task-1", []checkpoint.ChannelWrite{{Channel: "messages", Value: "first"}}))
	require.NoError(t, saver.PutWrites(ctx, saved, "task-1", []checkpoint.ChannelWrite{{Channel: "messages", Value: "replayed"}}))

	tuple, err := saver.GetTuple(ctx, saved)
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 1)
	assert.Equal(t, "replayed", tuple.PendingWrites[0].Value)
}

func TestSaver_PutWrites_BeforeCheckpoint(t *testing.T) {
	saver := NewSaver()
	ctx := context.Background()

	// Writes may land before the checkpoint they belong to.
	addr := checkpoint.Address{ThreadID: "thread-1", CheckpointID: "early"}
	require.NoError(t, saver.PutWrites(ctx, addr, "task-1", []checkpoint.ChannelWrite{{Channel: "messages", Value: "hi"}}))

	// The uncommitted checkpoint is not readable yet.
	tuple, err := saver.GetTuple(ctx, addr)
	require.NoError(t, err)
	assert.Nil(t, tuple)

	latest, err := saver.GetTuple(ctx, checkpoint.Address{ThreadID: "thread-1"})
	require.NoError(t, err)
	assert.Nil(t, latest)

	// Once it commits, the early writes surface with it.
	ckpt := checkpoint.EmptyCheckpoint()
	ckpt.ID = "early"
	saved, err := saver.Put(ctx, checkpoint.Address{ThreadID: "thread-1"}, ckpt, nil, nil)
	require.NoError(t, err)

	tuple, err = saver.GetTuple(ctx, saved)
	require.NoError(t, err)
	require.NotNil(t, tuple)
	require.Len(t, tuple.PendingWrites, 1)
	assert.Equal(t, "hi", tuple.PendingWrites[0].Value)
}

func TestSaver_PutWrites_SerializeError(t *testing.T) {
	saver := NewSaver()

	addr := checkpoint.Address{ThreadID: "thread-1", CheckpointID: "ckpt-1"}
	err := saver.PutWrites(context.Background(), addr, "task-1", []checkpoint.ChannelWrite{
		{Channel: "messages", Value: make(chan int)},
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), `failed to serialize write for channel "messages"`)
}

func TestSaver_List(t *testing.T) {
	saver := NewSaver()
	ctx := context.Background()

	first := putCheckpoint(t, saver, "thread-1", "", checkpoint.Address{},
		checkpoint.Metadata{"source": "input", "step": 2, "writes": map[string]any{}, "score": 1})
	second := putCheckpoint(t, saver, "thread-1", "", first,
		checkpoint.Metadata{"source": "loop", "step": 1, "writes": map[string]any{"foo": "bar"}, "score": nil})
	putCheckpoint(t, saver, "thread-2", "inner", checkpoint.Address{}, checkpoint.Metadata{})

	count := func(scope *checkpoint.ListScope, opts checkpoint.ListOptions) int {
		it, err := saver.List(ctx, scope, opts)
		require.NoError(t, err)
		tuples, err := checkpoint.Collect(it)
		require.NoError(t, err)
		return len(tuples)
	}

	scope1 := &checkpoint.ListScope{ThreadID: "thread-1"}
	assert.Equal(t, 1, count(scope1, checkpoint.ListOptions{Filter: checkpoint.Metadata{"source": "input"}}))
	assert.Equal(t, 1, count(scope1, checkpoint.ListOptions{Filter: checkpoint.Metadata{"step": 1}}))
	assert.Equal(t, 2, count(scope1, checkpoint.ListOptions{}))
	assert.Equal(t, 0, count(scope1, checkpoint.ListOptions{Filter: checkpoint.Metadata{"source": "update", "step": 1}}))
	assert.Equal(t, 3, count(nil, checkpoint.ListOptions{}))

	// Newest first, Before and Limit respected.
	it, err := saver.List(ctx, scope1, checkpoint.ListOptions{})
	require.NoError(t, err)
	tuples, err := checkpoint.Collect(it)
	require.NoError(t, err)
	require.Len(t, tuples, 2)
	assert.Equal(t, second.CheckpointID, tuples[0].Address.CheckpointID)
	assert.Equal(t, first.CheckpointID, tuples[1].Address.CheckpointID)

	assert.Equal(t, 1, count(scope1, checkpoint.ListOptions{Before: &second}))
	assert.Equal(t, 1, count(scope1, checkpoint.ListOptions{Limit: 1}))
}

func TestSaver_ConcurrentAccess(t *testing.T) {
	saver := NewSaver()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ckpt := checkpoint.EmptyCheckpoint()
			saved, err := saver.Put(ctx, checkpoint.Address{ThreadID: "thread-1"}, ckpt, nil, nil)
			assert.NoError(t, err)
			err = saver.PutWrites(ctx, saved, "task-1", []checkpoint.ChannelWrite{{Channel: "messages", Value: "hi"}})
			assert.NoError(t, err)
			_, err = saver.GetTuple(ctx, saved)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	it, err := saver.List(ctx, &checkpoint.ListScope{ThreadID: "thread-1"}, checkpoint.ListOptions{})
	require.NoError(t, err)
	tuples, err := checkpoint.Collect(it)
	require.NoError(t, err)
	assert.Len(t, tuples, 8)
}
