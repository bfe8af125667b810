package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskQueue_FIFO(t *testing.T) {
	q := NewTaskQueue[int]("test", setupTestLogger())

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Push(i))
	}
	assert.Equal(t, 5, q.Len())

	for i := 0; i < 5; i++ {
		v, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	assert.Equal(t, 0, q.Len())
}

func TestTaskQueue_PushNeverBlocks(t *testing.T) {
	q := NewTaskQueue[int]("test", setupTestLogger())

	// No consumer is running; an unbounded queue accepts everything
	for i := 0; i < 10000; i++ {
		require.NoError(t, q.Push(i))
	}
	assert.Equal(t, 10000, q.Len())
}

func TestTaskQueue_PopBlocksUntilPush(t *testing.T) {
	q := NewTaskQueue[string]("test", setupTestLogger())
	got := make(chan string, 1)

	go func() {
		v, ok := q.Pop()
		if ok {
			got <- v
		}
	}()

	select {
	case <-got:
		t.Fatal("Pop returned before anything was pushed")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, q.Push("hello"))

	select {
	case v := <-got:
		assert.Equal(t, "hello", v)
	case <-time.After(testTimeout):
		t.Fatal("Pop did not wake up after Push")
	}
}

func TestTaskQueue_Close(t *testing.T) {
	q := NewTaskQueue[int]("test", setupTestLogger())
	require.NoError(t, q.Push(1))

	released := make(chan bool, 2)
	q2 := NewTaskQueue[int]("waiting", setupTestLogger())
	go func() {
		_, ok := q2.Pop()
		released <- ok
	}()

	q.Close()
	q2.Close()

	// Remaining items are discarded on close
	_, ok := q.Pop()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())

	err := q.Push(2)
	assert.ErrorIs(t, err, ErrQueueClosed)

	select {
	case ok := <-released:
		assert.False(t, ok, "a blocked Pop must return false on close")
	case <-time.After(testTimeout):
		t.Fatal("Close did not wake a blocked consumer")
	}

	// Closing twice is harmless
	q.Close()
}
