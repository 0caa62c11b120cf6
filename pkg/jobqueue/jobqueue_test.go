package jobqueue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRunsTasksInOrder(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	var order []int
	done := make(chan struct{})

	for i := 0; i < 5; i++ {
		i := i
		q.Add(NewTask("coll-a", func(ctx context.Context) error {
			order = append(order, i)
			if i == 4 {
				close(done)
			}
			return nil
		}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not complete in time")
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestQueueSurvivesTaskError(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	var ran int32
	done := make(chan struct{})

	q.Add(NewTask("coll-a", func(ctx context.Context) error {
		return assert.AnError
	}))
	q.Add(NewTask("coll-a", func(ctx context.Context) error {
		atomic.AddInt32(&ran, 1)
		close(done)
		return nil
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second task never ran after first task errored")
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestQueueSurvivesTaskPanic(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	done := make(chan struct{})

	q.Add(NewTask("coll-a", func(ctx context.Context) error {
		panic("boom")
	}))
	q.Add(NewTask("coll-a", func(ctx context.Context) error {
		close(done)
		return nil
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue stalled after a panicking task")
	}
}

func TestQueueStopDiscardsUnstartedTasks(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ran int32
	block := make(chan struct{})

	q.Start(ctx)
	q.Add(NewTask("coll-a", func(ctx context.Context) error {
		<-block
		atomic.AddInt32(&ran, 1)
		return nil
	}))
	for i := 0; i < 10; i++ {
		q.Add(NewTask("coll-a", func(ctx context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		}))
	}

	require.Eventually(t, func() bool { return q.Len() == 10 }, time.Second, 10*time.Millisecond)

	close(block)
	q.Stop()

	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}
