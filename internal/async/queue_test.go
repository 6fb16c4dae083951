package async

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestQueueDeliversAndDrainsOnClose(t *testing.T) {
	var (
		mu  sync.Mutex
		got []int
	)
	q := New[int](Config{Name: "test", BufferSize: 16, Workers: 2}, func(_ context.Context, n int) error {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
		return nil
	}, nil)

	for i := 0; i < 10; i++ {
		require.True(t, q.Submit(context.Background(), i))
	}
	q.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 10)
	assert.False(t, q.Submit(context.Background(), 99))
}

func TestQueueLogsHandlerFailures(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	q := New[string](Config{Name: "notify"}, func(context.Context, string) error {
		return errors.New("smtp down")
	}, zap.New(core))

	require.True(t, q.Submit(context.Background(), "hello"))
	q.Close()

	assert.Equal(t, uint64(1), q.Failed())
	entries := logs.FilterMessage("async handler failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "notify", entries[0].ContextMap()["queue"])
}

func TestQueueRecoversPanics(t *testing.T) {
	q := New[int](Config{}, func(context.Context, int) error { panic("boom") }, nil)
	require.True(t, q.Submit(context.Background(), 1))
	q.Close()
	assert.Equal(t, uint64(1), q.Failed())
}

func TestQueueDropIfFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	q := New[int](Config{BufferSize: 1, DropIfFull: true}, func(context.Context, int) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}, nil)

	require.True(t, q.Submit(context.Background(), 1))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("worker never picked up the first task")
	}
	require.True(t, q.Submit(context.Background(), 2))
	assert.False(t, q.Submit(context.Background(), 3))
	assert.Equal(t, uint64(1), q.Dropped())

	close(release)
	q.Close()
}

func TestNilQueueIsSafe(t *testing.T) {
	var q *Queue[int]
	assert.False(t, q.Submit(context.Background(), 1))
	q.Close()
	assert.Zero(t, q.Dropped())
}
