package di

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopCancelsAndWaits(t *testing.T) {
	m := NewLifecycleManager(context.Background(), "s1")
	var exited atomic.Bool

	err := m.CreateTask("loop", func(ctx context.Context) {
		<-ctx.Done()
		exited.Store(true)
	})
	require.NoError(t, err)

	m.Stop()
	assert.True(t, exited.Load())
	assert.True(t, m.IsStopped())
}

func TestStopIsIdempotent(t *testing.T) {
	m := NewLifecycleManager(context.Background(), "s1")
	var cleanups atomic.Int32
	m.OnStop(func() { cleanups.Add(1) })

	m.Stop()
	m.Stop()
	assert.Equal(t, int32(1), cleanups.Load())
}

func TestCreateTaskAfterStopRejected(t *testing.T) {
	m := NewLifecycleManager(context.Background(), "s1")
	m.Stop()
	err := m.CreateTask("late", func(ctx context.Context) {
		t.Error("task must not run after stop")
	})
	assert.Error(t, err)
}

func TestOnStopRunsAfterTasksExit(t *testing.T) {
	m := NewLifecycleManager(context.Background(), "s1")
	var taskDone atomic.Bool
	var orderOK atomic.Bool

	require.NoError(t, m.CreateTask("worker", func(ctx context.Context) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		taskDone.Store(true)
	}))
	m.OnStop(func() { orderOK.Store(taskDone.Load()) })

	m.Stop()
	assert.True(t, orderOK.Load())
}

func TestTaskPanicDoesNotKillStop(t *testing.T) {
	m := NewLifecycleManager(context.Background(), "s1")
	require.NoError(t, m.CreateTask("bad", func(ctx context.Context) {
		panic("task exploded")
	}))
	assert.NotPanics(t, m.Stop)
}

func TestParentCancelPropagates(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	m := NewLifecycleManager(parent, "s1")
	cancel()

	select {
	case <-m.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("session context not cancelled with parent")
	}
}
