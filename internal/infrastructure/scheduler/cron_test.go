package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestCronSchedulerRunsImmediatelyAndOnTick(t *testing.T) {
	loc, err := time.LoadLocation("UTC")
	require.NoError(t, err)

	sched := NewCronScheduler(10*time.Millisecond, loc)
	var runs atomic.Int32
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx, func(at time.Time) {
		runs.Add(1)
	}))
	require.NoError(t, sched.Start(ctx, func(time.Time) {
		t.Error("second start must not schedule a job")
	}))

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, sched.Stop(ctx))
	require.NoError(t, sched.Stop(ctx))

	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, after, runs.Load())
}

func TestCronSchedulerStopsWithContext(t *testing.T) {
	sched := NewCronScheduler(time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())

	ran := make(chan struct{})
	require.NoError(t, sched.Start(ctx, func(time.Time) { close(ran) }))
	<-ran
	cancel()
	require.NoError(t, sched.Stop(context.Background()))
}

func TestCronSchedulerNilJob(t *testing.T) {
	sched := NewCronScheduler(0, nil)
	require.NoError(t, sched.Start(context.Background(), nil))
	require.NoError(t, sched.Stop(context.Background()))
}
