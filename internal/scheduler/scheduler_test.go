package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fortytw2/leaktest"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rediscache "github.com/alanyoungcy/marketkeeper/internal/cache/redis"
	"github.com/alanyoungcy/marketkeeper/internal/domain"
	"github.com/alanyoungcy/marketkeeper/internal/relayer"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type busyProbe int

func (p busyProbe) BusyConns() int { return int(p) }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	ledger := &relayer.Error{Op: relayer.OpResolveMarket, Result: relayer.Result{Kind: relayer.KindTransient, Err: timeoutErr{}}}
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"marked", fmt.Errorf("postgres: list: %w", domain.ErrTransient), true},
		{"deadline", context.DeadlineExceeded, true},
		{"net timeout", fmt.Errorf("dial: %w", timeoutErr{}), true},
		{"ledger", ledger, false},
		{"wrapped ledger", fmt.Errorf("lifecycle: %w", ledger), false},
		{"not found", domain.ErrNotFound, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestBackoffWithinCeiling(t *testing.T) {
	for n := 1; n <= 4; n++ {
		for range 50 {
			d := backoff(100*time.Millisecond, n)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, 100*time.Millisecond<<(n-1))
		}
	}
}

func TestRunOnceRetriesTransientErrors(t *testing.T) {
	s := New(nil, nil, nil, Config{}, discard())
	s.sleep = noSleep

	var calls int
	j := Job{Name: "flaky", Run: func(context.Context) error {
		calls++
		if calls < 3 {
			return domain.ErrTransient
		}
		return nil
	}}
	s.status[j.Name] = &JobStatus{Name: j.Name}

	require.True(t, s.RunOnce(context.Background(), j))
	assert.Equal(t, 3, calls)
	st := s.Status()[0]
	assert.Equal(t, int64(1), st.Runs)
	assert.Zero(t, st.Failures)
}

func TestRunOnceGivesUpAfterAttempts(t *testing.T) {
	s := New(nil, nil, nil, Config{RetryAttempts: 3}, discard())
	s.sleep = noSleep
	var calls int
	j := Job{Name: "down", Run: func(context.Context) error {
		calls++
		return fmt.Errorf("query: %w", domain.ErrTransient)
	}}
	s.status[j.Name] = &JobStatus{Name: j.Name}

	s.RunOnce(context.Background(), j)
	assert.Equal(t, 3, calls)
	st := s.Status()[0]
	assert.Equal(t, int64(1), st.Failures)
	assert.Contains(t, st.LastError, "transient")
}

func TestRunOnceDoesNotRetryLedgerErrors(t *testing.T) {
	s := New(nil, nil, nil, Config{}, discard())
	s.sleep = noSleep
	var calls int
	j := Job{Name: "resolver", Run: func(context.Context) error {
		calls++
		return relayer.Result{Kind: relayer.KindTransient, Err: errors.New("blockhash not found")}.AsError(relayer.OpResolveMarket)
	}}
	s.RunOnce(context.Background(), j)
	assert.Equal(t, 1, calls)
}

func TestLoadSheddingSparesCriticalJobs(t *testing.T) {
	var normal, critical int
	jobs := []Job{
		{Name: "creator", Run: func(context.Context) error { normal++; return nil }},
		{Name: "archiver", Critical: true, Run: func(context.Context) error { critical++; return nil }},
	}
	s := New(jobs, busyProbe(9), nil, Config{ShedThreshold: 8}, discard())

	assert.False(t, s.RunOnce(context.Background(), jobs[0]))
	assert.True(t, s.RunOnce(context.Background(), jobs[1]))
	assert.Zero(t, normal)
	assert.Equal(t, 1, critical)

	st := s.Status()
	assert.Equal(t, "archiver", st[0].Name)
	assert.Equal(t, int64(1), st[0].Runs)
	assert.Equal(t, int64(1), st[1].Skips)
}

func TestPanickingJobIsRecovered(t *testing.T) {
	j := Job{Name: "boom", Run: func(context.Context) error { panic("bad state") }}
	s := New([]Job{j}, nil, nil, Config{}, discard())

	require.True(t, s.RunOnce(context.Background(), j))
	st := s.Status()[0]
	assert.Equal(t, int64(1), st.Failures)
	assert.Contains(t, st.LastError, "bad state")
	assert.False(t, st.Running)
}

func TestRunStopsOnCancel(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	var a, b atomic.Int32
	jobs := []Job{
		{Name: "a", Interval: time.Millisecond, Run: func(context.Context) error {
			if a.Add(1) == 5 {
				cancel()
			}
			return nil
		}},
		{Name: "b", Interval: time.Millisecond, Run: func(context.Context) error { b.Add(1); return nil }},
	}
	s := New(jobs, nil, nil, Config{}, discard())
	require.NoError(t, s.Run(ctx))
	assert.GreaterOrEqual(t, a.Load(), int32(5))
	assert.GreaterOrEqual(t, b.Load(), int32(1))
}

func newLocks(t *testing.T) (*rediscache.LockManager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rediscache.NewLockManager(rediscache.Wrap(rdb)), mr
}

func TestSecondInstanceFailsFast(t *testing.T) {
	locks, _ := newLocks(t)
	unlock, err := locks.Acquire(context.Background(), "scheduler", time.Minute)
	require.NoError(t, err)
	defer unlock()

	j := Job{Name: "a", Interval: time.Second, Run: func(context.Context) error { return nil }}
	s := New([]Job{j}, nil, locks, Config{LockKey: "scheduler"}, discard())
	err = s.Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrLockHeld)
	assert.Zero(t, s.Status()[0].Runs)
}

func TestLostLockStopsScheduler(t *testing.T) {
	locks, mr := newLocks(t)

	j := Job{Name: "a", Interval: time.Millisecond, Run: func(context.Context) error { return nil }}
	s := New([]Job{j}, nil, locks, Config{LockKey: "scheduler", LockTTL: 30 * time.Millisecond}, discard())

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	require.Eventually(t, func() bool { return mr.Exists("lock:scheduler") }, time.Second, time.Millisecond)
	require.NoError(t, mr.Set("lock:scheduler", "someone-else"))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrLockHeld)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler kept running without its lock")
	}
}

func TestJobsSkipsDisabled(t *testing.T) {
	iv := DefaultIntervals()
	iv.Creator = 0
	jobs, err := Jobs(nopLifecycle{}, nopLifecycle{}, nil, iv)
	require.NoError(t, err)
	names := make([]string, len(jobs))
	for i, j := range jobs {
		names[i] = j.Name
		assert.Equal(t, j.Name == JobArchiver, j.Critical)
	}
	assert.ElementsMatch(t, []string{JobActivator, JobResolver, JobSettlement, JobArchiver}, names)

	_, err = Jobs(nopLifecycle{}, nopLifecycle{}, nil, Intervals{})
	assert.ErrorIs(t, err, ErrNoJobs)
}

type nopLifecycle struct{}

func (nopLifecycle) Create(context.Context) error     { return nil }
func (nopLifecycle) Activate(context.Context) error   { return nil }
func (nopLifecycle) ResolveDue(context.Context) error { return nil }
func (nopLifecycle) Archive(context.Context) error    { return nil }
func (nopLifecycle) Sweep(context.Context) error      { return nil }
