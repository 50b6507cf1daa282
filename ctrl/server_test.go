package ctrl

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSink struct {
	mock.Mock
}

func (s *MockSink) Record(event []byte) {
	s.Called(event)
}

func newTestServer(t *testing.T, sink EventSink) (*Server, *metrics.InmemSink) {
	t.Helper()
	inmem := metrics.NewInmemSink(time.Second, 5*time.Minute)
	srv := NewServer(&Config{
		EventSink:  sink,
		MetricSink: inmem,
	})
	t.Cleanup(func() { srv.Close() })
	return srv, inmem
}

func TestServer_BarrierReleasesTogether(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client := NewClient(srv)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const participants = 8
	var released atomic.Int32
	var wg sync.WaitGroup
	for range participants - 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, client.Barrier(ctx, "epoch-1", participants))
			released.Add(1)
		}()
	}

	// every early participant must stay blocked until the last one arrives
	require.Never(t, func() bool { return released.Load() > 0 }, 200*time.Millisecond, 20*time.Millisecond)

	require.NoError(t, client.Barrier(ctx, "epoch-1", participants))
	wg.Wait()
	require.Equal(t, int32(participants-1), released.Load())
}

func TestServer_WaitUntilDone(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client := NewClient(srv)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := client.TryLock(ctx, "job1")
	require.NoError(t, err)
	require.Equal(t, LockResultLocked, result)

	waitDone := make(chan error, 1)
	go func() {
		waitDone <- client.WaitUntilDone(ctx, "job1")
	}()

	select {
	case <-waitDone:
		t.Fatal("wait returned before notify")
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, client.NotifyDone(ctx, "job1"))
	select {
	case err := <-waitDone:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("timed out")
	}

	require.NoError(t, client.WaitUntilDone(ctx, "job1"))
}

func TestServer_LockOrWait(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client := NewClient(srv)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var runs atomic.Int32
	var finished atomic.Int32
	gate := make(chan struct{})
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := client.LockOrWait(ctx, "init-vars", func(context.Context) error {
				runs.Add(1)
				<-gate
				return nil
			})
			require.NoError(t, err)
			finished.Add(1)
		}()
	}

	require.Eventually(t, func() bool { return runs.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, finished.Load())
	close(gate)
	wg.Wait()
	require.Equal(t, int32(1), runs.Load())

	require.NoError(t, client.LockOrWait(ctx, "init-vars", func(context.Context) error {
		t.Fatal("must not run again")
		return nil
	}))
}

func TestServer_PullBeforePush(t *testing.T) {
	srv, inmem := newTestServer(t, nil)
	client := NewClient(srv)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pulled := make(chan []byte, 1)
	go func() {
		val, err := client.PullKV(ctx, "rank0/addr")
		require.NoError(t, err)
		pulled <- val
	}()

	require.Eventually(t, func() bool {
		return counterValue(inmem, "rendezvous.ctrl.call.deferred.count;method=pull_kv") == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, client.PushKV(ctx, "rank0/addr", []byte("10.0.0.1:7000")))
	select {
	case val := <-pulled:
		require.Equal(t, "10.0.0.1:7000", string(val))
	case <-ctx.Done():
		t.Fatal("timed out")
	}

	val, err := client.PullKV(ctx, "rank0/addr")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:7000", string(val))
}

func TestServer_Counters(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client := NewClient(srv)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.IncreaseCount(ctx, "steps", 2)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	total, err := client.IncreaseCount(ctx, "steps", 0)
	require.NoError(t, err)
	require.Equal(t, int64(100), total)
	require.NoError(t, client.EraseCount(ctx, "steps"))
}

func TestServer_PushActEvent(t *testing.T) {
	sink := &MockSink{}
	recorded := make(chan struct{})
	sink.On("Record", []byte("actor=3 act=42")).Run(func(mock.Arguments) {
		close(recorded)
	}).Once()

	srv, _ := newTestServer(t, sink)
	client := NewClient(srv)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, client.PushActEvent(ctx, []byte("actor=3 act=42")))
	select {
	case <-recorded:
	case <-ctx.Done():
		t.Fatal("event never reached the sink")
	}
	sink.AssertExpectations(t)
}

func TestServer_SlowSinkDoesNotBlock(t *testing.T) {
	block := make(chan struct{})
	srv, _ := newTestServer(t, EventSinkFunc(func([]byte) { <-block }))
	defer close(block)
	client := NewClient(srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.PushActEvent(ctx, []byte("slow")))
	_, err := client.IncreaseCount(ctx, "after-event", 1)
	require.NoError(t, err)
}

func TestServer_CallerContext(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client := NewClient(srv)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := client.PullKV(ctx, "never-pushed")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServer_Closed(t *testing.T) {
	srv := NewServer(&Config{MetricSink: &metrics.BlackholeSink{}})
	client := NewClient(srv)

	parked := make(chan error, 1)
	go func() {
		parked <- client.Barrier(context.Background(), "never-full", 2)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, srv.Close())
	require.ErrorIs(t, <-parked, ErrServerClosed)

	_, err := client.TryLock(context.Background(), "late")
	require.ErrorIs(t, err, ErrServerClosed)
	require.NoError(t, srv.Close(), "close must be idempotent")
}

func TestServer_RejectsUnknownMethod(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	_, err := srv.Call(context.Background(), &Request{Method: Method(200)})
	require.ErrorIs(t, err, ErrUnknownMethod)
}

func counterValue(inmem *metrics.InmemSink, key string) float64 {
	for _, interval := range inmem.Data() {
		interval.RLock()
		sample, ok := interval.Counters[key]
		interval.RUnlock()
		if ok {
			return sample.Sum
		}
	}
	return 0
}
