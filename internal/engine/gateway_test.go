package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/engine"
	"github.com/dkeye/Relay/internal/engine/enginetest"
)

func TestGateway_ConcurrentFirstCallsShareOneInit(t *testing.T) {
	fake := enginetest.New()
	release := fake.Hold()
	gw := engine.NewGateway(fake.Factory(), engine.DefaultMediaCodecs(), time.Second)
	t.Cleanup(func() { _ = gw.Close() })

	const callers = 32
	routers := make([]engine.Router, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			routers[i], errs[i] = gw.AcquireRouter(context.Background())
		}()
	}

	// Let every caller reach the shared flight before init completes.
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()

	assert.EqualValues(t, 1, fake.Starts.Load())
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Same(t, routers[0], routers[i])
	}
	assert.True(t, gw.Ready())
}

func TestGateway_FailedInitIsRetried(t *testing.T) {
	fake := enginetest.New()
	boom := errors.New("worker binary missing")
	fake.FailNext(boom)
	gw := engine.NewGateway(fake.Factory(), engine.DefaultMediaCodecs(), time.Second)
	t.Cleanup(func() { _ = gw.Close() })

	_, err := gw.AcquireRouter(context.Background())
	require.ErrorIs(t, err, boom)
	assert.False(t, gw.Ready())

	r, err := gw.AcquireRouter(context.Background())
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.EqualValues(t, 2, fake.Starts.Load())

	again, err := gw.AcquireRouter(context.Background())
	require.NoError(t, err)
	assert.Same(t, r, again)
	assert.EqualValues(t, 2, fake.Starts.Load())
}

func TestGateway_FailureReachesAllWaiters(t *testing.T) {
	fake := enginetest.New()
	boom := errors.New("no ports")
	fake.FailNext(boom)
	release := fake.Hold()
	gw := engine.NewGateway(fake.Factory(), nil, time.Second)
	t.Cleanup(func() { _ = gw.Close() })

	const callers = 8
	errs := make(chan error, callers)
	for range callers {
		go func() {
			_, err := gw.AcquireRouter(context.Background())
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	release()

	for range callers {
		assert.ErrorIs(t, <-errs, boom)
	}
	assert.EqualValues(t, 1, fake.Starts.Load())
}

func TestGateway_CallerContextDoesNotAbortSharedInit(t *testing.T) {
	fake := enginetest.New()
	release := fake.Hold()
	gw := engine.NewGateway(fake.Factory(), nil, time.Second)
	t.Cleanup(func() { _ = gw.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := gw.AcquireRouter(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	r, err := gw.AcquireRouter(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, r)
	assert.EqualValues(t, 1, fake.Starts.Load())
}

func TestGateway_WorkerDeathIsFatal(t *testing.T) {
	fake := enginetest.New()
	gw := engine.NewGateway(fake.Factory(), nil, time.Second)
	t.Cleanup(func() { _ = gw.Close() })

	_, err := gw.AcquireRouter(context.Background())
	require.NoError(t, err)

	fake.LastWorker().Kill(errors.New("segfault"))

	select {
	case err := <-gw.Fatal():
		assert.ErrorIs(t, err, core.ErrEngineDied)
	case <-time.After(time.Second):
		t.Fatal("fatal error not delivered")
	}
	assert.False(t, gw.Ready())
}

func TestGateway_ClosedRejectsAcquire(t *testing.T) {
	fake := enginetest.New()
	gw := engine.NewGateway(fake.Factory(), nil, time.Second)
	require.NoError(t, gw.Close())

	_, err := gw.AcquireRouter(context.Background())
	assert.ErrorIs(t, err, engine.ErrGatewayClosed)
	assert.EqualValues(t, 0, fake.Starts.Load())
}
