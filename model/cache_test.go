package model

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	timeout = time.Second
	tick    = 5 * time.Millisecond
)

type fakeInstance struct {
	key    string
	closed atomic.Bool
}

func (f *fakeInstance) Close() error {
	f.closed.Store(true)
	return nil
}

// mockLoader is a mock implementation of the Loader interface for testing.
type mockLoader struct {
	loads    atomic.Int32
	loadFunc func(ctx context.Context, def Definition) (Instance, error)
}

func (m *mockLoader) Load(ctx context.Context, def Definition) (Instance, error) {
	m.loads.Add(1)
	if m.loadFunc != nil {
		return m.loadFunc(ctx, def)
	}
	return &fakeInstance{key: def.Key}, nil
}

func testDefs(keys ...string) []Definition {
	defs := make([]Definition, 0, len(keys))
	for _, k := range keys {
		defs = append(defs, Definition{Key: k, WeightsPath: "/weights/" + k + ".pth"})
	}
	return defs
}

func newLazyCache(loader Loader, keys ...string) *Cache {
	return NewCache(testDefs(keys...), loader, Options{Reclaim: func() {}})
}

func TestCache_AcquireLazy(t *testing.T) {
	loader := &mockLoader{}
	c := newLazyCache(loader, "denoise_b", "deblur_b")
	require.NoError(t, c.Start(context.Background()))

	assert.False(t, c.Status()[1].Loaded, "lazy mode must not load at start")

	h, err := c.Acquire(context.Background(), "denoise_b")
	require.NoError(t, err)
	assert.Equal(t, "denoise_b", h.Key())
	assert.Equal(t, "denoise_b", h.Instance().(*fakeInstance).key)
	assert.Equal(t, 1, c.RefCount("denoise_b"))

	h2, err := c.Acquire(context.Background(), "denoise_b")
	require.NoError(t, err)
	assert.Equal(t, int32(1), loader.loads.Load(), "second acquire must reuse the instance")

	h.Release()
	h2.Release()
	assert.Equal(t, 0, c.RefCount("denoise_b"))
}

func TestCache_ReleaseIsIdempotent(t *testing.T) {
	c := newLazyCache(&mockLoader{}, "denoise_b")

	h1, err := c.Acquire(context.Background(), "denoise_b")
	require.NoError(t, err)
	h2, err := c.Acquire(context.Background(), "denoise_b")
	require.NoError(t, err)

	h1.Release()
	h1.Release()
	assert.Equal(t, 1, c.RefCount("denoise_b"))

	h2.Release()
	h2.Release()
	assert.Equal(t, 0, c.RefCount("denoise_b"))

	var nilHandle *Handle
	assert.NotPanics(t, nilHandle.Release)
}

func TestCache_BalancedUnderConcurrency(t *testing.T) {
	c := newLazyCache(&mockLoader{}, "denoise_b", "denoise_16")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := "denoise_b"
			if i%2 == 0 {
				key = "denoise_16"
			}
			h, err := c.Acquire(context.Background(), key)
			if !assert.NoError(t, err) {
				return
			}
			defer h.Release()
			assert.Greater(t, c.RefCount(key), 0)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, c.RefCount("denoise_b"))
	assert.Equal(t, 0, c.RefCount("denoise_16"))
}

func TestCache_ConcurrentAcquireLoadsOnce(t *testing.T) {
	release := make(chan struct{})
	loader := &mockLoader{
		loadFunc: func(ctx context.Context, def Definition) (Instance, error) {
			<-release
			return &fakeInstance{key: def.Key}, nil
		},
	}
	c := newLazyCache(loader, "denoise_b")

	var wg sync.WaitGroup
	handles := make(chan *Handle, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := c.Acquire(context.Background(), "denoise_b")
			if assert.NoError(t, err) {
				handles <- h
			}
		}()
	}

	assert.Equal(t, 0, c.RefCount("denoise_b"), "count must stay zero while loading")
	close(release)
	wg.Wait()
	close(handles)

	assert.Equal(t, int32(1), loader.loads.Load())
	assert.Equal(t, 3, c.RefCount("denoise_b"))
	for h := range handles {
		h.Release()
	}
}

func TestCache_UnknownModel(t *testing.T) {
	c := newLazyCache(&mockLoader{}, "denoise_b")

	h, err := c.Acquire(context.Background(), "nope")
	assert.Nil(t, h)
	assert.ErrorIs(t, err, ErrUnknownModel)
	assert.Equal(t, 0, c.RefCount("nope"))
	assert.False(t, c.Has("nope"))
}

func TestCache_LoadFailure(t *testing.T) {
	fail := true
	loader := &mockLoader{
		loadFunc: func(ctx context.Context, def Definition) (Instance, error) {
			if fail {
				return nil, errors.New("weights not found")
			}
			return &fakeInstance{key: def.Key}, nil
		},
	}
	c := newLazyCache(loader, "denoise_b")

	_, err := c.Acquire(context.Background(), "denoise_b")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoadFailure)
	assert.Contains(t, err.Error(), "weights not found")
	assert.Equal(t, 0, c.RefCount("denoise_b"))
	assert.False(t, c.Status()[0].Loaded)

	// A later request retries the load.
	fail = false
	h, err := c.Acquire(context.Background(), "denoise_b")
	require.NoError(t, err)
	h.Release()
	assert.True(t, c.Status()[0].Loaded)
}

func TestCache_EagerStart(t *testing.T) {
	t.Run("one failure does not abort the others", func(t *testing.T) {
		loader := &mockLoader{
			loadFunc: func(ctx context.Context, def Definition) (Instance, error) {
				if def.Key == "deblur_b" {
					return nil, errors.New("corrupt checkpoint")
				}
				return &fakeInstance{key: def.Key}, nil
			},
		}
		c := NewCache(testDefs("denoise_b", "deblur_b"), loader, Options{Eager: true, Reclaim: func() {}})
		require.NoError(t, c.Start(context.Background()))
		assert.True(t, c.Eager())

		status := c.Status()
		require.Len(t, status, 2)
		assert.Equal(t, ModelStatus{Key: "deblur_b"}, status[0])
		assert.Equal(t, "denoise_b", status[1].Key)
		assert.True(t, status[1].Loaded)

		_, err := c.Acquire(context.Background(), "deblur_b")
		assert.ErrorIs(t, err, ErrNotResident)
		assert.Equal(t, int32(2), loader.loads.Load(), "eager mode must not load on acquire")
	})

	t.Run("all failures are fatal", func(t *testing.T) {
		loader := &mockLoader{
			loadFunc: func(ctx context.Context, def Definition) (Instance, error) {
				return nil, errors.New("no device")
			},
		}
		c := NewCache(testDefs("denoise_b", "deblur_b"), loader, Options{Eager: true, Reclaim: func() {}})
		err := c.Start(context.Background())
		assert.ErrorIs(t, err, ErrLoadFailure)
	})
}

func TestCache_Unload(t *testing.T) {
	t.Run("scenario: in-use model is skipped until released", func(t *testing.T) {
		reclaims := 0
		c := NewCache(testDefs("denoise_b"), &mockLoader{}, Options{Reclaim: func() { reclaims++ }})

		var wg sync.WaitGroup
		handles := make([]*Handle, 3)
		for i := range handles {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				h, err := c.Acquire(context.Background(), "denoise_b")
				if assert.NoError(t, err) {
					handles[i] = h
				}
			}(i)
		}
		wg.Wait()

		res := c.Unload(nil)
		assert.Equal(t, []string{"denoise_b"}, res.Skipped)
		assert.Empty(t, res.Unloaded)
		assert.True(t, c.Status()[0].Loaded)
		assert.Equal(t, 0, reclaims)

		for _, h := range handles {
			h.Release()
		}

		res = c.Unload(nil)
		assert.Equal(t, []string{"denoise_b"}, res.Unloaded)
		assert.Empty(t, res.Skipped)
		assert.False(t, c.Status()[0].Loaded)
		assert.Equal(t, 1, reclaims)
	})

	t.Run("explicit keys", func(t *testing.T) {
		var inst *fakeInstance
		loader := &mockLoader{
			loadFunc: func(ctx context.Context, def Definition) (Instance, error) {
				i := &fakeInstance{key: def.Key}
				if def.Key == "denoise_16" {
					inst = i
				}
				return i, nil
			},
		}
		c := newLazyCache(loader, "denoise_b", "denoise_16", "deblur_b")
		h, err := c.Acquire(context.Background(), "denoise_16")
		require.NoError(t, err)
		h.Release()

		res := c.Unload([]string{"denoise_16", "deblur_b", "missing"})
		assert.Equal(t, []string{"denoise_16"}, res.Unloaded)
		assert.Empty(t, res.Skipped)
		assert.True(t, inst.closed.Load())
	})
}

func TestCache_UnloadAllIgnoresUsage(t *testing.T) {
	c := newLazyCache(&mockLoader{}, "denoise_b")
	h, err := c.Acquire(context.Background(), "denoise_b")
	require.NoError(t, err)

	c.UnloadAll()
	assert.False(t, c.Status()[0].Loaded)
	assert.True(t, h.Instance().(*fakeInstance).closed.Load())
	h.Release()
	assert.Equal(t, 0, c.RefCount("denoise_b"))
}

func TestCache_AcquireWaitHonorsContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	loader := &mockLoader{
		loadFunc: func(ctx context.Context, def Definition) (Instance, error) {
			<-block
			return &fakeInstance{key: def.Key}, nil
		},
	}
	c := newLazyCache(loader, "denoise_b")

	started := make(chan struct{})
	go func() {
		close(started)
		h, err := c.Acquire(context.Background(), "denoise_b")
		if err == nil {
			h.Release()
		}
	}()
	<-started

	// Wait until the first acquirer owns the load.
	require.Eventually(t, func() bool { return loader.loads.Load() == 1 }, timeout, tick)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Acquire(ctx, "denoise_b")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.RefCount("denoise_b"))
}

func TestCache_CanceledStarterDoesNotFailWaiters(t *testing.T) {
	block := make(chan struct{})
	loader := &mockLoader{
		loadFunc: func(ctx context.Context, def Definition) (Instance, error) {
			select {
			case <-block:
				return &fakeInstance{key: def.Key}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	c := newLazyCache(loader, "denoise_b")

	starterCtx, cancelStarter := context.WithCancel(context.Background())
	starterErr := make(chan error, 1)
	go func() {
		_, err := c.Acquire(starterCtx, "denoise_b")
		starterErr <- err
	}()
	require.Eventually(t, func() bool { return loader.loads.Load() == 1 }, timeout, tick)

	type result struct {
		h   *Handle
		err error
	}
	waiter := make(chan result, 1)
	go func() {
		h, err := c.Acquire(context.Background(), "denoise_b")
		waiter <- result{h, err}
	}()

	cancelStarter()
	assert.ErrorIs(t, <-starterErr, context.Canceled)

	close(block)
	res := <-waiter
	require.NoError(t, res.err)
	assert.Equal(t, 1, c.RefCount("denoise_b"))
	res.h.Release()
	assert.Equal(t, int32(1), loader.loads.Load())
}

func TestCache_LoaderPanicIsLoadFailure(t *testing.T) {
	loader := &mockLoader{
		loadFunc: func(ctx context.Context, def Definition) (Instance, error) {
			panic("corrupt weights")
		},
	}
	c := newLazyCache(loader, "denoise_b")

	_, err := c.Acquire(context.Background(), "denoise_b")
	assert.ErrorIs(t, err, ErrLoadFailure)
	assert.Equal(t, 0, c.RefCount("denoise_b"))
}
