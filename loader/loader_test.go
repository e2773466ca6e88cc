package loader_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chaos-io/bgremover/device"
	"github.com/chaos-io/bgremover/loader"
	"github.com/chaos-io/bgremover/model"
	"github.com/chaos-io/bgremover/progress"
	"github.com/chaos-io/bgremover/rembg"
	"github.com/chaos-io/bgremover/rembg/rembgtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registry() *model.Registry {
	return model.MustRegistry(
		rembgtest.SmallConfig("A", model.BackendStandard, true),
		rembgtest.SmallConfig("B", model.BackendAccelerated, false),
		rembgtest.SmallConfig("C", model.BackendStandard, false),
	)
}

func detector(family string, accelerated bool) *device.Detector {
	return device.NewDetector(device.Platform{Family: family}, func() (bool, error) {
		return accelerated, nil
	})
}

func newLoader(family string, accelerated bool) (*loader.Loader, *rembgtest.Runtime) {
	rt := rembgtest.NewRuntime()
	return loader.New(registry(), detector(family, accelerated), rt, progress.NewChannel()), rt
}

func TestInitialize_EveryModel(t *testing.T) {
	t.Parallel()

	for _, accelerated := range []bool{true, false} {
		for _, cfg := range registry().List() {
			t.Run(fmt.Sprintf("%s 加速=%v", cfg.ID, accelerated), func(t *testing.T) {
				t.Parallel()

				l, _ := newLoader("linux", accelerated)
				require.NoError(t, l.Initialize(context.Background(), cfg.ID))

				want := cfg.ID
				if cfg.RequiresAccelerated() && !accelerated {
					want = "A"
				}
				assert.Equal(t, want, l.Info().CurrentModelID)
				assert.Equal(t, accelerated, l.Info().AcceleratedAvailable)
				assert.Equal(t, loader.StatusReady, l.Status())
			})
		}
	}
}

func TestInitialize_ConstrainedMobileAlwaysDefault(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"", "A", "B", "C", "missing"} {
		t.Run("request "+id, func(t *testing.T) {
			t.Parallel()

			l, rt := newLoader("iPhone", true)
			require.NoError(t, l.Initialize(context.Background(), id))

			info := l.Info()
			assert.Equal(t, "A", info.CurrentModelID)
			assert.True(t, info.ConstrainedMobile)
			require.Len(t, rt.Loads(), 1)
			assert.False(t, rt.Loads()[0].Accelerated)

			err := l.Acquire(func(m rembg.Model, p *rembg.Processor, modelID string) error {
				assert.False(t, p.Config().Pad)
				assert.Equal(t, [3]float32{1, 1, 1}, p.Config().Std)
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestInitialize_AcceleratedUnavailableFallsBack(t *testing.T) {
	t.Parallel()

	l, rt := newLoader("linux", false)
	var statuses []string
	l.Progress().SetListener(func(e progress.Event) { statuses = append(statuses, e.Status) })

	require.NoError(t, l.Initialize(context.Background(), "B"))
	assert.Equal(t, "A", l.Info().CurrentModelID)
	assert.Equal(t, []rembgtest.Load{{ModelID: "A"}}, rt.Loads())
	assert.Contains(t, statuses, "Accelerated backend unavailable, using A")
}

func TestInitialize_AcceleratedFailureRetriesDefaultOnce(t *testing.T) {
	t.Parallel()

	l, rt := newLoader("linux", true)
	rt.ModelErr["B"] = errors.New("device lost")

	require.NoError(t, l.Initialize(context.Background(), "B"))
	assert.Equal(t, "A", l.Info().CurrentModelID)
	assert.Equal(t, []rembgtest.Load{{ModelID: "B", Accelerated: true}, {ModelID: "A"}}, rt.Loads())
}

func TestInitialize_DefaultFailureIsFatal(t *testing.T) {
	t.Parallel()

	l, rt := newLoader("linux", true)
	cause := errors.New("weights corrupted")
	rt.ModelErr["A"] = cause

	err := l.Initialize(context.Background(), "")

	var le *loader.ModelLoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "A", le.ModelID)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "weights corrupted")
	assert.Len(t, rt.Loads(), 1)
	assert.Equal(t, loader.StatusFailed, l.Status())
	assert.False(t, l.Ready())
}

func TestInitialize_BothFailBounded(t *testing.T) {
	t.Parallel()

	l, rt := newLoader("linux", true)
	rt.ModelErr["A"] = errors.New("a broken")
	rt.ModelErr["B"] = errors.New("b broken")

	err := l.Initialize(context.Background(), "B")
	var le *loader.ModelLoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "A", le.ModelID)
	assert.Len(t, rt.Loads(), 2)
}

func TestInitialize_ProcessorFailureReleasesModel(t *testing.T) {
	t.Parallel()

	l, rt := newLoader("linux", false)
	rt.ProcessorErr["C"] = errors.New("bad preprocessor_config.json")

	err := l.Initialize(context.Background(), "C")
	require.Error(t, err)

	models := rt.Models()
	require.Len(t, models, 1)
	assert.True(t, models[0].Closed())
	assert.ErrorIs(t, l.Acquire(func(rembg.Model, *rembg.Processor, string) error { return nil }), rembg.ErrNotInitialized)
}

func TestInitialize_ProgressMonotonic(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"", "B"} {
		t.Run("request "+id, func(t *testing.T) {
			t.Parallel()

			l, rt := newLoader("linux", true)
			rt.ModelErr["B"] = errors.New("retry path")

			var events []progress.Event
			l.Progress().SetListener(func(e progress.Event) { events = append(events, e) })
			require.NoError(t, l.Initialize(context.Background(), id))

			require.NotEmpty(t, events)
			for i := 1; i < len(events); i++ {
				assert.GreaterOrEqual(t, events[i].Fraction, events[i-1].Fraction)
				assert.Equal(t, events[0].Op, events[i].Op)
			}
			last := events[len(events)-1]
			assert.Equal(t, 1.0, last.Fraction)
			assert.Equal(t, "Model loaded", last.Status)
		})
	}
}

func TestInitialize_ProgressBands(t *testing.T) {
	t.Parallel()

	l, _ := newLoader("linux", false)
	var fractions []float64
	l.Progress().SetListener(func(e progress.Event) { fractions = append(fractions, e.Fraction) })
	require.NoError(t, l.Initialize(context.Background(), "A"))

	// 0, 权重 4 步 (0.125..0.5), 0.5, 处理器 2 步, 1
	assert.Equal(t, []float64{0, 0.125, 0.25, 0.375, 0.5, 0.5, 0.725, 0.95, 1}, roundAll(fractions))
}

func roundAll(in []float64) []float64 {
	out := make([]float64, len(in))
	for i, f := range in {
		out[i] = float64(int(f*1000+0.5)) / 1000
	}
	return out
}

func TestAcquire_NotInitialized(t *testing.T) {
	t.Parallel()

	l, _ := newLoader("linux", false)
	err := l.Acquire(func(rembg.Model, *rembg.Processor, string) error {
		t.Fatal("must not run")
		return nil
	})
	assert.ErrorIs(t, err, rembg.ErrNotInitialized)
	assert.Equal(t, "A", l.Info().CurrentModelID)
	assert.Equal(t, loader.StatusIdle, l.Status())
}

func TestSwitchModel_WaitsForInFlightProcessing(t *testing.T) {
	t.Parallel()

	l, rt := newLoader("linux", true)
	require.NoError(t, l.Initialize(context.Background(), "A"))
	first := rt.Models()[0]

	acquired := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = l.Acquire(func(m rembg.Model, p *rembg.Processor, id string) error {
			close(acquired)
			<-release
			// 旧句柄在使用期间不会被释放
			assert.Equal(t, "A", id)
			assert.False(t, m.(*rembgtest.Model).Closed())
			return nil
		})
	}()
	<-acquired

	switched := make(chan error, 1)
	go func() {
		switched <- l.SwitchModel(context.Background(), "B")
	}()

	select {
	case <-switched:
		t.Fatal("switch finished while processing was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	// 切换挂起期间 Info 仍然可读
	assert.Equal(t, "A", l.Info().CurrentModelID)

	close(release)
	wg.Wait()
	require.NoError(t, <-switched)

	assert.Equal(t, "B", l.Info().CurrentModelID)
	assert.True(t, first.Closed())

	err := l.Acquire(func(m rembg.Model, p *rembg.Processor, id string) error {
		assert.Equal(t, "B", id)
		assert.Same(t, rt.Models()[1], m.(*rembgtest.Model))
		return nil
	})
	require.NoError(t, err)
}

func TestSwitchModel_FailureKeepsPreviousState(t *testing.T) {
	t.Parallel()

	l, rt := newLoader("linux", false)
	require.NoError(t, l.Initialize(context.Background(), "A"))
	rt.ModelErr["C"] = errors.New("download failed")

	err := l.SwitchModel(context.Background(), "C")
	require.Error(t, err)
	assert.Equal(t, "A", l.Info().CurrentModelID)
	assert.True(t, l.Ready())
	assert.False(t, rt.Models()[0].Closed())

	assert.Error(t, l.SwitchModel(context.Background(), ""))
}

func TestInitialize_Serialized(t *testing.T) {
	t.Parallel()

	l, rt := newLoader("linux", false)
	var mu sync.Mutex
	active, peak := 0, 0
	rt.Hook = func(model.ModelConfig) {
		mu.Lock()
		active++
		peak = max(peak, active)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for _, id := range []string{"A", "C", "A", "C"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Initialize(context.Background(), id))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, peak)
	models := rt.Models()
	require.Len(t, models, 4)
	for _, m := range models[:3] {
		assert.True(t, m.Closed())
	}
	assert.False(t, models[3].Closed())
}

func TestInitialize_WithListenerScopedToOperation(t *testing.T) {
	t.Parallel()

	l, rt := newLoader("linux", false)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	rt.Hook = func(cfg model.ModelConfig) {
		if cfg.ID == "A" {
			once.Do(func() { close(started) })
			<-release
		}
	}

	var shared []progress.Event
	var sharedMu sync.Mutex
	l.Progress().SetListener(func(e progress.Event) {
		sharedMu.Lock()
		shared = append(shared, e)
		sharedMu.Unlock()
	})

	var first, second []progress.Event
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, l.Initialize(context.Background(), "A",
			loader.WithListener(func(e progress.Event) { first = append(first, e) })))
	}()
	<-started

	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, l.SwitchModel(context.Background(), "C",
			loader.WithListener(func(e progress.Event) { second = append(second, e) })))
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NotEmpty(t, first)
	require.NotEmpty(t, second)
	opA, opC := first[0].Op, second[0].Op
	assert.NotEqual(t, opA, opC)
	for _, e := range first {
		assert.Equal(t, opA, e.Op)
	}
	for _, e := range second {
		assert.Equal(t, opC, e.Op)
	}
	assert.Equal(t, 1.0, first[len(first)-1].Fraction)
	assert.Equal(t, 1.0, second[len(second)-1].Fraction)

	// 共享监听者收到两次操作的全部事件
	sharedMu.Lock()
	defer sharedMu.Unlock()
	assert.Len(t, shared, len(first)+len(second))
	assert.Equal(t, "C", l.Info().CurrentModelID)
}

func TestClose(t *testing.T) {
	t.Parallel()

	l, rt := newLoader("linux", false)
	require.NoError(t, l.Close())
	require.NoError(t, l.Initialize(context.Background(), ""))
	require.NoError(t, l.Close())
	assert.True(t, rt.Models()[0].Closed())
	assert.False(t, l.Ready())
}
