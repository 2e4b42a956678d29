package residency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studymate/internal/runtime"
)

// fakeRuntime records residency-relevant calls.
type fakeRuntime struct {
	mu       sync.Mutex
	loads    []loadCall
	reclaims int
	loadErr  error
}

type loadCall struct {
	model     string
	keepAlive time.Duration
}

func (f *fakeRuntime) Load(ctx context.Context, model string, keepAlive time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads = append(f.loads, loadCall{model, keepAlive})
	return f.loadErr
}

func (f *fakeRuntime) Reclaim(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reclaims++
	return nil
}

func (f *fakeRuntime) Health(ctx context.Context) error { return nil }

func (f *fakeRuntime) Generate(ctx context.Context, model, prompt string) (string, error) {
	return "ok", nil
}
func (f *fakeRuntime) Embed(ctx context.Context, model, text string) ([]float32, error) {
	return []float32{1}, nil
}
func (f *fakeRuntime) VisionExtract(ctx context.Context, model string, image []byte, mediaType, instruction string) (string, error) {
	return "", nil
}
func (f *fakeRuntime) Transcribe(ctx context.Context, model string, audio []byte) (string, error) {
	return "", nil
}

func (f *fakeRuntime) coreUnloads(core string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, l := range f.loads {
		if l.model == core && l.keepAlive == 0 {
			n++
		}
	}
	return n
}

func TestStartPinsCoreModel(t *testing.T) {
	rt := &fakeRuntime{}
	m := NewManager(rt, "core-model")

	require.NoError(t, m.Start(context.Background()))
	require.Len(t, rt.loads, 1)
	assert.Equal(t, "core-model", rt.loads[0].model)
	assert.Equal(t, runtime.KeepForever, rt.loads[0].keepAlive)
}

func TestWithSpecialistLoadsThenEvicts(t *testing.T) {
	rt := &fakeRuntime{}
	m := NewManager(rt, "core-model")

	var ranWhileLoaded bool
	err := m.WithSpecialist(context.Background(), "vision", func(ctx context.Context) error {
		ranWhileLoaded = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ranWhileLoaded)

	// load with positive keep-alive, then eviction with zero.
	require.Len(t, rt.loads, 2)
	assert.Equal(t, "vision", rt.loads[0].model)
	assert.Greater(t, rt.loads[0].keepAlive, time.Duration(0))
	assert.Equal(t, "vision", rt.loads[1].model)
	assert.Equal(t, time.Duration(0), rt.loads[1].keepAlive)
	assert.Equal(t, 1, rt.reclaims)
}

func TestWithSpecialistEvictsOnCallError(t *testing.T) {
	rt := &fakeRuntime{}
	m := NewManager(rt, "core-model")

	callErr := errors.New("ocr failed")
	err := m.WithSpecialist(context.Background(), "vision", func(ctx context.Context) error {
		return callErr
	})
	assert.ErrorIs(t, err, callErr)

	// Eviction still ran.
	require.Len(t, rt.loads, 2)
	assert.Equal(t, time.Duration(0), rt.loads[1].keepAlive)
	assert.Equal(t, 1, rt.reclaims)
}

func TestCoreModelNeverUnloadedBySpecialistPaths(t *testing.T) {
	rt := &fakeRuntime{}
	m := NewManager(rt, "core-model")
	require.NoError(t, m.Start(context.Background()))

	for i := 0; i < 5; i++ {
		_ = m.WithSpecialist(context.Background(), "embed", func(ctx context.Context) error {
			return nil
		})
	}
	assert.Equal(t, 0, rt.coreUnloads("core-model"))

	// Only an explicit shutdown unloads the core.
	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, 1, rt.coreUnloads("core-model"))
}

func TestSpecialistsAreSerialized(t *testing.T) {
	rt := &fakeRuntime{}
	m := NewManager(rt, "core-model")

	var mu sync.Mutex
	inFlight, maxSeen := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		model := "vision"
		if i%2 == 0 {
			model = "embed"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.WithSpecialist(context.Background(), model, func(ctx context.Context) error {
				mu.Lock()
				inFlight++
				if inFlight > maxSeen {
					maxSeen = inFlight
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				inFlight--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen, "specialist sections must not overlap")
}

func TestWithSpecialistRespectsContextWhileWaiting(t *testing.T) {
	rt := &fakeRuntime{}
	m := NewManager(rt, "core-model")

	blocker := make(chan struct{})
	go func() {
		_ = m.WithSpecialist(context.Background(), "vision", func(ctx context.Context) error {
			<-blocker
			return nil
		})
	}()

	// Give the first call time to take the slot.
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.WithSpecialist(ctx, "embed", func(ctx context.Context) error { return nil })
	assert.Error(t, err)

	close(blocker)
}
