package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePlatform keeps the sinks it's given so tests can fire signals. Unsupported capabilities return
// errors.ErrUnsupported.
type fakePlatform struct {
	mux                sync.Mutex
	pressureSupported  bool
	lifecycleSupported bool
	pressureSink       func(Signal)
	lifecycleSink      func(Signal)
}

func (f *fakePlatform) SubscribePressure(_ context.Context, sink func(Signal)) error {
	f.mux.Lock()
	defer f.mux.Unlock()
	if !f.pressureSupported {
		return errors.ErrUnsupported
	}
	f.pressureSink = sink
	return nil
}

func (f *fakePlatform) SubscribeLifecycle(_ context.Context, sink func(Signal)) error {
	f.mux.Lock()
	defer f.mux.Unlock()
	if !f.lifecycleSupported {
		return errors.ErrUnsupported
	}
	f.lifecycleSink = sink
	return nil
}

func (f *fakePlatform) firePressure(signal Signal) {
	f.mux.Lock()
	sink := f.pressureSink
	f.mux.Unlock()
	sink(signal)
}

func (f *fakePlatform) fireLifecycle(signal Signal) {
	f.mux.Lock()
	sink := f.lifecycleSink
	f.mux.Unlock()
	sink(signal)
}

// eventRecorder collects broadcasts in a thread-safe manner.
type eventRecorder struct {
	mux    sync.Mutex
	events []Event
}

func (r *eventRecorder) record(event Event) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) kinds() []EventKind {
	r.mux.Lock()
	defer r.mux.Unlock()
	kinds := make([]EventKind, 0, len(r.events))
	for _, event := range r.events {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}

func newTestMonitor(t *testing.T, platform Platform, opts Options) (*Monitor, *eventRecorder) {
	t.Helper()
	m := New(platform, opts)
	t.Cleanup(m.Close)
	recorder := &eventRecorder{}
	m.Subscribe(recorder.record)
	return m, recorder
}

func TestMonitor_MemoryWarning(t *testing.T) {
	m, recorder := newTestMonitor(t, NopPlatform{}, Options{WarningCooldown: 30 * time.Millisecond, PressureTimeout: time.Hour})
	flushed := 0
	m.RegisterFlusher("responses", func() { flushed++ })

	m.HandleMemoryWarning()
	assert.Equal(t, LevelCritical, m.Level())
	assert.Equal(t, 1, flushed, "Registered flushers should run on memory warning")
	assert.Equal(t, []EventKind{EventMemoryWarning, EventForceCleanup, EventLevelChanged}, recorder.kinds())
	assert.False(t, m.PressureActive(), "A memory warning alone shouldn't set the pressure flag")

	// The level goes back to normal after the cooldown.
	assert.Eventually(t, func() bool { return m.Level() == LevelNormal }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		kinds := recorder.kinds()
		return len(kinds) == 4 && kinds[3] == EventLevelChanged
	}, time.Second, 5*time.Millisecond)
}

func TestMonitor_RepeatedMemoryWarningExtendsCooldown(t *testing.T) {
	m, _ := newTestMonitor(t, NopPlatform{}, Options{WarningCooldown: 200 * time.Millisecond, PressureTimeout: time.Hour})
	m.HandleMemoryWarning()
	time.Sleep(120 * time.Millisecond)
	m.HandleMemoryWarning()
	time.Sleep(120 * time.Millisecond)
	// Past the first cooldown but still inside the second one.
	assert.Equal(t, LevelCritical, m.Level())
	assert.Eventually(t, func() bool { return m.Level() == LevelNormal }, time.Second, 5*time.Millisecond)
}

func TestMonitor_PanickingCallbacksAreContained(t *testing.T) {
	m, recorder := newTestMonitor(t, NopPlatform{}, Options{})
	secondFlusherRan := false
	m.RegisterFlusher("broken", func() { panic("broken flusher") })
	m.RegisterFlusher("images", func() { secondFlusherRan = true })
	m.Subscribe(func(Event) { panic("broken subscriber") })

	assert.NotPanics(t, m.HandleMemoryWarning)
	assert.True(t, secondFlusherRan)
	assert.Contains(t, recorder.kinds(), EventMemoryWarning)
}

func TestMonitor_SustainedPressure(t *testing.T) {
	t.Run("explicit_relief", func(t *testing.T) {
		m, recorder := newTestMonitor(t, NopPlatform{}, Options{PressureTimeout: time.Hour})
		m.HandlePressure(LevelWarning)
		assert.True(t, m.PressureActive())
		assert.Equal(t, LevelWarning, m.Level())

		m.HandlePressure(LevelCritical)
		assert.Equal(t, LevelCritical, m.Level(), "Platform granularity should be reflected in the level")

		m.HandlePressureRelieved()
		assert.False(t, m.PressureActive())
		assert.Equal(t, LevelNormal, m.Level())
		assert.Equal(t, []EventKind{
			EventPressureStarted, EventLevelChanged,
			EventPressureStarted, EventLevelChanged,
			EventPressureRelieved, EventLevelChanged,
		}, recorder.kinds())
	})
	t.Run("auto_relief", func(t *testing.T) {
		m, recorder := newTestMonitor(t, NopPlatform{}, Options{PressureTimeout: 30 * time.Millisecond})
		m.HandlePressure(LevelWarning)
		assert.True(t, m.PressureActive())
		assert.Eventually(t, func() bool { return !m.PressureActive() }, time.Second, 5*time.Millisecond)
		assert.Contains(t, recorder.kinds(), EventPressureRelieved)
	})
	t.Run("normal_level_counts_as_relief", func(t *testing.T) {
		m, _ := newTestMonitor(t, NopPlatform{}, Options{PressureTimeout: time.Hour})
		m.HandlePressure(LevelWarning)
		m.HandlePressure(LevelNormal)
		assert.False(t, m.PressureActive())
	})
	t.Run("relief_without_pressure_is_silent", func(t *testing.T) {
		m, recorder := newTestMonitor(t, NopPlatform{}, Options{})
		m.HandlePressureRelieved()
		assert.Empty(t, recorder.kinds())
	})
}

func TestMonitor_Lifecycle(t *testing.T) {
	m, recorder := newTestMonitor(t, NopPlatform{}, Options{PressureTimeout: time.Hour})
	m.HandleBackground()
	assert.True(t, m.Backgrounded())
	m.HandleBackground() // Always broadcast.

	m.HandlePressure(LevelWarning)
	m.HandleForeground()
	assert.False(t, m.Backgrounded())
	assert.False(t, m.PressureActive(), "Foreground should drop the pressure flag")
	assert.Equal(t, LevelNormal, m.Level())
	assert.Equal(t, []EventKind{
		EventEnteredBackground, EventEnteredBackground,
		EventPressureStarted, EventLevelChanged,
		EventEnteredForeground, EventLevelChanged,
	}, recorder.kinds())
}

func TestMonitor_Start(t *testing.T) {
	t.Run("degrades_without_pressure_primitive", func(t *testing.T) {
		platform := &fakePlatform{lifecycleSupported: true}
		m, recorder := newTestMonitor(t, platform, Options{})
		require.NoError(t, m.Start(context.Background()))

		platform.fireLifecycle(SignalEnteredBackground)
		assert.True(t, m.Backgrounded())
		platform.fireLifecycle(SignalEnteredForeground)
		assert.False(t, m.Backgrounded())
		assert.Equal(t, []EventKind{EventEnteredBackground, EventEnteredForeground}, recorder.kinds())
	})
	t.Run("routes_pressure_signals", func(t *testing.T) {
		platform := &fakePlatform{pressureSupported: true, lifecycleSupported: true}
		m, _ := newTestMonitor(t, platform, Options{PressureTimeout: time.Hour})
		require.NoError(t, m.Start(context.Background()))

		platform.firePressure(SignalPressureCritical)
		assert.True(t, m.PressureActive())
		assert.Equal(t, LevelCritical, m.Level())
		platform.firePressure(SignalPressureRelieved)
		assert.False(t, m.PressureActive())
		platform.firePressure(SignalMemoryWarning)
		assert.Equal(t, LevelCritical, m.Level())
	})
	t.Run("nothing_supported", func(t *testing.T) {
		m, _ := newTestMonitor(t, NopPlatform{}, Options{})
		assert.NoError(t, m.Start(context.Background()))
		assert.ErrorIs(t, m.Start(context.Background()), ErrAlreadyStarted)
	})
	t.Run("after_close", func(t *testing.T) {
		m := New(nil, Options{})
		m.Close()
		assert.ErrorIs(t, m.Start(context.Background()), ErrClosed)
	})
}

func TestMonitor_ClosedIgnoresSignals(t *testing.T) {
	m, recorder := newTestMonitor(t, NopPlatform{}, Options{})
	m.Close()
	m.HandleMemoryWarning()
	m.HandlePressure(LevelWarning)
	m.HandleBackground()
	m.HandleForeground()
	assert.Empty(t, recorder.kinds())
	assert.Equal(t, LevelNormal, m.Level())
}

func TestMonitor_Unsubscribe(t *testing.T) {
	m := New(NopPlatform{}, Options{})
	t.Cleanup(m.Close)
	recorder := &eventRecorder{}
	unsubscribe := m.Subscribe(recorder.record)
	m.HandleBackground()
	unsubscribe()
	unsubscribe() // Safe to call twice.
	m.HandleBackground()
	assert.Equal(t, []EventKind{EventEnteredBackground}, recorder.kinds())
}

func TestMonitor_HandleSignal(t *testing.T) {
	for _, testCase := range []struct {
		signal    Signal
		wantKinds []EventKind
	}{
		{signal: SignalMemoryWarning, wantKinds: []EventKind{EventMemoryWarning, EventForceCleanup, EventLevelChanged}},
		{signal: SignalPressureWarning, wantKinds: []EventKind{EventPressureStarted, EventLevelChanged}},
		{signal: SignalPressureCritical, wantKinds: []EventKind{EventPressureStarted, EventLevelChanged}},
		{signal: SignalPressureRelieved, wantKinds: []EventKind{}},
		{signal: SignalEnteredBackground, wantKinds: []EventKind{EventEnteredBackground}},
		{signal: SignalEnteredForeground, wantKinds: []EventKind{EventEnteredForeground}},
		{signal: Signal(42), wantKinds: []EventKind{}},
	} {
		t.Run(testCase.signal.String(), func(t *testing.T) {
			m, recorder := newTestMonitor(t, NopPlatform{}, Options{})
			m.HandleSignal(testCase.signal)
			assert.Equal(t, testCase.wantKinds, recorder.kinds())
		})
	}
}

func TestMonitor_BroadcastsFollowStateOrder(t *testing.T) {
	m := New(NopPlatform{}, Options{PressureTimeout: time.Hour})
	t.Cleanup(m.Close)
	// Mirrors the pressure flag from broadcasts only, the way caches do.
	var mirrorMux sync.Mutex
	mirrored := false
	m.Subscribe(func(event Event) {
		mirrorMux.Lock()
		defer mirrorMux.Unlock()
		switch event.Kind {
		case EventPressureStarted:
			mirrored = true
		case EventPressureRelieved, EventEnteredForeground:
			mirrored = false
		default:
		}
	})

	var wg sync.WaitGroup
	for _, handle := range []func(){func() { m.HandlePressure(LevelWarning) }, m.HandleForeground} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 500 {
				handle()
			}
		}()
	}
	wg.Wait()

	mirrorMux.Lock()
	defer mirrorMux.Unlock()
	assert.Equal(t, m.PressureActive(), mirrored)
}

func TestMonitor_SubscribeSynced(t *testing.T) {
	m, _ := newTestMonitor(t, NopPlatform{}, Options{PressureTimeout: time.Hour})
	m.HandleBackground()
	m.HandlePressure(LevelCritical)

	var gotPressure, gotBackground bool
	recorder := &eventRecorder{}
	unsubscribe := m.SubscribeSynced(func(pressureActive, backgrounded bool) {
		gotPressure, gotBackground = pressureActive, backgrounded
	}, recorder.record)
	assert.True(t, gotPressure)
	assert.True(t, gotBackground)
	assert.Empty(t, recorder.kinds(), "Past broadcasts aren't replayed")

	m.HandleForeground()
	unsubscribe()
	m.HandleBackground()
	assert.Equal(t, []EventKind{EventEnteredForeground, EventLevelChanged}, recorder.kinds())
}
