// The memory monitor translates OS memory signals into a pressure Level and broadcasts them to subscribers.
//
// State machine:
//   - Memory warning: level becomes critical right away. Subscribers are told to clear their caches, registered
//     flushers run, and the level returns to normal after the warning cooldown.
//   - Sustained pressure: the pressure flag is set (reduced cache budgets) until a relief signal arrives or the
//     pressure timeout passes without a fresh pressure signal, whichever comes first.
//   - Background / foreground: always broadcast. Foreground also drops the pressure flag.
//
// Every handler is best-effort: a panicking subscriber or flusher is logged and skipped.

package monitor

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ErrAlreadyStarted = errors.New("memory monitor already started")
	ErrClosed         = errors.New("memory monitor is closed")

	memoryEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simplr_memory_events_total",
		Help: "Total number of memory monitor broadcasts.",
	}, []string{"kind"})
	memoryLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simplr_memory_level",
		Help: "Current memory pressure level: 0 normal, 1 warning, 2 critical.",
	})
)

// Options tune the Monitor timers.
type Options struct {
	WarningCooldown time.Duration // Time spent at critical after a memory warning.
	PressureTimeout time.Duration // Auto-relief timeout for sustained pressure.
}

// DefaultOptions returns the defaults used when no flags are given.
func DefaultOptions() Options {
	return Options{WarningCooldown: 3 * time.Second, PressureTimeout: 30 * time.Second}
}

type flusher struct {
	name  string
	flush func()
}

// Monitor observes platform memory signals. Construct one per process in the composition root.
type Monitor struct {
	platform Platform
	opts     Options

	// dispatchMux serializes every state change together with its broadcast, so subscribers see events in the
	// same order as the state moved. Held by signal handlers, timers and SubscribeSynced, never by queries.
	dispatchMux sync.Mutex

	mux            sync.Mutex
	started        bool
	closed         bool
	cancel         context.CancelFunc
	warningActive  bool        // Inside the cooldown window of a memory warning.
	warningGen     uint64      // Invalidates stale warning timers.
	warningTimer   *time.Timer // Ends the warning cooldown.
	pressureActive bool        // Sustained pressure; distinct from the UI-facing level.
	pressureLevel  Level       // Level reported by the platform while under sustained pressure.
	pressureGen    uint64      // Invalidates stale pressure timers.
	pressureTimer  *time.Timer // Auto-relieves sustained pressure.
	backgrounded   bool

	subsMux     sync.RWMutex
	nextSubID   uint64
	subscribers map[ /*subscriptionId*/ uint64]func(Event)
	flushers    []flusher
}

// New creates a Monitor on top of the given platform. Call Start to subscribe to the platform signals.
func New(platform Platform, opts Options) *Monitor {
	defaults := DefaultOptions()
	if opts.WarningCooldown <= 0 {
		opts.WarningCooldown = defaults.WarningCooldown
	}
	if opts.PressureTimeout <= 0 {
		opts.PressureTimeout = defaults.PressureTimeout
	}
	if platform == nil {
		platform = NopPlatform{}
	}
	return &Monitor{platform: platform, opts: opts, subscribers: make(map[uint64]func(Event))}
}

// Start subscribes to the platform signals. Missing platform primitives are logged and skipped; the monitor then
// relies on whatever signals remain, including direct Handle* calls.
func (m *Monitor) Start(ctx context.Context) error {
	m.mux.Lock()
	if m.closed {
		m.mux.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mux.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	m.started, m.cancel = true, cancel
	m.mux.Unlock()

	if err := m.platform.SubscribePressure(ctx, m.HandleSignal); err != nil {
		if errors.Is(err, errors.ErrUnsupported) {
			slog.Warn("Memory pressure signals are unavailable, falling back to lifecycle signals only.",
				"error", err)
		} else {
			slog.Error("Failed to subscribe to memory pressure signals.", "error", err)
		}
	}
	if err := m.platform.SubscribeLifecycle(ctx, m.HandleSignal); err != nil {
		if errors.Is(err, errors.ErrUnsupported) {
			slog.Warn("Lifecycle signals are unavailable on this platform.", "error", err)
		} else {
			slog.Error("Failed to subscribe to lifecycle signals.", "error", err)
		}
	}
	return nil
}

// Close stops the platform subscriptions and the pending timers. Handle* calls after Close are ignored.
func (m *Monitor) Close() {
	m.mux.Lock()
	defer m.mux.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	if m.cancel != nil {
		m.cancel()
	}
	if m.warningTimer != nil {
		m.warningTimer.Stop()
	}
	if m.pressureTimer != nil {
		m.pressureTimer.Stop()
	}
}

// Subscribe registers `handler` for every future broadcast. Handlers run synchronously on the goroutine that
// delivered the signal, one broadcast at a time, so they should be quick and must not call Handle* themselves. The returned function unsubscribes.
func (m *Monitor) Subscribe(handler func(Event)) (unsubscribe func()) {
	m.subsMux.Lock()
	defer m.subsMux.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subsMux.Lock()
			defer m.subsMux.Unlock()
			delete(m.subscribers, id)
		})
	}
}

// SubscribeSynced reports the current pressure and background flags to `onState`, then subscribes `handler`. No
// broadcast can slip in between, so a subscriber mirroring the flags never misses or reorders a change. Must not be
// called from within a subscriber.
func (m *Monitor) SubscribeSynced(onState func(pressureActive, backgrounded bool),
	handler func(Event)) (unsubscribe func()) {
	m.dispatchMux.Lock()
	defer m.dispatchMux.Unlock()

	m.mux.Lock()
	pressureActive, backgrounded := m.pressureActive, m.backgrounded
	m.mux.Unlock()
	onState(pressureActive, backgrounded)
	return m.Subscribe(handler)
}

// RegisterFlusher adds a cache this monitor clears directly on memory warnings, e.g. an HTTP response cache.
func (m *Monitor) RegisterFlusher(name string, flush func()) {
	m.subsMux.Lock()
	defer m.subsMux.Unlock()
	m.flushers = append(m.flushers, flusher{name: name, flush: flush})
}

// Level returns the current UI-facing pressure level.
func (m *Monitor) Level() Level {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.levelLocked()
}

// PressureActive reports whether sustained memory pressure is in effect.
func (m *Monitor) PressureActive() bool {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.pressureActive
}

// Backgrounded reports whether the host is in background.
func (m *Monitor) Backgrounded() bool {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.backgrounded
}

// levelLocked derives the level from the active conditions. Caller must hold m.mux.
func (m *Monitor) levelLocked() Level {
	switch {
	case m.warningActive:
		return LevelCritical
	case m.pressureActive:
		return m.pressureLevel
	default:
		return LevelNormal
	}
}

// HandleSignal dispatches a platform signal to its handler.
func (m *Monitor) HandleSignal(signal Signal) {
	switch signal {
	case SignalMemoryWarning:
		m.HandleMemoryWarning()
	case SignalPressureWarning:
		m.HandlePressure(LevelWarning)
	case SignalPressureCritical:
		m.HandlePressure(LevelCritical)
	case SignalPressureRelieved:
		m.HandlePressureRelieved()
	case SignalEnteredBackground:
		m.HandleBackground()
	case SignalEnteredForeground:
		m.HandleForeground()
	default:
		slog.Warn("Ignoring unknown platform signal.", "signal", int(signal))
	}
}

// HandleMemoryWarning handles an acute OS memory warning.
func (m *Monitor) HandleMemoryWarning() {
	m.dispatchMux.Lock()
	defer m.dispatchMux.Unlock()

	m.mux.Lock()
	if m.closed {
		m.mux.Unlock()
		return
	}
	prev := m.levelLocked()
	m.warningActive = true
	m.warningGen++
	gen := m.warningGen
	if m.warningTimer != nil {
		m.warningTimer.Stop()
	}
	m.warningTimer = time.AfterFunc(m.opts.WarningCooldown, func() { m.endWarningCooldown(gen) })
	level := m.levelLocked()
	m.mux.Unlock()

	slog.Warn("Received memory warning, clearing caches.", "cooldown", m.opts.WarningCooldown)
	m.flush()
	m.publish(EventMemoryWarning, level)
	m.publish(EventForceCleanup, level)
	m.publishLevelChange(prev, level)
}

func (m *Monitor) endWarningCooldown(gen uint64) {
	m.dispatchMux.Lock()
	defer m.dispatchMux.Unlock()

	m.mux.Lock()
	if m.closed || gen != m.warningGen || !m.warningActive {
		m.mux.Unlock()
		return
	}
	prev := m.levelLocked()
	m.warningActive = false
	level := m.levelLocked()
	m.mux.Unlock()

	slog.Info("Memory warning cooldown is over.", "level", level)
	m.publishLevelChange(prev, level)
}

// HandlePressure handles a sustained pressure report. `level` is the platform granularity; LevelNormal counts as a
// relief signal. Every report re-arms the auto-relief timer.
func (m *Monitor) HandlePressure(level Level) {
	if level == LevelNormal {
		m.HandlePressureRelieved()
		return
	}
	m.dispatchMux.Lock()
	defer m.dispatchMux.Unlock()

	m.mux.Lock()
	if m.closed {
		m.mux.Unlock()
		return
	}
	prev := m.levelLocked()
	wasActive := m.pressureActive
	m.pressureActive, m.pressureLevel = true, level
	m.pressureGen++
	gen := m.pressureGen
	if m.pressureTimer != nil {
		m.pressureTimer.Stop()
	}
	m.pressureTimer = time.AfterFunc(m.opts.PressureTimeout, func() { m.autoRelievePressure(gen) })
	current := m.levelLocked()
	m.mux.Unlock()

	if !wasActive {
		slog.Warn("Sustained memory pressure started, reducing cache budgets.", "pressure", level)
	}
	m.publish(EventPressureStarted, current)
	m.publishLevelChange(prev, current)
}

// HandlePressureRelieved handles an explicit relief signal from the platform.
func (m *Monitor) HandlePressureRelieved() {
	m.dispatchMux.Lock()
	defer m.dispatchMux.Unlock()

	m.mux.Lock()
	gen := m.pressureGen
	m.mux.Unlock()
	m.relievePressure(gen)
}

// autoRelievePressure runs when the pressure timeout passes without a fresh pressure report.
func (m *Monitor) autoRelievePressure(gen uint64) {
	m.dispatchMux.Lock()
	defer m.dispatchMux.Unlock()
	m.relievePressure(gen)
}

// relievePressure clears the pressure flag unless a newer pressure report has arrived since `gen` was taken.
// Caller must hold m.dispatchMux.
func (m *Monitor) relievePressure(gen uint64) {
	m.mux.Lock()
	if m.closed || gen != m.pressureGen || !m.pressureActive {
		m.mux.Unlock()
		return
	}
	prev := m.levelLocked()
	m.pressureActive, m.pressureLevel = false, LevelNormal
	if m.pressureTimer != nil {
		m.pressureTimer.Stop()
	}
	level := m.levelLocked()
	m.mux.Unlock()

	slog.Info("Sustained memory pressure relieved.")
	m.publish(EventPressureRelieved, level)
	m.publishLevelChange(prev, level)
}

// HandleBackground handles the host entering background. It's broadcast even when already in background.
func (m *Monitor) HandleBackground() {
	m.dispatchMux.Lock()
	defer m.dispatchMux.Unlock()

	m.mux.Lock()
	if m.closed {
		m.mux.Unlock()
		return
	}
	m.backgrounded = true
	level := m.levelLocked()
	m.mux.Unlock()

	slog.Info("Entered background, shrinking caches.")
	m.publish(EventEnteredBackground, level)
}

// HandleForeground handles the host entering foreground; pressure and background flags are dropped.
func (m *Monitor) HandleForeground() {
	m.dispatchMux.Lock()
	defer m.dispatchMux.Unlock()

	m.mux.Lock()
	if m.closed {
		m.mux.Unlock()
		return
	}
	prev := m.levelLocked()
	m.backgrounded = false
	m.pressureActive, m.pressureLevel = false, LevelNormal
	m.pressureGen++
	if m.pressureTimer != nil {
		m.pressureTimer.Stop()
	}
	level := m.levelLocked()
	m.mux.Unlock()

	slog.Info("Entered foreground, restoring normal cache budgets.")
	m.publish(EventEnteredForeground, level)
	m.publishLevelChange(prev, level)
}

func (m *Monitor) publishLevelChange(prev, level Level) {
	memoryLevel.Set(float64(level))
	if prev != level {
		m.publish(EventLevelChanged, level)
	}
}

// publish delivers the event to every subscriber in subscription order.
func (m *Monitor) publish(kind EventKind, level Level) {
	event := Event{Kind: kind, Level: level, At: time.Now()}
	memoryEvents.WithLabelValues(kind.String()).Inc()

	m.subsMux.RLock()
	ids := slices.Sorted(maps.Keys(m.subscribers))
	handlers := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, m.subscribers[id])
	}
	m.subsMux.RUnlock()

	for _, handler := range handlers {
		bestEffort("subscriber", kind.String(), func() { handler(event) })
	}
}

// flush runs every registered flusher.
func (m *Monitor) flush() {
	m.subsMux.RLock()
	flushers := slices.Clone(m.flushers)
	m.subsMux.RUnlock()

	for _, f := range flushers {
		bestEffort("flusher", f.name, f.flush)
	}
}

// bestEffort runs `fn` and swallows its panic, if any.
func bestEffort(kind, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Memory monitor callback panicked.", "kind", kind, "name", name, "panic", r)
		}
	}()
	fn()
}
