package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/nobletooth/simplr/pkg/monitor"
	"github.com/stretchr/testify/assert"
)

func newAttachedCache(t *testing.T) (*Unified, *fakeClock, *monitor.Monitor) {
	t.Helper()
	c, clock := newTestCache(t, Options{MaxSize: 30, BackgroundSize: 6})
	m := monitor.New(monitor.NopPlatform{}, monitor.Options{PressureTimeout: time.Hour})
	t.Cleanup(m.Close)
	t.Cleanup(c.Attach(m))
	return c, clock, m
}

func TestHandleEvent_Pressure(t *testing.T) {
	c, clock, m := newAttachedCache(t)
	fill(c, clock, Filtered, "f", 10)
	fill(c, clock, Grouped, "g", 10)

	m.HandlePressure(monitor.LevelWarning)
	metrics := c.Metrics()
	assert.True(t, metrics.PressureActive)
	assert.Equal(t, 6, metrics.CurrentLimit)
	assert.Equal(t, 6, metrics.TotalEntries, "Pressure should shrink the cache right away")

	m.HandlePressureRelieved()
	metrics = c.Metrics()
	assert.False(t, metrics.PressureActive)
	assert.Equal(t, 30, metrics.CurrentLimit)
	assert.Equal(t, 6, metrics.TotalEntries, "Relief doesn't regrow anything")
}

func TestHandleEvent_Lifecycle(t *testing.T) {
	c, clock, m := newAttachedCache(t)
	fill(c, clock, Computed, "c", 12)

	m.HandleBackground()
	assert.True(t, c.Metrics().Backgrounded)
	assert.Equal(t, 6, c.Metrics().TotalEntries)

	m.HandlePressure(monitor.LevelCritical)
	m.HandleForeground()
	metrics := c.Metrics()
	assert.False(t, metrics.Backgrounded)
	assert.False(t, metrics.PressureActive, "Foreground clears the pressure flag too")
	assert.Equal(t, 30, metrics.CurrentLimit)

	// Inserts are unrestricted again.
	fill(c, clock, Computed, "more", 20)
	c.EnforceCapacity()
	assert.Equal(t, 26, c.Metrics().TotalEntries)
}

func TestHandleEvent_MemoryWarningClearsEverything(t *testing.T) {
	c, clock, m := newAttachedCache(t)
	fill(c, clock, Filtered, "f", 5)
	fill(c, clock, Computed, "c", 5)
	fill(c, clock, Grouped, "g", 5)

	m.HandleMemoryWarning()
	metrics := c.Metrics()
	assert.Zero(t, metrics.TotalEntries)
	for _, region := range Regions() {
		assert.Zero(t, metrics.RegionEntries[region], "Region %s should be empty", region)
	}
	assert.False(t, metrics.PressureActive, "A memory warning clears, it doesn't reduce the budget")
}

func TestAttach(t *testing.T) {
	t.Run("syncs_flags", func(t *testing.T) {
		c, _ := newTestCache(t, Options{MaxSize: 30, BackgroundSize: 6})
		m := monitor.New(monitor.NopPlatform{}, monitor.Options{PressureTimeout: time.Hour})
		t.Cleanup(m.Close)
		m.HandleBackground()

		detach := c.Attach(m)
		t.Cleanup(detach)
		assert.True(t, c.Metrics().Backgrounded)
		assert.Equal(t, 6, c.Metrics().CurrentLimit)
	})
	t.Run("detach", func(t *testing.T) {
		c, clock := newTestCache(t, Options{MaxSize: 30, BackgroundSize: 6})
		m := monitor.New(monitor.NopPlatform{}, monitor.Options{})
		t.Cleanup(m.Close)
		detach := c.Attach(m)
		fill(c, clock, Filtered, "f", 5)

		detach()
		m.HandleMemoryWarning()
		assert.Equal(t, 5, c.Metrics().TotalEntries)
	})
	t.Run("ignores_unrelated_events", func(t *testing.T) {
		c, clock := newTestCache(t, Options{MaxSize: 30, BackgroundSize: 6})
		fill(c, clock, Filtered, "f", 5)
		c.HandleEvent(monitor.Event{Kind: monitor.EventForceCleanup})
		c.HandleEvent(monitor.Event{Kind: monitor.EventLevelChanged, Level: monitor.LevelCritical})
		assert.Equal(t, 5, c.Metrics().TotalEntries)
	})
}

func TestAttach_FlagsFollowSignalOrder(t *testing.T) {
	c, _ := newTestCache(t, Options{MaxSize: 30, BackgroundSize: 6})
	m := monitor.New(monitor.NopPlatform{}, monitor.Options{PressureTimeout: time.Hour})
	t.Cleanup(m.Close)

	// A slow subscriber registered ahead of the cache holds up the pressure broadcast.
	entered, release := make(chan struct{}), make(chan struct{})
	var enterOnce, releaseOnce sync.Once
	t.Cleanup(func() { releaseOnce.Do(func() { close(release) }) })
	m.Subscribe(func(event monitor.Event) {
		if event.Kind == monitor.EventPressureStarted {
			enterOnce.Do(func() {
				close(entered)
				<-release
			})
		}
	})
	t.Cleanup(c.Attach(m))

	go m.HandlePressure(monitor.LevelWarning)
	<-entered
	foregroundDone := make(chan struct{})
	go func() {
		m.HandleForeground()
		close(foregroundDone)
	}()
	select {
	case <-foregroundDone:
		t.Fatal("Foreground was handled while the pressure broadcast was still being delivered")
	case <-time.After(50 * time.Millisecond):
	}

	releaseOnce.Do(func() { close(release) })
	select {
	case <-foregroundDone:
	case <-time.After(time.Second):
		t.Fatal("Foreground wasn't handled after the pressure broadcast finished")
	}
	metrics := c.Metrics()
	assert.False(t, m.PressureActive())
	assert.False(t, metrics.PressureActive, "The cache should follow the monitor's last state")
	assert.Equal(t, 30, metrics.CurrentLimit)
}
