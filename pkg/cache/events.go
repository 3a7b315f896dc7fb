package cache

import "github.com/nobletooth/simplr/pkg/monitor"

// HandleEvent adjusts the cache to a memory monitor broadcast. Memory warnings clear everything; pressure and
// background switch to the reduced budget and shrink right away; foreground restores the normal budget without
// regrowing anything.
func (c *Unified) HandleEvent(event monitor.Event) {
	switch event.Kind {
	case monitor.EventMemoryWarning:
		c.Clear()
	case monitor.EventPressureStarted:
		c.SetPressure(true)
		c.Shrink()
	case monitor.EventPressureRelieved:
		c.SetPressure(false)
	case monitor.EventEnteredBackground:
		c.SetBackgrounded(true)
		c.Shrink()
	case monitor.EventEnteredForeground:
		c.mux.Lock()
		c.pressureActive, c.backgrounded = false, false
		c.mux.Unlock()
	default: // Other broadcasts are meant for other caches.
	}
}

// Attach syncs the budget flags with `m` and subscribes to its broadcasts. The returned function detaches.
func (c *Unified) Attach(m *monitor.Monitor) (detach func()) {
	return m.SubscribeSynced(func(pressureActive, backgrounded bool) {
		c.mux.Lock()
		defer c.mux.Unlock()
		c.pressureActive, c.backgrounded = pressureActive, backgrounded
	}, c.HandleEvent)
}
