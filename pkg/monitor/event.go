// The memory monitor speaks in three vocabularies: the UI-facing pressure Level, the inbound platform Signal,
// and the outbound broadcast Event that caches (and anything else in the host) subscribe to.

package monitor

import "time"

// Level is the UI-facing memory pressure state.
type Level int

const (
	LevelNormal Level = iota
	LevelWarning
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Signal is an inbound notification from the OS / platform layer.
type Signal int

const (
	SignalMemoryWarning Signal = iota
	SignalPressureWarning
	SignalPressureCritical
	SignalPressureRelieved
	SignalEnteredBackground
	SignalEnteredForeground
)

func (s Signal) String() string {
	switch s {
	case SignalMemoryWarning:
		return "memory_warning"
	case SignalPressureWarning:
		return "pressure_warning"
	case SignalPressureCritical:
		return "pressure_critical"
	case SignalPressureRelieved:
		return "pressure_relieved"
	case SignalEnteredBackground:
		return "entered_background"
	case SignalEnteredForeground:
		return "entered_foreground"
	default:
		return "unknown"
	}
}

// EventKind names an outbound broadcast.
type EventKind int

const (
	EventMemoryWarning     EventKind = iota // Acute memory warning; caches should clear everything.
	EventForceCleanup                       // Caches owned by others should drop whatever they can.
	EventPressureStarted                    // Sustained pressure; caches should use their reduced budget.
	EventPressureRelieved                   // Sustained pressure is over, either explicitly or by timeout.
	EventEnteredBackground                  // The host went to background; caches should shrink.
	EventEnteredForeground                  // The host is back; normal budgets apply again.
	EventLevelChanged                       // Level moved; Event.Level holds the new level.
)

func (k EventKind) String() string {
	switch k {
	case EventMemoryWarning:
		return "memory_warning"
	case EventForceCleanup:
		return "force_cleanup"
	case EventPressureStarted:
		return "pressure_started"
	case EventPressureRelieved:
		return "pressure_relieved"
	case EventEnteredBackground:
		return "entered_background"
	case EventEnteredForeground:
		return "entered_foreground"
	case EventLevelChanged:
		return "level_changed"
	default:
		return "unknown"
	}
}

// Event is broadcast to every subscriber of a Monitor.
type Event struct {
	Kind  EventKind
	Level Level     // The monitor level right after the event happened.
	At    time.Time // When the event was published.
}
