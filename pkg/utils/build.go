// Build information is injected with -ldflags, e.g.
//   go build -ldflags "-X github.com/nobletooth/simplr/pkg/utils.Version=v1.2.0" ./cmd/simplr
// CAUTION: This file shouldn't be removed or else the link-time variables wouldn't exist.

package utils

import (
	"log/slog"
	"strconv"
	"time"
)

const unknownVersion = "v0.0.0-unknown"

var (
	TestMode   string // Should be true when running tests.
	IsTestMode bool
	Version    string
	Commit     string
	BuildTime  string
	StartTime  time.Time
)

func init() {
	StartTime = time.Now()

	// Keep Version a valid semantic version even when it's not injected.
	if Version == "" {
		Version = unknownVersion
	}
	if Commit == "" {
		Commit = "unknown"
	}
	if BuildTime == "" {
		BuildTime = "unknown"
	}
	if len(TestMode) > 0 {
		if isTestMode, err := strconv.ParseBool(TestMode); err == nil {
			IsTestMode = isTestMode
		} else {
			slog.Warn("Failed to parse TestMode build flag, defaulting to false.", "error", err)
		}
	}
}

// Uptime returns how long the process has been running.
func Uptime() time.Duration {
	return time.Since(StartTime)
}
