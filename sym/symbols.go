// Package sym defines canonical symbols for jobkit log output and CLI markers.
// These symbols are stable across CLI output and structured log fields.
package sym

// System infrastructure symbols.
const (
	Pulse      = "꩜" // task queue, workers, rate limiting
	PulseOpen  = "✿" // graceful startup with orphaned task recovery
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database/storage layer
)

// Job subsystem symbols.
const (
	Job       = "⚙" // job execution lifecycle
	Schedule  = "⏲" // scheduled and recurring jobs
	Discovery = "⌕" // job discovery and registry sync
	Hook      = "⇝" // job hooks and buttons
)

var descriptions = map[string]string{
	Pulse:      "task queue",
	PulseOpen:  "startup",
	PulseClose: "shutdown",
	DB:         "storage",
	Job:        "job execution",
	Schedule:   "scheduler",
	Discovery:  "discovery",
	Hook:       "hooks and buttons",
}

// Describe returns a short description of a symbol, or "" if unknown.
func Describe(symbol string) string {
	return descriptions[symbol]
}
