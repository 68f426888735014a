// Package logging configures the process-wide zerolog sink and hands out
// component-scoped loggers. Debug output is opt-in per component through the
// DEBUG environment variable, which takes a comma-separated list of glob
// patterns the same way mediasoup selects debug tags, e.g.
// DEBUG="signaling*,audio*".
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog"
)

var (
	mu        sync.Mutex
	base      zerolog.Logger
	patterns  []glob.Glob
	setupDone bool
)

// Setup initializes the base logger. It is safe to call more than once; later
// calls replace the sink (tests use this to capture output).
func Setup(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	if w == nil {
		w = os.Stderr
	}
	base = zerolog.New(w).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	patterns = parsePatterns(os.Getenv("DEBUG"))
	setupDone = true
}

func parsePatterns(raw string) []glob.Glob {
	var out []glob.Glob
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		g, err := glob.Compile(entry)
		if err != nil {
			continue
		}
		out = append(out, g)
	}
	return out
}

// Logger returns a logger tagged with the given component name. Components
// matching a DEBUG pattern log at debug level, everything else at info.
func Logger(component string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()

	if !setupDone {
		base = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)
		patterns = parsePatterns(os.Getenv("DEBUG"))
		setupDone = true
	}

	l := base.With().Str("component", component).Logger()
	for _, g := range patterns {
		if g.Match(component) {
			return l.Level(zerolog.DebugLevel)
		}
	}
	return l
}
