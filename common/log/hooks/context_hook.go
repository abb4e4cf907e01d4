package hooks

import (
	"runtime/debug"
	"strings"

	log "github.com/sirupsen/logrus"
)

// contextHook adds the caller's "file:line" to each entry, trimmed to the
// path inside this repository.
type contextHook struct {
}

func NewContextHook() contextHook {
	return contextHook{}
}

func (hook contextHook) Levels() []log.Level {
	return log.AllLevels
}

func (hook contextHook) Fire(entry *log.Entry) error {
	if caller := callerFromStack(string(debug.Stack())); caller != "" {
		entry.Data["file:line"] = caller
	}
	return nil
}

// callerFromStack walks a debug.Stack() dump and returns the first file:line
// after the logrus frames, relative to the repository root.
func callerFromStack(stack string) string {
	lines := strings.Split(stack, "\n")
	foundLoggerBlock := false
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if strings.Contains(line, "sirupsen/logrus") {
			foundLoggerBlock = true
			continue
		}
		if !foundLoggerBlock || !strings.Contains(line, ".go:") {
			continue
		}
		ctx := strings.Split(line, "grid/")
		loc := ctx[len(ctx)-1]
		// drop the "+0x1f" pc offset
		if idx := strings.Index(loc, " "); idx > 0 {
			loc = loc[:idx]
		}
		return loc
	}
	return ""
}
