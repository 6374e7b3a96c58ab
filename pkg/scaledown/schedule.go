package scaledown

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Strategy is the eviction sort order within an owner group.
type Strategy string

const (
	// OldestFirst favours churn: long-lived instances are evaluated first.
	OldestFirst Strategy = "oldest_first"
	// NewestFirst favours warm pools: fresh instances are evaluated first.
	NewestFirst Strategy = "newest_first"
)

// Entry is one scale-down schedule entry. The entry whose cron expression
// matches the tick minute supplies the idle quota and eviction order for
// that pass.
type Entry struct {
	Cron             string
	IdleCount        int
	EvictionStrategy Strategy
}

type compiledEntry struct {
	sched cron.Schedule
	entry Entry
}

// Schedule evaluates SCALE_DOWN_CONFIG entries against tick times.
type Schedule struct {
	entries []compiledEntry
	logger  *slog.Logger
}

// NewSchedule compiles the cron expressions. Unknown eviction strategies
// fall back to oldest-first with a warning.
func NewSchedule(entries []Entry, logger *slog.Logger) (*Schedule, error) {
	s := &Schedule{logger: logger}
	for _, e := range entries {
		sched, err := cron.ParseStandard(e.Cron)
		if err != nil {
			return nil, fmt.Errorf("parsing scale-down cron %q: %w", e.Cron, err)
		}
		switch e.EvictionStrategy {
		case OldestFirst, NewestFirst:
		default:
			logger.Warn("unknown eviction strategy, using oldest_first",
				"strategy", string(e.EvictionStrategy), "cron", e.Cron)
			e.EvictionStrategy = OldestFirst
		}
		s.entries = append(s.entries, compiledEntry{sched: sched, entry: e})
	}
	return s, nil
}

// Active returns the first entry whose cron expression matches the minute
// containing now. When nothing matches, the idle quota is zero and eviction
// is oldest-first.
func (s *Schedule) Active(now time.Time) (Entry, bool) {
	minute := now.Truncate(time.Minute)
	for _, ce := range s.entries {
		if ce.sched.Next(minute.Add(-time.Second)).Equal(minute) {
			return ce.entry, true
		}
	}
	return Entry{EvictionStrategy: OldestFirst}, false
}
