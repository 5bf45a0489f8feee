package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"mailflow/internal/domain"
)

// every is a fixed-period schedule. cron's ConstantDelaySchedule rounds to
// whole seconds and to the next second boundary, which would make runs
// drift away from the stored NextRunAt.
type every struct{ d time.Duration }

func (e every) Next(t time.Time) time.Time { return t.Add(e.d) }

var humanInterval = regexp.MustCompile(`^(?:(\d+)\s*)?(second|sec|minute|min|hour|day|week)s?$`)

var humanUnits = map[string]time.Duration{
	"second": time.Second,
	"sec":    time.Second,
	"minute": time.Minute,
	"min":    time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
	"week":   7 * 24 * time.Hour,
}

// ParseInterval accepts a Go duration ("90m"), a human interval ("1 hour",
// "2 days", "week"), "@every <duration>", a cron descriptor ("@daily") or a
// standard 5-field cron expression.
func ParseInterval(s string) (cron.Schedule, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, &domain.ValidationError{Field: "interval", Reason: "is required"}
	}

	if rest, ok := strings.CutPrefix(s, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, &domain.ValidationError{Field: "interval", Reason: err.Error()}
		}
		return fixed(d)
	}
	if strings.HasPrefix(s, "@") {
		return parseCron(s)
	}
	if d, err := time.ParseDuration(s); err == nil {
		return fixed(d)
	}
	if m := humanInterval.FindStringSubmatch(strings.ToLower(s)); m != nil {
		n := 1
		if m[1] != "" {
			v, err := strconv.Atoi(m[1])
			if err != nil {
				return nil, &domain.ValidationError{Field: "interval", Reason: err.Error()}
			}
			n = v
		}
		return fixed(time.Duration(n) * humanUnits[m[2]])
	}
	return parseCron(s)
}

func fixed(d time.Duration) (cron.Schedule, error) {
	if d <= 0 {
		return nil, &domain.ValidationError{Field: "interval", Reason: "must be positive"}
	}
	return every{d: d}, nil
}

func parseCron(s string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(s)
	if err != nil {
		return nil, &domain.ValidationError{Field: "interval", Reason: fmt.Sprintf("unrecognised interval %q", s)}
	}
	return sched, nil
}

// ValidateInterval reports whether s is an accepted interval.
func ValidateInterval(s string) error {
	_, err := ParseInterval(s)
	return err
}

// NextRunTime returns the first occurrence of interval after from.
func NextRunTime(interval string, from time.Time) (time.Time, error) {
	sched, err := ParseInterval(interval)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

// advance returns the first occurrence strictly after now, stepping from
// prev so fixed intervals keep their phase however late the check runs.
func advance(sched cron.Schedule, prev, now time.Time) time.Time {
	if e, ok := sched.(every); ok {
		next := prev.Add(e.d)
		if next.After(now) {
			return next
		}
		missed := now.Sub(prev) / e.d
		return prev.Add((missed + 1) * e.d)
	}
	next := sched.Next(prev)
	if next.After(now) {
		return next
	}
	return sched.Next(now)
}
