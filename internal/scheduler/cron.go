// Package scheduler runs maintenance jobs on cron schedules, guarded by a
// file lock so two gateway processes never run the same tick.
package scheduler

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"
)

// bitset holds the allowed values of one cron field (all fit in 0..59).
type bitset uint64

func (b bitset) has(v int) bool { return v >= 0 && v < 64 && b&(1<<uint(v)) != 0 }

func (b bitset) count() int { return bits.OnesCount64(uint64(b)) }

type fieldSpec struct {
	name     string
	min, max int
}

var fieldSpecs = [5]fieldSpec{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// CronExpr is a parsed 5-field cron expression:
// minute, hour, day-of-month, month, day-of-week.
type CronExpr struct {
	expr   string
	fields [5]bitset
}

// ParseCron parses a standard 5-field cron expression. Each field accepts
// "*", "*/N", "N", "N-M", "N-M/S" and comma-separated lists of those.
func ParseCron(expr string) (*CronExpr, error) {
	parts := strings.Fields(expr)
	if len(parts) != len(fieldSpecs) {
		return nil, fmt.Errorf("cron: expected 5 fields, got %d", len(parts))
	}
	c := &CronExpr{expr: strings.Join(parts, " ")}
	for i, spec := range fieldSpecs {
		set, err := parseField(parts[i], spec.min, spec.max)
		if err != nil {
			return nil, fmt.Errorf("cron: %s: %w", spec.name, err)
		}
		c.fields[i] = set
	}
	return c, nil
}

// MustParseCron is ParseCron for expressions known at compile time.
func MustParseCron(expr string) *CronExpr {
	c, err := ParseCron(expr)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *CronExpr) String() string { return c.expr }

// Matches reports whether t (to the minute) is selected by the expression.
func (c *CronExpr) Matches(t time.Time) bool {
	return c.fields[0].has(t.Minute()) &&
		c.fields[1].has(t.Hour()) &&
		c.dayMatches(t) &&
		c.fields[3].has(int(t.Month()))
}

func (c *CronExpr) dayMatches(t time.Time) bool {
	return c.fields[2].has(t.Day()) && c.fields[4].has(int(t.Weekday()))
}

// Next returns the first minute after t selected by the expression, searching
// up to two years ahead. It returns the zero time when nothing matches.
func (c *CronExpr) Next(t time.Time) time.Time {
	loc := t.Location()
	cur := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(2, 0, 0)
	for cur.Before(limit) {
		switch {
		case !c.fields[3].has(int(cur.Month())):
			cur = time.Date(cur.Year(), cur.Month()+1, 1, 0, 0, 0, 0, loc)
		case !c.dayMatches(cur):
			cur = time.Date(cur.Year(), cur.Month(), cur.Day()+1, 0, 0, 0, 0, loc)
		case !c.fields[1].has(cur.Hour()):
			cur = time.Date(cur.Year(), cur.Month(), cur.Day(), cur.Hour()+1, 0, 0, 0, loc)
		case !c.fields[0].has(cur.Minute()):
			cur = cur.Add(time.Minute)
		default:
			return cur
		}
	}
	return time.Time{}
}

func parseField(field string, min, max int) (bitset, error) {
	var set bitset
	for _, part := range strings.Split(field, ",") {
		lo, hi, step, err := parseRange(part, min, max)
		if err != nil {
			return 0, err
		}
		for v := lo; v <= hi; v += step {
			set |= 1 << uint(v)
		}
	}
	if set.count() == 0 {
		return 0, fmt.Errorf("empty field %q", field)
	}
	return set, nil
}

// parseRange turns one list element into lo..hi stepping by step.
func parseRange(part string, min, max int) (lo, hi, step int, err error) {
	base, stepStr, hasStep := strings.Cut(part, "/")
	step = 1
	if hasStep {
		step, err = strconv.Atoi(stepStr)
		if err != nil || step <= 0 {
			return 0, 0, 0, fmt.Errorf("invalid step in %q", part)
		}
	}
	switch {
	case base == "*":
		return min, max, step, nil
	case strings.Contains(base, "-"):
		loStr, hiStr, _ := strings.Cut(base, "-")
		if lo, err = strconv.Atoi(loStr); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid range start %q", loStr)
		}
		if hi, err = strconv.Atoi(hiStr); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid range end %q", hiStr)
		}
		if lo < min || hi > max || lo > hi {
			return 0, 0, 0, fmt.Errorf("range %d-%d out of bounds [%d,%d]", lo, hi, min, max)
		}
		return lo, hi, step, nil
	default:
		if hasStep {
			return 0, 0, 0, fmt.Errorf("step needs a range in %q", part)
		}
		v, err := strconv.Atoi(base)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid value %q", base)
		}
		if v < min || v > max {
			return 0, 0, 0, fmt.Errorf("value %d out of bounds [%d,%d]", v, min, max)
		}
		return v, v, 1, nil
	}
}
