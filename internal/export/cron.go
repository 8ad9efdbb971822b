package export

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule expressions use a small preset grammar rather than full cron:
//
//	@every <duration>       fixed interval, e.g. "@every 15m"
//	@hourly [MM]            minute MM of every hour, default 00
//	@daily [HH:MM]          every day at HH:MM, default 00:00
//	@weekly [DDD HH:MM]     weekly, default Sunday 00:00
//
// All clock-based presets evaluate in UTC.

// ErrBadSchedule reports an unparseable schedule expression.
var ErrBadSchedule = errors.New("export: bad schedule expression")

type scheduleKind int

const (
	kindEvery scheduleKind = iota
	kindHourly
	kindDaily
	kindWeekly
)

// Schedule is a parsed schedule expression.
type Schedule struct {
	expr     string
	kind     scheduleKind
	interval time.Duration
	weekday  time.Weekday
	hour     int
	minute   int
}

// ParseSchedule parses a schedule expression.
func ParseSchedule(expr string) (Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) == 0 {
		return Schedule{}, fmt.Errorf("%w: empty", ErrBadSchedule)
	}
	s := Schedule{expr: expr}
	switch fields[0] {
	case "@every":
		if len(fields) != 2 {
			return Schedule{}, fmt.Errorf("%w: @every needs a duration", ErrBadSchedule)
		}
		d, err := time.ParseDuration(fields[1])
		if err != nil || d <= 0 {
			return Schedule{}, fmt.Errorf("%w: @every %q", ErrBadSchedule, fields[1])
		}
		s.kind, s.interval = kindEvery, d
	case "@hourly":
		s.kind = kindHourly
		if len(fields) > 2 {
			return Schedule{}, fmt.Errorf("%w: @hourly takes at most a minute", ErrBadSchedule)
		}
		if len(fields) == 2 {
			m, err := strconv.Atoi(fields[1])
			if err != nil || m < 0 || m > 59 {
				return Schedule{}, fmt.Errorf("%w: @hourly minute %q", ErrBadSchedule, fields[1])
			}
			s.minute = m
		}
	case "@daily":
		s.kind = kindDaily
		if len(fields) > 2 {
			return Schedule{}, fmt.Errorf("%w: @daily takes at most HH:MM", ErrBadSchedule)
		}
		if len(fields) == 2 {
			h, m, err := parseClock(fields[1])
			if err != nil {
				return Schedule{}, err
			}
			s.hour, s.minute = h, m
		}
	case "@weekly":
		s.kind = kindWeekly
		switch len(fields) {
		case 1:
		case 3:
			wd, ok := weekdays[strings.ToLower(fields[1])]
			if !ok {
				return Schedule{}, fmt.Errorf("%w: @weekly day %q", ErrBadSchedule, fields[1])
			}
			h, m, err := parseClock(fields[2])
			if err != nil {
				return Schedule{}, err
			}
			s.weekday, s.hour, s.minute = wd, h, m
		default:
			return Schedule{}, fmt.Errorf("%w: @weekly takes DDD HH:MM or nothing", ErrBadSchedule)
		}
	default:
		return Schedule{}, fmt.Errorf("%w: unknown preset %q", ErrBadSchedule, fields[0])
	}
	return s, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday,
	"sat": time.Saturday,
}

func parseClock(v string) (hour, minute int, err error) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: clock %q", ErrBadSchedule, v)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%w: hour %q", ErrBadSchedule, parts[0])
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: minute %q", ErrBadSchedule, parts[1])
	}
	return hour, minute, nil
}

// String returns the original expression.
func (s Schedule) String() string { return s.expr }

// Next returns the first fire time strictly after now.
func (s Schedule) Next(now time.Time) time.Time {
	now = now.UTC()
	switch s.kind {
	case kindEvery:
		return now.Add(s.interval)
	case kindHourly:
		next := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), s.minute, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.Add(time.Hour)
		}
		return next
	case kindDaily:
		next := time.Date(now.Year(), now.Month(), now.Day(), s.hour, s.minute, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	case kindWeekly:
		day := now.AddDate(0, 0, -int(now.Weekday())+int(s.weekday))
		next := time.Date(day.Year(), day.Month(), day.Day(), s.hour, s.minute, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.AddDate(0, 0, 7)
		}
		return next
	default:
		return time.Time{}
	}
}
