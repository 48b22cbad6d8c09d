// Package cronspec validates and converts the 5-field cron expressions used by
// scheduled tasks. Only the plain subset is accepted: each field is either "*"
// or a single in-range integer.
package cronspec

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"wasched/internal/domain"
)

type field struct {
	name     string
	min, max int
}

var fields = [5]field{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day of month", 1, 31},
	{"month", 1, 12},
	{"day of week", 0, 6},
}

var weekdays = [7]string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}

// Validate returns a *domain.ValidationError when expr is not an accepted
// 5-field expression.
func Validate(expr string) error {
	parts := strings.Split(expr, " ")
	if len(parts) != 5 {
		return domain.Invalid("Invalid cron expression: expected 5 fields, got %d", len(parts))
	}
	for i, p := range parts {
		if p == "*" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || !digits(p) || n < fields[i].min || n > fields[i].max {
			return domain.Invalid("Invalid cron expression: %s must be * or %d-%d", fields[i].name, fields[i].min, fields[i].max)
		}
	}
	return nil
}

func IsValid(expr string) bool { return Validate(expr) == nil }

// digits reports whether s is plain ASCII digits; Atoi also takes a sign.
func digits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// DateTime is the calendar view of an expression. Date is only set when both
// day of month and month are fixed.
type DateTime struct {
	Date     *time.Time `json:"date"`
	Time     string     `json:"time"`
	Readable string     `json:"readable"`
}

// CronToDateTime renders expr relative to now; a fixed day and month resolve
// to that day in now's year and location.
func CronToDateTime(expr string, now time.Time) DateTime {
	if err := Validate(expr); err != nil {
		return DateTime{Time: "00:00", Readable: "Invalid schedule"}
	}
	p := strings.Split(expr, " ")
	minute, hour, day, month, dow := p[0], p[1], p[2], p[3], p[4]
	hhmm := pad2(hour) + ":" + pad2(minute)

	if day != "*" && month != "*" {
		d, _ := strconv.Atoi(day)
		m, _ := strconv.Atoi(month)
		date := time.Date(now.Year(), time.Month(m), d, 0, 0, 0, 0, now.Location())
		return DateTime{Date: &date, Time: hhmm, Readable: date.Format("Jan 2, 2006") + " at " + hhmm}
	}

	readable := "Every day at " + hhmm
	if dow != "*" {
		n, _ := strconv.Atoi(dow)
		readable = "Every " + weekdays[n] + " at " + hhmm
	}
	if day != "*" {
		readable = "Every month on day " + day + " at " + hhmm
	}
	return DateTime{Time: hhmm, Readable: readable}
}

// DateToCron builds "M H D Mo *" from a calendar date and an "HH:MM" time.
// Fields are written without zero padding.
func DateToCron(date time.Time, hhmm string) (string, error) {
	h, m, err := ParseClock(hhmm)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d %d %d *", m, h, date.Day(), int(date.Month())), nil
}

// ParseClock parses "HH:MM" (or "H:MM").
func ParseClock(hhmm string) (hour, minute int, err error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(hhmm), ":")
	if !ok {
		return 0, 0, domain.Invalid("Invalid time %q: use HH:MM", hhmm)
	}
	hour, herr := strconv.Atoi(hs)
	minute, merr := strconv.Atoi(ms)
	if herr != nil || merr != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, domain.Invalid("Invalid time %q: use HH:MM", hhmm)
	}
	return hour, minute, nil
}

func Daily(hour, minute int) string { return fmt.Sprintf("%d %d * * *", minute, hour) }

func Weekly(hour, minute, dayOfWeek int) string {
	return fmt.Sprintf("%d %d * * %d", minute, hour, dayOfWeek)
}

func Monthly(hour, minute, day int) string {
	return fmt.Sprintf("%d %d %d * *", minute, hour, day)
}

func Yearly(hour, minute, day, month int) string {
	return fmt.Sprintf("%d %d %d %d *", minute, hour, day, month)
}

// Next returns the first firing strictly after from, evaluated in loc.
func Next(expr string, from time.Time, loc *time.Location) (time.Time, error) {
	if err := Validate(expr); err != nil {
		return time.Time{}, err
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	if loc != nil {
		from = from.In(loc)
	}
	return sched.Next(from), nil
}

func pad2(f string) string {
	if len(f) == 1 && f != "*" {
		return "0" + f
	}
	return f
}
