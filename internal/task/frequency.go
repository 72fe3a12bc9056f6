package task

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Frequency describes how often a task recurs.
//
// Supported forms (case-insensitive):
//   - "daily", "weekly", "monthly", "quarterly"
//   - "custom_days:N", "custom_hours:N" (N > 0)
//   - "cron:<expr>" with a 5- or 6-field cron expression or descriptor ("@daily")
type Frequency string

const (
	Daily     Frequency = "daily"
	Weekly    Frequency = "weekly"
	Monthly   Frequency = "monthly"
	Quarterly Frequency = "quarterly"
)

func CustomDays(n int) Frequency  { return Frequency(fmt.Sprintf("custom_days:%d", n)) }
func CustomHours(n int) Frequency { return Frequency(fmt.Sprintf("custom_hours:%d", n)) }
func Cron(expr string) Frequency  { return Frequency("cron:" + expr) }

type FrequencyKind int

const (
	KindDaily FrequencyKind = iota
	KindWeekly
	KindMonthly
	KindQuarterly
	KindCustomDays
	KindCustomHours
	KindCron
)

// ParsedFrequency is the normalized form of a Frequency.
type ParsedFrequency struct {
	Kind  FrequencyKind
	N     int
	Sched cron.Schedule
}

// cronParser accepts both 5-field and 6-field (with seconds) specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func ParseFrequency(raw Frequency) (ParsedFrequency, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return ParsedFrequency{}, fmt.Errorf("frequency required")
	}
	low := strings.ToLower(s)
	switch low {
	case "daily":
		return ParsedFrequency{Kind: KindDaily}, nil
	case "weekly":
		return ParsedFrequency{Kind: KindWeekly}, nil
	case "monthly":
		return ParsedFrequency{Kind: KindMonthly}, nil
	case "quarterly":
		return ParsedFrequency{Kind: KindQuarterly}, nil
	}

	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedFrequency{}, fmt.Errorf("cron expression required after 'cron:'")
		}
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return ParsedFrequency{}, fmt.Errorf("invalid cron frequency %q: %w", expr, err)
		}
		return ParsedFrequency{Kind: KindCron, Sched: sched}, nil
	}

	for prefix, kind := range map[string]FrequencyKind{"custom_days:": KindCustomDays, "custom_hours:": KindCustomHours} {
		if !strings.HasPrefix(low, prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(low[len(prefix):]))
		if err != nil || n <= 0 {
			return ParsedFrequency{}, fmt.Errorf("invalid frequency %q: count must be a positive integer", raw)
		}
		return ParsedFrequency{Kind: kind, N: n}, nil
	}

	return ParsedFrequency{}, fmt.Errorf(
		"invalid frequency %q (use daily, weekly, monthly, quarterly, custom_days:N, custom_hours:N or cron:<expr>)", raw)
}

// Next returns the first trigger time after last.
func (p ParsedFrequency) Next(last time.Time) time.Time {
	switch p.Kind {
	case KindWeekly:
		return last.AddDate(0, 0, 7)
	case KindMonthly:
		return last.AddDate(0, 1, 0)
	case KindQuarterly:
		return last.AddDate(0, 3, 0)
	case KindCustomDays:
		return last.AddDate(0, 0, p.N)
	case KindCustomHours:
		return last.Add(time.Duration(p.N) * time.Hour)
	case KindCron:
		return p.Sched.Next(last)
	default:
		return last.AddDate(0, 0, 1)
	}
}

// NextFromFrequency is the pure next-trigger computation shared by executors.
func NextFromFrequency(f Frequency, last time.Time) (time.Time, error) {
	p, err := ParseFrequency(f)
	if err != nil {
		return time.Time{}, err
	}
	return p.Next(last), nil
}
