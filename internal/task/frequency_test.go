package task

import (
	"testing"
	"time"
)

func TestNextFromFrequency(t *testing.T) {
	t.Parallel()
	last := time.Date(2026, 1, 31, 9, 30, 0, 0, time.UTC)
	tests := []struct {
		name string
		freq Frequency
		want time.Time
	}{
		{name: "daily", freq: Daily, want: last.AddDate(0, 0, 1)},
		{name: "weekly capitalized", freq: "Weekly", want: last.AddDate(0, 0, 7)},
		{name: "monthly", freq: Monthly, want: last.AddDate(0, 1, 0)},
		{name: "quarterly", freq: Quarterly, want: last.AddDate(0, 3, 0)},
		{name: "custom days", freq: CustomDays(3), want: last.AddDate(0, 0, 3)},
		{name: "custom hours", freq: CustomHours(6), want: last.Add(6 * time.Hour)},
		{name: "cron", freq: Cron("0 12 * * *"), want: time.Date(2026, 1, 31, 12, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextFromFrequency(tt.freq, last)
			if err != nil {
				t.Fatalf("NextFromFrequency(%q) error: %v", tt.freq, err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("NextFromFrequency(%q) = %v, want %v", tt.freq, got, tt.want)
			}
		})
	}
}

func TestParseFrequencyInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []Frequency{"", "hourly-ish", "custom_days:0", "custom_hours:abc", "cron:", "cron:not a cron"} {
		if _, err := ParseFrequency(raw); err == nil {
			t.Fatalf("ParseFrequency(%q): expected error", raw)
		}
	}
}

func TestBaseExecutorFallsBackToDaily(t *testing.T) {
	t.Parallel()
	last := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	got := BaseExecutor{}.NextExecution(&Task{}, "bogus", last)
	if want := last.AddDate(0, 0, 1); !got.Equal(want) {
		t.Fatalf("NextExecution = %v, want %v", got, want)
	}
}

func TestTaskDueAndClone(t *testing.T) {
	t.Parallel()
	now := time.Now()
	tk := &Task{Type: "crawl", ID: "1", Status: StatusActive}
	if !tk.Due(now) {
		t.Fatal("task with nil next_execution should be due")
	}
	tk.NextExecution = TimePtr(now.Add(time.Hour))
	if tk.Due(now) {
		t.Fatal("task with future next_execution should not be due")
	}
	tk.NextExecution = nil
	tk.Status = StatusNeedsIntervention
	if tk.Due(now) {
		t.Fatal("needs_intervention task must never be due")
	}

	tk.FailurePattern = &FailurePattern{Signatures: []string{"timeout"}}
	tk.LastFailure = TimePtr(now)
	cp := tk.Clone()
	cp.FailurePattern.Signatures[0] = "changed"
	*cp.LastFailure = now.Add(time.Hour)
	if tk.FailurePattern.Signatures[0] != "timeout" || !tk.LastFailure.Equal(now) {
		t.Fatal("Clone must not share memory with the original")
	}
	if cp.Key() != "crawl:1" {
		t.Fatalf("Key() = %q", cp.Key())
	}
}
