package domain

import (
	"errors"
	"testing"
	"time"
)

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	cases := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00:00"},
		{59 * time.Second, "00:00:59"},
		{time.Minute, "00:01:00"},
		{time.Hour + 2*time.Minute + 3*time.Second, "01:02:03"},
		{25 * time.Hour, "25:00:00"},
		{-time.Second, "00:00:00"},
	}
	for _, tc := range cases {
		if got := FormatDuration(tc.d); got != tc.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()

	cases := []struct {
		s    string
		want time.Duration
		ok   bool
	}{
		{"00:00:00", 0, true},
		{"00:00:59", 59 * time.Second, true},
		{"01:02:03", time.Hour + 2*time.Minute + 3*time.Second, true},
		{"25:00:00", 25 * time.Hour, true},
		{"", 0, false},
		{"1:2", 0, false},
		{"aa:bb:cc", 0, false},
		{"-1:00:00", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseDuration(tc.s)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ParseDuration(%q) = (%v, %v), want (%v, %v)", tc.s, got, ok, tc.want, tc.ok)
		}
	}

	// Round-trips with the formatter.
	for _, d := range []time.Duration{0, 61 * time.Second, 26*time.Hour + 5*time.Minute} {
		got, ok := ParseDuration(FormatDuration(d))
		if !ok || got != d {
			t.Errorf("round-trip of %v gave (%v, %v)", d, got, ok)
		}
	}
}

func TestMonitorModeValid(t *testing.T) {
	t.Parallel()

	if !ModeEnemy.Valid() || !ModeAlly.Valid() {
		t.Error("built-in modes should be valid")
	}
	if MonitorMode("neutral").Valid() || MonitorMode("").Valid() {
		t.Error("unknown modes should be invalid")
	}
}

func TestAlertRuleValidate(t *testing.T) {
	t.Parallel()

	good := AlertRule{ID: "r1", TimeRangeMinutes: 5, Threshold: 3, Channel: ChannelSound}
	if err := good.Validate(); err != nil {
		t.Errorf("valid rule rejected: %v", err)
	}

	bad := []AlertRule{
		{TimeRangeMinutes: 5, Threshold: 0, Channel: ChannelSound},
		{TimeRangeMinutes: 5, Threshold: -1, Channel: ChannelSound},
		{TimeRangeMinutes: 0, Threshold: 3, Channel: ChannelSound},
		{TimeRangeMinutes: 5, Threshold: 3, Channel: "carrier-pigeon"},
	}
	for i, rule := range bad {
		if err := rule.Validate(); !errors.Is(err, ErrInvalidRule) {
			t.Errorf("case %d: expected ErrInvalidRule, got %v", i, err)
		}
	}
}

func TestAlertRuleWindow(t *testing.T) {
	t.Parallel()

	rule := AlertRule{TimeRangeMinutes: 5}
	if rule.Window() != 5*time.Minute {
		t.Errorf("Window() = %v", rule.Window())
	}
}
