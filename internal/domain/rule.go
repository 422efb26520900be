package domain

import (
	"errors"
	"fmt"
	"time"
)

// AlertChannel is the notification channel an alert rule dispatches to.
type AlertChannel string

const (
	ChannelSound AlertChannel = "sound"
	ChannelVoice AlertChannel = "voice"
	ChannelToast AlertChannel = "toast"
)

// Valid reports whether c is a known channel.
func (c AlertChannel) Valid() bool {
	return c == ChannelSound || c == ChannelVoice || c == ChannelToast
}

var ErrInvalidRule = errors.New("invalid alert rule")

// AlertRule triggers when at least Threshold distinct characters log in
// within TimeRangeMinutes.
type AlertRule struct {
	ID               string       `json:"id"`
	TimeRangeMinutes int          `json:"time_range_minutes"`
	Threshold        int          `json:"threshold"`
	Enabled          bool         `json:"enabled"`
	Channel          AlertChannel `json:"channel"`
	CreatedAt        time.Time    `json:"created_at"`
}

// Window returns the rule's sliding window as a duration.
func (r AlertRule) Window() time.Duration {
	return time.Duration(r.TimeRangeMinutes) * time.Minute
}

// Validate rejects malformed rules at the configuration boundary.
// A rule that fails validation never enters the running rule set.
func (r AlertRule) Validate() error {
	if r.Threshold <= 0 {
		return fmt.Errorf("%w: threshold must be positive, got %d", ErrInvalidRule, r.Threshold)
	}
	if r.TimeRangeMinutes <= 0 {
		return fmt.Errorf("%w: time range must be positive, got %d", ErrInvalidRule, r.TimeRangeMinutes)
	}
	if !r.Channel.Valid() {
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidRule, r.Channel)
	}
	return nil
}

// LoginObservation is one entry in a rule's sliding window.
type LoginObservation struct {
	CharacterName string    `json:"character_name"`
	ObservedAt    time.Time `json:"observed_at"`
}
