package domain

import "time"

// Event types published on the bus for WebSocket fan-out
const (
	EventRosterSnapshot  = "roster_snapshot"
	EventCharacterLogin  = "character_login"
	EventCharacterLogout = "character_logout"
	EventCharacterUpdate = "character_update"
	EventDeath           = "death"
	EventLevelChange     = "level_change"
	EventAlertFired      = "alert_fired"
	EventFeedStatus      = "feed_status"
)

// Event represents a real-time event for bus publication and
// WebSocket broadcast.
type Event struct {
	Type      string      `json:"event"`
	Mode      MonitorMode `json:"mode"`
	World     string      `json:"world"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// RosterSnapshotEvent is sent after a full snapshot has been reconciled.
type RosterSnapshotEvent struct {
	MemberCount int `json:"member_count"`
	OnlineCount int `json:"online_count"`
}

// CharacterLoginEvent is sent when a character comes online.
type CharacterLoginEvent struct {
	Character Character `json:"character"`
}

// CharacterLogoutEvent is sent when a character goes offline.
type CharacterLogoutEvent struct {
	CharacterName string `json:"character_name"`
}

// CharacterUpdateEvent is sent when a character's metadata changes.
type CharacterUpdateEvent struct {
	Character Character `json:"character"`
}

// AlertFiredEvent is sent when an alert rule's threshold is met.
type AlertFiredEvent struct {
	RuleID     string       `json:"rule_id"`
	Threshold  int          `json:"threshold"`
	LoginCount int          `json:"login_count"`
	Channel    AlertChannel `json:"channel"`
}

// FeedStatusEvent is sent when the stream connection changes state.
type FeedStatusEvent struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}
