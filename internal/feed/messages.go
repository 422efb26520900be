package feed

import (
	"github.com/firebot-tibia/firebot-monitor/internal/domain"
)

// ChangeType values carried by roster delta events
const (
	ChangeLoggedIn  = "logged-in"
	ChangeLoggedOut = "logged-out"
	ChangeUpdated   = "updated"
)

// Member is a guild member as it appears on the wire.
type Member struct {
	Name         string `json:"Name"`
	Vocation     string `json:"Vocation"`
	Level        int    `json:"Level"`
	Kind         string `json:"Kind,omitempty"`
	Local        string `json:"Local,omitempty"`
	Status       string `json:"Status,omitempty"`
	OnlineStatus bool   `json:"OnlineStatus"`
	TimeOnline   string `json:"TimeOnline,omitempty"`
}

// IsOnline reports the member's online state; older feed versions carry it
// in Status instead of OnlineStatus.
func (m Member) IsOnline() bool {
	return m.OnlineStatus || m.Status == "online"
}

// MemberChange is one entry of a roster delta.
type MemberChange struct {
	ChangeType string `json:"ChangeType"`
	Member     Member `json:"Member"`
}

// Message is the closed set of decoded feed messages.
type Message interface {
	feedMessage()
}

// Snapshot is a full roster snapshot; it is authoritative and supersedes
// all state accumulated from earlier deltas.
type Snapshot struct {
	Members []Member
}

// Delta is an incremental roster change set, keyed by character name.
type Delta struct {
	Changes map[string]MemberChange
}

// Death is a death fact from the feed.
type Death struct {
	Event domain.DeathEvent
}

// LevelChange is a level-change fact from the feed.
type LevelChange struct {
	Event domain.LevelEvent
}

func (Snapshot) feedMessage()    {}
func (Delta) feedMessage()       {}
func (Death) feedMessage()       {}
func (LevelChange) feedMessage() {}
