package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MonitorMode selects which side of the war the pipeline tracks.
type MonitorMode string

const (
	ModeEnemy MonitorMode = "enemy"
	ModeAlly  MonitorMode = "ally"
)

// Valid reports whether m is a known monitor mode.
func (m MonitorMode) Valid() bool {
	return m == ModeEnemy || m == ModeAlly
}

// Built-in classification tags. Operators may add custom tags on top;
// anything outside the known set lands in ClassUnclassified.
const (
	ClassMain         = "main"
	ClassBomba        = "bomba"
	ClassMaker        = "maker"
	ClassFracoks      = "fracoks"
	ClassExitados     = "exitados"
	ClassUnclassified = "unclassified"
)

// BuiltinClassifications returns the fixed tag set in display order.
func BuiltinClassifications() []string {
	return []string{ClassMain, ClassBomba, ClassMaker, ClassFracoks, ClassExitados}
}

// Character is one roster entry, keyed by name.
// OnlineSince is non-nil iff Online is true; TimeOnline is empty while offline.
type Character struct {
	Name           string     `json:"name"`
	Vocation       string     `json:"vocation"`
	Level          int        `json:"level"`
	Classification string     `json:"classification,omitempty"`
	Location       string     `json:"location,omitempty"`
	Online         bool       `json:"online"`
	OnlineSince    *time.Time `json:"online_since,omitempty"`
	TimeOnline     string     `json:"time_online,omitempty"`
}

// FormatDuration renders an elapsed duration as HH:MM:SS for the
// time-online column.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

// ParseDuration parses the HH:MM:SS elapsed-time format the feed carries,
// the inverse of FormatDuration. ok is false for anything else.
func ParseDuration(s string) (time.Duration, bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, false
	}
	var total int
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, false
		}
		total = total*60 + n
	}
	return time.Duration(total) * time.Second, true
}

// ClassGroup is one bucket of the grouped roster view.
type ClassGroup struct {
	Classification string      `json:"classification"`
	Members        []Character `json:"members"`
	OnlineCount    int         `json:"online_count"`
}

// DeathEvent is an immutable fact appended to the recent-deaths log.
type DeathEvent struct {
	CharacterName string    `json:"character_name"`
	Killer        string    `json:"killer,omitempty"`
	Level         int       `json:"level"`
	Vocation      string    `json:"vocation,omitempty"`
	City          string    `json:"city,omitempty"`
	Text          string    `json:"text,omitempty"`
	At            time.Time `json:"at"`
}

// LevelEvent records a level change seen on the feed.
type LevelEvent struct {
	CharacterName string    `json:"character_name"`
	OldLevel      int       `json:"old_level"`
	NewLevel      int       `json:"new_level"`
	At            time.Time `json:"at"`
}
