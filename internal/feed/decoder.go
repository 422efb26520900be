package feed

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/firebot-tibia/firebot-monitor/internal/domain"
)

var (
	// ErrMalformedPayload marks a payload that failed to parse. Callers log
	// and drop the single event; the pipeline keeps running.
	ErrMalformedPayload = errors.New("malformed feed payload")
	// ErrUnknownPayload marks a structurally valid payload carrying none of
	// the known envelope keys.
	ErrUnknownPayload = errors.New("unknown feed payload shape")
)

// envelope is the wire shape of one feed event. Each event carries at most
// one of these keys.
type envelope struct {
	Enemy        []Member                `json:"enemy"`
	Ally         []Member                `json:"ally"`
	EnemyChanges map[string]MemberChange `json:"enemy-changes"`
	AllyChanges  map[string]MemberChange `json:"ally-changes"`
	Death        *deathPayload           `json:"death"`
	Level        *levelPayload           `json:"level"`
}

type deathPayload struct {
	Name     string `json:"name"`
	Killer   string `json:"killer"`
	Level    int    `json:"level"`
	Vocation string `json:"vocation"`
	City     string `json:"city"`
	Text     string `json:"text"`
	Date     string `json:"date"`
}

type levelPayload struct {
	Player   string `json:"player"`
	OldLevel int    `json:"old_level"`
	NewLevel int    `json:"new_level"`
}

// Decoder parses feed payloads into typed messages for one monitor mode.
type Decoder struct {
	mode domain.MonitorMode
}

// NewDecoder creates a decoder for the given mode.
func NewDecoder(mode domain.MonitorMode) *Decoder {
	return &Decoder{mode: mode}
}

// Decode parses one event payload. Payloads for the opposite mode are
// accepted as well; the server only ever sends the subscribed side.
func (d *Decoder) Decode(payload []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	switch {
	case env.Enemy != nil:
		return Snapshot{Members: env.Enemy}, nil
	case env.Ally != nil:
		return Snapshot{Members: env.Ally}, nil
	case env.EnemyChanges != nil:
		return Delta{Changes: env.EnemyChanges}, nil
	case env.AllyChanges != nil:
		return Delta{Changes: env.AllyChanges}, nil
	case env.Death != nil:
		return Death{Event: domain.DeathEvent{
			CharacterName: env.Death.Name,
			Killer:        env.Death.Killer,
			Level:         env.Death.Level,
			Vocation:      env.Death.Vocation,
			City:          env.Death.City,
			Text:          env.Death.Text,
			At:            parseEventDate(env.Death.Date),
		}}, nil
	case env.Level != nil:
		return LevelChange{Event: domain.LevelEvent{
			CharacterName: env.Level.Player,
			OldLevel:      env.Level.OldLevel,
			NewLevel:      env.Level.NewLevel,
		}}, nil
	}

	return nil, ErrUnknownPayload
}

// parseEventDate parses the feed's date field. A zero time is returned for
// unparseable dates; the reconciler stamps receipt time in that case.
func parseEventDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
