// Package roster owns the canonical in-memory roster for one guild side
// and world, plus the bounded recent-death and level-change logs. The
// reconciler is the single writer; every other component reads copies.
package roster

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/firebot-tibia/firebot-monitor/internal/domain"
	"github.com/firebot-tibia/firebot-monitor/internal/feed"
)

var ErrUnknownCharacter = errors.New("character not in roster")

// Reconciler applies snapshots and deltas to produce the next consistent
// roster state.
type Reconciler struct {
	mu          sync.RWMutex
	characters  map[string]*domain.Character
	onlineCount int

	deaths         []domain.DeathEvent
	levels         []domain.LevelEvent
	deathRetention time.Duration
	levelRetention time.Duration

	customTags []string

	nowFn func() time.Time
}

// New creates an empty reconciler with the given history retention windows.
func New(deathRetention, levelRetention time.Duration) *Reconciler {
	if deathRetention == 0 {
		deathRetention = 24 * time.Hour
	}
	if levelRetention == 0 {
		levelRetention = 24 * time.Hour
	}
	return &Reconciler{
		characters:     make(map[string]*domain.Character),
		deathRetention: deathRetention,
		levelRetention: levelRetention,
		nowFn:          time.Now,
	}
}

// SetCustomTags replaces the operator-added classification tag set.
func (r *Reconciler) SetCustomTags(tags []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.customTags = append([]string(nil), tags...)
}

// ApplyFullSnapshot replaces the roster wholesale. Members absent from the
// snapshot are dropped. OnlineSince is preserved for members that were
// already online, so benign periodic re-snapshots don't flap timestamps.
// Returns the characters that came online with this snapshot.
func (r *Reconciler) ApplyFullSnapshot(members []feed.Member) []domain.Character {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn()
	next := make(map[string]*domain.Character, len(members))
	online := 0
	var newlyOnline []domain.Character

	for _, m := range members {
		if m.Name == "" {
			continue
		}
		prior := r.characters[m.Name]
		ch := &domain.Character{
			Name:     m.Name,
			Vocation: m.Vocation,
			Level:    m.Level,
		}
		if prior != nil {
			ch.Classification = prior.Classification
			ch.Location = prior.Location
		}
		if m.Kind != "" {
			ch.Classification = m.Kind
		}
		if m.Local != "" {
			ch.Location = m.Local
		}

		if m.IsOnline() {
			ch.Online = true
			online++
			if prior != nil && prior.Online && prior.OnlineSince != nil {
				since := *prior.OnlineSince
				ch.OnlineSince = &since
			} else {
				// Backdate by the wire's elapsed time: a member who has
				// been online for hours is not a fresh login, and the
				// staleness filter downstream must be able to tell.
				since := now
				if d, ok := domain.ParseDuration(m.TimeOnline); ok {
					since = now.Add(-d)
				}
				ch.OnlineSince = &since
				newlyOnline = append(newlyOnline, *ch)
			}
			ch.TimeOnline = domain.FormatDuration(now.Sub(*ch.OnlineSince))
		}
		next[m.Name] = ch
	}

	r.characters = next
	r.onlineCount = online
	return newlyOnline
}

// ApplyDelta applies an incremental change set. A repeated logged-in for an
// already-online character is a metadata update and never re-stamps
// OnlineSince. Returns the characters that freshly came online.
func (r *Reconciler) ApplyDelta(changes map[string]feed.MemberChange) []domain.Character {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn()
	var newlyOnline []domain.Character

	for name, change := range changes {
		if name == "" {
			name = change.Member.Name
		}
		if name == "" {
			continue
		}

		ch, ok := r.characters[name]
		if !ok {
			ch = &domain.Character{Name: name}
			r.characters[name] = ch
		}
		mergeMember(ch, change.Member)

		switch change.ChangeType {
		case feed.ChangeLoggedIn:
			if !ch.Online {
				ch.Online = true
				since := now
				if d, ok := domain.ParseDuration(change.Member.TimeOnline); ok {
					since = now.Add(-d)
				}
				ch.OnlineSince = &since
				ch.TimeOnline = domain.FormatDuration(now.Sub(since))
				r.onlineCount++
				newlyOnline = append(newlyOnline, *ch)
			}
		case feed.ChangeLoggedOut:
			if ch.Online {
				r.onlineCount--
			}
			ch.Online = false
			ch.OnlineSince = nil
			ch.TimeOnline = ""
		default:
			// metadata-only update, online state untouched
		}
	}
	return newlyOnline
}

// mergeMember merges non-identity wire fields into a character.
func mergeMember(ch *domain.Character, m feed.Member) {
	if m.Vocation != "" {
		ch.Vocation = m.Vocation
	}
	if m.Level > 0 {
		ch.Level = m.Level
	}
	if m.Kind != "" {
		ch.Classification = m.Kind
	}
	if m.Local != "" {
		ch.Location = m.Local
	}
}

// Tick recomputes TimeOnline for every online character. It is a no-op
// while nobody is online.
func (r *Reconciler) Tick(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.onlineCount == 0 {
		return
	}
	for _, ch := range r.characters {
		if ch.Online && ch.OnlineSince != nil {
			ch.TimeOnline = domain.FormatDuration(now.Sub(*ch.OnlineSince))
		}
	}
}

// RecordDeath appends a death to the recent-deaths log and evicts entries
// older than the retention window. Events without a timestamp are stamped
// at receipt.
func (r *Reconciler) RecordDeath(ev domain.DeathEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn()
	if ev.At.IsZero() {
		ev.At = now
	}
	r.deaths = append(r.deaths, ev)
	r.deaths = evictDeaths(r.deaths, now.Add(-r.deathRetention))
}

// RecordLevelChange appends a level change and keeps the tracked
// character's level current.
func (r *Reconciler) RecordLevelChange(ev domain.LevelEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn()
	if ev.At.IsZero() {
		ev.At = now
	}
	r.levels = append(r.levels, ev)
	r.levels = evictLevels(r.levels, now.Add(-r.levelRetention))

	if ch, ok := r.characters[ev.CharacterName]; ok && ev.NewLevel > 0 {
		ch.Level = ev.NewLevel
	}
}

// Feed timestamps are not guaranteed monotonic, so eviction filters the
// whole log rather than trimming the head.
func evictDeaths(events []domain.DeathEvent, cutoff time.Time) []domain.DeathEvent {
	kept := events[:0]
	for _, ev := range events {
		if !ev.At.Before(cutoff) {
			kept = append(kept, ev)
		}
	}
	return kept
}

func evictLevels(events []domain.LevelEvent, cutoff time.Time) []domain.LevelEvent {
	kept := events[:0]
	for _, ev := range events {
		if !ev.At.Before(cutoff) {
			kept = append(kept, ev)
		}
	}
	return kept
}

// RecentDeaths returns the death log inside the retention window, oldest
// first.
func (r *Reconciler) RecentDeaths() []domain.DeathEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deaths = evictDeaths(r.deaths, r.nowFn().Add(-r.deathRetention))
	return append([]domain.DeathEvent(nil), r.deaths...)
}

// RecentLevelChanges returns the level-change log inside the retention
// window, oldest first.
func (r *Reconciler) RecentLevelChanges() []domain.LevelEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels = evictLevels(r.levels, r.nowFn().Add(-r.levelRetention))
	return append([]domain.LevelEvent(nil), r.levels...)
}

// Get returns a copy of one roster entry.
func (r *Reconciler) Get(name string) (domain.Character, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.characters[name]
	if !ok {
		return domain.Character{}, false
	}
	return *ch, true
}

// Snapshot returns a copy of the roster sorted by name.
func (r *Reconciler) Snapshot() []domain.Character {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Character, 0, len(r.characters))
	for _, ch := range r.characters {
		out = append(out, *ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// OnlineCount returns the number of currently-online characters.
func (r *Reconciler) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onlineCount
}

// SetClassification applies a confirmed classification/location edit.
// Callers must have persisted the edit through the backend first; the
// local mutation happens only after the remote call succeeded.
func (r *Reconciler) SetClassification(name, classification, location string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.characters[name]
	if !ok {
		return ErrUnknownCharacter
	}
	ch.Classification = classification
	if location != "" {
		ch.Location = location
	}
	return nil
}

// GroupByClassification derives the grouped roster view: one bucket per
// known tag (built-in plus custom, in that order) and a trailing
// unclassified bucket for anything outside the known set. The view is
// recomputed on every call, never stored.
func (r *Reconciler) GroupByClassification() []domain.ClassGroup {
	r.mu.RLock()
	defer r.mu.RUnlock()

	known := append(domain.BuiltinClassifications(), r.customTags...)
	index := make(map[string]int, len(known)+1)
	groups := make([]domain.ClassGroup, 0, len(known)+1)
	for _, tag := range known {
		if _, dup := index[tag]; dup {
			continue
		}
		index[tag] = len(groups)
		groups = append(groups, domain.ClassGroup{Classification: tag})
	}
	index[domain.ClassUnclassified] = len(groups)
	groups = append(groups, domain.ClassGroup{Classification: domain.ClassUnclassified})

	for _, ch := range r.characters {
		i, ok := index[ch.Classification]
		if !ok || ch.Classification == "" {
			i = index[domain.ClassUnclassified]
		}
		groups[i].Members = append(groups[i].Members, *ch)
		if ch.Online {
			groups[i].OnlineCount++
		}
	}

	for i := range groups {
		members := groups[i].Members
		sort.Slice(members, func(a, b int) bool { return members[a].Name < members[b].Name })
	}
	return groups
}
