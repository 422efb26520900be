// Package alert evaluates configurable login-burst rules over sliding
// time windows and dispatches deduplicated, cooled-down notifications.
package alert

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/firebot-tibia/firebot-monitor/internal/domain"
)

// loginStaleness bounds how old a "new login" signal may be and still
// count toward a rule. Late-arriving logins replayed by a reconnect or
// snapshot must not retroactively trigger alerts.
const loginStaleness = 3 * time.Minute

var ErrRuleNotFound = errors.New("alert rule not found")

// Dispatcher hands a fired rule to a concrete notification channel.
type Dispatcher interface {
	Notify(channel domain.AlertChannel, message string)
}

// ruleState is the engine's per-rule bookkeeping: the sliding observation
// window, the cooldown clock, and the scheduled post-fire window clear.
type ruleState struct {
	rule         domain.AlertRule
	observations map[string]time.Time
	lastFired    time.Time
	hasFired     bool
	clearAt      time.Time
}

// Engine holds the alert rule set and evaluates it on every roster change.
type Engine struct {
	mu       sync.Mutex
	rules    map[string]*ruleState
	cooldown time.Duration
	dispatch Dispatcher
	onFired  func(domain.AlertFiredEvent)

	nowFn func() time.Time
}

// NewEngine creates an engine. cooldown applies per rule, not globally.
func NewEngine(cooldown time.Duration, dispatch Dispatcher) *Engine {
	if cooldown == 0 {
		cooldown = 30 * time.Second
	}
	return &Engine{
		rules:    make(map[string]*ruleState),
		cooldown: cooldown,
		dispatch: dispatch,
		nowFn:    time.Now,
	}
}

// SetFiredHook registers a callback invoked after every fire, used to
// publish AlertFiredEvent on the bus.
func (e *Engine) SetFiredHook(fn func(domain.AlertFiredEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFired = fn
}

// UpsertRule adds or replaces a rule. Replacing keeps the accumulated
// observation window. Invalid rules are rejected, never clamped.
func (e *Engine) UpsertRule(rule domain.AlertRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.rules[rule.ID]; ok {
		st.rule = rule
		return nil
	}
	e.rules[rule.ID] = &ruleState{
		rule:         rule,
		observations: make(map[string]time.Time),
	}
	return nil
}

// RemoveRule deletes a rule and its accumulated state.
func (e *Engine) RemoveRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[id]; !ok {
		return ErrRuleNotFound
	}
	delete(e.rules, id)
	return nil
}

// SetEnabled toggles a rule. Disabling preserves the observation window;
// re-enabling resumes counting where it left off.
func (e *Engine) SetEnabled(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.rules[id]
	if !ok {
		return ErrRuleNotFound
	}
	st.rule.Enabled = enabled
	return nil
}

// ResetRule explicitly clears a rule's observation window and cooldown.
func (e *Engine) ResetRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.rules[id]
	if !ok {
		return ErrRuleNotFound
	}
	st.observations = make(map[string]time.Time)
	st.hasFired = false
	st.lastFired = time.Time{}
	st.clearAt = time.Time{}
	return nil
}

// Rules returns the configured rule set sorted by creation time.
func (e *Engine) Rules() []domain.AlertRule {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]domain.AlertRule, 0, len(e.rules))
	for _, st := range e.rules {
		out = append(out, st.rule)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ObservationCount returns the current window size for a rule.
func (e *Engine) ObservationCount(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.rules[id]; ok {
		return len(st.observations)
	}
	return 0
}

// OnRosterChange evaluates every enabled rule against the characters that
// just came online. Each rule is independent: its own window, its own
// cooldown.
func (e *Engine) OnRosterChange(newlyLoggedIn []domain.Character) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.nowFn()

	// Drop stale login signals before they reach any window.
	fresh := newlyLoggedIn[:0:0]
	for _, ch := range newlyLoggedIn {
		if ch.OnlineSince == nil {
			continue
		}
		if now.Sub(*ch.OnlineSince) > loginStaleness {
			continue
		}
		fresh = append(fresh, ch)
	}

	for _, st := range e.rules {
		if !st.rule.Enabled {
			continue
		}
		e.evaluate(st, fresh, now)
	}
}

func (e *Engine) evaluate(st *ruleState, fresh []domain.Character, now time.Time) {
	// A fire schedules the window to clear once the rule's time range has
	// elapsed, so one burst doesn't keep re-firing after every cooldown.
	if !st.clearAt.IsZero() && !now.Before(st.clearAt) {
		st.observations = make(map[string]time.Time)
		st.clearAt = time.Time{}
	}

	cutoff := now.Add(-st.rule.Window())
	for name, seen := range st.observations {
		if seen.Before(cutoff) {
			delete(st.observations, name)
		}
	}

	// Upsert keyed by name: a re-login refreshes the timestamp instead of
	// double-counting the character.
	for _, ch := range fresh {
		st.observations[ch.Name] = *ch.OnlineSince
	}

	count := len(st.observations)
	if count < st.rule.Threshold {
		return
	}
	if st.hasFired && now.Sub(st.lastFired) < e.cooldown {
		return
	}

	st.lastFired = now
	st.hasFired = true
	st.clearAt = now.Add(st.rule.Window())

	msg := fmt.Sprintf("%d characters logged in within the last %d minutes", count, st.rule.TimeRangeMinutes)
	if e.dispatch != nil {
		e.dispatch.Notify(st.rule.Channel, msg)
	}
	if e.onFired != nil {
		e.onFired(domain.AlertFiredEvent{
			RuleID:     st.rule.ID,
			Threshold:  st.rule.Threshold,
			LoginCount: count,
			Channel:    st.rule.Channel,
		})
	}
}
