package alert

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/firebot-tibia/firebot-monitor/internal/domain"
	"github.com/firebot-tibia/firebot-monitor/internal/feed"
	"github.com/firebot-tibia/firebot-monitor/internal/roster"
)

// recordingDispatcher captures every Notify call.
type recordingDispatcher struct {
	mu       sync.Mutex
	channels []domain.AlertChannel
	messages []string
}

func (d *recordingDispatcher) Notify(channel domain.AlertChannel, message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels = append(d.channels, channel)
	d.messages = append(d.messages, message)
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.messages)
}

func testRule(id string, minutes, threshold int) domain.AlertRule {
	return domain.AlertRule{
		ID:               id,
		TimeRangeMinutes: minutes,
		Threshold:        threshold,
		Enabled:          true,
		Channel:          domain.ChannelSound,
		CreatedAt:        time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC),
	}
}

func newTestEngine(cooldown time.Duration) (*Engine, *recordingDispatcher, *fixedClock) {
	dispatch := &recordingDispatcher{}
	clock := &fixedClock{now: time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)}
	e := NewEngine(cooldown, dispatch)
	e.nowFn = clock.Now
	return e, dispatch, clock
}

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

func (c *fixedClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// login builds a character that just came online at the clock's now.
func login(name string, at time.Time) domain.Character {
	return domain.Character{Name: name, Online: true, OnlineSince: &at}
}

func TestFiresAtThreshold(t *testing.T) {
	e, dispatch, clock := newTestEngine(30 * time.Second)
	if err := e.UpsertRule(testRule("r1", 5, 3)); err != nil {
		t.Fatalf("UpsertRule: %v", err)
	}

	e.OnRosterChange([]domain.Character{login("A", clock.Now())})
	e.OnRosterChange([]domain.Character{login("B", clock.Now())})
	if dispatch.count() != 0 {
		t.Fatalf("fired below threshold: %d dispatches", dispatch.count())
	}

	e.OnRosterChange([]domain.Character{login("C", clock.Now())})
	if dispatch.count() != 1 {
		t.Fatalf("expected 1 dispatch at threshold, got %d", dispatch.count())
	}
	if dispatch.messages[0] != "3 characters logged in within the last 5 minutes" {
		t.Errorf("unexpected message: %q", dispatch.messages[0])
	}
	if dispatch.channels[0] != domain.ChannelSound {
		t.Errorf("unexpected channel: %q", dispatch.channels[0])
	}
}

// A cold-start snapshot replays members who have been online for hours as
// "newly online". Their backdated OnlineSince must keep them out of every
// rule window, or the first snapshot after a restart fires spuriously.
func TestColdStartSnapshotDoesNotFire(t *testing.T) {
	dispatch := &recordingDispatcher{}
	e := NewEngine(30*time.Second, dispatch)
	if err := e.UpsertRule(testRule("r1", 5, 3)); err != nil {
		t.Fatalf("UpsertRule: %v", err)
	}

	r := roster.New(0, 0)
	newly := r.ApplyFullSnapshot([]feed.Member{
		{Name: "Kharsek", OnlineStatus: true, TimeOnline: "02:00:00"},
		{Name: "Bubble", OnlineStatus: true, TimeOnline: "02:30:00"},
		{Name: "Cachero", OnlineStatus: true, TimeOnline: "03:00:00"},
	})
	if len(newly) != 3 {
		t.Fatalf("expected 3 newly-online members, got %d", len(newly))
	}

	e.OnRosterChange(newly)
	if n := dispatch.count(); n != 0 {
		t.Fatalf("cold-start snapshot of long-online members fired %d alert(s)", n)
	}

	// A real fresh login burst on top of the snapshot still fires.
	r2 := roster.New(0, 0)
	fresh := r2.ApplyFullSnapshot([]feed.Member{
		{Name: "Ek One", OnlineStatus: true, TimeOnline: "00:00:01"},
		{Name: "Ek Two", OnlineStatus: true, TimeOnline: "00:00:02"},
		{Name: "Ek Three", OnlineStatus: true, TimeOnline: "00:00:03"},
	})
	e.OnRosterChange(fresh)
	if n := dispatch.count(); n != 1 {
		t.Fatalf("fresh login burst should fire once, got %d", n)
	}
}

func TestWindowEviction(t *testing.T) {
	e, dispatch, clock := newTestEngine(30 * time.Second)
	e.UpsertRule(testRule("r1", 5, 3))

	e.OnRosterChange([]domain.Character{login("A", clock.Now()), login("B", clock.Now())})

	// A and B age out of the 5 minute window before C logs in.
	clock.Advance(6 * time.Minute)
	e.OnRosterChange([]domain.Character{login("C", clock.Now())})

	if dispatch.count() != 0 {
		t.Errorf("fired on evicted observations: %d dispatches", dispatch.count())
	}
	if n := e.ObservationCount("r1"); n != 1 {
		t.Errorf("expected 1 observation after eviction, got %d", n)
	}
}

func TestRelogDoesNotDoubleCount(t *testing.T) {
	e, dispatch, clock := newTestEngine(30 * time.Second)
	e.UpsertRule(testRule("r1", 5, 3))

	e.OnRosterChange([]domain.Character{login("A", clock.Now())})
	clock.Advance(time.Minute)
	e.OnRosterChange([]domain.Character{login("A", clock.Now())})
	clock.Advance(time.Minute)
	e.OnRosterChange([]domain.Character{login("B", clock.Now())})

	if dispatch.count() != 0 {
		t.Errorf("re-login double-counted: %d dispatches", dispatch.count())
	}
	if n := e.ObservationCount("r1"); n != 2 {
		t.Errorf("expected 2 distinct observations, got %d", n)
	}
}

func TestCooldownSuppressesRefire(t *testing.T) {
	e, dispatch, clock := newTestEngine(time.Minute)
	e.UpsertRule(testRule("r1", 10, 2))

	e.OnRosterChange([]domain.Character{login("A", clock.Now()), login("B", clock.Now())})
	if dispatch.count() != 1 {
		t.Fatalf("expected initial fire, got %d", dispatch.count())
	}

	// Another login inside the cooldown: threshold still met, no re-fire.
	clock.Advance(10 * time.Second)
	e.OnRosterChange([]domain.Character{login("C", clock.Now())})
	if dispatch.count() != 1 {
		t.Errorf("re-fired inside cooldown: %d dispatches", dispatch.count())
	}
}

func TestRefiresAfterCooldownWithNewActivity(t *testing.T) {
	e, dispatch, clock := newTestEngine(time.Minute)
	e.UpsertRule(testRule("r1", 10, 2))

	e.OnRosterChange([]domain.Character{login("A", clock.Now()), login("B", clock.Now())})

	// Past the cooldown but inside the window: fresh logins keep the count
	// over threshold, so the rule may fire again.
	clock.Advance(2 * time.Minute)
	e.OnRosterChange([]domain.Character{login("C", clock.Now()), login("D", clock.Now())})

	if dispatch.count() != 2 {
		t.Errorf("expected re-fire after cooldown, got %d dispatches", dispatch.count())
	}
}

func TestWindowClearsAfterFire(t *testing.T) {
	e, dispatch, clock := newTestEngine(time.Second)
	e.UpsertRule(testRule("r1", 5, 2))

	e.OnRosterChange([]domain.Character{login("A", clock.Now()), login("B", clock.Now())})
	if dispatch.count() != 1 {
		t.Fatalf("expected fire, got %d", dispatch.count())
	}

	// After the rule's window has elapsed since the fire, the old burst is
	// cleared: a single new login starts from zero.
	clock.Advance(6 * time.Minute)
	e.OnRosterChange([]domain.Character{login("C", clock.Now())})

	if dispatch.count() != 1 {
		t.Errorf("old burst leaked into the new window: %d dispatches", dispatch.count())
	}
	if n := e.ObservationCount("r1"); n != 1 {
		t.Errorf("expected fresh window with 1 observation, got %d", n)
	}
}

func TestStaleLoginsIgnored(t *testing.T) {
	e, dispatch, clock := newTestEngine(30 * time.Second)
	e.UpsertRule(testRule("r1", 5, 2))

	// A reconnect replays logins whose OnlineSince is old news.
	stale := clock.Now().Add(-10 * time.Minute)
	e.OnRosterChange([]domain.Character{login("A", stale), login("B", stale)})

	if dispatch.count() != 0 {
		t.Errorf("stale logins triggered an alert: %d dispatches", dispatch.count())
	}
	if n := e.ObservationCount("r1"); n != 0 {
		t.Errorf("stale logins entered the window: %d observations", n)
	}
}

func TestLoginsWithoutTimestampIgnored(t *testing.T) {
	e, dispatch, _ := newTestEngine(30 * time.Second)
	e.UpsertRule(testRule("r1", 5, 1))

	e.OnRosterChange([]domain.Character{{Name: "A", Online: true}})

	if dispatch.count() != 0 {
		t.Errorf("login without OnlineSince counted: %d dispatches", dispatch.count())
	}
}

func TestRulesAreIndependent(t *testing.T) {
	e, dispatch, clock := newTestEngine(30 * time.Second)
	e.UpsertRule(testRule("small", 5, 2))
	e.UpsertRule(testRule("big", 5, 10))

	e.OnRosterChange([]domain.Character{login("A", clock.Now()), login("B", clock.Now())})

	if dispatch.count() != 1 {
		t.Errorf("expected only the small rule to fire, got %d dispatches", dispatch.count())
	}
	if n := e.ObservationCount("big"); n != 2 {
		t.Errorf("big rule window should still accumulate: %d", n)
	}
}

func TestInvalidRuleRejected(t *testing.T) {
	e, _, _ := newTestEngine(30 * time.Second)

	cases := []domain.AlertRule{
		{ID: "a", TimeRangeMinutes: 5, Threshold: 0, Channel: domain.ChannelSound},
		{ID: "b", TimeRangeMinutes: 0, Threshold: 3, Channel: domain.ChannelSound},
		{ID: "c", TimeRangeMinutes: 5, Threshold: 3, Channel: "smoke-signal"},
	}
	for _, rule := range cases {
		if err := e.UpsertRule(rule); !errors.Is(err, domain.ErrInvalidRule) {
			t.Errorf("rule %q: expected ErrInvalidRule, got %v", rule.ID, err)
		}
	}
	if len(e.Rules()) != 0 {
		t.Errorf("invalid rules entered the rule set: %d", len(e.Rules()))
	}
}

func TestUpsertKeepsObservations(t *testing.T) {
	e, _, clock := newTestEngine(30 * time.Second)
	e.UpsertRule(testRule("r1", 5, 5))

	e.OnRosterChange([]domain.Character{login("A", clock.Now()), login("B", clock.Now())})

	updated := testRule("r1", 10, 4)
	if err := e.UpsertRule(updated); err != nil {
		t.Fatalf("UpsertRule: %v", err)
	}
	if n := e.ObservationCount("r1"); n != 2 {
		t.Errorf("replacing a rule dropped its window: %d observations", n)
	}
}

func TestDisablePreservesObservations(t *testing.T) {
	e, dispatch, clock := newTestEngine(30 * time.Second)
	e.UpsertRule(testRule("r1", 5, 3))

	e.OnRosterChange([]domain.Character{login("A", clock.Now()), login("B", clock.Now())})

	if err := e.SetEnabled("r1", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	e.OnRosterChange([]domain.Character{login("C", clock.Now())})
	if dispatch.count() != 0 {
		t.Errorf("disabled rule fired: %d dispatches", dispatch.count())
	}

	// Re-enabling resumes counting where it left off.
	if err := e.SetEnabled("r1", true); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	e.OnRosterChange([]domain.Character{login("D", clock.Now())})
	if dispatch.count() != 1 {
		t.Errorf("expected fire after re-enable, got %d", dispatch.count())
	}
}

func TestResetRule(t *testing.T) {
	e, dispatch, clock := newTestEngine(time.Hour)
	e.UpsertRule(testRule("r1", 5, 2))

	e.OnRosterChange([]domain.Character{login("A", clock.Now()), login("B", clock.Now())})
	if dispatch.count() != 1 {
		t.Fatalf("expected fire, got %d", dispatch.count())
	}

	if err := e.ResetRule("r1"); err != nil {
		t.Fatalf("ResetRule: %v", err)
	}
	if n := e.ObservationCount("r1"); n != 0 {
		t.Errorf("reset kept observations: %d", n)
	}

	// Reset also clears the cooldown: a fresh burst fires immediately.
	e.OnRosterChange([]domain.Character{login("C", clock.Now()), login("D", clock.Now())})
	if dispatch.count() != 2 {
		t.Errorf("expected fire after reset, got %d", dispatch.count())
	}
}

func TestRuleNotFoundErrors(t *testing.T) {
	e, _, _ := newTestEngine(30 * time.Second)

	if err := e.RemoveRule("missing"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("RemoveRule: expected ErrRuleNotFound, got %v", err)
	}
	if err := e.SetEnabled("missing", true); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("SetEnabled: expected ErrRuleNotFound, got %v", err)
	}
	if err := e.ResetRule("missing"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("ResetRule: expected ErrRuleNotFound, got %v", err)
	}
}

func TestFiredHook(t *testing.T) {
	e, _, clock := newTestEngine(30 * time.Second)
	e.UpsertRule(testRule("r1", 5, 2))

	var fired []domain.AlertFiredEvent
	e.SetFiredHook(func(ev domain.AlertFiredEvent) {
		fired = append(fired, ev)
	})

	e.OnRosterChange([]domain.Character{login("A", clock.Now()), login("B", clock.Now())})

	if len(fired) != 1 {
		t.Fatalf("expected 1 hook invocation, got %d", len(fired))
	}
	ev := fired[0]
	if ev.RuleID != "r1" || ev.Threshold != 2 || ev.LoginCount != 2 || ev.Channel != domain.ChannelSound {
		t.Errorf("unexpected fired event: %+v", ev)
	}
}
