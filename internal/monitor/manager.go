// Package monitor wires the real-time pipeline together: feed messages
// flow through the roster reconciler into the alert engine, and every
// state change is published for the dashboard to observe.
package monitor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/firebot-tibia/firebot-monitor/internal/alert"
	"github.com/firebot-tibia/firebot-monitor/internal/backend"
	"github.com/firebot-tibia/firebot-monitor/internal/config"
	"github.com/firebot-tibia/firebot-monitor/internal/credential"
	"github.com/firebot-tibia/firebot-monitor/internal/domain"
	"github.com/firebot-tibia/firebot-monitor/internal/feed"
	"github.com/firebot-tibia/firebot-monitor/internal/roster"
	"github.com/firebot-tibia/firebot-monitor/internal/storage"
)

// Publisher fans pipeline events out to observers.
type Publisher interface {
	Publish(ev domain.Event) error
}

// Manager orchestrates the event pipeline for one (mode, world) target.
type Manager struct {
	cfg        *config.Config
	store      *storage.Store
	creds      *credential.Provider
	backend    *backend.Client
	pub        Publisher
	reconciler *roster.Reconciler
	engine     *alert.Engine
	notifier   *alert.Notifier
	client     *feed.Client

	soundAllowed atomic.Bool

	mu     sync.RWMutex
	mode   domain.MonitorMode
	world  string
	status feed.Status

	done chan struct{}
	wg   sync.WaitGroup
}

// NewManager creates the pipeline. pub may be nil when no observer bus is
// wanted (tests).
func NewManager(cfg *config.Config, store *storage.Store, creds *credential.Provider, bc *backend.Client, pub Publisher) *Manager {
	m := &Manager{
		cfg:        cfg,
		store:      store,
		creds:      creds,
		backend:    bc,
		pub:        pub,
		reconciler: roster.New(cfg.Monitor.DeathRetention, cfg.Monitor.LevelRetention),
		mode:       cfg.Monitor.Mode,
		world:      cfg.Monitor.World,
		status:     feed.StatusDisconnected,
		done:       make(chan struct{}),
	}

	m.notifier = alert.NewNotifier(cfg.Alerts.DebounceWindow, m.soundAllowed.Load)
	m.notifier.SetSink(domain.ChannelSound, alert.NewSoundSink(cfg.Alerts.SoundFile))
	m.notifier.SetSink(domain.ChannelVoice, alert.NewVoiceSink())
	m.notifier.SetSink(domain.ChannelToast, alert.NewToastSink())

	m.engine = alert.NewEngine(cfg.Alerts.Cooldown, m.notifier)
	m.engine.SetFiredHook(func(ev domain.AlertFiredEvent) {
		m.publish(domain.EventAlertFired, ev)
	})

	m.client = feed.NewClient(cfg.Feed, creds)
	return m
}

// Roster exposes the reconciler for read access.
func (m *Manager) Roster() *roster.Reconciler { return m.reconciler }

// Start restores persisted state and connects to the feed.
func (m *Manager) Start(ctx context.Context) error {
	// Restore operator preferences and histories from the local store; a
	// cold start with an empty database yields the config defaults.
	tags, err := m.store.ListCustomTags(ctx)
	if err != nil {
		return fmt.Errorf("loading custom tags: %w", err)
	}
	m.reconciler.SetCustomTags(tags)

	rules, err := m.store.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("loading alert rules: %w", err)
	}
	for _, rule := range rules {
		if err := m.engine.UpsertRule(rule); err != nil {
			log.Printf("Monitor: skipping persisted rule %s: %v", rule.ID, err)
		}
	}

	granted, err := m.store.SoundPermission(ctx)
	if err != nil {
		return fmt.Errorf("loading sound permission: %w", err)
	}
	m.soundAllowed.Store(granted)

	mode, world, err := m.store.MonitorTarget(ctx)
	if err != nil {
		return fmt.Errorf("loading monitor target: %w", err)
	}
	if mode.Valid() {
		m.mode = mode
	}
	if world != "" {
		m.world = world
	}
	if m.world == "" {
		return fmt.Errorf("no world configured")
	}

	now := time.Now()
	deaths, err := m.store.RecentDeaths(ctx, now.Add(-m.cfg.Monitor.DeathRetention))
	if err != nil {
		return fmt.Errorf("loading recent deaths: %w", err)
	}
	for _, ev := range deaths {
		m.reconciler.RecordDeath(ev)
	}
	levels, err := m.store.RecentLevelChanges(ctx, now.Add(-m.cfg.Monitor.LevelRetention))
	if err != nil {
		return fmt.Errorf("loading recent level changes: %w", err)
	}
	for _, ev := range levels {
		m.reconciler.RecordLevelChange(ev)
	}

	if err := m.client.SetTarget(m.mode, m.world); err != nil {
		return fmt.Errorf("connecting to feed: %w", err)
	}

	m.wg.Add(1)
	go m.runPipeline()
	m.wg.Add(1)
	go m.tickLoop()
	m.wg.Add(1)
	go m.pruneLoop()

	log.Printf("Monitor: started for %s/%s (%d rules, %d custom tags)", m.mode, m.world, len(rules), len(tags))
	return nil
}

// Stop tears down the feed connection and every timer the pipeline owns.
func (m *Manager) Stop() {
	log.Println("Monitor: stopping...")
	close(m.done)
	m.client.Close()
	m.notifier.Close()
	m.wg.Wait()
	log.Println("Monitor: shutdown complete")
}

// runPipeline is the single consumer of the feed channels. Messages are
// applied strictly in arrival order; the reconciler never reorders.
func (m *Manager) runPipeline() {
	defer m.wg.Done()

	for {
		select {
		case <-m.done:
			return
		case msg := <-m.client.Messages():
			m.handleMessage(msg)
		case st := <-m.client.Statuses():
			m.setStatus(st)
		}
	}
}

func (m *Manager) handleMessage(msg feed.Message) {
	switch v := msg.(type) {
	case feed.Snapshot:
		newly := m.reconciler.ApplyFullSnapshot(v.Members)
		m.publish(domain.EventRosterSnapshot, domain.RosterSnapshotEvent{
			MemberCount: len(v.Members),
			OnlineCount: m.reconciler.OnlineCount(),
		})
		m.announceLogins(newly)

	case feed.Delta:
		newly := m.reconciler.ApplyDelta(v.Changes)
		for name, change := range v.Changes {
			switch change.ChangeType {
			case feed.ChangeLoggedOut:
				m.publish(domain.EventCharacterLogout, domain.CharacterLogoutEvent{CharacterName: name})
			case feed.ChangeLoggedIn:
				// announced below from the reconciler's view
			default:
				if ch, ok := m.reconciler.Get(name); ok {
					m.publish(domain.EventCharacterUpdate, domain.CharacterUpdateEvent{Character: ch})
				}
			}
		}
		m.announceLogins(newly)

	case feed.Death:
		m.reconciler.RecordDeath(v.Event)
		if err := m.store.RecordDeath(context.Background(), v.Event); err != nil {
			log.Printf("Monitor: persisting death: %v", err)
		}
		m.publish(domain.EventDeath, v.Event)

	case feed.LevelChange:
		m.reconciler.RecordLevelChange(v.Event)
		if err := m.store.RecordLevelChange(context.Background(), v.Event); err != nil {
			log.Printf("Monitor: persisting level change: %v", err)
		}
		m.publish(domain.EventLevelChange, v.Event)
	}
}

// announceLogins feeds fresh logins to the alert engine and the bus.
func (m *Manager) announceLogins(newly []domain.Character) {
	for _, ch := range newly {
		m.publish(domain.EventCharacterLogin, domain.CharacterLoginEvent{Character: ch})
	}
	if len(newly) > 0 {
		m.engine.OnRosterChange(newly)
	}
}

// tickLoop keeps elapsed-time displays live between feed events.
func (m *Manager) tickLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Monitor.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			m.reconciler.Tick(now)
		}
	}
}

// pruneLoop drops persisted history that aged out of retention.
func (m *Manager) pruneLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := m.store.PruneDeaths(ctx, now.Add(-m.cfg.Monitor.DeathRetention)); err != nil {
				log.Printf("Monitor: pruning deaths: %v", err)
			}
			if err := m.store.PruneLevelChanges(ctx, now.Add(-m.cfg.Monitor.LevelRetention)); err != nil {
				log.Printf("Monitor: pruning level changes: %v", err)
			}
			cancel()
		}
	}
}

func (m *Manager) setStatus(st feed.Status) {
	m.mu.Lock()
	m.status = st
	m.mu.Unlock()

	m.publish(domain.EventFeedStatus, domain.FeedStatusEvent{Status: string(st)})
	if st.Terminal() {
		log.Printf("Monitor: feed entered terminal state %q, operator action required", st)
	}
}

// Status returns the current connection status and target.
func (m *Manager) Status() (feed.Status, domain.MonitorMode, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.mode, m.world
}

// SetTarget switches the monitored (mode, world). The old connection is
// cancelled before the new one opens; the selection is persisted.
func (m *Manager) SetTarget(ctx context.Context, mode domain.MonitorMode, world string) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid monitor mode %q", mode)
	}
	if world == "" {
		return fmt.Errorf("world must not be empty")
	}

	if err := m.store.SetMonitorTarget(ctx, mode, world); err != nil {
		return fmt.Errorf("persisting monitor target: %w", err)
	}
	if err := m.client.SetTarget(mode, world); err != nil {
		return err
	}

	m.mu.Lock()
	m.mode = mode
	m.world = world
	m.mu.Unlock()
	log.Printf("Monitor: switched to %s/%s", mode, world)
	return nil
}

// UpdateClassification persists a classification/location edit through
// the backend, then applies it locally. A failed remote call leaves the
// roster untouched and surfaces the error to the caller.
func (m *Manager) UpdateClassification(ctx context.Context, name, classification, location string) error {
	ch, ok := m.reconciler.Get(name)
	if !ok {
		return roster.ErrUnknownCharacter
	}
	ch.Classification = classification
	if location != "" {
		ch.Location = location
	}

	token, err := m.creds.Token(ctx)
	if err != nil {
		return err
	}
	if err := m.backend.UpsertPlayer(ctx, token, ch); err != nil {
		return err
	}

	if err := m.reconciler.SetClassification(name, classification, location); err != nil {
		return err
	}
	if updated, ok := m.reconciler.Get(name); ok {
		m.publish(domain.EventCharacterUpdate, domain.CharacterUpdateEvent{Character: updated})
	}
	return nil
}

// AddCustomTag registers an operator-added classification tag.
func (m *Manager) AddCustomTag(ctx context.Context, tag string) error {
	if tag == "" {
		return fmt.Errorf("tag must not be empty")
	}
	if err := m.store.AddCustomTag(ctx, tag); err != nil {
		return err
	}
	tags, err := m.store.ListCustomTags(ctx)
	if err != nil {
		return err
	}
	m.reconciler.SetCustomTags(tags)
	return nil
}

// CustomTags returns the operator-added tag set.
func (m *Manager) CustomTags(ctx context.Context) ([]string, error) {
	return m.store.ListCustomTags(ctx)
}

// CreateRule validates, persists, and activates an alert rule.
func (m *Manager) CreateRule(ctx context.Context, rule domain.AlertRule) (domain.AlertRule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}
	if err := m.engine.UpsertRule(rule); err != nil {
		return domain.AlertRule{}, err
	}
	if err := m.store.UpsertRule(ctx, rule); err != nil {
		m.engine.RemoveRule(rule.ID)
		return domain.AlertRule{}, fmt.Errorf("persisting rule: %w", err)
	}
	return rule, nil
}

// DeleteRule removes an alert rule everywhere.
func (m *Manager) DeleteRule(ctx context.Context, id string) error {
	if err := m.engine.RemoveRule(id); err != nil {
		return err
	}
	return m.store.DeleteRule(ctx, id)
}

// SetRuleEnabled toggles a rule without discarding its observations.
func (m *Manager) SetRuleEnabled(ctx context.Context, id string, enabled bool) error {
	if err := m.engine.SetEnabled(id, enabled); err != nil {
		return err
	}
	return m.store.SetRuleEnabled(ctx, id, enabled)
}

// ResetRule clears a rule's accumulated observation window.
func (m *Manager) ResetRule(id string) error {
	return m.engine.ResetRule(id)
}

// Rules returns the active rule set.
func (m *Manager) Rules() []domain.AlertRule {
	return m.engine.Rules()
}

// SetSoundPermission persists the capability gate for audible alerts.
func (m *Manager) SetSoundPermission(ctx context.Context, granted bool) error {
	if err := m.store.SetSoundPermission(ctx, granted); err != nil {
		return err
	}
	m.soundAllowed.Store(granted)
	return nil
}

// SoundPermission reports whether audible alerts are allowed.
func (m *Manager) SoundPermission() bool {
	return m.soundAllowed.Load()
}

func (m *Manager) publish(eventType string, data interface{}) {
	if m.pub == nil {
		return
	}
	m.mu.RLock()
	mode, world := m.mode, m.world
	m.mu.RUnlock()

	ev := domain.Event{
		Type:      eventType,
		Mode:      mode,
		World:     world,
		Timestamp: time.Now(),
		Data:      data,
	}
	if err := m.pub.Publish(ev); err != nil {
		log.Printf("Monitor: publishing %s event: %v", eventType, err)
	}
}
