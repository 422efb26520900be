// Package storage persists the monitor's client-side state in SQLite:
// alert rules, settings (tokens, sound permission, selected mode/world),
// custom classification tags, and the recent death/level history.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/firebot-tibia/firebot-monitor/internal/domain"
	_ "modernc.org/sqlite"
)

// Settings keys
const (
	KeyAccessToken     = "access_token"
	KeyRefreshToken    = "refresh_token"
	KeySoundPermission = "sound_permission"
	KeyMonitorMode     = "monitor_mode"
	KeyMonitorWorld    = "monitor_world"
)

// formatTimestamp converts time.Time to SQLite-compatible UTC ISO8601
// string. The Z suffix ensures the driver parses it back as UTC.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

//go:embed schema.sql
var schema string

// Store provides database access
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting pragmas: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Settings ---

// GetSetting returns a setting value, or "" when unset. A cold start with
// an empty database is normal, never an error.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetSetting upserts a setting value
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, formatTimestamp(time.Now()))
	return err
}

// SaveTokens persists the session token pair
func (s *Store) SaveTokens(ctx context.Context, access, refresh string) error {
	if err := s.SetSetting(ctx, KeyAccessToken, access); err != nil {
		return err
	}
	return s.SetSetting(ctx, KeyRefreshToken, refresh)
}

// LoadTokens returns the persisted token pair, empty strings on cold start
func (s *Store) LoadTokens(ctx context.Context) (access, refresh string, err error) {
	if access, err = s.GetSetting(ctx, KeyAccessToken); err != nil {
		return "", "", err
	}
	refresh, err = s.GetSetting(ctx, KeyRefreshToken)
	return access, refresh, err
}

// SoundPermission returns the persisted sound-permission flag
func (s *Store) SoundPermission(ctx context.Context) (bool, error) {
	v, err := s.GetSetting(ctx, KeySoundPermission)
	return v == "granted", err
}

// SetSoundPermission persists the sound-permission flag
func (s *Store) SetSoundPermission(ctx context.Context, granted bool) error {
	v := "denied"
	if granted {
		v = "granted"
	}
	return s.SetSetting(ctx, KeySoundPermission, v)
}

// MonitorTarget returns the persisted (mode, world) selection; empty
// values mean the config defaults apply.
func (s *Store) MonitorTarget(ctx context.Context) (domain.MonitorMode, string, error) {
	mode, err := s.GetSetting(ctx, KeyMonitorMode)
	if err != nil {
		return "", "", err
	}
	world, err := s.GetSetting(ctx, KeyMonitorWorld)
	return domain.MonitorMode(mode), world, err
}

// SetMonitorTarget persists the (mode, world) selection
func (s *Store) SetMonitorTarget(ctx context.Context, mode domain.MonitorMode, world string) error {
	if err := s.SetSetting(ctx, KeyMonitorMode, string(mode)); err != nil {
		return err
	}
	return s.SetSetting(ctx, KeyMonitorWorld, world)
}

// --- Alert rules ---

// UpsertRule creates or updates an alert rule
func (s *Store) UpsertRule(ctx context.Context, rule domain.AlertRule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_rules (id, time_range_minutes, threshold, enabled, channel, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			time_range_minutes = excluded.time_range_minutes,
			threshold = excluded.threshold,
			enabled = excluded.enabled,
			channel = excluded.channel
	`, rule.ID, rule.TimeRangeMinutes, rule.Threshold, rule.Enabled, string(rule.Channel), formatTimestamp(rule.CreatedAt))
	return err
}

// DeleteRule removes an alert rule
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM alert_rules WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetRuleEnabled toggles an alert rule
func (s *Store) SetRuleEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, "UPDATE alert_rules SET enabled = ? WHERE id = ?", enabled, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListRules returns all alert rules in creation order
func (s *Store) ListRules(ctx context.Context) ([]domain.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, time_range_minutes, threshold, enabled, channel, created_at
		FROM alert_rules ORDER BY created_at, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []domain.AlertRule
	for rows.Next() {
		var r domain.AlertRule
		var channel string
		if err := rows.Scan(&r.ID, &r.TimeRangeMinutes, &r.Threshold, &r.Enabled, &channel, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Channel = domain.AlertChannel(channel)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// --- Custom classification tags ---

// AddCustomTag records an operator-added classification tag
func (s *Store) AddCustomTag(ctx context.Context, tag string) error {
	_, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO custom_tags (tag) VALUES (?)", tag)
	return err
}

// ListCustomTags returns all operator-added tags
func (s *Store) ListCustomTags(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT tag FROM custom_tags ORDER BY created_at, tag")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// --- Death / level history ---

// RecordDeath appends a death event
func (s *Store) RecordDeath(ctx context.Context, ev domain.DeathEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deaths (character_name, killer, level, vocation, city, text, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.CharacterName, ev.Killer, ev.Level, ev.Vocation, ev.City, ev.Text, formatTimestamp(ev.At))
	return err
}

// RecentDeaths returns deaths at or after since, oldest first
func (s *Store) RecentDeaths(ctx context.Context, since time.Time) ([]domain.DeathEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT character_name, killer, level, vocation, city, text, at
		FROM deaths WHERE at >= ? ORDER BY at, id
	`, formatTimestamp(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.DeathEvent
	for rows.Next() {
		var ev domain.DeathEvent
		var killer, vocation, city, text sql.NullString
		if err := rows.Scan(&ev.CharacterName, &killer, &ev.Level, &vocation, &city, &text, &ev.At); err != nil {
			return nil, err
		}
		ev.Killer = killer.String
		ev.Vocation = vocation.String
		ev.City = city.String
		ev.Text = text.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PruneDeaths drops deaths older than cutoff
func (s *Store) PruneDeaths(ctx context.Context, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM deaths WHERE at < ?", formatTimestamp(cutoff))
	return err
}

// RecordLevelChange appends a level-change event
func (s *Store) RecordLevelChange(ctx context.Context, ev domain.LevelEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO level_changes (character_name, old_level, new_level, at)
		VALUES (?, ?, ?, ?)
	`, ev.CharacterName, ev.OldLevel, ev.NewLevel, formatTimestamp(ev.At))
	return err
}

// RecentLevelChanges returns level changes at or after since, oldest first
func (s *Store) RecentLevelChanges(ctx context.Context, since time.Time) ([]domain.LevelEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT character_name, old_level, new_level, at
		FROM level_changes WHERE at >= ? ORDER BY at, id
	`, formatTimestamp(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.LevelEvent
	for rows.Next() {
		var ev domain.LevelEvent
		if err := rows.Scan(&ev.CharacterName, &ev.OldLevel, &ev.NewLevel, &ev.At); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PruneLevelChanges drops level changes older than cutoff
func (s *Store) PruneLevelChanges(ctx context.Context, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM level_changes WHERE at < ?", formatTimestamp(cutoff))
	return err
}
