// Package backend is the HTTP client for the remote firebot backend:
// session login, token refresh, and the player upsert RPC used to persist
// classification and location edits.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/firebot-tibia/firebot-monitor/internal/domain"
)

var (
	ErrUnauthorized = errors.New("backend rejected credentials")
	ErrUpsertFailed = errors.New("player upsert failed")
)

// Client talks to the firebot backend API
type Client struct {
	baseURL string
	guildID string
	http    *http.Client
}

// NewClient creates a backend client
func NewClient(baseURL, guildID string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		guildID: guildID,
		http:    &http.Client{Timeout: timeout},
	}
}

// TokenPair is an access/refresh token pair issued by the backend
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Login exchanges operator credentials for a token pair
func (c *Client) Login(ctx context.Context, email, password string) (*TokenPair, error) {
	body := map[string]string{"email": email, "password": password}
	var pair TokenPair
	if err := c.postJSON(ctx, "/auth/login", body, &pair); err != nil {
		return nil, err
	}
	return &pair, nil
}

// RefreshToken exchanges a refresh token for a fresh pair. A rejected
// refresh returns ErrUnauthorized; the caller treats that as terminal.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (access, refresh string, err error) {
	body := map[string]string{"refresh_token": refreshToken}
	var pair TokenPair
	if err := c.postJSON(ctx, "/auth/refresh", body, &pair); err != nil {
		return "", "", err
	}
	return pair.AccessToken, pair.RefreshToken, nil
}

// PlayerUpsert is the payload of the player upsert RPC
type PlayerUpsert struct {
	GuildID string `json:"guild_id"`
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Local   string `json:"local"`
	Status  string `json:"status"`
}

// UpsertPlayer persists a classification/location edit. Fire-and-confirm:
// callers apply the local mutation only after this returns nil.
func (c *Client) UpsertPlayer(ctx context.Context, accessToken string, ch domain.Character) error {
	status := "offline"
	if ch.Online {
		status = "online"
	}
	payload := PlayerUpsert{
		GuildID: c.guildID,
		Name:    ch.Name,
		Kind:    ch.Classification,
		Local:   ch.Location,
		Status:  status,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding upsert payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/players", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpsertFailed, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: backend returned status %d", ErrUpsertFailed, resp.StatusCode)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("backend returned status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
