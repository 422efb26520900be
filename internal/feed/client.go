// Package feed maintains the live connection to the guild-stats event
// stream and decodes its payloads into typed messages.
package feed

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/firebot-tibia/firebot-monitor/internal/config"
	"github.com/firebot-tibia/firebot-monitor/internal/domain"
)

// Status is the connection state of the feed client.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	// StatusMaxRetries is terminal: the retry cap was exceeded and the
	// client will not auto-recover.
	StatusMaxRetries Status = "max_retries"
	// StatusSignedOut is terminal: the token expired and could not be
	// refreshed; the operator must sign in again.
	StatusSignedOut Status = "signed_out"
)

// Terminal reports whether the status ends the connection lifecycle.
func (s Status) Terminal() bool {
	return s == StatusMaxRetries || s == StatusSignedOut
}

var (
	ErrClosed = errors.New("feed client closed")

	errForcedReconnect = errors.New("forced periodic reconnect")
	errUnauthorized    = errors.New("feed rejected token")
)

// TokenSource supplies the access token attached to the stream URL.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// connection is one live (mode, world) subscription.
type connection struct {
	mode   domain.MonitorMode
	world  string
	cancel context.CancelFunc
	done   chan struct{}
}

// Client owns at most one live stream connection at a time. Decoded
// messages are delivered in arrival order on Messages(); state transitions
// on Statuses().
type Client struct {
	cfg    config.FeedConfig
	tokens TokenSource
	httpc  *http.Client

	messages chan Message
	statuses chan Status

	mu     sync.Mutex
	conn   *connection
	closed bool
}

// NewClient creates a feed client. No connection is opened until SetTarget.
func NewClient(cfg config.FeedConfig, tokens TokenSource) *Client {
	return &Client{
		cfg:    cfg,
		tokens: tokens,
		httpc: &http.Client{
			// The stream is long-lived, so no overall client timeout; the
			// header timeout bounds the dial+response phase instead.
			Transport: &http.Transport{ResponseHeaderTimeout: cfg.DialTimeout},
		},
		messages: make(chan Message, 256),
		statuses: make(chan Status, 16),
	}
}

// Messages returns the in-order decoded message channel.
func (c *Client) Messages() <-chan Message { return c.messages }

// Statuses returns the connection status channel.
func (c *Client) Statuses() <-chan Status { return c.statuses }

// Target returns the current (mode, world) subscription, if any.
func (c *Client) Target() (domain.MonitorMode, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return "", "", false
	}
	return c.conn.mode, c.conn.world, true
}

// SetTarget connects to the stream for (mode, world). Any existing
// connection, including a pending retry timer, is torn down first; there
// is never more than one live connection.
func (c *Client) SetTarget(mode domain.MonitorMode, world string) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid monitor mode %q", mode)
	}
	if world == "" {
		return errors.New("world must not be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if old := c.conn; old != nil {
		select {
		case <-old.done:
			// The run loop already exited on a terminal status. The same
			// target is not a no-op then: replace the dead subscription.
		default:
			if old.mode == mode && old.world == world {
				return nil
			}
			old.cancel()
			<-old.done
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn := &connection{mode: mode, world: world, cancel: cancel, done: make(chan struct{})}
	c.conn = conn
	go c.run(ctx, conn)
	return nil
}

// Close tears down the connection and any pending retry timer.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if old := c.conn; old != nil {
		old.cancel()
		<-old.done
		c.conn = nil
	}
}

// run is the connect/retry loop for one (mode, world) subscription. It
// exits on cancellation or on a terminal status.
func (c *Client) run(ctx context.Context, conn *connection) {
	defer close(conn.done)

	dec := NewDecoder(conn.mode)
	retries := 0
	backoff := c.cfg.InitialBackoff

	for {
		c.pushStatus(StatusConnecting)

		token, err := c.tokens.Token(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.pushStatus(StatusDisconnected)
				return
			}
			log.Printf("Feed: credential failure for %s/%s: %v", conn.mode, conn.world, err)
			c.pushStatus(StatusSignedOut)
			return
		}

		opened, err := c.stream(ctx, conn, token, dec)
		if opened {
			// A successful open resets the retry budget; a later drop
			// starts a fresh reconnect sequence.
			retries = 0
			backoff = c.cfg.InitialBackoff
		}

		if ctx.Err() != nil {
			c.pushStatus(StatusDisconnected)
			return
		}
		if errors.Is(err, errForcedReconnect) {
			log.Printf("Feed: periodic reconnect for %s/%s", conn.mode, conn.world)
			continue
		}
		if errors.Is(err, errUnauthorized) {
			log.Printf("Feed: token rejected for %s/%s", conn.mode, conn.world)
			c.pushStatus(StatusSignedOut)
			return
		}

		if opened {
			log.Printf("Feed: connection lost for %s/%s: %v", conn.mode, conn.world, err)
		} else {
			retries++
			if retries >= c.cfg.MaxRetries {
				log.Printf("Feed: max retries (%d) reached for %s/%s, giving up", c.cfg.MaxRetries, conn.mode, conn.world)
				c.pushStatus(StatusMaxRetries)
				return
			}
			log.Printf("Feed: connect failed for %s/%s (attempt %d/%d): %v", conn.mode, conn.world, retries, c.cfg.MaxRetries, err)
		}
		c.pushStatus(StatusDisconnected)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

// stream opens one connection and reads events until it fails, the forced
// reconnect interval elapses, or ctx is cancelled. opened reports whether
// the stream was successfully established.
func (c *Client) stream(ctx context.Context, conn *connection, token string, dec *Decoder) (opened bool, err error) {
	streamCtx := ctx
	if c.cfg.ReconnectInterval > 0 {
		var cancel context.CancelFunc
		streamCtx, cancel = context.WithTimeout(ctx, c.cfg.ReconnectInterval)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.feedURL(conn.mode, conn.world, token), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		io.Copy(io.Discard, resp.Body)
		return false, errUnauthorized
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, resp.Body)
		return false, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, gzErr := gzip.NewReader(resp.Body)
		if gzErr != nil {
			return false, fmt.Errorf("opening gzip stream: %w", gzErr)
		}
		defer gz.Close()
		body = gz
	}

	log.Printf("Feed: connected to %s/%s", conn.mode, conn.world)
	c.pushStatus(StatusConnected)

	err = c.readEvents(streamCtx, body, dec)
	if streamCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return true, errForcedReconnect
	}
	return true, err
}

// feedURL composes the stream address. The transport has no custom
// headers, so the token travels as a query parameter.
func (c *Client) feedURL(mode domain.MonitorMode, world, token string) string {
	base := strings.TrimSuffix(c.cfg.BaseURL, "/")
	return fmt.Sprintf("%s/%s/?token=%s&world=%s", base, mode, url.QueryEscape(token), url.QueryEscape(world))
}

// readEvents scans the text/event-stream framing: data lines accumulate
// until a blank line terminates the event. Comment lines (heartbeats) and
// unused fields are skipped.
func (c *Client) readEvents(ctx context.Context, r io.Reader, dec *Decoder) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				c.dispatch(ctx, []byte(data.String()), dec)
				data.Reset()
			}
		case strings.HasPrefix(line, ":"):
			// heartbeat comment
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event:/id:/retry: fields are not used by this feed
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	return errors.New("stream closed by server")
}

// dispatch decodes one payload and forwards it in order. Decode faults are
// logged and the event dropped; they never stop the stream.
func (c *Client) dispatch(ctx context.Context, payload []byte, dec *Decoder) {
	msg, err := dec.Decode(payload)
	if err != nil {
		log.Printf("Feed: dropping event: %v", err)
		return
	}
	select {
	case c.messages <- msg:
	case <-ctx.Done():
	}
}

// pushStatus delivers a status transition, evicting the oldest buffered
// entry when the consumer lags so terminal statuses are never lost.
func (c *Client) pushStatus(s Status) {
	for {
		select {
		case c.statuses <- s:
			return
		default:
			select {
			case <-c.statuses:
			default:
			}
		}
	}
}
