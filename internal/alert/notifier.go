package alert

import (
	"log"
	"sync"
	"time"

	"github.com/firebot-tibia/firebot-monitor/internal/domain"
)

// Sink delivers one notification on a concrete channel.
type Sink interface {
	Emit(message string) error
}

// Notifier dispatches fired rules to their channels with a debounce: many
// alerts in the same burst collapse into a single audible cue. Without the
// operator's sound permission every call is a safe no-op.
type Notifier struct {
	mu       sync.Mutex
	sinks    map[domain.AlertChannel]Sink
	debounce time.Duration
	allowed  func() bool

	timer          *time.Timer
	pendingChannel domain.AlertChannel
	pendingMessage string
	pendingGen     uint64
	closed         bool
}

// NewNotifier creates a notifier with no sinks registered. allowed gates
// dispatch on the persisted sound-permission flag; nil means always
// allowed.
func NewNotifier(debounce time.Duration, allowed func() bool) *Notifier {
	if debounce == 0 {
		debounce = time.Second
	}
	return &Notifier{
		sinks:    make(map[domain.AlertChannel]Sink),
		debounce: debounce,
		allowed:  allowed,
	}
}

// SetSink registers the sink for a channel.
func (n *Notifier) SetSink(channel domain.AlertChannel, sink Sink) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sinks[channel] = sink
}

// Notify schedules a dispatch. A second call within the debounce window
// cancels the pending one and restarts the timer.
func (n *Notifier) Notify(channel domain.AlertChannel, message string) {
	if n.allowed != nil && !n.allowed() {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}

	n.pendingChannel = channel
	n.pendingMessage = message
	n.pendingGen++
	gen := n.pendingGen
	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = time.AfterFunc(n.debounce, func() { n.flush(gen) })
}

func (n *Notifier) flush(gen uint64) {
	n.mu.Lock()
	// A Stop that races the timer firing leaves two flushes alive: one
	// parked on the mutex, one freshly armed. Only the flush matching the
	// latest Notify generation may dispatch.
	if n.closed || gen != n.pendingGen {
		n.mu.Unlock()
		return
	}
	channel := n.pendingChannel
	message := n.pendingMessage
	sink := n.sinks[channel]
	n.timer = nil
	n.mu.Unlock()

	if sink == nil {
		log.Printf("Notifier: no sink for channel %q", channel)
		return
	}
	if err := sink.Emit(message); err != nil {
		log.Printf("Notifier: %s dispatch failed: %v", channel, err)
	}
}

// Close cancels any pending dispatch.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
}
