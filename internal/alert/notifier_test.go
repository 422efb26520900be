package alert

import (
	"sync"
	"testing"
	"time"

	"github.com/firebot-tibia/firebot-monitor/internal/domain"
)

// chanSink delivers every emitted message on a channel.
type chanSink struct {
	emitted chan string
}

func newChanSink() *chanSink {
	return &chanSink{emitted: make(chan string, 16)}
}

func (s *chanSink) Emit(message string) error {
	s.emitted <- message
	return nil
}

func TestNotifierDispatchesAfterDebounce(t *testing.T) {
	t.Parallel()

	sink := newChanSink()
	n := NewNotifier(10*time.Millisecond, nil)
	defer n.Close()
	n.SetSink(domain.ChannelSound, sink)

	n.Notify(domain.ChannelSound, "3 logins")

	select {
	case msg := <-sink.emitted:
		if msg != "3 logins" {
			t.Errorf("unexpected message: %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("notification never dispatched")
	}
}

func TestNotifierCollapsesBurst(t *testing.T) {
	t.Parallel()

	sink := newChanSink()
	n := NewNotifier(20*time.Millisecond, nil)
	defer n.Close()
	n.SetSink(domain.ChannelSound, sink)

	// Three alerts in the same burst: only the last survives the debounce.
	n.Notify(domain.ChannelSound, "first")
	n.Notify(domain.ChannelSound, "second")
	n.Notify(domain.ChannelSound, "third")

	select {
	case msg := <-sink.emitted:
		if msg != "third" {
			t.Errorf("expected the last message, got %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("notification never dispatched")
	}

	select {
	case msg := <-sink.emitted:
		t.Errorf("burst not collapsed, extra dispatch: %q", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

// A Notify that races the debounce timer firing must not leave two live
// flushes behind; each message dispatches at most once.
func TestNotifierReArmDispatchesOnce(t *testing.T) {
	t.Parallel()

	const debounce = 3 * time.Millisecond
	for i := 0; i < 100; i++ {
		sink := newChanSink()
		n := NewNotifier(debounce, nil)
		n.SetSink(domain.ChannelSound, sink)

		n.Notify(domain.ChannelSound, "first")
		// Land the re-arm right as the first timer fires.
		time.Sleep(debounce)
		n.Notify(domain.ChannelSound, "second")

		time.Sleep(10 * debounce)
		n.Close()

		counts := make(map[string]int)
	drain:
		for {
			select {
			case msg := <-sink.emitted:
				counts[msg]++
			default:
				break drain
			}
		}
		if counts["second"] != 1 {
			t.Fatalf("iteration %d: %q dispatched %d times", i, "second", counts["second"])
		}
		if counts["first"] > 1 {
			t.Fatalf("iteration %d: %q dispatched %d times", i, "first", counts["first"])
		}
	}
}

func TestNotifierRespectsPermissionGate(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	allowed := false

	sink := newChanSink()
	n := NewNotifier(5*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return allowed
	})
	defer n.Close()
	n.SetSink(domain.ChannelVoice, sink)

	n.Notify(domain.ChannelVoice, "blocked")
	select {
	case msg := <-sink.emitted:
		t.Fatalf("dispatched without permission: %q", msg)
	case <-time.After(50 * time.Millisecond):
	}

	mu.Lock()
	allowed = true
	mu.Unlock()

	n.Notify(domain.ChannelVoice, "granted")
	select {
	case msg := <-sink.emitted:
		if msg != "granted" {
			t.Errorf("unexpected message: %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("notification never dispatched after permission granted")
	}
}

func TestNotifierCloseCancelsPending(t *testing.T) {
	t.Parallel()

	sink := newChanSink()
	n := NewNotifier(50*time.Millisecond, nil)
	n.SetSink(domain.ChannelSound, sink)

	n.Notify(domain.ChannelSound, "pending")
	n.Close()

	select {
	case msg := <-sink.emitted:
		t.Errorf("dispatch after Close: %q", msg)
	case <-time.After(150 * time.Millisecond):
	}

	// Notify after Close is a no-op.
	n.Notify(domain.ChannelSound, "late")
	select {
	case msg := <-sink.emitted:
		t.Errorf("dispatch after Close: %q", msg)
	case <-time.After(100 * time.Millisecond):
	}
}
