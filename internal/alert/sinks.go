package alert

import (
	"fmt"
	"os/exec"
	"sync"

	"github.com/gen2brain/beeep"
)

// SoundSink plays an audio clip through an external player, falling back
// to a system beep when no clip or player is available. An in-flight
// playback is killed before replaying so rapid repeated alerts don't
// silently no-op on an already-playing clip.
type SoundSink struct {
	mu      sync.Mutex
	file    string
	playing *exec.Cmd
}

// NewSoundSink creates a sound sink for the configured clip; file may be
// empty to always use the system beep.
func NewSoundSink(file string) *SoundSink {
	return &SoundSink{file: file}
}

// Emit plays the alert sound, restarting any playback still in flight.
func (s *SoundSink) Emit(string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.playing != nil && s.playing.Process != nil {
		s.playing.Process.Kill()
		s.playing = nil
	}

	player := lookupPlayer()
	if s.file == "" || player == "" {
		return beeep.Beep(beeep.DefaultFreq, beeep.DefaultDuration)
	}

	cmd := exec.Command(player, s.file)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting audio player: %w", err)
	}
	s.playing = cmd
	go func() {
		cmd.Wait()
		s.mu.Lock()
		if s.playing == cmd {
			s.playing = nil
		}
		s.mu.Unlock()
	}()
	return nil
}

func lookupPlayer() string {
	for _, p := range []string{"paplay", "aplay", "afplay", "ffplay"} {
		if _, err := exec.LookPath(p); err == nil {
			return p
		}
	}
	return ""
}

// VoiceSink speaks the alert message through a speech synthesizer.
type VoiceSink struct {
	mu       sync.Mutex
	speaking *exec.Cmd
}

// NewVoiceSink creates a voice sink.
func NewVoiceSink() *VoiceSink {
	return &VoiceSink{}
}

// Emit speaks message, cutting off any utterance still in progress.
func (v *VoiceSink) Emit(message string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.speaking != nil && v.speaking.Process != nil {
		v.speaking.Process.Kill()
		v.speaking = nil
	}

	synth := lookupSynth()
	if synth == "" {
		return fmt.Errorf("no speech synthesizer found")
	}
	cmd := exec.Command(synth, message)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting speech synthesizer: %w", err)
	}
	v.speaking = cmd
	go func() {
		cmd.Wait()
		v.mu.Lock()
		if v.speaking == cmd {
			v.speaking = nil
		}
		v.mu.Unlock()
	}()
	return nil
}

func lookupSynth() string {
	for _, p := range []string{"espeak", "say", "spd-say"} {
		if _, err := exec.LookPath(p); err == nil {
			return p
		}
	}
	return ""
}

// ToastSink shows a desktop notification.
type ToastSink struct{}

// NewToastSink creates a toast sink.
func NewToastSink() *ToastSink {
	return &ToastSink{}
}

// Emit shows the alert as a desktop notification.
func (t *ToastSink) Emit(message string) error {
	return beeep.Notify("Firebot Monitor", message, "")
}
