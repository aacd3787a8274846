// Package media owns local camera/microphone capture for a call. A Stream is
// acquired once per call attempt and must be fully released on every exit
// path; mute and camera-off are track-level flags, never a renegotiation.
package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrPermissionDenied means camera/microphone access was refused.
	// User-actionable; the caller may offer a retry after access is granted.
	ErrPermissionDenied = errors.New("media: permission denied")

	// ErrDeviceUnavailable means no usable capture device was found.
	ErrDeviceUnavailable = errors.New("media: no usable device")
)

// Constraints describe the capture request: a front-facing camera at the
// target resolution plus a microphone. Acquisition failures are reported,
// not retried or renegotiated down internally.
type Constraints struct {
	Width  int
	Height int
}

// Source acquires local media. The device-backed implementation lives behind
// a build tag; tests substitute their own.
type Source interface {
	Acquire(ctx context.Context, c Constraints) (*Stream, error)
}

// Track is one local capture track with a mute flag. Disabling a track stops
// it from being observed as live; it does not stop the device or trigger any
// SDP exchange.
type Track interface {
	Kind() webrtc.RTPCodecType
	Enabled() bool
	SetEnabled(on bool)
	// Local returns the track to attach to a peer connection. May be nil for
	// test doubles that never touch a real connection.
	Local() webrtc.TrackLocal
	Close() error
}

// Stream is the set of tracks acquired for one call attempt. Zero or more
// audio tracks and zero or one video track.
type Stream struct {
	mu       sync.Mutex
	tracks   []Track
	released bool
}

// NewStream wraps tracks in a Stream. All tracks start enabled.
func NewStream(tracks ...Track) *Stream {
	return &Stream{tracks: tracks}
}

// Tracks returns the stream's tracks.
func (s *Stream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// SetAudioEnabled toggles every audio track.
func (s *Stream) SetAudioEnabled(on bool) {
	s.setKindEnabled(webrtc.RTPCodecTypeAudio, on)
}

// SetVideoEnabled toggles every video track.
func (s *Stream) SetVideoEnabled(on bool) {
	s.setKindEnabled(webrtc.RTPCodecTypeVideo, on)
}

func (s *Stream) setKindEnabled(kind webrtc.RTPCodecType, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.Kind() == kind {
			t.SetEnabled(on)
		}
	}
}

// AudioEnabled reports whether any audio track is enabled.
func (s *Stream) AudioEnabled() bool { return s.kindEnabled(webrtc.RTPCodecTypeAudio) }

// VideoEnabled reports whether any video track is enabled.
func (s *Stream) VideoEnabled() bool { return s.kindEnabled(webrtc.RTPCodecTypeVideo) }

func (s *Stream) kindEnabled(kind webrtc.RTPCodecType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.Kind() == kind && t.Enabled() {
			return true
		}
	}
	return false
}

// Release stops every track. Idempotent — a second Release is a no-op, and
// individual track close errors are swallowed since there is no recovery
// path for a failed teardown.
func (s *Stream) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	tracks := s.tracks
	s.tracks = nil
	s.mu.Unlock()

	for _, t := range tracks {
		_ = t.Close()
	}
}

// Released reports whether Release has run.
func (s *Stream) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// classifyAcquireError maps a raw capture failure onto the package sentinels
// so callers can distinguish user-fixable permission problems from missing
// hardware.
func classifyAcquireError(err error) error {
	if errors.Is(err, os.ErrPermission) || strings.Contains(strings.ToLower(err.Error()), "permission denied") {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}
