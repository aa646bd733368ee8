// Package device models the hardware and virtual media sources a capture
// context can acquire: permission checks, stream handles and live tracks.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Kind is the media kind of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Source identifies where a stream comes from.
type Source string

const (
	SourceTab        Source = "tab"
	SourceScreen     Source = "screen"
	SourceCamera     Source = "camera"
	SourceMicrophone Source = "microphone"
)

// PermissionState mirrors the three answers a permission query can give.
type PermissionState string

const (
	PermissionGranted PermissionState = "granted"
	PermissionPrompt  PermissionState = "prompt"
	PermissionDenied  PermissionState = "denied"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrDeviceNotFound   = errors.New("device not found")
)

// Error codes used when a capture failure crosses a context boundary.
const (
	CodePermissionDenied = "permission-denied"
	CodeDeviceNotFound   = "device-not-found"
	CodeCaptureFailed    = "capture-failed"
)

// Code maps an acquisition error to its wire code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrDeviceNotFound):
		return CodeDeviceNotFound
	default:
		return CodeCaptureFailed
	}
}

// ErrorFromCode rebuilds an acquisition error received from another context.
func ErrorFromCode(code, message string) error {
	switch code {
	case CodePermissionDenied:
		return fmt.Errorf("%w: %s", ErrPermissionDenied, message)
	case CodeDeviceNotFound:
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, message)
	default:
		return fmt.Errorf("capture failed: %s", message)
	}
}

// Request describes what a capture context wants to acquire.
type Request struct {
	Source Source
	Handle string
	Audio  bool
	Video  bool
}

// Provider hands out streams. Implementations must be safe for concurrent use.
type Provider interface {
	Permission(ctx context.Context, source Source) (PermissionState, error)
	ResolveHandle(ctx context.Context, source Source) (string, error)
	Acquire(ctx context.Context, req Request) (*Stream, error)
}

// Track is one live media track. Frames are pushed by the producing device
// until the track is stopped; a stopped track never produces again.
type Track struct {
	ID     string
	Kind   Kind
	Source Source
	Label  string

	frames    chan []byte
	stopped   chan struct{}
	stopOnce  sync.Once
	stopCalls int32
	onStop    func()
}

func NewTrack(kind Kind, source Source, label string, buffer int) *Track {
	if buffer <= 0 {
		buffer = 64
	}
	return &Track{
		ID:      uuid.NewString(),
		Kind:    kind,
		Source:  source,
		Label:   label,
		frames:  make(chan []byte, buffer),
		stopped: make(chan struct{}),
	}
}

// Frames returns the frame channel. It is never closed; select on Done too.
func (t *Track) Frames() <-chan []byte { return t.frames }

// Done is closed once the track has been stopped.
func (t *Track) Done() <-chan struct{} { return t.stopped }

// Push offers a frame. Frames are dropped when the consumer lags behind, as
// a live device would. It reports false once the track is stopped.
func (t *Track) Push(frame []byte) bool {
	select {
	case <-t.stopped:
		return false
	default:
	}
	select {
	case t.frames <- frame:
	case <-t.stopped:
		return false
	default:
	}
	return true
}

// Stop releases the underlying device. Only the first call has an effect.
func (t *Track) Stop() {
	atomic.AddInt32(&t.stopCalls, 1)
	t.stopOnce.Do(func() {
		close(t.stopped)
		if t.onStop != nil {
			t.onStop()
		}
	})
}

// StopCalls counts how many times Stop was invoked.
func (t *Track) StopCalls() int { return int(atomic.LoadInt32(&t.stopCalls)) }

// Stopped reports whether the track was released.
func (t *Track) Stopped() bool {
	select {
	case <-t.stopped:
		return true
	default:
		return false
	}
}

// Stream groups the tracks returned by a single acquisition.
type Stream struct {
	Tracks []*Track
}

func (s *Stream) VideoTracks() []*Track { return s.byKind(KindVideo) }
func (s *Stream) AudioTracks() []*Track { return s.byKind(KindAudio) }

func (s *Stream) byKind(kind Kind) []*Track {
	if s == nil {
		return nil
	}
	var out []*Track
	for _, t := range s.Tracks {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}
