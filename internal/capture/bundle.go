// Package capture turns acquired device streams into a single recorded
// artifact and runs the capture context that owns them.
package capture

import (
	"github.com/amanullahtanweer/fluidy-recorder/internal/device"
)

// Bundle owns at most one video and one audio track. Every track handed to
// it, used or not, is released exactly once: superseded tracks when they are
// replaced, the rest on Release.
type Bundle struct {
	video *device.Track
	audio *device.Track

	owned    []*device.Track
	released map[*device.Track]bool
}

func NewBundle() *Bundle {
	return &Bundle{released: make(map[*device.Track]bool)}
}

// Combine builds a bundle from the primary stream and an independently
// acquired microphone stream (nil when acquisition failed). Microphone audio
// wins over the primary stream's own audio; without it the primary audio is
// kept, and without either the bundle is video-only.
func Combine(primary, mic *device.Stream) *Bundle {
	b := NewBundle()
	if primary != nil {
		for _, t := range primary.VideoTracks() {
			b.SetVideo(t)
		}
		for _, t := range primary.AudioTracks() {
			b.SetAudio(t)
		}
	}
	if mic != nil {
		for _, t := range mic.AudioTracks() {
			b.SetAudio(t)
		}
		for _, t := range mic.VideoTracks() {
			b.adopt(t)
			b.release(t)
		}
	}
	return b
}

// SetVideo installs t, stopping the previous video track if any.
func (b *Bundle) SetVideo(t *device.Track) {
	b.adopt(t)
	if b.video != nil && b.video != t {
		b.release(b.video)
	}
	b.video = t
}

// SetAudio installs t, stopping the previous audio track if any.
func (b *Bundle) SetAudio(t *device.Track) {
	b.adopt(t)
	if b.audio != nil && b.audio != t {
		b.release(b.audio)
	}
	b.audio = t
}

func (b *Bundle) Video() *device.Track { return b.video }
func (b *Bundle) Audio() *device.Track { return b.audio }

// Tracks lists the live tracks, video first.
func (b *Bundle) Tracks() []*device.Track {
	var out []*device.Track
	if b.video != nil {
		out = append(out, b.video)
	}
	if b.audio != nil {
		out = append(out, b.audio)
	}
	return out
}

func (b *Bundle) Empty() bool { return b.video == nil && b.audio == nil }

// Release stops every track the bundle ever adopted that is still running.
func (b *Bundle) Release() {
	for _, t := range b.owned {
		b.release(t)
	}
	b.video = nil
	b.audio = nil
}

func (b *Bundle) adopt(t *device.Track) {
	for _, o := range b.owned {
		if o == t {
			return
		}
	}
	b.owned = append(b.owned, t)
}

func (b *Bundle) release(t *device.Track) {
	if b.released[t] {
		return
	}
	b.released[t] = true
	t.Stop()
}
