package capture

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/amanullahtanweer/fluidy-recorder/internal/device"
	"github.com/amanullahtanweer/fluidy-recorder/internal/metrics"
)

const (
	VideoTimeslice = 1000 * time.Millisecond
	AudioTimeslice = 100 * time.Millisecond

	MimeVideo = "video/x-fluidy-frames"
	MimeAudio = "audio/x-fluidy-frames"
)

const frameHeader = 5 // kind byte + big-endian uint32 length

var ErrCorruptArtifact = errors.New("corrupt artifact")

// Frame is one media frame as stored in an artifact.
type Frame struct {
	Kind    device.Kind
	Payload []byte
}

// Artifact is the finished recording.
type Artifact struct {
	Data     []byte
	MimeType string
	Duration time.Duration
	Slices   int
}

// Recorder encodes a bundle into fixed time slices held in memory until Stop.
type Recorder struct {
	bundle    *Bundle
	timeslice time.Duration
	metrics   *metrics.SessionMetrics

	mu      sync.Mutex
	current bytes.Buffer
	slices  [][]byte

	started  time.Time
	stop     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
	artifact Artifact
}

// NewRecorder picks the slice length from the bundle: video bundles use the
// video timeslice, audio-only bundles the audio timeslice, unless timeslice
// overrides it.
func NewRecorder(b *Bundle, timeslice time.Duration, m *metrics.SessionMetrics) *Recorder {
	if timeslice <= 0 {
		timeslice = AudioTimeslice
		if b.Video() != nil {
			timeslice = VideoTimeslice
		}
	}
	return &Recorder{
		bundle:    b,
		timeslice: timeslice,
		metrics:   m,
		stop:      make(chan struct{}),
	}
}

func (r *Recorder) Timeslice() time.Duration { return r.timeslice }

func (r *Recorder) Start() {
	r.started = time.Now()
	for _, t := range r.bundle.Tracks() {
		r.wg.Add(1)
		go r.consume(t)
	}
	r.wg.Add(1)
	go r.slicer()
}

func (r *Recorder) consume(t *device.Track) {
	defer r.wg.Done()
	for {
		select {
		case frame := <-t.Frames():
			r.write(t.Kind, frame)
		case <-t.Done():
			r.drain(t)
			return
		case <-r.stop:
			r.drain(t)
			return
		}
	}
}

func (r *Recorder) drain(t *device.Track) {
	for {
		select {
		case frame := <-t.Frames():
			r.write(t.Kind, frame)
		default:
			return
		}
	}
}

func (r *Recorder) write(kind device.Kind, payload []byte) {
	var hdr [frameHeader]byte
	hdr[0] = kindByte(kind)
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))

	r.mu.Lock()
	r.current.Write(hdr[:])
	r.current.Write(payload)
	r.mu.Unlock()

	if kind == device.KindAudio && r.metrics != nil {
		r.metrics.AddAudioBytes(len(payload))
	}
}

func (r *Recorder) slicer() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.timeslice)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.flush()
		case <-r.stop:
			return
		}
	}
}

func (r *Recorder) flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current.Len() == 0 {
		return
	}
	slice := append([]byte(nil), r.current.Bytes()...)
	r.current.Reset()
	r.slices = append(r.slices, slice)
	if r.metrics != nil {
		r.metrics.AddSlice(len(slice))
	}
}

// Stop flushes the encoder and concatenates the slices. Later calls return
// the same artifact.
func (r *Recorder) Stop() Artifact {
	r.once.Do(func() {
		close(r.stop)
		r.wg.Wait()
		r.flush()

		r.mu.Lock()
		data := bytes.Join(r.slices, nil)
		n := len(r.slices)
		r.mu.Unlock()

		mime := MimeAudio
		if r.bundle.Video() != nil {
			mime = MimeVideo
		}
		var dur time.Duration
		if !r.started.IsZero() {
			dur = time.Since(r.started)
		}
		r.artifact = Artifact{Data: data, MimeType: mime, Duration: dur, Slices: n}
	})
	return r.artifact
}

// DecodeFrames splits an artifact back into frames.
func DecodeFrames(data []byte) ([]Frame, error) {
	var frames []Frame
	for off := 0; off < len(data); {
		if len(data)-off < frameHeader {
			return nil, fmt.Errorf("%w: truncated header at %d", ErrCorruptArtifact, off)
		}
		kind, err := kindFromByte(data[off])
		if err != nil {
			return nil, err
		}
		n := int(binary.BigEndian.Uint32(data[off+1 : off+frameHeader]))
		off += frameHeader
		if len(data)-off < n {
			return nil, fmt.Errorf("%w: frame overruns artifact at %d", ErrCorruptArtifact, off)
		}
		frames = append(frames, Frame{Kind: kind, Payload: data[off : off+n]})
		off += n
	}
	return frames, nil
}

// AudioPayload concatenates the audio frames of an artifact.
func AudioPayload(data []byte) ([]byte, error) {
	frames, err := DecodeFrames(data)
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, f := range frames {
		if f.Kind == device.KindAudio {
			out = append(out, f.Payload...)
		}
	}
	return out, nil
}

func kindByte(k device.Kind) byte {
	if k == device.KindVideo {
		return 'V'
	}
	return 'A'
}

func kindFromByte(b byte) (device.Kind, error) {
	switch b {
	case 'V':
		return device.KindVideo, nil
	case 'A':
		return device.KindAudio, nil
	}
	return "", fmt.Errorf("%w: unknown frame kind %q", ErrCorruptArtifact, b)
}
