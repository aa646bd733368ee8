package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// VirtualConfig drives the synthetic sources used when no real display or
// camera is attached to the host.
type VirtualConfig struct {
	FrameRate   int                        `yaml:"frame_rate" validate:"gte=0,lte=120"`
	SystemAudio bool                       `yaml:"system_audio"`
	Permissions map[Source]PermissionState `yaml:"permissions"`
	Unavailable []Source                   `yaml:"unavailable"`
}

// Virtual produces test-pattern video and silent PCM audio. Tab and screen
// streams carry an audio track only when SystemAudio is set.
type Virtual struct {
	cfg    VirtualConfig
	logger *zap.SugaredLogger

	mu      sync.Mutex
	handles map[string]Source
}

const (
	virtualAudioFrame = 320 // 20ms of 8kHz 16-bit mono
	virtualVideoFrame = 64
)

func NewVirtual(cfg VirtualConfig, logger *zap.SugaredLogger) *Virtual {
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 15
	}
	return &Virtual{cfg: cfg, logger: logger, handles: make(map[string]Source)}
}

func (v *Virtual) Permission(ctx context.Context, source Source) (PermissionState, error) {
	if state, ok := v.cfg.Permissions[source]; ok {
		return state, nil
	}
	return PermissionGranted, nil
}

func (v *Virtual) ResolveHandle(ctx context.Context, source Source) (string, error) {
	if v.unavailable(source) {
		return "", fmt.Errorf("%w: %s", ErrDeviceNotFound, source)
	}
	handle := uuid.NewString()
	v.mu.Lock()
	v.handles[handle] = source
	v.mu.Unlock()
	return handle, nil
}

func (v *Virtual) Acquire(ctx context.Context, req Request) (*Stream, error) {
	if state, _ := v.Permission(ctx, req.Source); state == PermissionDenied {
		return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, req.Source)
	}
	if v.unavailable(req.Source) {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, req.Source)
	}
	if req.Source == SourceTab || req.Source == SourceScreen {
		v.mu.Lock()
		src, ok := v.handles[req.Handle]
		v.mu.Unlock()
		if !ok || src != req.Source {
			return nil, fmt.Errorf("%w: unknown stream handle %q", ErrDeviceNotFound, req.Handle)
		}
	}

	stream := &Stream{}
	if req.Video && req.Source != SourceMicrophone {
		t := NewTrack(KindVideo, req.Source, fmt.Sprintf("virtual %s video", req.Source), 0)
		go v.produce(t, time.Second/time.Duration(v.cfg.FrameRate), virtualVideoFrame)
		stream.Tracks = append(stream.Tracks, t)
	}
	wantsAudio := req.Audio && (req.Source == SourceMicrophone ||
		req.Source == SourceCamera ||
		v.cfg.SystemAudio)
	if wantsAudio {
		t := NewTrack(KindAudio, req.Source, fmt.Sprintf("virtual %s audio", req.Source), 0)
		go v.produce(t, 20*time.Millisecond, virtualAudioFrame)
		stream.Tracks = append(stream.Tracks, t)
	}
	if len(stream.Tracks) == 0 {
		return nil, fmt.Errorf("%w: %s offers no requested tracks", ErrDeviceNotFound, req.Source)
	}

	v.logger.Debugf("Virtual %s acquired with %d tracks", req.Source, len(stream.Tracks))
	return stream, nil
}

func (v *Virtual) produce(t *Track, interval time.Duration, size int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint32
	for {
		select {
		case <-t.Done():
			return
		case <-ticker.C:
			frame := make([]byte, size)
			if t.Kind == KindVideo {
				binary.BigEndian.PutUint32(frame, seq)
			}
			seq++
			if !t.Push(frame) {
				return
			}
		}
	}
}

func (v *Virtual) unavailable(source Source) bool {
	for _, s := range v.cfg.Unavailable {
		if s == source {
			return true
		}
	}
	return false
}
