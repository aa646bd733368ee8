package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/amanullahtanweer/fluidy-recorder/internal/bus"
	"github.com/amanullahtanweer/fluidy-recorder/internal/device"
	"github.com/amanullahtanweer/fluidy-recorder/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Recording modes.
const (
	ModeTab    = "tab"
	ModeScreen = "screen"
	ModeAudio  = "audio"
)

type Config struct {
	VideoTimeslice time.Duration `yaml:"video_timeslice" validate:"gte=0"`
	AudioTimeslice time.Duration `yaml:"audio_timeslice" validate:"gte=0"`
	// ArtifactDir, when set, also writes each artifact to disk and uses a
	// file URL as its reference.
	ArtifactDir    string        `yaml:"artifact_dir"`
}

// Worker is the capture context. All state is owned by the bus goroutine
// that runs Handle; the mutex only guards reads from other goroutines.
type Worker struct {
	name    string
	bus     *bus.Bus
	devices device.Provider
	cfg     Config
	logger  *zap.SugaredLogger

	mu        sync.Mutex
	sessionID string
	mode      string
	owner     string
	bundle    *Bundle
	recorder  *Recorder
	metrics   *metrics.SessionMetrics
}

func NewWorker(name string, b *bus.Bus, devices device.Provider, cfg Config, logger *zap.SugaredLogger) *Worker {
	if cfg.VideoTimeslice <= 0 {
		cfg.VideoTimeslice = VideoTimeslice
	}
	if cfg.AudioTimeslice <= 0 {
		cfg.AudioTimeslice = AudioTimeslice
	}
	return &Worker{
		name:    name,
		bus:     b,
		devices: devices,
		cfg:     cfg,
		logger:  logger,
	}
}

// Attach registers the worker on the bus. The returned function closes the
// context, releasing any tracks still held.
func (w *Worker) Attach() (func(), error) {
	unregister, err := w.bus.Register(w.name, w.Handle)
	if err != nil {
		return nil, err
	}
	return func() {
		unregister()
		w.abandon()
	}, nil
}

func (w *Worker) Name() string { return w.name }

// Recording reports whether a capture is in progress.
func (w *Worker) Recording() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.recorder != nil
}

func (w *Worker) Handle(ctx context.Context, msg bus.Message) {
	switch msg.Type {
	case bus.TypeStartRecording:
		w.start(ctx, msg)
	case bus.TypeStopRecording:
		w.stop(msg)
	case bus.TypePing:
		w.bus.Send(replyTo(msg), bus.Message{Type: bus.TypePong, From: w.name, SessionID: msg.SessionID})
	default:
		w.logger.Debugf("Capture %s: ignoring %s", w.name, msg.Type)
	}
}

func (w *Worker) start(ctx context.Context, msg bus.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.recorder != nil {
		if msg.SessionID == w.sessionID {
			w.logger.Infof("Session %s: capture already running, start confirmed again", w.sessionID)
			w.bus.Send(replyTo(msg), bus.Message{
				Type:          bus.TypeRecordingStarted,
				From:          w.name,
				SessionID:     msg.SessionID,
				RecordingType: w.mode,
			})
			return
		}
		w.logger.Warnf("Session %s: start rejected, capture busy with %s", msg.SessionID, w.sessionID)
		w.bus.Send(replyTo(msg), bus.Message{
			Type:      bus.TypeRecordingError,
			From:      w.name,
			SessionID: msg.SessionID,
			Error:     &bus.ErrorPayload{Code: bus.CodeBusy, Message: "capture busy with session " + w.sessionID},
		})
		return
	}

	bundle, err := w.acquire(ctx, msg.RecordingType, msg.Data)
	if err != nil {
		w.logger.Warnf("Session %s: capture failed: %v", msg.SessionID, err)
		w.bus.Send(replyTo(msg), bus.Message{
			Type:      bus.TypeRecordingError,
			From:      w.name,
			SessionID: msg.SessionID,
			Error:     &bus.ErrorPayload{Code: device.Code(err), Message: err.Error()},
		})
		return
	}

	timeslice := w.cfg.AudioTimeslice
	if bundle.Video() != nil {
		timeslice = w.cfg.VideoTimeslice
	}
	w.sessionID = msg.SessionID
	w.mode = msg.RecordingType
	w.owner = replyTo(msg)
	w.bundle = bundle
	w.metrics = metrics.NewSessionMetrics(msg.RecordingType, msg.SessionID)
	w.recorder = NewRecorder(bundle, timeslice, w.metrics)
	w.recorder.Start()

	w.logger.Infof("Session %s: capture started (%s, %d tracks, %v slices)",
		w.sessionID, w.mode, len(bundle.Tracks()), timeslice)

	w.bus.Send(w.owner, bus.Message{
		Type:          bus.TypeRecordingStarted,
		From:          w.name,
		SessionID:     msg.SessionID,
		RecordingType: msg.RecordingType,
	})
}

// acquire gets the primary stream and, for display modes, the microphone.
// A microphone failure never fails the capture.
func (w *Worker) acquire(ctx context.Context, mode, handle string) (*Bundle, error) {
	var req device.Request
	switch mode {
	case ModeTab:
		req = device.Request{Source: device.SourceTab, Handle: handle, Audio: true, Video: true}
	case ModeScreen:
		req = device.Request{Source: device.SourceScreen, Handle: handle, Audio: true, Video: true}
	case ModeAudio:
		req = device.Request{Source: device.SourceMicrophone, Handle: handle, Audio: true}
	default:
		return nil, fmt.Errorf("unknown recording type %q", mode)
	}

	primary, err := w.devices.Acquire(ctx, req)
	if err != nil {
		return nil, err
	}

	var mic *device.Stream
	if mode != ModeAudio {
		mic, err = w.devices.Acquire(ctx, device.Request{Source: device.SourceMicrophone, Audio: true})
		if err != nil {
			w.logger.Infof("Microphone unavailable, using %s audio: %v", mode, err)
			mic = nil
		}
	}

	bundle := Combine(primary, mic)
	if bundle.Empty() {
		bundle.Release()
		return nil, fmt.Errorf("%s stream has no usable tracks", mode)
	}
	return bundle, nil
}

func (w *Worker) stop(msg bus.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.recorder == nil {
		w.logger.Debugf("Capture %s: stop while idle ignored", w.name)
		return
	}
	if msg.SessionID != "" && msg.SessionID != w.sessionID {
		w.logger.Debugf("Capture %s: stop for %s ignored, recording %s", w.name, msg.SessionID, w.sessionID)
		return
	}

	artifact, sessionID, mode, owner := w.finish()

	ref, err := w.persistArtifact(sessionID, mode, artifact)
	if err != nil {
		w.logger.Errorf("Session %s: failed to write artifact: %v", sessionID, err)
		ref = "mem://" + uuid.NewString()
	}

	target := owner
	if msg.From != "" {
		target = msg.From
	}
	w.bus.Send(target, bus.Message{
		Type:          bus.TypeRecorded,
		From:          w.name,
		SessionID:     sessionID,
		RecordingType: mode,
		URL:           ref,
		Artifact:      artifact.Data,
		MimeType:      artifact.MimeType,
		Duration:      artifact.Duration.Seconds(),
	})
}

// finish stops the recorder and releases every track. Caller holds mu.
func (w *Worker) finish() (Artifact, string, string, string) {
	artifact := w.recorder.Stop()
	w.bundle.Release()
	w.metrics.Finalize()

	w.logger.Infof("Session %s: capture stopped\n%s", w.sessionID, w.metrics.Summary())

	sessionID, mode, owner := w.sessionID, w.mode, w.owner
	w.recorder = nil
	w.bundle = nil
	w.metrics = nil
	w.sessionID, w.mode, w.owner = "", "", ""
	return artifact, sessionID, mode, owner
}

// abandon releases hardware when the context goes away mid-capture.
func (w *Worker) abandon() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.recorder == nil {
		return
	}
	_, sessionID, _, _ := w.finish()
	w.logger.Warnf("Session %s: capture context closed while recording", sessionID)
}

func (w *Worker) persistArtifact(sessionID, mode string, a Artifact) (string, error) {
	if w.cfg.ArtifactDir == "" {
		return "mem://" + uuid.NewString(), nil
	}
	if err := os.MkdirAll(w.cfg.ArtifactDir, 0755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%s_%s.frames", time.Now().Format("20060102_150405"), mode, shortID(sessionID))
	path := filepath.Join(w.cfg.ArtifactDir, name)
	if err := os.WriteFile(path, a.Data, 0644); err != nil {
		return "", err
	}
	return "file://" + path, nil
}

func replyTo(msg bus.Message) string {
	if msg.From != "" {
		return msg.From
	}
	return bus.Coordinator
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
