// Package memo hosts live transcription for audio sessions and turns the
// result into saved memos.
package memo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/amanullahtanweer/fluidy-recorder/internal/audio"
	"github.com/amanullahtanweer/fluidy-recorder/internal/bus"
	"github.com/amanullahtanweer/fluidy-recorder/internal/device"
	"github.com/amanullahtanweer/fluidy-recorder/internal/metrics"
	"github.com/amanullahtanweer/fluidy-recorder/internal/store"
	"github.com/amanullahtanweer/fluidy-recorder/internal/transcriber"
	"go.uber.org/zap"
)

var (
	// ErrEmptyTranscript rejects saving a draft without any final segment.
	ErrEmptyTranscript = errors.New("transcript is empty")
	// ErrRecordingInProgress rejects draft changes while audio is still
	// being transcribed.
	ErrRecordingInProgress = errors.New("recording in progress")
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

// CodeCapabilityUnavailable is sent in transcription-error replies when no
// backend could be initialized.
const CodeCapabilityUnavailable = "capability-unavailable"

// MemoStore is where saved memos go.
type MemoStore interface {
	Save(ctx context.Context, m *store.Memo) (int64, error)
}

// StateStore persists the selected language. It may be nil.
type StateStore interface {
	State(ctx context.Context, key string, value ...any) (store.Value, error)
}

// Draft is the unsaved result of the last session.
type Draft struct {
	SessionID  string                `json:"sessionId,omitempty"`
	Transcript string                `json:"transcript"`
	Interim    string                `json:"interim,omitempty"`
	Segments   []transcriber.Segment `json:"segments"`
	Duration   float64               `json:"duration"`
	AudioType  string                `json:"audioType,omitempty"`
	AudioBytes int                   `json:"audioBytes"`
	FileName   string                `json:"fileName,omitempty"`
	Status     transcriber.Status    `json:"status"`
	Processing bool                  `json:"processing"`
}

// Host is the recorder context. It owns the transcription pipeline and a
// microphone track of its own while an audio session runs.
type Host struct {
	bus     *bus.Bus
	devices device.Provider
	factory *transcriber.Factory
	memos   MemoStore
	state   StateStore
	cfg     transcriber.Config
	logger  *zap.SugaredLogger

	// Player paces process-audio-file playback.
	Player *audio.Player

	mu         sync.Mutex
	pipeline   *transcriber.Pipeline
	metrics    *metrics.SessionMetrics
	sessionID  string
	processing bool
	startedAt  time.Time
	duration   float64
	audioBlob  []byte
	audioType  string
	fileName   string
	mic        *device.Track
	playStop   chan struct{}
	feeding    sync.WaitGroup

	subMu   sync.Mutex
	subs    map[int]chan transcriber.Event
	nextSub int

	unregister func()
}

func NewHost(b *bus.Bus, devices device.Provider, factory *transcriber.Factory, memos MemoStore, state StateStore, cfg transcriber.Config, logger *zap.SugaredLogger) *Host {
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	return &Host{
		bus:     b,
		devices: devices,
		factory: factory,
		memos:   memos,
		state:   state,
		cfg:     cfg,
		logger:  logger,
		Player:  audio.NewPlayer(),
		subs:    make(map[int]chan transcriber.Event),
	}
}

// Attach registers the recorder context on the bus. A language stored by
// an earlier run is picked up here.
func (h *Host) Attach(ctx context.Context) error {
	if h.state != nil {
		if v, err := h.state.State(ctx, store.KeyLanguage); err != nil {
			h.logger.Warnf("Recorder: failed to read language: %v", err)
		} else if lang := v.String(); transcriber.IsSupportedLanguage(lang) {
			h.cfg.Language = lang
		}
	}
	unregister, err := h.bus.Register(bus.Recorder, h.handle)
	if err != nil {
		return err
	}
	h.unregister = unregister
	return nil
}

func (h *Host) Close() {
	if h.unregister != nil {
		h.unregister()
	}
	h.stop(context.Background())

	h.mu.Lock()
	p := h.pipeline
	h.pipeline = nil
	h.mu.Unlock()
	if p != nil {
		_ = p.Close()
	}

	h.subMu.Lock()
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
	h.subMu.Unlock()
}

func (h *Host) handle(ctx context.Context, msg bus.Message) {
	switch msg.Type {
	case bus.TypeStartRecording:
		if err := h.startLive(ctx, msg.SessionID); err != nil {
			h.logger.Warnf("Session %s: transcription start failed: %v", msg.SessionID, err)
			h.reply(msg, bus.Message{
				Type:  bus.TypeTranscriptionError,
				Error: &bus.ErrorPayload{Code: errorCode(err), Message: err.Error()},
			})
			return
		}
		h.reply(msg, bus.Message{Type: bus.TypeTranscriptionStarted})
	case bus.TypeStopRecording:
		h.stop(ctx)
	case bus.TypeRecorded:
		h.attachArtifact(msg)
	case bus.TypeProcessAudioFile:
		if err := h.ProcessFile(ctx, msg.AudioData, msg.FileName, msg.FileType); err != nil {
			h.logger.Warnf("Recorder: audio file %s rejected: %v", msg.FileName, err)
			h.reply(msg, bus.Message{
				Type:  bus.TypeTranscriptionError,
				Error: &bus.ErrorPayload{Code: errorCode(err), Message: err.Error()},
			})
			return
		}
		h.reply(msg, bus.Message{Type: bus.TypeTranscriptionStarted})
	case bus.TypePing:
		h.reply(msg, bus.Message{Type: bus.TypePong})
	}
}

func (h *Host) reply(to bus.Message, msg bus.Message) {
	if to.From == "" {
		return
	}
	msg.From = bus.Recorder
	msg.SessionID = to.SessionID
	h.bus.Send(to.From, msg)
}

func errorCode(err error) string {
	if errors.Is(err, transcriber.ErrCapabilityUnavailable) {
		return CodeCapabilityUnavailable
	}
	if errors.Is(err, device.ErrPermissionDenied) || errors.Is(err, device.ErrDeviceNotFound) {
		return device.Code(err)
	}
	return "transcription-failed"
}

// newSession replaces the pipeline with a fresh one. Caller holds mu.
func (h *Host) newSession(ctx context.Context, sessionID, mode string) error {
	if h.processing {
		return ErrRecordingInProgress
	}
	backend, err := h.factory.Create(ctx, h.cfg)
	if err != nil {
		return err
	}

	if h.pipeline != nil {
		_ = h.pipeline.Close()
	}
	h.metrics = metrics.NewSessionMetrics(mode, sessionID)
	h.pipeline = transcriber.NewPipeline(backend, h.metrics, h.logger)
	h.sessionID = sessionID
	h.startedAt = time.Now()
	h.duration = 0
	h.audioBlob, h.audioType, h.fileName = nil, "", ""
	events, cancel := h.pipeline.Subscribe()
	go h.forward(events, cancel)

	if err := h.pipeline.Start(ctx); err != nil {
		return fmt.Errorf("start %s: %w", h.pipeline.Backend(), err)
	}
	h.processing = true
	return nil
}

func (h *Host) startLive(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.processing && h.sessionID == sessionID {
		return nil
	}
	if err := h.newSession(ctx, sessionID, "audio"); err != nil {
		return err
	}

	stream, err := h.devices.Acquire(ctx, device.Request{Source: device.SourceMicrophone, Audio: true})
	if err == nil && len(stream.AudioTracks()) == 0 {
		err = fmt.Errorf("%w: no microphone track", device.ErrDeviceNotFound)
	}
	if err != nil {
		h.processing = false
		_ = h.pipeline.Stop(ctx)
		return err
	}
	for _, t := range stream.VideoTracks() {
		t.Stop()
	}
	h.mic = stream.AudioTracks()[0]

	h.feeding.Add(1)
	go h.feed(h.pipeline, h.mic)

	h.logger.Infof("Session %s: live transcription on %s", sessionID, h.pipeline.Backend())
	return nil
}

func (h *Host) feed(p *transcriber.Pipeline, mic *device.Track) {
	defer h.feeding.Done()
	for {
		select {
		case frame := <-mic.Frames():
			if err := p.ProcessAudioChunk(frame); err != nil {
				h.logger.Debugf("Recorder: chunk dropped: %v", err)
			}
		case <-mic.Done():
			return
		}
	}
}

// ProcessFile transcribes a WAV file as if it were played live. The file
// itself becomes the draft audio.
func (h *Host) ProcessFile(ctx context.Context, data []byte, fileName, fileType string) error {
	clip, err := audio.DecodeWAV(data)
	if err != nil {
		return err
	}
	mono, err := clip.Mono8k()
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.newSession(ctx, "", "file"); err != nil {
		return err
	}
	if fileType == "" {
		fileType = "audio/wav"
	}
	h.audioBlob = append([]byte(nil), data...)
	h.audioType = fileType
	h.fileName = fileName
	h.duration = clip.Duration()
	h.playStop = make(chan struct{})

	h.feeding.Add(1)
	go h.play(h.pipeline, mono.PCM, h.playStop)

	h.logger.Infof("Recorder: playing %s (%.1fs) into %s", fileName, clip.Duration(), h.pipeline.Backend())
	return nil
}

func (h *Host) play(p *transcriber.Pipeline, pcm []byte, stop chan struct{}) {
	played, err := h.Player.Play(context.Background(), pcm, stop, p.ProcessAudioChunk)
	h.feeding.Done()
	if err != nil {
		h.logger.Warnf("Recorder: playback ended early after %d bytes: %v", played, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pipeline != p || h.playStop != stop {
		return
	}
	h.playStop = nil
	h.finishLocked(context.Background())
}

// stop ends live capture or playback. Stopping an idle host does nothing.
func (h *Host) stop(ctx context.Context) {
	h.mu.Lock()
	if !h.processing {
		h.mu.Unlock()
		return
	}
	mic := h.mic
	h.mic = nil
	if h.playStop != nil {
		close(h.playStop)
		h.playStop = nil
	}
	h.mu.Unlock()

	if mic != nil {
		mic.Stop()
	}
	h.feeding.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.processing {
		h.duration = time.Since(h.startedAt).Seconds()
		h.finishLocked(ctx)
	}
}

// finishLocked stops the backend once all audio has been fed. Caller holds
// mu.
func (h *Host) finishLocked(ctx context.Context) {
	if err := h.pipeline.Stop(ctx); err != nil {
		h.logger.Warnf("Session %s: transcription stop failed: %v", h.sessionID, err)
	}
	h.processing = false
	h.metrics.Finalize()
	h.logger.Infof("Session %s: transcription stopped\n%s", h.sessionID, h.metrics.Summary())
}

// attachArtifact keeps the recorded audio of an audio session for the memo.
// Audio only joins the draft of the session that produced it; once the
// draft is saved or cleared, late audio is dropped.
func (h *Host) attachArtifact(msg bus.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if msg.SessionID == "" || msg.SessionID != h.sessionID {
		h.logger.Debugf("Recorder: artifact for session %q ignored, draft is %q", msg.SessionID, h.sessionID)
		return
	}
	h.audioBlob = append([]byte(nil), msg.Artifact...)
	h.audioType = msg.MimeType
	if msg.Duration > 0 {
		h.duration = msg.Duration
	}
	h.logger.Infof("Session %s: %d bytes of audio attached", msg.SessionID, len(msg.Artifact))
}

// forward relays pipeline events to host subscribers until the pipeline
// closes.
func (h *Host) forward(events <-chan transcriber.Event, cancel func()) {
	defer cancel()
	for ev := range events {
		h.subMu.Lock()
		for _, ch := range h.subs {
			select {
			case ch <- ev:
			default:
			}
		}
		h.subMu.Unlock()
	}
}

// Subscribe streams transcription events of every session from now on.
func (h *Host) Subscribe() (<-chan transcriber.Event, func()) {
	ch := make(chan transcriber.Event, 64)
	h.subMu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = ch
	h.subMu.Unlock()

	return ch, func() {
		h.subMu.Lock()
		defer h.subMu.Unlock()
		if c, ok := h.subs[id]; ok {
			close(c)
			delete(h.subs, id)
		}
	}
}

func (h *Host) Draft() Draft {
	h.mu.Lock()
	defer h.mu.Unlock()
	d := Draft{
		SessionID:  h.sessionID,
		Duration:   h.duration,
		AudioType:  h.audioType,
		AudioBytes: len(h.audioBlob),
		FileName:   h.fileName,
		Status:     transcriber.StatusIdle,
		Processing: h.processing,
	}
	if h.processing && h.mic != nil {
		d.Duration = time.Since(h.startedAt).Seconds()
	}
	if h.pipeline != nil {
		d.Transcript = h.pipeline.Transcript()
		d.Interim = h.pipeline.Interim()
		d.Segments = h.pipeline.Segments()
		d.Status = h.pipeline.Status()
	}
	return d
}

// Save stores the draft as a memo and clears it. Drafts without any final
// text are rejected.
func (h *Host) Save(ctx context.Context, title string) (*store.Memo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.processing {
		return nil, ErrRecordingInProgress
	}
	var transcript string
	if h.pipeline != nil {
		transcript = h.pipeline.Transcript()
	}
	if strings.TrimSpace(transcript) == "" {
		return nil, ErrEmptyTranscript
	}

	title = strings.TrimSpace(title)
	if title == "" {
		title = "Memo " + time.Now().Format("2006-01-02 15:04")
	}
	m := &store.Memo{
		Title:      title,
		Transcript: transcript,
		Duration:   h.duration,
		Language:   h.cfg.Language,
		AudioType:  h.audioType,
		AudioBlob:  h.audioBlob,
	}
	if _, err := h.memos.Save(ctx, m); err != nil {
		return nil, err
	}
	h.logger.Infof("Memo %d saved (%d chars)", m.ID, len(transcript))
	h.clearLocked()
	return m, nil
}

// Clear drops the draft.
func (h *Host) Clear() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.processing {
		return ErrRecordingInProgress
	}
	h.clearLocked()
	return nil
}

func (h *Host) clearLocked() {
	if h.pipeline != nil {
		h.pipeline.Reset()
	}
	h.sessionID = ""
	h.duration = 0
	h.audioBlob, h.audioType, h.fileName = nil, "", ""
}

func (h *Host) Language() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg.Language
}

// SetLanguage selects the recognition language for the next session.
func (h *Host) SetLanguage(ctx context.Context, code string) error {
	if !transcriber.IsSupportedLanguage(code) {
		return fmt.Errorf("%w: %q", ErrUnsupportedLanguage, code)
	}
	h.mu.Lock()
	h.cfg.Language = code
	h.mu.Unlock()

	if h.state != nil {
		if _, err := h.state.State(ctx, store.KeyLanguage, code); err != nil {
			return err
		}
	}
	return nil
}
