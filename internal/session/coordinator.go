package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/amanullahtanweer/fluidy-recorder/internal/bus"
	"github.com/amanullahtanweer/fluidy-recorder/internal/device"
	"github.com/amanullahtanweer/fluidy-recorder/internal/store"
	"github.com/amanullahtanweer/fluidy-recorder/internal/transcriber"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CodeCapabilityUnavailable is reported by the transcription host when no
// backend can run.
const CodeCapabilityUnavailable = "capability-unavailable"

type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`
}

type Config struct {
	StartTimeout time.Duration   `yaml:"start_timeout" validate:"gte=0"`
	StopTimeout  time.Duration   `yaml:"stop_timeout" validate:"gte=0"`
	Heartbeat    HeartbeatConfig `yaml:"heartbeat"`
}

func DefaultConfig() Config {
	return Config{
		StartTimeout: 10 * time.Second,
		StopTimeout:  5 * time.Second,
		Heartbeat:    HeartbeatConfig{Interval: 2 * time.Second, Timeout: 10 * time.Second},
	}
}

// Launcher creates a capture context when it does not exist yet.
type Launcher interface {
	EnsureCapture(ctx context.Context, name string) error
}

// StateStore is the app state owner.
type StateStore interface {
	State(ctx context.Context, key string, value ...any) (store.Value, error)
}

// VideoStore persists finished tab and screen recordings.
type VideoStore interface {
	Save(ctx context.Context, rec *store.VideoRecording) (int64, error)
}

// Coordinator is the only writer of the recording flags in app state and
// keeps at most one session active process-wide.
type Coordinator struct {
	bus      *bus.Bus
	devices  device.Provider
	launcher Launcher
	state    StateStore
	videos   VideoStore
	journal  *Journal
	cfg      Config
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	st       State
	current  *RecordingSession
	pending  map[string]chan bus.Message
	aborted  map[string]struct{}
	watchdog *Watchdog

	unregister func()
}

func New(b *bus.Bus, devices device.Provider, launcher Launcher, state StateStore, videos VideoStore, journal *Journal, cfg Config, logger *zap.SugaredLogger) *Coordinator {
	def := DefaultConfig()
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = def.StartTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	return &Coordinator{
		bus:      b,
		devices:  devices,
		launcher: launcher,
		state:    state,
		videos:   videos,
		journal:  journal,
		cfg:      cfg,
		logger:   logger,
		st:       StateIdle,
		pending:  make(map[string]chan bus.Message),
		aborted:  make(map[string]struct{}),
	}
}

// Attach registers the coordinator context and watches for other contexts
// closing.
func (c *Coordinator) Attach() error {
	unregister, err := c.bus.Register(bus.Coordinator, c.handle)
	if err != nil {
		return err
	}
	c.unregister = unregister
	c.bus.OnClose(c.contextClosed)
	return nil
}

func (c *Coordinator) Close() {
	c.mu.Lock()
	wd := c.watchdog
	c.mu.Unlock()
	if wd != nil {
		wd.Stop()
	}
	if c.unregister != nil {
		c.unregister()
	}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

// Current returns a copy of the session in progress, or nil.
func (c *Coordinator) Current() *RecordingSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	s := *c.current
	return &s
}

func captureContext(mode string) string {
	if mode == ModeScreen {
		return bus.Desktop
	}
	return bus.Offscreen
}

func sourceFor(mode string) device.Source {
	switch mode {
	case ModeTab:
		return device.SourceTab
	case ModeScreen:
		return device.SourceScreen
	default:
		return device.SourceMicrophone
	}
}

// Start begins a session in mode. While a session is active it stops that
// session instead and returns it in the Idle state.
func (c *Coordinator) Start(ctx context.Context, mode string) (*RecordingSession, error) {
	c.mu.Lock()
	switch c.st {
	case StateActive:
		stopping := *c.current
		c.mu.Unlock()
		if err := c.Stop(ctx); err != nil {
			return nil, err
		}
		stopping.State = StateIdle
		return &stopping, nil
	case StateRequestingPermission, StateStopping:
		c.mu.Unlock()
		return nil, ErrBusy
	}

	if !validMode(mode) {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	sess := &RecordingSession{
		ID:           uuid.NewString(),
		Mode:         mode,
		State:        StateRequestingPermission,
		OwnerContext: captureContext(mode),
		CreatedAt:    time.Now(),
	}
	c.current = sess
	c.st = StateRequestingPermission
	c.mu.Unlock()

	c.journal.LogTransition(*sess, StateIdle, StateRequestingPermission, "start requested")
	c.logger.Infof("Session %s: starting %s recording", sess.ID, mode)

	if err := c.activate(ctx, sess); err != nil {
		c.mu.Lock()
		c.current = nil
		c.st = StateIdle
		c.mu.Unlock()

		c.journal.LogError(*sess, err)
		c.journal.LogTransition(*sess, StateRequestingPermission, StateIdle, "start failed")
		c.logger.Warnf("Session %s: start failed: %v", sess.ID, err)
		return nil, err
	}

	c.mu.Lock()
	sess.State = StateActive
	c.st = StateActive
	out := *sess
	c.watchdog = NewWatchdog(c.cfg.Heartbeat.Interval, c.cfg.Heartbeat.Timeout,
		func() { c.ping(out) },
		func() { c.degrade(out.ID, "capture context stopped answering") })
	c.watchdog.Start()
	c.mu.Unlock()

	c.journal.LogTransition(out, StateRequestingPermission, StateActive, "capture started")
	c.logger.Infof("Session %s: active", out.ID)
	return &out, nil
}

func (c *Coordinator) activate(ctx context.Context, sess *RecordingSession) error {
	source := sourceFor(sess.Mode)

	perm, err := c.devices.Permission(ctx, source)
	if err != nil {
		return err
	}
	if perm == device.PermissionDenied {
		return fmt.Errorf("%w: %s", device.ErrPermissionDenied, source)
	}

	handle, err := c.devices.ResolveHandle(ctx, source)
	if err != nil {
		return err
	}

	if err := c.launcher.EnsureCapture(ctx, sess.OwnerContext); err != nil {
		return fmt.Errorf("create capture context: %w", err)
	}

	// From here on the capture context may be acquiring even if no reply
	// arrives, so every failure releases it.
	reply, err := c.request(ctx, sess.OwnerContext, "start", bus.Message{
		Type:          bus.TypeStartRecording,
		SessionID:     sess.ID,
		RecordingType: sess.Mode,
		Data:          handle,
	})
	if err == nil && reply.Type == bus.TypeRecordingError {
		err = replyError(reply)
	}
	if err != nil {
		c.abort(*sess, false)
		return err
	}

	if sess.Mode == ModeAudio {
		reply, err := c.request(ctx, bus.Recorder, "transcription", bus.Message{
			Type:          bus.TypeStartRecording,
			SessionID:     sess.ID,
			RecordingType: sess.Mode,
		})
		if err == nil && reply.Type == bus.TypeTranscriptionError {
			err = replyError(reply)
		}
		if err != nil {
			c.abort(*sess, true)
			return fmt.Errorf("start transcription: %w", err)
		}
	}

	c.writeState(ctx, sess.ID, true, sess.Mode)
	return nil
}

// abort tells the contexts of a failed start to let go of it. The capture
// recording it may still produce is discarded.
func (c *Coordinator) abort(s RecordingSession, transcription bool) {
	c.mu.Lock()
	c.aborted[s.ID] = struct{}{}
	c.mu.Unlock()

	stop := bus.Message{Type: bus.TypeStopRecording, From: bus.Coordinator, SessionID: s.ID}
	c.bus.Send(s.OwnerContext, stop)
	if transcription {
		c.bus.Send(bus.Recorder, stop)
	}
}

// request delivers msg to target and waits for the reply of the given kind.
func (c *Coordinator) request(ctx context.Context, target, kind string, msg bus.Message) (bus.Message, error) {
	msg.From = bus.Coordinator
	wait := c.expect(kind, msg.SessionID)
	defer c.forget(kind, msg.SessionID)

	if err := c.bus.Deliver(ctx, target, msg); err != nil {
		if errors.Is(err, bus.ErrDeliveryExhausted) || errors.Is(err, bus.ErrContextClosed) {
			return bus.Message{}, fmt.Errorf("%w: %s: %v", ErrCaptureUnresponsive, target, err)
		}
		return bus.Message{}, err
	}

	timer := time.NewTimer(c.cfg.StartTimeout)
	defer timer.Stop()
	select {
	case reply := <-wait:
		return reply, nil
	case <-timer.C:
		return bus.Message{}, fmt.Errorf("%w: no reply from %s", ErrCaptureUnresponsive, target)
	case <-ctx.Done():
		return bus.Message{}, ctx.Err()
	}
}

func replyError(msg bus.Message) error {
	if msg.Error == nil {
		return errors.New(msg.Type)
	}
	if msg.Error.Code == bus.CodeBusy {
		return fmt.Errorf("%w: %s", ErrBusy, msg.Error.Message)
	}
	if msg.Error.Code == CodeCapabilityUnavailable {
		return fmt.Errorf("%w: %s", transcriber.ErrCapabilityUnavailable, msg.Error.Message)
	}
	if msg.Type == bus.TypeTranscriptionError {
		return errors.New(msg.Error.Message)
	}
	return device.ErrorFromCode(msg.Error.Code, msg.Error.Message)
}

// Stop ends the active session. Both the capture and the transcription side
// are signalled in parallel; an unreachable or silent context counts as
// stopped. Stop with no session is a no-op.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	switch c.st {
	case StateIdle:
		c.mu.Unlock()
		return nil
	case StateRequestingPermission, StateStopping:
		c.mu.Unlock()
		return ErrBusy
	}
	sess := c.current
	sess.State = StateStopping
	c.st = StateStopping
	wd := c.watchdog
	c.watchdog = nil
	snapshot := *sess
	c.mu.Unlock()

	if wd != nil {
		wd.Stop()
	}
	c.journal.LogTransition(snapshot, StateActive, StateStopping, "stop requested")

	var g errgroup.Group
	g.Go(func() error {
		c.stopCapture(ctx, snapshot)
		return nil
	})
	if snapshot.Mode == ModeAudio {
		g.Go(func() error {
			c.stopTranscription(ctx, snapshot)
			return nil
		})
	}
	_ = g.Wait()

	c.writeState(context.WithoutCancel(ctx), snapshot.ID, false, "")

	c.mu.Lock()
	if c.current == sess {
		c.current = nil
		c.st = StateIdle
	}
	c.mu.Unlock()

	c.journal.LogTransition(snapshot, StateStopping, StateIdle, "stopped")
	c.logger.Infof("Session %s: stopped", snapshot.ID)
	return nil
}

func (c *Coordinator) stopCapture(ctx context.Context, s RecordingSession) {
	wait := c.expect("recorded", s.ID)
	defer c.forget("recorded", s.ID)

	err := c.bus.Deliver(ctx, s.OwnerContext, bus.Message{
		Type:      bus.TypeStopRecording,
		From:      bus.Coordinator,
		SessionID: s.ID,
	})
	if err != nil {
		c.logger.Warnf("Session %s: stop not confirmed by %s: %v", s.ID, s.OwnerContext, err)
		return
	}

	timer := time.NewTimer(c.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-wait:
	case <-timer.C:
		c.logger.Warnf("Session %s: no recording from %s, treating as stopped", s.ID, s.OwnerContext)
	case <-ctx.Done():
	}
}

func (c *Coordinator) stopTranscription(ctx context.Context, s RecordingSession) {
	err := c.bus.Deliver(ctx, bus.Recorder, bus.Message{
		Type:      bus.TypeStopRecording,
		From:      bus.Coordinator,
		SessionID: s.ID,
	})
	if err != nil {
		c.logger.Warnf("Session %s: transcription stop not confirmed: %v", s.ID, err)
	}
}

func (c *Coordinator) writeState(ctx context.Context, sessionID string, recording bool, mode string) {
	if _, err := c.state.State(ctx, store.KeyRecording, recording); err != nil {
		c.logger.Errorf("Session %s: failed to write recording flag: %v", sessionID, err)
	}
	if mode == "" {
		return
	}
	if _, err := c.state.State(ctx, store.KeyRecordingType, mode); err != nil {
		c.logger.Errorf("Session %s: failed to write recording type: %v", sessionID, err)
	}
}

func (c *Coordinator) ping(s RecordingSession) {
	c.bus.Send(s.OwnerContext, bus.Message{Type: bus.TypePing, From: bus.Coordinator, SessionID: s.ID})
}

// degrade gives up on a session whose capture context went silent. The
// recording flag is cleared so app state matches what can be confirmed.
func (c *Coordinator) degrade(sessionID, reason string) {
	c.mu.Lock()
	if c.st != StateActive || c.current == nil || c.current.ID != sessionID {
		c.mu.Unlock()
		return
	}
	snapshot := *c.current
	c.current = nil
	c.st = StateIdle
	c.watchdog = nil
	c.mu.Unlock()

	c.logger.Warnf("Session %s: %s, recording flag reconciled", sessionID, reason)
	c.journal.LogDegraded(snapshot, reason)
	c.writeState(context.Background(), sessionID, false, "")
	c.bus.Send(snapshot.OwnerContext, bus.Message{Type: bus.TypeStopRecording, From: bus.Coordinator, SessionID: sessionID})
	if snapshot.Mode == ModeAudio {
		c.bus.Send(bus.Recorder, bus.Message{Type: bus.TypeStopRecording, From: bus.Coordinator, SessionID: sessionID})
	}
}

// contextClosed stops the active session when a context it depends on goes
// away.
func (c *Coordinator) contextClosed(name string) {
	c.mu.Lock()
	active := c.st == StateActive && c.current != nil &&
		(c.current.OwnerContext == name || (c.current.Mode == ModeAudio && name == bus.Recorder))
	var id string
	if active {
		id = c.current.ID
	}
	c.mu.Unlock()
	if !active {
		return
	}

	c.logger.Infof("Session %s: context %s closed, stopping", id, name)
	go func() {
		if err := c.Stop(context.Background()); err != nil {
			c.logger.Warnf("Session %s: stop after close failed: %v", id, err)
		}
	}()
}

func (c *Coordinator) expect(kind, sessionID string) chan bus.Message {
	ch := make(chan bus.Message, 1)
	c.mu.Lock()
	c.pending[kind+"/"+sessionID] = ch
	c.mu.Unlock()
	return ch
}

func (c *Coordinator) forget(kind, sessionID string) {
	c.mu.Lock()
	delete(c.pending, kind+"/"+sessionID)
	c.mu.Unlock()
}

func (c *Coordinator) resolve(kind string, msg bus.Message) {
	c.mu.Lock()
	ch, ok := c.pending[kind+"/"+msg.SessionID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

// handle runs on the coordinator's bus goroutine. It must never wait for
// another reply addressed to the coordinator.
func (c *Coordinator) handle(ctx context.Context, msg bus.Message) {
	switch msg.Type {
	case bus.TypeRecordingStarted, bus.TypeRecordingError:
		c.resolve("start", msg)
	case bus.TypeTranscriptionStarted, bus.TypeTranscriptionError:
		c.resolve("transcription", msg)
	case bus.TypeRecorded:
		c.recorded(ctx, msg)
		c.resolve("recorded", msg)
	case bus.TypePong:
		c.mu.Lock()
		wd := c.watchdog
		current := c.current
		c.mu.Unlock()
		if wd != nil && current != nil && current.ID == msg.SessionID {
			wd.Beat()
		}
	case bus.TypeStartRecording:
		mode := msg.RecordingType
		go func() {
			if _, err := c.Start(context.Background(), mode); err != nil {
				c.logger.Warnf("Start requested by %s failed: %v", msg.From, err)
			}
		}()
	case bus.TypeStopRecording:
		go func() {
			if err := c.Stop(context.Background()); err != nil {
				c.logger.Warnf("Stop requested by %s failed: %v", msg.From, err)
			}
		}()
	default:
		c.logger.Debugf("Coordinator: ignoring %s from %s", msg.Type, msg.From)
	}
}

// recorded persists a finished capture. Tab and screen captures become
// video recordings; audio captures are handed to the transcription host as
// the memo audio.
func (c *Coordinator) recorded(ctx context.Context, msg bus.Message) {
	c.mu.Lock()
	_, aborted := c.aborted[msg.SessionID]
	delete(c.aborted, msg.SessionID)
	c.mu.Unlock()
	if aborted {
		c.logger.Infof("Session %s: recording of failed start discarded", msg.SessionID)
		return
	}

	c.journal.LogArtifact(msg.SessionID, msg.URL, msg.MimeType, len(msg.Artifact))

	if msg.RecordingType == ModeAudio {
		fwd := msg
		fwd.From = bus.Coordinator
		// Delivered before the stop completes so a save right after Stop
		// has the audio.
		if err := c.bus.Deliver(ctx, bus.Recorder, fwd); err != nil {
			c.logger.Warnf("Session %s: audio not handed to %s: %v", msg.SessionID, bus.Recorder, err)
		}
		return
	}

	title := fmt.Sprintf("%s recording %s", modeTitle(msg.RecordingType), time.Now().Format("2006-01-02 15:04"))
	id, err := c.videos.Save(ctx, &store.VideoRecording{
		URL:      msg.URL,
		Type:     msg.RecordingType,
		MimeType: msg.MimeType,
		Duration: msg.Duration,
		Title:    title,
		Data:     msg.Artifact,
	})
	if err != nil {
		c.logger.Errorf("Session %s: failed to save recording: %v", msg.SessionID, err)
		return
	}
	c.logger.Infof("Session %s: recording saved as video %d (%d bytes)", msg.SessionID, id, len(msg.Artifact))
}

func modeTitle(mode string) string {
	switch mode {
	case ModeTab:
		return "Tab"
	case ModeScreen:
		return "Screen"
	}
	return mode
}
