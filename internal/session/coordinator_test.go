package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amanullahtanweer/fluidy-recorder/internal/bus"
	"github.com/amanullahtanweer/fluidy-recorder/internal/capture"
	"github.com/amanullahtanweer/fluidy-recorder/internal/device"
	"github.com/amanullahtanweer/fluidy-recorder/internal/store"
	"github.com/amanullahtanweer/fluidy-recorder/internal/transcriber"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type env struct {
	bus      *bus.Bus
	store    *store.Store
	launcher *capture.Launcher
	coord    *Coordinator
	journal  *Journal
}

type envOptions struct {
	devices     device.VirtualConfig
	slowAcquire time.Duration
	launcher    Launcher
	cfg         Config
}

// slowProvider delays every acquisition, like a user sitting on a picker.
type slowProvider struct {
	device.Provider
	delay time.Duration
}

func (p slowProvider) Acquire(ctx context.Context, req device.Request) (*device.Stream, error) {
	time.Sleep(p.delay)
	return p.Provider.Acquire(ctx, req)
}

func newEnv(t *testing.T, opts envOptions) *env {
	t.Helper()
	logger := zap.NewNop().Sugar()

	b := bus.New(bus.Config{MaxAttempts: 3, RetryInterval: 5 * time.Millisecond}, logger)
	t.Cleanup(b.Close)

	st := store.Open(filepath.Join(t.TempDir(), "recorder.db"))
	t.Cleanup(func() { _ = st.Close() })

	journal, err := NewJournal(t.TempDir(), time.Now())
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	var devices device.Provider = device.NewVirtual(opts.devices, logger)
	if opts.slowAcquire > 0 {
		devices = slowProvider{Provider: devices, delay: opts.slowAcquire}
	}
	launcher := capture.NewLauncher(b, devices, capture.Config{
		VideoTimeslice: 20 * time.Millisecond,
		AudioTimeslice: 10 * time.Millisecond,
	}, logger)
	t.Cleanup(launcher.Close)

	var l Launcher = launcher
	if opts.launcher != nil {
		l = opts.launcher
	}
	cfg := opts.cfg
	if cfg.StartTimeout == 0 {
		cfg.StartTimeout = time.Second
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = time.Second
	}

	c := New(b, devices, l, st, st.Videos(), journal, cfg, logger)
	require.NoError(t, c.Attach())
	t.Cleanup(c.Close)

	return &env{bus: b, store: st, launcher: launcher, coord: c, journal: journal}
}

func (e *env) recordingFlag(t *testing.T) bool {
	t.Helper()
	v, err := e.store.State(context.Background(), store.KeyRecording)
	require.NoError(t, err)
	return v.Bool()
}

// nopLauncher pretends the capture context already exists.
type nopLauncher struct{}

func (nopLauncher) EnsureCapture(ctx context.Context, name string) error { return nil }

// fakeContext registers name and answers starts the way reply decides.
func fakeContext(t *testing.T, b *bus.Bus, name string, reply func(msg bus.Message) *bus.Message) chan bus.Message {
	t.Helper()
	seen := make(chan bus.Message, 32)
	_, err := b.Register(name, func(ctx context.Context, msg bus.Message) {
		seen <- msg
		if out := reply(msg); out != nil {
			b.Send(msg.From, *out)
		}
	})
	require.NoError(t, err)
	return seen
}

func TestTabRecordingToggles(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx := context.Background()

	sess, err := e.coord.Start(ctx, ModeTab)
	require.NoError(t, err)
	assert.Equal(t, StateActive, sess.State)
	assert.Equal(t, bus.Offscreen, sess.OwnerContext)
	assert.Equal(t, StateActive, e.coord.State())
	assert.True(t, e.recordingFlag(t))

	mode, err := e.store.State(ctx, store.KeyRecordingType)
	require.NoError(t, err)
	assert.Equal(t, ModeTab, mode.String())

	time.Sleep(60 * time.Millisecond)

	stopped, err := e.coord.Start(ctx, ModeTab)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, stopped.ID)
	assert.Equal(t, StateIdle, stopped.State)
	assert.Equal(t, StateIdle, e.coord.State())
	assert.Nil(t, e.coord.Current())
	assert.False(t, e.recordingFlag(t))

	videos, err := e.store.Videos().GetAll(ctx, store.Query{})
	require.NoError(t, err)
	require.Len(t, videos, 1)
	assert.Equal(t, ModeTab, videos[0].Type)
	assert.Equal(t, capture.MimeVideo, videos[0].MimeType)
	assert.NotEmpty(t, videos[0].Data)
	assert.True(t, strings.HasPrefix(videos[0].URL, "mem://"))
}

func TestScreenRecordingUsesDesktopContext(t *testing.T) {
	e := newEnv(t, envOptions{})

	sess, err := e.coord.Start(context.Background(), ModeScreen)
	require.NoError(t, err)
	assert.Equal(t, bus.Desktop, sess.OwnerContext)
	require.NotNil(t, e.launcher.Worker(bus.Desktop))
	assert.True(t, e.launcher.Worker(bus.Desktop).Recording())

	require.NoError(t, e.coord.Stop(context.Background()))
	assert.False(t, e.launcher.Worker(bus.Desktop).Recording())
}

func TestStartRejectsDeniedPermission(t *testing.T) {
	e := newEnv(t, envOptions{devices: device.VirtualConfig{
		Permissions: map[device.Source]device.PermissionState{device.SourceTab: device.PermissionDenied},
	}})

	_, err := e.coord.Start(context.Background(), ModeTab)
	assert.ErrorIs(t, err, device.ErrPermissionDenied)
	assert.Equal(t, StateIdle, e.coord.State())
	assert.False(t, e.recordingFlag(t))
	assert.Nil(t, e.launcher.Worker(bus.Offscreen), "no capture context for a denied start")
}

func TestStartReportsMissingDevice(t *testing.T) {
	e := newEnv(t, envOptions{devices: device.VirtualConfig{
		Unavailable: []device.Source{device.SourceScreen},
	}})

	_, err := e.coord.Start(context.Background(), ModeScreen)
	assert.ErrorIs(t, err, device.ErrDeviceNotFound)
	assert.Equal(t, StateIdle, e.coord.State())
}

func TestStartRejectsUnknownMode(t *testing.T) {
	e := newEnv(t, envOptions{})
	_, err := e.coord.Start(context.Background(), "camera")
	assert.ErrorIs(t, err, ErrUnknownMode)
	assert.Equal(t, StateIdle, e.coord.State())
}

func TestStartPropagatesRecordingError(t *testing.T) {
	e := newEnv(t, envOptions{launcher: nopLauncher{}})
	fakeContext(t, e.bus, bus.Offscreen, func(msg bus.Message) *bus.Message {
		if msg.Type != bus.TypeStartRecording {
			return nil
		}
		return &bus.Message{
			Type:      bus.TypeRecordingError,
			From:      bus.Offscreen,
			SessionID: msg.SessionID,
			Error:     &bus.ErrorPayload{Code: device.CodeDeviceNotFound, Message: "no tab"},
		}
	})

	_, err := e.coord.Start(context.Background(), ModeTab)
	assert.ErrorIs(t, err, device.ErrDeviceNotFound)
	assert.Equal(t, StateIdle, e.coord.State())
}

func TestStartFailsWhenCaptureUnreachable(t *testing.T) {
	e := newEnv(t, envOptions{launcher: nopLauncher{}})

	_, err := e.coord.Start(context.Background(), ModeTab)
	assert.ErrorIs(t, err, ErrCaptureUnresponsive)
	assert.Equal(t, StateIdle, e.coord.State())
	assert.False(t, e.recordingFlag(t))
}

func TestStartTimesOutWithoutReply(t *testing.T) {
	e := newEnv(t, envOptions{launcher: nopLauncher{}, cfg: Config{StartTimeout: 30 * time.Millisecond}})
	fakeContext(t, e.bus, bus.Offscreen, func(bus.Message) *bus.Message { return nil })

	_, err := e.coord.Start(context.Background(), ModeTab)
	assert.ErrorIs(t, err, ErrCaptureUnresponsive)
	assert.Equal(t, StateIdle, e.coord.State())
}

func TestStartTimeoutReleasesCapture(t *testing.T) {
	e := newEnv(t, envOptions{launcher: nopLauncher{}, cfg: Config{StartTimeout: 30 * time.Millisecond}})
	seen := fakeContext(t, e.bus, bus.Offscreen, func(bus.Message) *bus.Message { return nil })

	_, err := e.coord.Start(context.Background(), ModeTab)
	require.ErrorIs(t, err, ErrCaptureUnresponsive)

	start := <-seen
	assert.Equal(t, bus.TypeStartRecording, start.Type)
	select {
	case stop := <-seen:
		assert.Equal(t, bus.TypeStopRecording, stop.Type)
		assert.Equal(t, start.SessionID, stop.SessionID)
	case <-time.After(time.Second):
		t.Fatal("capture context was not told to stop")
	}
}

func TestCancelledStartReleasesCapture(t *testing.T) {
	e := newEnv(t, envOptions{slowAcquire: 100 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := e.coord.Start(ctx, ModeTab)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateIdle, e.coord.State())

	// Tab and microphone take 200ms; by then the capture has started after
	// the caller gave up and must have been stopped again.
	time.Sleep(500 * time.Millisecond)
	w := e.launcher.Worker(bus.Offscreen)
	require.NotNil(t, w)
	assert.False(t, w.Recording())

	assert.Never(t, func() bool {
		n, err := e.store.Videos().Count(context.Background())
		return err != nil || n > 0
	}, 100*time.Millisecond, 10*time.Millisecond, "a failed start leaves no recording behind")
	assert.False(t, e.recordingFlag(t))

	sess, err := e.coord.Start(context.Background(), ModeTab)
	require.NoError(t, err, "the capture context accepts the next start")
	assert.Equal(t, StateActive, sess.State)
	require.NoError(t, e.coord.Stop(context.Background()))
}

func TestStopSucceedsWhenCaptureNeverConfirms(t *testing.T) {
	e := newEnv(t, envOptions{launcher: nopLauncher{}, cfg: Config{StopTimeout: 30 * time.Millisecond}})
	seen := fakeContext(t, e.bus, bus.Offscreen, func(msg bus.Message) *bus.Message {
		if msg.Type != bus.TypeStartRecording {
			return nil
		}
		return &bus.Message{Type: bus.TypeRecordingStarted, From: bus.Offscreen, SessionID: msg.SessionID}
	})

	_, err := e.coord.Start(context.Background(), ModeTab)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, e.coord.Stop(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, StateIdle, e.coord.State())
	assert.False(t, e.recordingFlag(t))

	var types []string
	for len(seen) > 0 {
		types = append(types, (<-seen).Type)
	}
	assert.Contains(t, types, bus.TypeStopRecording)
}

func TestStopWithoutSessionIsNoop(t *testing.T) {
	e := newEnv(t, envOptions{})
	assert.NoError(t, e.coord.Stop(context.Background()))
	assert.Equal(t, StateIdle, e.coord.State())
}

func TestAudioRecordingForwardsArtifactToRecorder(t *testing.T) {
	e := newEnv(t, envOptions{})
	seen := fakeContext(t, e.bus, bus.Recorder, func(msg bus.Message) *bus.Message {
		if msg.Type != bus.TypeStartRecording {
			return nil
		}
		return &bus.Message{Type: bus.TypeTranscriptionStarted, From: bus.Recorder, SessionID: msg.SessionID}
	})

	sess, err := e.coord.Start(context.Background(), ModeAudio)
	require.NoError(t, err)
	assert.Equal(t, bus.Offscreen, sess.OwnerContext)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, e.coord.Stop(context.Background()))

	var got []bus.Message
	require.Eventually(t, func() bool {
		for len(seen) > 0 {
			got = append(got, <-seen)
		}
		for _, m := range got {
			if m.Type == bus.TypeRecorded {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	var types []string
	for _, m := range got {
		types = append(types, m.Type)
		if m.Type == bus.TypeRecorded {
			assert.Equal(t, sess.ID, m.SessionID)
			assert.Equal(t, capture.MimeAudio, m.MimeType)
			assert.NotEmpty(t, m.Artifact)
		}
	}
	assert.ElementsMatch(t, []string{bus.TypeStartRecording, bus.TypeStopRecording, bus.TypeRecorded}, types)

	videos, err := e.store.Videos().Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, videos, "audio captures are not stored as videos")
}

func TestAudioStopWaitsForRecorderToTakeAudio(t *testing.T) {
	e := newEnv(t, envOptions{})
	var got atomic.Int32
	_, err := e.bus.Register(bus.Recorder, func(ctx context.Context, msg bus.Message) {
		switch msg.Type {
		case bus.TypeStartRecording:
			e.bus.Send(msg.From, bus.Message{Type: bus.TypeTranscriptionStarted, From: bus.Recorder, SessionID: msg.SessionID})
		case bus.TypeRecorded:
			time.Sleep(50 * time.Millisecond)
			got.Add(1)
		}
	})
	require.NoError(t, err)

	_, err = e.coord.Start(context.Background(), ModeAudio)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, e.coord.Stop(context.Background()))
	assert.Equal(t, int32(1), got.Load(), "audio is with the recorder when Stop returns")
}

func TestAudioStartFailsWithoutTranscription(t *testing.T) {
	e := newEnv(t, envOptions{})
	fakeContext(t, e.bus, bus.Recorder, func(msg bus.Message) *bus.Message {
		return &bus.Message{
			Type:      bus.TypeTranscriptionError,
			From:      bus.Recorder,
			SessionID: msg.SessionID,
			Error:     &bus.ErrorPayload{Code: CodeCapabilityUnavailable, Message: "no backend"},
		}
	})

	_, err := e.coord.Start(context.Background(), ModeAudio)
	assert.ErrorIs(t, err, transcriber.ErrCapabilityUnavailable)
	assert.Equal(t, StateIdle, e.coord.State())

	require.Eventually(t, func() bool {
		w := e.launcher.Worker(bus.Offscreen)
		return w != nil && !w.Recording()
	}, time.Second, 5*time.Millisecond, "capture is stopped again")
}

func TestOwnerCloseStopsSession(t *testing.T) {
	e := newEnv(t, envOptions{})

	_, err := e.coord.Start(context.Background(), ModeTab)
	require.NoError(t, err)

	e.launcher.CloseContext(bus.Offscreen)

	require.Eventually(t, func() bool { return e.coord.State() == StateIdle }, time.Second, 5*time.Millisecond)
	assert.False(t, e.recordingFlag(t))
}

func TestConcurrentStartsKeepOneSession(t *testing.T) {
	e := newEnv(t, envOptions{})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.coord.Start(context.Background(), ModeTab)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrBusy)
	}
	assert.GreaterOrEqual(t, succeeded, 1)
	assert.Contains(t, []State{StateIdle, StateActive}, e.coord.State())
	assert.Equal(t, e.coord.State() == StateActive, e.recordingFlag(t))
}

func TestStartRequestedOverBus(t *testing.T) {
	e := newEnv(t, envOptions{})

	e.bus.Send(bus.Coordinator, bus.Message{Type: bus.TypeStartRecording, From: "popup", RecordingType: ModeTab})
	require.Eventually(t, func() bool { return e.coord.State() == StateActive }, time.Second, 5*time.Millisecond)

	e.bus.Send(bus.Coordinator, bus.Message{Type: bus.TypeStopRecording, From: "popup"})
	require.Eventually(t, func() bool { return e.coord.State() == StateIdle }, time.Second, 5*time.Millisecond)
}

func TestSilentCaptureDegradesSession(t *testing.T) {
	e := newEnv(t, envOptions{
		launcher: nopLauncher{},
		cfg:      Config{Heartbeat: HeartbeatConfig{Interval: 10 * time.Millisecond, Timeout: 40 * time.Millisecond}},
	})
	fakeContext(t, e.bus, bus.Offscreen, func(msg bus.Message) *bus.Message {
		if msg.Type != bus.TypeStartRecording {
			return nil
		}
		return &bus.Message{Type: bus.TypeRecordingStarted, From: bus.Offscreen, SessionID: msg.SessionID}
	})

	_, err := e.coord.Start(context.Background(), ModeTab)
	require.NoError(t, err)
	require.True(t, e.recordingFlag(t))

	require.Eventually(t, func() bool { return e.coord.State() == StateIdle }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !e.recordingFlag(t) }, time.Second, 5*time.Millisecond)

	data, err := os.ReadFile(e.journal.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"event":"degraded"`)
}

func TestHeartbeatKeepsLiveSessionActive(t *testing.T) {
	e := newEnv(t, envOptions{
		cfg: Config{Heartbeat: HeartbeatConfig{Interval: 10 * time.Millisecond, Timeout: 80 * time.Millisecond}},
	})

	_, err := e.coord.Start(context.Background(), ModeTab)
	require.NoError(t, err)

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, StateActive, e.coord.State())
	require.NoError(t, e.coord.Stop(context.Background()))
}

func TestJournalRecordsTransitions(t *testing.T) {
	e := newEnv(t, envOptions{})

	_, err := e.coord.Start(context.Background(), ModeTab)
	require.NoError(t, err)
	require.NoError(t, e.coord.Stop(context.Background()))

	data, err := os.ReadFile(e.journal.Path())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.GreaterOrEqual(t, len(lines), 4)
	assert.Contains(t, string(data), `"to":"active"`)
	assert.Contains(t, string(data), `"event":"artifact"`)
	assert.True(t, strings.HasSuffix(e.journal.Path(), "_sessions.jsonl"))
}

func TestNilJournalDiscards(t *testing.T) {
	var j *Journal
	j.LogTransition(RecordingSession{ID: "x"}, StateIdle, StateActive, "test")
	j.LogError(RecordingSession{ID: "x"}, errors.New("boom"))
	assert.Empty(t, j.Path())
	assert.NoError(t, j.Close())
}
