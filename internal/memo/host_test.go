package memo

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/amanullahtanweer/fluidy-recorder/internal/audio"
	"github.com/amanullahtanweer/fluidy-recorder/internal/bus"
	"github.com/amanullahtanweer/fluidy-recorder/internal/device"
	"github.com/amanullahtanweer/fluidy-recorder/internal/store"
	"github.com/amanullahtanweer/fluidy-recorder/internal/transcriber"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBackend struct {
	events chan transcriber.Event

	mu       sync.Mutex
	onStop   []transcriber.Event
	started  int
	stopped  int
	bytes    int
	disposed bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{events: make(chan transcriber.Event, 64)}
}

func (f *fakeBackend) Name() string    { return "fake" }
func (f *fakeBackend) Supported() bool { return true }

func (f *fakeBackend) Initialize(ctx context.Context, cfg transcriber.Config) error { return nil }

func (f *fakeBackend) StartProcessing(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return nil
}

func (f *fakeBackend) StopProcessing(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	for _, ev := range f.onStop {
		f.events <- ev
	}
	f.onStop = nil
	return nil
}

func (f *fakeBackend) ProcessAudioChunk(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bytes += len(pcm)
	return nil
}

func (f *fakeBackend) Events() <-chan transcriber.Event { return f.events }

func (f *fakeBackend) Dispose() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.disposed {
		f.disposed = true
		close(f.events)
	}
	return nil
}

func (f *fakeBackend) fed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bytes
}

type fixture struct {
	bus     *bus.Bus
	store   *store.Store
	host    *Host
	backend *fakeBackend
	replies chan bus.Message
}

func newFixture(t *testing.T, candidates ...transcriber.Candidate) *fixture {
	t.Helper()
	logger := zap.NewNop().Sugar()

	b := bus.New(bus.Config{MaxAttempts: 3, RetryInterval: 5 * time.Millisecond}, logger)
	t.Cleanup(b.Close)

	st := store.Open(filepath.Join(t.TempDir(), "memos.db"))
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{bus: b, store: st, replies: make(chan bus.Message, 16)}
	if candidates == nil {
		candidates = []transcriber.Candidate{{Name: "fake", New: func() transcriber.Backend {
			f.backend = newFakeBackend()
			return f.backend
		}}}
	}

	factory := transcriber.NewFactory(logger, candidates...)
	devices := device.NewVirtual(device.VirtualConfig{}, logger)
	f.host = NewHost(b, devices, factory, st.Memos(), st, transcriber.Config{}, logger)
	f.host.Player = &audio.Player{ChunkSize: 320}
	require.NoError(t, f.host.Attach(context.Background()))
	t.Cleanup(f.host.Close)

	_, err := b.Register(bus.Coordinator, func(ctx context.Context, msg bus.Message) {
		f.replies <- msg
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) deliver(t *testing.T, msg bus.Message) {
	t.Helper()
	msg.From = bus.Coordinator
	require.NoError(t, f.bus.Deliver(context.Background(), bus.Recorder, msg))
}

func (f *fixture) reply(t *testing.T) bus.Message {
	t.Helper()
	select {
	case m := <-f.replies:
		return m
	case <-time.After(time.Second):
		t.Fatal("no reply from recorder")
		return bus.Message{}
	}
}

func (f *fixture) waitTranscript(t *testing.T, want string) {
	t.Helper()
	require.Eventually(t, func() bool { return f.host.Draft().Transcript == want }, time.Second, 5*time.Millisecond)
}

func TestLiveSessionSavesFinalTranscript(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.deliver(t, bus.Message{Type: bus.TypeStartRecording, SessionID: "s1", RecordingType: "audio"})
	started := f.reply(t)
	require.Equal(t, bus.TypeTranscriptionStarted, started.Type)
	assert.Equal(t, "s1", started.SessionID)
	assert.True(t, f.host.Draft().Processing)

	f.backend.events <- transcriber.Partial("hel")
	f.backend.events <- transcriber.Partial("hello")
	f.backend.events <- transcriber.Final("hello world", 0.9)

	require.Eventually(t, func() bool { return f.backend.fed() > 0 }, time.Second, 5*time.Millisecond, "microphone audio reaches the backend")

	_, err := f.host.Save(ctx, "too early")
	assert.ErrorIs(t, err, ErrRecordingInProgress)

	f.deliver(t, bus.Message{Type: bus.TypeStopRecording, SessionID: "s1"})
	assert.False(t, f.host.Draft().Processing)
	f.waitTranscript(t, "hello world")

	m, err := f.host.Save(ctx, "Standup")
	require.NoError(t, err)
	assert.Equal(t, "hello world", m.Transcript)
	assert.Equal(t, "en-US", m.Language)

	saved, err := f.store.Memos().Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello world", saved.Transcript)
	assert.Equal(t, "Standup", saved.Title)

	assert.Empty(t, f.host.Draft().Transcript, "draft cleared after save")
}

func TestSaveRejectsEmptyTranscript(t *testing.T) {
	f := newFixture(t)

	_, err := f.host.Save(context.Background(), "nothing yet")
	assert.ErrorIs(t, err, ErrEmptyTranscript)

	f.deliver(t, bus.Message{Type: bus.TypeStartRecording, SessionID: "s1"})
	f.reply(t)
	f.backend.events <- transcriber.Partial("um")
	f.deliver(t, bus.Message{Type: bus.TypeStopRecording, SessionID: "s1"})

	_, err = f.host.Save(context.Background(), "only interim")
	assert.ErrorIs(t, err, ErrEmptyTranscript)

	n, err := f.store.Memos().Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t)

	f.deliver(t, bus.Message{Type: bus.TypeStopRecording})
	f.deliver(t, bus.Message{Type: bus.TypeStartRecording, SessionID: "s1"})
	f.reply(t)
	f.deliver(t, bus.Message{Type: bus.TypeStopRecording, SessionID: "s1"})
	f.deliver(t, bus.Message{Type: bus.TypeStopRecording, SessionID: "s1"})

	f.backend.mu.Lock()
	defer f.backend.mu.Unlock()
	assert.Equal(t, 1, f.backend.started)
	assert.Equal(t, 1, f.backend.stopped)
}

func TestStartWithoutBackendReportsCapability(t *testing.T) {
	f := newFixture(t, transcriber.Candidate{Name: "none", New: func() transcriber.Backend {
		b := newFakeBackend()
		return unsupported{b}
	}})

	f.deliver(t, bus.Message{Type: bus.TypeStartRecording, SessionID: "s1"})
	reply := f.reply(t)
	assert.Equal(t, bus.TypeTranscriptionError, reply.Type)
	require.NotNil(t, reply.Error)
	assert.Equal(t, CodeCapabilityUnavailable, reply.Error.Code)
	assert.False(t, f.host.Draft().Processing)
}

type unsupported struct{ *fakeBackend }

func (unsupported) Supported() bool { return false }

func TestRecordedArtifactBecomesMemoAudio(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.deliver(t, bus.Message{Type: bus.TypeStartRecording, SessionID: "s1"})
	f.reply(t)
	f.backend.events <- transcriber.Final("note to self", 0.8)
	f.deliver(t, bus.Message{Type: bus.TypeStopRecording, SessionID: "s1"})
	f.deliver(t, bus.Message{
		Type:      bus.TypeRecorded,
		SessionID: "s1",
		Artifact:  []byte("encoded-audio"),
		MimeType:  "audio/x-fluidy-frames",
		Duration:  2.5,
	})
	f.waitTranscript(t, "note to self")

	m, err := f.host.Save(ctx, "")
	require.NoError(t, err)
	assert.Contains(t, m.Title, "Memo ")

	saved, err := f.store.Memos().Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("encoded-audio"), saved.AudioBlob)
	assert.Equal(t, "audio/x-fluidy-frames", saved.AudioType)
	assert.Equal(t, 2.5, saved.Duration)
}

func TestStopKeepsFinalEmittedWhileStopping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.deliver(t, bus.Message{Type: bus.TypeStartRecording, SessionID: "s1"})
	f.reply(t)
	f.backend.events <- transcriber.Partial("last thing")
	f.backend.mu.Lock()
	f.backend.onStop = []transcriber.Event{transcriber.Final("last thing I said", 0.7)}
	f.backend.mu.Unlock()

	f.deliver(t, bus.Message{Type: bus.TypeStopRecording, SessionID: "s1"})

	m, err := f.host.Save(ctx, "")
	require.NoError(t, err, "the final is in the draft as soon as stop is handled")
	assert.Equal(t, "last thing I said", m.Transcript)
}

func TestLateArtifactIsDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.deliver(t, bus.Message{Type: bus.TypeStartRecording, SessionID: "s1"})
	f.reply(t)
	f.backend.events <- transcriber.Final("saved already", 1)
	f.deliver(t, bus.Message{Type: bus.TypeStopRecording, SessionID: "s1"})
	f.waitTranscript(t, "saved already")

	_, err := f.host.Save(ctx, "")
	require.NoError(t, err)

	f.deliver(t, bus.Message{Type: bus.TypeRecorded, SessionID: "s1", Artifact: []byte("late"), MimeType: "audio/x-fluidy-frames"})
	f.deliver(t, bus.Message{Type: bus.TypeRecorded, Artifact: []byte("anonymous")})
	d := f.host.Draft()
	assert.Zero(t, d.AudioBytes)
	assert.Empty(t, d.AudioType)
}

func TestProcessAudioFilePlaysIntoPipeline(t *testing.T) {
	f := newFixture(t)

	pcm := make([]byte, 3200)
	wav := audio.EncodeWAV(pcm, 8000)

	f.deliver(t, bus.Message{
		Type:      bus.TypeProcessAudioFile,
		AudioData: wav,
		FileName:  "clip.wav",
	})
	assert.Equal(t, bus.TypeTranscriptionStarted, f.reply(t).Type)

	require.Eventually(t, func() bool { return !f.host.Draft().Processing }, time.Second, 5*time.Millisecond)
	assert.Equal(t, len(pcm), f.backend.fed())

	d := f.host.Draft()
	assert.Equal(t, len(wav), d.AudioBytes)
	assert.Equal(t, "audio/wav", d.AudioType)
	assert.Equal(t, "clip.wav", d.FileName)
	assert.InDelta(t, 0.2, d.Duration, 0.001)
}

func TestProcessAudioFileRejectsGarbage(t *testing.T) {
	f := newFixture(t)

	f.deliver(t, bus.Message{Type: bus.TypeProcessAudioFile, AudioData: []byte("not a wav"), FileName: "x.mp3"})
	reply := f.reply(t)
	assert.Equal(t, bus.TypeTranscriptionError, reply.Type)
	assert.False(t, f.host.Draft().Processing)
}

func TestSubscribersSeeEveryEventOnce(t *testing.T) {
	f := newFixture(t)
	events, cancel := f.host.Subscribe()
	defer cancel()

	f.deliver(t, bus.Message{Type: bus.TypeStartRecording, SessionID: "s1"})
	f.reply(t)
	f.backend.events <- transcriber.Partial("a")
	f.backend.events <- transcriber.ErrorEvent(transcriber.CodeNoSpeech, "silence")
	f.backend.events <- transcriber.Final("a b", 0.7)

	var got []transcriber.Event
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("got %d events", len(got))
		}
	}
	assert.Equal(t, transcriber.EventPartial, got[0].Kind)
	assert.Equal(t, transcriber.EventFinal, got[1].Kind)
	assert.Equal(t, "a b", got[1].Text)
}

func TestClearAndLanguage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.host.SetLanguage(ctx, "xx-YY"), ErrUnsupportedLanguage)
	require.NoError(t, f.host.SetLanguage(ctx, "fr-FR"))
	assert.Equal(t, "fr-FR", f.host.Language())

	v, err := f.store.State(ctx, store.KeyLanguage)
	require.NoError(t, err)
	assert.Equal(t, "fr-FR", v.String())

	f.deliver(t, bus.Message{Type: bus.TypeStartRecording, SessionID: "s1"})
	f.reply(t)
	assert.ErrorIs(t, f.host.Clear(), ErrRecordingInProgress)
	f.backend.events <- transcriber.Final("bonjour", 0.9)
	f.deliver(t, bus.Message{Type: bus.TypeStopRecording, SessionID: "s1"})
	f.waitTranscript(t, "bonjour")

	require.NoError(t, f.host.Clear())
	_, err = f.host.Save(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyTranscript)
}
