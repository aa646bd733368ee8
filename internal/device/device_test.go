package device

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/CyCoreSystems/audiosocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"permission", ErrPermissionDenied, CodePermissionDenied},
		{"missing", ErrDeviceNotFound, CodeDeviceNotFound},
		{"other", errors.New("boom"), CodeCaptureFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, Code(tt.err))
			assert.Equal(t, tt.code, Code(ErrorFromCode(tt.code, "x")))
		})
	}
}

func TestTrackStopIsCountedAndReleasedOnce(t *testing.T) {
	released := 0
	tr := NewTrack(KindAudio, SourceMicrophone, "mic", 1)
	tr.onStop = func() { released++ }

	assert.True(t, tr.Push([]byte{1}))
	assert.True(t, tr.Push([]byte{2}), "full buffer drops instead of blocking")

	tr.Stop()
	tr.Stop()

	assert.Equal(t, 2, tr.StopCalls())
	assert.Equal(t, 1, released)
	assert.True(t, tr.Stopped())
	assert.False(t, tr.Push([]byte{3}))
}

func TestVirtualAcquire(t *testing.T) {
	ctx := context.Background()
	v := NewVirtual(VirtualConfig{FrameRate: 50}, zap.NewNop().Sugar())

	handle, err := v.ResolveHandle(ctx, SourceTab)
	require.NoError(t, err)

	stream, err := v.Acquire(ctx, Request{Source: SourceTab, Handle: handle, Audio: true, Video: true})
	require.NoError(t, err)
	require.Len(t, stream.VideoTracks(), 1)
	assert.Empty(t, stream.AudioTracks(), "tab audio needs SystemAudio")

	select {
	case frame := <-stream.VideoTracks()[0].Frames():
		assert.Len(t, frame, virtualVideoFrame)
	case <-time.After(time.Second):
		t.Fatal("no video frame produced")
	}
	stream.VideoTracks()[0].Stop()
}

func TestVirtualRejectsUnknownHandle(t *testing.T) {
	v := NewVirtual(VirtualConfig{}, zap.NewNop().Sugar())
	_, err := v.Acquire(context.Background(), Request{Source: SourceScreen, Handle: "nope", Video: true})
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestVirtualPermissionsAndAvailability(t *testing.T) {
	ctx := context.Background()
	v := NewVirtual(VirtualConfig{
		Permissions: map[Source]PermissionState{SourceMicrophone: PermissionDenied},
		Unavailable: []Source{SourceCamera},
	}, zap.NewNop().Sugar())

	state, err := v.Permission(ctx, SourceMicrophone)
	require.NoError(t, err)
	assert.Equal(t, PermissionDenied, state)

	_, err = v.Acquire(ctx, Request{Source: SourceMicrophone, Audio: true})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = v.Acquire(ctx, Request{Source: SourceCamera, Video: true})
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestRouterDispatchesBySource(t *testing.T) {
	ctx := context.Background()
	denied := NewVirtual(VirtualConfig{
		Permissions: map[Source]PermissionState{SourceMicrophone: PermissionDenied},
	}, zap.NewNop().Sugar())
	r := NewRouter(nil).Route(SourceMicrophone, denied)

	state, err := r.Permission(ctx, SourceMicrophone)
	require.NoError(t, err)
	assert.Equal(t, PermissionDenied, state)

	_, err = r.ResolveHandle(ctx, SourceTab)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestAudioSocketMicFansOutSlin(t *testing.T) {
	mic := NewAudioSocketMic("127.0.0.1:0", zap.NewNop().Sugar())
	ctx := context.Background()

	_, err := mic.ResolveHandle(ctx, SourceMicrophone)
	require.ErrorIs(t, err, ErrDeviceNotFound)

	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		mic.Serve(server)
		close(done)
	}()

	id := uuid.New()
	_, err = client.Write(audiosocket.IDMessage(id))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		h, err := mic.ResolveHandle(ctx, SourceMicrophone)
		return err == nil && h == id.String()
	}, time.Second, 5*time.Millisecond)

	stream, err := mic.Acquire(ctx, Request{Source: SourceMicrophone, Audio: true})
	require.NoError(t, err)
	track := stream.AudioTracks()[0]

	payload := []byte{1, 2, 3, 4}
	_, err = client.Write(audiosocket.SlinMessage(payload))
	require.NoError(t, err)

	select {
	case frame := <-track.Frames():
		assert.Equal(t, payload, frame)
	case <-time.After(time.Second):
		t.Fatal("no frame received")
	}

	_, err = client.Write(audiosocket.HangupMessage())
	require.NoError(t, err)
	<-done
	client.Close()

	_, err = mic.ResolveHandle(ctx, SourceMicrophone)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	track.Stop()
}
