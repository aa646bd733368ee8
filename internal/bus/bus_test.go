package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBus(t *testing.T, attempts int, interval time.Duration) *Bus {
	t.Helper()
	b := New(Config{MaxAttempts: attempts, RetryInterval: interval}, zap.NewNop().Sugar())
	t.Cleanup(b.Close)
	return b
}

func TestDeliverRunsHandler(t *testing.T) {
	b := newTestBus(t, 3, 10*time.Millisecond)

	var got Message
	_, err := b.Register(Offscreen, func(ctx context.Context, msg Message) {
		got = msg
	})
	require.NoError(t, err)

	err = b.Deliver(context.Background(), Offscreen, Message{Type: TypeStartRecording, Data: "handle-1"})
	require.NoError(t, err)
	assert.Equal(t, TypeStartRecording, got.Type)
	assert.Equal(t, "handle-1", got.Data)
}

func TestSendRetriesUntilContextRegisters(t *testing.T) {
	b := newTestBus(t, 10, 20*time.Millisecond)

	var invocations int32
	b.Send(Offscreen, Message{Type: TypeStartRecording, Data: "handle"})

	// Roughly three attempts fail before the context shows up.
	time.Sleep(50 * time.Millisecond)
	_, err := b.Register(Offscreen, func(ctx context.Context, msg Message) {
		atomic.AddInt32(&invocations, 1)
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&invocations) == 1
	}, time.Second, 5*time.Millisecond)

	// No duplicate delivery shows up later.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&invocations))
}

func TestDeliverExhaustsRetries(t *testing.T) {
	b := newTestBus(t, 4, 5*time.Millisecond)

	start := time.Now()
	err := b.Deliver(context.Background(), Desktop, Message{Type: TypeStopRecording})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDeliveryExhausted))
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestSendDropsSilentlyWhenNobodyListens(t *testing.T) {
	b := newTestBus(t, 2, time.Millisecond)

	// Must not panic or block the caller.
	b.Send("nowhere", Message{Type: TypePing})
	time.Sleep(20 * time.Millisecond)
}

func TestDeliverHonorsContextCancel(t *testing.T) {
	b := newTestBus(t, 100, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := b.Deliver(ctx, Recorder, Message{Type: TypePing})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMessagesHandledInArrivalOrder(t *testing.T) {
	b := newTestBus(t, 3, time.Millisecond)

	var mu sync.Mutex
	var seen []string
	_, err := b.Register(Recorder, func(ctx context.Context, msg Message) {
		mu.Lock()
		seen = append(seen, msg.FileName)
		mu.Unlock()
	})
	require.NoError(t, err)

	for _, name := range []string{"a", "b", "c", "d"} {
		require.NoError(t, b.Deliver(context.Background(), Recorder, Message{Type: TypeProcessAudioFile, FileName: name}))
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c", "d"}, seen)
}

func TestMessagePayloadIsCopied(t *testing.T) {
	b := newTestBus(t, 3, time.Millisecond)

	received := make(chan Message, 1)
	_, err := b.Register(Coordinator, func(ctx context.Context, msg Message) {
		received <- msg
	})
	require.NoError(t, err)

	artifact := []byte{1, 2, 3}
	require.NoError(t, b.Deliver(context.Background(), Coordinator, Message{Type: TypeRecorded, Artifact: artifact}))
	artifact[0] = 9

	msg := <-received
	assert.Equal(t, []byte{1, 2, 3}, msg.Artifact)
}

func TestRegisterTwiceFails(t *testing.T) {
	b := newTestBus(t, 3, time.Millisecond)

	_, err := b.Register(Offscreen, func(context.Context, Message) {})
	require.NoError(t, err)
	_, err = b.Register(Offscreen, func(context.Context, Message) {})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestOnCloseFiresOnUnregister(t *testing.T) {
	b := newTestBus(t, 3, time.Millisecond)

	closed := make(chan string, 1)
	b.OnClose(func(name string) { closed <- name })

	unregister, err := b.Register(Desktop, func(context.Context, Message) {})
	require.NoError(t, err)
	assert.True(t, b.Registered(Desktop))

	unregister()
	unregister()

	select {
	case name := <-closed:
		assert.Equal(t, Desktop, name)
	case <-time.After(time.Second):
		t.Fatal("close hook did not fire")
	}
	assert.False(t, b.Registered(Desktop))
}
