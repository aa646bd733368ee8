package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/CyCoreSystems/audiosocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AudioSocketMic exposes AudioSocket peers (softphones, Asterisk channels) as
// microphones. Each connected peer is one device; the most recently connected
// peer is the default input.
type AudioSocketMic struct {
	addr   string
	logger *zap.SugaredLogger

	listener net.Listener
	shutdown chan struct{}
	wg       sync.WaitGroup

	mu     sync.Mutex
	peers  map[uuid.UUID]*micPeer
	latest uuid.UUID
}

type micPeer struct {
	id   uuid.UUID
	mu   sync.Mutex
	subs map[*Track]struct{}
}

func NewAudioSocketMic(addr string, logger *zap.SugaredLogger) *AudioSocketMic {
	return &AudioSocketMic{
		addr:     addr,
		logger:   logger,
		shutdown: make(chan struct{}),
		peers:    make(map[uuid.UUID]*micPeer),
	}
}

// Start opens the listener and accepts peers in the background.
func (m *AudioSocketMic) Start() error {
	listener, err := net.Listen("tcp", m.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.addr, err)
	}
	m.listener = listener
	m.logger.Infof("AudioSocket microphone listening on %s", listener.Addr())

	m.wg.Add(1)
	go m.acceptLoop()
	return nil
}

// Addr returns the bound address once started.
func (m *AudioSocketMic) Addr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

func (m *AudioSocketMic) Stop() {
	select {
	case <-m.shutdown:
		return
	default:
	}
	close(m.shutdown)
	if m.listener != nil {
		m.listener.Close()
	}
	m.wg.Wait()
}

func (m *AudioSocketMic) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.logger.Warnf("Accept error: %v", err)
			continue
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.Serve(conn)
		}()
	}
}

// Serve reads one peer until it hangs up or the connection drops.
func (m *AudioSocketMic) Serve(conn net.Conn) {
	defer conn.Close()

	id, err := audiosocket.GetID(conn)
	if err != nil {
		m.logger.Warnf("Failed to get ID: %v", err)
		return
	}

	peer := &micPeer{id: id, subs: make(map[*Track]struct{})}
	m.mu.Lock()
	m.peers[id] = peer
	m.latest = id
	m.mu.Unlock()
	m.logger.Infof("Microphone %s connected from %s", id, conn.RemoteAddr())

	defer func() {
		m.mu.Lock()
		delete(m.peers, id)
		if m.latest == id {
			m.latest = uuid.Nil
			for other := range m.peers {
				m.latest = other
			}
		}
		m.mu.Unlock()
		m.logger.Infof("Microphone %s disconnected", id)
	}()

	for {
		msg, err := audiosocket.NextMessage(conn)
		if err != nil {
			if err != io.EOF {
				m.logger.Debugf("Microphone %s: failed to read message: %v", id, err)
			}
			return
		}

		switch msg.Kind() {
		case audiosocket.KindSlin:
			if payload := msg.Payload(); len(payload) > 0 {
				peer.fanOut(payload)
			}
		case audiosocket.KindError:
			m.logger.Warnf("Microphone %s: received error code %d", id, msg.ErrorCode())
			return
		case audiosocket.KindHangup:
			return
		}
	}
}

func (p *micPeer) fanOut(payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for t := range p.subs {
		frame := make([]byte, len(payload))
		copy(frame, payload)
		t.Push(frame)
	}
}

func (m *AudioSocketMic) Permission(ctx context.Context, source Source) (PermissionState, error) {
	if source != SourceMicrophone {
		return PermissionDenied, nil
	}
	return PermissionGranted, nil
}

// ResolveHandle returns the id of the default peer.
func (m *AudioSocketMic) ResolveHandle(ctx context.Context, source Source) (string, error) {
	if source != SourceMicrophone {
		return "", fmt.Errorf("%w: %s", ErrDeviceNotFound, source)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == uuid.Nil {
		return "", fmt.Errorf("%w: no microphone connected", ErrDeviceNotFound)
	}
	return m.latest.String(), nil
}

// Acquire subscribes a new audio track to the peer named by the handle, or to
// the default peer when no handle is given.
func (m *AudioSocketMic) Acquire(ctx context.Context, req Request) (*Stream, error) {
	if req.Source != SourceMicrophone || !req.Audio {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, req.Source)
	}

	m.mu.Lock()
	id := m.latest
	if req.Handle != "" {
		parsed, err := uuid.Parse(req.Handle)
		if err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: bad handle %q", ErrDeviceNotFound, req.Handle)
		}
		id = parsed
	}
	peer, ok := m.peers[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no microphone connected", ErrDeviceNotFound)
	}

	t := NewTrack(KindAudio, SourceMicrophone, "audiosocket "+id.String()[:8], 0)
	t.onStop = func() {
		peer.mu.Lock()
		delete(peer.subs, t)
		peer.mu.Unlock()
	}
	peer.mu.Lock()
	peer.subs[t] = struct{}{}
	peer.mu.Unlock()

	return &Stream{Tracks: []*Track{t}}, nil
}
