package transcriber

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// engine owns the websocket to a recognition server. It is shared by the
// concrete backends, which supply the dialer and the message decoder.
//
// If the connection ends while processing, the engine redials in the
// background. Redial failures are swallowed and retried until it succeeds
// or processing is stopped.
//
// Stopping sends the terminate frame and keeps reading until the server
// closes the socket or drainTimeout passes, so the result for the last
// utterance is still emitted.
type engine struct {
	name   string
	logger *zap.SugaredLogger

	dial      func(ctx context.Context) (*websocket.Conn, error)
	decode    func(msg []byte) []Event
	terminate func(conn *websocket.Conn)

	events chan Event
	closed chan struct{}

	opMu       sync.Mutex // serializes start, stop, announce and dispose
	mu         sync.Mutex
	writeMu    sync.Mutex
	conn       *websocket.Conn
	processing bool
	disposed   bool
	cancel     context.CancelFunc
	restarts   int
	wg         sync.WaitGroup

	maxRestartInterval time.Duration
	drainTimeout       time.Duration
}

func newEngine(name string, logger *zap.SugaredLogger) *engine {
	return &engine{
		name:               name,
		logger:             logger,
		events:             make(chan Event, 100),
		closed:             make(chan struct{}),
		maxRestartInterval: 5 * time.Second,
		drainTimeout:       DefaultDrainTimeout,
	}
}

func (e *engine) emit(ev Event) {
	select {
	case e.events <- ev:
	case <-e.closed:
	}
}

func (e *engine) isProcessing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.processing
}

func (e *engine) setDrainTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	e.drainTimeout = d
	e.mu.Unlock()
}

func (e *engine) restartCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.restarts
}

// announce emits a lifecycle event unless the engine is disposed.
func (e *engine) announce(ev Event) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.mu.Lock()
	disposed := e.disposed
	e.mu.Unlock()
	if !disposed {
		e.emit(ev)
	}
}

func (e *engine) start(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrNotInitialized
	}
	if e.processing {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	conn, err := e.dial(ctx)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	e.conn = conn
	e.cancel = cancel
	e.processing = true
	e.wg.Add(1)
	go e.read(runCtx, conn)
	e.mu.Unlock()

	e.emit(StatusChange(StatusProcessing, e.name+" listening"))
	return nil
}

func (e *engine) read(ctx context.Context, conn *websocket.Conn) {
	defer e.wg.Done()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				e.logger.Debugf("%s connection ended: %v", e.name, err)
			}
			e.connectionLost(ctx, conn)
			return
		}
		for _, ev := range e.decode(message) {
			e.emit(ev)
		}
	}
}

func (e *engine) connectionLost(ctx context.Context, conn *websocket.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.processing || e.conn != conn || ctx.Err() != nil {
		return
	}
	e.conn = nil
	e.wg.Add(1)
	go e.restart(ctx)
}

func (e *engine) restart(ctx context.Context) {
	defer e.wg.Done()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = e.maxRestartInterval
	policy.MaxElapsedTime = 0

	var conn *websocket.Conn
	err := backoff.Retry(func() error {
		c, err := e.dial(ctx)
		if err != nil {
			e.logger.Debugf("%s restart failed: %v", e.name, err)
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return
	}

	e.mu.Lock()
	if !e.processing || ctx.Err() != nil {
		e.mu.Unlock()
		conn.Close()
		return
	}
	e.conn = conn
	e.restarts++
	e.wg.Add(1)
	go e.read(ctx, conn)
	e.mu.Unlock()

	e.logger.Infof("%s recognition restarted", e.name)
}

// write sends one binary frame. Audio arriving while the connection is being
// re-established is dropped.
func (e *engine) write(data []byte) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return nil
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		e.logger.Debugf("%s write failed: %v", e.name, err)
	}
	return nil
}

func (e *engine) writeText(data []byte) {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func (e *engine) stop() {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.stopLocked()
}

func (e *engine) stopLocked() {
	e.mu.Lock()
	if !e.processing {
		e.mu.Unlock()
		return
	}
	e.processing = false
	conn := e.conn
	e.conn = nil
	cancel := e.cancel
	drain := e.drainTimeout
	e.mu.Unlock()

	if conn == nil {
		// Between connections: nothing to drain, abort the redial.
		cancel()
		e.wg.Wait()
		e.emit(StatusChange(StatusReady, e.name+" stopped"))
		return
	}

	if e.terminate != nil {
		e.writeMu.Lock()
		e.terminate(conn)
		e.writeMu.Unlock()
	}

	drained := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drain):
		e.logger.Debugf("%s did not close within %v after terminate", e.name, drain)
	}
	cancel()
	conn.Close()
	<-drained
	e.emit(StatusChange(StatusReady, e.name+" stopped"))
}

func (e *engine) dispose() {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.stopLocked()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return
	}
	e.disposed = true
	close(e.closed)
	close(e.events)
}
