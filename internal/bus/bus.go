package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

var (
	// ErrDeliveryExhausted means the target context never registered a
	// handler before retries ran out.
	ErrDeliveryExhausted = errors.New("message delivery exhausted")
	// ErrContextClosed means the target context went away after accepting
	// the message but before handling it.
	ErrContextClosed = errors.New("context closed before handling message")
	ErrAlreadyRegistered = errors.New("context already registered")

	errNotReady = errors.New("context not ready")
)

// Config controls the bounded retry applied to every send.
type Config struct {
	MaxAttempts   int           `yaml:"max_attempts" validate:"gte=0"`
	RetryInterval time.Duration `yaml:"retry_interval" validate:"gte=0"`
	InboxSize     int           `yaml:"inbox_size" validate:"gte=0"`
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:   10,
		RetryInterval: 300 * time.Millisecond,
		InboxSize:     32,
	}
}

// Handler runs inside the receiving context's goroutine.
type Handler func(ctx context.Context, msg Message)

type envelope struct {
	msg  Message
	done chan struct{}
}

type endpoint struct {
	name    string
	handler Handler
	inbox   chan envelope
	quit    chan struct{}
}

// Bus routes messages to registered contexts.
type Bus struct {
	cfg    Config
	logger *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	endpoints  map[string]*endpoint
	closeHooks []func(name string)
	wg         sync.WaitGroup
}

func New(cfg Config, logger *zap.SugaredLogger) *Bus {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = def.InboxSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		endpoints: make(map[string]*endpoint),
	}
}

// Register makes a context reachable under name. The returned function
// unregisters it; messages still queued for it are dropped.
func (b *Bus) Register(name string, h Handler) (func(), error) {
	b.mu.Lock()
	if _, exists := b.endpoints[name]; exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	ep := &endpoint{
		name:    name,
		handler: h,
		inbox:   make(chan envelope, b.cfg.InboxSize),
		quit:    make(chan struct{}),
	}
	b.endpoints[name] = ep
	b.mu.Unlock()

	b.wg.Add(1)
	go b.run(ep)

	b.logger.Debugf("Context %s registered", name)

	return func() { b.unregister(ep) }, nil
}

func (b *Bus) run(ep *endpoint) {
	defer b.wg.Done()
	for {
		select {
		case <-ep.quit:
			return
		case env := <-ep.inbox:
			ep.handler(b.ctx, env.msg)
			if env.done != nil {
				close(env.done)
			}
		}
	}
}

func (b *Bus) unregister(ep *endpoint) {
	b.mu.Lock()
	cur, ok := b.endpoints[ep.name]
	if !ok || cur != ep {
		b.mu.Unlock()
		return
	}
	delete(b.endpoints, ep.name)
	hooks := append([]func(string){}, b.closeHooks...)
	b.mu.Unlock()

	close(ep.quit)
	b.logger.Debugf("Context %s closed", ep.name)

	for _, hook := range hooks {
		hook(ep.name)
	}
}

// OnClose registers fn to be called whenever a context unregisters.
func (b *Bus) OnClose(fn func(name string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeHooks = append(b.closeHooks, fn)
}

// Registered reports whether a handler currently exists for name.
func (b *Bus) Registered(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.endpoints[name]
	return ok
}

// Send delivers msg to target in the background. If the target has not
// registered yet the send is retried at a fixed interval; after the last
// attempt the message is dropped and only logged.
func (b *Bus) Send(target string, msg Message) {
	go func() {
		if _, err := b.offerWithRetry(b.ctx, target, envelope{msg: msg.clone()}); err != nil {
			b.logger.Warnf("Delivery of %s to %s dropped: %v", msg.Type, target, err)
		}
	}()
}

// Deliver is the waiting variant of Send: it returns once the target's
// handler has run, or ErrDeliveryExhausted if the target never became ready.
func (b *Bus) Deliver(ctx context.Context, target string, msg Message) error {
	env := envelope{msg: msg.clone(), done: make(chan struct{})}
	ep, err := b.offerWithRetry(ctx, target, env)
	if err != nil {
		return err
	}
	select {
	case <-env.done:
		return nil
	case <-ep.quit:
		// The handler may have finished just before the context closed.
		select {
		case <-env.done:
			return nil
		default:
			return ErrContextClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) offerWithRetry(ctx context.Context, target string, env envelope) (*endpoint, error) {
	var accepted *endpoint
	attempts := 0
	op := func() error {
		attempts++
		ep, ok := b.offer(ctx, target, env)
		if !ok {
			return errNotReady
		}
		accepted = ep
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(b.cfg.RetryInterval), uint64(b.cfg.MaxAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s after %d attempts", ErrDeliveryExhausted, target, attempts)
	}
	if attempts > 1 {
		b.logger.Debugf("Delivered %s to %s after %d attempts", env.msg.Type, target, attempts)
	}
	return accepted, nil
}

func (b *Bus) offer(ctx context.Context, target string, env envelope) (*endpoint, bool) {
	b.mu.RLock()
	ep, ok := b.endpoints[target]
	b.mu.RUnlock()
	if !ok {
		return nil, false
	}
	select {
	case ep.inbox <- env:
		return ep, true
	case <-ep.quit:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// Close unregisters every context and stops pending retries.
func (b *Bus) Close() {
	b.cancel()
	b.mu.RLock()
	eps := make([]*endpoint, 0, len(b.endpoints))
	for _, ep := range b.endpoints {
		eps = append(eps, ep)
	}
	b.mu.RUnlock()
	for _, ep := range eps {
		b.unregister(ep)
	}
	b.wg.Wait()
}
