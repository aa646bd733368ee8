package capture

import (
	"context"
	"sync"

	"github.com/amanullahtanweer/fluidy-recorder/internal/bus"
	"github.com/amanullahtanweer/fluidy-recorder/internal/device"
	"go.uber.org/zap"
)

// Launcher creates capture contexts on demand, the way a hidden document is
// created the first time it is needed and reused afterwards.
type Launcher struct {
	bus     *bus.Bus
	devices device.Provider
	cfg     Config
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	workers map[string]*Worker
	closers map[string]func()
}

func NewLauncher(b *bus.Bus, devices device.Provider, cfg Config, logger *zap.SugaredLogger) *Launcher {
	return &Launcher{
		bus:     b,
		devices: devices,
		cfg:     cfg,
		logger:  logger,
		workers: make(map[string]*Worker),
		closers: make(map[string]func()),
	}
}

// EnsureCapture makes sure a capture context named name is registered.
func (l *Launcher) EnsureCapture(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.bus.Registered(name) {
		return nil
	}
	w := NewWorker(name, l.bus, l.devices, l.cfg, l.logger)
	closeFn, err := w.Attach()
	if err != nil {
		return err
	}
	l.workers[name] = w
	l.closers[name] = closeFn
	l.logger.Infof("Capture context %s created", name)
	return nil
}

// Worker returns the live worker for name, if any.
func (l *Launcher) Worker(name string) *Worker {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.workers[name]
}

// CloseContext tears one capture context down, as closing its document would.
func (l *Launcher) CloseContext(name string) {
	l.mu.Lock()
	closeFn := l.closers[name]
	delete(l.closers, name)
	delete(l.workers, name)
	l.mu.Unlock()
	if closeFn != nil {
		closeFn()
	}
}

func (l *Launcher) Close() {
	l.mu.Lock()
	names := make([]string, 0, len(l.closers))
	for name := range l.closers {
		names = append(names, name)
	}
	l.mu.Unlock()
	for _, name := range names {
		l.CloseContext(name)
	}
}
