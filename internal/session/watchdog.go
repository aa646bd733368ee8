package session

import (
	"sync"
	"time"
)

// Watchdog pings a context at a fixed interval and fires once if no beat
// arrives within the timeout.
type Watchdog struct {
	interval  time.Duration
	timeout   time.Duration
	ping      func()
	onTimeout func()

	mu       sync.Mutex
	isActive bool
	lastBeat time.Time
	stop     chan struct{}
	done     chan struct{}
}

func NewWatchdog(interval, timeout time.Duration, ping, onTimeout func()) *Watchdog {
	return &Watchdog{
		interval:  interval,
		timeout:   timeout,
		ping:      ping,
		onTimeout: onTimeout,
	}
}

// Start arms the watchdog, restarting it if already running.
func (w *Watchdog) Start() {
	w.Stop()
	if w.interval <= 0 || w.timeout <= 0 {
		return
	}

	w.mu.Lock()
	w.isActive = true
	w.lastBeat = time.Now()
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	stop, done := w.stop, w.done
	w.mu.Unlock()

	go w.run(stop, done)
}

func (w *Watchdog) run(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			w.mu.Lock()
			expired := time.Since(w.lastBeat) > w.timeout
			if expired {
				w.isActive = false
			}
			w.mu.Unlock()

			if expired {
				go w.onTimeout()
				return
			}
			w.ping()
		}
	}
}

// Stop disarms the watchdog.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	stop, done := w.stop, w.done
	w.stop, w.done = nil, nil
	w.isActive = false
	w.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// Beat records a sign of life.
func (w *Watchdog) Beat() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastBeat = time.Now()
}

func (w *Watchdog) IsActive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isActive
}
