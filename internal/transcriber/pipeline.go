package transcriber

import (
	"context"
	"strings"
	"sync"

	"github.com/amanullahtanweer/fluidy-recorder/internal/metrics"
	"go.uber.org/zap"
)

// Segment is one piece of the transcript. Finals never change once
// appended; the interim is replaced by the next interim or final.
type Segment struct {
	Text       string  `json:"text"`
	IsFinal    bool    `json:"isFinal"`
	Confidence float64 `json:"confidence,omitempty"`
	Sequence   int     `json:"sequence"`
}

// Pipeline multiplexes a backend's event stream: it numbers segments,
// keeps the ordered finals, drops transient errors and fans the rest out to
// subscribers.
type Pipeline struct {
	backend Backend
	metrics *metrics.SessionMetrics
	logger  *zap.SugaredLogger

	mu       sync.Mutex
	status   Status
	finals   []Segment
	interim  *Segment
	subs     map[int]chan Event
	nextSub  int
	finished bool

	flush     chan chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewPipeline(b Backend, m *metrics.SessionMetrics, logger *zap.SugaredLogger) *Pipeline {
	p := &Pipeline{
		backend: b,
		metrics: m,
		logger:  logger,
		status:  StatusReady,
		subs:    make(map[int]chan Event),
		flush:   make(chan chan struct{}),
		done:    make(chan struct{}),
	}
	go p.consume()
	return p
}

func (p *Pipeline) Backend() string { return p.backend.Name() }

func (p *Pipeline) Start(ctx context.Context) error {
	return p.backend.StartProcessing(ctx)
}

// Stop stops the backend and returns once every event it emitted while
// stopping has been applied, so Transcript includes the last final.
func (p *Pipeline) Stop(ctx context.Context) error {
	err := p.backend.StopProcessing(ctx)
	ack := make(chan struct{})
	select {
	case p.flush <- ack:
		<-ack
	case <-p.done:
	}
	return err
}

func (p *Pipeline) ProcessAudioChunk(pcm []byte) error {
	if p.metrics != nil {
		p.metrics.AddAudioBytes(len(pcm))
	}
	return p.backend.ProcessAudioChunk(pcm)
}

// Close disposes the backend and waits until every pending event has been
// applied. Subscriber channels are closed.
func (p *Pipeline) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.backend.Dispose()
		<-p.done
	})
	return err
}

func (p *Pipeline) consume() {
	defer close(p.done)
	events := p.backend.Events()
	for open := true; open; {
		select {
		case ev, ok := <-events:
			if !ok {
				open = false
				break
			}
			p.apply(ev)
		case ack := <-p.flush:
			open = p.drain(events)
			close(ack)
		}
	}

	p.mu.Lock()
	p.finished = true
	for id, ch := range p.subs {
		close(ch)
		delete(p.subs, id)
	}
	p.mu.Unlock()
}

// drain applies whatever is already queued. It reports false once the
// backend's channel is closed.
func (p *Pipeline) drain(events <-chan Event) bool {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			p.apply(ev)
		default:
			return true
		}
	}
}

func (p *Pipeline) apply(ev Event) {
	if IsTransient(ev) {
		p.logger.Debugf("Transcription %s: transient %s filtered", p.backend.Name(), ev.Code)
		return
	}

	p.mu.Lock()
	switch ev.Kind {
	case EventPartial:
		ev.Sequence = len(p.finals)
		p.interim = &Segment{Text: ev.Text, Sequence: ev.Sequence}
	case EventFinal:
		ev.Sequence = len(p.finals)
		p.finals = append(p.finals, Segment{Text: ev.Text, IsFinal: true, Confidence: ev.Confidence, Sequence: ev.Sequence})
		p.interim = nil
	case EventStatus:
		p.status = ev.Status
	case EventError:
		p.logger.Warnf("Transcription %s error (%s): %s", p.backend.Name(), ev.Code, ev.Message)
	}
	// Non-blocking sends under the lock; unsubscribe closes channels.
	for _, ch := range p.subs {
		select {
		case ch <- ev:
		default:
			p.logger.Debugf("Transcription subscriber lagging, %s event dropped", ev.Kind)
		}
	}
	p.mu.Unlock()

	if p.metrics != nil {
		switch ev.Kind {
		case EventPartial, EventFinal:
			p.metrics.AddTranscriptResult(ev.Text, ev.Kind == EventFinal)
		case EventError:
			p.metrics.AddError()
		}
	}
}

// Subscribe returns a channel of events applied from now on and a function
// that cancels the subscription.
func (p *Pipeline) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := p.nextSub
	p.nextSub++
	p.subs[id] = ch
	p.mu.Unlock()

	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
	}
}

func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Transcript joins the final segments with single spaces, in arrival order.
// Segment text is kept as received.
func (p *Pipeline) Transcript() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	parts := make([]string, len(p.finals))
	for i, s := range p.finals {
		parts[i] = s.Text
	}
	return strings.Join(parts, " ")
}

func (p *Pipeline) Segments() []Segment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Segment(nil), p.finals...)
}

// Interim returns the current unconfirmed text, if any.
func (p *Pipeline) Interim() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.interim == nil {
		return ""
	}
	return p.interim.Text
}

// Reset drops the accumulated transcript.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finals = nil
	p.interim = nil
}
