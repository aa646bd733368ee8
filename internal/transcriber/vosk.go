package transcriber

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// VoskBackend streams PCM to a local Vosk recognition server. It is the
// offline backend: nothing leaves the host.
type VoskBackend struct {
	cfg    VoskConfig
	logger *zap.SugaredLogger
	engine *engine

	mu         sync.Mutex
	sampleRate int
	language   string
	ready      bool
}

type voskResult struct {
	Text   string `json:"text"`
	Result []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Conf  float64 `json:"conf"`
	} `json:"result"`
	Partial *string `json:"partial"`
}

func NewVoskBackend(cfg VoskConfig, logger *zap.SugaredLogger) *VoskBackend {
	v := &VoskBackend{cfg: cfg, logger: logger}
	v.engine = newEngine("vosk", logger)
	v.engine.dial = v.dial
	v.engine.decode = decodeVosk
	v.engine.terminate = func(conn *websocket.Conn) {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"eof": 1}`)); err != nil {
			logger.Debugf("Failed to send EOF to Vosk: %v", err)
		}
	}
	return v
}

func (v *VoskBackend) Name() string { return "vosk" }

// Supported reports whether a recognition server is configured.
func (v *VoskBackend) Supported() bool { return v.cfg.URL != "" }

func (v *VoskBackend) Initialize(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	v.engine.announce(StatusChange(StatusInitializing, "connecting to vosk"))

	if _, err := url.Parse(v.cfg.URL); err != nil {
		return fmt.Errorf("invalid vosk url: %w", err)
	}

	v.mu.Lock()
	v.sampleRate = cfg.SampleRate
	v.language = cfg.Language
	v.engine.setDrainTimeout(cfg.DrainTimeout)
	v.ready = true
	v.mu.Unlock()

	v.engine.announce(StatusChange(StatusReady, "vosk ready ("+cfg.Language+")"))
	return nil
}

func (v *VoskBackend) dial(ctx context.Context) (*websocket.Conn, error) {
	v.mu.Lock()
	rate := v.sampleRate
	v.mu.Unlock()

	u := fmt.Sprintf("%s/ws?sample_rate=%d", strings.TrimRight(v.cfg.URL, "/"), rate)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Vosk server: %w", err)
	}
	return conn, nil
}

func (v *VoskBackend) StartProcessing(ctx context.Context) error {
	v.mu.Lock()
	ready := v.ready
	v.mu.Unlock()
	if !ready {
		return ErrNotInitialized
	}
	return v.engine.start(ctx)
}

func (v *VoskBackend) StopProcessing(ctx context.Context) error {
	v.engine.stop()
	return nil
}

func (v *VoskBackend) ProcessAudioChunk(pcm []byte) error {
	if len(pcm) == 0 || !v.engine.isProcessing() {
		return nil
	}
	return v.engine.write(pcm)
}

func (v *VoskBackend) Events() <-chan Event { return v.engine.events }

func (v *VoskBackend) Dispose() error {
	v.engine.dispose()
	return nil
}

// decodeVosk turns one server message into events. An empty final result
// means the utterance held no speech.
func decodeVosk(message []byte) []Event {
	var result voskResult
	if err := json.Unmarshal(message, &result); err != nil {
		return []Event{ErrorEvent(CodeProtocol, fmt.Sprintf("failed to parse Vosk result: %v", err))}
	}

	if result.Partial != nil {
		if *result.Partial == "" {
			return nil
		}
		return []Event{Partial(*result.Partial)}
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		return []Event{ErrorEvent(CodeNoSpeech, "no speech detected")}
	}

	confidence := 0.0
	for _, w := range result.Result {
		confidence += w.Conf
	}
	if len(result.Result) > 0 {
		confidence /= float64(len(result.Result))
	}
	return []Event{Final(text, confidence)}
}
