package transcriber

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	AssemblyAIWebSocketURL = "wss://streaming.assemblyai.com/v3/ws"

	assemblyAISampleRate = 16000
	// Chunks must hold 50ms to 1000ms of 16kHz 16-bit audio.
	minChunkSize = 1600
	maxChunkSize = 30400
	sendInterval = 50 * time.Millisecond
)

// AssemblyAIBackend streams to the AssemblyAI realtime API. It is the
// networked backend.
type AssemblyAIBackend struct {
	cfg    AssemblyAIConfig
	logger *zap.SugaredLogger
	engine *engine

	mu         sync.Mutex
	sampleRate int
	language   string
	ready      bool
	sessionID  string

	bufferMu    sync.Mutex
	audioBuffer []byte
	stopSending chan struct{}
	senderWG    sync.WaitGroup
}

type assemblyAIMessage struct {
	Type                string  `json:"type"`
	ID                  string  `json:"id,omitempty"`
	ExpiresAt           int64   `json:"expires_at,omitempty"`
	Transcript          string  `json:"transcript,omitempty"`
	EndOfTurn           bool    `json:"end_of_turn,omitempty"`
	EndOfTurnConfidence float64 `json:"end_of_turn_confidence,omitempty"`
	TurnIsFormatted     bool    `json:"turn_is_formatted,omitempty"`
	AudioDurationSec    float64 `json:"audio_duration_seconds,omitempty"`
	SessionDurationSec  float64 `json:"session_duration_seconds,omitempty"`
	Error               string  `json:"error,omitempty"`
}

func NewAssemblyAIBackend(cfg AssemblyAIConfig, logger *zap.SugaredLogger) *AssemblyAIBackend {
	if cfg.URL == "" {
		cfg.URL = AssemblyAIWebSocketURL
	}
	a := &AssemblyAIBackend{cfg: cfg, logger: logger}
	a.engine = newEngine("assemblyai", logger)
	a.engine.dial = a.dial
	a.engine.decode = a.decode
	a.engine.terminate = func(conn *websocket.Conn) {
		msg, _ := json.Marshal(assemblyAIMessage{Type: "Terminate"})
		_ = conn.WriteMessage(websocket.TextMessage, msg)
	}
	return a
}

func (a *AssemblyAIBackend) Name() string { return "assemblyai" }

// Supported reports whether an API key is configured.
func (a *AssemblyAIBackend) Supported() bool { return a.cfg.APIKey != "" }

func (a *AssemblyAIBackend) Initialize(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	a.engine.announce(StatusChange(StatusInitializing, "connecting to assemblyai"))
	if a.cfg.APIKey == "" {
		return fmt.Errorf("AssemblyAI API key is required")
	}

	a.mu.Lock()
	a.sampleRate = cfg.SampleRate
	a.language = cfg.Language
	a.engine.setDrainTimeout(cfg.DrainTimeout)
	a.ready = true
	a.mu.Unlock()

	a.engine.announce(StatusChange(StatusReady, "assemblyai ready ("+cfg.Language+")"))
	return nil
}

func (a *AssemblyAIBackend) dial(ctx context.Context) (*websocket.Conn, error) {
	a.mu.Lock()
	lang := a.language
	a.mu.Unlock()

	u := fmt.Sprintf("%s?sample_rate=%d&format_turns=true", a.cfg.URL, assemblyAISampleRate)
	if lang != "" && !strings.HasPrefix(lang, "en") {
		u += "&speech_model=universal-streaming-multilingual"
	}

	header := http.Header{}
	header.Add("Authorization", a.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AssemblyAI: %w", err)
	}
	return conn, nil
}

func (a *AssemblyAIBackend) StartProcessing(ctx context.Context) error {
	a.mu.Lock()
	ready := a.ready
	a.mu.Unlock()
	if !ready {
		return ErrNotInitialized
	}
	if a.engine.isProcessing() {
		return nil
	}
	if err := a.engine.start(ctx); err != nil {
		return err
	}

	a.bufferMu.Lock()
	a.audioBuffer = make([]byte, 0, 8000)
	a.stopSending = make(chan struct{})
	a.bufferMu.Unlock()

	a.senderWG.Add(1)
	go a.audioSender(a.stopSending)
	return nil
}

func (a *AssemblyAIBackend) StopProcessing(ctx context.Context) error {
	if !a.engine.isProcessing() {
		return nil
	}

	a.bufferMu.Lock()
	stop := a.stopSending
	a.stopSending = nil
	a.bufferMu.Unlock()
	if stop != nil {
		close(stop)
		a.senderWG.Wait()
	}

	// Send whatever is left, even below the minimum chunk size.
	a.bufferMu.Lock()
	if len(a.audioBuffer) > 0 {
		_ = a.engine.write(a.audioBuffer)
		a.audioBuffer = a.audioBuffer[:0]
	}
	a.bufferMu.Unlock()

	a.engine.stop()
	return nil
}

func (a *AssemblyAIBackend) audioSender(stop <-chan struct{}) {
	defer a.senderWG.Done()

	ticker := time.NewTicker(sendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.sendBufferedAudio()
		case <-stop:
			a.sendBufferedAudio()
			return
		}
	}
}

func (a *AssemblyAIBackend) sendBufferedAudio() {
	a.bufferMu.Lock()
	defer a.bufferMu.Unlock()

	for len(a.audioBuffer) >= minChunkSize {
		chunkSize := len(a.audioBuffer)
		if chunkSize > maxChunkSize {
			chunkSize = maxChunkSize
		}
		_ = a.engine.write(a.audioBuffer[:chunkSize])
		a.audioBuffer = a.audioBuffer[chunkSize:]
	}
}

func (a *AssemblyAIBackend) ProcessAudioChunk(pcm []byte) error {
	if len(pcm) == 0 || !a.engine.isProcessing() {
		return nil
	}
	a.mu.Lock()
	rate := a.sampleRate
	a.mu.Unlock()

	processed := pcm
	if rate == 8000 {
		processed = resample8to16(pcm)
	}

	a.bufferMu.Lock()
	a.audioBuffer = append(a.audioBuffer, processed...)
	a.bufferMu.Unlock()
	return nil
}

func (a *AssemblyAIBackend) Events() <-chan Event { return a.engine.events }

func (a *AssemblyAIBackend) Dispose() error {
	_ = a.StopProcessing(context.Background())
	a.engine.dispose()
	return nil
}

func (a *AssemblyAIBackend) decode(message []byte) []Event {
	var msg assemblyAIMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return []Event{ErrorEvent(CodeProtocol, fmt.Sprintf("failed to parse AssemblyAI message: %v", err))}
	}

	switch msg.Type {
	case "Begin":
		a.mu.Lock()
		a.sessionID = msg.ID
		a.mu.Unlock()
		a.logger.Infof("AssemblyAI session started: %s", msg.ID)
	case "Turn":
		if msg.Transcript == "" {
			if msg.EndOfTurn {
				return []Event{ErrorEvent(CodeNoSpeech, "no speech detected")}
			}
			return nil
		}
		if msg.TurnIsFormatted {
			return []Event{Final(msg.Transcript, msg.EndOfTurnConfidence)}
		}
		return []Event{Partial(msg.Transcript)}
	case "Termination":
		a.logger.Infof("AssemblyAI session terminated. Audio duration: %.2fs, Session duration: %.2fs",
			msg.AudioDurationSec, msg.SessionDurationSec)
	case "Error":
		return []Event{ErrorEvent(CodeNetwork, msg.Error)}
	}
	return nil
}

// resample8to16 upsamples 16-bit little-endian PCM by linear interpolation.
func resample8to16(input []byte) []byte {
	samples := make([]int16, len(input)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(input[i*2 : i*2+2]))
	}

	upsampled := make([]int16, len(samples)*2)
	for i := 0; i < len(samples)-1; i++ {
		upsampled[i*2] = samples[i]
		upsampled[i*2+1] = int16((int32(samples[i]) + int32(samples[i+1])) / 2)
	}
	if len(samples) > 0 {
		upsampled[len(upsampled)-2] = samples[len(samples)-1]
		upsampled[len(upsampled)-1] = samples[len(samples)-1]
	}

	output := make([]byte, len(upsampled)*2)
	for i, sample := range upsampled {
		binary.LittleEndian.PutUint16(output[i*2:i*2+2], uint16(sample))
	}
	return output
}
