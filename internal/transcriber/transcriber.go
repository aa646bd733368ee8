// Package transcriber drives speech recognition backends through one
// streaming-event contract and assembles their output into a transcript.
package transcriber

import (
	"context"
	"errors"
	"time"
)

// DefaultDrainTimeout bounds how long a stopping backend waits for the
// server's last results after the terminate frame.
const DefaultDrainTimeout = 500 * time.Millisecond

var (
	// ErrCapabilityUnavailable means no configured backend can run here.
	ErrCapabilityUnavailable = errors.New("no transcription backend available")
	ErrNotInitialized        = errors.New("backend not initialized")
)

// EventKind tags the events a backend emits.
type EventKind string

const (
	EventPartial EventKind = "partial"
	EventFinal   EventKind = "final"
	EventError   EventKind = "error"
	EventStatus  EventKind = "status"
)

// Status is the lifecycle stage reported by status events.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusProcessing   Status = "processing"
)

// Error codes carried by error events.
const (
	CodeNoSpeech = "no-speech"
	CodeAborted  = "aborted"
	CodeNetwork  = "network"
	CodeProtocol = "protocol"
)

// Event is a single item of a backend's event stream. Sequence is assigned
// by the Pipeline: finals are numbered in arrival order and an interim
// carries the position of the final it will become.
type Event struct {
	Kind       EventKind `json:"kind"`
	Text       string    `json:"text,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Message    string    `json:"message,omitempty"`
	Code       string    `json:"code,omitempty"`
	Status     Status    `json:"status,omitempty"`
	Sequence   int       `json:"sequence"`
}

func Partial(text string) Event { return Event{Kind: EventPartial, Text: text} }

func Final(text string, confidence float64) Event {
	return Event{Kind: EventFinal, Text: text, Confidence: confidence}
}

func ErrorEvent(code, message string) Event {
	return Event{Kind: EventError, Code: code, Message: message}
}

func StatusChange(status Status, message string) Event {
	return Event{Kind: EventStatus, Status: status, Message: message}
}

// IsTransient reports whether an error event is expected to heal on its own
// and should not reach subscribers.
func IsTransient(e Event) bool {
	if e.Kind != EventError {
		return false
	}
	switch e.Code {
	case CodeNoSpeech, CodeAborted:
		return true
	}
	return false
}

// Backend is a speech recognition engine. StartProcessing and StopProcessing
// are idempotent. Events is closed by Dispose.
type Backend interface {
	Name() string
	Supported() bool
	Initialize(ctx context.Context, cfg Config) error
	StartProcessing(ctx context.Context) error
	StopProcessing(ctx context.Context) error
	ProcessAudioChunk(pcm []byte) error
	Events() <-chan Event
	Dispose() error
}

type VoskConfig struct {
	URL string `yaml:"url" validate:"omitempty,url"`
}

type AssemblyAIConfig struct {
	APIKey string `yaml:"api_key"`
	URL    string `yaml:"url" validate:"omitempty,url"`
}

// Config is shared by every backend; each reads the part that concerns it.
type Config struct {
	Preference   []string         `yaml:"preference" validate:"dive,oneof=vosk assemblyai"`
	Language     string           `yaml:"language"`
	SampleRate   int              `yaml:"sample_rate" validate:"omitempty,oneof=8000 16000"`
	DrainTimeout time.Duration    `yaml:"drain_timeout" validate:"gte=0"`
	Vosk         VoskConfig       `yaml:"vosk"`
	AssemblyAI   AssemblyAIConfig `yaml:"assemblyai"`
}

func (c Config) withDefaults() Config {
	if c.Language == "" {
		c.Language = "en-US"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 8000
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	return c
}

// Language is one recognition language offered to the user.
type Language struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

var languages = []Language{
	{"en-US", "English (US)"},
	{"en-GB", "English (UK)"},
	{"es-ES", "Spanish"},
	{"fr-FR", "French"},
	{"de-DE", "German"},
	{"it-IT", "Italian"},
	{"pt-BR", "Portuguese (Brazil)"},
	{"ru-RU", "Russian"},
	{"ja-JP", "Japanese"},
	{"ko-KR", "Korean"},
	{"zh-CN", "Chinese (Mandarin)"},
	{"ar-SA", "Arabic"},
	{"hi-IN", "Hindi"},
}

func SupportedLanguages() []Language {
	return append([]Language(nil), languages...)
}

func IsSupportedLanguage(code string) bool {
	for _, l := range languages {
		if l.Code == code {
			return true
		}
	}
	return false
}
