// Package bus carries typed messages between isolated recording contexts.
//
// A context is an endpoint with its own inbox and a single goroutine that
// handles messages in arrival order. Contexts never share memory: every
// message is copied on send, and large payloads (artifacts, audio files)
// travel by value inside the message.
package bus

// Message types exchanged between contexts.
const (
	TypeStartRecording   = "start-recording"
	TypeStopRecording    = "stop-recording"
	TypeRecorded         = "recorded"
	TypeProcessAudioFile = "process-audio-file"

	TypeRecordingStarted     = "recording-started"
	TypeRecordingError       = "recording-error"
	TypeTranscriptionStarted = "transcription-started"
	TypeTranscriptionError   = "transcription-error"

	TypePing = "ping"
	TypePong = "pong"
)

// Well-known context names.
const (
	Coordinator = "coordinator"
	Offscreen   = "offscreen" // tab and audio-only capture
	Desktop     = "desktop"   // screen capture
	Recorder    = "recorder"  // user-facing transcription host
)

// CodeBusy answers a start for another session while a capture is running.
const CodeBusy = "busy"

// ErrorPayload describes a failure reported by a remote context.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Message is the single envelope shape used on the bus.
type Message struct {
	Type          string        `json:"type"`
	From          string        `json:"from,omitempty"`
	SessionID     string        `json:"sessionId,omitempty"`
	RecordingType string        `json:"recordingType,omitempty"`
	Data          string        `json:"data,omitempty"` // resolved stream handle
	URL           string        `json:"url,omitempty"`  // artifact reference
	Artifact      []byte        `json:"artifact,omitempty"`
	MimeType      string        `json:"mimeType,omitempty"`
	Duration      float64       `json:"duration,omitempty"` // seconds
	AudioData     []byte        `json:"audioData,omitempty"`
	FileName      string        `json:"fileName,omitempty"`
	FileType      string        `json:"fileType,omitempty"`
	Error         *ErrorPayload `json:"error,omitempty"`
}

func (m Message) clone() Message {
	out := m
	if m.Artifact != nil {
		out.Artifact = append([]byte(nil), m.Artifact...)
	}
	if m.AudioData != nil {
		out.AudioData = append([]byte(nil), m.AudioData...)
	}
	if m.Error != nil {
		e := *m.Error
		out.Error = &e
	}
	return out
}
