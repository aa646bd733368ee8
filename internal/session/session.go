// Package session runs the recording state machine that coordinates the
// capture and transcription contexts over the bus.
package session

import (
	"errors"
	"time"
)

// State of the coordinator. A session always returns to Idle.
type State string

const (
	StateIdle                 State = "idle"
	StateRequestingPermission State = "requesting-permission"
	StateActive               State = "active"
	StateStopping             State = "stopping"
)

// Recording modes.
const (
	ModeTab    = "tab"
	ModeScreen = "screen"
	ModeAudio  = "audio"
)

var (
	// ErrBusy is returned while a session is starting or stopping.
	ErrBusy = errors.New("a recording session is starting or stopping")
	// ErrCaptureUnresponsive means the capture context never confirmed the
	// start.
	ErrCaptureUnresponsive = errors.New("capture context unresponsive")
	ErrUnknownMode         = errors.New("unknown recording mode")
)

// RecordingSession identifies one capture attempt.
type RecordingSession struct {
	ID           string    `json:"id"`
	Mode         string    `json:"mode"`
	State        State     `json:"state"`
	OwnerContext string    `json:"ownerContextId"`
	CreatedAt    time.Time `json:"createdAt"`
}

func validMode(mode string) bool {
	switch mode {
	case ModeTab, ModeScreen, ModeAudio:
		return true
	}
	return false
}
