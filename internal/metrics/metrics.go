// Package metrics keeps per-session counters for capture and transcription.
package metrics

import (
	"fmt"
	"sync"
	"time"
)

type SessionMetrics struct {
	Mode            string
	SessionID       string
	StartTime       time.Time
	EndTime         time.Time
	AudioBytes      int
	Slices          int
	ArtifactBytes   int
	TranscriptChars int
	PartialCount    int
	FinalCount      int
	ErrorCount      int
	FirstResultTime *time.Time
	mu              sync.Mutex
}

func NewSessionMetrics(mode, sessionID string) *SessionMetrics {
	return &SessionMetrics{
		Mode:      mode,
		SessionID: sessionID,
		StartTime: time.Now(),
	}
}

func (m *SessionMetrics) AddAudioBytes(bytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AudioBytes += bytes
}

// AddSlice records one flushed encoder slice of the given size.
func (m *SessionMetrics) AddSlice(bytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Slices++
	m.ArtifactBytes += bytes
}

func (m *SessionMetrics) AddTranscriptResult(text string, isFinal bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FirstResultTime == nil {
		now := time.Now()
		m.FirstResultTime = &now
	}

	if isFinal {
		m.TranscriptChars += len(text)
		m.FinalCount++
	} else {
		m.PartialCount++
	}
}

func (m *SessionMetrics) AddError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ErrorCount++
}

func (m *SessionMetrics) Finalize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EndTime.IsZero() {
		m.EndTime = time.Now()
	}
}

// Snapshot returns a copy safe to read without the lock.
func (m *SessionMetrics) Snapshot() SessionMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return SessionMetrics{
		Mode:            m.Mode,
		SessionID:       m.SessionID,
		StartTime:       m.StartTime,
		EndTime:         m.EndTime,
		AudioBytes:      m.AudioBytes,
		Slices:          m.Slices,
		ArtifactBytes:   m.ArtifactBytes,
		TranscriptChars: m.TranscriptChars,
		PartialCount:    m.PartialCount,
		FinalCount:      m.FinalCount,
		ErrorCount:      m.ErrorCount,
		FirstResultTime: m.FirstResultTime,
	}
}

func (m *SessionMetrics) Summary() string {
	s := m.Snapshot()

	end := s.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	duration := end.Sub(s.StartTime)
	var latency time.Duration
	if s.FirstResultTime != nil {
		latency = s.FirstResultTime.Sub(s.StartTime)
	}

	audioDuration := float64(s.AudioBytes) / (8000 * 2) // 8kHz, 16-bit

	return fmt.Sprintf(
		"Mode: %s\n"+
			"Session: %s\n"+
			"Duration: %v\n"+
			"Audio Duration: %.2f seconds\n"+
			"Audio Bytes: %d\n"+
			"Slices: %d (%d bytes)\n"+
			"Transcript Length: %d chars\n"+
			"First Result Latency: %v\n"+
			"Partial Results: %d\n"+
			"Final Results: %d\n"+
			"Errors: %d\n",
		s.Mode,
		s.SessionID,
		duration,
		audioDuration,
		s.AudioBytes,
		s.Slices,
		s.ArtifactBytes,
		s.TranscriptChars,
		latency,
		s.PartialCount,
		s.FinalCount,
		s.ErrorCount,
	)
}
