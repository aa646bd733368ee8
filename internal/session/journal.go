package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Journal writes one JSON line per session event. A nil Journal discards
// everything.
type Journal struct {
	mu   sync.Mutex
	file *os.File
}

type journalRecord struct {
	Timestamp string            `json:"ts"`
	Event     string            `json:"event"`
	SessionID string            `json:"session_id"`
	Mode      string            `json:"mode,omitempty"`
	From      State             `json:"from,omitempty"`
	To        State             `json:"to,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// NewJournal opens a journal file under dir named after the start time.
func NewJournal(dir string, started time.Time) (*Journal, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	filename := filepath.Join(dir, fmt.Sprintf("%s_sessions.jsonl", started.Format("20060102_150405")))
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &Journal{file: f}, nil
}

// Path returns the journal file name.
func (j *Journal) Path() string {
	if j == nil || j.file == nil {
		return ""
	}
	return j.file.Name()
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file != nil {
		err := j.file.Close()
		j.file = nil
		return err
	}
	return nil
}

func (j *Journal) write(rec journalRecord) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return
	}
	rec.Timestamp = time.Now().Format(time.RFC3339Nano)
	_ = json.NewEncoder(j.file).Encode(rec)
}

func (j *Journal) LogTransition(s RecordingSession, from, to State, reason string) {
	j.write(journalRecord{Event: "transition", SessionID: s.ID, Mode: s.Mode, From: from, To: to, Reason: reason})
}

func (j *Journal) LogError(s RecordingSession, err error) {
	j.write(journalRecord{Event: "error", SessionID: s.ID, Mode: s.Mode, Reason: err.Error()})
}

func (j *Journal) LogArtifact(sessionID, ref, mime string, bytes int) {
	j.write(journalRecord{Event: "artifact", SessionID: sessionID, Details: map[string]string{
		"ref":   ref,
		"mime":  mime,
		"bytes": fmt.Sprint(bytes),
	}})
}

func (j *Journal) LogDegraded(s RecordingSession, reason string) {
	j.write(journalRecord{Event: "degraded", SessionID: s.ID, Mode: s.Mode, Reason: reason})
}
