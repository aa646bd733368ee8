package store

import (
	"strings"
	"time"
)

// Record is implemented by the pointer types stored in a Collection.
type Record interface {
	RecordID() int64
	SetRecordID(id int64)
	RecordTime() time.Time
	SetRecordTime(t time.Time)
	Blob() []byte
	SetBlob(b []byte)
	SearchText() string
}

// Memo is a saved transcription. The audio travels separately from the
// JSON body.
type Memo struct {
	ID         int64     `json:"id" mapstructure:"id"`
	Title      string    `json:"title" mapstructure:"title" validate:"max=500"`
	Transcript string    `json:"transcript" mapstructure:"transcript"`
	Duration   float64   `json:"duration" mapstructure:"duration" validate:"gte=0"`
	Timestamp  time.Time `json:"timestamp" mapstructure:"timestamp"`
	Language   string    `json:"language,omitempty" mapstructure:"language"`
	AudioType  string    `json:"audioType,omitempty" mapstructure:"audioType"`
	AudioBlob  []byte    `json:"-" mapstructure:"-"`
}

func (m *Memo) RecordID() int64           { return m.ID }
func (m *Memo) SetRecordID(id int64)      { m.ID = id }
func (m *Memo) RecordTime() time.Time     { return m.Timestamp }
func (m *Memo) SetRecordTime(t time.Time) { m.Timestamp = t }
func (m *Memo) Blob() []byte              { return m.AudioBlob }
func (m *Memo) SetBlob(b []byte)          { m.AudioBlob = b }
func (m *Memo) SearchText() string {
	return strings.ToLower(m.Title + "\n" + m.Transcript)
}

// VideoRecording is a saved tab or screen capture, referenced by URL or
// carried inline as a blob.
type VideoRecording struct {
	ID        int64     `json:"id" mapstructure:"id"`
	URL       string    `json:"url,omitempty" mapstructure:"url"`
	Type      string    `json:"type" mapstructure:"type" validate:"oneof=tab screen"`
	MimeType  string    `json:"mimeType,omitempty" mapstructure:"mimeType"`
	Duration  float64   `json:"duration" mapstructure:"duration" validate:"gte=0"`
	Timestamp time.Time `json:"timestamp" mapstructure:"timestamp"`
	Title     string    `json:"title" mapstructure:"title" validate:"max=500"`
	Data      []byte    `json:"-" mapstructure:"-"`
}

func (v *VideoRecording) RecordID() int64           { return v.ID }
func (v *VideoRecording) SetRecordID(id int64)      { v.ID = id }
func (v *VideoRecording) RecordTime() time.Time     { return v.Timestamp }
func (v *VideoRecording) SetRecordTime(t time.Time) { v.Timestamp = t }
func (v *VideoRecording) Blob() []byte              { return v.Data }
func (v *VideoRecording) SetBlob(b []byte)          { v.Data = b }
func (v *VideoRecording) SearchText() string        { return strings.ToLower(v.Title) }
