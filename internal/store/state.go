package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Well-known AppState keys.
const (
	KeyRecording     = "recording"
	KeyRecordingType = "recordingType"
	KeyLanguage      = "language"
)

// StateBackend holds the app state entries as JSON text.
type StateBackend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Value is one app state entry, still JSON-encoded.
type Value json.RawMessage

func (v Value) IsNil() bool { return len(v) == 0 || string(v) == "null" }

func (v Value) Decode(out any) error {
	if v.IsNil() {
		return nil
	}
	return json.Unmarshal(v, out)
}

// Bool decodes a boolean entry; anything else reads as false.
func (v Value) Bool() bool {
	var b bool
	if err := v.Decode(&b); err != nil {
		return false
	}
	return b
}

// String decodes a string entry; anything else reads as "".
func (v Value) String() string {
	var s string
	if err := v.Decode(&s); err != nil {
		return ""
	}
	return s
}

// State reads key when no value is given and writes it otherwise. Both
// directions return the entry as stored; reading a missing key yields a nil
// Value. Last writer wins.
func (s *Store) State(ctx context.Context, key string, value ...any) (Value, error) {
	if len(value) > 1 {
		return nil, storageErr("state", "app_state", fmt.Errorf("state takes at most one value, got %d", len(value)))
	}

	if len(value) == 0 {
		raw, ok, err := s.state.Get(ctx, key)
		if err != nil {
			return nil, storageErr("state", "app_state", err)
		}
		if !ok {
			return nil, nil
		}
		return Value(raw), nil
	}

	raw, err := json.Marshal(value[0])
	if err != nil {
		return nil, storageErr("state", "app_state", err)
	}
	if err := s.state.Set(ctx, key, string(raw)); err != nil {
		return nil, storageErr("state", "app_state", err)
	}
	return Value(raw), nil
}

// sqliteState keeps app state in its own table. Like the record
// collections, every operation on it is serialized.
type sqliteState struct {
	store *Store
	mu    sync.Mutex
}

func (st *sqliteState) Get(ctx context.Context, key string) (string, bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	db, err := st.store.conn(ctx)
	if err != nil {
		return "", false, err
	}
	var value string
	err = db.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (st *sqliteState) Set(ctx context.Context, key, value string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	db, err := st.store.conn(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO app_state (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}
