package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
)

type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// Query shapes GetAll. Records are ordered by timestamp first; Limit then
// truncates. Zero Limit means no limit.
type Query struct {
	Limit int   `form:"limit" validate:"gte=0"`
	Order Order `form:"order" validate:"omitempty,oneof=asc desc"`
}

// Collection is one independently schema'd table. Operations on the same
// collection are serialized; different collections run concurrently.
type Collection[T any, PT interface {
	*T
	Record
}] struct {
	store *Store
	table string

	mu        sync.Mutex
	lastStamp int64
}

func newCollection[T any, PT interface {
	*T
	Record
}](s *Store, table string) *Collection[T, PT] {
	return &Collection[T, PT]{store: s, table: table}
}

func (c *Collection[T, PT]) Name() string { return c.table }

// Save always inserts and assigns a new id. A zero timestamp is replaced by
// the current time, kept strictly after the previous one assigned here.
func (c *Collection[T, PT]) Save(ctx context.Context, rec PT) (int64, error) {
	if err := c.store.valid.Struct(rec); err != nil {
		return 0, storageErr("save", c.table, fmt.Errorf("%w: %w", ErrInvalidRecord, err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	db, err := c.store.conn(ctx)
	if err != nil {
		return 0, storageErr("save", c.table, err)
	}

	ts := rec.RecordTime()
	if ts.IsZero() {
		n := time.Now().UnixNano()
		if n <= c.lastStamp {
			n = c.lastStamp + 1
		}
		c.lastStamp = n
		ts = time.Unix(0, n)
	}
	rec.SetRecordTime(ts)
	rec.SetRecordID(0)

	body, err := json.Marshal(rec)
	if err != nil {
		return 0, storageErr("save", c.table, err)
	}

	res, err := db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (timestamp, body, search, blob) VALUES (?, ?, ?, ?)`, c.table),
		ts.UnixNano(), string(body), rec.SearchText(), rec.Blob())
	if err != nil {
		return 0, storageErr("save", c.table, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("save", c.table, err)
	}
	rec.SetRecordID(id)
	return id, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (c *Collection[T, PT]) load(ctx context.Context, q querier, id int64) (PT, error) {
	var (
		stamp int64
		body  string
		blob  []byte
	)
	err := q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT timestamp, body, blob FROM %s WHERE id = ?`, c.table), id).
		Scan(&stamp, &body, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %d", ErrNotFound, c.table, id)
	}
	if err != nil {
		return nil, err
	}
	return c.decode(id, stamp, body, blob)
}

func (c *Collection[T, PT]) decode(id, stamp int64, body string, blob []byte) (PT, error) {
	rec := PT(new(T))
	if err := json.Unmarshal([]byte(body), rec); err != nil {
		return nil, fmt.Errorf("decode %s %d: %w", c.table, id, err)
	}
	rec.SetRecordID(id)
	rec.SetRecordTime(time.Unix(0, stamp))
	rec.SetBlob(blob)
	return rec, nil
}

func (c *Collection[T, PT]) Get(ctx context.Context, id int64) (PT, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	db, err := c.store.conn(ctx)
	if err != nil {
		return nil, storageErr("get", c.table, err)
	}
	rec, err := c.load(ctx, db, id)
	return rec, storageErr("get", c.table, err)
}

func (c *Collection[T, PT]) GetAll(ctx context.Context, q Query) ([]PT, error) {
	dir := "ASC"
	if q.Order == OrderDesc {
		dir = "DESC"
	}
	stmt := fmt.Sprintf(`SELECT id, timestamp, body, blob FROM %s ORDER BY timestamp %s, id %s`, c.table, dir, dir)
	if q.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	return c.list(ctx, "getAll", stmt)
}

// Search returns records whose title or transcript contains text, newest
// first.
func (c *Collection[T, PT]) Search(ctx context.Context, text string) ([]PT, error) {
	pattern := "%" + escapeLike(strings.ToLower(text)) + "%"
	stmt := fmt.Sprintf(`SELECT id, timestamp, body, blob FROM %s WHERE search LIKE ? ESCAPE '\' ORDER BY timestamp DESC, id DESC`, c.table)
	return c.list(ctx, "search", stmt, pattern)
}

func (c *Collection[T, PT]) list(ctx context.Context, op, stmt string, args ...any) ([]PT, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	db, err := c.store.conn(ctx)
	if err != nil {
		return nil, storageErr(op, c.table, err)
	}
	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, storageErr(op, c.table, err)
	}
	defer rows.Close()

	var out []PT
	for rows.Next() {
		var (
			id, stamp int64
			body      string
			blob      []byte
		)
		if err := rows.Scan(&id, &stamp, &body, &blob); err != nil {
			return nil, storageErr(op, c.table, err)
		}
		rec, err := c.decode(id, stamp, body, blob)
		if err != nil {
			return nil, storageErr(op, c.table, err)
		}
		out = append(out, rec)
	}
	return out, storageErr(op, c.table, rows.Err())
}

// Update merges fields into the stored record and rewrites it whole. The
// merge is shallow and happens in memory; a missing id fails with
// ErrNotFound before anything is written.
func (c *Collection[T, PT]) Update(ctx context.Context, id int64, fields map[string]any) (PT, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	db, err := c.store.conn(ctx)
	if err != nil {
		return nil, storageErr("update", c.table, err)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("update", c.table, err)
	}
	defer tx.Rollback()

	rec, err := c.load(ctx, tx, id)
	if err != nil {
		return nil, storageErr("update", c.table, err)
	}
	if err := merge(rec, id, fields); err != nil {
		return nil, storageErr("update", c.table, err)
	}
	if err := c.store.valid.Struct(rec); err != nil {
		return nil, storageErr("update", c.table, fmt.Errorf("%w: %w", ErrInvalidRecord, err))
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return nil, storageErr("update", c.table, err)
	}
	_, err = tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET timestamp = ?, body = ?, search = ?, blob = ? WHERE id = ?`, c.table),
		rec.RecordTime().UnixNano(), string(body), rec.SearchText(), rec.Blob(), id)
	if err != nil {
		return nil, storageErr("update", c.table, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("update", c.table, err)
	}
	return rec, nil
}

func merge(rec Record, id int64, fields map[string]any) error {
	patch := make(map[string]any, len(fields))
	for k, v := range fields {
		if strings.EqualFold(k, "id") {
			continue
		}
		patch[k] = v
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      rec,
		ErrorUnused: true,
		DecodeHook:  mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(patch); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	rec.SetRecordID(id)
	return nil
}

// Delete removes one record. Deleting a missing id is not an error.
func (c *Collection[T, PT]) Delete(ctx context.Context, id int64) error {
	return c.exec(ctx, "delete", fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, c.table), id)
}

func (c *Collection[T, PT]) DeleteAll(ctx context.Context) error {
	return c.exec(ctx, "deleteAll", fmt.Sprintf(`DELETE FROM %s`, c.table))
}

func (c *Collection[T, PT]) exec(ctx context.Context, op, stmt string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	db, err := c.store.conn(ctx)
	if err != nil {
		return storageErr(op, c.table, err)
	}
	_, err = db.ExecContext(ctx, stmt, args...)
	return storageErr(op, c.table, err)
}

func (c *Collection[T, PT]) Count(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	db, err := c.store.conn(ctx)
	if err != nil {
		return 0, storageErr("count", c.table, err)
	}
	var n int
	err = db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, c.table)).Scan(&n)
	return n, storageErr("count", c.table, err)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
