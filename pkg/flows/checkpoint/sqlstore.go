package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/randalmurphal/flowstack/pkg/flows/config"
)

// dialect holds what differs between the SQL backends.
type dialect struct {
	name string
	// blob is the binary column type.
	blob string
	// bind returns the placeholder for the n-th argument (1-based).
	bind func(n int) string
}

var (
	sqliteDialect = dialect{
		name: "sqlite",
		blob: "BLOB",
		bind: func(int) string { return "?" },
	}
	postgresDialect = dialect{
		name: "postgres",
		blob: "BYTEA",
		bind: func(n int) string { return fmt.Sprintf("$%d", n) },
	}
)

// sqlStore implements Saver on database/sql for a given dialect.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	mu      sync.RWMutex
	closed  bool
}

// q rewrites ? placeholders into the dialect's form.
func (s *sqlStore) q(query string) string {
	if s.dialect.name == sqliteDialect.name {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(s.dialect.bind(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT NOT NULL,
			thread_ts TEXT NOT NULL,
			parent_ts TEXT NOT NULL DEFAULT '',
			checkpoint %[1]s NOT NULL,
			metadata %[1]s NOT NULL,
			PRIMARY KEY (thread_id, thread_ts)
		)`, s.dialect.blob)); err != nil {
		return fmt.Errorf("create checkpoints table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS checkpoint_writes (
			thread_id TEXT NOT NULL,
			thread_ts TEXT NOT NULL,
			task_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			channel TEXT NOT NULL,
			value %s NOT NULL,
			PRIMARY KEY (thread_id, thread_ts, task_id, idx)
		)`, s.dialect.blob)); err != nil {
		return fmt.Errorf("create checkpoint_writes table: %w", err)
	}
	return nil
}

// Get implements Saver.
func (s *sqlStore) Get(ctx context.Context, cfg config.Config) (*Tuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrSaverClosed
	}

	threadID := cfg.ThreadID()
	var row *sql.Row
	if ts := cfg.ThreadTS(); ts != "" {
		row = s.db.QueryRowContext(ctx, s.q(`
			SELECT thread_ts, parent_ts, checkpoint, metadata FROM checkpoints
			WHERE thread_id = ? AND thread_ts = ?`), threadID, ts)
	} else {
		row = s.db.QueryRowContext(ctx, s.q(`
			SELECT thread_ts, parent_ts, checkpoint, metadata FROM checkpoints
			WHERE thread_id = ?
			ORDER BY thread_ts DESC LIMIT 1`), threadID)
	}

	var ts, parent string
	var ckptData, metaData []byte
	err := row.Scan(&ts, &parent, &ckptData, &metaData)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}

	tuple, err := s.tuple(threadID, ts, parent, ckptData, metaData)
	if err != nil {
		return nil, err
	}
	tuple.PendingWrites, err = s.loadWrites(ctx, threadID, ts)
	if err != nil {
		return nil, err
	}
	return tuple, nil
}

// List implements Saver. Metadata filters are applied after decoding.
func (s *sqlStore) List(ctx context.Context, filter Filter, limit int) ([]*Tuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrSaverClosed
	}

	query := `SELECT thread_id, thread_ts, parent_ts, checkpoint, metadata FROM checkpoints`
	var args []any
	if filter.ThreadID != "" {
		query += ` WHERE thread_id = ?`
		args = append(args, filter.ThreadID)
	}
	query += ` ORDER BY thread_ts DESC`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Tuple
	for rows.Next() {
		var threadID, ts, parent string
		var ckptData, metaData []byte
		if err := rows.Scan(&threadID, &ts, &parent, &ckptData, &metaData); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		meta, err := UnmarshalMetadata(metaData)
		if err != nil {
			return nil, err
		}
		if !filter.Matches(threadID, meta) {
			continue
		}
		tuple, err := s.tuple(threadID, ts, parent, ckptData, metaData)
		if err != nil {
			return nil, err
		}
		out = append(out, tuple)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

// Put implements Saver.
func (s *sqlStore) Put(ctx context.Context, cfg config.Config, c *Checkpoint, meta Metadata) (config.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return config.Config{}, ErrSaverClosed
	}

	threadID := cfg.ThreadID()
	if threadID == "" {
		return config.Config{}, ErrMissingThreadID
	}
	ckptData, err := Marshal(c)
	if err != nil {
		return config.Config{}, err
	}
	metaData, err := MarshalMetadata(meta)
	if err != nil {
		return config.Config{}, err
	}
	parent := cfg.ThreadTS()
	if parent == c.ID {
		parent = ""
	}

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO checkpoints (thread_id, thread_ts, parent_ts, checkpoint, metadata)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (thread_id, thread_ts) DO UPDATE SET
			checkpoint = excluded.checkpoint,
			metadata = excluded.metadata`),
		threadID, c.ID, parent, ckptData, metaData)
	if err != nil {
		return config.Config{}, fmt.Errorf("put checkpoint: %w", err)
	}
	return cfg.Merge(ConfigFor(threadID, c.ID)), nil
}

// PutWrites implements Saver.
func (s *sqlStore) PutWrites(ctx context.Context, cfg config.Config, writes []Write, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSaverClosed
	}

	threadID, ts := cfg.ThreadID(), cfg.ThreadTS()
	if threadID == "" {
		return ErrMissingThreadID
	}
	if ts == "" {
		return ErrMissingThreadTS
	}
	encoded, err := encodeWrites(taskID, writes)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put writes: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(`
		DELETE FROM checkpoint_writes
		WHERE thread_id = ? AND thread_ts = ? AND task_id = ?`),
		threadID, ts, taskID); err != nil {
		return fmt.Errorf("clear task writes: %w", err)
	}
	for _, w := range encoded {
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO checkpoint_writes (thread_id, thread_ts, task_id, idx, channel, value)
			VALUES (?, ?, ?, ?, ?, ?)`),
			threadID, ts, w.TaskID, w.Idx, w.Channel, w.Value); err != nil {
			return fmt.Errorf("insert task write: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put writes: %w", err)
	}
	return nil
}

// DeleteThread implements ThreadDeleter.
func (s *sqlStore) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSaverClosed
	}
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM checkpoint_writes WHERE thread_id = ?`), threadID); err != nil {
		return fmt.Errorf("delete thread writes: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM checkpoints WHERE thread_id = ?`), threadID); err != nil {
		return fmt.Errorf("delete thread checkpoints: %w", err)
	}
	return nil
}

// Close implements Saver.
func (s *sqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *sqlStore) loadWrites(ctx context.Context, threadID, ts string) ([]PendingWrite, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT task_id, idx, channel, value FROM checkpoint_writes
		WHERE thread_id = ? AND thread_ts = ?
		ORDER BY task_id, idx`), threadID, ts)
	if err != nil {
		return nil, fmt.Errorf("load writes: %w", err)
	}
	defer rows.Close()

	var out []PendingWrite
	for rows.Next() {
		var w encodedWrite
		if err := rows.Scan(&w.TaskID, &w.Idx, &w.Channel, &w.Value); err != nil {
			return nil, fmt.Errorf("scan write: %w", err)
		}
		pw, err := w.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, pw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate writes: %w", err)
	}
	return out, nil
}

func (s *sqlStore) tuple(threadID, ts, parent string, ckptData, metaData []byte) (*Tuple, error) {
	c, err := Unmarshal(ckptData)
	if err != nil {
		return nil, err
	}
	meta, err := UnmarshalMetadata(metaData)
	if err != nil {
		return nil, err
	}
	return &Tuple{
		Checkpoint:   c,
		Metadata:     meta,
		Config:       ConfigFor(threadID, ts),
		ParentConfig: parentConfig(threadID, parent),
	}, nil
}
