// Package sqlite is a file-backed SharedStore. Several processes may open
// the same file; each one learns about the others' writes by polling a
// global sequence column, which also drives local change notifications.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"exploratory-testing-support/internal/adapters/storage/changefeed"
	obs "exploratory-testing-support/internal/infrastructure/observability"
	"exploratory-testing-support/internal/usecase"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value BLOB,
	deleted INTEGER NOT NULL DEFAULT 0,
	seq INTEGER NOT NULL,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS kv_seq ON kv(seq);
`

type Store struct {
	db     *sql.DB
	feed   *changefeed.Feed
	logger *zerolog.Logger

	interval time.Duration
	poke     chan struct{}
	stop     chan struct{}
	wg       sync.WaitGroup

	// poller state, owned by the poll goroutine after Open returns
	lastSeq int64
	known   map[string][]byte
}

// Open creates the schema if needed and starts the change poller.
func Open(path string, interval time.Duration, logger *zerolog.Logger) (*Store, error) {
	if logger == nil {
		logger = obs.Nop()
	}
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	s := &Store{
		db:       db,
		feed:     changefeed.New(),
		logger:   logger,
		interval: interval,
		poke:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		known:    make(map[string][]byte),
	}
	if err := s.snapshot(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	s.wg.Add(1)
	go s.pollLoop()
	return s, nil
}

func (s *Store) Close() error {
	close(s.stop)
	s.wg.Wait()
	s.feed.Close()
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ? AND deleted = 0`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select %q: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.Update(ctx, key, func([]byte, bool) ([]byte, error) {
		if value == nil {
			return []byte{}, nil
		}
		return value, nil
	})
}

func (s *Store) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, k := range keys {
		seq, err := nextSeq(ctx, tx)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE kv SET value = NULL, deleted = 1, seq = ?, updated_at = ? WHERE key = ? AND deleted = 0`,
			seq, time.Now().UTC(), k); err != nil {
			return fmt.Errorf("delete %q: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.wake()
	return nil
}

// Update runs fn inside an immediate transaction, which holds the
// database write lock across processes until commit.
func (s *Store) Update(ctx context.Context, key string, fn func(old []byte, ok bool) ([]byte, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var old []byte
	had := true
	err = tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ? AND deleted = 0`, key).Scan(&old)
	if errors.Is(err, sql.ErrNoRows) {
		had = false
	} else if err != nil {
		return fmt.Errorf("select %q: %w", key, err)
	}

	next, err := fn(old, had)
	if errors.Is(err, usecase.ErrNoChange) {
		return nil
	}
	if err != nil {
		return err
	}
	seq, err := nextSeq(ctx, tx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if next == nil {
		if !had {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE kv SET value = NULL, deleted = 1, seq = ?, updated_at = ? WHERE key = ?`, seq, now, key)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO kv (key, value, deleted, seq, updated_at) VALUES (?, ?, 0, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, deleted = 0, seq = excluded.seq, updated_at = excluded.updated_at`,
			key, next, seq, now)
	}
	if err != nil {
		return fmt.Errorf("write %q: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.wake()
	return nil
}

// Subscribe delivers changes made by this and every other process using
// the same file, at most one poll interval late.
func (s *Store) Subscribe(fn usecase.ChangeFunc) func() { return s.feed.Subscribe(fn) }

func nextSeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM kv`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}
	return seq, nil
}

func (s *Store) wake() {
	select {
	case s.poke <- struct{}{}:
	default:
	}
}

func (s *Store) snapshot() error {
	rows, err := s.db.Query(`SELECT key, value, deleted, seq FROM kv`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key     string
			value   []byte
			deleted bool
			seq     int64
		)
		if err := rows.Scan(&key, &value, &deleted, &seq); err != nil {
			return err
		}
		if seq > s.lastSeq {
			s.lastSeq = seq
		}
		if !deleted {
			s.known[key] = value
		}
	}
	return rows.Err()
}

func (s *Store) pollLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
		case <-s.poke:
		}
		if err := s.poll(); err != nil {
			s.logger.Warn().Err(err).Msg("store poll failed")
		}
	}
}

func (s *Store) poll() error {
	rows, err := s.db.Query(`SELECT key, value, deleted, seq FROM kv WHERE seq > ? ORDER BY seq`, s.lastSeq)
	if err != nil {
		return err
	}
	var changes []usecase.Change
	for rows.Next() {
		var (
			key     string
			value   []byte
			deleted bool
			seq     int64
		)
		if err := rows.Scan(&key, &value, &deleted, &seq); err != nil {
			rows.Close()
			return err
		}
		s.lastSeq = seq
		c := usecase.Change{Key: key, OldValue: s.known[key]}
		if deleted {
			delete(s.known, key)
		} else {
			s.known[key] = value
			c.NewValue = value
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()
	s.feed.Publish(changes...)
	return nil
}
