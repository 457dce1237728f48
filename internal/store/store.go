// Package store persists the simulated world between CLI invocations: the
// latest world snapshot, every receipt and every committed event, in one
// sqlite database guarded by a file lock.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/ggonzalez94/comboproxy/internal/chain"
	clierr "github.com/ggonzalez94/comboproxy/internal/errors"
	"github.com/ggonzalez94/comboproxy/internal/event"
	"github.com/ggonzalez94/comboproxy/internal/node"
)

const lockTimeout = 5 * time.Second

type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

func Open(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create state lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS worlds (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			state_hash TEXT NOT NULL,
			block INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS receipts (
			tx_hash TEXT PRIMARY KEY,
			block INTEGER NOT NULL,
			sender TEXT NOT NULL,
			method TEXT NOT NULL,
			status INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_receipts_block ON receipts(block DESC);",
		`CREATE TABLE IF NOT EXISTS events (
			tx_hash TEXT NOT NULL,
			log_index INTEGER NOT NULL,
			block INTEGER NOT NULL,
			address TEXT NOT NULL,
			name TEXT NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (tx_hash, log_index)
		);`,
		"CREATE INDEX IF NOT EXISTS idx_events_name_block ON events(name, block DESC);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init state schema: %w", err)
		}
	}
	return &Store{db: db, lock: flock.New(lockPath)}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) withLock(ctx context.Context, fn func() error) error {
	locked, err := s.lock.TryLockContext(ctx, lockTimeout)
	if err != nil {
		return fmt.Errorf("lock state store: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock state store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

// Commit saves the world and the receipts that produced it in a single
// sqlite transaction. Events of successful receipts are indexed too.
func (s *Store) Commit(ctx context.Context, snap node.Snapshot, receipts ...*chain.Receipt) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal world: %w", err)
	}
	hash := node.SnapshotHash(snap)
	return s.withLock(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin commit: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO worlds (state_hash, block, created_at, payload) VALUES (?, ?, ?, ?)",
			hash.Hex(), snap.Block, time.Now().UTC().Unix(), payload,
		); err != nil {
			return fmt.Errorf("save world: %w", err)
		}
		for _, r := range receipts {
			if r == nil {
				continue
			}
			if err := saveReceipt(ctx, tx, r); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit world: %w", err)
		}
		return nil
	})
}

func saveReceipt(ctx context.Context, tx *sql.Tx, r *chain.Receipt) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	createdUnix, _ := parseRFC3339Unix(r.CreatedAt)
	if createdUnix == 0 {
		createdUnix = time.Now().UTC().Unix()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO receipts (tx_hash, block, sender, method, status, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tx_hash) DO UPDATE SET
			block=excluded.block,
			status=excluded.status,
			payload=excluded.payload
	`, r.TxHash.Hex(), r.Block, r.From.Hex(), r.Method, r.Status, createdUnix, payload); err != nil {
		return fmt.Errorf("save receipt: %w", err)
	}
	for _, l := range r.Logs {
		if err := saveEvent(ctx, tx, l); err != nil {
			return err
		}
	}
	return nil
}

func saveEvent(ctx context.Context, tx *sql.Tx, l event.Log) error {
	payload, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (tx_hash, log_index, block, address, name, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tx_hash, log_index) DO NOTHING
	`, l.TxHash.Hex(), l.Index, l.Block, l.Address.Hex(), l.Name, payload); err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	return nil
}

// LoadWorld returns the most recent snapshot. ok is false for an empty store.
func (s *Store) LoadWorld(ctx context.Context) (node.Snapshot, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM worlds ORDER BY id DESC LIMIT 1").Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return node.Snapshot{}, false, nil
		}
		return node.Snapshot{}, false, fmt.Errorf("read world: %w", err)
	}
	var snap node.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return node.Snapshot{}, false, fmt.Errorf("decode world payload: %w", err)
	}
	return snap, true, nil
}

// Reset drops every stored world, receipt and event.
func (s *Store) Reset(ctx context.Context) error {
	return s.withLock(ctx, func() error {
		for _, table := range []string{"worlds", "receipts", "events"} {
			if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("reset %s: %w", table, err)
			}
		}
		return nil
	})
}

func (s *Store) GetReceipt(ctx context.Context, txHash string) (chain.Receipt, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM receipts WHERE lower(tx_hash) = lower(?)", strings.TrimSpace(txHash)).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chain.Receipt{}, clierr.Newf(clierr.CodeNotFound, "transaction not found: %s", txHash)
		}
		return chain.Receipt{}, fmt.Errorf("read receipt: %w", err)
	}
	var r chain.Receipt
	if err := json.Unmarshal(payload, &r); err != nil {
		return chain.Receipt{}, fmt.Errorf("decode receipt payload: %w", err)
	}
	return r, nil
}

func (s *Store) ListReceipts(ctx context.Context, limit int) ([]chain.Receipt, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, "SELECT payload FROM receipts ORDER BY block DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	defer rows.Close()

	receipts := make([]chain.Receipt, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan receipt row: %w", err)
		}
		var r chain.Receipt
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, fmt.Errorf("decode receipt row: %w", err)
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate receipt rows: %w", err)
	}
	return receipts, nil
}

// EventFilter narrows ListEvents. Empty fields match everything.
type EventFilter struct {
	TxHash string
	Name   string
	Limit  int
}

func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]event.Log, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	query := "SELECT payload FROM events"
	var (
		where []string
		args  []any
	)
	if v := strings.TrimSpace(f.TxHash); v != "" {
		where = append(where, "lower(tx_hash) = lower(?)")
		args = append(args, v)
	}
	if v := strings.TrimSpace(f.Name); v != "" {
		where = append(where, "name = ?")
		args = append(args, v)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY block ASC, log_index ASC LIMIT ?"
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	logs := make([]event.Log, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		var l event.Log
		if err := json.Unmarshal(payload, &l); err != nil {
			return nil, fmt.Errorf("decode event row: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return logs, nil
}

func parseRFC3339Unix(v string) (int64, bool) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return 0, false
	}
	return t.UTC().Unix(), true
}
