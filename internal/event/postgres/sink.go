package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ggonzalez94/comboproxy/internal/event"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS proxy_events (
	tx_hash    TEXT NOT NULL,
	log_index  INTEGER NOT NULL,
	block      BIGINT NOT NULL,
	address    TEXT NOT NULL,
	name       TEXT NOT NULL,
	fields     JSONB NOT NULL,
	data       BYTEA,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tx_hash, log_index)
)`

const insertSQL = `
INSERT INTO proxy_events (tx_hash, log_index, block, address, name, fields, data)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (tx_hash, log_index) DO NOTHING`

// Sink writes committed logs to Postgres.
type Sink struct {
	pool     *pgxpool.Pool
	attempts uint
	delay    time.Duration
}

func NewSink(ctx context.Context, dsn string) (*Sink, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	s := &Sink{pool: pool, attempts: 3, delay: 200 * time.Millisecond}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init events schema: %w", err)
	}
	return s, nil
}

func (s *Sink) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Write inserts logs in one batch, retrying transient failures.
func (s *Sink) Write(ctx context.Context, logs []event.Log) error {
	if len(logs) == 0 {
		return nil
	}
	rows, err := buildRows(logs)
	if err != nil {
		return err
	}
	return retry.Do(
		func() error {
			batch := &pgx.Batch{}
			for _, r := range rows {
				batch.Queue(insertSQL, r.args()...)
			}
			br := s.pool.SendBatch(ctx, batch)
			defer br.Close()
			for range rows {
				if _, err := br.Exec(); err != nil {
					return err
				}
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(s.attempts),
		retry.Delay(s.delay),
		retry.LastErrorOnly(true),
	)
}

type row struct {
	txHash  string
	index   int
	block   int64
	address string
	name    string
	fields  []byte
	data    []byte
}

func (r row) args() []any {
	return []any{r.txHash, r.index, r.block, r.address, r.name, r.fields, r.data}
}

func buildRows(logs []event.Log) ([]row, error) {
	rows := make([]row, 0, len(logs))
	for _, l := range logs {
		fields := l.Fields
		if fields == nil {
			fields = map[string]string{}
		}
		buf, err := json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("marshal event fields: %w", err)
		}
		rows = append(rows, row{
			txHash:  l.TxHash.Hex(),
			index:   l.Index,
			block:   int64(l.Block),
			address: l.Address.Hex(),
			name:    l.Name,
			fields:  buf,
			data:    l.Data,
		})
	}
	return rows, nil
}
