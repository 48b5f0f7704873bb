package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	postgresLogTableName     = "relaydoc_updates"
	postgresOperationTimeout = 5 * time.Second
)

// PostgresLog stores updates in a single table ordered by a serial id.
type PostgresLog struct {
	pool      *pgxpool.Pool
	tableName string

	initOnce sync.Once
	initErr  error
}

func NewPostgresLog(ctx context.Context, dsn string) (*PostgresLog, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresLog{pool: pool, tableName: postgresLogTableName}, nil
}

func (l *PostgresLog) Append(ctx context.Context, docID string, delta []byte) error {
	if strings.TrimSpace(docID) == "" || len(delta) == 0 {
		return ErrInvalidInput
	}
	if err := l.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (doc_id, delta) VALUES ($1, $2)`, l.table())
	_, err := l.pool.Exec(ctx, query, docID, delta)
	return err
}

func (l *PostgresLog) Load(ctx context.Context, docID string) ([][]byte, time.Time, error) {
	if err := l.ensureReady(ctx); err != nil {
		return nil, time.Time{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`SELECT delta, created_at FROM %s WHERE doc_id = $1 ORDER BY id`, l.table())
	rows, err := l.pool.Query(ctx, query, docID)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer rows.Close()
	var (
		out     [][]byte
		updated time.Time
	)
	for rows.Next() {
		var (
			delta     []byte
			createdAt time.Time
		)
		if err := rows.Scan(&delta, &createdAt); err != nil {
			return nil, time.Time{}, err
		}
		out = append(out, delta)
		updated = createdAt
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, err
	}
	return out, updated.UTC(), nil
}

func (l *PostgresLog) Close() error {
	if l == nil || l.pool == nil {
		return nil
	}
	l.pool.Close()
	return nil
}

func (l *PostgresLog) table() string {
	return pgx.Identifier{l.tableName}.Sanitize()
}

func (l *PostgresLog) ensureReady(ctx context.Context) error {
	if l == nil || l.pool == nil {
		return ErrInvalidInput
	}
	l.initOnce.Do(func() {
		ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
		defer cancel()
		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id BIGSERIAL PRIMARY KEY,
					doc_id TEXT NOT NULL,
					delta BYTEA NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, l.table()),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (doc_id, id)`,
				pgx.Identifier{l.tableName + "_doc_idx"}.Sanitize(), l.table()),
		}
		for _, stmt := range statements {
			if _, err := l.pool.Exec(ctx, stmt); err != nil {
				l.initErr = err
				return
			}
		}
	})
	return l.initErr
}
