// Package sqliteremote keeps a shared sync log in a SQLite file. Every peer
// that opens the same file sees the same log.
package sqliteremote

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/wbrown/janus-eav/eav/syncer"
	_ "modernc.org/sqlite"
)

// Scheme is the uri scheme served by this package
const Scheme = "sqlite"

const schema = `
CREATE TABLE IF NOT EXISTS sync_log (
	position  INTEGER PRIMARY KEY AUTOINCREMENT,
	user      TEXT    NOT NULL,
	peer      TEXT    NOT NULL,
	origin_tx INTEGER NOT NULL,
	clock     INTEGER NOT NULL,
	payload   TEXT    NOT NULL,
	UNIQUE (user, peer, origin_tx)
);
CREATE INDEX IF NOT EXISTS sync_log_user ON sync_log (user, position);
`

// Remote is a sync log stored in SQLite
type Remote struct {
	sqlDB *sql.DB
}

// Transport registers the sqlite:// scheme with a sync engine
func Transport() syncer.Transports {
	return syncer.Transports{Scheme: func(ctx context.Context, uri string) (syncer.Remote, error) {
		return OpenURI(ctx, uri)
	}}
}

// OpenURI opens the log named by a sqlite://path uri
func OpenURI(ctx context.Context, uri string) (*Remote, error) {
	path, ok := strings.CutPrefix(uri, Scheme+"://")
	if !ok {
		return nil, fmt.Errorf("invalid sqlite uri %q", uri)
	}
	return Open(ctx, path)
}

// Open opens or creates the log at path
func Open(ctx context.Context, path string) (*Remote, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.ExecContext(ctx, schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create sync log: %w", err)
	}
	return &Remote{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection
func (r *Remote) Close() error {
	if r == nil || r.sqlDB == nil {
		return nil
	}
	return r.sqlDB.Close()
}

// Fetch returns user's entries after the given position
func (r *Remote) Fetch(ctx context.Context, user uuid.UUID, after uint64) ([]syncer.Entry, error) {
	rows, err := r.sqlDB.QueryContext(ctx, `
SELECT position, payload FROM sync_log
WHERE user = ? AND position > ?
ORDER BY position
`, user.String(), int64(after))
	if err != nil {
		return nil, fmt.Errorf("query sync log: %w", err)
	}
	defer rows.Close()

	var entries []syncer.Entry
	for rows.Next() {
		var (
			pos     int64
			payload string
			e       syncer.Entry
		)
		if err := rows.Scan(&pos, &payload); err != nil {
			return nil, fmt.Errorf("scan sync log: %w", err)
		}
		e.Position = uint64(pos)
		if err := json.Unmarshal([]byte(payload), &e.Tx); err != nil {
			// Left to the engine's structural checks
			e.Tx = syncer.Transaction{}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync log: %w", err)
	}
	return entries, nil
}

// Head returns the position of user's last entry, zero if none
func (r *Remote) Head(ctx context.Context, user uuid.UUID) (uint64, error) {
	return head(ctx, r.sqlDB, user)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func head(ctx context.Context, q querier, user uuid.UUID) (uint64, error) {
	var pos sql.NullInt64
	err := q.QueryRowContext(ctx, `SELECT MAX(position) FROM sync_log WHERE user = ?`, user.String()).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("read sync log head: %w", err)
	}
	return uint64(pos.Int64), nil
}

// Push appends txs to user's log if nothing was appended since expected
func (r *Remote) Push(ctx context.Context, user uuid.UUID, expected uint64, txs []syncer.Transaction) (ack syncer.Ack, err error) {
	sqlTx, err := r.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return ack, fmt.Errorf("begin push: %w", err)
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	current, err := head(ctx, sqlTx, user)
	if err != nil {
		return ack, err
	}
	if current != expected {
		return ack, fmt.Errorf("%w: at %d, expected %d", syncer.ErrHeadMoved, current, expected)
	}
	for _, tx := range txs {
		payload, err := json.Marshal(tx)
		if err != nil {
			return ack, fmt.Errorf("encode %s: %w", tx.Stamp(), err)
		}
		_, err = sqlTx.ExecContext(ctx, `
INSERT OR IGNORE INTO sync_log (user, peer, origin_tx, clock, payload)
VALUES (?, ?, ?, ?, ?)
`, user.String(), tx.Peer.String(), int64(tx.OriginTx), int64(tx.Clock), string(payload))
		if err != nil {
			return ack, fmt.Errorf("append %s: %w", tx.Stamp(), err)
		}
	}
	if ack.Head, err = head(ctx, sqlTx, user); err != nil {
		return ack, err
	}
	if err := sqlTx.Commit(); err != nil {
		return ack, fmt.Errorf("commit push: %w", err)
	}
	return ack, nil
}
