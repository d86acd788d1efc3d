package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/zeebo/blake3"

	"github.com/zhouzirui/z-lab/internal/model/memory"
)

// Archive receives exchanges removed from the durable document by retention.
type Archive interface {
	Archive(ctx context.Context, exchanges []memory.Exchange) error
}

// SQLiteArchive is cold storage for trimmed exchanges. Rows are keyed by a
// content hash so archiving the same exchange twice is a no-op.
type SQLiteArchive struct {
	mu     sync.Mutex
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

// OpenArchive creates or opens the archive database at dbPath.
func OpenArchive(dbPath string) (*SQLiteArchive, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("archive path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	a := &SQLiteArchive{
		db:     db,
		dbPath: dbPath,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := a.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize archive schema: %w", err)
	}
	return a, nil
}

// Close closes the database connection.
func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}

// Path returns the database file path.
func (a *SQLiteArchive) Path() string {
	return a.dbPath
}

func (a *SQLiteArchive) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS archived_exchanges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		content_hash TEXT NOT NULL UNIQUE,
		exchanged_at DATETIME NOT NULL,
		operator_request TEXT NOT NULL,
		responder_reply TEXT NOT NULL,
		archived_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_archived_exchanged_at ON archived_exchanges(exchanged_at);
	`
	_, err := a.db.Exec(schema)
	return err
}

// Archive stores exchanges in insertion order within one transaction.
func (a *SQLiteArchive) Archive(ctx context.Context, exchanges []memory.Exchange) error {
	if len(exchanges) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO archived_exchanges
			(content_hash, exchanged_at, operator_request, responder_reply, archived_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare archive insert: %w", err)
	}
	defer stmt.Close()

	archivedAt := a.now()
	for _, ex := range exchanges {
		if _, err := stmt.ExecContext(ctx, ContentHash(ex), ex.Time.UTC(), ex.OperatorRequest, ex.ResponderReply, archivedAt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("archive exchange: %w", err)
		}
	}
	return tx.Commit()
}

// Count returns the number of archived exchanges.
func (a *SQLiteArchive) Count(ctx context.Context) (int, error) {
	var n int
	err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM archived_exchanges`).Scan(&n)
	return n, err
}

// Recent returns up to limit of the newest archived exchanges, oldest first.
func (a *SQLiteArchive) Recent(ctx context.Context, limit int) ([]memory.Exchange, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT exchanged_at, operator_request, responder_reply
		FROM archived_exchanges ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []memory.Exchange
	for rows.Next() {
		var ex memory.Exchange
		if err := rows.Scan(&ex.Time, &ex.OperatorRequest, &ex.ResponderReply); err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ContentHash is the blake3 digest identifying an exchange in the archive.
func ContentHash(ex memory.Exchange) string {
	h := blake3.New()
	_, _ = h.Write([]byte(ex.Time.UTC().Format(time.RFC3339Nano)))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(ex.OperatorRequest))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(ex.ResponderReply))
	return hex.EncodeToString(h.Sum(nil))
}
