package relay

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SqliteCursorStore is a durable cursor store backed by a local SQLite
// database. WAL mode keeps concurrent session reads from blocking writes.
type SqliteCursorStore struct {
	db *sql.DB
}

func NewSqliteCursorStore(path string) (*SqliteCursorStore, error) {
	db, err := sql.Open(
		"sqlite3",
		fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path),
	)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS feed_cursors (
			principal_id TEXT NOT NULL,
			feed_id TEXT NOT NULL,
			last_forwarded_seq INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (principal_id, feed_id)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create feed_cursors: %w", err)
	}

	return &SqliteCursorStore{
		db: db,
	}, nil
}

func (self *SqliteCursorStore) Load(ctx context.Context, principalId string, feedId string) (uint64, bool, error) {
	var lastForwardedSequence uint64
	err := self.db.QueryRowContext(
		ctx,
		`SELECT last_forwarded_seq FROM feed_cursors
			WHERE principal_id = ? AND feed_id = ?`,
		principalId,
		feedId,
	).Scan(&lastForwardedSequence)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return lastForwardedSequence, true, nil
}

func (self *SqliteCursorStore) Store(ctx context.Context, principalId string, feedId string, lastForwardedSequence uint64) error {
	_, err := self.db.ExecContext(
		ctx,
		`INSERT INTO feed_cursors (principal_id, feed_id, last_forwarded_seq, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (principal_id, feed_id)
			DO UPDATE SET last_forwarded_seq = excluded.last_forwarded_seq,
				updated_at = excluded.updated_at`,
		principalId,
		feedId,
		lastForwardedSequence,
		time.Now().UnixMilli(),
	)
	return err
}

func (self *SqliteCursorStore) Close() error {
	return self.db.Close()
}
