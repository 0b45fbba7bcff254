package overflow

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Entry is one dropped payload waiting to be written.
type Entry struct {
	RecordID    string
	Application string
	CreatedAt   int64
	Payload     string
}

// StoredEntry is an Entry read back with its row id.
type StoredEntry struct {
	ID int64
	Entry
}

func (s *Store) InsertBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.writer.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO overflow_records (record_id, created_at, application, payload, replayed, replayed_at)
VALUES (?, ?, ?, ?, 0, NULL)
`)
	if err != nil {
		return fmt.Errorf("prepare overflow insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.RecordID, e.CreatedAt, e.Application, e.Payload); err != nil {
			return fmt.Errorf("insert overflow row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	var out int64
	if err := s.reader.QueryRowContext(ctx, "SELECT COUNT(*) FROM overflow_records").Scan(&out); err != nil {
		return 0, fmt.Errorf("count overflow rows: %w", err)
	}
	return out, nil
}

func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	var out int64
	if err := s.reader.QueryRowContext(ctx, "SELECT COUNT(*) FROM overflow_records WHERE replayed = 0").Scan(&out); err != nil {
		return 0, fmt.Errorf("count pending overflow rows: %w", err)
	}
	return out, nil
}

// FetchPending returns up to limit rows that have not been replayed, oldest
// first.
func (s *Store) FetchPending(ctx context.Context, limit int) ([]StoredEntry, error) {
	rows, err := s.reader.QueryContext(ctx, `
SELECT id, record_id, created_at, application, payload
FROM overflow_records
WHERE replayed = 0
ORDER BY created_at ASC, id ASC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch pending overflow rows: %w", err)
	}
	defer rows.Close()

	out := make([]StoredEntry, 0, limit)
	for rows.Next() {
		var e StoredEntry
		if err := rows.Scan(&e.ID, &e.RecordID, &e.CreatedAt, &e.Application, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) MarkReplayed(ctx context.Context, ids []int64, replayedAt int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, 0, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, replayedAt)
	for _, id := range ids {
		placeholders = append(placeholders, "?")
		args = append(args, id)
	}
	q := fmt.Sprintf("UPDATE overflow_records SET replayed = 1, replayed_at = ? WHERE id IN (%s)", strings.Join(placeholders, ","))
	if _, err := s.writer.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("mark overflow rows replayed: %w", err)
	}
	return nil
}
