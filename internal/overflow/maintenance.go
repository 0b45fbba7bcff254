package overflow

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"
)

func (s *Store) WALSizeBytes() int64 {
	fi, err := os.Stat(s.path + "-wal")
	if err != nil {
		return 0
	}
	return fi.Size()
}

func (s *Store) DBSizeBytes() int64 {
	fi, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

func (s *Store) CheckpointIfWALExceeds(ctx context.Context, thresholdBytes int64) (bool, error) {
	if s.WALSizeBytes() <= thresholdBytes {
		return false, nil
	}
	if _, err := s.writer.ExecContext(ctx, "PRAGMA wal_checkpoint(RESTART)"); err != nil {
		return false, fmt.Errorf("wal restart checkpoint: %w", err)
	}
	return true, nil
}

// CleanupOld deletes every row created more than retentionDays ago, replayed
// or not, and returns the freed pages to the file system.
func (s *Store) CleanupOld(ctx context.Context, retentionDays int, now time.Time) (int64, error) {
	cutoff := now.Add(-time.Duration(retentionDays) * 24 * time.Hour).UnixMilli()
	res, err := s.writer.ExecContext(ctx, "DELETE FROM overflow_records WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old overflow rows: %w", err)
	}
	deleted, _ := res.RowsAffected()
	if deleted > 0 {
		_, _ = s.writer.ExecContext(ctx, "PRAGMA incremental_vacuum(1000)")
	}
	return deleted, nil
}

func diskUsagePercent(path string) float64 {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0
	}
	total := float64(stat.Blocks) * float64(stat.Bsize)
	free := float64(stat.Bavail) * float64(stat.Bsize)
	if total <= 0 {
		return 0
	}
	return (total - free) / total * 100
}
