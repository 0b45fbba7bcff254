package tail

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/kon-rad/logship/internal/record"
)

type Submitter interface {
	Submit(rec record.Record)
}

type Option func(*Tailer)

// WithDecorator sets a function applied to every record before it is
// submitted.
func WithDecorator(fn func(record.Record) record.Record) Option {
	return func(t *Tailer) { t.decorate = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tailer) { t.logger = l }
}

// Tailer follows a log file and submits one record per line. JSON lines are
// read as record payloads; anything else becomes a plain message record.
type Tailer struct {
	path        string
	poll        time.Duration
	application string
	submitter   Submitter
	decorate    func(record.Record) record.Record
	logger      *slog.Logger
}

func New(path string, poll time.Duration, application string, submitter Submitter, opts ...Option) *Tailer {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	t := &Tailer{
		path:        path,
		poll:        poll,
		application: application,
		submitter:   submitter,
		decorate:    func(r record.Record) record.Record { return r },
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tailer) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	var offset int64
	var lastInode uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fi, err := os.Stat(t.path)
			if err != nil {
				continue
			}
			if stat, ok := fi.Sys().(*syscall.Stat_t); ok {
				if lastInode == 0 {
					lastInode = stat.Ino
				}
				if stat.Ino != lastInode {
					t.logger.Info("tailed file rotated", "path", t.path)
					lastInode = stat.Ino
					offset = 0
				}
			}
			if fi.Size() < offset {
				offset = 0
			}
			newOffset, err := t.readFromOffset(offset)
			if err != nil {
				t.logger.Warn("tail read failed", "path", t.path, "error", err)
			}
			offset = newOffset
		}
	}
}

// readFromOffset submits every complete line after offset and returns the
// offset just past the last one. A trailing partial line is left for the
// next poll.
func (t *Tailer) readFromOffset(offset int64) (int64, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return offset, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, err
	}

	reader := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := reader.ReadString('\n')
		if errors.Is(err, io.EOF) {
			return offset, nil
		}
		if err != nil {
			return offset, err
		}
		offset += int64(len(line))

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		t.submitter.Submit(t.decorate(t.parseLine(line)))
	}
}

func (t *Tailer) parseLine(line string) record.Record {
	if strings.HasPrefix(line, "{") {
		var p record.Payload
		if err := json.Unmarshal([]byte(line), &p); err == nil {
			if p.Application == "" {
				p.Application = t.application
			}
			if rec, err := p.Record(); err == nil {
				return rec
			}
		}
	}

	rec := record.New(t.application, record.TruncateBytes(line, 120))
	rec.FullMessage = line
	rec.Level = classifyLine(line)
	if rec.Level <= record.LevelError {
		rec.Status = record.StatusFailure
	}
	return rec
}

func classifyLine(line string) record.Level {
	l := strings.ToLower(line)
	switch {
	case strings.Contains(l, "panic") || strings.Contains(l, "fatal"):
		return record.LevelCritical
	case strings.Contains(l, "error") || strings.Contains(l, "exception") || strings.Contains(l, "timeout") || strings.Contains(l, "failed"):
		return record.LevelError
	case strings.Contains(l, "warn"):
		return record.LevelWarning
	}
	return record.LevelInfo
}
