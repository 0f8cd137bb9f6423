// Package audit persists completed tool dispatches to a local SQLite
// database, per SPEC_FULL.md §4.12. It is entirely optional: a bridge
// host with no audit_db_path configured never imports this package's
// Store into its dispatcher.
package audit

import (
	"context"
	_ "embed"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/mrdemonbkgit/claude-code-chrome-wsl-windows/pkg/dispatcher"
)

//go:embed schema.sql
var schemaSQL string

const queueCapacity = 256

// Store is a dispatcher.AuditRecorder backed by SQLite. Writes are
// enqueued on a buffered channel and applied by a single background
// writer goroutine; a full queue drops the record rather than blocking
// the dispatch path, per §4.12's "writes are best-effort" rule.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	records chan dispatcher.AuditRecord
	done    chan struct{}
}

// Open creates (if needed) and migrates the SQLite database at dbPath,
// and starts the background writer.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("audit: failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("audit: failed to apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: failed to apply schema: %w", err)
	}

	s := &Store{
		db:      db,
		logger:  logger,
		records: make(chan dispatcher.AuditRecord, queueCapacity),
		done:    make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

// Record enqueues a completed dispatch for persistence. It never blocks
// the caller: a full queue drops the record and logs the drop.
func (s *Store) Record(_ context.Context, rec dispatcher.AuditRecord) {
	select {
	case s.records <- rec:
	default:
		s.logger.Warn("audit queue full, dropping dispatch record", "tool", rec.ToolName)
	}
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for rec := range s.records {
		if err := s.insert(rec); err != nil {
			s.logger.Warn("audit: failed to persist dispatch record", "error", err.Error())
		}
	}
}

func (s *Store) insert(rec dispatcher.AuditRecord) error {
	const tsFormat = "2006-01-02T15:04:05.000Z07:00"
	_, err := s.db.Exec(
		`INSERT INTO dispatch_records (envelope_id, client_id, tool_name, args_digest, started_at, outcome, error_code, elapsed_ms, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.EnvelopeID, rec.ClientID, rec.ToolName, rec.ArgsDigest, rec.StartedAt.Format(tsFormat),
		rec.Outcome, rec.ErrorCode, rec.ElapsedMs, rec.FinishedAt.Format(tsFormat),
	)
	return err
}

// Close stops the background writer, draining any queued records, and
// closes the database.
func (s *Store) Close() error {
	close(s.records)
	<-s.done
	return s.db.Close()
}
