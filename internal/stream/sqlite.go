// internal/stream/sqlite.go
package stream

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS anomaly_results (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	stream        TEXT    NOT NULL,
	timestamp     TEXT    NOT NULL,
	value         REAL    NOT NULL,
	prediction    REAL,
	anomaly_score REAL    NOT NULL,
	raw_score     REAL    NOT NULL,
	likelihood    REAL    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_anomaly_results_stream_ts ON anomaly_results(stream, timestamp);
`

const sqliteInsert = `INSERT INTO anomaly_results
	(stream, timestamp, value, prediction, anomaly_score, raw_score, likelihood)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

// SQLiteSink - stores outputs in an SQLite table, committing every BatchSize rows.
// Safe for use by several runners at once; rows carry their stream name.
type SQLiteSink struct {
	mu        sync.Mutex
	db        *sql.DB
	tx        *sql.Tx
	stmt      *sql.Stmt
	batchSize int
	pending   int
	written   int
}

func OpenSQLiteSink(path string, batchSize int) (*SQLiteSink, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteSink{db: db, batchSize: batchSize}, nil
}

func (s *SQLiteSink) Accept(out Output) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		stmt, err := tx.Prepare(sqliteInsert)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		s.tx, s.stmt = tx, stmt
	}

	if _, err := s.stmt.Exec(
		out.Stream,
		out.Timestamp.Format(OutputTimeLayout),
		out.Value,
		nullable(out.Prediction),
		out.AnomalyScore,
		out.RawScore,
		out.Likelihood,
	); err != nil {
		return fmt.Errorf("failed to insert result: %w", err)
	}

	s.pending++
	if s.pending >= s.batchSize {
		return s.commit()
	}
	return nil
}

func (s *SQLiteSink) commit() error {
	if s.tx == nil {
		return nil
	}
	s.stmt.Close()
	err := s.tx.Commit()
	s.tx, s.stmt = nil, nil
	if err != nil {
		return fmt.Errorf("failed to commit results: %w", err)
	}
	s.written += s.pending
	s.pending = 0
	return nil
}

// Flush - commit buffered rows
func (s *SQLiteSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit()
}

func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.commit()
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	log.Debug().Int("rows", s.written).Msg("sqlite sink closed")
	return err
}
