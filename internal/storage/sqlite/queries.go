package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/yegors/flightqa/pkg/logger"
)

// timeLayout has fixed width so created_at sorts as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// QueryStorage keeps the log of asked questions
type QueryStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewQueryStorage creates the query log and its table
func NewQueryStorage(db *sql.DB, logger *logger.Logger) (*QueryStorage, error) {
	storage := &QueryStorage{
		db:     db,
		logger: logger.Named("sqlite-queries"),
	}

	if err := storage.initDB(); err != nil {
		return nil, err
	}

	return storage, nil
}

// initDB initializes the database tables
func (s *QueryStorage) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS queries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			query_id TEXT NOT NULL UNIQUE,
			airport_code TEXT NOT NULL,
			question TEXT NOT NULL,
			answer TEXT,
			error_kind TEXT,
			shaping_level TEXT,
			total_arrivals INTEGER NOT NULL DEFAULT 0,
			record_count INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create queries table: %w", err)
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_queries_created_at ON queries(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_queries_airport_code ON queries(airport_code)`,
		`CREATE INDEX IF NOT EXISTS idx_queries_error_kind ON queries(error_kind)`,
	}

	for _, indexSQL := range indexes {
		if _, err := s.db.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create query index: %w", err)
		}
	}

	return nil
}

// RecordQuery stores a query record
func (s *QueryStorage) RecordQuery(ctx context.Context, record *QueryRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO queries
		(query_id, airport_code, question, answer, error_kind, shaping_level, total_arrivals, record_count, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.QueryID,
		record.AirportCode,
		record.Question,
		nullString(record.Answer),
		nullString(record.ErrorKind),
		nullString(record.ShapingLevel),
		record.TotalArrivals,
		record.RecordCount,
		record.DurationMs,
		record.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert query: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}
	record.ID = id

	s.logger.Debug("Recorded query",
		logger.Int64("id", id),
		logger.String("query_id", record.QueryID),
		logger.String("airport", record.AirportCode),
		logger.String("error_kind", record.ErrorKind))

	return nil
}

// GetRecentQueries returns the newest queries first
func (s *QueryStorage) GetRecentQueries(ctx context.Context, limit int) ([]*QueryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, query_id, airport_code, question, answer, error_kind, shaping_level, total_arrivals, record_count, duration_ms, created_at
		FROM queries
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent queries: %w", err)
	}
	defer rows.Close()

	return s.scanQueryRows(rows)
}

// GetQueriesByAirport returns the newest queries for one airport
func (s *QueryStorage) GetQueriesByAirport(ctx context.Context, airportCode string, limit int) ([]*QueryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, query_id, airport_code, question, answer, error_kind, shaping_level, total_arrivals, record_count, duration_ms, created_at
		FROM queries
		WHERE airport_code = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		airportCode, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query queries by airport: %w", err)
	}
	defer rows.Close()

	return s.scanQueryRows(rows)
}

// scanQueryRows scans database rows into QueryRecord structs
func (s *QueryStorage) scanQueryRows(rows *sql.Rows) ([]*QueryRecord, error) {
	records := []*QueryRecord{}
	for rows.Next() {
		var record QueryRecord
		var answer, errorKind, level sql.NullString
		var createdAt string

		if err := rows.Scan(
			&record.ID,
			&record.QueryID,
			&record.AirportCode,
			&record.Question,
			&answer,
			&errorKind,
			&level,
			&record.TotalArrivals,
			&record.RecordCount,
			&record.DurationMs,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan query: %w", err)
		}

		var err error
		record.CreatedAt, err = time.Parse(timeLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}

		record.Answer = answer.String
		record.ErrorKind = errorKind.String
		record.ShapingLevel = level.String

		records = append(records, &record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queries: %w", err)
	}

	return records, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
