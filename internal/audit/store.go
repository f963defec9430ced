// Package audit records one row per tool call in Postgres.
package audit

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"llm-field-tools/internal/common/database"
	apperrors "llm-field-tools/internal/common/errors"
	"llm-field-tools/internal/common/logger"
)

const DefaultTable = "tool_invocations"

const (
	StatusCompleted = "completed"
	StatusRejected  = "rejected"
	StatusCancelled = "cancelled"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Record is one audited tool call. Calls rejected before execution carry the
// error code and zero item counts.
type Record struct {
	BatchID          string
	Tool             string
	Model            string
	Status           string
	ErrorCode        string
	TotalItems       int
	Successful       int
	Failed           int
	ProcessingTimeMs int64
	CreatedAt        time.Time
}

type Store struct {
	db     *database.PostgresClient
	table  string
	logger logger.Logger
}

func NewStore(db *database.PostgresClient, table string, log logger.Logger) (*Store, error) {
	if table == "" {
		table = DefaultTable
	}
	if !identifier.MatchString(table) {
		return nil, fmt.Errorf("audit: invalid table name %q", table)
	}
	return &Store{db: db, table: table, logger: log}, nil
}

// EnsureSchema creates the audit table when it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id                 TEXT PRIMARY KEY,
			tool_name          TEXT NOT NULL,
			model              TEXT NOT NULL,
			status             TEXT NOT NULL,
			error_code         TEXT,
			total_items        INTEGER NOT NULL,
			successful_items   INTEGER NOT NULL,
			failed_items       INTEGER NOT NULL,
			processing_time_ms BIGINT NOT NULL,
			created_at         TIMESTAMPTZ NOT NULL
		)`, s.table))
	if err != nil {
		return apperrors.NewDatabaseConnectionFailedError(fmt.Errorf("create %s: %w", s.table, err))
	}
	return nil
}

func (s *Store) Record(ctx context.Context, r Record) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	var errorCode interface{}
	if r.ErrorCode != "" {
		errorCode = r.ErrorCode
	}

	_, err := s.db.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (
			id, tool_name, model, status, error_code, total_items,
			successful_items, failed_items, processing_time_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, s.table),
		r.BatchID, r.Tool, r.Model, r.Status, errorCode, r.TotalItems,
		r.Successful, r.Failed, r.ProcessingTimeMs, r.CreatedAt,
	)
	if err != nil {
		s.logger.Warn("Failed to write audit record", map[string]interface{}{
			"batch_id": r.BatchID,
			"tool":     r.Tool,
			"error":    err.Error(),
		})
		return apperrors.NewDatabaseInsertFailedError(err)
	}
	return nil
}

// Summary is the per-tool aggregate over audited calls.
type Summary struct {
	Tool       string `json:"tool"`
	Calls      int    `json:"calls"`
	Items      int    `json:"items"`
	Failed     int    `json:"failed_items"`
	AvgLatency int64  `json:"avg_processing_time_ms"`
}

// Summaries aggregates calls made since the given time, one row per tool.
func (s *Store) Summaries(ctx context.Context, since time.Time) ([]Summary, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		SELECT tool_name, COUNT(*), COALESCE(SUM(total_items), 0),
		       COALESCE(SUM(failed_items), 0), COALESCE(AVG(processing_time_ms), 0)::BIGINT
		FROM %s
		WHERE created_at >= $1
		GROUP BY tool_name
		ORDER BY tool_name`, s.table), since)
	if err != nil {
		return nil, apperrors.NewDatabaseConnectionFailedError(err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.Tool, &sum.Calls, &sum.Items, &sum.Failed, &sum.AvgLatency); err != nil {
			return nil, apperrors.NewInternalError(err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	return out, nil
}
