package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/webtimer/internal/model"
)

// defaultListLimit bounds unfiltered history queries.
const defaultListLimit = 100

// HistoryStore is the append-only persistence layer for attempt
// records. Appends from concurrently executing schedules must not
// interleave; reads must not block on in-flight appends.
type HistoryStore interface {
	// Append stores one attempt record. Each append is atomic.
	Append(ctx context.Context, record *model.HistoryRecord) error

	// List retrieves records matching the filter, newest-first.
	List(ctx context.Context, filter model.HistoryFilter) ([]*model.HistoryRecord, error)

	// Stats computes aggregate statistics lazily over the stored
	// records, for one schedule or for all of them.
	Stats(ctx context.Context, scheduleID string) ([]*model.ScheduleStats, error)

	// DeleteBefore removes records older than the given time and
	// returns how many were deleted.
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)

	// Close releases the underlying storage.
	Close() error
}

// SQLiteHistory implements HistoryStore on a local SQLite database.
type SQLiteHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteHistory opens (or creates) the database at dbPath. A failure
// here is the one unrecoverable startup error: the engine must not
// start without working history storage.
func NewSQLiteHistory(logger *zap.Logger, dbPath string) (*SQLiteHistory, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; funneling all statements through
	// one connection serializes physical writes without extra locking.
	db.SetMaxOpenConns(1)

	store := &SQLiteHistory{
		logger: logger.Named("history"),
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the schema if it doesn't exist.
func (s *SQLiteHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS request_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL,
			schedule_id TEXT NOT NULL,
			schedule_name TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			url TEXT NOT NULL,
			method TEXT NOT NULL,
			success INTEGER NOT NULL,
			status_code INTEGER,
			response_time_ms INTEGER,
			attempt INTEGER NOT NULL DEFAULT 1,
			error_message TEXT,
			response_body TEXT,
			body_hash TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_request_history_schedule_id ON request_history(schedule_id);
		CREATE INDEX IF NOT EXISTS idx_request_history_timestamp ON request_history(timestamp);
		CREATE INDEX IF NOT EXISTS idx_request_history_success ON request_history(success);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Append implements HistoryStore.Append.
func (s *SQLiteHistory) Append(ctx context.Context, record *model.HistoryRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_history (
			request_id, schedule_id, schedule_name, timestamp, url, method,
			success, status_code, response_time_ms, attempt, error_message,
			response_body, body_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.RequestID,
		record.ScheduleID,
		record.ScheduleName,
		record.Timestamp,
		record.URL,
		record.Method,
		record.Success,
		sql.NullInt64{Int64: int64(record.StatusCode), Valid: record.StatusCode != 0},
		record.ResponseTime.Milliseconds(),
		record.Attempt,
		sql.NullString{String: record.Error, Valid: record.Error != ""},
		sql.NullString{String: record.Body, Valid: record.Body != ""},
		sql.NullString{String: record.BodyHash, Valid: record.BodyHash != ""},
	)
	if err != nil {
		return fmt.Errorf("failed to append history record: %w", err)
	}
	return nil
}

// List implements HistoryStore.List.
func (s *SQLiteHistory) List(ctx context.Context, filter model.HistoryFilter) ([]*model.HistoryRecord, error) {
	query := `
		SELECT id, request_id, schedule_id, schedule_name, timestamp, url, method,
			success, status_code, response_time_ms, attempt, error_message,
			response_body, body_hash
		FROM request_history WHERE 1=1`
	args := make([]interface{}, 0, 5)

	if filter.ScheduleID != "" {
		query += " AND schedule_id = ?"
		args = append(args, filter.ScheduleID)
	}
	if filter.Success != nil {
		query += " AND success = ?"
		args = append(args, *filter.Success)
	}
	if !filter.From.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.From)
	}
	if !filter.To.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, filter.To)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var records []*model.HistoryRecord
	for rows.Next() {
		record := &model.HistoryRecord{}
		var statusCode, responseTimeMS sql.NullInt64
		var errorMsg, body, bodyHash sql.NullString

		if err := rows.Scan(
			&record.ID,
			&record.RequestID,
			&record.ScheduleID,
			&record.ScheduleName,
			&record.Timestamp,
			&record.URL,
			&record.Method,
			&record.Success,
			&statusCode,
			&responseTimeMS,
			&record.Attempt,
			&errorMsg,
			&body,
			&bodyHash,
		); err != nil {
			return nil, fmt.Errorf("failed to scan history record: %w", err)
		}

		if statusCode.Valid {
			record.StatusCode = int(statusCode.Int64)
		}
		if responseTimeMS.Valid {
			record.ResponseTime = time.Duration(responseTimeMS.Int64) * time.Millisecond
		}
		if errorMsg.Valid {
			record.Error = errorMsg.String
		}
		if body.Valid {
			record.Body = body.String
		}
		if bodyHash.Valid {
			record.BodyHash = bodyHash.String
		}

		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return records, nil
}

// Stats implements HistoryStore.Stats. Aggregates are computed on read;
// nothing is maintained incrementally on the write path.
func (s *SQLiteHistory) Stats(ctx context.Context, scheduleID string) ([]*model.ScheduleStats, error) {
	query := `
		SELECT schedule_id,
			MAX(schedule_name),
			COUNT(*),
			SUM(CASE WHEN success THEN 1 ELSE 0 END),
			AVG(CASE WHEN success THEN response_time_ms END),
			MAX(timestamp),
			MAX(CASE WHEN success THEN timestamp END)
		FROM request_history`
	args := make([]interface{}, 0, 1)
	if scheduleID != "" {
		query += " WHERE schedule_id = ?"
		args = append(args, scheduleID)
	}
	query += " GROUP BY schedule_id ORDER BY schedule_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}
	defer rows.Close()

	var stats []*model.ScheduleStats
	for rows.Next() {
		st := &model.ScheduleStats{}
		var avgResponseMS sql.NullFloat64
		// MAX() strips the column's declared type, so the driver hands
		// these back as raw strings rather than time.Time.
		var lastRequest, lastSuccess sql.NullString

		if err := rows.Scan(
			&st.ScheduleID,
			&st.ScheduleName,
			&st.TotalRequests,
			&st.SuccessfulRequests,
			&avgResponseMS,
			&lastRequest,
			&lastSuccess,
		); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}

		st.FailedRequests = st.TotalRequests - st.SuccessfulRequests
		if st.TotalRequests > 0 {
			st.SuccessRate = float64(st.SuccessfulRequests) / float64(st.TotalRequests)
		}
		if avgResponseMS.Valid {
			st.AverageResponseTime = time.Duration(avgResponseMS.Float64 * float64(time.Millisecond))
		}
		if lastRequest.Valid {
			if ts, err := parseStoredTime(lastRequest.String); err == nil {
				st.LastRequestAt = &ts
			}
		}
		if lastSuccess.Valid {
			if ts, err := parseStoredTime(lastSuccess.String); err == nil {
				st.LastSuccessAt = &ts
			}
		}

		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return stats, nil
}

// storedTimeLayouts mirrors the formats the sqlite3 driver writes
// time.Time values with.
var storedTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

func parseStoredTime(value string) (time.Time, error) {
	var err error
	for _, layout := range storedTimeLayouts {
		var ts time.Time
		if ts, err = time.Parse(layout, value); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q: %w", value, err)
}

// DeleteBefore implements HistoryStore.DeleteBefore.
func (s *SQLiteHistory) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM request_history WHERE timestamp < ?", before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// Close closes the database connection.
func (s *SQLiteHistory) Close() error {
	return s.db.Close()
}
