package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/strain-refinery/internal/model"
	"github.com/sells-group/strain-refinery/internal/resilience"
)

// ErrNotFound is returned when a looked-up run does not exist.
var ErrNotFound = eris.New("store: not found")

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	mode       TEXT NOT NULL,
	input      TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'queued',
	summary    TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS bronze_records (
	id          TEXT PRIMARY KEY,
	strain_name TEXT NOT NULL,
	source_url  TEXT NOT NULL,
	data        TEXT NOT NULL,
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS gold_records (
	bronze_record_id TEXT PRIMARY KEY,
	run_id           TEXT NOT NULL,
	strain_name      TEXT NOT NULL,
	confidence_score INTEGER NOT NULL,
	data             TEXT NOT NULL,
	updated_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS extraction_cache (
	cache_key  TEXT PRIMARY KEY,
	response   TEXT NOT NULL,
	cached_at  DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id               TEXT PRIMARY KEY,
	source_record_id TEXT NOT NULL UNIQUE,
	run_id           TEXT NOT NULL,
	error            TEXT NOT NULL,
	error_type       TEXT NOT NULL,
	attempts         INTEGER NOT NULL DEFAULT 0,
	retry_count      INTEGER NOT NULL DEFAULT 0,
	max_retries      INTEGER NOT NULL DEFAULT 3,
	next_retry_at    DATETIME NOT NULL,
	created_at       DATETIME NOT NULL,
	last_failed_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_gold_confidence ON gold_records(confidence_score);
CREATE INDEX IF NOT EXISTS idx_extraction_cache_expires_at ON extraction_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Runs

func (s *SQLiteStore) CreateRun(ctx context.Context, mode model.RunMode, input string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, mode, input, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, string(mode), input, string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:        id,
		Mode:      mode,
		Input:     input,
		Status:    model.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) UpdateRunSummary(ctx context.Context, runID string, status model.RunStatus, summary *model.RunSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal summary")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET summary = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(summaryJSON), string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run summary %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, mode, input, status, summary, created_at, updated_at FROM runs WHERE id = ?`,
		runID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, mode, input, status, summary, created_at, updated_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Mode != "" {
		query += ` AND mode = ?`
		args = append(args, string(filter.Mode))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// Bronze

func (s *SQLiteStore) SaveBronze(ctx context.Context, records []model.BronzeRecord) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin save bronze")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO bronze_records (id, strain_name, source_url, data, created_at) VALUES (?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare save bronze")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	inserted := 0
	for _, b := range records {
		data, err := json.Marshal(b)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: marshal bronze %s", b.ID)
		}
		res, err := stmt.ExecContext(ctx, b.ID, b.StrainName, b.SourceURL, string(data), now)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert bronze %s", b.ID)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	return inserted, eris.Wrap(tx.Commit(), "sqlite: commit save bronze")
}

func (s *SQLiteStore) GetBronze(ctx context.Context, ids []string) ([]model.BronzeRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM bronze_records WHERE id IN (`+placeholders(len(ids))+`) ORDER BY id`,
		toArgs(ids)...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get bronze")
	}
	defer rows.Close()

	var out []model.BronzeRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan bronze")
		}
		var b model.BronzeRecord
		if err := json.Unmarshal([]byte(data), &b); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal bronze")
		}
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: get bronze iterate")
}

// Gold

func (s *SQLiteStore) UpsertGold(ctx context.Context, runID string, gold *model.GoldRecord) error {
	data, err := json.Marshal(gold)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal gold")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO gold_records (bronze_record_id, run_id, strain_name, confidence_score, data, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (bronze_record_id) DO UPDATE SET
		   run_id = excluded.run_id, strain_name = excluded.strain_name,
		   confidence_score = excluded.confidence_score, data = excluded.data, updated_at = excluded.updated_at`,
		gold.BronzeRecordID, runID, gold.StrainName, gold.Metadata.ConfidenceScore, string(data), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert gold %s", gold.BronzeRecordID)
}

func (s *SQLiteStore) GetGold(ctx context.Context, recordID string) (*model.GoldRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM gold_records WHERE bronze_record_id = ?`, recordID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get gold %s", recordID)
	}
	var g model.GoldRecord
	if err := json.Unmarshal([]byte(data), &g); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal gold")
	}
	return &g, nil
}

func (s *SQLiteStore) GoldExists(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT bronze_record_id FROM gold_records WHERE bronze_record_id IN (`+placeholders(len(ids))+`)`,
		toArgs(ids)...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: gold exists")
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan gold id")
		}
		out[id] = true
	}
	return out, eris.Wrap(rows.Err(), "sqlite: gold exists iterate")
}

func (s *SQLiteStore) ListGold(ctx context.Context, filter GoldFilter) ([]model.GoldRecord, error) {
	query := `SELECT data FROM gold_records WHERE 1=1`
	var args []any
	if filter.MaxConfidence > 0 {
		query += ` AND confidence_score <= ?`
		args = append(args, filter.MaxConfidence)
	}
	query += ` ORDER BY bronze_record_id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list gold")
	}
	defer rows.Close()

	var out []model.GoldRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan gold")
		}
		var g model.GoldRecord
		if err := json.Unmarshal([]byte(data), &g); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal gold")
		}
		out = append(out, g)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list gold iterate")
}

// Extraction cache

func (s *SQLiteStore) GetExtraction(ctx context.Context, key string) ([]byte, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT response FROM extraction_cache WHERE cache_key = ? AND expires_at > ?`,
		key, time.Now().UTC(),
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get extraction")
	}
	return []byte(data), nil
}

func (s *SQLiteStore) SetExtraction(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO extraction_cache (cache_key, response, cached_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (cache_key) DO UPDATE SET
		   response = excluded.response, cached_at = excluded.cached_at, expires_at = excluded.expires_at`,
		key, string(data), now, now.Add(ttl),
	)
	return eris.Wrap(err, "sqlite: set extraction")
}

func (s *SQLiteStore) DeleteExpiredExtractions(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM extraction_cache WHERE expires_at <= ?`, time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired extractions")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// Dead letter queue

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, source_record_id, run_id, error, error_type, attempts, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source_record_id) DO UPDATE SET
		   run_id = excluded.run_id, error = excluded.error, error_type = excluded.error_type,
		   attempts = excluded.attempts, retry_count = excluded.retry_count, max_retries = excluded.max_retries,
		   next_retry_at = excluded.next_retry_at, last_failed_at = excluded.last_failed_at`,
		entry.ID, entry.SourceRecordID, entry.RunID, entry.Error, string(entry.ErrorType),
		entry.Attempts, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt.UTC(), entry.CreatedAt.UTC(), entry.LastFailedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, source_record_id, run_id, error, error_type, attempts, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue WHERE 1=1`
	var args []any

	if filter.DueOnly {
		query += ` AND next_retry_at <= ? AND retry_count < max_retries`
		args = append(args, time.Now().UTC())
	}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, string(filter.ErrorType))
	}
	query += ` ORDER BY next_retry_at ASC, source_record_id ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var errorType string
		if err := rows.Scan(&e.ID, &e.SourceRecordID, &e.RunID, &e.Error, &errorType,
			&e.Attempts, &e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		e.ErrorType = model.FailureClass(errorType)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: dequeue dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, sourceRecordID string, class model.FailureClass, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, error_type = ?, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE source_record_id = ?`,
		string(class), nextRetryAt.UTC(), lastErr, time.Now().UTC(), sourceRecordID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", sourceRecordID)
	}
	return checkRowsAffected(res, "dlq_entry", sourceRecordID)
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, sourceRecordID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE source_record_id = ?`, sourceRecordID)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var summaryJSON sql.NullString

	err := row.Scan(&r.ID, &r.Mode, &r.Input, &r.Status, &summaryJSON, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "run")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if summaryJSON.Valid {
		r.Summary = &model.RunSummary{}
		if err := json.Unmarshal([]byte(summaryJSON.String), r.Summary); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal summary")
		}
	}
	return &r, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
