package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/strain-refinery/internal/db"
	"github.com/sells-group/strain-refinery/internal/model"
	"github.com/sells-group/strain-refinery/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection.
var preparedStatements = map[string]string{
	"insert_run":         `INSERT INTO runs (id, mode, input, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
	"update_run_status":  `UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
	"update_run_summary": `UPDATE runs SET summary = $1, status = $2, updated_at = $3 WHERE id = $4`,
	"get_run":            `SELECT id, mode, input, status, summary, created_at, updated_at FROM runs WHERE id = $1`,
	"get_gold":           `SELECT data FROM gold_records WHERE bronze_record_id = $1`,
	"get_extraction":     `SELECT response FROM extraction_cache WHERE cache_key = $1 AND expires_at > now()`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepared statements need the tables, so a fresh database is migrated
	// with a plain connection before the pool starts.
	if err := migrateOnce(ctx, connString); err != nil {
		return nil, err
	}
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

func migrateOnce(ctx context.Context, connString string) error {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return eris.Wrap(err, "postgres: connect for migration")
	}
	defer conn.Close(ctx) //nolint:errcheck
	_, err = conn.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	mode       TEXT NOT NULL,
	input      TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'queued',
	summary    JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS bronze_records (
	id          TEXT PRIMARY KEY,
	strain_name TEXT NOT NULL,
	source_url  TEXT NOT NULL,
	data        JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS gold_records (
	bronze_record_id TEXT PRIMARY KEY,
	run_id           TEXT NOT NULL,
	strain_name      TEXT NOT NULL,
	confidence_score INTEGER NOT NULL,
	data             JSONB NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS extraction_cache (
	cache_key  TEXT PRIMARY KEY,
	response   TEXT NOT NULL,
	cached_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	source_record_id TEXT NOT NULL UNIQUE,
	run_id           TEXT NOT NULL,
	error            TEXT NOT NULL,
	error_type       TEXT NOT NULL,
	attempts         INTEGER NOT NULL DEFAULT 0,
	retry_count      INTEGER NOT NULL DEFAULT 0,
	max_retries      INTEGER NOT NULL DEFAULT 3,
	next_retry_at    TIMESTAMPTZ NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_gold_confidence ON gold_records(confidence_score);
CREATE INDEX IF NOT EXISTS idx_extraction_cache_expires_at ON extraction_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Runs

func (s *PostgresStore) CreateRun(ctx context.Context, mode model.RunMode, input string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, mode, input, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, string(mode), input, string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
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

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) UpdateRunSummary(ctx context.Context, runID string, status model.RunStatus, summary *model.RunSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal summary")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET summary = $1, status = $2, updated_at = $3 WHERE id = $4`,
		summaryJSON, string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run summary %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, mode, input, status, summary, created_at, updated_at FROM runs WHERE id = $1`,
		runID,
	)
	return scanPgRun(row)
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, mode, input, status, summary, created_at, updated_at FROM runs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Mode != "" {
		query += fmt.Sprintf(` AND mode = $%d`, argIdx)
		args = append(args, string(filter.Mode))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// Bronze

func (s *PostgresStore) SaveBronze(ctx context.Context, records []model.BronzeRecord) (int, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(records))
	for _, b := range records {
		data, err := json.Marshal(b)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: marshal bronze %s", b.ID)
		}
		rows = append(rows, []any{b.ID, b.StrainName, b.SourceURL, data, now})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:          "bronze_records",
		Columns:        []string{"id", "strain_name", "source_url", "data", "created_at"},
		ConflictKeys:   []string{"id"},
		IgnoreExisting: true,
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: save bronze")
	}
	return int(n), nil
}

func (s *PostgresStore) GetBronze(ctx context.Context, ids []string) ([]model.BronzeRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT data FROM bronze_records WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get bronze")
	}
	defer rows.Close()

	var out []model.BronzeRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan bronze")
		}
		var b model.BronzeRecord
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal bronze")
		}
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), "postgres: get bronze iterate")
}

// Gold

func (s *PostgresStore) UpsertGold(ctx context.Context, runID string, gold *model.GoldRecord) error {
	data, err := json.Marshal(gold)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal gold")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO gold_records (bronze_record_id, run_id, strain_name, confidence_score, data, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (bronze_record_id) DO UPDATE SET
		   run_id = $2, strain_name = $3, confidence_score = $4, data = $5, updated_at = $6`,
		gold.BronzeRecordID, runID, gold.StrainName, gold.Metadata.ConfidenceScore, data, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert gold %s", gold.BronzeRecordID)
}

func (s *PostgresStore) GetGold(ctx context.Context, recordID string) (*model.GoldRecord, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM gold_records WHERE bronze_record_id = $1`, recordID,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get gold %s", recordID)
	}
	var g model.GoldRecord
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal gold")
	}
	return &g, nil
}

func (s *PostgresStore) GoldExists(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT bronze_record_id FROM gold_records WHERE bronze_record_id = ANY($1)`, ids,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: gold exists")
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan gold id")
		}
		out[id] = true
	}
	return out, eris.Wrap(rows.Err(), "postgres: gold exists iterate")
}

func (s *PostgresStore) ListGold(ctx context.Context, filter GoldFilter) ([]model.GoldRecord, error) {
	query := `SELECT data FROM gold_records WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filter.MaxConfidence > 0 {
		query += fmt.Sprintf(` AND confidence_score <= $%d`, argIdx)
		args = append(args, filter.MaxConfidence)
		argIdx++
	}
	query += ` ORDER BY bronze_record_id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
		argIdx++
		if filter.Offset > 0 {
			query += fmt.Sprintf(` OFFSET $%d`, argIdx)
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list gold")
	}
	defer rows.Close()

	var out []model.GoldRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan gold")
		}
		var g model.GoldRecord
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal gold")
		}
		out = append(out, g)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list gold iterate")
}

// Extraction cache

func (s *PostgresStore) GetExtraction(ctx context.Context, key string) ([]byte, error) {
	var data string
	err := s.pool.QueryRow(ctx,
		`SELECT response FROM extraction_cache WHERE cache_key = $1 AND expires_at > now()`, key,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get extraction")
	}
	return []byte(data), nil
}

func (s *PostgresStore) SetExtraction(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO extraction_cache (cache_key, response, cached_at, expires_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (cache_key) DO UPDATE SET response = $2, cached_at = $3, expires_at = $4`,
		key, string(data), now, now.Add(ttl),
	)
	return eris.Wrap(err, "postgres: set extraction")
}

func (s *PostgresStore) DeleteExpiredExtractions(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM extraction_cache WHERE expires_at <= now()`)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired extractions")
	}
	return int(tag.RowsAffected()), nil
}

// Dead letter queue

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, source_record_id, run_id, error, error_type, attempts, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (source_record_id) DO UPDATE SET
		   run_id = $3, error = $4, error_type = $5, attempts = $6, retry_count = $7,
		   max_retries = $8, next_retry_at = $9, last_failed_at = $11`,
		entry.ID, entry.SourceRecordID, entry.RunID, entry.Error, string(entry.ErrorType),
		entry.Attempts, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, source_record_id, run_id, error, error_type, attempts, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filter.DueOnly {
		query += ` AND next_retry_at <= now() AND retry_count < max_retries`
	}
	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, string(filter.ErrorType))
		argIdx++
	}

	query += ` ORDER BY next_retry_at ASC, source_record_id ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var errorType string
		if err := rows.Scan(&e.ID, &e.SourceRecordID, &e.RunID, &e.Error, &errorType,
			&e.Attempts, &e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		e.ErrorType = model.FailureClass(errorType)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: dequeue dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, sourceRecordID string, class model.FailureClass, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, error_type = $1, next_retry_at = $2, error = $3, last_failed_at = now()
		 WHERE source_record_id = $4`,
		string(class), nextRetryAt, lastErr, sourceRecordID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", sourceRecordID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "dlq_entry %s", sourceRecordID)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, sourceRecordID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE source_record_id = $1`, sourceRecordID)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}

// helpers

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var mode, status string
	var summaryJSON []byte

	err := row.Scan(&r.ID, &mode, &r.Input, &status, &summaryJSON, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "run")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan run")
	}
	r.Mode = model.RunMode(mode)
	r.Status = model.RunStatus(status)

	if summaryJSON != nil {
		r.Summary = &model.RunSummary{}
		if err := json.Unmarshal(summaryJSON, r.Summary); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal summary")
		}
	}
	return &r, nil
}
