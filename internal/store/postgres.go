package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mkarlsen/ticketscrub/internal/logger"
	"github.com/mkarlsen/ticketscrub/internal/pipeline"
	"github.com/mkarlsen/ticketscrub/internal/source"
	"go.uber.org/zap"
)

// Config contains database configuration
type Config struct {
	URL             string        `yaml:"url" mapstructure:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
}

// Postgres implements the pipeline's project, config, source and run stores
// on PostgreSQL.
type Postgres struct {
	db     *sqlx.DB
	reader *source.Reader
	logger *logger.Logger
}

// NewPostgres connects to the database and configures the connection pool.
func NewPostgres(config *Config, reader *source.Reader, log *logger.Logger) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	store := &Postgres{db: db, reader: reader, logger: log}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	log.Info("Store initialized",
		zap.String("database_url", maskDatabaseURL(config.URL)),
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Int("max_idle_conns", config.MaxIdleConns),
	)

	return store, nil
}

// schema is applied on startup. The partial unique index on active runs is
// what makes CreateRun race-safe: two concurrent triggers for one project
// cannot both insert an active run.
const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id          BIGSERIAL PRIMARY KEY,
	name        TEXT NOT NULL,
	deleted_at  TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sources (
	id            BIGSERIAL PRIMARY KEY,
	project_id    BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	name          TEXT NOT NULL,
	file_path     TEXT NOT NULL,
	record_count  INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL DEFAULT 'pending',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS sources_project_id_idx ON sources(project_id);

CREATE TABLE IF NOT EXISTS field_mappings (
	id             BIGSERIAL PRIMARY KEY,
	source_id      BIGINT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
	source_column  TEXT NOT NULL,
	target_field   TEXT,
	UNIQUE (source_id, source_column)
);
CREATE INDEX IF NOT EXISTS field_mappings_source_id_idx ON field_mappings(source_id);

CREATE TABLE IF NOT EXISTS processing_configs (
	id                         BIGSERIAL PRIMARY KEY,
	project_id                 BIGINT NOT NULL UNIQUE REFERENCES projects(id) ON DELETE CASCADE,
	de_identification_enabled  BOOLEAN NOT NULL DEFAULT TRUE,
	detect_names               BOOLEAN NOT NULL DEFAULT TRUE,
	detect_emails              BOOLEAN NOT NULL DEFAULT TRUE,
	detect_phones              BOOLEAN NOT NULL DEFAULT TRUE,
	detect_companies           BOOLEAN NOT NULL DEFAULT TRUE,
	detect_addresses           BOOLEAN NOT NULL DEFAULT TRUE,
	min_message_length         INTEGER,
	min_character_count        INTEGER,
	resolved_status_field      TEXT,
	resolved_status_value      TEXT,
	date_range_start           TIMESTAMPTZ,
	date_range_end             TIMESTAMPTZ,
	role_identifier_field      TEXT,
	agent_role_value           TEXT,
	customer_role_value        TEXT
);

CREATE TABLE IF NOT EXISTS processing_runs (
	id                 BIGSERIAL PRIMARY KEY,
	project_id         BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	triggered_by_id    BIGINT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'pending',
	total_records      INTEGER NOT NULL DEFAULT 0,
	processed_records  INTEGER NOT NULL DEFAULT 0,
	filtered_records   INTEGER NOT NULL DEFAULT 0,
	error_records      INTEGER NOT NULL DEFAULT 0,
	statistics         JSONB,
	error_message      TEXT,
	started_at         TIMESTAMPTZ,
	completed_at       TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS processing_runs_project_id_idx ON processing_runs(project_id);
CREATE UNIQUE INDEX IF NOT EXISTS processing_runs_one_active_idx
	ON processing_runs(project_id) WHERE status IN ('pending', 'processing');

CREATE TABLE IF NOT EXISTS processed_records (
	id                 BIGSERIAL PRIMARY KEY,
	processing_run_id  BIGINT NOT NULL REFERENCES processing_runs(id) ON DELETE CASCADE,
	source_row_number  INTEGER NOT NULL,
	content            JSONB NOT NULL,
	pii_mappings       JSONB,
	was_filtered       BOOLEAN NOT NULL DEFAULT FALSE,
	filter_reason      TEXT,
	has_error          BOOLEAN NOT NULL DEFAULT FALSE,
	error_message      TEXT,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS processed_records_run_id_idx ON processed_records(processing_run_id);
`

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Postgres) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// ProjectExists reports whether the project exists and is not soft-deleted.
func (s *Postgres) ProjectExists(ctx context.Context, projectID int64) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM projects WHERE id = $1 AND deleted_at IS NULL)`
	if err := s.db.GetContext(ctx, &exists, query, projectID); err != nil {
		return false, fmt.Errorf("failed to check project: %w", err)
	}
	return exists, nil
}

// GetConfig loads the processing configuration for a project.
func (s *Postgres) GetConfig(ctx context.Context, projectID int64) (*pipeline.ProcessingConfig, error) {
	query := `
		SELECT project_id, de_identification_enabled,
			detect_names, detect_emails, detect_phones, detect_companies, detect_addresses,
			COALESCE(min_message_length, 0), COALESCE(min_character_count, 0),
			COALESCE(resolved_status_field, ''), COALESCE(resolved_status_value, ''),
			date_range_start, date_range_end,
			COALESCE(role_identifier_field, ''), COALESCE(agent_role_value, ''), COALESCE(customer_role_value, '')
		FROM processing_configs
		WHERE project_id = $1`

	cfg := &pipeline.ProcessingConfig{}
	err := s.db.QueryRowContext(ctx, query, projectID).Scan(
		&cfg.ProjectID, &cfg.DeIdentificationEnabled,
		&cfg.DetectNames, &cfg.DetectEmails, &cfg.DetectPhones, &cfg.DetectCompanies, &cfg.DetectAddresses,
		&cfg.MinMessageLength, &cfg.MinCharacterCount,
		&cfg.ResolvedStatusField, &cfg.ResolvedStatusValue,
		&cfg.DateRangeStart, &cfg.DateRangeEnd,
		&cfg.RoleIdentifierField, &cfg.AgentRoleValue, &cfg.CustomerRoleValue,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pipeline.ErrNoConfig
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load processing config: %w", err)
	}
	return cfg, nil
}

// ListSources returns the project's parsed sources with their resolved
// field mappings.
func (s *Postgres) ListSources(ctx context.Context, projectID int64) ([]*pipeline.Source, error) {
	query := `
		SELECT id, project_id, name, record_count
		FROM sources
		WHERE project_id = $1 AND status = 'parsed'
		ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var sources []*pipeline.Source
	for rows.Next() {
		src := &pipeline.Source{}
		if err := rows.Scan(&src.ID, &src.ProjectID, &src.Name, &src.RecordCount); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}

	for _, src := range sources {
		mapping, err := s.loadMapping(ctx, src.ID)
		if err != nil {
			return nil, err
		}
		src.Mapping = mapping
	}

	return sources, nil
}

func (s *Postgres) loadMapping(ctx context.Context, sourceID int64) (pipeline.Mapping, error) {
	query := `
		SELECT source_column, target_field
		FROM field_mappings
		WHERE source_id = $1 AND target_field IS NOT NULL`

	rows, err := s.db.QueryContext(ctx, query, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load field mappings: %w", err)
	}
	defer rows.Close()

	mapping := make(pipeline.Mapping)
	for rows.Next() {
		var column, target string
		if err := rows.Scan(&column, &target); err != nil {
			return nil, fmt.Errorf("failed to scan field mapping: %w", err)
		}
		mapping[target] = column
	}
	return mapping, rows.Err()
}

// ReadRows reads the full ordered row sequence of one source from its file.
func (s *Postgres) ReadRows(ctx context.Context, sourceID int64) ([]pipeline.Row, error) {
	var filePath string
	query := `SELECT file_path FROM sources WHERE id = $1`
	if err := s.db.GetContext(ctx, &filePath, query, sourceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("source %d not found", sourceID)
		}
		return nil, fmt.Errorf("failed to load source: %w", err)
	}
	return s.reader.ReadFile(filePath)
}

// CreateRun inserts a pending run. The partial unique index on active runs
// turns a concurrent second trigger into a unique violation, which is
// reported as pipeline.ErrRunActive.
func (s *Postgres) CreateRun(ctx context.Context, run *pipeline.ProcessingRun) error {
	query := `
		INSERT INTO processing_runs (project_id, triggered_by_id, status, total_records, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING id`

	err := s.db.QueryRowContext(ctx, query,
		run.ProjectID, run.TriggeredBy, run.Status, run.TotalRecords, run.CreatedAt,
	).Scan(&run.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return pipeline.ErrRunActive
		}
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

const runColumns = `
	id, project_id, triggered_by_id, status, total_records,
	processed_records, filtered_records, error_records,
	statistics, COALESCE(error_message, ''), started_at, completed_at, created_at`

func (s *Postgres) scanRun(scanner interface {
	Scan(dest ...interface{}) error
}) (*pipeline.ProcessingRun, error) {
	run := &pipeline.ProcessingRun{}
	var stats []byte
	err := scanner.Scan(
		&run.ID, &run.ProjectID, &run.TriggeredBy, &run.Status, &run.TotalRecords,
		&run.ProcessedRecords, &run.FilteredRecords, &run.ErrorRecords,
		&stats, &run.ErrorMessage, &run.StartedAt, &run.CompletedAt, &run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(stats) > 0 {
		run.Statistics = &pipeline.Statistics{}
		if err := json.Unmarshal(stats, run.Statistics); err != nil {
			return nil, fmt.Errorf("failed to decode run statistics: %w", err)
		}
	}
	return run, nil
}

// GetRun returns a run scoped to its project.
func (s *Postgres) GetRun(ctx context.Context, projectID, runID int64) (*pipeline.ProcessingRun, error) {
	query := `SELECT ` + runColumns + ` FROM processing_runs WHERE id = $1 AND project_id = $2`
	run, err := s.scanRun(s.db.QueryRowContext(ctx, query, runID, projectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pipeline.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	return run, nil
}

// ListRuns returns the project's runs, newest first.
func (s *Postgres) ListRuns(ctx context.Context, projectID int64) ([]*pipeline.ProcessingRun, error) {
	query := `SELECT ` + runColumns + ` FROM processing_runs WHERE project_id = $1 ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*pipeline.ProcessingRun
	for rows.Next() {
		run, err := s.scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetRunStatus reads the current status of a run.
func (s *Postgres) GetRunStatus(ctx context.Context, runID int64) (pipeline.RunStatus, error) {
	var status pipeline.RunStatus
	query := `SELECT status FROM processing_runs WHERE id = $1`
	if err := s.db.GetContext(ctx, &status, query, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", pipeline.ErrRunNotFound
		}
		return "", fmt.Errorf("failed to read run status: %w", err)
	}
	return status, nil
}

// MarkProcessing flips pending → processing and stamps startedAt.
func (s *Postgres) MarkProcessing(ctx context.Context, runID int64, startedAt time.Time) error {
	query := `
		UPDATE processing_runs
		SET status = $2, started_at = $3, updated_at = $3
		WHERE id = $1 AND status = $4`
	if _, err := s.db.ExecContext(ctx, query, runID, pipeline.StatusProcessing, startedAt, pipeline.StatusPending); err != nil {
		return fmt.Errorf("failed to mark run processing: %w", err)
	}
	return nil
}

// UpdateProgress flushes the run counters.
func (s *Postgres) UpdateProgress(ctx context.Context, runID int64, processed, filtered, errored int) error {
	query := `
		UPDATE processing_runs
		SET processed_records = $2, filtered_records = $3, error_records = $4, updated_at = now()
		WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, runID, processed, filtered, errored); err != nil {
		return fmt.Errorf("failed to update run progress: %w", err)
	}
	return nil
}

// CompleteRun finalizes a successful run.
func (s *Postgres) CompleteRun(ctx context.Context, runID int64, processed, filtered, errored int, stats *pipeline.Statistics, completedAt time.Time) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to encode statistics: %w", err)
	}

	query := `
		UPDATE processing_runs
		SET status = $2, processed_records = $3, filtered_records = $4, error_records = $5,
			statistics = $6, completed_at = $7, updated_at = $7
		WHERE id = $1 AND status = $8`
	if _, err := s.db.ExecContext(ctx, query, runID, pipeline.StatusCompleted,
		processed, filtered, errored, data, completedAt, pipeline.StatusProcessing); err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

// FailRun finalizes a failed run, retaining partial counters.
func (s *Postgres) FailRun(ctx context.Context, runID int64, processed, filtered, errored int, message string, completedAt time.Time) error {
	query := `
		UPDATE processing_runs
		SET status = $2, processed_records = $3, filtered_records = $4, error_records = $5,
			error_message = $6, completed_at = $7, updated_at = $7
		WHERE id = $1 AND status IN ($8, $9)`
	if _, err := s.db.ExecContext(ctx, query, runID, pipeline.StatusFailed,
		processed, filtered, errored, message, completedAt,
		pipeline.StatusPending, pipeline.StatusProcessing); err != nil {
		return fmt.Errorf("failed to mark run failed: %w", err)
	}
	return nil
}

// CancelRun conditionally transitions an active run to cancelled.
func (s *Postgres) CancelRun(ctx context.Context, runID int64, completedAt time.Time) (bool, error) {
	query := `
		UPDATE processing_runs
		SET status = $2, completed_at = $3, updated_at = $3
		WHERE id = $1 AND status IN ($4, $5)`
	res, err := s.db.ExecContext(ctx, query, runID, pipeline.StatusCancelled, completedAt,
		pipeline.StatusPending, pipeline.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("failed to cancel run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to cancel run: %w", err)
	}
	return affected > 0, nil
}

// AppendRecord persists one row outcome.
func (s *Postgres) AppendRecord(ctx context.Context, rec *pipeline.ProcessedRecord) error {
	content, err := json.Marshal(rec.Content)
	if err != nil {
		return fmt.Errorf("failed to encode record content: %w", err)
	}

	var mappings []byte
	if len(rec.PIIMappings) > 0 {
		if mappings, err = json.Marshal(rec.PIIMappings); err != nil {
			return fmt.Errorf("failed to encode pii mappings: %w", err)
		}
	}

	query := `
		INSERT INTO processed_records
			(processing_run_id, source_row_number, content, pii_mappings, was_filtered, filter_reason, has_error, error_message)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NULLIF($8, ''))
		RETURNING id, created_at`

	err = s.db.QueryRowContext(ctx, query,
		rec.RunID, rec.SourceRowNumber, content, mappings,
		rec.WasFiltered, rec.FilterReason, rec.HasError, rec.ErrorMessage,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append processed record: %w", err)
	}
	return nil
}

// ListOutput returns the content of successfully processed records in
// ascending source row order.
func (s *Postgres) ListOutput(ctx context.Context, runID int64, limit int) ([]pipeline.Content, error) {
	query := `
		SELECT content
		FROM processed_records
		WHERE processing_run_id = $1 AND was_filtered = FALSE AND has_error = FALSE
		ORDER BY source_row_number ASC`
	args := []interface{}{runID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list output: %w", err)
	}
	defer rows.Close()

	var contents []pipeline.Content
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan output row: %w", err)
		}
		var content pipeline.Content
		if err := json.Unmarshal(data, &content); err != nil {
			return nil, fmt.Errorf("failed to decode output row: %w", err)
		}
		contents = append(contents, content)
	}
	return contents, rows.Err()
}

// maskDatabaseURL masks the password in a database URL for logging.
func maskDatabaseURL(url string) string {
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) >= 2 {
			userPart := parts[0]
			if strings.Contains(userPart, ":") {
				userParts := strings.Split(userPart, ":")
				if len(userParts) >= 3 {
					userParts[len(userParts)-1] = "***"
					parts[0] = strings.Join(userParts, ":")
				}
			}
			return strings.Join(parts, "@")
		}
	}
	return url
}
