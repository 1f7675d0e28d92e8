package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/CZERTAINLY/daas/internal/model"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS samples (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	md5 TEXT NOT NULL,
	sha1 TEXT NOT NULL UNIQUE,
	sha2 TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	size INTEGER NOT NULL,
	file_type TEXT DEFAULT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS samples_md5 ON samples (md5);
CREATE INDEX IF NOT EXISTS samples_file_type ON samples (file_type);

CREATE TABLE IF NOT EXISTS statistics (
	sample_id INTEGER PRIMARY KEY REFERENCES samples (id) ON DELETE CASCADE,
	decompiled BOOLEAN NOT NULL DEFAULT false,
	timed_out BOOLEAN NOT NULL DEFAULT false,
	exit_status INTEGER DEFAULT NULL,
	elapsed_time INTEGER DEFAULT NULL,
	timeout INTEGER DEFAULT NULL,
	output TEXT NOT NULL DEFAULT '',
	result BLOB DEFAULT NULL,
	decompiler TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	queue TEXT NOT NULL,
	status TEXT NOT NULL,
	sample_id INTEGER NOT NULL REFERENCES samples (id) ON DELETE CASCADE,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_sample ON jobs (sample_id, created_at);
CREATE INDEX IF NOT EXISTS jobs_status ON jobs (status);
`

const selectSamples = `
SELECT
	s.id, s.md5, s.sha1, s.sha2, s.name, s.size, s.file_type, s.created_at,
	st.sample_id, st.decompiled, st.timed_out, st.exit_status, st.elapsed_time,
	st.timeout, st.output, st.decompiler, st.version, st.created_at
FROM samples s
LEFT JOIN statistics st ON st.sample_id = s.id`

const selectJobs = `SELECT id, job_id, queue, status, sample_id, created_at FROM jobs`

// Store persists samples, their statistics and jobs in SQLite. Every
// mutation is atomic per record; job status writes are compare-and-swap.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New wraps an already initialized database.
func New(db *sql.DB) *Store {
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Open opens (creating when missing) the database at path and ensures the
// schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single writer connection serializes transactions
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return New(db), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Find returns samples matching p, newest first. Each sample carries the
// statistics read in the same statement. The zero Predicate matches all.
func (s *Store) Find(ctx context.Context, p Predicate) ([]model.Sample, error) {
	if p.where == "" {
		p = All()
	}
	rows, err := s.db.QueryContext(ctx, selectSamples+" WHERE "+p.where+" ORDER BY s.id DESC", p.args...)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []model.Sample
	for rows.Next() {
		sample, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows failed: %w", err)
	}
	return out, nil
}

// SampleBySHA1 returns ErrNotFound when no sample has the hash.
func (s *Store) SampleBySHA1(ctx context.Context, sha1 string) (model.Sample, error) {
	return s.one(ctx, Predicate{where: "s.sha1 = ?", args: []any{sha1}})
}

func (s *Store) Sample(ctx context.Context, id int64) (model.Sample, error) {
	return s.one(ctx, Predicate{where: "s.id = ?", args: []any{id}})
}

func (s *Store) one(ctx context.Context, p Predicate) (model.Sample, error) {
	samples, err := s.Find(ctx, p)
	if err != nil {
		return model.Sample{}, err
	}
	if len(samples) == 0 {
		return model.Sample{}, model.ErrNotFound
	}
	return samples[0], nil
}

// CreateSample inserts sample and sets its ID and CreatedAt. A sample with
// the same SHA1 or SHA256 yields ErrConflict.
func (s *Store) CreateSample(ctx context.Context, sample *model.Sample) error {
	created := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO samples (md5, sha1, sha2, name, size, file_type, created_at) VALUES (?,?,?,?,?,?,?)`,
		sample.MD5, sample.SHA1, sample.SHA256, sample.Name, sample.Size, sample.Type, created.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("sample %s already exists: %w", sample.SHA1, model.ErrConflict)
		}
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("fetching inserted id failed: %w", err)
	}
	sample.ID = id
	sample.CreatedAt = created
	return nil
}

// DeleteSample removes the sample with its statistics and jobs.
func (s *Store) DeleteSample(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx)

	for _, stmt := range []string{
		`DELETE FROM jobs WHERE sample_id=?`,
		`DELETE FROM statistics WHERE sample_id=?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("executing sql delete failed: %w", err)
		}
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM samples WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return model.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// CountByType returns the number of samples per identifier, zero included.
func (s *Store) CountByType(ctx context.Context, identifiers []string) (map[string]int, error) {
	out := make(map[string]int, len(identifiers))
	for _, id := range identifiers {
		out[id] = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT file_type, COUNT(*) FROM samples WHERE file_type IS NOT NULL GROUP BY file_type`)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	for rows.Next() {
		var (
			fileType string
			count    int
		)
		if err := rows.Scan(&fileType, &count); err != nil {
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		if _, ok := out[fileType]; ok {
			out[fileType] = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows failed: %w", err)
	}
	return out, nil
}

// UploadsPerDay counts samples per UTC day of upload, keyed 2006-01-02.
func (s *Store) UploadsPerDay(ctx context.Context) (map[string]int, error) {
	return s.perDay(ctx, `SELECT date(created_at / 1000000000, 'unixepoch') AS day, COUNT(*) FROM samples GROUP BY day`)
}

// ProcessedPerDay counts samples per UTC day their statistics were written.
func (s *Store) ProcessedPerDay(ctx context.Context) (map[string]int, error) {
	return s.perDay(ctx, `SELECT date(created_at / 1000000000, 'unixepoch') AS day, COUNT(*) FROM statistics GROUP BY day`)
}

func (s *Store) perDay(ctx context.Context, query string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	out := make(map[string]int)
	for rows.Next() {
		var (
			day   string
			count int
		)
		if err := rows.Scan(&day, &count); err != nil {
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		out[day] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows failed: %w", err)
	}
	return out, nil
}

// FirstUpload returns when the oldest sample was uploaded, ErrNotFound
// when there is none.
func (s *Store) FirstUpload(ctx context.Context) (time.Time, error) {
	var created int64
	err := s.db.QueryRowContext(ctx, `SELECT created_at FROM samples ORDER BY id LIMIT 1`).Scan(&created)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return time.Time{}, model.ErrNotFound
	case err != nil:
		return time.Time{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return time.Unix(0, created).UTC(), nil
}

// PutStatistics creates or overwrites the statistics of a sample.
func (s *Store) PutStatistics(ctx context.Context, sampleID int64, st model.Statistics) error {
	if err := st.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx)

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM samples WHERE id=?`, sampleID).Scan(&exists)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.ErrNotFound
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO statistics
			(sample_id, decompiled, timed_out, exit_status, elapsed_time, timeout, output, result, decompiler, version, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (sample_id) DO UPDATE SET
			decompiled = excluded.decompiled,
			timed_out = excluded.timed_out,
			exit_status = excluded.exit_status,
			elapsed_time = excluded.elapsed_time,
			timeout = excluded.timeout,
			output = excluded.output,
			result = excluded.result,
			decompiler = excluded.decompiler,
			version = excluded.version,
			created_at = excluded.created_at;`,
		sampleID, st.Decompiled, st.TimedOut, st.ExitStatus, st.ElapsedTime, st.Timeout,
		st.Output, st.Result, st.Decompiler, st.Version, s.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("executing sql upsert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Result returns the stored result archive, ErrNotFound when there is none.
func (s *Store) Result(ctx context.Context, sampleID int64) ([]byte, error) {
	var result []byte
	err := s.db.QueryRowContext(ctx, `SELECT result FROM statistics WHERE sample_id=?`, sampleID).Scan(&result)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, model.ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	case result == nil:
		return nil, model.ErrNotFound
	}
	return result, nil
}

// CreateJob inserts job and sets its ID and CreatedAt.
func (s *Store) CreateJob(ctx context.Context, job *model.Job) error {
	if !job.Status.Valid() {
		return fmt.Errorf("invalid job status %q", job.Status)
	}
	created := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (job_id, queue, status, sample_id, created_at) VALUES (?,?,?,?,?)`,
		job.ExternalID, job.Queue, string(job.Status), job.SampleID, created.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("fetching inserted id failed: %w", err)
	}
	job.ID = id
	job.CreatedAt = created
	return nil
}

func (s *Store) Job(ctx context.Context, id int64) (model.Job, error) {
	row := s.db.QueryRowContext(ctx, selectJobs+` WHERE id=?`, id)
	return scanJob(row)
}

// CurrentJob returns the most recent job of a sample.
func (s *Store) CurrentJob(ctx context.Context, sampleID int64) (model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		selectJobs+` WHERE sample_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, sampleID)
	return scanJob(row)
}

// UnfinishedJobs returns every job in a non-terminal status, oldest first.
func (s *Store) UnfinishedJobs(ctx context.Context) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		selectJobs+` WHERE status IN (?,?) ORDER BY id`, string(model.JobQueued), string(model.JobProcessing))
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows failed: %w", err)
	}
	return out, nil
}

// UpdateJobStatus sets the status of job id to next, only if it is still
// expected. ErrConflict is returned when another writer changed it first or
// when expected is terminal.
func (s *Store) UpdateJobStatus(ctx context.Context, id int64, expected, next model.JobStatus) error {
	if !next.Valid() {
		return fmt.Errorf("invalid job status %q", next)
	}
	if expected.Terminal() {
		return fmt.Errorf("job %d is %s: %w", id, expected, model.ErrConflict)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status=? WHERE id=? AND status=?`, string(next), id, string(expected))
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra == 1 {
		return nil
	}
	if _, err := s.Job(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("job %d is no longer %s: %w", id, expected, model.ErrConflict)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSample(row scanner) (model.Sample, error) {
	var (
		sample      model.Sample
		fileType    sql.NullString
		created     int64
		statID      sql.NullInt64
		decompiled  sql.NullBool
		timedOut    sql.NullBool
		exitStatus  sql.NullInt64
		elapsed     sql.NullInt64
		timeout     sql.NullInt64
		output      sql.NullString
		decompiler  sql.NullString
		version     sql.NullInt64
		statCreated sql.NullInt64
	)
	err := row.Scan(
		&sample.ID, &sample.MD5, &sample.SHA1, &sample.SHA256, &sample.Name, &sample.Size, &fileType, &created,
		&statID, &decompiled, &timedOut, &exitStatus, &elapsed,
		&timeout, &output, &decompiler, &version, &statCreated,
	)
	if err != nil {
		return model.Sample{}, fmt.Errorf("scanning row failed: %w", err)
	}
	if fileType.Valid {
		sample.Type = &fileType.String
	}
	sample.CreatedAt = time.Unix(0, created).UTC()
	if statID.Valid {
		sample.Statistics = &model.Statistics{
			Decompiled:  decompiled.Bool,
			TimedOut:    timedOut.Bool,
			ExitStatus:  intPtr(exitStatus),
			ElapsedTime: intPtr(elapsed),
			Timeout:     intPtr(timeout),
			Output:      output.String,
			Decompiler:  decompiler.String,
			Version:     int(version.Int64),
			CreatedAt:   time.Unix(0, statCreated.Int64).UTC(),
		}
	}
	return sample, nil
}

func scanJob(row scanner) (model.Job, error) {
	var (
		job     model.Job
		status  string
		created int64
	)
	err := row.Scan(&job.ID, &job.ExternalID, &job.Queue, &status, &job.SampleID, &created)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.Job{}, model.ErrNotFound
	case err != nil:
		return model.Job{}, fmt.Errorf("scanning row failed: %w", err)
	}
	job.Status = model.JobStatus(status)
	job.CreatedAt = time.Unix(0, created).UTC()
	return job, nil
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	i := int(n.Int64)
	return &i
}

func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		return serr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			serr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func rollback(ctx context.Context, tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", "error", err)
	}
}
