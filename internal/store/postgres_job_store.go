package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/dunamismax/vidflow/internal/domain"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const uniqueViolation = "23505"

const jobColumns = `job_id, job_state, input_locator, output_locator, target_quality, submit_timestamp, callback_data`

// PostgresJobStore owns one *sql.DB handle for its whole lifetime. Every
// operation checks out a dedicated connection and returns it before exiting.
type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := RunMigrations(dsn); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &PostgresJobStore{db: db}, nil
}

// RunMigrations applies the embedded schema migrations to the database at dsn.
func RunMigrations(dsn string) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Ping(ctx context.Context) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		return conn.PingContext(ctx)
	})
}

func (s *PostgresJobStore) withConn(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire postgres connection: %w", err)
	}
	defer conn.Close()
	return fn(conn)
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.Job) error {
	callbackJSON, err := encodeCallback(job.Callback)
	if err != nil {
		return err
	}

	return s.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(
			ctx,
			`INSERT INTO transcode_jobs (`+jobColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			job.ID,
			string(job.State),
			job.InputLocator,
			job.OutputLocator,
			job.TargetPreset,
			job.SubmittedAt.UTC().UnixMilli(),
			nullableJSON(callbackJSON),
		)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return ErrDuplicateJob
			}
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	var (
		job   domain.Job
		found bool
	)
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		var err error
		job, found, err = getJob(ctx, conn, id)
		return err
	})
	return job, found, err
}

func (s *PostgresJobStore) MarkProgressing(ctx context.Context, id string) (domain.Job, error) {
	var job domain.Job
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(
			ctx,
			`UPDATE transcode_jobs
			 SET job_state = $1
			 WHERE job_id = $2 AND job_state = $3`,
			string(domain.JobStateProgressing),
			id,
			string(domain.JobStateWaiting),
		); err != nil {
			return fmt.Errorf("mark job progressing: %w", err)
		}

		var (
			found bool
			err   error
		)
		job, found, err = getJob(ctx, conn, id)
		if err != nil {
			return err
		}
		if !found {
			return ErrJobNotFound
		}
		return nil
	})
	return job, err
}

func (s *PostgresJobStore) Complete(ctx context.Context, id string, payload domain.CallbackPayload) (domain.Job, error) {
	callbackJSON, err := encodeCallback(&payload)
	if err != nil {
		return domain.Job{}, err
	}

	var job domain.Job
	err = s.withConn(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(
			ctx,
			`UPDATE transcode_jobs
			 SET job_state = $1, callback_data = $2
			 WHERE job_id = $3
			 RETURNING `+jobColumns,
			string(payload.TerminalState()),
			string(callbackJSON),
			id,
		)
		var err error
		job, err = scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		return nil
	})
	return job, err
}

func (s *PostgresJobStore) ListByState(ctx context.Context, state domain.JobState) ([]domain.Job, error) {
	var jobs []domain.Job
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(
			ctx,
			`SELECT `+jobColumns+`
			 FROM transcode_jobs
			 WHERE job_state = $1
			 ORDER BY submit_timestamp`,
			string(state),
		)
		if err != nil {
			return fmt.Errorf("list jobs: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				return fmt.Errorf("scan job: %w", err)
			}
			jobs = append(jobs, job)
		}
		return rows.Err()
	})
	return jobs, err
}

func getJob(ctx context.Context, conn *sql.Conn, id string) (domain.Job, bool, error) {
	row := conn.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+`
		 FROM transcode_jobs
		 WHERE job_id = $1`,
		id,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}
	return job, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		rec          jobRecord
		callbackJSON []byte
	)
	if err := row.Scan(
		&rec.JobID,
		&rec.JobState,
		&rec.InputLocator,
		&rec.OutputLocator,
		&rec.TargetQuality,
		&rec.SubmitTimestamp,
		&callbackJSON,
	); err != nil {
		return domain.Job{}, err
	}

	payload, err := decodeCallback(callbackJSON)
	if err != nil {
		return domain.Job{}, err
	}
	rec.CallbackData = payload
	return rec.toJob()
}

func nullableJSON(data []byte) any {
	if data == nil {
		return nil
	}
	return string(data)
}
