// Package store is the persistent record store behind an upgrade run: a
// key/value config table, the backup record table the backup engine reads
// and writes through internal/backup's Store interface, and an
// upgrade_tasks table tracking scheduled upgrade attempts. It runs on
// either an embedded SQLite file (the Lite profile) or PostgreSQL (the
// Standard profile), selected by the caller at Open time.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/nuwax-ai/nuwa-upgrade/internal/backup"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// Dialect selects the SQL backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Config configures a Store connection.
type Config struct {
	Dialect Dialect
	// DSN is the sqlite file path for DialectSQLite, or a postgres:// URL
	// for DialectPostgres.
	DSN             string
	MaxConns        int
	ConnMaxLifetime time.Duration
}

// Store is the persistent record store. It implements backup.Store.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

var _ backup.Store = (*Store)(nil)

// Open connects to the configured backend and returns a ready Store. Call
// Migrate before using it against a fresh database.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var driverName string
	switch cfg.Dialect {
	case DialectSQLite:
		driverName = "sqlite"
	case DialectPostgres:
		driverName = "pgx"
	default:
		return nil, fmt.Errorf("unknown store dialect: %q", cfg.Dialect)
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Dialect, err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.Dialect == DialectSQLite {
		// A file-backed SQLite database serializes writes; a single
		// connection avoids "database is locked" errors under concurrent
		// access from this process.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to %s store: %w", cfg.Dialect, err)
	}

	return &Store{db: db, dialect: cfg.Dialect, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies every pending migration for the bound dialect.
func (s *Store) Migrate(ctx context.Context) error {
	var fsys embed.FS
	var dialect, dir string
	switch s.dialect {
	case DialectSQLite:
		fsys, dialect, dir = sqliteMigrations, "sqlite3", "migrations/sqlite"
	case DialectPostgres:
		fsys, dialect, dir = postgresMigrations, "postgres", "migrations/postgres"
	}

	goose.SetBaseFS(fsys)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("setting goose dialect %s: %w", dialect, err)
	}
	if err := goose.UpContext(ctx, s.db, dir); err != nil {
		return fmt.Errorf("applying %s migrations: %w", s.dialect, err)
	}

	s.logger.Info("store migrations applied", "dialect", s.dialect)
	return nil
}

// rebind rewrites a query written with "?" placeholders into the bound
// dialect's native placeholder syntax ("$1", "$2", ... for postgres).
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// --- Config key/value store ---------------------------------------------

// GetConfig returns the value stored under key. ok is false if the key is
// unset; the value column is NOT NULL, and an empty stored value is
// returned with ok true.
func (s *Store) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var value string
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT value FROM config WHERE key = ?"), key)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading config key %q: %w", key, err)
	}
	return value, true, nil
}

// SetConfig upserts key to value.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	var query string
	switch s.dialect {
	case DialectPostgres:
		query = "INSERT INTO config (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value"
	default:
		query = "INSERT INTO config (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value"
	}
	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("writing config key %q: %w", key, err)
	}
	return nil
}

// DeleteConfig removes key if present.
func (s *Store) DeleteConfig(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM config WHERE key = ?"), key); err != nil {
		return fmt.Errorf("deleting config key %q: %w", key, err)
	}
	return nil
}

// --- Backup records (implements backup.Store) ---------------------------

const timeLayout = time.RFC3339

// CreateBackupRecord inserts a new backup row and returns its id.
func (s *Store) CreateBackupRecord(ctx context.Context, filePath, serviceVersion string, backupType backup.Type, status backup.Status) (int64, error) {
	createdAt := time.Now().UTC().Format(timeLayout)

	if s.dialect == DialectPostgres {
		var id int64
		query := `INSERT INTO backups (file_path, service_version, backup_type, status, created_at)
		          VALUES ($1, $2, $3, $4, $5) RETURNING id`
		row := s.db.QueryRowContext(ctx, query, filePath, serviceVersion, string(backupType), string(status), createdAt)
		if err := row.Scan(&id); err != nil {
			return 0, fmt.Errorf("creating backup record: %w", err)
		}
		return id, nil
	}

	query := `INSERT INTO backups (file_path, service_version, backup_type, status, created_at) VALUES (?, ?, ?, ?, ?)`
	result, err := s.db.ExecContext(ctx, query, filePath, serviceVersion, string(backupType), string(status), createdAt)
	if err != nil {
		return 0, fmt.Errorf("creating backup record: %w", err)
	}
	return result.LastInsertId()
}

func scanBackupRecord(scanner interface {
	Scan(dest ...any) error
}) (*backup.Record, error) {
	var (
		rec           backup.Record
		backupType    string
		status        string
		createdAtText string
	)
	if err := scanner.Scan(&rec.ID, &rec.FilePath, &rec.ServiceVersion, &backupType, &status, &createdAtText); err != nil {
		return nil, err
	}
	rec.Type = backup.Type(backupType)
	rec.Status = backup.Status(status)
	if t, err := time.Parse(timeLayout, createdAtText); err == nil {
		rec.CreatedAt = t
	}
	return &rec, nil
}

// GetBackupByID returns the backup with the given id, or nil if absent.
func (s *Store) GetBackupByID(ctx context.Context, id int64) (*backup.Record, error) {
	query := s.rebind("SELECT id, file_path, service_version, backup_type, status, created_at FROM backups WHERE id = ?")
	row := s.db.QueryRowContext(ctx, query, id)
	rec, err := scanBackupRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading backup %d: %w", id, err)
	}
	return rec, nil
}

// GetAllBackups returns every backup record, newest first.
func (s *Store) GetAllBackups(ctx context.Context) ([]backup.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, file_path, service_version, backup_type, status, created_at FROM backups ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, fmt.Errorf("listing backups: %w", err)
	}
	defer rows.Close()

	var out []backup.Record
	for rows.Next() {
		rec, err := scanBackupRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning backup row: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// DeleteBackupRecord removes the backup row with the given id.
func (s *Store) DeleteBackupRecord(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM backups WHERE id = ?"), id); err != nil {
		return fmt.Errorf("deleting backup %d: %w", id, err)
	}
	return nil
}

// UpdateBackupFilePath rewrites the stored archive path for a backup, used
// when a backup is moved or renamed after creation.
func (s *Store) UpdateBackupFilePath(ctx context.Context, id int64, newPath string) error {
	query := s.rebind("UPDATE backups SET file_path = ? WHERE id = ?")
	if s.dialect == DialectPostgres {
		query = "UPDATE backups SET file_path = $1 WHERE id = $2"
	}
	if _, err := s.db.ExecContext(ctx, query, newPath, id); err != nil {
		return fmt.Errorf("updating backup %d file path: %w", id, err)
	}
	return nil
}

// --- Upgrade tasks --------------------------------------------------------

// TaskStatus is the lifecycle state of a scheduled upgrade task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Task is a persisted record of one scheduled or attempted upgrade.
type Task struct {
	ID            int64
	TargetVersion string
	Status        TaskStatus
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CreateTask inserts a new pending task for targetVersion and returns its
// id.
func (s *Store) CreateTask(ctx context.Context, targetVersion string) (int64, error) {
	now := time.Now().UTC().Format(timeLayout)

	if s.dialect == DialectPostgres {
		var id int64
		query := `INSERT INTO upgrade_tasks (target_version, status, created_at, updated_at)
		          VALUES ($1, $2, $3, $4) RETURNING id`
		row := s.db.QueryRowContext(ctx, query, targetVersion, string(TaskPending), now, now)
		if err := row.Scan(&id); err != nil {
			return 0, fmt.Errorf("creating upgrade task: %w", err)
		}
		return id, nil
	}

	query := `INSERT INTO upgrade_tasks (target_version, status, created_at, updated_at) VALUES (?, ?, ?, ?)`
	result, err := s.db.ExecContext(ctx, query, targetVersion, string(TaskPending), now, now)
	if err != nil {
		return 0, fmt.Errorf("creating upgrade task: %w", err)
	}
	return result.LastInsertId()
}

func (s *Store) setTaskStatus(ctx context.Context, id int64, status TaskStatus, errMsg string) error {
	now := time.Now().UTC().Format(timeLayout)
	query := s.rebind("UPDATE upgrade_tasks SET status = ?, error_message = ?, updated_at = ? WHERE id = ?")
	if s.dialect == DialectPostgres {
		query = "UPDATE upgrade_tasks SET status = $1, error_message = $2, updated_at = $3 WHERE id = $4"
	}

	var errArg any
	if errMsg != "" {
		errArg = errMsg
	}
	if _, err := s.db.ExecContext(ctx, query, string(status), errArg, now, id); err != nil {
		return fmt.Errorf("updating upgrade task %d: %w", id, err)
	}
	return nil
}

// MarkTaskInProgress transitions a task to in-progress.
func (s *Store) MarkTaskInProgress(ctx context.Context, id int64) error {
	return s.setTaskStatus(ctx, id, TaskInProgress, "")
}

// MarkTaskCompleted transitions a task to completed, clearing any prior
// error message.
func (s *Store) MarkTaskCompleted(ctx context.Context, id int64) error {
	return s.setTaskStatus(ctx, id, TaskCompleted, "")
}

// MarkTaskFailed transitions a task to failed and records errMsg.
func (s *Store) MarkTaskFailed(ctx context.Context, id int64, errMsg string) error {
	return s.setTaskStatus(ctx, id, TaskFailed, errMsg)
}

// GetTask returns the task with the given id, or nil if absent.
func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	query := s.rebind("SELECT id, target_version, status, error_message, created_at, updated_at FROM upgrade_tasks WHERE id = ?")
	row := s.db.QueryRowContext(ctx, query, id)

	var (
		task          Task
		status        string
		errMsg        sql.NullString
		createdAtText string
		updatedAtText string
	)
	if err := row.Scan(&task.ID, &task.TargetVersion, &status, &errMsg, &createdAtText, &updatedAtText); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading upgrade task %d: %w", id, err)
	}

	task.Status = TaskStatus(status)
	task.ErrorMessage = errMsg.String
	if t, err := time.Parse(timeLayout, createdAtText); err == nil {
		task.CreatedAt = t
	}
	if t, err := time.Parse(timeLayout, updatedAtText); err == nil {
		task.UpdatedAt = t
	}
	return &task, nil
}

// GetAllTasks returns every upgrade task, newest first.
func (s *Store) GetAllTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, target_version, status, error_message, created_at, updated_at FROM upgrade_tasks ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, fmt.Errorf("listing upgrade tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var (
			task          Task
			status        string
			errMsg        sql.NullString
			createdAtText string
			updatedAtText string
		)
		if err := rows.Scan(&task.ID, &task.TargetVersion, &status, &errMsg, &createdAtText, &updatedAtText); err != nil {
			return nil, fmt.Errorf("scanning upgrade task row: %w", err)
		}
		task.Status = TaskStatus(status)
		task.ErrorMessage = errMsg.String
		if t, err := time.Parse(timeLayout, createdAtText); err == nil {
			task.CreatedAt = t
		}
		if t, err := time.Parse(timeLayout, updatedAtText); err == nil {
			task.UpdatedAt = t
		}
		out = append(out, task)
	}
	return out, rows.Err()
}
