// Package sqlite provides the SQL-backed task store. Despite the name it
// also runs against Postgres; queries go through dialect helpers and Rebind.
package sqlite

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/scoutflow/scoutflow/internal/db"
	"github.com/scoutflow/scoutflow/internal/db/dialect"
	"github.com/scoutflow/scoutflow/internal/task/store"
)

// Repository provides SQL-backed task storage operations.
type Repository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
}

// Ensure Repository implements store.Store
var _ store.Store = (*Repository)(nil)

// New opens the SQLite database at dbPath, creating it if needed, and
// initializes the schema.
func New(dbPath string) (*Repository, error) {
	writer, err := db.OpenSQLite(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	reader, err := db.OpenSQLiteReader(dbPath)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}
	return newRepository(sqlx.NewDb(writer, dialect.SQLite3), sqlx.NewDb(reader, dialect.SQLite3), true)
}

// NewWithPool creates a repository on an existing connection pool (shared ownership).
func NewWithPool(pool *db.Pool) (*Repository, error) {
	return newRepository(pool.Writer(), pool.Reader(), false)
}

func newRepository(writer, reader *sqlx.DB, ownsDB bool) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader, ownsDB: ownsDB}
	if err := repo.initSchema(); err != nil {
		if ownsDB {
			if reader != writer {
				_ = reader.Close()
			}
			if closeErr := writer.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the database connections when the repository owns them.
func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	if r.ro != r.db {
		_ = r.ro.Close()
	}
	return r.db.Close()
}

// initSchema creates the tasks table if it doesn't exist
func (r *Repository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		task_id TEXT PRIMARY KEY,
		task_type TEXT NOT NULL DEFAULT 'Connect',
		status TEXT NOT NULL DEFAULT 'pending',
		task_name TEXT NOT NULL DEFAULT '',
		brand_name TEXT NOT NULL DEFAULT '',
		region TEXT NOT NULL DEFAULT '',
		campaign_id TEXT NOT NULL DEFAULT '',
		campaign_name TEXT NOT NULL DEFAULT '',
		product_id TEXT NOT NULL DEFAULT '',
		product_name TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '{}',
		max_creators INTEGER NOT NULL DEFAULT 0,
		target_new_creators INTEGER NOT NULL DEFAULT 0,
		submitted_at TIMESTAMP NOT NULL,
		run_at_raw TEXT NOT NULL DEFAULT '',
		run_at TIMESTAMP,
		run_end_raw TEXT NOT NULL DEFAULT '',
		run_end TIMESTAMP,
		started_at TIMESTAMP,
		finished_at TIMESTAMP,
		task_dir TEXT NOT NULL DEFAULT '',
		account_name TEXT NOT NULL DEFAULT '',
		account_email TEXT NOT NULL DEFAULT '',
		new_creators INTEGER NOT NULL DEFAULT 0,
		total_creators INTEGER NOT NULL DEFAULT 0,
		latest_subject TEXT NOT NULL DEFAULT '',
		output_files TEXT NOT NULL DEFAULT '[]',
		log_path TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_brand_name ON tasks(brand_name);
	CREATE INDEX IF NOT EXISTS idx_tasks_region ON tasks(region);
	CREATE INDEX IF NOT EXISTS idx_tasks_submitted_at ON tasks(submitted_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_run_at ON tasks(run_at);
	`

	if _, err := r.db.Exec(schema); err != nil {
		return err
	}

	return r.runMigrations()
}

// runMigrations applies idempotent ALTER TABLE migrations for schema evolution.
// Errors are ignored because the columns may already exist.
func (r *Repository) runMigrations() error {
	_, _ = r.db.Exec(`ALTER TABLE tasks ADD COLUMN account_email TEXT NOT NULL DEFAULT ''`)
	_, _ = r.db.Exec(`ALTER TABLE tasks ADD COLUMN latest_subject TEXT NOT NULL DEFAULT ''`)
	_, _ = r.db.Exec(`ALTER TABLE tasks ADD COLUMN log_path TEXT NOT NULL DEFAULT ''`)
	_, _ = r.db.Exec(`ALTER TABLE tasks ADD COLUMN run_end_raw TEXT NOT NULL DEFAULT ''`)
	_, _ = r.db.Exec(`ALTER TABLE tasks ADD COLUMN run_end TIMESTAMP`)
	return nil
}
