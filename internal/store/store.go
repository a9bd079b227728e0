package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tastythames/slurm-runner/internal/slurm"
)

var _ slurm.Store = (*SQLite)(nil)

// SQLite persists job records in a single table.
type SQLite struct {
	db   *sql.DB
	path string
}

func Open(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; the manager saves from a single goroutine anyway
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLite{db: db, path: path}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			state INTEGER NOT NULL,
			remote_id INTEGER NOT NULL DEFAULT 0,
			task INTEGER NOT NULL DEFAULT 0,
			info_json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_remote ON jobs(remote_id);
	`)
	return err
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Path() string { return s.path }

func (s *SQLite) Save(j slurm.StoredJob) error {
	info, err := json.Marshal(j.Info)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO jobs (id, name, state, remote_id, task, info_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.ID.String(),
		j.Name,
		int(j.State),
		j.Info.RemoteID,
		j.Info.Task,
		string(info),
		j.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", j.ID, err)
	}
	return nil
}

func (s *SQLite) Delete(id slurm.JobID) error {
	if _, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	return nil
}

// LoadActive returns the jobs the scheduler had accepted when last saved.
func (s *SQLite) LoadActive() ([]slurm.StoredJob, error) {
	return s.query(`SELECT id, name, state, info_json, updated_at FROM jobs
		WHERE remote_id != 0 ORDER BY updated_at`)
}

// List returns every stored job, most recently updated first.
func (s *SQLite) List() ([]slurm.StoredJob, error) {
	return s.query(`SELECT id, name, state, info_json, updated_at FROM jobs ORDER BY updated_at DESC`)
}

func (s *SQLite) query(q string, args ...any) ([]slurm.StoredJob, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var out []slurm.StoredJob
	for rows.Next() {
		var (
			id, name, info, updated string
			state                   int
		)
		if err := rows.Scan(&id, &name, &state, &info, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		j := slurm.StoredJob{Name: name, State: slurm.State(state)}
		if j.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("job id %q: %w", id, err)
		}
		if err := json.Unmarshal([]byte(info), &j.Info); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", id, err)
		}
		j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, j)
	}
	return out, rows.Err()
}
