package procd

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// LedgerFile is the run ledger database name under the cache directory.
const LedgerFile = "astprocd-runs.db"

// timeLayout has a fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

//go:embed migrations/*.sql
var migrationFS embed.FS

// Run is one ledger entry.
type Run struct {
	ID         string
	DiskUUID   string
	MountPath  string
	Entrypoint string
	PID        int
	Status     CodeStatus
	ExitCode   *int
	StartedAt  time.Time
	FinishedAt *time.Time
	LogTail    []string
}

// Ledger records user code runs in SQLite.
type Ledger struct {
	db   *sql.DB
	path string
}

// OpenLedger opens or creates the ledger at path and applies migrations.
func OpenLedger(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure ledger dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	ledger := &Ledger{db: db, path: path}
	if err := ledger.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return ledger, nil
}

// Path returns the database location.
func (l *Ledger) Path() string { return l.path }

// Close closes the database.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *Ledger) applyMigrations(ctx context.Context) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)"); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	for _, name := range names {
		version := strings.TrimSuffix(name, ".sql")
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("scan migration version: %w", err)
		}
		if count > 0 {
			continue
		}
		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("record migration %s: %w", version, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	return nil
}

// Begin records a run entering the starting state.
func (l *Ledger) Begin(ctx context.Context, run Run) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO runs (id, disk_uuid, mount_path, entrypoint, status, started_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.DiskUUID, run.MountPath, run.Entrypoint, run.Status,
		run.StartedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// MarkRunning records the pid of a started run.
func (l *Ledger) MarkRunning(ctx context.Context, id string, pid int) error {
	_, err := l.db.ExecContext(ctx, `UPDATE runs SET status = ?, pid = ? WHERE id = ?`, StatusRunning, pid, id)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return nil
}

// Finish records the terminal status of a run.
func (l *Ledger) Finish(ctx context.Context, id string, status CodeStatus, exitCode *int, tail []string) error {
	tailJSON, err := json.Marshal(tail)
	if err != nil {
		return fmt.Errorf("marshal tail: %w", err)
	}
	var code any
	if exitCode != nil {
		code = *exitCode
	}
	_, err = l.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, exit_code = ?, finished_at = ?, log_tail = ? WHERE id = ?`,
		status, code, time.Now().UTC().Format(timeLayout), string(tailJSON), id,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

const runColumns = "id, disk_uuid, mount_path, entrypoint, pid, status, exit_code, started_at, finished_at, log_tail"

// Get fetches a run by id. A missing run returns nil without error.
func (l *Ledger) Get(ctx context.Context, id string) (*Run, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// Recent returns up to limit runs, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Run, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// Abandon marks runs left unfinished by a previous process as killed.
func (l *Ledger) Abandon(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ? WHERE finished_at IS NULL`,
		StatusKilled, time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("abandon runs: %w", err)
	}
	return res.RowsAffected()
}

func scanRun(scanner interface{ Scan(dest ...any) error }) (*Run, error) {
	var (
		run         Run
		pid         sql.NullInt64
		status      string
		exitCode    sql.NullInt64
		startedRaw  string
		finishedRaw sql.NullString
		tailRaw     sql.NullString
	)
	if err := scanner.Scan(&run.ID, &run.DiskUUID, &run.MountPath, &run.Entrypoint, &pid, &status, &exitCode, &startedRaw, &finishedRaw, &tailRaw); err != nil {
		return nil, err
	}
	run.PID = int(pid.Int64)
	run.Status = CodeStatus(status)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		run.ExitCode = &code
	}
	if ts, err := time.Parse(timeLayout, startedRaw); err == nil {
		run.StartedAt = ts
	}
	if finishedRaw.Valid {
		if ts, err := time.Parse(timeLayout, finishedRaw.String); err == nil {
			run.FinishedAt = &ts
		}
	}
	if tailRaw.Valid && tailRaw.String != "" {
		_ = json.Unmarshal([]byte(tailRaw.String), &run.LogTail)
	}
	return &run, nil
}
