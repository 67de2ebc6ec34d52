package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/cloudflyer/internal/model"

	_ "modernc.org/sqlite"
)

// Timestamps are stored as Unix nanoseconds so that range predicates in
// Purge compare numerically.
const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id          TEXT PRIMARY KEY,
    type        TEXT NOT NULL,
    status      TEXT NOT NULL,
    request     TEXT NOT NULL,
    result      TEXT,
    created_at  INTEGER NOT NULL,
    started_at  INTEGER,
    finished_at INTEGER
)`

const createStatusIndex = `CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status, created_at)`

const selectColumns = `id, type, status, request, result, created_at, started_at, finished_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: SQLite has a single writer, and ":memory:" databases
	// are per-connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createTasksTable, createStatusIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Put inserts a new task record.
func (s *SQLiteStore) Put(ctx context.Context, t *model.Task) error {
	if err := checkNew(t); err != nil {
		return err
	}
	req, err := json.Marshal(t.Request)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, type, status, request, created_at)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		t.ID, string(t.Type), string(t.Status), string(req), t.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrDuplicateID
	}
	return nil
}

// Get retrieves a task by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// Update applies tr with a single conditional UPDATE, so concurrent writers
// racing out of the same state cannot both succeed.
func (s *SQLiteStore) Update(ctx context.Context, id string, tr model.Transition) (*model.Task, error) {
	from := model.SourcesOf(tr.To)
	if len(from) == 0 || tr.To.Terminal() != (tr.Result != nil) {
		return nil, ErrInvalidTransition
	}

	args := []any{string(tr.To)}
	var set string
	if tr.To.Terminal() {
		result, err := json.Marshal(tr.Result)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		set = "status = ?, finished_at = ?, result = ?"
		args = append(args, tr.At.UTC().UnixNano(), string(result))
	} else {
		set = "status = ?, started_at = ?"
		args = append(args, tr.At.UTC().UnixNano())
	}
	args = append(args, id)
	for _, st := range from {
		args = append(args, string(st))
	}

	query := fmt.Sprintf("UPDATE tasks SET %s WHERE id = ? AND status IN (%s)",
		set, strings.TrimSuffix(strings.Repeat("?,", len(from)), ","))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrInvalidTransition
	}
	return s.Get(ctx, id)
}

// ListByStatus returns tasks in the given status ordered by creation time.
func (s *SQLiteStore) ListByStatus(ctx context.Context, status model.Status) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM tasks WHERE status = ? ORDER BY created_at, id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// Stats aggregates counts and average duration in SQL.
func (s *SQLiteStore) Stats(ctx context.Context) (*TaskStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &TaskStats{
		CountByStatus: make(map[string]int),
		CountByType:   make(map[string]int),
	}

	rows, err := tx.QueryContext(ctx, "SELECT status, type, COUNT(*) FROM tasks GROUP BY status, type")
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status, typ string
		var n int
		if err := rows.Scan(&status, &typ, &n); err != nil {
			return nil, fmt.Errorf("scan counts: %w", err)
		}
		stats.Total += n
		stats.CountByStatus[status] += n
		stats.CountByType[typ] += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		`SELECT AVG((finished_at - started_at) / 1000000.0) FROM tasks
		WHERE started_at IS NOT NULL AND finished_at IS NOT NULL`,
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}
	return stats, nil
}

// Purge deletes terminal tasks that finished before the cutoff.
func (s *SQLiteStore) Purge(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE status IN (?, ?, ?) AND finished_at < ?`,
		string(model.StatusCompleted), string(model.StatusFailed), string(model.StatusTimedOut),
		before.UTC().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var (
		t                 model.Task
		typ, status, req  string
		result            sql.NullString
		created           int64
		started, finished sql.NullInt64
	)
	if err := row.Scan(&t.ID, &typ, &status, &req, &result, &created, &started, &finished); err != nil {
		return nil, err
	}
	t.Type = model.TaskType(typ)
	t.Status = model.Status(status)
	t.CreatedAt = time.Unix(0, created).UTC()
	if err := json.Unmarshal([]byte(req), &t.Request); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if result.Valid {
		t.Result = &model.Result{}
		if err := json.Unmarshal([]byte(result.String), t.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	if started.Valid {
		ts := time.Unix(0, started.Int64).UTC()
		t.StartedAt = &ts
	}
	if finished.Valid {
		ts := time.Unix(0, finished.Int64).UTC()
		t.FinishedAt = &ts
	}
	return &t, nil
}
