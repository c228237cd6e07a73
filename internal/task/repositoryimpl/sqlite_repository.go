package repositoryimpl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/okkar/taskstream/internal/task"
	"github.com/okkar/taskstream/pkg/cerr"
)

// SQLiteRepository persists tasks in a single SQLite database. It is the
// better choice over the YAML repository when task counts grow past what a
// directory scan handles comfortably.
type SQLiteRepository struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id             TEXT PRIMARY KEY,
	project_id     TEXT NOT NULL,
	title          TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	assigned_agent TEXT NOT NULL DEFAULT '',
	result         TEXT,
	tokens_used    INTEGER,
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`

// NewSQLiteRepository opens (or creates) the database at dbPath.
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for concurrent readers during streaming commits.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) Create(ctx context.Context, t *task.Task) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, title, description, status, assigned_agent, result, tokens_used, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.Title, t.Description, string(t.Status), t.AssignedAgent,
		t.Result, t.TokensUsed, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to insert task: %w", err))
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*task.Task, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, title, description, status, assigned_agent, result, tokens_used, created_at, updated_at
		FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, cerr.NewError(cerr.NotFound, "task not found", err)
		}
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to query task: %w", err))
	}
	return t, nil
}

func (r *SQLiteRepository) List(ctx context.Context, projectID string, status task.Status, limit, offset int) ([]*task.Task, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	if projectID != "" {
		where += " AND project_id = ?"
		args = append(args, projectID)
	}
	if status != "" {
		where += " AND status = ?"
		args = append(args, string(status))
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks "+where, args...).Scan(&total); err != nil {
		return nil, 0, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to count tasks: %w", err))
	}

	query := `
		SELECT id, project_id, title, description, status, assigned_agent, result, tokens_used, created_at, updated_at
		FROM tasks ` + where + " ORDER BY id"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	} else if offset > 0 {
		query += fmt.Sprintf(" LIMIT -1 OFFSET %d", offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to query tasks: %w", err))
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to scan task: %w", err))
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to iterate tasks: %w", err))
	}
	return tasks, total, nil
}

func (r *SQLiteRepository) Update(ctx context.Context, t *task.Task) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks
		SET project_id = ?, title = ?, description = ?, status = ?, assigned_agent = ?, result = ?, tokens_used = ?, updated_at = ?
		WHERE id = ?`,
		t.ProjectID, t.Title, t.Description, string(t.Status), t.AssignedAgent,
		t.Result, t.TokensUsed, time.Now(), t.ID,
	)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to update task: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to read rows affected: %w", err))
	}
	if n == 0 {
		return cerr.NewError(cerr.NotFound, "task not found", nil)
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to delete task: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to read rows affected: %w", err))
	}
	if n == 0 {
		return cerr.NewError(cerr.NotFound, "task not found", nil)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var status string
	if err := row.Scan(
		&t.ID, &t.ProjectID, &t.Title, &t.Description, &status, &t.AssignedAgent,
		&t.Result, &t.TokensUsed, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.Status = task.Status(status)
	return &t, nil
}
