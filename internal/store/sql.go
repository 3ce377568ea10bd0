package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/shivamAmrutia/orchestration/internal/model"
	"github.com/shivamAmrutia/orchestration/internal/resolver"
	"github.com/shivamAmrutia/orchestration/internal/retry"
)

// Compile-time interface satisfaction check.
var _ Store = (*SQLStore)(nil)

// SQLStore implements Store on SQLite or Postgres.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

// Open picks the engine from databaseURL: postgres:// and postgresql:// URLs
// go to Postgres, anything else is a SQLite path (an optional sqlite:// or
// sqlite: prefix is stripped).
func Open(databaseURL string) (*SQLStore, error) {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return NewPostgresStore(databaseURL)
	}
	path := strings.TrimPrefix(databaseURL, "sqlite://")
	path = strings.TrimPrefix(path, "sqlite:")
	if path == "" {
		return nil, errors.New("open database: empty sqlite path")
	}
	return NewSQLiteStore(path)
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serialises writers and keeps :memory: databases
	// from splitting across connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, p := range []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "set WAL mode"},
		{"PRAGMA busy_timeout = 5000", "set busy timeout"},
		{"PRAGMA foreign_keys = ON", "enable foreign keys"},
	} {
		if _, err := db.Exec(p.stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p.what, err)
		}
	}

	s := &SQLStore{db: db, d: sqliteDialect}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore connects to the Postgres database at dsn and runs migrations.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLStore{db: db, d: postgresDialect}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range s.d.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// querier is the subset of *sql.DB and *sql.Tx the store uses.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rebound rewrites placeholders for the dialect before delegating.
type rebound struct {
	q querier
	d dialect
}

func (r rebound) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.q.ExecContext(ctx, r.d.rebind(query), args...)
}

func (r rebound) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.q.QueryContext(ctx, r.d.rebind(query), args...)
}

func (r rebound) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return r.q.QueryRowContext(ctx, r.d.rebind(query), args...)
}

func (s *SQLStore) conn() querier {
	return rebound{q: s.db, d: s.d}
}

func (s *SQLStore) withTx(ctx context.Context, opts *sql.TxOptions, fn func(q querier) error) error {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(rebound{q: tx, d: s.d}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// --- workflows ---

// CreateWorkflow inserts the workflow, its tasks and its edges in one transaction.
func (s *SQLStore) CreateWorkflow(ctx context.Context, def *model.WorkflowDefinition) error {
	return s.withTx(ctx, nil, func(q querier) error {
		var taken int
		if err := q.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM workflows WHERE name = ?", def.Name,
		).Scan(&taken); err != nil {
			return fmt.Errorf("check workflow name: %w", err)
		}
		if taken > 0 {
			return fmt.Errorf("%w: workflow %q already exists", ErrConflict, def.Name)
		}

		if _, err := q.ExecContext(ctx,
			`INSERT INTO workflows (id, name, description, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			def.ID, def.Name, def.Description, def.Version, def.CreatedAt.UTC(), def.UpdatedAt.UTC(),
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: workflow %q already exists", ErrConflict, def.Name)
			}
			return fmt.Errorf("insert workflow: %w", err)
		}

		for _, t := range def.Tasks {
			if _, err := q.ExecContext(ctx,
				`INSERT INTO tasks (id, workflow_id, name, type, config, max_retries, position)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				t.ID, def.ID, t.Name, t.Type, nullJSON(t.Config), t.MaxRetries, t.Position,
			); err != nil {
				return fmt.Errorf("insert task %q: %w", t.Name, err)
			}
		}

		for _, e := range def.Dependencies {
			if _, err := q.ExecContext(ctx,
				"INSERT INTO task_dependencies (task_id, depends_on_task_id) VALUES (?, ?)",
				e.TaskID, e.DependsOnTaskID,
			); err != nil {
				return fmt.Errorf("insert dependency: %w", err)
			}
		}
		return nil
	})
}

// GetWorkflow returns a workflow with its tasks in creation order and each
// task's dependencies.
func (s *SQLStore) GetWorkflow(ctx context.Context, id string) (*model.WorkflowDefinition, error) {
	var def *model.WorkflowDefinition
	err := s.withTx(ctx, &sql.TxOptions{ReadOnly: true}, func(q querier) error {
		w, err := getWorkflowRow(ctx, q, id)
		if err != nil {
			return err
		}
		if w.Tasks, err = loadTasks(ctx, q, id); err != nil {
			return err
		}
		if w.Dependencies, err = loadEdges(ctx, q, id); err != nil {
			return err
		}

		index := make(map[string]int, len(w.Tasks))
		for i, t := range w.Tasks {
			index[t.ID] = i
		}
		for _, e := range w.Dependencies {
			i, ok := index[e.TaskID]
			j, okDep := index[e.DependsOnTaskID]
			if !ok || !okDep {
				continue
			}
			w.Tasks[i].DependsOn = append(w.Tasks[i].DependsOn, model.TaskRef{
				ID:   e.DependsOnTaskID,
				Name: w.Tasks[j].Name,
			})
		}
		def = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return def, nil
}

// WorkflowIDByName returns the ID of the workflow with the given name.
func (s *SQLStore) WorkflowIDByName(ctx context.Context, name string) (string, error) {
	var id string
	err := s.conn().QueryRowContext(ctx, "SELECT id FROM workflows WHERE name = ?", name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: workflow %q", ErrNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("get workflow id: %w", err)
	}
	return id, nil
}

func getWorkflowRow(ctx context.Context, q querier, id string) (*model.WorkflowDefinition, error) {
	w := &model.WorkflowDefinition{}
	err := q.QueryRowContext(ctx,
		`SELECT id, name, description, version, created_at, updated_at
		FROM workflows WHERE id = ?`, id,
	).Scan(&w.ID, &w.Name, &w.Description, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return w, nil
}

func loadTasks(ctx context.Context, q querier, workflowID string) ([]model.TaskDefinition, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, workflow_id, name, type, config, max_retries, position
		FROM tasks WHERE workflow_id = ? ORDER BY position, id`, workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.TaskDefinition
	for rows.Next() {
		var (
			t          model.TaskDefinition
			cfg        sql.NullString
			maxRetries sql.NullInt64
		)
		if err := rows.Scan(&t.ID, &t.WorkflowID, &t.Name, &t.Type, &cfg, &maxRetries, &t.Position); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if cfg.Valid {
			t.Config = json.RawMessage(cfg.String)
		}
		if maxRetries.Valid {
			n := int(maxRetries.Int64)
			t.MaxRetries = &n
		}
		t.DependsOn = []model.TaskRef{}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func loadEdges(ctx context.Context, q querier, workflowID string) ([]model.DependencyEdge, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT d.task_id, d.depends_on_task_id
		FROM task_dependencies d
		JOIN tasks t ON t.id = d.task_id
		JOIN tasks dep ON dep.id = d.depends_on_task_id
		WHERE t.workflow_id = ?
		ORDER BY t.position, dep.position`, workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("list dependencies: %w", err)
	}
	defer rows.Close()

	var edges []model.DependencyEdge
	for rows.Next() {
		var e model.DependencyEdge
		if err := rows.Scan(&e.TaskID, &e.DependsOnTaskID); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dependencies: %w", err)
	}
	return edges, nil
}

// ListWorkflows returns a page of workflows ordered by created_at DESC, along
// with the total count. Tasks are not loaded.
func (s *SQLStore) ListWorkflows(ctx context.Context, limit, offset int) ([]*model.WorkflowDefinition, int, error) {
	var (
		workflows []*model.WorkflowDefinition
		total     int
	)
	err := s.withTx(ctx, &sql.TxOptions{ReadOnly: true}, func(q querier) error {
		if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM workflows").Scan(&total); err != nil {
			return fmt.Errorf("count workflows: %w", err)
		}

		rows, err := q.QueryContext(ctx,
			`SELECT id, name, description, version, created_at, updated_at
			FROM workflows ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
		)
		if err != nil {
			return fmt.Errorf("list workflows: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			w := &model.WorkflowDefinition{}
			if err := rows.Scan(&w.ID, &w.Name, &w.Description, &w.Version, &w.CreatedAt, &w.UpdatedAt); err != nil {
				return fmt.Errorf("scan workflow: %w", err)
			}
			workflows = append(workflows, w)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate workflows: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return workflows, total, nil
}

// --- executions ---

// CreateExecution snapshots the workflow's tasks into a new RUNNING execution.
func (s *SQLStore) CreateExecution(ctx context.Context, workflowID string, defaultMaxRetries int, now time.Time) (*model.WorkflowExecution, error) {
	var exec *model.WorkflowExecution
	err := s.withTx(ctx, nil, func(q querier) error {
		w, err := getWorkflowRow(ctx, q, workflowID)
		if err != nil {
			return err
		}
		tasks, err := loadTasks(ctx, q, workflowID)
		if err != nil {
			return err
		}
		edges, err := loadEdges(ctx, q, workflowID)
		if err != nil {
			return err
		}
		hasDeps := make(map[string]bool, len(edges))
		for _, e := range edges {
			hasDeps[e.TaskID] = true
		}

		exec = &model.WorkflowExecution{
			ID:           model.NewID(),
			WorkflowID:   w.ID,
			WorkflowName: w.Name,
			Status:       model.StatusRunning,
			StartedAt:    now.UTC(),
		}
		if _, err := q.ExecContext(ctx,
			`INSERT INTO workflow_executions (id, workflow_id, status, started_at)
			VALUES (?, ?, ?, ?)`,
			exec.ID, exec.WorkflowID, exec.Status, exec.StartedAt,
		); err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}

		for _, t := range tasks {
			te := model.TaskExecution{
				ID:                  model.NewID(),
				WorkflowExecutionID: exec.ID,
				TaskID:              t.ID,
				Name:                t.Name,
				Type:                t.Type,
				Config:              t.Config,
				State:               model.TaskPending,
				MaxRetries:          defaultMaxRetries,
				Position:            t.Position,
			}
			if hasDeps[t.ID] {
				te.State = model.TaskBlocked
			}
			if t.MaxRetries != nil {
				te.MaxRetries = *t.MaxRetries
			}
			if _, err := q.ExecContext(ctx,
				`INSERT INTO task_executions (id, workflow_execution_id, task_id, state, retry_count, max_retries)
				VALUES (?, ?, ?, ?, 0, ?)`,
				te.ID, te.WorkflowExecutionID, te.TaskID, te.State, te.MaxRetries,
			); err != nil {
				return fmt.Errorf("insert task execution %q: %w", t.Name, err)
			}
			exec.Tasks = append(exec.Tasks, te)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// GetExecution returns an execution with all of its task executions.
func (s *SQLStore) GetExecution(ctx context.Context, id string) (*model.WorkflowExecution, error) {
	var exec *model.WorkflowExecution
	err := s.withTx(ctx, &sql.TxOptions{ReadOnly: true}, func(q querier) error {
		e, err := getExecutionRow(ctx, q, id)
		if err != nil {
			return err
		}
		if e.Tasks, err = loadTaskExecutions(ctx, q, id); err != nil {
			return err
		}
		exec = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

const executionColumns = `e.id, e.workflow_id, w.name, e.status, e.started_at, e.completed_at`

func scanExecution(sc interface{ Scan(...any) error }) (*model.WorkflowExecution, error) {
	e := &model.WorkflowExecution{}
	err := sc.Scan(&e.ID, &e.WorkflowID, &e.WorkflowName, &e.Status, &e.StartedAt, &e.CompletedAt)
	return e, err
}

func getExecutionRow(ctx context.Context, q querier, id string) (*model.WorkflowExecution, error) {
	e, err := scanExecution(q.QueryRowContext(ctx,
		`SELECT `+executionColumns+`
		FROM workflow_executions e JOIN workflows w ON w.id = e.workflow_id
		WHERE e.id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: execution %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// ListExecutions returns a page of executions ordered by started_at DESC. An
// empty workflowID lists executions of every workflow.
func (s *SQLStore) ListExecutions(ctx context.Context, workflowID string, limit, offset int) ([]*model.WorkflowExecution, int, error) {
	var (
		execs []*model.WorkflowExecution
		total int
	)
	err := s.withTx(ctx, &sql.TxOptions{ReadOnly: true}, func(q querier) error {
		where, args := "", []any{}
		if workflowID != "" {
			where, args = "WHERE e.workflow_id = ?", append(args, workflowID)
		}

		if err := q.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM workflow_executions e "+where, args...,
		).Scan(&total); err != nil {
			return fmt.Errorf("count executions: %w", err)
		}

		rows, err := q.QueryContext(ctx,
			`SELECT `+executionColumns+`
			FROM workflow_executions e JOIN workflows w ON w.id = e.workflow_id
			`+where+` ORDER BY e.started_at DESC, e.id DESC LIMIT ? OFFSET ?`,
			append(args, limit, offset)...,
		)
		if err != nil {
			return fmt.Errorf("list executions: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanExecution(rows)
			if err != nil {
				return fmt.Errorf("scan execution: %w", err)
			}
			execs = append(execs, e)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate executions: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return execs, total, nil
}

// ListExecutionIDsByStatus returns the IDs of executions in status, oldest first.
func (s *SQLStore) ListExecutionIDsByStatus(ctx context.Context, status model.WorkflowStatus) ([]string, error) {
	rows, err := s.conn().QueryContext(ctx,
		"SELECT id FROM workflow_executions WHERE status = ? ORDER BY started_at, id", status,
	)
	if err != nil {
		return nil, fmt.Errorf("list executions by status: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan execution id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution ids: %w", err)
	}
	return ids, nil
}

// --- task executions ---

const taskExecutionColumns = `te.id, te.workflow_execution_id, te.task_id, t.name, t.type, t.config,
	te.state, te.retry_count, te.max_retries, te.next_retry_at, te.started_at,
	te.completed_at, te.error, te.claimed_by, t.position`

func scanTaskExecution(sc interface{ Scan(...any) error }) (model.TaskExecution, error) {
	var (
		te  model.TaskExecution
		cfg sql.NullString
	)
	err := sc.Scan(
		&te.ID, &te.WorkflowExecutionID, &te.TaskID, &te.Name, &te.Type, &cfg,
		&te.State, &te.RetryCount, &te.MaxRetries, &te.NextRetryAt, &te.StartedAt,
		&te.CompletedAt, &te.Error, &te.ClaimedBy, &te.Position,
	)
	if cfg.Valid {
		te.Config = json.RawMessage(cfg.String)
	}
	return te, err
}

func loadTaskExecutions(ctx context.Context, q querier, executionID string) ([]model.TaskExecution, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+taskExecutionColumns+`
		FROM task_executions te JOIN tasks t ON t.id = te.task_id
		WHERE te.workflow_execution_id = ?
		ORDER BY t.position, te.id`, executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list task executions: %w", err)
	}
	defer rows.Close()

	var tasks []model.TaskExecution
	for rows.Next() {
		te, err := scanTaskExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task execution: %w", err)
		}
		tasks = append(tasks, te)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task executions: %w", err)
	}
	return tasks, nil
}

func getTaskExecution(ctx context.Context, q querier, id string) (model.TaskExecution, error) {
	te, err := scanTaskExecution(q.QueryRowContext(ctx,
		`SELECT `+taskExecutionColumns+`
		FROM task_executions te JOIN tasks t ON t.id = te.task_id
		WHERE te.id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return te, fmt.Errorf("%w: task execution %s", ErrNotFound, id)
	}
	if err != nil {
		return te, fmt.Errorf("get task execution: %w", err)
	}
	return te, nil
}

func loadSnapshot(ctx context.Context, q querier, executionID string) (resolver.Snapshot, error) {
	var workflowID string
	err := q.QueryRowContext(ctx,
		"SELECT workflow_id FROM workflow_executions WHERE id = ?", executionID,
	).Scan(&workflowID)
	if errors.Is(err, sql.ErrNoRows) {
		return resolver.Snapshot{}, fmt.Errorf("%w: execution %s", ErrNotFound, executionID)
	}
	if err != nil {
		return resolver.Snapshot{}, fmt.Errorf("get execution: %w", err)
	}

	tasks, err := loadTaskExecutions(ctx, q, executionID)
	if err != nil {
		return resolver.Snapshot{}, err
	}
	edges, err := loadEdges(ctx, q, workflowID)
	if err != nil {
		return resolver.Snapshot{}, err
	}

	deps := make(map[string][]string)
	for _, e := range edges {
		deps[e.TaskID] = append(deps[e.TaskID], e.DependsOnTaskID)
	}
	return resolver.Snapshot{Tasks: tasks, Deps: deps}, nil
}

// casState moves a task execution from one state to another only if it is
// still in from. It reports whether the row changed.
func casState(ctx context.Context, q querier, id string, from, to model.TaskState) (bool, error) {
	if !model.ValidTaskTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	res, err := q.ExecContext(ctx,
		"UPDATE task_executions SET state = ? WHERE id = ? AND state = ?", to, id, from,
	)
	if err != nil {
		return false, fmt.Errorf("update task state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

// settlement is what applying a resolver plan changed.
type settlement struct {
	ready     []model.TaskExecution
	blocked   []model.TaskExecution
	unblocked []model.TaskExecution
	states    []model.TaskState
}

// settle resolves the execution and persists the block/unblock transitions
// the plan asks for.
func settle(ctx context.Context, q querier, executionID string, now time.Time) (*settlement, error) {
	snap, err := loadSnapshot(ctx, q, executionID)
	if err != nil {
		return nil, err
	}
	plan := resolver.Resolve(snap, now)

	byID := make(map[string]int, len(snap.Tasks))
	for i, te := range snap.Tasks {
		byID[te.ID] = i
	}

	st := &settlement{}
	for _, id := range plan.Block {
		ok, err := casState(ctx, q, id, model.TaskPending, model.TaskBlocked)
		if err != nil {
			return nil, err
		}
		if ok {
			i := byID[id]
			snap.Tasks[i].State = model.TaskBlocked
			st.blocked = append(st.blocked, snap.Tasks[i])
		}
	}

	lost := make(map[string]bool)
	for _, id := range plan.Unblock {
		ok, err := casState(ctx, q, id, model.TaskBlocked, model.TaskPending)
		if err != nil {
			return nil, err
		}
		if !ok {
			lost[id] = true
			continue
		}
		i := byID[id]
		snap.Tasks[i].State = model.TaskPending
		st.unblocked = append(st.unblocked, snap.Tasks[i])
	}

	for _, te := range plan.Ready {
		if !lost[te.ID] {
			st.ready = append(st.ready, te)
		}
	}
	st.states = make([]model.TaskState, len(snap.Tasks))
	for i, te := range snap.Tasks {
		st.states[i] = te.State
	}
	return st, nil
}

// ReadyTasks returns the tasks of an execution that may be claimed now.
func (s *SQLStore) ReadyTasks(ctx context.Context, executionID string, now time.Time) ([]model.TaskExecution, error) {
	var ready []model.TaskExecution
	err := s.withTx(ctx, nil, func(q querier) error {
		st, err := settle(ctx, q, executionID, now)
		if err != nil {
			return err
		}
		ready = st.ready
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ready, nil
}

// staleOrMissing explains why a conditional update on id matched no row.
func staleOrMissing(ctx context.Context, q querier, id string, expected model.TaskState) error {
	var cur model.TaskState
	err := q.QueryRowContext(ctx, "SELECT state FROM task_executions WHERE id = ?", id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: task execution %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("get task state: %w", err)
	}
	return fmt.Errorf("%w: task execution %s is %s, expected %s", ErrStaleState, id, cur, expected)
}

// ClaimTask is a compare-and-set from expected to RUNNING. Exactly one of
// several concurrent claims on the same task succeeds; the others get
// ErrStaleState.
func (s *SQLStore) ClaimTask(ctx context.Context, id string, expected model.TaskState, owner string, now time.Time) error {
	if !model.ValidTaskTransition(expected, model.TaskRunning) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, model.TaskRunning)
	}

	q := s.conn()
	res, err := q.ExecContext(ctx,
		`UPDATE task_executions SET state = ?, started_at = ?, claimed_by = ?
		WHERE id = ? AND state = ?`,
		model.TaskRunning, now.UTC(), owner, id, expected,
	)
	if err != nil {
		return fmt.Errorf("claim task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return staleOrMissing(ctx, q, id, expected)
	}
	return nil
}

// checkHeld fails with ErrStaleState unless te is RUNNING and, when owner is
// not empty, still claimed by owner.
func checkHeld(te model.TaskExecution, owner string) error {
	if te.State != model.TaskRunning {
		return fmt.Errorf("%w: task execution %s is %s, expected %s", ErrStaleState, te.ID, te.State, model.TaskRunning)
	}
	if owner != "" && te.ClaimedBy != owner {
		return fmt.Errorf("%w: task execution %s is claimed by %s, not %s", ErrStaleState, te.ID, te.ClaimedBy, owner)
	}
	return nil
}

// CompleteTask marks a RUNNING task COMPLETED and unblocks its dependents.
// A non-empty owner must still hold the claim.
func (s *SQLStore) CompleteTask(ctx context.Context, id, owner string, now time.Time) (*TransitionResult, error) {
	var result *TransitionResult
	err := s.withTx(ctx, nil, func(q querier) error {
		te, err := getTaskExecution(ctx, q, id)
		if err != nil {
			return err
		}
		if err := checkHeld(te, owner); err != nil {
			return err
		}

		done := now.UTC()
		query := `UPDATE task_executions SET state = ?, completed_at = ?
			WHERE id = ? AND state = ?`
		args := []any{model.TaskCompleted, done, id, model.TaskRunning}
		if owner != "" {
			query += " AND claimed_by = ?"
			args = append(args, owner)
		}
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("check rows affected: %w", err)
		} else if n == 0 {
			return staleOrMissing(ctx, q, id, model.TaskRunning)
		}
		te.State = model.TaskCompleted
		te.CompletedAt = &done

		st, err := settle(ctx, q, te.WorkflowExecutionID, now)
		if err != nil {
			return err
		}
		result = &TransitionResult{Task: te, Blocked: st.blocked, Unblocked: st.unblocked}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// FailTask records a failed attempt of a RUNNING task. The policy decides
// between RETRYING with a new nextRetryAt and terminal FAILED; a terminal
// failure blocks every transitive dependent in the same transaction. A
// non-empty owner must still hold the claim.
func (s *SQLStore) FailTask(ctx context.Context, id, owner, errMsg string, policy retry.Policy, now time.Time) (*TransitionResult, error) {
	var result *TransitionResult
	err := s.withTx(ctx, nil, func(q querier) error {
		te, err := getTaskExecution(ctx, q, id)
		if err != nil {
			return err
		}
		if err := checkHeld(te, owner); err != nil {
			return err
		}
		if err := failRunning(ctx, q, &te, errMsg, policy, now, owner); err != nil {
			return err
		}

		st, err := settle(ctx, q, te.WorkflowExecutionID, now)
		if err != nil {
			return err
		}
		result = &TransitionResult{Task: te, Blocked: st.blocked, Unblocked: st.unblocked}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// failRunning applies the retry policy to te, which must be RUNNING. When
// owner is not empty the update also requires the claim to still be held by it.
func failRunning(ctx context.Context, q querier, te *model.TaskExecution, errMsg string, policy retry.Policy, now time.Time, owner string) error {
	d := policy.Decide(te.RetryCount, te.MaxRetries, now)

	var (
		query string
		args  []any
	)
	if d.Terminal {
		done := now.UTC()
		query = `UPDATE task_executions SET state = ?, retry_count = ?, error = ?, completed_at = ?, next_retry_at = NULL
			WHERE id = ? AND state = ?`
		args = []any{model.TaskFailed, d.RetryCount, errMsg, done, te.ID, model.TaskRunning}
		te.State = model.TaskFailed
		te.CompletedAt = &done
		te.NextRetryAt = nil
	} else {
		next := d.NextRetryAt.UTC()
		query = `UPDATE task_executions SET state = ?, retry_count = ?, error = ?, next_retry_at = ?
			WHERE id = ? AND state = ?`
		args = []any{model.TaskRetrying, d.RetryCount, errMsg, next, te.ID, model.TaskRunning}
		te.State = model.TaskRetrying
		te.NextRetryAt = &next
	}
	if owner != "" {
		query += " AND claimed_by = ?"
		args = append(args, owner)
	}

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return staleOrMissing(ctx, q, te.ID, model.TaskRunning)
	}
	te.RetryCount = d.RetryCount
	te.Error = errMsg
	return nil
}

// recompute settles the execution, derives its status and stores it when it changed.
func recompute(ctx context.Context, q querier, executionID string, now time.Time) (model.WorkflowStatus, error) {
	var cur model.WorkflowStatus
	err := q.QueryRowContext(ctx,
		"SELECT status FROM workflow_executions WHERE id = ?", executionID,
	).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: execution %s", ErrNotFound, executionID)
	}
	if err != nil {
		return "", fmt.Errorf("get execution status: %w", err)
	}

	st, err := settle(ctx, q, executionID, now)
	if err != nil {
		return "", err
	}
	next := model.DeriveStatus(st.states)
	if next == cur {
		return cur, nil
	}

	var completedAt *time.Time
	if next.Terminal() {
		done := now.UTC()
		completedAt = &done
	}
	if _, err := q.ExecContext(ctx,
		"UPDATE workflow_executions SET status = ?, completed_at = ? WHERE id = ?",
		next, completedAt, executionID,
	); err != nil {
		return "", fmt.Errorf("update execution status: %w", err)
	}
	return next, nil
}

// RecomputeStatus derives the execution status from its task states.
func (s *SQLStore) RecomputeStatus(ctx context.Context, executionID string, now time.Time) (model.WorkflowStatus, error) {
	var status model.WorkflowStatus
	err := s.withTx(ctx, nil, func(q querier) error {
		var err error
		status, err = recompute(ctx, q, executionID, now)
		return err
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// ReconcileStale treats every task RUNNING since before cutoff as a failed
// attempt whose claim expired.
func (s *SQLStore) ReconcileStale(ctx context.Context, cutoff time.Time, policy retry.Policy, now time.Time) ([]model.TaskExecution, error) {
	var reconciled []model.TaskExecution
	err := s.withTx(ctx, nil, func(q querier) error {
		rows, err := q.QueryContext(ctx,
			`SELECT `+taskExecutionColumns+`
			FROM task_executions te JOIN tasks t ON t.id = te.task_id
			WHERE te.state = ?
			ORDER BY te.started_at, te.id`, model.TaskRunning,
		)
		if err != nil {
			return fmt.Errorf("list running tasks: %w", err)
		}
		var stale []model.TaskExecution
		for rows.Next() {
			te, err := scanTaskExecution(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan task execution: %w", err)
			}
			if te.StartedAt != nil && te.StartedAt.Before(cutoff) {
				stale = append(stale, te)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate running tasks: %w", err)
		}
		rows.Close()

		var executions []string
		seen := make(map[string]bool)
		for _, te := range stale {
			msg := fmt.Sprintf("claim expired: running since %s", te.StartedAt.UTC().Format(time.RFC3339))
			if te.ClaimedBy != "" {
				msg = fmt.Sprintf("claim by %s expired: running since %s", te.ClaimedBy, te.StartedAt.UTC().Format(time.RFC3339))
			}
			err := failRunning(ctx, q, &te, msg, policy, now, te.ClaimedBy)
			if errors.Is(err, ErrStaleState) {
				continue
			}
			if err != nil {
				return err
			}
			reconciled = append(reconciled, te)
			if !seen[te.WorkflowExecutionID] {
				seen[te.WorkflowExecutionID] = true
				executions = append(executions, te.WorkflowExecutionID)
			}
		}

		for _, id := range executions {
			if _, err := recompute(ctx, q, id, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reconciled, nil
}

// GetExecutionStats returns aggregate counts and the mean duration of
// finished executions.
func (s *SQLStore) GetExecutionStats(ctx context.Context) (*ExecutionStats, error) {
	stats := &ExecutionStats{
		CountByStatus:    make(map[string]int),
		CountByTaskState: make(map[string]int),
		FailedByTaskType: make(map[string]int),
	}
	err := s.withTx(ctx, &sql.TxOptions{ReadOnly: true}, func(q querier) error {
		if err := countInto(ctx, q, "SELECT status, COUNT(*) FROM workflow_executions GROUP BY status", stats.CountByStatus); err != nil {
			return err
		}
		if err := countInto(ctx, q, "SELECT state, COUNT(*) FROM task_executions GROUP BY state", stats.CountByTaskState); err != nil {
			return err
		}
		if err := countInto(ctx, q,
			`SELECT t.type, COUNT(*) FROM task_executions te
			JOIN tasks t ON t.id = te.task_id
			WHERE te.state = 'FAILED' GROUP BY t.type`,
			stats.FailedByTaskType,
		); err != nil {
			return err
		}
		for _, n := range stats.CountByStatus {
			stats.Total += n
		}
		if err := q.QueryRowContext(ctx,
			"SELECT COALESCE(SUM(retry_count), 0) FROM task_executions",
		).Scan(&stats.TotalRetries); err != nil {
			return fmt.Errorf("sum retries: %w", err)
		}

		rows, err := q.QueryContext(ctx,
			"SELECT started_at, completed_at FROM workflow_executions WHERE completed_at IS NOT NULL",
		)
		if err != nil {
			return fmt.Errorf("query durations: %w", err)
		}
		defer rows.Close()

		var (
			sum   time.Duration
			count int
		)
		for rows.Next() {
			var started, completed time.Time
			if err := rows.Scan(&started, &completed); err != nil {
				return fmt.Errorf("scan durations: %w", err)
			}
			sum += completed.Sub(started)
			count++
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate durations: %w", err)
		}
		if count > 0 {
			stats.AvgDurationMS = float64(sum.Milliseconds()) / float64(count)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func countInto(ctx context.Context, q querier, query string, into map[string]int) error {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("query counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan counts: %w", err)
		}
		into[key] = n
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate counts: %w", err)
	}
	return nil
}
