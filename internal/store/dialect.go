package store

import (
	"strconv"
	"strings"
)

// dialect captures the differences between the SQL engines the store runs on.
// Queries are written with ? placeholders and rebound per engine.
type dialect struct {
	driver    string
	timestamp string
	numbered  bool
}

var (
	sqliteDialect   = dialect{driver: "sqlite", timestamp: "DATETIME"}
	postgresDialect = dialect{driver: "postgres", timestamp: "TIMESTAMPTZ", numbered: true}
)

// rebind rewrites ? placeholders to $1, $2, ... for engines that need it.
func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] != '?' {
			b.WriteByte(q[i])
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

// schema returns the idempotent DDL statements for this engine, with
// {{ts}} replaced by its timestamp column type.
func (d dialect) schema() []string {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    version     INTEGER NOT NULL DEFAULT 1,
    created_at  {{ts}} NOT NULL,
    updated_at  {{ts}} NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS tasks (
    id          TEXT PRIMARY KEY,
    workflow_id TEXT NOT NULL REFERENCES workflows(id),
    name        TEXT NOT NULL,
    type        TEXT NOT NULL,
    config      TEXT,
    max_retries INTEGER,
    position    INTEGER NOT NULL,
    UNIQUE (workflow_id, name)
)`,
		`CREATE TABLE IF NOT EXISTS task_dependencies (
    task_id            TEXT NOT NULL REFERENCES tasks(id),
    depends_on_task_id TEXT NOT NULL REFERENCES tasks(id),
    PRIMARY KEY (task_id, depends_on_task_id),
    CHECK (task_id <> depends_on_task_id)
)`,
		`CREATE TABLE IF NOT EXISTS workflow_executions (
    id           TEXT PRIMARY KEY,
    workflow_id  TEXT NOT NULL REFERENCES workflows(id),
    status       TEXT NOT NULL,
    started_at   {{ts}} NOT NULL,
    completed_at {{ts}}
)`,
		`CREATE TABLE IF NOT EXISTS task_executions (
    id                    TEXT PRIMARY KEY,
    workflow_execution_id TEXT NOT NULL REFERENCES workflow_executions(id),
    task_id               TEXT NOT NULL REFERENCES tasks(id),
    state                 TEXT NOT NULL,
    retry_count           INTEGER NOT NULL DEFAULT 0,
    max_retries           INTEGER NOT NULL,
    next_retry_at         {{ts}},
    started_at            {{ts}},
    completed_at          {{ts}},
    error                 TEXT NOT NULL DEFAULT '',
    claimed_by            TEXT NOT NULL DEFAULT '',
    UNIQUE (workflow_execution_id, task_id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_workflow ON tasks (workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_executions_workflow ON workflow_executions (workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_executions_status ON workflow_executions (status)`,
		`CREATE INDEX IF NOT EXISTS idx_task_executions_execution ON task_executions (workflow_execution_id)`,
		`CREATE INDEX IF NOT EXISTS idx_task_executions_state ON task_executions (state)`,
	}
	for i, stmt := range ddl {
		ddl[i] = strings.ReplaceAll(stmt, "{{ts}}", d.timestamp)
	}
	return ddl
}
