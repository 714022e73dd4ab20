package history

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bugninja-ai/bugninja/pkg/errs"
)

// SQLiteIndex is a secondary, queryable index of every appended run,
// kept alongside (never instead of) the mandatory JSON history file — a
// host's "list/inspect traversals" operation can query this instead of
// scanning the history directory. The JSON file is always the source of
// truth; a missing or stale index row is never treated as data loss.
type SQLiteIndex struct {
	db *sql.DB
}

// RunRecord is one row of the secondary index.
type RunRecord struct {
	TaskID         string
	RunID          string
	Kind           string // "ai_navigated" | "replay"
	Status         State
	Timestamp      time.Time
	HealingOutcome HealingOutcome
}

// OpenSQLiteIndex opens (creating if needed) a SQLite index file at path.
func OpenSQLiteIndex(path string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errs.Wrap(errs.KindTaskExecution, "open history index", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS runs (
	task_id         TEXT NOT NULL,
	run_id          TEXT NOT NULL,
	kind            TEXT NOT NULL,
	status          TEXT NOT NULL,
	timestamp       DATETIME NOT NULL,
	healing_outcome TEXT NOT NULL,
	PRIMARY KEY (task_id, run_id)
);
CREATE INDEX IF NOT EXISTS idx_runs_task_id ON runs(task_id);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindTaskExecution, "create history index schema", err)
	}
	return &SQLiteIndex{db: db}, nil
}

// Close releases the underlying database handle.
func (i *SQLiteIndex) Close() error { return i.db.Close() }

func (i *SQLiteIndex) indexRun(taskID, runID, kind string, status State, ts time.Time, outcome HealingOutcome) error {
	_, err := i.db.Exec(
		`INSERT OR REPLACE INTO runs (task_id, run_id, kind, status, timestamp, healing_outcome) VALUES (?, ?, ?, ?, ?, ?)`,
		taskID, runID, kind, string(status), ts, string(outcome),
	)
	return err
}

// ListRuns returns every indexed run for taskID, most recent first.
func (i *SQLiteIndex) ListRuns(taskID string) ([]RunRecord, error) {
	rows, err := i.db.Query(
		`SELECT task_id, run_id, kind, status, timestamp, healing_outcome FROM runs WHERE task_id = ? ORDER BY timestamp DESC`,
		taskID,
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindTaskExecution, "query history index", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		var status, outcome string
		if err := rows.Scan(&rec.TaskID, &rec.RunID, &rec.Kind, &status, &rec.Timestamp, &outcome); err != nil {
			return nil, errs.Wrap(errs.KindTaskExecution, "scan history index row", err)
		}
		rec.Status = State(status)
		rec.HealingOutcome = HealingOutcome(outcome)
		out = append(out, rec)
	}
	return out, rows.Err()
}
