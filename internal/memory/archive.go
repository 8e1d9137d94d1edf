package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/mcpagent/internal/llm"
)

// Task outcomes recorded by FinishTask.
const (
	OutcomeFinished = "finished"
	OutcomeFailed   = "failed"
)

// TaskRecord summarizes one archived task.
type TaskRecord struct {
	ID          string     `json:"id"`
	Instruction string     `json:"instruction"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Outcome     string     `json:"outcome,omitempty"`
	Error       string     `json:"error,omitempty"`
	Messages    int        `json:"messages"`
}

// Archive is an append-only SQLite transcript of every task the agent
// ran. Unlike the [Window], nothing is ever evicted, so a failed task's
// full conversation can be inspected afterwards.
type Archive struct {
	db     *sql.DB
	ownsDB bool
	logger *slog.Logger
}

// OpenArchive opens (creating if needed) the archive database at path.
func OpenArchive(path string, logger *slog.Logger) (*Archive, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}

	a, err := NewArchive(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	a.ownsDB = true
	return a, nil
}

// NewArchive uses an existing database handle. The caller keeps
// ownership of db; Close does not close it.
func NewArchive(db *sql.DB, logger *slog.Logger) (*Archive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Archive{db: db, logger: logger}
	if err := a.migrate(); err != nil {
		return nil, fmt.Errorf("archive migration: %w", err)
	}
	return a, nil
}

// migrate creates the archive schema if it does not exist.
func (a *Archive) migrate() error {
	_, err := a.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id          TEXT PRIMARY KEY,
			instruction TEXT NOT NULL,
			started_at  TEXT NOT NULL,
			finished_at TEXT,
			outcome     TEXT,
			error       TEXT
		);

		CREATE TABLE IF NOT EXISTS transcript (
			task_id      TEXT NOT NULL,
			seq          INTEGER NOT NULL,
			role         TEXT NOT NULL,
			content      TEXT NOT NULL,
			tool_calls   TEXT,
			tool_call_id TEXT,
			is_error     BOOLEAN NOT NULL DEFAULT FALSE,
			recorded_at  TEXT NOT NULL,
			PRIMARY KEY (task_id, seq)
		);
	`)
	return err
}

// StartTask records the beginning of a task.
func (a *Archive) StartTask(ctx context.Context, taskID, instruction string) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO tasks (id, instruction, started_at) VALUES (?, ?, ?)`,
		taskID, instruction, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("start task %s: %w", taskID, err)
	}
	return nil
}

// Record appends one message to a task's transcript.
func (a *Archive) Record(ctx context.Context, taskID string, msg llm.Message) error {
	var toolCalls sql.NullString
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = sql.NullString{String: string(data), Valid: true}
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO transcript (task_id, seq, role, content, tool_calls, tool_call_id, is_error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		taskID, int64(msg.Seq), msg.Role, msg.Content, toolCalls,
		sql.NullString{String: msg.ToolCallID, Valid: msg.ToolCallID != ""},
		msg.IsError, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record message %d of task %s: %w", msg.Seq, taskID, err)
	}
	return nil
}

// FinishTask records how a task ended. taskErr may be nil.
func (a *Archive) FinishTask(ctx context.Context, taskID, outcome string, taskErr error) error {
	var errText sql.NullString
	if taskErr != nil {
		errText = sql.NullString{String: taskErr.Error(), Valid: true}
	}
	_, err := a.db.ExecContext(ctx,
		`UPDATE tasks SET finished_at = ?, outcome = ?, error = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), outcome, errText, taskID,
	)
	if err != nil {
		return fmt.Errorf("finish task %s: %w", taskID, err)
	}
	return nil
}

// Transcript returns every recorded message of a task in order.
func (a *Archive) Transcript(ctx context.Context, taskID string) ([]llm.Message, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT seq, role, content, tool_calls, tool_call_id, is_error
		FROM transcript
		WHERE task_id = ?
		ORDER BY seq`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var out []llm.Message
	for rows.Next() {
		var (
			m          llm.Message
			seq        int64
			toolCalls  sql.NullString
			toolCallID sql.NullString
		)
		if err := rows.Scan(&seq, &m.Role, &m.Content, &toolCalls, &toolCallID, &m.IsError); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		m.Seq = uint64(seq)
		m.ToolCallID = toolCallID.String
		if toolCalls.Valid {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				a.logger.Warn("corrupt tool calls in transcript",
					"task_id", taskID, "seq", seq, "error", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Tasks returns the most recent tasks, newest first.
func (a *Archive) Tasks(ctx context.Context, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT t.id, t.instruction, t.started_at, t.finished_at, t.outcome, t.error,
		       (SELECT COUNT(*) FROM transcript m WHERE m.task_id = t.id)
		FROM tasks t
		ORDER BY t.started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var (
			r                 TaskRecord
			started           string
			finished, outcome sql.NullString
			errText           sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Instruction, &started, &finished, &outcome, &errText, &r.Messages); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		if finished.Valid {
			if ts, err := time.Parse(time.RFC3339Nano, finished.String); err == nil {
				r.FinishedAt = &ts
			}
		}
		r.Outcome = outcome.String
		r.Error = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the database if the archive opened it.
func (a *Archive) Close() error {
	if a.ownsDB {
		return a.db.Close()
	}
	return nil
}
