// Package sqlite implements store.Store using SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/m4xw311/agentdeck/acp"
	"github.com/m4xw311/agentdeck/errors"
	"github.com/m4xw311/agentdeck/session"
	"github.com/m4xw311/agentdeck/store"
)

// Store keeps sessions, their messages and their tool calls in SQLite.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening database")
	}
	// One writer at a time; SQLite serializes them anyway.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "setting WAL mode")
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "enabling foreign keys")
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "running migrations")
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			agent         TEXT NOT NULL DEFAULT '',
			title         TEXT NOT NULL DEFAULT '',
			cwd           TEXT NOT NULL DEFAULT '',
			state         TEXT NOT NULL DEFAULT '',
			stop_reason   TEXT NOT NULL DEFAULT '',
			current_mode  TEXT NOT NULL DEFAULT '',
			current_model TEXT NOT NULL DEFAULT '',
			last_error    TEXT NOT NULL DEFAULT '',
			extra         TEXT NOT NULL DEFAULT '{}',
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			id         TEXT NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			tool_calls TEXT NOT NULL DEFAULT '[]',
			complete   INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (session_id, seq),
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS tool_calls (
			session_id TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			id         TEXT NOT NULL,
			status     TEXT NOT NULL,
			data       TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (session_id, seq),
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// extra holds the snapshot fields without a column of their own.
type extra struct {
	Plan           *acp.Plan              `json:"plan,omitempty"`
	Commands       []acp.AvailableCommand `json:"availableCommands,omitempty"`
	Modes          []acp.SessionMode      `json:"modes,omitempty"`
	Models         []acp.ModelInfo        `json:"models,omitempty"`
	PendingThought string                 `json:"pendingThought,omitempty"`
}

// Save replaces the session row and all of its messages and tool calls in
// one transaction.
func (s *Store) Save(ctx context.Context, r store.Record) error {
	if err := store.CheckID(r.ID); err != nil {
		return err
	}
	ex, err := json.Marshal(extra{
		Plan:           r.Plan,
		Commands:       r.Commands,
		Modes:          r.Modes,
		Models:         r.Models,
		PendingThought: r.PendingThought,
	})
	if err != nil {
		return errors.Wrapf(err, "encode session %s", r.ID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "save session %s", r.ID)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, agent, title, cwd, state, stop_reason, current_mode, current_model,
		                       last_error, extra, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			agent = excluded.agent, title = excluded.title, cwd = excluded.cwd,
			state = excluded.state, stop_reason = excluded.stop_reason,
			current_mode = excluded.current_mode, current_model = excluded.current_model,
			last_error = excluded.last_error, extra = excluded.extra,
			updated_at = excluded.updated_at`,
		r.ID, r.Agent, r.Title, r.Cwd, r.State.String(), string(r.StopReason), r.CurrentModeID, r.CurrentModelID,
		r.LastError, string(ex), formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "save session %s", r.ID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, r.ID); err != nil {
		return errors.Wrapf(err, "save session %s", r.ID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tool_calls WHERE session_id = ?`, r.ID); err != nil {
		return errors.Wrapf(err, "save session %s", r.ID)
	}

	for i, m := range r.Messages {
		content, err := json.Marshal(m.Content)
		if err != nil {
			return errors.Wrapf(err, "encode message %s", m.ID)
		}
		ids, err := json.Marshal(m.ToolCallIDs)
		if err != nil {
			return errors.Wrapf(err, "encode message %s", m.ID)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, seq, id, role, content, tool_calls, complete, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, i, m.ID, string(m.Role), string(content), string(ids), m.Complete,
			formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
		)
		if err != nil {
			return errors.Wrapf(err, "save message %s", m.ID)
		}
	}
	for i, tc := range r.ToolCalls {
		data, err := json.Marshal(tc.ToolCall)
		if err != nil {
			return errors.Wrapf(err, "encode tool call %s", tc.ToolCallID)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO tool_calls (session_id, seq, id, status, data, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID, i, tc.ToolCallID, string(tc.Status), string(data),
			formatTime(tc.CreatedAt), formatTime(tc.UpdatedAt),
		)
		if err != nil {
			return errors.Wrapf(err, "save tool call %s", tc.ToolCallID)
		}
	}
	return errors.Wrapf(tx.Commit(), "save session %s", r.ID)
}

// Load retrieves a session by ID.
func (s *Store) Load(ctx context.Context, id string) (*store.Record, error) {
	var (
		r                    store.Record
		state, stop, ex      string
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent, title, cwd, state, stop_reason, current_mode, current_model,
		        last_error, extra, created_at, updated_at
		 FROM sessions WHERE id = ?`, id,
	).Scan(&r.ID, &r.Agent, &r.Title, &r.Cwd, &state, &stop, &r.CurrentModeID, &r.CurrentModelID,
		&r.LastError, &ex, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(store.ErrNotFound, "session %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load session %s", id)
	}
	if err := r.State.UnmarshalText([]byte(state)); err != nil {
		return nil, errors.Wrapf(err, "load session %s", id)
	}
	r.StopReason = acp.StopReason(stop)
	r.CreatedAt, r.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)

	var e extra
	if err := json.Unmarshal([]byte(ex), &e); err != nil {
		return nil, errors.Wrapf(err, "decode session %s", id)
	}
	r.Plan, r.Commands, r.Modes, r.Models, r.PendingThought = e.Plan, e.Commands, e.Modes, e.Models, e.PendingThought

	if r.Messages, err = s.messages(ctx, id); err != nil {
		return nil, err
	}
	if r.ToolCalls, err = s.toolCalls(ctx, id); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) messages(ctx context.Context, id string) ([]session.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, tool_calls, complete, created_at, updated_at
		 FROM messages WHERE session_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, errors.Wrapf(err, "load messages of %s", id)
	}
	defer rows.Close()

	out := []session.Message{}
	for rows.Next() {
		var (
			m                    session.Message
			role, content, ids   string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&m.ID, &role, &content, &ids, &m.Complete, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		m.Role = session.Role(role)
		if err := json.Unmarshal([]byte(content), &m.Content); err != nil {
			return nil, errors.Wrapf(err, "decode message %s", m.ID)
		}
		if err := json.Unmarshal([]byte(ids), &m.ToolCallIDs); err != nil {
			return nil, errors.Wrapf(err, "decode message %s", m.ID)
		}
		m.CreatedAt, m.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) toolCalls(ctx context.Context, id string) ([]session.ToolCall, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data, created_at, updated_at FROM tool_calls WHERE session_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, errors.Wrapf(err, "load tool calls of %s", id)
	}
	defer rows.Close()

	out := []session.ToolCall{}
	for rows.Next() {
		var (
			tc                         session.ToolCall
			data, createdAt, updatedAt string
		)
		if err := rows.Scan(&data, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &tc.ToolCall); err != nil {
			return nil, errors.Wrapf(err, "decode tool call")
		}
		tc.CreatedAt, tc.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
		out = append(out, tc)
	}
	return out, rows.Err()
}

// List returns all sessions ordered by update time (newest first).
func (s *Store) List(ctx context.Context) ([]store.Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.agent, s.title, s.cwd, s.state, s.updated_at,
		        (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		 FROM sessions s ORDER BY s.updated_at DESC`)
	if err != nil {
		return nil, errors.Wrapf(err, "list sessions")
	}
	defer rows.Close()

	var out []store.Summary
	for rows.Next() {
		var (
			sum              store.Summary
			state, updatedAt string
		)
		if err := rows.Scan(&sum.ID, &sum.Agent, &sum.Title, &sum.Cwd, &state, &updatedAt, &sum.Messages); err != nil {
			return nil, err
		}
		_ = sum.State.UnmarshalText([]byte(state))
		sum.UpdatedAt = parseTime(updatedAt)
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "delete session %s", id)
	}
	defer tx.Rollback()
	for _, q := range []string{
		`DELETE FROM messages WHERE session_id = ?`,
		`DELETE FROM tool_calls WHERE session_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return errors.Wrapf(err, "delete session %s", id)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "delete session %s", id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(store.ErrNotFound, "session %s", id)
	}
	return errors.Wrapf(tx.Commit(), "delete session %s", id)
}

// Times are stored as fixed-width UTC text so they sort as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
