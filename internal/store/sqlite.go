// ABOUTME: SQLite-backed repository for every persisted gateway entity
// ABOUTME: WAL mode, foreign keys on, one table per entity, built on modernc.org/sqlite

// Package store: SQLite implementation using modernc.org/sqlite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kilnlabs/agentgw/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path, or an
// in-memory database if path is ":memory:". The schema is created if it
// doesn't exist; parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("sqlite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS channels (
			channel_id TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			status     TEXT NOT NULL,
			last_seen  DATETIME,

			CHECK (kind IN ('webchat', 'telegram', 'whatsapp', 'matrix')),
			CHECK (status IN ('offline', 'connecting', 'online', 'degraded'))
		);

		CREATE TABLE IF NOT EXISTS chats (
			chat_id    TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL REFERENCES channels(channel_id),
			title      TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_chats_channel ON chats(channel_id);

		CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			chat_id    TEXT NOT NULL REFERENCES chats(chat_id),
			direction  TEXT NOT NULL,
			sender_id  TEXT NOT NULL,
			text       TEXT NOT NULL,
			ts         DATETIME NOT NULL,

			CHECK (direction IN ('inbound', 'outbound'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages(chat_id, ts);

		CREATE TABLE IF NOT EXISTS agent_runs (
			run_id       TEXT PRIMARY KEY,
			chat_id      TEXT NOT NULL REFERENCES chats(chat_id),
			channel_id   TEXT NOT NULL,
			requested_by TEXT NOT NULL,
			status       TEXT NOT NULL,
			step         INTEGER NOT NULL DEFAULT 0,
			max_steps    INTEGER NOT NULL,
			deadline     DATETIME NOT NULL,
			output_text  TEXT NOT NULL DEFAULT '',
			summary      TEXT NOT NULL DEFAULT '',
			error_kind   TEXT,
			error_message TEXT,
			created_at   DATETIME NOT NULL,
			ended_at     DATETIME,

			CHECK (status IN ('pending', 'planning', 'awaiting_approval', 'tool_exec',
				'completed', 'failed', 'canceled', 'timed_out'))
		);

		CREATE INDEX IF NOT EXISTS idx_agent_runs_chat ON agent_runs(chat_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_agent_runs_status ON agent_runs(status);

		CREATE TABLE IF NOT EXISTS events (
			seq         INTEGER PRIMARY KEY,
			type        TEXT NOT NULL,
			ts          DATETIME NOT NULL,
			run_id      TEXT NOT NULL DEFAULT '',
			channel_id  TEXT NOT NULL DEFAULT '',
			payload_json TEXT NOT NULL DEFAULT '{}'
		);

		CREATE INDEX IF NOT EXISTS idx_events_run_seq ON events(run_id, seq);

		CREATE TABLE IF NOT EXISTS policy (
			id                         INTEGER PRIMARY KEY CHECK (id = 1),
			channel_allowlist_json     TEXT NOT NULL DEFAULT '{}',
			tool_allowlist_json        TEXT NOT NULL DEFAULT '{}',
			require_approval_for_write INTEGER NOT NULL DEFAULT 1,
			dm_policy                  TEXT NOT NULL DEFAULT 'deny',
			group_policy               TEXT NOT NULL DEFAULT 'deny',
			updated_at                 DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS approvals (
			run_id       TEXT NOT NULL,
			tool_name    TEXT NOT NULL,
			args_json    TEXT NOT NULL DEFAULT '{}',
			resolution   TEXT NOT NULL,
			reason       TEXT NOT NULL DEFAULT '',
			by_principal TEXT NOT NULL DEFAULT '',
			requested_at DATETIME NOT NULL,
			resolved_at  DATETIME NOT NULL,

			PRIMARY KEY (run_id, resolved_at)
		);

		CREATE INDEX IF NOT EXISTS idx_approvals_run ON approvals(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE constraint failed") || strings.Contains(s, "constraint failed")
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing sqlite store")
	return s.db.Close()
}

const rfc3339 = time.RFC3339Nano

// --- channels ---

func (s *SQLiteStore) UpsertChannel(ctx context.Context, ch domain.Channel) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (channel_id, kind, status, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET kind = excluded.kind, status = excluded.status, last_seen = excluded.last_seen
	`, ch.ChannelID, string(ch.Kind), string(ch.Status), nullTime(ch.LastSeen))
	if err != nil {
		return fmt.Errorf("upserting channel: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetChannel(ctx context.Context, channelID string) (domain.Channel, error) {
	var ch domain.Channel
	var lastSeen sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT channel_id, kind, status, last_seen FROM channels WHERE channel_id = ?`, channelID).
		Scan(&ch.ChannelID, &ch.Kind, &ch.Status, &lastSeen)
	if err == sql.ErrNoRows {
		return domain.Channel{}, ErrNotFound
	}
	if err != nil {
		return domain.Channel{}, fmt.Errorf("querying channel: %w", err)
	}
	if lastSeen.Valid {
		ch.LastSeen, _ = time.Parse(rfc3339, lastSeen.String)
	}
	return ch, nil
}

func (s *SQLiteStore) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT channel_id, kind, status, last_seen FROM channels ORDER BY channel_id`)
	if err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	defer rows.Close()

	var out []domain.Channel
	for rows.Next() {
		var ch domain.Channel
		var lastSeen sql.NullString
		if err := rows.Scan(&ch.ChannelID, &ch.Kind, &ch.Status, &lastSeen); err != nil {
			return nil, fmt.Errorf("scanning channel: %w", err)
		}
		if lastSeen.Valid {
			ch.LastSeen, _ = time.Parse(rfc3339, lastSeen.String)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// --- chats ---

func (s *SQLiteStore) UpsertChat(ctx context.Context, chat domain.Chat) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (chat_id, channel_id, title, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET title = excluded.title
	`, chat.ChatID, chat.ChannelID, chat.Title, chat.CreatedAt.UTC().Format(rfc3339))
	if err != nil {
		return fmt.Errorf("upserting chat: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetChat(ctx context.Context, chatID string) (domain.Chat, error) {
	var chat domain.Chat
	var createdAt string
	err := s.db.QueryRowContext(ctx, `SELECT chat_id, channel_id, title, created_at FROM chats WHERE chat_id = ?`, chatID).
		Scan(&chat.ChatID, &chat.ChannelID, &chat.Title, &createdAt)
	if err == sql.ErrNoRows {
		return domain.Chat{}, ErrNotFound
	}
	if err != nil {
		return domain.Chat{}, fmt.Errorf("querying chat: %w", err)
	}
	chat.CreatedAt, _ = time.Parse(rfc3339, createdAt)
	return chat, nil
}

func (s *SQLiteStore) ListChatsByChannel(ctx context.Context, channelID string) ([]domain.Chat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id, channel_id, title, created_at FROM chats WHERE channel_id = ? ORDER BY created_at`, channelID)
	if err != nil {
		return nil, fmt.Errorf("listing chats: %w", err)
	}
	defer rows.Close()

	var out []domain.Chat
	for rows.Next() {
		var chat domain.Chat
		var createdAt string
		if err := rows.Scan(&chat.ChatID, &chat.ChannelID, &chat.Title, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning chat: %w", err)
		}
		chat.CreatedAt, _ = time.Parse(rfc3339, createdAt)
		out = append(out, chat)
	}
	return out, rows.Err()
}

// --- messages ---

func (s *SQLiteStore) SaveMessage(ctx context.Context, msg domain.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (message_id, chat_id, direction, sender_id, text, ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.MessageID, msg.ChatID, string(msg.Direction), msg.SenderID, msg.Text, msg.Ts.UTC().Format(rfc3339))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, chatID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, chat_id, direction, sender_id, text, ts
		FROM (
			SELECT message_id, chat_id, direction, sender_id, text, ts
			FROM messages WHERE chat_id = ? ORDER BY ts DESC LIMIT ?
		)
		ORDER BY ts ASC
	`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		var ts string
		if err := rows.Scan(&m.MessageID, &m.ChatID, &m.Direction, &m.SenderID, &m.Text, &ts); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Ts, _ = time.Parse(rfc3339, ts)
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- agent runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run domain.AgentRun) error {
	errKind, errMsg := splitRunError(run.Error)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (run_id, chat_id, channel_id, requested_by, status, step, max_steps,
			deadline, output_text, summary, error_kind, error_message, created_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.RunID, run.ChatID, run.ChannelID, run.RequestedBy, string(run.Status), run.Step, run.MaxSteps,
		run.Deadline.UTC().Format(rfc3339), run.OutputText, run.Summary, errKind, errMsg,
		run.CreatedAt.UTC().Format(rfc3339), nullTime(derefTime(run.EndedAt)))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run domain.AgentRun) error {
	errKind, errMsg := splitRunError(run.Error)
	result, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs
		SET status = ?, step = ?, output_text = ?, summary = ?, error_kind = ?, error_message = ?, ended_at = ?
		WHERE run_id = ?
	`, string(run.Status), run.Step, run.OutputText, run.Summary, errKind, errMsg,
		nullTime(derefTime(run.EndedAt)), run.RunID)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (domain.AgentRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, chat_id, channel_id, requested_by, status, step, max_steps, deadline,
			output_text, summary, error_kind, error_message, created_at, ended_at
		FROM agent_runs WHERE run_id = ?
	`, runID)
	return scanRun(row)
}

func (s *SQLiteStore) ListRunsByChat(ctx context.Context, chatID string, limit int) ([]domain.AgentRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, chat_id, channel_id, requested_by, status, step, max_steps, deadline,
			output_text, summary, error_kind, error_message, created_at, ended_at
		FROM agent_runs WHERE chat_id = ? ORDER BY created_at DESC LIMIT ?
	`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []domain.AgentRun
	for rows.Next() {
		run, err := scanRunRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.AgentRun, error) {
	var run domain.AgentRun
	var deadline, createdAt string
	var endedAt, errKind, errMsg sql.NullString

	err := row.Scan(&run.RunID, &run.ChatID, &run.ChannelID, &run.RequestedBy, &run.Status, &run.Step,
		&run.MaxSteps, &deadline, &run.OutputText, &run.Summary, &errKind, &errMsg, &createdAt, &endedAt)
	if err == sql.ErrNoRows {
		return domain.AgentRun{}, ErrNotFound
	}
	if err != nil {
		return domain.AgentRun{}, fmt.Errorf("scanning run: %w", err)
	}

	run.Deadline, _ = time.Parse(rfc3339, deadline)
	run.CreatedAt, _ = time.Parse(rfc3339, createdAt)
	if endedAt.Valid {
		t, _ := time.Parse(rfc3339, endedAt.String)
		run.EndedAt = &t
	}
	if errKind.Valid {
		run.Error = &domain.RunError{Kind: errKind.String, Message: errMsg.String}
	}
	return run, nil
}

func scanRunRows(rows *sql.Rows) (domain.AgentRun, error) {
	return scanRun(rows)
}

func splitRunError(e *domain.RunError) (kind, msg any) {
	if e == nil {
		return nil, nil
	}
	return e.Kind, e.Message
}

// --- events ---

func (s *SQLiteStore) AppendEvent(ctx context.Context, evt domain.Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("encoding event payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (seq, type, ts, run_id, channel_id, payload_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, evt.Seq, string(evt.Type), evt.Ts.UTC().Format(rfc3339), evt.RunID, evt.ChannelID, string(payload))
	if err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListEventsSince(ctx context.Context, runID string, sinceSeq uint64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, type, ts, run_id, channel_id, payload_json
		FROM events WHERE run_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?
	`, runID, sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var evt domain.Event
		var ts, payload string
		if err := rows.Scan(&evt.Seq, &evt.Type, &ts, &evt.RunID, &evt.ChannelID, &payload); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		evt.Ts, _ = time.Parse(rfc3339, ts)
		if payload != "" {
			_ = json.Unmarshal([]byte(payload), &evt.Payload)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// --- policy ---

func (s *SQLiteStore) GetPolicy(ctx context.Context) (domain.Policy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT channel_allowlist_json, tool_allowlist_json, require_approval_for_write, dm_policy, group_policy, updated_at
		FROM policy WHERE id = 1
	`)

	var p domain.Policy
	var channelJSON, toolJSON, updatedAt string
	var requireApproval int
	err := row.Scan(&channelJSON, &toolJSON, &requireApproval, &p.DMPolicy, &p.GroupPolicy, &updatedAt)
	if err == sql.ErrNoRows {
		return domain.Policy{
			ChannelAllowlist:        map[string]map[string]bool{},
			ToolAllowlist:           map[string]bool{},
			RequireApprovalForWrite: true,
			DMPolicy:                domain.AccessDeny,
			GroupPolicy:             domain.AccessDeny,
		}, nil
	}
	if err != nil {
		return domain.Policy{}, fmt.Errorf("querying policy: %w", err)
	}

	if err := json.Unmarshal([]byte(channelJSON), &p.ChannelAllowlist); err != nil {
		return domain.Policy{}, fmt.Errorf("decoding channel allowlist: %w", err)
	}
	if err := json.Unmarshal([]byte(toolJSON), &p.ToolAllowlist); err != nil {
		return domain.Policy{}, fmt.Errorf("decoding tool allowlist: %w", err)
	}
	p.RequireApprovalForWrite = requireApproval != 0
	p.UpdatedAt, _ = time.Parse(rfc3339, updatedAt)
	return p, nil
}

func (s *SQLiteStore) SetPolicy(ctx context.Context, p domain.Policy) error {
	channelJSON, err := json.Marshal(p.ChannelAllowlist)
	if err != nil {
		return fmt.Errorf("encoding channel allowlist: %w", err)
	}
	toolJSON, err := json.Marshal(p.ToolAllowlist)
	if err != nil {
		return fmt.Errorf("encoding tool allowlist: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policy (id, channel_allowlist_json, tool_allowlist_json, require_approval_for_write, dm_policy, group_policy, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			channel_allowlist_json = excluded.channel_allowlist_json,
			tool_allowlist_json = excluded.tool_allowlist_json,
			require_approval_for_write = excluded.require_approval_for_write,
			dm_policy = excluded.dm_policy,
			group_policy = excluded.group_policy,
			updated_at = excluded.updated_at
	`, string(channelJSON), string(toolJSON), boolToInt(p.RequireApprovalForWrite), string(p.DMPolicy), string(p.GroupPolicy),
		time.Now().UTC().Format(rfc3339))
	if err != nil {
		return fmt.Errorf("upserting policy: %w", err)
	}
	return nil
}

// --- approvals ---

func (s *SQLiteStore) SaveResolvedApproval(ctx context.Context, a ResolvedApproval) error {
	args, err := json.Marshal(a.Args)
	if err != nil {
		return fmt.Errorf("encoding approval args: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approvals (run_id, tool_name, args_json, resolution, reason, by_principal, requested_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.RunID, a.ToolName, string(args), a.Resolution, a.Reason, a.ByPrincipal,
		time.Unix(a.RequestedAt, 0).UTC().Format(rfc3339), time.Unix(a.ResolvedAt, 0).UTC().Format(rfc3339))
	if err != nil {
		return fmt.Errorf("saving resolved approval: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListResolvedApprovals(ctx context.Context, runID string) ([]ResolvedApproval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, tool_name, args_json, resolution, reason, by_principal, requested_at, resolved_at
		FROM approvals WHERE run_id = ? ORDER BY resolved_at ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing resolved approvals: %w", err)
	}
	defer rows.Close()

	var out []ResolvedApproval
	for rows.Next() {
		var a ResolvedApproval
		var args, requestedAt, resolvedAt string
		if err := rows.Scan(&a.RunID, &a.ToolName, &args, &a.Resolution, &a.Reason, &a.ByPrincipal, &requestedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scanning resolved approval: %w", err)
		}
		_ = json.Unmarshal([]byte(args), &a.Args)
		if t, err := time.Parse(rfc3339, requestedAt); err == nil {
			a.RequestedAt = t.Unix()
		}
		if t, err := time.Parse(rfc3339, resolvedAt); err == nil {
			a.ResolvedAt = t.Unix()
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(rfc3339)
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*SQLiteStore)(nil)
