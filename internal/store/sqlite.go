package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"council/internal/registry"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB

	mu      sync.Mutex
	convMus map[string]*sync.Mutex // per-conversation write serialization
}

func (s *SQLiteStore) convLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.convMus[id]
	if !ok {
		m = &sync.Mutex{}
		s.convMus[id] = m
	}
	return m
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db, convMus: make(map[string]*sync.Mutex)}, nil
}

// DB returns the underlying sql.DB handle.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			board_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			archived INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			revision_index INTEGER NOT NULL DEFAULT 0,
			finalized INTEGER NOT NULL DEFAULT 0,
			stage1_json TEXT,
			stage2_json TEXT,
			stage3 TEXT,
			metadata_json TEXT,
			loading_json TEXT,
			rating_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS session_state (
			conversation_id TEXT PRIMARY KEY,
			blueprint_json TEXT NOT NULL,
			current_task_index INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			stage_buffers_json TEXT NOT NULL,
			pending_human_input_json TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS boards (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			council_members_json TEXT NOT NULL,
			chairman TEXT NOT NULL,
			substitutes_json TEXT,
			personalities_json TEXT,
			consensus_strategy TEXT NOT NULL DEFAULT 'borda_count',
			response_timeout_s INTEGER NOT NULL DEFAULT 60,
			usage_count INTEGER NOT NULL DEFAULT 0,
			last_used_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS prompts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			content TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS fail_lists (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			failed_model_ids_json TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			step TEXT NOT NULL,
			model_id TEXT,
			task_id TEXT,
			log_message TEXT NOT NULL DEFAULT '',
			raw_data_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_session ON audit_events(session_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS raw_openrouter_models (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			raw_json TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS raw_openrouter_endpoints (
			model_id TEXT NOT NULL,
			endpoints_count INTEGER NOT NULL DEFAULT 0,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (model_id)
		)`,
		`CREATE TABLE IF NOT EXISTS unified_models (
			unified_id TEXT PRIMARY KEY,
			developer_id TEXT NOT NULL,
			access_provider_id TEXT NOT NULL,
			hosting_provider_id TEXT NOT NULL,
			base_model_id TEXT NOT NULL,
			variant_name TEXT NOT NULL DEFAULT '',
			print_name_1 TEXT NOT NULL DEFAULT '',
			capabilities_json TEXT NOT NULL,
			cost_json TEXT NOT NULL,
			technical_json TEXT NOT NULL,
			latency_ms REAL,
			last_latency_check TEXT,
			latency_live_ms REAL,
			latency_live_at TEXT,
			raw_base_model_data TEXT NOT NULL,
			raw_endpoint_data TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(developer_id, access_provider_id, hosting_provider_id, base_model_id, variant_name)
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Conversations & messages

func (s *SQLiteStore) CreateConversation(ctx context.Context, c Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, board_id, created_at, archived) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Title, c.BoardID, c.CreatedAt.UTC().Format(time.RFC3339), boolToInt(c.Archived))
	return err
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	var createdAt string
	var archivedInt int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, board_id, created_at, archived FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Title, &c.BoardID, &createdAt, &archivedInt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	c.Archived = archivedInt != 0
	return &c, nil
}

func (s *SQLiteStore) SetConversationTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET title = ? WHERE id = ?`, title, id)
	return checkRowsAffected(res, err)
}

func (s *SQLiteStore) Archive(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET archived = 1 WHERE id = ?`, id)
	return checkRowsAffected(res, err)
}

func (s *SQLiteStore) DeletePermanent(ctx context.Context, id string) error {
	lock := s.convLock(id)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM messages WHERE conversation_id = ?`,
		`DELETE FROM session_state WHERE conversation_id = ?`,
		`DELETE FROM conversations WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Reset(ctx context.Context, id string) error {
	lock := s.convLock(id)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_state WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, m Message) error {
	lock := s.convLock(m.ConversationID)
	lock.Lock()
	defer lock.Unlock()
	return s.upsertMessage(ctx, m)
}

func (s *SQLiteStore) UpdateMessage(ctx context.Context, m Message) error {
	lock := s.convLock(m.ConversationID)
	lock.Lock()
	defer lock.Unlock()
	return s.upsertMessage(ctx, m)
}

func (s *SQLiteStore) upsertMessage(ctx context.Context, m Message) error {
	stage1, err := json.Marshal(m.Stage1)
	if err != nil {
		return fmt.Errorf("marshal stage1: %w", err)
	}
	metadata, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	loading, err := json.Marshal(m.Loading)
	if err != nil {
		return fmt.Errorf("marshal loading: %w", err)
	}
	var rating []byte
	if m.Rating != nil {
		rating, err = json.Marshal(m.Rating)
		if err != nil {
			return fmt.Errorf("marshal rating: %w", err)
		}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at, revision_index, finalized,
		 stage1_json, stage2_json, stage3, metadata_json, loading_json, rating_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   content=excluded.content,
		   finalized=excluded.finalized,
		   stage1_json=excluded.stage1_json,
		   stage2_json=excluded.stage2_json,
		   stage3=excluded.stage3,
		   metadata_json=excluded.metadata_json,
		   loading_json=excluded.loading_json,
		   rating_json=excluded.rating_json`,
		m.ID, m.ConversationID, string(m.Role), m.Content, m.CreatedAt.UTC().Format(time.RFC3339),
		m.RevisionIndex, boolToInt(m.Finalized), string(stage1), string(m.Stage2), m.Stage3,
		string(metadata), string(loading), nullableString(rating))
	return err
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at, revision_index, finalized,
		 stage1_json, stage2_json, stage3, metadata_json, loading_json, rating_json
		 FROM messages WHERE conversation_id = ? ORDER BY created_at`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	var role, createdAt string
	var finalizedInt int
	var stage1, metadata, loading sql.NullString
	var stage2 sql.NullString
	var rating sql.NullString
	if err := row.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &createdAt, &m.RevisionIndex, &finalizedInt,
		&stage1, &stage2, &m.Stage3, &metadata, &loading, &rating); err != nil {
		return Message{}, err
	}
	m.Role = MessageRole(role)
	m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	m.Finalized = finalizedInt != 0
	if stage1.Valid {
		_ = json.Unmarshal([]byte(stage1.String), &m.Stage1)
	}
	if stage2.Valid {
		m.Stage2 = json.RawMessage(stage2.String)
	}
	if metadata.Valid {
		_ = json.Unmarshal([]byte(metadata.String), &m.Metadata)
	}
	if loading.Valid {
		_ = json.Unmarshal([]byte(loading.String), &m.Loading)
	}
	if rating.Valid {
		var r Rating
		if err := json.Unmarshal([]byte(rating.String), &r); err == nil {
			m.Rating = &r
		}
	}
	return m, nil
}

func (s *SQLiteStore) CountAssistantMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND role = ?`,
		conversationID, string(RoleAssistant)).Scan(&n)
	return n, err
}

// Session state

func (s *SQLiteStore) SaveSession(ctx context.Context, conversationID string, st SessionState) error {
	lock := s.convLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	blueprint, err := json.Marshal(st.Blueprint)
	if err != nil {
		return fmt.Errorf("marshal blueprint: %w", err)
	}
	buffers, err := json.Marshal(st.StageBuffers)
	if err != nil {
		return fmt.Errorf("marshal stage buffers: %w", err)
	}
	var pending []byte
	if st.PendingHumanInput != nil {
		pending, err = json.Marshal(st.PendingHumanInput)
		if err != nil {
			return fmt.Errorf("marshal pending human input: %w", err)
		}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_state (conversation_id, blueprint_json, current_task_index, status, stage_buffers_json, pending_human_input_json)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET
		   blueprint_json=excluded.blueprint_json,
		   current_task_index=excluded.current_task_index,
		   status=excluded.status,
		   stage_buffers_json=excluded.stage_buffers_json,
		   pending_human_input_json=excluded.pending_human_input_json`,
		conversationID, string(blueprint), st.CurrentTaskIndex, string(st.Status), string(buffers), nullableString(pending))
	return err
}

func (s *SQLiteStore) GetSessionState(ctx context.Context, conversationID string) (*SessionState, error) {
	var st SessionState
	var blueprint, buffers string
	var status string
	var pending sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT blueprint_json, current_task_index, status, stage_buffers_json, pending_human_input_json
		 FROM session_state WHERE conversation_id = ?`, conversationID).
		Scan(&blueprint, &st.CurrentTaskIndex, &status, &buffers, &pending)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	st.Status = SessionStatus(status)
	if err := json.Unmarshal([]byte(blueprint), &st.Blueprint); err != nil {
		return nil, fmt.Errorf("unmarshal blueprint: %w", err)
	}
	if err := json.Unmarshal([]byte(buffers), &st.StageBuffers); err != nil {
		return nil, fmt.Errorf("unmarshal stage buffers: %w", err)
	}
	if pending.Valid {
		var p PendingHumanInput
		if err := json.Unmarshal([]byte(pending.String), &p); err == nil {
			st.PendingHumanInput = &p
		}
	}
	return &st, nil
}

// Boards & prompts

func (s *SQLiteStore) UpsertBoard(ctx context.Context, b Board) error {
	members, err := json.Marshal(b.CouncilMembers)
	if err != nil {
		return err
	}
	substitutes, err := json.Marshal(b.Substitutes)
	if err != nil {
		return err
	}
	personalities, err := json.Marshal(b.Personalities)
	if err != nil {
		return err
	}
	var lastUsed *string
	if b.LastUsedAt != nil {
		t := b.LastUsedAt.UTC().Format(time.RFC3339)
		lastUsed = &t
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO boards (id, name, description, council_members_json, chairman, substitutes_json,
		 personalities_json, consensus_strategy, response_timeout_s, usage_count, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name,
		   description=excluded.description,
		   council_members_json=excluded.council_members_json,
		   chairman=excluded.chairman,
		   substitutes_json=excluded.substitutes_json,
		   personalities_json=excluded.personalities_json,
		   consensus_strategy=excluded.consensus_strategy,
		   response_timeout_s=excluded.response_timeout_s`,
		b.ID, b.Name, b.Description, string(members), b.Chairman, string(substitutes),
		string(personalities), b.ConsensusStrategy, b.ResponseTimeoutS, b.UsageCount, lastUsed)
	return err
}

func (s *SQLiteStore) GetBoard(ctx context.Context, id string) (*Board, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, council_members_json, chairman, substitutes_json,
		 personalities_json, consensus_strategy, response_timeout_s, usage_count, last_used_at
		 FROM boards WHERE id = ?`, id)
	b, err := scanBoard(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *SQLiteStore) ListBoards(ctx context.Context) ([]Board, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, council_members_json, chairman, substitutes_json,
		 personalities_json, consensus_strategy, response_timeout_s, usage_count, last_used_at
		 FROM boards ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Board
	for rows.Next() {
		b, err := scanBoard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBoard(row rowScanner) (Board, error) {
	var b Board
	var members, substitutes, personalities sql.NullString
	var lastUsed sql.NullString
	if err := row.Scan(&b.ID, &b.Name, &b.Description, &members, &b.Chairman, &substitutes,
		&personalities, &b.ConsensusStrategy, &b.ResponseTimeoutS, &b.UsageCount, &lastUsed); err != nil {
		return Board{}, err
	}
	if members.Valid {
		_ = json.Unmarshal([]byte(members.String), &b.CouncilMembers)
	}
	if substitutes.Valid {
		_ = json.Unmarshal([]byte(substitutes.String), &b.Substitutes)
	}
	if personalities.Valid {
		_ = json.Unmarshal([]byte(personalities.String), &b.Personalities)
	}
	if lastUsed.Valid {
		t, _ := time.Parse(time.RFC3339, lastUsed.String)
		b.LastUsedAt = &t
	}
	return b, nil
}

func (s *SQLiteStore) RecordBoardUsage(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE boards SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339), id)
	return checkRowsAffected(res, err)
}

func (s *SQLiteStore) UpsertPrompt(ctx context.Context, p Prompt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prompts (id, name, content) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, content=excluded.content`,
		p.ID, p.Name, p.Content)
	return err
}

func (s *SQLiteStore) GetPrompt(ctx context.Context, id string) (*Prompt, error) {
	var p Prompt
	err := s.db.QueryRowContext(ctx, `SELECT id, name, content FROM prompts WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Content)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Fail-lists

func (s *SQLiteStore) CreateFailList(ctx context.Context, fl FailList) error {
	ids, err := json.Marshal(fl.FailedModelIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO fail_lists (id, name, failed_model_ids_json, active, created_at) VALUES (?, ?, ?, ?, ?)`,
		fl.ID, fl.Name, string(ids), boolToInt(fl.Active), fl.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

// ActivateFailList atomically deactivates the previously active list (if
// any) and activates the given one, per spec.md §4.8 ("at most one active").
func (s *SQLiteStore) ActivateFailList(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE fail_lists SET active = 0 WHERE active = 1`); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE fail_lists SET active = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetActiveFailList(ctx context.Context) (*FailList, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, failed_model_ids_json, active, created_at FROM fail_lists WHERE active = 1`)
	fl, err := scanFailList(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &fl, nil
}

func (s *SQLiteStore) ListFailLists(ctx context.Context) ([]FailList, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, failed_model_ids_json, active, created_at FROM fail_lists ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []FailList
	for rows.Next() {
		fl, err := scanFailList(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fl)
	}
	return out, rows.Err()
}

func scanFailList(row rowScanner) (FailList, error) {
	var fl FailList
	var ids string
	var activeInt int
	var createdAt string
	if err := row.Scan(&fl.ID, &fl.Name, &ids, &activeInt, &createdAt); err != nil {
		return FailList{}, err
	}
	_ = json.Unmarshal([]byte(ids), &fl.FailedModelIDs)
	fl.Active = activeInt != 0
	fl.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return fl, nil
}

// Audit

func (s *SQLiteStore) LogAuditEvent(ctx context.Context, e AuditEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (session_id, timestamp, step, model_id, task_id, log_message, raw_data_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Timestamp.UTC().Format(time.RFC3339), e.Step, e.ModelID, e.TaskID, e.LogMessage, nullableString(e.RawData))
	return err
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, sessionID string) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, timestamp, step, model_id, task_id, log_message, raw_data_json
		 FROM audit_events WHERE session_id = ? ORDER BY timestamp`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var ts string
		var modelID, taskID, raw sql.NullString
		if err := rows.Scan(&e.SessionID, &ts, &e.Step, &modelID, &taskID, &e.LogMessage, &raw); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339, ts)
		e.ModelID = modelID.String
		e.TaskID = taskID.String
		if raw.Valid {
			e.RawData = json.RawMessage(raw.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Unified Model Registry persistence

func (s *SQLiteStore) SaveRawBaseModels(ctx context.Context, models []registry.RawBaseModel) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM raw_openrouter_models`); err != nil {
		return err
	}
	for _, m := range models {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO raw_openrouter_models (id, name, raw_json) VALUES (?, ?, ?)`,
			m.ID, m.HumanName, string(m.RawPayload)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) SaveRawEndpoints(ctx context.Context, baseModelID string, endpoints []registry.RawEndpoint) error {
	raw, err := json.Marshal(endpoints)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO raw_openrouter_endpoints (model_id, endpoints_count, raw_json) VALUES (?, ?, ?)
		 ON CONFLICT(model_id) DO UPDATE SET endpoints_count=excluded.endpoints_count, raw_json=excluded.raw_json`,
		baseModelID, len(endpoints), string(raw))
	return err
}

func (s *SQLiteStore) LoadRawBaseModels(ctx context.Context) ([]registry.RawBaseModel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT raw_json FROM raw_openrouter_models`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []registry.RawBaseModel
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var m registry.RawBaseModel
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("unmarshal raw base model: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LoadRawEndpoints(ctx context.Context) (map[string][]registry.RawEndpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT model_id, raw_json FROM raw_openrouter_endpoints`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]registry.RawEndpoint)
	for rows.Next() {
		var modelID, raw string
		if err := rows.Scan(&modelID, &raw); err != nil {
			return nil, err
		}
		var eps []registry.RawEndpoint
		if err := json.Unmarshal([]byte(raw), &eps); err != nil {
			return nil, fmt.Errorf("unmarshal raw endpoints for %s: %w", modelID, err)
		}
		out[modelID] = eps
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveUnifiedModels(ctx context.Context, models []registry.UnifiedModel) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM unified_models`); err != nil {
		return err
	}
	for _, m := range models {
		caps, err := json.Marshal(m.Capabilities)
		if err != nil {
			return err
		}
		cost, err := json.Marshal(m.Cost)
		if err != nil {
			return err
		}
		technical, err := json.Marshal(m.Technical)
		if err != nil {
			return err
		}
		rawBase, err := json.Marshal(m.RawBaseModelSnapshot)
		if err != nil {
			return err
		}
		rawEndpoint, err := json.Marshal(m.RawEndpointSnapshot)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO unified_models (unified_id, developer_id, access_provider_id, hosting_provider_id,
			 base_model_id, variant_name, print_name_1, capabilities_json, cost_json, technical_json,
			 latency_ms, latency_live_ms, latency_live_at, raw_base_model_data, raw_endpoint_data,
			 created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.UnifiedID, m.DeveloperID, m.AccessProviderID, m.HostingProviderID,
			m.BaseModelID, m.VariantName, m.PrintNamePart1, string(caps), string(cost), string(technical),
			nullableFloat(m.LatencyMS), nullableFloat(m.LatencyLiveMS), nullableInt64(m.LatencyLiveAt),
			string(rawBase), string(rawEndpoint), m.CreatedAt, m.UpdatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadUnifiedModels(ctx context.Context) ([]registry.UnifiedModel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT unified_id, developer_id, access_provider_id, hosting_provider_id, base_model_id,
		 variant_name, print_name_1, capabilities_json, cost_json, technical_json,
		 latency_ms, latency_live_ms, latency_live_at, raw_base_model_data, raw_endpoint_data,
		 created_at, updated_at FROM unified_models`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []registry.UnifiedModel
	for rows.Next() {
		var m registry.UnifiedModel
		var caps, cost, technical, rawBase, rawEndpoint string
		var latencyMS, latencyLiveMS sql.NullFloat64
		var latencyLiveAt sql.NullInt64
		if err := rows.Scan(&m.UnifiedID, &m.DeveloperID, &m.AccessProviderID, &m.HostingProviderID,
			&m.BaseModelID, &m.VariantName, &m.PrintNamePart1, &caps, &cost, &technical,
			&latencyMS, &latencyLiveMS, &latencyLiveAt, &rawBase, &rawEndpoint,
			&m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(caps), &m.Capabilities); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(cost), &m.Cost); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(technical), &m.Technical); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(rawBase), &m.RawBaseModelSnapshot)
		_ = json.Unmarshal([]byte(rawEndpoint), &m.RawEndpointSnapshot)
		if latencyMS.Valid {
			v := latencyMS.Float64
			m.LatencyMS = &v
		}
		if latencyLiveMS.Valid {
			v := latencyLiveMS.Float64
			m.LatencyLiveMS = &v
		}
		if latencyLiveAt.Valid {
			v := latencyLiveAt.Int64
			m.LatencyLiveAt = &v
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullableInt64(i *int64) any {
	if i == nil {
		return nil
	}
	return *i
}

func checkRowsAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
