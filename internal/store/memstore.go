package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"council/internal/registry"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory Store implementation. It backs unit tests and
// doubles as a reference implementation for embedders running without a
// database (see SPEC_FULL.md §4.5).
type MemStore struct {
	mu sync.Mutex

	conversations map[string]Conversation
	messages      map[string][]Message // conversation_id -> messages, append-ordered
	sessions      map[string]SessionState
	boards        map[string]Board
	prompts       map[string]Prompt
	failLists     map[string]FailList
	auditEvents   map[string][]AuditEvent

	rawBaseModels []registry.RawBaseModel
	rawEndpoints  map[string][]registry.RawEndpoint
	unifiedModels map[string]registry.UnifiedModel
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		conversations: make(map[string]Conversation),
		messages:      make(map[string][]Message),
		sessions:      make(map[string]SessionState),
		boards:        make(map[string]Board),
		prompts:       make(map[string]Prompt),
		failLists:     make(map[string]FailList),
		auditEvents:   make(map[string][]AuditEvent),
		rawEndpoints:  make(map[string][]registry.RawEndpoint),
		unifiedModels: make(map[string]registry.UnifiedModel),
	}
}

func (m *MemStore) Migrate(context.Context) error { return nil }
func (m *MemStore) Close() error                  { return nil }

func (m *MemStore) CreateConversation(_ context.Context, c Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[c.ID] = c
	return nil
}

func (m *MemStore) GetConversation(_ context.Context, id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *MemStore) SetConversationTitle(_ context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.Title = title
	m.conversations[id] = c
	return nil
}

func (m *MemStore) Archive(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.Archived = true
	m.conversations[id] = c
	return nil
}

func (m *MemStore) DeletePermanent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conversations, id)
	delete(m.messages, id)
	delete(m.sessions, id)
	return nil
}

func (m *MemStore) Reset(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, id)
	delete(m.sessions, id)
	return nil
}

func (m *MemStore) AppendMessage(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.messages[msg.ConversationID]
	for i, existing := range list {
		if existing.ID == msg.ID {
			list[i] = msg
			m.messages[msg.ConversationID] = list
			return nil
		}
	}
	m.messages[msg.ConversationID] = append(list, msg)
	return nil
}

func (m *MemStore) UpdateMessage(ctx context.Context, msg Message) error {
	return m.AppendMessage(ctx, msg)
}

func (m *MemStore) ListMessages(_ context.Context, conversationID string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages[conversationID]))
	copy(out, m.messages[conversationID])
	return out, nil
}

func (m *MemStore) CountAssistantMessages(_ context.Context, conversationID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.messages[conversationID] {
		if msg.Role == RoleAssistant {
			n++
		}
	}
	return n, nil
}

func (m *MemStore) SaveSession(_ context.Context, conversationID string, st SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[conversationID] = st
	return nil
}

func (m *MemStore) GetSessionState(_ context.Context, conversationID string) (*SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	return &st, nil
}

func (m *MemStore) UpsertBoard(_ context.Context, b Board) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boards[b.ID] = b
	return nil
}

func (m *MemStore) GetBoard(_ context.Context, id string) (*Board, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.boards[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (m *MemStore) ListBoards(_ context.Context) ([]Board, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Board, 0, len(m.boards))
	for _, b := range m.boards {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemStore) RecordBoardUsage(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.boards[id]
	if !ok {
		return ErrNotFound
	}
	b.UsageCount++
	t := at
	b.LastUsedAt = &t
	m.boards[id] = b
	return nil
}

func (m *MemStore) UpsertPrompt(_ context.Context, p Prompt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts[p.ID] = p
	return nil
}

func (m *MemStore) GetPrompt(_ context.Context, id string) (*Prompt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prompts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *MemStore) CreateFailList(_ context.Context, fl FailList) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failLists[fl.ID] = fl
	return nil
}

func (m *MemStore) ActivateFailList(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.failLists[id]; !ok {
		return ErrNotFound
	}
	for k, fl := range m.failLists {
		fl.Active = k == id
		m.failLists[k] = fl
	}
	return nil
}

func (m *MemStore) GetActiveFailList(_ context.Context) (*FailList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, fl := range m.failLists {
		if fl.Active {
			out := fl
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStore) ListFailLists(_ context.Context) ([]FailList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]FailList, 0, len(m.failLists))
	for _, fl := range m.failLists {
		out = append(out, fl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) LogAuditEvent(_ context.Context, e AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditEvents[e.SessionID] = append(m.auditEvents[e.SessionID], e)
	return nil
}

func (m *MemStore) ListAuditEvents(_ context.Context, sessionID string) ([]AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditEvent, len(m.auditEvents[sessionID]))
	copy(out, m.auditEvents[sessionID])
	return out, nil
}

func (m *MemStore) SaveRawBaseModels(_ context.Context, models []registry.RawBaseModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rawBaseModels = models
	return nil
}

func (m *MemStore) SaveRawEndpoints(_ context.Context, baseModelID string, endpoints []registry.RawEndpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rawEndpoints[baseModelID] = endpoints
	return nil
}

func (m *MemStore) LoadRawBaseModels(_ context.Context) ([]registry.RawBaseModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]registry.RawBaseModel, len(m.rawBaseModels))
	copy(out, m.rawBaseModels)
	return out, nil
}

func (m *MemStore) LoadRawEndpoints(_ context.Context) (map[string][]registry.RawEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]registry.RawEndpoint, len(m.rawEndpoints))
	for k, v := range m.rawEndpoints {
		out[k] = v
	}
	return out, nil
}

func (m *MemStore) SaveUnifiedModels(_ context.Context, models []registry.UnifiedModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unifiedModels = make(map[string]registry.UnifiedModel, len(models))
	for _, um := range models {
		m.unifiedModels[um.UnifiedID] = um
	}
	return nil
}

func (m *MemStore) LoadUnifiedModels(_ context.Context) ([]registry.UnifiedModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]registry.UnifiedModel, 0, len(m.unifiedModels))
	for _, um := range m.unifiedModels {
		out = append(out, um)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnifiedID < out[j].UnifiedID })
	return out, nil
}
