// Package inmem provides in-memory implementations of the store contracts.
//
// It is intended for tests and local development. Production deployments
// should use the durable implementations under features/store.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/ensembleworks/ensemble/runtime/store"
)

type (
	// AgentStore is an in-memory store.AgentRepository. It is safe for
	// concurrent use.
	AgentStore struct {
		mu      sync.RWMutex
		records map[string]store.AgentRecord
	}

	// ServerStore is an in-memory store.MCPServerRepository. It is safe for
	// concurrent use.
	ServerStore struct {
		mu      sync.RWMutex
		records map[string]store.MCPServerRecord
	}

	// ConversationStore is an in-memory store.ConversationRepository. It is
	// safe for concurrent use.
	ConversationStore struct {
		mu       sync.RWMutex
		records  map[string]store.ConversationRecord
		messages map[string][]store.MessageRecord
	}

	// StaticSecrets is a fixed secret store for tests and local runs.
	StaticSecrets map[string]string
)

var (
	_ store.AgentRepository        = (*AgentStore)(nil)
	_ store.MCPServerRepository    = (*ServerStore)(nil)
	_ store.ConversationRepository = (*ConversationStore)(nil)
	_ store.SecretStore            = (StaticSecrets)(nil)
)

// NewAgentStore returns an empty agent repository.
func NewAgentStore() *AgentStore {
	return &AgentStore{records: make(map[string]store.AgentRecord)}
}

// Save implements store.AgentRepository.
func (s *AgentStore) Save(_ context.Context, rec *store.AgentRecord) error {
	if rec == nil || rec.ID == "" {
		return errors.New("agent record id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.records[rec.ID]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	stored := *rec
	stored.Config = rec.Config.Clone()
	s.records[rec.ID] = stored
	return nil
}

// Get implements store.AgentRepository.
func (s *AgentStore) Get(_ context.Context, id string) (*store.AgentRecord, error) {
	if id == "" {
		return nil, errors.New("agent id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, store.ErrNotFound)
	}
	out := rec
	out.Config = rec.Config.Clone()
	return &out, nil
}

// List implements store.AgentRepository.
func (s *AgentStore) List(_ context.Context, userID string) ([]*store.AgentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*store.AgentRecord, 0, len(s.records))
	for _, rec := range s.records {
		if userID != "" && rec.UserID != userID {
			continue
		}
		cp := rec
		cp.Config = rec.Config.Clone()
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete implements store.AgentRepository.
func (s *AgentStore) Delete(_ context.Context, id string) error {
	if id == "" {
		return errors.New("agent id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("agent %s: %w", id, store.ErrNotFound)
	}
	delete(s.records, id)
	return nil
}

// NewServerStore returns an empty MCP server repository.
func NewServerStore() *ServerStore {
	return &ServerStore{records: make(map[string]store.MCPServerRecord)}
}

// Save implements store.MCPServerRepository.
func (s *ServerStore) Save(_ context.Context, rec *store.MCPServerRecord) error {
	if rec == nil || rec.ID == "" {
		return errors.New("mcp server record id is required")
	}
	if rec.URL == "" {
		return errors.New("mcp server url is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[rec.ID]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = store.ServerDisconnected
	}
	stored := *rec
	stored.Headers = maps.Clone(rec.Headers)
	s.records[rec.ID] = stored
	return nil
}

// Get implements store.MCPServerRepository.
func (s *ServerStore) Get(_ context.Context, id string) (*store.MCPServerRecord, error) {
	if id == "" {
		return nil, errors.New("mcp server id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("mcp server %s: %w", id, store.ErrNotFound)
	}
	out := rec
	out.Headers = maps.Clone(rec.Headers)
	return &out, nil
}

// List implements store.MCPServerRepository.
func (s *ServerStore) List(_ context.Context, userID string) ([]*store.MCPServerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*store.MCPServerRecord, 0, len(s.records))
	for _, rec := range s.records {
		if userID != "" && rec.UserID != userID {
			continue
		}
		cp := rec
		cp.Headers = maps.Clone(rec.Headers)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpdateStatus implements store.MCPServerRepository.
func (s *ServerStore) UpdateStatus(_ context.Context, id string, status store.ServerStatus, errorMessage string) error {
	if id == "" {
		return errors.New("mcp server id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("mcp server %s: %w", id, store.ErrNotFound)
	}
	rec.Status = status
	rec.ErrorMessage = errorMessage
	s.records[id] = rec
	return nil
}

// Touch implements store.MCPServerRepository.
func (s *ServerStore) Touch(_ context.Context, id string) error {
	if id == "" {
		return errors.New("mcp server id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("mcp server %s: %w", id, store.ErrNotFound)
	}
	rec.LastUsedAt = time.Now().UTC()
	s.records[id] = rec
	return nil
}

// Delete implements store.MCPServerRepository.
func (s *ServerStore) Delete(_ context.Context, id string) error {
	if id == "" {
		return errors.New("mcp server id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("mcp server %s: %w", id, store.ErrNotFound)
	}
	delete(s.records, id)
	return nil
}

// NewConversationStore returns an empty conversation repository.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{
		records:  make(map[string]store.ConversationRecord),
		messages: make(map[string][]store.MessageRecord),
	}
}

// Create implements store.ConversationRepository.
func (s *ConversationStore) Create(_ context.Context, rec *store.ConversationRecord) error {
	if rec == nil || rec.ID == "" {
		return errors.New("conversation id is required")
	}
	if rec.UserID == "" {
		return errors.New("conversation user id is required")
	}
	if rec.AgentID == "" {
		return errors.New("conversation agent id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("conversation %s already exists", rec.ID)
	}
	now := time.Now().UTC()
	if rec.Title == "" {
		rec.Title = store.DefaultTitle
		rec.IsAutoTitle = true
	}
	rec.MessageCount = 0
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.records[rec.ID] = *rec
	return nil
}

// Get implements store.ConversationRepository.
func (s *ConversationStore) Get(_ context.Context, id string, messageLimit int) (*store.Conversation, error) {
	if id == "" {
		return nil, errors.New("conversation id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	msgs := s.messages[id]
	if messageLimit > 0 && len(msgs) > messageLimit {
		msgs = msgs[len(msgs)-messageLimit:]
	}
	out := &store.Conversation{ConversationRecord: rec}
	out.Messages = make([]store.MessageRecord, len(msgs))
	for i, m := range msgs {
		m.Metadata = maps.Clone(m.Metadata)
		out.Messages[i] = m
	}
	return out, nil
}

// List implements store.ConversationRepository.
func (s *ConversationStore) List(_ context.Context, userID string, offset, limit int) ([]*store.ConversationRecord, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*store.ConversationRecord, 0)
	for _, rec := range s.records {
		if rec.UserID != userID || rec.IsArchived {
			continue
		}
		cp := rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if offset < 0 {
		offset = 0
	}
	if offset >= len(out) {
		return []*store.ConversationRecord{}, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendMessage implements store.ConversationRepository.
func (s *ConversationStore) AppendMessage(_ context.Context, msg *store.MessageRecord) error {
	if msg == nil || msg.ID == "" {
		return errors.New("message id is required")
	}
	if msg.ConversationID == "" {
		return errors.New("message conversation id is required")
	}
	if msg.Role == "" {
		return errors.New("message role is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[msg.ConversationID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", msg.ConversationID, store.ErrNotFound)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	stored := *msg
	stored.Metadata = maps.Clone(msg.Metadata)
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], stored)
	rec.MessageCount++
	rec.LastMessagePreview = store.Preview(msg.Content, store.PreviewMax)
	rec.LastMessageAt = stored.CreatedAt
	rec.UpdatedAt = time.Now().UTC()
	s.records[msg.ConversationID] = rec
	return nil
}

// UpdateTitle implements store.ConversationRepository.
func (s *ConversationStore) UpdateTitle(_ context.Context, id, title string, auto bool) error {
	if id == "" {
		return errors.New("conversation id is required")
	}
	if title == "" {
		return errors.New("title is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	rec.Title = title
	rec.IsAutoTitle = auto
	rec.UpdatedAt = time.Now().UTC()
	s.records[id] = rec
	return nil
}

// Archive implements store.ConversationRepository.
func (s *ConversationStore) Archive(_ context.Context, id string) error {
	if id == "" {
		return errors.New("conversation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	rec.IsArchived = true
	rec.UpdatedAt = time.Now().UTC()
	s.records[id] = rec
	return nil
}

// Delete implements store.ConversationRepository.
func (s *ConversationStore) Delete(_ context.Context, id string) error {
	if id == "" {
		return errors.New("conversation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	delete(s.records, id)
	delete(s.messages, id)
	return nil
}

// Get implements store.SecretStore.
func (s StaticSecrets) Get(_ context.Context, ref string) (string, error) {
	v, ok := s[ref]
	if !ok {
		return "", fmt.Errorf("%w: %s", store.ErrSecretNotFound, ref)
	}
	return v, nil
}
