// Package store defines the persistence contracts of the platform: stored
// agent definitions, MCP server instances, and conversations with their
// messages, plus the secret-reference resolution configurations use instead
// of embedded credentials.
//
// The contracts are storage-agnostic. Durable implementations live under
// features/store (Mongo for production, a file repository for the CLI);
// runtime/store/inmem backs tests and local runs.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ensembleworks/ensemble/runtime/agent"
	"github.com/ensembleworks/ensemble/runtime/model"
)

type (
	// AgentRecord is one stored agent definition together with ownership and
	// lifecycle metadata. The configuration inside is the immutable snapshot
	// each invocation reads.
	AgentRecord struct {
		// ID mirrors the configuration ID.
		ID string `json:"id" yaml:"id"`
		// UserID owns the record. Empty marks a shared definition.
		UserID string `json:"user_id,omitempty" yaml:"user_id,omitempty"`
		// Kind duplicates Config.Kind so listings never parse the full
		// configuration.
		Kind agent.Kind `json:"agent_type" yaml:"agent_type"`
		// IsActive gates the agent without deleting it. Inactive agents are
		// not runnable.
		IsActive bool `json:"is_active" yaml:"is_active"`
		// Config is the full declarative definition.
		Config agent.Config `json:"config" yaml:"config"`
		// CreatedAt and UpdatedAt are stamped by Save.
		CreatedAt time.Time `json:"created_at" yaml:"created_at"`
		UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
	}

	// MCPServerRecord is one persisted MCP server instance. Credentials are
	// never stored: SecretRef and OAuthTokenRef name entries in the secret
	// store, and Headers holds templates resolved at connect time.
	MCPServerRecord struct {
		ID   string `json:"id"`
		// UserID owns the record.
		UserID string `json:"user_id,omitempty"`
		// Name is the user-visible label.
		Name string `json:"name"`
		// Template names the server template this instance was created
		// from, when any. `mcp:<template>:<tool>` bindings resolve against
		// it.
		Template string `json:"template,omitempty"`
		// URL is the streamable-HTTP endpoint.
		URL string `json:"url"`
		// Status is the last known connection status.
		Status ServerStatus `json:"status"`
		// SecretRef names the credential in the secret store.
		SecretRef string `json:"secret_ref,omitempty"`
		// OAuthTokenRef names the OAuth token in the secret store.
		OAuthTokenRef string `json:"oauth_token_ref,omitempty"`
		// Headers maps header names to value templates. Values may embed
		// SecretPlaceholder or OAuthPlaceholder; ResolveHeaders expands them.
		Headers map[string]string `json:"headers_config,omitempty"`
		// CreatedAt is stamped by Save; LastUsedAt by Touch.
		CreatedAt  time.Time `json:"created_at"`
		LastUsedAt time.Time `json:"last_used_at"`
		// ErrorMessage holds the last connection error, empty when healthy.
		ErrorMessage string `json:"error_message,omitempty"`
	}

	// ConversationRecord is the denormalized header of one conversation.
	// MessageCount, LastMessagePreview, LastMessageAt and UpdatedAt are
	// maintained by AppendMessage.
	ConversationRecord struct {
		ID      string `json:"id"`
		UserID  string `json:"user_id"`
		AgentID string `json:"agent_id"`
		// Title is the display title. IsAutoTitle marks it as derived from
		// the first user message rather than set by the user.
		Title       string `json:"title"`
		IsAutoTitle bool   `json:"is_auto_title"`
		// IsArchived hides the conversation from List without deleting it.
		IsArchived         bool      `json:"is_archived"`
		MessageCount       int       `json:"message_count"`
		LastMessagePreview string    `json:"last_message_preview,omitempty"`
		LastMessageAt      time.Time `json:"last_message_at"`
		CreatedAt          time.Time `json:"created_at"`
		UpdatedAt          time.Time `json:"updated_at"`
	}

	// MessageRecord is one stored conversation message. WorkflowID and
	// ExecutionID link assistant messages back to the run that produced
	// them.
	MessageRecord struct {
		ID             string         `json:"id"`
		ConversationID string         `json:"conversation_id"`
		Role           model.Role     `json:"role"`
		Content        string         `json:"content"`
		WorkflowID     string         `json:"workflow_id,omitempty"`
		ExecutionID    string         `json:"execution_id,omitempty"`
		Metadata       map[string]any `json:"metadata,omitempty"`
		CreatedAt      time.Time      `json:"created_at"`
	}

	// Conversation pairs a conversation record with its loaded messages in
	// chronological order.
	Conversation struct {
		ConversationRecord
		Messages []MessageRecord `json:"messages,omitempty"`
	}

	// ServerStatus is the persisted connection status of an MCP server.
	ServerStatus string

	// AgentRepository persists agent definitions.
	AgentRepository interface {
		// Save inserts or replaces the record keyed by ID. It stamps
		// rec.UpdatedAt, and rec.CreatedAt on first insert.
		Save(ctx context.Context, rec *AgentRecord) error
		// Get loads one record. Returns ErrNotFound when missing.
		Get(ctx context.Context, id string) (*AgentRecord, error)
		// List returns records owned by userID ordered by ID. An empty
		// userID lists every record.
		List(ctx context.Context, userID string) ([]*AgentRecord, error)
		// Delete removes the record. Returns ErrNotFound when missing.
		Delete(ctx context.Context, id string) error
	}

	// MCPServerRepository persists MCP server instances.
	MCPServerRepository interface {
		// Save inserts or replaces the record keyed by ID. It stamps
		// rec.CreatedAt on first insert.
		Save(ctx context.Context, rec *MCPServerRecord) error
		// Get loads one record. Returns ErrNotFound when missing.
		Get(ctx context.Context, id string) (*MCPServerRecord, error)
		// List returns records owned by userID in creation order. An empty
		// userID lists every record; the reconnect sweep walks that list.
		List(ctx context.Context, userID string) ([]*MCPServerRecord, error)
		// UpdateStatus records the latest connection outcome. Returns
		// ErrNotFound when missing.
		UpdateStatus(ctx context.Context, id string, status ServerStatus, errorMessage string) error
		// Touch stamps LastUsedAt. Returns ErrNotFound when missing.
		Touch(ctx context.Context, id string) error
		// Delete removes the record. Returns ErrNotFound when missing.
		Delete(ctx context.Context, id string) error
	}

	// ConversationRepository persists conversations and their messages.
	ConversationRepository interface {
		// Create inserts a new conversation. The caller assigns the ID. An
		// empty Title is defaulted to DefaultTitle with IsAutoTitle set so a
		// later first user message can retitle it.
		Create(ctx context.Context, rec *ConversationRecord) error
		// Get loads a conversation with its most recent messageLimit
		// messages in chronological order. messageLimit <= 0 loads every
		// message. Returns ErrNotFound when missing.
		Get(ctx context.Context, id string, messageLimit int) (*Conversation, error)
		// List returns the user's conversations ordered by UpdatedAt
		// descending, skipping archived ones. offset and limit page the
		// result; limit <= 0 means no cap.
		List(ctx context.Context, userID string, offset, limit int) ([]*ConversationRecord, error)
		// AppendMessage stores msg and updates the parent conversation's
		// denormalized fields (message count, last message preview and
		// time, UpdatedAt). Returns ErrNotFound when the conversation does
		// not exist.
		AppendMessage(ctx context.Context, msg *MessageRecord) error
		// UpdateTitle sets the title and whether it was auto-derived.
		// Returns ErrNotFound when missing.
		UpdateTitle(ctx context.Context, id, title string, auto bool) error
		// Archive hides the conversation from List. It stays loadable by
		// Get. Returns ErrNotFound when missing.
		Archive(ctx context.Context, id string) error
		// Delete removes the conversation and all of its messages. Returns
		// ErrNotFound when missing.
		Delete(ctx context.Context, id string) error
	}

	// SecretStore resolves credential references. Records carry only
	// references; the values live outside the stores.
	SecretStore interface {
		// Get returns the secret value for ref. Returns ErrSecretNotFound
		// when the reference does not resolve.
		Get(ctx context.Context, ref string) (string, error)
	}
)

const (
	// ServerActive marks a server whose last connection attempt succeeded.
	ServerActive ServerStatus = "active"
	// ServerDisconnected marks a server that was never connected or was
	// removed cleanly.
	ServerDisconnected ServerStatus = "disconnected"
	// ServerError marks a server whose last connection attempt failed;
	// ErrorMessage carries the cause.
	ServerError ServerStatus = "error"
)

const (
	// SecretPlaceholder marks where the resolved SecretRef value is
	// inserted into a header template.
	SecretPlaceholder = "${secret}"
	// OAuthPlaceholder marks where the resolved OAuthTokenRef value is
	// inserted into a header template.
	OAuthPlaceholder = "${oauth_token}"
)

const (
	// DefaultTitle names conversations before a first user message arrives.
	DefaultTitle = "New Conversation"
	// TitleMax bounds auto-derived titles, counted in runes.
	TitleMax = 50
	// PreviewMax bounds the denormalized last-message preview, in runes.
	PreviewMax = 100

	// Auto-derived titles prefer a word boundary after this position.
	titleBreakAfter = 30
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrSecretNotFound indicates a secret reference does not resolve.
	ErrSecretNotFound = errors.New("secret not found")
)

// NewAgentRecord wraps a validated configuration in a storable record. The
// record ID mirrors the configuration ID and the record starts active.
func NewAgentRecord(userID string, cfg agent.Config) *AgentRecord {
	return &AgentRecord{
		ID:       cfg.ID,
		UserID:   userID,
		Kind:     cfg.Kind,
		IsActive: true,
		Config:   cfg,
	}
}

// ResolveHeaders expands credential placeholders in the record's header
// templates. Values without placeholders pass through unchanged. A
// placeholder whose reference is unset on the record is an error, as is a
// reference the secret store cannot resolve.
func (r *MCPServerRecord) ResolveHeaders(ctx context.Context, secrets SecretStore) (map[string]string, error) {
	if len(r.Headers) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(r.Headers))
	for name, tmpl := range r.Headers {
		v := tmpl
		if strings.Contains(v, SecretPlaceholder) {
			secret, err := r.resolveRef(ctx, secrets, r.SecretRef, "secret_ref", name)
			if err != nil {
				return nil, err
			}
			v = strings.ReplaceAll(v, SecretPlaceholder, secret)
		}
		if strings.Contains(v, OAuthPlaceholder) {
			token, err := r.resolveRef(ctx, secrets, r.OAuthTokenRef, "oauth_token_ref", name)
			if err != nil {
				return nil, err
			}
			v = strings.ReplaceAll(v, OAuthPlaceholder, token)
		}
		out[name] = v
	}
	return out, nil
}

func (r *MCPServerRecord) resolveRef(ctx context.Context, secrets SecretStore, ref, field, header string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("mcp server %s: header %s needs %s but none is set", r.ID, header, field)
	}
	if secrets == nil {
		return "", fmt.Errorf("mcp server %s: no secret store to resolve %s", r.ID, field)
	}
	v, err := secrets.Get(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("mcp server %s: resolve %s %q: %w", r.ID, field, ref, err)
	}
	return v, nil
}

// DeriveTitle derives a conversation title from the first user message.
// Whitespace is collapsed, then the text is used verbatim when it fits
// TitleMax runes; longer text is cut at TitleMax, preferring the last word
// boundary past position 30, with a trailing ellipsis. Blank input yields
// DefaultTitle.
func DeriveTitle(firstUserMessage string) string {
	s := strings.Join(strings.Fields(firstUserMessage), " ")
	if s == "" {
		return DefaultTitle
	}
	runes := []rune(s)
	if len(runes) <= TitleMax {
		return s
	}
	cut := runes[:TitleMax]
	if i := lastSpace(cut); i > titleBreakAfter {
		cut = cut[:i]
	}
	return string(cut) + "..."
}

// Preview clamps text to max runes for denormalized display fields,
// collapsing whitespace and appending an ellipsis when truncated.
func Preview(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

func lastSpace(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == ' ' {
			return i
		}
	}
	return -1
}
