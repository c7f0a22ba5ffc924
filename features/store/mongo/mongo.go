// Package mongo provides MongoDB implementations of the persistence
// contracts: agent definitions, MCP server instances, and conversations with
// their messages. It is the production store; tests and local runs use the
// in-memory implementations instead.
//
// Documents mirror the records closely. Agent configurations and message
// metadata are stored as raw JSON so the document layout stays stable as the
// configuration schema evolves.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

const (
	agentsCollection        = "agents"
	serversCollection       = "mcp_servers"
	conversationsCollection = "conversations"
	messagesCollection      = "messages"
)

// Store bundles the MongoDB-backed repositories sharing one database.
type Store struct {
	agents        *AgentRepository
	servers       *ServerRepository
	conversations *ConversationRepository
}

// New constructs a Store over the given database. Call EnsureIndexes once at
// startup before serving traffic.
func New(db *mongo.Database) (*Store, error) {
	if db == nil {
		return nil, errors.New("mongo database is required")
	}
	return &Store{
		agents:  &AgentRepository{col: db.Collection(agentsCollection)},
		servers: &ServerRepository{col: db.Collection(serversCollection)},
		conversations: &ConversationRepository{
			col:  db.Collection(conversationsCollection),
			msgs: db.Collection(messagesCollection),
		},
	}, nil
}

// Agents returns the agent definition repository.
func (s *Store) Agents() *AgentRepository { return s.agents }

// Servers returns the MCP server repository.
func (s *Store) Servers() *ServerRepository { return s.servers }

// Conversations returns the conversation repository.
func (s *Store) Conversations() *ConversationRepository { return s.conversations }

// EnsureIndexes creates the indexes the list queries depend on. It is
// idempotent.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	if _, err := s.agents.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}},
	}); err != nil {
		return err
	}
	if _, err := s.servers.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: 1}},
	}); err != nil {
		return err
	}
	if _, err := s.conversations.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "updated_at", Value: -1}},
	}); err != nil {
		return err
	}
	_, err := s.conversations.msgs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}},
	})
	return err
}

// now returns the current UTC time truncated to milliseconds, matching the
// precision of BSON datetimes so round-tripped records compare equal.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
