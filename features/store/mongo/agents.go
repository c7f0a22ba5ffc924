package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/ensembleworks/ensemble/runtime/agent"
	"github.com/ensembleworks/ensemble/runtime/store"
)

// AgentRepository is a MongoDB store.AgentRepository.
type AgentRepository struct {
	col *mongo.Collection
}

var _ store.AgentRepository = (*AgentRepository)(nil)

// agentDocument is the stored form of an agent record. The configuration is
// kept as raw JSON under config_json.
type agentDocument struct {
	ID         string        `bson:"_id"`
	UserID     string        `bson:"user_id,omitempty"`
	Kind       agent.Kind    `bson:"agent_type"`
	IsActive   bool          `bson:"is_active"`
	ConfigJSON []byte        `bson:"config_json"`
	CreatedAt  bson.DateTime `bson:"created_at"`
	UpdatedAt  bson.DateTime `bson:"updated_at"`
}

// Save implements store.AgentRepository. The upsert preserves created_at on
// replace and stamps it on first insert; both timestamps are copied back
// onto rec.
func (r *AgentRepository) Save(ctx context.Context, rec *store.AgentRecord) error {
	if rec == nil || rec.ID == "" {
		return errors.New("agent record id is required")
	}
	cfg, err := json.Marshal(rec.Config)
	if err != nil {
		return fmt.Errorf("marshal agent config %s: %w", rec.ID, err)
	}
	ts := now()
	update := bson.M{
		"$set": bson.M{
			"user_id":     rec.UserID,
			"agent_type":  rec.Kind,
			"is_active":   rec.IsActive,
			"config_json": cfg,
			"updated_at":  bson.NewDateTimeFromTime(ts),
		},
		"$setOnInsert": bson.M{
			"created_at": bson.NewDateTimeFromTime(ts),
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc agentDocument
	if err := r.col.FindOneAndUpdate(ctx, bson.M{"_id": rec.ID}, update, opts).Decode(&doc); err != nil {
		return fmt.Errorf("mongodb save agent %s: %w", rec.ID, err)
	}
	rec.CreatedAt = doc.CreatedAt.Time().UTC()
	rec.UpdatedAt = doc.UpdatedAt.Time().UTC()
	return nil
}

// Get implements store.AgentRepository.
func (r *AgentRepository) Get(ctx context.Context, id string) (*store.AgentRecord, error) {
	if id == "" {
		return nil, errors.New("agent id is required")
	}
	var doc agentDocument
	if err := r.col.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("agent %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("mongodb get agent %s: %w", id, err)
	}
	return agentFromDocument(&doc)
}

// List implements store.AgentRepository.
func (r *AgentRepository) List(ctx context.Context, userID string) ([]*store.AgentRecord, error) {
	filter := bson.M{}
	if userID != "" {
		filter["user_id"] = userID
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := r.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list agents: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []agentDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list agents decode: %w", err)
	}
	out := make([]*store.AgentRecord, 0, len(docs))
	for i := range docs {
		rec, err := agentFromDocument(&docs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Delete implements store.AgentRepository.
func (r *AgentRepository) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("agent id is required")
	}
	res, err := r.col.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongodb delete agent %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("agent %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func agentFromDocument(doc *agentDocument) (*store.AgentRecord, error) {
	var cfg agent.Config
	if err := json.Unmarshal(doc.ConfigJSON, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal agent config %s: %w", doc.ID, err)
	}
	return &store.AgentRecord{
		ID:        doc.ID,
		UserID:    doc.UserID,
		Kind:      doc.Kind,
		IsActive:  doc.IsActive,
		Config:    cfg,
		CreatedAt: doc.CreatedAt.Time().UTC(),
		UpdatedAt: doc.UpdatedAt.Time().UTC(),
	}, nil
}
