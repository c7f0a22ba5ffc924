package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/ensembleworks/ensemble/runtime/store"
)

// ServerRepository is a MongoDB store.MCPServerRepository.
type ServerRepository struct {
	col *mongo.Collection
}

var _ store.MCPServerRepository = (*ServerRepository)(nil)

// serverDocument is the stored form of an MCP server instance. Headers hold
// value templates only; credentials stay in the secret store behind
// secret_ref and oauth_token_ref.
type serverDocument struct {
	ID            string             `bson:"_id"`
	UserID        string             `bson:"user_id,omitempty"`
	Name          string             `bson:"name"`
	Template      string             `bson:"template,omitempty"`
	URL           string             `bson:"url"`
	Status        store.ServerStatus `bson:"status"`
	SecretRef     string             `bson:"secret_ref,omitempty"`
	OAuthTokenRef string             `bson:"oauth_token_ref,omitempty"`
	Headers       map[string]string  `bson:"headers_config,omitempty"`
	CreatedAt     bson.DateTime      `bson:"created_at"`
	LastUsedAt    bson.DateTime      `bson:"last_used_at,omitempty"`
	ErrorMessage  string             `bson:"error_message,omitempty"`
}

// Save implements store.MCPServerRepository.
func (r *ServerRepository) Save(ctx context.Context, rec *store.MCPServerRecord) error {
	if rec == nil || rec.ID == "" {
		return errors.New("mcp server record id is required")
	}
	if rec.URL == "" {
		return errors.New("mcp server url is required")
	}
	if rec.Status == "" {
		rec.Status = store.ServerDisconnected
	}
	update := bson.M{
		"$set": bson.M{
			"user_id":         rec.UserID,
			"name":            rec.Name,
			"template":        rec.Template,
			"url":             rec.URL,
			"status":          rec.Status,
			"secret_ref":      rec.SecretRef,
			"oauth_token_ref": rec.OAuthTokenRef,
			"headers_config":  rec.Headers,
			"last_used_at":    bson.NewDateTimeFromTime(rec.LastUsedAt),
			"error_message":   rec.ErrorMessage,
		},
		"$setOnInsert": bson.M{
			"created_at": bson.NewDateTimeFromTime(now()),
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc serverDocument
	if err := r.col.FindOneAndUpdate(ctx, bson.M{"_id": rec.ID}, update, opts).Decode(&doc); err != nil {
		return fmt.Errorf("mongodb save mcp server %s: %w", rec.ID, err)
	}
	rec.CreatedAt = doc.CreatedAt.Time().UTC()
	return nil
}

// Get implements store.MCPServerRepository.
func (r *ServerRepository) Get(ctx context.Context, id string) (*store.MCPServerRecord, error) {
	if id == "" {
		return nil, errors.New("mcp server id is required")
	}
	var doc serverDocument
	if err := r.col.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("mcp server %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("mongodb get mcp server %s: %w", id, err)
	}
	return serverFromDocument(&doc), nil
}

// List implements store.MCPServerRepository. Records come back in creation
// order; the reconnect sweep walks the unfiltered list.
func (r *ServerRepository) List(ctx context.Context, userID string) ([]*store.MCPServerRecord, error) {
	filter := bson.M{}
	if userID != "" {
		filter["user_id"] = userID
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := r.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list mcp servers: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []serverDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list mcp servers decode: %w", err)
	}
	out := make([]*store.MCPServerRecord, len(docs))
	for i := range docs {
		out[i] = serverFromDocument(&docs[i])
	}
	return out, nil
}

// UpdateStatus implements store.MCPServerRepository.
func (r *ServerRepository) UpdateStatus(ctx context.Context, id string, status store.ServerStatus, errorMessage string) error {
	if id == "" {
		return errors.New("mcp server id is required")
	}
	res, err := r.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"status": status, "error_message": errorMessage},
	})
	if err != nil {
		return fmt.Errorf("mongodb update mcp server status %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("mcp server %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// Touch implements store.MCPServerRepository.
func (r *ServerRepository) Touch(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("mcp server id is required")
	}
	res, err := r.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"last_used_at": bson.NewDateTimeFromTime(now())},
	})
	if err != nil {
		return fmt.Errorf("mongodb touch mcp server %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("mcp server %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// Delete implements store.MCPServerRepository.
func (r *ServerRepository) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("mcp server id is required")
	}
	res, err := r.col.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongodb delete mcp server %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("mcp server %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func serverFromDocument(doc *serverDocument) *store.MCPServerRecord {
	return &store.MCPServerRecord{
		ID:            doc.ID,
		UserID:        doc.UserID,
		Name:          doc.Name,
		Template:      doc.Template,
		URL:           doc.URL,
		Status:        doc.Status,
		SecretRef:     doc.SecretRef,
		OAuthTokenRef: doc.OAuthTokenRef,
		Headers:       doc.Headers,
		CreatedAt:     doc.CreatedAt.Time().UTC(),
		LastUsedAt:    doc.LastUsedAt.Time().UTC(),
		ErrorMessage:  doc.ErrorMessage,
	}
}
