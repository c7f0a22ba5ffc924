package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/ensembleworks/ensemble/runtime/model"
	"github.com/ensembleworks/ensemble/runtime/store"
)

// ConversationRepository is a MongoDB store.ConversationRepository.
// Conversation headers and messages live in separate collections; the
// denormalized header fields are maintained by AppendMessage.
type ConversationRepository struct {
	col  *mongo.Collection
	msgs *mongo.Collection
}

var _ store.ConversationRepository = (*ConversationRepository)(nil)

type conversationDocument struct {
	ID                 string        `bson:"_id"`
	UserID             string        `bson:"user_id"`
	AgentID            string        `bson:"agent_id"`
	Title              string        `bson:"title"`
	IsAutoTitle        bool          `bson:"is_auto_title"`
	IsArchived         bool          `bson:"is_archived"`
	MessageCount       int           `bson:"message_count"`
	LastMessagePreview string        `bson:"last_message_preview,omitempty"`
	LastMessageAt      bson.DateTime `bson:"last_message_at,omitempty"`
	CreatedAt          bson.DateTime `bson:"created_at"`
	UpdatedAt          bson.DateTime `bson:"updated_at"`
}

// messageDocument keeps free-form metadata as raw JSON under metadata_json.
type messageDocument struct {
	ID             string        `bson:"_id"`
	ConversationID string        `bson:"conversation_id"`
	Role           model.Role    `bson:"role"`
	Content        string        `bson:"content"`
	WorkflowID     string        `bson:"workflow_id,omitempty"`
	ExecutionID    string        `bson:"execution_id,omitempty"`
	MetadataJSON   []byte        `bson:"metadata_json,omitempty"`
	CreatedAt      bson.DateTime `bson:"created_at"`
}

// Create implements store.ConversationRepository.
func (r *ConversationRepository) Create(ctx context.Context, rec *store.ConversationRecord) error {
	if rec == nil || rec.ID == "" {
		return errors.New("conversation id is required")
	}
	if rec.UserID == "" {
		return errors.New("conversation user id is required")
	}
	if rec.AgentID == "" {
		return errors.New("conversation agent id is required")
	}
	ts := now()
	if rec.Title == "" {
		rec.Title = store.DefaultTitle
		rec.IsAutoTitle = true
	}
	rec.MessageCount = 0
	rec.CreatedAt = ts
	rec.UpdatedAt = ts
	doc := conversationDocument{
		ID:          rec.ID,
		UserID:      rec.UserID,
		AgentID:     rec.AgentID,
		Title:       rec.Title,
		IsAutoTitle: rec.IsAutoTitle,
		IsArchived:  rec.IsArchived,
		CreatedAt:   bson.NewDateTimeFromTime(ts),
		UpdatedAt:   bson.NewDateTimeFromTime(ts),
	}
	if _, err := r.col.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("conversation %s already exists", rec.ID)
		}
		return fmt.Errorf("mongodb create conversation %s: %w", rec.ID, err)
	}
	return nil
}

// Get implements store.ConversationRepository. messageLimit > 0 loads the
// most recent messages; the result is always chronological.
func (r *ConversationRepository) Get(ctx context.Context, id string, messageLimit int) (*store.Conversation, error) {
	if id == "" {
		return nil, errors.New("conversation id is required")
	}
	var doc conversationDocument
	if err := r.col.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("mongodb get conversation %s: %w", id, err)
	}

	findOpts := options.Find()
	if messageLimit > 0 {
		// Take the newest N then restore chronological order in memory.
		findOpts = findOpts.SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
			SetLimit(int64(messageLimit))
	} else {
		findOpts = findOpts.SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	}
	cursor, err := r.msgs.Find(ctx, bson.M{"conversation_id": id}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("mongodb get conversation messages %s: %w", id, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var msgDocs []messageDocument
	if err := cursor.All(ctx, &msgDocs); err != nil {
		return nil, fmt.Errorf("mongodb get conversation messages decode %s: %w", id, err)
	}
	if messageLimit > 0 {
		for i, j := 0, len(msgDocs)-1; i < j; i, j = i+1, j-1 {
			msgDocs[i], msgDocs[j] = msgDocs[j], msgDocs[i]
		}
	}

	out := &store.Conversation{ConversationRecord: *conversationFromDocument(&doc)}
	out.Messages = make([]store.MessageRecord, len(msgDocs))
	for i := range msgDocs {
		msg, err := messageFromDocument(&msgDocs[i])
		if err != nil {
			return nil, err
		}
		out.Messages[i] = *msg
	}
	return out, nil
}

// List implements store.ConversationRepository.
func (r *ConversationRepository) List(ctx context.Context, userID string, offset, limit int) ([]*store.ConversationRecord, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	filter := bson.M{"user_id": userID, "is_archived": false}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: 1}})
	if offset > 0 {
		opts = opts.SetSkip(int64(offset))
	}
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cursor, err := r.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list conversations: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []conversationDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list conversations decode: %w", err)
	}
	out := make([]*store.ConversationRecord, len(docs))
	for i := range docs {
		out[i] = conversationFromDocument(&docs[i])
	}
	return out, nil
}

// AppendMessage implements store.ConversationRepository. The parent header
// is updated first so a missing conversation rejects the message before
// anything is written.
func (r *ConversationRepository) AppendMessage(ctx context.Context, msg *store.MessageRecord) error {
	if msg == nil || msg.ID == "" {
		return errors.New("message id is required")
	}
	if msg.ConversationID == "" {
		return errors.New("message conversation id is required")
	}
	if msg.Role == "" {
		return errors.New("message role is required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now()
	}
	res, err := r.col.UpdateOne(ctx, bson.M{"_id": msg.ConversationID}, bson.M{
		"$inc": bson.M{"message_count": 1},
		"$set": bson.M{
			"last_message_preview": store.Preview(msg.Content, store.PreviewMax),
			"last_message_at":      bson.NewDateTimeFromTime(msg.CreatedAt),
			"updated_at":           bson.NewDateTimeFromTime(now()),
		},
	})
	if err != nil {
		return fmt.Errorf("mongodb append message %s: %w", msg.ID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("conversation %s: %w", msg.ConversationID, store.ErrNotFound)
	}

	doc := messageDocument{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		WorkflowID:     msg.WorkflowID,
		ExecutionID:    msg.ExecutionID,
		CreatedAt:      bson.NewDateTimeFromTime(msg.CreatedAt),
	}
	if len(msg.Metadata) > 0 {
		meta, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("marshal message metadata %s: %w", msg.ID, err)
		}
		doc.MetadataJSON = meta
	}
	if _, err := r.msgs.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("mongodb insert message %s: %w", msg.ID, err)
	}
	return nil
}

// UpdateTitle implements store.ConversationRepository.
func (r *ConversationRepository) UpdateTitle(ctx context.Context, id, title string, auto bool) error {
	if id == "" {
		return errors.New("conversation id is required")
	}
	if title == "" {
		return errors.New("title is required")
	}
	res, err := r.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{
			"title":         title,
			"is_auto_title": auto,
			"updated_at":    bson.NewDateTimeFromTime(now()),
		},
	})
	if err != nil {
		return fmt.Errorf("mongodb update conversation title %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// Archive implements store.ConversationRepository.
func (r *ConversationRepository) Archive(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("conversation id is required")
	}
	res, err := r.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{
			"is_archived": true,
			"updated_at":  bson.NewDateTimeFromTime(now()),
		},
	})
	if err != nil {
		return fmt.Errorf("mongodb archive conversation %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// Delete implements store.ConversationRepository. Messages go first so a
// failure never leaves orphaned messages behind a deleted header.
func (r *ConversationRepository) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("conversation id is required")
	}
	if _, err := r.msgs.DeleteMany(ctx, bson.M{"conversation_id": id}); err != nil {
		return fmt.Errorf("mongodb delete conversation messages %s: %w", id, err)
	}
	res, err := r.col.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongodb delete conversation %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func conversationFromDocument(doc *conversationDocument) *store.ConversationRecord {
	return &store.ConversationRecord{
		ID:                 doc.ID,
		UserID:             doc.UserID,
		AgentID:            doc.AgentID,
		Title:              doc.Title,
		IsAutoTitle:        doc.IsAutoTitle,
		IsArchived:         doc.IsArchived,
		MessageCount:       doc.MessageCount,
		LastMessagePreview: doc.LastMessagePreview,
		LastMessageAt:      doc.LastMessageAt.Time().UTC(),
		CreatedAt:          doc.CreatedAt.Time().UTC(),
		UpdatedAt:          doc.UpdatedAt.Time().UTC(),
	}
}

func messageFromDocument(doc *messageDocument) (*store.MessageRecord, error) {
	rec := &store.MessageRecord{
		ID:             doc.ID,
		ConversationID: doc.ConversationID,
		Role:           doc.Role,
		Content:        doc.Content,
		WorkflowID:     doc.WorkflowID,
		ExecutionID:    doc.ExecutionID,
		CreatedAt:      doc.CreatedAt.Time().UTC(),
	}
	if len(doc.MetadataJSON) > 0 {
		if err := json.Unmarshal(doc.MetadataJSON, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal message metadata %s: %w", doc.ID, err)
		}
	}
	return rec, nil
}
