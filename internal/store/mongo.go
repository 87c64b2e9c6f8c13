package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cortexuvula/chatrelay/internal/apperr"
	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Documents keep the layout of the original deployment: one chats document
// holding the participant ids and an embedded messages array.
type mongoUser struct {
	ID           primitive.ObjectID `bson:"_id,omitempty"`
	Username     string             `bson:"username"`
	PasswordHash string             `bson:"password_hash"`
	CreatedAt    time.Time          `bson:"created_at"`
}

type mongoMessage struct {
	Seq            int64     `bson:"seq"`
	SenderID       string    `bson:"sender_id"`
	Content        string    `bson:"content"`
	Timestamp      time.Time `bson:"timestamp"`
	IdempotencyKey string    `bson:"idempotency_key,omitempty"`
}

type mongoChat struct {
	ID           primitive.ObjectID `bson:"_id,omitempty"`
	Participants []string           `bson:"participants"`
	Messages     []mongoMessage     `bson:"messages"`
	MessageCount int64              `bson:"message_count"`
	CreatedAt    time.Time          `bson:"created_at"`
}

const mongoAppendRetries = 10

// Mongo is a Backend on MongoDB.
type Mongo struct {
	client *mongo.Client
	users  *mongo.Collection
	chats  *mongo.Collection
}

// OpenMongo connects to uri, verifies the deployment answers a ping and
// ensures the indexes exist.
func OpenMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}

	db := client.Database(database)
	m := &Mongo{
		client: client,
		users:  db.Collection("users"),
		chats:  db.Collection("chats"),
	}
	if err := m.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	if _, err := m.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("creating users.username index: %w", err)
	}
	if _, err := m.chats.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "participants", Value: 1}},
	}); err != nil {
		return fmt.Errorf("creating chats.participants index: %w", err)
	}
	return nil
}

// CreateUser inserts a user; the unique index rejects taken usernames.
func (m *Mongo) CreateUser(ctx context.Context, username, passwordHash string) (string, error) {
	res, err := m.users.InsertOne(ctx, mongoUser{
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return "", apperr.ErrDuplicateUsername
	}
	if err != nil {
		return "", persistenceErr("create user", err)
	}
	id, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return "", persistenceErr("create user", fmt.Errorf("unexpected id type %T", res.InsertedID))
	}
	return id.Hex(), nil
}

// FindByID looks a user up by its hex ObjectID.
func (m *Mongo) FindByID(ctx context.Context, userID string) (User, error) {
	oid, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return User{}, apperr.ErrUserNotFound
	}
	return m.findUser(ctx, bson.M{"_id": oid})
}

// FindByUsername looks a user up by name.
func (m *Mongo) FindByUsername(ctx context.Context, username string) (User, error) {
	return m.findUser(ctx, bson.M{"username": username})
}

func (m *Mongo) findUser(ctx context.Context, filter bson.M) (User, error) {
	var doc mongoUser
	err := m.users.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return User{}, apperr.ErrUserNotFound
	}
	if err != nil {
		return User{}, persistenceErr("find user", err)
	}
	return doc.toUser(), nil
}

// ListUsers returns every user ordered by username.
func (m *Mongo) ListUsers(ctx context.Context) ([]User, error) {
	cur, err := m.users.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "username", Value: 1}}))
	if err != nil {
		return nil, persistenceErr("list users", err)
	}
	var docs []mongoUser
	if err := cur.All(ctx, &docs); err != nil {
		return nil, persistenceErr("list users", err)
	}
	return lo.Map(docs, func(d mongoUser, _ int) User { return d.toUser() }), nil
}

// CreateChat inserts a chat with an empty log.
func (m *Mongo) CreateChat(ctx context.Context, participants []string) (string, error) {
	res, err := m.chats.InsertOne(ctx, mongoChat{
		Participants: participants,
		Messages:     []mongoMessage{},
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return "", persistenceErr("create chat", err)
	}
	id, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return "", persistenceErr("create chat", fmt.Errorf("unexpected id type %T", res.InsertedID))
	}
	return id.Hex(), nil
}

// chatMeta projects chat metadata without the message log. Documents
// written before message_count existed report the length of their log.
func chatMeta() bson.D {
	return bson.D{{Key: "$project", Value: bson.M{
		"participants":  1,
		"created_at":    1,
		"message_count": bson.M{"$ifNull": bson.A{"$message_count", bson.M{"$size": bson.M{"$ifNull": bson.A{"$messages", bson.A{}}}}}},
	}}}
}

// GetChat loads chat metadata without the message log.
func (m *Mongo) GetChat(ctx context.Context, chatID string) (Chat, error) {
	oid, err := primitive.ObjectIDFromHex(chatID)
	if err != nil {
		return Chat{}, apperr.ErrChatNotFound
	}
	docs, err := m.aggregateChats(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"_id": oid}}},
		chatMeta(),
	})
	if err != nil {
		return Chat{}, persistenceErr("get chat", err)
	}
	if len(docs) == 0 {
		return Chat{}, apperr.ErrChatNotFound
	}
	return docs[0].toChat(), nil
}

// FindChatsByParticipant returns the user's chats, oldest first.
func (m *Mongo) FindChatsByParticipant(ctx context.Context, userID string) ([]Chat, error) {
	docs, err := m.aggregateChats(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"participants": userID}}},
		{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
		chatMeta(),
	})
	if err != nil {
		return nil, persistenceErr("find chats", err)
	}
	return lo.Map(docs, func(d mongoChat, _ int) Chat { return d.toChat() }), nil
}

func (m *Mongo) aggregateChats(ctx context.Context, pipeline mongo.Pipeline) ([]mongoChat, error) {
	cur, err := m.chats.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	var docs []mongoChat
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// appendState is what AppendMessage needs to know before pushing.
type appendState struct {
	MessageCount int64          `bson:"message_count"`
	Legacy       bool           `bson:"legacy"`
	Duplicates   []mongoMessage `bson:"duplicates"`
}

func (m *Mongo) loadAppendState(ctx context.Context, oid primitive.ObjectID, key string) (appendState, error) {
	project := bson.M{
		"_id":           0,
		"message_count": bson.M{"$ifNull": bson.A{"$message_count", bson.M{"$size": bson.M{"$ifNull": bson.A{"$messages", bson.A{}}}}}},
		"legacy":        bson.M{"$in": bson.A{bson.M{"$type": "$message_count"}, bson.A{"missing", "null"}}},
	}
	if key != "" {
		project["duplicates"] = bson.M{"$filter": bson.M{
			"input": bson.M{"$ifNull": bson.A{"$messages", bson.A{}}},
			"as":    "m",
			"cond":  bson.M{"$eq": bson.A{"$$m.idempotency_key", key}},
		}}
	}
	cur, err := m.chats.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"_id": oid}}},
		{{Key: "$project", Value: project}},
	})
	if err != nil {
		return appendState{}, err
	}
	var states []appendState
	if err := cur.All(ctx, &states); err != nil {
		return appendState{}, err
	}
	if len(states) == 0 {
		return appendState{}, apperr.ErrChatNotFound
	}
	return states[0], nil
}

// AppendMessage pushes msg with an optimistic check on message_count, so
// the sequence number and the push land in one atomic document update.
// Documents without message_count are numbered from the length of their
// log and gain the field on their first append.
func (m *Mongo) AppendMessage(ctx context.Context, chatID string, msg Message) (Message, bool, error) {
	oid, err := primitive.ObjectIDFromHex(chatID)
	if err != nil {
		return Message{}, false, apperr.ErrChatNotFound
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	for attempt := 0; attempt < mongoAppendRetries; attempt++ {
		current, err := m.loadAppendState(ctx, oid, msg.IdempotencyKey)
		if errors.Is(err, apperr.ErrChatNotFound) {
			return Message{}, false, err
		}
		if err != nil {
			return Message{}, false, persistenceErr("append message", err)
		}
		if len(current.Duplicates) > 0 {
			return current.Duplicates[0].toMessage(), true, nil
		}

		doc := mongoMessage{
			Seq:            current.MessageCount + 1,
			SenderID:       msg.SenderID,
			Content:        msg.Content,
			Timestamp:      msg.Timestamp,
			IdempotencyKey: msg.IdempotencyKey,
		}
		filter := bson.M{"_id": oid, "message_count": current.MessageCount}
		update := bson.M{
			"$push": bson.M{"messages": doc},
			"$inc":  bson.M{"message_count": 1},
		}
		if current.Legacy {
			filter = bson.M{
				"_id":           oid,
				"message_count": nil,
				"messages":      bson.M{"$size": current.MessageCount},
			}
			update = bson.M{
				"$push": bson.M{"messages": doc},
				"$set":  bson.M{"message_count": doc.Seq},
			}
		}
		res, err := m.chats.UpdateOne(ctx, filter, update)
		if err != nil {
			return Message{}, false, persistenceErr("append message", err)
		}
		if res.MatchedCount == 1 {
			return doc.toMessage(), false, nil
		}
		// Another writer advanced the log; reload and retry.
	}
	return Message{}, false, persistenceErr("append message", errors.New("too many concurrent writers"))
}

// Messages returns the embedded log in sequence order.
func (m *Mongo) Messages(ctx context.Context, chatID string) ([]Message, error) {
	oid, err := primitive.ObjectIDFromHex(chatID)
	if err != nil {
		return nil, apperr.ErrChatNotFound
	}
	var doc mongoChat
	err = m.chats.FindOne(ctx, bson.M{"_id": oid}, options.FindOne().SetProjection(bson.M{"messages": 1})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.ErrChatNotFound
	}
	if err != nil {
		return nil, persistenceErr("read messages", err)
	}
	msgs := make([]Message, 0, len(doc.Messages))
	for i, mm := range doc.Messages {
		out := mm.toMessage()
		// Documents written before seq existed rely on array order.
		if out.Seq == 0 {
			out.Seq = int64(i + 1)
		}
		msgs = append(msgs, out)
	}
	return msgs, nil
}

// Ping checks the primary is reachable.
func (m *Mongo) Ping(ctx context.Context) error {
	if err := m.client.Ping(ctx, readpref.Primary()); err != nil {
		return persistenceErr("ping", err)
	}
	return nil
}

// Close disconnects the client.
func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (d mongoUser) toUser() User {
	return User{ID: d.ID.Hex(), Username: d.Username, PasswordHash: d.PasswordHash, CreatedAt: d.CreatedAt}
}

func (d mongoChat) toChat() Chat {
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = d.ID.Timestamp()
	}
	return Chat{ID: d.ID.Hex(), Participants: d.Participants, MessageCount: d.MessageCount, CreatedAt: createdAt}
}

func (d mongoMessage) toMessage() Message {
	return Message{
		Seq:            d.Seq,
		SenderID:       d.SenderID,
		Content:        d.Content,
		Timestamp:      d.Timestamp,
		IdempotencyKey: d.IdempotencyKey,
	}
}
