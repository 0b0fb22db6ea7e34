// Package mongo provides MongoDB storage for the session archive.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver/topology"

	"github.com/gdbrns/go-whatsapp-userbot/internal/authstore"
)

// DefaultCollection is used when Config.Collection is empty.
const DefaultCollection = "auth_sessions"

type sessionDocument struct {
	ID        string    `bson:"_id"`
	Archive   []byte    `bson:"archive"`
	Timestamp time.Time `bson:"timestamp"`
	Size      int64     `bson:"size"`
}

// Config configures the MongoDB session store.
type Config struct {
	URI        string
	Database   string
	Collection string
	SessionID  string
	Timeout    time.Duration
}

// Store implements authstore.Store over one MongoDB collection.
type Store struct {
	coll   *mongo.Collection
	id     string
	client *mongo.Client
	now    func() time.Time
}

// New creates a store over an existing collection.
func New(coll *mongo.Collection, sessionID string) *Store {
	if sessionID == "" {
		sessionID = authstore.DefaultSessionID
	}
	return &Store{
		coll: coll,
		id:   sessionID,
		now:  time.Now,
	}
}

// Connect dials MongoDB and returns a store owning the client. The caller
// must Close it.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.Timeout > 0 {
		opts.SetConnectTimeout(cfg.Timeout).SetServerSelectionTimeout(cfg.Timeout)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, classify("connect", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = DefaultCollection
	}
	s := New(client.Database(cfg.Database).Collection(collection), cfg.SessionID)
	s.client = client
	return s, nil
}

// Load returns the stored session. Returns nil, nil if not found.
func (s *Store) Load(ctx context.Context) (*authstore.Session, error) {
	var doc sessionDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": s.id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", classify("load", err))
	}

	return &authstore.Session{
		ID:        doc.ID,
		Archive:   doc.Archive,
		Timestamp: doc.Timestamp,
		Size:      doc.Size,
	}, nil
}

// Save upserts the session document.
func (s *Store) Save(ctx context.Context, archive []byte) error {
	sess := authstore.NewSession(s.id, archive, s.now())
	doc := sessionDocument{
		ID:        sess.ID,
		Archive:   sess.Archive,
		Timestamp: sess.Timestamp,
		Size:      sess.Size,
	}

	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": s.id}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("saving session: %w", classify("save", err))
	}
	return nil
}

// Clear deletes the session document.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": s.id}); err != nil {
		return fmt.Errorf("clearing session: %w", classify("clear", err))
	}
	return nil
}

// Ping checks the primary is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.coll.Database().Client().Ping(ctx, readpref.Primary()); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Close disconnects the client opened by Connect.
func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func classify(op string, err error) error {
	var selErr topology.ServerSelectionError
	switch {
	case mongo.IsNetworkError(err),
		mongo.IsTimeout(err),
		errors.Is(err, mongo.ErrClientDisconnected),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &selErr):
		return &authstore.UnavailableError{Op: op, Err: err}
	}
	return err
}

// Verify interface compliance.
var _ authstore.Store = (*Store)(nil)
