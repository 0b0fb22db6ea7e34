package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/gdbrns/go-whatsapp-userbot/internal/authstore"
)

func newMockT(t *testing.T) *mtest.T {
	return mtest.New(t, mtest.NewOptions().
		ClientType(mtest.Mock).
		ClientOptions(options.Client().SetRetryReads(false).SetRetryWrites(false)))
}

func namespace(mt *mtest.T) string {
	return mt.Coll.Database().Name() + "." + mt.Coll.Name()
}

func TestStore_Load(t *testing.T) {
	mt := newMockT(t)

	mt.Run("found", func(mt *mtest.T) {
		ts := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
		mt.AddMockResponses(mtest.CreateCursorResponse(1, namespace(mt), mtest.FirstBatch, bson.D{
			{Key: "_id", Value: "session"},
			{Key: "archive", Value: []byte("tar-bytes")},
			{Key: "timestamp", Value: ts},
			{Key: "size", Value: int64(9)},
		}))

		got, err := New(mt.Coll, "").Load(context.Background())
		require.NoError(mt, err)
		require.NotNil(mt, got)
		assert.Equal(mt, "session", got.ID)
		assert.Equal(mt, []byte("tar-bytes"), got.Archive)
		assert.Equal(mt, int64(9), got.Size)
		assert.True(mt, got.Timestamp.Equal(ts))
	})

	mt.Run("absent", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch))

		got, err := New(mt.Coll, "session").Load(context.Background())
		require.NoError(mt, err)
		assert.Nil(mt, got)
	})

	mt.Run("network error is unavailable", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    6,
			Name:    "HostUnreachable",
			Message: "host unreachable",
			Labels:  []string{"NetworkError"},
		}))

		_, err := New(mt.Coll, "session").Load(context.Background())
		require.Error(mt, err)
		assert.ErrorIs(mt, err, authstore.ErrStoreUnavailable)
	})

	mt.Run("command error is not unavailable", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    13,
			Name:    "Unauthorized",
			Message: "not authorized",
		}))

		_, err := New(mt.Coll, "session").Load(context.Background())
		require.Error(mt, err)
		assert.NotErrorIs(mt, err, authstore.ErrStoreUnavailable)
		assert.Contains(mt, err.Error(), "loading session")
	})
}

func TestStore_Save(t *testing.T) {
	mt := newMockT(t)

	mt.Run("upsert", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 0},
			bson.E{Key: "upserted", Value: bson.A{bson.D{{Key: "index", Value: 0}, {Key: "_id", Value: "session"}}}},
		))

		s := New(mt.Coll, "session")
		s.now = func() time.Time { return time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC) }
		require.NoError(mt, s.Save(context.Background(), []byte("abc")))
	})

	mt.Run("network error", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    91,
			Name:    "ShutdownInProgress",
			Message: "shutting down",
			Labels:  []string{"NetworkError"},
		}))

		err := New(mt.Coll, "session").Save(context.Background(), []byte("abc"))
		assert.ErrorIs(mt, err, authstore.ErrStoreUnavailable)
	})
}

func TestStore_ClearIsIdempotent(t *testing.T) {
	mt := newMockT(t)

	mt.Run("twice", func(mt *mtest.T) {
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}),
		)

		s := New(mt.Coll, "session")
		require.NoError(mt, s.Clear(context.Background()))
		require.NoError(mt, s.Clear(context.Background()))
	})
}

func TestStore_Ping(t *testing.T) {
	mt := newMockT(t)

	mt.Run("ok", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		assert.NoError(mt, New(mt.Coll, "").Ping(context.Background()))
	})
}

func TestStore_CloseWithoutClient(t *testing.T) {
	s := &Store{}
	assert.NoError(t, s.Close(context.Background()))
}
