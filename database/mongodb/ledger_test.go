package mongodb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"gradsync/database"
)

func TestLedger(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	defer mt.Close()

	updated := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mt.Run("record upserts", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 0},
			bson.E{Key: "upserted", Value: bson.A{bson.D{{Key: "index", Value: 0}, {Key: "_id", Value: "x"}}}},
		))
		l := NewLedger(mt.Coll, nil)
		err := l.Record(context.Background(), database.Progress{Rank: 1, Epoch: 2, GlobalStep: 500, UpdatedAt: updated})
		require.NoError(t, err)
		require.NoError(t, l.Close())
	})

	mt.Run("record surfaces write errors", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    11000,
			Message: "duplicate key",
			Name:    "DuplicateKey",
		}))
		err := NewLedger(mt.Coll, nil).Record(context.Background(), database.Progress{Rank: 1})
		assert.Error(t, err)
	})

	mt.Run("all decodes every document", func(mt *mtest.T) {
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()
		first := mtest.CreateCursorResponse(1, ns, mtest.FirstBatch, bson.D{
			{Key: "rank", Value: 0}, {Key: "epoch", Value: int64(2)},
			{Key: "globalStep", Value: int64(500)}, {Key: "updatedAt", Value: updated},
		})
		second := mtest.CreateCursorResponse(0, ns, mtest.NextBatch, bson.D{
			{Key: "rank", Value: 1}, {Key: "epoch", Value: int64(2)},
			{Key: "globalStep", Value: int64(500)}, {Key: "updatedAt", Value: updated},
		})
		mt.AddMockResponses(first, second)

		records, err := NewLedger(mt.Coll, nil).All(context.Background())
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, 1, records[1].Rank)
		assert.Equal(t, int64(500), records[1].GlobalStep)
		assert.True(t, updated.Equal(records[0].UpdatedAt))
		assert.NoError(t, database.CheckConsistent(records, 2))
	})
}
