package mongodb

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"gradsync/database"
)

const DEFAULT_DATABASE = "gradsync"

func GetDatabaseClient(ctx context.Context, uri string) (*mongo.Client, error) {
	serverAPIOptions := options.ServerAPI(options.ServerAPIVersion1)
	clientOptions := options.Client().
		ApplyURI(uri).
		SetServerAPIOptions(serverAPIOptions)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, errors.Wrap(err, "connect to mongodb")
	}
	return client, nil
}

func GetCollection(client *mongo.Client, databaseName, tableName string) *mongo.Collection {
	if databaseName == "" {
		databaseName = DEFAULT_DATABASE
	}
	if tableName == "" {
		tableName = database.DEFAULT_TABLE
	}
	return client.Database(databaseName).Collection(tableName)
}

// Ledger keeps one document per rank.
type Ledger struct {
	collection *mongo.Collection
	client     *mongo.Client
}

// NewLedger wraps collection. If client is non-nil, Close disconnects it.
func NewLedger(collection *mongo.Collection, client *mongo.Client) *Ledger {
	return &Ledger{collection: collection, client: client}
}

func (l *Ledger) Record(ctx context.Context, p database.Progress) error {
	p.UpdatedAt = p.UpdatedAt.UTC()
	_, err := l.collection.UpdateOne(
		ctx, bson.M{"rank": p.Rank}, bson.D{
			{Key: "$set", Value: p},
		}, options.Update().SetUpsert(true),
	)
	return errors.Wrapf(err, "record progress of rank %d", p.Rank)
}

func (l *Ledger) All(ctx context.Context) ([]database.Progress, error) {
	cursor, err := l.collection.Find(
		ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "rank", Value: 1}}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "find progress")
	}

	var records []database.Progress
	if err = cursor.All(ctx, &records); err != nil {
		return nil, errors.Wrap(err, "read progress")
	}
	return records, nil
}

func (l *Ledger) Close() error {
	if l.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.client.Disconnect(ctx)
}
