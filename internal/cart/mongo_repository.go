package cart

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/angelmondragon/storebot/pkg/db/models"
)

const cartsCollection = "carts"

// MongoRepository stores carts as documents keyed by user id.
type MongoRepository struct {
	collection *mongo.Collection
}

// NewMongoRepository binds the repository to the carts collection of db.
func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{collection: db.Collection(cartsCollection)}
}

// EnsureIndexes creates the expiry TTL index so mongo drops stale carts on its own.
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetName("idx_carts_expires_at").SetExpireAfterSeconds(0),
	})
	return err
}

func (r *MongoRepository) Get(ctx context.Context, userID int64) (*models.Cart, error) {
	var cart models.Cart
	err := r.collection.FindOne(ctx, bson.M{"_id": userID}).Decode(&cart)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cart, nil
}

func (r *MongoRepository) Save(ctx context.Context, cart *models.Cart) error {
	update := bson.M{
		"$set": bson.M{
			"items":             cart.Items,
			"currency":          cart.Currency,
			"checked_out_order": cart.CheckedOutOrder,
			"updated_at":        cart.UpdatedAt,
			"expires_at":        cart.ExpiresAt,
		},
		"$setOnInsert": bson.M{"created_at": cart.CreatedAt},
	}
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": cart.UserID}, update, options.Update().SetUpsert(true))
	return err
}

func (r *MongoRepository) Delete(ctx context.Context, userID int64) error {
	_, err := r.collection.DeleteOne(ctx, bson.M{"_id": userID})
	return err
}

func (r *MongoRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.collection.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lte": now}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}
