package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CreateIndexes creates all necessary indexes for the collections.
// Finished jobs expire retention after they reach a terminal status; a zero
// retention keeps them forever.
func CreateIndexes(ctx context.Context, db *MongoDB, retention time.Duration) error {
	slog.Info("Creating MongoDB indexes")

	if err := createSearchJobIndexes(ctx, db, retention); err != nil {
		return err
	}

	slog.Info("Successfully created all MongoDB indexes")
	return nil
}

func createSearchJobIndexes(ctx context.Context, db *MongoDB, retention time.Duration) error {
	collection := db.GetCollection(CollectionSearchJobs)

	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "owner_id", Value: 1},
				{Key: "created_at", Value: -1},
			},
			Options: options.Index().SetName("idx_owner_created"),
		},
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "created_at", Value: -1},
			},
			Options: options.Index().SetName("idx_status_created"),
		},
		{
			Keys:    bson.D{{Key: "correlation_id", Value: 1}},
			Options: options.Index().SetName("idx_correlation_id"),
		},
	}

	if retention > 0 {
		// Documents without the field are never expired, so unfinished jobs stay
		expire := int32(retention.Seconds())
		indexes = append(indexes,
			mongo.IndexModel{
				Keys:    bson.D{{Key: "completed_at", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(expire).SetName("idx_completed_at_ttl"),
			},
			mongo.IndexModel{
				Keys:    bson.D{{Key: "cancelled_at", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(expire).SetName("idx_cancelled_at_ttl"),
			},
		)
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := collection.Indexes().CreateMany(ctxTimeout, indexes)
	if err != nil {
		return fmt.Errorf("failed to create search job indexes: %w", err)
	}

	slog.Info("Created indexes for search jobs")
	return nil
}
