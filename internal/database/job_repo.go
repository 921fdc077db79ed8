package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dandantas/scout/internal/model"
	"github.com/dandantas/scout/internal/service"
)

// JobRepository persists search job records
type JobRepository struct {
	collection *mongo.Collection
	timeout    time.Duration
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *MongoDB) *JobRepository {
	return &JobRepository{
		collection: db.GetCollection(CollectionSearchJobs),
		timeout:    5 * time.Second,
	}
}

// Save upserts the job record by id
func (r *JobRepository) Save(ctx context.Context, job *model.Job) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	opts := options.Replace().SetUpsert(true)
	_, err := r.collection.ReplaceOne(ctxTimeout, bson.M{"_id": job.ID}, job, opts)
	if err != nil {
		return fmt.Errorf("failed to save search job: %w", err)
	}
	return nil
}

// GetByID retrieves a job by id
func (r *JobRepository) GetByID(ctx context.Context, id string) (*model.Job, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var job model.Job
	err := r.collection.FindOne(ctxTimeout, bson.M{"_id": id}).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, service.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get search job: %w", err)
	}
	return &job, nil
}

// ListUnfinished returns jobs persisted in a non-terminal status, oldest first
func (r *JobRepository) ListUnfinished(ctx context.Context) ([]*model.Job, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 2*r.timeout)
	defer cancel()

	filter := bson.M{"status": bson.M{"$in": []model.JobStatus{model.StatusPending, model.StatusProcessing}}}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})

	cursor, err := r.collection.Find(ctxTimeout, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished search jobs: %w", err)
	}
	defer cursor.Close(ctxTimeout)

	var jobs []*model.Job
	if err := cursor.All(ctxTimeout, &jobs); err != nil {
		return nil, fmt.Errorf("failed to decode search jobs: %w", err)
	}
	return jobs, nil
}

// Delete removes a job record
func (r *JobRepository) Delete(ctx context.Context, id string) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.collection.DeleteOne(ctxTimeout, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete search job: %w", err)
	}
	if result.DeletedCount == 0 {
		return service.ErrNotFound
	}
	return nil
}
