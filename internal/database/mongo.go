package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/dandantas/scout/internal/metrics"
)

// CollectionSearchJobs holds archived and checkpointed search jobs
const CollectionSearchJobs = "search_jobs"

const appName = "scout"

// MongoDB is the job store connection
type MongoDB struct {
	Client   *mongo.Client
	Database *mongo.Database
}

// Connect opens the job store. timeout bounds both the initial handshake and
// server selection; the caller decides whether a failure is fatal.
func Connect(ctx context.Context, uri, database string, timeout time.Duration) (*MongoDB, error) {
	slog.Info("Connecting to job store", "database", database)

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOptions(uri, timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	slog.Info("Connected to job store", "database", database)

	return &MongoDB{
		Client:   client,
		Database: client.Database(database),
	}, nil
}

// clientOptions keeps the pool small. The store only sees checkpoints,
// archival writes and lookups of purged jobs.
func clientOptions(uri string, timeout time.Duration) *options.ClientOptions {
	return options.Client().
		ApplyURI(uri).
		SetAppName(appName).
		SetMaxPoolSize(20).
		SetMinPoolSize(2).
		SetMaxConnIdleTime(time.Minute).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout).
		SetRetryWrites(true).
		SetRetryReads(true).
		SetCompressors([]string{"snappy"}).
		SetPoolMonitor(&event.PoolMonitor{Event: trackPool})
}

func trackPool(ev *event.PoolEvent) {
	switch ev.Type {
	case event.GetSucceeded:
		metrics.StoreConnectionsInUse.Inc()
	case event.ConnectionReturned:
		metrics.StoreConnectionsInUse.Dec()
	}
}

// Disconnect closes the connection, waiting at most 10s for in-flight work
func (m *MongoDB) Disconnect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := m.Client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
	}
	slog.Info("Disconnected from job store")
	return nil
}

// GetCollection returns a collection by name
func (m *MongoDB) GetCollection(name string) *mongo.Collection {
	return m.Database.Collection(name)
}

// Ping reports whether the primary is reachable. Used by the health endpoint.
func (m *MongoDB) Ping(ctx context.Context) error {
	return m.Client.Ping(ctx, readpref.Primary())
}
