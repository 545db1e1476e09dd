// Package docstore connects to MongoDB for the document-backed conversation
// store and deduplicator.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"

	"github.com/bdobrica/Hashi/common/redact"
	"github.com/bdobrica/Hashi/common/retry"
)

// DefaultDatabase is used when neither Config.Database nor the URI names one.
const DefaultDatabase = "hashi"

// Config configures the connection.
type Config struct {
	URI string

	// Database overrides the database named in the URI path.
	Database string

	// ConnectTimeout bounds each connection attempt. Default: 10 s.
	ConnectTimeout time.Duration

	// Retry controls reconnect attempts at start-up. Default: 5 attempts.
	Retry retry.Config
}

// Indexer is implemented by backends that need indexes before use.
type Indexer interface {
	EnsureIndexes(ctx context.Context) error
}

// Client owns a connected MongoDB client and the selected database.
type Client struct {
	client *mongo.Client
	db     *mongo.Database
}

// DatabaseName resolves the database: explicit name, then URI path, then
// DefaultDatabase.
func DatabaseName(cfg Config) (string, error) {
	if cfg.Database != "" {
		return cfg.Database, nil
	}
	cs, err := connstring.ParseAndValidate(cfg.URI)
	if err != nil {
		return "", fmt.Errorf("docstore: parse uri: %s", redact.String(err.Error(), cfg.URI))
	}
	if cs.Database != "" {
		return cs.Database, nil
	}
	return DefaultDatabase, nil
}

// Connect dials MongoDB and pings the primary, retrying transient failures.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URI == "" {
		return nil, errors.New("docstore: uri is required")
	}
	name, err := DatabaseName(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Config{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: 15 * time.Second}
	}
	cfg.Retry.Op = "mongo connect"

	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.ConnectTimeout).
		SetAppName("hashi"))
	if err != nil {
		return nil, fmt.Errorf("docstore: connect: %s", redact.String(err.Error(), cfg.URI))
	}

	err = retry.Do(ctx, cfg.Retry, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		return client.Ping(pingCtx, readpref.Primary())
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("docstore: ping: %s", redact.String(err.Error(), cfg.URI))
	}

	slog.Info("docstore: connected", "database", name)
	return &Client{client: client, db: client.Database(name)}, nil
}

// Database returns the selected database.
func (c *Client) Database() *mongo.Database {
	return c.db
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("docstore: ping: %w", err)
	}
	return nil
}

// EnsureIndexes runs EnsureIndexes on every indexer.
func (c *Client) EnsureIndexes(ctx context.Context, indexers ...Indexer) error {
	for _, ix := range indexers {
		if err := ix.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("docstore: %w", err)
		}
	}
	return nil
}

// Close disconnects the client.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}
