// Package testutil starts shared backing services for integration tests.
// Tests are skipped when Docker is not available.
package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoDB test configuration constants
const (
	mongoCtxTimeout                = 10 * time.Second
	mongoContainerStartupTimeout   = 90 * time.Second
	mongoContainerTerminateTimeout = 10 * time.Second
	mongoPingTimeout               = 2 * time.Second
	mongoPingRetryDelay            = 500 * time.Millisecond
	mongoPrimaryWaitAttempts       = 40
	maxTestNameLength              = 40
	mongoReplicaSet                = "rs0"
)

var (
	sharedMongo     *SharedMongoContainer
	sharedMongoOnce sync.Once
	errSharedMongo  error
)

// SharedMongoContainer is a single-node replica set reused by all tests of a
// package. A replica set is required for multi-document transactions.
type SharedMongoContainer struct {
	Container testcontainers.Container
	URI       string
}

// GetSharedMongoContainer returns a singleton MongoDB container.
func GetSharedMongoContainer(ctx context.Context) (*SharedMongoContainer, error) {
	sharedMongoOnce.Do(func() {
		sharedMongo, errSharedMongo = startGuarded(func() (*SharedMongoContainer, error) {
			return startMongoContainer(ctx)
		})
	})
	return sharedMongo, errSharedMongo
}

func startMongoContainer(ctx context.Context) (*SharedMongoContainer, error) {
	startupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mongoContainerStartupTimeout)
	defer cancel()

	req := testcontainers.ContainerRequest{
		Image:        "mongo:8",
		ExposedPorts: []string{"27017/tcp"},
		Cmd:          []string{"--replSet", mongoReplicaSet, "--bind_ip_all"},
		WaitingFor:   wait.ForLog("Waiting for connections").WithStartupTimeout(mongoContainerStartupTimeout),
	}

	container, err := testcontainers.GenericContainer(startupCtx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start MongoDB container: %w", err)
	}

	host, err := container.Host(startupCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(startupCtx, "27017")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	uri := fmt.Sprintf("mongodb://%s/?directConnection=true", net.JoinHostPort(host, port.Port()))
	if err = initiateReplicaSet(startupCtx, uri); err != nil {
		_ = container.Terminate(context.Background())
		return nil, err
	}

	return &SharedMongoContainer{Container: container, URI: uri}, nil
}

// initiateReplicaSet turns the standalone server into a one-member replica set
// and waits until it becomes primary.
func initiateReplicaSet(ctx context.Context, uri string) error {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	defer func() { _ = client.Disconnect(context.Background()) }()

	if err = pingWithRetries(ctx, client); err != nil {
		return err
	}

	admin := client.Database("admin")
	initiate := bson.D{{Key: "replSetInitiate", Value: bson.M{
		"_id":     mongoReplicaSet,
		"members": bson.A{bson.M{"_id": 0, "host": "localhost:27017"}},
	}}}
	if err = admin.RunCommand(ctx, initiate).Err(); err != nil && !strings.Contains(err.Error(), "already initialized") {
		return fmt.Errorf("failed to initiate replica set: %w", err)
	}

	for range mongoPrimaryWaitAttempts {
		var hello struct {
			IsWritablePrimary bool `bson:"isWritablePrimary"`
		}
		if err = admin.RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello); err == nil && hello.IsWritablePrimary {
			return nil
		}
		time.Sleep(mongoPingRetryDelay)
	}
	return errors.New("replica set did not elect a primary")
}

func pingWithRetries(ctx context.Context, client *mongo.Client) error {
	maxRetries := 5
	var err error
	for i := range maxRetries {
		pingCtx, pingCancel := context.WithTimeout(ctx, mongoPingTimeout)
		err = client.Ping(pingCtx, nil)
		pingCancel()
		if err == nil {
			return nil
		}
		if i < maxRetries-1 {
			time.Sleep(mongoPingRetryDelay)
		}
	}
	return fmt.Errorf("failed to ping MongoDB after %d retries: %w", maxRetries, err)
}

// SetupTestMongoDB creates an isolated database in the shared container.
// The database is dropped when the test finishes.
func SetupTestMongoDB(t *testing.T) *mongo.Database {
	t.Helper()

	_, db := SetupTestMongoDBWithClient(t)
	return db
}

// SetupTestMongoDBWithClient is SetupTestMongoDB that also returns the
// client, for tests that open sessions.
func SetupTestMongoDBWithClient(t *testing.T) (*mongo.Client, *mongo.Database) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping MongoDB integration test in short mode")
	}

	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(context.Background(), mongoContainerStartupTimeout)
	defer cancel()

	container, err := GetSharedMongoContainer(ctx)
	if err != nil {
		t.Skipf("MongoDB container not available: %v", err)
	}

	client, err := mongo.Connect(options.Client().ApplyURI(container.URI))
	if err != nil {
		t.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	if err = pingWithRetries(ctx, client); err != nil {
		t.Fatalf("%v", err)
	}

	db := client.Database(generateTestDBName(t.Name()))

	t.Cleanup(func() {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), mongoCtxTimeout)
		defer cleanupCancel()
		_ = db.Drop(cleanupCtx)
		_ = client.Disconnect(cleanupCtx)
	})

	return client, db
}

// generateTestDBName creates a unique database name from test name
func generateTestDBName(testName string) string {
	name := strings.NewReplacer("/", "_", " ", "_", ".", "_").Replace(testName)
	if len(name) > maxTestNameLength {
		// MongoDB limits database names to 63 bytes
		hash := sha256.Sum256([]byte(testName))
		name = name[:20] + "_" + hex.EncodeToString(hash[:])[:12]
	}
	return "searchsync_test_" + name
}

// CleanupSharedMongoContainer terminates the shared container.
// Call it from TestMain after m.Run.
func CleanupSharedMongoContainer() {
	if sharedMongo != nil && sharedMongo.Container != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mongoContainerTerminateTimeout)
		defer cancel()
		_ = sharedMongo.Container.Terminate(ctx)
	}
}
