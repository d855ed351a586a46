package container_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/searchsync/internal/config"
	"github.com/lllypuk/searchsync/internal/container"
	"github.com/lllypuk/searchsync/internal/domain/mutation"
)

func inMemoryConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Store.Type = config.StoreInMemory
	cfg.Backend.Type = config.BackendLog
	cfg.Admin.Token = "s3cret"
	return cfg
}

func TestNewContainer_InMemory(t *testing.T) {
	// Arrange
	ctx := context.Background()

	// Act
	c, err := container.NewContainer(ctx, inMemoryConfig())

	// Assert
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, c.Close()) })
	assert.NotNil(t, c.Outbox)
	assert.NotNil(t, c.Registry)
	assert.NotNil(t, c.Backend)
	assert.NotNil(t, c.Maintenance)
	assert.NotNil(t, c.Recorder)
	assert.Nil(t, c.MongoDB)
	assert.Nil(t, c.Redis)
}

func TestNewContainer_WithoutBackend(t *testing.T) {
	c, err := container.NewContainer(context.Background(), inMemoryConfig(), container.WithoutBackend())
	require.NoError(t, err)

	_, err = c.NewAgent()

	require.Error(t, err)
	assert.Nil(t, c.Backend)
}

func TestNewContainer_InvalidStore(t *testing.T) {
	cfg := inMemoryConfig()
	cfg.Store.Type = "cassandra"

	c, err := container.NewContainer(context.Background(), cfg)

	require.ErrorIs(t, err, config.ErrInvalidStoreType)
	assert.Nil(t, c)
}

func TestContainer_ServerRoutes(t *testing.T) {
	// Arrange
	ctx := context.Background()
	c, err := container.NewContainer(ctx, inMemoryConfig())
	require.NoError(t, err)
	agent, err := c.NewAgent()
	require.NoError(t, err)
	e := c.NewServer(agent).Echo()

	get := func(path, token string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code
	}

	// Act / Assert: not ready before the agent holds a lease
	assert.Equal(t, http.StatusOK, get("/health", ""))
	assert.Equal(t, http.StatusServiceUnavailable, get("/ready", ""))

	require.NoError(t, agent.Register(ctx))
	require.NoError(t, agent.Heartbeat(ctx))
	assert.Equal(t, http.StatusOK, get("/ready", ""))

	assert.Equal(t, http.StatusOK, get("/metrics", ""))
	assert.Equal(t, http.StatusUnauthorized, get("/api/v1/admin/aborted-events/count", ""))
	assert.Equal(t, http.StatusOK, get("/api/v1/admin/aborted-events/count", "s3cret"))
	assert.Equal(t, http.StatusOK, get("/api/v1/admin/agents", "s3cret"))
}

func TestContainer_RecorderFeedsAgent(t *testing.T) {
	// Arrange
	ctx := context.Background()
	c, err := container.NewContainer(ctx, inMemoryConfig())
	require.NoError(t, err)
	agent, err := c.NewAgent()
	require.NoError(t, err)
	m, err := mutation.Upsert("articles", "42", map[string]string{"title": "hello"})
	require.NoError(t, err)
	_, err = c.Recorder.Record(ctx, "article", "42", "", m)
	require.NoError(t, err)

	// Act
	require.NoError(t, agent.Register(ctx))
	require.NoError(t, agent.Heartbeat(ctx))
	result, err := agent.Processor().ProcessOnce(ctx)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)
	stats, err := c.Outbox.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
}
