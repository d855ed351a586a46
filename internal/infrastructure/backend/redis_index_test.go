package backend_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/searchsync/internal/domain/mutation"
	"github.com/lllypuk/searchsync/internal/domain/outbox"
	"github.com/lllypuk/searchsync/internal/infrastructure/backend"
	"github.com/lllypuk/searchsync/internal/testutil"
)

func mutationEvent(t *testing.T, id int64, m mutation.Mutation) *outbox.Event {
	t.Helper()
	return tenantEvent(t, id, m, "acme")
}

func tenantEvent(t *testing.T, id int64, m mutation.Mutation, tenantID string) *outbox.Event {
	t.Helper()

	payload, err := mutation.Encode(m, mutation.FormatMsgpack)
	require.NoError(t, err)

	evt := outbox.NewEvent("product", m.DocumentID, payload, tenantID)
	evt.ID = id
	return evt
}

func TestRedisIndex_Apply(t *testing.T) {
	client, prefix := testutil.SetupTestRedisWithPrefix(t)
	index := backend.NewRedisIndex(client, backend.WithKeyPrefix(prefix))
	ctx := context.Background()

	upsert, err := mutation.Upsert("products", "p-1", map[string]string{"name": "Lamp"})
	require.NoError(t, err)

	t.Run("upsert writes the document", func(t *testing.T) {
		require.NoError(t, index.Apply(ctx, mutationEvent(t, 10, upsert)))

		doc, version, found, err := index.Document(ctx, "acme", "products", "p-1")
		require.NoError(t, err)
		assert.True(t, found)
		assert.EqualValues(t, 10, version)
		assert.JSONEq(t, `{"name":"Lamp"}`, string(doc))

		ids, err := index.DocumentIDs(ctx, "acme", "products")
		require.NoError(t, err)
		assert.Equal(t, []string{"p-1"}, ids)
	})

	t.Run("replaying the same event is idempotent", func(t *testing.T) {
		require.NoError(t, index.Apply(ctx, mutationEvent(t, 10, upsert)))

		_, version, found, err := index.Document(ctx, "acme", "products", "p-1")
		require.NoError(t, err)
		assert.True(t, found)
		assert.EqualValues(t, 10, version)
	})

	t.Run("delete removes the document", func(t *testing.T) {
		require.NoError(t, index.Apply(ctx, mutationEvent(t, 11, mutation.Delete("products", "p-1"))))

		_, version, found, err := index.Document(ctx, "acme", "products", "p-1")
		require.NoError(t, err)
		assert.False(t, found)
		assert.EqualValues(t, 11, version)

		ids, err := index.DocumentIDs(ctx, "acme", "products")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("older event does not resurrect a deleted document", func(t *testing.T) {
		require.NoError(t, index.Apply(ctx, mutationEvent(t, 9, upsert)))

		_, _, found, err := index.Document(ctx, "acme", "products", "p-1")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("deleting a missing document succeeds", func(t *testing.T) {
		require.NoError(t, index.Apply(ctx, mutationEvent(t, 12, mutation.Delete("products", "never"))))
	})

	t.Run("undecodable payload fails", func(t *testing.T) {
		evt := outbox.NewEvent("product", "p-2", []byte("garbage"), "")
		evt.ID = 13
		require.ErrorIs(t, index.Apply(ctx, evt), mutation.ErrUnknownFormat)
	})
}

func TestRedisIndex_TenantsAreIsolated(t *testing.T) {
	client, prefix := testutil.SetupTestRedisWithPrefix(t)
	index := backend.NewRedisIndex(client, backend.WithKeyPrefix(prefix))
	ctx := context.Background()

	// Arrange
	lamp, err := mutation.Upsert("products", "p-1", map[string]string{"name": "Lamp"})
	require.NoError(t, err)
	chair, err := mutation.Upsert("products", "p-1", map[string]string{"name": "Chair"})
	require.NoError(t, err)

	acme := mutationEvent(t, 10, lamp)
	globex := tenantEvent(t, 9, chair, "globex")

	// Act: the lower event id of another tenant lands after the higher one.
	require.NoError(t, index.Apply(ctx, acme))
	require.NoError(t, index.Apply(ctx, globex))

	// Assert
	doc, version, found, err := index.Document(ctx, "acme", "products", "p-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.EqualValues(t, 10, version)
	assert.JSONEq(t, `{"name":"Lamp"}`, string(doc))

	doc, version, found, err = index.Document(ctx, "globex", "products", "p-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.EqualValues(t, 9, version)
	assert.JSONEq(t, `{"name":"Chair"}`, string(doc))

	_, _, found, err = index.Document(ctx, "", "products", "p-1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, index.Apply(ctx, tenantEvent(t, 11, mutation.Delete("products", "p-1"), "globex")))

	ids, err := index.DocumentIDs(ctx, "acme", "products")
	require.NoError(t, err)
	assert.Equal(t, []string{"p-1"}, ids)

	ids, err = index.DocumentIDs(ctx, "globex", "products")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRedisIndex_ChangeChannel(t *testing.T) {
	client, prefix := testutil.SetupTestRedisWithPrefix(t)
	channel := prefix + "changes"
	index := backend.NewRedisIndex(client, backend.WithKeyPrefix(prefix), backend.WithChangeChannel(channel))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := client.Subscribe(ctx, channel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, index.Apply(ctx, mutationEvent(t, 1, mutation.Delete("products", "p-1"))))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var notice map[string]any
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &notice))
	assert.Equal(t, "delete", notice["op"])
	assert.Equal(t, "p-1", notice["document_id"])
	assert.Equal(t, "acme", notice["tenant_id"])
}

func TestLogBackend(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	b := backend.NewLogBackend(logger)

	upsert, err := mutation.Upsert("products", "p-1", map[string]int{"price": 3})
	require.NoError(t, err)

	require.NoError(t, b.Apply(context.Background(), mutationEvent(t, 7, upsert)))
	assert.Contains(t, buf.String(), `"document_id":"p-1"`)
	assert.Contains(t, buf.String(), `"event_id":7`)

	bad := outbox.NewEvent("product", "p-1", []byte("?"), "")
	require.Error(t, b.Apply(context.Background(), bad))
}

func TestFunc(t *testing.T) {
	var seen int64
	f := backend.Func(func(_ context.Context, evt *outbox.Event) error {
		seen = evt.ID
		return nil
	})

	require.NoError(t, f.Apply(context.Background(), &outbox.Event{ID: 4}))
	assert.EqualValues(t, 4, seen)
}
