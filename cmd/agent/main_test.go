package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/searchsync/internal/config"
)

func TestSetupLogger_JSONFormat(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	var buf bytes.Buffer

	logger := setupLogger(cfg, &buf)
	logger.Info("hello", slog.String("k", "v"))
	logger.Debug("hidden")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "v", entry["k"])
	assert.NotContains(t, buf.String(), "hidden")
}

func TestSetupLogger_TextFormatDebug(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Log.Level = "debug"
	cfg.Log.Format = "text"
	var buf bytes.Buffer

	logger := setupLogger(cfg, &buf)
	logger.Debug("visible")

	assert.Contains(t, buf.String(), "msg=visible")
	assert.Contains(t, buf.String(), "source=")
}

func TestRun_StopsOnCancel(t *testing.T) {
	// Arrange
	cfg := config.DefaultConfig()
	cfg.Store.Type = config.StoreInMemory
	cfg.Backend.Type = config.BackendLog
	cfg.Server.Enabled = false
	logger := slog.New(slog.DiscardHandler)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// Act
	err := run(ctx, cfg, logger)

	// Assert
	require.NoError(t, err)
}

func TestRun_InvalidStore(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.Type = "cassandra"

	err := run(context.Background(), cfg, slog.New(slog.DiscardHandler))

	require.ErrorIs(t, err, config.ErrInvalidStoreType)
}
