package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentoven/agentoven/dispatch-plane/internal/config"
	"github.com/agentoven/agentoven/dispatch-plane/pkg/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:    0,
		Version: "test",
		Store:   config.StoreConfig{Driver: "memory", ConfirmationTTL: time.Minute},
		Intent:  config.IntentConfig{Scorer: "heuristic", HeuristicThreshold: 0.6},
		LLM:     config.LLMConfig{TierTimeout: time.Second},
		Sweeper: config.SweeperConfig{Interval: time.Minute},
	}
}

func newServer(t *testing.T, cfg *config.Config) *server.Server {
	t.Helper()
	srv, err := server.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close(context.Background()) })
	return srv
}

func TestNewServesHealthAndMessages(t *testing.T) {
	srv := newServer(t, testConfig())
	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, _ := json.Marshal(map[string]string{"chat_id": "c1", "text": "Oi"})
	resp, err = http.Post(ts.URL+"/api/v1/messages", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reply map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	assert.NotEmpty(t, reply["text"])
}

func TestNewRegistersBuiltinTools(t *testing.T) {
	cfg := testConfig()
	cfg.Tools.MessageWebhookURL = "http://127.0.0.1:1/messages"
	srv := newServer(t, cfg)

	_, ok := srv.Dispatcher.Get("http_request")
	assert.True(t, ok)
	desc, ok := srv.Dispatcher.Get("send_message")
	require.True(t, ok)
	assert.True(t, desc.Sensitive)
}

func TestNewWithSQLiteStore(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "dispatch.db")
	srv := newServer(t, cfg)

	require.NoError(t, srv.Store.Ping(context.Background()))
	_, err := os.Stat(cfg.Store.SQLitePath)
	assert.NoError(t, err)
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Driver = "cassandra"
	_, err := server.New(context.Background(), cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Store.Driver = "postgres"
	_, err = server.New(context.Background(), cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Intent.Scorer = "telepathy"
	_, err = server.New(context.Background(), cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Tools.ManifestPath = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = server.New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	srv := newServer(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
