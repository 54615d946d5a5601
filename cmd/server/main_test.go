package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prismq/taskqueue/configs"
	"github.com/prismq/taskqueue/internal/backend"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runTestServer(t *testing.T, cfg *configs.Config) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg.StoreBackend = configs.BackendSQLite
	cfg.SQLite = configs.SQLiteConfig{
		Path:                filepath.Join(t.TempDir(), "tasks.db"),
		BusyTimeoutInMillis: 5000,
		MaxOpenConns:        4,
	}

	storage, err := backend.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = storage.Close()
	})

	reg := prometheus.NewRegistry()
	router, serverLogic, err := setupHTTPServer(cfg, storage, nil, reg, reg)
	require.NoError(t, err)
	serverLogic.MarkReady()

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts
}

func Test_liveness_api(t *testing.T) {
	ts := runTestServer(t, &configs.Config{})

	t.Run("it should return 200 when health is ok", func(t *testing.T) {
		resp, err := http.Get(fmt.Sprintf("%s/liveness", ts.URL))
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func Test_readiness_api(t *testing.T) {
	ts := runTestServer(t, &configs.Config{})

	t.Run("it should return 200 when dependencies are initialized", func(t *testing.T) {
		resp, err := http.Get(fmt.Sprintf("%s/readiness", ts.URL))
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func Test_create_task_api(t *testing.T) {
	ts := runTestServer(t, &configs.Config{
		ServerTaskTypes: []string{"fetch"},
		Worker:          configs.WorkerConfig{MaxRetries: 2},
	})

	post := func(payload map[string]any) (*http.Response, []byte) {
		jsonData, err := json.Marshal(payload)
		require.NoError(t, err)

		resp, err := http.Post(fmt.Sprintf("%s/tasks", ts.URL), "application/json", bytes.NewBuffer(jsonData))
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, body
	}

	t.Run("it should create a queued task with the configured retry budget", func(t *testing.T) {
		resp, body := post(map[string]any{
			"task_type":  "fetch",
			"parameters": map[string]string{"url": "https://example.com"},
			"priority":   1,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

		var responseMap struct {
			Task struct {
				ID         int64  `json:"id"`
				Status     string `json:"status"`
				MaxRetries int    `json:"max_retries"`
			} `json:"task"`
		}
		require.NoError(t, json.Unmarshal(body, &responseMap))

		// Making sure the task id is 1
		assert.Equal(t, int64(1), responseMap.Task.ID)
		assert.Equal(t, "queued", responseMap.Task.Status)
		assert.Equal(t, 2, responseMap.Task.MaxRetries)
	})

	t.Run("it should reject task types no worker serves", func(t *testing.T) {
		resp, body := post(map[string]any{"task_type": "send_email"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, string(body), `"code":"unknown_task_type"`)
	})
}
