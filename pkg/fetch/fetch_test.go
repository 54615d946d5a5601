package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchTask_Execute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte("hello prismq"))
		case "/big":
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		case "/slow":
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	task := NewFetchTask(srv.Client())

	t.Run("it should succeed on 2xx", func(t *testing.T) {
		result, err := task.Execute(context.Background(), map[string]string{"url": srv.URL + "/ok"})
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, 1, result.ItemsProcessed)
		assert.Equal(t, map[string]any{"status_code": 200, "content_length": int64(12)}, result.Data)
		assert.Contains(t, result.Metrics, "duration_seconds")
	})

	t.Run("it should fail on non 2xx", func(t *testing.T) {
		_, err := task.Execute(context.Background(), map[string]string{"url": srv.URL + "/missing"})
		assert.ErrorContains(t, err, "unexpected status 502")
	})

	t.Run("it should fail without a valid url", func(t *testing.T) {
		for _, params := range []map[string]string{{}, {"url": "ftp://example.com"}, {"url": "://"}} {
			_, err := task.Execute(context.Background(), params)
			assert.ErrorContains(t, err, "invalid url")
		}
	})

	t.Run("it should fail on oversized bodies", func(t *testing.T) {
		limited := task
		limited.MaxBodyBytes = 16
		_, err := limited.Execute(context.Background(), map[string]string{"url": srv.URL + "/big"})
		assert.ErrorContains(t, err, "exceeds 16 bytes")
	})

	t.Run("it should stop when the context is done", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := task.Execute(ctx, map[string]string{"url": srv.URL + "/slow"})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
