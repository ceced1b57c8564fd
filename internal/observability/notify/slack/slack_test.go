package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/workstead/provisioner/internal/observability/notify"
)

func TestNewClient(t *testing.T) {
	t.Run("requires webhook url", func(t *testing.T) {
		_, err := NewClient(Config{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "slack webhook url is required")
	})

	t.Run("defaults username", func(t *testing.T) {
		client, err := NewClient(Config{WebhookURL: "https://hooks.slack.com/services/x"})
		require.NoError(t, err)
		assert.Equal(t, "provisioner", client.username)
	})
}

func TestClient_SendJobFailure(t *testing.T) {
	ctx := context.Background()

	payload := notify.JobFailurePayload{
		JobID:       "job-1",
		JobKind:     "employee_provisioning",
		SubmitterID: "hr-admin-1",
		Error:       "max retries exceeded",
		Severity:    notify.SeverityCritical,
		OccurredAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	t.Run("posts the formatted message", func(t *testing.T) {
		var gotMsg map[string]any
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotMsg))
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		client, err := NewClient(Config{
			WebhookURL: srv.URL,
			Channel:    "#provisioning-alerts",
			Username:   "provisioner-bot",
		})
		require.NoError(t, err)

		require.NoError(t, client.SendJobFailure(ctx, payload))

		assert.Equal(t, "provisioner-bot", gotMsg["username"])
		assert.Equal(t, "#provisioning-alerts", gotMsg["channel"])

		text, ok := gotMsg["text"].(string)
		require.True(t, ok)
		assert.Contains(t, text, "`job-1`")
		assert.Contains(t, text, "employee_provisioning")
		assert.Contains(t, text, "*Severity*: critical")
		assert.Contains(t, text, "*Submitter*: hr-admin-1")
		assert.Contains(t, text, "*Error*: max retries exceeded")
		assert.Contains(t, text, "2025-06-01T12:00:00Z")
	})

	t.Run("escapes markup in the error text", func(t *testing.T) {
		var gotMsg map[string]any
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotMsg))
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		client, err := NewClient(Config{WebhookURL: srv.URL})
		require.NoError(t, err)

		escaped := payload
		escaped.Error = "lease <expired> & requeued"
		require.NoError(t, client.SendJobFailure(ctx, escaped))

		text, ok := gotMsg["text"].(string)
		require.True(t, ok)
		assert.Contains(t, text, "lease &lt;expired&gt; &amp; requeued")
	})

	t.Run("retries failed posts", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		client, err := NewClient(Config{WebhookURL: srv.URL, RetryLimit: 2})
		require.NoError(t, err)

		require.NoError(t, client.SendJobFailure(ctx, payload))
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("returns the last error when retries exhaust", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte("invalid_token"))
		}))
		defer srv.Close()

		client, err := NewClient(Config{WebhookURL: srv.URL, RetryLimit: 1})
		require.NoError(t, err)

		err = client.SendJobFailure(ctx, payload)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "slack webhook status 403")
		assert.Contains(t, err.Error(), "invalid_token")
	})

	t.Run("stops retrying on context cancellation", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		client, err := NewClient(Config{WebhookURL: srv.URL, RetryLimit: 5})
		require.NoError(t, err)

		cancelCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		err = client.SendJobFailure(cancelCtx, payload)
		require.Error(t, err)
		assert.LessOrEqual(t, calls.Load(), int32(2))
	})
}
