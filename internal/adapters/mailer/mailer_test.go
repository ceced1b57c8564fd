package mailer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		errMsg string
	}{
		{
			name: "valid config",
			cfg: Config{
				EndpointURL: "https://mail.example.com/send",
				FromAddress: "noreply@example.com",
			},
		},
		{
			name:   "missing endpoint",
			cfg:    Config{FromAddress: "noreply@example.com"},
			errMsg: "mail endpoint url is required",
		},
		{
			name:   "missing from address",
			cfg:    Config{EndpointURL: "https://mail.example.com/send"},
			errMsg: "mail from address is required",
		},
		{
			name: "malformed from address",
			cfg: Config{
				EndpointURL: "https://mail.example.com/send",
				FromAddress: "not an address",
			},
			errMsg: "invalid from address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.cfg)
			if tt.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, client)
		})
	}
}

func TestClient_SendInvitation(t *testing.T) {
	ctx := context.Background()

	t.Run("posts the invitation message", func(t *testing.T) {
		var (
			gotAuth        string
			gotContentType string
			gotMsg         map[string]any
		)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			gotContentType = r.Header.Get("Content-Type")
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotMsg))
			w.WriteHeader(http.StatusAccepted)
		}))
		defer srv.Close()

		client, err := NewClient(Config{
			EndpointURL: srv.URL,
			APIKey:      "test-key",
			FromAddress: "noreply@example.com",
		})
		require.NoError(t, err)

		require.NoError(t, client.SendInvitation(ctx, "jo@example.com", "Jo Doe", "tok-123"))

		assert.Equal(t, "Bearer test-key", gotAuth)
		assert.Equal(t, "application/json", gotContentType)
		assert.Equal(t, "noreply@example.com", gotMsg["from"])
		assert.Equal(t, "jo@example.com", gotMsg["to"])
		assert.Equal(t, "employee-invitation", gotMsg["template"])
		vars, ok := gotMsg["vars"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "Jo Doe", vars["full_name"])
		assert.Equal(t, "tok-123", vars["token"])
	})

	t.Run("no auth header without api key", func(t *testing.T) {
		var gotAuth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		client, err := NewClient(Config{EndpointURL: srv.URL, FromAddress: "noreply@example.com"})
		require.NoError(t, err)

		require.NoError(t, client.SendInvitation(ctx, "jo@example.com", "Jo Doe", "tok-123"))
		assert.Empty(t, gotAuth)
	})

	t.Run("gateway error includes body snippet", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("relay unavailable"))
		}))
		defer srv.Close()

		client, err := NewClient(Config{EndpointURL: srv.URL, FromAddress: "noreply@example.com"})
		require.NoError(t, err)

		err = client.SendInvitation(ctx, "jo@example.com", "Jo Doe", "tok-123")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mail gateway status 502")
		assert.Contains(t, err.Error(), "relay unavailable")
	})

	t.Run("validates inputs before the request", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
			t.Error("no request expected")
		}))
		defer srv.Close()

		client, err := NewClient(Config{EndpointURL: srv.URL, FromAddress: "noreply@example.com"})
		require.NoError(t, err)

		err = client.SendInvitation(ctx, "   ", "Jo Doe", "tok-123")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "recipient email is required")

		err = client.SendInvitation(ctx, "jo@example.com", "Jo Doe", "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invitation token is required")
	})

	t.Run("honors context cancellation", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		client, err := NewClient(Config{EndpointURL: srv.URL, FromAddress: "noreply@example.com"})
		require.NoError(t, err)

		cancelCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		err = client.SendInvitation(cancelCtx, "jo@example.com", "Jo Doe", "tok-123")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invitation request failed")
	})
}

func TestLogMailer(t *testing.T) {
	m := &LogMailer{}
	assert.NoError(t, m.SendInvitation(context.Background(), "jo@example.com", "Jo Doe", "tok-123"))
}
