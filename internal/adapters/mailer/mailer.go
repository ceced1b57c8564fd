// Package mailer delivers invitation emails through an HTTP mail gateway.
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/workstead/provisioner/internal/core"
)

const defaultTimeout = 10 * time.Second

// Config captures the mail gateway connection settings.
type Config struct {
	EndpointURL string
	APIKey      string
	FromAddress string
	Timeout     time.Duration
	Client      *http.Client
}

// Client posts invitation messages to the configured gateway endpoint.
type Client struct {
	endpointURL string
	apiKey      string
	fromAddress string
	client      *http.Client
}

var _ core.Mailer = (*Client)(nil)

// NewClient builds a gateway mailer. The endpoint and from address are
// required; the timeout falls back to 10s.
func NewClient(cfg Config) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.EndpointURL)
	if endpoint == "" {
		return nil, errors.New("mail endpoint url is required")
	}
	from := strings.TrimSpace(cfg.FromAddress)
	if from == "" {
		return nil, errors.New("mail from address is required")
	}
	if _, err := mail.ParseAddress(from); err != nil {
		return nil, fmt.Errorf("invalid from address %q: %w", from, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{
		endpointURL: endpoint,
		apiKey:      strings.TrimSpace(cfg.APIKey),
		fromAddress: from,
		client:      hc,
	}, nil
}

type invitationMessage struct {
	From     string            `json:"from"`
	To       string            `json:"to"`
	Subject  string            `json:"subject"`
	Template string            `json:"template"`
	Vars     map[string]string `json:"vars"`
}

// SendInvitation posts a single invitation message. Template rendering
// happens gateway-side; we only supply the variables.
func (c *Client) SendInvitation(ctx context.Context, email, fullName, token string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return errors.New("recipient email is required")
	}
	if token == "" {
		return errors.New("invitation token is required")
	}

	msg := invitationMessage{
		From:     c.fromAddress,
		To:       email,
		Subject:  "You have been invited",
		Template: "employee-invitation",
		Vars: map[string]string{
			"full_name": fullName,
			"token":     token,
		},
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode invitation payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpointURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create invitation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("invitation request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return responseError(resp)
	}

	return drainBody(resp)
}

func responseError(resp *http.Response) error {
	snippet, readErr := io.ReadAll(io.LimitReader(resp.Body, 512))
	closeErr := resp.Body.Close()

	err := fmt.Errorf("mail gateway status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	if readErr != nil {
		err = errors.Join(err, fmt.Errorf("read response body: %w", readErr))
	}
	if closeErr != nil {
		err = errors.Join(err, fmt.Errorf("close response body: %w", closeErr))
	}
	return err
}

func drainBody(resp *http.Response) error {
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		closeErr := resp.Body.Close()
		if closeErr != nil {
			return errors.Join(
				fmt.Errorf("drain response body: %w", err),
				fmt.Errorf("close response body: %w", closeErr),
			)
		}
		return fmt.Errorf("drain response body: %w", err)
	}
	if err := resp.Body.Close(); err != nil {
		return fmt.Errorf("close response body: %w", err)
	}
	return nil
}

// LogMailer writes invitations to the log instead of delivering them. It is
// the default in development, where no gateway is configured.
type LogMailer struct {
	Logger *slog.Logger
}

var _ core.Mailer = (*LogMailer)(nil)

func (m *LogMailer) SendInvitation(_ context.Context, email, fullName, token string) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("invitation email (log only)",
		"email", email,
		"full_name", fullName,
		"token", token,
	)
	return nil
}
