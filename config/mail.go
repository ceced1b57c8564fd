package config

import (
	"strings"
	"time"
)

// MailConfig contains invitation mail gateway configuration. When disabled
// or missing an endpoint, invitations are logged instead of delivered.
type MailConfig struct {
	Enabled     bool          `env:"MAIL_ENABLED"      envDefault:"false"`
	EndpointURL string        `env:"MAIL_ENDPOINT_URL"`
	APIKey      string        `env:"MAIL_API_KEY"`
	FromAddress string        `env:"MAIL_FROM_ADDRESS" envDefault:"no-reply@workstead.io"`
	Timeout     time.Duration `env:"MAIL_TIMEOUT"      envDefault:"10s"`
}

// Sanitize normalises mail configuration values.
func (c *MailConfig) Sanitize() {
	c.EndpointURL = strings.TrimSpace(c.EndpointURL)
	c.FromAddress = strings.TrimSpace(c.FromAddress)
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Enabled && c.EndpointURL == "" {
		c.Enabled = false
	}
}
