package policy

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/marcus-qen/preflightd/internal/faults"
	"gopkg.in/yaml.v3"
)

// Notification event types carried over the wire.
const (
	EventAlertFiring   = "ALERT_FIRING"
	EventAlertResolved = "ALERT_RESOLVED"
)

// ChannelTypeWebhook is the only supported channel type.
const ChannelTypeWebhook = "webhook"

// Channel defaults applied before validation.
const (
	defaultTimeoutSeconds = 10
	defaultMaxAttempts    = 3
	defaultBackoffSeconds = 30
)

// Channel is one configured notification destination.
type Channel struct {
	ID                string   `yaml:"id" json:"id"`
	Type              string   `yaml:"type" json:"type"`
	Enabled           bool     `yaml:"enabled" json:"enabled"`
	TargetURL         string   `yaml:"target_url,omitempty" json:"target_url,omitempty"`
	TargetURLEnv      string   `yaml:"target_url_env,omitempty" json:"target_url_env,omitempty"`
	TimeoutSeconds    int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds"`
	MaxAttempts       int      `yaml:"max_attempts,omitempty" json:"max_attempts"`
	BackoffSeconds    int      `yaml:"backoff_seconds,omitempty" json:"backoff_seconds"`
	SigningSecretEnv  string   `yaml:"signing_secret_env,omitempty" json:"signing_secret_env,omitempty"`
	EnabledEventTypes []string `yaml:"enabled_event_types,omitempty" json:"enabled_event_types"`
}

type channelDocument struct {
	Channels []Channel `yaml:"channels"`
}

// LoadChannels reads and validates the notification-channel document.
func LoadChannels(path string) ([]Channel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read channel document: %w", err)
	}
	return ParseChannels(data)
}

// ParseChannels parses a channel document from raw bytes.
func ParseChannels(data []byte) ([]Channel, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc channelDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, faults.Payloadf("parse channel document: %v", err)
	}

	seen := make(map[string]struct{}, len(doc.Channels))
	for i := range doc.Channels {
		ch := &doc.Channels[i]
		ch.applyDefaults()
		if err := ch.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[ch.ID]; dup {
			return nil, faults.Payloadf("duplicate channel id %q", ch.ID)
		}
		seen[ch.ID] = struct{}{}
	}
	return doc.Channels, nil
}

func (c *Channel) applyDefaults() {
	if c.Type == "" {
		c.Type = ChannelTypeWebhook
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = defaultTimeoutSeconds
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BackoffSeconds == 0 {
		c.BackoffSeconds = defaultBackoffSeconds
	}
	if len(c.EnabledEventTypes) == 0 {
		c.EnabledEventTypes = []string{EventAlertFiring, EventAlertResolved}
	}
}

// Validate checks every recognised channel option.
func (c *Channel) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return faults.Payloadf("channel id is required")
	}
	if c.Type != ChannelTypeWebhook {
		return faults.Payloadf("channel %s: unsupported type %q", c.ID, c.Type)
	}
	if c.TargetURL == "" && c.TargetURLEnv == "" {
		return faults.Payloadf("channel %s: target_url or target_url_env is required", c.ID)
	}
	if c.TimeoutSeconds < 1 {
		return faults.Payloadf("channel %s: timeout_seconds must be >= 1", c.ID)
	}
	if c.MaxAttempts < 1 {
		return faults.Payloadf("channel %s: max_attempts must be >= 1", c.ID)
	}
	if c.BackoffSeconds < 1 {
		return faults.Payloadf("channel %s: backoff_seconds must be >= 1", c.ID)
	}
	for _, et := range c.EnabledEventTypes {
		if et != EventAlertFiring && et != EventAlertResolved {
			return faults.Payloadf("channel %s: unsupported event type %q", c.ID, et)
		}
	}
	return nil
}

// ResolveTarget returns the channel's target URL. A target_url_env that
// resolves to an empty value marks the channel mis-configured.
func (c *Channel) ResolveTarget() (string, bool) {
	if c.TargetURL != "" {
		return c.TargetURL, true
	}
	if c.TargetURLEnv != "" {
		if v := os.Getenv(c.TargetURLEnv); v != "" {
			return v, true
		}
	}
	return "", false
}

// Supports reports whether the channel accepts eventType.
func (c *Channel) Supports(eventType string) bool {
	for _, et := range c.EnabledEventTypes {
		if et == eventType {
			return true
		}
	}
	return false
}
