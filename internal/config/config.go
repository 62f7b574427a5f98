/*
Kurier Mail Server - extensible SMTP server with a durable relay spool.
Copyright © 2024-2026 The Kurier Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package config loads the server configuration using koanf/v2 with a YAML
// file and KURIER_-prefixed environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the complete server configuration.
type Config struct {
	// Hostname is the name the server announces in its greeting and EHLO
	// reply and records in Received headers.
	Hostname string `koanf:"hostname"`

	// LocalDomain is the domain whose mailboxes are delivered locally.
	// Recipients in any other domain are relayed.
	LocalDomain string `koanf:"local_domain"`

	Listeners []ListenerConfig `koanf:"listeners"`
	Storage   StorageConfig    `koanf:"storage"`
	TLS       TLSConfig        `koanf:"tls"`
	Limits    LimitsConfig     `koanf:"limits"`
	Auth      AuthConfig       `koanf:"auth"`
	Spool     SpoolConfig      `koanf:"spool"`
	Relay     RelayConfig      `koanf:"relay"`
	Features  FeaturesConfig   `koanf:"features"`
	Lifecycle LifecycleConfig  `koanf:"lifecycle"`
	Metrics   MetricsConfig    `koanf:"metrics"`
	Log       LogConfig        `koanf:"log"`
}

// ListenerConfig describes a single listening endpoint.
type ListenerConfig struct {
	Addr string `koanf:"addr"`

	// ImplicitTLS wraps accepted connections in TLS immediately
	// (SMTPS-style); StartTLS advertises and accepts the STARTTLS command
	// instead. The two are mutually exclusive.
	ImplicitTLS bool `koanf:"implicit_tls"`
	StartTLS    bool `koanf:"start_tls"`

	// Auth advertises and accepts the AUTH command on this listener.
	Auth bool `koanf:"auth"`

	// RequireAuthForMail rejects MAIL from unauthenticated sessions
	// (typical for a submission listener).
	RequireAuthForMail bool `koanf:"require_auth_for_mail"`

	IdleTimeout time.Duration `koanf:"idle_timeout"`

	// ProxyProtocol enables PROXY protocol header parsing on accepted
	// connections; ProxyTrusted restricts it to the listed source CIDRs
	// (empty means any source).
	ProxyProtocol bool     `koanf:"proxy_protocol"`
	ProxyTrusted  []string `koanf:"proxy_trusted"`
}

// StorageConfig holds the local message storage locations.
type StorageConfig struct {
	// MaildirRoot is the base directory of the per-user maildir trees.
	MaildirRoot string `koanf:"maildir_root"`

	// MessagesDir holds accepted raw messages until they are delivered
	// or spooled.
	MessagesDir string `koanf:"messages_dir"`
}

// TLSConfig holds the server certificate and TLS policy knobs.
type TLSConfig struct {
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`

	// MinVersion is "1.2" or "1.3".
	MinVersion string `koanf:"min_version"`

	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`
}

// LimitsConfig holds protocol and flow-control limits.
type LimitsConfig struct {
	// MaxMessageSize is the accepted message size cap, advertised in the
	// EHLO SIZE extension and enforced during DATA/BDAT.
	MaxMessageSize int64 `koanf:"max_message_size"`

	// MaxLine caps body text lines; command lines are capped at the RFC
	// 5321 limit regardless.
	MaxLine      int `koanf:"max_line"`
	MaxBdatChunk int `koanf:"max_bdat_chunk"`

	// InboundQueueHigh/Low are the read flow-control watermarks, octets of
	// not-yet-processed input per session. Crossing High pauses the
	// transport reader; draining below Low resumes it.
	InboundQueueHigh int `koanf:"inbound_queue_high"`
	InboundQueueLow  int `koanf:"inbound_queue_low"`

	// BodyTimeout caps the total duration of a DATA/BDAT body transfer.
	BodyTimeout time.Duration `koanf:"body_timeout"`
}

// AuthConfig holds the credential backend and abuse limiter settings.
type AuthConfig struct {
	// Backend selects the credential store; currently only "file".
	Backend string `koanf:"backend"`

	// File is the path of the user database for the file backend, one
	// "name:bcrypt-hash" entry per line.
	File string `koanf:"file"`

	// ResetOnRSET drops the authenticated identity on RSET.
	ResetOnRSET bool `koanf:"reset_on_rset"`

	Limit AuthLimitConfig `koanf:"limit"`
}

// AuthLimitConfig configures the per-identity authentication failure
// limiter.
type AuthLimitConfig struct {
	// Backend is "memory" or "badger".
	Backend string `koanf:"backend"`

	MaxFailures int           `koanf:"max_failures"`
	Window      time.Duration `koanf:"window"`
	Lockout     time.Duration `koanf:"lockout"`
}

// SpoolConfig configures the durable outbound spool.
type SpoolConfig struct {
	// Type is "file" or "badger".
	Type string `koanf:"type"`

	// Dir is the spool directory for the file store.
	Dir string `koanf:"dir"`

	MaxRetries int `koanf:"max_retries"`

	// RetryDelay is the base of the exponential backoff schedule.
	RetryDelay time.Duration `koanf:"retry_delay"`

	// TriggerCooldown is the minimum spacing between spooler sweeps
	// caused by enqueue/ETRN triggers.
	TriggerCooldown time.Duration `koanf:"trigger_cooldown"`

	WorkerConcurrency int `koanf:"worker_concurrency"`

	Badger BadgerConfig `koanf:"badger"`
}

// BadgerConfig configures the badger-backed spool store.
type BadgerConfig struct {
	Dir    string `koanf:"dir"`
	Prefix string `koanf:"prefix"`

	// LockTTL bounds how long a crashed worker keeps a message locked.
	LockTTL time.Duration `koanf:"lock_ttl"`
}

// RelayConfig holds the outbound relay policy.
type RelayConfig struct {
	Enabled bool `koanf:"enabled"`

	// RequireAuth permits relay for authenticated sessions only.
	RequireAuth bool `koanf:"require_auth"`

	// AllowedSenderDomains additionally restricts relayed mail to the
	// listed MAIL FROM domains (empty means no restriction).
	AllowedSenderDomains []string `koanf:"allowed_sender_domains"`

	// AllowedClientCIDRs permits unauthenticated relay from the listed
	// source networks.
	AllowedClientCIDRs []string `koanf:"allowed_client_cidrs"`

	// OutboundPolicy is "opportunistic", "require_tls" or "plaintext".
	OutboundPolicy string `koanf:"outbound_policy"`
}

// FeaturesConfig toggles optional ESMTP verbs.
type FeaturesConfig struct {
	VRFY bool `koanf:"vrfy"`
	ETRN bool `koanf:"etrn"`
	EXPN bool `koanf:"expn"`
}

// LifecycleConfig holds shutdown behavior.
type LifecycleConfig struct {
	GracefulShutdownTimeout time.Duration `koanf:"graceful_shutdown_timeout"`
}

// MetricsConfig holds the Prometheus exposition endpoint settings. An
// empty Addr disables the endpoint.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Debug bool `koanf:"debug"`
}

// Outbound relay TLS policy values.
const (
	PolicyOpportunistic = "opportunistic"
	PolicyRequireTLS    = "require_tls"
	PolicyPlaintext     = "plaintext"
)

// Default returns a Config populated with the documented defaults. A
// config file overrides field by field.
func Default() *Config {
	return &Config{
		Hostname: "localhost",
		Listeners: []ListenerConfig{
			{Addr: ":25", StartTLS: true},
		},
		Storage: StorageConfig{
			MaildirRoot: "/var/lib/kurier/mail",
			MessagesDir: "/var/lib/kurier/messages",
		},
		TLS: TLSConfig{
			MinVersion:       "1.2",
			HandshakeTimeout: 30 * time.Second,
		},
		Limits: LimitsConfig{
			MaxMessageSize:   32 * 1024 * 1024,
			MaxLine:          998,
			MaxBdatChunk:     16 * 1024 * 1024,
			InboundQueueHigh: 512 * 1024,
			InboundQueueLow:  128 * 1024,
			BodyTimeout:      5 * time.Minute,
		},
		Auth: AuthConfig{
			Backend: "file",
			Limit: AuthLimitConfig{
				Backend:     "memory",
				MaxFailures: 5,
				Window:      5 * time.Minute,
				Lockout:     15 * time.Minute,
			},
		},
		Spool: SpoolConfig{
			Type:              "file",
			Dir:               "/var/spool/kurier",
			MaxRetries:        5,
			RetryDelay:        time.Minute,
			TriggerCooldown:   time.Second,
			WorkerConcurrency: 4,
			Badger: BadgerConfig{
				Prefix:  "kurier",
				LockTTL: 5 * time.Minute,
			},
		},
		Relay: RelayConfig{
			Enabled:        true,
			RequireAuth:    true,
			OutboundPolicy: PolicyOpportunistic,
		},
		Features: FeaturesConfig{
			ETRN: true,
		},
		Lifecycle: LifecycleConfig{
			GracefulShutdownTimeout: 30 * time.Second,
		},
	}
}

// envPrefix is the environment variable prefix. Variables map as
// KURIER_<section>_<key> -> section.key, e.g. KURIER_LOG_DEBUG.
const envPrefix = "KURIER_"

// Load reads the YAML file at path, overlays KURIER_ environment variable
// overrides on top and fills unset fields from Default(). The result is
// validated.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("config: env overrides: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// Validation errors.
var (
	ErrNoListeners       = errors.New("at least one listener is required")
	ErrListenerTLSModes  = errors.New("implicit_tls and start_tls are mutually exclusive")
	ErrBadWatermarks     = errors.New("limits.inbound_queue_low must be below inbound_queue_high")
	ErrBadTLSVersion     = errors.New("tls.min_version must be 1.2 or 1.3")
	ErrBadOutboundPolicy = errors.New("relay.outbound_policy must be opportunistic, require_tls or plaintext")
	ErrBadSpoolType      = errors.New("spool.type must be file or badger")
	ErrBadAuthBackend    = errors.New("auth.backend must be file")
	ErrBadLimitBackend   = errors.New("auth.limit.backend must be memory or badger")
)

// Validate checks the configuration for logical errors, returning the
// first one found.
func (c *Config) Validate() error {
	if len(c.Listeners) == 0 {
		return ErrNoListeners
	}
	for i, l := range c.Listeners {
		if l.Addr == "" {
			return fmt.Errorf("listeners[%d]: addr must not be empty", i)
		}
		if l.ImplicitTLS && l.StartTLS {
			return fmt.Errorf("listeners[%d]: %w", i, ErrListenerTLSModes)
		}
		for _, cidr := range l.ProxyTrusted {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("listeners[%d]: proxy_trusted %q: %w", i, cidr, err)
			}
		}
	}

	if c.Limits.InboundQueueLow >= c.Limits.InboundQueueHigh {
		return ErrBadWatermarks
	}
	if c.TLS.MinVersion != "" && c.TLS.MinVersion != "1.2" && c.TLS.MinVersion != "1.3" {
		return ErrBadTLSVersion
	}

	switch c.Relay.OutboundPolicy {
	case PolicyOpportunistic, PolicyRequireTLS, PolicyPlaintext:
	default:
		return ErrBadOutboundPolicy
	}
	for _, cidr := range c.Relay.AllowedClientCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("relay.allowed_client_cidrs %q: %w", cidr, err)
		}
	}

	switch c.Spool.Type {
	case "file", "badger":
	default:
		return ErrBadSpoolType
	}
	if c.Spool.MaxRetries < 1 {
		return errors.New("spool.max_retries must be >= 1")
	}
	if c.Spool.RetryDelay <= 0 {
		return errors.New("spool.retry_delay must be > 0")
	}
	if c.Spool.WorkerConcurrency < 1 {
		return errors.New("spool.worker_concurrency must be >= 1")
	}

	if c.Auth.Backend != "" && c.Auth.Backend != "file" {
		return ErrBadAuthBackend
	}
	switch c.Auth.Limit.Backend {
	case "", "memory", "badger":
	default:
		return ErrBadLimitBackend
	}

	return nil
}
