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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kurier.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
hostname: mx.example.org
local_domain: example.org
listeners:
  - addr: ":25"
    start_tls: true
    idle_timeout: 300s
  - addr: ":587"
    start_tls: true
    auth: true
    require_auth_for_mail: true
limits:
  max_message_size: 1048576
spool:
  retry_delay: 30s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Hostname != "mx.example.org" {
		t.Errorf("hostname = %q", cfg.Hostname)
	}
	if len(cfg.Listeners) != 2 {
		t.Fatalf("listeners = %d", len(cfg.Listeners))
	}
	if cfg.Listeners[0].IdleTimeout != 5*time.Minute {
		t.Errorf("idle_timeout = %v", cfg.Listeners[0].IdleTimeout)
	}
	if !cfg.Listeners[1].RequireAuthForMail {
		t.Error("require_auth_for_mail not applied")
	}
	if cfg.Limits.MaxMessageSize != 1048576 {
		t.Errorf("max_message_size = %d", cfg.Limits.MaxMessageSize)
	}
	if cfg.Spool.RetryDelay != 30*time.Second {
		t.Errorf("retry_delay = %v", cfg.Spool.RetryDelay)
	}

	// Untouched fields keep defaults.
	if cfg.Limits.MaxLine != 998 {
		t.Errorf("max_line default lost: %d", cfg.Limits.MaxLine)
	}
	if cfg.Spool.MaxRetries != 5 {
		t.Errorf("max_retries default lost: %d", cfg.Spool.MaxRetries)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "hostname: mx.example.org\nlisteners:\n  - addr: \":25\"\n")
	t.Setenv("KURIER_HOSTNAME", "env.example.org")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Hostname != "env.example.org" {
		t.Errorf("env override lost: %q", cfg.Hostname)
	}
}

func TestValidate(t *testing.T) {
	check := func(mutate func(*Config), wantErr bool) {
		t.Helper()
		cfg := Default()
		mutate(cfg)
		err := cfg.Validate()
		if wantErr && err == nil {
			t.Error("expected validation error")
		}
		if !wantErr && err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}

	check(func(c *Config) {}, false)
	check(func(c *Config) { c.Listeners = nil }, true)
	check(func(c *Config) { c.Listeners[0].ImplicitTLS = true }, true) // with start_tls
	check(func(c *Config) { c.Limits.InboundQueueLow = c.Limits.InboundQueueHigh }, true)
	check(func(c *Config) { c.TLS.MinVersion = "1.0" }, true)
	check(func(c *Config) { c.Relay.OutboundPolicy = "mandatory" }, true)
	check(func(c *Config) { c.Relay.AllowedClientCIDRs = []string{"10.0.0.0/8"} }, false)
	check(func(c *Config) { c.Relay.AllowedClientCIDRs = []string{"10.0.0.0"} }, true)
	check(func(c *Config) { c.Spool.Type = "sqlite" }, true)
	check(func(c *Config) { c.Spool.MaxRetries = 0 }, true)
	check(func(c *Config) { c.Auth.Limit.Backend = "redis" }, true)
}
