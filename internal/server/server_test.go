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

package server

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/kurier-mta/kurier/framework/log"
	"github.com/kurier-mta/kurier/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Hostname = "mx.test.example"
	cfg.LocalDomain = "test.example"
	cfg.Listeners = []config.ListenerConfig{
		{Addr: "127.0.0.1:0", IdleTimeout: 5 * time.Second},
	}
	cfg.Storage.MaildirRoot = t.TempDir()
	cfg.Storage.MessagesDir = t.TempDir()
	cfg.Spool.Dir = t.TempDir()
	cfg.Relay.Enabled = false
	cfg.Auth.File = ""
	return cfg
}

func TestNewAndGreeting(t *testing.T) {
	srv, err := New(testConfig(t), log.Logger{Out: log.NopOutput{}})
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	if len(srv.listeners) != 1 {
		t.Fatalf("listeners = %d", len(srv.listeners))
	}
	addr := srv.listeners[0].ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.acceptLoop(ctx, srv.listeners[0])

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(line, "220 mx.test.example") {
		t.Errorf("greeting = %q", line)
	}
}

func TestNewRejectsTLSWithoutCert(t *testing.T) {
	cfg := testConfig(t)
	cfg.Listeners[0].StartTLS = true

	if _, err := New(cfg, log.Logger{Out: log.NopOutput{}}); err == nil {
		t.Fatal("expected an error for STARTTLS without a certificate")
	}
}

func TestSourceChecker(t *testing.T) {
	check := sourceChecker([]string{"10.0.0.0/8"})

	ok, err := check(&net.TCPAddr{IP: net.ParseIP("10.1.2.3"), Port: 40000})
	if err != nil || !ok {
		t.Errorf("trusted source refused: ok=%v err=%v", ok, err)
	}
	ok, err = check(&net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 40000})
	if err != nil || ok {
		t.Errorf("untrusted source accepted: ok=%v err=%v", ok, err)
	}
	ok, err = check(&net.UnixAddr{Name: "/run/haproxy.sock", Net: "unix"})
	if err != nil || !ok {
		t.Errorf("unix upstream refused: ok=%v err=%v", ok, err)
	}

	// No CIDR restriction trusts everything.
	anyCheck := sourceChecker(nil)
	if ok, _ := anyCheck(&net.TCPAddr{IP: net.ParseIP("192.0.2.1")}); !ok {
		t.Error("unrestricted checker refused a source")
	}
}

func TestTrackerDrainForcesStragglers(t *testing.T) {
	cfg := testConfig(t)
	cfg.Lifecycle.GracefulShutdownTimeout = 50 * time.Millisecond

	srv, err := New(cfg, log.Logger{Out: log.NopOutput{}})
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	addr := srv.listeners[0].ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.acceptLoop(ctx, srv.listeners[0])

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	rd := bufio.NewReader(conn)
	if _, err := rd.ReadString('\n'); err != nil {
		t.Fatal(err)
	}

	// The idle client does not quit on its own; drain must force it out
	// with a 421 after the grace period.
	done := make(chan struct{})
	go func() {
		srv.tracker.drain(cfg.Lifecycle.GracefulShutdownTimeout)
		close(done)
	}()

	line, err := rd.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(line, "421 ") {
		t.Errorf("shutdown reply = %q", line)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not finish")
	}
}
