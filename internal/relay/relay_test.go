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

package relay

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/foxcpp/go-mockdns"

	"github.com/kurier-mta/kurier/framework/exterrors"
	"github.com/kurier-mta/kurier/framework/log"
	"github.com/kurier-mta/kurier/internal/config"
	"github.com/kurier-mta/kurier/internal/spool"
)

func testRelay(zones map[string]mockdns.Zone) *SMTPRelay {
	return &SMTPRelay{
		Hostname:    "mx.local.example",
		Resolver:    &mockdns.Resolver{Zones: zones},
		TLSPolicy:   config.PolicyPlaintext,
		DialTimeout: time.Second,
		Log:         log.Logger{Out: log.NopOutput{}},
	}
}

func TestLookupTargetsPreferenceOrder(t *testing.T) {
	r := testRelay(map[string]mockdns.Zone{
		"remote.example.": {MX: []net.MX{
			{Host: "backup.remote.example.", Pref: 20},
			{Host: "primary.remote.example.", Pref: 5},
		}},
	})

	hosts, err := r.lookupTargets(context.Background(), "remote.example")
	if err != nil {
		t.Fatal(err)
	}
	if len(hosts) != 2 || hosts[0] != "primary.remote.example" || hosts[1] != "backup.remote.example" {
		t.Errorf("hosts = %v", hosts)
	}
}

func TestLookupTargetsImplicitMX(t *testing.T) {
	r := testRelay(map[string]mockdns.Zone{
		"remote.example.": {A: []string{"192.0.2.8"}},
	})

	hosts, err := r.lookupTargets(context.Background(), "remote.example")
	if err != nil {
		t.Fatal(err)
	}
	if len(hosts) != 1 || hosts[0] != "remote.example" {
		t.Errorf("hosts = %v", hosts)
	}
}

func TestLookupTargetsNullMX(t *testing.T) {
	r := testRelay(map[string]mockdns.Zone{
		"nomail.example.": {MX: []net.MX{{Host: ".", Pref: 0}}},
	})

	_, err := r.lookupTargets(context.Background(), "nomail.example")
	if err == nil {
		t.Fatal("null MX should refuse delivery")
	}
	if !spool.Permanent(err) {
		t.Errorf("null MX should be permanent: %v", err)
	}
	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) || smtpErr.Code != 556 {
		t.Errorf("expected 556, got %v", err)
	}
}

func TestLookupTargetsNXDomain(t *testing.T) {
	r := testRelay(map[string]mockdns.Zone{})

	_, err := r.lookupTargets(context.Background(), "missing.invalid")
	if err == nil {
		t.Fatal("NXDOMAIN should fail")
	}
	if !spool.Permanent(err) {
		t.Errorf("NXDOMAIN should be permanent: %v", err)
	}
}

// scriptedServer speaks just enough SMTP to accept one message.
func scriptedServer(t *testing.T, ln net.Listener, got *strings.Builder, done chan<- struct{}) {
	defer close(done)
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	send := func(line string) { conn.Write([]byte(line + "\r\n")) }
	recv := func() string {
		line, _ := r.ReadString('\n')
		return strings.TrimRight(line, "\r\n")
	}

	send("220 test.remote.example ESMTP")
	for {
		line := recv()
		cmd := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(cmd, "EHLO"):
			send("250-test.remote.example")
			send("250 SIZE 10485760")
		case strings.HasPrefix(cmd, "MAIL"), strings.HasPrefix(cmd, "RCPT"):
			got.WriteString(line + "\n")
			send("250 OK")
		case strings.HasPrefix(cmd, "DATA"):
			send("354 Go ahead")
			for {
				dataLine := recv()
				if dataLine == "." {
					break
				}
				got.WriteString(dataLine + "\n")
			}
			send("250 Accepted")
		case strings.HasPrefix(cmd, "QUIT"):
			send("221 Bye")
			return
		default:
			send("502 Unknown")
		}
	}
}

func TestDeliverToHost(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	var got strings.Builder
	done := make(chan struct{})
	go scriptedServer(t, ln, &got, done)

	_, port, _ := net.SplitHostPort(ln.Addr().String())
	r := testRelay(nil)
	r.Port = port

	msgPath := filepath.Join(t.TempDir(), "m.eml")
	if err := os.WriteFile(msgPath, []byte("Subject: hi\r\n\r\nbody\r\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	meta := &spool.Metadata{ID: "m1", Sender: "sender@local.example"}
	err = r.deliverToHost(context.Background(), "127.0.0.1", meta, "rcpt@remote.example", msgPath)
	if err != nil {
		t.Fatal(err)
	}

	<-done
	out := got.String()
	for _, fragment := range []string{
		"MAIL FROM:<sender@local.example>",
		"RCPT TO:<rcpt@remote.example>",
		"Subject: hi",
		"body",
	} {
		if !strings.Contains(out, fragment) {
			t.Errorf("server did not see %q:\n%s", fragment, out)
		}
	}
}

func TestWrapClientErr552Rewrite(t *testing.T) {
	r := testRelay(nil)
	err := r.wrapClientErr(&smtp.SMTPError{
		Code:         552,
		EnhancedCode: smtp.EnhancedCode{5, 2, 2},
		Message:      "storage full",
	}, "mx.remote.example")

	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) {
		t.Fatalf("unexpected type: %v", err)
	}
	if smtpErr.Code != 452 || smtpErr.EnhancedCode[0] != 4 {
		t.Errorf("552 not rewritten: %+v", smtpErr)
	}
	if spool.Permanent(err) {
		t.Error("rewritten 452 should classify as transient")
	}
}
