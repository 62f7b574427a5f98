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

// Package relay delivers spooled messages to remote MXes over SMTP.
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/kurier-mta/kurier/framework/address"
	"github.com/kurier-mta/kurier/framework/exterrors"
	"github.com/kurier-mta/kurier/framework/log"
	"github.com/kurier-mta/kurier/internal/config"
	"github.com/kurier-mta/kurier/internal/spool"
)

// Resolver is the DNS interface the relay needs. *net.Resolver satisfies
// it, as does the mock used in tests.
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// SMTPRelay connects to the best MX of the recipient domain and hands the
// message over. One Deliver call covers one recipient.
type SMTPRelay struct {
	// Hostname is the EHLO argument.
	Hostname string

	Resolver Resolver

	// TLSPolicy is one of the config.Policy* values.
	TLSPolicy string

	// TLSConfig is the base client TLS configuration; ServerName is set
	// per connection.
	TLSConfig *tls.Config

	// Port overrides the SMTP port, for tests. Empty means 25.
	Port string

	DialTimeout time.Duration

	Log log.Logger
}

// Deliver attempts delivery of the message stored at msgPath to rcpt.
// MX hosts are tried in preference order; the error of the last attempt
// wins. Returned errors carry SMTP annotations when the remote gave any,
// so the failure classifier can route them.
func (r *SMTPRelay) Deliver(ctx context.Context, meta *spool.Metadata, rcpt string, msgPath string) error {
	domain, err := address.DomainOf(rcpt)
	if err != nil || domain == "" {
		return &exterrors.SMTPError{
			Code:         553,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 3},
			Message:      "Malformed recipient address",
			Err:          err,
		}
	}

	hosts, err := r.lookupTargets(ctx, domain)
	if err != nil {
		return err
	}

	var lastErr error
	for _, host := range hosts {
		err := r.deliverToHost(ctx, host, meta, rcpt, msgPath)
		if err == nil {
			return nil
		}
		lastErr = err
		if spool.Permanent(err) {
			// A 5xx from one MX will not get better on its sibling.
			break
		}
		r.Log.Msg("MX attempt failed, trying next", "host", host, "rcpt", rcpt,
			"reason", err.Error())
	}
	return lastErr
}

// lookupTargets resolves the MX set of the domain, sorted by preference.
// No MX records means the implicit MX (the domain itself, RFC 5321); a
// null MX (".") means the domain never accepts mail (RFC 7505).
func (r *SMTPRelay) lookupTargets(ctx context.Context, domain string) ([]string, error) {
	mxs, err := r.Resolver.LookupMX(ctx, domain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 2},
				Message:      "Recipient domain does not exist",
				Err:          err,
			}
		}
		// Other resolver failures (timeouts, servfail) are worth a
		// retry.
		return nil, exterrors.WithTemporary(fmt.Errorf("relay: MX lookup %s: %w", domain, err), true)
	}

	if len(mxs) == 0 {
		return []string{domain}, nil
	}
	if len(mxs) == 1 && (mxs[0].Host == "." || mxs[0].Host == "") {
		return nil, &exterrors.SMTPError{
			Code:         556,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 10},
			Message:      "Recipient domain does not accept mail (null MX)",
		}
	}

	sorted := append([]*net.MX(nil), mxs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Pref < sorted[j].Pref
	})
	hosts := make([]string, 0, len(sorted))
	for _, mx := range sorted {
		host := mx.Host
		for len(host) > 0 && host[len(host)-1] == '.' {
			host = host[:len(host)-1]
		}
		if host != "" {
			hosts = append(hosts, host)
		}
	}
	if len(hosts) == 0 {
		return nil, &exterrors.SMTPError{
			Code:         556,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 10},
			Message:      "No valid MX for recipient domain",
		}
	}
	return hosts, nil
}

func (r *SMTPRelay) deliverToHost(ctx context.Context, host string, meta *spool.Metadata, rcpt, msgPath string) error {
	port := r.Port
	if port == "" {
		port = "25"
	}

	dialer := net.Dialer{Timeout: r.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return exterrors.WithTemporary(fmt.Errorf("relay: dial %s: %w", host, err), true)
	}

	cl, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return r.wrapClientErr(err, host)
	}
	defer cl.Quit()

	if err := cl.Hello(r.Hostname); err != nil {
		return r.wrapClientErr(err, host)
	}

	if r.TLSPolicy != config.PolicyPlaintext {
		if ok, _ := cl.Extension("STARTTLS"); ok {
			cfg := r.TLSConfig.Clone()
			if cfg == nil {
				cfg = &tls.Config{}
			}
			cfg.ServerName = host
			if err := cl.StartTLS(cfg); err != nil {
				return r.wrapClientErr(err, host)
			}
		} else if r.TLSPolicy == config.PolicyRequireTLS {
			// Another MX may still offer TLS; keep it retryable.
			return exterrors.WithTemporary(
				fmt.Errorf("relay: %s does not offer STARTTLS but policy requires it", host), true)
		}
	}

	opts := &smtp.MailOptions{}
	if !address.IsASCII(meta.Sender) || !address.IsASCII(rcpt) {
		if ok, _ := cl.Extension("SMTPUTF8"); ok {
			opts.UTF8 = true
		} else {
			return &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
				Message:      "Remote server does not support SMTPUTF8",
			}
		}
	}
	if err := cl.Mail(meta.Sender, opts); err != nil {
		return r.wrapClientErr(err, host)
	}
	if err := cl.Rcpt(rcpt); err != nil {
		return r.wrapClientErr(err, host)
	}

	msg, err := os.Open(msgPath)
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	defer msg.Close()

	wc, err := cl.Data()
	if err != nil {
		return r.wrapClientErr(err, host)
	}
	if _, err := io.Copy(wc, msg); err != nil {
		wc.Close()
		return r.wrapClientErr(err, host)
	}
	if err := wc.Close(); err != nil {
		return r.wrapClientErr(err, host)
	}

	r.Log.DebugMsg("relayed", "host", host, "rcpt", rcpt, "msg", meta.ID)
	return nil
}

// wrapClientErr maps go-smtp client errors onto the internal error type,
// keeping the remote's code and enhanced code.
func (r *SMTPRelay) wrapClientErr(err error, serverName string) error {
	if err == nil {
		return nil
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		code := smtpErr.Code
		enhanced := exterrors.EnhancedCode(smtpErr.EnhancedCode)
		if code == 552 {
			// RFC 5321 Section 4.5.3.1.10: treat ancient 552-for-full
			// as the modern 452.
			code = 452
			enhanced[0] = 4
		}
		return &exterrors.SMTPError{
			Code:         code,
			EnhancedCode: enhanced,
			Message:      serverName + " said: " + smtpErr.Message,
			Err:          smtpErr,
			Misc: map[string]interface{}{
				"remote_server": serverName,
			},
		}
	}

	return exterrors.WithTemporary(fmt.Errorf("relay: %s: %w", serverName, err), true)
}
