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

// Package delivery routes accepted messages: local mailboxes get a
// maildir write, everything else goes through the relay spool. It also
// hosts the relay access policy and the DSN submission path.
package delivery

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/kurier-mta/kurier/framework/address"
	"github.com/kurier-mta/kurier/framework/exterrors"
	"github.com/kurier-mta/kurier/framework/log"
	"github.com/kurier-mta/kurier/internal/hooks"
	"github.com/kurier-mta/kurier/internal/spool"
	"github.com/kurier-mta/kurier/internal/store"
)

// Transaction is one accepted message with its envelope, handed over by
// the session once the body is complete.
type Transaction struct {
	Sender     string
	Recipients []string

	MessageID string

	// Peer is the client address as recorded in the Received header.
	Peer          string
	TLS           bool
	Authenticated bool

	// DSN parameters from MAIL and RCPT.
	Ret     string
	EnvID   string
	RcptDSN map[string]spool.RcptDSN

	// Body is the message content after transfer decoding
	// (dot-unstuffed for DATA, reassembled for BDAT).
	Body []byte
}

// Service implements the local-or-relay routing decision and message
// submission.
type Service struct {
	// LocalDomain is the A-label form of the domain served locally.
	LocalDomain string

	Hostname string

	Mailboxes *store.Maildir
	Messages  store.MessageStore
	Spool     spool.Store

	// Trigger requests a spooler sweep after external recipients were
	// enqueued. May be nil when relaying is disabled.
	Trigger func(ctx context.Context)

	Policy RelayAccessPolicy
	Hooks  *hooks.Dispatcher
	Log    log.Logger
}

// IsLocal reports whether the recipient's IDNA-normalized domain matches
// the configured local domain.
func (s *Service) IsLocal(rcpt string) (bool, error) {
	domain, err := address.DomainOf(rcpt)
	if err != nil {
		return false, err
	}
	if domain == "" {
		// Bare postmaster belongs to this host.
		return true, nil
	}
	return address.DomainEqual(domain, s.LocalDomain), nil
}

// CheckRcpt validates a recipient at RCPT time. External recipients pass
// through the relay access policy; a denial maps to the reply the
// session sends.
func (s *Service) CheckRcpt(pctx PolicyContext, rcpt string) error {
	local, err := s.IsLocal(rcpt)
	if err != nil {
		return &exterrors.SMTPError{
			Code:         553,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 3},
			Message:      "Malformed recipient address",
			Err:          err,
		}
	}
	if local {
		return nil
	}

	switch s.Policy.Evaluate(pctx) {
	case AccessAllowed:
		return nil
	case AccessAuthRequired:
		return &exterrors.SMTPError{
			Code:         530,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
			Message:      "Authentication required for relay",
		}
	default:
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
			Message:      "Relaying denied",
		}
	}
}

// Submit stores the message and fans it out: maildir for local
// recipients, spool for external ones. A spooled copy triggers an
// immediate sweep, so the first delivery attempt happens right away.
func (s *Service) Submit(ctx context.Context, tx *Transaction) error {
	singleRcpt := ""
	if len(tx.Recipients) == 1 {
		singleRcpt = tx.Recipients[0]
	}
	received := store.ReceivedHeader(tx.Peer, s.Hostname, tx.MessageID,
		store.Protocol(tx.TLS, tx.Authenticated), singleRcpt, time.Now())

	rawRef, err := s.Messages.Store(tx.MessageID, received, tx.Body)
	if err != nil {
		return exterrors.WithTemporary(fmt.Errorf("delivery: %w", err), true)
	}

	var local, external []string
	for _, rcpt := range tx.Recipients {
		isLocal, err := s.IsLocal(rcpt)
		if err != nil {
			// CheckRcpt already refused malformed addresses; treat a
			// late surprise as external-denied.
			isLocal = false
		}
		if isLocal {
			local = append(local, rcpt)
		} else {
			external = append(external, rcpt)
		}
	}

	for _, rcpt := range local {
		if err := s.deliverLocal(rawRef, rcpt); err != nil {
			return exterrors.WithTemporary(fmt.Errorf("delivery: %w", err), true)
		}
		s.Log.Msg("delivered locally", "msg", tx.MessageID, "rcpt", rcpt)
	}

	if len(external) > 0 {
		msg, err := s.Messages.Open(rawRef)
		if err != nil {
			return exterrors.WithTemporary(fmt.Errorf("delivery: %w", err), true)
		}
		meta, err := s.Spool.Enqueue(msg, spool.Envelope{
			Sender:        tx.Sender,
			Recipients:    external,
			MessageID:     tx.MessageID,
			Authenticated: tx.Authenticated,
			PeerAddress:   tx.Peer,
			DSNRet:        tx.Ret,
			DSNEnvID:      tx.EnvID,
			RcptDSN:       filterRcptDSN(tx.RcptDSN, external),
		})
		msg.Close()
		if err != nil {
			return exterrors.WithTemporary(fmt.Errorf("delivery: %w", err), true)
		}
		s.Log.Msg("spooled for relay", "msg", tx.MessageID, "spool_ref", meta.ID,
			"rcpts", len(external))
		if s.Hooks != nil {
			s.Hooks.Fire(hooks.EventMessageSpooled, hooks.Payload{
				MessageID: tx.MessageID, Peer: tx.Peer,
			})
		}
		if s.Trigger != nil {
			s.Trigger(ctx)
		}
	}

	// Once every recipient is locally delivered the acceptance-time
	// copy has served its purpose; the spool holds its own.
	if len(external) == 0 {
		if err := s.Messages.Delete(rawRef); err != nil {
			s.Log.Error("cannot delete delivered message", err, "msg", tx.MessageID)
		}
	}
	return nil
}

func (s *Service) deliverLocal(rawRef, rcpt string) error {
	localPart, _, err := address.Split(rcpt)
	if err != nil {
		return err
	}
	msg, err := s.Messages.Open(rawRef)
	if err != nil {
		return err
	}
	defer msg.Close()
	return s.Mailboxes.Deliver(localPart, msg)
}

func filterRcptDSN(all map[string]spool.RcptDSN, rcpts []string) map[string]spool.RcptDSN {
	if len(all) == 0 {
		return nil
	}
	res := map[string]spool.RcptDSN{}
	for _, rcpt := range rcpts {
		if entry, ok := all[rcpt]; ok {
			res[rcpt] = entry
		}
	}
	if len(res) == 0 {
		return nil
	}
	return res
}

// SubmitRaw enqueues an already formatted message (used for DSNs). The
// sender is the null reverse path when from is empty.
func (s *Service) SubmitRaw(ctx context.Context, from string, rcpt string, raw []byte) error {
	local, err := s.IsLocal(rcpt)
	if err != nil {
		return err
	}
	if local {
		localPart, _, err := address.Split(rcpt)
		if err != nil {
			return err
		}
		return s.Mailboxes.Deliver(localPart, bytes.NewReader(raw))
	}

	_, err = s.Spool.Enqueue(bytes.NewReader(raw), spool.Envelope{
		Sender:     from,
		Recipients: []string{rcpt},
		MessageID:  fmt.Sprintf("dsn-%d", time.Now().UnixNano()),
	})
	if err != nil {
		return err
	}
	if s.Trigger != nil {
		s.Trigger(ctx)
	}
	return nil
}
