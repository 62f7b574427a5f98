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

package delivery

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"

	"github.com/kurier-mta/kurier/framework/address"
	"github.com/kurier-mta/kurier/framework/exterrors"
	"github.com/kurier-mta/kurier/framework/log"
	"github.com/kurier-mta/kurier/internal/dsn"
	"github.com/kurier-mta/kurier/internal/spool"
)

// DSNService builds failure notifications for messages the spool gave up
// on and submits them back through the delivery service. The notification
// itself carries the null reverse path, so a bouncing bounce dies quietly.
type DSNService struct {
	Hostname string
	Service  *Service
	Log      log.Logger
}

// EmitFailure implements spool.DSNEmitter.
func (d *DSNService) EmitFailure(meta *spool.Metadata, msgPath string, failed []spool.FailedRecipient) error {
	utf8 := !address.IsASCII(meta.Sender)
	for _, f := range failed {
		if !address.IsASCII(f.Recipient) {
			utf8 = true
		}
	}

	msg, err := os.Open(msgPath)
	if err != nil {
		return fmt.Errorf("dsn: %w", err)
	}
	defer msg.Close()

	br := bufio.NewReader(msg)
	failedHeader, err := textproto.ReadHeader(br)
	if err != nil {
		return fmt.Errorf("dsn: malformed message header: %w", err)
	}

	mtaInfo := dsn.ReportingMTAInfo{
		ReportingMTA:    d.Hostname,
		ReceivedFromMTA: meta.PeerAddress,
		EnvID:           meta.DSNEnvID,
		XSender:         meta.Sender,
		XMessageID:      meta.MessageID,
		ArrivalDate:     meta.QueuedAt,
		LastAttemptDate: time.Now(),
	}

	rcptsInfo := make([]dsn.RecipientInfo, 0, len(failed))
	for _, f := range failed {
		rcptsInfo = append(rcptsInfo, dsn.RecipientInfo{
			FinalRecipient:    f.Recipient,
			OriginalRecipient: meta.RcptDSN[f.Recipient].ORcpt,
			Action:            dsn.ActionFailed,
			Status:            statusOf(f.Err),
			DiagnosticCode:    f.Err,
		})
	}

	// RET=FULL returns the whole message, anything else just the header.
	var fullMessage io.Reader
	if meta.DSNRet == "FULL" {
		full, err := os.Open(msgPath)
		if err != nil {
			return fmt.Errorf("dsn: %w", err)
		}
		defer full.Close()
		fullMessage = full
	}

	msgID := "<" + uuid.New().String() + "@" + d.Hostname + ">"
	var body bytes.Buffer
	reportHeader, err := dsn.Generate(utf8, dsn.Envelope{
		MsgID: msgID,
		From:  "MAILER-DAEMON@" + d.Hostname,
		To:    meta.Sender,
	}, mtaInfo, rcptsInfo, failedHeader, fullMessage, &body)
	if err != nil {
		return fmt.Errorf("dsn: %w", err)
	}

	var raw bytes.Buffer
	if err := textproto.WriteHeader(&raw, reportHeader); err != nil {
		return fmt.Errorf("dsn: %w", err)
	}
	if _, err := io.Copy(&raw, &body); err != nil {
		return fmt.Errorf("dsn: %w", err)
	}

	d.Log.Msg("emitting failure notification", "msg", meta.MessageID,
		"sender", meta.Sender, "rcpts", len(failed))
	return d.Service.SubmitRaw(context.Background(), "", meta.Sender, raw.Bytes())
}

// statusOf extracts the enhanced status code the notification reports.
func statusOf(err error) exterrors.EnhancedCode {
	var smtpErr *exterrors.SMTPError
	if errors.As(err, &smtpErr) && smtpErr.EnhancedCode[0] != 0 {
		return smtpErr.EnhancedCode
	}
	return exterrors.EnhancedCode{5, 0, 0}
}
