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

// Package dsn generates delivery status notifications (RFC 3464) in
// multipart/report format (RFC 3462).
package dsn

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/template"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/kurier-mta/kurier/framework/address"
	"github.com/kurier-mta/kurier/framework/exterrors"
)

// ReportingMTAInfo is the per-message part of the delivery report.
type ReportingMTAInfo struct {
	ReportingMTA    string
	ReceivedFromMTA string

	// EnvID is the ENVID value from the original MAIL command, echoed as
	// Original-Envelope-Id (RFC 3461).
	EnvID string

	// XSender and XMessageID identify the failed message for postmaster
	// correlation.
	XSender    string
	XMessageID string

	// ArrivalDate is when the message was spooled; LastAttemptDate is the
	// time of the final delivery attempt.
	ArrivalDate     time.Time
	LastAttemptDate time.Time
}

func (info ReportingMTAInfo) writeTo(utf8 bool, w io.Writer) error {
	// The delivery-status part has MIME-header structure, so the MIME
	// header writer is reused for it.
	h := textproto.Header{}

	if info.ReportingMTA == "" {
		return errors.New("dsn: Reporting-MTA field is mandatory")
	}

	reportingMTA, err := address.SelectIDNADomain(utf8, info.ReportingMTA)
	if err != nil {
		return fmt.Errorf("dsn: cannot convert Reporting-MTA to a suitable representation: %w", err)
	}
	h.Add("Reporting-MTA", "dns; "+reportingMTA)

	if info.ReceivedFromMTA != "" {
		receivedFromMTA, err := address.SelectIDNADomain(utf8, info.ReceivedFromMTA)
		if err != nil {
			return fmt.Errorf("dsn: cannot convert Received-From-MTA to a suitable representation: %w", err)
		}
		h.Add("Received-From-MTA", "dns; "+receivedFromMTA)
	}

	if info.EnvID != "" {
		h.Add("Original-Envelope-Id", info.EnvID)
	}

	if info.XSender != "" {
		sender, err := address.SelectIDNA(utf8, info.XSender)
		if err != nil {
			return fmt.Errorf("dsn: cannot convert X-Kurier-Sender to a suitable representation: %w", err)
		}
		if utf8 {
			h.Add("X-Kurier-Sender", "utf8; "+sender)
		} else {
			h.Add("X-Kurier-Sender", "rfc822; "+sender)
		}
	}
	if info.XMessageID != "" {
		h.Add("X-Kurier-MsgID", info.XMessageID)
	}

	if !info.ArrivalDate.IsZero() {
		h.Add("Arrival-Date", info.ArrivalDate.Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	}
	if !info.LastAttemptDate.IsZero() {
		h.Add("Last-Attempt-Date", info.LastAttemptDate.Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	}

	return textproto.WriteHeader(w, h)
}

type Action string

const (
	ActionFailed    Action = "failed"
	ActionDelayed   Action = "delayed"
	ActionDelivered Action = "delivered"
	ActionRelayed   Action = "relayed"
)

// RecipientInfo is the per-recipient part of the delivery report.
type RecipientInfo struct {
	FinalRecipient string

	// OriginalRecipient is the ORCPT value ("addr-type;addr") from the
	// RCPT command, echoed verbatim when present.
	OriginalRecipient string

	RemoteMTA string

	Action Action
	Status exterrors.EnhancedCode

	// DiagnosticCode is the error reported back to the sender.
	DiagnosticCode error
}

func (info RecipientInfo) writeTo(utf8 bool, w io.Writer) error {
	h := textproto.Header{}

	if info.FinalRecipient == "" {
		return errors.New("dsn: Final-Recipient is required")
	}
	finalRcpt, err := address.SelectIDNA(utf8, info.FinalRecipient)
	if err != nil {
		return fmt.Errorf("dsn: cannot convert Final-Recipient to a suitable representation: %w", err)
	}
	if utf8 {
		h.Add("Final-Recipient", "utf8; "+finalRcpt)
	} else {
		h.Add("Final-Recipient", "rfc822; "+finalRcpt)
	}

	if info.OriginalRecipient != "" {
		h.Add("Original-Recipient", info.OriginalRecipient)
	}

	if info.Action == "" {
		return errors.New("dsn: Action is required")
	}
	h.Add("Action", string(info.Action))
	if info.Status[0] == 0 {
		return errors.New("dsn: Status is required")
	}
	h.Add("Status", info.Status.String())

	var smtpErr *exterrors.SMTPError
	if errors.As(info.DiagnosticCode, &smtpErr) {
		// Remote replies can contain newlines; Diagnostic-Code cannot.
		h.Add("Diagnostic-Code", fmt.Sprintf("smtp; %d %s %s",
			smtpErr.Code, smtpErr.EnhancedCode.String(),
			strings.ReplaceAll(strings.ReplaceAll(smtpErr.Message, "\n", " "), "\r", " ")))
	} else if info.DiagnosticCode != nil {
		errorDesc := info.DiagnosticCode.Error()
		errorDesc = strings.ReplaceAll(strings.ReplaceAll(errorDesc, "\n", " "), "\r", " ")
		h.Add("Diagnostic-Code", "X-Kurier; "+errorDesc)
	}

	if info.RemoteMTA != "" {
		remoteMTA, err := address.SelectIDNADomain(utf8, info.RemoteMTA)
		if err != nil {
			return fmt.Errorf("dsn: cannot convert Remote-MTA to a suitable representation: %w", err)
		}
		h.Add("Remote-MTA", "dns; "+remoteMTA)
	}

	return textproto.WriteHeader(w, h)
}

// Envelope describes the outgoing notification message itself. From is
// the postmaster address of the reporting host; To is the original
// sender being notified.
type Envelope struct {
	MsgID string
	From  string
	To    string
}

// Generate writes a complete multipart/report DSN body to outWriter and
// returns its top-level header.
//
// The third part of the report carries the failed message: the full
// message when fullMessage is non-nil (RET=FULL), its header otherwise
// (RET=HDRS or no RET given).
func Generate(utf8 bool, envelope Envelope, mtaInfo ReportingMTAInfo, rcptsInfo []RecipientInfo,
	failedHeader textproto.Header, fullMessage io.Reader, outWriter io.Writer) (textproto.Header, error) {

	partWriter := textproto.NewMultipartWriter(outWriter)

	reportHeader := textproto.Header{}
	reportHeader.Add("Date", time.Now().Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	reportHeader.Add("Message-Id", envelope.MsgID)
	reportHeader.Add("Content-Transfer-Encoding", "8bit")
	reportHeader.Add("Content-Type", "multipart/report; report-type=delivery-status; boundary="+partWriter.Boundary())
	reportHeader.Add("MIME-Version", "1.0")
	reportHeader.Add("Auto-Submitted", "auto-replied")
	reportHeader.Add("To", envelope.To)
	reportHeader.Add("From", envelope.From)
	reportHeader.Add("Subject", "Undelivered Mail Returned to Sender")

	defer partWriter.Close()

	if err := writeHumanReadablePart(partWriter, mtaInfo, rcptsInfo); err != nil {
		return textproto.Header{}, err
	}
	if err := writeMachineReadablePart(utf8, partWriter, mtaInfo, rcptsInfo); err != nil {
		return textproto.Header{}, err
	}

	if fullMessage != nil {
		return reportHeader, writeFullMessage(utf8, partWriter, fullMessage)
	}
	return reportHeader, writeHeaderOnly(utf8, partWriter, failedHeader)
}

func writeHeaderOnly(utf8 bool, w *textproto.MultipartWriter, header textproto.Header) error {
	partHeader := textproto.Header{}
	partHeader.Add("Content-Description", "Undelivered message header")
	if utf8 {
		partHeader.Add("Content-Type", "message/global-headers")
	} else {
		partHeader.Add("Content-Type", "message/rfc822-headers")
	}
	partHeader.Add("Content-Transfer-Encoding", "8bit")
	headerWriter, err := w.CreatePart(partHeader)
	if err != nil {
		return err
	}
	return textproto.WriteHeader(headerWriter, header)
}

func writeFullMessage(utf8 bool, w *textproto.MultipartWriter, msg io.Reader) error {
	partHeader := textproto.Header{}
	partHeader.Add("Content-Description", "Undelivered message")
	if utf8 {
		partHeader.Add("Content-Type", "message/global")
	} else {
		partHeader.Add("Content-Type", "message/rfc822")
	}
	partHeader.Add("Content-Transfer-Encoding", "8bit")
	msgWriter, err := w.CreatePart(partHeader)
	if err != nil {
		return err
	}
	_, err = io.Copy(msgWriter, msg)
	return err
}

func writeMachineReadablePart(utf8 bool, w *textproto.MultipartWriter, mtaInfo ReportingMTAInfo, rcptsInfo []RecipientInfo) error {
	machineHeader := textproto.Header{}
	if utf8 {
		machineHeader.Add("Content-Type", "message/global-delivery-status")
	} else {
		machineHeader.Add("Content-Type", "message/delivery-status")
	}
	machineHeader.Add("Content-Description", "Delivery report")
	machineWriter, err := w.CreatePart(machineHeader)
	if err != nil {
		return err
	}

	// writeTo adds an empty line after its output.
	if err := mtaInfo.writeTo(utf8, machineWriter); err != nil {
		return err
	}

	for _, rcpt := range rcptsInfo {
		if err := rcpt.writeTo(utf8, machineWriter); err != nil {
			return err
		}
	}
	return nil
}

// failedText is the human-readable part of the notification.
var failedText = template.Must(template.New("dsn-text").Parse(`
This is the mail delivery system at {{.ReportingMTA}}.

Unfortunately, your message could not be delivered to one or more
recipients. The usual cause of this problem is an invalid
recipient address or maintenance at the recipient side.

Contact the postmaster for further assistance, provide the Message ID (below):

Message ID: {{.XMessageID}}
Arrival: {{.ArrivalDate}}
Last delivery attempt: {{.LastAttemptDate}}

`))

func writeHumanReadablePart(w *textproto.MultipartWriter, mtaInfo ReportingMTAInfo, rcptsInfo []RecipientInfo) error {
	humanHeader := textproto.Header{}
	humanHeader.Add("Content-Transfer-Encoding", "8bit")
	humanHeader.Add("Content-Type", `text/plain; charset="utf-8"`)
	humanHeader.Add("Content-Description", "Notification")
	humanWriter, err := w.CreatePart(humanHeader)
	if err != nil {
		return err
	}

	mtaInfo.ArrivalDate = mtaInfo.ArrivalDate.Truncate(time.Second)
	mtaInfo.LastAttemptDate = mtaInfo.LastAttemptDate.Truncate(time.Second)

	if err := failedText.Execute(humanWriter, mtaInfo); err != nil {
		return err
	}

	for _, rcpt := range rcptsInfo {
		if _, err := fmt.Fprintf(humanWriter, "Delivery to %s failed with error: %v\n", rcpt.FinalRecipient, rcpt.DiagnosticCode); err != nil {
			return err
		}
	}

	return nil
}
