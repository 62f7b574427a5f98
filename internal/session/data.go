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

package session

import (
	"net"

	"github.com/kurier-mta/kurier/internal/spool"
)

// transfer mode of the current transaction body.
const (
	modeNone = ""
	modeData = "data"
	modeBdat = "bdat"
)

// SessionData is the per-connection mutable state. The session goroutine
// owns it exclusively; interceptors see read-only snapshots.
type SessionData struct {
	Peer   string
	PeerIP net.IP

	// HeloName is the HELO/EHLO argument; Greeted is set once either was
	// accepted.
	HeloName string
	UsedEhlo bool
	Greeted  bool

	TLSActive     bool
	Authenticated bool
	Username      string

	// MailFromSet distinguishes the null reverse path ("MAIL FROM:<>")
	// from no MAIL command at all.
	MailFrom    string
	MailFromSet bool

	Recipients   []string
	DeclaredSize int64
	UTF8         bool
	DSNRet       string
	DSNEnvID     string
	RcptDSN      map[string]spool.RcptDSN

	// BodyMode records which transfer command the transaction committed
	// to; DATA and BDAT are mutually exclusive per transaction.
	BodyMode string
}

// ResetTransaction clears the envelope, keeping greeting and
// authentication. Called after body completion and on RSET.
func (d *SessionData) ResetTransaction() {
	d.MailFrom = ""
	d.MailFromSet = false
	d.Recipients = nil
	d.DeclaredSize = 0
	d.UTF8 = false
	d.DSNRet = ""
	d.DSNEnvID = ""
	d.RcptDSN = nil
	d.BodyMode = modeNone
}

// Reset reinitializes the session state. STARTTLS resets with both
// preserve flags false per RFC 3207: the client must EHLO again and any
// authentication is void.
func (d *SessionData) Reset(preserveGreeting, preserveAuth bool) {
	d.ResetTransaction()
	if !preserveGreeting {
		d.HeloName = ""
		d.UsedEhlo = false
		d.Greeted = false
	}
	if !preserveAuth {
		d.Authenticated = false
		d.Username = ""
	}
}
