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

package store

import (
	"strings"
	"time"
)

// Protocol returns the RFC 3848 "with" clause value for the given session
// security properties.
func Protocol(tls, authenticated bool) string {
	switch {
	case tls && authenticated:
		return "ESMTPSA"
	case tls:
		return "ESMTPS"
	case authenticated:
		return "ESMTPA"
	default:
		return "ESMTP"
	}
}

// ReceivedHeader builds the trace header prepended to every accepted
// message:
//
//	Received: from <peer> by <server> id <messageID> with <proto> [for <rcpt>] ; <RFC 1123 date>
//
// The "for" clause is included only when the transaction had exactly one
// recipient; rcpt is empty otherwise.
func ReceivedHeader(peer, server, messageID, proto, rcpt string, when time.Time) string {
	var b strings.Builder
	b.WriteString("Received: from ")
	b.WriteString(peer)
	b.WriteString(" by ")
	b.WriteString(server)
	b.WriteString(" id ")
	b.WriteString(messageID)
	b.WriteString(" with ")
	b.WriteString(proto)
	if rcpt != "" {
		b.WriteString(" for <")
		b.WriteString(rcpt)
		b.WriteString(">")
	}
	b.WriteString(" ; ")
	b.WriteString(when.Format(time.RFC1123Z))
	b.WriteString("\r\n")
	return b.String()
}
