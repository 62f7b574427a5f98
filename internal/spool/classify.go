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

package spool

import (
	"errors"
	"regexp"

	"github.com/kurier-mta/kurier/framework/exterrors"
)

// enhancedStatusRe matches a leading 5.x.y enhanced status in a reply
// text, as some servers put it at the start of the message instead of
// using the proper reply extension.
var enhancedStatusRe = regexp.MustCompile(`^5\.\d{1,3}\.\d{1,3}(\s|$)`)

// Permanent classifies a delivery error. A permanent failure drops the
// recipient and triggers a DSN; a transient one reschedules the message.
//
// Errors that do not clearly identify themselves as permanent are treated
// as transient, so an ambiguous failure costs a retry rather than a lost
// message.
func Permanent(err error) bool {
	if err == nil {
		return false
	}

	var smtpErr *exterrors.SMTPError
	if errors.As(err, &smtpErr) {
		if smtpErr.Code >= 500 && smtpErr.Code <= 599 {
			return true
		}
		if smtpErr.Code >= 400 && smtpErr.Code <= 499 {
			return false
		}
	}

	fields := exterrors.Fields(err)
	if code, ok := fields["smtp_code"].(int); ok {
		if code >= 500 && code <= 599 {
			return true
		}
		if code >= 400 && code <= 499 {
			return false
		}
	}
	if msg, ok := fields["smtp_msg"].(string); ok && enhancedStatusRe.MatchString(msg) {
		return true
	}

	if enhancedStatusRe.MatchString(err.Error()) {
		return true
	}

	// Explicit Temporary() == false wins; unspecified defaults to
	// transient. DNS and connect failures carry no marker and land here.
	return !exterrors.IsTemporaryOrUnspec(err)
}
