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

package exterrors

import (
	"fmt"
)

// EnhancedCode is the RFC 3463 enhanced status code triple.
type EnhancedCode [3]int

// EnhancedCodeNotSet is a nil value of EnhancedCode, indicating that
// the value should be derived from the basic reply code.
var EnhancedCodeNotSet = EnhancedCode{0, 0, 0}

func (ec EnhancedCode) String() string {
	return fmt.Sprintf("%d.%d.%d", ec[0], ec[1], ec[2])
}

// SMTPError is the error that is reported to the peer using a SMTP reply.
//
// The SMTPError struct is used both for errors generated locally (policy
// rejections and the like) and for errors received from a remote server
// during outbound relay.
type SMTPError struct {
	// Basic SMTP reply code, 4xx or 5xx.
	Code int

	EnhancedCode EnhancedCode

	// Reply text, without the code or enhanced code prefix.
	Message string

	// Underlying error value, if any. Not reported to the peer.
	Err error

	// Additional context for structured logging.
	Misc map[string]interface{}
}

func (se *SMTPError) Unwrap() error {
	return se.Err
}

func (se *SMTPError) Error() string {
	if se.Message != "" {
		return se.Message
	}
	if se.Err != nil {
		return se.Err.Error()
	}
	return fmt.Sprintf("SMTP code %d", se.Code)
}

// Temporary reports whether the error is a transient condition per the
// reply code class (4xx).
func (se *SMTPError) Temporary() bool {
	return se.Code/100 == 4
}

func (se *SMTPError) Fields() map[string]interface{} {
	ctx := make(map[string]interface{}, len(se.Misc)+3)
	for k, v := range se.Misc {
		ctx[k] = v
	}
	ctx["smtp_code"] = se.Code
	ctx["smtp_enchcode"] = se.EnhancedCode
	ctx["smtp_msg"] = se.Message
	if se.Err != nil {
		ctx["reason"] = se.Err.Error()
	}
	return ctx
}
