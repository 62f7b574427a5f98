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

package proto

import (
	"strconv"
	"strings"

	"github.com/kurier-mta/kurier/framework/exterrors"
)

// Reply is a server response, possibly spanning multiple lines.
type Reply struct {
	Code     int
	Enhanced exterrors.EnhancedCode
	Lines    []string
}

// Rpl builds a single-line reply. For 4xx and 5xx codes a generic enhanced
// code (4.0.0/5.0.0) is derived; 2xx and 3xx replies carry none unless set
// explicitly.
func Rpl(code int, text string) Reply {
	return Reply{Code: code, Enhanced: deriveEnhanced(code), Lines: []string{text}}
}

// RplEnh builds a single-line reply with an explicit enhanced code.
func RplEnh(code int, enh exterrors.EnhancedCode, text string) Reply {
	return Reply{Code: code, Enhanced: enh, Lines: []string{text}}
}

func deriveEnhanced(code int) exterrors.EnhancedCode {
	switch code / 100 {
	case 4:
		return exterrors.EnhancedCode{4, 0, 0}
	case 5:
		return exterrors.EnhancedCode{5, 0, 0}
	}
	return exterrors.EnhancedCodeNotSet
}

// String renders the reply in wire format, CRLF-terminated. All lines but
// the last use the '-' continuation separator; the enhanced code, when
// present, is repeated on every line.
func (r Reply) String() string {
	code := strconv.Itoa(r.Code)
	enh := ""
	if r.Enhanced != exterrors.EnhancedCodeNotSet {
		enh = r.Enhanced.String() + " "
	}

	lines := r.Lines
	if len(lines) == 0 {
		lines = []string{""}
	}

	var b strings.Builder
	for i, line := range lines {
		b.WriteString(code)
		if i == len(lines)-1 {
			b.WriteByte(' ')
		} else {
			b.WriteByte('-')
		}
		b.WriteString(enh)
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	return b.String()
}

// FromError converts an error into a reply, preserving SMTP annotations
// attached via exterrors. Unannotated errors are mapped conservatively to
// 451/554 without leaking the error text to the peer.
func FromError(err error) Reply {
	res := Reply{
		Code:     554,
		Enhanced: exterrors.EnhancedCode{5, 0, 0},
		Lines:    []string{"Internal server error"},
	}
	if exterrors.IsTemporary(err) {
		res.Code = 451
		res.Enhanced = exterrors.EnhancedCode{4, 0, 0}
	}

	ctxInfo := exterrors.Fields(err)
	if code, ok := ctxInfo["smtp_code"].(int); ok {
		res.Code = code
	}
	if enh, ok := ctxInfo["smtp_enchcode"].(exterrors.EnhancedCode); ok {
		res.Enhanced = enh
	}
	if msg, ok := ctxInfo["smtp_msg"].(string); ok && msg != "" {
		res.Lines = []string{msg}
	}

	return res
}
