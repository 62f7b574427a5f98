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

// DSN RET parameter values (RFC 3461).
const (
	RetFull = "FULL"
	RetHdrs = "HDRS"
)

// DSN NOTIFY parameter values (RFC 3461).
const (
	NotifyNever   = "NEVER"
	NotifySuccess = "SUCCESS"
	NotifyFailure = "FAILURE"
	NotifyDelay   = "DELAY"
)

// MailArgs is the parsed argument of the MAIL command.
type MailArgs struct {
	// Sender is the reverse-path mailbox, empty for the null reverse-path
	// ("MAIL FROM:<>").
	Sender string

	// SIZE declaration, 0 if not present.
	Size int64

	// BODY= parameter, "7BIT" or "8BITMIME", empty if not present.
	Body string

	// SMTPUTF8 (RFC 6531).
	UTF8 bool

	// RET and ENVID DSN parameters (RFC 3461).
	Ret   string
	EnvID string
}

// RcptArgs is the parsed argument of the RCPT command.
type RcptArgs struct {
	Recipient string

	// NOTIFY and ORCPT DSN parameters (RFC 3461). Notify entries are
	// upper-cased; ORcpt is kept verbatim ("addr-type;addr").
	Notify []string
	ORcpt  string
}

// BdatArgs is the parsed argument of the BDAT command.
type BdatArgs struct {
	Size int
	Last bool
}

func syntaxErr(msg string) error {
	return &exterrors.SMTPError{
		Code:         501,
		EnhancedCode: exterrors.EnhancedCode{5, 5, 4},
		Message:      msg,
	}
}

// cutPath extracts the mailbox from an angle-bracketed path, stripping the
// obsolete source route prefix if present.
func cutPath(arg string) (mailbox, rest string, err error) {
	if !strings.HasPrefix(arg, "<") {
		return "", "", syntaxErr("Missing opening angle bracket")
	}
	end := strings.IndexByte(arg, '>')
	if end == -1 {
		return "", "", syntaxErr("Missing closing angle bracket")
	}
	mailbox = arg[1:end]
	rest = strings.TrimLeft(arg[end+1:], " ")

	if strings.HasPrefix(mailbox, "@") {
		colon := strings.IndexByte(mailbox, ':')
		if colon == -1 {
			return "", "", syntaxErr("Malformed source route")
		}
		mailbox = mailbox[colon+1:]
	}
	return mailbox, rest, nil
}

// ParseMailArgs parses the argument of MAIL, e.g.
// "FROM:<user@example.org> SIZE=1024 RET=HDRS".
func ParseMailArgs(arg string) (*MailArgs, error) {
	arg = strings.TrimSpace(arg)
	if len(arg) < 5 || !strings.EqualFold(arg[:5], "FROM:") {
		return nil, syntaxErr("Syntax: MAIL FROM:<address> [parameters]")
	}
	mailbox, rest, err := cutPath(strings.TrimLeft(arg[5:], " "))
	if err != nil {
		return nil, err
	}

	res := &MailArgs{Sender: mailbox}
	for _, param := range strings.Fields(rest) {
		key, value, _ := strings.Cut(param, "=")
		switch strings.ToUpper(key) {
		case "SIZE":
			size, err := strconv.ParseInt(value, 10, 64)
			if err != nil || size < 0 {
				return nil, syntaxErr("Malformed SIZE parameter")
			}
			res.Size = size
		case "BODY":
			body := strings.ToUpper(value)
			if body != "7BIT" && body != "8BITMIME" {
				return nil, syntaxErr("Unsupported BODY value")
			}
			res.Body = body
		case "SMTPUTF8":
			res.UTF8 = true
		case "RET":
			ret := strings.ToUpper(value)
			if ret != RetFull && ret != RetHdrs {
				return nil, syntaxErr("Malformed RET parameter")
			}
			res.Ret = ret
		case "ENVID":
			if value == "" {
				return nil, syntaxErr("Malformed ENVID parameter")
			}
			res.EnvID = value
		case "AUTH":
			// RFC 4954 AUTH parameter is accepted and ignored; we do not
			// propagate third-party authorization identities.
		default:
			return nil, syntaxErr("Unsupported MAIL parameter: " + key)
		}
	}
	return res, nil
}

// ParseRcptArgs parses the argument of RCPT, e.g.
// "TO:<user@example.org> NOTIFY=FAILURE,DELAY".
func ParseRcptArgs(arg string) (*RcptArgs, error) {
	arg = strings.TrimSpace(arg)
	if len(arg) < 3 || !strings.EqualFold(arg[:3], "TO:") {
		return nil, syntaxErr("Syntax: RCPT TO:<address> [parameters]")
	}
	mailbox, rest, err := cutPath(strings.TrimLeft(arg[3:], " "))
	if err != nil {
		return nil, err
	}
	if mailbox == "" {
		return nil, syntaxErr("Empty forward-path")
	}

	res := &RcptArgs{Recipient: mailbox}
	for _, param := range strings.Fields(rest) {
		key, value, _ := strings.Cut(param, "=")
		switch strings.ToUpper(key) {
		case "NOTIFY":
			for _, entry := range strings.Split(strings.ToUpper(value), ",") {
				switch entry {
				case NotifyNever, NotifySuccess, NotifyFailure, NotifyDelay:
					res.Notify = append(res.Notify, entry)
				default:
					return nil, syntaxErr("Malformed NOTIFY parameter")
				}
			}
			if len(res.Notify) > 1 {
				for _, entry := range res.Notify {
					if entry == NotifyNever {
						return nil, syntaxErr("NOTIFY=NEVER must appear alone")
					}
				}
			}
		case "ORCPT":
			if !strings.Contains(value, ";") {
				return nil, syntaxErr("Malformed ORCPT parameter")
			}
			res.ORcpt = value
		default:
			return nil, syntaxErr("Unsupported RCPT parameter: " + key)
		}
	}
	return res, nil
}

// ParseBdatArgs parses the argument of BDAT ("<n> [LAST]").
func ParseBdatArgs(arg string) (*BdatArgs, error) {
	fields := strings.Fields(arg)
	if len(fields) == 0 || len(fields) > 2 {
		return nil, syntaxErr("Syntax: BDAT <octets> [LAST]")
	}
	size, err := strconv.ParseUint(fields[0], 10, 63)
	if err != nil {
		return nil, syntaxErr("Malformed chunk size")
	}
	res := &BdatArgs{Size: int(size)}
	if len(fields) == 2 {
		if !strings.EqualFold(fields[1], "LAST") {
			return nil, syntaxErr("Syntax: BDAT <octets> [LAST]")
		}
		res.Last = true
	}
	return res, nil
}
