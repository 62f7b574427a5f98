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
	"errors"
	"testing"

	"github.com/kurier-mta/kurier/framework/exterrors"
)

func TestReplyString(t *testing.T) {
	check := func(r Reply, expected string) {
		t.Helper()
		if actual := r.String(); actual != expected {
			t.Errorf("got %q, want %q", actual, expected)
		}
	}

	check(Rpl(250, "OK"), "250 OK\r\n")
	check(Rpl(354, "Start mail input"), "354 Start mail input\r\n")
	check(Rpl(550, "No such user"), "550 5.0.0 No such user\r\n")
	check(Rpl(451, "Try again later"), "451 4.0.0 Try again later\r\n")
	check(RplEnh(550, exterrors.EnhancedCode{5, 7, 1}, "Access denied"),
		"550 5.7.1 Access denied\r\n")
	check(Reply{
		Code:     250,
		Enhanced: exterrors.EnhancedCodeNotSet,
		Lines:    []string{"mx.example.org", "PIPELINING", "SIZE 33554432"},
	}, "250-mx.example.org\r\n250-PIPELINING\r\n250 SIZE 33554432\r\n")
	check(Reply{
		Code:     550,
		Enhanced: exterrors.EnhancedCode{5, 7, 1},
		Lines:    []string{"Denied", "Contact postmaster"},
	}, "550-5.7.1 Denied\r\n550 5.7.1 Contact postmaster\r\n")
}

func TestFromError(t *testing.T) {
	r := FromError(&exterrors.SMTPError{
		Code:         552,
		EnhancedCode: exterrors.EnhancedCode{5, 3, 4},
		Message:      "Message too big",
	})
	if r.Code != 552 || r.Enhanced != (exterrors.EnhancedCode{5, 3, 4}) || r.Lines[0] != "Message too big" {
		t.Errorf("got %+v", r)
	}

	// Unannotated temporary error: generic 451, no text leak.
	r = FromError(exterrors.WithTemporary(errors.New("disk on fire"), true))
	if r.Code != 451 || r.Lines[0] != "Internal server error" {
		t.Errorf("got %+v", r)
	}

	// Unannotated permanent error: generic 554.
	r = FromError(errors.New("nope"))
	if r.Code != 554 || r.Lines[0] != "Internal server error" {
		t.Errorf("got %+v", r)
	}
}
