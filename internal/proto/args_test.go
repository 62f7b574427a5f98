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
	"reflect"
	"testing"
)

func TestParseMailArgs(t *testing.T) {
	args, err := ParseMailArgs("FROM:<user@example.org> SIZE=1024 BODY=8BITMIME SMTPUTF8 RET=HDRS ENVID=QQ314159")
	if err != nil {
		t.Fatal(err)
	}
	expected := &MailArgs{
		Sender: "user@example.org",
		Size:   1024,
		Body:   "8BITMIME",
		UTF8:   true,
		Ret:    RetHdrs,
		EnvID:  "QQ314159",
	}
	if !reflect.DeepEqual(args, expected) {
		t.Errorf("got %+v, want %+v", args, expected)
	}
}

func TestParseMailArgsNullPath(t *testing.T) {
	args, err := ParseMailArgs("FROM:<>")
	if err != nil {
		t.Fatal(err)
	}
	if args.Sender != "" {
		t.Errorf("null reverse-path parsed as %q", args.Sender)
	}
}

func TestParseMailArgsSourceRoute(t *testing.T) {
	args, err := ParseMailArgs("FROM:<@relay.example.org:user@example.org>")
	if err != nil {
		t.Fatal(err)
	}
	if args.Sender != "user@example.org" {
		t.Errorf("source route not stripped: %q", args.Sender)
	}
}

func TestParseMailArgsErrors(t *testing.T) {
	for _, arg := range []string{
		"user@example.org",           // no FROM:
		"FROM:user@example.org",      // no brackets
		"FROM:<user@example.org",     // unterminated
		"FROM:<a@b> SIZE=abc",        // bad SIZE
		"FROM:<a@b> BODY=BINARYMIME", // unsupported BODY
		"FROM:<a@b> RET=SOME",        // bad RET
		"FROM:<a@b> X-NOPE=1",        // unknown parameter
	} {
		if _, err := ParseMailArgs(arg); err == nil {
			t.Errorf("%q: expected error", arg)
		}
	}
}

func TestParseRcptArgs(t *testing.T) {
	args, err := ParseRcptArgs("TO:<box@example.com> NOTIFY=failure,delay ORCPT=rfc822;box@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if args.Recipient != "box@example.com" {
		t.Errorf("recipient = %q", args.Recipient)
	}
	if !reflect.DeepEqual(args.Notify, []string{NotifyFailure, NotifyDelay}) {
		t.Errorf("notify = %v", args.Notify)
	}
	if args.ORcpt != "rfc822;box@example.com" {
		t.Errorf("orcpt = %q", args.ORcpt)
	}
}

func TestParseRcptArgsErrors(t *testing.T) {
	for _, arg := range []string{
		"TO:<>",                       // empty forward-path
		"TO:<a@b> NOTIFY=SOMETIMES",   // bad NOTIFY
		"TO:<a@b> NOTIFY=NEVER,DELAY", // NEVER must be alone
		"TO:<a@b> ORCPT=noseparator",  // no addr-type
		"<a@b>",                       // no TO:
	} {
		if _, err := ParseRcptArgs(arg); err == nil {
			t.Errorf("%q: expected error", arg)
		}
	}
}

func TestParseBdatArgs(t *testing.T) {
	args, err := ParseBdatArgs("1024")
	if err != nil {
		t.Fatal(err)
	}
	if args.Size != 1024 || args.Last {
		t.Errorf("got %+v", args)
	}

	args, err = ParseBdatArgs("0 LAST")
	if err != nil {
		t.Fatal(err)
	}
	if args.Size != 0 || !args.Last {
		t.Errorf("got %+v", args)
	}

	for _, arg := range []string{"", "abc", "10 FIRST", "10 LAST extra", "-5"} {
		if _, err := ParseBdatArgs(arg); err == nil {
			t.Errorf("%q: expected error", arg)
		}
	}
}
