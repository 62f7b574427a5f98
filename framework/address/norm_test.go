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

package address

import (
	"testing"
)

func TestSplit(t *testing.T) {
	check := func(addr, mbox, domain string, fail bool) {
		t.Helper()
		actualMbox, actualDomain, err := Split(addr)
		if fail {
			if err == nil {
				t.Errorf("%s: expected failure, got %s, %s", addr, actualMbox, actualDomain)
			}
			return
		}
		if err != nil {
			t.Errorf("%s: %v", addr, err)
			return
		}
		if actualMbox != mbox || actualDomain != domain {
			t.Errorf("%s: got %s, %s", addr, actualMbox, actualDomain)
		}
	}

	check("simple@example.org", "simple", "example.org", false)
	check("postmaster", "postmaster", "", false)
	check("POSTMASTER", "POSTMASTER", "", false)
	check(`"quoted@local"@example.org`, `"quoted@local"`, "example.org", false)
	check("no-domain@", "", "", true)
	check("@no-local-part.example.org", "", "", true)
	check("no-at-sign", "", "", true)
}

func TestDomainASCII(t *testing.T) {
	check := func(domain, expected string) {
		t.Helper()
		actual, err := DomainASCII(domain)
		if err != nil {
			t.Errorf("%s: %v", domain, err)
			return
		}
		if actual != expected {
			t.Errorf("%s: got %s, want %s", domain, actual, expected)
		}
	}

	check("EXAMPLE.org", "example.org")
	check("example.org", "example.org")
	check("тест.example.org", "xn--e1aybc.example.org")
	check("xn--e1aybc.example.org", "xn--e1aybc.example.org")
}

func TestDomainEqual(t *testing.T) {
	if !DomainEqual("тест.example.org", "xn--e1aybc.EXAMPLE.org") {
		t.Error("U-label and A-label forms of the same domain should be equal")
	}
	if DomainEqual("a.example.org", "b.example.org") {
		t.Error("different domains should not be equal")
	}
}
