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
	"errors"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

// DomainASCII converts the domain into its canonical A-label (IDNA2008)
// form, case-folded. The result is directly usable for case-insensitive
// domain comparisons.
func DomainASCII(domain string) (string, error) {
	aDomain, err := idna.ToASCII(strings.ToLower(norm.NFC.String(domain)))
	if err != nil {
		return domain, err
	}
	return strings.ToLower(aDomain), nil
}

// DomainOf returns the canonical A-label domain of the address. The special
// postmaster address has an empty domain.
func DomainOf(addr string) (string, error) {
	_, domain, err := Split(addr)
	if err != nil {
		return "", err
	}
	if domain == "" {
		return "", nil
	}
	return DomainASCII(domain)
}

// DomainEqual reports whether two domains are equal after IDNA
// normalization and case-folding. Malformed domains are compared as
// case-folded byte strings.
func DomainEqual(d1, d2 string) bool {
	a1, err1 := DomainASCII(d1)
	a2, err2 := DomainASCII(d2)
	if err1 != nil || err2 != nil {
		return strings.EqualFold(d1, d2)
	}
	return a1 == a2
}

// IsASCII reports whether the address consists only of ASCII characters.
// Non-ASCII addresses require the SMTPUTF8 extension (RFC 6531).
func IsASCII(addr string) bool {
	for _, ch := range addr {
		if ch > 127 {
			return false
		}
	}
	return true
}

// SelectIDNA returns the form of the address suitable for a message that
// does (utf8 = true) or does not allow raw Unicode. For ASCII-only
// messages the domain is converted to its A-label form; a non-ASCII local
// part cannot be represented and is an error.
func SelectIDNA(utf8 bool, addr string) (string, error) {
	if utf8 {
		return addr, nil
	}
	mbox, domain, err := Split(addr)
	if err != nil {
		return "", err
	}
	if !IsASCII(mbox) {
		return "", errors.New("address: local part is not representable in ASCII")
	}
	if domain == "" {
		return mbox, nil
	}
	aDomain, err := DomainASCII(domain)
	if err != nil {
		return "", err
	}
	return mbox + "@" + aDomain, nil
}

// SelectIDNADomain is SelectIDNA for a bare domain name.
func SelectIDNADomain(utf8 bool, domain string) (string, error) {
	if utf8 {
		return domain, nil
	}
	return DomainASCII(domain)
}
