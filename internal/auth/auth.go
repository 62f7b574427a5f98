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

// Package auth provides credential verification backends and the
// per-identity authentication failure limiter.
package auth

import "errors"

// ErrInvalidCredentials is returned by Service implementations when the
// username is unknown or the password does not match. The two cases are
// deliberately indistinguishable.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Service verifies plaintext credentials presented via AUTH PLAIN or
// AUTH LOGIN. Implementations must be safe for concurrent use.
type Service interface {
	AuthPlain(username, password string) error
}
