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

package session

import (
	"encoding/base64"
	"errors"

	"github.com/emersion/go-sasl"
)

// saslServer is the challenge-response state machine driven by the AUTH
// command loop. go-sasl provides the PLAIN and LOGIN implementations.
type saslServer interface {
	Next(response []byte) (challenge []byte, done bool, err error)
}

func newPlainServer(verify func(username, password string) error) saslServer {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		// An authorization identity different from the authentication
		// identity is not supported.
		if identity != "" && identity != username {
			return errors.New("sasl: authorization identity not supported")
		}
		return verify(username, password)
	})
}

func newLoginServer(verify func(username, password string) error) saslServer {
	return sasl.NewLoginServer(verify)
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func encodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
