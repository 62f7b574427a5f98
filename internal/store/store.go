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

// Package store persists accepted messages: the raw message store that
// backs the relay spool and the maildir writer used for local delivery.
package store

import "io"

// MessageStore persists the raw form of accepted messages. The stored
// bytes are the generated Received header followed by the body exactly as
// received (after dot-unstuffing for DATA transfers).
type MessageStore interface {
	// Store writes the message and returns an opaque reference for later
	// retrieval. The write is durable when Store returns.
	Store(messageID, receivedHeader string, raw []byte) (rawRef string, err error)

	// Open returns the stored bytes for reading.
	Open(rawRef string) (io.ReadCloser, error)

	// Delete removes the stored message. Deleting an unknown reference is
	// not an error.
	Delete(rawRef string) error
}
