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

// Package proto implements the low-level pieces of the server side of the
// ESMTP protocol: the inbound framer that converts a raw byte stream into
// command lines and BDAT chunks, reply formatting with enhanced status
// codes and parsing of command arguments.
package proto

// FrameKind discriminates the two inbound frame variants.
type FrameKind int

const (
	// FrameLine is a CRLF-terminated command or body line. The line text
	// does not include the terminator.
	FrameLine FrameKind = iota

	// FrameBytes is an exact-length BDAT payload chunk.
	FrameBytes
)

// Frame is a single unit of client input produced by the Framer.
//
// Bytes frames appear only while a BDAT transfer is in progress; receiving
// one in any other session state indicates loss of protocol sync.
type Frame struct {
	Kind FrameKind

	// Set for FrameLine. Bytes are preserved 1:1 (the string is the raw
	// octets, not necessarily valid UTF-8) so SMTPUTF8 content survives
	// until the command layer decides how to interpret it.
	Line string

	// Set for FrameBytes.
	Bytes []byte
}

// Size returns the number of queued bytes the frame accounts for,
// including the line terminator for line frames.
func (f Frame) Size() int {
	if f.Kind == FrameBytes {
		return len(f.Bytes)
	}
	return len(f.Line) + 2
}
