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
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Default framer limits.
const (
	// MaxCommandLine is the RFC 5321 command line length limit, octets,
	// excluding CRLF.
	MaxCommandLine = 512

	// MaxTextLine is the RFC 5321 text line length limit, octets,
	// excluding CRLF.
	MaxTextLine = 998

	// MaxChunkSize is the per-chunk BDAT size cap.
	MaxChunkSize = 16 * 1024 * 1024
)

// FramingError is a fatal protocol framing violation. The session replies
// with the carried code and closes the connection.
type FramingError struct {
	Code   int
	Reason string
}

func (fe *FramingError) Error() string {
	return "framing: " + fe.Reason
}

// Temporary implements exterrors.TemporaryErr; framing errors never are.
func (fe *FramingError) Temporary() bool { return false }

type framerMode int

const (
	modeLine framerMode = iota
	modeChunk
)

// Framer converts a raw inbound byte stream into an ordered sequence of
// frames. It is not goroutine-safe; the transport reader owns it.
//
// Default mode is line mode: a line ends at LF, a preceding CR is consumed
// if present. A "BDAT <n> [LAST]" command line switches the framer into
// byte mode for exactly n octets, after which it returns to line mode.
// Inside a DATA body (a "DATA" line was seen and the terminating "." was
// not) BDAT detection is disabled so body text cannot desynchronize the
// stream.
type Framer struct {
	// MaxLine is the line length cap applied inside a DATA body.
	// Command lines are capped at MaxCommand.
	MaxLine    int
	MaxCommand int
	MaxChunk   int

	mode     framerMode
	dataMode bool

	buf  []byte
	need int // remaining octets of the current BDAT chunk
}

func NewFramer() *Framer {
	return &Framer{
		MaxLine:    MaxTextLine,
		MaxCommand: MaxCommandLine,
		MaxChunk:   MaxChunkSize,
	}
}

// InData reports whether the framer is inside a DATA body.
func (f *Framer) InData() bool { return f.dataMode }

// LeaveData forcibly returns the framer to command interpretation. Used
// when the session refuses the DATA command after the framer already saw
// the "DATA" line.
func (f *Framer) LeaveData() { f.dataMode = false }

// Reset discards all buffered bytes and returns the framer to its initial
// state. Called after a successful STARTTLS handshake.
func (f *Framer) Reset() {
	f.mode = modeLine
	f.dataMode = false
	f.buf = nil
	f.need = 0
}

// Buffered returns the number of bytes received but not yet framed.
func (f *Framer) Buffered() int { return len(f.buf) }

// Feed appends p to the framer state and returns all complete frames.
// On a framing error the returned frames (if any) precede the error and
// the framer must not be fed again.
func (f *Framer) Feed(p []byte) ([]Frame, error) {
	f.buf = append(f.buf, p...)

	var frames []Frame
	for {
		switch f.mode {
		case modeChunk:
			if len(f.buf) < f.need {
				return frames, nil
			}
			chunk := make([]byte, f.need)
			copy(chunk, f.buf[:f.need])
			f.buf = f.buf[f.need:]
			f.need = 0
			f.mode = modeLine
			frames = append(frames, Frame{Kind: FrameBytes, Bytes: chunk})
		case modeLine:
			i := bytes.IndexByte(f.buf, '\n')
			limit := f.MaxCommand
			if f.dataMode {
				limit = f.MaxLine
			}
			if i == -1 {
				// No complete line yet; an over-long partial line is
				// reported without waiting for the terminator.
				if len(f.buf) > limit+2 {
					return frames, &FramingError{Code: 500, Reason: fmt.Sprintf("line longer than %d octets", limit)}
				}
				return frames, nil
			}
			line := f.buf[:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			if len(line) > limit {
				return frames, &FramingError{Code: 500, Reason: fmt.Sprintf("line longer than %d octets", limit)}
			}
			text := string(line)
			f.buf = f.buf[i+1:]

			if f.dataMode {
				if text == "." {
					f.dataMode = false
				}
			} else if isDataCommand(text) {
				f.dataMode = true
			} else if n, ok, err := f.bdatSize(text); err != nil {
				frames = append(frames, Frame{Kind: FrameLine, Line: text})
				return frames, err
			} else if ok {
				f.mode = modeChunk
				f.need = n
			}

			frames = append(frames, Frame{Kind: FrameLine, Line: text})
		}
	}
}

func isDataCommand(line string) bool {
	return strings.EqualFold(strings.TrimSpace(line), "DATA")
}

// bdatSize recognizes a "BDAT <n> [LAST]" command and returns the declared
// chunk size. Malformed BDAT arguments are left for the command layer to
// reject (ok == false); an oversize declared chunk is a framing error
// because the stream position would be lost.
func (f *Framer) bdatSize(line string) (n int, ok bool, err error) {
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.EqualFold(fields[0], "BDAT") {
		return 0, false, nil
	}
	if len(fields) > 3 {
		return 0, false, nil
	}
	if len(fields) == 3 && !strings.EqualFold(fields[2], "LAST") {
		return 0, false, nil
	}
	size, convErr := strconv.ParseUint(fields[1], 10, 63)
	if convErr != nil {
		return 0, false, nil
	}
	if size > uint64(f.MaxChunk) {
		return 0, false, &FramingError{Code: 500, Reason: fmt.Sprintf("BDAT chunk of %d octets exceeds the %d cap", size, f.MaxChunk)}
	}
	return int(size), true, nil
}
