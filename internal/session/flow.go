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

import "sync/atomic"

// maxQueuedFrames bounds the number of decoded-but-unprocessed frames
// per session. A client pipelining past this many commands in one burst
// is hostile.
const maxQueuedFrames = 1024

// FlowController implements inbound flow control for one session. Queued
// bytes are frames received but not yet consumed by the command loop;
// crossing the high watermark pauses socket reads until the queue drains
// below the low watermark. Independently, inflight BDAT bytes (chunks
// handed to the body handler but not yet copied out) are capped.
//
// Counters are atomic: the body handler releases chunk reservations from
// its own goroutine.
type FlowController struct {
	High        int
	Low         int
	InflightCap int

	queued   atomic.Int64
	inflight atomic.Int64
	paused   atomic.Bool
}

func NewFlowController(high, low, inflightCap int) *FlowController {
	return &FlowController{High: high, Low: low, InflightCap: inflightCap}
}

// Enqueue accounts n queued bytes and updates the pause state.
func (c *FlowController) Enqueue(n int) {
	if c.queued.Add(int64(n)) >= int64(c.High) {
		c.paused.Store(true)
	}
}

// Release accounts n consumed bytes and updates the pause state.
func (c *FlowController) Release(n int) {
	if c.queued.Add(int64(-n)) <= int64(c.Low) {
		c.paused.Store(false)
	}
}

// ReadPaused reports whether the session should stop reading from the
// socket until the queue drains.
func (c *FlowController) ReadPaused() bool { return c.paused.Load() }

// QueuedBytes returns the current queued byte count.
func (c *FlowController) QueuedBytes() int { return int(c.queued.Load()) }

// ReserveChunk atomically reserves n inflight BDAT bytes. A false return
// means the cap would be exceeded; the session must refuse the chunk and
// close with 421.
func (c *FlowController) ReserveChunk(n int) bool {
	for {
		cur := c.inflight.Load()
		if cur+int64(n) > int64(c.InflightCap) {
			return false
		}
		if c.inflight.CompareAndSwap(cur, cur+int64(n)) {
			return true
		}
	}
}

// ReleaseChunk returns n reserved bytes, called by the body handler once
// the chunk is copied out of the channel.
func (c *FlowController) ReleaseChunk(n int) {
	c.inflight.Add(int64(-n))
}
