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

// Package hooks delivers best-effort lifecycle notifications to registered
// observers. Hook failures are logged and never affect the operation that
// raised the event.
package hooks

import (
	"sync"

	"github.com/kurier-mta/kurier/framework/log"
)

// Event identifies a lifecycle notification.
type Event string

const (
	// EventSessionOpened fires after the greeting is sent.
	EventSessionOpened Event = "session-opened"

	// EventSessionClosed fires once per session, for any close reason.
	EventSessionClosed Event = "session-closed"

	// EventMessageAccepted fires after a message transaction is accepted
	// (the 250 to DATA/BDAT LAST was sent).
	EventMessageAccepted Event = "message-accepted"

	// EventMessageRejected fires when a transaction command is denied by
	// policy or sequencing; Detail carries the stage and the reply.
	EventMessageRejected Event = "message-rejected"

	// EventMessageSpooled fires after a relay copy is durably queued.
	EventMessageSpooled Event = "message-spooled"

	// EventMessageRelayed fires after a spooled message is delivered to a
	// remote MX.
	EventMessageRelayed Event = "message-relayed"

	// EventMessageFailed fires when a spooled message is dropped after
	// exhausting retries or hitting a permanent failure.
	EventMessageFailed Event = "message-failed"

	// EventTLSEstablished fires after a successful STARTTLS or implicit
	// TLS handshake.
	EventTLSEstablished Event = "tls-established"
)

// Payload carries event context. Fields not meaningful for an event are
// left zero.
type Payload struct {
	SessionID string
	MessageID string
	Peer      string
	Detail    string
}

// Func observes a single event. Returning an error only causes a log
// entry.
type Func func(Event, Payload) error

// Dispatcher fans events out to registered hooks, sequentially and in
// registration order.
type Dispatcher struct {
	log log.Logger

	mu    sync.RWMutex
	hooks map[Event][]Func
}

func NewDispatcher(l log.Logger) *Dispatcher {
	return &Dispatcher{
		log:   l,
		hooks: map[Event][]Func{},
	}
}

// On registers fn for ev. Typically done before serving starts.
func (d *Dispatcher) On(ev Event, fn Func) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks[ev] = append(d.hooks[ev], fn)
}

// Fire invokes all hooks registered for ev. Errors and panics are
// contained; the caller never observes a failure.
func (d *Dispatcher) Fire(ev Event, p Payload) {
	d.mu.RLock()
	fns := d.hooks[ev]
	d.mu.RUnlock()

	for _, fn := range fns {
		d.fireOne(ev, p, fn)
	}
}

func (d *Dispatcher) fireOne(ev Event, p Payload, fn Func) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Msg("hook panic", "event", string(ev), "panic", r)
		}
	}()
	if err := fn(ev, p); err != nil {
		d.log.Error("hook failed", err, "event", string(ev), "session", p.SessionID)
	}
}
