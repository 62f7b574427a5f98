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

package spool

import (
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned for references that are not (or no longer) in
// the spool.
var ErrNotFound = errors.New("spool: message not found")

// Store is the spool metadata and raw-copy store. Both implementations
// (file and badger) keep their own durable copy of the raw message, so a
// spooled message survives independently of the acceptance-time store.
type Store interface {
	// Enqueue makes a durable copy of raw together with fresh metadata.
	// The returned metadata has Attempt 0 and Next set to now (first
	// attempt is immediately due).
	Enqueue(raw io.Reader, env Envelope) (*Metadata, error)

	// ListDue returns up to limit messages with Next <= now, ordered by
	// Next ascending. Implementations use an ordered due index; the full
	// queue is not scanned.
	ListDue(now time.Time, limit int) ([]*Metadata, error)

	Read(ref string) (*Metadata, error)
	Write(meta *Metadata) error

	// Remove deletes the metadata and the raw copy.
	Remove(ref string) error

	// PrepareForDelivery returns a local file path holding the raw
	// message for the transport to stream. CleanupPrepared releases any
	// temporary copy backing that path.
	PrepareForDelivery(ref string) (string, error)
	CleanupPrepared(path string) error

	// CountPending returns the number of spooled messages, for gauges.
	CountPending() (int64, error)

	Close() error
}

// LockManager serializes processing of a single spooled message across
// workers (and, for the badger backend, across processes sharing the
// database).
type LockManager interface {
	// TryLock acquires the lock for ref if free. It never blocks.
	TryLock(ref string) (bool, error)

	// Unlock releases the lock, but only if the caller holds it.
	Unlock(ref string) error

	// Refresh extends the lock lifetime during long processing.
	Refresh(ref string) error

	// PurgeOrphaned reclaims locks left behind by crashed holders and
	// returns how many were reclaimed.
	PurgeOrphaned() (int, error)
}
