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

package auth

import (
	"sync"
	"time"
)

// Limiter tracks authentication failures per identity and locks an
// identity out after too many failures inside a sliding window.
//
// The identity key is chosen by the caller; the session layer uses
// "user|remote-ip" so one abusive source cannot lock a user out for
// everyone.
type Limiter interface {
	// Locked reports whether the identity is currently locked out.
	// A locked identity's authentication attempts are refused before
	// any credential check, without consuming a failure credit.
	Locked(identity string) (bool, error)

	// RecordFailure notes a failed attempt and returns whether the
	// identity is now locked.
	RecordFailure(identity string) (locked bool, err error)

	// Reset clears the failure history, called on successful
	// authentication.
	Reset(identity string) error
}

// MemoryLimiter is the in-process Limiter. State does not survive a
// restart; use the badger backend when that matters.
type MemoryLimiter struct {
	MaxFailures int
	Window      time.Duration
	Lockout     time.Duration

	// now is replaceable in tests.
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

type limiterEntry struct {
	failures    []time.Time
	lockedUntil time.Time
}

func NewMemoryLimiter(maxFailures int, window, lockout time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		MaxFailures: maxFailures,
		Window:      window,
		Lockout:     lockout,
		now:         time.Now,
		entries:     map[string]*limiterEntry{},
	}
}

func (l *MemoryLimiter) Locked(identity string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entries[identity]
	if e == nil {
		return false, nil
	}
	if l.now().Before(e.lockedUntil) {
		return true, nil
	}
	return false, nil
}

func (l *MemoryLimiter) RecordFailure(identity string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e := l.entries[identity]
	if e == nil {
		e = &limiterEntry{}
		l.entries[identity] = e
	}

	cutoff := now.Add(-l.Window)
	kept := e.failures[:0]
	for _, t := range e.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.failures = append(kept, now)

	if len(e.failures) >= l.MaxFailures {
		e.lockedUntil = now.Add(l.Lockout)
		e.failures = nil
		return true, nil
	}
	return false, nil
}

func (l *MemoryLimiter) Reset(identity string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entries[identity]
	if e == nil {
		return nil
	}
	// An active lockout is not lifted by a successful attempt elsewhere.
	if l.now().Before(e.lockedUntil) {
		return nil
	}
	delete(l.entries, identity)
	return nil
}
