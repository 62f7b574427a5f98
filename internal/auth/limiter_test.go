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
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

func TestMemoryLimiterLocksAfterMaxFailures(t *testing.T) {
	l := NewMemoryLimiter(3, 5*time.Minute, 15*time.Minute)
	now := time.Now()
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		locked, err := l.RecordFailure("bob|10.0.0.1")
		if err != nil {
			t.Fatal(err)
		}
		if locked {
			t.Fatalf("locked after %d failures", i+1)
		}
	}
	locked, err := l.RecordFailure("bob|10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if !locked {
		t.Fatal("not locked after 3rd failure")
	}

	if locked, _ := l.Locked("bob|10.0.0.1"); !locked {
		t.Error("Locked() should report the lockout")
	}
	if locked, _ := l.Locked("bob|10.0.0.2"); locked {
		t.Error("different identity should not be locked")
	}
}

func TestMemoryLimiterWindowSlides(t *testing.T) {
	l := NewMemoryLimiter(3, 5*time.Minute, 15*time.Minute)
	now := time.Now()
	l.now = func() time.Time { return now }

	l.RecordFailure("id")
	l.RecordFailure("id")

	// Old failures age out of the window.
	now = now.Add(6 * time.Minute)
	if locked, _ := l.RecordFailure("id"); locked {
		t.Error("aged-out failures still counted")
	}
}

func TestMemoryLimiterLockExpires(t *testing.T) {
	l := NewMemoryLimiter(1, 5*time.Minute, 15*time.Minute)
	now := time.Now()
	l.now = func() time.Time { return now }

	l.RecordFailure("id")
	if locked, _ := l.Locked("id"); !locked {
		t.Fatal("should be locked")
	}

	now = now.Add(16 * time.Minute)
	if locked, _ := l.Locked("id"); locked {
		t.Error("lockout should have expired")
	}
}

func TestMemoryLimiterResetKeepsActiveLock(t *testing.T) {
	l := NewMemoryLimiter(1, 5*time.Minute, 15*time.Minute)
	now := time.Now()
	l.now = func() time.Time { return now }

	l.RecordFailure("id")
	l.Reset("id")
	if locked, _ := l.Locked("id"); !locked {
		t.Error("Reset must not lift an active lockout")
	}
}

func openTestBadger(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir()).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBadgerLimiter(t *testing.T) {
	db := openTestBadger(t)
	l := NewBadgerLimiter(db, 3, 5*time.Minute, 15*time.Minute)

	for i := 0; i < 2; i++ {
		locked, err := l.RecordFailure("alice|192.0.2.7")
		if err != nil {
			t.Fatal(err)
		}
		if locked {
			t.Fatalf("locked after %d failures", i+1)
		}
	}
	locked, err := l.RecordFailure("alice|192.0.2.7")
	if err != nil {
		t.Fatal(err)
	}
	if !locked {
		t.Fatal("not locked after 3rd failure")
	}

	if locked, _ := l.Locked("alice|192.0.2.7"); !locked {
		t.Error("lock marker not persisted")
	}
	if locked, _ := l.Locked("alice|198.51.100.1"); locked {
		t.Error("different identity should not be locked")
	}

	if err := l.Reset("alice|192.0.2.7"); err != nil {
		t.Fatal(err)
	}
	if locked, _ := l.Locked("alice|192.0.2.7"); !locked {
		t.Error("Reset must not lift an active lockout")
	}
}
