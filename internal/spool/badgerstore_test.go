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
	"os"
	"strings"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

func openTestBadgerStore(t *testing.T) *BadgerStore {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir()).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return OpenBadgerStore(db, "kurier", 5*time.Minute)
}

func TestBadgerStoreRoundtrip(t *testing.T) {
	s := openTestBadgerStore(t)

	meta, err := s.Enqueue(strings.NewReader("raw bytes"), Envelope{
		Sender:     "sender@example.org",
		Recipients: []string{"a@remote.example"},
		MessageID:  "m1",
		DSNEnvID:   "E7",
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.Read(meta.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Sender != "sender@example.org" || got.DSNEnvID != "E7" {
		t.Errorf("metadata differs: %+v", got)
	}

	path, err := s.PrepareForDelivery(meta.ID)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "raw bytes" {
		t.Errorf("raw copy differs: %q", raw)
	}
	if err := s.CleanupPrepared(path); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err == nil {
		t.Error("prepared copy not removed")
	}

	if err := s.Remove(meta.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Read(meta.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read after Remove: %v", err)
	}
	if n, _ := s.CountPending(); n != 0 {
		t.Errorf("CountPending = %d", n)
	}
}

func TestBadgerStoreListDue(t *testing.T) {
	s := openTestBadgerStore(t)
	now := time.Now()

	m1, _ := s.Enqueue(strings.NewReader("1"), testEnvelope("a@x.example"))
	m2, _ := s.Enqueue(strings.NewReader("2"), testEnvelope("b@x.example"))

	m1.Next = now.Add(time.Hour)
	if err := s.Write(m1); err != nil {
		t.Fatal(err)
	}
	m2.Next = now.Add(-time.Minute)
	if err := s.Write(m2); err != nil {
		t.Fatal(err)
	}

	due, err := s.ListDue(now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != m2.ID {
		t.Fatalf("due = %v", due)
	}

	// The rescheduled message must not leave a stale due-index entry.
	due, err = s.ListDue(now.Add(2*time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 {
		t.Fatalf("due at +2h = %d items, want 2", len(due))
	}
	if due[0].ID != m2.ID {
		t.Errorf("ascending order broken: %s first", due[0].ID)
	}
}

func TestBadgerStoreLocks(t *testing.T) {
	s := openTestBadgerStore(t)
	meta, _ := s.Enqueue(strings.NewReader("x"), testEnvelope("a@x.example"))

	ok, err := s.TryLock(meta.ID)
	if err != nil || !ok {
		t.Fatalf("first TryLock: ok=%v err=%v", ok, err)
	}
	ok, err = s.TryLock(meta.ID)
	if err != nil || ok {
		t.Fatalf("second TryLock should fail: ok=%v err=%v", ok, err)
	}
	if err := s.Refresh(meta.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Unlock(meta.ID); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.TryLock(meta.ID); !ok {
		t.Error("lock not reacquirable after Unlock")
	}
}
