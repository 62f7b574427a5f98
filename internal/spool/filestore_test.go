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
)

func testEnvelope(rcpts ...string) Envelope {
	return Envelope{
		Sender:      "sender@example.org",
		Recipients:  rcpts,
		MessageID:   "msg-test",
		PeerAddress: "192.0.2.10",
	}
}

func TestFileStoreEnqueueRead(t *testing.T) {
	s, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	meta, err := s.Enqueue(strings.NewReader("raw message"), Envelope{
		Sender:     "sender@example.org",
		Recipients: []string{"a@remote.example", "b@remote.example"},
		MessageID:  "m1",
		DSNRet:     "HDRS",
		DSNEnvID:   "E1",
		RcptDSN: map[string]RcptDSN{
			"a@remote.example": {Notify: []string{"FAILURE"}, ORcpt: "rfc822;a@remote.example"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if meta.Attempt != 0 || len(meta.Recipients) != 2 {
		t.Errorf("unexpected metadata: %+v", meta)
	}

	got, err := s.Read(meta.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.DSNRet != "HDRS" || got.DSNEnvID != "E1" {
		t.Errorf("DSN parameters lost: %+v", got)
	}
	if got.RcptDSN["a@remote.example"].ORcpt != "rfc822;a@remote.example" {
		t.Errorf("per-recipient DSN lost: %+v", got.RcptDSN)
	}

	path, err := s.PrepareForDelivery(meta.ID)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "raw message" {
		t.Errorf("raw copy differs: %q", raw)
	}
}

func TestFileStoreListDueOrdering(t *testing.T) {
	s, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	m1, _ := s.Enqueue(strings.NewReader("1"), testEnvelope("a@x.example"))
	m2, _ := s.Enqueue(strings.NewReader("2"), testEnvelope("b@x.example"))
	m3, _ := s.Enqueue(strings.NewReader("3"), testEnvelope("c@x.example"))

	// Push m1 into the future, pull m3 ahead of m2.
	m1.Next = now.Add(time.Hour)
	if err := s.Write(m1); err != nil {
		t.Fatal(err)
	}
	m3.Next = now.Add(-2 * time.Minute)
	if err := s.Write(m3); err != nil {
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
	if len(due) != 2 {
		t.Fatalf("due = %d items, want 2", len(due))
	}
	if due[0].ID != m3.ID || due[1].ID != m2.ID {
		t.Errorf("due order: %s, %s", due[0].ID, due[1].ID)
	}
}

func TestFileStoreListDueNoDuplicatesAfterReschedule(t *testing.T) {
	s, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	meta, err := s.Enqueue(strings.NewReader("retry me"), testEnvelope("a@x.example"))
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if due, _ := s.ListDue(now, 10); len(due) != 1 {
		t.Fatalf("due before reschedule = %d items", len(due))
	}

	// A failed attempt reschedules the message. Once the new time also
	// passes, the message must still be listed exactly once, no matter
	// how many reschedules happened.
	for i := 1; i <= 3; i++ {
		meta.Attempt = i
		meta.Next = now.Add(time.Duration(i) * time.Minute)
		if err := s.Write(meta); err != nil {
			t.Fatal(err)
		}
	}

	due, err := s.ListDue(now.Add(time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Fatalf("due after reschedules = %d items, want 1", len(due))
	}
	if due[0].ID != meta.ID || due[0].Attempt != 3 {
		t.Errorf("listed %s attempt %d", due[0].ID, due[0].Attempt)
	}

	// The following sweep sees it once as well.
	due, err = s.ListDue(now.Add(2*time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Errorf("due on next sweep = %d items, want 1", len(due))
	}
}

func TestFileStoreListDueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	meta, err := s.Enqueue(strings.NewReader("persisted"), testEnvelope("a@x.example"))
	if err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	due, err := reopened.ListDue(time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != meta.ID {
		t.Errorf("due after reopen: %v", due)
	}
}

func TestFileStoreRemove(t *testing.T) {
	s, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	meta, _ := s.Enqueue(strings.NewReader("x"), testEnvelope("a@x.example"))

	if err := s.Remove(meta.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Read(meta.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read after Remove: %v", err)
	}
	due, _ := s.ListDue(time.Now(), 10)
	if len(due) != 0 {
		t.Errorf("removed message still listed as due")
	}
	if n, _ := s.CountPending(); n != 0 {
		t.Errorf("CountPending = %d", n)
	}
}

func TestFileStoreLocks(t *testing.T) {
	s, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
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
	ok, _ = s.TryLock(meta.ID)
	if !ok {
		t.Error("lock not reacquirable after Unlock")
	}
}

func TestFileStorePurgeOrphaned(t *testing.T) {
	s, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s.StaleLockAge = time.Millisecond

	meta, _ := s.Enqueue(strings.NewReader("x"), testEnvelope("a@x.example"))
	if ok, _ := s.TryLock(meta.ID); !ok {
		t.Fatal("lock")
	}

	time.Sleep(5 * time.Millisecond)
	purged, err := s.PurgeOrphaned()
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d", purged)
	}
	if ok, _ := s.TryLock(meta.ID); !ok {
		t.Error("lock not reclaimable after purge")
	}
}
