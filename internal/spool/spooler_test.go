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
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kurier-mta/kurier/framework/exterrors"
	"github.com/kurier-mta/kurier/framework/log"
)

type recordingDSN struct {
	mu     sync.Mutex
	emits  [][]FailedRecipient
	senders []string
}

func (r *recordingDSN) EmitFailure(meta *Metadata, msgPath string, failed []FailedRecipient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emits = append(r.emits, failed)
	r.senders = append(r.senders, meta.Sender)
	return nil
}

type fakeDeliverer struct {
	mu       sync.Mutex
	attempts []string
	outcomes map[string]error
}

func (f *fakeDeliverer) deliver(ctx context.Context, meta *Metadata, rcpt, msgPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, rcpt)
	return f.outcomes[rcpt]
}

func newTestSpooler(t *testing.T, deliverer *fakeDeliverer, dsn *recordingDSN, maxRetries int) (*Spooler, *FileStore) {
	t.Helper()
	store, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s := NewSpooler(store, store, deliverer.deliver, dsn,
		log.Logger{Out: log.NopOutput{}}, maxRetries, time.Minute, time.Millisecond, 2)
	return s, store
}

func permErr(msg string) error {
	return &exterrors.SMTPError{Code: 550, EnhancedCode: exterrors.EnhancedCode{5, 1, 1}, Message: msg}
}

func tempErr(msg string) error {
	return &exterrors.SMTPError{Code: 451, EnhancedCode: exterrors.EnhancedCode{4, 4, 1}, Message: msg}
}

func TestSpoolerDeliversAndRemoves(t *testing.T) {
	deliverer := &fakeDeliverer{outcomes: map[string]error{}}
	dsn := &recordingDSN{}
	s, store := newTestSpooler(t, deliverer, dsn, 5)

	meta, _ := store.Enqueue(strings.NewReader("x"), testEnvelope("ok@remote.example"))
	s.Sweep(context.Background(), Scope{})

	if len(deliverer.attempts) != 1 {
		t.Fatalf("attempts = %v", deliverer.attempts)
	}
	if _, err := store.Read(meta.ID); err == nil {
		t.Error("fully delivered message should be removed")
	}
	if len(dsn.emits) != 0 {
		t.Error("no DSN expected for success")
	}
}

func TestSpoolerPermanentFailureEmitsDSN(t *testing.T) {
	deliverer := &fakeDeliverer{outcomes: map[string]error{
		"bad@remote.example": permErr("No such user"),
		"ok@remote.example":  nil,
	}}
	dsn := &recordingDSN{}
	s, store := newTestSpooler(t, deliverer, dsn, 5)

	meta, _ := store.Enqueue(strings.NewReader("x"),
		testEnvelope("bad@remote.example", "ok@remote.example"))
	s.Sweep(context.Background(), Scope{})

	if len(dsn.emits) != 1 || len(dsn.emits[0]) != 1 || dsn.emits[0][0].Recipient != "bad@remote.example" {
		t.Errorf("DSN emits = %+v", dsn.emits)
	}
	if _, err := store.Read(meta.ID); err == nil {
		t.Error("message should be removed once every recipient is settled")
	}
}

func TestSpoolerTransientReschedules(t *testing.T) {
	deliverer := &fakeDeliverer{outcomes: map[string]error{
		"later@remote.example": tempErr("Greylisted"),
	}}
	dsn := &recordingDSN{}
	s, store := newTestSpooler(t, deliverer, dsn, 5)

	meta, _ := store.Enqueue(strings.NewReader("x"), testEnvelope("later@remote.example"))
	before := time.Now()
	s.Sweep(context.Background(), Scope{})

	got, err := store.Read(meta.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", got.Attempt)
	}
	if !got.Next.After(before) {
		t.Error("nextAttemptAt not advanced")
	}
	if len(dsn.emits) != 0 {
		t.Error("transient failure must not emit a DSN")
	}
}

func TestSpoolerDropsAfterMaxRetries(t *testing.T) {
	deliverer := &fakeDeliverer{outcomes: map[string]error{
		"flaky@remote.example": tempErr("Connection refused"),
	}}
	dsn := &recordingDSN{}
	s, store := newTestSpooler(t, deliverer, dsn, 2)

	meta, _ := store.Enqueue(strings.NewReader("x"), testEnvelope("flaky@remote.example"))

	s.Sweep(context.Background(), Scope{})
	// Make the rescheduled message due again.
	got, _ := store.Read(meta.ID)
	got.Next = time.Now().Add(-time.Second)
	store.Write(got)

	s.Sweep(context.Background(), Scope{})

	if _, err := store.Read(meta.ID); err == nil {
		t.Error("message should be dropped after max retries")
	}
	if len(dsn.emits) != 1 {
		t.Fatalf("final DSN missing: %+v", dsn.emits)
	}
}

func TestSpoolerNotifyNeverSuppressesDSN(t *testing.T) {
	deliverer := &fakeDeliverer{outcomes: map[string]error{
		"quiet@remote.example": permErr("No such user"),
	}}
	dsn := &recordingDSN{}
	s, store := newTestSpooler(t, deliverer, dsn, 5)

	env := testEnvelope("quiet@remote.example")
	env.RcptDSN = map[string]RcptDSN{
		"quiet@remote.example": {Notify: []string{"NEVER"}},
	}
	store.Enqueue(strings.NewReader("x"), env)
	s.Sweep(context.Background(), Scope{})

	if len(dsn.emits) != 0 {
		t.Error("NOTIFY=NEVER recipient got a DSN")
	}
}

func TestSpoolerNullSenderGetsNoDSN(t *testing.T) {
	deliverer := &fakeDeliverer{outcomes: map[string]error{
		"bad@remote.example": permErr("No such user"),
	}}
	dsn := &recordingDSN{}
	s, store := newTestSpooler(t, deliverer, dsn, 5)

	env := testEnvelope("bad@remote.example")
	env.Sender = ""
	store.Enqueue(strings.NewReader("x"), env)
	s.Sweep(context.Background(), Scope{})

	if len(dsn.emits) != 0 {
		t.Error("null reverse-path message produced a DSN")
	}
}

func TestSpoolerDomainScope(t *testing.T) {
	deliverer := &fakeDeliverer{outcomes: map[string]error{
		"a@scoped.example": tempErr("busy"),
	}}
	dsn := &recordingDSN{}
	s, store := newTestSpooler(t, deliverer, dsn, 5)

	meta, _ := store.Enqueue(strings.NewReader("x"),
		testEnvelope("a@scoped.example", "b@other.example"))

	s.Sweep(context.Background(), Scope{Domain: "scoped.example"})

	if len(deliverer.attempts) != 1 || deliverer.attempts[0] != "a@scoped.example" {
		t.Fatalf("attempts = %v", deliverer.attempts)
	}

	// A partial (scoped) run must not penalize untargeted recipients.
	got, err := store.Read(meta.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Attempt != 0 {
		t.Errorf("attempt advanced by scoped run: %d", got.Attempt)
	}
	if len(got.Recipients) != 2 {
		t.Errorf("recipients = %v", got.Recipients)
	}
}

func TestSpoolerScopedSuccessRemovesRecipient(t *testing.T) {
	deliverer := &fakeDeliverer{outcomes: map[string]error{}}
	dsn := &recordingDSN{}
	s, store := newTestSpooler(t, deliverer, dsn, 5)

	meta, _ := store.Enqueue(strings.NewReader("x"),
		testEnvelope("a@scoped.example", "b@other.example"))

	s.Sweep(context.Background(), Scope{Domain: "scoped.example"})

	got, err := store.Read(meta.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Recipients) != 1 || got.Recipients[0] != "b@other.example" {
		t.Errorf("recipients = %v", got.Recipients)
	}
}

func TestBackoffBounds(t *testing.T) {
	s, _ := newTestSpooler(t, &fakeDeliverer{}, &recordingDSN{}, 5)
	s.RetryDelay = time.Minute

	for attempt := 1; attempt <= 10; attempt++ {
		for i := 0; i < 100; i++ {
			d := s.backoff(attempt)
			if d < time.Minute {
				t.Fatalf("attempt %d: backoff %v below base", attempt, d)
			}
			if d > 720*time.Second {
				t.Fatalf("attempt %d: backoff %v above cap with max jitter", attempt, d)
			}
		}
	}

	// Exponential growth region: attempt 2 ranges in [96s, 144s].
	for i := 0; i < 100; i++ {
		d := s.backoff(2)
		if d < 96*time.Second || d > 144*time.Second {
			t.Fatalf("attempt 2: backoff %v out of [96s, 144s]", d)
		}
	}
}

func TestTriggerValidation(t *testing.T) {
	s, _ := newTestSpooler(t, &fakeDeliverer{}, &recordingDSN{}, 5)

	if res := s.Trigger(context.Background(), "remote.example"); res != TriggerUnavailable {
		t.Errorf("trigger on stopped spooler = %v, want unavailable", res)
	}

	s.running.Store(true)
	defer s.running.Store(false)

	if res := s.Trigger(context.Background(), ""); res != TriggerAccepted {
		t.Errorf("full trigger = %v", res)
	}
	if res := s.Trigger(context.Background(), "remote.example"); res != TriggerAccepted {
		t.Errorf("domain trigger = %v", res)
	}
	if res := s.Trigger(context.Background(), "not a domain!"); res != TriggerInvalidArgument {
		t.Errorf("malformed domain trigger = %v", res)
	}
}
