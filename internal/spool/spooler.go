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
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kurier-mta/kurier/framework/address"
	"github.com/kurier-mta/kurier/framework/log"
)

// maxBackoff caps the delay between attempts for one message.
const maxBackoff = 600 * time.Second

// sweepBatch is how many due messages one sweep pulls from the store.
const sweepBatch = 128

// FailedRecipient pairs a recipient with its delivery error for DSN
// generation.
type FailedRecipient struct {
	Recipient string
	Err       error
}

// DSNEmitter generates and submits a failure notification to the
// original sender.
type DSNEmitter interface {
	EmitFailure(meta *Metadata, msgPath string, failed []FailedRecipient) error
}

// DeliverFunc attempts delivery of the message at msgPath to a single
// recipient.
type DeliverFunc func(ctx context.Context, meta *Metadata, rcpt string, msgPath string) error

// TriggerResult is the outcome of an external sweep trigger (ETRN or
// message submission).
type TriggerResult int

const (
	TriggerAccepted TriggerResult = iota
	TriggerInvalidArgument
	TriggerUnavailable
)

// Spooler owns the retry schedule: it periodically sweeps the store for
// due messages, attempts delivery per recipient, reschedules transient
// failures with exponential backoff and emits DSNs for permanent ones.
type Spooler struct {
	Store   Store
	Locks   LockManager
	Deliver DeliverFunc
	DSN     DSNEmitter
	Log     log.Logger

	MaxRetries  int
	RetryDelay  time.Duration
	Concurrency int

	coalescer *Coalescer

	// sweepMu serializes periodic sweeps against trigger-driven ones.
	sweepMu sync.Mutex

	running atomic.Bool
	now     func() time.Time
	randMu  sync.Mutex
	rand    *rand.Rand
}

func NewSpooler(store Store, locks LockManager, deliver DeliverFunc, dsn DSNEmitter,
	l log.Logger, maxRetries int, retryDelay, triggerCooldown time.Duration, concurrency int) *Spooler {

	s := &Spooler{
		Store:       store,
		Locks:       locks,
		Deliver:     deliver,
		DSN:         dsn,
		Log:         l,
		MaxRetries:  maxRetries,
		RetryDelay:  retryDelay,
		Concurrency: concurrency,
		now:         time.Now,
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.coalescer = NewCoalescer(triggerCooldown, s.Sweep)
	return s
}

// Run executes periodic sweeps every RetryDelay until ctx is canceled.
func (s *Spooler) Run(ctx context.Context) error {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.RetryDelay)
	defer ticker.Stop()

	// Pick up messages left over from a previous run right away.
	s.Sweep(ctx, Scope{})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx, Scope{})
		}
	}
}

// Trigger requests an out-of-schedule sweep. An empty domain requests a
// full sweep (used after message submission); a non-empty one restricts
// the sweep to recipients of that domain (ETRN).
func (s *Spooler) Trigger(ctx context.Context, domain string) TriggerResult {
	if !s.running.Load() {
		return TriggerUnavailable
	}

	scope := Scope{}
	if domain != "" {
		ascii, err := address.DomainASCII(domain)
		if err != nil || !validHostname(ascii) {
			return TriggerInvalidArgument
		}
		scope.Domain = ascii
	}

	s.coalescer.Submit(ctx, scope)
	return TriggerAccepted
}

// Sweep processes all currently due messages once. Sweeps are serialized
// process-wide; concurrent callers queue up behind the mutex.
func (s *Spooler) Sweep(ctx context.Context, scope Scope) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	due, err := s.Store.ListDue(s.now(), sweepBatch)
	if err != nil {
		s.Log.Error("cannot list due messages", err)
		return
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.Concurrency)
	for _, meta := range due {
		meta := meta
		group.Go(func() error {
			s.processLocked(groupCtx, meta, scope)
			return nil
		})
	}
	group.Wait()

	if purged, err := s.Locks.PurgeOrphaned(); err != nil {
		s.Log.Error("orphaned lock purge failed", err)
	} else if purged > 0 {
		s.Log.Msg("reclaimed orphaned locks", "count", purged)
	}

	if pending, err := s.Store.CountPending(); err == nil {
		pendingMessages.Set(float64(pending))
	}
}

func (s *Spooler) processLocked(ctx context.Context, meta *Metadata, scope Scope) {
	acquired, err := s.Locks.TryLock(meta.ID)
	if err != nil {
		s.Log.Error("lock acquisition failed", err, "msg", meta.ID)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := s.Locks.Unlock(meta.ID); err != nil {
			s.Log.Error("unlock failed", err, "msg", meta.ID)
		}
	}()

	// The pre-lock read may be stale; re-read under the lock.
	meta, err = s.Store.Read(meta.ID)
	if err != nil {
		// Removed by a concurrent worker between listing and locking.
		return
	}

	s.processOne(ctx, meta, scope)
}

func (s *Spooler) processOne(ctx context.Context, meta *Metadata, scope Scope) {
	toProcess := meta.Recipients
	if !scope.Full() {
		toProcess = nil
		for _, rcpt := range meta.Recipients {
			domain, err := address.DomainOf(rcpt)
			if err == nil && domain == scope.Domain {
				toProcess = append(toProcess, rcpt)
			}
		}
		if len(toProcess) == 0 {
			return
		}
	}
	attemptedAll := len(toProcess) == len(meta.Recipients)

	msgPath, err := s.Store.PrepareForDelivery(meta.ID)
	if err != nil {
		s.Log.Error("cannot prepare message for delivery", err, "msg", meta.ID)
		return
	}
	defer func() {
		if err := s.Store.CleanupPrepared(msgPath); err != nil {
			s.Log.Error("prepared copy cleanup failed", err, "msg", meta.ID)
		}
	}()

	var delivered []string
	var permanent, transient []FailedRecipient
	for _, rcpt := range toProcess {
		if ctx.Err() != nil {
			return
		}
		err := s.Deliver(ctx, meta, rcpt, msgPath)
		switch {
		case err == nil:
			delivered = append(delivered, rcpt)
			deliveryAttempts.WithLabelValues("success").Inc()
			s.Log.Msg("delivered", "msg", meta.ID, "rcpt", rcpt, "attempt", meta.Attempt+1)
		case Permanent(err):
			permanent = append(permanent, FailedRecipient{Recipient: rcpt, Err: err})
			deliveryAttempts.WithLabelValues("permanent").Inc()
			s.Log.Error("permanent delivery failure", err, "msg", meta.ID, "rcpt", rcpt)
		default:
			transient = append(transient, FailedRecipient{Recipient: rcpt, Err: err})
			deliveryAttempts.WithLabelValues("transient").Inc()
			s.Log.Msg("transient delivery failure", "msg", meta.ID, "rcpt", rcpt,
				"reason", err.Error(), "attempt", meta.Attempt+1)
		}
		if err := s.Locks.Refresh(meta.ID); err != nil {
			s.Log.Error("lock refresh failed", err, "msg", meta.ID)
		}
	}

	s.emitDSN(meta, msgPath, permanent)

	for _, rcpt := range delivered {
		meta.DropRecipient(rcpt)
	}
	for _, f := range permanent {
		meta.DropRecipient(f.Recipient)
	}

	if len(meta.Recipients) == 0 {
		if err := s.Store.Remove(meta.ID); err != nil {
			s.Log.Error("cannot remove completed message", err, "msg", meta.ID)
		}
		return
	}

	if len(transient) == 0 {
		// Remaining recipients were out of scope; leave the schedule
		// untouched.
		if err := s.Store.Write(meta); err != nil {
			s.Log.Error("metadata write failed", err, "msg", meta.ID)
		}
		return
	}

	if !attemptedAll {
		// A domain-scoped partial run must not penalize the recipients
		// it never tried.
		if err := s.Store.Write(meta); err != nil {
			s.Log.Error("metadata write failed", err, "msg", meta.ID)
		}
		return
	}

	meta.Attempt++
	if meta.Attempt >= s.MaxRetries {
		s.Log.Msg("dropping message after final attempt", "msg", meta.ID,
			"attempts", meta.Attempt, "remaining_rcpts", len(meta.Recipients))
		s.emitDSN(meta, msgPath, transient)
		if err := s.Store.Remove(meta.ID); err != nil {
			s.Log.Error("cannot remove dropped message", err, "msg", meta.ID)
		}
		messagesDropped.Inc()
		return
	}

	meta.Next = s.now().Add(s.backoff(meta.Attempt))
	if err := s.Store.Write(meta); err != nil {
		s.Log.Error("metadata write failed", err, "msg", meta.ID)
		return
	}
	s.Log.Msg("rescheduled", "msg", meta.ID, "attempt", meta.Attempt, "next", meta.Next)
}

func (s *Spooler) emitDSN(meta *Metadata, msgPath string, failed []FailedRecipient) {
	// Notifications about notifications would loop; the null reverse
	// path gets none.
	if meta.Sender == "" || len(failed) == 0 {
		return
	}

	permitted := failed[:0:0]
	for _, f := range failed {
		if meta.NotifyPermitsFailure(f.Recipient) {
			permitted = append(permitted, f)
		}
	}
	if len(permitted) == 0 {
		return
	}

	if err := s.DSN.EmitFailure(meta, msgPath, permitted); err != nil {
		s.Log.Error("DSN emission failed", err, "msg", meta.ID)
		return
	}
	dsnEmitted.Add(float64(len(permitted)))
}

// validHostname accepts LDH hostnames only; ETRN arguments are
// client-controlled.
func validHostname(domain string) bool {
	if domain == "" {
		return false
	}
	for _, ch := range domain {
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= '0' && ch <= '9':
		case ch == '.' || ch == '-':
		default:
			return false
		}
	}
	return true
}

// backoff computes the delay before the next attempt:
// min(600s, base * 2^(attempt-1)) with ±20% jitter, never below base.
func (s *Spooler) backoff(attempt int) time.Duration {
	base := s.RetryDelay
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if delay > maxBackoff {
		delay = maxBackoff
	}

	s.randMu.Lock()
	jitter := 0.8 + 0.4*s.rand.Float64()
	s.randMu.Unlock()

	delay = time.Duration(float64(delay) * jitter)
	if delay < base {
		delay = base
	}
	return delay
}
