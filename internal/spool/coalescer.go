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
	"sync"
	"time"
)

// Scope selects which spooled messages a sweep considers. The zero value
// is a full sweep; a domain scope restricts processing to recipients in
// that domain.
type Scope struct {
	Domain string
}

// Full reports whether the scope covers the whole queue.
func (s Scope) Full() bool { return s.Domain == "" }

// Coalescer absorbs bursts of sweep triggers into a minimal series of
// sweep runs. A full trigger subsumes all pending domain triggers; domain
// triggers are drained in submission order. At most one drainer goroutine
// is active; consecutive runs are spaced by Cooldown.
type Coalescer struct {
	// RunOnce performs a single sweep. Set before the first Submit.
	RunOnce func(ctx context.Context, scope Scope)

	// Cooldown is the minimum spacing between trigger-driven runs.
	Cooldown time.Duration

	mu          sync.Mutex
	fullPending bool
	domains     []string
	domainSet   map[string]struct{}
	draining    bool
	lastRun     time.Time
}

func NewCoalescer(cooldown time.Duration, runOnce func(ctx context.Context, scope Scope)) *Coalescer {
	return &Coalescer{
		RunOnce:   runOnce,
		Cooldown:  cooldown,
		domainSet: map[string]struct{}{},
	}
}

// Submit records a trigger and ensures a drainer is running. Duplicate
// triggers for an already pending scope are absorbed.
func (c *Coalescer) Submit(ctx context.Context, scope Scope) {
	c.mu.Lock()
	if scope.Full() {
		c.fullPending = true
		c.domains = nil
		c.domainSet = map[string]struct{}{}
	} else if !c.fullPending {
		if _, dup := c.domainSet[scope.Domain]; !dup {
			c.domainSet[scope.Domain] = struct{}{}
			c.domains = append(c.domains, scope.Domain)
		}
	}

	startDrainer := !c.draining
	if startDrainer {
		c.draining = true
	}
	c.mu.Unlock()

	if startDrainer {
		go c.drain(ctx)
	}
}

// poll returns the next pending scope: a full sweep first, else the
// oldest domain trigger.
func (c *Coalescer) poll() (Scope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fullPending {
		c.fullPending = false
		return Scope{}, true
	}
	if len(c.domains) > 0 {
		d := c.domains[0]
		c.domains = c.domains[1:]
		delete(c.domainSet, d)
		return Scope{Domain: d}, true
	}
	c.draining = false
	return Scope{}, false
}

func (c *Coalescer) drain(ctx context.Context) {
	for {
		scope, ok := c.poll()
		if !ok {
			return
		}

		c.mu.Lock()
		wait := c.Cooldown - time.Since(c.lastRun)
		c.mu.Unlock()
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		c.RunOnce(ctx, scope)

		c.mu.Lock()
		c.lastRun = time.Now()
		c.mu.Unlock()
	}
}
