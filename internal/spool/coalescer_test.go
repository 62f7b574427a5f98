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
	"testing"
	"time"
)

func TestCoalescerPollOrder(t *testing.T) {
	c := NewCoalescer(0, nil)

	// Populate via the locked fields directly; Submit would start a
	// drainer.
	c.mu.Lock()
	c.domainSet["a.example"] = struct{}{}
	c.domains = append(c.domains, "a.example")
	c.domainSet["b.example"] = struct{}{}
	c.domains = append(c.domains, "b.example")
	c.mu.Unlock()

	scope, ok := c.poll()
	if !ok || scope.Domain != "a.example" {
		t.Fatalf("poll 1 = %v %v", scope, ok)
	}
	scope, ok = c.poll()
	if !ok || scope.Domain != "b.example" {
		t.Fatalf("poll 2 = %v %v", scope, ok)
	}
	if _, ok := c.poll(); ok {
		t.Fatal("poll on empty coalescer returned a scope")
	}
}

func TestCoalescerFullSubsumesDomains(t *testing.T) {
	c := NewCoalescer(0, nil)

	c.mu.Lock()
	c.domainSet["a.example"] = struct{}{}
	c.domains = append(c.domains, "a.example")
	c.fullPending = true
	c.domains = nil
	c.domainSet = map[string]struct{}{}
	c.mu.Unlock()

	scope, ok := c.poll()
	if !ok || !scope.Full() {
		t.Fatalf("expected full scope, got %v %v", scope, ok)
	}
	if _, ok := c.poll(); ok {
		t.Fatal("domain scope survived a full trigger")
	}
}

func TestCoalescerDrainsSubmissions(t *testing.T) {
	var mu sync.Mutex
	var runs []Scope
	done := make(chan struct{}, 8)

	c := NewCoalescer(0, func(ctx context.Context, scope Scope) {
		mu.Lock()
		runs = append(runs, scope)
		mu.Unlock()
		done <- struct{}{}
	})

	ctx := context.Background()
	c.Submit(ctx, Scope{Domain: "a.example"})
	c.Submit(ctx, Scope{Domain: "a.example"}) // duplicate, absorbed
	c.Submit(ctx, Scope{Domain: "b.example"})

	deadline := time.After(2 * time.Second)
	for seen := 0; seen < 2; {
		select {
		case <-done:
			seen++
		case <-deadline:
			t.Fatal("drainer did not run all scopes in time")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(runs) != 2 {
		t.Fatalf("runs = %v, duplicates not absorbed", runs)
	}
	if runs[0].Domain != "a.example" || runs[1].Domain != "b.example" {
		t.Errorf("run order = %v", runs)
	}
}
