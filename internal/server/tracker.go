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

package server

import (
	"sync"
	"time"

	"github.com/kurier-mta/kurier/internal/session"
)

// tracker keeps the set of live sessions so shutdown can wait for them
// to finish and force-close the stragglers.
type tracker struct {
	mu       sync.Mutex
	sessions map[*session.Session]struct{}
	wg       sync.WaitGroup
}

func newTracker() *tracker {
	return &tracker{sessions: map[*session.Session]struct{}{}}
}

func (t *tracker) add(s *session.Session) {
	t.mu.Lock()
	t.sessions[s] = struct{}{}
	t.mu.Unlock()
	t.wg.Add(1)
}

func (t *tracker) remove(s *session.Session) {
	t.mu.Lock()
	delete(t.sessions, s)
	t.mu.Unlock()
	t.wg.Done()
}

// drain waits up to timeout for sessions to finish on their own, then
// sends 421 to whatever is left and waits for those to unwind.
func (t *tracker) drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	if timeout > 0 {
		select {
		case <-done:
			return
		case <-time.After(timeout):
		}
	}

	t.mu.Lock()
	for s := range t.sessions {
		s.Shutdown()
	}
	t.mu.Unlock()
	<-done
}
