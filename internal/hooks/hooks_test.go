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

package hooks

import (
	"errors"
	"testing"

	"github.com/kurier-mta/kurier/framework/log"
)

func TestDispatcherOrder(t *testing.T) {
	d := NewDispatcher(log.Logger{Out: log.NopOutput{}})

	var calls []string
	d.On(EventMessageAccepted, func(ev Event, p Payload) error {
		calls = append(calls, "first:"+p.MessageID)
		return nil
	})
	d.On(EventMessageAccepted, func(ev Event, p Payload) error {
		calls = append(calls, "second:"+p.MessageID)
		return nil
	})
	d.On(EventSessionClosed, func(ev Event, p Payload) error {
		calls = append(calls, "unrelated")
		return nil
	})

	d.Fire(EventMessageAccepted, Payload{MessageID: "m1"})

	if len(calls) != 2 || calls[0] != "first:m1" || calls[1] != "second:m1" {
		t.Errorf("calls = %v", calls)
	}
}

func TestDispatcherContainsFailures(t *testing.T) {
	d := NewDispatcher(log.Logger{Out: log.NopOutput{}})

	var reached bool
	d.On(EventSessionOpened, func(Event, Payload) error {
		return errors.New("observer broke")
	})
	d.On(EventSessionOpened, func(Event, Payload) error {
		panic("observer exploded")
	})
	d.On(EventSessionOpened, func(Event, Payload) error {
		reached = true
		return nil
	})

	d.Fire(EventSessionOpened, Payload{SessionID: "s1"})

	if !reached {
		t.Error("a failing hook stopped later hooks")
	}
}
