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

package session

import (
	"sort"

	"github.com/kurier-mta/kurier/framework/exterrors"
)

// Stage identifies the command about to execute when the interceptor
// chain runs.
type Stage int

const (
	StageMail Stage = iota
	StageRcpt
	StageData
)

func (s Stage) String() string {
	switch s {
	case StageMail:
		return "MAIL"
	case StageRcpt:
		return "RCPT"
	case StageData:
		return "DATA"
	}
	return "?"
}

// InterceptorContext is the read-only session snapshot handed to
// interceptors.
type InterceptorContext struct {
	Stage   Stage
	Command string

	Greeted            bool
	TLSActive          bool
	Authenticated      bool
	RequireAuthForMail bool

	MailFromSet    bool
	MailFrom       string
	RecipientCount int
	Peer           string
}

// Action is the interceptor verdict kind.
type Action int

const (
	// ActionProceed lets the command continue to the next interceptor and
	// eventually the handler.
	ActionProceed Action = iota

	// ActionDeny replies with the carried code and keeps the session open.
	ActionDeny

	// ActionDrop replies and then closes the connection.
	ActionDrop
)

// Verdict is an interceptor's decision. Code/Enhanced/Message are only
// meaningful for Deny and Drop.
type Verdict struct {
	Action   Action
	Code     int
	Enhanced exterrors.EnhancedCode
	Message  string
}

// Proceed is the permissive verdict.
var Proceed = Verdict{Action: ActionProceed}

// Deny builds a denying verdict.
func Deny(code int, enh exterrors.EnhancedCode, msg string) Verdict {
	return Verdict{Action: ActionDeny, Code: code, Enhanced: enh, Message: msg}
}

// Interceptor inspects a command before its handler runs. Lower Order
// runs earlier; equal Order preserves registration order.
type Interceptor struct {
	Order     int
	Intercept func(InterceptorContext) Verdict
}

// Chain is the ordered interceptor list consulted before MAIL, RCPT and
// DATA/BDAT. The zero value contains only the protocol-sequencing rules.
type Chain struct {
	items []Interceptor
}

// NewChain builds a chain with the built-in sequencing interceptor plus
// the given custom ones.
func NewChain(custom ...Interceptor) *Chain {
	c := &Chain{}
	c.Add(Interceptor{Order: 0, Intercept: sequencing})
	for _, i := range custom {
		c.Add(i)
	}
	return c
}

// Add registers an interceptor, keeping the chain sorted by Order with
// stable insertion order within one Order value.
func (c *Chain) Add(i Interceptor) {
	c.items = append(c.items, i)
	sort.SliceStable(c.items, func(a, b int) bool {
		return c.items[a].Order < c.items[b].Order
	})
}

// Run consults every interceptor in order and returns the first verdict
// that is not Proceed.
func (c *Chain) Run(ctx InterceptorContext) Verdict {
	for _, i := range c.items {
		if v := i.Intercept(ctx); v.Action != ActionProceed {
			return v
		}
	}
	return Proceed
}

// sequencing enforces the core ESMTP command order: MAIL needs a
// greeting (and authentication on submission listeners), RCPT needs
// MAIL, DATA needs at least one recipient.
func sequencing(ctx InterceptorContext) Verdict {
	switch ctx.Stage {
	case StageMail:
		if !ctx.Greeted {
			return Deny(503, exterrors.EnhancedCode{5, 5, 1}, "Send EHLO first")
		}
		// Submission listeners demand a protected channel before the
		// credentials ever matter (RFC 6409 s. 4/5).
		if ctx.RequireAuthForMail && !ctx.TLSActive {
			return Deny(530, exterrors.EnhancedCode{5, 7, 0}, "Must issue a STARTTLS command first")
		}
		if ctx.RequireAuthForMail && !ctx.Authenticated {
			return Deny(530, exterrors.EnhancedCode{5, 7, 0}, "Authentication required")
		}
		if ctx.MailFromSet {
			return Deny(503, exterrors.EnhancedCode{5, 5, 1}, "Nested MAIL command")
		}
	case StageRcpt:
		if !ctx.MailFromSet {
			return Deny(503, exterrors.EnhancedCode{5, 5, 1}, "Send MAIL first")
		}
	case StageData:
		if !ctx.MailFromSet {
			return Deny(503, exterrors.EnhancedCode{5, 5, 1}, "Send MAIL first")
		}
		if ctx.RecipientCount == 0 {
			return Deny(503, exterrors.EnhancedCode{5, 5, 1}, "Send RCPT first")
		}
	}
	return Proceed
}
