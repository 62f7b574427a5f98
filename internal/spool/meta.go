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

// Package spool implements the durable outbound relay queue: metadata
// stores (file and badger backed), per-message locks, the retry scheduler
// and the trigger coalescer.
package spool

import (
	"time"
)

// RcptDSN carries the RFC 3461 per-recipient DSN parameters given on the
// RCPT command.
type RcptDSN struct {
	Notify []string `json:"notify,omitempty"`
	ORcpt  string   `json:"orcpt,omitempty"`
}

// Metadata is the persistent state of one spooled message. The JSON
// encoding of this struct is the on-disk metadata format.
type Metadata struct {
	// ID is the spool-wide unique reference of the message, used as the
	// file name stem or record key.
	ID string `json:"id"`

	// Attempt counts completed full delivery attempts. Never decreases.
	Attempt int `json:"attempt"`

	QueuedAt time.Time `json:"queuedAt"`

	// Next is the earliest time of the next delivery attempt.
	Next time.Time `json:"next"`

	Sender string `json:"sender"`

	// Recipients still awaiting delivery. Delivered and permanently
	// failed recipients are removed as the message progresses.
	Recipients []string `json:"recipients"`

	MessageID     string `json:"messageId"`
	Authenticated bool   `json:"authenticated"`
	PeerAddress   string `json:"peerAddress"`

	// DSNRet and DSNEnvID are the RET/ENVID values from MAIL.
	DSNRet   string `json:"dsnRet,omitempty"`
	DSNEnvID string `json:"dsnEnvid,omitempty"`

	RcptDSN map[string]RcptDSN `json:"rcptDsn,omitempty"`
}

// Envelope is the acceptance-time information needed to enqueue a
// message.
type Envelope struct {
	Sender        string
	Recipients    []string
	MessageID     string
	Authenticated bool
	PeerAddress   string
	DSNRet        string
	DSNEnvID      string
	RcptDSN       map[string]RcptDSN
}

// DropRecipient removes rcpt from the pending set and its per-recipient
// DSN entry.
func (m *Metadata) DropRecipient(rcpt string) {
	kept := m.Recipients[:0]
	for _, r := range m.Recipients {
		if r != rcpt {
			kept = append(kept, r)
		}
	}
	m.Recipients = kept
	delete(m.RcptDSN, rcpt)
}

// NotifyPermitsFailure reports whether a failure DSN may be emitted for
// rcpt: NOTIFY absent or containing FAILURE permits, NEVER forbids.
func (m *Metadata) NotifyPermitsFailure(rcpt string) bool {
	entries := m.RcptDSN[rcpt].Notify
	if len(entries) == 0 {
		return true
	}
	permitted := false
	for _, e := range entries {
		switch e {
		case "NEVER":
			return false
		case "FAILURE":
			permitted = true
		}
	}
	return permitted
}
