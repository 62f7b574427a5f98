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
	"github.com/prometheus/client_golang/prometheus"
)

var (
	pendingMessages = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kurier",
		Subsystem: "spool",
		Name:      "pending_messages",
		Help:      "Amount of messages currently waiting in the spool",
	})
	deliveryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kurier",
		Subsystem: "spool",
		Name:      "delivery_attempts_total",
		Help:      "Per-recipient delivery attempts, by outcome",
	}, []string{"result"})
	messagesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kurier",
		Subsystem: "spool",
		Name:      "messages_dropped_total",
		Help:      "Messages dropped after exhausting all delivery attempts",
	})
	dsnEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kurier",
		Subsystem: "spool",
		Name:      "dsn_emitted_total",
		Help:      "Failure notifications generated for undeliverable recipients",
	})
)

func init() {
	prometheus.MustRegister(pendingMessages)
	prometheus.MustRegister(deliveryAttempts)
	prometheus.MustRegister(messagesDropped)
	prometheus.MustRegister(dsnEmitted)
}
