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

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kurier",
		Subsystem: "smtp",
		Name:      "sessions_active",
		Help:      "Currently open SMTP sessions.",
	})
	commandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kurier",
		Subsystem: "smtp",
		Name:      "commands_total",
		Help:      "Processed SMTP commands.",
	}, []string{"command"})
	messagesAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kurier",
		Subsystem: "smtp",
		Name:      "messages_accepted_total",
		Help:      "Accepted message transactions by transfer mode.",
	}, []string{"mode"})
	authFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kurier",
		Subsystem: "smtp",
		Name:      "auth_failures_total",
		Help:      "Failed authentication attempts.",
	})
	tlsUpgrades = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kurier",
		Subsystem: "smtp",
		Name:      "starttls_upgrades_total",
		Help:      "Successful STARTTLS handshakes.",
	})
)

func init() {
	prometheus.MustRegister(sessionsActive, commandsTotal, messagesAccepted,
		authFailures, tlsUpgrades)
}
