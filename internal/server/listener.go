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
	"crypto/tls"
	"net"

	"github.com/c0va23/go-proxyprotocol"

	"github.com/kurier-mta/kurier/framework/log"
	"github.com/kurier-mta/kurier/internal/config"
)

// wrapListener layers the optional PROXY protocol decoder and implicit
// TLS on top of a raw TCP listener. PROXY decoding happens first so the
// TLS handshake sees the real client connection.
func wrapListener(inner net.Listener, lc config.ListenerConfig, tlsCfg *tls.Config, l log.Logger) net.Listener {
	ln := inner
	if lc.ProxyProtocol {
		ln = proxyprotocol.NewDefaultListener(ln).
			WithLogger(proxyprotocol.LoggerFunc(func(format string, args ...interface{}) {
				l.Debugf("proxy-protocol: "+format, args...)
			})).
			WithSourceChecker(sourceChecker(lc.ProxyTrusted))
	}
	if lc.ImplicitTLS {
		ln = tls.NewListener(ln, tlsCfg)
	}
	return ln
}

// sourceChecker returns the upstream trust check for PROXY headers. An
// empty CIDR list trusts any source; local (unix socket) upstreams are
// always trusted.
func sourceChecker(trusted []string) proxyprotocol.SourceChecker {
	var nets []*net.IPNet
	for _, cidr := range trusted {
		// Validated by config.Validate.
		_, ipNet, err := net.ParseCIDR(cidr)
		if err == nil {
			nets = append(nets, ipNet)
		}
	}

	return func(upstream net.Addr) (bool, error) {
		if len(nets) == 0 {
			return true, nil
		}
		switch addr := upstream.(type) {
		case *net.TCPAddr:
			for _, ipNet := range nets {
				if ipNet.Contains(addr.IP) {
					return true, nil
				}
			}
			return false, nil
		case *net.UnixAddr:
			return true, nil
		default:
			return false, nil
		}
	}
}
