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

package delivery

import (
	"net"

	"github.com/kurier-mta/kurier/framework/address"
	"github.com/kurier-mta/kurier/internal/config"
)

// AccessDecision is the outcome of the relay access policy check for an
// external recipient.
type AccessDecision int

const (
	AccessAllowed AccessDecision = iota
	AccessAuthRequired
	AccessSenderDomainNotAllowed
	AccessOtherPolicy
)

// PolicyContext is the session state relevant to a relay decision.
type PolicyContext struct {
	Authenticated bool
	Sender        string
	PeerIP        net.IP
}

// RelayAccessPolicy decides whether a session may relay to external
// recipients.
type RelayAccessPolicy interface {
	Evaluate(pctx PolicyContext) AccessDecision
}

// ConfigPolicy is the RelayAccessPolicy built from the relay
// configuration section: authenticated sessions (or sessions from an
// allowed client network) may relay, optionally restricted to a sender
// domain allow-list.
type ConfigPolicy struct {
	Enabled              bool
	RequireAuth          bool
	AllowedSenderDomains []string
	AllowedClientNets    []*net.IPNet
}

func NewConfigPolicy(cfg config.RelayConfig) (*ConfigPolicy, error) {
	p := &ConfigPolicy{
		Enabled:     cfg.Enabled,
		RequireAuth: cfg.RequireAuth,
	}
	for _, domain := range cfg.AllowedSenderDomains {
		ascii, err := address.DomainASCII(domain)
		if err != nil {
			return nil, err
		}
		p.AllowedSenderDomains = append(p.AllowedSenderDomains, ascii)
	}
	for _, cidr := range cfg.AllowedClientCIDRs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		p.AllowedClientNets = append(p.AllowedClientNets, ipNet)
	}
	return p, nil
}

func (p *ConfigPolicy) Evaluate(pctx PolicyContext) AccessDecision {
	if !p.Enabled {
		return AccessOtherPolicy
	}

	if p.RequireAuth && !pctx.Authenticated && !p.clientAllowed(pctx.PeerIP) {
		return AccessAuthRequired
	}

	if len(p.AllowedSenderDomains) > 0 {
		domain, err := address.DomainOf(pctx.Sender)
		if err != nil {
			return AccessSenderDomainNotAllowed
		}
		for _, allowed := range p.AllowedSenderDomains {
			if domain == allowed {
				return AccessAllowed
			}
		}
		return AccessSenderDomainNotAllowed
	}

	return AccessAllowed
}

func (p *ConfigPolicy) clientAllowed(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, ipNet := range p.AllowedClientNets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}
