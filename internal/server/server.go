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

// Package server assembles the configured components into a running
// mail server: listeners, session endpoints, the delivery service, the
// spooler and the metrics endpoint.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kurier-mta/kurier/framework/log"
	"github.com/kurier-mta/kurier/internal/auth"
	"github.com/kurier-mta/kurier/internal/config"
	"github.com/kurier-mta/kurier/internal/delivery"
	"github.com/kurier-mta/kurier/internal/hooks"
	"github.com/kurier-mta/kurier/internal/relay"
	"github.com/kurier-mta/kurier/internal/session"
	"github.com/kurier-mta/kurier/internal/spool"
	"github.com/kurier-mta/kurier/internal/store"
)

// Server owns every long-lived component built from one configuration.
type Server struct {
	cfg *config.Config
	log log.Logger

	tlsConfig *tls.Config
	hooks     *hooks.Dispatcher

	badgerDB   *badger.DB
	spoolStore spool.Store
	spooler    *spool.Spooler
	delivery   *delivery.Service

	listeners []*listener
	tracker   *tracker
}

// listener pairs a bound socket with the session endpoint serving it.
type listener struct {
	ln          net.Listener
	endp        *session.Endpoint
	implicitTLS bool
}

// New builds a Server from cfg. Listeners are bound immediately so
// configuration errors surface before Run.
func New(cfg *config.Config, l log.Logger) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		log:     l,
		hooks:   hooks.NewDispatcher(l),
		tracker: newTracker(),
	}
	s.registerLogHooks()

	if err := s.setupTLS(); err != nil {
		return nil, err
	}

	authSvc, limiter, err := s.setupAuth()
	if err != nil {
		return nil, err
	}
	if err := s.setupSpool(); err != nil {
		return nil, err
	}
	if err := s.setupDelivery(); err != nil {
		s.closeStores()
		return nil, err
	}
	if err := s.setupListeners(authSvc, limiter); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) setupTLS() error {
	if s.cfg.TLS.CertFile == "" {
		return nil
	}
	cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	if err != nil {
		return fmt.Errorf("server: load TLS keypair: %w", err)
	}
	minVersion := uint16(tls.VersionTLS12)
	if s.cfg.TLS.MinVersion == "1.3" {
		minVersion = tls.VersionTLS13
	}
	s.tlsConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
	}
	return nil
}

func (s *Server) setupAuth() (auth.Service, auth.Limiter, error) {
	var svc auth.Service
	if s.cfg.Auth.File != "" {
		fileAuth, err := auth.NewFileAuth(s.cfg.Auth.File)
		if err != nil {
			return nil, nil, fmt.Errorf("server: %w", err)
		}
		svc = fileAuth
	}

	limitCfg := s.cfg.Auth.Limit
	var limiter auth.Limiter
	switch limitCfg.Backend {
	case "badger":
		db, err := s.openBadger()
		if err != nil {
			return nil, nil, err
		}
		limiter = auth.NewBadgerLimiter(db, limitCfg.MaxFailures, limitCfg.Window, limitCfg.Lockout)
	default:
		limiter = auth.NewMemoryLimiter(limitCfg.MaxFailures, limitCfg.Window, limitCfg.Lockout)
	}
	return svc, limiter, nil
}

// openBadger opens the shared badger database on first use. The spool
// and the auth limiter both store their state in it.
func (s *Server) openBadger() (*badger.DB, error) {
	if s.badgerDB != nil {
		return s.badgerDB, nil
	}
	opts := badger.DefaultOptions(s.cfg.Spool.Badger.Dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("server: open badger at %s: %w", s.cfg.Spool.Badger.Dir, err)
	}
	s.badgerDB = db
	return db, nil
}

func (s *Server) setupSpool() error {
	switch s.cfg.Spool.Type {
	case "badger":
		db, err := s.openBadger()
		if err != nil {
			return err
		}
		s.spoolStore = spool.OpenBadgerStore(db, s.cfg.Spool.Badger.Prefix, s.cfg.Spool.Badger.LockTTL)
	default:
		fs, err := spool.OpenFileStore(s.cfg.Spool.Dir)
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		s.spoolStore = fs
	}
	return nil
}

func (s *Server) setupDelivery() error {
	messages, err := store.NewFileStore(s.cfg.Storage.MessagesDir)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	policy, err := delivery.NewConfigPolicy(s.cfg.Relay)
	if err != nil {
		return fmt.Errorf("server: relay policy: %w", err)
	}

	s.delivery = &delivery.Service{
		LocalDomain: s.cfg.LocalDomain,
		Hostname:    s.cfg.Hostname,
		Mailboxes:   &store.Maildir{Root: s.cfg.Storage.MaildirRoot},
		Messages:    messages,
		Spool:       s.spoolStore,
		Policy:      policy,
		Hooks:       s.hooks,
		Log:         named(s.log, "delivery"),
	}

	transport := &relay.SMTPRelay{
		Hostname:    s.cfg.Hostname,
		Resolver:    net.DefaultResolver,
		TLSPolicy:   s.cfg.Relay.OutboundPolicy,
		TLSConfig:   &tls.Config{},
		DialTimeout: 30 * time.Second,
		Log:         named(s.log, "relay"),
	}
	dsnSvc := &delivery.DSNService{
		Hostname: s.cfg.Hostname,
		Service:  s.delivery,
		Log:      named(s.log, "dsn"),
	}

	locks, ok := s.spoolStore.(spool.LockManager)
	if !ok {
		return fmt.Errorf("server: spool store %T does not manage locks", s.spoolStore)
	}
	s.spooler = spool.NewSpooler(s.spoolStore, locks, transport.Deliver, dsnSvc, named(s.log, "spool"),
		s.cfg.Spool.MaxRetries, s.cfg.Spool.RetryDelay, s.cfg.Spool.TriggerCooldown,
		s.cfg.Spool.WorkerConcurrency)

	if s.cfg.Relay.Enabled {
		s.delivery.Trigger = func(ctx context.Context) {
			s.spooler.Trigger(ctx, "")
		}
	}
	return nil
}

func (s *Server) setupListeners(authSvc auth.Service, limiter auth.Limiter) error {
	for i, lc := range s.cfg.Listeners {
		if (lc.ImplicitTLS || lc.StartTLS) && s.tlsConfig == nil {
			return fmt.Errorf("server: listeners[%d]: TLS requested but no certificate configured", i)
		}

		endp := &session.Endpoint{
			Hostname:           s.cfg.Hostname,
			TLSConfig:          s.tlsConfig,
			HandshakeTimeout:   s.cfg.TLS.HandshakeTimeout,
			MaxMessageSize:     s.cfg.Limits.MaxMessageSize,
			MaxLine:            s.cfg.Limits.MaxLine,
			MaxBdatChunk:       s.cfg.Limits.MaxBdatChunk,
			QueueHigh:          s.cfg.Limits.InboundQueueHigh,
			QueueLow:           s.cfg.Limits.InboundQueueLow,
			BodyTimeout:        s.cfg.Limits.BodyTimeout,
			IdleTimeout:        lc.IdleTimeout,
			StartTLS:           lc.StartTLS,
			AuthEnabled:        lc.Auth && authSvc != nil,
			RequireAuthForMail: lc.RequireAuthForMail,
			ResetAuthOnRSET:    s.cfg.Auth.ResetOnRSET,
			Features:           s.cfg.Features,
			Auth:               authSvc,
			AuthLimiter:        limiter,
			Delivery:           s.delivery,
			Interceptors:       session.NewChain(),
			Hooks:              s.hooks,
			Log:                named(s.log, "smtp"),
		}
		if s.cfg.Relay.Enabled {
			endp.Trigger = s.spooler.Trigger
		}

		ln, err := net.Listen("tcp", lc.Addr)
		if err != nil {
			return fmt.Errorf("server: listen %s: %w", lc.Addr, err)
		}
		ln = wrapListener(ln, lc, s.tlsConfig, s.log)

		s.listeners = append(s.listeners, &listener{
			ln:          ln,
			endp:        endp,
			implicitTLS: lc.ImplicitTLS,
		})
		s.log.Msg("listening", "addr", lc.Addr, "implicit_tls", lc.ImplicitTLS,
			"starttls", lc.StartTLS, "auth", endp.AuthEnabled)
	}
	return nil
}

// registerLogHooks wires the default observers: one log line per
// accepted and failed message.
func (s *Server) registerLogHooks() {
	s.hooks.On(hooks.EventMessageAccepted, func(_ hooks.Event, p hooks.Payload) error {
		s.log.Msg("message accepted", "msg", p.MessageID, "peer", p.Peer, "mode", p.Detail)
		return nil
	})
	s.hooks.On(hooks.EventMessageRejected, func(_ hooks.Event, p hooks.Payload) error {
		s.log.DebugMsg("message rejected", "peer", p.Peer, "reply", p.Detail)
		return nil
	})
	s.hooks.On(hooks.EventMessageFailed, func(_ hooks.Event, p hooks.Payload) error {
		s.log.Msg("message failed permanently", "msg", p.MessageID, "detail", p.Detail)
		return nil
	})
}

// Run serves until ctx is canceled, then shuts down gracefully: stop
// accepting, drain sessions within the configured deadline, stop the
// spooler, close stores.
func (s *Server) Run(ctx context.Context) error {
	spoolCtx, stopSpooler := context.WithCancel(context.Background())
	spoolDone := make(chan struct{})
	go func() {
		defer close(spoolDone)
		s.spooler.Run(spoolCtx)
	}()

	var metricsSrv *http.Server
	if s.cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: s.cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Error("metrics endpoint failed", err)
			}
		}()
	}

	for _, l := range s.listeners {
		l := l
		go s.acceptLoop(ctx, l)
	}

	<-ctx.Done()
	s.log.Msg("shutting down")

	for _, l := range s.listeners {
		l.ln.Close()
	}
	s.tracker.drain(s.cfg.Lifecycle.GracefulShutdownTimeout)

	stopSpooler()
	<-spoolDone

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}

	s.closeStores()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, l *listener) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error("accept failed", err)
			return
		}
		sess := l.endp.NewSession(conn, l.implicitTLS)
		s.tracker.add(sess)
		go func() {
			defer s.tracker.remove(sess)
			sess.Serve(ctx)
		}()
	}
}

func (s *Server) closeStores() {
	if s.spoolStore != nil {
		if err := s.spoolStore.Close(); err != nil {
			s.log.Error("spool store close failed", err)
		}
		s.spoolStore = nil
	}
	if s.badgerDB != nil {
		if err := s.badgerDB.Close(); err != nil {
			s.log.Error("badger close failed", err)
		}
		s.badgerDB = nil
	}
}

// named derives a sub-logger, keeping the parent's output and debug
// setting.
func named(l log.Logger, name string) log.Logger {
	l.Name = name
	return l
}

// Close releases everything without the graceful drain. Used on failed
// startup and in tests.
func (s *Server) Close() {
	for _, l := range s.listeners {
		l.ln.Close()
	}
	s.closeStores()
}
