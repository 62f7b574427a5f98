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

// Package session implements the per-connection ESMTP state machine:
// framed input with flow control, STARTTLS upgrade, AUTH, the
// MAIL/RCPT/DATA/BDAT transaction cycle and the pre-command interceptor
// chain.
package session

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kurier-mta/kurier/framework/address"
	"github.com/kurier-mta/kurier/framework/exterrors"
	"github.com/kurier-mta/kurier/framework/log"
	"github.com/kurier-mta/kurier/internal/auth"
	"github.com/kurier-mta/kurier/internal/config"
	"github.com/kurier-mta/kurier/internal/delivery"
	"github.com/kurier-mta/kurier/internal/hooks"
	"github.com/kurier-mta/kurier/internal/proto"
	"github.com/kurier-mta/kurier/internal/spool"
)

const writeTimeout = 30 * time.Second

// errCloseSession signals the command loop that the reply was already
// sent and the connection must close.
var errCloseSession = errors.New("session: close")

var errAuthLocked = errors.New("session: identity locked out")

// TriggerFunc requests a spool sweep; an empty domain means a full one.
type TriggerFunc func(ctx context.Context, domain string) spool.TriggerResult

// Backend accepts validated recipients and completed transactions.
// *delivery.Service is the production implementation.
type Backend interface {
	CheckRcpt(pctx delivery.PolicyContext, rcpt string) error
	Submit(ctx context.Context, tx *delivery.Transaction) error
}

// Endpoint is the per-listener session factory: everything sessions of
// one listener share.
type Endpoint struct {
	Hostname string

	TLSConfig        *tls.Config
	HandshakeTimeout time.Duration

	MaxMessageSize int64
	MaxLine        int
	MaxBdatChunk   int
	QueueHigh      int
	QueueLow       int
	BodyTimeout    time.Duration
	IdleTimeout    time.Duration

	// StartTLS permits the STARTTLS command (as opposed to the listener
	// being implicit-TLS or plaintext-only).
	StartTLS           bool
	AuthEnabled        bool
	RequireAuthForMail bool
	ResetAuthOnRSET    bool

	Features config.FeaturesConfig

	Auth        auth.Service
	AuthLimiter auth.Limiter

	Delivery Backend

	// Trigger is consulted by ETRN; nil reports the queue as unavailable.
	Trigger TriggerFunc

	Interceptors *Chain
	Hooks        *hooks.Dispatcher
	Log          log.Logger
}

// NewSession wraps an accepted connection. tlsActive is true for
// implicit-TLS listeners whose handshake already completed.
func (e *Endpoint) NewSession(conn net.Conn, tlsActive bool) *Session {
	framer := proto.NewFramer()
	if e.MaxLine > 0 {
		framer.MaxLine = e.MaxLine
	}
	if e.MaxBdatChunk > 0 {
		framer.MaxChunk = e.MaxBdatChunk
	}

	id := uuid.New().String()
	s := &Session{
		endp:   e,
		conn:   conn,
		id:     id,
		framer: framer,
		flow:   NewFlowController(e.QueueHigh, e.QueueLow, e.MaxBdatChunk),
		log:    e.Log,
		rbuf:   make([]byte, 4096),
	}
	s.log.Fields = map[string]interface{}{"session": id}

	s.data.Peer = conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(s.data.Peer); err == nil {
		s.data.PeerIP = net.ParseIP(host)
	}
	s.data.TLSActive = tlsActive
	return s
}

// Session is one ESMTP connection. All methods except Shutdown run on
// the session goroutine.
type Session struct {
	endp *Endpoint
	conn net.Conn
	id   string
	log  log.Logger

	framer     *proto.Framer
	flow       *FlowController
	queue      []proto.Frame
	framingErr error
	rbuf       []byte

	ctx  context.Context
	data SessionData

	// msgID is the message identifier of the open transaction, assigned
	// at MAIL.
	msgID string

	body *bodyState

	writeMu sync.Mutex
	closed  bool
}

// bodyState tracks an in-progress BDAT transfer: the concurrently
// running assembly handler and the channel feeding it.
type bodyState struct {
	chunks   chan []byte
	done     chan error
	deadline time.Time
	aborted  bool
}

// Serve runs the session until the peer quits, errs out or ctx is
// canceled. It closes the connection before returning.
func (s *Session) Serve(ctx context.Context) {
	s.ctx = ctx
	sessionsActive.Inc()
	defer sessionsActive.Dec()
	defer s.close()
	defer s.abortBody()

	if s.endp.Hooks != nil {
		defer s.endp.Hooks.Fire(hooks.EventSessionClosed, hooks.Payload{SessionID: s.id, Peer: s.data.Peer})
	}

	if err := s.reply(proto.Rpl(220, s.endp.Hostname+" Kurier ESMTP ready")); err != nil {
		return
	}
	if s.endp.Hooks != nil {
		s.endp.Hooks.Fire(hooks.EventSessionOpened, hooks.Payload{SessionID: s.id, Peer: s.data.Peer})
	}

	for {
		if ctx.Err() != nil {
			s.reply(proto.RplEnh(421, exterrors.EnhancedCode{4, 3, 2}, "Service shutting down"))
			return
		}

		frame, err := s.nextFrame(s.idleDeadline())
		if err != nil {
			s.handleReadError(err, false)
			return
		}
		if frame.Kind == proto.FrameBytes {
			// Loss of protocol sync: binary data with no BDAT open.
			s.reply(proto.RplEnh(451, exterrors.EnhancedCode{4, 3, 0}, "Unexpected binary data"))
			return
		}

		cmd, arg := cutCommand(frame.Line)
		commandsTotal.WithLabelValues(cmd).Inc()

		var cmdErr error
		switch cmd {
		case "HELO":
			cmdErr = s.handleHelo(arg, false)
		case "EHLO":
			cmdErr = s.handleHelo(arg, true)
		case "AUTH":
			cmdErr = s.handleAuth(arg)
		case "STARTTLS":
			cmdErr = s.handleStartTLS()
		case "MAIL":
			cmdErr = s.handleMail(arg)
		case "RCPT":
			cmdErr = s.handleRcpt(arg)
		case "DATA":
			cmdErr = s.handleData()
		case "BDAT":
			cmdErr = s.handleBdat(arg)
		case "RSET":
			cmdErr = s.handleRset()
		case "NOOP":
			cmdErr = s.reply(proto.Rpl(250, "OK"))
		case "QUIT":
			s.reply(proto.Rpl(221, "Bye"))
			return
		case "VRFY":
			cmdErr = s.handleVrfy()
		case "EXPN":
			cmdErr = s.handleExpn()
		case "ETRN":
			cmdErr = s.handleEtrn(arg)
		default:
			cmdErr = s.reply(proto.RplEnh(500, exterrors.EnhancedCode{5, 5, 2}, "Unrecognized command"))
		}
		if cmdErr != nil {
			if !errors.Is(cmdErr, errCloseSession) {
				s.log.Error("session aborted", cmdErr, "peer", s.data.Peer)
			}
			return
		}
	}
}

// Shutdown asks the session to stop from another goroutine: best-effort
// 421 then close. The session goroutine then exits on its next read.
func (s *Session) Shutdown() {
	s.reply(proto.RplEnh(421, exterrors.EnhancedCode{4, 3, 2}, "Service shutting down"))
	s.close()
}

// close is safe to call from any goroutine; the body handler (owned by
// the session goroutine) is not touched here.
func (s *Session) close() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !s.closed {
		s.closed = true
		s.conn.Close()
	}
}

// ID returns the session identifier used in logs and hook payloads.
func (s *Session) ID() string { return s.id }

func (s *Session) idleDeadline() time.Time {
	idle := s.endp.IdleTimeout
	if idle <= 0 {
		idle = 300 * time.Second
	}
	return time.Now().Add(idle)
}

func (s *Session) handleReadError(err error, inBody bool) {
	var framingErr *proto.FramingError
	switch {
	case errors.As(err, &framingErr):
		s.reply(proto.Rpl(framingErr.Code, "Protocol violation: "+framingErr.Reason))
	case isTimeout(err):
		if inBody {
			s.reply(proto.RplEnh(451, exterrors.EnhancedCode{4, 3, 0}, "Processing timeout"))
		} else {
			s.reply(proto.RplEnh(421, exterrors.EnhancedCode{4, 4, 2}, "Idle timeout, closing connection"))
		}
	case errors.Is(err, io.EOF):
		// Peer hung up without QUIT; nothing to say.
	default:
		s.log.DebugMsg("read failed", "reason", err.Error())
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// nextFrame returns the next inbound frame, reading from the socket as
// needed. Queued frames drain before a stored framing error surfaces.
//
// The socket is only read when the queue is empty, so the queued-byte
// counter is zero at every read: a pipelined burst is fully processed
// before the next read, which keeps the pause watermark satisfied
// without checking it here.
func (s *Session) nextFrame(deadline time.Time) (proto.Frame, error) {
	for {
		if len(s.queue) > 0 {
			f := s.queue[0]
			s.queue = s.queue[1:]
			s.flow.Release(f.Size())
			return f, nil
		}
		if s.framingErr != nil {
			return proto.Frame{}, s.framingErr
		}
		if err := s.readMore(deadline); err != nil {
			return proto.Frame{}, err
		}
	}
}

func (s *Session) readMore(deadline time.Time) error {
	s.conn.SetReadDeadline(deadline)
	n, err := s.conn.Read(s.rbuf)
	if n > 0 {
		frames, ferr := s.framer.Feed(s.rbuf[:n])
		for _, f := range frames {
			s.flow.Enqueue(f.Size())
		}
		s.queue = append(s.queue, frames...)
		if ferr != nil {
			s.framingErr = ferr
		}
		if len(s.queue) > maxQueuedFrames {
			s.reply(proto.RplEnh(421, exterrors.EnhancedCode{4, 3, 2}, "Command queue overflow"))
			return errCloseSession
		}
	}
	return err
}

func (s *Session) reply(r proto.Reply) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return errCloseSession
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := io.WriteString(s.conn, r.String())
	return err
}

func cutCommand(line string) (cmd, arg string) {
	cmd, arg, _ = strings.Cut(line, " ")
	return strings.ToUpper(cmd), strings.TrimSpace(arg)
}

func (s *Session) ictx(stage Stage, cmd string) InterceptorContext {
	return InterceptorContext{
		Stage:              stage,
		Command:            cmd,
		Greeted:            s.data.Greeted,
		TLSActive:          s.data.TLSActive,
		Authenticated:      s.data.Authenticated,
		RequireAuthForMail: s.endp.RequireAuthForMail,
		MailFromSet:        s.data.MailFromSet,
		MailFrom:           s.data.MailFrom,
		RecipientCount:     len(s.data.Recipients),
		Peer:               s.data.Peer,
	}
}

// applyVerdict raises the rejection event and sends the denial reply.
// The returned error is non-nil for Drop verdicts.
func (s *Session) applyVerdict(cmd string, v Verdict) error {
	s.fireRejected(cmd, v.Code, v.Message)
	if err := s.reply(proto.RplEnh(v.Code, v.Enhanced, v.Message)); err != nil {
		return err
	}
	if v.Action == ActionDrop {
		return errCloseSession
	}
	return nil
}

func (s *Session) fireRejected(stage string, code int, msg string) {
	if s.endp.Hooks == nil {
		return
	}
	s.endp.Hooks.Fire(hooks.EventMessageRejected, hooks.Payload{
		SessionID: s.id,
		MessageID: s.msgID,
		Peer:      s.data.Peer,
		Detail:    fmt.Sprintf("%s: %d %s", stage, code, msg),
	})
}

func (s *Session) handleHelo(arg string, ehlo bool) error {
	if arg == "" {
		return s.reply(proto.RplEnh(501, exterrors.EnhancedCode{5, 5, 4}, "Hostname argument required"))
	}

	s.data.ResetTransaction()
	s.abortBody()
	s.data.HeloName = arg
	s.data.UsedEhlo = ehlo
	s.data.Greeted = true

	if !ehlo {
		return s.reply(proto.Rpl(250, s.endp.Hostname))
	}

	lines := []string{
		s.endp.Hostname + " at your service",
		"PIPELINING",
		"8BITMIME",
		"ENHANCEDSTATUSCODES",
		"SIZE " + strconv.FormatInt(s.endp.MaxMessageSize, 10),
		"CHUNKING",
		"SMTPUTF8",
		"DSN",
	}
	if s.endp.StartTLS && s.endp.TLSConfig != nil && !s.data.TLSActive {
		lines = append(lines, "STARTTLS")
	}
	if s.endp.AuthEnabled && s.endp.Auth != nil {
		lines = append(lines, "AUTH PLAIN LOGIN")
	}
	if s.endp.Features.ETRN {
		lines = append(lines, "ETRN")
	}
	return s.reply(proto.Reply{Code: 250, Lines: lines})
}

func (s *Session) handleStartTLS() error {
	if !s.endp.StartTLS || s.endp.TLSConfig == nil {
		return s.reply(proto.RplEnh(502, exterrors.EnhancedCode{5, 5, 1}, "TLS not available"))
	}
	if s.data.TLSActive {
		return s.reply(proto.RplEnh(503, exterrors.EnhancedCode{5, 5, 1}, "TLS already active"))
	}
	// RFC 3207 forbids commands pipelined behind STARTTLS: any bytes
	// already received would cross the plaintext/TLS boundary.
	if len(s.queue) > 0 || s.framer.Buffered() > 0 {
		return s.reply(proto.RplEnh(501, exterrors.EnhancedCode{5, 5, 1}, "STARTTLS not allowed with pipelined commands"))
	}

	if err := s.reply(proto.Rpl(220, "Ready to start TLS")); err != nil {
		return err
	}

	timeout := s.endp.HandshakeTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	tlsConn := tls.Server(s.conn, s.endp.TLSConfig)
	tlsConn.SetDeadline(time.Now().Add(timeout))
	if err := tlsConn.HandshakeContext(s.ctx); err != nil {
		s.log.DebugMsg("TLS handshake failed", "reason", err.Error(), "peer", s.data.Peer)
		return errCloseSession
	}
	tlsConn.SetDeadline(time.Time{})

	s.conn = tlsConn
	s.framer.Reset()
	s.queue = nil
	s.data.Reset(false, false)
	s.data.TLSActive = true

	tlsUpgrades.Inc()
	if s.endp.Hooks != nil {
		s.endp.Hooks.Fire(hooks.EventTLSEstablished, hooks.Payload{SessionID: s.id, Peer: s.data.Peer})
	}
	return nil
}

func (s *Session) handleMail(arg string) error {
	if v := s.endp.Interceptors.Run(s.ictx(StageMail, "MAIL")); v.Action != ActionProceed {
		return s.applyVerdict("MAIL", v)
	}

	args, err := proto.ParseMailArgs(arg)
	if err != nil {
		return s.reply(proto.FromError(err))
	}
	if args.Size > 0 && args.Size > s.endp.MaxMessageSize {
		return s.reply(proto.RplEnh(552, exterrors.EnhancedCode{5, 3, 4}, "Message size exceeds limit"))
	}
	if args.Sender != "" {
		if _, _, err := address.Split(args.Sender); err != nil {
			return s.reply(proto.RplEnh(553, exterrors.EnhancedCode{5, 1, 7}, "Malformed sender address"))
		}
		if !args.UTF8 && !address.IsASCII(args.Sender) {
			return s.reply(proto.RplEnh(550, exterrors.EnhancedCode{5, 6, 7}, "SMTPUTF8 required for this sender address"))
		}
	}

	s.msgID = uuid.New().String()
	s.data.MailFrom = args.Sender
	s.data.MailFromSet = true
	s.data.DeclaredSize = args.Size
	s.data.UTF8 = args.UTF8
	s.data.DSNRet = args.Ret
	s.data.DSNEnvID = args.EnvID
	return s.reply(proto.RplEnh(250, exterrors.EnhancedCode{2, 0, 0}, "OK"))
}

func (s *Session) handleRcpt(arg string) error {
	if v := s.endp.Interceptors.Run(s.ictx(StageRcpt, "RCPT")); v.Action != ActionProceed {
		return s.applyVerdict("RCPT", v)
	}

	args, err := proto.ParseRcptArgs(arg)
	if err != nil {
		return s.reply(proto.FromError(err))
	}
	if !s.data.UTF8 && !address.IsASCII(args.Recipient) {
		return s.reply(proto.RplEnh(553, exterrors.EnhancedCode{5, 6, 7}, "SMTPUTF8 required for this recipient address"))
	}

	checkErr := s.endp.Delivery.CheckRcpt(delivery.PolicyContext{
		Authenticated: s.data.Authenticated,
		Sender:        s.data.MailFrom,
		PeerIP:        s.data.PeerIP,
	}, args.Recipient)
	if checkErr != nil {
		r := proto.FromError(checkErr)
		s.fireRejected("RCPT", r.Code, strings.Join(r.Lines, " "))
		return s.reply(r)
	}

	s.data.Recipients = append(s.data.Recipients, args.Recipient)
	if len(args.Notify) > 0 || args.ORcpt != "" {
		if s.data.RcptDSN == nil {
			s.data.RcptDSN = map[string]spool.RcptDSN{}
		}
		s.data.RcptDSN[args.Recipient] = spool.RcptDSN{Notify: args.Notify, ORcpt: args.ORcpt}
	}
	return s.reply(proto.RplEnh(250, exterrors.EnhancedCode{2, 1, 5}, "OK"))
}

func (s *Session) handleRset() error {
	s.abortBody()
	s.data.ResetTransaction()
	if s.endp.ResetAuthOnRSET {
		s.data.Authenticated = false
		s.data.Username = ""
	}
	return s.reply(proto.RplEnh(250, exterrors.EnhancedCode{2, 0, 0}, "OK"))
}

func (s *Session) handleVrfy() error {
	if !s.endp.Features.VRFY {
		return s.reply(proto.RplEnh(502, exterrors.EnhancedCode{5, 5, 1}, "VRFY not enabled"))
	}
	return s.reply(proto.RplEnh(252, exterrors.EnhancedCode{2, 0, 0},
		"Cannot VRFY user, but will accept message and attempt delivery"))
}

func (s *Session) handleExpn() error {
	if !s.endp.Features.EXPN {
		return s.reply(proto.RplEnh(502, exterrors.EnhancedCode{5, 5, 1}, "EXPN not enabled"))
	}
	return s.reply(proto.RplEnh(252, exterrors.EnhancedCode{2, 0, 0}, "Cannot expand list"))
}

func (s *Session) handleEtrn(arg string) error {
	if !s.endp.Features.ETRN {
		return s.reply(proto.RplEnh(502, exterrors.EnhancedCode{5, 5, 1}, "ETRN not enabled"))
	}
	if arg == "" {
		return s.reply(proto.RplEnh(501, exterrors.EnhancedCode{5, 5, 4}, "Domain argument required"))
	}
	// RFC 1985 allows an @ prefix for subdomain-wide flushes; treated the
	// same as the bare domain here.
	domain := strings.TrimPrefix(arg, "@")

	if s.endp.Trigger == nil {
		return s.reply(proto.Rpl(458, "Unable to queue messages"))
	}
	switch s.endp.Trigger(s.ctx, domain) {
	case spool.TriggerAccepted:
		return s.reply(proto.Rpl(250, "Queue processing started for "+domain))
	case spool.TriggerInvalidArgument:
		return s.reply(proto.RplEnh(501, exterrors.EnhancedCode{5, 5, 4}, "Malformed domain"))
	default:
		return s.reply(proto.Rpl(458, "Unable to queue messages"))
	}
}

// submit hands a completed body to the delivery service.
func (s *Session) submit(body []byte, mode string) error {
	tx := &delivery.Transaction{
		Sender:        s.data.MailFrom,
		Recipients:    append([]string(nil), s.data.Recipients...),
		MessageID:     s.msgID,
		Peer:          s.data.Peer,
		TLS:           s.data.TLSActive,
		Authenticated: s.data.Authenticated,
		Ret:           s.data.DSNRet,
		EnvID:         s.data.DSNEnvID,
		RcptDSN:       s.data.RcptDSN,
		Body:          body,
	}
	if err := s.endp.Delivery.Submit(s.ctx, tx); err != nil {
		return err
	}
	messagesAccepted.WithLabelValues(mode).Inc()
	if s.endp.Hooks != nil {
		s.endp.Hooks.Fire(hooks.EventMessageAccepted, hooks.Payload{
			SessionID: s.id, MessageID: s.msgID, Peer: s.data.Peer, Detail: mode,
		})
	}
	return nil
}

func (s *Session) handleData() error {
	if v := s.endp.Interceptors.Run(s.ictx(StageData, "DATA")); v.Action != ActionProceed {
		// The framer switched to body interpretation on the DATA line;
		// undo that since no body follows a refusal.
		s.framer.LeaveData()
		return s.applyVerdict("DATA", v)
	}
	if s.data.BodyMode == modeBdat {
		s.framer.LeaveData()
		return s.reply(proto.RplEnh(503, exterrors.EnhancedCode{5, 5, 1}, "DATA cannot follow BDAT in one transaction"))
	}
	s.data.BodyMode = modeData

	if err := s.reply(proto.Rpl(354, "End data with <CR><LF>.<CR><LF>")); err != nil {
		return err
	}

	deadline := time.Now().Add(s.bodyTimeout())
	var buf bytes.Buffer
	oversize := false
	for {
		frame, err := s.nextFrame(deadline)
		if err != nil {
			s.handleReadError(err, true)
			return errCloseSession
		}
		if frame.Kind != proto.FrameLine {
			s.reply(proto.RplEnh(451, exterrors.EnhancedCode{4, 3, 0}, "Unexpected binary data in DATA"))
			return errCloseSession
		}
		line := frame.Line
		if line == "." {
			break
		}
		// Undo transparency dot-stuffing (RFC 5321 section 4.5.2).
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}
		if !oversize && int64(buf.Len()+len(line)+2) > s.endp.MaxMessageSize {
			oversize = true
			buf.Reset()
		}
		if !oversize {
			buf.WriteString(line)
			buf.WriteString("\r\n")
		}
	}

	if oversize {
		s.data.ResetTransaction()
		return s.reply(proto.RplEnh(552, exterrors.EnhancedCode{5, 3, 4}, "Message size exceeds limit"))
	}

	err := s.submit(buf.Bytes(), modeData)
	s.data.ResetTransaction()
	if err != nil {
		return s.reply(proto.FromError(err))
	}
	return s.reply(proto.RplEnh(250, exterrors.EnhancedCode{2, 0, 0}, "OK: queued as "+s.msgID))
}

func (s *Session) bodyTimeout() time.Duration {
	if s.endp.BodyTimeout > 0 {
		return s.endp.BodyTimeout
	}
	return 5 * time.Minute
}

func (s *Session) handleBdat(arg string) error {
	args, err := proto.ParseBdatArgs(arg)
	if err != nil {
		// The framer did not recognize the malformed form either, so the
		// stream is still in line mode.
		return s.reply(proto.FromError(err))
	}

	// A declared size above the chunk cap is a client protocol error.
	// The framer refused to enter byte mode for it, so the following
	// octets cannot be skipped and the stream position is lost.
	if args.Size > s.framer.MaxChunk {
		s.reply(proto.Rpl(500, fmt.Sprintf("BDAT chunk of %d octets exceeds the %d cap", args.Size, s.framer.MaxChunk)))
		return errCloseSession
	}

	// The chunk bytes follow regardless of whether the command is
	// acceptable; they must be drained to keep stream sync.
	if s.data.BodyMode == modeData {
		if err := s.discardChunk(args.Size); err != nil {
			return err
		}
		return s.reply(proto.RplEnh(503, exterrors.EnhancedCode{5, 5, 1}, "BDAT cannot follow DATA in one transaction"))
	}

	if s.body == nil {
		if v := s.endp.Interceptors.Run(s.ictx(StageData, "BDAT")); v.Action != ActionProceed {
			if err := s.discardChunk(args.Size); err != nil {
				return err
			}
			return s.applyVerdict("BDAT", v)
		}
		s.data.BodyMode = modeBdat
		s.body = &bodyState{
			chunks:   make(chan []byte, 16),
			done:     make(chan error, 1),
			deadline: time.Now().Add(s.bodyTimeout()),
		}
		go s.runBodyHandler(s.body)
	}

	if !s.flow.ReserveChunk(args.Size) {
		s.reply(proto.RplEnh(421, exterrors.EnhancedCode{4, 3, 2}, "Chunk buffer overflow"))
		return errCloseSession
	}

	frame, err := s.nextFrame(s.body.deadline)
	if err != nil {
		s.flow.ReleaseChunk(args.Size)
		s.handleReadError(err, true)
		return errCloseSession
	}
	if frame.Kind != proto.FrameBytes || len(frame.Bytes) != args.Size {
		s.flow.ReleaseChunk(args.Size)
		s.reply(proto.RplEnh(451, exterrors.EnhancedCode{4, 3, 0}, "BDAT stream desynchronized"))
		return errCloseSession
	}

	s.body.chunks <- frame.Bytes

	if !args.Last {
		return s.reply(proto.RplEnh(250, exterrors.EnhancedCode{2, 0, 0},
			strconv.Itoa(args.Size)+" bytes received"))
	}

	// LAST: finish the handler and report its outcome.
	close(s.body.chunks)
	var handlerErr error
	select {
	case handlerErr = <-s.body.done:
	case <-time.After(time.Until(s.body.deadline)):
		s.body = nil
		s.data.ResetTransaction()
		s.reply(proto.RplEnh(451, exterrors.EnhancedCode{4, 3, 0}, "Processing timeout"))
		return errCloseSession
	}
	s.body = nil
	msgID := s.msgID
	s.data.ResetTransaction()
	if handlerErr != nil {
		return s.reply(proto.FromError(handlerErr))
	}
	return s.reply(proto.RplEnh(250, exterrors.EnhancedCode{2, 0, 0}, "OK: queued as "+msgID))
}

// discardChunk consumes a declared chunk that will not be used.
func (s *Session) discardChunk(size int) error {
	frame, err := s.nextFrame(time.Now().Add(s.bodyTimeout()))
	if err != nil {
		s.handleReadError(err, true)
		return errCloseSession
	}
	if frame.Kind != proto.FrameBytes || len(frame.Bytes) != size {
		s.reply(proto.RplEnh(451, exterrors.EnhancedCode{4, 3, 0}, "BDAT stream desynchronized"))
		return errCloseSession
	}
	return nil
}

// runBodyHandler assembles BDAT chunks and submits the completed message.
// It runs concurrently with the command loop so chunk acknowledgements
// do not wait for assembly.
func (s *Session) runBodyHandler(st *bodyState) {
	var buf bytes.Buffer
	oversize := false
	for chunk := range st.chunks {
		if !oversize && int64(buf.Len()+len(chunk)) > s.endp.MaxMessageSize {
			oversize = true
			buf.Reset()
		}
		if !oversize {
			buf.Write(chunk)
		}
		s.flow.ReleaseChunk(len(chunk))
	}
	if st.aborted {
		st.done <- nil
		return
	}
	if oversize {
		st.done <- &exterrors.SMTPError{
			Code:         552,
			EnhancedCode: exterrors.EnhancedCode{5, 3, 4},
			Message:      "Message size exceeds limit",
		}
		return
	}
	st.done <- s.submit(buf.Bytes(), modeBdat)
}

// abortBody terminates an open BDAT transfer without submitting.
func (s *Session) abortBody() {
	if s.body == nil {
		return
	}
	s.body.aborted = true
	close(s.body.chunks)
	<-s.body.done
	s.body = nil
}

func (s *Session) handleAuth(arg string) error {
	if !s.endp.AuthEnabled || s.endp.Auth == nil {
		return s.reply(proto.RplEnh(502, exterrors.EnhancedCode{5, 5, 1}, "Authentication not enabled"))
	}
	if s.data.Authenticated {
		return s.reply(proto.RplEnh(503, exterrors.EnhancedCode{5, 5, 1}, "Already authenticated"))
	}
	if s.data.MailFromSet {
		return s.reply(proto.RplEnh(503, exterrors.EnhancedCode{5, 5, 1}, "AUTH not permitted during a transaction"))
	}

	fields := strings.Fields(arg)
	if len(fields) == 0 || len(fields) > 2 {
		return s.reply(proto.RplEnh(501, exterrors.EnhancedCode{5, 5, 4}, "Syntax: AUTH <mechanism> [initial-response]"))
	}

	var srv saslServer
	switch strings.ToUpper(fields[0]) {
	case "PLAIN":
		srv = newPlainServer(s.verifyCredentials)
	case "LOGIN":
		srv = newLoginServer(s.verifyCredentials)
	default:
		return s.reply(proto.RplEnh(504, exterrors.EnhancedCode{5, 5, 4}, "Unsupported authentication mechanism"))
	}

	var resp []byte
	if len(fields) == 2 {
		// "=" encodes a zero-length initial response (RFC 4954).
		if fields[1] == "=" {
			resp = []byte{}
		} else {
			decoded, err := decodeBase64(fields[1])
			if err != nil {
				return s.reply(proto.RplEnh(501, exterrors.EnhancedCode{5, 5, 4}, "Malformed base64"))
			}
			resp = decoded
		}
	}

	for {
		challenge, done, err := srv.Next(resp)
		if err != nil {
			if errors.Is(err, errAuthLocked) {
				return s.reply(proto.RplEnh(454, exterrors.EnhancedCode{4, 7, 0}, "Too many authentication failures"))
			}
			authFailures.Inc()
			return s.reply(proto.RplEnh(535, exterrors.EnhancedCode{5, 7, 8}, "Authentication credentials invalid"))
		}
		if done {
			return s.reply(proto.RplEnh(235, exterrors.EnhancedCode{2, 7, 0}, "Authentication successful"))
		}

		if err := s.reply(proto.Rpl(334, encodeBase64(challenge))); err != nil {
			return err
		}
		frame, err := s.nextFrame(s.idleDeadline())
		if err != nil {
			s.handleReadError(err, false)
			return errCloseSession
		}
		if frame.Kind != proto.FrameLine {
			s.reply(proto.RplEnh(451, exterrors.EnhancedCode{4, 3, 0}, "Unexpected binary data"))
			return errCloseSession
		}
		if frame.Line == "*" {
			return s.reply(proto.RplEnh(501, exterrors.EnhancedCode{5, 7, 0}, "Authentication aborted"))
		}
		decoded, decErr := decodeBase64(frame.Line)
		if decErr != nil {
			return s.reply(proto.RplEnh(501, exterrors.EnhancedCode{5, 5, 4}, "Malformed base64"))
		}
		resp = decoded
	}
}

// verifyCredentials checks the limiter, then the credential backend. A
// locked identity is refused before any backend call, so lockout probing
// does not consume failure credits.
func (s *Session) verifyCredentials(username, password string) error {
	key := username
	if s.data.PeerIP != nil {
		key = username + "|" + s.data.PeerIP.String()
	}

	if s.endp.AuthLimiter != nil {
		locked, err := s.endp.AuthLimiter.Locked(key)
		if err != nil {
			s.log.Error("auth limiter check failed", err, "username", username)
		} else if locked {
			return errAuthLocked
		}
	}

	if err := s.endp.Auth.AuthPlain(username, password); err != nil {
		if s.endp.AuthLimiter != nil {
			if nowLocked, lerr := s.endp.AuthLimiter.RecordFailure(key); lerr != nil {
				s.log.Error("auth limiter update failed", lerr, "username", username)
			} else if nowLocked {
				s.log.Msg("authentication identity locked out", "username", username, "peer", s.data.Peer)
			}
		}
		return fmt.Errorf("session: %w", err)
	}

	if s.endp.AuthLimiter != nil {
		if err := s.endp.AuthLimiter.Reset(key); err != nil {
			s.log.Error("auth limiter reset failed", err, "username", username)
		}
	}
	s.data.Authenticated = true
	s.data.Username = username
	s.log.Msg("authenticated", "username", username, "peer", s.data.Peer)
	return nil
}
