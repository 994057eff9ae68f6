// Package smtp implements the submission side of the gateway: the ESMTP
// subset EHLO/HELO, AUTH PLAIN/LOGIN, MAIL, RCPT, DATA, RSET, NOOP and QUIT.
// Accepted envelopes are relayed through the outbound transport as a single
// raw MIME send.
package smtp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-sasl"

	"mailgate/internal/lineproto"
	"mailgate/internal/metrics"
	"mailgate/internal/outbound"
)

// Authenticator verifies submission credentials.
type Authenticator interface {
	Verify(ctx context.Context, email, password string) bool
}

// Transport relays a completed envelope to the provider.
type Transport interface {
	Send(ctx context.Context, env outbound.Envelope) (string, error)
}

// Options tunes per-session limits. Zero values pick the defaults.
type Options struct {
	Collector       metrics.Collector
	MaxLineBytes    int
	MaxMessageBytes int64
	IdleTimeout     time.Duration
}

// Session is the per-connection SMTP state machine.
type Session struct {
	conn      net.Conn
	framer    *lineproto.Framer
	auth      Authenticator
	transport Transport
	collector metrics.Collector
	hostname  string

	maxMessage  int64
	idleTimeout time.Duration

	authenticated bool
	user          string
	from          string
	rcpts         []string
}

// NewSession wraps one accepted connection. hostname appears in the greeting
// and EHLO response.
func NewSession(conn net.Conn, hostname string, auth Authenticator, transport Transport, opts Options) *Session {
	if opts.Collector == nil {
		opts.Collector = metrics.Nop{}
	}
	if opts.MaxLineBytes == 0 {
		opts.MaxLineBytes = 64 * 1024
	}
	if opts.MaxMessageBytes == 0 {
		opts.MaxMessageBytes = 52428800
	}
	return &Session{
		conn:        conn,
		framer:      lineproto.NewFramer(conn, opts.MaxLineBytes),
		auth:        auth,
		transport:   transport,
		collector:   opts.Collector,
		hostname:    hostname,
		maxMessage:  opts.MaxMessageBytes,
		idleTimeout: opts.IdleTimeout,
	}
}

// Serve runs the session until QUIT, an unrecoverable transport error, or
// the idle timeout.
func (s *Session) Serve(ctx context.Context) error {
	s.reply("220 %s ESMTP", s.hostname)

	for {
		if s.idleTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}

		line, err := s.framer.ReadLine()
		if err != nil {
			if errors.Is(err, lineproto.ErrLineTooLong) {
				s.reply("500 Line too long")
			}
			return err
		}
		if line == "" {
			continue
		}

		log.Printf("smtp C: %s", line)
		cmd, args := parseLine(line)
		s.collector.CommandProcessed("smtp", cmd)

		if s.dispatch(ctx, cmd, args) {
			return nil
		}
	}
}

// parseLine splits a command line into its upper-cased verb and the raw
// argument remainder.
func parseLine(line string) (string, string) {
	verb, rest, _ := strings.Cut(line, " ")
	return strings.ToUpper(verb), rest
}

// dispatch runs one command and reports whether the session should end.
func (s *Session) dispatch(ctx context.Context, cmd, args string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.replyRaw("250-" + s.hostname)
		s.replyRaw("250-AUTH PLAIN LOGIN")
		s.replyRaw("250-PIPELINING")
		s.replyRaw("250-8BITMIME")
		s.replyRaw(fmt.Sprintf("250-SIZE %d", s.maxMessage))
		s.replyRaw("250 OK")
	case "AUTH":
		s.handleAuth(ctx, args)
	case "MAIL":
		s.handleMail(args)
	case "RCPT":
		s.handleRcpt(args)
	case "DATA":
		s.handleData(ctx)
	case "RSET":
		s.resetEnvelope()
		s.reply("250 OK")
	case "NOOP":
		s.reply("250 OK")
	case "QUIT":
		s.reply("221 Bye")
		return true
	default:
		s.reply("502 Command not implemented")
	}
	return false
}

// handleAuth implements AUTH PLAIN (inline and challenge forms) and
// AUTH LOGIN (base64 Username:/Password: challenges).
func (s *Session) handleAuth(ctx context.Context, args string) {
	mech, rest, _ := strings.Cut(args, " ")
	switch strings.ToUpper(mech) {
	case "PLAIN":
		encoded := strings.TrimSpace(rest)
		if encoded == "" {
			s.reply("334 ")
			line, err := s.framer.ReadLine()
			if err != nil {
				return
			}
			encoded = strings.TrimSpace(line)
		}
		s.finishPlain(ctx, encoded)
	case "LOGIN":
		s.reply("334 VXNlcm5hbWU6") // "Username:"
		userLine, err := s.framer.ReadLine()
		if err != nil {
			return
		}
		s.reply("334 UGFzc3dvcmQ6") // "Password:"
		passLine, err := s.framer.ReadLine()
		if err != nil {
			return
		}
		user, uerr := decodeBase64(userLine)
		pass, perr := decodeBase64(passLine)
		if uerr != nil || perr != nil {
			s.reply("501 5.5.2 Invalid base64 data")
			return
		}
		s.completeAuth(ctx, user, pass)
	default:
		s.reply("504 5.5.4 Unrecognized authentication type")
	}
}

func (s *Session) finishPlain(ctx context.Context, encoded string) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		s.reply("501 5.5.2 Invalid base64 data")
		return
	}

	server := sasl.NewPlainServer(func(identity, username, password string) error {
		if !s.auth.Verify(ctx, username, password) {
			return errors.New("authentication failed")
		}
		s.authenticated = true
		s.user = username
		return nil
	})
	_, done, err := server.Next(decoded)
	s.collector.AuthAttempt("smtp", err == nil && done)
	if err != nil || !done {
		s.reply("535 5.7.8 Authentication failed")
		return
	}
	s.reply("235 2.7.0 Authentication successful")
}

func (s *Session) completeAuth(ctx context.Context, user, pass string) {
	ok := s.auth.Verify(ctx, user, pass)
	s.collector.AuthAttempt("smtp", ok)
	if !ok {
		s.reply("535 5.7.8 Authentication failed")
		return
	}
	s.authenticated = true
	s.user = user
	s.reply("235 2.7.0 Authentication successful")
}

var (
	mailFromRe = regexp.MustCompile(`(?i)FROM:\s*<([^>]+)>`)
	rcptToRe   = regexp.MustCompile(`(?i)TO:\s*<([^>]+)>`)
)

func (s *Session) handleMail(args string) {
	if !s.authenticated {
		s.reply("530 5.7.0 Authentication required")
		return
	}
	m := mailFromRe.FindStringSubmatch(args)
	if m == nil {
		s.reply("501 5.1.7 Bad sender address")
		return
	}
	s.from = m[1]
	s.reply("250 2.1.0 OK")
}

func (s *Session) handleRcpt(args string) {
	if !s.authenticated {
		s.reply("530 5.7.0 Authentication required")
		return
	}
	if s.from == "" {
		s.reply("503 5.5.1 Need MAIL command first")
		return
	}
	m := rcptToRe.FindStringSubmatch(args)
	if m == nil {
		s.reply("501 5.1.3 Bad recipient address")
		return
	}
	s.rcpts = append(s.rcpts, m[1])
	s.reply("250 2.1.5 OK")
}

// handleData captures the message body up to the lone-dot terminator and
// relays the envelope. The envelope is cleared afterwards whether the relay
// succeeded or not, so the next MAIL FROM starts fresh without an RSET.
func (s *Session) handleData(ctx context.Context) {
	if !s.authenticated {
		s.reply("530 5.7.0 Authentication required")
		return
	}
	if s.from == "" || len(s.rcpts) == 0 {
		s.reply("503 5.5.1 Need MAIL and RCPT first")
		return
	}

	s.reply("354 Start mail input; end with <CRLF>.<CRLF>")

	data, err := s.framer.ReadCapture(".", s.maxMessage)
	if err != nil {
		if errors.Is(err, lineproto.ErrCaptureTooLarge) {
			s.resetEnvelope()
			s.reply("552 5.3.4 Message too big")
			return
		}
		// Transport failure mid-capture; nothing sensible left to say.
		return
	}

	env := outbound.Envelope{From: s.from, To: s.rcpts, Data: []byte(data)}
	s.resetEnvelope()

	id, err := s.transport.Send(ctx, env)
	s.collector.MessageSent(err == nil)
	if err != nil {
		log.Printf("smtp: relay for %s failed: %v", env.From, err)
		s.reply("550 5.7.1 Message relay failed")
		return
	}
	log.Printf("smtp: relayed message %s to %d recipient(s)", id, len(env.To))
	s.reply("250 2.0.0 OK Message queued")
}

func (s *Session) resetEnvelope() {
	s.from = ""
	s.rcpts = nil
}

// decodeBase64 decodes one challenge response. Only the wire line is
// trimmed; the decoded bytes are the credential and are kept intact.
func decodeBase64(line string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(line))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (s *Session) reply(format string, args ...interface{}) {
	s.replyRaw(fmt.Sprintf(format, args...))
}

func (s *Session) replyRaw(line string) {
	log.Printf("smtp S: %s", line)
	fmt.Fprintf(s.conn, "%s\r\n", line)
}
