// Package imap implements the IMAP4rev1 subset served by the gateway:
// LOGIN/AUTHENTICATE, LIST, SELECT/EXAMINE, FETCH, STATUS, APPEND and the
// session-management commands, over mailboxes listed from the object store.
package imap

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"

	"mailgate/internal/lineproto"
	"mailgate/internal/mailstore"
	"mailgate/internal/metrics"
)

// Authenticator verifies mailbox credentials.
type Authenticator interface {
	Verify(ctx context.Context, email, password string) bool
}

// Store lists and reads stored messages.
type Store interface {
	ListMailbox(ctx context.Context, user, mailbox string) ([]mailstore.MessageSummary, error)
	Fetch(ctx context.Context, key string) (string, error)
	Append(ctx context.Context, mailbox string, data []byte) (string, error)
}

// Options tunes per-session limits. Zero values pick the defaults.
type Options struct {
	Collector       metrics.Collector
	MaxLineBytes    int
	MaxMessageBytes int64
	IdleTimeout     time.Duration
}

// Session is the per-connection IMAP state machine. It owns its connection
// exclusively; the only shared state is the read-mostly collaborators.
type Session struct {
	conn      net.Conn
	framer    *lineproto.Framer
	auth      Authenticator
	store     Store
	collector metrics.Collector

	maxMessage  int64
	idleTimeout time.Duration

	authenticated bool
	user          string
	mailbox       string
	messages      []mailstore.MessageSummary
}

// NewSession wraps one accepted connection.
func NewSession(conn net.Conn, auth Authenticator, store Store, opts Options) *Session {
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
		store:       store,
		collector:   opts.Collector,
		maxMessage:  opts.MaxMessageBytes,
		idleTimeout: opts.IdleTimeout,
	}
}

// Serve runs the session until LOGOUT, an unrecoverable transport error, or
// the idle timeout. Collaborator failures never end the session; they become
// tagged NO responses.
func (s *Session) Serve(ctx context.Context) error {
	s.reply("* OK IMAP4rev1 Ready")

	for {
		if s.idleTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}

		line, err := s.framer.ReadLine()
		if err != nil {
			if errors.Is(err, lineproto.ErrLineTooLong) {
				s.reply("* BAD Line too long")
			}
			return err
		}
		if line == "" {
			continue
		}

		log.Printf("imap C: %s", sanitize(line))
		cmd, ok := parseCommand(line)
		if !ok {
			s.reply("* BAD Invalid command format")
			continue
		}
		s.collector.CommandProcessed("imap", cmd.Name)

		if s.dispatch(ctx, cmd) {
			return nil
		}
	}
}

// dispatch runs one command and reports whether the session should end.
func (s *Session) dispatch(ctx context.Context, cmd command) bool {
	switch cmd.Name {
	case "CAPABILITY":
		s.reply("* CAPABILITY IMAP4rev1 AUTH=PLAIN ID NAMESPACE")
		s.replyTagged(cmd.Tag, "OK CAPABILITY completed")
	case "LOGIN":
		s.handleLogin(ctx, cmd)
	case "AUTHENTICATE":
		s.handleAuthenticate(ctx, cmd)
	case "LIST":
		if !s.requireAuth(cmd.Tag) {
			return false
		}
		s.reply(`* LIST (\HasNoChildren) "/" "INBOX"`)
		s.reply(`* LIST (\Sent) "/" "Sent"`)
		s.replyTagged(cmd.Tag, "OK LIST completed")
	case "LSUB":
		if !s.requireAuth(cmd.Tag) {
			return false
		}
		s.reply(`* LSUB () "/" "INBOX"`)
		s.reply(`* LSUB (\Sent) "/" "Sent"`)
		s.reply(`* LSUB (\Drafts) "/" "Drafts"`)
		s.reply(`* LSUB (\Trash) "/" "Trash"`)
		s.replyTagged(cmd.Tag, "OK LSUB completed")
	case "SELECT":
		s.handleSelect(ctx, cmd, false)
	case "EXAMINE":
		s.handleSelect(ctx, cmd, true)
	case "STATUS":
		if !s.requireAuth(cmd.Tag) {
			return false
		}
		box := cmd.arg(0)
		if box == "" {
			box = "INBOX"
		}
		s.reply(fmt.Sprintf(`* STATUS "%s" (MESSAGES 0 RECENT 0 UNSEEN 0 UIDNEXT 1 UIDVALIDITY 1)`, box))
		s.replyTagged(cmd.Tag, "OK STATUS completed")
	case "FETCH":
		s.handleFetch(ctx, cmd)
	case "APPEND":
		s.handleAppend(ctx, cmd)
	case "NOOP":
		s.replyTagged(cmd.Tag, "OK NOOP completed")
	case "NAMESPACE":
		s.reply(`* NAMESPACE (("" "/")) NIL NIL`)
		s.replyTagged(cmd.Tag, "OK NAMESPACE completed")
	case "ID":
		s.reply(`* ID ("name" "mailgate" "version" "1.0")`)
		s.replyTagged(cmd.Tag, "OK ID completed")
	case "CREATE", "DELETE", "RENAME", "SUBSCRIBE", "UNSUBSCRIBE":
		// Accepted but not acted on; mailbox topology is fixed.
		s.replyTagged(cmd.Tag, "OK "+cmd.Name+" completed")
	case "STORE", "COPY", "MOVE", "EXPUNGE", "CLOSE", "UID", "CHECK":
		if !s.requireAuth(cmd.Tag) {
			return false
		}
		// Flag and copy state is not persisted; acknowledge and move on.
		s.replyTagged(cmd.Tag, "OK "+cmd.Name+" completed")
	case "LOGOUT":
		s.reply("* BYE IMAP4rev1 server closing connection")
		s.replyTagged(cmd.Tag, "OK LOGOUT completed")
		return true
	default:
		s.replyTagged(cmd.Tag, "BAD Unknown command: "+cmd.Name)
	}
	return false
}

func (s *Session) handleLogin(ctx context.Context, cmd command) {
	if len(cmd.Args) < 2 {
		s.replyTagged(cmd.Tag, "BAD LOGIN requires username and password")
		return
	}
	user := cmd.arg(0)
	pass := cmd.arg(1)

	ok := s.auth.Verify(ctx, user, pass)
	s.collector.AuthAttempt("imap", ok)
	if !ok {
		s.replyTagged(cmd.Tag, "NO LOGIN failed")
		return
	}
	s.authenticated = true
	s.user = user
	s.replyTagged(cmd.Tag, "OK LOGIN completed")
}

// handleAuthenticate implements AUTHENTICATE PLAIN, with or without an
// initial response. The challenge round-trip follows RFC 3501: an empty
// "+ " continuation, then one base64 line carrying the SASL PLAIN triple.
func (s *Session) handleAuthenticate(ctx context.Context, cmd command) {
	if !strings.EqualFold(cmd.arg(0), "PLAIN") {
		s.replyTagged(cmd.Tag, "NO Unsupported authentication mechanism")
		return
	}

	encoded := cmd.arg(1)
	if encoded == "" {
		s.reply("+ ")
		line, err := s.framer.ReadLine()
		if err != nil {
			return
		}
		if line == "*" {
			s.replyTagged(cmd.Tag, "BAD Authentication cancelled")
			return
		}
		encoded = strings.TrimSpace(line)
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		s.replyTagged(cmd.Tag, "BAD Invalid base64 response")
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
	s.collector.AuthAttempt("imap", err == nil && done)
	if err != nil || !done {
		s.replyTagged(cmd.Tag, "NO AUTHENTICATE failed")
		return
	}
	s.replyTagged(cmd.Tag, "OK AUTHENTICATE completed")
}

func (s *Session) handleSelect(ctx context.Context, cmd command, examine bool) {
	if !s.requireAuth(cmd.Tag) {
		return
	}
	box := cmd.arg(0)
	if box == "" {
		box = "INBOX"
	}

	msgs, err := s.store.ListMailbox(ctx, s.user, box)
	if err != nil {
		log.Printf("imap: SELECT %s for %s: %v", box, s.user, err)
		s.replyTagged(cmd.Tag, "NO Mailbox listing failed, try again")
		return
	}
	s.mailbox = box
	s.messages = msgs
	s.collector.MailboxListed(box)

	s.reply(fmt.Sprintf("* %d EXISTS", len(msgs)))
	s.reply("* 0 RECENT")
	if examine {
		s.reply(`* FLAGS (\Seen \Answered \Flagged \Deleted \Draft)`)
	} else {
		s.reply(`* FLAGS (\Seen)`)
	}
	s.reply("* OK [UIDVALIDITY 1] UIDs valid")
	s.reply(fmt.Sprintf("* OK [UIDNEXT %d] Predicted next UID", len(msgs)+1))
	if examine {
		s.replyTagged(cmd.Tag, "OK [READ-ONLY] EXAMINE completed")
		return
	}
	s.replyTagged(cmd.Tag, "OK SELECT completed")
}

func (s *Session) handleAppend(ctx context.Context, cmd command) {
	if !s.requireAuth(cmd.Tag) {
		return
	}
	box := cmd.arg(0)
	if box == "" {
		s.replyTagged(cmd.Tag, "BAD APPEND requires a mailbox name")
		return
	}

	size, ok := cmd.literalSize()
	if !ok {
		// No literal announced; nothing to store.
		s.replyTagged(cmd.Tag, "OK APPEND completed")
		return
	}
	if size > s.maxMessage {
		s.replyTagged(cmd.Tag, "NO Message exceeds maximum size")
		return
	}

	s.reply("+ Ready")
	data, err := s.framer.ReadLiteral(size)
	if err != nil {
		return
	}
	// The literal is followed by the command's closing CRLF.
	if _, err := s.framer.ReadLine(); err != nil {
		return
	}

	key, err := s.store.Append(ctx, box, data)
	if err != nil {
		log.Printf("imap: APPEND to %s: %v", box, err)
		s.replyTagged(cmd.Tag, "NO APPEND failed")
		return
	}
	log.Printf("imap: stored %s", key)
	s.replyTagged(cmd.Tag, "OK APPEND completed")
}

func (s *Session) requireAuth(tag string) bool {
	if !s.authenticated {
		s.replyTagged(tag, "NO Please authenticate first")
		return false
	}
	return true
}

func (s *Session) reply(line string) {
	log.Printf("imap S: %s", sanitize(line))
	fmt.Fprintf(s.conn, "%s\r\n", line)
}

func (s *Session) replyTagged(tag, rest string) {
	s.reply(tag + " " + rest)
}

// sanitize keeps wire logging readable when a response carries a message
// literal.
func sanitize(line string) string {
	if len(line) > 200 {
		return fmt.Sprintf("%s... [%d bytes]", line[:200], len(line))
	}
	return line
}
