package imap

import (
	"context"
	"fmt"
	"log"
	"net/mail"
	"strings"

	"mailgate/internal/mailstore"
)

// handleFetch serves FETCH over the message cache built by the last SELECT.
// Sequence numbers are the cache's 1-based, date-descending positions; full
// bodies are only pulled from the store when the requested items need them.
// Requested item classes are composed into a single FETCH response per
// message, with the RFC822 literal last so the closing paren follows it.
func (s *Session) handleFetch(ctx context.Context, cmd command) {
	if !s.requireAuth(cmd.Tag) {
		return
	}
	if s.mailbox == "" {
		s.replyTagged(cmd.Tag, "NO Select a mailbox first")
		return
	}
	if len(cmd.Args) < 2 {
		s.replyTagged(cmd.Tag, "BAD FETCH requires a sequence set and items")
		return
	}

	start, end, ok := parseSequenceSet(cmd.Args[0], len(s.messages))
	if !ok {
		s.replyTagged(cmd.Tag, "BAD Invalid sequence set")
		return
	}
	items := strings.ToUpper(strings.Join(cmd.Args[1:], " "))
	wantAll := strings.Contains(items, "ALL")

	for i := start; i <= end && i <= len(s.messages); i++ {
		msg := s.messages[i-1]
		parts := []string{fmt.Sprintf("UID %d", msg.Seq)}
		if wantAll || strings.Contains(items, "FLAGS") {
			parts = append(parts, "FLAGS ()")
		}
		if wantAll || strings.Contains(items, "ENVELOPE") {
			parts = append(parts, "ENVELOPE "+envelope(msg))
		}
		if strings.Contains(items, "BODY") || strings.Contains(items, "RFC822") {
			content, err := s.store.Fetch(ctx, msg.Key)
			if err != nil {
				log.Printf("imap: FETCH %s: %v", msg.Key, err)
				s.replyTagged(cmd.Tag, "NO Message fetch failed, try again")
				return
			}
			s.collector.MessageFetched(len(content))
			parts = append(parts, fmt.Sprintf("RFC822 {%d}\r\n%s", len(content), content))
		}
		s.reply(fmt.Sprintf("* %d FETCH (%s)", i, strings.Join(parts, " ")))
	}
	s.replyTagged(cmd.Tag, "OK FETCH completed")
}

// envelope renders the RFC 3501 ENVELOPE structure from the listing summary:
// (date subject from sender reply-to to cc bcc in-reply-to message-id). The
// sender and reply-to slots mirror from; the summary carries no cc/bcc or
// message-id, so those stay NIL.
func envelope(msg mailstore.MessageSummary) string {
	from := addressList(msg.From)
	return fmt.Sprintf("(%s %s %s %s %s %s NIL NIL NIL NIL)",
		nstring(msg.Date), nstring(msg.Subject), from, from, from, addressList(msg.To))
}

// addressList renders a header address value as an IMAP address list, one
// (name adl mailbox host) group per address. An unparseable value is carried
// whole in the mailbox slot rather than dropped.
func addressList(raw string) string {
	if raw == "" {
		return "NIL"
	}
	addrs, err := mail.ParseAddressList(raw)
	if err != nil || len(addrs) == 0 {
		addrs = []*mail.Address{{Address: raw}}
	}
	var sb strings.Builder
	sb.WriteString("(")
	for _, a := range addrs {
		local, host, _ := strings.Cut(a.Address, "@")
		fmt.Fprintf(&sb, "(%s NIL %s %s)", nstring(a.Name), quoted(local), quoted(host))
	}
	sb.WriteString(")")
	return sb.String()
}

func nstring(v string) string {
	if v == "" {
		return "NIL"
	}
	return quoted(v)
}

func quoted(v string) string {
	return `"` + escapeQuoted(v) + `"`
}

func escapeQuoted(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return strings.ReplaceAll(v, `"`, `\"`)
}
