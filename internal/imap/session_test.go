package imap

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"mailgate/internal/mailstore"
)

type fakeAuth struct {
	users map[string]string
}

func (f *fakeAuth) Verify(ctx context.Context, email, password string) bool {
	p, ok := f.users[strings.ToLower(email)]
	return ok && password != "" && p == password
}

type fakeStore struct {
	boxes    map[string][]mailstore.MessageSummary
	contents map[string]string
	listErr  error
	appends  map[string]string
}

func (f *fakeStore) ListMailbox(ctx context.Context, user, mailbox string) ([]mailstore.MessageSummary, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.boxes[strings.ToUpper(mailbox)], nil
}

func (f *fakeStore) Fetch(ctx context.Context, key string) (string, error) {
	c, ok := f.contents[key]
	if !ok {
		return "", errors.New("no such key")
	}
	return c, nil
}

func (f *fakeStore) Append(ctx context.Context, mailbox string, data []byte) (string, error) {
	if f.appends == nil {
		f.appends = make(map[string]string)
	}
	key := strings.ToLower(mailbox) + "/stored.eml"
	f.appends[key] = string(data)
	return key, nil
}

// script drives one session over a net.Pipe, reading responses line by line.
type script struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func startSession(t *testing.T, auth Authenticator, store Store, opts Options) *script {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	s := NewSession(serverSide, auth, store, opts)
	go func() {
		s.Serve(context.Background())
		serverSide.Close()
	}()
	t.Cleanup(func() { clientSide.Close() })

	clientSide.SetDeadline(time.Now().Add(5 * time.Second))
	return &script{t: t, conn: clientSide, r: bufio.NewReader(clientSide)}
}

func (c *script) send(line string) {
	c.t.Helper()
	if _, err := fmt.Fprintf(c.conn, "%s\r\n", line); err != nil {
		c.t.Fatalf("send(%q): %v", line, err)
	}
}

func (c *script) expect(prefix string) string {
	c.t.Helper()
	line, err := c.r.ReadString('\n')
	if err != nil {
		c.t.Fatalf("expecting %q: read error: %v", prefix, err)
	}
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, prefix) {
		c.t.Fatalf("got %q, want prefix %q", line, prefix)
	}
	return line
}

func (c *script) expectClosed() {
	c.t.Helper()
	if _, err := c.r.ReadString('\n'); err == nil {
		c.t.Fatal("expected connection to be closed")
	}
}

func twoMessageStore() *fakeStore {
	return &fakeStore{
		boxes: map[string][]mailstore.MessageSummary{
			"INBOX": {
				{Seq: 1, From: "x@y.com", To: "alice@example.com", Subject: "new", Key: "incoming/new.eml"},
				{Seq: 2, From: "x@y.com", To: "alice@example.com", Subject: "old", Key: "incoming/old.eml"},
			},
		},
		contents: map[string]string{
			"incoming/new.eml": "Subject: new",
			"incoming/old.eml": "Subject: old",
		},
	}
}

func alice() *fakeAuth {
	return &fakeAuth{users: map[string]string{"alice@example.com": "correct-pw"}}
}

func TestSession_Greeting(t *testing.T) {
	c := startSession(t, alice(), twoMessageStore(), Options{})
	c.expect("* OK IMAP4rev1 Ready")
}

func TestLogin_WrongThenRight(t *testing.T) {
	c := startSession(t, alice(), twoMessageStore(), Options{})
	c.expect("* OK")

	c.send("a LOGIN alice@example.com wrong-pw")
	c.expect("a NO")

	// A failed LOGIN leaves the session usable for another attempt.
	c.send("b LOGIN alice@example.com correct-pw")
	c.expect("b OK")

	c.send("c SELECT INBOX")
	c.expect("* 2 EXISTS")
	c.expect("* 0 RECENT")
	c.expect(`* FLAGS (\Seen)`)
	c.expect("* OK [UIDVALIDITY 1]")
	c.expect("* OK [UIDNEXT 3]")
	c.expect("c OK")
}

func TestCommandsRequireAuth(t *testing.T) {
	c := startSession(t, alice(), twoMessageStore(), Options{})
	c.expect("* OK")

	for i, cmd := range []string{"LIST", "SELECT INBOX", "FETCH 1 ENVELOPE", "STATUS INBOX", "LSUB"} {
		tag := fmt.Sprintf("t%d", i)
		c.send(tag + " " + cmd)
		c.expect(tag + " NO")
	}

	// CAPABILITY and NOOP stay available before authentication.
	c.send("x CAPABILITY")
	c.expect("* CAPABILITY IMAP4rev1")
	c.expect("x OK")
	c.send("y NOOP")
	c.expect("y OK")
}

func TestAuthenticatePlain_Challenge(t *testing.T) {
	c := startSession(t, alice(), twoMessageStore(), Options{})
	c.expect("* OK")

	c.send("a AUTHENTICATE PLAIN")
	c.expect("+ ")
	c.send(base64.StdEncoding.EncodeToString([]byte("\x00alice@example.com\x00correct-pw")))
	c.expect("a OK")

	selectInbox(c, "b")
}

func TestAuthenticatePlain_BadCredentials(t *testing.T) {
	c := startSession(t, alice(), twoMessageStore(), Options{})
	c.expect("* OK")

	c.send("a AUTHENTICATE PLAIN")
	c.expect("+ ")
	c.send(base64.StdEncoding.EncodeToString([]byte("\x00alice@example.com\x00wrong")))
	c.expect("a NO")
}

func login(c *script) {
	c.send("L1 LOGIN alice@example.com correct-pw")
	c.expect("L1 OK")
}

func selectInbox(c *script, tag string) {
	c.send(tag + " SELECT INBOX")
	c.expect("* 2 EXISTS")
	c.expect("* 0 RECENT")
	c.expect("* FLAGS")
	c.expect("* OK [UIDVALIDITY 1]")
	c.expect("* OK [UIDNEXT 3]")
	c.expect(tag + " OK")
}

func TestFetch_EnvelopeRange(t *testing.T) {
	c := startSession(t, alice(), twoMessageStore(), Options{})
	c.expect("* OK")
	login(c)
	selectInbox(c, "a")

	c.send("b FETCH 1:* ENVELOPE")
	c.expect(`* 1 FETCH (UID 1 ENVELOPE (NIL "new"`)
	c.expect(`* 2 FETCH (UID 2 ENVELOPE (NIL "old"`)
	c.expect("b OK")
}

func TestFetch_EnvelopePopulatesAddressesAndDate(t *testing.T) {
	store := &fakeStore{
		boxes: map[string][]mailstore.MessageSummary{
			"INBOX": {
				{
					Seq:     1,
					From:    "x@y.com",
					To:      "alice@example.com",
					Subject: "hello",
					Date:    "Tue, 10 Jun 2025 09:00:00 +0000",
					Key:     "incoming/one.eml",
				},
			},
		},
	}
	c := startSession(t, alice(), store, Options{})
	c.expect("* OK")
	login(c)

	c.send("a SELECT INBOX")
	c.expect("* 1 EXISTS")
	c.expect("* 0 RECENT")
	c.expect("* FLAGS")
	c.expect("* OK [UIDVALIDITY 1]")
	c.expect("* OK [UIDNEXT 2]")
	c.expect("a OK")

	c.send("b FETCH 1 ENVELOPE")
	from := `((NIL NIL "x" "y.com"))`
	want := fmt.Sprintf(`* 1 FETCH (UID 1 ENVELOPE ("Tue, 10 Jun 2025 09:00:00 +0000" "hello" %s %s %s ((NIL NIL "alice" "example.com")) NIL NIL NIL NIL))`,
		from, from, from)
	if got := c.expect("* 1 FETCH"); got != want {
		t.Errorf("envelope line = %q, want %q", got, want)
	}
	c.expect("b OK")
}

func TestFetch_CombinesRequestedItems(t *testing.T) {
	c := startSession(t, alice(), twoMessageStore(), Options{})
	c.expect("* OK")
	login(c)
	selectInbox(c, "a")

	c.send("b FETCH 1 (UID FLAGS ENVELOPE)")
	line := c.expect("* 1 FETCH (UID 1 FLAGS () ENVELOPE (")
	if !strings.HasSuffix(line, "))") {
		t.Errorf("combined fetch line = %q", line)
	}
	c.expect("b OK")
}

func TestFetch_Body(t *testing.T) {
	c := startSession(t, alice(), twoMessageStore(), Options{})
	c.expect("* OK")
	login(c)
	selectInbox(c, "a")

	c.send("b FETCH 1 RFC822")
	c.expect("* 1 FETCH (UID 1 RFC822 {12}")
	c.expect("Subject: new)")
	c.expect("b OK")
}

func TestSelect_RepeatedSelectKeepsMapping(t *testing.T) {
	c := startSession(t, alice(), twoMessageStore(), Options{})
	c.expect("* OK")
	login(c)

	// The same sequence number resolves to the same stored message across
	// repeated SELECTs of an unchanged mailbox.
	for _, tag := range []string{"a", "c"} {
		selectInbox(c, tag)
		c.send(tag + "f FETCH 1 RFC822")
		c.expect("* 1 FETCH (UID 1 RFC822 {12}")
		c.expect("Subject: new)")
		c.expect(tag + "f OK")
	}
}

func TestFetch_RequiresSelectedMailbox(t *testing.T) {
	c := startSession(t, alice(), twoMessageStore(), Options{})
	c.expect("* OK")
	login(c)

	c.send("a FETCH 1 ENVELOPE")
	c.expect("a NO")
}

func TestSelect_ListFailureKeepsSessionOpen(t *testing.T) {
	store := twoMessageStore()
	store.listErr = errors.New("store unreachable")
	c := startSession(t, alice(), store, Options{})
	c.expect("* OK")
	login(c)

	c.send("a SELECT INBOX")
	c.expect("a NO")

	c.send("b NOOP")
	c.expect("b OK")
}

func TestAppend_Literal(t *testing.T) {
	store := twoMessageStore()
	c := startSession(t, alice(), store, Options{})
	c.expect("* OK")
	login(c)

	body := "Subject: draft\r\n\r\nbody\r\n"
	c.send(fmt.Sprintf("a APPEND Drafts {%d}", len(body)))
	c.expect("+ Ready")
	c.send(body) // literal bytes plus the command's closing CRLF
	c.expect("a OK APPEND completed")

	if store.appends["drafts/stored.eml"] == "" {
		t.Error("APPEND did not reach the store")
	}
}

func TestLogout(t *testing.T) {
	c := startSession(t, alice(), twoMessageStore(), Options{})
	c.expect("* OK")

	c.send("a LOGOUT")
	c.expect("* BYE")
	c.expect("a OK")
	c.expectClosed()
}

func TestUnknownCommand(t *testing.T) {
	c := startSession(t, alice(), twoMessageStore(), Options{})
	c.expect("* OK")

	c.send("a FROBNICATE")
	c.expect("a BAD")

	c.send("malformed")
	c.expect("* BAD")
}

func TestOversizedLineClosesConnection(t *testing.T) {
	c := startSession(t, alice(), twoMessageStore(), Options{MaxLineBytes: 64})
	c.expect("* OK")

	c.send("a NOOP " + strings.Repeat("x", 200))
	c.expect("* BAD Line too long")
	c.expectClosed()
}

func TestOversizedLine_LeavesOtherSessionsRunning(t *testing.T) {
	a := startSession(t, alice(), twoMessageStore(), Options{MaxLineBytes: 64})
	b := startSession(t, alice(), twoMessageStore(), Options{MaxLineBytes: 64})
	a.expect("* OK")
	b.expect("* OK")

	a.send("x NOOP " + strings.Repeat("x", 200))
	a.expect("* BAD Line too long")
	a.expectClosed()

	b.send("y NOOP")
	b.expect("y OK")
}
