// Package lineproto turns a raw connection byte stream into the discrete
// CRLF-terminated lines both IMAP and SMTP are built from. It also provides
// the two non-line read modes the protocols need: dot-terminated capture
// (SMTP DATA) and counted literals (IMAP APPEND).
package lineproto

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// ErrLineTooLong is returned when a single line exceeds the configured
// maximum. Callers are expected to drop the connection; an unbounded line is
// either a broken client or an attack on memory.
var ErrLineTooLong = errors.New("lineproto: line too long")

// ErrCaptureTooLarge is returned when accumulated capture-mode data exceeds
// the configured maximum before the terminator is seen.
var ErrCaptureTooLarge = errors.New("lineproto: capture exceeds maximum size")

// Framer reads protocol lines from a connection. A line split across TCP
// segments is reassembled by the underlying bufio.Reader; the framer only
// enforces the size cap and strips the CRLF (or bare LF) terminator.
type Framer struct {
	r       *bufio.Reader
	maxLine int
}

// NewFramer wraps r with the given per-line byte cap.
func NewFramer(r io.Reader, maxLine int) *Framer {
	return &Framer{
		r:       bufio.NewReader(r),
		maxLine: maxLine,
	}
}

// ReadLine returns the next complete line with its terminator stripped.
// It blocks until a full line arrives, the size cap is hit, or the
// connection errors.
func (f *Framer) ReadLine() (string, error) {
	var sb strings.Builder
	for {
		chunk, err := f.r.ReadSlice('\n')
		sb.Write(chunk)
		if sb.Len() > f.maxLine {
			return "", ErrLineTooLong
		}
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		// EOF with a partial line is a transport failure, not a line.
		return "", err
	}
	line := sb.String()
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

// ReadCapture accumulates lines until a line exactly equal to terminator
// arrives. The returned data excludes the terminator line and keeps CRLF
// separators between captured lines. A captured line beginning with the
// terminator is transparency-stuffed (RFC 5321 section 4.5.2) and loses its
// leading copy. Capture is bounded by max bytes; crossing it aborts with
// ErrCaptureTooLarge.
func (f *Framer) ReadCapture(terminator string, max int64) (string, error) {
	var sb strings.Builder
	for {
		line, err := f.ReadLine()
		if err != nil {
			return "", err
		}
		if line == terminator {
			return sb.String(), nil
		}
		line = strings.TrimPrefix(line, terminator)
		if int64(sb.Len())+int64(len(line))+2 > max {
			return "", ErrCaptureTooLarge
		}
		sb.WriteString(line)
		sb.WriteString("\r\n")
	}
}

// ReadLiteral reads exactly n bytes, as announced by an IMAP {n} literal.
func (f *Framer) ReadLiteral(n int64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(f.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
