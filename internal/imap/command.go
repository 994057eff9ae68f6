package imap

import (
	"regexp"
	"strconv"
	"strings"
)

// command is one parsed client line: the client-supplied tag, the upper-cased
// command name, and its remaining space-separated arguments. Raw keeps the
// original line for commands that need it (APPEND literal sizing).
type command struct {
	Tag  string
	Name string
	Args []string
	Raw  string
}

// parseCommand turns a protocol line into a command. The dispatcher is a
// switch over command names; all string picking happens here.
func parseCommand(line string) (command, bool) {
	parts := strings.Fields(line)
	if len(parts) < 2 {
		return command{}, false
	}
	return command{
		Tag:  parts[0],
		Name: strings.ToUpper(parts[1]),
		Args: parts[2:],
		Raw:  line,
	}, true
}

// arg returns the i-th argument with surrounding quotes stripped, or "" when
// absent.
func (c command) arg(i int) string {
	if i >= len(c.Args) {
		return ""
	}
	return strings.Trim(c.Args[i], "\"")
}

var literalRe = regexp.MustCompile(`\{(\d+)\+?\}$`)

// literalSize extracts the {n} literal announcement at the end of the line,
// as used by APPEND.
func (c command) literalSize() (int64, bool) {
	m := literalRe.FindStringSubmatch(strings.TrimSpace(c.Raw))
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseSequenceSet parses the FETCH sequence argument: N, N:M or N:*.
// total is the message count used to resolve "*". Returned bounds are
// inclusive and 1-based.
func parseSequenceSet(arg string, total int) (int, int, bool) {
	if arg == "" {
		return 0, 0, false
	}
	if first, last, ok := strings.Cut(arg, ":"); ok {
		start, err := strconv.Atoi(first)
		if err != nil || start < 1 {
			return 0, 0, false
		}
		if last == "*" {
			return start, total, true
		}
		end, err := strconv.Atoi(last)
		if err != nil || end < start {
			return 0, 0, false
		}
		return start, end, true
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 {
		return 0, 0, false
	}
	return n, n, true
}
