// Package metrics collects gateway counters. The Collector interface keeps
// the protocol code free of any Prometheus dependency; sessions record
// events and the Prometheus implementation exposes them over HTTP.
package metrics

// Collector records gateway events. Implementations must be safe for
// concurrent use by many sessions.
type Collector interface {
	ConnectionOpened(protocol string)
	ConnectionClosed(protocol string)
	CommandProcessed(protocol, command string)
	AuthAttempt(protocol string, success bool)
	MailboxListed(mailbox string)
	MessageFetched(sizeBytes int)
	MessageSent(success bool)
}

// Nop is a Collector that records nothing. Useful default for tests and for
// running without a metrics endpoint.
type Nop struct{}

func (Nop) ConnectionOpened(string)         {}
func (Nop) ConnectionClosed(string)         {}
func (Nop) CommandProcessed(string, string) {}
func (Nop) AuthAttempt(string, bool)        {}
func (Nop) MailboxListed(string)            {}
func (Nop) MessageFetched(int)              {}
func (Nop) MessageSent(bool)                {}
