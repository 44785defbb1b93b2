/*
Package constants provides common values used across all unwindfront packages. Usage is to call the
global Get() function which returns the Constants by value ensuring that any modifications made
(accidental or otherwise) will not affect other modules when they call Get().

Typically usage:

    consts := constants.Get()
    fmt.Println("I am", consts.ProgramName, "based on", consts.RFC)

The primary reason for making this a constructed struct rather than the more typical const () block
is so that it can be fed directly into templating packages for printing usage messages.
*/
package constants

import "time"

// Constants contains the system-wide constants
type Constants struct {
	ProgramName string // Package related constants
	Version     string
	PackageName string
	PackageURL  string
	RFC         string

	DNSDefaultPort          string // DNS Related constants
	MinimumViableDNSMessage uint   // MsgHdr + one Question with zero length name
	DefaultUDPPayloadSize   int    // Used when a client query carries no EDNS0 OPT
	MaximumViableDNSMessage uint   // The largest message a 16-bit TCP length prefix can carry

	DNSUDPTransport string // Suitable for the "net" package, but just to make sure we're
	DNSTCPTransport string // consistent across the whole package.

	MaxUDPDatagram int // Bound on a single recvfrom() per spec.md 4.3

	TCPInitialReadBuffer int           // Bytes reserved before the length prefix is known
	TCPIdleTimeout       time.Duration // spec.md 4.4 "15-second idle timeout"
	AcceptReserve        int           // spec.md 4.4 "limit minus a reserve of 5"
	AcceptBackoff        time.Duration // spec.md 4.4 "rearm after a 1-second backoff"

	VersionBindName   string // "version.bind."
	VersionServerName string // "version.server."
	VersionQueryValue string // Literal TXT answer value

	ChaosClass string // dns.ClassToString[dns.ClassCHAOS]
}

var readOnlyConstants *Constants

// createReadOnlyConstants creates a read-only copy of the Constants which is copied whenever a
// caller asks for the constants set. The main reason for returning a struct is so that callers can
// inspect and/or use packages that introspect - particularly */template packages.
func createReadOnlyConstants() {
	readOnlyConstants = &Constants{
		ProgramName: "unwindfront",
		Version:     "v0.1.0",
		PackageName: "unwindfront DNS front-end",
		PackageURL:  "https://github.com/unwindfront/unwindfront",
		RFC:         "RFC1035",

		DNSDefaultPort:          "53",
		MinimumViableDNSMessage: 12, // spec.md 4.1: "length < 12 -> drop"
		DefaultUDPPayloadSize:   512,
		MaximumViableDNSMessage: 65535,

		DNSUDPTransport: "udp",
		DNSTCPTransport: "tcp",

		MaxUDPDatagram: 65536,

		TCPInitialReadBuffer: 512,
		TCPIdleTimeout:       15 * time.Second,
		AcceptReserve:        5,
		AcceptBackoff:        1 * time.Second,

		VersionBindName:   "version.bind.",
		VersionServerName: "version.server.",
		VersionQueryValue: "unwind",

		ChaosClass: "CH",
	}
}

func init() {
	createReadOnlyConstants()
}

// Get returns a copy of the Constant struct. Return by value so internal values cannot be
// inadvertently changed by callers.
func Get() Constants {
	return *readOnlyConstants
}
