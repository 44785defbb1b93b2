/*
Package dnsutil provides helper methods to manipulate the fiddly EDNS0 bits and answer
minimization in a "github.com/miekg/dns.Msg". The caller is assumed to have checked that the
dns.Msg is a legitimate IN/Query prior to calling any of these functions.
*/
package dnsutil

import (
	"github.com/unwindfront/unwindfront/internal/constants"

	"github.com/miekg/dns"
)

var (
	consts = constants.Get()
)

// FindOPT searches dns.Msg.Extra for the first occurrence of an OPT RR. There should only be one.
//
// Return *dns.OPT if found otherwise nil
func FindOPT(q *dns.Msg) *dns.OPT {
	for _, rr := range q.Extra { // Search Extra for OPT RRs
		if opt, ok := rr.(*dns.OPT); ok {
			return opt
		}
	}

	return nil
}

// NewOPT creates a populated msg.OPT RR as a zero-values struct is not a valid OPT. Note that
// SetUDPSize has to be set for some resolvers that are size aware. In particular unbound does not
// seem to like a UDP size of zero.
func NewOPT() *dns.OPT {
	optRR := &dns.OPT{}
	optRR.SetVersion(0)
	optRR.SetUDPSize(dns.DefaultMsgSize)
	optRR.Hdr.Name = "."
	optRR.Hdr.Rrtype = dns.TypeOPT

	return optRR
}

// MinimizeAnswer implements the "answer minimization" called for by spec.md 4.5.1's reply
// post-processing: RRs in Answer, Ns and Extra whose owner name is outside the qname's bailiwick are
// dropped before the reply is re-encoded for the client. This keeps the front-end from blindly
// relaying everything the resolver chose to attach (e.g. unrelated glue) when the client only asked
// a narrow question.
//
// A RR is kept if its owner name is qname itself or a name below it, or is (or is below) a target of
// a CNAME chain rooted at qname. Selection is by owner name only: the RR type is not consulted, and
// RRs owned by a parent of qname (such as the NS or SOA records of an enclosing zone) are dropped.
// OPT RRs in Extra are always retained since they carry transport metadata, not answer data.
func MinimizeAnswer(msg *dns.Msg, qname string) {
	keep := map[string]bool{dns.Fqdn(qname): true}

	msg.Answer = minimizeRRSet(msg.Answer, keep)
	msg.Ns = minimizeRRSet(msg.Ns, keep)

	survivors := make([]dns.RR, 0, len(msg.Extra))
	for _, rr := range msg.Extra {
		if _, ok := rr.(*dns.OPT); ok {
			survivors = append(survivors, rr) // Always keep EDNS metadata
			continue
		}
		if inBailiwick(rr.Header().Name, keep) {
			survivors = append(survivors, rr)
		}
	}
	msg.Extra = survivors
}

// minimizeRRSet walks a RRSet keeping only RRs whose owner is in bailiwick of something already
// known to be relevant, extending "known relevant" as CNAME targets are discovered so a chain
// survives in full.
func minimizeRRSet(rrset []dns.RR, keep map[string]bool) []dns.RR {
	survivors := make([]dns.RR, 0, len(rrset))
	changed := true
	for changed { // Iterate to fixed point: CNAME targets can chain
		changed = false
		survivors = survivors[:0]
		for _, rr := range rrset {
			if !inBailiwick(rr.Header().Name, keep) {
				continue
			}
			survivors = append(survivors, rr)
			if cname, ok := rr.(*dns.CNAME); ok {
				if !keep[dns.Fqdn(cname.Target)] {
					keep[dns.Fqdn(cname.Target)] = true
					changed = true
				}
			}
		}
	}

	return survivors
}

// inBailiwick reports whether name is, or is a subdomain of, any name already marked relevant.
func inBailiwick(name string, keep map[string]bool) bool {
	name = dns.Fqdn(name)
	for k := range keep {
		if name == k || dns.IsSubDomain(k, name) {
			return true
		}
	}

	return false
}
