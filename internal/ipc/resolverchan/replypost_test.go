package resolverchan

import (
	"testing"

	"github.com/unwindfront/unwindfront/internal/pending"

	"github.com/miekg/dns"
)

func newAnswerQuery(t *testing.T, qname string) *pending.Query {
	t.Helper()
	q := pending.NewUDP(nil, nil, nil)
	q.QInfo = pending.QuestionInfo{QName: qname, QType: dns.TypeA, QClass: dns.ClassINET}
	q.QMsg = dns.MsgHdr{Id: 0x1234, RecursionDesired: true}
	return q
}

func packResolverReply(t *testing.T, qname string, extraGlue bool) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(qname), dns.TypeA)
	m.Response = true
	rr, err := dns.NewRR(qname + " 300 IN A 192.0.2.1")
	if err != nil {
		t.Fatal(err)
	}
	m.Answer = append(m.Answer, rr)
	if extraGlue {
		glue, err := dns.NewRR("unrelated.example. 300 IN A 192.0.2.2")
		if err != nil {
			t.Fatal(err)
		}
		m.Extra = append(m.Extra, glue)
	}
	raw, err := m.Pack()
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestPostProcessSrvFail(t *testing.T) {
	q := newAnswerQuery(t, "example.com.")
	q.ABuf = packResolverReply(t, "example.com.", false)

	out, err := PostProcess(q, false, true)
	if err != nil {
		t.Fatal(err)
	}
	reply := new(dns.Msg)
	if err := reply.Unpack(out); err != nil {
		t.Fatal(err)
	}
	if reply.Rcode != dns.RcodeServerFailure {
		t.Errorf("expected SERVFAIL, got %d", reply.Rcode)
	}
	if reply.Id != 0x1234 {
		t.Errorf("expected client id preserved, got %x", reply.Id)
	}
}

func TestPostProcessBogusWithoutCD(t *testing.T) {
	q := newAnswerQuery(t, "example.com.")
	q.ABuf = packResolverReply(t, "example.com.", false)

	out, err := PostProcess(q, true, false)
	if err != nil {
		t.Fatal(err)
	}
	reply := new(dns.Msg)
	reply.Unpack(out)
	if reply.Rcode != dns.RcodeServerFailure {
		t.Errorf("expected SERVFAIL for bogus without CD, got %d", reply.Rcode)
	}
}

func TestPostProcessBogusWithCDPasses(t *testing.T) {
	q := newAnswerQuery(t, "example.com.")
	q.QMsg.CheckingDisabled = true
	q.ABuf = packResolverReply(t, "example.com.", false)

	out, err := PostProcess(q, true, false)
	if err != nil {
		t.Fatal(err)
	}
	reply := new(dns.Msg)
	reply.Unpack(out)
	if reply.Rcode == dns.RcodeServerFailure {
		t.Error("bogus with CD=1 should not be forced to SERVFAIL")
	}
}

func TestPostProcessMinimizesAndPreservesID(t *testing.T) {
	q := newAnswerQuery(t, "example.com.")
	q.ABuf = packResolverReply(t, "example.com.", true)

	out, err := PostProcess(q, false, false)
	if err != nil {
		t.Fatal(err)
	}
	reply := new(dns.Msg)
	if err := reply.Unpack(out); err != nil {
		t.Fatal(err)
	}
	if reply.Id != 0x1234 {
		t.Errorf("expected client id 0x1234, got %x", reply.Id)
	}
	for _, rr := range reply.Extra {
		if rr.Header().Name == "unrelated.example." {
			t.Error("expected out-of-bailiwick glue to be minimized out")
		}
	}
}
