package dnsutil

import (
	"testing"

	"github.com/miekg/dns"
)

// Reduce RSI!
func checkFatal(t *testing.T, err error, what string) {
	if err != nil {
		t.Fatal("Unexpected failure generating test data ", what, err)
	}
}

func TestFindOPT(t *testing.T) {
	mno := &dns.Msg{}
	if opt := FindOPT(mno); opt != nil {
		t.Error("FindOPT found an OPT RR in an empty message")
	}

	mno.Answer = append(mno.Answer, &dns.OPT{}) // Populate all-but Extra
	mno.Ns = append(mno.Ns, &dns.OPT{})
	if opt := FindOPT(mno); opt != nil {
		t.Error("FindOPT found an OPT RR in an empty Extra list")
	}

	myes := &dns.Msg{}
	newOpt := &dns.OPT{}
	myes.Extra = append(myes.Extra, newOpt)
	opt := FindOPT(myes)
	if opt == nil {
		t.Error("FindOPT did not an OPT RR")
	}

	if newOpt != opt {
		t.Error("FindOPT returned the wrong OPT RR")
	}
}

func TestNewOPT(t *testing.T) {
	opt := NewOPT()
	if opt.Hdr.Rrtype != dns.TypeOPT {
		t.Error("NewOPT did not set Rrtype to OPT")
	}
	if opt.Version() != 0 {
		t.Error("NewOPT did not set Version to zero")
	}
	if opt.UDPSize() != dns.DefaultMsgSize {
		t.Error("NewOPT did not set UDPSize to dns.DefaultMsgSize")
	}
}

//////////////////////////////////////////////////////////////////////

func mustRR(t *testing.T, s string) dns.RR {
	rr, err := dns.NewRR(s)
	checkFatal(t, err, s)
	return rr
}

func TestMinimizeAnswerDrop(t *testing.T) {
	m := &dns.Msg{
		Answer: []dns.RR{
			mustRR(t, "www.example.com. 300 IN A 192.0.2.1"),
			mustRR(t, "unrelated.example.net. 300 IN A 192.0.2.2"),
		},
	}
	MinimizeAnswer(m, "www.example.com.")
	if len(m.Answer) != 1 {
		t.Fatalf("expected 1 surviving answer, got %d: %v", len(m.Answer), m.Answer)
	}
	if m.Answer[0].Header().Name != "www.example.com." {
		t.Error("MinimizeAnswer kept the wrong RR", m.Answer[0])
	}
}

func TestMinimizeAnswerCNAMEChain(t *testing.T) {
	m := &dns.Msg{
		Answer: []dns.RR{
			mustRR(t, "www.example.com. 300 IN CNAME edge.example.net."),
			mustRR(t, "edge.example.net. 300 IN A 192.0.2.9"),
			mustRR(t, "unrelated.example.org. 300 IN A 192.0.2.2"),
		},
	}
	MinimizeAnswer(m, "www.example.com.")
	if len(m.Answer) != 2 {
		t.Fatalf("expected CNAME chain of 2 to survive, got %d: %v", len(m.Answer), m.Answer)
	}
}

func TestMinimizeAnswerKeepsOPT(t *testing.T) {
	m := &dns.Msg{Extra: []dns.RR{NewOPT()}}
	MinimizeAnswer(m, "www.example.com.")
	if len(m.Extra) != 1 {
		t.Error("MinimizeAnswer should always retain the OPT RR")
	}
}
