package session

import (
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/unwindfront/unwindfront/internal/blocklist"
	"github.com/unwindfront/unwindfront/internal/ipc/resolverchan"
	"github.com/unwindfront/unwindfront/internal/trustanchor"
)

func TestReportFormatsCounters(t *testing.T) {
	f := newTestFront(t)
	f.bumpUDPQuery()
	f.bumpReject()

	report := f.Report(false)
	if !strings.Contains(report, "udp=1") || !strings.Contains(report, "rejects=1") {
		t.Errorf("Report() = %q, missing expected counters", report)
	}

	report = f.Report(true)
	if !strings.Contains(report, "udp=1") {
		t.Errorf("Report(true) = %q, want the pre-reset snapshot", report)
	}
	if after := f.Report(false); !strings.Contains(after, "udp=0") {
		t.Errorf("Report() after reset = %q, want udp=0", after)
	}
}

const dnskeyExample = ". 172800 IN DNSKEY 257 3 8 AwEAAagAIKlVZrpC6Ia7gEzahOR+9W29euxhJhVVLOyQbSEW0O8gcCjF FVQUTf6v58fLjwBd0YI0EzrAcQqBGCzh/RStIoO8g0NfnfL2MTJRkxoX bfDaUeVPQuYEhg37NZWAJQ9VnMVDxP/VHL496M/QZxkjf5/Efucp2gaD X6RS6CXpoY68LsvPVjR0ZSwzz1apAzvN9dlzEheX7ICVTCTwcr9jbXXr yW6JjH2QQJY2EViCzQrikcJu0Er2lGgqgWDMQJzKMdyKI34R4n0qhD4g jCKBFnU/9IlZz0XDYgUpYCygO8xOgRU1zm7NM/wh/Nzjm6YwAaEcuWVE HNcZYA=="

func newStoreWithAnchor(t *testing.T) *trustanchor.Store {
	t.Helper()
	anchors, err := trustanchor.Parse(strings.NewReader(dnskeyExample))
	if err != nil {
		t.Fatalf("Parse: %s", err)
	}
	if len(anchors) != 1 {
		t.Fatalf("expected one anchor, got %d", len(anchors))
	}
	store := trustanchor.New()
	store.BeginSync()
	store.Add(anchors[0])
	store.DiffAndSwap()
	return store
}

// nullHandler discards every inbound resolverchan message; it only exists to let a test drain the
// loopback side of a pipe without asserting on its contents.
type nullHandler struct{}

func (nullHandler) OnAnswer(resolverchan.Answer) {}
func (nullHandler) OnNewTA(string)               {}
func (nullHandler) OnNewTAsDone()                {}
func (nullHandler) OnNewTAsAbort()               {}
func (nullHandler) OnControl([]byte)             {}

// taRecorder is a nullHandler that also records each NEW_TA arriving on the loopback side of a pipe.
type taRecorder struct {
	nullHandler
	got chan string
}

func (r taRecorder) OnNewTA(anchor string) { r.got <- anchor }

func TestOnNewTAsDoneLoopsBackAndPersists(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { serverConn.Close(); clientConn.Close() })
	resolver := resolverchan.New(serverConn)

	store := newStoreWithAnchor(t)
	f := NewFront(resolver, blocklist.New(), store, nil)

	taFile, err := os.CreateTemp(t.TempDir(), "anchors")
	if err != nil {
		t.Fatalf("CreateTemp: %s", err)
	}
	f.SetTrustAnchorFile(taFile)

	drain := resolverchan.New(clientConn)
	rec := taRecorder{got: make(chan string, 1)}
	go drain.Run(rec)

	f.OnNewTA(dnskeyExample)
	f.OnNewTAsDone()

	select {
	case got := <-rec.got:
		if got != dnskeyExample {
			t.Errorf("looped-back anchor = %q, want %q", got, dnskeyExample)
		}
	case <-time.After(time.Second):
		t.Error("expected OnNewTAsDone to loop the anchor set back to the resolver")
	}

	persisted, err := os.ReadFile(taFile.Name())
	if err != nil {
		t.Fatalf("ReadFile: %s", err)
	}
	if len(persisted) == 0 {
		t.Error("expected the trust anchor file to be non-empty after OnNewTAsDone")
	}
}
