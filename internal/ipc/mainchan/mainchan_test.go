package mainchan

import (
	"net"
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	a, err := net.FileConn(os.NewFile(uintptr(fds[0]), "a"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := net.FileConn(os.NewFile(uintptr(fds[1]), "b"))
	if err != nil {
		t.Fatal(err)
	}
	return a.(*net.UnixConn), b.(*net.UnixConn)
}

func TestRecvFd(t *testing.T) {
	parentConn, frontConn := socketpair(t)
	defer parentConn.Close()
	defer frontConn.Close()

	parent := New(parentConn)
	front := New(frontConn)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	go func() {
		parent.SendFd(KindTAFD, r)
	}()

	d, err := front.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if d.Kind != KindTAFD {
		t.Fatalf("expected KindTAFD, got %v", d.Kind)
	}
	if d.Fd == nil {
		t.Fatal("expected a non-nil fd")
	}
	defer d.Fd.Close()

	want := []byte("hello")
	if _, err := w.Write(want); err != nil {
		t.Fatal(err)
	}
	w.Close()
	got := make([]byte, len(want))
	if _, err := d.Fd.Read(got); err != nil {
		t.Fatal(err)
	}
	if string(got) != string(want) {
		t.Errorf("got %q through the passed fd, want %q", got, want)
	}
}

func TestRecvFrame(t *testing.T) {
	parentConn, frontConn := socketpair(t)
	defer parentConn.Close()
	defer frontConn.Close()

	parent := New(parentConn)
	front := New(frontConn)

	go func() {
		parent.SendFrame(KindStartup, nil)
	}()

	d, err := front.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if d.Kind != KindStartup {
		t.Errorf("expected KindStartup, got %v", d.Kind)
	}
	if d.Fd != nil {
		t.Error("KindStartup should not carry an fd")
	}
}

func TestKindString(t *testing.T) {
	if KindTAFD.String() != "TAFD" {
		t.Errorf("unexpected String() for KindTAFD: %s", KindTAFD.String())
	}
	if Kind(99).String() != "UNKNOWN" {
		t.Errorf("expected UNKNOWN for an out-of-range kind")
	}
}
