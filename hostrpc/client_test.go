package hostrpc

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"
)

// fakeHostConn is an in-process net.Conn pair standing in for the socket a
// real node would expose, so SocketClient's framing can be tested without a
// live host process.
func fakeHostConn(t *testing.T) (client net.Conn, host net.Conn) {
	t.Helper()
	client, host = net.Pipe()
	return
}

func TestGetCalldataFraming(t *testing.T) {
	client, host := fakeHostConn(t)
	defer client.Close()
	defer host.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var method [1]byte
		if _, err := io.ReadFull(host, method[:]); err != nil {
			t.Errorf("host read method: %v", err)
			return
		}
		if Method(method[0]) != MethodGetCalldata {
			t.Errorf("expected MethodGetCalldata, got %d", method[0])
		}
		payload := []byte("hello")
		w := &frameWriter{buf: []byte{byte(ErrOk)}}
		w.u32(uint32(len(payload)))
		w.fixed(payload)
		if _, err := host.Write(w.bytes()); err != nil {
			t.Errorf("host write response: %v", err)
		}
	}()

	sc := &SocketClient{conn: client}
	got, err := sc.GetCalldata()
	if err != nil {
		t.Fatalf("GetCalldata: %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("got %q, want %q", got, "hello")
	}
	<-done
}

func TestGetLeaderNondetResultSignalsIAmLeader(t *testing.T) {
	client, host := fakeHostConn(t)
	defer client.Close()
	defer host.Close()

	go func() {
		var method [1]byte
		io.ReadFull(host, method[:])
		var idx [8]byte
		io.ReadFull(host, idx[:])
		host.Write([]byte{byte(ErrIAmLeader)})
	}()

	sc := &SocketClient{conn: client}
	_, err := sc.GetLeaderNondetResult(0)
	if !IsLeader(err) {
		t.Fatalf("expected IsLeader(err), got %v", err)
	}
}

func TestDialUsesUnixPrefix(t *testing.T) {
	if _, err := Dial("unix:///nonexistent/genvm.sock", 10*time.Millisecond); err == nil {
		t.Fatalf("expected dial failure against a nonexistent socket")
	}
}
