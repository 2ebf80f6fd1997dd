package peer

import (
	"net"
	"testing"
	"time"

	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/hashicorp/go-hclog"

	nodewire "github.com/djschnei21/btclightnode/wire"
)

// fakeRemote drives the "other side" of a net.Pipe connection. handshake
// performs the version/verack exchange; tests that need further replies
// read and write on conn themselves.
type fakeRemote struct {
	conn net.Conn
	net  btcwire.BitcoinNet
}

func (f *fakeRemote) handshake(t *testing.T) {
	t.Helper()

	msg, _, err := nodewire.Decode(f.conn, f.net)
	if err != nil {
		t.Fatalf("remote: decode version: %v", err)
	}
	if _, ok := msg.(*btcwire.MsgVersion); !ok {
		t.Fatalf("remote: expected version, got %T", msg)
	}

	remote := btcwire.NewNetAddressIPPort(net.IPv4zero, 0, 0)
	local := btcwire.NewNetAddressIPPort(net.IPv4zero, 0, 0)
	reply := nodewire.NewVersionMessage(42, "/fakepeer/", remote, local)
	if err := nodewire.Encode(f.conn, f.net, reply); err != nil {
		t.Fatalf("remote: send version: %v", err)
	}
	if err := nodewire.Encode(f.conn, f.net, btcwire.NewMsgVerAck()); err != nil {
		t.Fatalf("remote: send verack: %v", err)
	}

	msg, _, err = nodewire.Decode(f.conn, f.net)
	if err != nil {
		t.Fatalf("remote: decode verack: %v", err)
	}
	if _, ok := msg.(*btcwire.MsgVerAck); !ok {
		t.Fatalf("remote: expected verack, got %T", msg)
	}
}

func newTestClient(t *testing.T) (*Client, *fakeRemote) {
	t.Helper()

	clientConn, remoteConn := net.Pipe()
	remote := &fakeRemote{conn: remoteConn, net: nodewire.RegTest}

	handshakeDone := make(chan struct{})
	go func() {
		remote.handshake(t)
		close(handshakeDone)
	}()

	c := &Client{
		conn:     clientConn,
		net:      nodewire.RegTest,
		pending:  make(map[string]*pendingRequest),
		pingWait: make(map[uint64]chan struct{}),
	}
	c.log = hclog.NewNullLogger()

	go c.readLoop()
	if err := c.handshake(); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	select {
	case <-handshakeDone:
	case <-time.After(time.Second):
		t.Fatal("remote handshake goroutine did not finish")
	}

	return c, remote
}

func TestHandshakeReachesReady(t *testing.T) {
	c, _ := newTestClient(t)
	defer c.Close()

	if got := c.State(); got != Ready {
		t.Fatalf("state = %v, want Ready", got)
	}
}

func TestFetchHeadersRejectsTooMany(t *testing.T) {
	c, remote := newTestClient(t)
	defer c.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		msg, _, err := nodewire.Decode(remote.conn, remote.net)
		if err != nil {
			return
		}
		if _, ok := msg.(*btcwire.MsgGetHeaders); !ok {
			t.Errorf("expected getheaders, got %T", msg)
			return
		}
		resp := btcwire.NewMsgHeaders()
		for i := 0; i < MaxHeaderLen+1; i++ {
			resp.AddBlockHeader(&btcwire.BlockHeader{})
		}
		_ = nodewire.Encode(remote.conn, remote.net, resp)
	}()

	_, err := c.FetchHeaders(nodewire.Hash256{}, nodewire.Hash256{})
	if err != ErrTooManyHeaders {
		t.Fatalf("FetchHeaders err = %v, want ErrTooManyHeaders", err)
	}

	<-done
}

func TestSendTransactionRequiresReady(t *testing.T) {
	c := &Client{state: Disconnected}
	if err := c.SendTransaction(btcwire.NewMsgTx(btcwire.TxVersion)); err != ErrNotReady {
		t.Fatalf("SendTransaction err = %v, want ErrNotReady", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c, _ := newTestClient(t)
	if err := c.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
