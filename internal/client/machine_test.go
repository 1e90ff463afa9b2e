package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/roomchat/internal/protocol"
)

var errRefused = errors.New("connection refused")

type fakeTransport struct {
	frames    chan protocol.Frame
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []protocol.Frame
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(chan protocol.Frame, 16),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadFrame() (protocol.Frame, error) {
	select {
	case f := <-t.frames:
		return f, nil
	case <-t.closed:
		return protocol.Frame{}, errors.New("connection closed")
	}
}

func (t *fakeTransport) WriteFrame(f protocol.Frame) error {
	select {
	case <-t.closed:
		return errors.New("write on closed transport")
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.written = append(t.written, f)
	return nil
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *fakeTransport) events() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.written))
	for i, f := range t.written {
		out[i] = f.Event
	}
	return out
}

func (t *fakeTransport) frame(i int) protocol.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.written[i]
}

type fakeDialer struct {
	mu    sync.Mutex
	calls int
	fail  int
	block bool
	conns []*fakeTransport
}

func (d *fakeDialer) Dial(ctx context.Context) (Transport, error) {
	d.mu.Lock()
	d.calls++
	if d.calls <= d.fail {
		d.mu.Unlock()
		return nil, errRefused
	}
	if d.block {
		d.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	t := newFakeTransport()
	d.conns = append(d.conns, t)
	d.mu.Unlock()
	return t, nil
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) conn(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func newTestMachine(t *testing.T, d *fakeDialer) *Machine {
	t.Helper()
	m := NewMachine(d, NewPolicy(10*time.Millisecond, 40*time.Millisecond), zaptest.NewLogger(t))
	t.Cleanup(m.Close)
	return m
}

func waitState(t *testing.T, m *Machine, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Status().State == want },
		2*time.Second, 5*time.Millisecond, "want state %s", want)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestMachineStartsDisconnected(t *testing.T) {
	m := newTestMachine(t, &fakeDialer{})
	assert.Equal(t, StateDisconnected, m.Status().State)
}

func TestConnectDeclaresKnownIdentity(t *testing.T) {
	d := &fakeDialer{}
	m := newTestMachine(t, d)

	require.NoError(t, m.SetIdentity("u-1"))
	require.NoError(t, m.Connect())
	waitState(t, m, StateConnected)

	conn := d.conn(0)
	require.NotNil(t, conn)
	require.Eventually(t, func() bool { return len(conn.events()) == 1 }, time.Second, 5*time.Millisecond)

	f := conn.frame(0)
	assert.Equal(t, protocol.EventUserJoined, f.Event)
	var userID string
	require.NoError(t, f.Decode(&userID))
	assert.Equal(t, "u-1", userID)

	require.NoError(t, m.SetIdentity("u-1"))
	require.NoError(t, m.SetIdentity("u-2"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{protocol.EventUserJoined}, conn.events())
}

func TestIdentityLearnedAfterConnectIsDeclaredOnce(t *testing.T) {
	d := &fakeDialer{}
	m := newTestMachine(t, d)

	require.NoError(t, m.Connect())
	waitState(t, m, StateConnected)
	conn := d.conn(0)
	assert.Empty(t, conn.events())

	require.NoError(t, m.SetIdentity("u-1"))
	require.NoError(t, m.SetIdentity("u-1"))
	assert.Equal(t, []string{protocol.EventUserJoined}, conn.events())
}

func TestConnectIsNoOpWhileConnected(t *testing.T) {
	d := &fakeDialer{}
	m := newTestMachine(t, d)

	require.NoError(t, m.Connect())
	waitState(t, m, StateConnected)
	require.NoError(t, m.Connect())
	require.NoError(t, m.Connect())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, d.callCount())
}

func TestConnectIsNoOpWhileConnecting(t *testing.T) {
	d := &fakeDialer{block: true}
	m := newTestMachine(t, d)

	require.NoError(t, m.Connect())
	waitState(t, m, StateConnecting)
	require.NoError(t, m.Connect())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, d.callCount())
}

func TestSendRequiresConnection(t *testing.T) {
	d := &fakeDialer{}
	m := newTestMachine(t, d)

	assert.ErrorIs(t, m.SendMessage("hello", ""), ErrNotConnected)
	assert.ErrorIs(t, m.Send(protocol.EventSendMessage, protocol.SendMessage{Content: "x"}), ErrNotConnected)
	assert.ErrorIs(t, m.SendMessage("   ", ""), ErrEmptyContent)

	require.NoError(t, m.SetIdentity("u-1"))
	require.NoError(t, m.Connect())
	waitState(t, m, StateConnected)
	conn := d.conn(0)
	require.Eventually(t, func() bool { return len(conn.events()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.SendMessage("  hello  ", "alice"))
	require.Equal(t, []string{protocol.EventUserJoined, protocol.EventSendMessage}, conn.events())

	var msg protocol.SendMessage
	require.NoError(t, conn.frame(1).Decode(&msg))
	assert.Equal(t, protocol.SendMessage{Content: "hello", Username: "alice", UserID: "u-1"}, msg)

	m.Disconnect()
	assert.ErrorIs(t, m.SendMessage("again", ""), ErrNotConnected)
	assert.Len(t, conn.events(), 2)
}

func TestMessagesAreDelivered(t *testing.T) {
	d := &fakeDialer{}
	m := newTestMachine(t, d)

	require.NoError(t, m.Connect())
	waitState(t, m, StateConnected)
	conn := d.conn(0)

	ignored, err := protocol.NewFrame("typing", map[string]string{})
	require.NoError(t, err)
	conn.frames <- ignored

	want := protocol.Envelope{Content: "hi", Username: "bob", Timestamp: "2024-01-01T00:00:00.000Z"}
	f, err := protocol.NewFrame(protocol.EventReceiveMessage, want)
	require.NoError(t, err)
	conn.frames <- f

	select {
	case got := <-m.Messages():
		assert.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestServerDropTriggersReconnect(t *testing.T) {
	d := &fakeDialer{}
	m := newTestMachine(t, d)

	require.NoError(t, m.SetIdentity("u-1"))
	require.NoError(t, m.Connect())
	waitState(t, m, StateConnected)

	first := d.conn(0)
	require.NoError(t, first.Close())

	require.Eventually(t, func() bool { return d.conn(1) != nil }, 2*time.Second, 5*time.Millisecond)
	waitState(t, m, StateConnected)

	second := d.conn(1)
	require.Eventually(t, func() bool { return len(second.events()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.EventUserJoined, second.frame(0).Event)
	assert.Equal(t, 2, d.callCount())
}

func TestReconnectDelaysGrowAndReset(t *testing.T) {
	d := &fakeDialer{fail: 4}
	m := newTestMachine(t, d)

	require.NoError(t, m.Connect())

	var delays []time.Duration
	timeout := time.After(3 * time.Second)
	for connected := false; !connected; {
		select {
		case st := <-m.Updates():
			switch st.State {
			case StateReconnecting:
				assert.Equal(t, errRefused.Error(), st.Err)
				assert.Equal(t, len(delays)+1, st.Attempt)
				delays = append(delays, st.NextRetry)
			case StateConnected:
				connected = true
			}
		case <-timeout:
			t.Fatal("never connected")
		}
	}

	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		40 * time.Millisecond,
	}, delays)
	assert.Equal(t, 5, d.callCount())

	require.NoError(t, d.conn(0).Close())
	select {
	case st := <-m.Updates():
		require.Equal(t, StateReconnecting, st.State)
		assert.Equal(t, 10*time.Millisecond, st.NextRetry)
		assert.Equal(t, 1, st.Attempt)
	case <-time.After(time.Second):
		t.Fatal("no reconnect after drop")
	}
}

func TestDisconnectCancelsPendingRetry(t *testing.T) {
	d := &fakeDialer{fail: 1 << 30}
	m := NewMachine(d, NewPolicy(30*time.Millisecond, 30*time.Millisecond), zaptest.NewLogger(t))
	t.Cleanup(m.Close)

	require.NoError(t, m.Connect())
	waitState(t, m, StateReconnecting)

	m.Disconnect()
	calls := d.callCount()
	assert.Equal(t, StateDisconnected, m.Status().State)

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, calls, d.callCount())
	assert.Equal(t, StateDisconnected, m.Status().State)

	m.Disconnect()
	assert.Equal(t, StateDisconnected, m.Status().State)
}

func TestDisconnectCancelsDialInProgress(t *testing.T) {
	d := &fakeDialer{block: true}
	m := newTestMachine(t, d)

	require.NoError(t, m.Connect())
	waitState(t, m, StateConnecting)

	m.Disconnect()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateDisconnected, m.Status().State)
	assert.Equal(t, 1, d.callCount())
}

func TestLocalDisconnectDoesNotReconnect(t *testing.T) {
	d := &fakeDialer{}
	m := newTestMachine(t, d)

	require.NoError(t, m.Connect())
	waitState(t, m, StateConnected)

	m.Disconnect()
	assert.True(t, d.conn(0).isClosed())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateDisconnected, m.Status().State)
	assert.Equal(t, 1, d.callCount())

	require.NoError(t, m.Connect())
	waitState(t, m, StateConnected)
	assert.Equal(t, 2, d.callCount())
}

func TestCloseClosesChannels(t *testing.T) {
	d := &fakeDialer{}
	m := NewMachine(d, nil, zaptest.NewLogger(t))

	require.NoError(t, m.Connect())
	waitState(t, m, StateConnected)

	m.Close()
	m.Close()

	_, ok := <-m.Messages()
	assert.False(t, ok)
	for range m.Updates() {
	}
	assert.ErrorIs(t, m.Connect(), ErrClosed)
	assert.ErrorIs(t, m.SendMessage("hi", ""), ErrClosed)
	assert.ErrorIs(t, m.SetIdentity("u-1"), ErrClosed)
}
