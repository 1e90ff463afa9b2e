package client

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/Tyrowin/roomchat/internal/protocol"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrEmptyContent = errors.New("empty message")
	ErrClosed       = errors.New("client closed")
)

// State is a connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Status is a snapshot of the machine published on every transition.
type Status struct {
	State     State
	Err       string
	Attempt   int
	NextRetry time.Duration
}

const (
	messageBuffer = 256
	updateBuffer  = 64
)

// Machine drives a single logical session to the server. It redials after
// every failure, server-initiated closes included, until Disconnect or Close.
//
// Each dial attempt is tagged with an epoch. Dial results, read loop exits
// and retry timers compare their epoch with the current one under mu and
// do nothing when they are stale.
type Machine struct {
	dialer Dialer
	policy *Policy
	log    *zap.Logger

	mu         sync.Mutex
	state      State
	status     Status
	epoch      uint64
	transport  Transport
	timer      *time.Timer
	cancelDial context.CancelFunc
	userID     string
	declared   bool
	closed     bool

	messages chan protocol.Envelope
	updates  chan Status
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewMachine creates a disconnected machine.
func NewMachine(dialer Dialer, policy *Policy, log *zap.Logger) *Machine {
	if policy == nil {
		policy = NewPolicy(defaultReconnectDelay, defaultReconnectMax)
	}
	return &Machine{
		dialer:   dialer,
		policy:   policy,
		log:      logging.OrNop(log),
		status:   Status{State: StateDisconnected},
		messages: make(chan protocol.Envelope, messageBuffer),
		updates:  make(chan Status, updateBuffer),
		done:     make(chan struct{}),
	}
}

// Messages returns received envelopes. It is closed by Close.
func (m *Machine) Messages() <-chan protocol.Envelope {
	return m.messages
}

// Updates returns status transitions. It is closed by Close. Updates are
// dropped when nobody reads them; Status always has the latest.
func (m *Machine) Updates() <-chan Status {
	return m.updates
}

// Status returns the current status.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Connect starts a connection attempt. It does nothing while connecting or
// connected. While waiting to reconnect it skips the remaining delay.
func (m *Machine) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	switch m.state {
	case StateDisconnected:
		m.startAttempt()
	case StateReconnecting:
		m.stopTimer()
		m.startAttempt()
	}
	return nil
}

// Disconnect tears down the session and cancels any pending retry. It is
// the only way to stop reconnecting.
func (m *Machine) Disconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	t := m.teardown()
	m.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
}

// Close disconnects, waits for background goroutines, and closes the
// Messages and Updates channels.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	t := m.teardown()
	m.closed = true
	close(m.done)
	m.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
	m.wg.Wait()
	close(m.messages)
	close(m.updates)
}

// SetIdentity records the user id and declares it to the server. A
// connection declares at most once; a new id takes effect on the next
// connection.
func (m *Machine) SetIdentity(userID string) error {
	userID = strings.TrimSpace(userID)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.userID = userID
	if userID == "" || m.state != StateConnected || m.declared {
		m.mu.Unlock()
		return nil
	}
	m.declared = true
	t := m.transport
	m.mu.Unlock()

	return m.declare(t, userID)
}

// Send writes an event. It fails with ErrNotConnected unless connected;
// nothing is queued.
func (m *Machine) Send(event string, payload any) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateConnected || m.transport == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	t := m.transport
	m.mu.Unlock()

	f, err := protocol.NewFrame(event, payload)
	if err != nil {
		return err
	}
	return t.WriteFrame(f)
}

// SendMessage sends a chat message. Content is trimmed and must not be empty.
func (m *Machine) SendMessage(content, username string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyContent
	}

	m.mu.Lock()
	userID := m.userID
	m.mu.Unlock()

	return m.Send(protocol.EventSendMessage, protocol.SendMessage{
		Content:  content,
		Username: username,
		UserID:   userID,
	})
}

// startAttempt must be called with mu held.
func (m *Machine) startAttempt() {
	m.epoch++
	epoch := m.epoch

	ctx, cancel := context.WithCancel(context.Background())
	m.cancelDial = cancel
	m.setState(Status{State: StateConnecting, Attempt: m.policy.Attempts()})

	m.wg.Add(1)
	go m.dial(ctx, cancel, epoch)
}

func (m *Machine) dial(ctx context.Context, cancel context.CancelFunc, epoch uint64) {
	defer m.wg.Done()
	defer cancel()

	t, err := m.dialer.Dial(ctx)

	m.mu.Lock()
	if m.closed || epoch != m.epoch {
		m.mu.Unlock()
		if t != nil {
			_ = t.Close()
		}
		return
	}
	m.cancelDial = nil

	if err != nil {
		m.log.Warn("connect failed", zap.Error(err))
		m.scheduleRetry(err)
		m.mu.Unlock()
		return
	}

	m.transport = t
	m.policy.Reset()
	m.declared = m.userID != ""
	userID := m.userID
	m.setState(Status{State: StateConnected})
	m.log.Info("connected")

	m.wg.Add(1)
	go m.readLoop(epoch, t)
	m.mu.Unlock()

	if userID != "" {
		_ = m.declare(t, userID)
	}
}

func (m *Machine) declare(t Transport, userID string) error {
	f, err := protocol.NewFrame(protocol.EventUserJoined, userID)
	if err != nil {
		return err
	}
	if err := t.WriteFrame(f); err != nil {
		m.log.Warn("failed to declare identity", zap.Error(err))
		return err
	}
	return nil
}

func (m *Machine) readLoop(epoch uint64, t Transport) {
	defer m.wg.Done()

	for {
		f, err := t.ReadFrame()
		if err != nil {
			m.dropped(epoch, err)
			return
		}
		if f.Event != protocol.EventReceiveMessage {
			m.log.Debug("ignoring event", zap.String("event", f.Event))
			continue
		}

		var env protocol.Envelope
		if err := f.Decode(&env); err != nil {
			m.log.Debug("ignoring malformed message", zap.Error(err))
			continue
		}
		select {
		case m.messages <- env:
		case <-m.done:
			return
		}
	}
}

// dropped handles the end of a transport. Drops caused by Disconnect are
// stale by then and ignored.
func (m *Machine) dropped(epoch uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || epoch != m.epoch || m.state != StateConnected {
		return
	}
	m.log.Warn("connection lost", zap.Error(err))
	if m.transport != nil {
		_ = m.transport.Close()
		m.transport = nil
	}
	m.declared = false
	m.scheduleRetry(err)
}

// scheduleRetry must be called with mu held.
func (m *Machine) scheduleRetry(cause error) {
	delay := m.policy.Next()
	epoch := m.epoch

	st := Status{State: StateReconnecting, Attempt: m.policy.Attempts(), NextRetry: delay}
	if cause != nil {
		st.Err = cause.Error()
	}
	m.setState(st)

	m.stopTimer()
	m.timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed || epoch != m.epoch || m.state != StateReconnecting {
			return
		}
		m.timer = nil
		m.startAttempt()
	})
}

// teardown must be called with mu held. It returns the transport to close
// once mu is released.
func (m *Machine) teardown() Transport {
	m.epoch++
	m.stopTimer()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}

	t := m.transport
	m.transport = nil
	m.declared = false
	m.policy.Reset()

	if m.state != StateDisconnected {
		m.setState(Status{State: StateDisconnected})
		m.log.Info("disconnected")
	}
	return t
}

func (m *Machine) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) setState(st Status) {
	m.state = st.State
	m.status = st
	select {
	case m.updates <- st:
	default:
		m.log.Debug("dropping status update", zap.Stringer("state", st.State))
	}
}
