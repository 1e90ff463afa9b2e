// Package server coordinates room admission, identity declaration, message
// routing, and connection cleanup for roomchat via the Hub type.
package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/Tyrowin/roomchat/internal/protocol"
)

// Kicker is implemented by peers that can be forcibly disconnected. Closing
// the transport makes it report its own close, which unregisters the peer.
type Kicker interface {
	Kick()
}

// pumped is implemented by peers that run their own transport goroutines.
type pumped interface {
	start(h *Hub)
	closeSend()
}

type identification struct {
	connID string
	userID string
}

type inbound struct {
	connID string
	msg    protocol.SendMessage
}

// HubOptions configures a Hub.
type HubOptions struct {
	RoomID   string
	Resolver *Resolver
	Gateway  *Gateway
	Mirror   PresenceMirror
	Logger   *zap.Logger
	// Now returns the processing time stamped on envelopes. Defaults to time.Now.
	Now func() time.Time
}

// Hub owns the presence registry and processes every connection event on a
// single goroutine. Each event runs to completion before the next one starts,
// which gives all room members the same total order of messages.
type Hub struct {
	registry *Registry
	resolver *Resolver
	gateway  *Gateway
	mirror   *mirrorQueue
	log      *zap.Logger
	now      func() time.Time

	register   chan Peer
	unregister chan string
	identify   chan identification
	inbound    chan inbound

	connected atomic.Int64

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a Hub. Missing resolver or gateway are replaced by ones that
// always fall back and never persist.
func NewHub(opts HubOptions) *Hub {
	log := logging.OrNop(opts.Logger)
	roomID := opts.RoomID
	if roomID == "" {
		roomID = defaultRoomID
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = NewResolver(nil, defaultFallbackName, defaultLookupTimeout, log)
	}
	gateway := opts.Gateway
	if gateway == nil {
		gateway = NewGateway(roomID, defaultPersistTimeout, log)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		registry:   NewRegistry(roomID),
		resolver:   resolver,
		gateway:    gateway,
		log:        log,
		now:        now,
		register:   make(chan Peer),
		unregister: make(chan string),
		identify:   make(chan identification),
		inbound:    make(chan inbound),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	if opts.Mirror != nil {
		h.mirror = newMirrorQueue(opts.Mirror, roomID, log)
	}
	return h
}

// Register admits p into the room. It returns false once the hub has stopped.
func (h *Hub) Register(p Peer) bool {
	select {
	case h.register <- p:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Unregister removes the connection from the room. Only the transport close
// path should call it.
func (h *Hub) Unregister(connID string) {
	select {
	case h.unregister <- connID:
	case <-h.ctx.Done():
	}
}

// Declare records userID as the identity of the connection.
func (h *Hub) Declare(connID, userID string) {
	select {
	case h.identify <- identification{connID: connID, userID: userID}:
	case <-h.ctx.Done():
	}
}

// Submit hands a send_message event from the connection to the router.
func (h *Hub) Submit(connID string, msg protocol.SendMessage) {
	select {
	case h.inbound <- inbound{connID: connID, msg: msg}:
	case <-h.ctx.Done():
	}
}

// ConnectedUsers returns the registry size as of the last processed event.
func (h *Hub) ConnectedUsers() int {
	return int(h.connected.Load())
}

// RoomID returns the id of the hub's room.
func (h *Hub) RoomID() string {
	return h.registry.RoomID()
}

// Done is closed when Run returns.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Run starts the hub's main event loop. It should be called in a separate
// goroutine and returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case p := <-h.register:
			h.handleRegister(p)

		case id := <-h.unregister:
			h.handleUnregister(id)

		case ev := <-h.identify:
			h.handleIdentify(ev)

		case ev := <-h.inbound:
			h.route(ev)
		}
	}
}

func (h *Hub) handleRegister(p Peer) {
	if p == nil {
		h.log.Warn("received nil peer registration; skipping")
		return
	}
	if !h.registry.Join(p) {
		return
	}
	h.connected.Store(int64(h.registry.Size()))
	h.mirror.push(mirrorOp{kind: mirrorJoin, connID: p.ID()})
	h.log.Info("connection joined room",
		zap.String("conn_id", p.ID()),
		zap.String("room", h.registry.RoomID()),
		zap.Int("total", h.registry.Size()))

	if pp, ok := p.(pumped); ok {
		pp.start(h)
	}
}

func (h *Hub) handleUnregister(id string) {
	p, ok := h.registry.Leave(id)
	if !ok {
		return
	}
	h.connected.Store(int64(h.registry.Size()))
	h.mirror.push(mirrorOp{kind: mirrorLeave, connID: id})
	if pp, ok := p.(pumped); ok {
		pp.closeSend()
	}
	h.log.Info("connection left room",
		zap.String("conn_id", id),
		zap.Int("total", h.registry.Size()))
}

func (h *Hub) handleIdentify(ev identification) {
	if ev.userID == "" {
		return
	}
	if !h.registry.Declare(ev.connID, ev.userID) {
		h.log.Debug("identity declared for unknown connection", zap.String("conn_id", ev.connID))
		return
	}
	h.mirror.push(mirrorOp{kind: mirrorDeclare, connID: ev.connID, userID: ev.userID})
	h.log.Debug("identity declared", zap.String("conn_id", ev.connID), zap.String("user_id", ev.userID))
}

// route builds one envelope for a send event, delivers it to every member
// including the sender, then hands it to the gateway without waiting.
func (h *Hub) route(ev inbound) {
	if !h.registry.IsMember(ev.connID) {
		return
	}
	if ev.msg.Content == "" {
		h.log.Debug("dropping empty message", zap.String("conn_id", ev.connID))
		return
	}

	userID := h.registry.Identity(ev.connID)
	if userID == "" {
		userID = ev.msg.UserID
	}

	env := protocol.Envelope{
		Content:   ev.msg.Content,
		Username:  h.resolver.Resolve(h.ctx, ev.msg.Username, userID),
		Timestamp: protocol.FormatTimestamp(h.now()),
	}

	frame, err := protocol.NewFrame(protocol.EventReceiveMessage, env)
	if err != nil {
		h.log.Error("failed to build envelope frame", zap.Error(err))
		return
	}
	payload, err := frame.Marshal()
	if err != nil {
		h.log.Error("failed to encode envelope frame", zap.Error(err))
		return
	}

	h.broadcast(payload)
	h.gateway.Record(env, userID)
}

func (h *Hub) broadcast(payload []byte) {
	members := h.registry.Members()
	h.log.Debug("broadcasting message", zap.Int("targets", len(members)))

	for _, p := range members {
		if p.Deliver(payload) {
			continue
		}
		h.log.Warn("send buffer full; disconnecting slow connection", zap.String("conn_id", p.ID()))
		if k, ok := p.(Kicker); ok {
			k.Kick()
		}
	}
}

// shutdownClients closes all active transports.
func (h *Hub) shutdownClients() {
	members := h.registry.Members()
	for _, p := range members {
		if k, ok := p.(Kicker); ok {
			k.Kick()
		}
	}
	h.log.Info("closed client connections", zap.Int("count", len(members)))
}

// Shutdown stops the hub loop, closes client connections, and waits for
// connection goroutines, pending persistence writes, and mirror updates to
// finish or for the timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("initiating hub shutdown")

	h.cancel()
	<-h.done

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	pumps := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(pumps)
	}()

	select {
	case <-pumps:
	case <-ctx.Done():
		h.log.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return ctx.Err()
	}

	if err := h.gateway.Wait(ctx); err != nil {
		h.log.Warn("pending message writes did not finish", zap.Error(err))
		return err
	}
	if err := h.mirror.close(ctx); err != nil {
		h.log.Warn("presence mirror did not drain", zap.Error(err))
		return err
	}

	h.log.Info("hub shutdown completed successfully")
	return nil
}
