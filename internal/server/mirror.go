package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/logging"
)

// PresenceMirror receives a copy of registry changes, for example to expose
// room membership to other processes. The in-process Registry stays
// authoritative; mirror failures never affect it.
type PresenceMirror interface {
	Joined(ctx context.Context, roomID, connID string) error
	Declared(ctx context.Context, roomID, connID, userID string) error
	Left(ctx context.Context, roomID, connID string) error
}

type mirrorOpKind int

const (
	mirrorJoin mirrorOpKind = iota
	mirrorDeclare
	mirrorLeave
)

type mirrorOp struct {
	kind   mirrorOpKind
	connID string
	userID string
}

// mirrorQueue applies registry changes to a PresenceMirror on a single
// worker goroutine so they reach the mirror in the order the hub made them.
type mirrorQueue struct {
	mirror  PresenceMirror
	roomID  string
	timeout time.Duration
	ops     chan mirrorOp
	done    chan struct{}
	once    sync.Once
	log     *zap.Logger
}

func newMirrorQueue(mirror PresenceMirror, roomID string, log *zap.Logger) *mirrorQueue {
	q := &mirrorQueue{
		mirror:  mirror,
		roomID:  roomID,
		timeout: 3 * time.Second,
		ops:     make(chan mirrorOp, 1024),
		done:    make(chan struct{}),
		log:     logging.OrNop(log),
	}
	go q.run()
	return q
}

func (q *mirrorQueue) run() {
	defer close(q.done)
	for op := range q.ops {
		q.apply(op)
	}
}

func (q *mirrorQueue) apply(op mirrorOp) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	var err error
	switch op.kind {
	case mirrorJoin:
		err = q.mirror.Joined(ctx, q.roomID, op.connID)
	case mirrorDeclare:
		err = q.mirror.Declared(ctx, q.roomID, op.connID, op.userID)
	case mirrorLeave:
		err = q.mirror.Left(ctx, q.roomID, op.connID)
	}
	if err != nil {
		q.log.Warn("presence mirror update failed", zap.String("conn_id", op.connID), zap.Error(err))
	}
}

// push never blocks the hub loop; a full queue drops the update.
func (q *mirrorQueue) push(op mirrorOp) {
	if q == nil {
		return
	}
	select {
	case q.ops <- op:
	default:
		q.log.Warn("presence mirror queue full; dropping update", zap.String("conn_id", op.connID))
	}
}

// close stops accepting updates and waits for queued ones to be applied.
// It must only be called once the hub loop has exited.
func (q *mirrorQueue) close(ctx context.Context) error {
	if q == nil {
		return nil
	}
	q.once.Do(func() { close(q.ops) })
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
