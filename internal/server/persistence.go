package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/Tyrowin/roomchat/internal/protocol"
)

// MessageRecord is the durable form of a broadcast envelope.
type MessageRecord struct {
	Content   string `json:"content"`
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	CreatedAt string `json:"created_at"`
}

// Recorder writes a message record to some external system.
type Recorder interface {
	Record(ctx context.Context, rec MessageRecord) error
}

// Gateway hands broadcast envelopes to recorders without blocking the
// caller. Failed writes are logged and dropped; they are never retried.
type Gateway struct {
	recorders []Recorder
	roomID    string
	timeout   time.Duration
	log       *zap.Logger
	wg        sync.WaitGroup
}

// NewGateway creates a Gateway writing to recorders. Nil recorders are
// ignored, and a gateway without recorders drops everything.
func NewGateway(roomID string, timeout time.Duration, log *zap.Logger, recorders ...Recorder) *Gateway {
	if timeout <= 0 {
		timeout = defaultPersistTimeout
	}
	g := &Gateway{
		roomID:  roomID,
		timeout: timeout,
		log:     logging.OrNop(log),
	}
	for _, r := range recorders {
		if r != nil {
			g.recorders = append(g.recorders, r)
		}
	}
	return g
}

// Enabled reports whether the gateway has any recorder.
func (g *Gateway) Enabled() bool {
	return len(g.recorders) > 0
}

// Record starts an asynchronous write of env for userID. Anonymous senders
// are not recorded.
func (g *Gateway) Record(env protocol.Envelope, userID string) {
	if userID == "" || len(g.recorders) == 0 {
		return
	}

	rec := MessageRecord{
		Content:   env.Content,
		UserID:    userID,
		ChannelID: g.roomID,
		CreatedAt: env.Timestamp,
	}

	for _, r := range g.recorders {
		g.wg.Add(1)
		go func(r Recorder) {
			defer g.wg.Done()
			g.write(r, rec)
		}(r)
	}
}

func (g *Gateway) write(r Recorder, rec MessageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	if err := r.Record(ctx, rec); err != nil {
		g.log.Warn("failed to persist message",
			zap.String("user_id", rec.UserID),
			zap.String("channel_id", rec.ChannelID),
			zap.Error(err))
	}
}

// Wait blocks until every pending write finishes or ctx is done.
func (g *Gateway) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
