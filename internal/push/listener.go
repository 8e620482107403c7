// Package push maintains the push channel connection and turns its frames
// into bus events. The sync coordinator and the reconciliation engine
// subscribe to the bus independently; this package never touches the store.
package push

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/lmonteiro/parley/internal/bus"
	"github.com/lmonteiro/parley/internal/status"
	"go.uber.org/zap"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Listener dials the push endpoint and republishes decoded events on the bus.
// Each disconnected→connected edge publishes exactly one conn.up event, which
// is what arms the backfill sync.
type Listener struct {
	url       string
	authToken string
	bus       *bus.Bus
	machine   *status.Machine
	logger    *zap.Logger
	cancel    context.CancelFunc
}

// NewListener creates a push listener.
func NewListener(url, authToken string, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Listener {
	return &Listener{
		url:       url,
		authToken: authToken,
		bus:       b,
		machine:   machine,
		logger:    logger,
	}
}

// Start runs the connect/read/reconnect loop in the background.
func (l *Listener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	go l.run(ctx)
}

// Stop tears down the listener.
func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
}

func (l *Listener) run(ctx context.Context) {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := l.dial(ctx)
		if err != nil {
			l.logger.Warn("push dial failed", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = initialBackoff

		l.logger.Info("push channel connected")
		_ = l.machine.Transition(status.Syncing)
		l.bus.Publish(bus.Event{Kind: "conn.up", Timestamp: time.Now()})

		err = l.readLoop(ctx, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "reconnecting")
		if ctx.Err() != nil {
			return
		}

		l.logger.Warn("push channel disconnected", zap.Error(err))
		_ = l.machine.Transition(status.Reconnecting)
		l.bus.Publish(bus.Event{Kind: "conn.down", Timestamp: time.Now()})
		_ = l.machine.Transition(status.Connecting)
	}
}

func (l *Listener) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	opts := &websocket.DialOptions{}
	if l.authToken != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + l.authToken}}
	}
	conn, _, err := websocket.Dial(dialCtx, l.url, opts)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

func (l *Listener) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		l.handleFrame(data)
	}
}

func (l *Listener) handleFrame(data []byte) {
	kind, payload, err := decodeFrame(data)
	if err != nil {
		l.logger.Error("bad push frame", zap.Error(err), zap.String("kind", kind))
		return
	}

	switch kind {
	case frameNewMessage:
		l.bus.Publish(bus.Event{Kind: "push.message", Timestamp: time.Now(), Payload: payload})
	case frameRecalled:
		l.bus.Publish(bus.Event{Kind: "push.recalled", Timestamp: time.Now(), Payload: payload})
	default:
		l.logger.Debug("ignoring unknown push frame", zap.String("kind", kind))
	}
}
