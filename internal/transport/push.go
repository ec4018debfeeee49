package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/loopmeet/tasksync/internal/tasksync"
)

const (
	pushSourceTag           = "push"
	defaultReconnectDelay   = time.Second
	maxReconnectDelay       = 30 * time.Second
	defaultPushReadDeadline = 90 * time.Second
)

type PushOptions struct {
	URL            string
	Token          string
	Handler        func(tasksync.SyncEvent)
	Logger         tasksync.Logger
	ReconnectDelay time.Duration
}

// PushChannel is the server push transport: a websocket delivering
// SyncEvents with no ordering guarantee. Reconnects with backoff until
// the context is cancelled.
type PushChannel struct {
	url            string
	token          string
	handler        func(tasksync.SyncEvent)
	logger         tasksync.Logger
	reconnectDelay time.Duration
}

func NewPushChannel(opts PushOptions) (*PushChannel, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("push channel url is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("push channel handler is required")
	}
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	return &PushChannel{
		url:            strings.TrimSpace(opts.URL),
		token:          strings.TrimSpace(opts.Token),
		handler:        opts.Handler,
		logger:         opts.Logger,
		reconnectDelay: delay,
	}, nil
}

// Run blocks until the context is cancelled, reading events and
// handing validated ones to the handler. A connection that delivered
// at least one frame was healthy, so its loss restarts the backoff
// schedule; only consecutive dead connections grow the delay.
func (p *PushChannel) Run(ctx context.Context) error {
	delay := p.reconnectDelay
	for {
		frames, err := p.readLoop(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if frames > 0 {
			delay = p.reconnectDelay
		}
		p.logf("push: connection lost: %v; reconnecting in %s", err, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// readLoop reports how many frames the connection delivered before it
// died, valid or not.
func (p *PushChannel) readLoop(ctx context.Context) (int, error) {
	dialOpts := &websocket.DialOptions{}
	if p.token != "" {
		dialOpts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + p.token}}
	}
	conn, _, err := websocket.Dial(ctx, p.url, dialOpts)
	if err != nil {
		return 0, fmt.Errorf("dial push channel: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	p.logf("push: connected to %s", p.url)

	frames := 0
	for {
		readCtx, cancel := context.WithTimeout(ctx, defaultPushReadDeadline)
		_, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			return frames, err
		}
		frames++
		ev, err := DecodeEvent(data, pushSourceTag)
		if err != nil {
			p.logf("push: rejecting event: %v", err)
			continue
		}
		p.handler(ev)
	}
}

func (p *PushChannel) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}
