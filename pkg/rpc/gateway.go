// Package rpc correlates outbound gateway calls with their responses via
// echo tokens.
package rpc

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/lchbot/pkg/jsonx"
)

// ErrTimeout is returned when a pending call's deadline elapses before the
// matching echo arrives.
var ErrTimeout = errors.New("rpc: call timed out")

// ErrClosed is returned for calls made after Close.
var ErrClosed = errors.New("rpc: gateway closed")

// EchoPrefix is the stem of every correlation token.
const EchoPrefix = "lchbot_"

// Response is the gateway's reply to one call.
type Response struct {
	Status  string
	Retcode int32
	Data    any
	Echo    string
}

// Ok reports whether the gateway accepted the call.
func (r *Response) Ok() bool {
	return r != nil && r.Retcode == 0
}

type pendingCall struct {
	echo     string
	sentAt   time.Time
	deadline time.Time
	done     chan *Response // closed on timeout, receives once on success
}

// SendFunc hands one serialized text frame to the transport.
type SendFunc func(payload string) error

// Gateway owns the pending-call table. Echo tokens are monotone and never
// reused.
type Gateway struct {
	send       SendFunc
	timeout    time.Duration
	sweepEvery time.Duration

	counter atomic.Int64

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithTimeout overrides the default per-call deadline of 30 seconds.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

// WithSweepInterval overrides the expiry sweeper's one-second tick.
func WithSweepInterval(d time.Duration) Option {
	return func(g *Gateway) { g.sweepEvery = d }
}

// New builds a gateway that serializes calls through send and sweeps expired
// entries once per second.
func New(send SendFunc, opts ...Option) *Gateway {
	g := &Gateway{
		send:       send,
		timeout:    30 * time.Second,
		sweepEvery: time.Second,
		pending:    map[string]*pendingCall{},
		stopSweep:  make(chan struct{}),
		sweepDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	go g.sweepLoop()
	return g
}

// Call serializes {action, params, echo}, sends it, and blocks until the
// response arrives, the deadline elapses, or ctx is canceled.
func (g *Gateway) Call(ctx context.Context, action string, params map[string]any) (*Response, error) {
	if params == nil {
		params = map[string]any{}
	}
	echo := EchoPrefix + strconv.FormatInt(g.counter.Add(1), 10)

	payload, err := jsonx.Stringify(map[string]any{
		"action": action,
		"params": params,
		"echo":   echo,
	})
	if err != nil {
		return nil, err
	}

	call := &pendingCall{
		echo:     echo,
		sentAt:   time.Now(),
		deadline: time.Now().Add(g.timeout),
		done:     make(chan *Response, 1),
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrClosed
	}
	g.pending[echo] = call
	g.mu.Unlock()

	if err := g.send(payload); err != nil {
		g.drop(echo)
		return nil, errors.Wrap(err, "rpc: send")
	}
	log.Debug().Str("action", action).Str("echo", echo).Msg("rpc call sent")

	select {
	case resp, ok := <-call.done:
		if !ok || resp == nil {
			return nil, errors.Wrapf(ErrTimeout, "action %s echo %s", action, echo)
		}
		return resp, nil
	case <-ctx.Done():
		g.drop(echo)
		return nil, errors.Wrap(ctx.Err(), "rpc: call canceled")
	}
}

// Resolve matches an inbound JSON object against the pending table. It
// returns true when the object carried an echo token that resolved a call;
// the orchestrator uses this to short-circuit event decoding. Each echo
// resolves at most once.
func (g *Gateway) Resolve(obj map[string]any) bool {
	echo := jsonx.Str(obj, "echo", "")
	if echo == "" {
		return false
	}

	g.mu.Lock()
	call, ok := g.pending[echo]
	if ok {
		delete(g.pending, echo)
	}
	g.mu.Unlock()
	if !ok {
		log.Debug().Str("echo", echo).Msg("rpc response with no pending call")
		return true // carried an echo, still not an event
	}

	call.done <- &Response{
		Status:  jsonx.Str(obj, "status", ""),
		Retcode: jsonx.I32(obj, "retcode", 0),
		Data:    obj["data"],
		Echo:    echo,
	}
	return true
}

// PendingCount reports the number of in-flight calls.
func (g *Gateway) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Close fails every in-flight call and stops the sweeper.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	for echo, call := range g.pending {
		close(call.done)
		delete(g.pending, echo)
	}
	g.mu.Unlock()

	close(g.stopSweep)
	<-g.sweepDone
}

func (g *Gateway) drop(echo string) {
	g.mu.Lock()
	delete(g.pending, echo)
	g.mu.Unlock()
}

func (g *Gateway) sweepLoop() {
	defer close(g.sweepDone)
	ticker := time.NewTicker(g.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopSweep:
			return
		case now := <-ticker.C:
			g.mu.Lock()
			for echo, call := range g.pending {
				if now.After(call.deadline) {
					close(call.done)
					delete(g.pending, echo)
					log.Warn().Str("echo", echo).Msg("rpc call expired")
				}
			}
			g.mu.Unlock()
		}
	}
}
