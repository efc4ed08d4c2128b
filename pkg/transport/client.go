// Package transport owns the gateway websocket connections: an outbound
// client with reconnect and heartbeat, and a reverse-ws server acceptor.
// Frames are coded by pkg/wire.
package transport

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/lchbot/pkg/wire"
)

// State is the client lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ClientConfig configures the outbound gateway connection.
type ClientConfig struct {
	Host  string
	Port  int
	Path  string
	Token string

	HeartbeatInterval    time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int // 0 = unlimited

	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c *ClientConfig) withDefaults() ClientConfig {
	out := *c
	if out.Path == "" {
		out.Path = "/"
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 60 * time.Second
	}
	if out.ReconnectInterval <= 0 {
		out.ReconnectInterval = 5 * time.Second
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = 10 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 10 * time.Second
	}
	return out
}

// Client is the outbound websocket. Callbacks run on the receive goroutine
// and must stay valid for the client's lifetime.
type Client struct {
	cfg ClientConfig

	OnMessage func(payload string)
	OnOpen    func()
	OnClose   func(err error)

	mu        sync.Mutex
	state     State
	conn      net.Conn
	attempts  int
	lastAlive time.Time
	stopped   bool
	stopCh    chan struct{}

	wg sync.WaitGroup
}

// NewClient builds a client; Start opens the first connection.
func NewClient(cfg ClientConfig) *Client {
	return &Client{cfg: cfg.withDefaults(), state: StateIdle}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start connects and launches the receive and heartbeat goroutines. The
// first connect failure schedules a reconnect rather than failing Start.
func (c *Client) Start() {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateClosed {
		c.mu.Unlock()
		return
	}
	c.stopped = false
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runLoop()
	}()
}

// Stop closes the connection and stops reconnecting.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.state = StateClosing
	conn := c.conn
	stopCh := c.stopCh
	c.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}

	if conn != nil {
		_ = c.writeFrame(wire.OpClose, wire.ClosePayload(1000, "shutdown"))
		_ = conn.Close()
	}
	c.wg.Wait()

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
}

// Send writes one masked text frame.
func (c *Client) Send(payload string) error {
	c.mu.Lock()
	if c.state != StateOpen || c.conn == nil {
		c.mu.Unlock()
		return errors.New("transport: not connected")
	}
	c.mu.Unlock()
	return c.writeFrame(wire.OpText, []byte(payload))
}

func (c *Client) writeFrame(op wire.Opcode, payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("transport: no connection")
	}
	frame := wire.Encode(op, payload, true)
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if _, err := conn.Write(frame); err != nil {
		return errors.Wrap(err, "transport: write")
	}
	return nil
}

func (c *Client) runLoop() {
	for {
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.mu.Unlock()

		err := c.connectOnce()
		if err == nil {
			// connection served until it dropped
			c.mu.Lock()
			c.attempts = 0
			c.mu.Unlock()
		}

		c.mu.Lock()
		if c.stopped {
			c.state = StateClosed
			c.mu.Unlock()
			return
		}
		c.state = StateClosed
		c.attempts++
		attempts := c.attempts
		c.mu.Unlock()

		if err != nil {
			log.Warn().Err(err).Int("attempt", attempts).Msg("transport: connect failed")
		}
		if c.cfg.MaxReconnectAttempts > 0 && attempts > c.cfg.MaxReconnectAttempts {
			log.Error().Int("attempts", attempts-1).Msg("transport: reconnect attempts exhausted")
			if c.OnClose != nil {
				c.OnClose(errors.New("transport: reconnect attempts exhausted"))
			}
			return
		}
		log.Info().Dur("in", c.cfg.ReconnectInterval).Msg("transport: reconnect scheduled")
		select {
		case <-c.stopCh:
			return
		case <-time.After(c.cfg.ReconnectInterval):
		}
	}
}

// connectOnce dials, handshakes, and serves the connection until it drops.
// A nil return means the connection was open and later lost; a non-nil
// return means the connect itself failed.
func (c *Client) connectOnce() error {
	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))
	conn, err := net.DialTimeout("tcp", addr, c.cfg.DialTimeout)
	if err != nil {
		return errors.Wrapf(err, "dial %s", addr)
	}

	key := wire.NewClientKey()
	var extra map[string]string
	if c.cfg.Token != "" {
		extra = map[string]string{"Authorization": "Bearer " + c.cfg.Token}
	}
	_ = conn.SetDeadline(time.Now().Add(c.cfg.DialTimeout))
	if _, err := conn.Write([]byte(wire.ClientHandshake(addr, c.cfg.Path, key, extra))); err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "send handshake")
	}
	reader := bufio.NewReader(conn)
	if err := wire.ReadHandshakeResponse(reader, key); err != nil {
		_ = conn.Close()
		return err
	}
	_ = conn.SetDeadline(time.Time{})

	c.mu.Lock()
	c.conn = conn
	c.state = StateOpen
	c.lastAlive = time.Now()
	c.mu.Unlock()

	log.Info().Str("addr", addr).Str("path", c.cfg.Path).Msg("transport: connected")
	if c.OnOpen != nil {
		c.OnOpen()
	}

	stopHeartbeat := make(chan struct{})
	go c.heartbeatLoop(conn, stopHeartbeat)

	serveErr := c.readLoop(reader)
	close(stopHeartbeat)

	c.mu.Lock()
	c.state = StateClosing
	c.conn = nil
	c.mu.Unlock()
	_ = conn.Close()

	log.Warn().Err(serveErr).Msg("transport: connection lost")
	if c.OnClose != nil {
		c.OnClose(serveErr)
	}
	return nil
}

func (c *Client) readLoop(reader *bufio.Reader) error {
	var buf []byte
	chunk := make([]byte, 32*1024)
	for {
		n, err := reader.Read(chunk)
		if err != nil {
			return errors.Wrap(err, "transport: read")
		}
		buf = append(buf, chunk[:n]...)

		for {
			op, payload, consumed, err := wire.Decode(buf)
			if err != nil {
				return err
			}
			if consumed == 0 {
				break
			}
			buf = buf[consumed:]

			c.mu.Lock()
			c.lastAlive = time.Now()
			c.mu.Unlock()

			switch op {
			case wire.OpText, wire.OpBinary:
				if c.OnMessage != nil {
					c.OnMessage(string(payload))
				}
			case wire.OpPing:
				// answered inline so the gateway never waits on dispatch
				if err := c.writeFrame(wire.OpPong, payload); err != nil {
					return err
				}
			case wire.OpPong:
				// lastAlive already updated
			case wire.OpClose:
				return errors.New("transport: close frame received")
			}
		}
	}
}

func (c *Client) heartbeatLoop(conn net.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			silent := time.Since(c.lastAlive)
			c.mu.Unlock()

			if silent > 2*c.cfg.HeartbeatInterval {
				log.Warn().Dur("silent", silent).Msg("transport: heartbeat missed, forcing reconnect")
				_ = conn.Close()
				return
			}
			if err := c.writeFrame(wire.OpPing, []byte("hb")); err != nil {
				log.Warn().Err(err).Msg("transport: ping failed")
				_ = conn.Close()
				return
			}
		}
	}
}
