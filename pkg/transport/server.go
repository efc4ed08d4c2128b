package transport

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/lchbot/pkg/wire"
)

// Server accepts reverse-websocket connections from gateways that dial in.
// Frames to clients are unmasked; masked frames are expected inbound.
type Server struct {
	addr string

	// OnMessage receives each inbound text payload together with the
	// originating connection id.
	OnMessage func(connID int, payload string)
	OnConnect func(connID int)
	OnClose   func(connID int)

	mu      sync.Mutex
	ln      net.Listener
	conns   map[int]net.Conn
	nextID  int
	stopped bool

	wg sync.WaitGroup
}

// NewServer builds a server bound to addr ("host:port") when started.
func NewServer(addr string) *Server {
	return &Server{addr: addr, conns: map[int]net.Conn{}}
}

// Start begins accepting connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "transport: listen %s", s.addr)
	}
	s.mu.Lock()
	s.ln = ln
	s.stopped = false
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("transport: ws server listening")
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop closes the listener and every client connection.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	ln := s.ln
	conns := make([]net.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
}

// SendTo writes one unmasked text frame to a client.
func (s *Server) SendTo(connID int, payload string) error {
	s.mu.Lock()
	conn, ok := s.conns[connID]
	s.mu.Unlock()
	if !ok {
		return errors.Errorf("transport: no connection %d", connID)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write(wire.Encode(wire.OpText, []byte(payload), false)); err != nil {
		return errors.Wrap(err, "transport: server write")
	}
	return nil
}

// ConnCount reports the number of connected clients.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return
			}
			log.Warn().Err(err).Msg("transport: accept failed")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	reader := bufio.NewReader(conn)
	path, key, err := wire.ReadHandshakeRequest(reader)
	if err != nil {
		log.Warn().Err(err).Msg("transport: bad ws handshake")
		return
	}
	if _, err := conn.Write([]byte(wire.ServerHandshakeResponse(key))); err != nil {
		return
	}
	_ = conn.SetDeadline(time.Time{})

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.nextID++
	id := s.nextID
	s.conns[id] = conn
	s.mu.Unlock()

	log.Info().Int("conn", id).Str("path", path).Msg("transport: ws client connected")
	if s.OnConnect != nil {
		s.OnConnect(id)
	}

	err = s.readConn(id, conn, reader)
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()

	log.Info().Int("conn", id).Err(err).Msg("transport: ws client disconnected")
	if s.OnClose != nil {
		s.OnClose(id)
	}
}

func (s *Server) readConn(id int, conn net.Conn, reader *bufio.Reader) error {
	var buf []byte
	chunk := make([]byte, 32*1024)
	for {
		n, err := reader.Read(chunk)
		if err != nil {
			return errors.Wrap(err, "read")
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

			switch op {
			case wire.OpText, wire.OpBinary:
				if s.OnMessage != nil {
					s.OnMessage(id, string(payload))
				}
			case wire.OpPing:
				if _, err := conn.Write(wire.Encode(wire.OpPong, payload, false)); err != nil {
					return errors.Wrap(err, "pong")
				}
			case wire.OpClose:
				_, _ = conn.Write(wire.Encode(wire.OpClose, payload, false))
				return errors.New("close frame")
			}
		}
	}
}
