// Package tcpserv implements the TLS notification push channel. A client
// sends one authentication line (group, password, requested type list); the
// server answers success=true or success=false and then streams one encoded
// notification line per queued envelope until the connection closes.
package tcpserv

import (
	"bufio"
	"crypto/tls"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/wrangler-bot/wrangler/auth"
	"github.com/wrangler-bot/wrangler/config"
	"github.com/wrangler-bot/wrangler/delivery"
	"github.com/wrangler-bot/wrangler/notify"
	"github.com/wrangler-bot/wrangler/util/logger"
	"github.com/wrangler-bot/wrangler/wire"
)

const authDeadline = 30 * time.Second

// Server accepts TLS subscriber connections and wires each authenticated
// session into the notification store and the TCP delivery path.
type Server struct {
	cfg     *config.Store
	auth    *auth.Authenticator
	store   *notify.Store
	sinks   *delivery.SinkRegistry
	bufSize int
	log     *logger.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a server. bufSize bounds each session's outbound
// buffer; lines past the bound are dropped rather than blocking the drain
// worker.
func NewServer(cfg *config.Store, authenticator *auth.Authenticator,
	store *notify.Store, sinks *delivery.SinkRegistry, bufSize int) *Server {
	if bufSize <= 0 {
		bufSize = 1
	}
	return &Server{
		cfg:     cfg,
		auth:    authenticator,
		store:   store,
		sinks:   sinks,
		bufSize: bufSize,
		conns:   make(map[net.Conn]struct{}),
		log:     logger.NewLogger("TCPServ"),
	}
}

// Start binds the TLS listener and begins accepting connections.
func (s *Server) Start() error {
	tcpCfg := s.cfg.Snapshot().TCP
	cert, err := tls.LoadX509KeyPair(tcpCfg.CertFile, tcpCfg.KeyFile)
	if err != nil {
		return err
	}
	listener, err := tls.Listen("tcp", tcpCfg.ListenAddr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.log.Infof("listening on %s", tcpCfg.ListenAddr)

	s.wg.Add(1)
	go s.acceptLoop(listener)
	return nil
}

// Stop closes the listener and every live connection, then waits for the
// session goroutines to finish their teardown.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

// serveConn runs one connection's state machine: authenticate, register,
// stream, and unregister on any exit path.
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	endpoint := conn.RemoteAddr().String()
	reader := bufio.NewReader(conn)

	conn.SetReadDeadline(time.Now().Add(authDeadline))
	line, err := reader.ReadString('\n')
	if err != nil {
		s.log.Debugf("connection %s closed before authenticating: %v", endpoint, err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	group, mask, ok := s.authenticate(strings.TrimRight(line, "\r\n"))
	if !ok {
		conn.Write([]byte("success=false\n"))
		s.log.Infof("connection %s failed authentication", endpoint)
		return
	}
	if _, err := conn.Write([]byte("success=true\n")); err != nil {
		return
	}

	session := newSession(conn, s.bufSize)
	s.sinks.Register(endpoint, session)
	s.store.RegisterTCP(group.UUID, mask, endpoint)
	s.log.Infof("connection %s streaming %s notifications for group %s",
		endpoint, mask.Names(), group.Name)

	// The subscriber only listens from here on; the read unblocks on
	// disconnect and triggers teardown.
	for {
		if _, err := reader.ReadString('\n'); err != nil {
			break
		}
	}

	s.store.UnregisterTCP(endpoint)
	s.sinks.Unregister(endpoint)
	session.stop()
	s.log.Infof("connection %s closed", endpoint)
}

// authenticate validates the auth line and returns the group and the
// requested type mask.
func (s *Server) authenticate(line string) (*config.GroupConfig, notify.Type, bool) {
	msg, err := wire.Parse(line)
	if err != nil {
		return nil, 0, false
	}
	group := s.cfg.Snapshot().FindGroup(msg.Get(wire.KeyGroup))
	if group == nil || !s.auth.AuthenticateGroup(group, msg.Get(wire.KeyPassword)) {
		return nil, 0, false
	}
	mask, unknown := notify.ParseTypeList(msg.Get("type"))
	if mask == 0 || len(unknown) > 0 {
		return nil, 0, false
	}
	return group, mask, true
}

// session is the delivery sink for one connection: a bounded drop-newest
// buffer drained by a single writer goroutine.
type session struct {
	lines chan string
	done  chan struct{}
	once  sync.Once
}

var _ delivery.Sink = (*session)(nil)

func newSession(conn net.Conn, bufSize int) *session {
	sess := &session{
		lines: make(chan string, bufSize),
		done:  make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-sess.done:
				return
			case line := <-sess.lines:
				if _, err := conn.Write([]byte(line + "\n")); err != nil {
					return
				}
			}
		}
	}()
	return sess
}

// Push queues one line for the writer. It never blocks; a full buffer
// refuses the line.
func (s *session) Push(line string) bool {
	select {
	case s.lines <- line:
		return true
	default:
		return false
	}
}

func (s *session) stop() {
	s.once.Do(func() { close(s.done) })
}
