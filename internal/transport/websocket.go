package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/calyptra/driftsync/internal/syncerrors"
)

const (
	// SyncPath is the HTTP path sync sessions attach to.
	SyncPath = "/sync"

	writeTimeout = 30 * time.Second
	pingInterval = 20 * time.Second
)

// wsChannel adapts a websocket connection to the Channel interface. A
// dedicated reader goroutine pumps inbound frames into a channel so
// Receive can honor context cancellation; websocket connections allow
// only one concurrent reader.
type wsChannel struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	recvCh chan Envelope
	errCh  chan error

	closeOnce sync.Once
	done      chan struct{}
}

func newWSChannel(conn *websocket.Conn, logger *zap.Logger) *wsChannel {
	ch := &wsChannel{
		conn:   conn,
		logger: logger,
		recvCh: make(chan Envelope, 16),
		errCh:  make(chan error, 1),
		done:   make(chan struct{}),
	}
	go ch.readLoop()
	go ch.pingLoop()
	return ch
}

func (c *wsChannel) readLoop() {
	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			select {
			case c.errCh <- err:
			default:
			}
			close(c.recvCh)
			return
		}
		select {
		case c.recvCh <- env:
		case <-c.done:
			return
		}
	}
}

func (c *wsChannel) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsChannel) Send(ctx context.Context, env Envelope) error {
	select {
	case <-c.done:
		return syncerrors.SessionClosed("channel closed")
	case <-ctx.Done():
		return syncerrors.TransportFailure("send cancelled", ctx.Err())
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)

	if err := c.conn.WriteJSON(env); err != nil {
		return syncerrors.TransportFailure("failed to send "+env.Type+" message", err)
	}
	return nil
}

func (c *wsChannel) Receive(ctx context.Context) (Envelope, error) {
	select {
	case env, ok := <-c.recvCh:
		if !ok {
			return Envelope{}, c.readError()
		}
		return env, nil
	case <-c.done:
		return Envelope{}, syncerrors.SessionClosed("channel closed")
	case <-ctx.Done():
		return Envelope{}, syncerrors.TransportFailure("receive cancelled", ctx.Err())
	}
}

func (c *wsChannel) readError() error {
	select {
	case err := <-c.errCh:
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return syncerrors.SessionClosed("peer closed the connection")
		}
		return syncerrors.TransportFailure("connection read failed", err)
	default:
		return syncerrors.SessionClosed("channel closed")
	}
}

func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// Dial opens a sync channel to a peer at host:port.
func Dial(ctx context.Context, addr string, logger *zap.Logger) (Channel, error) {
	url := fmt.Sprintf("ws://%s%s", addr, SyncPath)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, syncerrors.Unavailable("failed to connect to peer "+addr, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	return newWSChannel(conn, logger), nil
}

// Server accepts inbound sync connections and hands each one to the
// session layer as a Channel.
type Server struct {
	addr     string
	handler  func(Channel)
	logger   *zap.Logger
	upgrader websocket.Upgrader

	httpServer *http.Server
}

// NewServer creates a sync transport server listening on addr. handler
// is invoked on its own goroutine per accepted connection and owns the
// channel's lifetime.
func NewServer(addr string, handshakeTimeout time.Duration, handler func(Channel), logger *zap.Logger) *Server {
	return &Server{
		addr:    addr,
		handler: handler,
		logger:  logger,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  64 * 1024,
		},
	}
}

// Start begins accepting connections. It returns once the listener is
// bound; serving continues in the background until Shutdown.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(SyncPath, s.handleSync)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return syncerrors.Unavailable("failed to bind sync listener on "+s.addr, err)
	}

	s.httpServer = &http.Server{Handler: mux}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Sync server stopped unexpectedly", zap.Error(err))
		}
	}()

	s.logger.Info("Sync server listening", zap.String("address", s.addr))
	return nil
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Connection upgrade failed",
			zap.String("remote", r.RemoteAddr),
			zap.Error(err))
		return
	}
	s.logger.Debug("Inbound connection accepted", zap.String("remote", r.RemoteAddr))
	go s.handler(newWSChannel(conn, s.logger))
}

// Shutdown stops accepting connections and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
