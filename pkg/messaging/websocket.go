package messaging

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/informalsystems/tm-bench/internal/logging"
	"github.com/informalsystems/tm-bench/pkg/bench"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultWSWriteTimeout  = 10 * time.Second
	defaultWSPongWait      = 30 * time.Second
	defaultWSPingPeriod    = (defaultWSPongWait * 9) / 10
	serverShutdownTimeout  = 5 * time.Second
	connectRetryInterval   = time.Second
	defaultConnectTimeout  = 3 * time.Minute
	websocketMessageMaxLen = maxLineSize
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// wsConn serializes writes to a websocket connection and keeps it alive with
// pings. Reads happen in a single goroutine owned by the messenger.
type wsConn struct {
	conn *websocket.Conn
	wmtx sync.Mutex
	stop chan struct{}
	once sync.Once
}

func newWSConn(conn *websocket.Conn) *wsConn {
	c := &wsConn{conn: conn, stop: make(chan struct{})}
	conn.SetReadLimit(websocketMessageMaxLen)
	_ = conn.SetReadDeadline(time.Now().Add(defaultWSPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(defaultWSPongWait))
	})
	go c.pingLoop()
	return c
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(defaultWSPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.wmtx.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(defaultWSWriteTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.wmtx.Unlock()
			if err != nil {
				return
			}
		case <-c.stop:
			return
		}
	}
}

func (c *wsConn) write(data []byte) error {
	c.wmtx.Lock()
	defer c.wmtx.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(defaultWSWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) read() ([]byte, error) {
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if mt != websocket.TextMessage {
		return nil, fmt.Errorf("expected text message (%d), but got message type %d", websocket.TextMessage, mt)
	}
	return data, nil
}

// close tries to shut the connection down cleanly.
func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.stop)
		c.wmtx.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(defaultWSWriteTimeout))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.wmtx.Unlock()
		_ = c.conn.Close()
	})
}

func authenticate(req *http.Request, username, passwordHash string) error {
	u, p, ok := req.BasicAuth()
	if !ok {
		return fmt.Errorf("missing username and/or password in request")
	}
	if u != username {
		return fmt.Errorf("invalid username and/or password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(p)); err != nil {
		return fmt.Errorf("invalid username and/or password")
	}
	return nil
}

// WebSocketServer is the manager side of the websocket transport. Workers
// connect to it; it also serves the Prometheus metrics of the manager.
type WebSocketServer struct {
	*endpoint
	cfg bench.CommConfig

	svr        *http.Server
	listener   net.Listener
	svrStopped chan struct{}

	mtx    sync.Mutex
	conns  map[*wsConn]struct{}
	routes map[string]*wsConn
}

var _ Messenger = (*WebSocketServer)(nil)

func NewWebSocketServer(cfg bench.CommConfig, logger logging.Logger) *WebSocketServer {
	s := &WebSocketServer{
		endpoint:   newEndpoint(RecipientOrchestrator, logger),
		cfg:        cfg,
		svrStopped: make(chan struct{}),
		conns:      make(map[*wsConn]struct{}),
		routes:     make(map[string]*wsConn),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)
	mux.Handle("/metrics", promhttp.Handler())
	s.svr = &http.Server{Handler: mux}
	return s
}

// Initialize binds the configured address and starts serving in the
// background.
func (s *WebSocketServer) Initialize(_ context.Context) error {
	l, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return bench.NewError(bench.ErrWorkerCommunication, err, "failed to bind "+s.cfg.Address)
	}
	s.listener = l
	s.start()
	go func() {
		defer close(s.svrStopped)
		s.logger.Info("Starting WebSockets server", "addr", l.Addr().String())
		if err := s.svr.Serve(l); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server shut down", "err", err)
			return
		}
		s.logger.Info("Server shut down")
	}()
	return nil
}

// Addr returns the address the server is listening on.
func (s *WebSocketServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *WebSocketServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if len(s.cfg.PasswordHash) > 0 {
		if err := authenticate(r, s.cfg.Username, s.cfg.PasswordHash); err != nil {
			s.logger.Info("Failed authentication attempt", "remote", r.RemoteAddr)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Error while attempting to upgrade incoming WebSockets connection", "err", err)
		return
	}
	c := newWSConn(conn)
	s.mtx.Lock()
	s.conns[c] = struct{}{}
	s.mtx.Unlock()
	reason := "worker closed the connection"
	defer func() {
		var lost []string
		s.mtx.Lock()
		delete(s.conns, c)
		for id, rc := range s.routes {
			if rc == c {
				lost = append(lost, id)
				delete(s.routes, id)
			}
		}
		s.mtx.Unlock()
		c.close()
		for _, id := range lost {
			s.deliverFrom(id, Disconnected{Reason: reason})
		}
	}()

	s.logger.Debug("Received incoming WebSockets connection", "remote", r.RemoteAddr)
	for {
		data, err := c.read()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Error("Failed to read from worker connection", "remote", r.RemoteAddr, "err", err)
				reason = fmt.Sprintf("failed to read from worker connection: %v", err)
			}
			return
		}
		env := s.deliver(data)
		if env == nil || len(env.From) == 0 {
			continue
		}
		s.mtx.Lock()
		s.routes[env.From] = c
		s.mtx.Unlock()
	}
}

func (s *WebSocketServer) targets(to []string) []*wsConn {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	seen := make(map[*wsConn]bool)
	var res []*wsConn
	for _, r := range to {
		if c, ok := s.routes[r]; ok && r != RecipientAll {
			if !seen[c] {
				seen[c] = true
				res = append(res, c)
			}
			continue
		}
		for c := range s.conns {
			if !seen[c] {
				seen[c] = true
				res = append(res, c)
			}
		}
	}
	return res
}

func (s *WebSocketServer) Send(to []string, p Payload) error {
	data, err := s.envelope(to, p)
	if err != nil {
		return err
	}
	var firstErr error
	for _, c := range s.targets(to) {
		if err := c.write(data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return bench.NewError(bench.ErrWorkerCommunication, firstErr)
	}
	return nil
}

// Dispose closes all worker connections and shuts the server down.
func (s *WebSocketServer) Dispose() error {
	s.shutdown()
	s.mtx.Lock()
	for c := range s.conns {
		c.close()
	}
	s.mtx.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()
	err := s.svr.Shutdown(ctx)
	if s.listener != nil {
		select {
		case <-s.svrStopped:
		case <-ctx.Done():
			s.logger.Error("Failed to shut down within the required time period")
		}
	}
	return err
}

// WebSocketClient is the worker side of the websocket transport.
type WebSocketClient struct {
	*endpoint
	cfg            bench.CommConfig
	connectTimeout time.Duration
	conn           *wsConn
}

var _ Messenger = (*WebSocketClient)(nil)

func NewWebSocketClient(id string, cfg bench.CommConfig, connectTimeout time.Duration, logger logging.Logger) *WebSocketClient {
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	return &WebSocketClient{
		endpoint:       newEndpoint(id, logger),
		cfg:            cfg,
		connectTimeout: connectTimeout,
	}
}

// Initialize keeps trying to connect to the manager until the connect timeout
// expires.
func (c *WebSocketClient) Initialize(ctx context.Context) error {
	header := http.Header{}
	if len(c.cfg.Username) > 0 {
		creds := base64.StdEncoding.EncodeToString([]byte(c.cfg.Username + ":" + c.cfg.Password))
		header.Set("Authorization", "Basic "+creds)
	}
	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()
	var lastErr error
	for {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.Address, header)
		if err == nil {
			c.conn = newWSConn(conn)
			break
		}
		lastErr = err
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return bench.NewError(bench.ErrWorkerCommunication, err, "manager rejected our credentials")
		}
		c.logger.Debug("Failed to connect to manager - retrying", "addr", c.cfg.Address, "err", err)
		select {
		case <-ctx.Done():
			return bench.NewError(bench.ErrWorkerCommunication, lastErr, "timed out connecting to "+c.cfg.Address)
		case <-time.After(connectRetryInterval):
		}
	}
	c.logger.Info("Connected to manager", "addr", c.cfg.Address)
	c.start()
	go c.readLoop()
	return nil
}

func (c *WebSocketClient) readLoop() {
	for {
		data, err := c.conn.read()
		if err != nil {
			reason := "manager closed the connection"
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = fmt.Sprintf("failed reading from manager: %v", err)
			}
			c.deliverLocal(Exit{Reason: reason})
			return
		}
		c.deliver(data)
	}
}

func (c *WebSocketClient) Send(to []string, p Payload) error {
	if c.conn == nil {
		return bench.Errorf(bench.ErrWorkerCommunication, "not connected")
	}
	data, err := c.envelope(to, p)
	if err != nil {
		return err
	}
	if err := c.conn.write(data); err != nil {
		return bench.NewError(bench.ErrWorkerCommunication, err)
	}
	return nil
}

func (c *WebSocketClient) Dispose() error {
	c.shutdown()
	if c.conn != nil {
		c.conn.close()
	}
	return nil
}
