package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/clawd-io/clawd/internal/accounts"
	"github.com/clawd-io/clawd/internal/authtoken"
	"github.com/clawd-io/clawd/internal/bus"
	"github.com/clawd-io/clawd/internal/config"
	"github.com/clawd-io/clawd/internal/ipcerr"
	"github.com/clawd-io/clawd/internal/sessions"
	"github.com/clawd-io/clawd/internal/store"
	"github.com/clawd-io/clawd/internal/tasks"
	"github.com/clawd-io/clawd/internal/tracing"
	"github.com/clawd-io/clawd/internal/worktree"
	"github.com/clawd-io/clawd/pkg/protocol"
)

// Version is reported by daemon.status; overridden at build time via -ldflags.
var Version = "0.1.0-dev"

// Server is the single process-wide IPC endpoint (spec.md §4.1): one
// net.Listener serving both a WebSocket RPC/event stream and a pair of
// plain-HTTP health/metrics endpoints, split by peeking the first bytes of
// each accepted connection. Grounded in original_source/apps/daemon/src/
// ipc/mod.rs's run()/handle_connection.
type Server struct {
	cfg      *config.Config
	log      *slog.Logger
	eventPub bus.EventPublisher

	sessions  *sessions.Manager
	taskSvc   *tasks.Service
	worktrees *worktree.Manager
	store     *store.Store

	accountPool *accounts.Pool
	auth        *authtoken.Watcher
	connLimiter *ConnectionRateLimiter

	tracer trace.Tracer

	router *MethodRouter

	upgrader websocket.Upgrader
	clients  map[string]*Client
	mu       sync.RWMutex

	ln         net.Listener
	httpServer *http.Server

	startTime time.Time
}

// NewServer wires every component manager into a gateway ready to Serve.
func NewServer(
	cfg *config.Config,
	log *slog.Logger,
	eventPub bus.EventPublisher,
	db *store.Store,
	sessionMgr *sessions.Manager,
	taskSvc *tasks.Service,
	worktrees *worktree.Manager,
	accountPool *accounts.Pool,
	auth *authtoken.Watcher,
	tracer trace.Tracer,
) *Server {
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("noop")
	}
	s := &Server{
		cfg:         cfg,
		log:         log,
		eventPub:    eventPub,
		store:       db,
		sessions:    sessionMgr,
		taskSvc:     taskSvc,
		worktrees:   worktrees,
		accountPool: accountPool,
		auth:        auth,
		connLimiter: NewConnectionRateLimiter(cfg.Gateway.PerIPConnRatePerMinute),
		tracer:      tracer,
		clients:     make(map[string]*Client),
		startTime:   time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = NewMethodRouter(s)
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	s.log.Warn("rejected connection for disallowed origin", "origin", origin)
	return false
}

// Serve accepts connections on ln until ctx is cancelled, splitting each one
// between the WebSocket upgrade path and the plain-HTTP health/metrics
// handler by peeking its first bytes — a single port serves both, matching
// the original daemon's handle_connection.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.ln = ln
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/ws", s.handleWebSocket)
	s.httpServer = &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn peeks the first 13 bytes ("GET /ws HTTP/" is 13 chars) to tell
// an HTTP request from a raw byte stream; anything else is rejected.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	remoteIP := remoteAddrIP(conn.RemoteAddr())
	if !s.connLimiter.Allow(remoteIP) {
		s.log.Warn("connection rate limit exceeded", "ip", remoteIP)
		conn.Close()
		return
	}

	br := bufio.NewReader(conn)
	peek, err := br.Peek(13)
	if err != nil && len(peek) == 0 {
		conn.Close()
		return
	}
	if !strings.HasPrefix(string(peek), "GET ") {
		conn.Close()
		return
	}

	bridged := &bufReadConn{Conn: conn, r: br}
	s.httpServer.Serve(&singleConnListener{conn: bridged})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active := 0
	if sessionsList, err := s.sessions.List(r.Context()); err == nil {
		active = len(sessionsList)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d,"version":%q,"uptime":%d,"activeSessions":%d,"port":%d}`,
		protocol.ProtocolVersion, Version, int(time.Since(s.startTime).Seconds()), active, s.cfg.Gateway.Port)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	n := len(s.clients)
	s.mu.RUnlock()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "clawd_connected_clients %d\n", n)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}

	ip := remoteAddrIP(conn.RemoteAddr())
	c := NewClient(conn, s, ip)

	if !s.authenticateClient(conn, c) {
		conn.Close()
		return
	}
	c.rpcLimiter = NewRpcRateLimiter(s.cfg.Gateway.PerConnRPCRatePerMinute, ip.IsLoopback())

	s.registerClient(c)
	defer func() {
		s.unregisterClient(c)
		c.Close()
	}()

	c.Run(r.Context())
}

// authenticateClient enforces that the first frame is a daemon.auth call
// bearing a valid bearer token, with a timeout matching AuthTimeoutSec.
func (s *Server) authenticateClient(conn *websocket.Conn, c *Client) bool {
	if !s.auth.Enabled() {
		c.authenticated = true
		return true
	}
	timeout := time.Duration(s.cfg.Gateway.AuthTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return false
	}
	var req protocol.Request
	if err := json.Unmarshal(data, &req); err != nil || req.Method != protocol.MethodDaemonAuth {
		return false
	}
	var params struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(req.Params, &params)
	if !s.auth.Valid(params.Token) {
		resp := protocol.NewError(req.ID, protocol.CodeUnauthorized, "invalid auth token")
		b, _ := json.Marshal(resp)
		conn.WriteMessage(websocket.TextMessage, b)
		return false
	}
	c.authenticated = true
	c.token = params.Token
	resp := protocol.NewResult(req.ID, map[string]interface{}{"authenticated": true})
	b, _ := json.Marshal(resp)
	conn.WriteMessage(websocket.TextMessage, b)
	return true
}

// dispatch decodes one RPC request frame, routes it, and returns the
// marshaled response frame. A frame that doesn't parse gets a parse-error
// response with a null id, since there is no id to respond against.
func (s *Server) dispatch(ctx context.Context, c *Client, data []byte) []byte {
	var req protocol.Request
	if err := json.Unmarshal(data, &req); err != nil {
		resp := protocol.NewError(nil, protocol.CodeParseError, "parse error")
		b, _ := json.Marshal(resp)
		return b
	}

	if req.JSONRPC != "2.0" {
		return marshalResp(protocol.NewError(req.ID, protocol.CodeInvalidRequest, "invalid request: jsonrpc must be \"2.0\""))
	}
	if !c.authenticated {
		return marshalResp(protocol.NewError(req.ID, protocol.CodeUnauthorized, "not authenticated"))
	}
	// Re-validate on every frame, not just at the initial handshake, so
	// rotating the auth token invalidates in-flight connections on their
	// next call (§4.1).
	if !s.auth.Valid(c.token) {
		return marshalResp(protocol.NewError(req.ID, protocol.CodeUnauthorized, "token no longer valid"))
	}
	if c.rpcLimiter != nil && !c.rpcLimiter.Allow() {
		return marshalResp(protocol.NewError(req.ID, protocol.CodeRateLimit, "rpc rate limit exceeded"))
	}

	handler, ok := s.router.Lookup(req.Method)
	if !ok {
		return marshalResp(protocol.NewError(req.ID, protocol.CodeMethodNotFound, "method not found: "+req.Method))
	}

	ctx, span := s.tracer.Start(ctx, req.Method, trace.WithAttributes(tracing.MethodAttribute(req.Method)))
	defer span.End()

	result, err := handler(ctx, req.Params)
	if err != nil {
		code, msg := ipcerr.Classify(err)
		span.SetStatus(codes.Error, msg)
		return marshalResp(protocol.NewError(req.ID, code, ipcerr.SanitizeMessage(msg)))
	}
	return marshalResp(protocol.NewResult(req.ID, result))
}

func marshalResp(resp *protocol.Response) []byte {
	b, err := json.Marshal(resp)
	if err != nil {
		return nil
	}
	return b
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c

	s.eventPub.Subscribe(c.id, func(event bus.Event) {
		c.SendEvent(*protocol.NewEvent(event.Name, event.Payload))
	})
	s.log.Info("client connected", "id", c.id, "ip", c.ip)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	s.eventPub.Unsubscribe(c.id)
	s.log.Info("client disconnected", "id", c.id)
}

func remoteAddrIP(addr net.Addr) net.IP {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

// bufReadConn lets net/http read through a bufio.Reader that already peeked
// bytes off the raw connection, so those bytes aren't lost.
type bufReadConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufReadConn) Read(p []byte) (int, error) { return b.r.Read(p) }

// singleConnListener adapts one already-accepted net.Conn into a
// net.Listener of size one, so http.Server.Serve can drive it without its
// own listen socket.
type singleConnListener struct {
	conn net.Conn
	used bool
	mu   sync.Mutex
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.used {
		return nil, fmt.Errorf("connection already consumed")
	}
	l.used = true
	return l.conn, nil
}

func (l *singleConnListener) Close() error   { return nil }
func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }
