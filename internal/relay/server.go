// ABOUTME: HTTP and WebSocket front end of the relay: login, session sockets, health.
// ABOUTME: Run/Shutdown follow the listen, serve, wait for cancel, drain pattern.

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-a2a/internal/auth"
	"github.com/2389/coven-a2a/internal/envelope"
	"github.com/2389/coven-a2a/internal/store"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultHTTPAddr     = ":8740"
	DefaultTokenTTL     = time.Hour
	DefaultWriteTimeout = 10 * time.Second

	maxFrameSize    = 64 << 10
	maxLoginBody    = 4 << 10
	shutdownTimeout = 5 * time.Second
)

// Config configures a relay Server.
type Config struct {
	HTTPAddr     string
	JWTSecret    string
	TokenTTL     time.Duration
	MailboxSize  int
	WriteTimeout time.Duration
}

// LoginRequest is the body of POST /api/login.
type LoginRequest struct {
	Address  string `json:"address"`
	Password string `json:"password"`
}

// LoginResponse is returned by a successful login.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string         `json:"status"`
	Sessions []*SessionInfo `json:"sessions"`
}

// Server is the relay.
type Server struct {
	cfg        Config
	accounts   store.Accounts
	tokens     *auth.JWTVerifier
	manager    *Manager
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a relay Server backed by accounts.
func New(cfg Config, accounts store.Accounts, logger *slog.Logger) (*Server, error) {
	if accounts == nil {
		return nil, errors.New("accounts store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = DefaultMailboxSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	tokens, err := auth.NewJWTVerifier([]byte(cfg.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating token verifier: %w", err)
	}

	logger = logger.With("component", "relay")
	s := &Server{
		cfg:      cfg,
		accounts: accounts,
		tokens:   tokens,
		manager:  NewManager(accounts, cfg.MailboxSize, logger),
		logger:   logger,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Manager exposes the session manager.
func (s *Server) Manager() *Manager { return s.manager }

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.Handle("GET /ws", auth.HTTPAuthMiddleware(s.accounts, s.tokens)(http.HandlerFunc(s.handleWebSocket)))
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Run listens on the configured address and blocks until ctx is canceled or
// the server fails. Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("relay listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := s.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Shutdown closes every session and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down relay")
	s.manager.CloseAll(ReasonShutdown)
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLoginBody)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Address == "" || req.Password == "" {
		writeJSONError(w, http.StatusBadRequest, "address and password are required")
		return
	}

	if _, err := s.accounts.Authenticate(r.Context(), req.Address, req.Password); err != nil {
		if errors.Is(err, store.ErrInvalidCredentials) {
			s.logger.Warn("login rejected", "address", req.Address, "remote", r.RemoteAddr)
			writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.logger.Error("login failed", "address", req.Address, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	token, expiresAt, err := s.tokens.Generate(req.Address, s.cfg.TokenTTL)
	if err != nil {
		s.logger.Error("issuing token", "address", req.Address, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Debug("login accepted", "address", req.Address, "expires_at", expiresAt)
	writeJSON(w, http.StatusOK, LoginResponse{Token: token, ExpiresAt: expiresAt})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		Sessions: s.manager.ListSessions(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "address", identity.Address, "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxFrameSize)

	sess := NewSession(identity.Address, s.manager.MailboxSize())
	s.manager.Register(sess)
	defer s.manager.Unregister(sess)

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error { return s.readFrames(ctx, conn, sess) })
	g.Go(func() error { return s.writeFrames(ctx, conn, sess) })
	err = g.Wait()

	if sess.Reason() != ReasonNone {
		s.logger.Info("session ended by relay", "address", sess.Address, "session", sess.ID, "reason", sess.Reason())
		return
	}
	if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		s.logger.Debug("session closed by peer", "address", sess.Address, "session", sess.ID)
	} else if err != nil {
		s.logger.Warn("session ended", "address", sess.Address, "session", sess.ID, "error", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// readFrames routes every inbound frame until the socket fails. Malformed
// frames are logged and skipped.
func (s *Server) readFrames(ctx context.Context, conn *websocket.Conn, sess *Session) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			s.logger.Warn("ignoring binary frame", "address", sess.Address)
			continue
		}

		env, err := envelope.Unmarshal(data)
		if err != nil {
			s.logger.Warn("ignoring malformed frame", "address", sess.Address, "error", err)
			continue
		}
		env.From = envelope.Address(sess.Address)
		if env.ID == "" {
			env.ID = envelope.NewID()
		}

		if err := s.manager.Route(ctx, env); err != nil {
			s.logger.Warn("dropping envelope",
				"from", sess.Address,
				"to", env.To,
				"id", env.ID,
				"error", err,
			)
			continue
		}
		s.logger.Debug("routed envelope", "from", env.From, "to", env.To, "kind", env.Kind(), "id", env.ID)
	}
}

// writeFrames writes queued envelopes until the session is closed or the
// socket fails. An envelope whose write fails is put back in the mailbox.
func (s *Server) writeFrames(ctx context.Context, conn *websocket.Conn, sess *Session) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sess.Done():
			reason := sess.Reason()
			status := websocket.StatusGoingAway
			if reason == ReasonReplaced {
				status = websocket.StatusPolicyViolation
			}
			_ = conn.Close(status, reason.String())
			return errSessionClosed
		case env := <-sess.Outbound():
			wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := wsjson.Write(wctx, conn, env)
			cancel()
			if err != nil {
				s.manager.Requeue(sess.Address, env)
				return fmt.Errorf("writing envelope: %w", err)
			}
		}
	}
}

var errSessionClosed = errors.New("session closed by relay")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
