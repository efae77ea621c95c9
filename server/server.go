// Package server hosts turn-based games and keeps every client's replica in
// sync with the authoritative state it owns. One Server serves one game
// type; each hosted game lives in its own session with its own revision
// stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/mousefox/mousefox/feed"
	"github.com/mousefox/mousefox/game"
	"github.com/mousefox/mousefox/transport"
	"github.com/mousefox/mousefox/wire"
)

// Version is reported in welcome and status responses.
const Version = "0.1.0"

// handshakeTimeout bounds how long a fresh connection may sit silent before
// its hello arrives.
const handshakeTimeout = 10 * time.Second

// Server hosts one game type behind any number of connections.
type Server struct {
	policy   Policy
	rules    game.Rules
	clock    clockwork.Clock
	logger   zerolog.Logger
	topts    transport.Options
	pub      feed.Publisher
	registry *registry
	instance string
	started  time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	peers map[string]*member
	shut  bool

	done chan struct{}
}

// Option tweaks a Server.
type Option func(*Server)

// WithLogger routes server logs through l.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithClock injects the clock used for uptime and idle expiry.
func WithClock(c clockwork.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithFeed publishes lifecycle events to pub.
func WithFeed(pub feed.Publisher) Option {
	return func(s *Server) { s.pub = pub }
}

// WithTransportOptions tunes accepted connections.
func WithTransportOptions(o transport.Options) Option {
	return func(s *Server) { s.topts = o }
}

// New builds a server from a policy and the rules of the game it hosts. The
// idle reaper starts immediately; Shutdown stops it.
func New(policy Policy, rules game.Rules, opts ...Option) *Server {
	if policy.Scope == "" {
		policy.Scope = ScopeLocal
	}
	s := &Server{
		policy:   policy,
		rules:    rules,
		clock:    clockwork.NewRealClock(),
		instance: uuid.New().String()[:8],
		peers:    make(map[string]*member),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("instance", s.instance).Logger()
	s.started = s.clock.Now()
	s.registry = newRegistry(policy, rules, s.clock, s.logger, s.pub)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	go s.registry.runReaper(s.ctx)

	s.logger.Info().
		Str("scope", string(policy.Scope)).
		Int("max_sessions", policy.MaxSessions).
		Msg("server ready")
	return s
}

// Handler returns the HTTP handler that upgrades requests into game
// connections.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := transport.Accept(w, r, s.topts)
		if err != nil {
			s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
			return
		}
		go func() {
			if err := s.ServeConn(s.ctx, conn); err != nil {
				s.logger.Debug().Err(err).Msg("connection ended")
			}
		}()
	})
}

// ServeConn runs the hello handshake and then the request loop for one
// connection. It blocks until the connection closes and always closes conn
// before returning.
func (s *Server) ServeConn(ctx context.Context, conn transport.Conn) error {
	defer conn.Close()

	m, err := s.handshake(ctx, conn)
	if err != nil {
		return err
	}
	logger := s.logger.With().Str("username", m.username).Str("remote", conn.RemoteAddr()).Logger()
	logger.Info().Bool("admin", m.admin).Msg("client connected")

	defer func() {
		s.dropPeer(m)
		logger.Info().Msg("client disconnected")
	}()

	for {
		f, err := conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		s.dispatch(ctx, m, f)
	}
}

func (s *Server) handshake(ctx context.Context, conn transport.Conn) (*member, error) {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	f, err := conn.Receive(hctx)
	if err != nil {
		return nil, fmt.Errorf("await hello: %w", err)
	}
	if f.Type != wire.FrameRequest || f.Verb != wire.VerbHello {
		err := fmt.Errorf("%w: expected hello, got %q", wire.ErrBadRequest, f.Verb)
		s.respond(ctx, conn, f.Seq, err, nil)
		return nil, err
	}
	var hello wire.HelloData
	if err := f.Decode(&hello); err != nil {
		s.respond(ctx, conn, f.Seq, err, nil)
		return nil, err
	}
	if hello.Protocol != wire.Protocol {
		err := fmt.Errorf("%w: protocol %d not supported", wire.ErrBadRequest, hello.Protocol)
		s.respond(ctx, conn, f.Seq, err, nil)
		return nil, err
	}
	if hello.Username == "" {
		err := fmt.Errorf("%w: username required", wire.ErrBadRequest)
		s.respond(ctx, conn, f.Seq, err, nil)
		return nil, err
	}
	admin := false
	if hello.Admin {
		if s.policy.AdminPassword == "" || hello.Password != s.policy.AdminPassword {
			err := fmt.Errorf("hello %q: %w: bad admin password", hello.Username, wire.ErrPermissionDenied)
			s.respond(ctx, conn, f.Seq, err, nil)
			return nil, err
		}
		admin = true
	}

	m := newMember(hello.Username, admin, conn)
	s.mu.Lock()
	if s.shut {
		s.mu.Unlock()
		err := fmt.Errorf("%w: server shutting down", wire.ErrServerFull)
		s.respond(ctx, conn, f.Seq, err, nil)
		return nil, err
	}
	if _, taken := s.peers[hello.Username]; taken {
		s.mu.Unlock()
		err := fmt.Errorf("hello %q: %w: username connected elsewhere", hello.Username, wire.ErrNameConflict)
		s.respond(ctx, conn, f.Seq, err, nil)
		return nil, err
	}
	s.peers[hello.Username] = m
	s.mu.Unlock()

	s.respond(ctx, conn, f.Seq, nil, wire.WelcomeData{
		ClientID: m.id.String(),
		Admin:    admin,
		Instance: s.instance,
		Version:  Version,
	})
	return m, nil
}

func (s *Server) dispatch(ctx context.Context, m *member, f wire.Frame) {
	if f.Type != wire.FrameRequest {
		s.logger.Debug().Str("type", string(f.Type)).Msg("ignoring non-request frame")
		return
	}

	var (
		payload any
		err     error
	)
	switch f.Verb {
	case wire.VerbHello:
		err = fmt.Errorf("%w: already said hello", wire.ErrBadRequest)

	case wire.VerbGames:
		payload = s.registry.directory()

	case wire.VerbCreate:
		var req wire.CreateData
		if err = f.Decode(&req); err == nil {
			payload, err = s.registry.create(m, req)
		}

	case wire.VerbJoin:
		var req wire.JoinData
		if err = f.Decode(&req); err == nil {
			payload, err = s.registry.join(m, req)
		}

	case wire.VerbLeave:
		s.registry.leave(m)

	case wire.VerbMove:
		var req wire.MoveData
		if err = f.Decode(&req); err == nil {
			payload, err = s.move(m, req)
		}

	case wire.VerbSnapshot:
		if sess := m.session.Load(); sess != nil {
			payload = sess.snapshot()
		} else {
			err = fmt.Errorf("snapshot: %w: not in a game", wire.ErrBadRequest)
		}

	case wire.VerbClose:
		var req wire.CloseData
		if err = f.Decode(&req); err == nil {
			if !m.admin {
				err = fmt.Errorf("close %q: %w: admin only", req.Name, wire.ErrPermissionDenied)
			} else {
				err = s.registry.close(req.Name, "closed by admin")
			}
		}

	case wire.VerbStatus:
		if !m.admin {
			err = fmt.Errorf("status: %w: admin only", wire.ErrPermissionDenied)
		} else {
			payload = s.status()
		}

	case wire.VerbShutdown:
		if !m.admin {
			err = fmt.Errorf("shutdown: %w: admin only", wire.ErrPermissionDenied)
		} else {
			s.respond(ctx, m.conn, f.Seq, nil, nil)
			s.logger.Info().Str("username", m.username).Msg("shutdown requested")
			go s.Shutdown("server shut down by admin")
			return
		}

	default:
		err = fmt.Errorf("%w: unknown verb %q", wire.ErrBadRequest, f.Verb)
	}

	s.respond(ctx, m.conn, f.Seq, err, payload)
}

func (s *Server) move(m *member, req wire.MoveData) (wire.AckData, error) {
	sess := m.session.Load()
	if sess == nil {
		return wire.AckData{}, fmt.Errorf("move: %w: not in a game", wire.ErrBadRequest)
	}
	rev, err := sess.apply(m.username, req.Data)
	if err != nil {
		return wire.AckData{}, err
	}
	return wire.AckData{Revision: rev}, nil
}

func (s *Server) status() wire.StatusData {
	s.mu.Lock()
	clients := len(s.peers)
	s.mu.Unlock()
	return wire.StatusData{
		Instance:      s.instance,
		Version:       Version,
		UptimeSeconds: int64(s.clock.Since(s.started).Seconds()),
		Sessions:      s.registry.count(),
		Clients:       clients,
		MaxSessions:   s.policy.MaxSessions,
	}
}

func (s *Server) respond(ctx context.Context, conn transport.Conn, seq uint64, err error, payload any) {
	code := wire.CodeOf(err)
	message := ""
	if err != nil {
		message = err.Error()
		payload = nil
	}
	f, ferr := wire.NewResponse(seq, code, message, payload)
	if ferr != nil {
		s.logger.Error().Err(ferr).Msg("encode response")
		f, _ = wire.NewResponse(seq, wire.CodeInternal, "internal server error", nil)
	}
	if serr := conn.Send(ctx, f); serr != nil {
		s.logger.Debug().Err(serr).Msg("response not delivered")
	}
}

func (s *Server) dropPeer(m *member) {
	s.registry.leave(m)
	s.mu.Lock()
	if s.peers[m.username] == m {
		delete(s.peers, m.username)
	}
	s.mu.Unlock()
}

// Shutdown evicts every game, drops every connection and stops the reaper.
// It is idempotent; Done is closed once everything is torn down.
func (s *Server) Shutdown(reason string) {
	s.mu.Lock()
	if s.shut {
		s.mu.Unlock()
		return
	}
	s.shut = true
	peers := make([]*member, 0, len(s.peers))
	for _, m := range s.peers {
		peers = append(peers, m)
	}
	s.mu.Unlock()

	s.logger.Info().Str("reason", reason).Msg("server stopping")
	s.registry.closeAll(reason)
	for _, m := range peers {
		m.conn.Close()
	}
	s.cancel()

	if s.pub != nil {
		evt := feed.Event{Type: feed.ServerStopped, At: s.clock.Now()}
		if err := s.pub.Publish(context.Background(), evt); err != nil {
			s.logger.Warn().Err(err).Msg("feed publish failed")
		}
	}
	close(s.done)
}

// Done is closed once the server has shut down.
func (s *Server) Done() <-chan struct{} {
	return s.done
}
