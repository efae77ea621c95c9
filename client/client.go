// Package client connects to a game server and keeps a verified local
// replica of the joined game's state. It correlates requests with responses,
// folds update pushes into the replica through the game rules, falls back to
// snapshot resyncs when the revision stream has a gap, and redials dropped
// connections with exponential backoff.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/mousefox/mousefox/game"
	"github.com/mousefox/mousefox/transport"
	"github.com/mousefox/mousefox/wire"
)

// Config carries everything a client needs to connect and stay in sync.
type Config struct {
	// URL is the websocket endpoint, for example ws://127.0.0.1:38929.
	// Dial requires it; New can run without one on a pre-built connection,
	// at the price of not being able to reconnect.
	URL string

	// Username identifies this client on the server. Required, unique per
	// server.
	Username string

	// Password is the admin password, sent only when Admin is set.
	Password string

	// Admin requests admin rights during the handshake.
	Admin bool

	// Rules must be the same game rules the server runs.
	Rules game.Rules

	// RequestTimeout bounds each request when the caller's context has no
	// deadline. Defaults to 10s.
	RequestTimeout time.Duration

	// EventBuffer sizes the Events channel. Defaults to 32.
	EventBuffer int

	// PushBuffer sizes the queue between the read loop and the replica.
	// Overflow drops pushes; the revision gap triggers a snapshot resync.
	// Defaults to 64.
	PushBuffer int

	// ReconnectInitialWait, ReconnectMaxWait and ReconnectMaxElapsed shape
	// the redial backoff. Defaults: 500ms, 15s, 2m.
	ReconnectInitialWait time.Duration
	ReconnectMaxWait     time.Duration
	ReconnectMaxElapsed  time.Duration

	// Transport tunes the underlying websocket connection.
	Transport transport.Options

	// Logger receives client logs. The zero value is silent.
	Logger zerolog.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 32
	}
	if cfg.PushBuffer <= 0 {
		cfg.PushBuffer = 64
	}
	if cfg.ReconnectInitialWait <= 0 {
		cfg.ReconnectInitialWait = 500 * time.Millisecond
	}
	if cfg.ReconnectMaxWait <= 0 {
		cfg.ReconnectMaxWait = 15 * time.Second
	}
	if cfg.ReconnectMaxElapsed <= 0 {
		cfg.ReconnectMaxElapsed = 2 * time.Minute
	}
	return cfg
}

// GameConfig describes a game to create.
type GameConfig struct {
	Name     string
	Password string
	Unlisted bool
}

// Client is a connected game client. All methods are safe for concurrent
// use.
type Client struct {
	cfg        Config
	logger     zerolog.Logger
	reconciler *reconciler

	seq    atomic.Uint64
	events chan Event
	pushes chan wire.Frame

	mu              sync.Mutex
	conn            transport.Conn
	pending         map[uint64]chan wire.Frame
	sessionName     string
	sessionPassword string
	clientID        string
	admin           bool
	instance        string
	closed          bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Dial connects to cfg.URL, runs the hello handshake and returns a running
// client.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("client: url required")
	}
	conn, err := transport.Dial(ctx, cfg.URL, cfg.Transport)
	if err != nil {
		return nil, err
	}
	c, err := New(ctx, conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// New runs the hello handshake on an existing connection and returns a
// running client. Without cfg.URL a dropped connection ends the client
// instead of reconnecting.
func New(ctx context.Context, conn transport.Conn, cfg Config) (*Client, error) {
	if cfg.Username == "" {
		return nil, errors.New("client: username required")
	}
	if cfg.Rules == nil {
		return nil, errors.New("client: game rules required")
	}
	cfg = cfg.withDefaults()

	c := &Client{
		cfg:        cfg,
		logger:     cfg.Logger.With().Str("username", cfg.Username).Logger(),
		reconciler: newReconciler(cfg.Rules),
		events:     make(chan Event, cfg.EventBuffer),
		pushes:     make(chan wire.Frame, cfg.PushBuffer),
		pending:    make(map[uint64]chan wire.Frame),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if err := c.handshake(ctx, conn); err != nil {
		c.cancel()
		return nil, err
	}
	c.conn = conn

	c.wg.Add(2)
	go c.run(conn)
	go c.pushLoop()
	go func() {
		c.wg.Wait()
		close(c.events)
	}()
	return c, nil
}

// Close drops the connection and stops the client. The Events channel is
// closed once everything has wound down.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.Close()
	}
	return nil
}

// Events delivers lifecycle notifications. The channel is closed when the
// client ends; a consumer that falls behind loses events, not state.
func (c *Client) Events() <-chan Event {
	return c.events
}

// State returns the current replica and its revision. The replica is nil
// outside a game.
func (c *Client) State() (game.State, uint64) {
	return c.reconciler.current()
}

// Phase reports how the replica currently relates to the server.
func (c *Client) Phase() Phase {
	return c.reconciler.currentPhase()
}

// Game returns the name of the joined game, or "".
func (c *Client) Game() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionName
}

// ClientID returns the id the server assigned during the handshake.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Admin reports whether the server granted admin rights.
func (c *Client) Admin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.admin
}

// Instance returns the server instance id, useful to spot server restarts.
func (c *Client) Instance() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instance
}

// CreateGame creates a game on the server and enters it. The returned error
// matches wire.ErrNameConflict when the name is taken.
func (c *Client) CreateGame(ctx context.Context, g GameConfig) error {
	f, err := c.call(ctx, wire.VerbCreate, wire.CreateData{Name: g.Name, Password: g.Password, Unlisted: g.Unlisted})
	if err != nil {
		return err
	}
	return c.enterGame(f, g.Name, g.Password)
}

// JoinGame enters an existing game and adopts its current state.
func (c *Client) JoinGame(ctx context.Context, name, password string) error {
	f, err := c.call(ctx, wire.VerbJoin, wire.JoinData{Name: name, Password: password})
	if err != nil {
		return err
	}
	return c.enterGame(f, name, password)
}

// CreateOrJoin creates the game, or joins it when someone else created it
// first.
func (c *Client) CreateOrJoin(ctx context.Context, g GameConfig) error {
	err := c.CreateGame(ctx, g)
	if errors.Is(err, wire.ErrNameConflict) {
		return c.JoinGame(ctx, g.Name, g.Password)
	}
	return err
}

func (c *Client) enterGame(f wire.Frame, name, password string) error {
	var snap wire.SnapshotData
	if err := f.Decode(&snap); err != nil {
		return err
	}
	if err := c.reconciler.adopt(snap); err != nil {
		return err
	}
	c.mu.Lock()
	c.sessionName, c.sessionPassword = name, password
	c.mu.Unlock()
	c.logger.Info().Str("game", name).Uint64("revision", snap.Revision).Msg("entered game")
	return nil
}

// LeaveGame leaves the current game and drops the replica.
func (c *Client) LeaveGame(ctx context.Context) error {
	if _, err := c.call(ctx, wire.VerbLeave, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.sessionName, c.sessionPassword = "", ""
	c.mu.Unlock()
	c.reconciler.reset()
	return nil
}

// Games lists the joinable games on the server.
func (c *Client) Games(ctx context.Context) ([]wire.GameInfo, error) {
	f, err := c.call(ctx, wire.VerbGames, nil)
	if err != nil {
		return nil, err
	}
	var dir wire.GamesData
	if err := f.Decode(&dir); err != nil {
		return nil, err
	}
	return dir.Games, nil
}

// Submit sends a move and returns the revision it was committed at. The
// replica advances when the echoed update arrives, not on the ack. move may
// be any JSON-encodable value, including a json.RawMessage.
func (c *Client) Submit(ctx context.Context, move any) (uint64, error) {
	data, err := json.Marshal(move)
	if err != nil {
		return 0, fmt.Errorf("encode move: %w", err)
	}
	f, err := c.call(ctx, wire.VerbMove, wire.MoveData{Data: data})
	if err != nil {
		return 0, err
	}
	var ack wire.AckData
	if err := f.Decode(&ack); err != nil {
		return 0, err
	}
	return ack.Revision, nil
}

// Snapshot fetches the authoritative state of the joined game and adopts it
// as the local replica. The client does this on its own when it falls
// behind; it is also the recovery hatch for presentation code.
func (c *Client) Snapshot(ctx context.Context) (wire.SnapshotData, error) {
	f, err := c.call(ctx, wire.VerbSnapshot, nil)
	if err != nil {
		return wire.SnapshotData{}, err
	}
	var snap wire.SnapshotData
	if err := f.Decode(&snap); err != nil {
		return wire.SnapshotData{}, err
	}
	if err := c.reconciler.adopt(snap); err != nil {
		return wire.SnapshotData{}, err
	}
	return snap, nil
}

// CloseGame closes any game on the server. Admin only.
func (c *Client) CloseGame(ctx context.Context, name string) error {
	_, err := c.call(ctx, wire.VerbClose, wire.CloseData{Name: name})
	return err
}

// ServerStatus reports server-wide counters. Admin only.
func (c *Client) ServerStatus(ctx context.Context) (wire.StatusData, error) {
	f, err := c.call(ctx, wire.VerbStatus, nil)
	if err != nil {
		return wire.StatusData{}, err
	}
	var status wire.StatusData
	if err := f.Decode(&status); err != nil {
		return wire.StatusData{}, err
	}
	return status, nil
}

// ShutdownServer asks the server to stop. Admin only. The connection drops
// shortly after the ok response.
func (c *Client) ShutdownServer(ctx context.Context) error {
	_, err := c.call(ctx, wire.VerbShutdown, nil)
	return err
}

// call sends a request and maps a non-ok response to the matching sentinel
// error.
func (c *Client) call(ctx context.Context, verb wire.Verb, payload any) (wire.Frame, error) {
	f, err := c.do(ctx, verb, payload)
	if err != nil {
		return wire.Frame{}, err
	}
	if f.Code != wire.CodeOK {
		return f, responseError(f)
	}
	return f, nil
}

func (c *Client) do(ctx context.Context, verb wire.Verb, payload any) (wire.Frame, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	seq := c.seq.Add(1)
	req, err := wire.NewRequest(seq, verb, payload)
	if err != nil {
		return wire.Frame{}, err
	}

	ch := make(chan wire.Frame, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return wire.Frame{}, transport.ErrClosed
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return wire.Frame{}, fmt.Errorf("%w: not connected", transport.ErrClosed)
	}
	c.pending[seq] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	if err := conn.Send(ctx, req); err != nil {
		return wire.Frame{}, err
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return wire.Frame{}, fmt.Errorf("%w: connection lost", transport.ErrClosed)
		}
		return f, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return wire.Frame{}, fmt.Errorf("%w: awaiting %s response", transport.ErrTimeout, verb)
		}
		return wire.Frame{}, ctx.Err()
	case <-c.ctx.Done():
		return wire.Frame{}, transport.ErrClosed
	}
}

func responseError(f wire.Frame) error {
	err := f.Code.Err()
	if err == nil {
		return nil
	}
	if f.Message != "" {
		return fmt.Errorf("%w: %s", err, f.Message)
	}
	return err
}

// request runs one request/response exchange directly on conn, for the
// handshake and the rejoin before the read loop owns the connection.
func (c *Client) request(ctx context.Context, conn transport.Conn, verb wire.Verb, payload any) (wire.Frame, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}
	seq := c.seq.Add(1)
	req, err := wire.NewRequest(seq, verb, payload)
	if err != nil {
		return wire.Frame{}, err
	}
	if err := conn.Send(ctx, req); err != nil {
		return wire.Frame{}, err
	}
	for {
		f, err := conn.Receive(ctx)
		if err != nil {
			return wire.Frame{}, err
		}
		if f.Type != wire.FrameResponse || f.Seq != seq {
			continue
		}
		if f.Code != wire.CodeOK {
			return f, responseError(f)
		}
		return f, nil
	}
}

func (c *Client) handshake(ctx context.Context, conn transport.Conn) error {
	f, err := c.request(ctx, conn, wire.VerbHello, wire.HelloData{
		Protocol: wire.Protocol,
		Username: c.cfg.Username,
		Password: c.cfg.Password,
		Admin:    c.cfg.Admin,
	})
	if err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	var welcome wire.WelcomeData
	if err := f.Decode(&welcome); err != nil {
		return err
	}
	c.mu.Lock()
	c.clientID, c.admin, c.instance = welcome.ClientID, welcome.Admin, welcome.Instance
	c.mu.Unlock()
	c.logger.Info().
		Str("client_id", welcome.ClientID).
		Str("instance", welcome.Instance).
		Bool("admin", welcome.Admin).
		Msg("connected")
	return nil
}

// run owns the connection: it reads frames until the link drops, then
// reconnects and rejoins. It ends the client when reconnecting is off or
// gives up.
func (c *Client) run(conn transport.Conn) {
	defer c.wg.Done()
	reconnected := false
	for {
		var err error
		if reconnected {
			// Rejoin on the bare connection before other requests may use
			// it, so their responses cannot be read out from under them.
			var evt *Event
			if evt, err = c.rejoin(c.ctx, conn); err == nil {
				c.mu.Lock()
				c.conn = conn
				c.mu.Unlock()
				c.emit(Event{Kind: EventConnected})
				if evt != nil {
					c.emit(*evt)
				}
			}
		} else {
			c.emit(Event{Kind: EventConnected})
		}
		if err == nil {
			err = c.readLoop(conn)
		}
		if c.ctx.Err() != nil {
			conn.Close()
			return
		}

		conn.Close()
		c.mu.Lock()
		c.conn = nil
		for seq, ch := range c.pending {
			close(ch)
			delete(c.pending, seq)
		}
		c.mu.Unlock()
		c.reconciler.suspend()
		c.logger.Warn().Err(err).Msg("connection lost")
		c.emit(Event{Kind: EventDisconnected, Err: err})

		if c.cfg.URL == "" {
			c.Close()
			return
		}
		next, rerr := c.reconnect()
		if rerr != nil {
			c.logger.Error().Err(rerr).Msg("reconnect gave up")
			c.Close()
			return
		}
		conn = next
		reconnected = true
	}
}

func (c *Client) readLoop(conn transport.Conn) error {
	for {
		f, err := conn.Receive(c.ctx)
		if err != nil {
			return err
		}
		switch f.Type {
		case wire.FrameResponse:
			c.route(f)
		case wire.FramePush:
			c.handlePush(f)
		}
	}
}

func (c *Client) route(f wire.Frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.Seq]
	if ok {
		delete(c.pending, f.Seq)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug().Uint64("seq", f.Seq).Msg("response for unknown request")
		return
	}
	ch <- f
}

func (c *Client) handlePush(f wire.Frame) {
	switch f.Verb {
	case wire.PushUpdate:
		select {
		case c.pushes <- f:
		default:
			// The gap this opens is healed by the next resync.
			c.logger.Warn().Msg("update queue full, dropping push")
		}

	case wire.PushEvicted:
		var ev wire.EvictedData
		if err := f.Decode(&ev); err != nil {
			c.logger.Warn().Err(err).Msg("bad evicted push")
			return
		}
		c.mu.Lock()
		mine := c.sessionName == ev.Game
		if mine {
			c.sessionName, c.sessionPassword = "", ""
		}
		c.mu.Unlock()
		if !mine {
			return
		}
		c.reconciler.reset()
		c.logger.Info().Str("game", ev.Game).Str("reason", ev.Reason).Msg("evicted from game")
		c.emit(Event{Kind: EventEvicted, Game: ev.Game, Reason: ev.Reason})

	default:
		c.logger.Debug().Str("verb", string(f.Verb)).Msg("unknown push")
	}
}

// pushLoop applies queued updates to the replica, resyncing on gaps. It runs
// apart from the read loop so a resync request can still see its response.
func (c *Client) pushLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.pushes:
			c.applyPush(f)
		}
	}
}

func (c *Client) applyPush(f wire.Frame) {
	var u wire.UpdateData
	if err := f.Decode(&u); err != nil {
		c.logger.Warn().Err(err).Msg("bad update push")
		return
	}
	applied, err := c.reconciler.apply(u)
	if err != nil {
		if !errors.Is(err, errOutOfSync) {
			c.logger.Warn().Err(err).Msg("update not applied")
			return
		}
		c.logger.Info().Str("game", u.Game).Uint64("revision", u.Revision).Err(err).Msg("resyncing from snapshot")
		if rerr := c.resync(c.ctx); rerr != nil {
			c.logger.Warn().Err(rerr).Msg("resync failed")
		}
		return
	}
	if applied {
		c.emit(Event{Kind: EventStateChanged, Game: u.Game, Revision: u.Revision})
	}
}

func (c *Client) resync(ctx context.Context) error {
	c.reconciler.markResyncing()
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return err
	}
	c.emit(Event{Kind: EventStateChanged, Game: snap.Game, Revision: snap.Revision})
	return nil
}

// reconnect redials until a handshake succeeds or the backoff gives up.
func (c *Client) reconnect() (transport.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.ReconnectInitialWait
	bo.MaxInterval = c.cfg.ReconnectMaxWait

	attempt := 0
	return backoff.Retry(c.ctx, func() (transport.Conn, error) {
		attempt++
		conn, err := transport.Dial(c.ctx, c.cfg.URL, c.cfg.Transport)
		if err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("redial failed")
			return nil, err
		}
		if err := c.handshake(c.ctx, conn); err != nil {
			conn.Close()
			// A name conflict can be our own half-dead connection still
			// registered on the server, so it stays retryable.
			if errors.Is(err, wire.ErrPermissionDenied) || errors.Is(err, wire.ErrBadRequest) {
				return nil, backoff.Permanent(err)
			}
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("handshake failed")
			return nil, err
		}
		return conn, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(c.cfg.ReconnectMaxElapsed))
}

// rejoin puts the client back into its game after a reconnect. A game that
// no longer exists or no longer admits us ends the membership instead of the
// connection. The caller emits the returned event once the connection is
// open for business.
func (c *Client) rejoin(ctx context.Context, conn transport.Conn) (*Event, error) {
	c.mu.Lock()
	name, password := c.sessionName, c.sessionPassword
	c.mu.Unlock()
	if name == "" {
		return nil, nil
	}

	f, err := c.request(ctx, conn, wire.VerbJoin, wire.JoinData{Name: name, Password: password})
	if err != nil {
		if errors.Is(err, wire.ErrNotFound) || errors.Is(err, wire.ErrSessionFull) ||
			errors.Is(err, wire.ErrPermissionDenied) || errors.Is(err, wire.ErrBadRequest) {
			c.logger.Warn().Str("game", name).Err(err).Msg("game lost across reconnect")
			c.mu.Lock()
			c.sessionName, c.sessionPassword = "", ""
			c.mu.Unlock()
			c.reconciler.reset()
			return &Event{Kind: EventGameLeft, Game: name, Reason: "game lost across reconnect", Err: err}, nil
		}
		return nil, err
	}
	var snap wire.SnapshotData
	if err := f.Decode(&snap); err != nil {
		return nil, err
	}
	if err := c.reconciler.adopt(snap); err != nil {
		return nil, err
	}
	c.logger.Info().Str("game", name).Uint64("revision", snap.Revision).Msg("rejoined game")
	return &Event{Kind: EventGameJoined, Game: name, Revision: snap.Revision}, nil
}

// emit delivers an event without ever blocking the calling loop.
func (c *Client) emit(e Event) {
	select {
	case c.events <- e:
	default:
		c.logger.Warn().Str("kind", string(e.Kind)).Msg("event dropped, consumer too slow")
	}
}
