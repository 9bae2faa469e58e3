package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sync"
	"time"

	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
	"github.com/zishang520/socket.io-go-parser/v2/parser"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrNotConnected is returned by Emit while no connection is established.
	ErrNotConnected = errors.New("socket not connected")
	// ErrBufferFull is returned by Emit when the outgoing queue is full.
	ErrBufferFull = errors.New("emit buffer full")
)

// ConnectError is a CONNECT_ERROR from the server, typically an auth
// rejection. It is never retried.
type ConnectError struct {
	Message string
}

func (e *ConnectError) Error() string {
	return "connect error: " + e.Message
}

// TokenSource supplies the token sent in the CONNECT auth payload.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Handler receives connection lifecycle callbacks and inbound events. Calls
// never overlap.
type Handler interface {
	OnConnect()
	OnDisconnect(reason string)
	OnConnectError(err error)
	OnEvent(name string, data json.RawMessage)
}

type nopHandler struct{}

func (nopHandler) OnConnect()                      {}
func (nopHandler) OnDisconnect(string)             {}
func (nopHandler) OnConnectError(error)            {}
func (nopHandler) OnEvent(string, json.RawMessage) {}

// Config configures the client.
type Config struct {
	URL                  string
	Path                 string
	Namespace            string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HandshakeTimeout     time.Duration
	EmitRate             float64
	EmitBurst            int
	QueueSize            int
}

func (c *Config) defaults() {
	if c.Path == "" {
		c.Path = "/socket.io/"
	}
	if c.Namespace == "" {
		c.Namespace = "/"
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.EmitRate == 0 {
		c.EmitRate = 20
	}
	if c.EmitBurst == 0 {
		c.EmitBurst = 40
	}
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
}

// State represents the connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Client wraps a socket.io-client-go manager and socket bound to one
// namespace over the WebSocket transport. The manager owns reconnect
// backoff; the client refreshes the auth token per attempt and paces
// outgoing events.
type Client struct {
	cfg     Config
	tokens  TokenSource
	logger  *zap.Logger
	limiter *rate.Limiter

	mu       sync.Mutex
	state    State
	handler  Handler
	conn     *connection
	dispatch sync.Mutex
}

// connection is one Connect to Close lifetime of a manager and its socket.
type connection struct {
	manager *socket.Manager
	sock    *socket.Socket

	authMu sync.Mutex
	auth   map[string]any

	// rejection holds the message of the last CONNECT_ERROR packet.
	rejectMu  sync.Mutex
	rejection string

	out    chan outgoing
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	first    chan error
	reported sync.Once
}

type outgoing struct {
	event string
	data  any
}

func (cn *connection) setToken(token string) {
	cn.authMu.Lock()
	cn.auth["token"] = token
	cn.authMu.Unlock()
}

func (cn *connection) report(err error) {
	cn.reported.Do(func() { cn.first <- err })
}

// New creates a disconnected client.
func New(cfg Config, tokens TokenSource, logger *zap.Logger) *Client {
	cfg.defaults()
	return &Client{
		cfg:     cfg,
		tokens:  tokens,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.EmitRate), cfg.EmitBurst),
		state:   StateDisconnected,
		handler: nopHandler{},
	}
}

// SetHandler installs the event handler. Call before Connect.
func (c *Client) SetHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h == nil {
		h = nopHandler{}
	}
	c.handler = h
}

func (c *Client) getHandler() Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

// deliver runs fn against the handler unless cn has been released.
func (c *Client) deliver(cn *connection, fn func(Handler)) {
	if !c.owns(cn) {
		return
	}
	c.dispatch.Lock()
	defer c.dispatch.Unlock()
	if c.owns(cn) {
		fn(c.getHandler())
	}
}

// State returns the connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) owns(cn *connection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == cn
}

// transition sets the state if cn is still current.
func (c *Client) transition(cn *connection, s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != cn {
		return false
	}
	c.state = s
	return true
}

// release detaches cn so Connect can start over. It reports false when cn
// was already released.
func (c *Client) release(cn *connection) bool {
	c.mu.Lock()
	if c.conn != cn {
		c.mu.Unlock()
		return false
	}
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()
	cn.cancel()
	return true
}

// Connect opens the socket and waits for the outcome of the first attempt.
// A failed first attempt is returned; unless it was a ConnectError the
// manager keeps retrying in the background when AutoReconnect is set.
// Calling Connect while running is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	cn := c.newConnection()
	c.conn = cn
	c.state = StateConnecting
	c.mu.Unlock()
	go c.writeLoop(cn)

	token, err := c.tokens.Token(ctx)
	if err != nil {
		if c.release(cn) {
			c.getHandler().OnConnectError(err)
		}
		return err
	}
	cn.setToken(token)
	if !c.owns(cn) {
		return ErrNotConnected
	}
	cn.sock.Connect()

	select {
	case err := <-cn.first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects and stops reconnecting. No disconnect callback fires.
func (c *Client) Close() error {
	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()
	if cn == nil || !c.release(cn) {
		return nil
	}
	<-cn.done
	cn.sock.Disconnect()
	return nil
}

// Emit queues an event for sending. It never blocks on the network.
func (c *Client) Emit(event string, data any) error {
	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()
	if cn == nil || !cn.sock.Connected() {
		return ErrNotConnected
	}
	select {
	case <-cn.ctx.Done():
		return ErrNotConnected
	default:
	}
	select {
	case cn.out <- outgoing{event: event, data: data}:
		return nil
	default:
		return ErrBufferFull
	}
}

func (c *Client) options(auth map[string]any) *socket.Options {
	opts := socket.DefaultOptions()
	opts.SetPath(c.cfg.Path)
	opts.SetTransports(types.NewSet(socket.WebSocket))
	opts.SetAutoConnect(false)
	opts.SetReconnection(c.cfg.AutoReconnect)
	attempts := math.Inf(1)
	if c.cfg.MaxReconnectAttempts > 0 {
		attempts = float64(c.cfg.MaxReconnectAttempts)
	}
	opts.SetReconnectionAttempts(attempts)
	opts.SetReconnectionDelay(float64(c.cfg.ReconnectBaseDelay.Milliseconds()))
	opts.SetReconnectionDelayMax(float64(c.cfg.ReconnectMaxDelay.Milliseconds()))
	opts.SetTimeout(c.cfg.HandshakeTimeout)
	opts.SetAuth(auth)
	return opts
}

func (c *Client) newConnection() *connection {
	cn := &connection{
		auth:  map[string]any{},
		out:   make(chan outgoing, c.cfg.QueueSize),
		done:  make(chan struct{}),
		first: make(chan error, 1),
	}
	cn.ctx, cn.cancel = context.WithCancel(context.Background())
	opts := c.options(cn.auth)
	cn.manager = socket.NewManager(c.cfg.URL, opts)
	cn.sock = cn.manager.Socket(c.cfg.Namespace, opts)

	// Registered before the socket subscribes, so the rejection text is
	// captured before the socket reports it.
	_ = cn.manager.On("packet", func(args ...any) {
		if len(args) == 0 {
			return
		}
		p, ok := args[0].(*parser.Packet)
		if !ok || p.Type != parser.CONNECT_ERROR || p.Nsp != c.cfg.Namespace {
			return
		}
		cn.rejectMu.Lock()
		cn.rejection = rejectionMessage(p.Data)
		cn.rejectMu.Unlock()
	})
	_ = cn.manager.On("reconnect_attempt", func(args ...any) {
		c.onReconnectAttempt(cn, args)
	})
	_ = cn.manager.On("reconnect_failed", func(...any) {
		if c.release(cn) {
			c.logger.Warn("socket reconnect attempts exhausted")
		}
	})

	_ = cn.sock.On("connect", func(...any) {
		if !c.transition(cn, StateConnected) {
			return
		}
		c.logger.Info("socket connected", zap.String("sid", cn.sock.Id()))
		cn.report(nil)
		c.deliver(cn, func(h Handler) { h.OnConnect() })
	})
	_ = cn.sock.On("disconnect", func(args ...any) {
		c.onDisconnect(cn, args)
	})
	_ = cn.sock.On("connect_error", func(args ...any) {
		c.onConnectError(cn, args)
	})
	cn.sock.OnAny(func(args ...any) {
		name, data, err := eventArgs(args)
		if err != nil {
			c.logger.Debug("dropping malformed event", zap.Error(err))
			return
		}
		c.deliver(cn, func(h Handler) { h.OnEvent(name, data) })
	})
	return cn
}

func (c *Client) onReconnectAttempt(cn *connection, args []any) {
	if !c.transition(cn, StateReconnecting) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	token, err := c.tokens.Token(ctx)
	cancel()

	var ce *ConnectError
	switch {
	case errors.As(err, &ce):
		c.dispatch.Lock()
		released := c.release(cn)
		if released {
			c.getHandler().OnConnectError(err)
		}
		c.dispatch.Unlock()
		if released {
			// Disconnect marks the manager closed, which cancels this attempt.
			cn.sock.Disconnect()
		}
		return
	case err != nil:
		c.logger.Warn("token refresh failed, reconnecting with previous token", zap.Error(err))
	default:
		cn.setToken(token)
	}
	if len(args) > 0 {
		c.logger.Debug("socket reconnecting", zap.Any("attempt", args[0]))
	}
}

func (c *Client) onDisconnect(cn *connection, args []any) {
	reason := "transport close"
	if len(args) > 0 {
		if s, ok := args[0].(string); ok {
			reason = s
		}
	}

	if !c.owns(cn) {
		return
	}
	c.dispatch.Lock()
	defer c.dispatch.Unlock()
	if cn.sock.Active() && c.cfg.AutoReconnect {
		if !c.transition(cn, StateReconnecting) {
			return
		}
	} else {
		if !c.release(cn) {
			return
		}
		if cn.sock.Active() {
			cn.sock.Disconnect()
		}
	}
	c.logger.Info("socket disconnected", zap.String("reason", reason))
	c.getHandler().OnDisconnect(reason)
}

func (c *Client) onConnectError(cn *connection, args []any) {
	if !c.owns(cn) {
		return
	}
	err := errors.New("connect failed")
	if len(args) > 0 {
		if e, ok := args[0].(error); ok {
			err = e
		}
	}
	// A server rejection destroys the socket; transport failures leave it
	// active for the manager to retry.
	rejected := !cn.sock.Active()
	if rejected {
		cn.rejectMu.Lock()
		msg := cn.rejection
		cn.rejectMu.Unlock()
		var ext *socket.ExtendedError
		if msg == "" && errors.As(err, &ext) {
			msg = ext.Message
		}
		if msg == "" {
			msg = err.Error()
		}
		err = &ConnectError{Message: msg}
	} else {
		err = fmt.Errorf("socket connect: %w", err)
	}

	c.dispatch.Lock()
	if rejected || !c.cfg.AutoReconnect {
		if !c.release(cn) {
			c.dispatch.Unlock()
			return
		}
		if cn.sock.Active() {
			cn.sock.Disconnect()
		}
	} else if !c.transition(cn, StateReconnecting) {
		c.dispatch.Unlock()
		return
	}
	c.logger.Debug("socket connect failed", zap.Error(err))
	c.getHandler().OnConnectError(err)
	c.dispatch.Unlock()
	cn.report(err)
}

func (c *Client) writeLoop(cn *connection) {
	defer close(cn.done)
	for {
		select {
		case <-cn.ctx.Done():
			return
		case msg := <-cn.out:
			if err := c.limiter.Wait(cn.ctx); err != nil {
				return
			}
			if err := cn.sock.Emit(msg.event, msg.data); err != nil {
				c.logger.Debug("socket emit failed", zap.String("event", msg.event), zap.Error(err))
			}
		}
	}
}

// eventArgs splits listener arguments into the event name and its first
// payload, re-encoded as JSON. A trailing ack callback is ignored.
func eventArgs(args []any) (string, json.RawMessage, error) {
	if len(args) == 0 {
		return "", nil, errors.New("empty event")
	}
	name, ok := args[0].(string)
	if !ok {
		return "", nil, fmt.Errorf("event name has type %T", args[0])
	}
	if len(args) < 2 {
		return name, json.RawMessage("null"), nil
	}
	if reflect.ValueOf(args[1]).Kind() == reflect.Func {
		return name, json.RawMessage("null"), nil
	}
	data, err := json.Marshal(args[1])
	if err != nil {
		return "", nil, fmt.Errorf("encode %s payload: %w", name, err)
	}
	return name, data, nil
}

func rejectionMessage(data any) string {
	switch d := data.(type) {
	case map[string]any:
		if msg, ok := d["message"].(string); ok {
			return msg
		}
	case string:
		return d
	}
	return ""
}
