// ABOUTME: Websocket connection to the OneBot gateway: read loop, fan-out and outbound actions
// ABOUTME: Fire-and-forget sends plus echo-correlated calls; fail-fast with no reconnect

package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nekotori/neko-bridge/internal/dedupe"
	"github.com/nekotori/neko-bridge/internal/metrics"
)

// Outbound action names.
const (
	ActionSendGroupMsg   = "send_group_msg"
	ActionSendPrivateMsg = "send_private_msg"
	ActionGetMsg         = "get_msg"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultCallTimeout      = 30 * time.Second
	defaultDedupeSize       = 4096
)

// ErrClosed is returned by outbound operations once the connection is gone.
var ErrClosed = errors.New("gateway connection closed")

// TransportError is the terminal error of a connection lost underneath us.
// Subscribers receive it when the read loop ends.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "gateway transport: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// ActionError is a gateway response reporting a failed action.
type ActionError struct {
	Action  string
	Status  string
	RetCode int
	Message string
}

func (e *ActionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("action %s failed (status %s, retcode %d): %s", e.Action, e.Status, e.RetCode, e.Message)
	}
	return fmt.Sprintf("action %s failed (status %s, retcode %d)", e.Action, e.Status, e.RetCode)
}

// DialOptions configures a gateway connection.
type DialOptions struct {
	URL   string
	Token string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// CallTimeout bounds Call when ctx carries no deadline.
	CallTimeout time.Duration

	// DedupeWindow drops message events whose (self, message) id pair was
	// already seen within the window. Zero disables it.
	DedupeWindow time.Duration
	DedupeSize   int
}

func (o *DialOptions) applyDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = defaultCallTimeout
	}
	if o.DedupeSize <= 0 {
		o.DedupeSize = defaultDedupeSize
	}
}

type actionFrame struct {
	Action string `json:"action"`
	Echo   string `json:"echo"`
	Params any    `json:"params,omitempty"`
}

type response struct {
	Status  string          `json:"status"`
	RetCode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
	Wording string          `json:"wording,omitempty"`
}

type groupMessageParams struct {
	GroupID int64     `json:"group_id"`
	Message []Segment `json:"message"`
}

type privateMessageParams struct {
	UserID  int64     `json:"user_id"`
	Message []Segment `json:"message"`
}

// Conn is one live gateway session. It owns the listener registry; events
// it publishes hold a back-reference to it for replies and lookups.
type Conn struct {
	ws       *websocket.Conn
	opts     DialOptions
	registry *Registry
	dedupe   *dedupe.Window
	logger   *slog.Logger

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *response

	selfID    atomic.Int64
	closed    chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial opens the websocket, authenticating with a bearer token when one is
// set. Call Run to start reading.
func Dial(ctx context.Context, opts DialOptions, logger *slog.Logger) (*Conn, error) {
	opts.applyDefaults()

	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, opts.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing gateway %s (status %d): %w", opts.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing gateway %s: %w", opts.URL, err)
	}

	return newConn(ws, opts, logger), nil
}

func newConn(ws *websocket.Conn, opts DialOptions, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")

	c := &Conn{
		ws:       ws,
		opts:     opts,
		registry: NewRegistry(logger),
		logger:   logger,
		pending:  make(map[string]chan *response),
		closed:   make(chan struct{}),
	}
	if opts.DedupeWindow > 0 {
		c.dedupe = dedupe.New(opts.DedupeWindow, opts.DedupeSize)
	}
	return c
}

// Listen attaches a listener to this connection's events.
func (c *Conn) Listen(l Listener) string { return c.registry.Listen(l) }

// ListenMessages attaches a listener that only sees message events.
func (c *Conn) ListenMessages(onMessage func(*MessageEvent), onClose func(err error)) string {
	return c.registry.ListenMessages(onMessage, onClose)
}

// Unlisten detaches a listener.
func (c *Conn) Unlisten(id string) { c.registry.Unlisten(id) }

// SelfID is the bot account id reported by the most recent frame.
func (c *Conn) SelfID() int64 { return c.selfID.Load() }

// Done is closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Err returns the terminal error after shutdown: nil for an orderly close,
// a *TransportError otherwise.
func (c *Conn) Err() error {
	select {
	case <-c.closed:
		return c.err
	default:
		return nil
	}
}

// Run reads frames until the socket fails or ctx is cancelled, publishing
// each decoded event to the listeners. There is no reconnect: on return the
// listeners have been closed with the terminal error, which Run also
// returns (nil when ctx was cancelled).
func (c *Conn) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.shutdown(nil) })
	defer stop()

	c.logger.Info("reading gateway events", "url", c.opts.URL)
	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(&TransportError{Err: err})
			if terr := c.Err(); terr != nil {
				c.logger.Error("gateway connection lost", "error", terr)
			}
			return c.Err()
		}
		c.handleFrame(frame)
	}
}

func (c *Conn) handleFrame(frame []byte) {
	metrics.FramesReceived.Inc()

	p, err := peekFrame(frame)
	if err != nil {
		c.dropUndecodable(err, frame)
		return
	}
	if p.PostType == "" && c.deliverResponse(p.Echo, frame) {
		return
	}

	ev, err := decodeAs(p, frame, c)
	if err != nil {
		c.dropUndecodable(err, frame)
		return
	}

	env := ev.Header()
	if env.SelfID != 0 {
		c.selfID.Store(env.SelfID)
	}
	if m, ok := ev.(*MessageEvent); ok && c.dedupe != nil {
		if c.dedupe.Seen(dedupe.Key{SelfID: m.SelfID, MessageID: m.MessageID}) {
			metrics.FramesDropped.WithLabelValues(metrics.ReasonDuplicate).Inc()
			c.logger.Debug("dropping duplicate message", "message_id", m.MessageID)
			return
		}
	}

	c.registry.Publish(ev)
}

func (c *Conn) dropUndecodable(err error, frame []byte) {
	metrics.FramesDropped.WithLabelValues(metrics.ReasonDecode).Inc()
	c.logger.Warn("dropping undecodable frame", "error", err, "size", len(frame))
}

// deliverResponse hands an action response to the Call awaiting its echo.
// Responses nobody is waiting for are left to the classifier.
func (c *Conn) deliverResponse(rawEcho json.RawMessage, frame []byte) bool {
	echo := echoKey(rawEcho)
	if echo == "" {
		return false
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[echo]
	if ok {
		delete(c.pending, echo)
	}
	c.pendingMu.Unlock()
	if !ok {
		return false
	}

	var resp response
	if err := json.Unmarshal(frame, &resp); err != nil {
		c.logger.Warn("malformed action response", "echo", echo, "error", err)
		resp = response{Status: "failed", RetCode: -1, Message: err.Error()}
	}
	ch <- &resp
	return true
}

func echoKey(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) write(frame actionFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding %s action: %w", frame.Action, err)
	}
	if c.isClosed() {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return fmt.Errorf("writing %s action: %w", frame.Action, err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		if c.isClosed() {
			return ErrClosed
		}
		return fmt.Errorf("writing %s action: %w", frame.Action, err)
	}

	metrics.ActionsSent.Inc()
	c.logger.Debug("action sent", "action", frame.Action, "echo", frame.Echo)
	return nil
}

// Send writes an action frame with a fresh echo and does not wait for the
// gateway's response.
func (c *Conn) Send(action string, params any) error {
	return c.write(actionFrame{Action: action, Echo: uuid.NewString(), Params: params})
}

// SendGroupMessage posts segments to a group.
func (c *Conn) SendGroupMessage(groupID int64, segments []Segment) error {
	return c.Send(ActionSendGroupMsg, groupMessageParams{GroupID: groupID, Message: segments})
}

// SendPrivateMessage posts segments to a single user.
func (c *Conn) SendPrivateMessage(userID int64, segments []Segment) error {
	return c.Send(ActionSendPrivateMsg, privateMessageParams{UserID: userID, Message: segments})
}

// Call writes an action and waits for the response carrying the same echo.
// A failed status or non-zero retcode is returned as *ActionError.
func (c *Conn) Call(ctx context.Context, action string, params any) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()
	}

	echo := uuid.NewString()
	ch := make(chan *response, 1)

	c.pendingMu.Lock()
	c.pending[echo] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, echo)
		c.pendingMu.Unlock()
	}()

	if err := c.write(actionFrame{Action: action, Echo: echo, Params: params}); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Status == "failed" || resp.RetCode != 0 {
			msg := resp.Message
			if resp.Wording != "" {
				msg = resp.Wording
			}
			return nil, &ActionError{Action: action, Status: resp.Status, RetCode: resp.RetCode, Message: msg}
		}
		return resp.Data, nil
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("awaiting %s response: %w", action, ctx.Err())
	}
}

// GetMessage fetches a message by id.
func (c *Conn) GetMessage(ctx context.Context, messageID int64) (*MessageEvent, error) {
	data, err := c.Call(ctx, ActionGetMsg, map[string]int64{"message_id": messageID})
	if err != nil {
		return nil, err
	}
	m, err := decodeMessage(data)
	if err != nil {
		return nil, fmt.Errorf("decoding message %d: %w", messageID, err)
	}
	m.bind(c)
	return m, nil
}

// Close shuts the connection down in an orderly way. Listeners complete
// with a nil error.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.closed)

		if err == nil {
			c.writeMu.Lock()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
		}
		_ = c.ws.Close()

		if c.dedupe != nil {
			c.dedupe.Close()
		}
		c.registry.Close(err)
		c.logger.Info("gateway connection closed", "error", err)
	})
}

var _ Client = (*Conn)(nil)
