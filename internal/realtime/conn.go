package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

//go:generate mockgen -source=conn.go -destination=mock_conn_test.go -package=realtime -mock_names=wsConn=MockWSConn

// wsConn abstracts the WebSocket connection so Conn can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// dialFunc opens a WebSocket connection. Replaced in tests to inject a
// mock wsConn.
type dialFunc func(ctx context.Context, url string) (wsConn, error)

func defaultDial(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// Config holds the parameters for one device's connection.
type Config struct {
	URL          string
	UserID       string
	LaboratoryID string
	DeviceID     string
	DeviceName   string
	DeviceType   string

	// BaseDelay seeds the reconnect backoff: the wait before retry n is
	// BaseDelay*2^(n-1).
	BaseDelay time.Duration

	// MaxAttempts caps consecutive reconnect attempts. Once exhausted
	// the connection goes terminal until Retry or a fresh Connect.
	MaxAttempts int
}

// Conn manages a single WebSocket connection for one device.
//
// Architecture: a reader goroutine per live socket feeds inbound frames
// to handleInbound. Control frames (auth and registration acks, device
// list pushes) drive the connection state machine; everything else goes
// to the frame handler. Writes are serialized by a write mutex so any
// goroutine can Send. A dropped socket schedules a reconnect with
// exponential backoff; a deliberate Disconnect cancels any pending
// reconnect and is idempotent.
type Conn struct {
	cfg      Config
	logger   *slog.Logger
	dial     dialFunc
	registry *Registry

	// frameHandler receives non-control inbound frames. Set before
	// Connect.
	frameHandler func(data []byte)

	// onChange fires after every state transition. Set before Connect.
	onChange func()

	mu             sync.Mutex
	conn           wsConn
	connCancel     context.CancelFunc
	baseCtx        context.Context
	state          ConnectionState
	dialing        bool
	closed         bool
	terminal       bool
	reconnectTimer *time.Timer

	// writeMu serializes writes to the socket.
	writeMu sync.Mutex
}

// NewConn creates a connection manager. Connect must be called to open
// the socket.
func NewConn(cfg Config, registry *Registry, logger *slog.Logger) *Conn {
	return &Conn{
		cfg:      cfg,
		logger:   logger,
		dial:     defaultDial,
		registry: registry,
		closed:   true,
	}
}

// SetFrameHandler wires the consumer of non-control inbound frames.
// Must be called before Connect.
func (c *Conn) SetFrameHandler(fn func(data []byte)) {
	c.frameHandler = fn
}

// SetOnChange wires the state-transition hook. Must be called before
// Connect.
func (c *Conn) SetOnChange(fn func()) {
	c.onChange = fn
}

// Connect opens the WebSocket and starts the authenticate/register
// handshake. Dial failures are absorbed into the reconnect backoff
// rather than returned. Calling Connect while a connection or dial is
// already in flight is a no-op: there is never more than one socket per
// device.
func (c *Conn) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.dialing || c.state.Connected {
		c.mu.Unlock()
		return
	}

	c.closed = false
	c.terminal = false
	c.baseCtx = ctx
	c.state = ConnectionState{}
	c.mu.Unlock()

	c.open(ctx)
}

// open dials and, on success, installs the socket and starts the
// handshake. On failure it schedules a reconnect.
func (c *Conn) open(ctx context.Context) {
	c.mu.Lock()
	if c.closed || c.dialing || c.state.Connected {
		c.mu.Unlock()
		return
	}

	c.dialing = true
	c.reconnectTimer = nil
	c.mu.Unlock()

	c.logger.Debug("dialing", slog.String("url", c.cfg.URL))

	conn, err := c.dial(ctx, c.cfg.URL)

	c.mu.Lock()
	c.dialing = false

	if c.closed {
		c.mu.Unlock()

		if err == nil {
			conn.Close(websocket.StatusNormalClosure, "client disconnect")
		}

		return
	}

	if err != nil {
		c.mu.Unlock()
		c.logger.Warn("dial failed", slog.String("error", err.Error()))
		c.scheduleReconnect()

		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	c.conn = conn
	c.connCancel = cancel
	c.state = ConnectionState{Connected: true}
	c.mu.Unlock()

	c.notifyChange()

	go c.readLoop(connCtx, conn)

	c.Send(AuthenticateFrame{
		Type:         frameAuthenticate,
		UserID:       c.cfg.UserID,
		LaboratoryID: c.cfg.LaboratoryID,
	})
}

// scheduleReconnect arms the backoff timer for the next dial, or goes
// terminal once the attempt budget is spent.
func (c *Conn) scheduleReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	if c.state.ReconnectAttempts >= c.cfg.MaxAttempts {
		c.terminal = true
		c.mu.Unlock()
		c.logger.Error("reconnect attempts exhausted",
			slog.Int("max_attempts", c.cfg.MaxAttempts),
		)
		c.notifyChange()

		return
	}

	c.state.ReconnectAttempts++
	attempt := c.state.ReconnectAttempts
	delay := c.cfg.BaseDelay << (attempt - 1)
	ctx := c.baseCtx
	c.reconnectTimer = time.AfterFunc(delay, func() { c.open(ctx) })
	c.mu.Unlock()

	c.logger.Info("scheduling reconnect",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
	)
	c.notifyChange()
}

// readLoop reads frames until the connection drops or is cancelled.
func (c *Conn) readLoop(ctx context.Context, conn wsConn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleReadError(conn, err)
			return
		}

		c.handleInbound(data)
	}
}

// handleReadError tears down state after a read failure and schedules a
// reconnect, unless the failure came from a deliberate Disconnect or
// belongs to a socket that was already replaced.
func (c *Conn) handleReadError(conn wsConn, err error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}

	c.conn = nil

	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}

	attempts := c.state.ReconnectAttempts
	c.state = ConnectionState{ReconnectAttempts: attempts}
	c.mu.Unlock()

	c.registry.Clear()
	c.logger.Warn("connection lost", slog.String("error", err.Error()))
	c.notifyChange()
	c.scheduleReconnect()
}

// handleInbound routes one frame: control frames drive the state
// machine, everything else goes to the frame handler.
func (c *Conn) handleInbound(data []byte) {
	typ := gjson.GetBytes(data, "type").Str

	switch typ {
	case frameAuthenticated:
		c.mu.Lock()
		c.state.Authenticated = true
		c.mu.Unlock()

		c.logger.Info("authenticated", slog.String("user_id", c.cfg.UserID))
		c.notifyChange()

		c.Send(RegisterDeviceFrame{
			Type:       frameRegisterDevice,
			DeviceID:   c.cfg.DeviceID,
			DeviceName: c.cfg.DeviceName,
			DeviceType: c.cfg.DeviceType,
		})

	case frameDeviceRegistered:
		c.mu.Lock()
		c.state.DeviceRegistered = true
		c.mu.Unlock()

		c.logger.Info("device registered", slog.String("device_id", c.cfg.DeviceID))
		c.notifyChange()

	case frameDeviceList:
		var frame deviceListFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("failed to decode device list", slog.String("error", err.Error()))
			return
		}

		c.registry.SetDevices(frame.Devices)
		c.notifyChange()

	case frameError:
		var frame errorFrame
		_ = json.Unmarshal(data, &frame)
		c.logger.Warn("server error frame", slog.String("message", frame.Message))

	default:
		if c.frameHandler != nil {
			c.frameHandler(data)
		}
	}
}

// Send marshals a frame and writes it to the socket. The result reports
// whether the frame reached a live connection.
func (c *Conn) Send(frame any) bool {
	c.mu.Lock()
	conn := c.conn
	ctx := c.baseCtx
	c.mu.Unlock()

	if conn == nil {
		return false
	}

	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("marshaling frame", slog.String("error", err.Error()))
		return false
	}

	c.writeMu.Lock()
	err = conn.Write(ctx, websocket.MessageText, data)
	c.writeMu.Unlock()

	if err != nil {
		c.logger.Warn("write failed", slog.String("error", err.Error()))
		return false
	}

	return true
}

// Disconnect closes the socket, cancels any pending reconnect, and
// resets state. Safe to call repeatedly and in any state.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	c.closed = true
	c.terminal = false

	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}

	conn := c.conn
	c.conn = nil

	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}

	c.state = ConnectionState{}
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}

	c.registry.Clear()
	c.logger.Info("disconnected")
	c.notifyChange()
}

// Retry restarts the dial cycle after the reconnect budget was
// exhausted. No-op while connected, dialing, or disconnected.
func (c *Conn) Retry() {
	c.mu.Lock()
	if c.closed || c.dialing || c.state.Connected || c.baseCtx == nil {
		c.mu.Unlock()
		return
	}

	c.terminal = false
	c.state.ReconnectAttempts = 0
	ctx := c.baseCtx
	c.mu.Unlock()

	c.open(ctx)
}

// State returns a snapshot of the connection state.
func (c *Conn) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Status returns the lifecycle phase derived from the current state.
func (c *Conn) Status() Status {
	return DeriveStatus(c.State())
}

// Terminal reports whether the reconnect budget is exhausted and only
// Retry or Connect will resume the connection.
func (c *Conn) Terminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.terminal
}

func (c *Conn) notifyChange() {
	if c.onChange != nil {
		c.onChange()
	}
}
