package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/mock/gomock"
)

type inboundFrame struct {
	data []byte
	err  error
}

// writeRecorder captures frames the connection writes to the socket.
type writeRecorder struct {
	mu     sync.Mutex
	frames [][]byte
}

func (w *writeRecorder) add(p []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.frames = append(w.frames, append([]byte(nil), p...))
}

func (w *writeRecorder) all() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()

	return append([][]byte(nil), w.frames...)
}

func (w *writeRecorder) types() []string {
	var types []string
	for _, f := range w.all() {
		types = append(types, gjson.GetBytes(f, "type").Str)
	}

	return types
}

type connHarness struct {
	conn     *Conn
	registry *Registry
	inbound  chan inboundFrame
	writes   *writeRecorder
	closes   *int
	dials    *int
}

func (h *connHarness) push(frame string) {
	h.inbound <- inboundFrame{data: []byte(frame)}
}

func (h *connHarness) dropConnection() {
	h.inbound <- inboundFrame{err: errors.New("connection reset")}
}

// newConnHarness wires a Conn to a scripted mock socket. Reads block on
// the inbound channel until the test pushes a frame or drops the
// connection.
func newConnHarness(t *testing.T, cfg Config) *connHarness {
	t.Helper()

	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)

	h := &connHarness{
		registry: NewRegistry(),
		inbound:  make(chan inboundFrame, 16),
		writes:   &writeRecorder{},
		closes:   new(int),
		dials:    new(int),
	}

	mock.EXPECT().Read(gomock.Any()).DoAndReturn(
		func(ctx context.Context) (websocket.MessageType, []byte, error) {
			select {
			case f := <-h.inbound:
				if f.err != nil {
					return websocket.MessageType(0), nil, f.err
				}

				return websocket.MessageText, f.data, nil
			case <-ctx.Done():
				return websocket.MessageType(0), nil, ctx.Err()
			}
		}).AnyTimes()

	mock.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ websocket.MessageType, p []byte) error {
			h.writes.add(p)
			return nil
		}).AnyTimes()

	var closeMu sync.Mutex

	mock.EXPECT().Close(gomock.Any(), gomock.Any()).DoAndReturn(
		func(websocket.StatusCode, string) error {
			closeMu.Lock()
			defer closeMu.Unlock()
			*h.closes++

			return nil
		}).AnyTimes()

	h.conn = NewConn(cfg, h.registry, slog.Default())

	var dialMu sync.Mutex

	h.conn.dial = func(context.Context, string) (wsConn, error) {
		dialMu.Lock()
		defer dialMu.Unlock()
		*h.dials++

		return mock, nil
	}

	return h
}

func testConfig() Config {
	return Config{
		URL:          "wss://lab.example.com/api/websocket",
		UserID:       "user-1",
		LaboratoryID: "lab-9",
		DeviceID:     "device-abc",
		DeviceName:   "bench-laptop",
		DeviceType:   "desktop",
		BaseDelay:    time.Second,
		MaxAttempts:  5,
	}
}

func TestConnect_SendsAuthenticate(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newConnHarness(t, testConfig())

		h.conn.Connect(context.Background())
		synctest.Wait()

		frames := h.writes.all()
		require.Len(t, frames, 1)
		assert.Equal(t, "authenticate", gjson.GetBytes(frames[0], "type").Str)
		assert.Equal(t, "user-1", gjson.GetBytes(frames[0], "userId").Str)
		assert.Equal(t, "lab-9", gjson.GetBytes(frames[0], "laboratoryId").Str)

		assert.Equal(t, StatusAuthenticating, h.conn.Status())

		h.conn.Disconnect()
	})
}

func TestHandshake_RegistersAfterAuthAck(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newConnHarness(t, testConfig())

		h.conn.Connect(context.Background())
		synctest.Wait()

		h.push(`{"type":"authenticated"}`)
		synctest.Wait()

		assert.Equal(t, StatusRegistering, h.conn.Status())
		assert.Equal(t, []string{"authenticate", "register_device"}, h.writes.types())

		reg := h.writes.all()[1]
		assert.Equal(t, "device-abc", gjson.GetBytes(reg, "deviceId").Str)
		assert.Equal(t, "bench-laptop", gjson.GetBytes(reg, "deviceName").Str)
		assert.Equal(t, "desktop", gjson.GetBytes(reg, "deviceType").Str)

		h.push(`{"type":"device_registered"}`)
		synctest.Wait()

		assert.Equal(t, StatusSynced, h.conn.Status())

		h.conn.Disconnect()
	})
}

func TestHandshake_StatusOrderIsMonotonic(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newConnHarness(t, testConfig())

		var (
			mu       sync.Mutex
			statuses []Status
		)

		h.conn.SetOnChange(func() {
			mu.Lock()
			defer mu.Unlock()
			statuses = append(statuses, h.conn.Status())
		})

		h.conn.Connect(context.Background())
		h.push(`{"type":"authenticated"}`)
		h.push(`{"type":"device_registered"}`)
		synctest.Wait()

		mu.Lock()
		got := append([]Status(nil), statuses...)
		mu.Unlock()

		assert.Equal(t, []Status{StatusAuthenticating, StatusRegistering, StatusSynced}, got)

		h.conn.Disconnect()
	})
}

func TestDeviceList_MirroredToRegistry(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newConnHarness(t, testConfig())

		h.conn.Connect(context.Background())
		h.push(`{"type":"device_list","devices":[` +
			`{"id":"device-abc","deviceName":"bench-laptop","deviceType":"desktop"},` +
			`{"id":"device-def","deviceName":"field-tablet","deviceType":"tablet"}]}`)
		synctest.Wait()

		devices := h.registry.Devices()
		require.Len(t, devices, 2)
		assert.Equal(t, "device-def", devices[1].ID)
		assert.Equal(t, "tablet", devices[1].DeviceType)

		// The list is replaced wholesale, never merged.
		h.push(`{"type":"device_list","devices":[` +
			`{"id":"device-abc","deviceName":"bench-laptop","deviceType":"desktop"}]}`)
		synctest.Wait()

		assert.Len(t, h.registry.Devices(), 1)

		h.conn.Disconnect()
		assert.Empty(t, h.registry.Devices())
	})
}

func TestInbound_NonControlFramesGoToHandler(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newConnHarness(t, testConfig())

		var (
			mu     sync.Mutex
			frames [][]byte
		)

		h.conn.SetFrameHandler(func(data []byte) {
			mu.Lock()
			defer mu.Unlock()
			frames = append(frames, data)
		})

		h.conn.Connect(context.Background())
		h.push(`{"type":"authenticated"}`)
		h.push(`{"type":"task_update","taskId":"t1","status":"done"}`)
		h.push(`{"type":"equipment_alert","equipmentId":"centrifuge-2"}`)
		synctest.Wait()

		mu.Lock()
		got := append([][]byte(nil), frames...)
		mu.Unlock()

		// Control frames never reach the handler.
		require.Len(t, got, 2)
		assert.Equal(t, "task_update", gjson.GetBytes(got[0], "type").Str)
		assert.Equal(t, "equipment_alert", gjson.GetBytes(got[1], "type").Str)

		h.conn.Disconnect()
	})
}

func TestDisconnect_Idempotent(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newConnHarness(t, testConfig())

		h.conn.Connect(context.Background())
		synctest.Wait()

		h.conn.Disconnect()
		h.conn.Disconnect()
		h.conn.Disconnect()
		synctest.Wait()

		assert.Equal(t, 1, *h.closes)
		assert.Equal(t, StatusDisconnected, h.conn.Status())
		assert.False(t, h.conn.Send(RequestTaskUpdateFrame{Type: "request_task_update", TaskID: "t1"}))
	})
}

func TestDisconnect_CancelsPendingReconnect(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var (
			mu    sync.Mutex
			dials int
		)

		c := NewConn(testConfig(), NewRegistry(), slog.Default())
		c.dial = func(context.Context, string) (wsConn, error) {
			mu.Lock()
			defer mu.Unlock()
			dials++

			return nil, errors.New("connection refused")
		}

		c.Connect(context.Background())
		c.Disconnect()

		time.Sleep(time.Minute)
		synctest.Wait()

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 1, dials)
	})
}

func TestReconnect_ExponentialBackoffSchedule(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var (
			mu      sync.Mutex
			offsets []time.Duration
		)

		start := time.Now()

		c := NewConn(testConfig(), NewRegistry(), slog.Default())
		c.dial = func(context.Context, string) (wsConn, error) {
			mu.Lock()
			defer mu.Unlock()
			offsets = append(offsets, time.Since(start))

			return nil, errors.New("connection refused")
		}

		c.Connect(context.Background())

		time.Sleep(time.Minute)
		synctest.Wait()

		mu.Lock()
		got := append([]time.Duration(nil), offsets...)
		mu.Unlock()

		// Initial dial plus five retries at 1s, 2s, 4s, 8s, 16s gaps.
		want := []time.Duration{
			0,
			1 * time.Second,
			3 * time.Second,
			7 * time.Second,
			15 * time.Second,
			31 * time.Second,
		}
		assert.Equal(t, want, got)

		assert.True(t, c.Terminal())
		assert.Equal(t, StatusDisconnected, c.Status())
		assert.Equal(t, 5, c.State().ReconnectAttempts)
	})
}

func TestReconnect_CustomBaseDelay(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var (
			mu      sync.Mutex
			offsets []time.Duration
		)

		start := time.Now()

		cfg := testConfig()
		cfg.BaseDelay = 2 * time.Second
		cfg.MaxAttempts = 2

		c := NewConn(cfg, NewRegistry(), slog.Default())
		c.dial = func(context.Context, string) (wsConn, error) {
			mu.Lock()
			defer mu.Unlock()
			offsets = append(offsets, time.Since(start))

			return nil, errors.New("connection refused")
		}

		c.Connect(context.Background())

		time.Sleep(time.Minute)
		synctest.Wait()

		mu.Lock()
		got := append([]time.Duration(nil), offsets...)
		mu.Unlock()

		assert.Equal(t, []time.Duration{0, 2 * time.Second, 6 * time.Second}, got)
		assert.True(t, c.Terminal())
	})
}

func TestReconnect_AttemptsResetOnSuccess(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newConnHarness(t, testConfig())

		failures := 2
		realDial := h.conn.dial
		h.conn.dial = func(ctx context.Context, url string) (wsConn, error) {
			if failures > 0 {
				failures--
				return nil, errors.New("connection refused")
			}

			return realDial(ctx, url)
		}

		h.conn.Connect(context.Background())

		// Two failed dials consume attempts 1 and 2; the third succeeds.
		time.Sleep(10 * time.Second)
		synctest.Wait()

		st := h.conn.State()
		assert.True(t, st.Connected)
		assert.Zero(t, st.ReconnectAttempts)

		h.conn.Disconnect()
	})
}

func TestReadError_ReconnectsAndReauthenticates(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newConnHarness(t, testConfig())

		h.conn.Connect(context.Background())
		h.push(`{"type":"authenticated"}`)
		h.push(`{"type":"device_registered"}`)
		synctest.Wait()

		require.Equal(t, StatusSynced, h.conn.Status())

		h.dropConnection()
		synctest.Wait()

		assert.Equal(t, StatusDisconnected, h.conn.Status())

		// Backoff elapses and the dial succeeds; the handshake restarts
		// from authenticate.
		time.Sleep(time.Second)
		synctest.Wait()

		assert.Equal(t, StatusAuthenticating, h.conn.Status())
		assert.Equal(t, 2, *h.dials)
		assert.Equal(t, []string{"authenticate", "register_device", "authenticate"}, h.writes.types())

		h.conn.Disconnect()
	})
}

func TestRetry_RestartsAfterTerminal(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newConnHarness(t, testConfig())

		failing := true
		realDial := h.conn.dial
		h.conn.dial = func(ctx context.Context, url string) (wsConn, error) {
			if failing {
				return nil, errors.New("connection refused")
			}

			return realDial(ctx, url)
		}

		h.conn.Connect(context.Background())

		time.Sleep(time.Minute)
		synctest.Wait()

		require.True(t, h.conn.Terminal())

		failing = false
		h.conn.Retry()
		synctest.Wait()

		assert.False(t, h.conn.Terminal())
		assert.True(t, h.conn.State().Connected)

		h.conn.Disconnect()
	})
}

func TestConnect_WhileConnectedIsNoop(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newConnHarness(t, testConfig())

		ctx := context.Background()
		h.conn.Connect(ctx)
		synctest.Wait()

		h.conn.Connect(ctx)
		synctest.Wait()

		assert.Equal(t, 1, *h.dials)

		h.conn.Disconnect()
	})
}

func TestSend_FalseBeforeConnect(t *testing.T) {
	c := NewConn(testConfig(), NewRegistry(), slog.Default())

	assert.False(t, c.Send(RequestTaskUpdateFrame{Type: "request_task_update", TaskID: "t1"}))
}
