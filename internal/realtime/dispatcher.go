package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// Listener receives events for a subscribed event type. Implementations
// are compared by identity: subscribing the same Listener twice for the
// same event type registers it once.
type Listener interface {
	HandleEvent(ev Event)
}

type listenerFunc struct {
	fn func(ev Event)
}

func (l *listenerFunc) HandleEvent(ev Event) {
	l.fn(ev)
}

// ListenerFunc wraps a function as a Listener. Each call returns a
// distinct Listener value, so the handle must be kept to unsubscribe.
func ListenerFunc(fn func(ev Event)) Listener {
	return &listenerFunc{fn: fn}
}

// Sender can push a frame to the server. The dispatcher delegates Send
// to it so subscribers can reply without holding a connection handle.
type Sender interface {
	Send(frame any) bool
}

// Dispatcher fans inbound frames out to subscribers by event type and
// forwards outbound frames to the attached Sender.
type Dispatcher struct {
	logger *slog.Logger

	mu        sync.RWMutex
	listeners map[string]map[Listener]struct{}
	sender    Sender
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		logger:    logger,
		listeners: make(map[string]map[Listener]struct{}),
	}
}

// AttachSender wires the connection the dispatcher sends through.
func (d *Dispatcher) AttachSender(s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sender = s
}

// Subscribe registers a listener for one event type. Subscribing an
// already-registered listener is a no-op.
func (d *Dispatcher) Subscribe(eventType string, l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()

	set, ok := d.listeners[eventType]
	if !ok {
		set = make(map[Listener]struct{})
		d.listeners[eventType] = set
	}

	set[l] = struct{}{}
}

// Unsubscribe removes a listener for one event type. Unknown listeners
// are ignored.
func (d *Dispatcher) Unsubscribe(eventType string, l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if set, ok := d.listeners[eventType]; ok {
		delete(set, l)

		if len(set) == 0 {
			delete(d.listeners, eventType)
		}
	}
}

// Publish delivers an event to every listener subscribed to its type.
// Listeners run synchronously on the caller's goroutine; a listener
// that needs to block should hand off to its own goroutine.
func (d *Dispatcher) Publish(ev Event) {
	d.mu.RLock()
	set := d.listeners[ev.Type]
	targets := make([]Listener, 0, len(set))

	for l := range set {
		targets = append(targets, l)
	}
	d.mu.RUnlock()

	for _, l := range targets {
		l.HandleEvent(ev)
	}
}

// HandleFrame parses a raw inbound frame and publishes it as an event.
// Frames that are not valid JSON or lack a string type discriminator
// are logged and dropped; one bad frame never tears down the stream.
func (d *Dispatcher) HandleFrame(data []byte) {
	if !gjson.ValidBytes(data) {
		d.logger.Warn("dropping malformed frame", slog.Int("bytes", len(data)))
		return
	}

	typ := gjson.GetBytes(data, "type")
	if typ.Type != gjson.String || typ.Str == "" {
		d.logger.Warn("dropping frame without type", slog.Int("bytes", len(data)))
		return
	}

	ev := Event{
		Type:      typ.Str,
		Data:      json.RawMessage(append([]byte(nil), data...)),
		Timestamp: time.Now().UnixMilli(),
	}

	// The frame's own timestamp wins over receipt time when the server
	// supplied one.
	if ts := gjson.GetBytes(data, "timestamp"); ts.Type == gjson.Number {
		ev.Timestamp = ts.Int()
	}

	if userID := gjson.GetBytes(data, "userId"); userID.Type == gjson.String {
		ev.UserID = userID.Str
	}

	if scopeID := gjson.GetBytes(data, "scopeId"); scopeID.Type == gjson.String {
		ev.ScopeID = scopeID.Str
	}

	d.Publish(ev)
}

// Send forwards a frame to the attached sender. The result reports
// whether the frame was handed to a live connection; false means the
// caller should queue or drop it.
func (d *Dispatcher) Send(frame any) bool {
	d.mu.RLock()
	sender := d.sender
	d.mu.RUnlock()

	if sender == nil {
		return false
	}

	return sender.Send(frame)
}

// SendCollaborationMessage sends a chat message scoped to a task.
func (d *Dispatcher) SendCollaborationMessage(taskID, content string) bool {
	return d.Send(CollaborationMessageFrame{
		Type:      frameCollaborationMessage,
		TaskID:    taskID,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	})
}

// RequestTaskUpdate asks the server to push the current state of a task.
func (d *Dispatcher) RequestTaskUpdate(taskID string) bool {
	return d.Send(RequestTaskUpdateFrame{
		Type:   frameRequestTaskUpdate,
		TaskID: taskID,
	})
}

// SubscribeToTaskUpdates registers a callback for task_update events
// matching one task. The returned Listener is the handle to pass to
// Unsubscribe(EventTaskUpdate, ...).
func (d *Dispatcher) SubscribeToTaskUpdates(taskID string, fn func(ev Event)) Listener {
	l := filteredListener(taskID, fn)
	d.Subscribe(EventTaskUpdate, l)

	return l
}

// SubscribeToCollaborationMessages registers a callback for
// collaboration_message events matching one task. The returned Listener
// is the handle to pass to Unsubscribe(EventCollaborationMessage, ...).
func (d *Dispatcher) SubscribeToCollaborationMessages(taskID string, fn func(ev Event)) Listener {
	l := filteredListener(taskID, fn)
	d.Subscribe(EventCollaborationMessage, l)

	return l
}

// filteredListener wraps fn so it only fires for events whose frame
// carries a matching taskId.
func filteredListener(taskID string, fn func(ev Event)) Listener {
	return ListenerFunc(func(ev Event) {
		if gjson.GetBytes(ev.Data, "taskId").Str == taskID {
			fn(ev)
		}
	})
}
