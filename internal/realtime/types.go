package realtime

import "encoding/json"

// Inbound event types published to subscribers.
const (
	EventTaskUpdate           = "task_update"
	EventEquipmentAlert       = "equipment_alert"
	EventCollaborationMessage = "collaboration_message"
	EventSystemNotification   = "system_notification"
)

// Control frame types consumed by the connection itself and never
// published to subscribers.
const (
	frameAuthenticated    = "authenticated"
	frameDeviceRegistered = "device_registered"
	frameDeviceList       = "device_list"
	frameError            = "error"
)

// Outbound frame types.
const (
	frameAuthenticate         = "authenticate"
	frameRegisterDevice       = "register_device"
	frameCollaborationMessage = "collaboration_message"
	frameRequestTaskUpdate    = "request_task_update"
)

// Event is a typed message received from the server and fanned out to
// subscribers. Data holds the full frame as received, so filters can
// inspect fields the engine does not model.
type Event struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	UserID    string          `json:"userId,omitempty"`
	ScopeID   string          `json:"scopeId,omitempty"`
}

// Device describes one connected client as reported by the server.
type Device struct {
	ID         string `json:"id"`
	DeviceName string `json:"deviceName"`
	DeviceType string `json:"deviceType"`
	LastSeen   int64  `json:"lastSeen,omitempty"`
}

// AuthenticateFrame is sent immediately after the socket opens.
type AuthenticateFrame struct {
	Type         string `json:"type"`
	UserID       string `json:"userId"`
	LaboratoryID string `json:"laboratoryId"`
}

// RegisterDeviceFrame announces this device after authentication is
// confirmed.
type RegisterDeviceFrame struct {
	Type       string `json:"type"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	DeviceType string `json:"deviceType"`
}

// CollaborationMessageFrame carries a chat message scoped to a task.
type CollaborationMessageFrame struct {
	Type      string `json:"type"`
	TaskID    string `json:"taskId"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// RequestTaskUpdateFrame asks the server to push the current state of a
// task.
type RequestTaskUpdateFrame struct {
	Type   string `json:"type"`
	TaskID string `json:"taskId"`
}

// deviceListFrame is the server's push of all devices active for the
// user.
type deviceListFrame struct {
	Type    string   `json:"type"`
	Devices []Device `json:"devices"`
}

// errorFrame is the server's report of a rejected frame.
type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
