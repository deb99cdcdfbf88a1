package realtime

import "sync"

// Registry tracks the devices the server reports as active for the
// user. It is a mirror of server state: entries appear only after the
// server confirms them, never optimistically.
type Registry struct {
	mu      sync.RWMutex
	devices []Device
}

// NewRegistry creates an empty device registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// SetDevices replaces the registry contents with the server's latest
// device list push.
func (r *Registry) SetDevices(devices []Device) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices = append([]Device(nil), devices...)
}

// Devices returns a copy of the current device list.
func (r *Registry) Devices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]Device(nil), r.devices...)
}

// Clear empties the registry. Called on disconnect so stale devices are
// not reported while offline.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices = nil
}
