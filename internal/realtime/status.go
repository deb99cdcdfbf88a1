package realtime

// Status is the coarse connection lifecycle phase. The phases form a
// total order: disconnected, authenticating, registering, synced.
type Status string

const (
	StatusDisconnected   Status = "disconnected"
	StatusAuthenticating Status = "authenticating"
	StatusRegistering    Status = "registering"
	StatusSynced         Status = "synced"
)

// ConnectionState is a point-in-time snapshot of the connection's
// boolean flags and reconnect bookkeeping.
type ConnectionState struct {
	Connected         bool
	Authenticated     bool
	DeviceRegistered  bool
	ReconnectAttempts int
}

// DeriveStatus maps a state snapshot to its lifecycle phase. The first
// false flag in lifecycle order decides the phase, so an inconsistent
// snapshot (registered but not authenticated) still reports the
// earliest incomplete phase.
func DeriveStatus(cs ConnectionState) Status {
	switch {
	case !cs.Connected:
		return StatusDisconnected
	case !cs.Authenticated:
		return StatusAuthenticating
	case !cs.DeviceRegistered:
		return StatusRegistering
	default:
		return StatusSynced
	}
}
