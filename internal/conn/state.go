// Package conn models reachability of the orchestration host and its
// backing compute host as a tri-state value, derived solely from the
// status probe. Channel activity never sets the state directly; channel
// failures only request a re-probe.
package conn

import "fmt"

// Mode is the connection mode.
type Mode int

const (
	// Unreachable means the orchestration host did not answer the probe.
	// Cached data only.
	Unreachable Mode = iota
	// Degraded means the host answered but the backing compute host is
	// offline. Operations that need it are rejected locally.
	Degraded
	// Connected means both hosts are reachable.
	Connected
)

func (m Mode) String() string {
	switch m {
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	default:
		return "unreachable"
	}
}

// State is the probed connection state. PendingOps is only meaningful
// in Degraded mode: the number of queued operations waiting for the
// backing host to come back.
type State struct {
	Mode       Mode `json:"mode"`
	PendingOps uint `json:"pending_ops,omitempty"`
}

// MarshalText lets the mode render as a string in JSON maps and logs.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText parses the string form back into a mode.
func (m *Mode) UnmarshalText(text []byte) error {
	switch string(text) {
	case "connected":
		*m = Connected
	case "degraded":
		*m = Degraded
	case "unreachable":
		*m = Unreachable
	default:
		return fmt.Errorf("unknown connection mode %q", text)
	}
	return nil
}

// blockedReason phrases why an operation cannot run right now.
func (s State) blockedReason() string {
	if s.Mode == Unreachable {
		return "the server is unreachable"
	}
	return "the Mac is offline"
}
