package session

// State identifies where the managed connection is in its lifecycle.
// StateReady is the only state from which sends are permitted.
type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateAwaitingScan
	StateAuthenticated
	StateReady
	StateDisconnected
	StateFailed
)

// String returns the wire-friendly name used by the health endpoint.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateAwaitingScan:
		return "awaiting_scan"
	case StateAuthenticated:
		return "authenticated"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DisconnectReason classifies why the engine lost its connection. The
// manager decides between purging credentials and a plain reconnect based
// on this value, never on error text.
type DisconnectReason int

const (
	// ReasonConnectionLost covers transport drops with reusable credentials.
	ReasonConnectionLost DisconnectReason = iota
	// ReasonLoggedOut means the remote side invalidated the session.
	ReasonLoggedOut
	// ReasonStreamReplaced means another client took over the session.
	ReasonStreamReplaced
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonLoggedOut:
		return "logged_out"
	case ReasonStreamReplaced:
		return "stream_replaced"
	default:
		return "connection_lost"
	}
}

// purgesSession reports whether persisted credentials and local artifacts
// must be discarded before reconnecting.
func (r DisconnectReason) purgesSession() bool {
	return r == ReasonLoggedOut || r == ReasonStreamReplaced
}

// EventKind enumerates lifecycle notifications emitted by an Engine.
type EventKind int

const (
	EventChallenge EventKind = iota
	EventAuthenticated
	EventReady
	EventAuthFailed
	EventDisconnected
	EventFault
)

// Event is one lifecycle notification from the engine to the manager.
type Event struct {
	Kind      EventKind
	Challenge string           // set for EventChallenge
	Reason    DisconnectReason // set for EventDisconnected
	Fault     FaultKind        // set for EventFault
	Err       error            // underlying cause, when one exists
}
