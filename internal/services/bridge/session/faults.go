package session

import "log"

// FaultKind is the typed classification of asynchronous engine faults.
// Raw errors are translated into a FaultKind at the engine boundary; the
// containment logic below never inspects error text.
type FaultKind int

const (
	// FaultUnknown is anything the engine boundary could not classify.
	FaultUnknown FaultKind = iota
	// FaultConnectionClosed is a fault from an already-torn-down connection.
	FaultConnectionClosed
	// FaultSessionClosed is a fault from a session the remote side ended.
	FaultSessionClosed
	// FaultProtocol is a low-level wire protocol error.
	FaultProtocol
	// FaultEphemeralFile is a missing or unreadable scratch session file.
	FaultEphemeralFile
)

func (k FaultKind) String() string {
	switch k {
	case FaultConnectionClosed:
		return "connection_closed"
	case FaultSessionClosed:
		return "session_closed"
	case FaultProtocol:
		return "protocol"
	case FaultEphemeralFile:
		return "ephemeral_file"
	default:
		return "unknown"
	}
}

// Recoverable reports whether the fault is an expected side effect of
// connection churn and safe to drop.
func (k FaultKind) Recoverable() bool {
	switch k {
	case FaultConnectionClosed, FaultSessionClosed, FaultProtocol, FaultEphemeralFile:
		return true
	default:
		return false
	}
}

// contain absorbs an asynchronous engine fault. Known kinds are dropped
// with a warning; anything else is logged loudly. Nothing here terminates
// the process: recovery comes from the manager's own event-driven
// re-initialization.
func (m *Manager) contain(evt Event) {
	if evt.Fault.Recoverable() {
		log.Printf("ignoring expected engine fault (%s): %v", evt.Fault, evt.Err)
		return
	}
	log.Printf("unexpected engine fault (%s), keeping process alive: %v", evt.Fault, evt.Err)
}
