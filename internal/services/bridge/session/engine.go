package session

import "context"

// Sender is the narrow send surface the dispatch pipeline sees. The
// address is the normalized channel address (digits only, country
// prefixed), never a raw phone number.
type Sender interface {
	SendImage(ctx context.Context, to string, png []byte, caption string) error
	SendText(ctx context.Context, to string, text string) error
}

// Engine drives the externally-automated messaging connection. One Engine
// instance corresponds to one connection attempt; the manager discards the
// whole instance and builds a fresh one on every re-initialization.
//
// Lifecycle notifications flow through the event channel handed to the
// EngineFactory. Stop must be safe to call on a partially started engine
// and must never block on the remote side.
type Engine interface {
	Sender

	// Start opens the connection using store-backed credentials, issuing a
	// challenge through the event channel when no credentials exist yet.
	Start(ctx context.Context) error

	// Stop tears the connection down. Teardown errors are swallowed.
	Stop()

	// PurgeCredentials deletes the durable session record so the next
	// Start begins a fresh authentication.
	PurgeCredentials(ctx context.Context) error
}

// EngineFactory builds a new engine bound to the manager's event channel.
type EngineFactory func(ctx context.Context, events chan<- Event) (Engine, error)
