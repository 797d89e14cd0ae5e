// Package whatsmeow adapts the whatsmeow WhatsApp client to the session
// engine contract. All raw client errors and events are translated into
// typed lifecycle events and fault kinds at this boundary; nothing outside
// this package inspects whatsmeow types or error text.
package whatsmeow

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net"
	"strings"

	wa "go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"github.com/lukwago/waorder/internal/services/bridge/session"
)

// qrEventCode is the QR channel item kind carrying a scannable code.
const qrEventCode = "code"

// Engine is one connection attempt against WhatsApp. The session manager
// builds a fresh Engine per initialization and never reuses one.
type Engine struct {
	container *sqlstore.Container
	client    *wa.Client
	events    chan<- session.Event
	stopQR    context.CancelFunc
}

// NewFactory returns an engine factory backed by a sqlite credential
// store at dsn. The store connection is reopened per engine so a corrupt
// handle never outlives one initialization.
func NewFactory(dsn string) session.EngineFactory {
	return func(ctx context.Context, evts chan<- session.Event) (session.Engine, error) {
		container, err := sqlstore.New(ctx, "sqlite", dsn, waLog.Noop)
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		device, err := container.GetFirstDevice(ctx)
		if err != nil {
			return nil, fmt.Errorf("load device credentials: %w", err)
		}
		engine := &Engine{
			container: container,
			events:    evts,
		}
		engine.client = wa.NewClient(device, waLog.Stdout("engine", "WARN", false))
		engine.client.AddEventHandler(engine.handleEvent)
		return engine, nil
	}
}

// Start connects the client. When no credentials exist yet it also drives
// the QR pairing flow, forwarding each issued code as a challenge event.
func (e *Engine) Start(ctx context.Context) error {
	if e.client.Store.ID != nil {
		return e.client.Connect()
	}

	qrCtx, cancel := context.WithCancel(ctx)
	qrChan, err := e.client.GetQRChannel(qrCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("open challenge channel: %w", err)
	}
	e.stopQR = cancel
	if err := e.client.Connect(); err != nil {
		cancel()
		return fmt.Errorf("connect: %w", err)
	}
	go e.watchQR(qrChan)
	return nil
}

// Stop tears the connection down, swallowing teardown noise.
func (e *Engine) Stop() {
	if e.stopQR != nil {
		e.stopQR()
	}
	if e.client != nil {
		e.client.Disconnect()
	}
}

// PurgeCredentials invalidates the remote session and deletes the durable
// device record so the next Start begins a fresh pairing.
func (e *Engine) PurgeCredentials(ctx context.Context) error {
	if err := e.client.Logout(ctx); err != nil {
		// The remote side usually already dropped us; fall through to the
		// local delete, which is what actually matters for re-pairing.
		log.Printf("remote logout: %v", err)
	}
	if err := e.container.DeleteDevice(ctx, e.client.Store); err != nil {
		return fmt.Errorf("delete device credentials: %w", err)
	}
	return nil
}

// SendImage uploads png and sends it as an image message with a caption.
func (e *Engine) SendImage(ctx context.Context, to string, png []byte, caption string) error {
	uploaded, err := e.client.Upload(ctx, png, wa.MediaImage)
	if err != nil {
		return fmt.Errorf("upload image: %w", err)
	}
	msg := &waE2E.Message{
		ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String("image/png"),
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
		},
	}
	if _, err := e.client.SendMessage(ctx, e.jid(to), msg); err != nil {
		e.reportFault(err)
		return fmt.Errorf("send image: %w", err)
	}
	return nil
}

// SendText sends a plain text message.
func (e *Engine) SendText(ctx context.Context, to string, text string) error {
	msg := &waE2E.Message{Conversation: proto.String(text)}
	if _, err := e.client.SendMessage(ctx, e.jid(to), msg); err != nil {
		e.reportFault(err)
		return fmt.Errorf("send text: %w", err)
	}
	return nil
}

// reportFault mirrors a synchronous send error into the fault stream so
// the lifecycle side sees channel health degrade even when the dispatch
// pipeline swallows the send failure.
func (e *Engine) reportFault(err error) {
	e.emit(session.Event{Kind: session.EventFault, Fault: Classify(err), Err: err})
}

func (e *Engine) jid(to string) types.JID {
	return types.NewJID(to, types.DefaultUserServer)
}

// watchQR forwards pairing codes from the QR channel. The channel closes
// once pairing succeeds, fails, or the context ends.
func (e *Engine) watchQR(ch <-chan wa.QRChannelItem) {
	defer e.recoverFault()
	for item := range ch {
		switch item.Event {
		case qrEventCode:
			e.emit(session.Event{Kind: session.EventChallenge, Challenge: item.Code})
		case wa.QRChannelSuccess.Event:
			// Pairing completed; the PairSuccess event carries the state change.
		case wa.QRChannelTimeout.Event:
			e.emit(session.Event{
				Kind:   session.EventDisconnected,
				Reason: session.ReasonConnectionLost,
				Err:    errors.New("challenge scan timed out"),
			})
		default:
			if item.Error != nil {
				e.emit(session.Event{Kind: session.EventAuthFailed, Err: item.Error})
			}
		}
	}
}

// handleEvent translates whatsmeow events into lifecycle events.
func (e *Engine) handleEvent(evt any) {
	defer e.recoverFault()
	switch v := evt.(type) {
	case *events.PairSuccess:
		e.emit(session.Event{Kind: session.EventAuthenticated})
	case *events.PairError:
		e.emit(session.Event{Kind: session.EventAuthFailed, Err: v.Error})
	case *events.Connected:
		e.emit(session.Event{Kind: session.EventReady})
	case *events.LoggedOut:
		e.emit(session.Event{
			Kind:   session.EventDisconnected,
			Reason: session.ReasonLoggedOut,
			Err:    fmt.Errorf("logged out: %s", v.Reason),
		})
	case *events.StreamReplaced:
		e.emit(session.Event{
			Kind:   session.EventDisconnected,
			Reason: session.ReasonStreamReplaced,
			Err:    errors.New("stream taken over by another client"),
		})
	case *events.Disconnected:
		e.emit(session.Event{
			Kind:   session.EventDisconnected,
			Reason: session.ReasonConnectionLost,
		})
	case *events.StreamError:
		e.emit(session.Event{
			Kind:  session.EventFault,
			Fault: session.FaultProtocol,
			Err:   fmt.Errorf("stream error: %s", v.Code),
		})
	case *events.TemporaryBan:
		e.emit(session.Event{Kind: session.EventAuthFailed, Err: errors.New(v.String())})
	}
}

// emit forwards an event without ever blocking the client's event
// goroutine. Dropping is safe: the manager re-derives state from the next
// event, and a stalled manager means an initialization is already running.
func (e *Engine) emit(evt session.Event) {
	select {
	case e.events <- evt:
	default:
		log.Printf("dropping engine event %d: manager busy", evt.Kind)
	}
}

// recoverFault converts a panicking event goroutine into a contained
// fault instead of a process crash.
func (e *Engine) recoverFault() {
	if r := recover(); r != nil {
		e.emit(session.Event{
			Kind:  session.EventFault,
			Fault: session.FaultUnknown,
			Err:   fmt.Errorf("engine panic: %v", r),
		})
	}
}

// Classify maps a raw client error onto the typed fault taxonomy. It is
// the only place allowed to look at whatsmeow sentinel errors or wire
// error shapes.
func Classify(err error) session.FaultKind {
	switch {
	case err == nil:
		return session.FaultUnknown
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return session.FaultConnectionClosed
	case errors.Is(err, wa.ErrNotConnected), errors.Is(err, wa.ErrClientIsNil):
		return session.FaultConnectionClosed
	case errors.Is(err, wa.ErrNotLoggedIn):
		return session.FaultSessionClosed
	case errors.Is(err, wa.ErrIQTimedOut):
		return session.FaultProtocol
	case errors.Is(err, fs.ErrNotExist):
		return session.FaultEphemeralFile
	default:
		var netErr net.Error
		if errors.As(err, &netErr) {
			return session.FaultProtocol
		}
		if strings.Contains(err.Error(), "websocket") {
			return session.FaultProtocol
		}
		return session.FaultUnknown
	}
}
