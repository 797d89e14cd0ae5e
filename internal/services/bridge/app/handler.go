package app

import (
	"encoding/json"
	"html/template"
	"io"
	"log"
	"net/http"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	platformerrors "github.com/lukwago/waorder/internal/platform/errors"
	"github.com/lukwago/waorder/internal/services/bridge/dispatch"
	"github.com/lukwago/waorder/internal/services/bridge/session"
)

const maxOrderBodyBytes = 1 << 20

// qrImageSize is the rendered challenge square in pixels.
const qrImageSize = 512

type handler struct {
	sessions   Sessions
	dispatcher Dispatcher
	baseURL    string
}

func newHandler(sessions Sessions, dispatcher Dispatcher, baseURL string) http.Handler {
	h := &handler{
		sessions:   sessions,
		dispatcher: dispatcher,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /qr", h.handleChallengePage)
	mux.HandleFunc("GET /qr.png", h.handleChallengeImage)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("POST /send-order", h.handleSendOrder)
	return mux
}

func (h *handler) snapshot() session.Snapshot {
	if h.sessions == nil {
		return session.Snapshot{State: session.StateUninitialized}
	}
	return h.sessions.Snapshot()
}

func (h *handler) challenge() (string, bool) {
	if h.sessions == nil {
		return "", false
	}
	return h.sessions.Challenge()
}

type healthResponse struct {
	Server             string `json:"server"`
	ConnectionState    string `json:"connectionState"`
	ChallengeAvailable bool   `json:"challengeAvailable"`
	Initializing       bool   `json:"initializing"`
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := h.snapshot()
	state := snap.State.String()
	if h.sessions == nil {
		state = "disabled"
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Server:             "ok",
		ConnectionState:    state,
		ChallengeAvailable: snap.ChallengeAvailable,
		Initializing:       snap.Initializing,
	})
}

type sendOrderRequest struct {
	CustomerPhone string        `json:"customerPhone"`
	OrderDetails  string        `json:"orderDetails"`
	Order         *orderPayload `json:"order"`
}

type orderPayload struct {
	CustomerName  string        `json:"customerName"`
	CustomerPhone string        `json:"customerPhone"`
	Items         []itemPayload `json:"items"`
	Total         int64         `json:"total"`
}

type itemPayload struct {
	Name  string `json:"name"`
	Qty   int    `json:"qty"`
	Price int64  `json:"price"`
	Image string `json:"image,omitempty"`
}

type sendOrderResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// toOrder maps the transport payload onto the dispatch order. A top-level
// customerPhone overrides the nested one; free-form order details travel
// as the summary note.
func (r sendOrderRequest) toOrder() dispatch.Order {
	order := dispatch.Order{Note: strings.TrimSpace(r.OrderDetails)}
	if r.Order != nil {
		order.CustomerName = r.Order.CustomerName
		order.CustomerPhone = r.Order.CustomerPhone
		order.Total = r.Order.Total
		for _, item := range r.Order.Items {
			order.Items = append(order.Items, dispatch.Item{
				Name:     item.Name,
				Qty:      item.Qty,
				Price:    item.Price,
				ImageURL: item.Image,
			})
		}
	}
	if phone := strings.TrimSpace(r.CustomerPhone); phone != "" {
		order.CustomerPhone = phone
	}
	return order
}

func (h *handler) handleSendOrder(w http.ResponseWriter, r *http.Request) {
	if h.dispatcher == nil {
		writeError(w, platformerrors.New(platformerrors.CodeSessionDisabled, "messaging is disabled by configuration"))
		return
	}

	var req sendOrderRequest
	body := io.LimitReader(r.Body, maxOrderBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, platformerrors.Wrap(platformerrors.CodeOrderMalformed, "malformed order payload", err))
		return
	}

	result, err := h.dispatcher.Dispatch(r.Context(), req.toOrder())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sendOrderResponse{Success: true, Message: result.Message})
}

// writeError maps the domain error code onto an HTTP status. Unmapped
// codes surface as 500 and are the only ones worth logging server-side.
func writeError(w http.ResponseWriter, err error) {
	code := platformerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch {
	case code.IsValidation():
		status = http.StatusBadRequest
	case code.IsUnavailable():
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		log.Printf("dispatch order: %v", err)
	}
	writeJSON(w, status, sendOrderResponse{Error: err.Error()})
}

func (h *handler) handleChallengeImage(w http.ResponseWriter, r *http.Request) {
	code, ok := h.challenge()
	if !ok {
		http.NotFound(w, r)
		return
	}
	png, err := qrcode.Encode(code, qrcode.Medium, qrImageSize)
	if err != nil {
		log.Printf("encode challenge qr: %v", err)
		http.Error(w, "failed to encode challenge", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(png); err != nil {
		log.Printf("write challenge qr: %v", err)
	}
}

var challengePage = template.Must(template.New("qr").Parse(`<!doctype html>
<html>
<head>
<title>Order bridge</title>
{{if not .Ready}}<meta http-equiv="refresh" content="5">{{end}}
</head>
<body style="font-family: sans-serif; text-align: center; margin-top: 3em;">
{{if .Ready}}
<h1>Connected</h1>
<p>The messaging session is active. Orders will be delivered.</p>
{{else if .ChallengeAvailable}}
<h1>Scan to connect</h1>
<p>Scan this code with the phone that owns the business number.</p>
<img src="/qr.png" alt="authentication challenge" width="320" height="320">
{{else}}
<h1>Waiting for connection…</h1>
<p>State: {{.State}}. This page refreshes automatically.</p>
{{end}}
{{if .BaseURL}}<p><small>Order bridge at {{.BaseURL}}</small></p>{{end}}
</body>
</html>
`))

type challengePageData struct {
	Ready              bool
	ChallengeAvailable bool
	State              string
	BaseURL            string
}

func (h *handler) handleChallengePage(w http.ResponseWriter, _ *http.Request) {
	snap := h.snapshot()
	state := snap.State.String()
	if h.sessions == nil {
		state = "disabled"
	}
	data := challengePageData{
		Ready:              snap.State == session.StateReady,
		ChallengeAvailable: snap.ChallengeAvailable,
		State:              state,
		BaseURL:            h.baseURL,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := challengePage.Execute(w, data); err != nil {
		log.Printf("render challenge page: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}
