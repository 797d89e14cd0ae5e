package dispatch

import (
	"context"
	"strings"

	platformerrors "github.com/lukwago/waorder/internal/platform/errors"
	"github.com/lukwago/waorder/internal/services/bridge/session"
)

// Item is one ordered line item. Price is in whole currency units.
type Item struct {
	Name     string
	Qty      int
	Price    int64
	ImageURL string
}

// Order is the inbound order payload after transport decoding.
type Order struct {
	CustomerName  string
	CustomerPhone string // raw, unnormalized
	Items         []Item
	Total         int64  // optional; computed from items when zero
	Note          string // free-form order details carried into the summary
}

// Page is the data rendered onto one receipt page.
type Page struct {
	Index        int // zero-based
	Count        int
	CustomerName string
	Items        []Item
	Total        int64
	Note         string
}

// RenderedPage is one paginated receipt artifact on scratch storage. It is
// deleted exactly once by the end of the dispatch that created it.
type RenderedPage struct {
	Index int
	Path  string
}

// PageRenderer produces one receipt page artifact and returns its path.
// Page dimensions derive from rendered content, so no item list is clipped.
type PageRenderer interface {
	RenderPage(ctx context.Context, page Page) (string, error)
}

// SenderSource yields the live send handle only while the session is
// ready. The readiness check and the handle hand-off are atomic.
type SenderSource interface {
	Sender() (session.Sender, error)
}

// Result summarizes one completed dispatch.
type Result struct {
	Pages      int
	Recipients int
	Failed     int // individual send attempts that failed (best-effort mode)
	Message    string
}

func validate(order Order) error {
	if strings.TrimSpace(order.CustomerPhone) == "" {
		return platformerrors.New(platformerrors.CodeOrderPhoneRequired, "customer phone is required")
	}
	if len(order.Items) == 0 {
		return platformerrors.New(platformerrors.CodeOrderItemsRequired, "order has no items")
	}
	return nil
}

// grandTotal sums qty times unit price across all items.
func grandTotal(items []Item) int64 {
	var total int64
	for _, item := range items {
		total += int64(item.Qty) * item.Price
	}
	return total
}
