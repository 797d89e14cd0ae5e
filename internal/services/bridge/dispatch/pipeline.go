// Package dispatch turns one validated order into a fan-out of receipt
// sends over the live messaging session.
//
// Delivery is best-effort by default: a failed send to one recipient is
// logged and counted while the remaining sends continue. Strict mode
// propagates the first failure instead. Either way, every rendered page
// artifact is deleted by the end of the dispatch that created it, and a
// fixed courtesy delay separates consecutive send attempts. There is no
// outbound queue; a dispatch either completes against a live connection or
// is rejected synchronously.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	platformerrors "github.com/lukwago/waorder/internal/platform/errors"
)

const (
	defaultPageSize      = 10
	defaultSendDelay     = 800 * time.Millisecond
	defaultCountryPrefix = "256"
)

// Config controls dispatch behavior.
type Config struct {
	// OperatorAddress is the fixed business recipient, already normalized.
	OperatorAddress string

	// CountryPrefix replaces a single leading zero during phone
	// normalization.
	CountryPrefix string

	// PageSize is the number of items per rendered receipt page.
	PageSize int

	// SendDelay is the fixed courtesy pause between consecutive send
	// attempts. It is not adaptive backpressure; under load it serializes
	// all sends through the same delay.
	SendDelay time.Duration

	// Strict propagates the first send failure instead of swallowing it.
	Strict bool
}

// Pipeline validates orders, renders paginated receipts, and fans the
// artifacts out to all resolved recipients.
type Pipeline struct {
	cfg      Config
	sessions SenderSource
	renderer PageRenderer
	limiter  *rate.Limiter
}

// New builds a dispatch pipeline. The limiter is shared by every dispatch
// through this pipeline, so concurrent orders respect one channel-wide
// send pace.
func New(cfg Config, sessions SenderSource, renderer PageRenderer) *Pipeline {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.SendDelay == 0 {
		cfg.SendDelay = defaultSendDelay
	}
	if strings.TrimSpace(cfg.CountryPrefix) == "" {
		cfg.CountryPrefix = defaultCountryPrefix
	}
	return &Pipeline{
		cfg:      cfg,
		sessions: sessions,
		renderer: renderer,
		limiter:  rate.NewLimiter(rate.Every(cfg.SendDelay), 1),
	}
}

// Dispatch runs the full pipeline for one order: validate, readiness
// check, total, paginate, render, resolve recipients, throttled fan-out,
// cleanup. Validation and readiness failures return before any side
// effect.
func (p *Pipeline) Dispatch(ctx context.Context, order Order) (Result, error) {
	if err := validate(order); err != nil {
		return Result{}, err
	}
	sender, err := p.sessions.Sender()
	if err != nil {
		return Result{}, platformerrors.Wrap(platformerrors.CodeSessionNotReady, "messaging session is not ready", err)
	}

	// One total for both the rendered pages and the text summary.
	total := order.Total
	if total <= 0 {
		total = grandTotal(order.Items)
	}

	chunks := paginate(order.Items, p.cfg.PageSize)
	var pages []RenderedPage
	defer func() { p.cleanup(pages) }()

	for i, chunk := range chunks {
		path, err := p.renderer.RenderPage(ctx, Page{
			Index:        i,
			Count:        len(chunks),
			CustomerName: order.CustomerName,
			Items:        chunk,
			Total:        total,
			Note:         order.Note,
		})
		if err != nil {
			return Result{}, platformerrors.Wrap(platformerrors.CodeRenderFailed, fmt.Sprintf("render receipt page %d of %d", i+1, len(chunks)), err)
		}
		pages = append(pages, RenderedPage{Index: i, Path: path})
	}

	recipients := p.resolveRecipients(order)

	failed := 0
	for _, page := range pages {
		data, err := os.ReadFile(page.Path)
		if err != nil {
			return Result{}, platformerrors.Wrap(platformerrors.CodeRenderFailed, fmt.Sprintf("read receipt page %d", page.Index+1), err)
		}
		caption := fmt.Sprintf("Receipt %d/%d", page.Index+1, len(pages))
		for _, to := range recipients {
			if err := p.pace(ctx); err != nil {
				return Result{}, err
			}
			if err := sender.SendImage(ctx, to, data, caption); err != nil {
				if p.cfg.Strict {
					return Result{}, platformerrors.Wrap(platformerrors.CodeSendFailed, fmt.Sprintf("send receipt page %d to %s", page.Index+1, to), err)
				}
				failed++
				log.Printf("send receipt page %d to %s: %v", page.Index+1, to, err)
			}
		}
	}

	text := summary(order, total, len(pages))
	for _, to := range recipients {
		if err := p.pace(ctx); err != nil {
			return Result{}, err
		}
		if err := sender.SendText(ctx, to, text); err != nil {
			if p.cfg.Strict {
				return Result{}, platformerrors.Wrap(platformerrors.CodeSendFailed, fmt.Sprintf("send order summary to %s", to), err)
			}
			failed++
			log.Printf("send order summary to %s: %v", to, err)
		}
	}

	result := Result{
		Pages:      len(pages),
		Recipients: len(recipients),
		Failed:     failed,
		Message:    fmt.Sprintf("order dispatched: %d page(s) to %d recipient(s)", len(pages), len(recipients)),
	}
	if failed > 0 {
		result.Message = fmt.Sprintf("order dispatched with %d failed send(s): %d page(s) to %d recipient(s)", failed, len(pages), len(recipients))
	}
	return result, nil
}

// resolveRecipients always includes the operator; the customer is added
// only when their phone normalizes, and normalization failure is silent.
func (p *Pipeline) resolveRecipients(order Order) []string {
	recipients := make([]string, 0, 2)
	if operator := strings.TrimSpace(p.cfg.OperatorAddress); operator != "" {
		recipients = append(recipients, operator)
	}
	if addr, ok := NormalizePhone(order.CustomerPhone, p.cfg.CountryPrefix); ok && addr != p.cfg.OperatorAddress {
		recipients = append(recipients, addr)
	}
	return recipients
}

// pace enforces the fixed inter-send delay. The limiter admits the first
// attempt immediately and spaces each subsequent one by SendDelay, which
// is the same discipline as sleeping after every attempt.
func (p *Pipeline) pace(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return platformerrors.Wrap(platformerrors.CodeSendFailed, "dispatch interrupted", err)
	}
	return nil
}

// cleanup deletes every rendered page artifact. Deletion failure is
// logged, never propagated.
func (p *Pipeline) cleanup(pages []RenderedPage) {
	for _, page := range pages {
		if err := os.Remove(page.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Printf("remove receipt page %s: %v", page.Path, err)
		}
	}
}

// summary renders the text complement of the receipt images. It reuses
// the already-computed grand total so the two artifacts can never
// disagree.
func summary(order Order, total int64, pageCount int) string {
	var b strings.Builder
	name := strings.TrimSpace(order.CustomerName)
	if name == "" {
		name = "customer"
	}
	fmt.Fprintf(&b, "Order from %s (%s)\n", name, strings.TrimSpace(order.CustomerPhone))
	for _, item := range order.Items {
		fmt.Fprintf(&b, "- %s x%d @ %d\n", item.Name, item.Qty, item.Price)
	}
	fmt.Fprintf(&b, "Total: %d\n", total)
	fmt.Fprintf(&b, "Receipt pages: %d", pageCount)
	if note := strings.TrimSpace(order.Note); note != "" {
		fmt.Fprintf(&b, "\nNotes: %s", note)
	}
	return b.String()
}
