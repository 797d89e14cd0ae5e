// Package render draws order receipt pages as PNG artifacts. Page height
// is derived from the laid-out content, so a page never clips its items.
package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"

	"github.com/lukwago/waorder/internal/services/bridge/dispatch"
)

const (
	pageWidth  = 480
	marginX    = 24.0
	marginY    = 28
	lineHeight = 18

	maxItemNameRunes = 28
)

// Receipts renders receipt pages into a scratch directory. The dispatch
// pipeline owns the returned artifacts and deletes them when done.
type Receipts struct {
	dir string
}

// NewReceipts builds a renderer writing into dir, creating it if needed.
func NewReceipts(dir string) (*Receipts, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("scratch dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create render scratch dir: %w", err)
	}
	return &Receipts{dir: dir}, nil
}

// RenderPage draws one receipt page and returns the PNG path.
func (r *Receipts) RenderPage(ctx context.Context, page dispatch.Page) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	lines := layout(page)
	height := 2*marginY + len(lines)*lineHeight

	dc := gg.NewContext(pageWidth, height)
	dc.SetRGB(1, 1, 1)
	dc.Clear()
	dc.SetFontFace(basicfont.Face7x13)
	dc.SetRGB(0, 0, 0)

	y := float64(marginY)
	for _, line := range lines {
		dc.DrawString(line, marginX, y)
		y += lineHeight
	}

	path := filepath.Join(r.dir, fmt.Sprintf("receipt-%d-p%d.png", time.Now().UnixNano(), page.Index+1))
	if err := dc.SavePNG(path); err != nil {
		return "", fmt.Errorf("save receipt page: %w", err)
	}
	return path, nil
}

// layout flattens a page into text lines; the line count drives the page
// height.
func layout(page dispatch.Page) []string {
	name := strings.TrimSpace(page.CustomerName)
	if name == "" {
		name = "customer"
	}
	rule := strings.Repeat("-", 48)
	lines := []string{
		"ORDER RECEIPT",
		"Customer: " + name,
		fmt.Sprintf("Page %d of %d", page.Index+1, page.Count),
		rule,
	}
	for _, item := range page.Items {
		lines = append(lines, fmt.Sprintf("%-30s x%-4d %10d",
			truncate(item.Name, maxItemNameRunes), item.Qty, int64(item.Qty)*item.Price))
	}
	lines = append(lines, rule, fmt.Sprintf("TOTAL: %d", page.Total))
	if note := strings.TrimSpace(page.Note); note != "" && page.Index == page.Count-1 {
		lines = append(lines, "Notes: "+truncate(note, 60))
	}
	return lines
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
