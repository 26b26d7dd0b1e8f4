package balance

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// History is the append-only ledger of accepted balance changes. Entries are
// never mutated; it exists for trend/anomaly queries and audit.
type History interface {
	Append(e HistoryEntry)

	// Recent returns up to limit entries for asset, newest first.
	Recent(asset string, limit int) []HistoryEntry

	// TrendDelta returns the net balance change for asset over the window
	// ending now.
	TrendDelta(asset string, window time.Duration, now time.Time) decimal.Decimal
}

// MemoryHistory keeps a bounded in-memory ring per asset. The newest entries
// win when the ring is full; audit-grade retention belongs to the optional
// database mirror.
type MemoryHistory struct {
	mu       sync.Mutex
	perAsset map[string][]HistoryEntry
	maxPer   int
}

// NewMemoryHistory creates a history retaining up to maxPerAsset entries per
// asset.
func NewMemoryHistory(maxPerAsset int) *MemoryHistory {
	if maxPerAsset <= 0 {
		maxPerAsset = 1000
	}
	return &MemoryHistory{
		perAsset: make(map[string][]HistoryEntry),
		maxPer:   maxPerAsset,
	}
}

func (h *MemoryHistory) Append(e HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := append(h.perAsset[e.Asset], e)
	if len(entries) > h.maxPer {
		entries = entries[len(entries)-h.maxPer:]
	}
	h.perAsset[e.Asset] = entries
}

func (h *MemoryHistory) Recent(asset string, limit int) []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := h.perAsset[asset]
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	out := make([]HistoryEntry, 0, limit)
	for i := len(entries) - 1; i >= len(entries)-limit; i-- {
		out = append(out, entries[i])
	}
	return out
}

func (h *MemoryHistory) TrendDelta(asset string, window time.Duration, now time.Time) decimal.Decimal {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := now.Add(-window)
	delta := decimal.Zero
	for _, e := range h.perAsset[asset] {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		delta = delta.Add(e.Delta)
	}
	return delta
}

// TeeHistory appends to a primary in-memory history and mirrors writes to a
// secondary sink (the database repository). Reads come from the primary.
type TeeHistory struct {
	Primary History
	Mirror  func(HistoryEntry)
}

func (t *TeeHistory) Append(e HistoryEntry) {
	t.Primary.Append(e)
	if t.Mirror != nil {
		t.Mirror(e)
	}
}

func (t *TeeHistory) Recent(asset string, limit int) []HistoryEntry {
	return t.Primary.Recent(asset, limit)
}

func (t *TeeHistory) TrendDelta(asset string, window time.Duration, now time.Time) decimal.Decimal {
	return t.Primary.TrendDelta(asset, window, now)
}
