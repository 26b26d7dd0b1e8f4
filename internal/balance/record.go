// Package balance reconciles account balance state arriving from two
// disagreeing sources (a push feed and a pull API) into one trustworthy
// snapshot per asset, with an append-only history of accepted changes.
package balance

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source tags where a balance record came from.
type Source string

const (
	// SourcePush is the event-stream feed. Push wins ties: it is
	// lower-latency and event-driven.
	SourcePush Source = "push"

	// SourcePull is the request/response API.
	SourcePull Source = "pull"
)

// Confidence flags whether the cached value is corroborated by fresh,
// agreeing sources. Callers committing capital must require high confidence
// or force a refresh.
type Confidence string

const (
	ConfidenceHigh     Confidence = "high"
	ConfidenceDegraded Confidence = "degraded"
)

// Record is one observation of an asset's balance from one source.
type Record struct {
	Asset      string          `json:"asset"`
	Free       decimal.Decimal `json:"free"`
	Held       decimal.Decimal `json:"held"`
	Source     Source          `json:"source"`
	ObservedAt time.Time       `json:"observed_at"`

	// Sequence is the source's own version counter, when it provides one.
	// Zero means the source is unversioned.
	Sequence uint64 `json:"sequence,omitempty"`
}

// Total returns free + held.
func (r Record) Total() decimal.Decimal { return r.Free.Add(r.Held) }

// Snapshot is the validator's accepted merged view for one asset.
type Snapshot struct {
	Asset          string          `json:"asset"`
	Free           decimal.Decimal `json:"free"`
	Held           decimal.Decimal `json:"held"`
	Confidence     Confidence      `json:"confidence"`
	LastAcceptedAt time.Time       `json:"last_accepted_at"`
	LastSource     Source          `json:"last_source"`
}

// HistoryEntry is one immutable accepted balance change. AcceptedBy names
// the validator rule that let the change through (or flagged the conflict).
type HistoryEntry struct {
	Asset      string          `json:"asset"`
	OldValue   decimal.Decimal `json:"old_value"`
	NewValue   decimal.Decimal `json:"new_value"`
	Delta      decimal.Decimal `json:"delta"`
	Timestamp  time.Time       `json:"timestamp"`
	AcceptedBy string          `json:"accepted_by"`
}
