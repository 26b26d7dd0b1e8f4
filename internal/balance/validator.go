package balance

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"exchange-api-governor/internal/clock"
)

// Validator rule identifiers recorded on HistoryEntry.AcceptedBy.
const (
	RuleNegative    = "negative_value"
	RuleStale       = "stale_source"
	RuleDiscrepancy = "source_discrepancy"
	RuleAccept      = "consistent"
)

// IngestStatus is the typed outcome of one ingest.
type IngestStatus string

const (
	// IngestAccepted means the record became the accepted value with high
	// confidence.
	IngestAccepted IngestStatus = "accepted"

	// IngestAcceptedDegraded means the record was merged but the sources
	// disagree; the push value is authoritative and confidence is degraded.
	IngestAcceptedDegraded IngestStatus = "accepted_degraded"

	// IngestStale means the record was too old to merge; the existing
	// cache entry was marked degraded instead.
	IngestStale IngestStatus = "stale"

	// IngestDuplicate means the record was already ingested; nothing
	// changed and no history was written.
	IngestDuplicate IngestStatus = "duplicate"

	// IngestRejected means the record failed sanity checks and was never
	// merged.
	IngestRejected IngestStatus = "rejected"
)

// IngestResult reports what the validator did with a record.
type IngestResult struct {
	Status IngestStatus
	Rule   string
	Reason string
}

// ValidatorConfig tunes consistency checks.
type ValidatorConfig struct {
	// StalenessBound is the maximum record age still considered fresh.
	StalenessBound time.Duration

	// RelativeTolerance is the maximum relative difference between fresh
	// push and pull totals before they are treated as disagreeing.
	RelativeTolerance decimal.Decimal
}

// Validator cross-checks records from the two sources and owns all writes to
// the cache and history. Reconciliation has one explicit tie-break: when
// fresh sources disagree beyond tolerance, push wins.
type Validator struct {
	mu           sync.Mutex
	lastBySource map[string]map[Source]Record

	cache   *Cache
	history History
	cfg     ValidatorConfig
	clk     clock.Clock
	log     zerolog.Logger

	onDiscrepancy func(asset string, push, pull Record)
}

// NewValidator wires a validator over the given cache and history.
func NewValidator(cache *Cache, history History, cfg ValidatorConfig, clk clock.Clock, log zerolog.Logger) *Validator {
	if cfg.StalenessBound <= 0 {
		cfg.StalenessBound = 30 * time.Second
	}
	if !cfg.RelativeTolerance.IsPositive() {
		cfg.RelativeTolerance = decimal.NewFromFloat(0.001)
	}
	return &Validator{
		lastBySource: make(map[string]map[Source]Record),
		cache:        cache,
		history:      history,
		cfg:          cfg,
		clk:          clk,
		log:          log.With().Str("component", "balance_validator").Logger(),
	}
}

// OnDiscrepancy registers a callback fired when fresh sources disagree.
func (v *Validator) OnDiscrepancy(fn func(asset string, push, pull Record)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onDiscrepancy = fn
}

// Ingest applies the validation rules in order, first violation wins:
// negative values reject; stale records degrade the existing entry; fresh
// disagreeing sources degrade with push authoritative; otherwise accept.
func (v *Validator) Ingest(rec Record) IngestResult {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.clk.Now()

	// Idempotence first: an identical re-delivery changes nothing, and a
	// duplicate of a rejected record is still a duplicate. Checking before
	// the sanity rule keeps re-deliveries from re-appending audit entries.
	if prev, ok := v.lastBySource[rec.Asset][rec.Source]; ok {
		if prev.Sequence == rec.Sequence && prev.Free.Equal(rec.Free) && prev.Held.Equal(rec.Held) &&
			prev.ObservedAt.Equal(rec.ObservedAt) {
			return IngestResult{Status: IngestDuplicate, Rule: RuleAccept}
		}
	}

	// Rule (a): sanity.
	if rec.Free.IsNegative() || rec.Held.IsNegative() {
		v.log.Error().
			Str("asset", rec.Asset).
			Str("source", string(rec.Source)).
			Str("free", rec.Free.String()).
			Str("held", rec.Held.String()).
			Msg("rejecting balance record with negative values")
		v.appendRejectionLocked(rec, now, RuleNegative)
		v.rememberLocked(rec)
		return IngestResult{Status: IngestRejected, Rule: RuleNegative, Reason: "free/held must be non-negative"}
	}

	// Rule (b): staleness. An old record never overwrites the accepted
	// value; it only taints confidence in what we have.
	if now.Sub(rec.ObservedAt) > v.cfg.StalenessBound {
		v.cache.Degrade(rec.Asset)
		// A stale value that also disagrees with the accepted snapshot is
		// worth an audit trail entry even though it is not merged.
		if snap, ok := v.cache.Get(rec.Asset); ok {
			accepted := Record{Asset: rec.Asset, Free: snap.Free, Held: snap.Held}
			if v.disagreeLocked(rec, accepted) {
				cur := snap.Free.Add(snap.Held)
				v.history.Append(HistoryEntry{
					Asset:      rec.Asset,
					OldValue:   cur,
					NewValue:   cur,
					Delta:      decimal.Zero,
					Timestamp:  now,
					AcceptedBy: RuleDiscrepancy,
				})
			}
		}
		v.rememberLocked(rec)
		return IngestResult{Status: IngestStale, Rule: RuleStale, Reason: "record older than staleness bound"}
	}

	v.rememberLocked(rec)

	// Rule (c): cross-source consistency.
	other, haveOther := v.otherFreshLocked(rec, now)
	if haveOther && v.disagreeLocked(rec, other) {
		push, pull := rec, other
		if rec.Source != SourcePush {
			push, pull = other, rec
		}
		prevTotal := v.acceptedTotalLocked(rec.Asset)
		snap := Snapshot{
			Asset:          push.Asset,
			Free:           push.Free,
			Held:           push.Held,
			Confidence:     ConfidenceDegraded,
			LastAcceptedAt: now,
			LastSource:     SourcePush,
		}
		v.cache.Put(snap)
		v.history.Append(HistoryEntry{
			Asset:      push.Asset,
			OldValue:   prevTotal,
			NewValue:   push.Total(),
			Delta:      push.Total().Sub(prevTotal),
			Timestamp:  now,
			AcceptedBy: RuleDiscrepancy,
		})
		v.log.Warn().
			Str("asset", rec.Asset).
			Str("push_total", push.Total().String()).
			Str("pull_total", pull.Total().String()).
			Msg("balance sources disagree beyond tolerance, push wins")
		if fn := v.onDiscrepancy; fn != nil {
			go fn(rec.Asset, push, pull)
		}
		return IngestResult{Status: IngestAcceptedDegraded, Rule: RuleDiscrepancy, Reason: "sources disagree beyond tolerance"}
	}

	// Rule (d): accept.
	prevTotal := v.acceptedTotalLocked(rec.Asset)
	snap := Snapshot{
		Asset:          rec.Asset,
		Free:           rec.Free,
		Held:           rec.Held,
		Confidence:     ConfidenceHigh,
		LastAcceptedAt: now,
		LastSource:     rec.Source,
	}
	v.cache.Put(snap)
	if !rec.Total().Equal(prevTotal) {
		v.history.Append(HistoryEntry{
			Asset:      rec.Asset,
			OldValue:   prevTotal,
			NewValue:   rec.Total(),
			Delta:      rec.Total().Sub(prevTotal),
			Timestamp:  now,
			AcceptedBy: RuleAccept,
		})
	}
	return IngestResult{Status: IngestAccepted, Rule: RuleAccept}
}

func (v *Validator) rememberLocked(rec Record) {
	m, ok := v.lastBySource[rec.Asset]
	if !ok {
		m = make(map[Source]Record, 2)
		v.lastBySource[rec.Asset] = m
	}
	m[rec.Source] = rec
}

// otherFreshLocked returns the most recent record from the opposite source,
// if it is still within the staleness bound.
func (v *Validator) otherFreshLocked(rec Record, now time.Time) (Record, bool) {
	other := SourcePull
	if rec.Source == SourcePull {
		other = SourcePush
	}
	o, ok := v.lastBySource[rec.Asset][other]
	if !ok || now.Sub(o.ObservedAt) > v.cfg.StalenessBound {
		return Record{}, false
	}
	// Rejected records are remembered for duplicate detection only; they
	// never take part in cross-source comparison.
	if o.Free.IsNegative() || o.Held.IsNegative() {
		return Record{}, false
	}
	return o, true
}

func (v *Validator) disagreeLocked(a, b Record) bool {
	ta, tb := a.Total(), b.Total()
	diff := ta.Sub(tb).Abs()
	if diff.IsZero() {
		return false
	}
	base := ta.Abs()
	if tb.Abs().GreaterThan(base) {
		base = tb.Abs()
	}
	if base.IsZero() {
		return true
	}
	return diff.Div(base).GreaterThan(v.cfg.RelativeTolerance)
}

func (v *Validator) acceptedTotalLocked(asset string) decimal.Decimal {
	if snap, ok := v.cache.Get(asset); ok {
		return snap.Free.Add(snap.Held)
	}
	return decimal.Zero
}

// appendRejectionLocked documents a rejected record without merging it.
func (v *Validator) appendRejectionLocked(rec Record, now time.Time, rule string) {
	cur := v.acceptedTotalLocked(rec.Asset)
	v.history.Append(HistoryEntry{
		Asset:      rec.Asset,
		OldValue:   cur,
		NewValue:   cur,
		Delta:      decimal.Zero,
		Timestamp:  now,
		AcceptedBy: "rejected:" + rule,
	})
}

// Get returns the accepted snapshot for asset from cache only.
func (v *Validator) Get(asset string) (Snapshot, bool) {
	return v.cache.Get(asset)
}
